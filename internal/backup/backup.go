// Package backup creates and rotates compressed snapshots of the server
// data directory.
package backup

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Backup failure classes.
var (
	ErrBackupFailed      = errors.New("backup failed")
	ErrInsufficientSpace = errors.New("insufficient disk space")
	ErrPermissionDenied  = errors.New("permission denied")
)

const (
	namePrefix = "vs_data_backup_"
	nameSuffix = ".tar.zst"

	// timestampLayout sorts lexically in creation order.
	timestampLayout = "20060102_150405"
)

// Record describes one backup file. Records are never indexed in memory
// across runs; every run re-derives the live set by listing the backup
// directory.
type Record struct {
	Path      string    `json:"path" yaml:"path"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Size      int64     `json:"size" yaml:"size"`
}

// Manager snapshots the data directory and enforces the retention policy.
type Manager struct {
	dataDir   string
	backupDir string
	exclude   []string // data-dir relative subpaths left out of the archive
	dryRun    bool
	logger    *zap.SugaredLogger

	now func() time.Time
}

// NewManager creates a backup manager. exclude entries are interpreted
// relative to dataDir.
func NewManager(dataDir, backupDir string, exclude []string, dryRun bool, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		dataDir:   dataDir,
		backupDir: backupDir,
		exclude:   exclude,
		dryRun:    dryRun,
		logger:    logger,
		now:       time.Now,
	}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.backupDir
}

// Create streams a filtered tar archive of the data directory through a
// zstd compressor into the backup directory. On any mid-stream failure the
// partial output file is deleted before the error is returned; a truncated
// backup must never be left on disk looking like a valid one.
func (m *Manager) Create() (*Record, error) {
	ts := m.now()
	dest := filepath.Join(m.backupDir, namePrefix+ts.Format(timestampLayout)+nameSuffix)

	if m.dryRun {
		m.logger.Infof("[dry-run] would back up %s to %s", m.dataDir, dest)
		return &Record{Path: dest, CreatedAt: ts}, nil
	}

	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating backup directory: %v", classify(err), err)
	}

	m.logger.Infof("creating backup: %s", dest)
	if err := m.writeArchive(dest); err != nil {
		if rmErr := os.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			m.logger.Warnw("could not remove partial backup file", "path", dest, "error", rmErr)
		}
		return nil, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: stat finished backup: %v", ErrBackupFailed, err)
	}
	return &Record{Path: dest, CreatedAt: ts, Size: info.Size()}, nil
}

// Rotate deletes the oldest backups beyond keep, sorted by modification
// time. keep <= 0 disables rotation. Individual delete failures are logged
// and skipped; rotation is best-effort and never blocks the caller.
func (m *Manager) Rotate(keep int) ([]Record, error) {
	if keep <= 0 {
		return nil, nil
	}

	records, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(records) <= keep {
		return nil, nil
	}

	var deleted []Record
	for _, rec := range records[keep:] {
		if m.dryRun {
			m.logger.Infof("[dry-run] would remove old backup: %s", rec.Path)
			deleted = append(deleted, rec)
			continue
		}
		if err := os.Remove(rec.Path); err != nil {
			m.logger.Warnw("could not remove old backup", "path", rec.Path, "error", err)
			continue
		}
		m.logger.Infof("removed old backup: %s", rec.Path)
		deleted = append(deleted, rec)
	}
	return deleted, nil
}

// List returns all backups in the backup directory, newest first by
// modification time. A missing backup directory yields an empty list.
func (m *Manager) List() ([]Record, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing backup directory: %w", err)
	}

	var records []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		records = append(records, Record{
			Path:      filepath.Join(m.backupDir, name),
			CreatedAt: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (m *Manager) writeArchive(dest string) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating backup file: %v", classify(err), err)
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return fmt.Errorf("%w: initializing compressor: %v", ErrBackupFailed, err)
	}
	tw := tar.NewWriter(zw)

	if err := m.addTree(tw); err != nil {
		// Close writers so the partial file can be removed, but report
		// the original failure.
		_ = tw.Close()
		_ = zw.Close()
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: finalizing archive: %v", classify(err), err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: finalizing compression: %v", classify(err), err)
	}
	return out.Sync()
}

func (m *Manager) addTree(tw *tar.Writer) error {
	base := filepath.Base(m.dataDir)

	return filepath.WalkDir(m.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: walking %s: %v", classify(err), path, err)
		}

		rel, err := filepath.Rel(m.dataDir, path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackupFailed, err)
		}
		if rel == "." {
			return nil
		}
		if m.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", classify(err), path, err)
		}

		// Symlinks are archived as links; everything else as-is.
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("%w: readlink %s: %v", classify(err), path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackupFailed, err)
		}
		hdr.Name = filepath.ToSlash(filepath.Join(base, rel))

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("%w: writing header for %s: %v", classify(err), rel, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: opening %s: %v", classify(err), path, err)
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("%w: archiving %s: %v", classify(err), rel, err)
		}
		return nil
	})
}

func (m *Manager) excluded(rel string) bool {
	for _, ex := range m.exclude {
		ex = filepath.Clean(ex)
		if rel == ex || strings.HasPrefix(rel, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// classify maps an OS error to the closest backup failure class.
func classify(err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return ErrInsufficientSpace
	case os.IsPermission(err):
		return ErrPermissionDenied
	default:
		return ErrBackupFailed
	}
}
