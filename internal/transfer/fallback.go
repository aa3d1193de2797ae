package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// MoveAndCopyFallback replaces the installation by moving the old files
// into a side directory and copying the new payload in. A crash between
// the move and the copy can leave the installation partially empty, which
// is why this strategy is only chosen when rsync is unavailable and why it
// requires explicit confirmation outside dry-run.
type MoveAndCopyFallback struct {
	dryRun bool
	logger *zap.SugaredLogger

	now func() time.Time
}

// NewMoveAndCopyFallback creates the degraded transfer strategy.
func NewMoveAndCopyFallback(dryRun bool, logger *zap.SugaredLogger) *MoveAndCopyFallback {
	return &MoveAndCopyFallback{dryRun: dryRun, logger: logger, now: time.Now}
}

func (s *MoveAndCopyFallback) Name() string { return "move-and-copy fallback" }

func (s *MoveAndCopyFallback) RequiresConfirmation() bool { return true }

func (s *MoveAndCopyFallback) Install(ctx context.Context, stagingDir, installDir string, excludeRelPaths []string) error {
	if s.dryRun {
		s.logger.Infof("[dry-run] would move aside contents of %s and copy in %s, preserving %v",
			installDir, stagingDir, excludeRelPaths)
		return nil
	}

	excluded := make(map[string]bool, len(excludeRelPaths))
	for _, ex := range excludeRelPaths {
		excluded[filepath.Clean(ex)] = true
	}

	sideDir := filepath.Join(installDir, fmt.Sprintf(".vsmgr_old_%s", s.now().Format("20060102150405")))
	if err := os.MkdirAll(sideDir, 0o755); err != nil {
		return transferErr(stagingDir, installDir, fmt.Errorf("creating side directory: %w", err))
	}

	moved, err := s.moveAside(installDir, sideDir, excluded)
	if err != nil {
		// Moving is rename-based and cheap to undo; try before reporting.
		if s.restore(sideDir, installDir, moved) {
			_ = os.RemoveAll(sideDir)
		} else {
			s.logger.Errorf("move failed and restore incomplete; old files remain in %s", sideDir)
		}
		return transferErr(installDir, sideDir, err)
	}
	s.logger.Infof("moved %d entries aside to %s", len(moved), sideDir)

	if err := s.copyIn(ctx, stagingDir, installDir, excluded); err != nil {
		if s.restore(sideDir, installDir, moved) {
			_ = os.RemoveAll(sideDir)
			s.logger.Warn("copy failed; previous installation restored")
		} else {
			// Leave the side directory for manual recovery.
			s.logger.Errorf("copy failed and restore incomplete; old files remain in %s", sideDir)
		}
		return transferErr(stagingDir, installDir, err)
	}

	if err := s.verifyCopied(stagingDir, installDir, excluded); err != nil {
		if s.restore(sideDir, installDir, moved) {
			_ = os.RemoveAll(sideDir)
			s.logger.Warn("copy verification failed; previous installation restored")
		} else {
			s.logger.Errorf("copy verification failed and restore incomplete; old files remain in %s", sideDir)
		}
		return transferErr(stagingDir, installDir, err)
	}

	if err := os.RemoveAll(sideDir); err != nil {
		s.logger.Warnw("could not remove side directory", "path", sideDir, "error", err)
	}
	return nil
}

// moveAside moves every top-level entry of installDir into sideDir,
// skipping excluded entries and the side directory itself. It returns the
// names already moved so a failed run can be undone.
func (s *MoveAndCopyFallback) moveAside(installDir, sideDir string, excluded map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(installDir)
	if err != nil {
		return nil, fmt.Errorf("listing installation directory: %w", err)
	}

	var moved []string
	for _, e := range entries {
		name := e.Name()
		if excluded[name] || filepath.Join(installDir, name) == sideDir {
			continue
		}
		if err := os.Rename(filepath.Join(installDir, name), filepath.Join(sideDir, name)); err != nil {
			return moved, fmt.Errorf("moving %s aside: %w", name, err)
		}
		moved = append(moved, name)
	}
	return moved, nil
}

// restore moves previously set-aside entries back into installDir.
// Reports whether every entry was restored.
func (s *MoveAndCopyFallback) restore(sideDir, installDir string, moved []string) bool {
	ok := true
	for _, name := range moved {
		src := filepath.Join(sideDir, name)
		dst := filepath.Join(installDir, name)
		if err := os.RemoveAll(dst); err != nil {
			s.logger.Warnw("restore: could not clear destination", "path", dst, "error", err)
		}
		if err := os.Rename(src, dst); err != nil {
			s.logger.Errorw("restore: could not move entry back", "entry", name, "error", err)
			ok = false
		}
	}
	return ok
}

// copyIn copies the staged payload into installDir. Excluded entries are
// skipped on the source side too: a release archive shipping a default
// copy of a preserved file must never overwrite the live one.
func (s *MoveAndCopyFallback) copyIn(ctx context.Context, stagingDir, installDir string, excluded map[string]bool) error {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return fmt.Errorf("listing staging directory: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if excluded[e.Name()] {
			s.logger.Debugf("not copying %s: preserved path", e.Name())
			continue
		}
		src := filepath.Join(stagingDir, e.Name())
		dst := filepath.Join(installDir, e.Name())
		if err := copyTree(src, dst); err != nil {
			return fmt.Errorf("copying %s: %w", e.Name(), err)
		}
	}
	return nil
}

// verifyCopied checks that every copied top-level staging entry now exists
// in the installation directory. Catches a copy pass truncated by a full
// disk.
func (s *MoveAndCopyFallback) verifyCopied(stagingDir, installDir string, excluded map[string]bool) error {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return fmt.Errorf("listing staging directory: %w", err)
	}
	for _, e := range entries {
		if excluded[e.Name()] {
			continue
		}
		if _, err := os.Lstat(filepath.Join(installDir, e.Name())); err != nil {
			return fmt.Errorf("entry %s missing after copy: %w", e.Name(), err)
		}
	}
	return nil
}

// copyTree copies a file or directory tree, preserving permissions.
func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)

	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil

	default:
		return copyFile(src, dst, info.Mode().Perm())
	}
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
