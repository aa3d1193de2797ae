package update

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// extractArchive unpacks a .tar.gz release archive into stagingDir. The
// staging directory is fully cleared first so residue from a previous
// failed run can never contaminate the new payload.
func extractArchive(ctx context.Context, archivePath, stagingDir string) error {
	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("clearing staging directory: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		dest, err := safeJoin(stagingDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, os.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("creating directory %s: %w", hdr.Name, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("creating directory for %s: %w", hdr.Name, err)
			}
			if err := writeFile(dest, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("creating directory for %s: %w", hdr.Name, err)
			}
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				return fmt.Errorf("extracting symlink %s: %w", hdr.Name, err)
			}

		default:
			// Hard links, devices, etc. do not appear in release
			// archives; skip rather than fail.
			continue
		}
	}
}

// safeJoin rejects archive entries that would escape the staging tree.
func safeJoin(base, name string) (string, error) {
	dest := filepath.Join(base, filepath.FromSlash(name))
	if dest != base && !strings.HasPrefix(dest, base+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes staging directory", name)
	}
	return dest, nil
}

func writeFile(dest string, r io.Reader, perm os.FileMode) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
