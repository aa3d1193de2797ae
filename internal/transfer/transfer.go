// Package transfer swaps a staged release payload into the live
// installation directory. Two strategies exist: a synchronized mirror
// driven by rsync (preferred) and a move-and-copy fallback for hosts
// without rsync.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vsmgr/vsmgr/internal/run"
)

// ErrTransferFailed wraps any strategy failure. The message carries
// source, destination, and the underlying tool error so a quota or
// permission problem can be told apart from a missing source.
var ErrTransferFailed = errors.New("file transfer failed")

// Strategy installs a staged payload over an existing installation while
// never touching paths in the exclusion set.
type Strategy interface {
	// Name identifies the strategy in logs and dry-run traces.
	Name() string
	// RequiresConfirmation reports whether the caller should obtain
	// explicit consent before using this strategy. The degraded fallback
	// requires it; the mirror does not.
	RequiresConfirmation() bool
	// Install replaces installDir's contents with stagingDir's, leaving
	// excludeRelPaths (relative to installDir) untouched.
	Install(ctx context.Context, stagingDir, installDir string, excludeRelPaths []string) error
}

// Detect probes the host for rsync and returns the mirror strategy when it
// is available, otherwise the fallback. The selection happens once at
// startup and is injected into the orchestrator.
func Detect(runner run.Runner, dryRun bool, logger *zap.SugaredLogger) Strategy {
	if _, err := runner.LookPath("rsync"); err == nil {
		logger.Debug("rsync available, using synchronized mirror transfer")
		return NewRsyncMirror(runner, dryRun, logger)
	}
	logger.Debug("rsync not found, using move-and-copy fallback transfer")
	return NewMoveAndCopyFallback(dryRun, logger)
}

func transferErr(src, dst string, err error) error {
	return fmt.Errorf("%w: %s -> %s: %v", ErrTransferFailed, src, dst, err)
}
