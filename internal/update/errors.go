package update

import "errors"

// Fatal update failure classes. Every one of these funnels through the
// session cleanup exactly once before the process exits non-zero.
var (
	ErrInvalidVersionFormat = errors.New("invalid version format")
	ErrServiceMissing       = errors.New("service unit not found")
	ErrArtifactUnreachable  = errors.New("release artifact unreachable")
	ErrServiceStopFailed    = errors.New("could not stop service")
	ErrBackupAborted        = errors.New("backup failed, update aborted")
	ErrDownloadFailed       = errors.New("download failed")
	ErrExtractionFailed     = errors.New("extraction failed")
	ErrInvalidInstallDir    = errors.New("installation directory unsafe")
	ErrSwapNotConfirmed     = errors.New("degraded transfer not confirmed")
	ErrInstallSwapFailed    = errors.New("installing new files failed")
	ErrServiceStartFailed   = errors.New("could not start service")
)
