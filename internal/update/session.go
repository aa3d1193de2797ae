package update

import (
	"context"
	"path/filepath"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/vsmgr/vsmgr/internal/version"
)

// Update pipeline states. Failed is reachable from every non-terminal
// state; cleanup runs after both Complete and Failed.
const (
	StateIdle       = "idle"
	StateValidated  = "input_validated"
	StateStopped    = "service_stopped"
	StateBackupDone = "backup_done"
	StateDownloaded = "artifact_downloaded"
	StateExtracted  = "artifact_extracted"
	StateSwapped    = "files_swapped"
	StateStarted    = "service_started"
	StateVerified   = "verified"
	StateComplete   = "complete"
	StateFailed     = "failed"
)

const (
	eventValidate = "validate"
	eventStop     = "stop_service"
	eventBackup   = "backup"
	eventDownload = "download"
	eventExtract  = "extract"
	eventSwap     = "swap"
	eventStart    = "start_service"
	eventVerify   = "verify"
	eventFinish   = "finish"
	eventFail     = "fail"
)

// Options are the per-invocation flags for one update run.
type Options struct {
	Version             string
	SkipBackup          bool
	IgnoreBackupFailure bool
	MaxBackups          int
	DryRun              bool

	// AssumeYes pre-authorizes the degraded fallback transfer so the
	// engine can run non-interactively.
	AssumeYes bool
}

// Session is the mutable state of a single update invocation. Exactly one
// session exists per invocation; its temp paths are derived from the
// target version and its resources are reclaimed exactly once by the
// cleanup routine on every exit path.
type Session struct {
	Target *version.Version
	Opts   Options

	// StagingDir holds the extracted payload; ArchivePath the download.
	StagingDir  string
	ArchivePath string

	// ServiceStoppedByUs is set exactly once, immediately after a
	// successful stop. It is the sole signal authorizing cleanup to
	// attempt a restart.
	ServiceStoppedByUs bool

	// BackupPath is the snapshot created for this run, if any.
	BackupPath string

	machine *fsm.FSM
}

func newSession(target *version.Version, opts Options, tempDir, archiveName string, logger *zap.SugaredLogger) *Session {
	nonTerminal := []string{
		StateIdle, StateValidated, StateStopped, StateBackupDone,
		StateDownloaded, StateExtracted, StateSwapped, StateStarted, StateVerified,
	}

	machine := fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventValidate, Src: []string{StateIdle}, Dst: StateValidated},
			{Name: eventStop, Src: []string{StateValidated}, Dst: StateStopped},
			{Name: eventBackup, Src: []string{StateStopped}, Dst: StateBackupDone},
			{Name: eventDownload, Src: []string{StateBackupDone}, Dst: StateDownloaded},
			{Name: eventExtract, Src: []string{StateDownloaded}, Dst: StateExtracted},
			{Name: eventSwap, Src: []string{StateExtracted}, Dst: StateSwapped},
			{Name: eventStart, Src: []string{StateSwapped}, Dst: StateStarted},
			{Name: eventVerify, Src: []string{StateStarted}, Dst: StateVerified},
			{Name: eventFinish, Src: []string{StateVerified}, Dst: StateComplete},
			{Name: eventFail, Src: nonTerminal, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debugf("update state: %s -> %s", e.Src, e.Dst)
			},
		},
	)

	return &Session{
		Target:      target,
		Opts:        opts,
		StagingDir:  filepath.Join(tempDir, "vsmgr_update_"+target.String()),
		ArchivePath: filepath.Join(tempDir, archiveName),
		machine:     machine,
	}
}

// State returns the session's current pipeline state.
func (s *Session) State() string {
	return s.machine.Current()
}
