// Package update sequences an in-place server upgrade: stop, backup,
// download, extract, swap, start, verify. Any failure at any step leaves
// the service running again rather than stuck down.
package update

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vsmgr/vsmgr/internal/backup"
	"github.com/vsmgr/vsmgr/internal/config"
	"github.com/vsmgr/vsmgr/internal/run"
	"github.com/vsmgr/vsmgr/internal/service"
	"github.com/vsmgr/vsmgr/internal/transfer"
	"github.com/vsmgr/vsmgr/internal/version"
)

const (
	verifyAttempts = 5
	verifyInterval = 3 * time.Second
)

// ConfirmFunc obtains user consent for a risky action. The engine itself
// never prompts; the CLI layer injects the prompt (or pre-authorization).
type ConfirmFunc func(prompt string) (bool, error)

// Orchestrator drives one update session at a time through the pipeline
// state machine. All collaborators are injected at construction; the
// orchestrator owns no global state.
type Orchestrator struct {
	cfg      config.Settings
	resolver *version.Resolver
	backups  *backup.Manager
	strategy transfer.Strategy
	svc      service.Controller
	runner   run.Runner
	confirm  ConfirmFunc
	client   *http.Client
	logger   *zap.SugaredLogger
	dryRun   bool
}

// New assembles an orchestrator.
func New(
	cfg config.Settings,
	resolver *version.Resolver,
	backups *backup.Manager,
	strategy transfer.Strategy,
	svc service.Controller,
	runner run.Runner,
	confirm ConfirmFunc,
	dryRun bool,
	logger *zap.SugaredLogger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		resolver: resolver,
		backups:  backups,
		strategy: strategy,
		svc:      svc,
		runner:   runner,
		confirm:  confirm,
		client:   &http.Client{}, // downloads can be large; rely on ctx for cancellation
		logger:   logger,
		dryRun:   dryRun,
	}
}

// Run performs the update to opts.Version. On any failure the session
// cleanup has already run by the time the error is returned: temp
// resources are reclaimed and, if this run stopped the service, a restart
// has been attempted.
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	target, err := version.ParseStrict(opts.Version)
	if err != nil {
		// Rejected before any side effect.
		return fmt.Errorf("%w: %v", ErrInvalidVersionFormat, err)
	}

	sess := newSession(target, opts, o.cfg.TempDir, o.resolver.ArtifactName(target), o.logger)

	o.logger.Infof("=== starting server update to %s ===", target)
	if o.dryRun {
		o.logger.Info("dry-run mode: no changes will be made")
	}

	started := time.Now()
	defer func() {
		// Cleanup must run even when ctx was canceled by an interrupt.
		o.Cleanup(context.WithoutCancel(ctx), sess)
		o.logger.Infof("update run finished in %s", time.Since(started).Round(time.Second))
	}()

	if err := sess.machine.Event(ctx, eventValidate); err != nil {
		return err
	}

	steps := []struct {
		event string
		fn    func(context.Context, *Session) error
	}{
		{eventStop, o.stepStopService},
		{eventBackup, o.stepBackup},
		{eventDownload, o.stepDownload},
		{eventExtract, o.stepExtract},
		{eventSwap, o.stepSwap},
		{eventStart, o.stepStartService},
		{eventVerify, o.stepVerify},
		{eventFinish, func(context.Context, *Session) error { return nil }},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			_ = sess.machine.Event(context.WithoutCancel(ctx), eventFail)
			return fmt.Errorf("update interrupted: %w", err)
		}
		if err := step.fn(ctx, sess); err != nil {
			_ = sess.machine.Event(context.WithoutCancel(ctx), eventFail)
			return err
		}
		if err := sess.machine.Event(ctx, step.event); err != nil {
			return err
		}
	}

	o.logger.Info("=== update completed successfully ===")
	return nil
}

// stepStopService runs the preliminary checks and stops the service. Both
// checks happen before the stop so a resolvable-but-unfetchable update
// never takes the service down needlessly.
func (o *Orchestrator) stepStopService(ctx context.Context, sess *Session) error {
	exists, err := o.svc.Exists(ctx, o.cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceMissing, err)
	}
	if !exists {
		return fmt.Errorf("%w: %q (check service_name in the configuration)", ErrServiceMissing, o.cfg.ServiceName)
	}

	url := o.resolver.ArtifactURL(sess.Target, version.ChannelStable)
	if err := o.resolver.VerifyArtifact(ctx, url); err != nil {
		return fmt.Errorf("%w: %v", ErrArtifactUnreachable, err)
	}
	o.logger.Info("preliminary checks passed")

	if o.dryRun {
		o.logger.Infof("[dry-run] would stop service %s", o.cfg.ServiceName)
		return nil
	}

	o.logger.Infof("stopping service %s", o.cfg.ServiceName)
	if err := o.svc.Stop(ctx, o.cfg.ServiceName); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceStopFailed, err)
	}
	sess.ServiceStoppedByUs = true
	return nil
}

func (o *Orchestrator) stepBackup(ctx context.Context, sess *Session) error {
	if sess.Opts.SkipBackup {
		o.logger.Info("skipping backup (--skip-backup)")
		return nil
	}

	rec, err := o.backups.Create()
	if err != nil {
		if sess.Opts.IgnoreBackupFailure {
			o.logger.Warnf("backup failed, continuing without one (--ignore-backup-failure): %v", err)
			return nil
		}
		return fmt.Errorf("%w: %v (use --skip-backup or --ignore-backup-failure to proceed without one)", ErrBackupAborted, err)
	}
	sess.BackupPath = rec.Path
	o.logger.Infof("backup created: %s", rec.Path)

	if _, err := o.backups.Rotate(sess.Opts.MaxBackups); err != nil {
		o.logger.Warnf("backup rotation failed: %v", err)
	}
	return nil
}

func (o *Orchestrator) stepDownload(ctx context.Context, sess *Session) error {
	url := o.resolver.ArtifactURL(sess.Target, version.ChannelStable)

	if o.dryRun {
		o.logger.Infof("[dry-run] would download %s to %s", url, sess.ArchivePath)
		return nil
	}

	o.logger.Infof("downloading %s", url)
	if err := o.download(ctx, url, sess.ArchivePath); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

func (o *Orchestrator) stepExtract(ctx context.Context, sess *Session) error {
	if o.dryRun {
		o.logger.Infof("[dry-run] would extract %s into %s", sess.ArchivePath, sess.StagingDir)
		return nil
	}

	o.logger.Infof("extracting archive into %s", sess.StagingDir)
	if err := extractArchive(ctx, sess.ArchivePath, sess.StagingDir); err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	return nil
}

func (o *Orchestrator) stepSwap(ctx context.Context, sess *Session) error {
	// Fail-safe against catastrophic misconfiguration, independent of
	// config validation.
	dir := filepath.Clean(o.cfg.ServerDir)
	if o.cfg.ServerDir == "" || dir == "." || dir == string(filepath.Separator) {
		return fmt.Errorf("%w: server_dir=%q", ErrInvalidInstallDir, o.cfg.ServerDir)
	}

	if o.strategy.RequiresConfirmation() && !o.dryRun {
		o.logger.Warnf("using %s: a crash mid-swap can leave the installation partially empty", o.strategy.Name())
		if !sess.Opts.AssumeYes {
			if o.confirm == nil {
				return fmt.Errorf("%w: pass --yes to authorize the %s", ErrSwapNotConfirmed, o.strategy.Name())
			}
			ok, err := o.confirm(fmt.Sprintf("Proceed with the %s?", o.strategy.Name()))
			if err != nil {
				return fmt.Errorf("%w: %v", ErrSwapNotConfirmed, err)
			}
			if !ok {
				return fmt.Errorf("%w: declined", ErrSwapNotConfirmed)
			}
		}
	}

	o.logger.Infof("installing new server files via %s", o.strategy.Name())
	if err := o.strategy.Install(ctx, sess.StagingDir, o.cfg.ServerDir, o.cfg.PreservePaths); err != nil {
		return fmt.Errorf("%w: %v", ErrInstallSwapFailed, err)
	}
	return nil
}

func (o *Orchestrator) stepStartService(ctx context.Context, sess *Session) error {
	o.reassignOwnership(ctx)

	if o.dryRun {
		o.logger.Infof("[dry-run] would start service %s", o.cfg.ServiceName)
		return nil
	}

	o.logger.Infof("starting service %s", o.cfg.ServiceName)
	if err := o.svc.Start(ctx, o.cfg.ServiceName); err != nil {
		return fmt.Errorf("%w: %v (inspect with: systemctl status %s.service)",
			ErrServiceStartFailed, err, o.cfg.ServiceName)
	}
	sess.ServiceStoppedByUs = false
	return nil
}

// stepVerify confirms the result best-effort. Inability to verify is a
// warning, never a failure: the update is materially complete.
func (o *Orchestrator) stepVerify(ctx context.Context, sess *Session) error {
	if o.dryRun {
		o.logger.Info("[dry-run] would verify service status and installed version")
		return nil
	}

	if err := service.WaitActive(ctx, o.svc, o.cfg.ServiceName, verifyAttempts, verifyInterval); err != nil {
		o.logger.Warnf("%v (inspect with: systemctl status %s.service)", err, o.cfg.ServiceName)
		return nil
	}
	o.logger.Infof("service %s is active", o.cfg.ServiceName)

	installed, err := o.resolver.InstalledExpecting(ctx, sess.Target)
	if err != nil {
		o.logger.Warnf("could not verify installed version: %v", err)
		return nil
	}
	if installed.Compare(sess.Target) != 0 {
		o.logger.Warnf("installed version %s does not match expected %s; check manually", installed, sess.Target)
		return nil
	}
	o.logger.Infof("installed version verified: %s", installed)
	return nil
}

// reassignOwnership hands the installed files back to the service account.
// Best-effort: the service may still run under looser permissions.
func (o *Orchestrator) reassignOwnership(ctx context.Context) {
	owner := o.cfg.ServerUser + ":" + o.cfg.ServerUser

	if o.dryRun {
		o.logger.Infof("[dry-run] would chown -R %s %s", owner, o.cfg.ServerDir)
		return
	}
	if out, err := o.runner.Run(ctx, "chown", "-R", owner, o.cfg.ServerDir); err != nil {
		o.logger.Warnf("could not set ownership on %s: %v (%s)", o.cfg.ServerDir, err, string(out))
	}
}

// Cleanup reclaims the session's temp resources and, if and only if this
// session stopped the service and it is not currently active, attempts to
// start it. It never restarts a service the session did not touch, and
// never issues a start when the service already came back. Every
// sub-action is independently best-effort; cleanup itself never fails.
func (o *Orchestrator) Cleanup(ctx context.Context, sess *Session) {
	o.logger.Debug("running cleanup")

	o.removeTemp(sess.ArchivePath, false)
	o.removeTemp(sess.StagingDir, true)

	if !sess.ServiceStoppedByUs {
		return
	}

	active, err := o.svc.IsActive(ctx, o.cfg.ServiceName)
	if err != nil {
		o.logger.Warnf("could not determine service state during cleanup: %v", err)
		active = false // when in doubt, try to bring the service back
	}
	if active {
		return
	}

	o.logger.Warnf("update ended with service %s stopped; attempting restart", o.cfg.ServiceName)
	if err := o.svc.Start(ctx, o.cfg.ServiceName); err != nil {
		o.logger.Errorf("restart attempt failed: %v (inspect with: systemctl status %s.service)",
			err, o.cfg.ServiceName)
		return
	}
	sess.ServiceStoppedByUs = false
	o.logger.Infof("restart issued for service %s", o.cfg.ServiceName)
}

func (o *Orchestrator) removeTemp(path string, isDir bool) {
	if path == "" || o.dryRun {
		return
	}
	var err error
	if isDir {
		err = removeAllIfPresent(path)
	} else {
		err = removeIfPresent(path)
	}
	if err != nil {
		o.logger.Warnf("could not remove %s: %v", path, err)
	}
}
