package update

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vsmgr/vsmgr/internal/backup"
	"github.com/vsmgr/vsmgr/internal/config"
	"github.com/vsmgr/vsmgr/internal/transfer"
	"github.com/vsmgr/vsmgr/internal/version"
)

// mockController tracks service operations and keeps a live active flag so
// the pipeline sees realistic state transitions.
type mockController struct {
	exists   bool
	active   bool
	stopErr  error
	startErr error

	stopCalls  int
	startCalls int
}

func (m *mockController) Exists(ctx context.Context, name string) (bool, error) {
	return m.exists, nil
}

func (m *mockController) IsActive(ctx context.Context, name string) (bool, error) {
	return m.active, nil
}

func (m *mockController) Start(ctx context.Context, name string) error {
	m.startCalls++
	if m.startErr != nil {
		return m.startErr
	}
	m.active = true
	return nil
}

func (m *mockController) Stop(ctx context.Context, name string) error {
	m.stopCalls++
	if m.stopErr != nil {
		return m.stopErr
	}
	m.active = false
	return nil
}

// nopRunner satisfies run.Runner; chown and version probes succeed silently.
type nopRunner struct{}

func (nopRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return nil, nil
}

func (nopRunner) LookPath(name string) (string, error) { return name, nil }

// artifactHost serves one release artifact and counts probe vs download
// traffic separately.
type artifactHost struct {
	srv *httptest.Server

	mu      sync.Mutex
	path    string
	payload []byte
	heads   int
	gets    int
}

func newArtifactHost(t *testing.T, ver string, payload []byte) *artifactHost {
	t.Helper()
	h := &artifactHost{
		path:    "/stable/vs_server_linux-x64_" + ver + ".tar.gz",
		payload: payload,
	}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if r.URL.Path != h.path {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodHead:
			h.heads++
		case http.MethodGet:
			h.gets++
			_, _ = w.Write(h.payload)
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *artifactHost) counts() (heads, gets int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heads, h.gets
}

// buildArchive produces a .tar.gz release payload in memory.
func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func testSettings(t *testing.T, baseURL string) config.Settings {
	t.Helper()
	return config.Settings{
		ServiceName:       "vintagestoryserver",
		ServerDir:         t.TempDir(),
		DataDir:           t.TempDir(),
		TempDir:           t.TempDir(),
		BackupDir:         t.TempDir(),
		ServerUser:        "gameserver",
		MaxBackups:        5,
		BackupExclude:     []string{"Cache", "Logs"},
		PreservePaths:     []string{"serverconfig.json", "Mods"},
		DownloadsBaseURL:  baseURL,
		VersionCatalogURL: baseURL + "/catalog",
	}
}

func newTestOrchestrator(cfg config.Settings, svc *mockController, confirm ConfirmFunc, dryRun bool) *Orchestrator {
	logger := zap.NewNop().Sugar()
	runner := nopRunner{}
	resolver := version.NewResolver(
		cfg.VersionCatalogURL, cfg.DownloadsBaseURL, cfg.ServerDir, cfg.DataDir, runner, logger)
	backups := backup.NewManager(cfg.DataDir, cfg.BackupDir, cfg.BackupExclude, dryRun, logger)
	strategy := transfer.NewMoveAndCopyFallback(dryRun, logger)
	return New(cfg, resolver, backups, strategy, svc, runner, confirm, dryRun, logger)
}

func TestRunRejectsInvalidVersionBeforeSideEffects(t *testing.T) {
	host := newArtifactHost(t, "1.2.3", nil)
	cfg := testSettings(t, host.srv.URL)
	svc := &mockController{exists: true, active: true}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	for _, target := range []string{"latest", "1.20", "v1.2.3", ""} {
		err := orch.Run(context.Background(), Options{Version: target})
		require.ErrorIs(t, err, ErrInvalidVersionFormat, "target %q", target)
	}

	heads, gets := host.counts()
	assert.Zero(t, heads)
	assert.Zero(t, gets)
	assert.Zero(t, svc.stopCalls)
	assert.Zero(t, svc.startCalls)
}

func TestRunHappyPath(t *testing.T) {
	payload := buildArchive(t, map[string]string{
		"VintagestoryServer.dll": "new server bits",
		"assets/creative.dat":    "new assets",
	})
	host := newArtifactHost(t, "1.2.3", payload)
	cfg := testSettings(t, host.srv.URL)

	// Existing installation with user data that must survive the swap.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ServerDir, "VintagestoryServer.dll"), []byte("old server bits"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ServerDir, "serverconfig.json"), []byte("user settings"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "save.vcdbs"), []byte("world"), 0o644))

	svc := &mockController{exists: true, active: true}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	err := orch.Run(context.Background(), Options{Version: "1.2.3", MaxBackups: 5, AssumeYes: true})
	require.NoError(t, err)

	// New payload installed, user configuration preserved.
	got, err := os.ReadFile(filepath.Join(cfg.ServerDir, "VintagestoryServer.dll"))
	require.NoError(t, err)
	assert.Equal(t, "new server bits", string(got))
	assert.FileExists(t, filepath.Join(cfg.ServerDir, "assets", "creative.dat"))
	preserved, err := os.ReadFile(filepath.Join(cfg.ServerDir, "serverconfig.json"))
	require.NoError(t, err)
	assert.Equal(t, "user settings", string(preserved))

	// A backup of the data directory was taken.
	backups, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	// Temp resources are reclaimed by cleanup.
	leftovers, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	// One stop, one start, and the service ended up running.
	assert.Equal(t, 1, svc.stopCalls)
	assert.Equal(t, 1, svc.startCalls)
	assert.True(t, svc.active)

	heads, gets := host.counts()
	assert.Equal(t, 1, heads)
	assert.Equal(t, 1, gets)
}

func TestRunServiceMissing(t *testing.T) {
	host := newArtifactHost(t, "1.2.3", nil)
	cfg := testSettings(t, host.srv.URL)
	svc := &mockController{exists: false}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	err := orch.Run(context.Background(), Options{Version: "1.2.3"})
	require.ErrorIs(t, err, ErrServiceMissing)
	assert.Zero(t, svc.stopCalls)
}

func TestRunArtifactUnreachableBeforeStop(t *testing.T) {
	// The host serves nothing, so the preflight HEAD probe fails and the
	// service is never taken down.
	host := newArtifactHost(t, "9.9.9", nil)
	cfg := testSettings(t, host.srv.URL)
	svc := &mockController{exists: true, active: true}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	err := orch.Run(context.Background(), Options{Version: "1.2.3"})
	require.ErrorIs(t, err, ErrArtifactUnreachable)
	assert.Zero(t, svc.stopCalls)
	assert.True(t, svc.active)
}

func TestRunBackupFailureHaltsBeforeDownload(t *testing.T) {
	payload := buildArchive(t, map[string]string{"VintagestoryServer.dll": "bits"})
	host := newArtifactHost(t, "1.2.3", payload)
	cfg := testSettings(t, host.srv.URL)
	// A data directory that cannot be read makes the backup fail.
	cfg.DataDir = filepath.Join(cfg.DataDir, "does-not-exist")

	svc := &mockController{exists: true, active: true}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	err := orch.Run(context.Background(), Options{Version: "1.2.3"})
	require.ErrorIs(t, err, ErrBackupAborted)

	// The artifact was probed but never downloaded.
	heads, gets := host.counts()
	assert.Equal(t, 1, heads)
	assert.Zero(t, gets)

	// Cleanup restarted the service this run had stopped.
	assert.Equal(t, 1, svc.stopCalls)
	assert.Equal(t, 1, svc.startCalls)
	assert.True(t, svc.active)
}

func TestRunIgnoreBackupFailureContinues(t *testing.T) {
	payload := buildArchive(t, map[string]string{"VintagestoryServer.dll": "bits"})
	host := newArtifactHost(t, "1.2.3", payload)
	cfg := testSettings(t, host.srv.URL)
	cfg.DataDir = filepath.Join(cfg.DataDir, "does-not-exist")

	svc := &mockController{exists: true, active: true}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	err := orch.Run(context.Background(), Options{
		Version: "1.2.3", IgnoreBackupFailure: true, AssumeYes: true,
	})
	require.NoError(t, err)
	assert.True(t, svc.active)

	_, gets := host.counts()
	assert.Equal(t, 1, gets)
}

func TestRunStartFailureAttemptsOneCleanupRestart(t *testing.T) {
	payload := buildArchive(t, map[string]string{"VintagestoryServer.dll": "bits"})
	host := newArtifactHost(t, "1.2.3", payload)
	cfg := testSettings(t, host.srv.URL)

	svc := &mockController{exists: true, active: true, startErr: errors.New("unit entered failed state")}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	err := orch.Run(context.Background(), Options{Version: "1.2.3", SkipBackup: true, AssumeYes: true})
	require.ErrorIs(t, err, ErrServiceStartFailed)

	// One start from the pipeline, exactly one more from cleanup.
	assert.Equal(t, 2, svc.startCalls)
	assert.False(t, svc.active)
}

func TestRunSwapRequiresConfirmation(t *testing.T) {
	payload := buildArchive(t, map[string]string{"VintagestoryServer.dll": "bits"})

	tests := []struct {
		name    string
		confirm ConfirmFunc
	}{
		{name: "no prompt available", confirm: nil},
		{name: "declined", confirm: func(string) (bool, error) { return false, nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newArtifactHost(t, "1.2.3", payload)
			cfg := testSettings(t, host.srv.URL)
			svc := &mockController{exists: true, active: true}
			orch := newTestOrchestrator(cfg, svc, tt.confirm, false)

			err := orch.Run(context.Background(), Options{Version: "1.2.3", SkipBackup: true})
			require.ErrorIs(t, err, ErrSwapNotConfirmed)

			// Nothing was installed and cleanup brought the service back.
			assert.NoFileExists(t, filepath.Join(cfg.ServerDir, "VintagestoryServer.dll"))
			assert.Equal(t, 1, svc.startCalls)
			assert.True(t, svc.active)
		})
	}
}

func TestRunSwapConfirmedInteractively(t *testing.T) {
	payload := buildArchive(t, map[string]string{"VintagestoryServer.dll": "bits"})
	host := newArtifactHost(t, "1.2.3", payload)
	cfg := testSettings(t, host.srv.URL)

	svc := &mockController{exists: true, active: true}
	prompted := false
	confirm := func(string) (bool, error) {
		prompted = true
		return true, nil
	}
	orch := newTestOrchestrator(cfg, svc, confirm, false)

	err := orch.Run(context.Background(), Options{Version: "1.2.3", SkipBackup: true})
	require.NoError(t, err)
	assert.True(t, prompted)
	assert.FileExists(t, filepath.Join(cfg.ServerDir, "VintagestoryServer.dll"))
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	host := newArtifactHost(t, "9.9.9", nil)
	cfg := testSettings(t, host.srv.URL)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ServerDir, "VintagestoryServer.dll"), []byte("current"), 0o644))

	svc := &mockController{exists: true, active: true}
	orch := newTestOrchestrator(cfg, svc, nil, true)

	err := orch.Run(context.Background(), Options{Version: "9.9.9", DryRun: true})
	require.NoError(t, err)

	// No service operations and no downloads in dry-run.
	assert.Zero(t, svc.stopCalls)
	assert.Zero(t, svc.startCalls)
	heads, gets := host.counts()
	assert.Equal(t, 1, heads)
	assert.Zero(t, gets)

	// Installation, backups, and temp dir are untouched.
	got, err := os.ReadFile(filepath.Join(cfg.ServerDir, "VintagestoryServer.dll"))
	require.NoError(t, err)
	assert.Equal(t, "current", string(got))
	backups, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	assert.Empty(t, backups)
	leftovers, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRunInterruptedContext(t *testing.T) {
	host := newArtifactHost(t, "1.2.3", nil)
	cfg := testSettings(t, host.srv.URL)
	svc := &mockController{exists: true, active: true}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := orch.Run(ctx, Options{Version: "1.2.3"})
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, svc.stopCalls)
	assert.True(t, svc.active)
}

func TestCleanupIsIdempotent(t *testing.T) {
	host := newArtifactHost(t, "1.2.3", nil)
	cfg := testSettings(t, host.srv.URL)
	svc := &mockController{exists: true, active: false}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	target, err := version.ParseStrict("1.2.3")
	require.NoError(t, err)
	sess := newSession(target, Options{Version: "1.2.3"}, cfg.TempDir, "vs_server_linux-x64_1.2.3.tar.gz", zap.NewNop().Sugar())
	sess.ServiceStoppedByUs = true

	orch.Cleanup(context.Background(), sess)
	orch.Cleanup(context.Background(), sess)

	// The restart happens once; the second invocation is a no-op.
	assert.Equal(t, 1, svc.startCalls)
	assert.True(t, svc.active)
}

func TestCleanupSkipsRestartWhenServiceCameBack(t *testing.T) {
	host := newArtifactHost(t, "1.2.3", nil)
	cfg := testSettings(t, host.srv.URL)
	svc := &mockController{exists: true, active: true}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	target, err := version.ParseStrict("1.2.3")
	require.NoError(t, err)
	sess := newSession(target, Options{Version: "1.2.3"}, cfg.TempDir, "vs_server_linux-x64_1.2.3.tar.gz", zap.NewNop().Sugar())
	sess.ServiceStoppedByUs = true

	orch.Cleanup(context.Background(), sess)
	assert.Zero(t, svc.startCalls)
}

func TestCleanupNeverTouchesServiceItDidNotStop(t *testing.T) {
	host := newArtifactHost(t, "1.2.3", nil)
	cfg := testSettings(t, host.srv.URL)
	svc := &mockController{exists: true, active: false}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	target, err := version.ParseStrict("1.2.3")
	require.NoError(t, err)
	sess := newSession(target, Options{Version: "1.2.3"}, cfg.TempDir, "vs_server_linux-x64_1.2.3.tar.gz", zap.NewNop().Sugar())

	orch.Cleanup(context.Background(), sess)
	assert.Zero(t, svc.startCalls)
}

func TestCleanupRemovesTempResources(t *testing.T) {
	host := newArtifactHost(t, "1.2.3", nil)
	cfg := testSettings(t, host.srv.URL)
	svc := &mockController{exists: true, active: true}
	orch := newTestOrchestrator(cfg, svc, nil, false)

	target, err := version.ParseStrict("1.2.3")
	require.NoError(t, err)
	sess := newSession(target, Options{Version: "1.2.3"}, cfg.TempDir, "vs_server_linux-x64_1.2.3.tar.gz", zap.NewNop().Sugar())

	require.NoError(t, os.MkdirAll(sess.StagingDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sess.StagingDir, "file"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(sess.ArchivePath, []byte("archive"), 0o644))

	orch.Cleanup(context.Background(), sess)
	assert.NoDirExists(t, sess.StagingDir)
	assert.NoFileExists(t, sess.ArchivePath)
}

func TestSessionStateProgression(t *testing.T) {
	target, err := version.ParseStrict("1.2.3")
	require.NoError(t, err)
	sess := newSession(target, Options{}, t.TempDir(), "a.tar.gz", zap.NewNop().Sugar())

	assert.Equal(t, StateIdle, sess.State())
	require.NoError(t, sess.machine.Event(context.Background(), eventValidate))
	assert.Equal(t, StateValidated, sess.State())

	// Failure is reachable from any non-terminal state.
	require.NoError(t, sess.machine.Event(context.Background(), eventFail))
	assert.Equal(t, StateFailed, sess.State())

	// Terminal: no event leaves the failed state.
	assert.Error(t, sess.machine.Event(context.Background(), eventValidate))
	assert.Error(t, sess.machine.Event(context.Background(), eventFail))
}
