package version

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vsmgr/vsmgr/internal/run"
)

// Resolution failure classes. Callers distinguish them with errors.Is.
var (
	ErrCatalogUnreachable = errors.New("release catalog unreachable")
	ErrCatalogMalformed   = errors.New("release catalog response malformed")
	ErrNoCandidates       = errors.New("no release candidates for channel")
	ErrArtifactMissing    = errors.New("release artifact missing")
	ErrVersionUnknown     = errors.New("installed version unknown")
)

const (
	catalogRetries = 2
	catalogBackoff = 2 * time.Second

	serverAssembly = "VintagestoryServer.dll"
	mainLogName    = "server-main.log"
)

// logVersionRegex matches the version marker the server prints at startup.
var logVersionRegex = regexp.MustCompile(`Game Version: (v\d+\.\d+\.\d+(?:-[a-zA-Z0-9.]+)?)`)

// releaseEntry is one catalog record. The catalog returns a JSON array of
// these, newest entries in no guaranteed order.
type releaseEntry struct {
	Name string `json:"name"`
}

// Resolver fetches release metadata, picks target versions, and reports
// the currently installed version.
type Resolver struct {
	client     *http.Client
	catalogURL string
	baseURL    string
	artifact   string // artifact name pattern with one %s for the version

	installDir string
	dataDir    string

	runner run.Runner
	logger *zap.SugaredLogger
}

// NewResolver creates a Resolver. catalogURL serves the release list,
// baseURL is the artifact download root.
func NewResolver(catalogURL, baseURL, installDir, dataDir string, runner run.Runner, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{
		client:     &http.Client{Timeout: 30 * time.Second},
		catalogURL: catalogURL,
		baseURL:    baseURL,
		artifact:   "vs_server_linux-x64_%s.tar.gz",
		installDir: installDir,
		dataDir:    dataDir,
		runner:     runner,
		logger:     logger,
	}
}

// ArtifactURL returns the expected download URL for a version.
func (r *Resolver) ArtifactURL(v *Version, c Channel) string {
	return fmt.Sprintf("%s/%s/"+r.artifact, r.baseURL, c, v.String())
}

// ArtifactName returns the archive file name for a version.
func (r *Resolver) ArtifactName(v *Version) string {
	return fmt.Sprintf(r.artifact, v.String())
}

// ResolveLatest fetches the catalog, filters by channel, and returns the
// numerically highest candidate. The top candidate must have a
// downloadable artifact; a missing artifact is surfaced as
// ErrArtifactMissing rather than silently falling back to the next-best
// candidate, since a published version without its binary points at an
// upstream inconsistency.
func (r *Resolver) ResolveLatest(ctx context.Context, c Channel) (*Version, error) {
	entries, err := r.fetchCatalog(ctx)
	if err != nil {
		return nil, err
	}

	var latest *Version
	for _, e := range entries {
		v, err := Parse(e.Name)
		if err != nil {
			r.logger.Debugw("skipping unparsable catalog entry", "name", e.Name)
			continue
		}
		if !v.InChannel(c) {
			continue
		}
		if latest == nil || v.Newer(latest) {
			latest = v
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w %q", ErrNoCandidates, c)
	}

	url := r.ArtifactURL(latest, c)
	if err := r.VerifyArtifact(ctx, url); err != nil {
		return nil, err
	}
	return latest, nil
}

// VerifyArtifact probes url with a HEAD request and fails with
// ErrArtifactMissing unless the server answers 200.
func (r *Resolver) VerifyArtifact(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArtifactMissing, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrArtifactMissing, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrArtifactMissing, url, resp.StatusCode)
	}
	return nil
}

// Installed determines the version of the currently installed server.
// It first asks the server assembly directly, then falls back to scanning
// the server's own startup log. Failure is ErrVersionUnknown; callers
// treat it as a degraded state, not an abort condition.
func (r *Resolver) Installed(ctx context.Context) (*Version, error) {
	assembly := filepath.Join(r.installDir, serverAssembly)
	if _, err := os.Stat(assembly); err != nil {
		return nil, fmt.Errorf("%w: server assembly not found at %s", ErrVersionUnknown, assembly)
	}

	if v, err := r.installedFromBinary(ctx, assembly); err == nil {
		return v, nil
	} else {
		r.logger.Debugw("version query via server binary failed, trying log scan", "error", err)
	}

	if v, err := r.installedFromLog(); err == nil {
		return v, nil
	} else {
		r.logger.Debugw("version log scan failed", "error", err)
	}

	return nil, fmt.Errorf("%w: binary query and log scan both failed", ErrVersionUnknown)
}

// InstalledExpecting is Installed with a known expected version. When the
// binary-reported version does not match expected, the server log is
// consulted before the mismatch is taken at face value; the log carries
// the version the running process actually announced.
func (r *Resolver) InstalledExpecting(ctx context.Context, expected *Version) (*Version, error) {
	assembly := filepath.Join(r.installDir, serverAssembly)
	if _, err := os.Stat(assembly); err != nil {
		return nil, fmt.Errorf("%w: server assembly not found at %s", ErrVersionUnknown, assembly)
	}

	bin, binErr := r.installedFromBinary(ctx, assembly)
	if binErr == nil && bin.Compare(expected) == 0 {
		return bin, nil
	}
	if binErr != nil {
		r.logger.Debugw("version query via server binary failed, trying log scan", "error", binErr)
	} else {
		r.logger.Debugw("binary-reported version mismatches expected, cross-checking server log",
			"reported", bin.String(), "expected", expected.String())
	}

	if v, err := r.installedFromLog(); err == nil {
		return v, nil
	} else {
		r.logger.Debugw("version log scan failed", "error", err)
	}

	if binErr == nil {
		return bin, nil
	}
	return nil, fmt.Errorf("%w: binary query and log scan both failed", ErrVersionUnknown)
}

func (r *Resolver) fetchCatalog(ctx context.Context) ([]releaseEntry, error) {
	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.catalogURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("catalog returned status %d", resp.StatusCode)
		}
		body, err = readAll(resp)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(catalogBackoff), catalogRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCatalogUnreachable, r.catalogURL, err)
	}

	var entries []releaseEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogMalformed, err)
	}
	return entries, nil
}

func (r *Resolver) installedFromBinary(ctx context.Context, assembly string) (*Version, error) {
	out, err := r.runner.Run(ctx, "dotnet", assembly, "--version")
	if err != nil {
		return nil, fmt.Errorf("running server assembly: %w", err)
	}
	v, err := Parse(firstVersionToken(string(out)))
	if err != nil {
		return nil, fmt.Errorf("parsing server version output %q: %w", string(out), err)
	}
	return v, nil
}

func (r *Resolver) installedFromLog() (*Version, error) {
	logPath := filepath.Join(r.dataDir, "Logs", mainLogName)
	f, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("opening server log: %w", err)
	}
	defer f.Close()

	// The marker appears once per server start; keep the last occurrence
	// so restarts after an upgrade report the new version.
	var found string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if m := logVersionRegex.FindStringSubmatch(scanner.Text()); m != nil {
			found = m[1]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading server log: %w", err)
	}
	if found == "" {
		return nil, fmt.Errorf("no version marker in %s", logPath)
	}
	return Parse(found)
}

func firstVersionToken(out string) string {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		for _, field := range strings.Fields(scanner.Text()) {
			if versionRegex.MatchString(field) {
				return field
			}
		}
	}
	return strings.TrimSpace(out)
}

func readAll(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
