package cmd

import (
	"go.uber.org/zap"

	"github.com/vsmgr/vsmgr/internal/config"
	"github.com/vsmgr/vsmgr/internal/logging"
	"github.com/vsmgr/vsmgr/internal/run"
	"github.com/vsmgr/vsmgr/internal/version"
)

// setup loads settings and builds the logger shared by all commands.
func setup() (config.Settings, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger := logging.New(logging.Options{Verbose: verbose, Quiet: quiet})
	return cfg, logger, nil
}

// newResolver builds a version resolver from settings.
func newResolver(cfg config.Settings, logger *zap.SugaredLogger) *version.Resolver {
	return version.NewResolver(
		cfg.VersionCatalogURL,
		cfg.DownloadsBaseURL,
		cfg.ServerDir,
		cfg.DataDir,
		run.ExecRunner{},
		logger,
	)
}
