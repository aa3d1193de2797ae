// Package config handles settings file loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Settings is the full configuration surface. Values are immutable after
// Load; components receive the struct (or individual fields) at
// construction time.
type Settings struct {
	// ServiceName is the systemd unit (without the .service suffix).
	ServiceName string `toml:"service_name"`

	// Directory layout.
	ServerDir string `toml:"server_dir"`
	DataDir   string `toml:"data_dir"`
	TempDir   string `toml:"temp_dir"`
	BackupDir string `toml:"backup_dir"`

	// ServerUser owns the installed files and backups.
	ServerUser string `toml:"server_user"`

	// MaxBackups is the backup retention count; <= 0 disables rotation.
	MaxBackups int `toml:"max_backups"`

	// BackupExclude lists data-dir subpaths left out of backups.
	BackupExclude []string `toml:"backup_exclude"`

	// PreservePaths lists server-dir entries an update must never touch:
	// user configuration and mod directories.
	PreservePaths []string `toml:"preserve_paths"`

	// Release endpoints.
	DownloadsBaseURL  string `toml:"downloads_base_url"`
	VersionCatalogURL string `toml:"version_catalog_url"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		ServiceName:       "vintagestoryserver",
		ServerDir:         "/srv/gameserver/vintagestory",
		DataDir:           "/srv/gameserver/data/vs",
		TempDir:           "/tmp/vsmgr",
		BackupDir:         "/srv/gameserver/backups",
		ServerUser:        "gameserver",
		MaxBackups:        10,
		BackupExclude:     []string{"Backups", "BackupSave", "Cache", "Logs"},
		PreservePaths:     []string{"serverconfig.json", "Mods", "ModConfig"},
		DownloadsBaseURL:  "https://cdn.vintagestory.at/gamefiles",
		VersionCatalogURL: "https://mods.vintagestory.at/api/gameversions",
	}
}

// searchPaths returns the settings file locations, highest priority first.
func searchPaths() []string {
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			xdg = filepath.Join(home, ".config")
		}
	}

	paths := []string{"./vsmgr.toml"}
	if xdg != "" {
		paths = append(paths, filepath.Join(xdg, "vsmgr", "config.toml"))
	}
	return append(paths, "/etc/vsmgr.toml")
}

// Load reads settings from path, or from the first file found on the
// search path when path is empty. A completely absent configuration is
// not an error; defaults apply.
func Load(path string) (Settings, error) {
	s := Default()

	if path != "" {
		if err := decodeFile(path, &s); err != nil {
			return s, err
		}
		return s, Validate(s)
	}

	for _, candidate := range searchPaths() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := decodeFile(candidate, &s); err != nil {
			return s, err
		}
		break
	}
	return s, Validate(s)
}

func decodeFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, s); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			return fmt.Errorf("parsing config file %s: %s", path, derr.String())
		}
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}
