package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError describes a rejected settings field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the settings for values that would make an update run
// unsafe. Directory fields must be absolute and must not resolve to the
// filesystem root.
func Validate(s Settings) error {
	var errs []string

	if s.ServiceName == "" {
		errs = append(errs, ValidationError{"service_name", "must not be empty"}.Error())
	}
	if strings.Contains(s.ServiceName, "/") {
		errs = append(errs, ValidationError{"service_name", "must be a unit name, not a path"}.Error())
	}

	for field, dir := range map[string]string{
		"server_dir": s.ServerDir,
		"data_dir":   s.DataDir,
		"temp_dir":   s.TempDir,
		"backup_dir": s.BackupDir,
	} {
		if dir == "" {
			errs = append(errs, ValidationError{field, "must not be empty"}.Error())
			continue
		}
		if !filepath.IsAbs(dir) {
			errs = append(errs, ValidationError{field, "must be an absolute path"}.Error())
		}
		if filepath.Clean(dir) == string(filepath.Separator) {
			errs = append(errs, ValidationError{field, "must not be the filesystem root"}.Error())
		}
	}

	if s.ServerUser == "" {
		errs = append(errs, ValidationError{"server_user", "must not be empty"}.Error())
	}
	if s.DownloadsBaseURL == "" {
		errs = append(errs, ValidationError{"downloads_base_url", "must not be empty"}.Error())
	}
	if s.VersionCatalogURL == "" {
		errs = append(errs, ValidationError{"version_catalog_url", "must not be empty"}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
