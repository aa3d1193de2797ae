package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Errorf("Validate(Default()) = %v, want nil", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vsmgr.toml")
	content := `
service_name = "vs-test"
server_dir = "/opt/vs"
max_backups = 3
backup_exclude = ["Cache"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if s.ServiceName != "vs-test" {
		t.Errorf("ServiceName = %q, want vs-test", s.ServiceName)
	}
	if s.ServerDir != "/opt/vs" {
		t.Errorf("ServerDir = %q, want /opt/vs", s.ServerDir)
	}
	if s.MaxBackups != 3 {
		t.Errorf("MaxBackups = %d, want 3", s.MaxBackups)
	}
	if len(s.BackupExclude) != 1 || s.BackupExclude[0] != "Cache" {
		t.Errorf("BackupExclude = %v, want [Cache]", s.BackupExclude)
	}
	// Untouched fields keep their defaults.
	if s.DataDir != Default().DataDir {
		t.Errorf("DataDir = %q, want default %q", s.DataDir, Default().DataDir)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Load() with missing explicit path expected error")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vsmgr.toml")
	if err := os.WriteFile(path, []byte("service_name = [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() with malformed TOML expected error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{
			name:    "empty service name",
			mutate:  func(s *Settings) { s.ServiceName = "" },
			wantErr: "service_name",
		},
		{
			name:    "service name is a path",
			mutate:  func(s *Settings) { s.ServiceName = "etc/systemd" },
			wantErr: "unit name",
		},
		{
			name:    "relative server dir",
			mutate:  func(s *Settings) { s.ServerDir = "gameserver/vs" },
			wantErr: "absolute",
		},
		{
			name:    "root data dir",
			mutate:  func(s *Settings) { s.DataDir = "/" },
			wantErr: "filesystem root",
		},
		{
			name:    "empty backup dir",
			mutate:  func(s *Settings) { s.BackupDir = "" },
			wantErr: "backup_dir",
		},
		{
			name:    "empty downloads URL",
			mutate:  func(s *Settings) { s.DownloadsBaseURL = "" },
			wantErr: "downloads_base_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			err := Validate(s)
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}
