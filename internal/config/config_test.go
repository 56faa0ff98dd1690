package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DIARY_HOME", home)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
	if cfg.DataDir != home {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, home)
	}
	if cfg.Remote.Backend != BackendDropbox || cfg.Remote.SyncPath != "/diary-data.enc" || cfg.Remote.BackupsDir != "/backups" {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if !cfg.Sync.Enabled || cfg.Sync.Interval != 30*time.Second || cfg.Sync.MaxRetries != 3 || cfg.Sync.StaleAfter != 5*time.Minute {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.DBPath() != filepath.Join(home, "diary.db") || cfg.DocumentsPath() != filepath.Join(home, "documents.json") {
		t.Errorf("paths = %s, %s", cfg.DBPath(), cfg.DocumentsPath())
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	t.Setenv("DIARY_HOME", t.TempDir())
	path := writeFile(t, `
data_dir = "/var/lib/diary"

[remote]
backend = "folder"
folder = "/mnt/cloud/diary"
timeout = "5s"

[sync]
interval = "1m"
max_retries = 5
`)
	t.Setenv("DIARY_SYNC_MAX_RETRIES", "7")
	t.Setenv("DIARY_DROPBOX_APP_KEY", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.DataDir != "/var/lib/diary" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Remote.Backend != BackendFolder || cfg.Remote.Folder != "/mnt/cloud/diary" || cfg.Remote.Timeout != 5*time.Second {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if cfg.Sync.Interval != time.Minute {
		t.Errorf("Interval = %v, want 1m", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want environment value 7", cfg.Sync.MaxRetries)
	}
	if cfg.Dropbox.AppKey != "from-env" {
		t.Errorf("AppKey = %q", cfg.Dropbox.AppKey)
	}
	// Untouched keys keep their defaults.
	if cfg.Sync.RetryDelay != 30*time.Second {
		t.Errorf("RetryDelay = %v", cfg.Sync.RetryDelay)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("DIARY_HOME", t.TempDir())

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"missing explicit file", filepath.Join(t.TempDir(), "nope.toml"), "failed to read config"},
		{"bad toml", writeFile(t, "data_dir = \n"), "failed to read config"},
		{"unknown backend", writeFile(t, "[remote]\nbackend = \"s3\"\n"), "unknown remote.backend"},
		{"folder without path", writeFile(t, "[remote]\nbackend = \"folder\"\n"), "remote.folder is required"},
		{"negative retries", writeFile(t, "[sync]\nmax_retries = -1\n"), "sync.max_retries"},
		{"zero interval", writeFile(t, "[sync]\ninterval = \"0s\"\n"), "sync.interval must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	t.Setenv("DIARY_HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", FileName)

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Error("second WriteDefault() without force should fail")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("WriteDefault(force) failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	for _, want := range []string{"[sync]", `interval = "30s"`, `stale_after = "5m0s"`, "[remote]"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("written config missing %q:\n%s", want, data)
		}
	}

	written, err := Load(path)
	if err != nil {
		t.Fatalf("Load(written) failed: %v", err)
	}
	defaults, err := Load("")
	if err != nil {
		t.Fatalf("Load(defaults) failed: %v", err)
	}
	written.File = ""
	if *written != *defaults {
		t.Errorf("written config %+v differs from defaults %+v", *written, *defaults)
	}
}
