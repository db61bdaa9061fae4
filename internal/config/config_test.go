package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("BAWWAB_SEALING_KEY", strings.Repeat("00", 32))
	t.Setenv("BAWWAB_KNOWN_HOSTS", "/etc/ssh/ssh_known_hosts")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv(SettingsEnv, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IdleTimeout != 10*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.IdleTimeout)
	}
	if cfg.ConnReapInterval != time.Hour || cfg.JobReapInterval != 10*time.Second {
		t.Errorf("reap intervals = %v, %v", cfg.ConnReapInterval, cfg.JobReapInterval)
	}
	if cfg.FileAttempts != 10 || cfg.FileBackoff != 500*time.Millisecond || cfg.FileBackoffMultiplier != 1.2 {
		t.Errorf("file retry = %d, %v, %v", cfg.FileAttempts, cfg.FileBackoff, cfg.FileBackoffMultiplier)
	}
	if cfg.DatabasePath != filepath.Join("/data", "bawwab.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.LogDir() != filepath.Join("/data", "logs") {
		t.Errorf("LogDir = %q", cfg.LogDir())
	}
	if !cfg.AgreementPattern().MatchString("Please accept the Terms of Service") {
		t.Error("default agreement prompt does not match")
	}
}

func TestLoad_Precedence(t *testing.T) {
	setRequired(t)
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.yaml")
	err := os.WriteFile(settings, []byte(`
listen: ":9000"
data_dir: /srv/bawwab
ssh_host: ssh.example.org
ssh_port: 2222
idle_timeout: 5m
file_backoff_multiplier: 1.5
allowed_origins:
  - https://a.example.org
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(SettingsEnv, settings)
	t.Setenv("BAWWAB_SSH_PORT", "2200")
	t.Setenv("BAWWAB_ALLOWED_ORIGINS", "https://b.example.org, https://c.example.org")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file overrides default", cfg.ListenAddr, ":9000"},
		{"file host", cfg.SSHHost, "ssh.example.org"},
		{"env overrides file", cfg.SSHPort, 2200},
		{"file duration", cfg.IdleTimeout, 5 * time.Minute},
		{"file float", cfg.FileBackoffMultiplier, 1.5},
		{"derived database path", cfg.DatabasePath, filepath.Join("/srv/bawwab", "bawwab.db")},
		{"untouched default", cfg.JobReapInterval, 10 * time.Second},
		{"env origins", strings.Join(cfg.AllowedOrigins, " "), "https://b.example.org https://c.example.org"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr []string
	}{
		{
			name:    "missing required",
			env:     map[string]string{"BAWWAB_SEALING_KEY": "", "BAWWAB_KNOWN_HOSTS": ""},
			wantErr: []string{"BAWWAB_SEALING_KEY", "BAWWAB_KNOWN_HOSTS"},
		},
		{
			name:    "bad prompt",
			env:     map[string]string{"BAWWAB_AGREEMENT_PROMPT": "("},
			wantErr: []string{"agreement prompt"},
		},
		{
			name:    "bad level",
			env:     map[string]string{"BAWWAB_LOG_LEVEL": "loud"},
			wantErr: []string{"log level"},
		},
		{
			name:    "bad port",
			env:     map[string]string{"BAWWAB_SSH_PORT": "70000"},
			wantErr: []string{"SSH port"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(SettingsEnv, "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestLoad_MissingSettingsFile(t *testing.T) {
	setRequired(t)
	t.Setenv(SettingsEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing settings file")
	}
}
