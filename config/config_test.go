package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TASKVAULT_ROOT", t.TempDir())

	cfg, err := Load(NewViper(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ApprovalPollInterval != 5*time.Second {
		t.Errorf("ApprovalPollInterval = %s", cfg.ApprovalPollInterval)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %s", cfg.ShutdownTimeout)
	}
	if cfg.StaleThreshold != 24*time.Hour {
		t.Errorf("StaleThreshold = %s", cfg.StaleThreshold)
	}
	if cfg.Lock.Retries != 10 {
		t.Errorf("Lock.Retries = %d", cfg.Lock.Retries)
	}
	if !filepath.IsAbs(cfg.Root) {
		t.Errorf("Root = %q, want absolute", cfg.Root)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKVAULT_ROOT", t.TempDir())
	t.Setenv("TASKVAULT_LOCK_RETRIES", "3")
	t.Setenv("TASKVAULT_APPROVAL_POLL_INTERVAL", "250ms")
	t.Setenv("TASKVAULT_LOG_FORMAT", "json")

	cfg, err := Load(NewViper(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lock.Retries != 3 {
		t.Errorf("Lock.Retries = %d, want 3", cfg.Lock.Retries)
	}
	if cfg.ApprovalPollInterval != 250*time.Millisecond {
		t.Errorf("ApprovalPollInterval = %s", cfg.ApprovalPollInterval)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskvault.yaml")
	content := "root: " + dir + "\nstale_threshold: 2h\nfeed:\n  addr: \":9000\"\n  token: secret\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(NewViper(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StaleThreshold != 2*time.Hour {
		t.Errorf("StaleThreshold = %s", cfg.StaleThreshold)
	}
	if cfg.Feed.Addr != ":9000" || cfg.Feed.Token != "secret" {
		t.Errorf("Feed = %+v", cfg.Feed)
	}
}

func TestLoad_Invalid(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing root", map[string]string{"TASKVAULT_ROOT": ""}},
		{"root is a file", map[string]string{"TASKVAULT_ROOT": file}},
		{"zero timeout", map[string]string{"TASKVAULT_ROOT": t.TempDir(), "TASKVAULT_SHUTDOWN_TIMEOUT": "0s"}},
		{"no retries", map[string]string{"TASKVAULT_ROOT": t.TempDir(), "TASKVAULT_LOCK_RETRIES": "0"}},
		{"bad format", map[string]string{"TASKVAULT_ROOT": t.TempDir(), "TASKVAULT_LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(NewViper(), ""); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("TASKVAULT_ROOT", t.TempDir())
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskvault.yaml")

	created, err := WriteDefault(path, dir)
	if err != nil || !created {
		t.Fatalf("WriteDefault = %t, %v", created, err)
	}
	created, err = WriteDefault(path, "/elsewhere")
	if err != nil || created {
		t.Errorf("second WriteDefault = %t, %v", created, err)
	}

	t.Setenv("TASKVAULT_ROOT", "")
	cfg, err := Load(NewViper(), path)
	if err != nil {
		t.Fatalf("Load written file: %v", err)
	}
	if cfg.Root != dir {
		t.Errorf("Root = %q, want %q", cfg.Root, dir)
	}
}
