package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")
	t.Setenv("APP_BACKEND_URL", "")
	t.Setenv("APP_REFRESH_INTERVAL_SEC", "")
	t.Setenv("APP_CLIP_ROUTE", "")

	cfg := FromEnv()

	if cfg.RefreshInterval != 5*time.Second {
		t.Fatalf("expected 5s refresh interval, got %s", cfg.RefreshInterval)
	}
	if cfg.ClipRoute != "/clips/" {
		t.Fatalf("expected /clips/ clip route, got %q", cfg.ClipRoute)
	}
	if cfg.BackendURL != "http://127.0.0.1:5000" {
		t.Fatalf("unexpected backend url %q", cfg.BackendURL)
	}
	if cfg.AuditEnabled {
		t.Fatalf("expected audit disabled by default")
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")
	t.Setenv("APP_BACKEND_URL", "http://detector:5000/")
	t.Setenv("APP_REFRESH_INTERVAL_SEC", "2")
	t.Setenv("APP_CLIP_ROUTE", "media")
	t.Setenv("APP_AUDIT_ENABLED", "true")
	t.Setenv("APP_AUDIT_DRIVER", "MySQL")

	cfg := FromEnv()

	if cfg.BackendURL != "http://detector:5000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.BackendURL)
	}
	if cfg.RefreshInterval != 2*time.Second {
		t.Fatalf("expected 2s, got %s", cfg.RefreshInterval)
	}
	if cfg.ClipRoute != "/media/" {
		t.Fatalf("expected /media/, got %q", cfg.ClipRoute)
	}
	if !cfg.AuditEnabled || cfg.AuditDriver != "mysql" {
		t.Fatalf("unexpected audit settings enabled=%v driver=%q", cfg.AuditEnabled, cfg.AuditDriver)
	}
	if !strings.Contains(cfg.AuditDSN(), "@tcp(127.0.0.1:3306)/dashboard?") {
		t.Fatalf("unexpected mysql dsn %q", cfg.AuditDSN())
	}
}

func TestFromEnv_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")
	t.Setenv("APP_REFRESH_INTERVAL_SEC", "soon")

	cfg := FromEnv()
	if cfg.RefreshInterval != 5*time.Second {
		t.Fatalf("expected default interval, got %s", cfg.RefreshInterval)
	}
}

func TestFromEnv_ConfigFileDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dashboard.env")
	content := "APP_LISTEN_ADDR=:9999\nAPP_TEST_ONLY_MARKER='from-file'\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_LISTEN_ADDR", ":7000")
	t.Cleanup(func() { _ = os.Unsetenv("APP_TEST_ONLY_MARKER") })

	cfg := FromEnv()

	if cfg.ListenAddr != ":7000" {
		t.Fatalf("expected environment to win, got %q", cfg.ListenAddr)
	}
	if got := os.Getenv("APP_TEST_ONLY_MARKER"); got != "from-file" {
		t.Fatalf("expected file default to be applied, got %q", got)
	}
}
