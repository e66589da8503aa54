package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DEFAULT_SESSION_ID", "")
	t.Setenv("VITE_DEFAULT_SESSION_ID", "")
	t.Setenv("JIMENG_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "3001" {
		t.Fatalf("Port = %q, want 3001", cfg.Port)
	}
	if cfg.JimengBaseURL != "https://jimeng.jianying.com" {
		t.Fatalf("JimengBaseURL = %q", cfg.JimengBaseURL)
	}
	if cfg.MaxUploadBytes != 20<<20 || cfg.MaxUploadFiles != 5 {
		t.Fatalf("upload limits = %d/%d", cfg.MaxUploadBytes, cfg.MaxUploadFiles)
	}
	if cfg.BrowserIdleTimeout != 10*time.Minute || cfg.JobTTL != 30*time.Minute || cfg.JobRetention != 5*time.Minute {
		t.Fatalf("unexpected lifetimes: %+v", cfg)
	}
	if cfg.APITimeout != 45*time.Second || cfg.PollMaxAttempts != 60 {
		t.Fatalf("unexpected vendor limits: %v/%d", cfg.APITimeout, cfg.PollMaxAttempts)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("CORSOrigins = %#v", cfg.CORSOrigins)
	}
}

func TestLoadConfigSessionAlias(t *testing.T) {
	t.Setenv("DEFAULT_SESSION_ID", "")
	t.Setenv("VITE_DEFAULT_SESSION_ID", " legacy-sid ")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DefaultSessionID != "legacy-sid" {
		t.Fatalf("DefaultSessionID = %q", cfg.DefaultSessionID)
	}
}

func TestLoadConfigParsesReadyChecks(t *testing.T) {
	t.Setenv("BROWSER_READY_CHECKS", "window.a || window.b ||  ")
	t.Setenv("BROWSER_SCRIPT_ALLOWLIST", "a.com, b.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.BrowserReadyChecks) != 2 || cfg.BrowserReadyChecks[1] != "window.b" {
		t.Fatalf("BrowserReadyChecks = %#v", cfg.BrowserReadyChecks)
	}
	if len(cfg.ScriptAllowlist) != 2 || cfg.ScriptAllowlist[0] != "a.com" {
		t.Fatalf("ScriptAllowlist = %#v", cfg.ScriptAllowlist)
	}
}

func TestLoadConfigRejectsRelativeBaseURL(t *testing.T) {
	t.Setenv("JIMENG_BASE_URL", "jimeng.local")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for relative base url")
	}
}
