package hsconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsThenValidateFails(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() on bare defaults should fail (missing host/auth/cache_root)")
	}
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	body := `
[remote]
host = "assets.example.com"
protocol = "https"
base_path = "/content/dam"

[auth]
bearer = "tok-123"

[cache]
content_cache_ttl_ms = 5000

[paths]
cache_root = "` + dir + `"
`

	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := cfg.Cache.ContentCacheTTLMs, 5000; got != want {
		t.Errorf("ContentCacheTTLMs = %d, want %d (explicit override)", got, want)
	}

	if got, want := cfg.Cache.AllCacheTTLMs, 1800000; got != want {
		t.Errorf("AllCacheTTLMs = %d, want %d (default preserved)", got, want)
	}

	if got, want := cfg.Remote.BaseURL(), "https://assets.example.com/content/dam"; got != want {
		t.Errorf("BaseURL() = %q, want %q", got, want)
	}
}

func TestValidateRejectsBothAuthModes(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.Remote.Host = "h"
	cfg.Paths.CacheRoot = t.TempDir()
	cfg.Auth.Bearer = "x"
	cfg.Auth.User = "y"

	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() should reject both bearer and user/pass set")
	}
}
