package appstax

import (
	"strings"
	"testing"
)

type fakeEnv map[string]string

func (e fakeEnv) Getenv(key string) string { return e[key] }

func TestLoadConfigFromEnv(t *testing.T) {
	cfg, err := LoadConfigFromEnv(fakeEnv{
		"APPSTAX_APP_KEY":  "key-1",
		"APPSTAX_BASE_URL": "https://other.example/api/",
	})
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.AppKey != "key-1" {
		t.Fatalf("AppKey: %q", cfg.AppKey)
	}
	if cfg.BaseURL != "https://other.example/api/" {
		t.Fatalf("BaseURL: %q", cfg.BaseURL)
	}
}

func TestLoadConfigDefaultBaseURL(t *testing.T) {
	cfg, err := LoadConfigFromEnv(fakeEnv{"APPSTAX_APP_KEY": "key-1"})
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.BaseURL != defaultBaseURL {
		t.Fatalf("BaseURL: %q", cfg.BaseURL)
	}
}

func TestLoadConfigRequiresAppKey(t *testing.T) {
	_, err := LoadConfigFromEnv(fakeEnv{})
	if err == nil || !strings.Contains(err.Error(), "APPSTAX_APP_KEY") {
		t.Fatalf("expected missing app key error, got %v", err)
	}
}

func TestLoadConfigRejectsBadLogLevel(t *testing.T) {
	_, err := LoadConfigFromEnv(fakeEnv{
		"APPSTAX_APP_KEY":   "key-1",
		"APPSTAX_LOG_LEVEL": "loud",
	})
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	cfg := Config{AppKey: "k", BaseURL: "https://example.test/api"}
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.BaseURL != "https://example.test/api/" {
		t.Fatalf("BaseURL should gain trailing slash: %q", cfg.BaseURL)
	}
	if cfg.Logger == nil || cfg.HTTPClient == nil {
		t.Fatal("defaults not filled")
	}
}

func TestNormalizeRequiresAppKey(t *testing.T) {
	cfg := Config{}
	if err := cfg.normalize(); err == nil {
		t.Fatal("expected error")
	}
}
