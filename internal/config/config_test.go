package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Setenv("AVATAR_API_KEY", "test-avatar-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AvatarAPIKey != "test-avatar-key" {
		t.Errorf("Expected AvatarAPIKey 'test-avatar-key', got '%s'", cfg.AvatarAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("AVATAR_API_KEY")
	os.Unsetenv("AVATAR_DRY_RUN")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when AVATAR_API_KEY is missing")
	}
}

func TestLoad_DryRunWithoutKey(t *testing.T) {
	os.Unsetenv("AVATAR_API_KEY")
	t.Setenv("AVATAR_DRY_RUN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !cfg.AvatarDryRun {
		t.Error("Expected AvatarDryRun true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AVATAR_API_KEY", "test-avatar-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.AvatarAPIURL != "https://api.heygen.com" {
		t.Errorf("Expected default AvatarAPIURL 'https://api.heygen.com', got '%s'", cfg.AvatarAPIURL)
	}

	if cfg.AvatarQuality != "medium" {
		t.Errorf("Expected default AvatarQuality 'medium', got '%s'", cfg.AvatarQuality)
	}

	if cfg.AvatarLanguage != "en" {
		t.Errorf("Expected default AvatarLanguage 'en', got '%s'", cfg.AvatarLanguage)
	}

	if cfg.AvatarRequestTimeout != 15 {
		t.Errorf("Expected default AvatarRequestTimeout 15, got %d", cfg.AvatarRequestTimeout)
	}

	if cfg.SpeakOverlapPolicy != OverlapForward {
		t.Errorf("Expected default SpeakOverlapPolicy 'forward', got '%s'", cfg.SpeakOverlapPolicy)
	}

	if cfg.CatalogPath != "" {
		t.Errorf("Expected empty default CatalogPath, got '%s'", cfg.CatalogPath)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AVATAR_API_KEY", "test-avatar-key")
	t.Setenv("AVATAR_ID", "Anna_public_3_20240108")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.AvatarID != "Anna_public_3_20240108" {
		t.Errorf("Expected AvatarID 'Anna_public_3_20240108', got '%s'", cfg.AvatarID)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Port:                 "8080",
			AvatarAPIKey:         "key",
			AvatarQuality:        "medium",
			AvatarRequestTimeout: 15,
			SpeakOverlapPolicy:   OverlapForward,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"interrupt policy", func(c *Config) { c.SpeakOverlapPolicy = OverlapInterrupt }, false},
		{"reject policy", func(c *Config) { c.SpeakOverlapPolicy = OverlapReject }, false},
		{"unknown policy", func(c *Config) { c.SpeakOverlapPolicy = "queue" }, true},
		{"unknown quality", func(c *Config) { c.AvatarQuality = "ultra" }, true},
		{"bad port", func(c *Config) { c.Port = "http" }, true},
		{"port out of range", func(c *Config) { c.Port = "70000" }, true},
		{"zero timeout", func(c *Config) { c.AvatarRequestTimeout = 0 }, true},
		{"missing key", func(c *Config) { c.AvatarAPIKey = "" }, true},
		{"missing key in dry run", func(c *Config) { c.AvatarAPIKey = ""; c.AvatarDryRun = true }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBaseURL(t *testing.T) {
	cfg := Config{Port: "9090"}
	if got := cfg.BaseURL(); got != "http://localhost:9090" {
		t.Errorf("Expected localhost fallback, got '%s'", got)
	}

	cfg.PublicURL = "https://console.example.org/"
	if got := cfg.BaseURL(); got != "https://console.example.org" {
		t.Errorf("Expected PUBLIC_URL, got '%s'", got)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	t.Setenv("AVATAR_API_KEY", "test-avatar-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.RetryInitialBackoff != 100 {
		t.Errorf("Expected default RetryInitialBackoff 100, got %d", cfg.RetryInitialBackoff)
	}

	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default ReconnectMaxAttempts 5, got %d", cfg.ReconnectMaxAttempts)
	}

	if cfg.ReconnectBackoff != 1000 {
		t.Errorf("Expected default ReconnectBackoff 1000, got %d", cfg.ReconnectBackoff)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	t.Setenv("AVATAR_API_KEY", "test-avatar-key")
	// Clear LOG_LEVEL to ensure we get the default
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}
