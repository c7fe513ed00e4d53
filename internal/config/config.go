package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Speak overlap policies accepted by SPEAK_OVERLAP_POLICY
const (
	OverlapForward   = "forward"
	OverlapInterrupt = "interrupt"
	OverlapReject    = "reject"
)

// Config holds all configuration for the avatar console service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://console.example.org behind a proxy).
	// Optional; if unset, logs http://localhost:PORT.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Remote avatar streaming service
	AvatarAPIURL         string `envconfig:"AVATAR_API_URL" default:"https://api.heygen.com"`
	AvatarAPIKey         string `envconfig:"AVATAR_API_KEY"`
	AvatarID             string `envconfig:"AVATAR_ID" default:""`                // Empty lets the service pick its default avatar
	AvatarVoiceID        string `envconfig:"AVATAR_VOICE_ID" default:""`          // Empty keeps the avatar's own voice
	AvatarQuality        string `envconfig:"AVATAR_QUALITY" default:"medium"`     // low, medium, high
	AvatarLanguage       string `envconfig:"AVATAR_LANGUAGE" default:"en"`        // Language code for speech synthesis
	AvatarRequestTimeout int    `envconfig:"AVATAR_REQUEST_TIMEOUT" default:"15"` // seconds
	AvatarDryRun         bool   `envconfig:"AVATAR_DRY_RUN" default:"false"`      // Use the in-process mock avatar

	// Message catalog file (.json, .jsonc, .yaml). Empty uses the built-in catalog.
	CatalogPath string `envconfig:"CATALOG_PATH" default:""`

	// What happens when a message is selected while the avatar is still speaking:
	// forward, interrupt or reject
	SpeakOverlapPolicy string `envconfig:"SPEAK_OVERLAP_POLICY" default:"forward"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field combinations envconfig cannot express
func (c *Config) Validate() error {
	if c.AvatarAPIKey == "" && !c.AvatarDryRun {
		return fmt.Errorf("AVATAR_API_KEY is required unless AVATAR_DRY_RUN is set")
	}

	switch c.SpeakOverlapPolicy {
	case OverlapForward, OverlapInterrupt, OverlapReject:
	default:
		return fmt.Errorf("SPEAK_OVERLAP_POLICY must be one of forward, interrupt, reject (got %q)", c.SpeakOverlapPolicy)
	}

	switch c.AvatarQuality {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("AVATAR_QUALITY must be one of low, medium, high (got %q)", c.AvatarQuality)
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("PORT must be a valid TCP port (got %q)", c.Port)
	}

	if c.AvatarRequestTimeout <= 0 {
		return fmt.Errorf("AVATAR_REQUEST_TIMEOUT must be positive")
	}

	return nil
}

// BaseURL is the address operators open: PUBLIC_URL when set, otherwise localhost:PORT
func (c *Config) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimSuffix(c.PublicURL, "/")
	}
	return fmt.Sprintf("http://localhost:%s", c.Port)
}
