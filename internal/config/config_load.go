package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:             "0.0.0.0",
			Port:             8790,
			MaxMessageChars:  2000,
			RateLimitPerMin:  30,
			WriteTimeoutSecs: 10,
			PingIntervalSecs: 30,
		},
		State: StateConfig{
			Backend:            "memory",
			RedisAddr:          "127.0.0.1:6379",
			UserContextTTLSecs: 3600,
			RoomStateTTLSecs:   7200,
			HistoryLimit:       20,
		},
		Engagement: EngagementConfig{
			CheckIntervalSecs:           15,
			UserSilenceThresholdSecs:    120,
			NewUserSilenceThresholdSecs: 45,
			GroupSilenceThresholdSecs:   45,
			UserCooldownSecs:            60,
			GroupCooldownSecs:           90,
			MaxUsersPerRoom:             10,
			HostMessagesPerMin:          6,
		},
		Generation: GenerationConfig{
			Primary: PrimaryGenConfig{
				BaseURL:     "https://api.asi1.ai/v1",
				Model:       "asi1-mini",
				TimeoutSecs: 30,
			},
			Anthropic: AnthropicGenConfig{
				Model: "claude-3-5-sonnet-20241022",
			},
			MaxRetries: 3,
		},
		Classifier: ClassifierConfig{
			Mode: "keyword",
		},
		Identity: IdentityConfig{
			Driver: "sqlite",
			DSN:    "~/.atrium/identity.db",
		},
		Moderation: ModerationConfig{
			Mode: "off",
		},
		Rooms: RoomsConfig{
			SeedDefaults: true,
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "atrium",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets live in env only, never in config.json.
	envStr("ATRIUM_REDIS_PASSWORD", &c.State.RedisPassword)
	envStr("ATRIUM_PRIMARY_API_KEY", &c.Generation.Primary.APIKey)
	envStr("ATRIUM_ANTHROPIC_API_KEY", &c.Generation.Anthropic.APIKey)
	envStr("ATRIUM_CLASSIFIER_API_KEY", &c.Classifier.APIKey)
	envStr("ATRIUM_IDENTITY_DSN", &c.Identity.DSN)

	// Gateway host/port
	envStr("ATRIUM_HOST", &c.Gateway.Host)
	if v := os.Getenv("ATRIUM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// State backend
	envStr("ATRIUM_STATE_BACKEND", &c.State.Backend)
	envStr("ATRIUM_REDIS_ADDR", &c.State.RedisAddr)
	if v := os.Getenv("ATRIUM_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil && db >= 0 {
			c.State.RedisDB = db
		}
	}

	// Generation
	envStr("ATRIUM_PRIMARY_BASE_URL", &c.Generation.Primary.BaseURL)
	envStr("ATRIUM_PRIMARY_MODEL", &c.Generation.Primary.Model)
	envStr("ATRIUM_ANTHROPIC_MODEL", &c.Generation.Anthropic.Model)

	// Classifier
	envStr("ATRIUM_CLASSIFIER_MODE", &c.Classifier.Mode)
	envStr("ATRIUM_CLASSIFIER_BASE_URL", &c.Classifier.BaseURL)
	envStr("ATRIUM_CLASSIFIER_MODEL", &c.Classifier.Model)

	// Identity
	envStr("ATRIUM_IDENTITY_DRIVER", &c.Identity.Driver)

	// Moderation
	envStr("ATRIUM_MODERATION_MODE", &c.Moderation.Mode)

	// Telemetry
	envStr("ATRIUM_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ATRIUM_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ATRIUM_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("ATRIUM_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("ATRIUM_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the doctor command so diagnostics never print credentials.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip. Secret fields are json:"-" so the
	// copy starts without them; masking below covers any that survive.
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.State.RedisPassword)
	maskNonEmpty(&cp.Generation.Primary.APIKey)
	maskNonEmpty(&cp.Generation.Anthropic.APIKey)
	maskNonEmpty(&cp.Classifier.APIKey)
	maskNonEmpty(&cp.Identity.DSN)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
