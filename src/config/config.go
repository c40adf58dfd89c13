// Package config loads the gateway's configuration surface: server
// bind/TLS, rate limits, per-provider credentials, cache path/TTL,
// recording bucket, auth service URL, and the LiveKit URL/API pair.
// Precedence is env > YAML file > defaults, with a small YAML loader
// and .env support layered on top of plain os.Getenv reads for local
// development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProviderCredentials holds the configuration map passed through to a
// provider adapter's Open, keyed by provider id.
type ProviderCredentials map[string]map[string]interface{}

// Config is the gateway's fully resolved configuration.
type Config struct {
	Server struct {
		Bind    string `yaml:"bind"`
		TLSCert string `yaml:"tls_cert"`
		TLSKey  string `yaml:"tls_key"`
	} `yaml:"server"`

	RateLimit struct {
		ControlMessagesPerSecond int `yaml:"control_messages_per_second"`
		ControlMessageBurst      int `yaml:"control_message_burst"`
	} `yaml:"rate_limit"`

	Cache struct {
		Path          string        `yaml:"path"`
		CapacityBytes int64         `yaml:"capacity_bytes"`
		TTL           time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Recording struct {
		Bucket string `yaml:"bucket"`
	} `yaml:"recording"`

	Auth struct {
		ServiceURL string `yaml:"service_url"`
	} `yaml:"auth"`

	LiveKit struct {
		URL       string `yaml:"url"`
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
	} `yaml:"livekit"`

	Providers ProviderCredentials `yaml:"providers"`
}

func defaults() *Config {
	c := &Config{}
	c.Server.Bind = ":8080"
	c.RateLimit.ControlMessagesPerSecond = 20
	c.RateLimit.ControlMessageBurst = 40
	c.Cache.CapacityBytes = 512 * 1024 * 1024
	c.Cache.TTL = 30 * 24 * time.Hour
	c.Providers = ProviderCredentials{}
	return c
}

// Load resolves the gateway configuration: defaults, overlaid by the
// YAML file at yamlPath (if it exists), overlaid by environment
// variables (a .env file in the current working directory is loaded first, if
// present, matching the lokutor-orchestrator sibling's local-dev
// convention). yamlPath may be empty, in which case only env/defaults
// apply.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", yamlPath, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays recognized environment variables atop whatever the
// YAML file/defaults already set. Unset variables never clobber a
// value the file provided.
func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("GATEWAY_TLS_CERT"); v != "" {
		c.Server.TLSCert = v
	}
	if v := os.Getenv("GATEWAY_TLS_KEY"); v != "" {
		c.Server.TLSKey = v
	}
	if v, ok := envInt("GATEWAY_CONTROL_MSGS_PER_SEC"); ok {
		c.RateLimit.ControlMessagesPerSecond = v
	}
	if v, ok := envInt("GATEWAY_CONTROL_MSG_BURST"); ok {
		c.RateLimit.ControlMessageBurst = v
	}
	if v := os.Getenv("GATEWAY_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v, ok := envInt64("GATEWAY_CACHE_CAPACITY_BYTES"); ok {
		c.Cache.CapacityBytes = v
	}
	if v, ok := envDuration("GATEWAY_CACHE_TTL"); ok {
		c.Cache.TTL = v
	}
	if v := os.Getenv("RECORDING_BUCKET"); v != "" {
		c.Recording.Bucket = v
	}
	if v := os.Getenv("AUTH_SERVICE_URL"); v != "" {
		c.Auth.ServiceURL = v
	}
	if v := os.Getenv("LIVEKIT_URL"); v != "" {
		c.LiveKit.URL = v
	}
	if v := os.Getenv("LIVEKIT_API_KEY"); v != "" {
		c.LiveKit.APIKey = v
	}
	if v := os.Getenv("LIVEKIT_API_SECRET"); v != "" {
		c.LiveKit.APISecret = v
	}

	// Provider credentials: PROVIDER_<ID>_<KEY>, e.g.
	// PROVIDER_DEEPGRAM_API_KEY, PROVIDER_ELEVENLABS_VOICE_ID. Namespaced
	// per provider id so arbitrary adapters can read arbitrary config
	// keys without a growing switch statement here.
	if c.Providers == nil {
		c.Providers = ProviderCredentials{}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		const prefix = "PROVIDER_"
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.ToLower(strings.TrimPrefix(k, prefix))
		parts := strings.SplitN(rest, "_", 2)
		if len(parts) != 2 {
			continue
		}
		id, key := parts[0], parts[1]
		if c.Providers[id] == nil {
			c.Providers[id] = map[string]interface{}{}
		}
		c.Providers[id][key] = v
	}
}

// Credentials returns a closure suitable for session.Options.Credentials:
// the provider-specific config map merged at session-configure time.
func (c *Config) Credentials(provider string) map[string]interface{} {
	m, ok := c.Providers[provider]
	if !ok {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
