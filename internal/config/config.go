package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all CNC configuration from environment variables, optionally
// overlaid by a YAML file pointed at by CNC_CONFIG_FILE.
type Config struct {
	// HTTP surface
	ListenAddr string   `yaml:"listen_addr"`
	APITokens  []string `yaml:"api_tokens"`

	// Storage
	DBPath string `yaml:"db_path"`

	// Command routing
	CommandTimeout        time.Duration `yaml:"command_timeout"`
	CommandMaxRetries     int           `yaml:"command_max_retries"`
	CommandRetryBaseDelay time.Duration `yaml:"command_retry_base_delay"`

	// Node supervision
	NodeHeartbeatInterval time.Duration `yaml:"node_heartbeat_interval"`
	NodeTimeout           time.Duration `yaml:"node_timeout"`
	NodeAuthTokens        []string      `yaml:"node_auth_tokens"`

	// Session tokens minted at registration
	SessionTokenSecrets  []string      `yaml:"session_token_secrets"`
	SessionTokenIssuer   string        `yaml:"session_token_issuer"`
	SessionTokenAudience string        `yaml:"session_token_audience"`
	SessionTokenTTL      time.Duration `yaml:"session_token_ttl"`

	// Wake-schedule worker
	ScheduleWorkerEnabled bool          `yaml:"schedule_worker_enabled"`
	SchedulePollInterval  time.Duration `yaml:"schedule_poll_interval"`
	ScheduleBatchSize     int           `yaml:"schedule_batch_size"`

	// Metrics
	MetricsTextfile string `yaml:"metrics_textfile"`

	// Logging
	LogJSON bool `yaml:"log_json"`
}

// Load reads configuration from environment variables with defaults, then
// applies the YAML overlay file if one is configured. Environment values act
// as defaults; non-zero YAML values win.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:            envStr("CNC_LISTEN_ADDR", ":8080"),
		APITokens:             envList("CNC_API_TOKENS"),
		DBPath:                envStr("CNC_DB_PATH", "/data/cnc.db"),
		CommandTimeout:        envDuration("CNC_COMMAND_TIMEOUT", 30*time.Second),
		CommandMaxRetries:     envInt("CNC_COMMAND_MAX_RETRIES", 3),
		CommandRetryBaseDelay: envDuration("CNC_COMMAND_RETRY_BASE_DELAY", 500*time.Millisecond),
		NodeHeartbeatInterval: envDuration("CNC_NODE_HEARTBEAT_INTERVAL", 30*time.Second),
		NodeTimeout:           envDuration("CNC_NODE_TIMEOUT", 90*time.Second),
		NodeAuthTokens:        envList("CNC_NODE_AUTH_TOKENS"),
		SessionTokenSecrets:   envList("CNC_SESSION_TOKEN_SECRETS"),
		SessionTokenIssuer:    envStr("CNC_SESSION_TOKEN_ISSUER", "cnc"),
		SessionTokenAudience:  envStr("CNC_SESSION_TOKEN_AUDIENCE", "cnc-node"),
		SessionTokenTTL:       envDuration("CNC_SESSION_TOKEN_TTL", 24*time.Hour),
		ScheduleWorkerEnabled: envBool("CNC_SCHEDULE_WORKER_ENABLED", true),
		SchedulePollInterval:  envDuration("CNC_SCHEDULE_POLL_INTERVAL", time.Minute),
		ScheduleBatchSize:     envInt("CNC_SCHEDULE_BATCH_SIZE", 25),
		MetricsTextfile:       envStr("CNC_METRICS_TEXTFILE", ""),
		LogJSON:               envBool("CNC_LOG_JSON", true),
	}

	if path := os.Getenv("CNC_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	return cfg, nil
}

// overlayFile merges a YAML file over the current config. Unset YAML fields
// keep their environment-derived values because the decoder writes in place.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CNC_COMMAND_TIMEOUT must be > 0, got %s", c.CommandTimeout))
	}
	if c.CommandMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("CNC_COMMAND_MAX_RETRIES must be >= 0, got %d", c.CommandMaxRetries))
	}
	if c.CommandRetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("CNC_COMMAND_RETRY_BASE_DELAY must be >= 0, got %s", c.CommandRetryBaseDelay))
	}
	if c.NodeHeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("CNC_NODE_HEARTBEAT_INTERVAL must be > 0, got %s", c.NodeHeartbeatInterval))
	}
	if c.NodeTimeout <= c.NodeHeartbeatInterval {
		errs = append(errs, fmt.Errorf("CNC_NODE_TIMEOUT must exceed the heartbeat interval, got %s", c.NodeTimeout))
	}
	if len(c.NodeAuthTokens) == 0 && len(c.SessionTokenSecrets) == 0 {
		errs = append(errs, errors.New("at least one of CNC_NODE_AUTH_TOKENS or CNC_SESSION_TOKEN_SECRETS must be set"))
	}
	if len(c.SessionTokenSecrets) == 0 {
		errs = append(errs, errors.New("CNC_SESSION_TOKEN_SECRETS must contain at least one secret"))
	}
	if c.SessionTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("CNC_SESSION_TOKEN_TTL must be > 0, got %s", c.SessionTokenTTL))
	}
	if c.ScheduleWorkerEnabled {
		if c.SchedulePollInterval <= 0 {
			errs = append(errs, fmt.Errorf("CNC_SCHEDULE_POLL_INTERVAL must be > 0, got %s", c.SchedulePollInterval))
		}
		if c.ScheduleBatchSize <= 0 {
			errs = append(errs, fmt.Errorf("CNC_SCHEDULE_BATCH_SIZE must be > 0, got %d", c.ScheduleBatchSize))
		}
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
