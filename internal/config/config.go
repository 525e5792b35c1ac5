package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all Key-Sentinel configuration from environment variables.
type Config struct {
	// Rotation engine
	Concurrency   int           // max concurrent remote operations per stage
	MaxAttempts   int           // deploy attempts per target (transient errors only)
	BackoffBase   time.Duration // first retry delay, doubled per attempt
	BackoffCap    time.Duration // upper bound on retry delay
	RemoteTimeout time.Duration // per remote operation (connect + command)

	// Local key material
	SSHDir        string // directory scanned for local key pairs
	KeyPath       string // current private key, authorized on every target
	KeyPassphrase string // passphrase for KeyPath, empty for unencrypted keys
	TargetsFile   string // optional YAML fleet inventory

	// Storage
	DBPath            string
	SnapshotRetention time.Duration // prune plan snapshots older than this, 0 disables

	// Web API
	WebEnabled bool
	WebPort    string

	// Notifications
	WebhookURL     string
	WebhookHeaders string
	MQTTBroker     string
	MQTTTopic      string
	MQTTClientID   string
	MQTTUsername   string
	MQTTPassword   string
	MQTTQoS        int

	// Metrics
	TextfilePath string // node_exporter textfile collector output, empty disables

	// Logging
	LogJSON  bool
	LogLevel string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Concurrency:   envInt("KEYSENTINEL_CONCURRENCY", 4),
		MaxAttempts:   envInt("KEYSENTINEL_MAX_ATTEMPTS", 3),
		BackoffBase:   envDuration("KEYSENTINEL_BACKOFF_BASE", 2*time.Second),
		BackoffCap:    envDuration("KEYSENTINEL_BACKOFF_CAP", 30*time.Second),
		RemoteTimeout: envDuration("KEYSENTINEL_REMOTE_TIMEOUT", 15*time.Second),

		SSHDir:        envStr("KEYSENTINEL_SSH_DIR", defaultSSHDir()),
		KeyPath:       envStr("KEYSENTINEL_KEY_PATH", ""),
		KeyPassphrase: envStr("KEYSENTINEL_KEY_PASSPHRASE", ""),
		TargetsFile:   envStr("KEYSENTINEL_TARGETS_FILE", ""),

		DBPath:            envStr("KEYSENTINEL_DB_PATH", "/data/keysentinel.db"),
		SnapshotRetention: envDuration("KEYSENTINEL_SNAPSHOT_RETENTION", 30*24*time.Hour),

		WebEnabled: envBool("KEYSENTINEL_WEB_ENABLED", true),
		WebPort:    envStr("KEYSENTINEL_WEB_PORT", "8422"),

		WebhookURL:     envStr("KEYSENTINEL_WEBHOOK_URL", ""),
		WebhookHeaders: envStr("KEYSENTINEL_WEBHOOK_HEADERS", ""),
		MQTTBroker:     envStr("KEYSENTINEL_MQTT_BROKER", ""),
		MQTTTopic:      envStr("KEYSENTINEL_MQTT_TOPIC", "keysentinel/events"),
		MQTTClientID:   envStr("KEYSENTINEL_MQTT_CLIENT_ID", ""),
		MQTTUsername:   envStr("KEYSENTINEL_MQTT_USERNAME", ""),
		MQTTPassword:   envStr("KEYSENTINEL_MQTT_PASSWORD", ""),
		MQTTQoS:        envInt("KEYSENTINEL_MQTT_QOS", 0),

		TextfilePath: envStr("KEYSENTINEL_TEXTFILE_PATH", ""),

		LogJSON:  envBool("KEYSENTINEL_LOG_JSON", true),
		LogLevel: envStr("KEYSENTINEL_LOG_LEVEL", "info"),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("KEYSENTINEL_CONCURRENCY must be >= 1, got %d", c.Concurrency))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("KEYSENTINEL_MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts))
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("KEYSENTINEL_BACKOFF_BASE must be > 0, got %s", c.BackoffBase))
	}
	if c.BackoffCap < c.BackoffBase {
		errs = append(errs, fmt.Errorf("KEYSENTINEL_BACKOFF_CAP must be >= base %s, got %s", c.BackoffBase, c.BackoffCap))
	}
	if c.RemoteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("KEYSENTINEL_REMOTE_TIMEOUT must be > 0, got %s", c.RemoteTimeout))
	}
	if c.KeyPath == "" {
		errs = append(errs, errors.New("KEYSENTINEL_KEY_PATH is required (the private key currently authorized on the fleet)"))
	}
	if c.SnapshotRetention < 0 {
		errs = append(errs, fmt.Errorf("KEYSENTINEL_SNAPSHOT_RETENTION must be >= 0, got %s", c.SnapshotRetention))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("KEYSENTINEL_MQTT_QOS must be 0, 1, or 2, got %d", c.MQTTQoS))
	}
	return errors.Join(errs...)
}

func defaultSSHDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ssh"
	}
	return home + "/.ssh"
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
