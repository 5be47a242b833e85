package config

import (
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/attribute"
	"github.com/dlnraja/com.tuya.zigbee-sub048/fingerprint"
	"gopkg.in/yaml.v3"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is loaded from YAML, then overridden by HUB_<SECTION>_<KEY> environment variables.
type Config struct {
	Manifests   ManifestsConfig   `yaml:"manifests"`
	Binding     BindingConfig     `yaml:"binding"`
	Pairing     PairingConfig     `yaml:"pairing"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

type ManifestsConfig struct {
	Dir        string                 `yaml:"dir"`
	SharedKeys fingerprint.SharedKeys `yaml:"shared_keys"`
}

type BindingConfig struct {
	AttemptTimeout       time.Duration `yaml:"attempt_timeout"`
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffFactor        float64       `yaml:"backoff_factor"`
	BackoffCap           time.Duration `yaml:"backoff_cap"`
	ReportLossMultiplier int           `yaml:"report_loss_multiplier"`
	DegradedAfter        int           `yaml:"degraded_after"`
}

// SubscriptionOptions returns the reporting subscription options, logger and scheduler are left
// for the caller.
func (b BindingConfig) SubscriptionOptions() attribute.Options {
	return attribute.Options{
		Backoff:              attribute.Backoff{Base: b.BackoffBase, Factor: b.BackoffFactor, Cap: b.BackoffCap},
		AttemptTimeout:       b.AttemptTimeout,
		ReportLossMultiplier: b.ReportLossMultiplier,
		DegradedAfter:        b.DegradedAfter,
	}
}

type PairingConfig struct {
	ConfirmBelow  float64 `yaml:"confirm_below"`
	DecisionsPath string  `yaml:"decisions_path"`
	MaxSessions   int64   `yaml:"max_sessions"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type InfluxDBConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
	BatchSize   uint   `yaml:"batch_size"`
	// FlushInterval in milliseconds.
	FlushInterval uint `yaml:"flush_interval"`
}

type DiagnosticsConfig struct {
	Path string `yaml:"path"`
}

// Load reads the configuration file at path, an empty path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func Default() *Config {
	return &Config{
		Manifests: ManifestsConfig{
			Dir: "./manifests",
		},
		Binding: BindingConfig{
			AttemptTimeout:       attribute.DefaultAttemptTimeout,
			BackoffBase:          attribute.DefaultBackoff.Base,
			BackoffFactor:        attribute.DefaultBackoff.Factor,
			BackoffCap:           attribute.DefaultBackoff.Cap,
			ReportLossMultiplier: attribute.DefaultReportLossMultiplier,
			DegradedAfter:        attribute.DefaultDegradedAfter,
		},
		Pairing: PairingConfig{
			ConfirmBelow: 0,
			MaxSessions:  4,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "tuya-zigbee-hub",
			TopicPrefix: "hub",
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Measurement:   "capability",
			BatchSize:     100,
			FlushInterval: 10000,
		},
	}
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"HUB_MANIFESTS_DIR":          &cfg.Manifests.Dir,
		"HUB_PAIRING_DECISIONS_PATH": &cfg.Pairing.DecisionsPath,
		"HUB_MQTT_BROKER":            &cfg.MQTT.Broker,
		"HUB_MQTT_USERNAME":          &cfg.MQTT.Username,
		"HUB_MQTT_PASSWORD":          &cfg.MQTT.Password,
		"HUB_INFLUXDB_URL":           &cfg.InfluxDB.URL,
		"HUB_INFLUXDB_TOKEN":         &cfg.InfluxDB.Token,
		"HUB_DIAGNOSTICS_PATH":       &cfg.Diagnostics.Path,
	}

	for k, p := range strs {
		if v := os.Getenv(k); v != "" {
			*p = v
		}
	}

	bools := map[string]*bool{
		"HUB_MQTT_ENABLED":     &cfg.MQTT.Enabled,
		"HUB_INFLUXDB_ENABLED": &cfg.InfluxDB.Enabled,
	}

	for k, p := range bools {
		if v := os.Getenv(k); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*p = b
		}
	}

	durations := map[string]*time.Duration{
		"HUB_BINDING_ATTEMPT_TIMEOUT": &cfg.Binding.AttemptTimeout,
		"HUB_BINDING_BACKOFF_BASE":    &cfg.Binding.BackoffBase,
		"HUB_BINDING_BACKOFF_CAP":     &cfg.Binding.BackoffCap,
	}

	for k, p := range durations {
		if v := os.Getenv(k); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*p = d
		}
	}

	return nil
}

func (c *Config) Validate() error {
	var errs []string

	if c.Manifests.Dir == "" {
		errs = append(errs, "manifests.dir is required")
	}

	for _, k := range c.Manifests.SharedKeys {
		if k.VendorID == "" || k.ProductID == "" {
			errs = append(errs, "manifests.shared_keys entries need a vendor and product")
			break
		}
	}

	b := c.Binding
	if b.AttemptTimeout <= 0 {
		errs = append(errs, "binding.attempt_timeout must be positive")
	}
	if b.BackoffBase <= 0 {
		errs = append(errs, "binding.backoff_base must be positive")
	}
	if b.BackoffFactor < 1 {
		errs = append(errs, "binding.backoff_factor must be at least 1")
	}
	if b.BackoffCap < b.BackoffBase {
		errs = append(errs, "binding.backoff_cap must not be below binding.backoff_base")
	}
	if b.ReportLossMultiplier < 1 {
		errs = append(errs, "binding.report_loss_multiplier must be at least 1")
	}
	if b.DegradedAfter < 1 {
		errs = append(errs, "binding.degraded_after must be at least 1")
	}

	if c.Pairing.ConfirmBelow < 0 || c.Pairing.ConfirmBelow > 1 {
		errs = append(errs, "pairing.confirm_below must be between 0 and 1")
	}
	if c.Pairing.MaxSessions < 1 {
		errs = append(errs, "pairing.max_sessions must be at least 1")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
