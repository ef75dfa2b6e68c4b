package callguide

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/callguide/pkg/configutil"
	"github.com/harunnryd/callguide/pkg/pipeline"
	"github.com/harunnryd/callguide/pkg/session"
	"github.com/harunnryd/callguide/pkg/summary"
	"github.com/harunnryd/callguide/pkg/transports/twilio"
	"github.com/harunnryd/callguide/pkg/transports/websocket"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Hub           HubConfig           `mapstructure:"hub"`
	Pipeline      pipeline.Config     `mapstructure:"pipeline"`
	Transcriber   TranscriberConfig   `mapstructure:"transcriber"`
	Catalogue     CatalogueConfig     `mapstructure:"catalogue"`
	Classifier    ClassifierConfig    `mapstructure:"classifier"`
	Summary       SummaryConfig       `mapstructure:"summary"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Twilio        twilio.Config       `mapstructure:"twilio"`
}

// HubConfig is the per-call connection to the guidance hub. URL may carry a
// {call_id} placeholder.
type HubConfig struct {
	Session   session.Config   `mapstructure:",squash"`
	Websocket websocket.Config `mapstructure:",squash"`
	Token     string           `mapstructure:"token"`
}

// TranscriberConfig selects the speech-to-text provider. Settings are
// decoded by the provider factory.
type TranscriberConfig struct {
	Provider         string         `mapstructure:"provider"`
	Settings         map[string]any `mapstructure:"settings"`
	BreakerThreshold int            `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration  `mapstructure:"breaker_cooldown"`
}

type CatalogueConfig struct {
	Path          string        `mapstructure:"path"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
	Rapport       bool          `mapstructure:"rapport"`
}

// ClassifierConfig points at an optional YAML keyword table file; empty uses
// the built-in tables.
type ClassifierConfig struct {
	TablesPath string `mapstructure:"tables_path"`
}

type SummaryConfig struct {
	Log     bool                `mapstructure:"log"`
	Buffer  int                 `mapstructure:"buffer"`
	Timeout time.Duration       `mapstructure:"timeout"`
	Kafka   summary.KafkaConfig `mapstructure:"kafka"`
	Redis   RedisSummaryConfig  `mapstructure:"redis"`
}

type RedisSummaryConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Store   summary.RedisConfig `mapstructure:",squash"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
	// SignalSampleRate is the share of per-frame signal events kept.
	SignalSampleRate float64 `mapstructure:"signal_sample_rate"`
	EventBuffer      int     `mapstructure:"event_buffer"`
}

type ObservabilityConfig struct {
	TimelineDir   string `mapstructure:"timeline_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	LatencyLimit  int    `mapstructure:"latency_limit"`
	LogEvents     bool   `mapstructure:"log_events"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("hub.connect_timeout", "5s")
	v.SetDefault("hub.heartbeat_interval", "15s")
	v.SetDefault("hub.heartbeat_grace", "10s")
	v.SetDefault("hub.backoff_base", "500ms")
	v.SetDefault("hub.backoff_max", "10s")
	v.SetDefault("hub.max_attempts", 5)
	v.SetDefault("hub.queue_size", 256)
	v.SetDefault("hub.handshake_timeout", "5s")
	v.SetDefault("hub.write_timeout", "5s")
	v.SetDefault("pipeline.segmenter.threshold_db", -45.0)
	v.SetDefault("pipeline.segmenter.silence_timeout", "1500ms")
	v.SetDefault("pipeline.transcript_grace", "2s")
	v.SetDefault("pipeline.metrics_interval", "5s")
	v.SetDefault("pipeline.close_timeout", "3s")
	v.SetDefault("pipeline.hub_sample_rate", 8000)
	v.SetDefault("transcriber.provider", "mock")
	v.SetDefault("transcriber.breaker_threshold", 3)
	v.SetDefault("transcriber.breaker_cooldown", "10s")
	v.SetDefault("catalogue.lookup_timeout", "200ms")
	v.SetDefault("catalogue.rapport", true)
	v.SetDefault("summary.log", true)
	v.SetDefault("summary.buffer", 64)
	v.SetDefault("summary.timeout", "5s")
	v.SetDefault("summary.kafka.topic", "call.summaries")
	v.SetDefault("summary.kafka.timeout", "5s")
	v.SetDefault("summary.redis.prefix", "callguide:summary")
	v.SetDefault("summary.redis.ttl", "168h")
	v.SetDefault("summary.redis.max_entries", 1000)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.namespace", "callguide")
	v.SetDefault("metrics.signal_sample_rate", 0.1)
	v.SetDefault("metrics.event_buffer", 2048)
	v.SetDefault("observability.latency_limit", 1024)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("twilio.server_addr", ":8080")
}

// LoadConfig reads a YAML/JSON/TOML file, applies defaults, expands ${ENV}
// references and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transcriber.Provider) == "" {
		return fmt.Errorf("transcriber.provider is required")
	}
	if err := configutil.RequirePositive(c.Hub.Session.MaxAttempts, "hub.max_attempts"); err != nil {
		return err
	}
	if err := configutil.RequirePositive(c.Hub.Session.QueueSize, "hub.queue_size"); err != nil {
		return err
	}
	if c.Hub.Session.BackoffMax < c.Hub.Session.BackoffBase {
		return fmt.Errorf("hub.backoff_max must not be below hub.backoff_base")
	}
	if c.Pipeline.Segmenter.ThresholdDB > 0 {
		return fmt.Errorf("pipeline.segmenter.threshold_db must be <= 0 dBFS")
	}
	if c.Pipeline.Segmenter.SilenceTimeout <= 0 {
		return fmt.Errorf("pipeline.segmenter.silence_timeout must be positive")
	}
	if c.Summary.Kafka.Enabled && len(c.Summary.Kafka.Brokers) > 0 {
		if err := configutil.RequireString(c.Summary.Kafka.Topic, "summary.kafka.topic"); err != nil {
			return err
		}
	}
	if c.Summary.Redis.Enabled {
		if err := configutil.RequireString(c.Summary.Redis.Store.Addr, "summary.redis.addr"); err != nil {
			return err
		}
	}
	if c.Metrics.SignalSampleRate < 0 || c.Metrics.SignalSampleRate > 1 {
		return fmt.Errorf("metrics.signal_sample_rate must be within [0,1]")
	}
	return nil
}

// HubURL resolves the session url for one call.
func (c HubConfig) HubURL(callID string) string {
	return strings.ReplaceAll(c.Session.URL, "{call_id}", callID)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transcriber.Settings = expandSettings(cfg.Transcriber.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
