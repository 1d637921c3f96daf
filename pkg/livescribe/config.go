package livescribe

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/harunnryd/livescribe/pkg/configutil"
	"github.com/harunnryd/livescribe/pkg/server"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        server.Config       `mapstructure:"server"`
	Batching      BatchingConfig      `mapstructure:"batching"`
	Insights      InsightsConfig      `mapstructure:"insights"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type BatchingConfig struct {
	SampleRate        int     `mapstructure:"sample_rate"`
	BatchWindowSec    float64 `mapstructure:"batch_window_sec"`
	MaxBatchWindowSec float64 `mapstructure:"max_batch_window_sec"`
	FlushIntervalSec  float64 `mapstructure:"flush_interval_sec"`
	MaxBufferSec      float64 `mapstructure:"max_buffer_sec"`
	QueueCapacity     int     `mapstructure:"queue_capacity"`
}

type InsightsConfig struct {
	MinTokens               int     `mapstructure:"min_tokens"`
	MinIntervalSec          float64 `mapstructure:"min_interval_sec"`
	RetainTokens            int     `mapstructure:"retain_tokens"`
	MaxContextTokens        int     `mapstructure:"max_context_tokens"`
	ContextSegmentWindow    int     `mapstructure:"context_segment_window"`
	NoveltyOverlapThreshold float64 `mapstructure:"novelty_overlap_threshold"`
	Workers                 int     `mapstructure:"workers"`
	QueueCapacity           int     `mapstructure:"queue_capacity"`
	CloseWaitSec            float64 `mapstructure:"close_wait_sec"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	LLM VendorConfig `mapstructure:"llm"`
}

type ObservabilityConfig struct {
	Metrics     string `mapstructure:"metrics"` // jsonl | none
	AsyncBuffer int    `mapstructure:"async_buffer"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("batching.sample_rate", 16000)
	v.SetDefault("batching.batch_window_sec", 5.0)
	v.SetDefault("batching.max_batch_window_sec", 10.0)
	v.SetDefault("batching.flush_interval_sec", 1.0)
	v.SetDefault("batching.max_buffer_sec", 30.0)
	v.SetDefault("batching.queue_capacity", 8)
	v.SetDefault("insights.min_tokens", 30)
	v.SetDefault("insights.min_interval_sec", 20.0)
	v.SetDefault("insights.retain_tokens", 150)
	v.SetDefault("insights.max_context_tokens", 800)
	v.SetDefault("insights.context_segment_window", 6)
	v.SetDefault("insights.novelty_overlap_threshold", 0.82)
	v.SetDefault("insights.workers", 4)
	v.SetDefault("insights.queue_capacity", 64)
	v.SetDefault("insights.close_wait_sec", 5.0)
	v.SetDefault("vendors.stt.provider", "deepgram")
	v.SetDefault("observability.metrics", "none")
	v.SetDefault("observability.async_buffer", 256)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// normalize applies the protocol-level bounds so a misconfigured file
// cannot push batching outside its operating range.
func (c *Config) normalize() {
	c.Batching.BatchWindowSec = configutil.Clamp(c.Batching.BatchWindowSec, 3, 15)
	c.Batching.MaxBatchWindowSec = configutil.Clamp(c.Batching.MaxBatchWindowSec, c.Batching.BatchWindowSec, 20)
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Vendors.STT.Provider, "vendors.stt.provider"); err != nil {
		return err
	}
	if c.Batching.SampleRate <= 0 {
		return fmt.Errorf("batching.sample_rate must be positive")
	}
	if c.Insights.NoveltyOverlapThreshold <= 0 || c.Insights.NoveltyOverlapThreshold > 1 {
		return fmt.Errorf("insights.novelty_overlap_threshold must be in (0, 1]")
	}
	switch strings.TrimSpace(c.Observability.Metrics) {
	case "", "none", "jsonl":
	default:
		return fmt.Errorf("observability.metrics must be none or jsonl")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
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
