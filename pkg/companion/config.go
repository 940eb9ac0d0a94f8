package companion

import (
	"fmt"
	"os"
	"reflect"

	"github.com/spf13/viper"

	"github.com/lyolabs/companion/pkg/configutil"
)

type Config struct {
	Wake         WakeConfig         `mapstructure:"wake"`
	Capture      CaptureConfig      `mapstructure:"capture"`
	Recognizer   VendorConfig       `mapstructure:"recognizer"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Health       HealthConfig       `mapstructure:"health"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	LogFormat    string             `mapstructure:"log_format"`
}

type WakeConfig struct {
	Phrases    []string `mapstructure:"phrases"`
	DebounceMS int      `mapstructure:"debounce_ms"`
}

type CaptureConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	Channels   int `mapstructure:"channels"`
	PeriodMS   int `mapstructure:"period_ms"`
	Buffer     int `mapstructure:"buffer"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type BackendConfig struct {
	URL            string          `mapstructure:"url"`
	UserID         string          `mapstructure:"user_id"`
	Token          string          `mapstructure:"token"`
	DialTimeoutMS  int             `mapstructure:"dial_timeout_ms"`
	PingIntervalMS int             `mapstructure:"ping_interval_ms"`
	SendBuffer     int             `mapstructure:"send_buffer"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
}

type ReconnectConfig struct {
	InitialMS   int     `mapstructure:"initial_ms"`
	Multiplier  float64 `mapstructure:"multiplier"`
	MaxMS       int     `mapstructure:"max_ms"`
	MaxAttempts int     `mapstructure:"max_attempts"`
}

type HealthConfig struct {
	GracePeriodMS int `mapstructure:"grace_period_ms"`
	QualityWindow int `mapstructure:"quality_window"`
	DegradeAfter  int `mapstructure:"degrade_after"`
}

type ConversationConfig struct {
	MaxMessages int    `mapstructure:"max_messages"`
	ContextSize int    `mapstructure:"context_size"`
	WelcomeText string `mapstructure:"welcome_text"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("wake.phrases", []string{"hey lyo", "hi lio"})
	v.SetDefault("wake.debounce_ms", 2000)
	v.SetDefault("capture.sample_rate", 16000)
	v.SetDefault("capture.channels", 1)
	v.SetDefault("capture.period_ms", 20)
	v.SetDefault("backend.dial_timeout_ms", 10000)
	v.SetDefault("backend.ping_interval_ms", 30000)
	v.SetDefault("backend.reconnect.initial_ms", 1000)
	v.SetDefault("backend.reconnect.multiplier", 2.0)
	v.SetDefault("backend.reconnect.max_ms", 30000)
	v.SetDefault("backend.reconnect.max_attempts", 0)
	v.SetDefault("health.grace_period_ms", 3000)
	v.SetDefault("health.quality_window", 10)
	v.SetDefault("health.degrade_after", 3)
	v.SetDefault("conversation.max_messages", 100)
	v.SetDefault("conversation.context_size", 10)
	v.SetDefault("conversation.welcome_text", "Hi! Say the wake phrase or type a message to get started.")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)
	cfg.Recognizer.Settings = expandSettings(cfg.Recognizer.Settings)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Backend.URL, "backend.url"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Backend.UserID, "backend.user_id"); err != nil {
		return err
	}
	return configutil.RequireString(c.Recognizer.Provider, "recognizer.provider")
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
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
