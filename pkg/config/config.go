package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure of a loaded configuration
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Telegram TelegramConfig  `mapstructure:"telegram"`
	Database DatabaseConfig  `mapstructure:"database"`
	OpenAI   OpenAIConfig    `mapstructure:"openai"`
	Valkey   ValkeyConfig    `mapstructure:"valkey"`
	Log      LogConfig       `mapstructure:"log"`
	Notify   NotifyConfig    `mapstructure:"notify"`
	Monitors []MonitorConfig `mapstructure:"monitors"`
}

type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	PollTimeout int    `mapstructure:"poll_timeout"`
	HistorySize int    `mapstructure:"history_size"`
}

type DatabaseConfig struct {
	// Driver is memory, postgres or sqlite
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// OpenAIConfig configures challenge image recognition. An empty key disables it.
type OpenAIConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Prompt    string        `mapstructure:"prompt"`
}

// ValkeyConfig enables the shared dedup store. An empty address keeps dedup in memory.
type ValkeyConfig struct {
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type NotifyConfig struct {
	// ChatID receives immediate notifications and answers operator commands
	ChatID int64 `mapstructure:"chat_id"`
	// Store persists every notification
	Store bool `mapstructure:"store"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("telegram.history_size", 200)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "data/claimbot.db")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 16)
	v.SetDefault("openai.timeout", "20s")
	v.SetDefault("valkey.prefix", "claimbot")
	v.SetDefault("log.level", "info")
	v.SetDefault("notify.store", true)
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. Validation failures wrap ErrInvalid.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if addr := v.GetString("VALKEY_ADDRESS"); addr != "" {
		config.Valkey.Address = addr
	}

	for i := range config.Monitors {
		config.Monitors[i].applyDefaults()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &config, nil
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Telegram),
		validation.Field(&c.Database),
		validation.Field(&c.Log),
		validation.Field(&c.Monitors, validation.Required, validation.By(uniqueNames)),
	)
}

func uniqueNames(value interface{}) error {
	monitors, _ := value.([]MonitorConfig)
	seen := make(map[string]bool, len(monitors))
	for _, m := range monitors {
		if seen[m.Name] {
			return fmt.Errorf("duplicate monitor name %q", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

func (t TelegramConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Token, validation.Required),
		validation.Field(&t.PollTimeout, validation.Min(0)),
		validation.Field(&t.HistorySize, validation.Min(0)),
	)
}

func (d DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.In("memory", "postgres", "sqlite")),
		validation.Field(&d.DBName, validation.When(d.Driver == "postgres", validation.Required)),
		validation.Field(&d.Path, validation.When(d.Driver == "sqlite", validation.Required)),
	)
}

func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
	)
}
