package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the store server configuration.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	SendBuffer  int           `mapstructure:"send_buffer"`
	WriteLimit  int           `mapstructure:"write_limit"`
	WriteWindow time.Duration `mapstructure:"write_window"`

	// Backend is "memory" or "redis".
	Backend        string `mapstructure:"backend"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisNamespace string `mapstructure:"redis_namespace"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("voicepair")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("send_buffer", 256)
	v.SetDefault("write_limit", 200)
	v.SetDefault("write_window", "1s")
	v.SetDefault("backend", "memory")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_namespace", "voicepair")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Backend != "memory" && cfg.Backend != "redis" {
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("backend", cfg.Backend).Msg("config")
	return &cfg, nil
}

// Caller is the terminal client configuration. Flags win over the
// environment (VOICEPAIR_*), which wins over the optional config file.
type Caller struct {
	StoreURL       string        `mapstructure:"store-url"`
	UID            string        `mapstructure:"uid"`
	DisplayName    string        `mapstructure:"name"`
	PhotoURL       string        `mapstructure:"photo"`
	Session        string        `mapstructure:"session"`
	Partner        string        `mapstructure:"partner"`
	Video          bool          `mapstructure:"video"`
	FakeMedia      bool          `mapstructure:"fake-media"`
	PartnerTimeout time.Duration `mapstructure:"partner-timeout"`
	ICEServers     []string      `mapstructure:"ice-servers"`
	MeterBuffer    int           `mapstructure:"meter-buffer"`
	LogLevel       string        `mapstructure:"log-level"`
}

func LoadCaller(args []string) (*Caller, error) {
	fs := pflag.NewFlagSet("caller", pflag.ContinueOnError)
	fs.String("config", "", "optional yaml config file")
	fs.String("store-url", "ws://localhost:8080/api/ws/store", "store server websocket url")
	fs.String("uid", "", "user id (required)")
	fs.String("name", "", "display name, defaults to uid")
	fs.String("photo", "", "photo url")
	fs.String("session", "", "session id; empty creates a new one")
	fs.String("partner", "", "partner uid; empty waits for one (initiator)")
	fs.Bool("video", false, "capture video as well (starts disabled)")
	fs.Bool("fake-media", false, "use a synthetic tone instead of devices")
	fs.Duration("partner-timeout", 2*time.Minute, "give up waiting for a partner; 0 waits forever")
	fs.StringSlice("ice-servers", []string{"stun:stun.l.google.com:19302"}, "ICE server urls")
	fs.Int("meter-buffer", 2048, "samples per audio level update")
	fs.String("log-level", "info", "zerolog level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("voicepair")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
	}

	var cfg Caller
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.UID == "" {
		return nil, fmt.Errorf("--uid is required")
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.UID
	}
	if cfg.PartnerTimeout < 0 {
		return nil, fmt.Errorf("partner-timeout must not be negative")
	}
	return &cfg, nil
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
