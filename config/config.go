package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "CHATRELAY"
	DefaultPort    = 5555
	DefaultHistory = 50

	DuplicateReject    = "reject"
	DuplicateSupersede = "supersede"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	History HistoryConfig `mapstructure:"history"`
	DB      DBConfig      `mapstructure:"db"`
	Log     LogConfig     `mapstructure:"log"`
	Control ControlConfig `mapstructure:"control"`
}

type ServerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	VoicePort          int           `mapstructure:"voice_port"` // 0 means Port+1
	WSAddr             string        `mapstructure:"ws_addr"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	MaxFrameBytes      int           `mapstructure:"max_frame_bytes"`
	MaxVoiceFrameBytes int           `mapstructure:"max_voice_frame_bytes"`
	DuplicateLogin     string        `mapstructure:"duplicate_login"`
	VoiceRequiresLogin bool          `mapstructure:"voice_requires_login"`
}

type HistoryConfig struct {
	Limit int `mapstructure:"limit"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ControlConfig struct {
	Socket string `mapstructure:"socket"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"host":           "server.host",
	"port":           "server.port",
	"voice-port":     "server.voice_port",
	"ws-addr":        "server.ws_addr",
	"db":             "db.path",
	"db-driver":      "db.driver",
	"db-dsn":         "db.dsn",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"control-socket": "control.socket",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.voice_port", 0)
	v.SetDefault("server.ws_addr", "")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "0s")
	v.SetDefault("server.max_frame_bytes", 1<<20)
	v.SetDefault("server.max_voice_frame_bytes", 256<<10)
	v.SetDefault("server.duplicate_login", DuplicateReject)
	v.SetDefault("server.voice_requires_login", true)
	v.SetDefault("history.limit", DefaultHistory)
	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.path", "chat_server.db")
	v.SetDefault("db.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("control.socket", "/tmp/chatrelay.sock")
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults alone always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load resolves configuration from defaults, an optional YAML file, CHATRELAY_*
// environment variables and any changed flags, in increasing precedence.
// An empty configFile looks for chatrelay.yaml in the working directory and
// tolerates its absence.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("chatrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if vp := c.VoicePort(); vp < 1 || vp > 65535 {
		errs = append(errs, fmt.Errorf("voice port %d out of range", vp))
	}
	if c.VoicePort() == c.Server.Port {
		errs = append(errs, errors.New("voice port must differ from text port"))
	}
	switch c.Server.DuplicateLogin {
	case DuplicateReject, DuplicateSupersede:
	default:
		errs = append(errs, fmt.Errorf("server.duplicate_login must be %q or %q, got %q",
			DuplicateReject, DuplicateSupersede, c.Server.DuplicateLogin))
	}
	if c.Server.WriteTimeout < 0 || c.Server.IdleTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Server.MaxFrameBytes <= 0 || c.Server.MaxVoiceFrameBytes <= 0 {
		errs = append(errs, errors.New("frame size limits must be positive"))
	}
	if c.History.Limit < 0 {
		errs = append(errs, fmt.Errorf("history.limit %d is negative", c.History.Limit))
	}
	switch c.DB.Driver {
	case DriverSQLite:
		if c.DB.Path == "" {
			errs = append(errs, errors.New("db.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown db.driver %q", c.DB.Driver))
	}
	return errors.Join(errs...)
}

// VoicePort returns the configured voice port, defaulting to the text port plus one.
func (c *Config) VoicePort() int {
	if c.Server.VoicePort != 0 {
		return c.Server.VoicePort
	}
	return c.Server.Port + 1
}

func (c *Config) TextAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) VoiceAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.VoicePort())
}
