package config

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Forwarding failure policies.
const (
	PolicyAbort = "abort"
	PolicyExit  = "exit"
)

// EnvPrefix is prepended to every environment override, e.g. PROXY_BACKEND_PORT.
const EnvPrefix = "PROXY"

type ServerConfig struct {
	Address           string `mapstructure:"address"`
	AdminAddress      string `mapstructure:"admin_address"`
	Environment       string `mapstructure:"environment"`
	ReadHeaderTimeout string `mapstructure:"read_header_timeout"`
	IdleTimeout       string `mapstructure:"idle_timeout"`
}

type BackendConfig struct {
	Manifest   string `mapstructure:"manifest"`
	Executable string `mapstructure:"executable"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	PortEnv    string `mapstructure:"port_env"`
	StopGrace  string `mapstructure:"stop_grace"`
}

type StartupConfig struct {
	Timeout          string `mapstructure:"timeout"`
	PollInterval     string `mapstructure:"poll_interval"`
	BreakerThreshold int    `mapstructure:"breaker_threshold"`
	BreakerReset     string `mapstructure:"breaker_reset"`
	MonitorInterval  string `mapstructure:"monitor_interval"`
	MonitorFailures  int    `mapstructure:"monitor_failures"`
}

type ProxyConfig struct {
	Timeout          string `mapstructure:"timeout"`
	OnForwardFailure string `mapstructure:"on_forward_failure"`
	MaxIdleConns     int    `mapstructure:"max_idle_conns"`
	IdleConnTimeout  string `mapstructure:"idle_conn_timeout"`
	BufferSize       int    `mapstructure:"buffer_size"`
}

type WatchConfig struct {
	Executable bool   `mapstructure:"executable"`
	Debounce   string `mapstructure:"debounce"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	Startup StartupConfig `mapstructure:"startup"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Watch   WatchConfig   `mapstructure:"watch"`
	Logging LoggingConfig `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":3000")
	v.SetDefault("server.admin_address", "")
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("backend.manifest", "./backend/wave.config.json")
	v.SetDefault("backend.executable", "main")
	v.SetDefault("backend.host", "127.0.0.1")
	v.SetDefault("backend.port", 8080)
	v.SetDefault("backend.port_env", "PORT")
	v.SetDefault("backend.stop_grace", "0s")

	v.SetDefault("startup.timeout", "10s")
	v.SetDefault("startup.poll_interval", "25ms")
	v.SetDefault("startup.breaker_threshold", 0)
	v.SetDefault("startup.breaker_reset", "30s")
	v.SetDefault("startup.monitor_interval", "0s")
	v.SetDefault("startup.monitor_failures", 3)

	v.SetDefault("proxy.timeout", "0s")
	v.SetDefault("proxy.on_forward_failure", PolicyAbort)
	v.SetDefault("proxy.max_idle_conns", 100)
	v.SetDefault("proxy.idle_conn_timeout", "90s")
	v.SetDefault("proxy.buffer_size", 32*1024)

	v.SetDefault("watch.executable", false)
	v.SetDefault("watch.debounce", "100ms")

	v.SetDefault("logging.level", LogLevelInfo)
}

// Load reads the proxy settings. When file is empty, config.yaml is searched
// in ./config and the working directory; a missing file is not an error.
// Environment variables (PROXY_SERVER_ADDRESS, ...) override file values.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		if _, err := os.Stat(file); err != nil {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Backend),
		validation.Field(&c.Startup),
		validation.Field(&c.Proxy),
		validation.Field(&c.Watch),
		validation.Field(&c.Logging),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Address, validation.Required, validation.By(validateHostPort)),
		validation.Field(&s.AdminAddress, validation.By(validateHostPort)),
		validation.Field(&s.Environment,
			validation.Required,
			validation.In(EnvDev, EnvStaging, EnvProd),
		),
		validation.Field(&s.ReadHeaderTimeout, validation.Required, validation.By(validateDuration)),
		validation.Field(&s.IdleTimeout, validation.Required, validation.By(validateDuration)),
	)
}

func (b BackendConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Manifest, validation.Required),
		validation.Field(&b.Executable, validation.Required),
		validation.Field(&b.Host, validation.Required, is.Host),
		validation.Field(&b.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&b.PortEnv, validation.Required),
		validation.Field(&b.StopGrace, validation.Required, validation.By(validateDuration)),
	)
}

func (s StartupConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Timeout, validation.Required, validation.By(validatePositiveDuration)),
		validation.Field(&s.PollInterval, validation.Required, validation.By(validatePositiveDuration)),
		validation.Field(&s.BreakerThreshold, validation.Min(0)),
		validation.Field(&s.BreakerReset, validation.Required, validation.By(validateDuration)),
		validation.Field(&s.MonitorInterval, validation.Required, validation.By(validateDuration)),
		validation.Field(&s.MonitorFailures, validation.Required, validation.Min(1)),
	)
}

func (p ProxyConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Timeout, validation.Required, validation.By(validateDuration)),
		validation.Field(&p.OnForwardFailure,
			validation.Required,
			validation.In(PolicyAbort, PolicyExit),
		),
		validation.Field(&p.MaxIdleConns, validation.Min(0)),
		validation.Field(&p.IdleConnTimeout, validation.Required, validation.By(validateDuration)),
		validation.Field(&p.BufferSize, validation.Required, validation.Min(512)),
	)
}

func (w WatchConfig) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.Debounce, validation.Required, validation.By(validateDuration)),
	)
}

func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
	)
}

// Duration parses a duration string that already passed Validate.
// Invalid input yields zero.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 25ms, 2s, 5m)")
	}

	if d < 0 {
		return validation.NewError("validation_negative_duration", "must not be negative")
	}

	return nil
}

func validatePositiveDuration(value interface{}) error {
	if err := validateDuration(value); err != nil {
		return err
	}

	if d, _ := time.ParseDuration(value.(string)); d == 0 {
		return validation.NewError("validation_zero_duration", "must be greater than zero")
	}

	return nil
}
