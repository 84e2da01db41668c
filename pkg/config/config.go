package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

type Config struct {
	AppEnv  string `mapstructure:"APP_ENV"`
	AppName string `mapstructure:"APP_NAME"`
	NodeID  int64  `mapstructure:"APP_NODE_ID"`
	TLS     struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		DSN            string `mapstructure:"DSN"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Auth struct {
		Header         string `mapstructure:"HEADER"`
		AdminKey       string `mapstructure:"ADMIN_KEY"`
		ContributorKey string `mapstructure:"CONTRIBUTOR_KEY"`
		UserKey        string `mapstructure:"USER_KEY"`
	} `mapstructure:"AUTH"`
	Refresh struct {
		Enabled     bool          `mapstructure:"ENABLED"`
		Interval    time.Duration `mapstructure:"INTERVAL"`
		Concurrency int           `mapstructure:"CONCURRENCY"`
		LockTTL     time.Duration `mapstructure:"LOCK_TTL"`
	} `mapstructure:"REFRESH"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

var defaults = map[string]any{
	"APP_ENV":     "development",
	"APP_NAME":    "ticketteller",
	"APP_NODE_ID": 1,

	"TLS.ENABLE":    false,
	"TLS.CERT_PATH": "",
	"TLS.KEY_PATH":  "",

	"OTEL.ADDR":     "",
	"OTEL.PROTOCOL": "http",

	"HTTP_SERVER.ADDR":          "8080",
	"HTTP_SERVER.READ_TIMEOUT":  15 * time.Second,
	"HTTP_SERVER.WRITE_TIMEOUT": 15 * time.Second,
	"HTTP_SERVER.IDLE_TIMEOUT":  60 * time.Second,

	"DATABASE.TYPE":     "postgres",
	"DATABASE.DSN":      "",
	"DATABASE.HOST":     "localhost",
	"DATABASE.PORT":     "5432",
	"DATABASE.DBNAME":   "ticketteller",
	"DATABASE.USER":     "",
	"DATABASE.PASSWORD": "",
	"DATABASE.SSLMODE":  "disable",
	"DATABASE.TIMEZONE": "UTC",
	"DATABASE.METRICS":  false,

	"DATABASE.CONNECTION_POOL.MAX_IDLE_CONN":      5,
	"DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS":     25,
	"DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME":  30 * time.Minute,
	"DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME": 5 * time.Minute,

	"REDIS.ADDR":         "",
	"REDIS.PASSWORD":     "",
	"REDIS.DB":           0,
	"REDIS.POOL_SIZE":    10,
	"REDIS.POOL_TIMEOUT": 4 * time.Second,

	"AUTH.HEADER":          "ApiKey",
	"AUTH.ADMIN_KEY":       "",
	"AUTH.CONTRIBUTOR_KEY": "",
	"AUTH.USER_KEY":        "",

	"REFRESH.ENABLED":     true,
	"REFRESH.INTERVAL":    time.Hour,
	"REFRESH.CONCURRENCY": 8,
	"REFRESH.LOCK_TTL":    10 * time.Minute,
}

// legacyEnv keeps the environment names used by earlier deployments working.
var legacyEnv = map[string]string{
	"DATABASE.TYPE":        "DB_TYPE",
	"DATABASE.DSN":         "DB_CONNECTION_STRING",
	"AUTH.ADMIN_KEY":       "ADMIN_API_KEY",
	"AUTH.CONTRIBUTOR_KEY": "CONTRIBUTOR_API_KEY",
	"AUTH.USER_KEY":        "USER_API_KEY",
}

// LoadConfig reads config.yaml from the working directory when present and
// overlays environment variables (DATABASE.TYPE -> DATABASE_TYPE).
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	for k, env := range legacyEnv {
		if err := v.BindEnv(k, strings.NewReplacer(".", "_").Replace(k), env); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.TLS.Enable && (cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "") {
		return nil, fmt.Errorf("tls enabled but TLS.CERT_PATH or TLS.KEY_PATH not provided")
	}

	switch cfg.Otel.Protocol {
	case "http", "grpc":
	default:
		return nil, fmt.Errorf("OTEL.PROTOCOL must be http or grpc, got %q", cfg.Otel.Protocol)
	}

	return &cfg, nil
}
