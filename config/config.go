// Package config loads invoker settings from a file and the environment and turns them into options.
//
// Every key can be overridden from the environment with the FABRIC_RPC_ prefix, dots replaced by
// underscores: client.call_timeout becomes FABRIC_RPC_CLIENT_CALL_TIMEOUT.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fabric-rpc/announce"
	"fabric-rpc/client"
	"fabric-rpc/codec"
	"fabric-rpc/loadbalance"
	"fabric-rpc/middleware"
	"fabric-rpc/server"
)

const envPrefix = "FABRIC_RPC"

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
	Log    LogConfig    `mapstructure:"log"`
	Etcd   EtcdConfig   `mapstructure:"etcd"`
}

type ServerConfig struct {
	Bind      string  `mapstructure:"bind"`
	RateLimit float64 `mapstructure:"rate_limit"` // invocations per second, 0 disables limiting
	Burst     int     `mapstructure:"burst"`
}

type ClientConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	PoolSize    int           `mapstructure:"pool_size"`
	Codec       string        `mapstructure:"codec"`
	Balancer    string        `mapstructure:"balancer"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type EtcdConfig struct {
	Endpoints []string `mapstructure:"endpoints"`
	TTL       int64    `mapstructure:"ttl"` // lease TTL in seconds
	Advertise string   `mapstructure:"advertise"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind", "tcp://0.0.0.0:7000")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.burst", 100)
	v.SetDefault("client.call_timeout", time.Duration(0))
	v.SetDefault("client.dial_timeout", 5*time.Second)
	v.SetDefault("client.heartbeat", 30*time.Second)
	v.SetDefault("client.pool_size", 1)
	v.SetDefault("client.codec", "json")
	v.SetDefault("client.balancer", "roundrobin")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.ttl", 10)
	v.SetDefault("etcd.advertise", "")
}

// Load reads the config file at path (any format viper understands; empty path means defaults and
// environment only) and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Client.PoolSize < 1 {
		return fmt.Errorf("config: client.pool_size must be at least 1, got %d", c.Client.PoolSize)
	}
	if c.Client.CallTimeout < 0 || c.Client.DialTimeout < 0 || c.Client.Heartbeat < 0 {
		return fmt.Errorf("config: client durations must not be negative")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("config: server.rate_limit must not be negative")
	}
	if _, err := codec.ParseType(c.Client.Codec); err != nil {
		return fmt.Errorf("config: client.codec: %w", err)
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		return fmt.Errorf("config: client.balancer: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}

// Logger builds the zap logger described by the log section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Announcer connects to etcd when endpoints are configured. It returns nil, nil otherwise.
func (c *Config) Announcer(logger *zap.Logger) (*announce.EtcdAnnouncer, error) {
	if len(c.Etcd.Endpoints) == 0 {
		return nil, nil
	}
	return announce.NewEtcdAnnouncer(c.Etcd.Endpoints, c.Etcd.TTL, logger)
}

// ServerOptions maps the server section to invoker options. a may be nil, including the nil
// *announce.EtcdAnnouncer that Announcer returns without endpoints.
func (c *Config) ServerOptions(logger *zap.Logger, a announce.Announcer) []server.Option {
	if ea, ok := a.(*announce.EtcdAnnouncer); ok && ea == nil {
		a = nil
	}
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMiddleware(middleware.LoggingMiddleware(logger)),
	}
	if c.Server.RateLimit > 0 {
		opts = append(opts, server.WithMiddleware(middleware.RateLimitMiddleware(c.Server.RateLimit, c.Server.Burst)))
	}
	if a != nil {
		opts = append(opts, server.WithAnnouncer(a, c.Etcd.Advertise))
	}
	return opts
}

// ClientOptions maps the client section to invoker options.
func (c *Config) ClientOptions(logger *zap.Logger) ([]client.Option, error) {
	ct, err := codec.ParseType(c.Client.Codec)
	if err != nil {
		return nil, err
	}
	balancer, err := loadbalance.New(c.Client.Balancer)
	if err != nil {
		return nil, err
	}
	return []client.Option{
		client.WithLogger(logger),
		client.WithCodec(ct),
		client.WithCallTimeout(c.Client.CallTimeout),
		client.WithDialTimeout(c.Client.DialTimeout),
		client.WithHeartbeat(c.Client.Heartbeat),
		client.WithPoolSize(c.Client.PoolSize),
		client.WithBalancer(balancer),
	}, nil
}
