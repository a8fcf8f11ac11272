package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/nibblenet/nibble"
)

const (
	transportTCP       = "tcp"
	transportWebSocket = "ws"
)

type Config struct {
	Server struct {
		Addr      string `mapstructure:"addr"`
		Transport string `mapstructure:"transport"`
		Path      string `mapstructure:"path"`
		Capacity  int    `mapstructure:"capacity"`
	} `mapstructure:"server"`

	Engine struct {
		TickInterval      time.Duration `mapstructure:"tick_interval"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
		ClientTimeout     time.Duration `mapstructure:"client_timeout"`
		ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
		WriteTimeout      time.Duration `mapstructure:"write_timeout"`
		MaxBuffered       int           `mapstructure:"max_buffered"`
	} `mapstructure:"engine"`

	RateLimit struct {
		Enabled         bool    `mapstructure:"enabled"`
		FramesPerSecond float64 `mapstructure:"frames_per_second"`
		Burst           int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`

	Log struct {
		Development bool `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig reads path, if given, over the built-in defaults. Every key can
// be overridden from the environment, e.g. NIBBLE_SERVER_ADDR or
// NIBBLE_ENGINE_HEARTBEAT_TIMEOUT=5s.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NIBBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if c.Server.Transport != transportTCP && c.Server.Transport != transportWebSocket {
		return nil, fmt.Errorf("unknown transport %q, expecting tcp or ws", c.Server.Transport)
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	def := nibble.DefaultConfig()

	v.SetDefault("server.addr", "127.0.0.1:7000")
	v.SetDefault("server.transport", transportTCP)
	v.SetDefault("server.path", nibble.DefaultWebSocketPath)
	v.SetDefault("server.capacity", 0)

	v.SetDefault("engine.tick_interval", def.TickInterval)
	v.SetDefault("engine.heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("engine.heartbeat_timeout", def.HeartbeatTimeout)
	v.SetDefault("engine.client_timeout", def.ClientTimeout)
	v.SetDefault("engine.connect_timeout", def.ConnectTimeout)
	v.SetDefault("engine.write_timeout", def.WriteTimeout)
	v.SetDefault("engine.max_buffered", def.MaxBuffered)

	v.SetDefault("rate_limit.enabled", def.RateLimit.Enabled)
	v.SetDefault("rate_limit.frames_per_second", float64(def.RateLimit.FramesPerSecond))
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)

	v.SetDefault("log.development", false)
}

// applyFlags lets explicit command line flags win over the file and the
// environment.
func (c *Config) applyFlags(ctx *cli.Context) {
	if ctx.IsSet("addr") {
		c.Server.Addr = ctx.String("addr")
	}
	if ctx.IsSet("transport") {
		c.Server.Transport = ctx.String("transport")
	}
	if ctx.IsSet("capacity") {
		c.Server.Capacity = ctx.Int("capacity")
	}
	if ctx.Bool("debug") {
		c.Log.Development = true
	}
}

// EngineConfig converts the loaded values into the engine configuration.
func (c *Config) EngineConfig() *nibble.Config {
	cfg := &nibble.Config{
		TickInterval:      c.Engine.TickInterval,
		HeartbeatInterval: c.Engine.HeartbeatInterval,
		HeartbeatTimeout:  c.Engine.HeartbeatTimeout,
		ClientTimeout:     c.Engine.ClientTimeout,
		ConnectTimeout:    c.Engine.ConnectTimeout,
		WriteTimeout:      c.Engine.WriteTimeout,
		MaxBuffered:       c.Engine.MaxBuffered,
		RateLimit:         nibble.NoRateLimit(),
	}
	if c.RateLimit.Enabled {
		cfg.RateLimit = &nibble.RateLimitConfig{
			FramesPerSecond: rate.Limit(c.RateLimit.FramesPerSecond),
			Burst:           c.RateLimit.Burst,
			Enabled:         true,
		}
	}
	return cfg
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
