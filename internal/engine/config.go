package engine

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/nibblenet/internal/wire"
)

// RateLimitConfig defines inbound frame rate limiting for connections.
//
// The scheduler dispatches at most one frame per connection per tick, so a
// limit only trips when it is below 1/TickInterval frames per second. The
// default limit equals that ceiling at the default 10ms tick and matters only
// with a shorter TickInterval.
type RateLimitConfig struct {
	// FramesPerSecond defines how many frames a connection can send per second.
	FramesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity).
	Burst int
	// Enabled determines if rate limiting is active.
	Enabled bool
}

// DefaultRateLimitConfig allows 100 frames per second with a burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		FramesPerSecond: 100,
		Burst:           200,
		Enabled:         true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled.
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) limiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.FramesPerSecond, c.Burst)
}

// Config holds the timing and buffering knobs shared by processors,
// connections and servers.
type Config struct {
	// TickInterval is the pause between two scheduler ticks.
	TickInterval time.Duration
	// HeartbeatInterval is how often a connection sends a ping.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a connection tolerates silence from its
	// peer before disconnecting.
	HeartbeatTimeout time.Duration
	// ClientTimeout bounds every single-byte read wait while a frame is
	// being decoded.
	ClientTimeout time.Duration
	// ConnectTimeout bounds outbound dials.
	ConnectTimeout time.Duration
	// WriteTimeout bounds every flush to the transport.
	WriteTimeout time.Duration
	// MaxBuffered caps the unread bytes kept per connection.
	MaxBuffered int
	// RateLimit configures inbound frame rate limiting. Nil disables it.
	RateLimit *RateLimitConfig
}

// DefaultConfig returns the stock timings: a 10ms tick, a ping every 500ms,
// a 3s heartbeat timeout and 1s read and connect timeouts.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:      10 * time.Millisecond,
		HeartbeatInterval: 500 * time.Millisecond,
		HeartbeatTimeout:  3000 * time.Millisecond,
		ClientTimeout:     1000 * time.Millisecond,
		ConnectTimeout:    1000 * time.Millisecond,
		WriteTimeout:      10 * time.Second,
		MaxBuffered:       wire.DefaultMaxBuffered,
		RateLimit:         DefaultRateLimitConfig(),
	}
}

// normalized returns a copy with every zero field replaced by its default.
func (c *Config) normalized() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.TickInterval <= 0 {
		out.TickInterval = def.TickInterval
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = def.HeartbeatInterval
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if out.ClientTimeout <= 0 {
		out.ClientTimeout = def.ClientTimeout
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = def.ConnectTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	if out.MaxBuffered <= 0 {
		out.MaxBuffered = def.MaxBuffered
	}
	return &out
}
