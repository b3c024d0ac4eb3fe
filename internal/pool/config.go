package pool

import (
	"time"

	"go.uber.org/zap"
)

// Defaults applied by New for zero-valued Config fields. The duration and
// count ceilings follow the negative-disables convention: zero means the
// default, any negative value turns the ceiling off.
const (
	DefaultMaxSessionUses      = 50
	DefaultMaxSessionAge       = 5 * time.Minute
	DefaultMaxSessionIdle      = 2 * time.Minute
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultRetryDelay          = time.Second
)

// Config controls one pool.
type Config struct {
	// Size is the number of browser slots the pool maintains. Required.
	Size int

	// MaxSessionUses retires a session after this many leases.
	MaxSessionUses int

	// MaxSessionAge retires a session once it has existed this long,
	// regardless of activity.
	MaxSessionAge time.Duration

	// MaxSessionIdle retires a session that has sat unused this long.
	MaxSessionIdle time.Duration

	// EnableHealthCheck starts a background sweep that retires stale idle
	// sessions, provisioning each replacement before the retirement.
	EnableHealthCheck bool

	// HealthCheckInterval is the sweep period when EnableHealthCheck is set.
	HealthCheckInterval time.Duration

	// DisableWaitQueue makes Acquire fail with ErrPoolExhausted instead of
	// parking when every slot is committed.
	DisableWaitQueue bool

	// DisableDisconnectWatch skips subscribing to browser disconnect events
	// on connections that support them.
	DisableDisconnectWatch bool

	// EagerPageCreation opens a page in the initial browser context at
	// creation time, so borrowers skip that round trip too.
	EagerPageCreation bool

	// RetryDelay is how long to wait before retrying a failed background
	// creation.
	RetryDelay time.Duration

	// Logger receives lifecycle events. Nil means no logging.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxSessionUses == 0 {
		c.MaxSessionUses = DefaultMaxSessionUses
	}
	if c.MaxSessionAge == 0 {
		c.MaxSessionAge = DefaultMaxSessionAge
	}
	if c.MaxSessionIdle == 0 {
		c.MaxSessionIdle = DefaultMaxSessionIdle
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
