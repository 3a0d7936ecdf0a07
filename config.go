package testuser

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/testuser/assertion"
	"github.com/MrEthical07/testuser/idp"
)

// Config holds every tunable of an [Engine].
//
// Config values are copied by [Builder.WithConfig]; later mutation of the
// caller's value does not affect a built engine.
type Config struct {
	Redis        RedisConfig
	Accounts     AccountsConfig
	Lifecycle    LifecycleConfig
	Assertion    AssertionConfig
	Environments map[string]idp.Environment
	Events       EventsConfig
	Metrics      MetricsConfig
	RateLimit    RateLimitConfig
}

/*
====================================
REDIS CONFIG
====================================
*/

// RedisConfig locates the account store.
type RedisConfig struct {
	// Addr is only used by [LoadConfigFromEnv] callers that let the engine
	// own its client; a client passed to [Builder.WithRedis] wins.
	Addr   string
	Prefix string
}

/*
====================================
ACCOUNTS CONFIG
====================================
*/

// AccountsConfig controls how test accounts are generated.
type AccountsConfig struct {
	// Domain is the host part of generated emails.
	Domain string
	// TTL is how long an account lives before the sweeper reclaims it.
	TTL time.Duration
	// WaitTimeout bounds how long a provisioning call waits for the mail
	// notification.
	WaitTimeout time.Duration
	// Site is the originating site reported to the IdP when staging.
	Site string
}

/*
====================================
LIFECYCLE CONFIG
====================================
*/

// LifecycleConfig tunes the background loops started by [Engine.Run].
type LifecycleConfig struct {
	SweepInterval  time.Duration
	CancelInterval time.Duration
	PollTimeout    time.Duration

	DisableVerifier  bool
	DisableSweeper   bool
	DisableCanceller bool
}

// AssertionConfig tunes keypairs and assertion lifetimes.
type AssertionConfig struct {
	KeyBits         int
	DefaultDuration time.Duration
}

// EventsConfig controls lifecycle event dispatch.
type EventsConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// RecordStream appends events to each account's Redis event stream.
	RecordStream bool
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// RateLimitConfig bounds provisioning per environment. MaxPerWindow 0
// disables the limiter.
type RateLimitConfig struct {
	MaxPerWindow int
	Window       time.Duration
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	return Config{
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "ptu",
		},
		Accounts: AccountsConfig{
			Domain:      "personatestuser.org",
			TTL:         time.Hour,
			WaitTimeout: 5 * time.Second,
			Site:        idp.DefaultSite,
		},
		Lifecycle: LifecycleConfig{
			SweepInterval:  time.Minute,
			CancelInterval: time.Second,
			PollTimeout:    time.Second,
		},
		Assertion: AssertionConfig{
			KeyBits:         assertion.DefaultKeyBits,
			DefaultDuration: time.Hour,
		},
		Environments: idp.DefaultEnvironments(),
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   1024,
			DropIfFull:   true,
			RecordStream: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
		RateLimit: RateLimitConfig{
			MaxPerWindow: 60,
			Window:       time.Minute,
		},
	}
}

// DefaultConfig returns the configuration an engine gets when none is
// supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func cloneConfig(in Config) Config {
	out := in
	if in.Environments != nil {
		out.Environments = make(map[string]idp.Environment, len(in.Environments))
		for name, env := range in.Environments {
			out.Environments[name] = env
		}
	}
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(c.Redis.Prefix) == "" {
		return errors.New("Redis.Prefix must be set")
	}
	if strings.ContainsAny(c.Redis.Prefix, " \t\r\n") {
		return errors.New("Redis.Prefix must not contain whitespace")
	}

	domain := strings.TrimSpace(c.Accounts.Domain)
	if domain == "" || strings.ContainsAny(domain, "@/ ") {
		return fmt.Errorf("Accounts.Domain %q is not a host name", c.Accounts.Domain)
	}
	if c.Accounts.TTL <= 0 {
		return errors.New("Accounts.TTL must be > 0")
	}
	if c.Accounts.WaitTimeout <= 0 {
		return errors.New("Accounts.WaitTimeout must be > 0")
	}
	if c.Accounts.Site != "" {
		if u, err := url.Parse(c.Accounts.Site); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("Accounts.Site %q must be an absolute URL", c.Accounts.Site)
		}
	}

	if c.Lifecycle.SweepInterval <= 0 {
		return errors.New("Lifecycle.SweepInterval must be > 0")
	}
	if c.Lifecycle.CancelInterval <= 0 {
		return errors.New("Lifecycle.CancelInterval must be > 0")
	}
	if c.Lifecycle.PollTimeout < time.Second {
		// BLPOP timeouts are whole seconds.
		return errors.New("Lifecycle.PollTimeout must be >= 1s")
	}

	if c.Assertion.KeyBits != 0 && c.Assertion.KeyBits < 1024 {
		return errors.New("Assertion.KeyBits must be >= 1024")
	}
	if c.Assertion.DefaultDuration <= 0 {
		return errors.New("Assertion.DefaultDuration must be > 0")
	}

	if len(c.Environments) == 0 {
		return errors.New("at least one environment must be configured")
	}
	for name, env := range c.Environments {
		if env.Name != name {
			return fmt.Errorf("environment %q is registered under %q", env.Name, name)
		}
		if err := env.Validate(); err != nil {
			return fmt.Errorf("environment %q: %w", name, err)
		}
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return errors.New("Events.BufferSize must be > 0 when events are enabled")
	}

	if c.RateLimit.MaxPerWindow < 0 {
		return errors.New("RateLimit.MaxPerWindow must be >= 0")
	}
	if c.RateLimit.MaxPerWindow > 0 && c.RateLimit.Window <= 0 {
		return errors.New("RateLimit.Window must be > 0 when the limiter is enabled")
	}

	return nil
}
