package testuser

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrEthical07/testuser/idp"
	"github.com/MrEthical07/testuser/internal/events"
	"github.com/MrEthical07/testuser/internal/lifecycle"
	"github.com/MrEthical07/testuser/internal/names"
	"github.com/MrEthical07/testuser/internal/rate"
	"github.com/MrEthical07/testuser/internal/store"
	"github.com/MrEthical07/testuser/internal/waiters"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Builder assembles an [Engine]. A builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	log        logrus.FieldLogger
	eventSink  EventSink
	httpClient *http.Client
	now        func() time.Time

	built bool
}

// New returns a builder holding the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing the account store. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the logger shared by the engine and its loops.
func (b *Builder) WithLogger(log logrus.FieldLogger) *Builder {
	b.log = log
	return b
}

// WithEventSink receives lifecycle events in addition to the per-account
// Redis streams.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.eventSink = sink
	return b
}

// WithHTTPClient sets the HTTP client used for every IdP call.
func (b *Builder) WithHTTPClient(hc *http.Client) *Builder {
	b.httpClient = hc
	return b
}

// WithClock injects the engine's time source. Expiry stamps, sweeps and
// event timestamps all read it.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithEnvironment registers env, replacing any environment of the same name.
func (b *Builder) WithEnvironment(env idp.Environment) *Builder {
	if b.config.Environments == nil {
		b.config.Environments = make(map[string]idp.Environment)
	}
	b.config.Environments[env.Name] = env
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := b.log
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	gen, err := names.NewGenerator(cfg.Accounts.Domain)
	if err != nil {
		return nil, fmt.Errorf("Accounts.Domain: %w", err)
	}

	clients := make(map[string]*idp.Client, len(cfg.Environments))
	for name, env := range cfg.Environments {
		opts := []idp.Option{idp.WithLogger(log), idp.WithClock(now)}
		if cfg.Accounts.Site != "" {
			opts = append(opts, idp.WithSite(cfg.Accounts.Site))
		}
		if b.httpClient != nil {
			opts = append(opts, idp.WithHTTPClient(b.httpClient))
		}
		c, err := idp.NewClient(env, opts...)
		if err != nil {
			return nil, fmt.Errorf("environment %q: %w", name, err)
		}
		clients[name] = c
	}

	st := store.NewStore(b.redis, cfg.Redis.Prefix)

	e := &Engine{
		config:  cfg,
		redis:   b.redis,
		store:   st,
		mailq:   st.MailQueue(cfg.Lifecycle.PollTimeout),
		expired: st.ExpiredQueue(cfg.Lifecycle.PollTimeout),
		clients: clients,
		names:   gen,
		waiters: waiters.New[*store.Record](),
		metrics: NewMetrics(cfg.Metrics),
		log:     log.WithField("component", "engine"),
		now:     now,
	}

	if cfg.RateLimit.MaxPerWindow > 0 {
		e.limiter = rate.New(b.redis, cfg.Redis.Prefix, rate.Config{
			MaxPerWindow: cfg.RateLimit.MaxPerWindow,
			Window:       cfg.RateLimit.Window,
		})
	}

	var sinks events.MultiSink
	if cfg.Events.RecordStream {
		sinks = append(sinks, events.NewStreamSink(st, log))
	}
	if b.eventSink != nil {
		sinks = append(sinks, b.eventSink)
	}
	e.events = events.NewDispatcher(events.Config{
		Enabled:    cfg.Events.Enabled && len(sinks) > 0,
		BufferSize: cfg.Events.BufferSize,
		DropIfFull: cfg.Events.DropIfFull,
	}, sinks)

	obs := observer{engine: e}
	e.verifier = lifecycle.NewVerifier(st, e.mailq, e.resolve, obs, log)
	e.sweeper = lifecycle.NewSweeper(st, cfg.Lifecycle.SweepInterval, now, obs, log)
	e.canceller = lifecycle.NewCanceller(e.expired, e.resolve, cfg.Lifecycle.CancelInterval, obs, log)

	b.built = true
	return e, nil
}
