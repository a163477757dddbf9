package engine

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/triage-engine/triage/config"
	"github.com/ZanzyTHEbar/triage-engine/triage/db"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/adapters"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/providers"

	"github.com/rs/zerolog"
)

// Factory creates and wires engine components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *db.DB // nil for the memory database type
	logger zerolog.Logger
}

func NewFactory(cfg *config.Config, conn *db.DB, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, db: conn, logger: logger}
}

// CreateEngine builds a fully wired Engine with the configured backend.
func (f *Factory) CreateEngine(ctx context.Context) (*Engine, error) {
	provider, err := providers.New(ctx, f.cfg.LLM)
	if err != nil {
		return nil, err
	}
	return f.CreateEngineWithProvider(ctx, provider)
}

// CreateEngineWithProvider builds an Engine around an injected backend.
func (f *Factory) CreateEngineWithProvider(ctx context.Context, provider ports.Provider) (*Engine, error) {
	store, err := f.createStore(ctx)
	if err != nil {
		return nil, err
	}
	tracer := f.createTracer()

	gateway := NewModelGateway(
		provider,
		f.createRateLimiter(),
		f.createTokenCounter(),
		tracer,
		f.CreateGatewayPolicy(),
		f.logger.With().Str("component", "gateway").Logger(),
	)

	return NewEngine(Deps{
		Store:    store,
		Gateway:  gateway,
		Cache:    f.createCache(),
		CacheTTL: f.cfg.Cache.TTLSeconds,
		Notifier: f.createNotifier(),
		Tracer:   tracer,
		Logger:   f.logger.With().Str("component", "engine").Logger(),
	}), nil
}

// createStore picks the turn log backing and registers seed appointments.
func (f *Factory) createStore(ctx context.Context) (ports.ConversationStore, error) {
	var (
		store ports.ConversationStore
		dir   interface {
			ports.AppointmentDirectory
			Register(ctx context.Context, appointmentID int64) error
		}
	)
	if f.db == nil {
		if f.cfg.Database.Type != "memory" {
			return nil, fmt.Errorf("database type %q needs an open connection", f.cfg.Database.Type)
		}
		static := adapters.NewStaticAppointmentDirectory()
		store, dir = adapters.NewMemoryConversationStore(static), static
	} else {
		sqlDir := adapters.NewSQLAppointmentDirectory(f.db)
		store, dir = adapters.NewSQLConversationStore(f.db, sqlDir), sqlDir
	}

	for _, id := range f.cfg.Database.SeedAppointments {
		if err := dir.Register(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to seed appointment %d: %w", id, err)
		}
	}
	return store, nil
}

func (f *Factory) createCache() ports.Cache {
	if !f.cfg.Cache.Enabled {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(f.cfg.Cache.Capacity)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Gateway.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.Gateway.RateLimitCapacity, f.cfg.Gateway.RateLimitRefillRate)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Tracing.Enabled {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createNotifier() ports.Notifier {
	if !f.cfg.Notify.Enabled || f.db == nil || f.db.Dialect != db.DialectPostgres {
		return &noOpNotifier{}
	}
	return adapters.NewPQNotifier(f.db, f.cfg.Notify.Channel)
}

// createTokenCounter returns nil when no ceiling is configured.
func (f *Factory) createTokenCounter() ports.TokenCounter {
	if f.cfg.LLM.MaxInputTokens <= 0 {
		return nil
	}
	counter, err := providers.NewTiktokenCounter(f.cfg.LLM.TokenEncoding)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Token encoding unavailable, estimating by length")
	}
	return counter
}

// CreateGatewayPolicy derives the gateway policy from config, clamping
// values the backend should never see.
func (f *Factory) CreateGatewayPolicy() GatewayPolicy {
	g := f.cfg.Gateway
	policy := GatewayPolicy{
		Timeout:        g.Timeout,
		MaxRetries:     g.MaxRetries,
		BaseDelay:      g.BaseDelay,
		MaxDelay:       g.MaxDelay,
		MaxInputTokens: f.cfg.LLM.MaxInputTokens,
	}
	defaults := DefaultGatewayPolicy()

	if policy.Timeout <= 0 {
		policy.Timeout = defaults.Timeout
		f.logger.Warn().Dur("timeout", g.Timeout).Msg("Gateway timeout reset to default")
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
		f.logger.Warn().Int("max_retries", g.MaxRetries).Msg("MaxRetries clamped to minimum of 0")
	}
	if policy.MaxRetries > 5 {
		policy.MaxRetries = 5
		f.logger.Warn().Int("max_retries", g.MaxRetries).Msg("MaxRetries clamped to maximum of 5")
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaults.BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return policy
}

// noOpCache implements Cache with no-op behavior for a disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

type noOpNotifier struct{}

func (n *noOpNotifier) Publish(ctx context.Context, update ports.DiagnosisUpdate) error { return nil }

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache       = (*noOpCache)(nil)
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
	_ ports.Tracer      = (*noOpTracer)(nil)
	_ ports.Notifier    = (*noOpNotifier)(nil)
)
