package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// Gateway performs one inference on behalf of a session.
type Gateway interface {
	Infer(ctx context.Context, in ports.ModelInput) (string, error)
}

// GatewayPolicy bounds how long and how often the backend is tried.
type GatewayPolicy struct {
	Timeout        time.Duration // per attempt
	MaxRetries     int           // attempts after the first, retryable errors only
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxInputTokens int // 0 disables the prompt ceiling
}

// DefaultGatewayPolicy returns the production defaults.
func DefaultGatewayPolicy() GatewayPolicy {
	return GatewayPolicy{
		Timeout:    30 * time.Second,
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   4 * time.Second,
	}
}

// ModelGateway calls a Provider with a per-attempt timeout and bounded
// exponential retry. Every failure it returns matches exactly one of
// ErrGatewayTimeout, ErrGatewayUnavailable or ErrGatewayRejected, unless the
// caller's own context ended first.
type ModelGateway struct {
	provider ports.Provider
	limiter  ports.RateLimiter
	counter  ports.TokenCounter
	tracer   ports.Tracer
	policy   GatewayPolicy
	logger   zerolog.Logger
}

// NewModelGateway creates a gateway. limiter, counter and tracer may be nil.
func NewModelGateway(
	provider ports.Provider,
	limiter ports.RateLimiter,
	counter ports.TokenCounter,
	tracer ports.Tracer,
	policy GatewayPolicy,
	logger zerolog.Logger,
) *ModelGateway {
	if limiter == nil {
		limiter = &noOpRateLimiter{}
	}
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	return &ModelGateway{
		provider: provider,
		limiter:  limiter,
		counter:  counter,
		tracer:   tracer,
		policy:   policy,
		logger:   logger,
	}
}

// Infer returns the backend's raw reply text.
func (g *ModelGateway) Infer(ctx context.Context, in ports.ModelInput) (text string, err error) {
	ctx, finish := g.tracer.StartSpan(ctx, "gateway.infer", map[string]any{
		"provider": g.provider.Name(),
		"messages": len(in.Messages),
	})
	defer func() { finish(err) }()

	if g.policy.MaxInputTokens > 0 && g.counter != nil {
		if n := g.counter.Count(in); n > g.policy.MaxInputTokens {
			return "", fmt.Errorf("%w: prompt of %d tokens exceeds ceiling of %d", ports.ErrGatewayRejected, n, g.policy.MaxInputTokens)
		}
	}

	backoff := retry.NewExponential(g.policy.BaseDelay)
	backoff = retry.WithCappedDuration(g.policy.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(max(g.policy.MaxRetries, 0)), backoff)

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		reply, err := g.attempt(ctx, in)
		if err == nil {
			text = reply
			return nil
		}
		if ctx.Err() == nil && isRetryable(err) {
			g.logger.Warn().Err(err).Int("attempt", attempt).Str("provider", g.provider.Name()).Msg("Inference attempt failed, retrying")
			g.tracer.Event(ctx, "gateway.retry", map[string]any{"attempt": attempt, "error": err.Error()})
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func (g *ModelGateway) attempt(ctx context.Context, in ports.ModelInput) (string, error) {
	release, err := g.limiter.Acquire(ctx, g.provider.Name())
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", ports.ErrGatewayUnavailable, err)
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, g.policy.Timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	// The call runs aside so a backend that ignores its context is abandoned
	// when the deadline passes.
	done := make(chan result, 1)
	go func() {
		text, err := g.provider.Complete(callCtx, in)
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %w", ports.ErrGatewayTimeout, g.policy.Timeout, r.err)
		}
		return "", classifyProviderError(r.err)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w after %s", ports.ErrGatewayTimeout, g.policy.Timeout)
	}
}

// classifyProviderError maps a backend failure onto the gateway error set.
func classifyProviderError(err error) error {
	if errors.Is(err, ports.ErrGatewayRejected) || errors.Is(err, ports.ErrGatewayUnavailable) || errors.Is(err, ports.ErrGatewayTimeout) {
		return err
	}

	var pe *ports.ProviderError
	if errors.As(err, &pe) {
		switch code := pe.StatusCode; {
		case code == 0,
			code == http.StatusRequestTimeout,
			code == http.StatusTooManyRequests,
			code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", ports.ErrGatewayUnavailable, err)
		case code >= http.StatusBadRequest:
			return fmt.Errorf("%w: %w", ports.ErrGatewayRejected, err)
		}
	}
	return fmt.Errorf("%w: %w", ports.ErrGatewayUnavailable, err)
}

func isRetryable(err error) bool {
	return errors.Is(err, ports.ErrGatewayUnavailable) || errors.Is(err, ports.ErrGatewayTimeout)
}
