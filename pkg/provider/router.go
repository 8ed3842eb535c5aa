package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/governor"
	"github.com/northriverfence/orbit/pkg/shellctx"
)

var (
	ErrNoProviders     = errors.New("no AI providers available")
	ErrRateLimited     = errors.New("provider rate limit exceeded")
	ErrBudgetExhausted = errors.New("provider request budget exhausted")
)

type RouterConfig struct {
	// Preferred names a provider to try first; empty or "auto" uses
	// priority order.
	Preferred string
	// MaxRequests is the total request budget for this process; 0 means
	// unlimited.
	MaxRequests int64
	// RatePerSecond caps provider calls; 0 disables rate limiting.
	RatePerSecond int
	// Burst is the token-bucket capacity when rate limiting is on.
	Burst int
}

// Router selects a provider, enforces rate and budget limits, and returns
// the provider's command string.
type Router struct {
	registry *Registry
	cfg      RouterConfig

	bucket    *governor.TokenBucket
	requested atomic.Int64

	log zerolog.Logger
}

func NewRouter(registry *Registry, cfg RouterConfig, log zerolog.Logger) *Router {
	r := &Router{
		registry: registry,
		cfg:      cfg,
		log:      log.With().Str("component", "provider-router").Logger(),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RatePerSecond
		}
		r.bucket = governor.NewTokenBucket(burst, cfg.RatePerSecond)
	}
	return r
}

// Route runs the input through the first available provider in selection
// order. Provider errors fall through to the next provider; the last error
// surfaces if all fail.
func (r *Router) Route(ctx context.Context, input string, snap shellctx.Snapshot) (string, error) {
	if r.bucket != nil && !r.bucket.TryAcquire() {
		return "", ErrRateLimited
	}
	if r.cfg.MaxRequests > 0 && r.requested.Add(1) > r.cfg.MaxRequests {
		r.requested.Add(-1)
		return "", ErrBudgetExhausted
	}

	order := r.selectionOrder()
	if len(order) == 0 {
		return "", ErrNoProviders
	}
	var lastErr error
	for _, p := range order {
		cmd, err := p.ProcessNaturalLanguage(ctx, input, snap)
		if err != nil {
			r.log.Warn().Err(err).Str("provider", p.Name()).Msg("Provider call failed")
			lastErr = err
			continue
		}
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			lastErr = fmt.Errorf("provider %s returned an empty command", p.Name())
			continue
		}
		return cmd, nil
	}
	return "", lastErr
}

// RequestsUsed reports how much of the budget has been consumed.
func (r *Router) RequestsUsed() int64 {
	return r.requested.Load()
}

func (r *Router) selectionOrder() []Provider {
	all := r.registry.All()
	sort.Slice(all, func(i, j int) bool {
		return all[i].Priority() > all[j].Priority()
	})
	preferred := strings.TrimSpace(r.cfg.Preferred)
	if preferred == "" || preferred == "auto" {
		return all
	}
	chosen := r.registry.Get(preferred)
	if chosen == nil {
		return all
	}
	order := []Provider{chosen}
	for _, p := range all {
		if p.Name() != preferred {
			order = append(order, p)
		}
	}
	return order
}
