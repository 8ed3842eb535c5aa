package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/shellctx"
)

type stubProvider struct {
	name     string
	priority int
	cmd      string
	err      error
	calls    int
}

func (s *stubProvider) Name() string {
	return s.name
}

func (s *stubProvider) Priority() int {
	return s.priority
}

func (s *stubProvider) ProcessNaturalLanguage(_ context.Context, _ string, _ shellctx.Snapshot) (string, error) {
	s.calls++
	return s.cmd, s.err
}

func newTestRouter(cfg RouterConfig, providers ...Provider) *Router {
	registry := NewRegistry()
	for _, p := range providers {
		registry.Register(p)
	}
	return NewRouter(registry, cfg, zerolog.Nop())
}

func TestRouteUsesHighestPriority(t *testing.T) {
	low := &stubProvider{name: "low", priority: 1, cmd: "echo low"}
	high := &stubProvider{name: "high", priority: 10, cmd: "echo high"}
	r := newTestRouter(RouterConfig{}, low, high)

	cmd, err := r.Route(context.Background(), "anything", shellctx.Snapshot{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if cmd != "echo high" {
		t.Fatalf("cmd = %q, want echo high", cmd)
	}
	if low.calls != 0 {
		t.Fatal("lower-priority provider was called")
	}
}

func TestRoutePrefersSelectedProvider(t *testing.T) {
	a := &stubProvider{name: "a", priority: 10, cmd: "echo a"}
	b := &stubProvider{name: "b", priority: 1, cmd: "echo b"}
	r := newTestRouter(RouterConfig{Preferred: "b"}, a, b)

	cmd, err := r.Route(context.Background(), "x", shellctx.Snapshot{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if cmd != "echo b" {
		t.Fatalf("cmd = %q, want echo b", cmd)
	}
}

func TestRouteFallsThroughOnError(t *testing.T) {
	bad := &stubProvider{name: "bad", priority: 10, err: errors.New("boom")}
	good := &stubProvider{name: "good", priority: 1, cmd: "ls"}
	r := newTestRouter(RouterConfig{}, bad, good)

	cmd, err := r.Route(context.Background(), "x", shellctx.Snapshot{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if cmd != "ls" {
		t.Fatalf("cmd = %q, want ls", cmd)
	}
}

func TestRouteSurfacesLastError(t *testing.T) {
	boom := errors.New("boom")
	bad := &stubProvider{name: "bad", priority: 10, err: boom}
	r := newTestRouter(RouterConfig{}, bad)

	if _, err := r.Route(context.Background(), "x", shellctx.Snapshot{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestRouteNoProviders(t *testing.T) {
	r := newTestRouter(RouterConfig{})
	if _, err := r.Route(context.Background(), "x", shellctx.Snapshot{}); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", err)
	}
}

func TestRouteEnforcesBudget(t *testing.T) {
	p := &stubProvider{name: "p", priority: 1, cmd: "ls"}
	r := newTestRouter(RouterConfig{MaxRequests: 2}, p)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Route(ctx, "x", shellctx.Snapshot{}); err != nil {
			t.Fatalf("route %d: %v", i, err)
		}
	}
	if _, err := r.Route(ctx, "x", shellctx.Snapshot{}); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
}

func TestRouteEnforcesRate(t *testing.T) {
	p := &stubProvider{name: "p", priority: 1, cmd: "ls"}
	r := newTestRouter(RouterConfig{RatePerSecond: 1, Burst: 1}, p)
	ctx := context.Background()
	if _, err := r.Route(ctx, "x", shellctx.Snapshot{}); err != nil {
		t.Fatalf("first route: %v", err)
	}
	if _, err := r.Route(ctx, "x", shellctx.Snapshot{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestCleanCommand(t *testing.T) {
	cases := map[string]string{
		"ls -la":                          "ls -la",
		"```bash\nls -la\n```":            "ls -la",
		"```\nls -la\n```":                "ls -la",
		"`ls -la`":                        "ls -la",
		"ls -la\nsecond line is dropped":  "ls -la",
		"  ls -la  ":                      "ls -la",
	}
	for in, want := range cases {
		if got := cleanCommand(in); got != want {
			t.Errorf("cleanCommand(%q) = %q, want %q", in, got, want)
		}
	}
}
