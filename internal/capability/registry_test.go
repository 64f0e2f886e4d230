package capability_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"storyline/internal/capability"
	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/repo"
)

type staticProvider struct {
	mu           sync.Mutex
	name         string
	unhealthy    bool
	healthChecks int
}

func (p *staticProvider) Name() string { return p.name }

func (p *staticProvider) Health(ctx context.Context) domain.HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthChecks++
	return domain.HealthStatus{Healthy: !p.unhealthy, Message: p.name}
}

func (p *staticProvider) checks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthChecks
}

// memOverrides serves per-project bindings from a map, keyed project/capability.
type memOverrides map[string]domain.CapabilityOverride

func (m memOverrides) GetCapabilityOverride(ctx context.Context, projectID, capName string) (domain.CapabilityOverride, error) {
	o, ok := m[projectID+"/"+capName]
	if !ok {
		return domain.CapabilityOverride{}, repo.ErrNotFound
	}
	return o, nil
}

func factoryFor(p capability.Provider) capability.Factory {
	return func(settings map[string]string) (capability.Provider, error) { return p, nil }
}

func newRegistry(cfg *config.Config, overrides memOverrides) *capability.Registry {
	return capability.NewRegistry(cfg, overrides)
}

func TestResolveProjectOverrideWins(t *testing.T) {
	cfg := &config.Config{Capabilities: map[string]config.CapabilityDefault{
		"agent": {Provider: "global"},
	}}
	overrides := memOverrides{
		"p1/agent": {ProjectID: "p1", Capability: "agent", Provider: "special"},
	}
	r := newRegistry(cfg, overrides)
	r.RegisterFactory(capability.NameAgent, "global", factoryFor(&staticProvider{name: "global"}))
	r.RegisterFactory(capability.NameAgent, "special", factoryFor(&staticProvider{name: "special"}))

	ctx := context.Background()
	p, err := r.Resolve(ctx, capability.NameAgent, "p1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Name() != "special" {
		t.Fatalf("p1 resolved %q, want the project override", p.Name())
	}
	p, err = r.Resolve(ctx, capability.NameAgent, "p2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Name() != "global" {
		t.Fatalf("p2 resolved %q, want the global default", p.Name())
	}
}

func TestResolveDisabledOverride(t *testing.T) {
	cfg := &config.Config{Capabilities: map[string]config.CapabilityDefault{
		"agent": {Provider: "global"},
	}}
	overrides := memOverrides{
		"p1/agent": {ProjectID: "p1", Capability: "agent", Disabled: true},
	}
	r := newRegistry(cfg, overrides)
	r.RegisterFactory(capability.NameAgent, "global", factoryFor(&staticProvider{name: "global"}))

	_, err := r.Resolve(context.Background(), capability.NameAgent, "p1")
	if !errors.Is(err, capability.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured for a disabled override", err)
	}
}

func TestResolveUnconfigured(t *testing.T) {
	r := newRegistry(&config.Config{}, memOverrides{})
	_, err := r.Resolve(context.Background(), capability.NameSandbox, "p1")
	if !errors.Is(err, capability.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	cfg := &config.Config{Capabilities: map[string]config.CapabilityDefault{
		"agent": {Provider: "ghost"},
	}}
	r := newRegistry(cfg, memOverrides{})
	_, err := r.Resolve(context.Background(), capability.NameAgent, "")
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("err = %v, want unknown provider error", err)
	}
}

func TestResolveAgentTypeMismatch(t *testing.T) {
	cfg := &config.Config{Capabilities: map[string]config.CapabilityDefault{
		"agent": {Provider: "plain"},
	}}
	r := newRegistry(cfg, memOverrides{})
	r.RegisterFactory(capability.NameAgent, "plain", factoryFor(&staticProvider{name: "plain"}))

	_, err := r.ResolveAgent(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "agent capability") {
		t.Fatalf("err = %v, want capability interface mismatch", err)
	}
}

func TestHealthCachedUntilExpiry(t *testing.T) {
	cfg := &config.Config{Capabilities: map[string]config.CapabilityDefault{
		"scm": {Provider: "static", HealthIntervalSeconds: 10},
	}}
	p := &staticProvider{name: "static"}
	r := newRegistry(cfg, memOverrides{})
	r.RegisterFactory(capability.NameSCM, "static", factoryFor(p))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.Now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := r.Health(ctx, capability.NameSCM, "", false); err != nil {
		t.Fatalf("health: %v", err)
	}
	if _, err := r.Health(ctx, capability.NameSCM, "", false); err != nil {
		t.Fatalf("health: %v", err)
	}
	if got := p.checks(); got != 1 {
		t.Fatalf("provider checked %d times, want cached single check", got)
	}

	// Force bypasses the cache.
	if _, err := r.Health(ctx, capability.NameSCM, "", true); err != nil {
		t.Fatalf("health: %v", err)
	}
	if got := p.checks(); got != 2 {
		t.Fatalf("provider checked %d times after force, want 2", got)
	}

	// The cache entry expires with the configured interval.
	now = now.Add(11 * time.Second)
	if _, err := r.Health(ctx, capability.NameSCM, "", false); err != nil {
		t.Fatalf("health: %v", err)
	}
	if got := p.checks(); got != 3 {
		t.Fatalf("provider checked %d times after expiry, want 3", got)
	}
}

func TestPreflightEvaluatesEverything(t *testing.T) {
	cfg := &config.Config{Capabilities: map[string]config.CapabilityDefault{
		"agent": {Provider: "agent"},
		"ci":    {Provider: "ci"},
	}}
	r := newRegistry(cfg, memOverrides{})
	r.RegisterFactory(capability.NameAgent, "agent", factoryFor(&staticProvider{name: "agent"}))
	r.RegisterFactory(capability.NameCI, "ci", factoryFor(&staticProvider{name: "ci", unhealthy: true}))

	report := r.Preflight(context.Background(), "",
		[]capability.Name{capability.NameAgent, capability.NameSCM},
		[]capability.Name{capability.NameCI, capability.NameSandbox})

	if report.OK() {
		t.Fatal("report should fail with scm unconfigured")
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "scm") {
		t.Fatalf("errors = %v, want one scm error", report.Errors)
	}
	if len(report.Warnings) != 1 || !strings.Contains(report.Warnings[0], "ci") {
		t.Fatalf("warnings = %v, want one ci warning", report.Warnings)
	}
	// Missing optional sandbox is skipped silently; the rest all get a check.
	if len(report.Checks) != 3 {
		t.Fatalf("checks = %d, want 3", len(report.Checks))
	}
}
