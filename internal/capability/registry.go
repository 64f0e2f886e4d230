package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/repo"
)

// ErrNotConfigured means no binding exists for a capability, neither as a
// project override nor as a global default, or the override disables it.
var ErrNotConfigured = errors.New("capability not configured")

const defaultHealthInterval = 30 * time.Second

// Factory builds a provider instance from its settings.
type Factory func(settings map[string]string) (Provider, error)

// OverrideSource reads per-project capability bindings.
type OverrideSource interface {
	GetCapabilityOverride(ctx context.Context, projectID, capability string) (domain.CapabilityOverride, error)
}

type healthEntry struct {
	status  domain.HealthStatus
	expires time.Time
}

// Registry resolves capability names to provider instances. Resolution is
// project override first, then the global default, then ErrNotConfigured.
// Instances and health results are cached.
type Registry struct {
	Config    *config.Config
	Overrides OverrideSource
	Now       func() time.Time

	mu        sync.Mutex
	factories map[Name]map[string]Factory
	instances map[string]Provider
	health    map[string]healthEntry
	intervals map[string]time.Duration
}

func NewRegistry(cfg *config.Config, overrides OverrideSource) *Registry {
	return &Registry{
		Config:    cfg,
		Overrides: overrides,
		Now:       time.Now,
		factories: map[Name]map[string]Factory{},
		instances: map[string]Provider{},
		health:    map[string]healthEntry{},
		intervals: map[string]time.Duration{},
	}
}

// RegisterFactory makes a provider constructible for a capability slot.
func (r *Registry) RegisterFactory(name Name, provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories[name] == nil {
		r.factories[name] = map[string]Factory{}
	}
	r.factories[name][provider] = f
}

type binding struct {
	provider string
	settings map[string]string
	interval time.Duration
}

func (r *Registry) binding(ctx context.Context, name Name, projectID string) (binding, error) {
	if r.Overrides != nil && projectID != "" {
		o, err := r.Overrides.GetCapabilityOverride(ctx, projectID, string(name))
		switch {
		case err == nil:
			if o.Disabled {
				return binding{}, fmt.Errorf("%w: %s disabled for project %s", ErrNotConfigured, name, projectID)
			}
			return binding{provider: o.Provider, settings: o.Settings, interval: defaultHealthInterval}, nil
		case errors.Is(err, repo.ErrNotFound):
			// fall through to the global default
		default:
			return binding{}, err
		}
	}
	if r.Config != nil {
		if def, ok := r.Config.Capabilities[string(name)]; ok {
			interval := defaultHealthInterval
			if def.HealthIntervalSeconds > 0 {
				interval = time.Duration(def.HealthIntervalSeconds) * time.Second
			}
			return binding{provider: def.Provider, settings: def.Settings, interval: interval}, nil
		}
	}
	return binding{}, fmt.Errorf("%w: %s", ErrNotConfigured, name)
}

func instanceKey(name Name, b binding) string {
	parts := make([]string, 0, len(b.settings))
	for k, v := range b.settings {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return string(name) + "|" + b.provider + "|" + strings.Join(parts, ",")
}

// Resolve returns the provider bound to a capability for a project.
func (r *Registry) Resolve(ctx context.Context, name Name, projectID string) (Provider, error) {
	b, err := r.binding(ctx, name, projectID)
	if err != nil {
		return nil, err
	}
	key := instanceKey(name, b)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.instances[key]; ok {
		return p, nil
	}
	f, ok := r.factories[name][b.provider]
	if !ok {
		return nil, fmt.Errorf("capability %s: unknown provider %q", name, b.provider)
	}
	p, err := f(b.settings)
	if err != nil {
		return nil, fmt.Errorf("capability %s: init provider %s: %w", name, b.provider, err)
	}
	r.instances[key] = p
	r.intervals[key] = b.interval
	return p, nil
}

// ResolveAgent resolves the agent capability with its typed interface.
func (r *Registry) ResolveAgent(ctx context.Context, projectID string) (AgentProvider, error) {
	p, err := r.Resolve(ctx, NameAgent, projectID)
	if err != nil {
		return nil, err
	}
	a, ok := p.(AgentProvider)
	if !ok {
		return nil, fmt.Errorf("provider %s does not implement the agent capability", p.Name())
	}
	return a, nil
}

func (r *Registry) ResolveSCM(ctx context.Context, projectID string) (SCMProvider, error) {
	p, err := r.Resolve(ctx, NameSCM, projectID)
	if err != nil {
		return nil, err
	}
	s, ok := p.(SCMProvider)
	if !ok {
		return nil, fmt.Errorf("provider %s does not implement the scm capability", p.Name())
	}
	return s, nil
}

func (r *Registry) ResolveCI(ctx context.Context, projectID string) (CIProvider, error) {
	p, err := r.Resolve(ctx, NameCI, projectID)
	if err != nil {
		return nil, err
	}
	c, ok := p.(CIProvider)
	if !ok {
		return nil, fmt.Errorf("provider %s does not implement the ci capability", p.Name())
	}
	return c, nil
}

// Health returns the cached health of a resolved capability, re-checking when
// the cache entry expired or force is set.
func (r *Registry) Health(ctx context.Context, name Name, projectID string, force bool) (domain.HealthStatus, error) {
	b, err := r.binding(ctx, name, projectID)
	if err != nil {
		return domain.HealthStatus{}, err
	}
	key := instanceKey(name, b)
	p, err := r.Resolve(ctx, name, projectID)
	if err != nil {
		return domain.HealthStatus{}, err
	}

	now := r.Now()
	r.mu.Lock()
	entry, ok := r.health[key]
	interval := r.intervals[key]
	r.mu.Unlock()
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	if ir, ok := p.(IntervalReporter); ok && ir.HealthIntervalSeconds() > 0 {
		interval = time.Duration(ir.HealthIntervalSeconds()) * time.Second
	}
	if ok && !force && now.Before(entry.expires) {
		return entry.status, nil
	}

	status := p.Health(ctx)
	if status.CheckedAt == "" {
		status.CheckedAt = now.UTC().Format(time.RFC3339)
	}
	r.mu.Lock()
	r.health[key] = healthEntry{status: status, expires: now.Add(interval)}
	r.mu.Unlock()
	return status, nil
}

// Check is one capability's line in a preflight report.
type Check struct {
	Capability string               `json:"capability"`
	Provider   string               `json:"provider,omitempty"`
	Required   bool                 `json:"required"`
	Health     *domain.HealthStatus `json:"health,omitempty"`
	Problem    string               `json:"problem,omitempty"`
}

// Report aggregates a preflight over a stage's capability requirements.
// Errors block execution, warnings degrade it.
type Report struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Checks   []Check  `json:"checks"`
}

// OK reports whether execution may proceed.
func (r Report) OK() bool { return len(r.Errors) == 0 }

// Preflight evaluates every required and optional capability, never stopping
// at the first failure, so the report names all problems at once. A missing
// optional capability is skipped silently; an unhealthy one becomes a warning.
func (r *Registry) Preflight(ctx context.Context, projectID string, required, optional []Name) Report {
	var report Report
	for _, name := range required {
		check := Check{Capability: string(name), Required: true}
		p, err := r.Resolve(ctx, name, projectID)
		if err != nil {
			check.Problem = err.Error()
			report.Errors = append(report.Errors, fmt.Sprintf("required capability %s: %v", name, err))
			report.Checks = append(report.Checks, check)
			continue
		}
		check.Provider = p.Name()
		status, err := r.Health(ctx, name, projectID, false)
		if err != nil {
			check.Problem = err.Error()
			report.Errors = append(report.Errors, fmt.Sprintf("required capability %s: %v", name, err))
			report.Checks = append(report.Checks, check)
			continue
		}
		check.Health = &status
		if !status.Healthy {
			report.Errors = append(report.Errors, fmt.Sprintf("required capability %s (%s) unhealthy: %s", name, p.Name(), status.Message))
		}
		report.Checks = append(report.Checks, check)
	}
	for _, name := range optional {
		check := Check{Capability: string(name)}
		p, err := r.Resolve(ctx, name, projectID)
		if err != nil {
			if errors.Is(err, ErrNotConfigured) {
				continue
			}
			check.Problem = err.Error()
			report.Warnings = append(report.Warnings, fmt.Sprintf("optional capability %s: %v", name, err))
			report.Checks = append(report.Checks, check)
			continue
		}
		check.Provider = p.Name()
		status, err := r.Health(ctx, name, projectID, false)
		if err != nil {
			check.Problem = err.Error()
			report.Warnings = append(report.Warnings, fmt.Sprintf("optional capability %s: %v", name, err))
			report.Checks = append(report.Checks, check)
			continue
		}
		check.Health = &status
		if !status.Healthy {
			report.Warnings = append(report.Warnings, fmt.Sprintf("optional capability %s (%s) unhealthy: %s", name, p.Name(), status.Message))
		}
		report.Checks = append(report.Checks, check)
	}
	return report
}
