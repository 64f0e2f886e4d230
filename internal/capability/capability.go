package capability

import (
	"context"

	"storyline/internal/domain"
)

// Name identifies a capability slot the engine can resolve.
type Name string

const (
	NameAgent        Name = "agent"
	NameSCM          Name = "scm"
	NameCI           Name = "ci"
	NameDoc          Name = "doc"
	NameSandbox      Name = "sandbox"
	NameNotification Name = "notification"
)

// Provider is the base contract every capability provider implements.
type Provider interface {
	// Name returns the provider id, e.g. "cli" or "github".
	Name() string
	Health(ctx context.Context) domain.HealthStatus
}

// IntervalReporter lets a provider declare how long its health result stays
// fresh. Providers that don't implement it get the registry default.
type IntervalReporter interface {
	HealthIntervalSeconds() int
}

// EmitFunc receives streaming output from a provider while it works.
// evtType is one of the domain.Message* constants.
type EmitFunc func(evtType, content string)

// AgentRequest asks the coding agent to produce one document.
type AgentRequest struct {
	// Kind selects the document: requirement, clarification, plan, design.
	Kind     string
	Story    domain.Story
	Feedback string
	Answers  string
}

// CodeRequest asks the coding agent to implement the story in a working copy.
type CodeRequest struct {
	Story    domain.Story
	WorkDir  string
	Feedback string
}

// AgentProvider is the "agent" capability.
type AgentProvider interface {
	Provider
	Generate(ctx context.Context, req AgentRequest, emit EmitFunc) (string, error)
	Code(ctx context.Context, req CodeRequest, emit EmitFunc) error
}

// PullRequestInfo identifies a pull request created by the SCM provider.
type PullRequestInfo struct {
	Number int
	URL    string
}

// SCMProvider is the "scm" capability.
type SCMProvider interface {
	Provider
	Clone(ctx context.Context, repoURL, dir string) error
	CreateBranch(ctx context.Context, dir, branch string) error
	CommitAndPush(ctx context.Context, dir, branch, message string) error
	CreatePullRequest(ctx context.Context, repoURL, branch, title, body string) (PullRequestInfo, error)
	MergePullRequest(ctx context.Context, repoURL string, number int) error
	PullRequestStatus(ctx context.Context, repoURL string, number int) (string, error)
	GetReviewComments(ctx context.Context, repoURL string, number int) ([]string, error)
}

// CIProvider is the "ci" capability.
type CIProvider interface {
	Provider
	TriggerPipeline(ctx context.Context, repoURL, branch string) error
}
