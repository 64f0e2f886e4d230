// Package stage defines the per-stage contracts of the story pipeline. Each
// stage declares which capabilities it needs and implements precondition
// checks, execution, and postcondition checks. The engine drives the
// contracts; stages never touch the database.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"storyline/internal/capability"
	"storyline/internal/domain"
)

// Advance actions. The zero value asks the stage to generate its artifact.
const (
	ActionGenerate = ""
	ActionConfirm  = "confirm"
	ActionReject   = "reject"
)

// AdvancePayload carries the human's input to an advance call.
type AdvancePayload struct {
	Action   string `json:"action,omitempty" enum:",confirm,reject"`
	Content  string `json:"content,omitempty"`
	Answers  string `json:"answers,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// Context bundles everything a stage may use during one advance. Capability
// handles are resolved by the engine before execution; optional ones are nil
// when absent or unhealthy.
type Context struct {
	Story   domain.Story
	Project domain.Project
	Round   domain.Round
	Payload AdvancePayload

	Agent capability.AgentProvider
	SCM   capability.SCMProvider
	CI    capability.CIProvider

	// Warnings surfaced to the caller. Preflight seeds them; stages may
	// append while executing degraded.
	Warnings []string

	// ReuseUnchanged skips regeneration when the stage inputs are unchanged.
	ReuseUnchanged bool

	// WorkDir is the scratch checkout directory for this round.
	WorkDir string

	// PRs collects pull requests created during execution; the engine
	// persists them afterwards.
	PRs []capability.PullRequestInfo

	// OpenPR is the round's open pull request, if any.
	OpenPR *domain.PullRequest
}

// RecordPR registers a pull request created by a stage hook.
func (sc *Context) RecordPR(pr capability.PullRequestInfo) {
	sc.PRs = append(sc.PRs, pr)
}

// Artifact keys map one-to-one onto story columns.
const (
	ArtifactRequirement          = "requirement"
	ArtifactClarificationNotes   = "clarification_notes"
	ArtifactConfirmedRequirement = "confirmed_requirement"
	ArtifactPlan                 = "plan"
	ArtifactTasks                = "tasks_json"
	ArtifactDesign               = "design"
)

// Result is the outcome of a stage execution. An empty NextStage keeps the
// story in its current stage awaiting human input. A non-nil Background
// defers the work to the engine's background runner.
type Result struct {
	Artifacts  map[string]string
	NextStage  domain.Stage
	Background *BackgroundSpec
}

// BackgroundSpec describes one unit of background work. Before runs setup
// (e.g. clone and branch), Run does the work and returns artifacts, After
// runs follow-up (e.g. push and open a PR). The engine guarantees a terminal
// event and task-table cleanup whatever happens.
type BackgroundSpec struct {
	Name      string
	Before    func(ctx context.Context, emit capability.EmitFunc) error
	Run       func(ctx context.Context, emit capability.EmitFunc) (map[string]string, error)
	After     func(ctx context.Context, emit capability.EmitFunc, artifacts map[string]string) error
	NextStage domain.Stage
}

// Contract is what every stage implements.
type Contract interface {
	Name() domain.Stage
	Required() []capability.Name
	Optional() []capability.Name
	// CheckPreconditions returns the problems that block execution, empty
	// when the stage may run. Checking must not mutate anything.
	CheckPreconditions(sc *Context) []string
	Execute(ctx context.Context, sc *Context) (Result, error)
	// CheckPostconditions validates the produced result before the engine
	// commits it.
	CheckPostconditions(sc *Context, res Result) []string
}

var contracts = map[domain.Stage]Contract{
	domain.StagePreparing:  preparing{},
	domain.StageClarifying: clarifying{},
	domain.StagePlanning:   planning{},
	domain.StageDesigning:  designing{},
	domain.StageCoding:     coding{},
	domain.StageVerifying:  verifying{},
}

// For returns the contract for a stage. The done stage has none.
func For(s domain.Stage) (Contract, bool) {
	c, ok := contracts[s]
	return c, ok
}

// InputHash fingerprints the inputs a stage generates from. A matching hash
// with an existing output means regeneration would reproduce the same work.
func InputHash(s domain.Stage, story domain.Story) string {
	var inputs []string
	switch s {
	case domain.StagePreparing:
		inputs = []string{story.RawInput}
	case domain.StageClarifying:
		inputs = []string{story.Requirement}
	case domain.StagePlanning:
		inputs = []string{story.ConfirmedRequirement}
	case domain.StageDesigning:
		inputs = []string{story.Plan, story.TasksJSON}
	case domain.StageCoding:
		inputs = []string{story.Design}
	default:
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(inputs, "\x00")))
	return hex.EncodeToString(sum[:])
}

// StoredHash reads the recorded input hash for a stage from the story.
func StoredHash(story domain.Story, s domain.Stage) string {
	if story.InputHashesJSON == "" {
		return ""
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(story.InputHashesJSON), &m); err != nil {
		return ""
	}
	return m[string(s)]
}

// WithHash returns the story's hash map JSON updated for one stage.
func WithHash(story domain.Story, s domain.Stage, hash string) string {
	m := map[string]string{}
	if story.InputHashesJSON != "" {
		_ = json.Unmarshal([]byte(story.InputHashesJSON), &m)
	}
	m[string(s)] = hash
	b, _ := json.Marshal(m)
	return string(b)
}
