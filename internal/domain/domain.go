package domain

// Stage is a step in the story pipeline.
type Stage string

const (
	StagePreparing  Stage = "preparing"
	StageClarifying Stage = "clarifying"
	StagePlanning   Stage = "planning"
	StageDesigning  Stage = "designing"
	StageCoding     Stage = "coding"
	StageVerifying  Stage = "verifying"
	StageDone       Stage = "done"
)

// StageOrder lists all stages in pipeline order.
var StageOrder = []Stage{
	StagePreparing,
	StageClarifying,
	StagePlanning,
	StageDesigning,
	StageCoding,
	StageVerifying,
	StageDone,
}

var stageRank = func() map[Stage]int {
	m := make(map[Stage]int, len(StageOrder))
	for i, s := range StageOrder {
		m[s] = i
	}
	return m
}()

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Rank returns the position of s in the pipeline, or -1 for unknown stages.
func (s Stage) Rank() int {
	r, ok := stageRank[s]
	if !ok {
		return -1
	}
	return r
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RepoURL     string `json:"repo_url,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Story struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Stage     Stage  `json:"stage" enum:"preparing,clarifying,planning,designing,coding,verifying,done"`
	RawInput  string `json:"raw_input"`

	// Artifacts produced by the pipeline, in stage order.
	Requirement          string `json:"requirement,omitempty"`
	ClarificationNotes   string `json:"clarification_notes,omitempty"`
	ConfirmedRequirement string `json:"confirmed_requirement,omitempty"`
	Plan                 string `json:"plan,omitempty"`
	TasksJSON            string `json:"tasks_json,omitempty"`
	Design               string `json:"design,omitempty"`

	// InputHashesJSON maps stage name to the SHA-256 of the inputs the
	// stage's artifact was generated from.
	InputHashesJSON string `json:"input_hashes_json,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// ArtifactPrefixOK reports whether every artifact required to reach the
// story's current stage is present: a story at stage N carries the artifacts
// of all stages before N.
func (s Story) ArtifactPrefixOK() bool {
	rank := s.Stage.Rank()
	if rank < 0 {
		return false
	}
	if rank > StagePreparing.Rank() && s.Requirement == "" {
		return false
	}
	if rank > StageClarifying.Rank() && s.ConfirmedRequirement == "" {
		return false
	}
	if rank > StagePlanning.Rank() && s.Plan == "" {
		return false
	}
	if rank > StageDesigning.Rank() && s.Design == "" {
		return false
	}
	return true
}

const (
	RoundTypeInitial = "initial"
	RoundTypeIterate = "iterate"
	RoundTypeRestart = "restart"

	RoundStatusActive = "active"
	RoundStatusClosed = "closed"
)

type Round struct {
	ID          string  `json:"id"`
	StoryID     string  `json:"story_id"`
	Number      int     `json:"number"`
	Type        string  `json:"type" enum:"initial,iterate,restart"`
	Status      string  `json:"status" enum:"active,closed"`
	BranchName  string  `json:"branch_name,omitempty"`
	CloseReason *string `json:"close_reason,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
}

const (
	PRStatusOpen   = "open"
	PRStatusClosed = "closed"
	PRStatusMerged = "merged"
)

type PullRequest struct {
	ID        string `json:"id"`
	RoundID   string `json:"round_id"`
	RepoURL   string `json:"repo_url"`
	Number    int    `json:"number"`
	URL       string `json:"url,omitempty"`
	Status    string `json:"status" enum:"open,closed,merged"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Message event types on a round's stream. Heartbeats are emitted on live
// streams only and never persisted.
const (
	MessageAssistant  = "assistant"
	MessageToolUse    = "tool-use"
	MessageError      = "error"
	MessageDone       = "done"
	MessageDocUpdated = "doc-updated"
	MessageHeartbeat  = "heartbeat"
)

// RoundMessage is one persisted entry of a round's ordered message log.
// Seq is assigned per round and strictly increasing.
type RoundMessage struct {
	ID      int64  `json:"id"`
	RoundID string `json:"round_id"`
	Seq     int64  `json:"seq"`
	Type    string `json:"type" enum:"assistant,tool-use,error,done,doc-updated,heartbeat"`
	Content string `json:"content,omitempty"`
	TS      string `json:"ts" format:"date-time"`
}

// HealthStatus is the result of a capability provider health check.
type HealthStatus struct {
	Healthy   bool   `json:"healthy"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	CheckedAt string `json:"checked_at" format:"date-time"`
}

// CapabilityOverride is a per-project capability binding that shadows the
// global default.
type CapabilityOverride struct {
	ProjectID  string            `json:"project_id"`
	Capability string            `json:"capability"`
	Provider   string            `json:"provider"`
	Settings   map[string]string `json:"settings,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
	UpdatedAt  string            `json:"updated_at" format:"date-time"`
}

// StoryTask is one entry of the task list parsed out of the plan.
type StoryTask struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"high,medium,low"`
}
