package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storyline/internal/capability"
	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/repo"
	"storyline/internal/stage"
)

// Engine drives stories through the pipeline. All mutable process state is
// the background task table (here) and the broker's subscriber table; both
// are keyed by round id and mutex guarded.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Caps   *capability.Registry
	Broker *events.Broker
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time

	// WorkRoot is where per-round checkouts live.
	WorkRoot string

	tasks taskTable
}

func New(db *sql.DB, cfg *config.Config, caps *capability.Registry, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	return &Engine{
		DB:     db,
		Repo:   r,
		Caps:   caps,
		Broker: events.NewBroker(r),
		Config: cfg,
		Log:    log,
		Now:    time.Now,
		tasks:  newTaskTable(),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) workRoot() string {
	if e.WorkRoot != "" {
		return e.WorkRoot
	}
	return filepath.Join(os.TempDir(), "storyline")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (e *Engine) branchName(storyID string, roundNumber int) string {
	prefix := "sl"
	if e.Config != nil && e.Config.Engine.BranchPrefix != "" {
		prefix = e.Config.Engine.BranchPrefix
	}
	return fmt.Sprintf("%s/%s/round-%d", prefix, shortID(storyID), roundNumber)
}

// CreateProject registers a project.
func (e *Engine) CreateProject(ctx context.Context, name, repoURL, description string) (domain.Project, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Project{}, errors.New("name is required")
	}
	p := domain.Project{
		ID:          uuid.New().String(),
		Name:        name,
		RepoURL:     repoURL,
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// SetCapabilityOverride stores a per-project capability binding shadowing
// the global default.
func (e *Engine) SetCapabilityOverride(ctx context.Context, projectID, capName, provider string, settings map[string]string, disabled bool) (domain.CapabilityOverride, error) {
	known := false
	for _, c := range config.KnownCapabilities {
		if c == capName {
			known = true
			break
		}
	}
	if !known {
		return domain.CapabilityOverride{}, fmt.Errorf("unknown capability %q", capName)
	}
	if provider == "" && !disabled {
		return domain.CapabilityOverride{}, errors.New("provider is required unless the capability is disabled")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.CapabilityOverride{}, err
	}
	ov := domain.CapabilityOverride{
		ProjectID:  projectID,
		Capability: capName,
		Provider:   provider,
		Settings:   settings,
		Disabled:   disabled,
		UpdatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.UpsertCapabilityOverride(ctx, ov); err != nil {
		return domain.CapabilityOverride{}, err
	}
	return ov, nil
}

// CreateStory creates a story at the preparing stage together with its first
// round, so the message log has a home from the first advance on.
func (e *Engine) CreateStory(ctx context.Context, projectID, title, rawInput string) (domain.Story, error) {
	if strings.TrimSpace(rawInput) == "" {
		return domain.Story{}, errors.New("raw input is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Story{}, err
	}
	if title == "" {
		title = firstLine(rawInput)
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Story{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Title:     title,
		Stage:     domain.StagePreparing,
		RawInput:  rawInput,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rd := domain.Round{
		ID:         uuid.New().String(),
		StoryID:    s.ID,
		Number:     1,
		Type:       domain.RoundTypeInitial,
		Status:     domain.RoundStatusActive,
		BranchName: e.branchName(s.ID, 1),
		CreatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStory(ctx, tx, s); err != nil {
		return domain.Story{}, fmt.Errorf("insert story: %w", err)
	}
	if err := e.Repo.InsertRound(ctx, tx, rd); err != nil {
		return domain.Story{}, fmt.Errorf("insert round: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	return s, nil
}

func firstLine(s string) string {
	line := strings.TrimSpace(s)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if len(line) > 80 {
		line = line[:80]
	}
	return line
}

func ensureStageTransition(from, to domain.Stage) error {
	switch from {
	case domain.StagePreparing:
		if to == domain.StageClarifying {
			return nil
		}
	case domain.StageClarifying:
		if to == domain.StagePlanning {
			return nil
		}
	case domain.StagePlanning:
		if to == domain.StageDesigning {
			return nil
		}
	case domain.StageDesigning:
		if to == domain.StageCoding {
			return nil
		}
	case domain.StageCoding:
		if to == domain.StageVerifying {
			return nil
		}
	case domain.StageVerifying:
		// done via confirm, coding via iterate, designing via restart.
		if to == domain.StageDone || to == domain.StageCoding || to == domain.StageDesigning {
			return nil
		}
	}
	return TransitionError{From: from, To: to}
}

// AdvanceResult reports what an advance did. Background means a task was
// started and the outcome will arrive on the round's stream.
type AdvanceResult struct {
	Story      domain.Story
	Background bool
	TaskName   string
	Warnings   []string
}

// Advance runs the current stage's contract against the human's payload.
// Every step must pass before anything is committed: preflight, then
// preconditions, then execution, then postconditions.
func (e *Engine) Advance(ctx context.Context, storyID string, payload stage.AdvancePayload) (AdvanceResult, error) {
	sc, contract, err := e.prepareContext(ctx, storyID, payload)
	if err != nil {
		return AdvanceResult{}, err
	}

	res, err := contract.Execute(ctx, sc)
	if err != nil {
		return AdvanceResult{}, ExecutionError{Stage: contract.Name(), Err: err}
	}

	if res.Background != nil {
		if err := e.startBackground(contract, sc, res.Background); err != nil {
			return AdvanceResult{}, err
		}
		return AdvanceResult{
			Story:      sc.Story,
			Background: true,
			TaskName:   res.Background.Name,
			Warnings:   sc.Warnings,
		}, nil
	}

	if problems := contract.CheckPostconditions(sc, res); len(problems) > 0 {
		return AdvanceResult{}, PostconditionError{Stage: contract.Name(), Problems: problems}
	}
	story, err := e.commit(ctx, sc, contract.Name(), res)
	if err != nil {
		return AdvanceResult{}, err
	}
	return AdvanceResult{Story: story, Warnings: sc.Warnings}, nil
}

// prepareContext loads the story, runs preflight, resolves capabilities, and
// checks preconditions. Nothing is mutated on any failure path.
func (e *Engine) prepareContext(ctx context.Context, storyID string, payload stage.AdvancePayload) (*stage.Context, stage.Contract, error) {
	story, err := e.Repo.GetStory(ctx, storyID)
	if err != nil {
		return nil, nil, err
	}
	if story.Stage == domain.StageDone {
		return nil, nil, TransitionError{From: domain.StageDone, Reason: "story is complete"}
	}
	contract, ok := stage.For(story.Stage)
	if !ok {
		return nil, nil, TransitionError{From: story.Stage, Reason: "no contract for stage"}
	}
	project, err := e.Repo.GetProject(ctx, story.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	round, err := e.Repo.ActiveRound(ctx, storyID)
	if err != nil {
		return nil, nil, fmt.Errorf("active round for story %s: %w", storyID, err)
	}

	report := e.Caps.Preflight(ctx, project.ID, contract.Required(), contract.Optional())
	if !report.OK() {
		return nil, nil, CapabilityError{Stage: contract.Name(), Problems: report.Errors}
	}

	sc := &stage.Context{
		Story:          story,
		Project:        project,
		Round:          round,
		Payload:        payload,
		Warnings:       report.Warnings,
		ReuseUnchanged: e.Config != nil && e.Config.Engine.ReuseUnchanged,
		WorkDir:        filepath.Join(e.workRoot(), round.ID),
	}
	if err := e.resolveCapabilities(ctx, contract, project.ID, sc); err != nil {
		return nil, nil, err
	}
	if pr, err := e.Repo.LatestOpenPullRequest(ctx, round.ID); err == nil {
		sc.OpenPR = &pr
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, nil, err
	}

	if problems := contract.CheckPreconditions(sc); len(problems) > 0 {
		return nil, nil, PreconditionError{Stage: contract.Name(), Problems: problems}
	}
	return sc, contract, nil
}

// resolveCapabilities fills the typed handles. Required ones must resolve
// (preflight already vouched for them); optional ones are left nil when
// absent or unhealthy.
func (e *Engine) resolveCapabilities(ctx context.Context, contract stage.Contract, projectID string, sc *stage.Context) error {
	for _, name := range contract.Required() {
		if err := e.assignCapability(ctx, name, projectID, sc); err != nil {
			return CapabilityError{Stage: contract.Name(), Problems: []string{err.Error()}}
		}
	}
	for _, name := range contract.Optional() {
		status, err := e.Caps.Health(ctx, name, projectID, false)
		if err != nil || !status.Healthy {
			continue
		}
		if err := e.assignCapability(ctx, name, projectID, sc); err != nil {
			e.Log.Warn("optional capability skipped",
				zap.String("capability", string(name)), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) assignCapability(ctx context.Context, name capability.Name, projectID string, sc *stage.Context) error {
	switch name {
	case capability.NameAgent:
		a, err := e.Caps.ResolveAgent(ctx, projectID)
		if err != nil {
			return err
		}
		sc.Agent = a
	case capability.NameSCM:
		s, err := e.Caps.ResolveSCM(ctx, projectID)
		if err != nil {
			return err
		}
		sc.SCM = s
	case capability.NameCI:
		c, err := e.Caps.ResolveCI(ctx, projectID)
		if err != nil {
			return err
		}
		sc.CI = c
	default:
		// Slots without a typed handle (doc, sandbox, notification) are
		// resolved only for health; stages reach them via the registry.
		_, err := e.Caps.Resolve(ctx, name, projectID)
		return err
	}
	return nil
}

// commit applies a stage result: artifacts, input hash, stage transition,
// round bookkeeping, all in one transaction; doc-updated events follow.
func (e *Engine) commit(ctx context.Context, sc *stage.Context, from domain.Stage, res stage.Result) (domain.Story, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()

	story, err := e.Repo.GetStoryTx(ctx, tx, sc.Story.ID)
	if err != nil {
		return domain.Story{}, err
	}
	if story.Stage != from {
		return domain.Story{}, TransitionError{From: from, To: story.Stage, Reason: "story moved while work was in flight"}
	}

	var changed []string
	for key, value := range res.Artifacts {
		if applyArtifact(&story, key, value) {
			changed = append(changed, key)
		}
	}
	if len(res.Artifacts) > 0 && sc.Payload.Action != stage.ActionConfirm {
		story.InputHashesJSON = stage.WithHash(story, from, stage.InputHash(from, story))
	}

	now := e.now().UTC().Format(time.RFC3339)
	if res.NextStage != "" {
		if err := ensureStageTransition(story.Stage, res.NextStage); err != nil {
			return domain.Story{}, err
		}
		story.Stage = res.NextStage
	}
	story.UpdatedAt = now
	if err := e.Repo.UpdateStory(ctx, tx, story); err != nil {
		return domain.Story{}, err
	}

	for _, pr := range sc.PRs {
		if err := e.Repo.InsertPullRequest(ctx, tx, domain.PullRequest{
			ID:        uuid.New().String(),
			RoundID:   sc.Round.ID,
			RepoURL:   sc.Project.RepoURL,
			Number:    pr.Number,
			URL:       pr.URL,
			Status:    domain.PRStatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return domain.Story{}, fmt.Errorf("insert pull request: %w", err)
		}
	}

	if res.NextStage == domain.StageDone {
		if sc.OpenPR != nil {
			if err := e.Repo.UpdatePullRequestStatus(ctx, tx, sc.OpenPR.ID, domain.PRStatusMerged, now); err != nil {
				return domain.Story{}, err
			}
		}
		if err := e.Repo.CloseRound(ctx, tx, sc.Round.ID, "completed", now); err != nil {
			return domain.Story{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}

	for _, key := range changed {
		if _, err := e.Broker.Publish(ctx, sc.Round.ID, domain.MessageDocUpdated, key); err != nil {
			e.Log.Warn("publish doc-updated", zap.String("artifact", key), zap.Error(err))
		}
	}
	return story, nil
}

func applyArtifact(story *domain.Story, key, value string) bool {
	var field *string
	switch key {
	case stage.ArtifactRequirement:
		field = &story.Requirement
	case stage.ArtifactClarificationNotes:
		field = &story.ClarificationNotes
	case stage.ArtifactConfirmedRequirement:
		field = &story.ConfirmedRequirement
	case stage.ArtifactPlan:
		field = &story.Plan
	case stage.ArtifactTasks:
		field = &story.TasksJSON
	case stage.ArtifactDesign:
		field = &story.Design
	default:
		return false
	}
	if *field == value {
		return false
	}
	*field = value
	return true
}

// Rollback moves a verifying story back. iterate keeps the round and returns
// to coding; restart closes the round, opens the next one on a fresh branch,
// and returns to designing.
func (e *Engine) Rollback(ctx context.Context, storyID, mode string) (domain.Story, error) {
	story, err := e.Repo.GetStory(ctx, storyID)
	if err != nil {
		return domain.Story{}, err
	}
	if story.Stage != domain.StageVerifying {
		return domain.Story{}, TransitionError{From: story.Stage, Reason: "rollback is only legal at verifying"}
	}
	round, err := e.Repo.ActiveRound(ctx, storyID)
	if err != nil {
		return domain.Story{}, err
	}
	if name, running := e.tasks.running(round.ID); running {
		return domain.Story{}, ConflictError{RoundID: round.ID, TaskName: name}
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()

	switch mode {
	case domain.RoundTypeIterate:
		story.Stage = domain.StageCoding
	case domain.RoundTypeRestart:
		if err := e.Repo.CloseRound(ctx, tx, round.ID, "restart", now); err != nil {
			return domain.Story{}, err
		}
		// Number from the table, not the loaded round: concurrent restarts
		// must not hand out the same round number twice.
		maxNum, err := e.Repo.MaxRoundNumber(ctx, tx, storyID)
		if err != nil {
			return domain.Story{}, err
		}
		next := domain.Round{
			ID:         uuid.New().String(),
			StoryID:    storyID,
			Number:     maxNum + 1,
			Type:       domain.RoundTypeRestart,
			Status:     domain.RoundStatusActive,
			BranchName: e.branchName(storyID, maxNum+1),
			CreatedAt:  now,
		}
		if err := e.Repo.InsertRound(ctx, tx, next); err != nil {
			return domain.Story{}, err
		}
		story.Stage = domain.StageDesigning
	default:
		return domain.Story{}, fmt.Errorf("unknown rollback mode %q (want %s or %s)", mode, domain.RoundTypeIterate, domain.RoundTypeRestart)
	}

	story.UpdatedAt = now
	if err := e.Repo.UpdateStory(ctx, tx, story); err != nil {
		return domain.Story{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	return story, nil
}

// Stop cancels the active round's background task. Stopping a story with
// nothing running is a no-op.
func (e *Engine) Stop(ctx context.Context, storyID string) (bool, error) {
	round, err := e.Repo.ActiveRound(ctx, storyID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return e.tasks.cancel(round.ID), nil
}

// Preflight reports readiness for the story's current stage without running
// anything.
func (e *Engine) Preflight(ctx context.Context, storyID string) (capability.Report, error) {
	story, err := e.Repo.GetStory(ctx, storyID)
	if err != nil {
		return capability.Report{}, err
	}
	contract, ok := stage.For(story.Stage)
	if !ok {
		return capability.Report{Checks: []capability.Check{}}, nil
	}
	return e.Caps.Preflight(ctx, story.ProjectID, contract.Required(), contract.Optional()), nil
}

// Subscribe attaches to the story's active round stream: full history first,
// then live messages.
func (e *Engine) Subscribe(ctx context.Context, storyID string) (domain.Round, []domain.RoundMessage, <-chan domain.RoundMessage, func(), error) {
	round, err := e.Repo.ActiveRound(ctx, storyID)
	if err != nil {
		return domain.Round{}, nil, nil, nil, err
	}
	history, ch, cancel, err := e.Broker.Subscribe(ctx, round.ID)
	if err != nil {
		return domain.Round{}, nil, nil, nil, err
	}
	return round, history, ch, cancel, nil
}
