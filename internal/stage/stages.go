package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"storyline/internal/capability"
	"storyline/internal/domain"
)

func storyArtifact(story domain.Story, key string) string {
	switch key {
	case ArtifactRequirement:
		return story.Requirement
	case ArtifactClarificationNotes:
		return story.ClarificationNotes
	case ArtifactConfirmedRequirement:
		return story.ConfirmedRequirement
	case ArtifactPlan:
		return story.Plan
	case ArtifactTasks:
		return story.TasksJSON
	case ArtifactDesign:
		return story.Design
	}
	return ""
}

// generate builds the background unit for a document-producing stage. When
// ReuseUnchanged is on and the stage inputs are unchanged since the last run,
// the existing artifact is returned synchronously instead.
func generate(sc *Context, s domain.Stage, kind, artifactKey string) Result {
	if sc.ReuseUnchanged && sc.Payload.Action == ActionGenerate {
		if existing := storyArtifact(sc.Story, artifactKey); existing != "" &&
			StoredHash(sc.Story, s) == InputHash(s, sc.Story) {
			return Result{Artifacts: map[string]string{artifactKey: existing}}
		}
	}
	agent := sc.Agent
	req := capability.AgentRequest{
		Kind:     kind,
		Story:    sc.Story,
		Feedback: sc.Payload.Feedback,
		Answers:  sc.Payload.Answers,
	}
	return Result{Background: &BackgroundSpec{
		Name: "generate-" + kind,
		Run: func(ctx context.Context, emit capability.EmitFunc) (map[string]string, error) {
			doc, err := agent.Generate(ctx, req, emit)
			if err != nil {
				return nil, err
			}
			return map[string]string{artifactKey: doc}, nil
		},
	}}
}

func emptyArtifact(res Result, key string) bool {
	v, ok := res.Artifacts[key]
	return ok && strings.TrimSpace(v) == ""
}

func artifactOr(res Result, key, fallback string) string {
	if v, ok := res.Artifacts[key]; ok && v != "" {
		return v
	}
	return fallback
}

// --- preparing ---

type preparing struct{}

func (preparing) Name() domain.Stage          { return domain.StagePreparing }
func (preparing) Required() []capability.Name { return []capability.Name{capability.NameAgent} }
func (preparing) Optional() []capability.Name { return []capability.Name{capability.NameDoc} }

func (preparing) CheckPreconditions(sc *Context) []string {
	if strings.TrimSpace(sc.Story.RawInput) == "" {
		return []string{"raw input is empty"}
	}
	return nil
}

func (preparing) Execute(ctx context.Context, sc *Context) (Result, error) {
	if sc.Payload.Action == ActionConfirm {
		req := sc.Payload.Content
		if req == "" {
			req = sc.Story.Requirement
		}
		return Result{
			Artifacts: map[string]string{ArtifactRequirement: req},
			NextStage: domain.StageClarifying,
		}, nil
	}
	return generate(sc, domain.StagePreparing, "requirement", ArtifactRequirement), nil
}

func (preparing) CheckPostconditions(sc *Context, res Result) []string {
	if res.Background != nil {
		return nil
	}
	if emptyArtifact(res, ArtifactRequirement) {
		return []string{"requirement document is empty"}
	}
	if res.NextStage == domain.StageClarifying && artifactOr(res, ArtifactRequirement, sc.Story.Requirement) == "" {
		return []string{"requirement not ready"}
	}
	return nil
}

// --- clarifying ---

type clarifying struct{}

func (clarifying) Name() domain.Stage          { return domain.StageClarifying }
func (clarifying) Required() []capability.Name { return []capability.Name{capability.NameAgent} }
func (clarifying) Optional() []capability.Name { return []capability.Name{capability.NameSCM} }

func (clarifying) CheckPreconditions(sc *Context) []string {
	if sc.Story.Requirement == "" {
		return []string{"requirement not ready"}
	}
	return nil
}

func (clarifying) Execute(ctx context.Context, sc *Context) (Result, error) {
	if sc.Payload.Action == ActionConfirm {
		confirmed := sc.Payload.Content
		if confirmed == "" {
			confirmed = sc.Story.Requirement
			if sc.Payload.Answers != "" {
				confirmed += "\n\n## Clarifications\n\n" + sc.Payload.Answers
			}
		}
		return Result{
			Artifacts: map[string]string{ArtifactConfirmedRequirement: confirmed},
			NextStage: domain.StagePlanning,
		}, nil
	}
	return generate(sc, domain.StageClarifying, "clarification", ArtifactClarificationNotes), nil
}

func (clarifying) CheckPostconditions(sc *Context, res Result) []string {
	if res.Background != nil {
		return nil
	}
	if emptyArtifact(res, ArtifactClarificationNotes) {
		return []string{"clarification questions are empty"}
	}
	if res.NextStage == domain.StagePlanning && artifactOr(res, ArtifactConfirmedRequirement, sc.Story.ConfirmedRequirement) == "" {
		return []string{"confirmed requirement not ready"}
	}
	return nil
}

// --- planning ---

type planning struct{}

func (planning) Name() domain.Stage { return domain.StagePlanning }
func (planning) Required() []capability.Name {
	return []capability.Name{capability.NameAgent, capability.NameSCM}
}
func (planning) Optional() []capability.Name { return nil }

func (planning) CheckPreconditions(sc *Context) []string {
	if sc.Story.ConfirmedRequirement == "" {
		return []string{"confirmed requirement not ready"}
	}
	return nil
}

func (planning) Execute(ctx context.Context, sc *Context) (Result, error) {
	if sc.Payload.Action == ActionConfirm {
		plan := sc.Payload.Content
		if plan == "" {
			plan = sc.Story.Plan
		}
		tasks := ParseTasks(plan)
		tasksJSON, err := json.Marshal(tasks)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Artifacts: map[string]string{
				ArtifactPlan:  plan,
				ArtifactTasks: string(tasksJSON),
			},
			NextStage: domain.StageDesigning,
		}, nil
	}
	return generate(sc, domain.StagePlanning, "plan", ArtifactPlan), nil
}

func (planning) CheckPostconditions(sc *Context, res Result) []string {
	if res.Background != nil {
		return nil
	}
	if emptyArtifact(res, ArtifactPlan) {
		return []string{"plan document is empty"}
	}
	if res.NextStage == domain.StageDesigning {
		var problems []string
		if artifactOr(res, ArtifactPlan, sc.Story.Plan) == "" {
			problems = append(problems, "plan not ready")
		}
		if !hasTasks(artifactOr(res, ArtifactTasks, sc.Story.TasksJSON)) {
			problems = append(problems, "task list is empty")
		}
		return problems
	}
	return nil
}

func hasTasks(tasksJSON string) bool {
	if tasksJSON == "" {
		return false
	}
	var tasks []domain.StoryTask
	if err := json.Unmarshal([]byte(tasksJSON), &tasks); err != nil {
		return false
	}
	return len(tasks) > 0
}

// --- designing ---

type designing struct{}

func (designing) Name() domain.Stage { return domain.StageDesigning }
func (designing) Required() []capability.Name {
	return []capability.Name{capability.NameAgent, capability.NameSCM}
}
func (designing) Optional() []capability.Name { return nil }

func (designing) CheckPreconditions(sc *Context) []string {
	// Without a plan the task list cannot be judged; report the one problem
	// the human can actually fix.
	if sc.Story.Plan == "" {
		return []string{"plan not ready"}
	}
	if !hasTasks(sc.Story.TasksJSON) {
		return []string{"task list is empty"}
	}
	return nil
}

func (designing) Execute(ctx context.Context, sc *Context) (Result, error) {
	if sc.Payload.Action == ActionConfirm {
		design := sc.Payload.Content
		if design == "" {
			design = sc.Story.Design
		}
		return Result{
			Artifacts: map[string]string{ArtifactDesign: design},
			NextStage: domain.StageCoding,
		}, nil
	}
	return generate(sc, domain.StageDesigning, "design", ArtifactDesign), nil
}

func (designing) CheckPostconditions(sc *Context, res Result) []string {
	if res.Background != nil {
		return nil
	}
	if emptyArtifact(res, ArtifactDesign) {
		return []string{"design document is empty"}
	}
	if res.NextStage == domain.StageCoding && artifactOr(res, ArtifactDesign, sc.Story.Design) == "" {
		return []string{"design not ready"}
	}
	return nil
}

// --- coding ---

type coding struct{}

func (coding) Name() domain.Stage { return domain.StageCoding }
func (coding) Required() []capability.Name {
	return []capability.Name{capability.NameAgent, capability.NameSCM}
}
func (coding) Optional() []capability.Name { return []capability.Name{capability.NameCI} }

func (coding) CheckPreconditions(sc *Context) []string {
	var problems []string
	if sc.Story.Design == "" {
		problems = append(problems, "design not ready")
	}
	if sc.Project.RepoURL == "" {
		problems = append(problems, "project repo url not set")
	}
	return problems
}

func (coding) Execute(ctx context.Context, sc *Context) (Result, error) {
	scm := sc.SCM
	agent := sc.Agent
	ci := sc.CI
	repoURL := sc.Project.RepoURL
	dir := sc.WorkDir
	branch := sc.Round.BranchName
	story := sc.Story
	openPR := sc.OpenPR
	feedback := sc.Payload.Feedback

	return Result{Background: &BackgroundSpec{
		Name: "code-round",
		Before: func(ctx context.Context, emit capability.EmitFunc) error {
			if err := scm.Clone(ctx, repoURL, dir); err != nil {
				return fmt.Errorf("clone %s: %w", repoURL, err)
			}
			if err := scm.CreateBranch(ctx, dir, branch); err != nil {
				return fmt.Errorf("create branch %s: %w", branch, err)
			}
			emit(domain.MessageToolUse, "checked out branch "+branch)
			// An iterate round carries an open PR; the reviewer's comments
			// become part of the agent's brief.
			if openPR != nil {
				comments, err := scm.GetReviewComments(ctx, openPR.RepoURL, openPR.Number)
				if err != nil {
					return fmt.Errorf("review comments for #%d: %w", openPR.Number, err)
				}
				if len(comments) > 0 {
					feedback = withReviewComments(feedback, comments)
					emit(domain.MessageToolUse, fmt.Sprintf("collected %d review comments from pull request #%d", len(comments), openPR.Number))
				}
			}
			return nil
		},
		Run: func(ctx context.Context, emit capability.EmitFunc) (map[string]string, error) {
			return nil, agent.Code(ctx, capability.CodeRequest{
				Story:    story,
				WorkDir:  dir,
				Feedback: feedback,
			}, emit)
		},
		After: func(ctx context.Context, emit capability.EmitFunc, _ map[string]string) error {
			if err := scm.CommitAndPush(ctx, dir, branch, "implement "+story.Title); err != nil {
				return fmt.Errorf("push branch %s: %w", branch, err)
			}
			if openPR != nil {
				// Same round, same branch: the push updated the existing PR.
				emit(domain.MessageToolUse, fmt.Sprintf("pushed update to pull request #%d", openPR.Number))
			} else {
				pr, err := scm.CreatePullRequest(ctx, repoURL, branch, story.Title, story.Design)
				if err != nil {
					return fmt.Errorf("create pull request: %w", err)
				}
				sc.RecordPR(pr)
				emit(domain.MessageToolUse, "opened pull request "+pr.URL)
			}
			if ci != nil {
				if err := ci.TriggerPipeline(ctx, repoURL, branch); err != nil {
					// CI is optional here; the PR is already open.
					emit(domain.MessageError, "ci trigger failed: "+err.Error())
				}
			}
			return nil
		},
		NextStage: domain.StageVerifying,
	}}, nil
}

func withReviewComments(feedback string, comments []string) string {
	section := "## Review comments\n\n- " + strings.Join(comments, "\n- ")
	if feedback == "" {
		return section
	}
	return feedback + "\n\n" + section
}

func (coding) CheckPostconditions(sc *Context, res Result) []string {
	if res.Background != nil {
		return nil
	}
	// An iterate re-run updates the round's existing pull request instead of
	// recording a new one.
	if len(sc.PRs) == 0 && sc.OpenPR == nil {
		return []string{"no pull request created"}
	}
	return nil
}

// --- verifying ---

type verifying struct{}

func (verifying) Name() domain.Stage          { return domain.StageVerifying }
func (verifying) Required() []capability.Name { return []capability.Name{capability.NameSCM} }
func (verifying) Optional() []capability.Name {
	return []capability.Name{capability.NameCI, capability.NameSandbox}
}

func (verifying) CheckPreconditions(sc *Context) []string {
	if sc.OpenPR == nil {
		return []string{"no open pull request for the active round"}
	}
	return nil
}

func (verifying) Execute(ctx context.Context, sc *Context) (Result, error) {
	switch sc.Payload.Action {
	case ActionConfirm:
		status, err := sc.SCM.PullRequestStatus(ctx, sc.OpenPR.RepoURL, sc.OpenPR.Number)
		if err != nil {
			return Result{}, fmt.Errorf("pull request #%d status: %w", sc.OpenPR.Number, err)
		}
		switch status {
		case domain.PRStatusMerged:
			// Merged on the host already; nothing left to do.
		case domain.PRStatusClosed:
			return Result{}, fmt.Errorf("pull request #%d was closed without merging", sc.OpenPR.Number)
		default:
			if err := sc.SCM.MergePullRequest(ctx, sc.OpenPR.RepoURL, sc.OpenPR.Number); err != nil {
				return Result{}, fmt.Errorf("merge pull request #%d: %w", sc.OpenPR.Number, err)
			}
		}
		return Result{NextStage: domain.StageDone}, nil
	case ActionReject:
		return Result{}, errors.New("use rollback to iterate or restart at verifying")
	default:
		// Review happens on the PR; report where it stands.
		status, err := sc.SCM.PullRequestStatus(ctx, sc.OpenPR.RepoURL, sc.OpenPR.Number)
		if err != nil {
			return Result{}, fmt.Errorf("pull request #%d status: %w", sc.OpenPR.Number, err)
		}
		sc.Warnings = append(sc.Warnings, fmt.Sprintf("pull request #%d is %s", sc.OpenPR.Number, status))
		return Result{}, nil
	}
}

func (verifying) CheckPostconditions(sc *Context, res Result) []string {
	// Verification output is the merged PR itself; nothing to validate here.
	return nil
}
