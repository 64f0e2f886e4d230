package stage_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"storyline/internal/capability"
	"storyline/internal/domain"
	"storyline/internal/stage"
)

// stubSCM answers pull request queries with canned values.
type stubSCM struct {
	status   string
	comments []string
	merged   []int
}

func (s *stubSCM) Name() string { return "stub" }
func (s *stubSCM) Health(ctx context.Context) domain.HealthStatus {
	return domain.HealthStatus{Healthy: true}
}
func (s *stubSCM) Clone(ctx context.Context, repoURL, dir string) error       { return nil }
func (s *stubSCM) CreateBranch(ctx context.Context, dir, branch string) error { return nil }
func (s *stubSCM) CommitAndPush(ctx context.Context, dir, branch, message string) error {
	return nil
}
func (s *stubSCM) CreatePullRequest(ctx context.Context, repoURL, branch, title, body string) (capability.PullRequestInfo, error) {
	return capability.PullRequestInfo{Number: 1}, nil
}
func (s *stubSCM) MergePullRequest(ctx context.Context, repoURL string, number int) error {
	s.merged = append(s.merged, number)
	return nil
}
func (s *stubSCM) PullRequestStatus(ctx context.Context, repoURL string, number int) (string, error) {
	if s.status == "" {
		return domain.PRStatusOpen, nil
	}
	return s.status, nil
}
func (s *stubSCM) GetReviewComments(ctx context.Context, repoURL string, number int) ([]string, error) {
	return s.comments, nil
}

func contractFor(t *testing.T, s domain.Stage) stage.Contract {
	t.Helper()
	c, ok := stage.For(s)
	if !ok {
		t.Fatalf("no contract for stage %s", s)
	}
	return c
}

func TestForDoneHasNoContract(t *testing.T) {
	if _, ok := stage.For(domain.StageDone); ok {
		t.Fatal("done must not have a contract")
	}
}

func TestPreparingPreconditions(t *testing.T) {
	c := contractFor(t, domain.StagePreparing)
	sc := &stage.Context{Story: domain.Story{RawInput: "   "}}
	if problems := c.CheckPreconditions(sc); len(problems) != 1 {
		t.Fatalf("problems = %v, want blank raw input rejected", problems)
	}
	sc.Story.RawInput = "build a widget"
	if problems := c.CheckPreconditions(sc); len(problems) != 0 {
		t.Fatalf("problems = %v, want none", problems)
	}
}

func TestPreparingConfirmUsesExistingRequirement(t *testing.T) {
	c := contractFor(t, domain.StagePreparing)
	sc := &stage.Context{
		Story:   domain.Story{RawInput: "x", Requirement: "## Requirement\n\nexisting"},
		Payload: stage.AdvancePayload{Action: stage.ActionConfirm},
	}
	res, err := c.Execute(context.Background(), sc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.NextStage != domain.StageClarifying {
		t.Fatalf("next = %s, want clarifying", res.NextStage)
	}
	if res.Artifacts[stage.ArtifactRequirement] != sc.Story.Requirement {
		t.Fatalf("artifact = %q, want the existing requirement kept", res.Artifacts[stage.ArtifactRequirement])
	}
	if problems := c.CheckPostconditions(sc, res); len(problems) != 0 {
		t.Fatalf("postconditions = %v, want none", problems)
	}
}

func TestClarifyingConfirmAppendsAnswers(t *testing.T) {
	c := contractFor(t, domain.StageClarifying)
	sc := &stage.Context{
		Story:   domain.Story{Requirement: "the requirement"},
		Payload: stage.AdvancePayload{Action: stage.ActionConfirm, Answers: "linux only"},
	}
	res, err := c.Execute(context.Background(), sc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	confirmed := res.Artifacts[stage.ArtifactConfirmedRequirement]
	if !strings.Contains(confirmed, "the requirement") || !strings.Contains(confirmed, "linux only") {
		t.Fatalf("confirmed = %q, want requirement plus answers", confirmed)
	}
	if res.NextStage != domain.StagePlanning {
		t.Fatalf("next = %s, want planning", res.NextStage)
	}
}

func TestPlanningConfirmParsesTasks(t *testing.T) {
	c := contractFor(t, domain.StagePlanning)
	plan := "## Plan\n\nShip it.\n\n## Tasks\n\n1. Wire the endpoint - expose the operation (priority: high)\n2. Write tests"
	sc := &stage.Context{
		Story:   domain.Story{ConfirmedRequirement: "req", Plan: plan},
		Payload: stage.AdvancePayload{Action: stage.ActionConfirm},
	}
	res, err := c.Execute(context.Background(), sc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if problems := c.CheckPostconditions(sc, res); len(problems) != 0 {
		t.Fatalf("postconditions = %v, want none", problems)
	}

	var tasks []domain.StoryTask
	if err := json.Unmarshal([]byte(res.Artifacts[stage.ArtifactTasks]), &tasks); err != nil {
		t.Fatalf("tasks json: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %v, want 2", tasks)
	}
	if tasks[0].Title != "Wire the endpoint" || tasks[0].Priority != "high" || tasks[0].Description != "expose the operation" {
		t.Fatalf("first task = %+v", tasks[0])
	}
}

func TestPlanningConfirmRejectsEmptyTaskList(t *testing.T) {
	c := contractFor(t, domain.StagePlanning)
	sc := &stage.Context{
		Story:   domain.Story{ConfirmedRequirement: "req", Plan: "Just prose, no list."},
		Payload: stage.AdvancePayload{Action: stage.ActionConfirm},
	}
	res, err := c.Execute(context.Background(), sc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	problems := c.CheckPostconditions(sc, res)
	found := false
	for _, p := range problems {
		if strings.Contains(p, "task list") {
			found = true
		}
	}
	if !found {
		t.Fatalf("problems = %v, want empty task list reported", problems)
	}
}

func TestDesigningPreconditions(t *testing.T) {
	c := contractFor(t, domain.StageDesigning)

	sc := &stage.Context{Story: domain.Story{}}
	problems := c.CheckPreconditions(sc)
	if len(problems) != 1 || !strings.Contains(problems[0], "plan") {
		t.Fatalf("problems = %v, want missing plan only", problems)
	}

	sc.Story.Plan = "a plan"
	problems = c.CheckPreconditions(sc)
	if len(problems) != 1 || !strings.Contains(problems[0], "task list") {
		t.Fatalf("problems = %v, want empty task list", problems)
	}

	sc.Story.TasksJSON = `[{"title":"one"}]`
	if problems := c.CheckPreconditions(sc); len(problems) != 0 {
		t.Fatalf("problems = %v, want none", problems)
	}
}

func TestVerifyingNeedsOpenPullRequest(t *testing.T) {
	c := contractFor(t, domain.StageVerifying)
	sc := &stage.Context{Story: domain.Story{Stage: domain.StageVerifying}}
	if problems := c.CheckPreconditions(sc); len(problems) != 1 {
		t.Fatalf("problems = %v, want missing pull request", problems)
	}
	sc.OpenPR = &domain.PullRequest{Number: 3}
	if problems := c.CheckPreconditions(sc); len(problems) != 0 {
		t.Fatalf("problems = %v, want none", problems)
	}
}

func TestVerifyingRejectPointsAtRollback(t *testing.T) {
	c := contractFor(t, domain.StageVerifying)
	sc := &stage.Context{
		Payload: stage.AdvancePayload{Action: stage.ActionReject},
		OpenPR:  &domain.PullRequest{Number: 3},
	}
	_, err := c.Execute(context.Background(), sc)
	if err == nil || !strings.Contains(err.Error(), "rollback") {
		t.Fatalf("err = %v, want rollback guidance", err)
	}
}

func TestVerifyingDefaultReportsPullRequestStatus(t *testing.T) {
	c := contractFor(t, domain.StageVerifying)
	sc := &stage.Context{
		SCM:    &stubSCM{},
		OpenPR: &domain.PullRequest{Number: 3},
	}
	res, err := c.Execute(context.Background(), sc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.NextStage != "" || res.Background != nil {
		t.Fatalf("res = %+v, want no transition and no task", res)
	}
	if len(sc.Warnings) != 1 || !strings.Contains(sc.Warnings[0], "#3") || !strings.Contains(sc.Warnings[0], domain.PRStatusOpen) {
		t.Fatalf("warnings = %v, want the pull request status reported", sc.Warnings)
	}
}

func TestVerifyingConfirmSkipsMergeWhenAlreadyMerged(t *testing.T) {
	c := contractFor(t, domain.StageVerifying)
	scm := &stubSCM{status: domain.PRStatusMerged}
	sc := &stage.Context{
		SCM:     scm,
		OpenPR:  &domain.PullRequest{Number: 3},
		Payload: stage.AdvancePayload{Action: stage.ActionConfirm},
	}
	res, err := c.Execute(context.Background(), sc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.NextStage != domain.StageDone {
		t.Fatalf("next = %s, want done", res.NextStage)
	}
	if len(scm.merged) != 0 {
		t.Fatalf("merged = %v, want no merge call for an already merged pull request", scm.merged)
	}
}

func TestVerifyingConfirmRejectsClosedPullRequest(t *testing.T) {
	c := contractFor(t, domain.StageVerifying)
	sc := &stage.Context{
		SCM:     &stubSCM{status: domain.PRStatusClosed},
		OpenPR:  &domain.PullRequest{Number: 3},
		Payload: stage.AdvancePayload{Action: stage.ActionConfirm},
	}
	_, err := c.Execute(context.Background(), sc)
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("err = %v, want closed pull request rejected", err)
	}
}

func TestInputHashTracksInputs(t *testing.T) {
	story := domain.Story{RawInput: "one"}
	h1 := stage.InputHash(domain.StagePreparing, story)
	story.RawInput = "two"
	h2 := stage.InputHash(domain.StagePreparing, story)
	if h1 == "" || h1 == h2 {
		t.Fatalf("hashes %q vs %q, want distinct non-empty", h1, h2)
	}

	story.InputHashesJSON = stage.WithHash(story, domain.StagePreparing, h2)
	if got := stage.StoredHash(story, domain.StagePreparing); got != h2 {
		t.Fatalf("stored hash = %q, want %q", got, h2)
	}
	if got := stage.StoredHash(story, domain.StagePlanning); got != "" {
		t.Fatalf("stored hash for other stage = %q, want empty", got)
	}
}
