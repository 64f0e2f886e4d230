package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

func newRepo(t *testing.T) (*sql.DB, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn, repo.Repo{DB: conn}
}

func seedStory(t *testing.T, conn *sql.DB, r repo.Repo, projectID string, stage domain.Stage) domain.Story {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	s := domain.Story{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Title:     "story",
		Stage:     stage,
		RawInput:  "input",
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := r.InsertStory(ctx, tx, s); err != nil {
		t.Fatalf("insert story: %v", err)
	}
	if err := r.InsertRound(ctx, tx, domain.Round{
		ID:        uuid.New().String(),
		StoryID:   s.ID,
		Number:    1,
		Type:      domain.RoundTypeInitial,
		Status:    domain.RoundStatusActive,
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("insert round: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return s
}

func TestListStoriesStageFilter(t *testing.T) {
	conn, r := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	project := domain.Project{ID: uuid.New().String(), Name: "demo", CreatedAt: now}
	if err := r.InsertProject(ctx, project); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	seedStory(t, conn, r, project.ID, domain.StagePreparing)
	seedStory(t, conn, r, project.ID, domain.StageCoding)
	seedStory(t, conn, r, project.ID, domain.StageCoding)

	all, err := r.ListStories(ctx, project.ID, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}
	coding, err := r.ListStories(ctx, project.ID, "coding")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(coding) != 2 {
		t.Fatalf("coding = %d, want 2", len(coding))
	}
	for _, s := range coding {
		if s.Stage != domain.StageCoding {
			t.Fatalf("stage = %s, want coding", s.Stage)
		}
	}
}

func TestLatestOpenPullRequest(t *testing.T) {
	conn, r := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	project := domain.Project{ID: uuid.New().String(), Name: "demo", CreatedAt: now}
	if err := r.InsertProject(ctx, project); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	story := seedStory(t, conn, r, project.ID, domain.StageCoding)
	round, err := r.ActiveRound(ctx, story.ID)
	if err != nil {
		t.Fatalf("active round: %v", err)
	}

	if _, err := r.LatestOpenPullRequest(ctx, round.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want not found before any pr", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	first := domain.PullRequest{
		ID: uuid.New().String(), RoundID: round.ID, RepoURL: "r", Number: 1,
		Status: domain.PRStatusOpen, CreatedAt: now, UpdatedAt: now,
	}
	second := domain.PullRequest{
		ID: uuid.New().String(), RoundID: round.ID, RepoURL: "r", Number: 2,
		Status: domain.PRStatusOpen, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.InsertPullRequest(ctx, tx, first); err != nil {
		t.Fatalf("insert pr: %v", err)
	}
	if err := r.InsertPullRequest(ctx, tx, second); err != nil {
		t.Fatalf("insert pr: %v", err)
	}
	if err := r.UpdatePullRequestStatus(ctx, tx, second.ID, domain.PRStatusClosed, now); err != nil {
		t.Fatalf("update pr: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	open, err := r.LatestOpenPullRequest(ctx, round.ID)
	if err != nil {
		t.Fatalf("latest open: %v", err)
	}
	if open.ID != first.ID {
		t.Fatalf("latest open = %+v, want the still-open pr", open)
	}
}

func TestCloseRoundNotFound(t *testing.T) {
	conn, r := newRepo(t)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	err = r.CloseRound(ctx, tx, "no-such-round", "completed", time.Now().UTC().Format(time.RFC3339))
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestDeleteCapabilityOverrideNotFound(t *testing.T) {
	_, r := newRepo(t)
	err := r.DeleteCapabilityOverride(context.Background(), "p", "agent")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}
