package events_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

// newRound seeds a project, story, and active round so messages have a home.
func newRound(t *testing.T) (*sql.DB, repo.Repo, string) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)

	project := domain.Project{ID: uuid.New().String(), Name: "demo", CreatedAt: now}
	if err := r.InsertProject(ctx, project); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	story := domain.Story{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		Title:     "demo",
		Stage:     domain.StagePreparing,
		RawInput:  "demo",
		CreatedAt: now,
		UpdatedAt: now,
	}
	round := domain.Round{
		ID:        uuid.New().String(),
		StoryID:   story.ID,
		Number:    1,
		Type:      domain.RoundTypeInitial,
		Status:    domain.RoundStatusActive,
		CreatedAt: now,
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := r.InsertStory(ctx, tx, story); err != nil {
		t.Fatalf("insert story: %v", err)
	}
	if err := r.InsertRound(ctx, tx, round); err != nil {
		t.Fatalf("insert round: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return conn, r, round.ID
}

func publish(t *testing.T, b *events.Broker, roundID, content string) domain.RoundMessage {
	t.Helper()
	m, err := b.Publish(context.Background(), roundID, domain.MessageAssistant, content)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return m
}

func TestPublishAssignsSequentialSeq(t *testing.T) {
	_, r, roundID := newRound(t)
	b := events.NewBroker(r)

	for i := int64(1); i <= 3; i++ {
		if m := publish(t, b, roundID, "msg"); m.Seq != i {
			t.Fatalf("seq = %d, want %d", m.Seq, i)
		}
	}
	msgs, err := r.ListMessages(context.Background(), roundID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("persisted %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("persisted seq = %d at index %d", m.Seq, i)
		}
	}
}

func TestSeqContinuesAcrossBrokers(t *testing.T) {
	_, r, roundID := newRound(t)
	a := events.NewBroker(r)
	publish(t, a, roundID, "one")
	publish(t, a, roundID, "two")

	// A fresh broker must pick up where the log left off.
	b := events.NewBroker(r)
	if m := publish(t, b, roundID, "three"); m.Seq != 3 {
		t.Fatalf("seq = %d, want 3", m.Seq)
	}
}

func TestSubscribeReplayThenLiveNoGap(t *testing.T) {
	_, r, roundID := newRound(t)
	b := events.NewBroker(r)
	publish(t, b, roundID, "one")
	publish(t, b, roundID, "two")

	history, live, cancel, err := b.Subscribe(context.Background(), roundID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}

	publish(t, b, roundID, "three")
	select {
	case m := <-live:
		if m.Seq != history[len(history)-1].Seq+1 {
			t.Fatalf("live seq = %d after history ending at %d", m.Seq, history[len(history)-1].Seq)
		}
		if m.Content != "three" {
			t.Fatalf("live content = %q, want %q", m.Content, "three")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live message")
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	_, r, roundID := newRound(t)
	b := events.NewBroker(r)

	_, live, cancel, err := b.Subscribe(context.Background(), roundID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Never drain; overflow the buffer until the broker closes the channel.
	for i := 0; i < 100; i++ {
		publish(t, b, roundID, "flood")
	}
	if got := b.SubscriberCount(roundID); got != 0 {
		t.Fatalf("subscriber count = %d, want 0 after overflow", got)
	}

	received := 0
	for range live {
		received++
	}
	if received == 0 || received >= 100 {
		t.Fatalf("received %d messages, want a partial prefix before the drop", received)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	_, r, roundID := newRound(t)
	b := events.NewBroker(r)

	_, _, cancel, err := b.Subscribe(context.Background(), roundID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	cancel()
	if got := b.SubscriberCount(roundID); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
}
