package events

import (
	"context"
	"sync"
	"time"

	"storyline/internal/domain"
	"storyline/internal/repo"
)

// subscriberBuffer bounds how far a live subscriber may lag. A subscriber
// whose channel is full is dropped and its channel closed; it can resubscribe
// and replay from its last seen seq.
const subscriberBuffer = 64

// Broker is the per-round ordered message log with live fan-out. Publishing
// persists the message and delivers it to subscribers under one lock, and
// Subscribe loads history under the same lock, so a subscriber sees every
// message exactly once: the full history, then live messages, with no gap or
// duplicate at the seam.
type Broker struct {
	Repo repo.Repo
	Now  func() time.Time

	mu     sync.Mutex
	rounds map[string]*roundState
}

type roundState struct {
	lastSeq   int64
	seqLoaded bool
	nextSubID int
	subs      map[int]chan domain.RoundMessage
}

func NewBroker(r repo.Repo) *Broker {
	return &Broker{
		Repo:   r,
		Now:    time.Now,
		rounds: map[string]*roundState{},
	}
}

func (b *Broker) round(roundID string) *roundState {
	st, ok := b.rounds[roundID]
	if !ok {
		st = &roundState{subs: map[int]chan domain.RoundMessage{}}
		b.rounds[roundID] = st
	}
	return st
}

// Publish appends a message to the round's log and fans it out. Seq numbers
// are per round and strictly increasing with no holes.
func (b *Broker) Publish(ctx context.Context, roundID, evtType, content string) (domain.RoundMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.round(roundID)
	if !st.seqLoaded {
		seq, err := b.Repo.MaxSeq(ctx, roundID)
		if err != nil {
			return domain.RoundMessage{}, err
		}
		st.lastSeq = seq
		st.seqLoaded = true
	}

	m := domain.RoundMessage{
		RoundID: roundID,
		Seq:     st.lastSeq + 1,
		Type:    evtType,
		Content: content,
		TS:      b.Now().UTC().Format(time.RFC3339),
	}
	id, err := b.Repo.InsertMessage(ctx, m)
	if err != nil {
		return domain.RoundMessage{}, err
	}
	m.ID = id
	st.lastSeq = m.Seq

	for subID, ch := range st.subs {
		select {
		case ch <- m:
		default:
			delete(st.subs, subID)
			close(ch)
		}
	}
	return m, nil
}

// Subscribe returns the round's full history and a channel of messages
// published after it. cancel unregisters the subscriber and closes the
// channel; calling it more than once is safe.
func (b *Broker) Subscribe(ctx context.Context, roundID string) ([]domain.RoundMessage, <-chan domain.RoundMessage, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	history, err := b.Repo.ListMessages(ctx, roundID, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	st := b.round(roundID)
	if !st.seqLoaded {
		if n := len(history); n > 0 {
			st.lastSeq = history[n-1].Seq
		}
		st.seqLoaded = true
	}

	ch := make(chan domain.RoundMessage, subscriberBuffer)
	subID := st.nextSubID
	st.nextSubID++
	st.subs[subID] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := st.subs[subID]; ok {
			delete(st.subs, subID)
			close(ch)
		}
	}
	return history, ch, cancel, nil
}

// SubscriberCount reports the round's live subscribers.
func (b *Broker) SubscriberCount(roundID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.rounds[roundID]
	if !ok {
		return 0
	}
	return len(st.subs)
}
