package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"physiquest-session/internal/domain"
)

func newLoopMatch(t *testing.T) *Match {
	t.Helper()
	settings := Settings{Clock: clockwork.NewFakeClock()}
	self := domain.Participant{ID: "p1", DisplayName: "Ada", Role: domain.RoleStudent}
	m := newMatch(settings, nil, "solo", self)
	set := domain.QuestionSet{
		ID:    "loop",
		Title: "Loop",
		Rounds: []domain.Round{{
			Title: "Dynamics",
			Questions: []domain.Question{{
				ID:            "force",
				Content:       "A 2 kg mass accelerates at 3 m/s^2. What is the net force in N?",
				Kind:          domain.AnswerShort,
				CorrectAnswer: "6",
				TimeLimitSec:  30,
				Points:        100,
			}},
		}},
	}
	coord, err := NewCoordinator(Config{Topology: domain.TopologySolo, SessionID: "solo", Self: self}, set, m.countdown, nil)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	m.coord = coord
	go m.run()
	t.Cleanup(func() { m.stop(nil) })
	return m
}

func TestLoopRunsPostsInOrderBeyondAnyBuffer(t *testing.T) {
	m := newLoopMatch(t)

	const n = 2000
	var got []int
	gate := make(chan struct{})
	last := make(chan struct{})
	m.post(func() { <-gate })
	for i := 0; i < n; i++ {
		i := i
		m.post(func() {
			got = append(got, i)
			if i == 0 {
				// posted from the loop itself while the mailbox holds the rest
				m.post(func() {
					got = append(got, n)
					close(last)
				})
			}
		})
	}
	close(gate)

	select {
	case <-last:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not drain the mailbox")
	}
	var seen []int
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.do(ctx, func() error {
		seen = append(seen, got...)
		return nil
	}); err != nil {
		t.Fatalf("do: %v", err)
	}

	if len(seen) != n+1 {
		t.Fatalf("expected %d events, got %d", n+1, len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("event %d ran at position %d", v, i)
		}
	}
}

func TestLoopDropsPostsAfterStop(t *testing.T) {
	m := newLoopMatch(t)
	m.stop(nil)

	ran := make(chan struct{}, 1)
	m.post(func() { ran <- struct{}{} })
	select {
	case <-ran:
		t.Fatal("a stopped loop ran a posted event")
	case <-time.After(50 * time.Millisecond):
	}
	if err := m.do(context.Background(), func() error { return nil }); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
