package app

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"physiquest-session/internal/domain"
)

// Transport joins named broadcast channels.
type Transport interface {
	Join(ctx context.Context, channel string, self domain.Participant) (Handle, error)
}

// Handle is an established channel subscription. Callbacks run on adapter
// goroutines; the match serialises them onto its event loop.
type Handle interface {
	OnPresenceChange(fn func([]domain.Participant))
	OnEvent(event string, fn func(domain.Envelope))
	// Send is fire-and-forget; it only fails once the handle is closed.
	Send(event string, payload any) error
	// Leave unsubscribes; calling it twice is a no-op.
	Leave() error
	// Done is closed when the subscription ends. Err tells a lost subscription from a leave.
	Done() <-chan struct{}
	Err() error
}

// QuestionSetRepository loads question content (from cache/backing store).
type QuestionSetRepository interface {
	GetQuestionSet(ctx context.Context, setID string) (domain.QuestionSet, error)
}

// IdentityGenerator produces the opaque per-session participant identifiers.
type IdentityGenerator interface {
	NewID() string
}

// UUIDIdentity issues short random identifiers.
type UUIDIdentity struct{}

func (UUIDIdentity) NewID() string {
	return uuid.New().String()[:8]
}

// SequenceIdentity issues predictable identifiers for tests and demos.
type SequenceIdentity struct {
	Prefix string
	next   atomic.Int64
}

func (s *SequenceIdentity) NewID() string {
	return fmt.Sprintf("%s%03d", s.Prefix, s.next.Add(1))
}
