package pubsub

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"physiquest-session/internal/domain"
)

// Router is the callback registry shared by the transport adapters. Adapters feed
// it decoded envelopes and presence snapshots from their own goroutines; it drops
// echoes of self, de-duplicates presence and tracks the subscription lifecycle.
type Router struct {
	self domain.Participant

	mu         sync.RWMutex
	onPresence func([]domain.Participant)
	handlers   map[string][]func(domain.Envelope)
	present    []domain.Participant
	seen       bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func NewRouter(self domain.Participant) *Router {
	return &Router{
		self:     self,
		handlers: make(map[string][]func(domain.Envelope)),
		done:     make(chan struct{}),
	}
}

// Self is the participant the router delivers to.
func (r *Router) Self() domain.Participant {
	return r.self
}

// OnPresenceChange registers the presence callback. If presence is already known
// the callback receives the current set right away.
func (r *Router) OnPresenceChange(fn func([]domain.Participant)) {
	r.mu.Lock()
	r.onPresence = fn
	var current []domain.Participant
	if r.seen {
		current = append(current, r.present...)
	}
	seen := r.seen
	r.mu.Unlock()

	if seen && fn != nil {
		fn(current)
	}
}

// OnEvent registers a handler for a named broadcast event.
func (r *Router) OnEvent(event string, fn func(domain.Envelope)) {
	r.mu.Lock()
	r.handlers[event] = append(r.handlers[event], fn)
	r.mu.Unlock()
}

// Deliver routes an envelope to its handlers. Envelopes sent by self are dropped.
func (r *Router) Deliver(env domain.Envelope) {
	if env.Sender.ID == r.self.ID {
		return
	}
	r.mu.RLock()
	handlers := append([]func(domain.Envelope){}, r.handlers[env.Event]...)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		log.Debug().Str("event", env.Event).Str("sender", env.Sender.ID).Msg("no handler for event")
		return
	}
	for _, fn := range handlers {
		fn(env)
	}
}

// DeliverFrame decodes a wire frame and delivers it.
func (r *Router) DeliverFrame(data []byte) error {
	env, err := Decode(data)
	if err != nil {
		return err
	}
	r.Deliver(env)
	return nil
}

// SetPresence publishes a presence snapshot. Self is always included and the
// callback only runs when the membership actually changed.
func (r *Router) SetPresence(members []domain.Participant) {
	normalized := normalize(r.self, members)

	r.mu.Lock()
	if r.seen && samePresence(r.present, normalized) {
		r.mu.Unlock()
		return
	}
	r.present = normalized
	r.seen = true
	fn := r.onPresence
	r.mu.Unlock()

	if fn != nil {
		fn(append([]domain.Participant(nil), normalized...))
	}
}

// Present returns the last presence snapshot.
func (r *Router) Present() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Participant(nil), r.present...)
}

// Close ends the subscription. Only the first call records its error.
func (r *Router) Close(err error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

// Done is closed when the subscription ends, either by leaving or by losing it.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Err is nil after a clean leave and wraps domain.ErrConnection after a lost subscription.
func (r *Router) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Closed reports whether Close has been called.
func (r *Router) Closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func normalize(self domain.Participant, members []domain.Participant) []domain.Participant {
	byID := make(map[string]domain.Participant, len(members)+1)
	for _, m := range members {
		if m.ID == "" {
			continue
		}
		byID[m.ID] = m
	}
	byID[self.ID] = self

	out := make([]domain.Participant, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func samePresence(a, b []domain.Participant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
