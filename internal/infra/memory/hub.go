package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"physiquest-session/internal/app"
	"physiquest-session/internal/domain"
	"physiquest-session/internal/pubsub"
)

const inboxSize = 256

// Hub is an in-process implementation of app.Transport. Every channel is a set
// of members; each member has its own inbox and delivery goroutine.
type Hub struct {
	mu        sync.Mutex
	channels  map[string]map[string]*member
	failJoins int
}

type member struct {
	channel string
	self    domain.Participant
	router  *pubsub.Router
	inbox   chan func()
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[string]*member)}
}

func (h *Hub) Join(ctx context.Context, channel string, self domain.Participant) (app.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: join %s: %v", domain.ErrConnection, channel, err)
	}

	h.mu.Lock()
	if h.failJoins > 0 {
		h.failJoins--
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: join %s: hub unavailable", domain.ErrConnection, channel)
	}
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[string]*member)
		h.channels[channel] = members
	}
	if old, ok := members[self.ID]; ok {
		// a second join replaces the previous subscription
		old.router.Close(nil)
	}
	m := &member{
		channel: channel,
		self:    self,
		router:  pubsub.NewRouter(self),
		inbox:   make(chan func(), inboxSize),
	}
	members[self.ID] = m
	h.broadcastPresenceLocked(channel)
	h.mu.Unlock()

	go m.pump()
	return &hubHandle{hub: h, member: m}, nil
}

// FailJoins makes the next n joins fail with a connection error.
func (h *Hub) FailJoins(n int) {
	h.mu.Lock()
	h.failJoins = n
	h.mu.Unlock()
}

// Disconnect drops a member as if its subscription was lost.
func (h *Hub) Disconnect(channel, participantID string) {
	h.mu.Lock()
	m, ok := h.channels[channel][participantID]
	if ok {
		h.removeLocked(m)
	}
	h.mu.Unlock()
	if ok {
		m.router.Close(fmt.Errorf("%w: %s dropped from %s", domain.ErrConnection, participantID, channel))
	}
}

// Members lists the participants currently joined to a channel.
func (h *Hub) Members(channel string) []domain.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.membersLocked(channel)
}

func (h *Hub) send(from *member, event string, payload any) error {
	if from.router.Closed() {
		return fmt.Errorf("%w: send %s on closed handle", domain.ErrConnection, event)
	}
	frame, err := pubsub.Encode(event, from.self, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, m := range h.channels[from.channel] {
		if id == from.self.ID {
			continue
		}
		m.enqueue(func() {
			if err := m.router.DeliverFrame(frame); err != nil {
				log.Warn().Err(err).Str("channel", m.channel).Msg("drop malformed frame")
			}
		})
	}
	return nil
}

func (h *Hub) leave(m *member) {
	h.mu.Lock()
	if current, ok := h.channels[m.channel][m.self.ID]; ok && current == m {
		h.removeLocked(m)
	}
	h.mu.Unlock()
	m.router.Close(nil)
}

func (h *Hub) removeLocked(m *member) {
	members := h.channels[m.channel]
	delete(members, m.self.ID)
	if len(members) == 0 {
		delete(h.channels, m.channel)
		return
	}
	h.broadcastPresenceLocked(m.channel)
}

func (h *Hub) broadcastPresenceLocked(channel string) {
	present := h.membersLocked(channel)
	for _, m := range h.channels[channel] {
		m := m
		m.enqueue(func() { m.router.SetPresence(present) })
	}
}

func (h *Hub) membersLocked(channel string) []domain.Participant {
	out := make([]domain.Participant, 0, len(h.channels[channel]))
	for _, m := range h.channels[channel] {
		out = append(out, m.self)
	}
	return out
}

func (m *member) enqueue(f func()) {
	select {
	case m.inbox <- f:
	case <-m.router.Done():
	default:
		log.Warn().Str("channel", m.channel).Str("participant_id", m.self.ID).Msg("inbox full, dropping delivery")
	}
}

func (m *member) pump() {
	for {
		select {
		case f := <-m.inbox:
			f()
		case <-m.router.Done():
			return
		}
	}
}

type hubHandle struct {
	hub    *Hub
	member *member
}

func (h *hubHandle) OnPresenceChange(fn func([]domain.Participant)) {
	h.member.router.OnPresenceChange(fn)
}

func (h *hubHandle) OnEvent(event string, fn func(domain.Envelope)) {
	h.member.router.OnEvent(event, fn)
}

func (h *hubHandle) Send(event string, payload any) error {
	return h.hub.send(h.member, event, payload)
}

func (h *hubHandle) Leave() error {
	h.hub.leave(h.member)
	return nil
}

func (h *hubHandle) Done() <-chan struct{} { return h.member.router.Done() }

func (h *hubHandle) Err() error { return h.member.router.Err() }
