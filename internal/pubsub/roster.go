package pubsub

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"physiquest-session/internal/domain"
)

// Roster tracks presence from periodic heartbeats. Members that have not been
// heard from within the TTL are pruned.
type Roster struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	members map[string]rosterEntry
}

type rosterEntry struct {
	participant domain.Participant
	lastSeen    time.Time
}

func NewRoster(clk clockwork.Clock, ttl time.Duration) *Roster {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Roster{
		clock:   clk,
		ttl:     ttl,
		members: make(map[string]rosterEntry),
	}
}

// Touch records a heartbeat and reports whether p is a new member.
func (r *Roster) Touch(p domain.Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.members[p.ID]
	r.members[p.ID] = rosterEntry{participant: p, lastSeen: r.clock.Now()}
	return !known
}

// Remove drops a member that announced its departure.
func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	return true
}

// Prune removes expired members and reports whether any were removed.
func (r *Roster) Prune() bool {
	if r.ttl <= 0 {
		return false
	}
	cutoff := r.clock.Now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for id, entry := range r.members {
		if entry.lastSeen.Before(cutoff) {
			delete(r.members, id)
			changed = true
		}
	}
	return changed
}

// Members returns the current members ordered by identifier.
func (r *Roster) Members() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Participant, 0, len(r.members))
	for _, entry := range r.members {
		out = append(out, entry.participant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
