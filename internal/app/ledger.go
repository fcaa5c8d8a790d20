package app

import (
	"sort"

	"physiquest-session/internal/domain"
)

// Ledger is the authoritative score of self plus passive mirrors of remote scores.
// It is owned by the coordinator and not safe for concurrent use.
type Ledger struct {
	self    domain.Participant
	entries map[string]*ledgerEntry
	order   int
	applied map[string]struct{}
}

type ledgerEntry struct {
	participantID string
	displayName   string
	score         int
	seen          int
}

func NewLedger(self domain.Participant) *Ledger {
	l := &Ledger{
		self:    self,
		entries: make(map[string]*ledgerEntry),
		applied: make(map[string]struct{}),
	}
	l.Track(self)
	return l
}

// ApplyLocalResult resolves and adds self's delta for the active question.
func (l *Ledger) ApplyLocalResult(isCorrect bool, pointsIfCorrect, pointsOtherwise int) int {
	delta := pointsOtherwise
	if isCorrect {
		delta = pointsIfCorrect
	}
	l.entry(l.self.ID, l.self.DisplayName).score += delta
	return delta
}

// ApplyRemoteResult mirrors a remote result. A second result for the same
// participant and question is rejected and reported as false.
func (l *Ledger) ApplyRemoteResult(participantID, questionKey string, delta int) bool {
	if participantID == "" || participantID == l.self.ID {
		return false
	}
	marker := participantID + "@" + questionKey
	if _, dup := l.applied[marker]; dup {
		return false
	}
	l.applied[marker] = struct{}{}
	l.entry(participantID, "").score += delta
	return true
}

// Track puts a present participant on the board. Teachers host but do not score.
func (l *Ledger) Track(p domain.Participant) {
	if p.Role == domain.RoleTeacher {
		return
	}
	l.entry(p.ID, p.DisplayName)
}

// Score returns the current score of a participant.
func (l *Ledger) Score(participantID string) int {
	if e, ok := l.entries[participantID]; ok {
		return e.score
	}
	return 0
}

// Snapshot orders the board by score, ties by first-seen order.
func (l *Ledger) Snapshot() []domain.ScoreEntry {
	entries := make([]*ledgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].seen < entries[j].seen
	})

	out := make([]domain.ScoreEntry, 0, len(entries))
	for _, e := range entries {
		name := e.displayName
		if name == "" {
			name = e.participantID
		}
		out = append(out, domain.ScoreEntry{
			ParticipantID: e.participantID,
			DisplayName:   name,
			Score:         e.score,
			IsSelf:        e.participantID == l.self.ID,
		})
	}
	return out
}

func (l *Ledger) entry(id, name string) *ledgerEntry {
	if e, ok := l.entries[id]; ok {
		if name != "" {
			e.displayName = name
		}
		return e
	}
	e := &ledgerEntry{participantID: id, displayName: name, seen: l.order}
	l.order++
	l.entries[id] = e
	return e
}
