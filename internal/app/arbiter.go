package app

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"physiquest-session/internal/domain"
)

// Publisher sends a broadcast event to the other participants of the channel.
type Publisher interface {
	Send(event string, payload any) error
}

// Arbiter resolves the race for the turn on the active question.
// OPEN until the first accepted claim, then GRANTED for the rest of the question.
type Arbiter struct {
	selfID string
	pub    Publisher
	key    string
	holder string
}

func NewArbiter(selfID string, pub Publisher) *Arbiter {
	return &Arbiter{selfID: selfID, pub: pub}
}

// Reset opens the arbiter for a new question.
func (a *Arbiter) Reset(questionKey string) {
	a.key = questionKey
	a.holder = ""
}

// ClaimLocally grants the turn to self and broadcasts the claim.
// It fails with ErrDuplicateClaim when the turn is already granted.
func (a *Arbiter) ClaimLocally() error {
	if a.holder != "" {
		return fmt.Errorf("%w: turn on %s held by %s", domain.ErrDuplicateClaim, a.key, a.holder)
	}
	a.holder = a.selfID
	if a.pub != nil {
		if err := a.pub.Send(domain.EventClaimTurn, domain.ClaimTurn{ParticipantID: a.selfID, QuestionKey: a.key}); err != nil {
			// the local grant stands; peers converge through the submit result
			log.Warn().Err(err).Str("question_key", a.key).Msg("broadcast claim failed")
		}
	}
	return nil
}

// OnRemoteClaim applies a claim received from the channel.
func (a *Arbiter) OnRemoteClaim(participantID, questionKey string) error {
	if questionKey != a.key {
		return fmt.Errorf("%w: claim for %s while %s is active", domain.ErrStaleEvent, questionKey, a.key)
	}
	if a.holder != "" {
		return fmt.Errorf("%w: turn on %s held by %s", domain.ErrDuplicateClaim, a.key, a.holder)
	}
	a.holder = participantID
	return nil
}

// Holder returns the participant holding the turn, or "" while OPEN.
func (a *Arbiter) Holder() string {
	return a.holder
}

// Granted reports whether the turn has been claimed.
func (a *Arbiter) Granted() bool {
	return a.holder != ""
}

func (a *Arbiter) setPublisher(pub Publisher) {
	a.pub = pub
}
