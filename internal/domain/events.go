package domain

import "encoding/json"

// Broadcast event names exchanged between participants of a channel.
const (
	EventClaimTurn     = "claim-turn"
	EventSubmitResult  = "submit-result"
	EventAdvance       = "advance-session"
	EventRequestResync = "request-resync"
	EventResyncState   = "resync-state"
)

// SessionEvents lists every event the coordinator consumes.
var SessionEvents = []string{
	EventClaimTurn,
	EventSubmitResult,
	EventAdvance,
	EventRequestResync,
	EventResyncState,
}

// Envelope is the unit every transport carries.
type Envelope struct {
	Event   string          `json:"event"`
	Sender  Participant     `json:"sender"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClaimTurn is emitted by the buzzer arbiter on a local claim.
type ClaimTurn struct {
	ParticipantID string `json:"participantId"`
	QuestionKey   string `json:"questionKey"`
}

// SubmitResult is emitted when an answer has been scored.
type SubmitResult struct {
	ParticipantID string `json:"participantId"`
	QuestionKey   string `json:"questionKey"`
	PointsDelta   int    `json:"pointsDelta"`
	IsCorrect     bool   `json:"isCorrect"`
}

// AdvanceSession moves every participant to the same position.
type AdvanceSession struct {
	RoundIdx    int  `json:"roundIdx"`
	QuestionIdx int  `json:"questionIdx"`
	IsNewRound  bool `json:"isNewRound"`
	Complete    bool `json:"complete,omitempty"`
}

// RequestResync is sent by a participant that rejoined the channel.
type RequestResync struct {
	ParticipantID string `json:"participantId"`
}

// ResyncState answers a RequestResync; only TargetID adopts it.
type ResyncState struct {
	TargetID     string `json:"targetId"`
	RoundIdx     int    `json:"roundIdx"`
	QuestionIdx  int    `json:"questionIdx"`
	Phase        Phase  `json:"phase"`
	RemainingSec int    `json:"remainingSec"`
	TurnHolder   string `json:"turnHolder,omitempty"`
}
