package domain

import (
	"fmt"
	"strings"
	"time"
)

// Topology is the participation mode of a session.
type Topology string

const (
	TopologySolo       Topology = "SOLO"
	TopologyPeer       Topology = "PEER"
	TopologyTeacherLed Topology = "TEACHER_LED"
)

// ParseTopology accepts the canonical names and the short CLI aliases.
func ParseTopology(raw string) (Topology, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SOLO":
		return TopologySolo, nil
	case "PEER", "MULTIPLAYER":
		return TopologyPeer, nil
	case "TEACHER_LED", "TEACHER", "CLASSROOM":
		return TopologyTeacherLed, nil
	}
	return "", fmt.Errorf("unknown topology %q", raw)
}

// Phase is the active step of a session. Exactly one is active at a time.
type Phase string

const (
	PhaseRoundIntro Phase = "ROUND_INTRO"
	PhaseContest    Phase = "CONTEST"
	PhaseAnswering  Phase = "ANSWERING"
	PhaseFeedback   Phase = "FEEDBACK"
	PhaseComplete   Phase = "COMPLETE"
)

// Role is supplied by the identity provider before a session begins.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// Participant is a display name plus an identifier that only lives as long as the session.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Role        Role   `json:"role,omitempty"`
}

const presenceSeparator = "#"

// PresenceKey joins display name and identifier so equal names stay distinguishable.
func (p Participant) PresenceKey() string {
	return p.DisplayName + presenceSeparator + p.ID
}

// ParsePresenceKey splits a key produced by PresenceKey. Names may contain the separator.
func ParsePresenceKey(key string) (name, id string, ok bool) {
	idx := strings.LastIndex(key, presenceSeparator)
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// ScoreEntry is one leaderboard row.
type ScoreEntry struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Score         int    `json:"score"`
	IsSelf        bool   `json:"isSelf"`
}

// Scoring holds the point configuration a session applies to every question.
type Scoring struct {
	// AidedPercent is the share of the full value awarded for a correct answer after using the hint.
	AidedPercent int `json:"aidedPercent" yaml:"aidedPercent"`
	// HintPenalty is subtracted for an incorrect answer after using the hint.
	HintPenalty int `json:"hintPenalty" yaml:"hintPenalty"`
}

// DefaultScoring is used when the configuration leaves scoring empty.
func DefaultScoring() Scoring {
	return Scoring{AidedPercent: 50, HintPenalty: 10}
}

// Points resolves the (correct, otherwise) pair for a question value.
func (s Scoring) Points(value int, hintUsed bool) (ifCorrect, otherwise int) {
	if !hintUsed {
		return value, 0
	}
	return value * s.AidedPercent / 100, -s.HintPenalty
}

// Feedback is the outcome shown while a session is in FEEDBACK.
type Feedback struct {
	QuestionKey   string `json:"questionKey"`
	CorrectAnswer string `json:"correctAnswer"`
	Explanation   string `json:"explanation"`
	AnsweredBy    string `json:"answeredBy,omitempty"`
	Answer        string `json:"answer,omitempty"`
	IsCorrect     bool   `json:"isCorrect"`
	PointsDelta   int    `json:"pointsDelta"`
	NoAnswer      bool   `json:"noAnswer,omitempty"`
	TimedOut      bool   `json:"timedOut,omitempty"`
}

// ConnectionState reflects the transport subscription as seen by the participant.
type ConnectionState string

const (
	ConnectionOffline      ConnectionState = "offline"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionFailed       ConnectionState = "failed"
)

// QuestionView is a question as shown to participants; the answer is withheld.
type QuestionView struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	Kind         AnswerKind `json:"kind"`
	Options      []string   `json:"options,omitempty"`
	TimeLimitSec int        `json:"timeLimitSec"`
	Points       int        `json:"points"`
	HasHint      bool       `json:"hasHint"`
	Challenge    string     `json:"challenge,omitempty"`
	Mechanic     string     `json:"mechanic,omitempty"`
}

// SessionView is a read-only snapshot of a session for rendering.
type SessionView struct {
	SessionID        string          `json:"sessionId"`
	Topology         Topology        `json:"topology"`
	Self             Participant     `json:"self"`
	Phase            Phase           `json:"phase"`
	RoundIdx         int             `json:"roundIdx"`
	QuestionIdx      int             `json:"questionIdx"`
	QuestionKey      string          `json:"questionKey,omitempty"`
	RoundTitle       string          `json:"roundTitle,omitempty"`
	RoundDescription string          `json:"roundDescription,omitempty"`
	Question         *QuestionView   `json:"question,omitempty"`
	Remaining        int             `json:"remaining"`
	TurnHolder       string          `json:"turnHolder,omitempty"`
	HintUsed         bool            `json:"hintUsed"`
	Submitted        bool            `json:"submitted"`
	Feedback         *Feedback       `json:"feedback,omitempty"`
	Leader           string          `json:"leader,omitempty"`
	AwaitingAdvance  bool            `json:"awaitingAdvance"`
	Present          []Participant   `json:"present,omitempty"`
	Leaderboard      []ScoreEntry    `json:"leaderboard"`
	Connection       ConnectionState `json:"connection"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// QuestionKey identifies a question position within a session.
func QuestionKey(round, question int) string {
	return fmt.Sprintf("%d:%d", round, question)
}

// ChannelName is the broadcast channel for a (room code, hosting teacher) pair.
func ChannelName(teacher, room string) string {
	return "physiquest:" + strings.ToLower(strings.TrimSpace(teacher)) + ":" + strings.ToUpper(strings.TrimSpace(room))
}

// SessionID is stable for the hosting teacher and room code.
func SessionID(teacher, room string) string {
	return ChannelName(teacher, room)
}

// SoloSessionID names a single-player session.
func SoloSessionID(participantID string) string {
	return "solo:" + participantID
}
