package domain

import "errors"

var (
	// ErrConnection is returned when the transport cannot subscribe or has lost its subscription.
	ErrConnection = errors.New("transport connection error")
	// ErrStaleEvent marks an event keyed to a question or phase that is no longer current.
	ErrStaleEvent = errors.New("stale event ignored")
	// ErrDuplicateClaim is returned when a claim arrives after the turn grant is already set.
	ErrDuplicateClaim = errors.New("duplicate claim rejected")
	// ErrSyncTimeout is logged when a follower advances without the leader's signal.
	ErrSyncTimeout = errors.New("advance signal not received in grace period")
	// ErrInvalidAnswerSubmission is returned when a submission is not allowed right now.
	ErrInvalidAnswerSubmission = errors.New("invalid answer submission")
	// ErrClaimClosed is returned when claiming the turn outside of a contest.
	ErrClaimClosed = errors.New("turn contest is not open")
	// ErrNotPermitted is returned when the participant's role cannot issue the command.
	ErrNotPermitted = errors.New("command not permitted for this participant")
	// ErrQuestionSetNotFound indicates the provider has no set with the given identifier.
	ErrQuestionSetNotFound = errors.New("question set not found")
	// ErrInvalidQuestionSet indicates the set cannot drive a session.
	ErrInvalidQuestionSet = errors.New("invalid question set")
	// ErrSessionClosed is returned for commands sent after the session was torn down.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownEvent is returned for envelopes with an event name the coordinator does not consume.
	ErrUnknownEvent = errors.New("unknown event")
)
