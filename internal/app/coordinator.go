package app

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"physiquest-session/internal/domain"
	"physiquest-session/internal/pubsub"
)

// Countdown is the session clock the coordinator drives phases with.
type Countdown interface {
	Start(seconds int, onTick func(remaining int), onExpire func())
	Cancel()
	Remaining() int
}

// Config parameterises a coordinator.
type Config struct {
	Topology  domain.Topology
	SessionID string
	Self      domain.Participant

	RoundIntroSeconds int
	FeedbackSeconds   int
	SyncGraceSeconds  int
	Scoring           domain.Scoring

	// Now stamps views; defaults to time.Now.
	Now func() time.Time
	// OnComplete runs once when the session reaches COMPLETE.
	OnComplete func()
}

// Coordinator is the phase state machine of one session as seen by one
// participant. All methods must be called from a single goroutine.
type Coordinator struct {
	cfg     Config
	set     domain.QuestionSet
	clock   Countdown
	pub     Publisher
	ledger  *Ledger
	arbiter *Arbiter
	logger  zerolog.Logger

	phase       domain.Phase
	started     bool
	closed      bool
	roundIdx    int
	questionIdx int
	remaining   int
	countdowns  uint64
	hintUsed    bool
	feedback    *domain.Feedback
	awaiting    bool
	answered    map[string]struct{}

	present       map[string]domain.Participant
	leader        string
	pendingResync bool
	connection    domain.ConnectionState
}

// NewCoordinator validates the set and returns a coordinator that has not started yet.
func NewCoordinator(cfg Config, set domain.QuestionSet, countdown Countdown, pub Publisher) (*Coordinator, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Topology {
	case domain.TopologySolo, domain.TopologyPeer, domain.TopologyTeacherLed:
	default:
		return nil, fmt.Errorf("unknown topology %q", cfg.Topology)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Scoring == (domain.Scoring{}) {
		cfg.Scoring = domain.DefaultScoring()
	}
	if cfg.Self.Role == "" {
		cfg.Self.Role = domain.RoleStudent
	}

	c := &Coordinator{
		cfg:        cfg,
		set:        set,
		clock:      countdown,
		pub:        pub,
		ledger:     NewLedger(cfg.Self),
		arbiter:    NewArbiter(cfg.Self.ID, pub),
		answered:   make(map[string]struct{}),
		present:    map[string]domain.Participant{cfg.Self.ID: cfg.Self},
		connection: domain.ConnectionOffline,
		logger: log.With().
			Str("session_id", cfg.SessionID).
			Str("participant_id", cfg.Self.ID).
			Str("topology", string(cfg.Topology)).
			Logger(),
	}
	if cfg.Topology == domain.TopologySolo {
		c.connection = domain.ConnectionConnected
	}
	c.leader = c.electLeader("")
	return c, nil
}

// SetPublisher swaps the transport publisher, e.g. after a reconnect.
func (c *Coordinator) SetPublisher(pub Publisher) {
	c.pub = pub
	c.arbiter.setPublisher(pub)
}

// SetConnection records the transport state shown in the view.
func (c *Coordinator) SetConnection(state domain.ConnectionState) {
	c.connection = state
}

// Start enters the introduction of the first round.
func (c *Coordinator) Start() error {
	if c.closed {
		return domain.ErrSessionClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	c.logger.Info().Int("rounds", len(c.set.Rounds)).Int("questions", c.set.QuestionCount()).Msg("session started")
	c.enterRoundIntro(0, 0)
	return nil
}

// StartNow skips the rest of the round introduction.
func (c *Coordinator) StartNow() error {
	if err := c.guardOpen(); err != nil {
		return err
	}
	if c.phase != domain.PhaseRoundIntro {
		return fmt.Errorf("%w: not in round introduction", domain.ErrNotPermitted)
	}
	if !c.isAdvancer() {
		return fmt.Errorf("%w: only the %s can start the question", domain.ErrNotPermitted, c.advancerName())
	}
	if c.cfg.Topology != domain.TopologySolo {
		c.send(domain.EventAdvance, domain.AdvanceSession{RoundIdx: c.roundIdx, QuestionIdx: c.questionIdx})
	}
	c.beginQuestion()
	return nil
}

// ClaimTurn races for the turn on the active question.
func (c *Coordinator) ClaimTurn() error {
	if err := c.guardOpen(); err != nil {
		return err
	}
	if !c.canClaim() {
		return fmt.Errorf("%w: %s in %s", domain.ErrClaimClosed, c.cfg.Topology, c.phase)
	}
	if err := c.arbiter.ClaimLocally(); err != nil {
		return err
	}
	c.logger.Debug().Str("question_key", c.key()).Msg("turn claimed")
	c.enterAnswering()
	return nil
}

// Submit scores an answer for self. It is rejected without side effects when
// self may not answer the active question.
func (c *Coordinator) Submit(answer string) error {
	if err := c.guardOpen(); err != nil {
		return err
	}
	if !c.canSubmit() {
		return fmt.Errorf("%w: %s for %s", domain.ErrInvalidAnswerSubmission, c.phase, c.key())
	}
	q := c.question()
	correct, err := CheckAnswer(q, answer)
	if err != nil {
		return err
	}
	c.resolveLocal(q, answer, correct, false)
	return nil
}

// UseHint reveals the aid text. Using it lowers the scoring of the active question.
func (c *Coordinator) UseHint() (string, error) {
	if err := c.guardOpen(); err != nil {
		return "", err
	}
	if !c.canSubmit() {
		return "", fmt.Errorf("%w: hint unavailable in %s", domain.ErrNotPermitted, c.phase)
	}
	q := c.question()
	if q.Hint == "" {
		return "", fmt.Errorf("%w: question %s has no hint", domain.ErrNotPermitted, c.key())
	}
	c.hintUsed = true
	return q.Hint, nil
}

// Advance moves past feedback. Allowed for the solo player, the PEER leader and
// the hosting teacher, who may advance from any phase.
func (c *Coordinator) Advance() error {
	if err := c.guardOpen(); err != nil {
		return err
	}
	if !c.isAdvancer() {
		return fmt.Errorf("%w: only the %s advances", domain.ErrNotPermitted, c.advancerName())
	}
	if c.phase == domain.PhaseRoundIntro {
		return c.StartNow()
	}
	if c.cfg.Topology != domain.TopologyTeacherLed && c.phase != domain.PhaseFeedback {
		return fmt.Errorf("%w: cannot advance during %s", domain.ErrNotPermitted, c.phase)
	}
	c.advanceFromHere()
	return nil
}

// JumpTo moves every student to a specific question. Hosting teacher only.
func (c *Coordinator) JumpTo(roundIdx, questionIdx int) error {
	if err := c.guardOpen(); err != nil {
		return err
	}
	if c.cfg.Topology != domain.TopologyTeacherLed || !c.isHost() {
		return fmt.Errorf("%w: only the hosting teacher can jump", domain.ErrNotPermitted)
	}
	if !c.validPosition(roundIdx, questionIdx) {
		return fmt.Errorf("%w: no question at %s", domain.ErrNotPermitted, domain.QuestionKey(roundIdx, questionIdx))
	}
	target := domain.AdvanceSession{RoundIdx: roundIdx, QuestionIdx: questionIdx}
	c.send(domain.EventAdvance, target)
	c.applyAdvance(target)
	return nil
}

// RequestResync asks the leader or teacher for the current position after a rejoin.
func (c *Coordinator) RequestResync() error {
	if err := c.guardOpen(); err != nil {
		return err
	}
	if c.cfg.Topology == domain.TopologySolo || c.isHost() {
		return nil
	}
	c.pendingResync = true
	c.send(domain.EventRequestResync, domain.RequestResync{ParticipantID: c.cfg.Self.ID})
	return nil
}

// Close cancels the active countdown. Later commands fail with ErrSessionClosed.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.clock.Cancel()
	c.connection = domain.ConnectionOffline
}

// HandleEvent applies a broadcast received from another participant. Stale and
// duplicate input is reported with ErrStaleEvent or ErrDuplicateClaim and has no effect.
func (c *Coordinator) HandleEvent(env domain.Envelope) error {
	if c.closed {
		return domain.ErrSessionClosed
	}
	if !c.started {
		return fmt.Errorf("%w: session not started", domain.ErrStaleEvent)
	}
	switch env.Event {
	case domain.EventClaimTurn:
		var p domain.ClaimTurn
		if err := pubsub.Payload(env, &p); err != nil {
			return err
		}
		return c.onRemoteClaim(env.Sender, p)
	case domain.EventSubmitResult:
		var p domain.SubmitResult
		if err := pubsub.Payload(env, &p); err != nil {
			return err
		}
		return c.onRemoteResult(env.Sender, p)
	case domain.EventAdvance:
		var p domain.AdvanceSession
		if err := pubsub.Payload(env, &p); err != nil {
			return err
		}
		return c.onRemoteAdvance(env.Sender, p)
	case domain.EventRequestResync:
		var p domain.RequestResync
		if err := pubsub.Payload(env, &p); err != nil {
			return err
		}
		if p.ParticipantID == "" {
			p.ParticipantID = env.Sender.ID
		}
		return c.onResyncRequest(p)
	case domain.EventResyncState:
		var p domain.ResyncState
		if err := pubsub.Payload(env, &p); err != nil {
			return err
		}
		return c.onResyncState(p)
	}
	return fmt.Errorf("%w: %q", domain.ErrUnknownEvent, env.Event)
}

// HandlePresence replaces the set of present participants and re-elects the leader.
func (c *Coordinator) HandlePresence(members []domain.Participant) {
	present := make(map[string]domain.Participant, len(members)+1)
	for _, m := range members {
		present[m.ID] = m
		c.ledger.Track(m)
	}
	present[c.cfg.Self.ID] = c.cfg.Self
	c.present = present

	previous := c.leader
	c.leader = c.electLeader("")
	if previous != c.leader {
		c.logger.Info().Str("leader", c.leader).Int("present", len(present)).Msg("leader elected")
	}

	// a follower left waiting by a departed leader takes over
	if c.cfg.Topology == domain.TopologyPeer && c.leader == c.cfg.Self.ID && c.phase == domain.PhaseFeedback && c.awaiting {
		c.advanceFromHere()
	}
}

// Phase returns the active phase.
func (c *Coordinator) Phase() domain.Phase {
	return c.phase
}

// Position returns the current round and question indexes.
func (c *Coordinator) Position() (roundIdx, questionIdx int) {
	return c.roundIdx, c.questionIdx
}

// Leader returns the participant responsible for group progression.
func (c *Coordinator) Leader() string {
	return c.leader
}

// Ledger exposes the score ledger.
func (c *Coordinator) Ledger() *Ledger {
	return c.ledger
}

// Closed reports whether Close has been called.
func (c *Coordinator) Closed() bool {
	return c.closed
}

// View builds a read-only snapshot for observers.
func (c *Coordinator) View() domain.SessionView {
	v := domain.SessionView{
		SessionID:       c.cfg.SessionID,
		Topology:        c.cfg.Topology,
		Self:            c.cfg.Self,
		Phase:           c.phase,
		RoundIdx:        c.roundIdx,
		QuestionIdx:     c.questionIdx,
		Remaining:       c.remaining,
		TurnHolder:      c.arbiter.Holder(),
		HintUsed:        c.hintUsed,
		Leader:          c.leader,
		AwaitingAdvance: c.awaiting,
		Leaderboard:     c.ledger.Snapshot(),
		Connection:      c.connection,
		UpdatedAt:       c.cfg.Now(),
	}
	if c.phase != domain.PhaseComplete && c.started {
		round := c.set.Rounds[c.roundIdx]
		v.RoundTitle = round.Title
		v.RoundDescription = round.Description
		v.QuestionKey = c.key()
		_, v.Submitted = c.answered[c.key()]
		if c.phase != domain.PhaseRoundIntro {
			v.Question = c.question().View()
		}
	}
	if c.feedback != nil {
		fb := *c.feedback
		v.Feedback = &fb
	}
	if c.cfg.Topology != domain.TopologySolo {
		v.Present = make([]domain.Participant, 0, len(c.present))
		for _, p := range c.present {
			v.Present = append(v.Present, p)
		}
		sort.Slice(v.Present, func(i, j int) bool { return v.Present[i].ID < v.Present[j].ID })
	}
	return v
}

func (c *Coordinator) enterRoundIntro(roundIdx, questionIdx int) {
	c.roundIdx, c.questionIdx = roundIdx, questionIdx
	c.phase = domain.PhaseRoundIntro
	c.clearQuestionState()
	c.arbiter.Reset(c.key())
	c.logger.Debug().Int("round", roundIdx).Msg("round introduction")
	c.introCountdown(c.cfg.RoundIntroSeconds)
}

// introCountdown runs the introduction clock. When it runs out the participant
// driving progression tells the channel to open the question, so introductions
// that started at different times end together.
func (c *Coordinator) introCountdown(seconds int) {
	key := c.key()
	c.runCountdown(seconds, func() {
		if c.phase != domain.PhaseRoundIntro || c.key() != key {
			return
		}
		if c.cfg.Topology != domain.TopologySolo && c.isAdvancer() {
			c.send(domain.EventAdvance, domain.AdvanceSession{RoundIdx: c.roundIdx, QuestionIdx: c.questionIdx})
		}
		c.beginQuestion()
	})
}

// contestCountdown runs the PEER contest clock; nobody claiming means no answer.
func (c *Coordinator) contestCountdown(seconds int) {
	key := c.key()
	c.runCountdown(seconds, func() {
		if c.phase != domain.PhaseContest || c.key() != key {
			return
		}
		q := c.question()
		c.enterFeedback(domain.Feedback{
			QuestionKey:   key,
			CorrectAnswer: q.CorrectAnswer,
			Explanation:   q.Explanation,
			NoAnswer:      true,
		})
	})
}

// beginQuestion makes the question at the current position active.
func (c *Coordinator) beginQuestion() {
	c.clearQuestionState()
	c.arbiter.Reset(c.key())

	if c.cfg.Topology != domain.TopologyPeer {
		c.enterAnswering()
		return
	}

	c.phase = domain.PhaseContest
	c.logger.Debug().Str("question_key", c.key()).Str("phase", string(c.phase)).Msg("question open")
	c.contestCountdown(c.question().TimeLimitSec)
}

func (c *Coordinator) enterAnswering() {
	c.phase = domain.PhaseAnswering
	key := c.key()
	c.logger.Debug().Str("question_key", key).Str("phase", string(c.phase)).Str("holder", c.arbiter.Holder()).Msg("answering")
	c.runCountdown(c.question().TimeLimitSec, func() {
		if c.phase != domain.PhaseAnswering || c.key() != key {
			return
		}
		c.answeringExpired()
	})
}

func (c *Coordinator) answeringExpired() {
	q := c.question()
	if c.canSubmit() {
		c.resolveLocal(q, "", false, true)
		return
	}
	c.enterFeedback(domain.Feedback{
		QuestionKey:   c.key(),
		CorrectAnswer: q.CorrectAnswer,
		Explanation:   q.Explanation,
		AnsweredBy:    c.arbiter.Holder(),
		NoAnswer:      c.arbiter.Holder() == "",
		TimedOut:      true,
	})
}

// resolveLocal applies self's result exactly once per question and broadcasts it.
func (c *Coordinator) resolveLocal(q domain.Question, answer string, correct, timedOut bool) {
	key := c.key()
	c.answered[key] = struct{}{}

	ifCorrect, otherwise := c.cfg.Scoring.Points(q.Value(), c.hintUsed)
	delta := c.ledger.ApplyLocalResult(correct, ifCorrect, otherwise)
	c.logger.Info().
		Str("question_key", key).
		Bool("correct", correct).
		Bool("hint_used", c.hintUsed).
		Bool("timed_out", timedOut).
		Int("delta", delta).
		Msg("answer scored")

	if c.cfg.Topology != domain.TopologySolo {
		c.send(domain.EventSubmitResult, domain.SubmitResult{
			ParticipantID: c.cfg.Self.ID,
			QuestionKey:   key,
			PointsDelta:   delta,
			IsCorrect:     correct,
		})
	}
	c.enterFeedback(domain.Feedback{
		QuestionKey:   key,
		CorrectAnswer: q.CorrectAnswer,
		Explanation:   q.Explanation,
		AnsweredBy:    c.cfg.Self.ID,
		Answer:        answer,
		IsCorrect:     correct,
		PointsDelta:   delta,
		TimedOut:      timedOut,
	})
}

func (c *Coordinator) enterFeedback(fb domain.Feedback) {
	c.phase = domain.PhaseFeedback
	c.feedback = &fb
	c.awaiting = false
	key := c.key()
	c.runCountdown(c.cfg.FeedbackSeconds, func() {
		if c.phase != domain.PhaseFeedback || c.key() != key {
			return
		}
		c.feedbackExpired()
	})
}

func (c *Coordinator) feedbackExpired() {
	switch c.cfg.Topology {
	case domain.TopologySolo:
		c.advanceFromHere()
	case domain.TopologyPeer:
		if c.leader == c.cfg.Self.ID {
			c.advanceFromHere()
			return
		}
		c.awaiting = true
		key := c.key()
		c.runCountdown(c.cfg.SyncGraceSeconds, func() {
			if c.phase != domain.PhaseFeedback || c.key() != key || !c.awaiting {
				return
			}
			c.logger.Warn().Err(domain.ErrSyncTimeout).Str("question_key", key).Str("leader", c.leader).Msg("advancing without leader")
			c.applyAdvance(c.nextTarget())
		})
	case domain.TopologyTeacherLed:
		// students wait for the teacher; the teacher advances explicitly
		c.awaiting = !c.isHost()
	}
}

// advanceFromHere broadcasts the next position when self drives progression and applies it.
func (c *Coordinator) advanceFromHere() {
	target := c.nextTarget()
	if c.cfg.Topology != domain.TopologySolo {
		c.send(domain.EventAdvance, target)
	}
	c.applyAdvance(target)
}

func (c *Coordinator) nextTarget() domain.AdvanceSession {
	if c.questionIdx+1 < len(c.set.Rounds[c.roundIdx].Questions) {
		return domain.AdvanceSession{RoundIdx: c.roundIdx, QuestionIdx: c.questionIdx + 1}
	}
	if c.roundIdx+1 < len(c.set.Rounds) {
		return domain.AdvanceSession{RoundIdx: c.roundIdx + 1, QuestionIdx: 0, IsNewRound: true}
	}
	return domain.AdvanceSession{RoundIdx: c.roundIdx, QuestionIdx: c.questionIdx, Complete: true}
}

func (c *Coordinator) applyAdvance(target domain.AdvanceSession) {
	c.pendingResync = false
	switch {
	case target.Complete:
		c.complete()
	case target.IsNewRound:
		c.enterRoundIntro(target.RoundIdx, target.QuestionIdx)
	default:
		c.roundIdx, c.questionIdx = target.RoundIdx, target.QuestionIdx
		c.beginQuestion()
	}
}

func (c *Coordinator) complete() {
	if c.phase == domain.PhaseComplete {
		return
	}
	c.clock.Cancel()
	c.phase = domain.PhaseComplete
	c.remaining = 0
	c.awaiting = false
	c.pendingResync = false
	c.logger.Info().Int("score", c.ledger.Score(c.cfg.Self.ID)).Msg("session complete")
	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete()
	}
}

func (c *Coordinator) onRemoteClaim(sender domain.Participant, p domain.ClaimTurn) error {
	if c.cfg.Topology != domain.TopologyPeer {
		return fmt.Errorf("%w: claims are not used in %s", domain.ErrStaleEvent, c.cfg.Topology)
	}
	if p.ParticipantID == "" {
		p.ParticipantID = sender.ID
	}
	if p.QuestionKey != c.key() {
		return fmt.Errorf("%w: claim for %s while %s is active", domain.ErrStaleEvent, p.QuestionKey, c.key())
	}
	if c.phase == domain.PhaseRoundIntro {
		// the claimer's introduction already ended; open the question and take the claim
		c.beginQuestion()
	}
	if c.phase != domain.PhaseContest {
		if c.arbiter.Granted() {
			return fmt.Errorf("%w: turn on %s held by %s", domain.ErrDuplicateClaim, c.key(), c.arbiter.Holder())
		}
		return fmt.Errorf("%w: claim during %s", domain.ErrStaleEvent, c.phase)
	}
	if err := c.arbiter.OnRemoteClaim(p.ParticipantID, p.QuestionKey); err != nil {
		return err
	}
	c.enterAnswering()
	return nil
}

func (c *Coordinator) onRemoteResult(sender domain.Participant, p domain.SubmitResult) error {
	if p.ParticipantID == "" {
		p.ParticipantID = sender.ID
	}
	if p.QuestionKey != c.key() {
		return fmt.Errorf("%w: result for %s while %s is active", domain.ErrStaleEvent, p.QuestionKey, c.key())
	}
	if c.phase == domain.PhaseComplete {
		return fmt.Errorf("%w: result for %s after the session completed", domain.ErrStaleEvent, p.QuestionKey)
	}
	if sender.ID == p.ParticipantID {
		c.ledger.Track(sender)
	}
	if !c.ledger.ApplyRemoteResult(p.ParticipantID, p.QuestionKey, p.PointsDelta) {
		return fmt.Errorf("%w: result of %s for %s already applied", domain.ErrStaleEvent, p.ParticipantID, p.QuestionKey)
	}

	if c.cfg.Topology != domain.TopologyPeer {
		return nil
	}
	if c.phase == domain.PhaseRoundIntro {
		c.beginQuestion()
	}
	if c.phase == domain.PhaseContest && !c.arbiter.Granted() {
		// the claim never reached us; a result can only come from the turn holder
		if err := c.arbiter.OnRemoteClaim(p.ParticipantID, p.QuestionKey); err == nil {
			c.enterAnswering()
		}
	}
	if p.ParticipantID != c.arbiter.Holder() {
		return nil
	}
	q := c.question()
	fb := domain.Feedback{
		QuestionKey:   p.QuestionKey,
		CorrectAnswer: q.CorrectAnswer,
		Explanation:   q.Explanation,
		AnsweredBy:    p.ParticipantID,
		IsCorrect:     p.IsCorrect,
		PointsDelta:   p.PointsDelta,
	}
	switch c.phase {
	case domain.PhaseAnswering:
		c.enterFeedback(fb)
	case domain.PhaseFeedback:
		// our own answering countdown ran out first; keep the phase, show the real outcome
		c.feedback = &fb
	}
	return nil
}

func (c *Coordinator) onRemoteAdvance(sender domain.Participant, target domain.AdvanceSession) error {
	switch c.cfg.Topology {
	case domain.TopologySolo:
		return fmt.Errorf("%w: advance in solo session", domain.ErrStaleEvent)
	case domain.TopologyTeacherLed:
		if sender.Role != domain.RoleTeacher {
			return fmt.Errorf("%w: advance from %s (%s)", domain.ErrNotPermitted, sender.ID, sender.Role)
		}
		if c.isHost() {
			return fmt.Errorf("%w: host ignores foreign advance", domain.ErrStaleEvent)
		}
	}
	if c.phase == domain.PhaseComplete {
		return fmt.Errorf("%w: session already complete", domain.ErrStaleEvent)
	}
	if !target.Complete && !c.validPosition(target.RoundIdx, target.QuestionIdx) {
		return fmt.Errorf("%w: advance to unknown position %s", domain.ErrStaleEvent, domain.QuestionKey(target.RoundIdx, target.QuestionIdx))
	}

	cmp := c.compareTarget(target)
	if cmp == 0 {
		// the same position without a new round starts a question still in its introduction
		if c.phase == domain.PhaseRoundIntro && !target.IsNewRound {
			c.pendingResync = false
			c.beginQuestion()
			return nil
		}
		return fmt.Errorf("%w: duplicate advance to %s", domain.ErrStaleEvent, c.key())
	}
	if cmp < 0 && c.cfg.Topology == domain.TopologyPeer {
		return fmt.Errorf("%w: advance to earlier position %s", domain.ErrStaleEvent, domain.QuestionKey(target.RoundIdx, target.QuestionIdx))
	}

	c.logger.Debug().
		Str("from", c.key()).
		Str("to", domain.QuestionKey(target.RoundIdx, target.QuestionIdx)).
		Bool("new_round", target.IsNewRound).
		Bool("complete", target.Complete).
		Str("sender", sender.ID).
		Msg("advance received")
	c.applyAdvance(target)
	return nil
}

func (c *Coordinator) onResyncRequest(p domain.RequestResync) error {
	if c.phase == "" || p.ParticipantID == c.cfg.Self.ID {
		return fmt.Errorf("%w: nothing to resync", domain.ErrStaleEvent)
	}
	if !c.answersResync(p.ParticipantID) {
		return nil
	}
	state := domain.ResyncState{
		TargetID:     p.ParticipantID,
		RoundIdx:     c.roundIdx,
		QuestionIdx:  c.questionIdx,
		Phase:        c.phase,
		RemainingSec: c.remaining,
		TurnHolder:   c.arbiter.Holder(),
	}
	c.logger.Info().Str("target", p.ParticipantID).Str("question_key", c.key()).Str("phase", string(c.phase)).Msg("answering resync")
	c.send(domain.EventResyncState, state)
	return nil
}

func (c *Coordinator) onResyncState(s domain.ResyncState) error {
	if s.TargetID != c.cfg.Self.ID || !c.pendingResync {
		return fmt.Errorf("%w: resync for %s", domain.ErrStaleEvent, s.TargetID)
	}
	if s.Phase != domain.PhaseComplete && !c.validPosition(s.RoundIdx, s.QuestionIdx) {
		return fmt.Errorf("%w: resync to unknown position %s", domain.ErrStaleEvent, domain.QuestionKey(s.RoundIdx, s.QuestionIdx))
	}
	c.pendingResync = false
	if s.Phase != domain.PhaseComplete && s.RoundIdx == c.roundIdx && s.QuestionIdx == c.questionIdx {
		if s.Phase == c.phase && s.RemainingSec < c.remaining {
			switch c.phase {
			case domain.PhaseRoundIntro:
				c.introCountdown(s.RemainingSec)
				return nil
			case domain.PhaseContest:
				c.contestCountdown(s.RemainingSec)
				return nil
			}
		}
		if phaseRank(c.phase) >= phaseRank(s.Phase) {
			// already on that question and at least as far along; never step back
			return nil
		}
	}
	c.logger.Info().
		Str("question_key", domain.QuestionKey(s.RoundIdx, s.QuestionIdx)).
		Str("phase", string(s.Phase)).
		Int("remaining", s.RemainingSec).
		Msg("resync adopted")

	if s.Phase == domain.PhaseComplete {
		c.complete()
		return nil
	}

	c.roundIdx, c.questionIdx = s.RoundIdx, s.QuestionIdx
	c.clearQuestionState()
	c.arbiter.Reset(c.key())
	key := c.key()
	q := c.question()

	switch s.Phase {
	case domain.PhaseRoundIntro:
		c.phase = domain.PhaseRoundIntro
		c.introCountdown(s.RemainingSec)
	case domain.PhaseContest:
		if c.cfg.Topology != domain.TopologyPeer {
			c.enterAnsweringFor(s.RemainingSec)
			return nil
		}
		c.phase = domain.PhaseContest
		c.contestCountdown(s.RemainingSec)
	case domain.PhaseAnswering:
		if s.TurnHolder != "" && c.cfg.Topology == domain.TopologyPeer {
			_ = c.arbiter.OnRemoteClaim(s.TurnHolder, key)
		}
		c.enterAnsweringFor(s.RemainingSec)
	case domain.PhaseFeedback:
		c.phase = domain.PhaseFeedback
		c.feedback = &domain.Feedback{QuestionKey: key, CorrectAnswer: q.CorrectAnswer, Explanation: q.Explanation, AnsweredBy: s.TurnHolder}
		c.runCountdown(s.RemainingSec, func() {
			if c.phase == domain.PhaseFeedback && c.key() == key {
				c.feedbackExpired()
			}
		})
	default:
		return fmt.Errorf("%w: resync with unknown phase %q", domain.ErrStaleEvent, s.Phase)
	}
	return nil
}

func (c *Coordinator) enterAnsweringFor(seconds int) {
	c.phase = domain.PhaseAnswering
	key := c.key()
	c.runCountdown(seconds, func() {
		if c.phase == domain.PhaseAnswering && c.key() == key {
			c.answeringExpired()
		}
	})
}

// runCountdown starts the session clock. Callbacks of a replaced countdown are
// dropped; onExpire still re-checks phase and key.
func (c *Coordinator) runCountdown(seconds int, onExpire func()) {
	if seconds < 0 {
		seconds = 0
	}
	c.countdowns++
	seq := c.countdowns
	c.remaining = seconds
	c.clock.Start(seconds, func(remaining int) {
		if seq == c.countdowns {
			c.remaining = remaining
		}
	}, func() {
		if seq != c.countdowns {
			return
		}
		c.remaining = 0
		onExpire()
	})
}

func (c *Coordinator) clearQuestionState() {
	c.hintUsed = false
	c.feedback = nil
	c.awaiting = false
}

// canClaim is the topology policy for racing the turn. Once answering has
// begun the arbiter rejects the claim as a duplicate.
func (c *Coordinator) canClaim() bool {
	if c.cfg.Topology != domain.TopologyPeer {
		return false
	}
	return c.phase == domain.PhaseContest || c.phase == domain.PhaseAnswering
}

// canSubmit is the topology policy for answering the active question.
func (c *Coordinator) canSubmit() bool {
	if c.phase != domain.PhaseAnswering {
		return false
	}
	if _, done := c.answered[c.key()]; done {
		return false
	}
	switch c.cfg.Topology {
	case domain.TopologySolo:
		return true
	case domain.TopologyPeer:
		return c.arbiter.Holder() == c.cfg.Self.ID
	case domain.TopologyTeacherLed:
		return !c.isHost()
	}
	return false
}

// isAdvancer is the topology policy for who drives progression.
func (c *Coordinator) isAdvancer() bool {
	switch c.cfg.Topology {
	case domain.TopologySolo:
		return true
	case domain.TopologyPeer:
		return c.leader == c.cfg.Self.ID
	case domain.TopologyTeacherLed:
		return c.isHost()
	}
	return false
}

func (c *Coordinator) advancerName() string {
	switch c.cfg.Topology {
	case domain.TopologyPeer:
		return "leader"
	case domain.TopologyTeacherLed:
		return "hosting teacher"
	}
	return "player"
}

// answersResync reports whether self is responsible for answering requester.
func (c *Coordinator) answersResync(requester string) bool {
	switch c.cfg.Topology {
	case domain.TopologyPeer:
		return c.electLeader(requester) == c.cfg.Self.ID
	case domain.TopologyTeacherLed:
		return c.isHost()
	}
	return false
}

// electLeader elects among present participants, leaving out one identifier.
func (c *Coordinator) electLeader(exclude string) string {
	ids := make([]string, 0, len(c.present))
	for id, p := range c.present {
		if id == exclude {
			continue
		}
		if c.cfg.Topology == domain.TopologyTeacherLed && p.Role != domain.RoleTeacher {
			continue
		}
		ids = append(ids, id)
	}
	leader, ok := Elect(ids)
	if !ok {
		return ""
	}
	return leader
}

func (c *Coordinator) isHost() bool {
	return c.cfg.Topology == domain.TopologyTeacherLed && c.cfg.Self.Role == domain.RoleTeacher
}

func (c *Coordinator) guardOpen() error {
	if c.closed {
		return domain.ErrSessionClosed
	}
	if !c.started {
		return fmt.Errorf("%w: session not started", domain.ErrNotPermitted)
	}
	if c.phase == domain.PhaseComplete {
		return fmt.Errorf("%w: session complete", domain.ErrNotPermitted)
	}
	return nil
}

func (c *Coordinator) compareTarget(t domain.AdvanceSession) int {
	if t.Complete {
		return 1
	}
	switch {
	case t.RoundIdx != c.roundIdx:
		return sign(t.RoundIdx - c.roundIdx)
	default:
		return sign(t.QuestionIdx - c.questionIdx)
	}
}

func (c *Coordinator) validPosition(roundIdx, questionIdx int) bool {
	if roundIdx < 0 || roundIdx >= len(c.set.Rounds) {
		return false
	}
	return questionIdx >= 0 && questionIdx < len(c.set.Rounds[roundIdx].Questions)
}

func (c *Coordinator) question() domain.Question {
	return c.set.Rounds[c.roundIdx].Questions[c.questionIdx]
}

func (c *Coordinator) key() string {
	return domain.QuestionKey(c.roundIdx, c.questionIdx)
}

func (c *Coordinator) send(event string, payload any) {
	if c.pub == nil {
		return
	}
	if err := c.pub.Send(event, payload); err != nil {
		c.logger.Warn().Err(err).Str("event", event).Msg("broadcast failed")
	}
}

func phaseRank(p domain.Phase) int {
	switch p {
	case domain.PhaseRoundIntro:
		return 0
	case domain.PhaseContest:
		return 1
	case domain.PhaseAnswering:
		return 2
	case domain.PhaseFeedback:
		return 3
	case domain.PhaseComplete:
		return 4
	}
	return -1
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
