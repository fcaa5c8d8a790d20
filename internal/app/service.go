package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"physiquest-session/internal/domain"
)

// Settings are the session timings and policies shared by every match a service starts.
type Settings struct {
	RoundIntro        time.Duration
	Feedback          time.Duration
	SyncGrace         time.Duration
	ReconnectAttempts int
	ReconnectInterval time.Duration
	Scoring           domain.Scoring

	Clock clockwork.Clock
	IDs   IdentityGenerator
}

// DefaultSettings mirror the timings of the classroom game.
func DefaultSettings() Settings {
	return Settings{
		RoundIntro:        5 * time.Second,
		Feedback:          6 * time.Second,
		SyncGrace:         3 * time.Second,
		ReconnectAttempts: 5,
		ReconnectInterval: 500 * time.Millisecond,
		Scoring:           domain.DefaultScoring(),
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.RoundIntro < 0 {
		s.RoundIntro = 0
	}
	if s.Feedback < 0 {
		s.Feedback = 0
	}
	if s.SyncGrace <= 0 {
		s.SyncGrace = def.SyncGrace
	}
	if s.ReconnectAttempts <= 0 {
		s.ReconnectAttempts = def.ReconnectAttempts
	}
	if s.ReconnectInterval <= 0 {
		s.ReconnectInterval = def.ReconnectInterval
	}
	if s.Scoring == (domain.Scoring{}) {
		s.Scoring = def.Scoring
	}
	if s.Clock == nil {
		s.Clock = clockwork.NewRealClock()
	}
	if s.IDs == nil {
		s.IDs = UUIDIdentity{}
	}
	return s
}

// StartRequest describes who starts which session.
type StartRequest struct {
	SetID       string
	Topology    domain.Topology
	DisplayName string
	Role        domain.Role
	// TeacherName and RoomCode name the channel; unused for SOLO.
	TeacherName string
	RoomCode    string
}

// MatchService contains the session start use case.
type MatchService struct {
	sets      QuestionSetRepository
	transport Transport
	settings  Settings
}

// NewMatchService wires a service. transport may be nil when only SOLO sessions are played.
func NewMatchService(sets QuestionSetRepository, transport Transport, settings Settings) *MatchService {
	return &MatchService{sets: sets, transport: transport, settings: settings.withDefaults()}
}

// Start loads the question set once, joins the channel and starts the session loop.
func (s *MatchService) Start(ctx context.Context, req StartRequest) (*Match, error) {
	if strings.TrimSpace(req.DisplayName) == "" {
		return nil, fmt.Errorf("display name is required")
	}
	if req.Role == "" {
		req.Role = domain.RoleStudent
	}
	if req.Topology != domain.TopologyTeacherLed && req.Role == domain.RoleTeacher {
		return nil, fmt.Errorf("%w: teachers only host teacher-led sessions", domain.ErrNotPermitted)
	}

	if req.Topology != domain.TopologySolo {
		if s.transport == nil {
			return nil, fmt.Errorf("%w: no transport configured for %s", domain.ErrConnection, req.Topology)
		}
		if req.RoomCode == "" || req.TeacherName == "" {
			return nil, fmt.Errorf("room code and teacher are required for %s", req.Topology)
		}
	}

	set, err := s.sets.GetQuestionSet(ctx, req.SetID)
	if err != nil {
		return nil, err
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	self := domain.Participant{ID: s.settings.IDs.NewID(), DisplayName: strings.TrimSpace(req.DisplayName), Role: req.Role}

	sessionID := domain.SoloSessionID(self.ID)
	var handle Handle
	if req.Topology != domain.TopologySolo {
		sessionID = domain.SessionID(req.TeacherName, req.RoomCode)
		handle, err = s.transport.Join(ctx, domain.ChannelName(req.TeacherName, req.RoomCode), self)
		if err != nil {
			return nil, err
		}
	}

	var transport Transport
	if handle != nil {
		transport = s.transport
	}
	m := newMatch(s.settings, transport, sessionID, self)
	coord, err := NewCoordinator(Config{
		Topology:          req.Topology,
		SessionID:         sessionID,
		Self:              self,
		RoundIntroSeconds: seconds(s.settings.RoundIntro),
		FeedbackSeconds:   seconds(s.settings.Feedback),
		SyncGraceSeconds:  seconds(s.settings.SyncGrace),
		Scoring:           s.settings.Scoring,
		Now:               s.settings.Clock.Now,
		OnComplete:        m.detach,
	}, set, m.countdown, nil)
	if err != nil {
		if handle != nil {
			_ = handle.Leave()
		}
		return nil, err
	}
	m.coord = coord
	go m.run()

	err = m.do(ctx, func() error {
		if handle != nil {
			m.attach(handle)
		}
		if err := coord.Start(); err != nil {
			return err
		}
		return coord.RequestResync()
	})
	if err != nil {
		_ = m.Exit(context.Background())
		return nil, err
	}

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", self.ID).
		Str("topology", string(req.Topology)).
		Str("set_id", set.ID).
		Msg("match started")
	return m, nil
}

func seconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
