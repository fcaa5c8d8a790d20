package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"physiquest-session/internal/clock"
	"physiquest-session/internal/domain"
)

// Match runs one coordinator on its own event loop. Commands, clock callbacks and
// transport callbacks are all executed on that loop, one at a time, in arrival order.
type Match struct {
	coord     *Coordinator
	countdown *clock.Countdown
	transport Transport
	channel   string
	self      domain.Participant
	settings  Settings
	logger    zerolog.Logger

	// owned by the loop
	handle Handle

	queueMu   sync.Mutex
	queue     []func()
	notify    chan struct{}
	quit      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
	ctx       context.Context
	cancelCtx context.CancelFunc

	mu          sync.RWMutex
	err         error
	last        domain.SessionView
	subscribers map[chan domain.SessionView]struct{}
	finished    bool
}

func newMatch(settings Settings, transport Transport, channel string, self domain.Participant) *Match {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Match{
		transport:   transport,
		channel:     channel,
		self:        self,
		settings:    settings,
		notify:      make(chan struct{}, 1),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		ctx:         ctx,
		cancelCtx:   cancel,
		subscribers: make(map[chan domain.SessionView]struct{}),
		logger:      log.With().Str("channel", channel).Str("participant_id", self.ID).Logger(),
	}
	m.countdown = clock.New(settings.Clock, m.post)
	return m
}

func (m *Match) run() {
	defer close(m.stopped)
	defer m.closeSubscribers()
	for {
		select {
		case <-m.notify:
		case <-m.quit:
			return
		}
		for {
			f, ok := m.next()
			if !ok {
				break
			}
			select {
			case <-m.quit:
				return
			default:
			}
			f()
			m.publish()
		}
	}
}

// post appends f to the loop's mailbox. It never blocks, so the loop can post
// to itself, and callers are served in the order they posted.
func (m *Match) post(f func()) {
	m.queueMu.Lock()
	m.queue = append(m.queue, f)
	m.queueMu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Match) next() (func(), bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	f := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return f, true
}

// do runs f on the loop and waits for its result.
func (m *Match) do(ctx context.Context, f func() error) error {
	result := make(chan error, 1)
	select {
	case <-m.quit:
		return domain.ErrSessionClosed
	default:
	}
	m.post(func() { result <- f() })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return domain.ErrSessionClosed
	}
}

// Claim races for the turn on the active question.
func (m *Match) Claim(ctx context.Context) error {
	return m.do(ctx, m.coord.ClaimTurn)
}

// Submit answers the active question.
func (m *Match) Submit(ctx context.Context, answer string) error {
	return m.do(ctx, func() error { return m.coord.Submit(answer) })
}

// UseHint reveals the hint of the active question.
func (m *Match) UseHint(ctx context.Context) (string, error) {
	var hint string
	err := m.do(ctx, func() error {
		var err error
		hint, err = m.coord.UseHint()
		return err
	})
	return hint, err
}

// Advance moves the session on when self drives progression.
func (m *Match) Advance(ctx context.Context) error {
	return m.do(ctx, m.coord.Advance)
}

// JumpTo sends every student to a question. Hosting teacher only.
func (m *Match) JumpTo(ctx context.Context, roundIdx, questionIdx int) error {
	return m.do(ctx, func() error { return m.coord.JumpTo(roundIdx, questionIdx) })
}

// StartNow skips the round introduction.
func (m *Match) StartNow(ctx context.Context) error {
	return m.do(ctx, m.coord.StartNow)
}

// View returns the current session snapshot.
func (m *Match) View(ctx context.Context) (domain.SessionView, error) {
	var view domain.SessionView
	err := m.do(ctx, func() error {
		view = m.coord.View()
		return nil
	})
	if errors.Is(err, domain.ErrSessionClosed) {
		return m.lastView(), err
	}
	return view, err
}

// Rejoin leaves the channel, joins it again and asks for the current position.
func (m *Match) Rejoin(ctx context.Context) error {
	if m.transport == nil {
		return fmt.Errorf("%w: solo session has no channel", domain.ErrNotPermitted)
	}
	if err := m.do(ctx, func() error {
		m.detach()
		m.coord.SetConnection(domain.ConnectionReconnecting)
		return nil
	}); err != nil {
		return err
	}

	h, err := m.transport.Join(ctx, m.channel, m.self)
	if err != nil {
		_ = m.do(ctx, func() error {
			m.coord.SetConnection(domain.ConnectionFailed)
			return nil
		})
		return err
	}
	return m.do(ctx, func() error {
		m.attach(h)
		return m.coord.RequestResync()
	})
}

// Exit cancels the countdown, leaves the channel and stops the loop.
func (m *Match) Exit(ctx context.Context) error {
	err := m.do(ctx, func() error {
		m.coord.Close()
		m.detach()
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrSessionClosed) {
		return err
	}
	m.stop(nil)
	<-m.stopped
	m.logger.Info().Msg("session exited")
	return nil
}

// Done is closed once the match has stopped.
func (m *Match) Done() <-chan struct{} {
	return m.stopped
}

// Err explains why a match stopped on its own. It wraps domain.ErrConnection
// when reconnecting failed.
func (m *Match) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Subscribe returns a channel that receives session views.
// The caller must invoke the returned cancel function to avoid leaks.
func (m *Match) Subscribe() (<-chan domain.SessionView, func()) {
	ch := make(chan domain.SessionView, 8)

	m.mu.Lock()
	if m.finished {
		ch <- m.last
		close(ch)
		m.mu.Unlock()
		return ch, func() {}
	}
	m.subscribers[ch] = struct{}{}
	ch <- m.last
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subscribers[ch]; ok {
			delete(m.subscribers, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Match) publish() {
	view := m.coord.View()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = view
	for ch := range m.subscribers {
		select {
		case ch <- view:
		default:
			// drop the stale view so a slow reader never blocks the loop
			select {
			case <-ch:
			default:
			}
			ch <- view
		}
	}
}

func (m *Match) lastView() domain.SessionView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Match) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true
	for ch := range m.subscribers {
		delete(m.subscribers, ch)
		close(ch)
	}
}

func (m *Match) stop(err error) {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		m.cancelCtx()
		close(m.quit)
	})
}

// attach makes h the live handle. Must run on the loop.
func (m *Match) attach(h Handle) {
	m.handle = h
	m.coord.SetPublisher(h)
	m.coord.SetConnection(domain.ConnectionConnected)

	h.OnPresenceChange(func(members []domain.Participant) {
		m.post(func() {
			if m.handle == h {
				m.coord.HandlePresence(members)
			}
		})
	})
	for _, event := range domain.SessionEvents {
		h.OnEvent(event, func(env domain.Envelope) {
			m.post(func() {
				if m.handle == h {
					m.handleEvent(env)
				}
			})
		})
	}
	go m.watch(h)
}

// detach leaves the live handle. Must run on the loop.
func (m *Match) detach() {
	h := m.handle
	if h == nil {
		return
	}
	m.handle = nil
	m.coord.SetPublisher(nil)
	if err := h.Leave(); err != nil {
		m.logger.Warn().Err(err).Msg("leave channel")
	}
}

func (m *Match) handleEvent(env domain.Envelope) {
	err := m.coord.HandleEvent(env)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStaleEvent), errors.Is(err, domain.ErrDuplicateClaim), errors.Is(err, domain.ErrNotPermitted):
		m.logger.Debug().Err(err).Str("event", env.Event).Str("sender", env.Sender.ID).Msg("event ignored")
	default:
		m.logger.Warn().Err(err).Str("event", env.Event).Str("sender", env.Sender.ID).Msg("event rejected")
	}
}

func (m *Match) watch(h Handle) {
	select {
	case <-h.Done():
	case <-m.quit:
		return
	}
	err := h.Err()
	if err == nil {
		return
	}
	m.post(func() {
		if m.handle != h || m.coord.Closed() {
			return
		}
		m.logger.Warn().Err(err).Msg("subscription lost")
		m.handle = nil
		m.coord.SetPublisher(nil)
		m.coord.SetConnection(domain.ConnectionReconnecting)
		go m.reconnect()
	})
}

func (m *Match) reconnect() {
	var joined Handle
	attempt := 0
	op := func() error {
		attempt++
		h, err := m.transport.Join(m.ctx, m.channel, m.self)
		if err != nil {
			return err
		}
		joined = h
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("rejoin failed")
	}

	err := backoff.RetryNotify(op, m.retryPolicy(), notify)
	if err != nil {
		if m.ctx.Err() != nil {
			return
		}
		m.logger.Error().Err(err).Int("attempts", attempt).Msg("giving up on channel, exiting session")
		m.post(func() {
			m.coord.Close()
			m.coord.SetConnection(domain.ConnectionFailed)
			m.stop(fmt.Errorf("%w: rejoin %s: %v", domain.ErrConnection, m.channel, err))
		})
		return
	}

	m.post(func() {
		if m.coord.Closed() {
			_ = joined.Leave()
			return
		}
		m.logger.Info().Int("attempts", attempt).Msg("rejoined channel")
		m.attach(joined)
		if err := m.coord.RequestResync(); err != nil {
			m.logger.Debug().Err(err).Msg("resync not requested")
		}
	})
}

func (m *Match) retryPolicy() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.settings.ReconnectInterval
	eb.MaxInterval = 10 * m.settings.ReconnectInterval
	eb.MaxElapsedTime = 0
	retries := m.settings.ReconnectAttempts - 1
	if retries < 0 {
		retries = 0
	}
	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(retries))
	return backoff.WithContext(b, m.ctx)
}
