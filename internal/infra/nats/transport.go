package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"physiquest-session/internal/app"
	"physiquest-session/internal/domain"
	"physiquest-session/internal/pubsub"
)

// Presence control events. They never reach the router.
const (
	eventHello = "presence-hello"
	eventBeat  = "presence-beat"
	eventBye   = "presence-bye"
)

// Config holds NATS connection and presence settings
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Heartbeat     time.Duration
	PresenceTTL   time.Duration
	Clock         clockwork.Clock
}

// DefaultConfig returns default NATS transport configuration
func DefaultConfig() Config {
	return Config{
		URL:           natsgo.DefaultURL,
		Name:          "physiquest-session",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Heartbeat:     2 * time.Second,
		PresenceTTL:   6 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = def.Heartbeat
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 3 * c.Heartbeat
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = def.ReconnectWait
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Transport carries session channels over core NATS subjects. Presence is built
// from hello, heartbeat and bye messages on the same subject.
type Transport struct {
	nc  *natsgo.Conn
	cfg Config

	mu      sync.Mutex
	handles map[*handle]struct{}
}

// Connect dials NATS and returns a transport owning the connection.
func Connect(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	t := &Transport{cfg: cfg, handles: make(map[*handle]struct{})}

	opts := []natsgo.Option{
		natsgo.Name(cfg.Name),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		natsgo.ErrorHandler(func(nc *natsgo.Conn, sub *natsgo.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
		natsgo.ClosedHandler(func(nc *natsgo.Conn) {
			t.failAll(fmt.Errorf("%w: NATS connection closed", domain.ErrConnection))
		}),
	}

	nc, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to NATS: %v", domain.ErrConnection, err)
	}
	t.nc = nc
	return t, nil
}

// Close drains the connection. Open handles report a lost subscription.
func (t *Transport) Close() {
	if t.nc != nil {
		t.nc.Close()
	}
}

func (t *Transport) Join(ctx context.Context, channel string, self domain.Participant) (app.Handle, error) {
	if t.nc == nil || t.nc.IsClosed() {
		return nil, fmt.Errorf("%w: join %s: NATS connection closed", domain.ErrConnection, channel)
	}

	subj := subject(channel)
	h := newHandle(channel, self, t.cfg, func(data []byte) error { return t.nc.Publish(subj, data) })

	sub, err := t.nc.Subscribe(subj, func(msg *natsgo.Msg) { h.receive(msg.Data) })
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrConnection, channel, err)
	}
	h.unsubscribe = sub.Unsubscribe

	h.publishControl(eventHello)
	if err := t.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: join %s: %v", domain.ErrConnection, channel, err)
	}

	t.mu.Lock()
	t.handles[h] = struct{}{}
	t.mu.Unlock()
	h.onLeave = func() {
		t.mu.Lock()
		delete(t.handles, h)
		t.mu.Unlock()
	}

	go h.heartbeat(t.cfg.Clock.NewTicker(t.cfg.Heartbeat))
	return h, nil
}

func (t *Transport) failAll(err error) {
	t.mu.Lock()
	handles := make([]*handle, 0, len(t.handles))
	for h := range t.handles {
		handles = append(handles, h)
	}
	t.mu.Unlock()
	for _, h := range handles {
		h.fail(err)
	}
}

type handle struct {
	channel string
	self    domain.Participant
	router  *pubsub.Router
	roster  *pubsub.Roster
	publish func([]byte) error
	logger  zerolog.Logger

	unsubscribe func() error
	onLeave     func()

	stop     chan struct{}
	stopOnce sync.Once
}

func newHandle(channel string, self domain.Participant, cfg Config, publish func([]byte) error) *handle {
	h := &handle{
		channel: channel,
		self:    self,
		router:  pubsub.NewRouter(self),
		roster:  pubsub.NewRoster(cfg.Clock, cfg.PresenceTTL),
		publish: publish,
		stop:    make(chan struct{}),
		logger:  log.With().Str("channel", channel).Str("participant_id", self.ID).Logger(),
	}
	h.roster.Touch(self)
	h.router.SetPresence(h.roster.Members())
	return h
}

func (h *handle) OnPresenceChange(fn func([]domain.Participant)) { h.router.OnPresenceChange(fn) }

func (h *handle) OnEvent(event string, fn func(domain.Envelope)) { h.router.OnEvent(event, fn) }

func (h *handle) Send(event string, payload any) error {
	if h.router.Closed() {
		return fmt.Errorf("%w: send %s on closed handle", domain.ErrConnection, event)
	}
	frame, err := pubsub.Encode(event, h.self, payload)
	if err != nil {
		return err
	}
	// Publish only buffers; delivery problems surface through the connection handlers.
	if err := h.publish(frame); err != nil {
		h.logger.Warn().Err(err).Str("event", event).Msg("publish event")
	}
	return nil
}

func (h *handle) Leave() error {
	var err error
	h.end(func() {
		h.publishControl(eventBye)
		if h.unsubscribe != nil {
			err = h.unsubscribe()
		}
		h.router.Close(nil)
	})
	return err
}

func (h *handle) Done() <-chan struct{} { return h.router.Done() }

func (h *handle) Err() error { return h.router.Err() }

func (h *handle) fail(err error) {
	h.end(func() {
		if h.unsubscribe != nil {
			_ = h.unsubscribe()
		}
		h.router.Close(err)
	})
}

func (h *handle) end(f func()) {
	h.stopOnce.Do(func() {
		close(h.stop)
		f()
		if h.onLeave != nil {
			h.onLeave()
		}
	})
}

func (h *handle) receive(data []byte) {
	env, err := pubsub.Decode(data)
	if err != nil {
		h.logger.Warn().Err(err).Msg("drop malformed frame")
		return
	}
	if env.Sender.ID == h.self.ID {
		return
	}
	switch env.Event {
	case eventHello:
		h.roster.Touch(env.Sender)
		// let the newcomer learn about us before the next heartbeat
		h.publishControl(eventBeat)
	case eventBeat:
		h.roster.Touch(env.Sender)
	case eventBye:
		h.roster.Remove(env.Sender.ID)
	default:
		h.router.Deliver(env)
		return
	}
	h.router.SetPresence(h.roster.Members())
}

func (h *handle) heartbeat(ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.Chan():
			h.roster.Touch(h.self)
			h.publishControl(eventBeat)
			if h.roster.Prune() {
				h.router.SetPresence(h.roster.Members())
			}
		}
	}
}

func (h *handle) publishControl(event string) {
	frame, err := pubsub.Encode(event, h.self, nil)
	if err != nil {
		return
	}
	if err := h.publish(frame); err != nil {
		h.logger.Warn().Err(err).Str("event", event).Msg("publish presence")
	}
}

// subject maps a channel name onto a single NATS subject token.
func subject(channel string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")
	return "physiquest.session." + r.Replace(channel)
}
