package wsrelay

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"physiquest-session/internal/app"
	"physiquest-session/internal/domain"
	"physiquest-session/internal/pubsub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Transport joins channels through the WebSocket relay at URL (ws://host:port/ws).
type Transport struct {
	url    string
	dialer *websocket.Dialer
}

func NewTransport(relayURL string) *Transport {
	return &Transport{
		url:    relayURL,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (t *Transport) Join(ctx context.Context, channel string, self domain.Participant) (app.Handle, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("%w: relay url: %v", domain.ErrConnection, err)
	}
	q := u.Query()
	q.Set("channel", channel)
	q.Set("id", self.ID)
	q.Set("name", self.DisplayName)
	q.Set("role", string(self.Role))
	u.RawQuery = q.Encode()

	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay for %s: %v", domain.ErrConnection, channel, err)
	}

	h := &handle{
		conn:     conn,
		self:     self,
		router:   pubsub.NewRouter(self),
		send:     make(chan []byte, sendBuffer),
		stop:     make(chan struct{}),
		readDone: make(chan struct{}),
		logger:   log.With().Str("channel", channel).Str("participant_id", self.ID).Logger(),
	}
	go h.readLoop()
	go h.writeLoop()
	return h, nil
}

type handle struct {
	conn   *websocket.Conn
	self   domain.Participant
	router *pubsub.Router
	logger zerolog.Logger

	send     chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	leaving  atomic.Bool
	readDone chan struct{}
}

func (h *handle) OnPresenceChange(fn func([]domain.Participant)) { h.router.OnPresenceChange(fn) }

func (h *handle) OnEvent(event string, fn func(domain.Envelope)) { h.router.OnEvent(event, fn) }

func (h *handle) Send(event string, payload any) error {
	if h.router.Closed() {
		return fmt.Errorf("%w: send %s on closed handle", domain.ErrConnection, event)
	}
	env, err := pubsub.NewEnvelope(event, h.self, payload)
	if err != nil {
		return err
	}
	frame, err := pubsub.EncodeFrame(pubsub.FrameEvent, env)
	if err != nil {
		return err
	}
	select {
	case h.send <- frame:
	case <-h.stop:
		return fmt.Errorf("%w: send %s on closed handle", domain.ErrConnection, event)
	default:
		h.logger.Warn().Str("event", event).Msg("relay send buffer full, dropping event")
	}
	return nil
}

func (h *handle) Leave() error {
	h.leaving.Store(true)
	h.shutdown()
	<-h.readDone
	return nil
}

func (h *handle) Done() <-chan struct{} { return h.router.Done() }

func (h *handle) Err() error { return h.router.Err() }

func (h *handle) shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *handle) readLoop() {
	defer close(h.readDone)
	defer h.shutdown()

	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := h.conn.ReadMessage()
		if err != nil {
			if h.leaving.Load() {
				h.router.Close(nil)
				return
			}
			h.logger.Warn().Err(err).Msg("relay connection lost")
			h.router.Close(fmt.Errorf("%w: relay: %v", domain.ErrConnection, err))
			return
		}
		frame, err := pubsub.DecodeFrame(message)
		if err != nil {
			h.logger.Warn().Err(err).Msg("drop malformed frame")
			continue
		}
		switch frame.Type {
		case pubsub.FrameEvent:
			env, err := pubsub.FrameEnvelope(frame)
			if err != nil {
				h.logger.Warn().Err(err).Msg("drop malformed event")
				continue
			}
			h.router.Deliver(env)
		case pubsub.FramePresence:
			members, err := pubsub.FrameMembers(frame)
			if err != nil {
				h.logger.Warn().Err(err).Msg("drop malformed presence")
				continue
			}
			h.router.SetPresence(members)
		case pubsub.FrameError:
			h.logger.Warn().RawJSON("payload", frame.Payload).Msg("relay rejected a frame")
		}
	}
}

func (h *handle) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.conn.Close()
	}()

	for {
		select {
		case frame := <-h.send:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug().Err(err).Msg("relay write failed")
				return
			}
		case <-ticker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.stop:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = h.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
