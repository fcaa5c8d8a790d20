package http

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"physiquest-session/internal/domain"
	"physiquest-session/internal/pubsub"
)

// RelayConfig holds WebSocket timings for relay connections.
type RelayConfig struct {
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	AllowedOrigins []string
}

// DefaultRelayConfig returns default relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		AllowedOrigins: []string{"*"},
	}
}

// Relay forwards session envelopes between the members of a channel and pushes
// the member list to everyone whenever it changes. It keeps no session state.
type Relay struct {
	cfg      RelayConfig
	upgrader websocket.Upgrader

	// mu guards channels and every client's send channel: enqueue runs with at
	// least the read lock, closing a send channel needs the write lock.
	mu       sync.RWMutex
	channels map[string]map[string]*relayClient
}

type relayClient struct {
	id          string
	relay       *Relay
	conn        *websocket.Conn
	channel     string
	participant domain.Participant
	send        chan []byte
	closed      bool
}

func NewRelay(cfg RelayConfig) *Relay {
	return &Relay{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		channels: make(map[string]map[string]*relayClient),
	}
}

// Handler builds the gin router wrapped with CORS.
func (r *Relay) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "channels": r.channelCount()})
	})
	router.GET("/ws", r.HandleWS)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: r.cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(router)
}

// HandleWS upgrades /ws?channel=&id=&name=&role= and joins the connection to the channel.
func (r *Relay) HandleWS(c *gin.Context) {
	channel := c.Query("channel")
	p := domain.Participant{ID: c.Query("id"), DisplayName: c.Query("name"), Role: domain.Role(c.Query("role"))}
	if channel == "" || p.ID == "" || p.DisplayName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing channel, id or name"})
		return
	}
	if p.Role == "" {
		p.Role = domain.RoleStudent
	}
	if p.Role != domain.RoleStudent && p.Role != domain.RoleTeacher {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	client := &relayClient{
		id:          uuid.New().String(),
		relay:       r,
		conn:        conn,
		channel:     channel,
		participant: p,
		send:        make(chan []byte, r.cfg.SendBuffer),
	}
	r.register(client)

	go client.writePump()
	go client.readPump()
}

// Members lists the participants connected to a channel.
func (r *Relay) Members(channel string) []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked(channel)
}

// Close disconnects every client.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, members := range r.channels {
		for _, c := range members {
			c.closeLocked()
		}
	}
	r.channels = make(map[string]map[string]*relayClient)
}

func (r *Relay) channelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

func (r *Relay) register(c *relayClient) {
	r.mu.Lock()
	members, ok := r.channels[c.channel]
	if !ok {
		members = make(map[string]*relayClient)
		r.channels[c.channel] = members
	}
	if old := members[c.participant.ID]; old != nil {
		// the participant reconnected; drop the stale socket
		old.closeLocked()
	}
	members[c.participant.ID] = c
	r.broadcastPresenceLocked(c.channel)
	r.mu.Unlock()

	log.Info().
		Str("channel", c.channel).
		Str("participant_id", c.participant.ID).
		Str("connection_id", c.id).
		Msg("relay client joined")
}

func (r *Relay) unregister(c *relayClient) {
	r.mu.Lock()
	members := r.channels[c.channel]
	if members[c.participant.ID] == c {
		delete(members, c.participant.ID)
		if len(members) == 0 {
			delete(r.channels, c.channel)
		} else {
			r.broadcastPresenceLocked(c.channel)
		}
	}
	c.closeLocked()
	r.mu.Unlock()
}

func (r *Relay) forward(from *relayClient, env domain.Envelope) {
	env.Sender = from.participant
	frame, err := pubsub.EncodeFrame(pubsub.FrameEvent, env)
	if err != nil {
		log.Warn().Err(err).Str("event", env.Event).Msg("encode relay frame")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.channels[from.channel] {
		if id == from.participant.ID {
			continue
		}
		c.enqueue(frame)
	}
}

func (r *Relay) broadcastPresenceLocked(channel string) {
	frame, err := pubsub.EncodeFrame(pubsub.FramePresence, r.membersLocked(channel))
	if err != nil {
		return
	}
	for _, c := range r.channels[channel] {
		c.enqueue(frame)
	}
}

func (r *Relay) membersLocked(channel string) []domain.Participant {
	members := make([]domain.Participant, 0, len(r.channels[channel]))
	for _, c := range r.channels[channel] {
		members = append(members, c.participant)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// enqueue never blocks; a client that cannot keep up is disconnected.
// The caller holds the relay lock.
func (c *relayClient) enqueue(frame []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Warn().Str("participant_id", c.participant.ID).Msg("relay client too slow, disconnecting")
		go c.relay.unregister(c)
	}
}

// closeLocked ends the write pump. The caller holds the relay write lock.
func (c *relayClient) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *relayClient) readPump() {
	defer func() {
		c.relay.unregister(c)
		c.conn.Close()
	}()

	cfg := c.relay.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("participant_id", c.participant.ID).Msg("relay read error")
			}
			return
		}
		frame, err := pubsub.DecodeFrame(message)
		if err == nil && frame.Type != pubsub.FrameEvent {
			continue
		}
		var env domain.Envelope
		if err == nil {
			env, err = pubsub.FrameEnvelope(frame)
		}
		if err != nil {
			c.sendError("invalid frame")
			continue
		}
		c.relay.forward(c, env)
	}
}

func (c *relayClient) writePump() {
	cfg := c.relay.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("participant_id", c.participant.ID).Msg("relay write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *relayClient) sendError(message string) {
	frame, err := pubsub.EncodeFrame(pubsub.FrameError, pubsub.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	c.relay.mu.RLock()
	c.enqueue(frame)
	c.relay.mu.RUnlock()
}
