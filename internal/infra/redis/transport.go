package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"physiquest-session/internal/app"
	"physiquest-session/internal/domain"
	"physiquest-session/internal/pubsub"
)

// presenceEvent asks every member to re-read the presence set.
const presenceEvent = "presence-changed"

// TransportOptions tune heartbeats and publishing.
type TransportOptions struct {
	// Heartbeat is how often a member refreshes its presence score.
	Heartbeat time.Duration
	// PresenceTTL is how long a member stays present without a heartbeat.
	PresenceTTL time.Duration
	// SendTimeout bounds one publish.
	SendTimeout time.Duration
	Clock       clockwork.Clock
}

func (o TransportOptions) withDefaults() TransportOptions {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 2 * time.Second
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 3 * o.Heartbeat
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Transport carries session channels over Redis. Events travel over PUBLISH on
// {channel}:events. Presence is a sorted set {channel}:presence of presence keys
// scored by their last heartbeat in milliseconds, and {channel}:meta maps each
// participant id to its JSON description so roles survive the round trip.
type Transport struct {
	client *redis.Client
	opts   TransportOptions
}

func NewTransport(client *redis.Client, opts TransportOptions) *Transport {
	return &Transport{client: client, opts: opts.withDefaults()}
}

func (t *Transport) Join(ctx context.Context, channel string, self domain.Participant) (app.Handle, error) {
	sub := t.client.Subscribe(ctx, eventsKey(channel))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrConnection, channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		transport: t,
		channel:   channel,
		self:      self,
		router:    pubsub.NewRouter(self),
		sub:       sub,
		ctx:       loopCtx,
		cancel:    cancel,
		logger:    log.With().Str("channel", channel).Str("participant_id", self.ID).Logger(),
	}

	if err := h.announce(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("%w: announce in %s: %v", domain.ErrConnection, channel, err)
	}
	if err := h.refreshPresence(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("read presence")
	}
	h.notifyPresence(ctx)

	ticker := t.opts.Clock.NewTicker(t.opts.Heartbeat)
	h.wg.Add(2)
	go h.receive()
	go h.heartbeat(ticker)
	return h, nil
}

type handle struct {
	transport *Transport
	channel   string
	self      domain.Participant
	router    *pubsub.Router
	sub       *redis.PubSub
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	leaveOnce sync.Once
}

func (h *handle) OnPresenceChange(fn func([]domain.Participant)) { h.router.OnPresenceChange(fn) }

func (h *handle) OnEvent(event string, fn func(domain.Envelope)) { h.router.OnEvent(event, fn) }

// Send publishes in the background; publish failures are logged, not returned.
func (h *handle) Send(event string, payload any) error {
	if h.router.Closed() {
		return fmt.Errorf("%w: send %s on closed handle", domain.ErrConnection, event)
	}
	frame, err := pubsub.Encode(event, h.self, payload)
	if err != nil {
		return err
	}
	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, h.transport.opts.SendTimeout)
		defer cancel()
		if err := h.transport.client.Publish(ctx, eventsKey(h.channel), frame).Err(); err != nil {
			h.logger.Warn().Err(err).Str("event", event).Msg("publish event")
		}
	}()
	return nil
}

func (h *handle) Leave() error {
	var err error
	h.leaveOnce.Do(func() {
		h.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), h.transport.opts.SendTimeout)
		defer cancel()

		pipe := h.transport.client.TxPipeline()
		pipe.ZRem(ctx, presenceKey(h.channel), h.self.PresenceKey())
		pipe.HDel(ctx, metaKey(h.channel), h.self.ID)
		_, err = pipe.Exec(ctx)
		h.notifyPresence(ctx)

		if cerr := h.sub.Close(); err == nil {
			err = cerr
		}
		h.wg.Wait()
		h.router.Close(nil)
	})
	return err
}

func (h *handle) Done() <-chan struct{} { return h.router.Done() }

func (h *handle) Err() error { return h.router.Err() }

// fail ends the subscription after the connection was lost.
func (h *handle) fail(err error) {
	h.leaveOnce.Do(func() {
		h.cancel()
		_ = h.sub.Close()
		h.router.Close(fmt.Errorf("%w: %s: %v", domain.ErrConnection, h.channel, err))
	})
}

func (h *handle) receive() {
	defer h.wg.Done()
	for {
		msg, err := h.sub.ReceiveMessage(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.logger.Warn().Err(err).Msg("subscription lost")
			go h.fail(err)
			return
		}
		env, err := pubsub.Decode([]byte(msg.Payload))
		if err != nil {
			h.logger.Warn().Err(err).Msg("drop malformed frame")
			continue
		}
		if env.Event == presenceEvent {
			if err := h.refreshPresence(h.ctx); err != nil && h.ctx.Err() == nil {
				h.logger.Warn().Err(err).Msg("read presence")
			}
			continue
		}
		h.router.Deliver(env)
	}
}

func (h *handle) heartbeat(ticker clockwork.Ticker) {
	defer h.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(h.ctx, h.transport.opts.SendTimeout)
			err := h.announce(ctx)
			if err == nil {
				err = h.refreshPresence(ctx)
			}
			cancel()
			if err != nil {
				if h.ctx.Err() != nil {
					return
				}
				h.logger.Warn().Err(err).Msg("heartbeat failed")
				go h.fail(err)
				return
			}
		}
	}
}

// announce refreshes the heartbeat score of self and drops expired members.
func (h *handle) announce(ctx context.Context) error {
	meta, err := json.Marshal(h.self)
	if err != nil {
		return err
	}
	now := h.transport.opts.Clock.Now()
	ttl := h.transport.opts.PresenceTTL
	cutoff := now.Add(-ttl).UnixMilli()

	pipe := h.transport.client.TxPipeline()
	pipe.ZAdd(ctx, presenceKey(h.channel), redis.Z{Score: float64(now.UnixMilli()), Member: h.self.PresenceKey()})
	pipe.ZRemRangeByScore(ctx, presenceKey(h.channel), "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.HSet(ctx, metaKey(h.channel), h.self.ID, meta)
	// idle channels clean themselves up
	pipe.Expire(ctx, presenceKey(h.channel), 2*ttl)
	pipe.Expire(ctx, metaKey(h.channel), 2*ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// refreshPresence reads the live members and hands them to the router.
func (h *handle) refreshPresence(ctx context.Context) error {
	cutoff := h.transport.opts.Clock.Now().Add(-h.transport.opts.PresenceTTL).UnixMilli()
	keys, err := h.transport.client.ZRangeByScore(ctx, presenceKey(h.channel), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(keys))
	names := make(map[string]string, len(keys))
	for _, key := range keys {
		name, id, ok := domain.ParsePresenceKey(key)
		if !ok {
			continue
		}
		ids = append(ids, id)
		names[id] = name
	}

	members := make([]domain.Participant, 0, len(ids))
	if len(ids) > 0 {
		metas, err := h.transport.client.HMGet(ctx, metaKey(h.channel), ids...).Result()
		if err != nil {
			return err
		}
		for i, id := range ids {
			p := domain.Participant{ID: id, DisplayName: names[id], Role: domain.RoleStudent}
			if raw, ok := metas[i].(string); ok {
				var stored domain.Participant
				if json.Unmarshal([]byte(raw), &stored) == nil && stored.ID == id {
					p.Role = stored.Role
				}
			}
			members = append(members, p)
		}
	}
	h.router.SetPresence(members)
	return nil
}

func (h *handle) notifyPresence(ctx context.Context) {
	frame, err := pubsub.Encode(presenceEvent, h.self, nil)
	if err != nil {
		return
	}
	if err := h.transport.client.Publish(ctx, eventsKey(h.channel), frame).Err(); err != nil {
		h.logger.Warn().Err(err).Msg("announce presence change")
	}
}

func eventsKey(channel string) string   { return channel + ":events" }
func presenceKey(channel string) string { return channel + ":presence" }
func metaKey(channel string) string     { return channel + ":meta" }
