package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"

	"physiquest-session/internal/app"
	"physiquest-session/internal/config"
	"physiquest-session/internal/domain"
	"physiquest-session/internal/infra/file"
	"physiquest-session/internal/infra/memory"
	infranats "physiquest-session/internal/infra/nats"
	"physiquest-session/internal/infra/postgres"
	infraredis "physiquest-session/internal/infra/redis"
	"physiquest-session/internal/infra/wsrelay"
)

const defaultRelayURL = "ws://localhost:8080/ws"

// deps owns the clients built from config.
type deps struct {
	redis   *redis.Client
	pool    *pgxpool.Pool
	closers []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func newDeps(ctx context.Context, cfg config.Config) (*deps, error) {
	d := &deps{}
	if cfg.Redis.Addr != "" {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		d.closers = append(d.closers, func() { _ = d.redis.Close() })
	}
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.pool = pool
		d.closers = append(d.closers, pool.Close)
	}
	return d, nil
}

// questionSets layers a cache over the configured source: Postgres, a YAML
// directory, or the built-in sample sets.
func (d *deps) questionSets(cfg config.Config) app.QuestionSetRepository {
	var loader memory.QuestionSetLoader = memory.NewStaticLoader(memory.SampleSets())
	switch {
	case d.pool != nil:
		loader = postgres.NewLoader(d.pool)
	case cfg.QuestionSets.Dir != "":
		loader = file.NewLoader(cfg.QuestionSets.Dir)
	}

	ttl := config.Duration(cfg.QuestionSets.TTL, 10*time.Minute)
	if d.redis != nil {
		return infraredis.NewRepository(d.redis, loader, ttl)
	}
	return memory.NewRepository(loader, ttl)
}

// transport builds the channel transport named by transport.kind.
func (d *deps) transport(cfg config.Config) (app.Transport, error) {
	heartbeat := config.Duration(cfg.Transport.Heartbeat, 2*time.Second)
	presenceTTL := config.Duration(cfg.Transport.PresenceTTL, 3*heartbeat)

	switch cfg.Transport.Kind {
	case "", "relay":
		url := cfg.Transport.RelayURL
		if url == "" {
			url = defaultRelayURL
		}
		return wsrelay.NewTransport(url), nil
	case "redis":
		if d.redis == nil {
			return nil, fmt.Errorf("%w: redis transport needs redis.addr", domain.ErrConnection)
		}
		return infraredis.NewTransport(d.redis, infraredis.TransportOptions{
			Heartbeat:   heartbeat,
			PresenceTTL: presenceTTL,
		}), nil
	case "nats":
		natsCfg := infranats.DefaultConfig()
		if cfg.Transport.NatsURL != "" {
			natsCfg.URL = cfg.Transport.NatsURL
		}
		natsCfg.Heartbeat = heartbeat
		natsCfg.PresenceTTL = presenceTTL
		tr, err := infranats.Connect(natsCfg)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, tr.Close)
		return tr, nil
	case "memory":
		return memory.NewHub(), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func settingsFromConfig(cfg config.Config) app.Settings {
	def := app.DefaultSettings()
	s := app.Settings{
		RoundIntro:        config.Duration(cfg.Session.RoundIntro, def.RoundIntro),
		Feedback:          config.Duration(cfg.Session.Feedback, def.Feedback),
		SyncGrace:         config.Duration(cfg.Session.SyncGrace, def.SyncGrace),
		ReconnectAttempts: cfg.Session.ReconnectAttempts,
		ReconnectInterval: config.Duration(cfg.Session.ReconnectInterval, def.ReconnectInterval),
		Scoring:           def.Scoring,
	}
	if cfg.Scoring.AidedPercent > 0 {
		s.Scoring.AidedPercent = cfg.Scoring.AidedPercent
	}
	if cfg.Scoring.HintPenalty > 0 {
		s.Scoring.HintPenalty = cfg.Scoring.HintPenalty
	}
	return s
}
