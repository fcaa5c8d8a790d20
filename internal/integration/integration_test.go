package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"physiquest-session/internal/app"
	"physiquest-session/internal/domain"
	"physiquest-session/internal/infra/memory"
	"physiquest-session/internal/infra/postgres"
	infraredis "physiquest-session/internal/infra/redis"
)

func TestPeerMatchEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	seedSets(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	sets := infraredis.NewRepository(redisClient, postgres.NewLoader(pool), 5*time.Minute)
	transport := infraredis.NewTransport(redisClient, infraredis.TransportOptions{Heartbeat: 500 * time.Millisecond})
	service := app.NewMatchService(sets, transport, app.Settings{
		RoundIntro: 0,
		Feedback:   30 * time.Second,
		IDs:        &app.SequenceIdentity{Prefix: "u"},
	})

	if _, err := service.Start(ctx, app.StartRequest{SetID: "missing", Topology: domain.TopologySolo, DisplayName: "Alice"}); !errors.Is(err, domain.ErrQuestionSetNotFound) {
		t.Fatalf("expected not found for an unseeded set, got %v", err)
	}

	join := func(name string) *app.Match {
		m, err := service.Start(ctx, app.StartRequest{
			SetID:       memory.SampleSetID,
			Topology:    domain.TopologyPeer,
			DisplayName: name,
			TeacherName: "Curie",
			RoomCode:    "lab1",
		})
		if err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
		t.Cleanup(func() { _ = m.Exit(context.Background()) })
		return m
	}
	alice := join("Alice")
	bob := join("Bob")

	waitView(t, alice, func(v domain.SessionView) bool { return v.Phase == domain.PhaseContest && len(v.Present) == 2 })
	waitView(t, bob, func(v domain.SessionView) bool { return v.Phase == domain.PhaseContest && len(v.Present) == 2 })

	if err := bob.Claim(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	waitView(t, alice, func(v domain.SessionView) bool { return v.TurnHolder == "u002" })
	if err := bob.Submit(ctx, "B"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	v := waitView(t, alice, func(v domain.SessionView) bool { return v.Phase == domain.PhaseFeedback })
	if len(v.Leaderboard) != 2 || v.Leaderboard[0].ParticipantID != "u002" || v.Leaderboard[0].Score != 100 {
		t.Fatalf("expected bob leading with 100, got %+v", v.Leaderboard)
	}
}

func waitView(t *testing.T, m *app.Match, cond func(domain.SessionView) bool) domain.SessionView {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		v, err := m.View(context.Background())
		if err == nil && cond(v) {
			return v
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out waiting for session view")
	return domain.SessionView{}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "physiquest", "POSTGRES_PASSWORD": "physiquest", "POSTGRES_DB": "physiquest"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://physiquest:physiquest@%s:%s/physiquest?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func seedSets(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	db := postgres.OpenDB(dsn)
	defer db.Close()

	if _, err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	seeder := postgres.NewSeeder(db)
	for _, set := range memory.SampleSets() {
		if err := seeder.Upsert(ctx, set); err != nil {
			t.Fatalf("seed %s: %v", set.ID, err)
		}
	}
	ids, err := seeder.IDs(ctx)
	if err != nil || len(ids) != len(memory.SampleSets()) {
		t.Fatalf("expected seeded ids, got %v (%v)", ids, err)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
