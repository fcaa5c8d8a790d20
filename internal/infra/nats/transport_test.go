package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"physiquest-session/internal/domain"
	"physiquest-session/internal/pubsub"
)

type capture struct {
	mu     sync.Mutex
	frames []domain.Envelope
}

func (c *capture) publish(data []byte) error {
	env, err := pubsub.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, env)
	c.mu.Unlock()
	return nil
}

func (c *capture) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

func frame(t *testing.T, event string, sender domain.Participant, payload any) []byte {
	t.Helper()
	data, err := pubsub.Encode(event, sender, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestHandleTracksPresenceFromControlMessages(t *testing.T) {
	fc := clockwork.NewFakeClock()
	out := &capture{}
	self := domain.Participant{ID: "a1", DisplayName: "Ada", Role: domain.RoleStudent}
	ben := domain.Participant{ID: "b2", DisplayName: "Ben", Role: domain.RoleStudent}
	h := newHandle("physiquest:curie:ABC", self, Config{Clock: fc, Heartbeat: time.Second, PresenceTTL: 3 * time.Second}, out.publish)

	var presence [][]domain.Participant
	h.OnPresenceChange(func(members []domain.Participant) { presence = append(presence, members) })
	if len(presence) != 1 || len(presence[0]) != 1 {
		t.Fatalf("expected self-only presence replayed on register, got %+v", presence)
	}

	h.receive(frame(t, eventHello, ben, nil))
	if got := presence[len(presence)-1]; len(got) != 2 || got[1].ID != "b2" {
		t.Fatalf("expected ben to join, got %+v", got)
	}
	if events := out.events(); len(events) != 1 || events[0] != eventBeat {
		t.Fatalf("expected a beat answering the hello, got %v", events)
	}

	h.receive(frame(t, eventBye, ben, nil))
	if got := presence[len(presence)-1]; len(got) != 1 {
		t.Fatalf("expected ben to leave, got %+v", got)
	}

	// echoes of self are ignored
	before := len(presence)
	h.receive(frame(t, eventBye, self, nil))
	if len(presence) != before {
		t.Fatalf("self echo changed presence")
	}
}

func TestHandleRoutesEventsAndPrunesSilentMembers(t *testing.T) {
	fc := clockwork.NewFakeClock()
	out := &capture{}
	self := domain.Participant{ID: "a1", DisplayName: "Ada"}
	ben := domain.Participant{ID: "b2", DisplayName: "Ben"}
	cfg := Config{Clock: fc, Heartbeat: time.Second, PresenceTTL: 3 * time.Second}
	h := newHandle("physiquest:curie:ABC", self, cfg, out.publish)

	claims := make(chan domain.Envelope, 1)
	h.OnEvent(domain.EventClaimTurn, func(env domain.Envelope) { claims <- env })
	presence := make(chan []domain.Participant, 8)
	h.OnPresenceChange(func(members []domain.Participant) { presence <- members })
	<-presence

	h.receive(frame(t, domain.EventClaimTurn, ben, domain.ClaimTurn{ParticipantID: "b2", QuestionKey: "0:0"}))
	select {
	case env := <-claims:
		var claim domain.ClaimTurn
		if err := pubsub.Payload(env, &claim); err != nil || claim.ParticipantID != "b2" {
			t.Fatalf("unexpected claim %+v (%v)", claim, err)
		}
	default:
		t.Fatal("claim was not routed")
	}

	h.receive(frame(t, eventBeat, ben, nil))
	if got := <-presence; len(got) != 2 {
		t.Fatalf("expected two members, got %+v", got)
	}

	go h.heartbeat(fc.NewTicker(cfg.Heartbeat))
	defer func() { _ = h.Leave() }()

	fc.Advance(4 * time.Second)
	select {
	case got := <-presence:
		if len(got) != 1 || got[0].ID != "a1" {
			t.Fatalf("expected ben to be pruned, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("silent member was never pruned")
	}
}

func TestHandleLeaveAndFail(t *testing.T) {
	out := &capture{}
	h := newHandle("c", domain.Participant{ID: "a1"}, Config{Clock: clockwork.NewFakeClock()}, out.publish)
	if err := h.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := h.Leave(); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if h.Err() != nil {
		t.Fatalf("leave should be clean, got %v", h.Err())
	}
	if events := out.events(); len(events) != 1 || events[0] != eventBye {
		t.Fatalf("expected one bye, got %v", events)
	}
	if err := h.Send(domain.EventClaimTurn, nil); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected send after leave to fail, got %v", err)
	}

	lost := newHandle("c", domain.Participant{ID: "a1"}, Config{Clock: clockwork.NewFakeClock()}, out.publish)
	lost.fail(fmt.Errorf("%w: gone", domain.ErrConnection))
	<-lost.Done()
	if !errors.Is(lost.Err(), domain.ErrConnection) {
		t.Fatalf("expected a connection error, got %v", lost.Err())
	}
}

func TestSubjectIsOneToken(t *testing.T) {
	if got := subject("physiquest:dr. who:AB C"); got != "physiquest.session.physiquest:dr__who:AB_C" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestTransportAgainstServer(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)
	url := startNATS(t, ctx)

	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Heartbeat = 200 * time.Millisecond
	tr, err := Connect(cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	channel := domain.ChannelName("Curie", "abc")
	ada, err := tr.Join(ctx, channel, domain.Participant{ID: "a1", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("join ada: %v", err)
	}
	defer func() { _ = ada.Leave() }()
	adaPresence := make(chan []domain.Participant, 16)
	ada.OnPresenceChange(func(members []domain.Participant) { adaPresence <- members })

	ben, err := tr.Join(ctx, channel, domain.Participant{ID: "b2", DisplayName: "Ben"})
	if err != nil {
		t.Fatalf("join ben: %v", err)
	}
	results := make(chan domain.Envelope, 1)
	ada.OnEvent(domain.EventSubmitResult, func(env domain.Envelope) { results <- env })

	waitMembers(t, adaPresence, 2)
	if err := ben.Send(domain.EventSubmitResult, domain.SubmitResult{ParticipantID: "b2", QuestionKey: "0:0", PointsDelta: 100, IsCorrect: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case env := <-results:
		if env.Sender.ID != "b2" {
			t.Fatalf("unexpected sender %+v", env.Sender)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("result never arrived")
	}

	if err := ben.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitMembers(t, adaPresence, 1)

	tr.Close()
	select {
	case <-ada.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("closing the connection did not end the handle")
	}
	if !errors.Is(ada.Err(), domain.ErrConnection) {
		t.Fatalf("expected a connection error, got %v", ada.Err())
	}
}

func waitMembers(t *testing.T, presence chan []domain.Participant, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case members := <-presence:
			if len(members) == n {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %d members", n)
		}
	}
}

func startNATS(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("nats host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("nats port: %v", err)
	}
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func requireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
