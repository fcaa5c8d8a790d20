package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"physiquest-session/internal/app"
	"physiquest-session/internal/domain"
	"physiquest-session/internal/infra/wsrelay"
	"physiquest-session/internal/pubsub"
)

const channel = "physiquest:curie:ABC"

func newRelayServer(t *testing.T) (*Relay, *httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	relay := NewRelay(DefaultRelayConfig())
	server := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		relay.Close()
		server.Close()
	})
	return relay, server, "ws" + server.URL[len("http"):] + "/ws"
}

func join(t *testing.T, tr app.Transport, p domain.Participant) (app.Handle, chan []domain.Participant) {
	t.Helper()
	h, err := tr.Join(context.Background(), channel, p)
	if err != nil {
		t.Fatalf("join %s: %v", p.ID, err)
	}
	t.Cleanup(func() { _ = h.Leave() })
	presence := make(chan []domain.Participant, 16)
	h.OnPresenceChange(func(members []domain.Participant) { presence <- members })
	return h, presence
}

func waitMembers(t *testing.T, presence chan []domain.Participant, n int) []domain.Participant {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case members := <-presence:
			if len(members) == n {
				return members
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %d members", n)
			return nil
		}
	}
}

func TestRelayForwardsEventsAndPresence(t *testing.T) {
	relay, _, wsURL := newRelayServer(t)
	tr := wsrelay.NewTransport(wsURL)

	ada, adaPresence := join(t, tr, domain.Participant{ID: "a1", DisplayName: "Ada", Role: domain.RoleStudent})
	ben, _ := join(t, tr, domain.Participant{ID: "t1", DisplayName: "Curie", Role: domain.RoleTeacher})

	members := waitMembers(t, adaPresence, 2)
	if members[1].ID != "t1" || members[1].Role != domain.RoleTeacher {
		t.Fatalf("expected the teacher in the member list, got %+v", members)
	}

	toAda := make(chan domain.Envelope, 1)
	ada.OnEvent(domain.EventAdvance, func(env domain.Envelope) { toAda <- env })
	toBen := make(chan domain.Envelope, 1)
	ben.OnEvent(domain.EventAdvance, func(env domain.Envelope) { toBen <- env })

	if err := ben.Send(domain.EventAdvance, domain.AdvanceSession{RoundIdx: 0, QuestionIdx: 2}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case env := <-toAda:
		var adv domain.AdvanceSession
		if err := pubsub.Payload(env, &adv); err != nil || adv.QuestionIdx != 2 {
			t.Fatalf("unexpected payload %+v (%v)", adv, err)
		}
		if env.Sender.ID != "t1" || env.Sender.Role != domain.RoleTeacher {
			t.Fatalf("unexpected sender %+v", env.Sender)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not forwarded")
	}
	select {
	case env := <-toBen:
		t.Fatalf("sender received its own event %+v", env)
	case <-time.After(50 * time.Millisecond):
	}

	if err := ben.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitMembers(t, adaPresence, 1)
	if got := relay.Members(channel); len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("unexpected relay members %+v", got)
	}
}

func fakeClient(r *Relay, id string) *relayClient {
	return &relayClient{
		id:          id,
		relay:       r,
		channel:     channel,
		participant: domain.Participant{ID: id, DisplayName: id, Role: domain.RoleStudent},
		send:        make(chan []byte, r.cfg.SendBuffer),
	}
}

func TestRelayForwardWhileClientsLeave(t *testing.T) {
	relay := NewRelay(DefaultRelayConfig())
	sender := fakeClient(relay, "s0")
	relay.register(sender)
	go func() {
		for range sender.send {
		}
	}()

	var leavers []*relayClient
	drained := make(chan struct{})
	for i := 0; i < 8; i++ {
		c := fakeClient(relay, "p"+strings.Repeat("x", i))
		relay.register(c)
		leavers = append(leavers, c)
		go func(c *relayClient) {
			for range c.send {
			}
			drained <- struct{}{}
		}(c)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			relay.forward(sender, domain.Envelope{Event: domain.EventAdvance})
		}
	}()
	for _, c := range leavers {
		relay.unregister(c)
		relay.unregister(c)
	}
	<-done

	for range leavers {
		select {
		case <-drained:
		case <-time.After(2 * time.Second):
			t.Fatal("a departed client's send channel was never closed")
		}
	}
	if got := relay.Members(channel); len(got) != 1 || got[0].ID != "s0" {
		t.Fatalf("unexpected members %+v", got)
	}
	for _, c := range leavers {
		c.sendError("late")
	}
	relay.Close()
	relay.forward(sender, domain.Envelope{Event: domain.EventAdvance})
}

func TestRelayDisconnectsSlowClient(t *testing.T) {
	relay := NewRelay(DefaultRelayConfig())
	sender := fakeClient(relay, "s0")
	slow := fakeClient(relay, "s1")
	slow.send = make(chan []byte, 1)
	relay.register(sender)
	relay.register(slow)
	go func() {
		for range sender.send {
		}
	}()
	defer relay.Close()

	for i := 0; i < 5; i++ {
		relay.forward(sender, domain.Envelope{Event: domain.EventAdvance})
	}
	deadline := time.After(2 * time.Second)
	for len(relay.Members(channel)) != 1 {
		select {
		case <-deadline:
			t.Fatalf("slow client still connected: %+v", relay.Members(channel))
		case <-time.After(10 * time.Millisecond):
		}
	}
	relay.forward(sender, domain.Envelope{Event: domain.EventAdvance})

	n := 0
	for range slow.send {
		n++
	}
	if n != 1 {
		t.Fatalf("expected the one buffered frame before close, got %d", n)
	}
}

func TestRelayStampsSender(t *testing.T) {
	_, _, wsURL := newRelayServer(t)
	ada, adaPresence := join(t, wsrelay.NewTransport(wsURL), domain.Participant{ID: "a1", DisplayName: "Ada"})

	raw, _, err := websocket.DefaultDialer.Dial(wsURL+"?channel="+channel+"&id=b2&name=Ben", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	waitMembers(t, adaPresence, 2)

	claims := make(chan domain.Envelope, 1)
	ada.OnEvent(domain.EventClaimTurn, func(env domain.Envelope) { claims <- env })

	spoofed, err := pubsub.NewEnvelope(domain.EventClaimTurn, domain.Participant{ID: "t1", Role: domain.RoleTeacher}, domain.ClaimTurn{ParticipantID: "b2", QuestionKey: "0:0"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	frame, err := pubsub.EncodeFrame(pubsub.FrameEvent, spoofed)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := raw.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := raw.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case env := <-claims:
		if env.Sender.ID != "b2" || env.Sender.Role != domain.RoleStudent {
			t.Fatalf("expected the relay to stamp the connection identity, got %+v", env.Sender)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("claim was not forwarded")
	}

	// the garbage frame is answered with an error frame
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		f, err := pubsub.DecodeFrame(data)
		if err == nil && f.Type == pubsub.FrameError {
			break
		}
	}
}

func TestRelayRejectsIncompleteJoin(t *testing.T) {
	_, server, _ := newRelayServer(t)

	cases := []string{
		"/ws",
		"/ws?channel=" + channel + "&id=a1",
		"/ws?channel=" + channel + "&id=a1&name=Ada&role=admin",
	}
	for _, path := range cases {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}
}

func TestRelayShutdownEndsClientHandles(t *testing.T) {
	relay, _, wsURL := newRelayServer(t)
	h, _ := join(t, wsrelay.NewTransport(wsURL), domain.Participant{ID: "a1", DisplayName: "Ada"})

	relay.Close()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not notice the relay going away")
	}
	if !errors.Is(h.Err(), domain.ErrConnection) {
		t.Fatalf("expected a connection error, got %v", h.Err())
	}
	if err := h.Send(domain.EventClaimTurn, nil); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected send on a lost handle to fail, got %v", err)
	}
}

func TestRelayJoinFailsWhenUnreachable(t *testing.T) {
	_, server, wsURL := newRelayServer(t)
	server.Close()

	_, err := wsrelay.NewTransport(wsURL).Join(context.Background(), channel, domain.Participant{ID: "a1", DisplayName: "Ada"})
	if !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if !strings.Contains(err.Error(), channel) {
		t.Fatalf("expected the channel in the error, got %v", err)
	}
}
