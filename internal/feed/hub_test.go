package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/gorilla/websocket"

	"driftpursuit/radarcore/internal/auth"
	"driftpursuit/radarcore/internal/logging"
	"driftpursuit/radarcore/internal/radar"
	"driftpursuit/radarcore/internal/websockettest"
)

func newTestHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	opts.Logger = logging.NewTestLogger()
	hub := NewHub(opts)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, server
}

func sampleFrame() radar.Frame {
	return radar.Frame{
		Pass:         3,
		CapturedAtMs: 1_700_000_000_000,
		Owners: []radar.OwnerView{{
			ID:    "scout",
			Range: 100,
			Arcs:  []radar.ArcView{{From: -180, To: 180, Distance: 100}},
		}},
		Visible: []string{"scout"},
	}
}

func TestHubPublishesJSONFrames(t *testing.T) {
	hub, server := newTestHub(t, Options{})
	conn, resp, err := websockettest.Dial(websockettest.URL(server.URL, "", ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.Header.Get(ClientIDHeader) == "" {
		t.Fatalf("expected a client id in the handshake response")
	}
	if !websockettest.Eventually(time.Second, func() bool { return hub.Clients() == 1 }) {
		t.Fatalf("subscriber was not registered")
	}

	if err := hub.Publish(sampleFrame()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	kind, payload, err := websockettest.ReadWithin(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected a text message, got %d", kind)
	}
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Type != MessageTypeFrame || envelope.Frame.Pass != 3 || envelope.Frame.Visible[0] != "scout" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
	if hub.Metrics().Published() != 1 {
		t.Fatalf("expected one published frame")
	}
}

func TestHubSnappySubscribersReceiveBinaryFrames(t *testing.T) {
	hub, server := newTestHub(t, Options{})
	conn, _, err := websockettest.Dial(websockettest.URL(server.URL, "", "compress=snappy"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if !websockettest.Eventually(time.Second, func() bool { return hub.Clients() == 1 }) {
		t.Fatalf("subscriber was not registered")
	}

	if err := hub.Publish(sampleFrame()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	kind, payload, err := websockettest.ReadWithin(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("expected a binary message, got %d", kind)
	}
	decoded, err := snappy.Decode(nil, payload)
	if err != nil {
		t.Fatalf("snappy decode: %v", err)
	}
	var envelope Envelope
	if err := json.Unmarshal(decoded, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Frame.Owners[0].ID != "scout" {
		t.Fatalf("unexpected frame %+v", envelope.Frame)
	}
}

func TestHubRejectsUnknownOrigins(t *testing.T) {
	_, server := newTestHub(t, Options{AllowedOrigins: []string{"https://ops.example"}})
	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websockettest.Dial(websockettest.URL(server.URL, "", ""), header)
	if err == nil {
		t.Fatalf("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	header.Set("Origin", "https://ops.example")
	conn, _, err := websockettest.Dial(websockettest.URL(server.URL, "", ""), header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestHubRequiresSubscriberToken(t *testing.T) {
	verifier, err := auth.NewVerifier("feed-secret", auth.FeedAudience, time.Second)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	hub, server := newTestHub(t, Options{Authenticator: verifier})

	_, resp, err := websockettest.Dial(websockettest.URL(server.URL, "", ""), nil)
	if err == nil {
		t.Fatalf("expected the anonymous handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	token, err := verifier.Sign(auth.Claims{Subject: "wallboard", ExpiresAt: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	conn, _, err := websockettest.Dial(websockettest.URL(server.URL, "", "auth_token="+token), nil)
	if err != nil {
		t.Fatalf("authenticated dial: %v", err)
	}
	defer conn.Close()
	if !websockettest.Eventually(time.Second, func() bool { return hub.Clients() == 1 }) {
		t.Fatalf("authenticated subscriber was not registered")
	}
}

func TestHubDisconnectsSlowSubscribers(t *testing.T) {
	hub := NewHub(Options{Buffer: 1, Logger: logging.NewTestLogger()})
	slow := &client{id: "slow", send: make(chan []byte, 1)}
	if !hub.register(slow) {
		t.Fatalf("register failed")
	}

	if err := hub.Broadcast([]byte(`{"n":1}`)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := hub.Broadcast([]byte(`{"n":2}`)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if hub.Clients() != 0 {
		t.Fatalf("expected the slow subscriber to be dropped")
	}
	if got := hub.Metrics().DropCounts()[DropQueueFull]; got != 1 {
		t.Fatalf("expected one queue_full drop, got %d", got)
	}
	if _, ok := <-slow.send; !ok {
		t.Fatalf("expected the queued frame to remain readable")
	}
	if _, ok := <-slow.send; ok {
		t.Fatalf("expected the queue to be closed")
	}
}

func TestHubThrottlesWithoutDisconnecting(t *testing.T) {
	now := time.Unix(0, 0)
	hub := NewHub(Options{Buffer: 4, BytesPerSecond: 10, Now: func() time.Time { return now }, Logger: logging.NewTestLogger()})
	c := &client{id: "dash", send: make(chan []byte, 4)}
	hub.register(c)

	for i := 0; i < 3; i++ {
		if err := hub.Broadcast([]byte("12345678")); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
	if len(c.send) != 1 {
		t.Fatalf("expected one queued frame, got %d", len(c.send))
	}
	if hub.Clients() != 1 {
		t.Fatalf("throttling must not disconnect")
	}
	if got := hub.Metrics().DropCounts()[DropThrottled]; got != 2 {
		t.Fatalf("expected two throttled frames, got %d", got)
	}
}

func TestHubChecksQueueBeforeChargingBudget(t *testing.T) {
	now := time.Unix(0, 0)
	hub := NewHub(Options{Buffer: 1, BytesPerSecond: 10, Now: func() time.Time { return now }, Logger: logging.NewTestLogger()})
	stuck := &client{id: "stuck", send: make(chan []byte, 1)}
	hub.register(stuck)

	for i := 0; i < 2; i++ {
		if err := hub.Broadcast([]byte("12345678")); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
	drops := hub.Metrics().DropCounts()
	if drops[DropThrottled] != 0 {
		t.Fatalf("a full queue must not be charged as throttled, got %d", drops[DropThrottled])
	}
	if drops[DropQueueFull] != 1 {
		t.Fatalf("expected one queue_full drop, got %d", drops[DropQueueFull])
	}
	if hub.Clients() != 0 {
		t.Fatalf("expected the stuck subscriber to be dropped")
	}
	if usage := hub.throttle.Usage(); len(usage) != 0 {
		t.Fatalf("expected the dropped subscriber's budget to be released, got %+v", usage)
	}
}

func TestHubPublishAfterClose(t *testing.T) {
	hub := NewHub(Options{Logger: logging.NewTestLogger()})
	hub.Close()
	if err := hub.Publish(sampleFrame()); err != ErrHubClosed {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
}
