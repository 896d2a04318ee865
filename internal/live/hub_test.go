package live

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", want, h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_SendsInitialThenBroadcasts(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(h.Handler(func() any {
		return map[string]any{"type": "regions", "version": 7}
	}))
	defer srv.Close()

	conn := dial(t, srv)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if first["type"] != "regions" || first["version"] != float64(7) {
		t.Fatalf("unexpected initial message %+v", first)
	}

	waitClients(t, h, 1)
	h.Publish(map[string]any{"type": "play", "src": "/clips/a.wav"})

	var next map[string]any
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if next["type"] != "play" || next["src"] != "/clips/a.wav" {
		t.Fatalf("unexpected broadcast %+v", next)
	}
}

func TestHub_UnregistersClosedViewer(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(h.Handler(nil))
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, h, 1)

	_ = conn.Close()
	waitClients(t, h, 0)
}

func TestHub_ShutdownClosesViewers(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(h.Handler(nil))
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, h, 1)
	cancel()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed on shutdown")
	}
}

func TestHub_InitialIsFollowedByEventsPublishedDuringRegistration(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(h.Handler(func() any {
		h.Publish(map[string]any{"type": "regions", "version": 2})
		return map[string]any{"type": "regions", "version": 1}
	}))
	defer srv.Close()

	conn := dial(t, srv)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	for _, want := range []float64{1, 2} {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read version %v: %v", want, err)
		}
		if msg["version"] != want {
			t.Fatalf("expected version %v, got %+v", want, msg)
		}
	}
}
