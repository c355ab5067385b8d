package pushfeed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// pushServer is a minimal websocket endpoint that records the bearer token and
// sends every queued frame to each connection.
type pushServer struct {
	frames [][]byte

	mu    sync.Mutex
	auths []string
}

func (p *pushServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.auths = append(p.auths, r.Header.Get("Authorization"))
	p.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	for _, frame := range p.frames {
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
	}
	// Hold the connection open until the client goes away.
	_, _, _ = conn.Read(ctx)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (p *pushServer) lastAuth() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.auths) == 0 {
		return ""
	}
	return p.auths[len(p.auths)-1]
}

func wsURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

type recorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *recorder) handle(payload []byte) {
	r.mu.Lock()
	r.payloads = append(r.payloads, string(payload))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeDeliversFramesInOrder(t *testing.T) {
	backend := &pushServer{frames: [][]byte{[]byte(`{"id":"t1"}`), []byte(`{"id":"t2"}`)}}
	server := httptest.NewServer(backend)
	defer server.Close()

	client := NewClient(Options{URL: wsURL(t, server), Token: "secret"})
	rec := &recorder{}
	unsubscribe, err := client.Subscribe(rec.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()

	waitUntil(t, "two frames", func() bool { return len(rec.snapshot()) >= 2 })
	got := rec.snapshot()
	if got[0] != `{"id":"t1"}` || got[1] != `{"id":"t2"}` {
		t.Fatalf("frames = %v", got)
	}
	if backend.lastAuth() != "Bearer secret" {
		t.Fatalf("auth header = %q", backend.lastAuth())
	}
}

func TestUnsubscribeStopsDeliverySynchronously(t *testing.T) {
	backend := &pushServer{frames: [][]byte{[]byte(`{"id":"t1"}`)}}
	server := httptest.NewServer(backend)
	defer server.Close()

	client := NewClient(Options{URL: wsURL(t, server)})
	rec := &recorder{}
	unsubscribe, err := client.Subscribe(rec.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	waitUntil(t, "first frame", func() bool { return len(rec.snapshot()) >= 1 })

	unsubscribe()
	before := len(rec.snapshot())
	time.Sleep(50 * time.Millisecond)
	if after := len(rec.snapshot()); after != before {
		t.Fatalf("frames still delivered after unsubscribe: %d -> %d", before, after)
	}
	// Unsubscribing twice is harmless.
	unsubscribe()
}

func TestResubscribeDetachesPreviousHandler(t *testing.T) {
	backend := &pushServer{frames: [][]byte{[]byte(`{"id":"t1"}`)}}
	server := httptest.NewServer(backend)
	defer server.Close()

	client := NewClient(Options{URL: wsURL(t, server)})
	old := &recorder{}
	oldUnsub, err := client.Subscribe(old.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	waitUntil(t, "old handler delivery", func() bool { return len(old.snapshot()) >= 1 })

	current := &recorder{}
	unsubscribe, err := client.Subscribe(current.handle)
	if err != nil {
		t.Fatalf("re-subscribe failed: %v", err)
	}
	defer unsubscribe()

	oldCount := len(old.snapshot())
	waitUntil(t, "new handler delivery", func() bool { return len(current.snapshot()) >= 1 })
	if got := len(old.snapshot()); got != oldCount {
		t.Fatalf("old handler still receiving after re-subscribe")
	}
	// The stale unsubscribe returns promptly and must not tear down the new
	// subscription.
	staleDone := make(chan struct{})
	go func() {
		oldUnsub()
		close(staleDone)
	}()
	select {
	case <-staleDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("stale unsubscribe blocked")
	}
	if got := len(old.snapshot()); got != oldCount {
		t.Fatalf("old handler received frames after stale unsubscribe")
	}
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	backend := &pushServer{frames: [][]byte{[]byte(`{"id":"t1"}`)}}
	var drops int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		drops++
		first := drops == 1
		mu.Unlock()
		if first {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			// Close immediately; the client must come back.
			_ = conn.Close(websocket.StatusInternalError, "going away")
			return
		}
		backend.ServeHTTP(w, r)
	}))
	defer server.Close()

	client := NewClient(Options{URL: wsURL(t, server), MinBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	rec := &recorder{}
	unsubscribe, err := client.Subscribe(rec.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()

	waitUntil(t, "delivery after reconnect", func() bool { return len(rec.snapshot()) >= 1 })
}

func TestNextBackoffDoublesAndClamps(t *testing.T) {
	if got := nextBackoff(250*time.Millisecond, 15*time.Second); got != 500*time.Millisecond {
		t.Fatalf("backoff = %v", got)
	}
	if got := nextBackoff(10*time.Second, 15*time.Second); got != 15*time.Second {
		t.Fatalf("backoff = %v, want clamp", got)
	}
}

func TestSubscribeFailsDialKeepsRetrying(t *testing.T) {
	// No server at all: Subscribe itself succeeds (the connection is managed
	// in the background) and unsubscribe tears the loop down cleanly.
	client := NewClient(Options{URL: "ws://127.0.0.1:1", MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	unsubscribe, err := client.Subscribe(func([]byte) {})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		unsubscribe()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("unsubscribe did not return")
	}
}
