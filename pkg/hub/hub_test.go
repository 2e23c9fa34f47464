package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"

	logpkg "github.com/teslashibe/go-talkback/internal/log"
)

// fakeConn is an in-memory websocket connection.
type fakeConn struct {
	inbox  chan []byte
	outbox chan []byte

	mu     sync.Mutex
	closed bool
	once   sync.Once
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 8),
		outbox: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.inbox:
		return websocket.TextMessage, b, nil
	case <-c.done:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(t int, data []byte) error {
	if t != websocket.TextMessage {
		return nil
	}
	select {
	case c.outbox <- data:
		return nil
	case <-c.done:
		return errors.New("closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) next(t *testing.T) string {
	t.Helper()
	select {
	case b := <-c.outbox:
		return string(b)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return ""
	}
}

func (c *fakeConn) quiet(t *testing.T) {
	t.Helper()
	select {
	case b := <-c.outbox:
		t.Fatalf("unexpected message %s", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func startHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := New("test", append([]Option{WithLogger(logpkg.Discard())}, opts...)...)
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h
}

func connect(t *testing.T, h *Hub, topic string) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	c := NewClient(h, conn, topic)
	go c.Run()
	t.Cleanup(func() { conn.Close() })
	return c, conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishTopics(t *testing.T) {
	h := startHub(t)
	_, s1 := connect(t, h, "s1")
	_, s2 := connect(t, h, "s2")
	_, all := connect(t, h, "")
	waitFor(t, func() bool { return h.ClientCount() == 3 })

	if err := h.Publish("s1", map[string]string{"state": "listening"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := s1.next(t); got != `{"state":"listening"}` {
		t.Errorf("s1 got %s", got)
	}
	if got := all.next(t); got != `{"state":"listening"}` {
		t.Errorf("wildcard got %s", got)
	}
	s2.quiet(t)

	h.Broadcast(NewJSONMessage("", []byte(`{"x":1}`)))
	for _, c := range []*fakeConn{s1, s2, all} {
		if got := c.next(t); got != `{"x":1}` {
			t.Errorf("broadcast got %s", got)
		}
	}
}

func TestClientMessagesReachHandler(t *testing.T) {
	got := make(chan string, 1)
	h := startHub(t, WithHandler(func(c *Client, data []byte) {
		c.SetReady(true)
		got <- c.Topic() + ":" + string(data)
	}))
	c, conn := connect(t, h, "s1")

	conn.inbox <- []byte(`{"type":"ready"}`)
	select {
	case msg := <-got:
		if msg != `s1:{"type":"ready"}` {
			t.Errorf("handler got %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
	if !c.Ready() {
		t.Error("Ready() = false")
	}
	waitFor(t, func() bool {
		return h.Count(func(c *Client) bool { return c.Ready() }) == 1
	})
}

func TestDisconnectUnregisters(t *testing.T) {
	h := startHub(t)
	_, conn := connect(t, h, "s1")
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return h.ClientCount() == 0 })
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New("stop", WithLogger(logpkg.Discard()))
	go h.Run(ctx)
	waitFor(t, h.IsRunning)

	conn := newFakeConn()
	c := NewClient(h, conn, "")
	go c.Run()
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	cancel()
	<-h.Done()
	if h.IsRunning() || h.ClientCount() != 0 {
		t.Errorf("running = %v, clients = %d", h.IsRunning(), h.ClientCount())
	}
	// Registering after stop must not block.
	NewClient(h, newFakeConn(), "")
}
