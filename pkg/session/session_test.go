package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemory() (*Memory, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemory(Options{TTL: time.Minute, MaxTurns: 3, Now: clock.Now}, nil), clock
}

func TestMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := m.Create(ctx, ""); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Create(\"\") error = %v, want ErrInvalidID", err)
	}

	if _, err := m.Create(ctx, "a"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Append(ctx, "a", Turn{ID: "t1", Transcript: "hi", Response: "hello"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Create is idempotent.
	s, _ := m.Create(ctx, "a")
	if len(s.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(s.Turns))
	}

	// Returned sessions are copies.
	s.Turns[0].Response = "mutated"
	got, _ := m.Get(ctx, "a")
	if got.Turns[0].Response != "hello" {
		t.Error("Get() returned shared state")
	}

	if err := m.Evict(ctx, "a"); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if err := m.Append(ctx, "a", Turn{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Append() after Evict error = %v, want ErrNotFound", err)
	}
}

func TestMemoryMaxTurns(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()
	m.Create(ctx, "a")

	for i := 0; i < 5; i++ {
		m.Append(ctx, "a", Turn{ID: fmt.Sprint(i)})
	}
	s, _ := m.Get(ctx, "a")
	if len(s.Turns) != 3 || s.Turns[0].ID != "2" {
		t.Errorf("turns = %+v, want last 3", s.Turns)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	m.Create(ctx, "old")
	clock.Advance(45 * time.Second)
	m.Create(ctx, "new")
	clock.Advance(30 * time.Second)

	if _, err := m.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(old) error = %v, want ErrNotFound", err)
	}

	evicted := m.Sweep(0)
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Errorf("Sweep() = %v, want [old]", evicted)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}

	// An expired session is replaced on Create.
	clock.Advance(2 * time.Minute)
	s, _ := m.Create(ctx, "new")
	if !s.CreatedAt.Equal(clock.Now()) {
		t.Error("expired session was not recreated")
	}
}

func TestMemoryConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Options{MaxTurns: 1000}, nil)
	m.Create(ctx, "a")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Append(ctx, "a", Turn{ID: fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()

	s, _ := m.Get(ctx, "a")
	if len(s.Turns) != 50 {
		t.Errorf("turns = %d, want 50", len(s.Turns))
	}
}

func TestHistory(t *testing.T) {
	s := &Session{Turns: []Turn{
		{Transcript: "q1", Response: "a1"},
		{Transcript: "q2"},
		{Transcript: "q3", Response: "a3"},
	}}
	h := s.History(3)
	if len(h) != 3 || h[0].Content != "q2" || h[2].Role != RoleAssistant {
		t.Errorf("History(3) = %+v", h)
	}
	if len(s.History(0)) != 5 {
		t.Errorf("History(0) = %d messages, want 5", len(s.History(0)))
	}
}

func TestHistoryCodec(t *testing.T) {
	var msgs []Message
	for i := 0; i < 12; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msgs = append(msgs, Message{Role: role, Content: fmt.Sprintf("m%d", i)})
	}

	header := EncodeHistory(msgs)
	decoded, err := DecodeHistory(header)
	if err != nil {
		t.Fatalf("DecodeHistory() error = %v", err)
	}
	if len(decoded) != MaxHeaderMessages || decoded[0].Content != "m2" {
		t.Errorf("decoded = %+v, want last %d", decoded, MaxHeaderMessages)
	}

	if got, err := DecodeHistory(""); err != nil || got != nil {
		t.Errorf("DecodeHistory(\"\") = %v, %v", got, err)
	}
	if _, err := DecodeHistory("not base64!"); err == nil {
		t.Error("DecodeHistory() accepted invalid base64")
	}
	bad := base64.StdEncoding.EncodeToString([]byte(`[{"role":"system","content":"x"}]`))
	if _, err := DecodeHistory(bad); err == nil {
		t.Error("DecodeHistory() accepted a system role")
	}
	if EncodeHistory(nil) != base64.StdEncoding.EncodeToString([]byte("[]")) {
		t.Error("EncodeHistory(nil) should encode an empty list")
	}
}

func TestTurnMessages(t *testing.T) {
	if msgs := TurnMessages(Turn{Transcript: "hi", Response: "hello"}); len(msgs) != 2 {
		t.Errorf("TurnMessages() = %+v", msgs)
	}
	if msgs := TurnMessages(Turn{Transcript: "hi"}); len(msgs) != 1 {
		t.Errorf("TurnMessages() text-less = %+v", msgs)
	}
}
