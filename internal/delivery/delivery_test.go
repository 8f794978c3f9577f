package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/channels"
	"github.com/basket/crpc/internal/shared"
)

// fakeChannel scripts Send outcomes per call.
type fakeChannel struct {
	id string

	mu    sync.Mutex
	calls int
	fail  []error // error to return per attempt; nil entries succeed
	block chan struct{}
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Send(ctx context.Context, msg channels.Message) (channels.DeliveryResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return channels.DeliveryResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()
	if idx < len(f.fail) && f.fail[idx] != nil {
		return channels.DeliveryResult{}, f.fail[idx]
	}
	return channels.DeliveryResult{ProviderMsgID: "p-" + msg.MsgID, DeliveredAt: time.Now()}, nil
}

func (f *fakeChannel) Logout(ctx context.Context) error { return nil }

func (f *fakeChannel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testManager(t *testing.T, cfg Config) (*Manager, *bus.Bus) {
	t.Helper()
	if cfg.OverflowDir == "" {
		cfg.OverflowDir = t.TempDir()
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Millisecond
	}
	b := bus.New()
	m := NewManager(cfg, b, nil)
	return m, b
}

func waitState(t *testing.T, m *Manager, msgID, want string) OutboundMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msg, ok := m.Get(msgID); ok && msg.State == want {
			return msg
		}
		time.Sleep(2 * time.Millisecond)
	}
	msg, _ := m.Get(msgID)
	t.Fatalf("message %s state = %q, want %q", msgID, msg.State, want)
	return OutboundMessage{}
}

func TestDeliverySuccess(t *testing.T) {
	m, _ := testManager(t, Config{})
	ch := &fakeChannel{id: "telegram"}
	m.Register(ch)
	m.Start(t.Context())

	msgID, err := m.Send(t.Context(), "telegram", "42", "hello", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := waitState(t, m, msgID, StateDelivered)
	if msg.Result == nil || msg.Result.ProviderMsgID != "p-"+msgID {
		t.Fatalf("result = %+v", msg.Result)
	}
	if msg.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", msg.Attempts)
	}
}

func TestDeliveryRetriesTransient(t *testing.T) {
	m, _ := testManager(t, Config{MaxAttempts: 5})
	ch := &fakeChannel{id: "telegram", fail: []error{
		shared.E(shared.KindTransient, "flaky"),
		shared.E(shared.KindTransient, "flaky"),
		nil,
	}}
	m.Register(ch)
	m.Start(t.Context())

	msgID, err := m.Send(t.Context(), "telegram", "42", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	msg := waitState(t, m, msgID, StateDelivered)
	if msg.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", msg.Attempts)
	}
}

func TestDeliveryPermanentFailsImmediately(t *testing.T) {
	m, b := testManager(t, Config{MaxAttempts: 5})
	sub := b.Subscribe(nil, bus.TopicMessageFailed)
	ch := &fakeChannel{id: "telegram", fail: []error{
		shared.E(shared.KindPermanent, "chat not found"),
	}}
	m.Register(ch)
	m.Start(t.Context())

	msgID, err := m.Send(t.Context(), "telegram", "bad", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	msg := waitState(t, m, msgID, StateFailed)
	if msg.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on permanent)", msg.Attempts)
	}
	select {
	case ev := <-sub.Ch():
		state := ev.Payload.(bus.MessageStateEvent)
		if state.MsgID != msgID || state.State != StateFailed {
			t.Fatalf("event = %+v", state)
		}
	case <-time.After(time.Second):
		t.Fatal("no message.failed event")
	}
}

func TestDeliveryExhaustsRetryBudget(t *testing.T) {
	m, _ := testManager(t, Config{MaxAttempts: 3})
	ch := &fakeChannel{id: "telegram", fail: []error{
		shared.E(shared.KindTransient, "down"),
		shared.E(shared.KindTransient, "down"),
		shared.E(shared.KindTransient, "down"),
		nil, // would succeed, but the budget is spent
	}}
	m.Register(ch)
	m.Start(t.Context())

	msgID, err := m.Send(t.Context(), "telegram", "42", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	msg := waitState(t, m, msgID, StateFailed)
	if msg.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", msg.Attempts)
	}
}

func TestSendUnknownChannel(t *testing.T) {
	m, _ := testManager(t, Config{})
	m.Start(t.Context())
	_, err := m.Send(t.Context(), "nope", "42", "hello", nil)
	if !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("kind = %v, want NotFound", shared.KindOf(err))
	}
}

func TestSendSpillsWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	m, _ := testManager(t, Config{QueueSize: 1, SendDeadline: 10 * time.Millisecond, OverflowDir: dir})
	block := make(chan struct{})
	ch := &fakeChannel{id: "telegram", block: block}
	m.Register(ch)
	m.Start(t.Context())

	// First message occupies the loop, second fills the queue, third
	// overflows to disk after the deadline.
	for i := 0; i < 2; i++ {
		if _, err := m.Send(t.Context(), "telegram", "42", "fill", nil); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
	}
	msgID, err := m.Send(t.Context(), "telegram", "42", "spilled", nil)
	if err != nil {
		t.Fatalf("overflow send should spill, got %v", err)
	}
	if msg, ok := m.Get(msgID); !ok || msg.State != StateQueued {
		t.Fatalf("spilled message state = %+v", msg)
	}
	close(block)
}
