// Package delivery owns the outbound message path: a bounded in-memory
// queue per channel with disk-backed overflow, one delivery loop per
// channel, retry with exponential backoff, and state fanout over the
// broadcast bus.
package delivery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/channels"
	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/store"
)

// Outbound message states.
const (
	StateQueued     = "queued"
	StateDelivering = "delivering"
	StateDelivered  = "delivered"
	StateFailed     = "failed"
)

// OutboundMessage is the tracked record for one send.
type OutboundMessage struct {
	MsgID      string                   `json:"msg_id"`
	ChannelID  string                   `json:"channel_id"`
	To         string                   `json:"to"`
	Body       string                   `json:"body"`
	Media      []string                 `json:"media,omitempty"`
	EnqueuedAt time.Time                `json:"enqueued_at"`
	Attempts   int                      `json:"attempts"`
	State      string                   `json:"state"`
	Result     *channels.DeliveryResult `json:"result,omitempty"`
	LastError  string                   `json:"last_error,omitempty"`
}

type Config struct {
	// QueueSize bounds the in-memory queue per channel.
	QueueSize int
	// MaxAttempts caps delivery retries for transient failures.
	MaxAttempts int
	// SendDeadline bounds how long Send blocks on a full queue before the
	// message spills to the channel's overflow file; Send fails with
	// Overloaded only when that spill also fails.
	SendDeadline time.Duration
	// OverflowDir receives the spill file when a queue is full.
	OverflowDir string
	// Backoff is the initial retry delay; it doubles per attempt and is
	// capped at 30s. Tests shorten it.
	Backoff time.Duration
}

// channelQueue is one channel's delivery state.
type channelQueue struct {
	ch     channels.Channel
	queue  chan *OutboundMessage
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager routes outbound messages to per-channel delivery loops.
type Manager struct {
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	queues   map[string]*channelQueue
	messages map[string]*OutboundMessage
	started  bool
	ctx      context.Context
}

func NewManager(cfg Config, b *bus.Bus, logger *slog.Logger) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.SendDeadline <= 0 {
		cfg.SendDeadline = 10 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		queues:   map[string]*channelQueue{},
		messages: map[string]*OutboundMessage{},
	}
}

// Start begins delivery; channels registered afterwards get their loop
// immediately.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.ctx = ctx
	for _, cq := range m.queues {
		if cq.cancel == nil {
			m.startLoopLocked(cq)
		}
	}
}

// Register adds (or replaces) a channel implementation. Replacing stops
// the old loop after its in-flight message completes.
func (m *Manager) Register(ch channels.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.queues[ch.ID()]; ok && old.cancel != nil {
		old.cancel()
	}
	cq := &channelQueue{
		ch:    ch,
		queue: make(chan *OutboundMessage, m.cfg.QueueSize),
		done:  make(chan struct{}),
	}
	m.queues[ch.ID()] = cq
	if m.started {
		m.startLoopLocked(cq)
	}
}

// Channel returns a registered channel implementation.
func (m *Manager) Channel(channelID string) (channels.Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cq, ok := m.queues[channelID]
	if !ok {
		return nil, false
	}
	return cq.ch, true
}

// ChannelIDs lists registered channels.
func (m *Manager) ChannelIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues))
	for id := range m.queues {
		out = append(out, id)
	}
	return out
}

func (m *Manager) startLoopLocked(cq *channelQueue) {
	loopCtx, cancel := context.WithCancel(m.ctx)
	cq.cancel = cancel
	go func() {
		defer close(cq.done)
		m.replayOverflow(loopCtx, cq)
		m.loop(loopCtx, cq)
	}()
}

// Send enqueues a message, blocking up to the send deadline when the
// queue is full, then spilling to disk; only when the spill also fails
// does it report Overloaded.
func (m *Manager) Send(ctx context.Context, channelID, to, body string, media []string) (string, error) {
	m.mu.Lock()
	cq, ok := m.queues[channelID]
	m.mu.Unlock()
	if !ok {
		return "", shared.Ef(shared.KindNotFound, "channel %q not registered", channelID)
	}

	msg := &OutboundMessage{
		MsgID:      ulid.Make().String(),
		ChannelID:  channelID,
		To:         to,
		Body:       body,
		Media:      media,
		EnqueuedAt: time.Now(),
		State:      StateQueued,
	}
	m.track(msg)

	select {
	case cq.queue <- msg:
		m.publish(msg)
		return msg.MsgID, nil
	default:
	}

	deadline := time.NewTimer(m.cfg.SendDeadline)
	defer deadline.Stop()
	select {
	case cq.queue <- msg:
		m.publish(msg)
		return msg.MsgID, nil
	case <-ctx.Done():
		m.forget(msg.MsgID)
		return "", shared.Wrap(shared.KindCancelled, "send", ctx.Err())
	case <-deadline.C:
		if err := m.spill(msg); err != nil {
			m.forget(msg.MsgID)
			return "", shared.Wrap(shared.KindOverloaded, fmt.Sprintf("channel %s queue full", channelID), err)
		}
		m.publish(msg)
		return msg.MsgID, nil
	}
}

// Get returns the tracked record for a message id.
func (m *Manager) Get(msgID string) (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[msgID]
	if !ok {
		return OutboundMessage{}, false
	}
	return *msg, true
}

func (m *Manager) track(msg *OutboundMessage) {
	m.mu.Lock()
	m.messages[msg.MsgID] = msg
	m.mu.Unlock()
}

func (m *Manager) forget(msgID string) {
	m.mu.Lock()
	delete(m.messages, msgID)
	m.mu.Unlock()
}

func (m *Manager) publish(msg *OutboundMessage) {
	if m.bus == nil {
		return
	}
	topic := bus.TopicMessageQueued
	switch msg.State {
	case StateDelivered:
		topic = bus.TopicMessageDelivered
	case StateFailed:
		topic = bus.TopicMessageFailed
	}
	m.bus.Publish(topic, bus.MessageStateEvent{
		MsgID:     msg.MsgID,
		ChannelID: msg.ChannelID,
		State:     msg.State,
		Attempts:  msg.Attempts,
		Error:     msg.LastError,
	})
}

func (m *Manager) overflowPath(channelID string) string {
	return filepath.Join(m.cfg.OverflowDir, channelID+".overflow.jsonl")
}

// spill appends the message to the channel's overflow file.
func (m *Manager) spill(msg *OutboundMessage) error {
	path := m.overflowPath(msg.ChannelID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// replayOverflow feeds spilled messages back into the queue at loop
// start, then truncates the spill file.
func (m *Manager) replayOverflow(ctx context.Context, cq *channelQueue) {
	path := m.overflowPath(cq.ch.ID())
	f, err := os.Open(path)
	if err != nil {
		return
	}
	var replayed []*OutboundMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		var msg OutboundMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			m.logger.Warn("delivery: bad overflow record skipped", "channel", cq.ch.ID(), "error", err)
			continue
		}
		replayed = append(replayed, &msg)
	}
	f.Close()
	_ = store.WriteFileAtomic(path, nil, 0o600)

	for _, msg := range replayed {
		m.track(msg)
		select {
		case cq.queue <- msg:
		default:
			// No room; back to disk until the queue drains further. The
			// replay runs on the loop goroutine, so it must not block.
			_ = m.spill(msg)
		}
	}
	if len(replayed) > 0 {
		m.logger.Info("delivery: overflow replayed", "channel", cq.ch.ID(), "count", len(replayed))
	}
}

func (m *Manager) loop(ctx context.Context, cq *channelQueue) {
	// The ticker picks up messages spilled to disk while the queue was
	// full, once there is room again.
	replayTicker := time.NewTicker(2 * time.Second)
	defer replayTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-cq.queue:
			m.deliver(ctx, cq, msg)
		case <-replayTicker.C:
			if len(cq.queue) == 0 {
				m.replayOverflow(ctx, cq)
			}
		}
	}
}

// deliver drives one message to a terminal state: delivered, or failed
// after the retry budget or a permanent classification.
func (m *Manager) deliver(ctx context.Context, cq *channelQueue, msg *OutboundMessage) {
	m.setState(msg, StateDelivering, nil, "")
	backoff := m.cfg.Backoff
	const maxBackoff = 30 * time.Second

	for {
		msg.Attempts++
		result, err := cq.ch.Send(ctx, channels.Message{
			MsgID:     msg.MsgID,
			ChannelID: msg.ChannelID,
			To:        msg.To,
			Body:      msg.Body,
			Media:     msg.Media,
		})
		if err == nil {
			m.setState(msg, StateDelivered, &result, "")
			m.logger.Info("delivery: delivered", "msg_id", msg.MsgID, "channel", msg.ChannelID, "attempts", msg.Attempts)
			return
		}
		if ctx.Err() != nil {
			// Loop shutdown mid-delivery: persist for the next start.
			_ = m.spill(msg)
			return
		}
		if !shared.Retryable(err) || msg.Attempts >= m.cfg.MaxAttempts {
			m.setState(msg, StateFailed, nil, shared.Redact(err.Error()))
			m.logger.Warn("delivery: failed", "msg_id", msg.MsgID, "channel", msg.ChannelID,
				"attempts", msg.Attempts, "error", err)
			return
		}
		m.logger.Debug("delivery: transient failure, backing off",
			"msg_id", msg.MsgID, "attempt", msg.Attempts, "backoff", backoff)
		select {
		case <-ctx.Done():
			_ = m.spill(msg)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (m *Manager) setState(msg *OutboundMessage, state string, result *channels.DeliveryResult, lastErr string) {
	m.mu.Lock()
	msg.State = state
	msg.Result = result
	msg.LastError = lastErr
	m.mu.Unlock()
	m.publish(msg)
}

// Drain stops loops and persists anything still queued. Called during
// shutdown after the WS plane stops accepting sends.
func (m *Manager) Drain(timeout time.Duration) {
	m.mu.Lock()
	queues := make([]*channelQueue, 0, len(m.queues))
	for _, cq := range m.queues {
		queues = append(queues, cq)
	}
	m.mu.Unlock()

	deadline := time.After(timeout)
	for _, cq := range queues {
		if cq.cancel != nil {
			cq.cancel()
		}
	}
	for _, cq := range queues {
		if cq.cancel == nil {
			continue
		}
		select {
		case <-cq.done:
		case <-deadline:
		}
		// Persist whatever never left the queue.
		draining := true
		for draining {
			select {
			case msg := <-cq.queue:
				if err := m.spill(msg); err != nil {
					m.logger.Error("delivery: drain spill failed", "msg_id", msg.MsgID, "error", err)
				}
			default:
				draining = false
			}
		}
	}
}
