// Package channels defines the messaging-platform abstraction and its
// native implementations. A channel can deliver outbound messages and
// optionally listen for inbound ones; hosted (WASM) channels are wrapped
// behind the same interface so the delivery loop cannot tell them apart.
package channels

import (
	"context"
	"time"
)

// Message is one outbound delivery request.
type Message struct {
	MsgID     string   `json:"msg_id"`
	ChannelID string   `json:"channel_id"`
	To        string   `json:"to"`
	Body      string   `json:"body"`
	Media     []string `json:"media,omitempty"`
}

// DeliveryResult reports a successful send.
type DeliveryResult struct {
	ProviderMsgID string    `json:"provider_msg_id"`
	DeliveredAt   time.Time `json:"delivered_at"`
	Warnings      []string  `json:"warnings,omitempty"`
}

// Channel is the narrow capability set every implementation exposes.
type Channel interface {
	ID() string
	Send(ctx context.Context, msg Message) (DeliveryResult, error)
	Logout(ctx context.Context) error
}

// Inbound is a message arriving from a messaging platform.
type Inbound struct {
	ChannelID string
	Sender    string
	Peer      string
	Text      string
}

// InboundHandler consumes inbound messages; implementations route them
// into agent turns.
type InboundHandler func(ctx context.Context, in Inbound)

// Listener is implemented by channels that receive inbound traffic.
type Listener interface {
	Listen(ctx context.Context, handler InboundHandler) error
}

// Status is the channels.status view of one channel.
type Status struct {
	ChannelID string `json:"channel_id"`
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}
