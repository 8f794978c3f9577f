package channels

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/crpc/internal/sandbox/wasm"
	"github.com/basket/crpc/internal/shared"
)

// Plugin adapts a sandbox-hosted channel plugin to the Channel
// interface; the delivery loop dispatches to it exactly as it would a
// native implementation.
type Plugin struct {
	pluginID string
	host     *wasm.Host
}

func NewPlugin(pluginID string, host *wasm.Host) *Plugin {
	return &Plugin{pluginID: pluginID, host: host}
}

func (p *Plugin) ID() string { return p.pluginID }

// pluginSendReply is the guest's channel_send response contract.
type pluginSendReply struct {
	ProviderMsgID string   `json:"provider_msg_id"`
	Warnings      []string `json:"warnings"`
	Error         string   `json:"error"`
	Transient     bool     `json:"transient"`
}

func (p *Plugin) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	input, err := json.Marshal(msg)
	if err != nil {
		return DeliveryResult{}, shared.Wrap(shared.KindInternal, "encode message", err)
	}
	out, err := p.host.InvokeChannel(ctx, p.pluginID, input)
	if err != nil {
		return DeliveryResult{}, err
	}
	var reply pluginSendReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return DeliveryResult{}, shared.Wrap(shared.KindPermanent, "plugin channel returned malformed result", err)
	}
	if reply.Error != "" {
		kind := shared.KindPermanent
		if reply.Transient {
			kind = shared.KindTransient
		}
		return DeliveryResult{}, shared.Ef(kind, "plugin channel %s: %s", p.pluginID, reply.Error)
	}
	return DeliveryResult{
		ProviderMsgID: reply.ProviderMsgID,
		DeliveredAt:   time.Now(),
		Warnings:      reply.Warnings,
	}, nil
}

// Logout is a no-op for hosted channels; instances are per-call and hold
// no connection state.
func (p *Plugin) Logout(ctx context.Context) error { return nil }
