package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/crpc/internal/shared"
)

// FetchFunc performs a guarded HTTP fetch. The sandbox package supplies
// the SSRF-safe implementation; tests inject fakes.
type FetchFunc func(ctx context.Context, url string) (status int, body []byte, err error)

// EnqueueFunc hands an outbound message to the delivery queue and
// returns its message id.
type EnqueueFunc func(ctx context.Context, channelID, to, body string) (string, error)

// NewWebFetch builds the built-in web_fetch tool over a guarded fetcher.
func NewWebFetch(fetch FetchFunc) Tool {
	return Tool{
		Name:        "web_fetch",
		Description: "Fetch a URL over HTTP(S) and return its body as text.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
			"required": []any{"url"},
		},
		Impl:         ImplBuiltin,
		ParallelSafe: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return nil, shared.E(shared.KindSchemaInvalid, "url must be non-empty")
			}
			status, body, err := fetch(ctx, url)
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": status, "body": string(body)}, nil
		},
	}
}

// NewCurrentTime builds the built-in current_time tool.
func NewCurrentTime(now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	return Tool{
		Name:         "current_time",
		Description:  "Return the current date and time.",
		Schema:       map[string]any{"type": "object"},
		Impl:         ImplBuiltin,
		ParallelSafe: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			t := now()
			return map[string]any{
				"iso":  t.Format(time.RFC3339),
				"unix": t.Unix(),
			}, nil
		},
	}
}

// NewMessageSend builds the channel-gated message_send tool for one
// channel. The active session must be bound to the same channel or
// dispatch fails before the handler runs.
func NewMessageSend(channelID string, enqueue EnqueueFunc) Tool {
	return Tool{
		Name:        "message_send",
		Description: fmt.Sprintf("Send a message through the %s channel.", channelID),
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":   map[string]any{"type": "string"},
				"body": map[string]any{"type": "string"},
			},
			"required": []any{"to", "body"},
		},
		Impl:             ImplChannelGated,
		ChannelTag:       channelID,
		RequiresApproval: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			to, _ := args["to"].(string)
			body, _ := args["body"].(string)
			if to == "" || body == "" {
				return nil, shared.E(shared.KindSchemaInvalid, "to and body must be non-empty")
			}
			msgID, err := enqueue(ctx, channelID, to, body)
			if err != nil {
				return nil, err
			}
			return map[string]any{"msg_id": msgID, "state": "queued"}, nil
		},
	}
}
