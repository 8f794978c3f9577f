package gateway

import (
	"context"
	"encoding/json"

	"github.com/basket/crpc/internal/shared"
)

// Wire frames. A request carries an id; a notification does not.
type rpcRequest struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     any       `json:"id,omitempty"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
	// Method and Params are set on server→client notifications.
	Method string `json:"method,omitempty"`
	Params any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Stable numeric codes per error kind.
var kindCodes = map[shared.Kind]int{
	shared.KindUnauthenticated:       4010,
	shared.KindForbidden:             4030,
	shared.KindNotFound:              4040,
	shared.KindConflict:              4090,
	shared.KindSchemaInvalid:         4220,
	shared.KindRateLimited:           4290,
	shared.KindOverloaded:            5030,
	shared.KindCancelled:             4990,
	shared.KindTimeout:               5040,
	shared.KindTransient:             5031,
	shared.KindPermanent:             5001,
	shared.KindQuotaExceeded:         4291,
	shared.KindArchived:              4231,
	shared.KindStreamStalled:         5041,
	shared.KindSlowConsumer:          4292,
	shared.KindDependencyUnavailable: 5021,
	shared.KindInternal:              5000,
}

// toRPCError maps a domain error onto the wire. Internal errors keep
// their detail in the log only.
func toRPCError(err error) *rpcError {
	kind := shared.KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		kind = shared.KindInternal
		code = kindCodes[shared.KindInternal]
	}
	msg := shared.Redact(err.Error())
	if kind == shared.KindInternal {
		msg = "internal error"
	}
	out := &rpcError{Code: code, Message: msg, Data: map[string]any{"kind": string(kind)}}
	var ke *shared.Error
	if shared.AsError(err, &ke) {
		for k, v := range ke.Data {
			out.Data[k] = v
		}
	}
	return out
}

// methodHandler executes one RPC method. The context carries the trace
// id and is cancelled on disconnect.
type methodHandler func(ctx context.Context, c *conn, params json.RawMessage) (any, error)

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		var zero T
		return zero, shared.Wrap(shared.KindSchemaInvalid, "decode params", err)
	}
	return v, nil
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case string, float64, bool, nil:
		return v, true
	default:
		return nil, false
	}
}
