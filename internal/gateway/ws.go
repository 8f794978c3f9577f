package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/crpc/internal/auth"
	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/shared"
	"github.com/google/uuid"
)

// conn is one WebSocket client.
type conn struct {
	id     string
	ws     *websocket.Conn
	server *Server

	writeMu sync.Mutex

	mu       sync.Mutex
	authed   bool
	identity auth.Identity
	cancels  map[string]context.CancelFunc
	closed   bool

	sub       *bus.Subscription
	pumpClose context.CancelFunc
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r.RemoteAddr)
	if err := s.cfg.Limiter.Allow(ip, "ws"); err != nil {
		retry := ""
		var ke *shared.Error
		if shared.AsError(err, &ke) {
			if v, ok := ke.Data["retry_after_ms"]; ok {
				retry = toString(v)
			}
		}
		if retry != "" {
			w.Header().Set("Retry-After", retry)
		}
		httpError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	snapshot := s.cfg.Manager.Current()
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: snapshot.Server.AllowOrigins,
	})
	if err != nil {
		return
	}

	c := &conn{
		id:      uuid.NewString(),
		ws:      ws,
		server:  s,
		cancels: map[string]context.CancelFunc{},
	}

	// An Authorization header (or loopback/peer exemption) can satisfy
	// the handshake before the first frame.
	if identity, err := s.cfg.Auth.Authenticate(r.RemoteAddr, r.Header, auth.Credentials{}); err == nil {
		c.setIdentity(identity)
	}

	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
	s.logger.Info("ws: client connected", "conn_id", c.id, "ip", ip, "authed", c.isAuthed())

	// Unauthenticated sockets get the grace window, then close.
	grace := time.Duration(snapshot.Server.HandshakeGraceSeconds) * time.Second
	graceTimer := time.AfterFunc(grace, func() {
		if !c.isAuthed() {
			s.logger.Warn("ws: handshake grace expired", "conn_id", c.id)
			c.close("handshake required")
		}
	})
	defer graceTimer.Stop()

	ctx := shared.WithConnID(r.Context(), c.id)
	defer s.dropConn(c)

	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			return
		}
		if err := s.cfg.Limiter.Allow(ip, req.Method); err != nil {
			id, hasID := decodeID(req.ID)
			if hasID {
				_ = c.write(ctx, rpcResponse{ID: id, Error: toRPCError(err)})
			}
			continue
		}
		s.dispatch(ctx, c, req)
	}
}

// dispatch runs the method on its own task so long-running methods do
// not block the read loop (chat.abort must get through mid-run).
func (s *Server) dispatch(ctx context.Context, c *conn, req rpcRequest) {
	id, hasID := decodeID(req.ID)
	handler, ok := s.methods[req.Method]
	if !ok {
		if hasID {
			_ = c.write(ctx, rpcResponse{ID: id, Error: &rpcError{Code: 4040, Message: "unknown method " + req.Method}})
		}
		return
	}
	if !c.isAuthed() && !isHandshakeMethod(req.Method) {
		if hasID {
			_ = c.write(ctx, rpcResponse{ID: id, Error: toRPCError(shared.E(shared.KindUnauthenticated, "connect first"))})
		}
		return
	}

	traceCtx := shared.WithTraceID(ctx, shared.NewTraceID())
	go func() {
		result, err := handler(traceCtx, c, req.Params)
		if !hasID {
			return
		}
		resp := rpcResponse{ID: id}
		if err != nil {
			kind := shared.KindOf(err)
			if kind == shared.KindInternal {
				s.logger.Error("rpc failed", "method", req.Method, "trace_id", shared.TraceID(traceCtx), "error", err)
			}
			resp.Error = toRPCError(err)
		} else {
			resp.Result = result
		}
		_ = c.write(traceCtx, resp)
	}()
}

// isHandshakeMethod lists what an unauthenticated socket may call.
func isHandshakeMethod(method string) bool {
	return method == "connect"
}

func (c *conn) write(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, c.ws, v)
}

// notify sends a server→client notification frame.
func (c *conn) notify(method string, params any) {
	_ = c.write(context.Background(), rpcResponse{Method: method, Params: params})
}

func (c *conn) setIdentity(identity auth.Identity) {
	c.mu.Lock()
	c.authed = true
	c.identity = identity
	c.mu.Unlock()
}

func (c *conn) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// owner returns the identity subject used for session scoping.
func (c *conn) owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity.Subject == "" {
		return "operator"
	}
	return c.identity.Subject
}

// registerCancel keys a cancellation token by request id.
func (c *conn) registerCancel(requestID string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancels[requestID] = cancel
	c.mu.Unlock()
}

func (c *conn) releaseCancel(requestID string) {
	c.mu.Lock()
	delete(c.cancels, requestID)
	c.mu.Unlock()
}

// cancelRequest fires one owned token.
func (c *conn) cancelRequest(requestID string) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[requestID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *conn) close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close(websocket.StatusNormalClosure, reason)
}

// dropConn tears a connection down: owned tokens fire (which returns
// Cancelled to open approval waiters), bus subscriptions release, and
// the socket closes.
func (s *Server) dropConn(c *conn) {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.cancels = map[string]context.CancelFunc{}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	if c.pumpClose != nil {
		c.pumpClose()
	}
	if c.sub != nil {
		s.cfg.Bus.Unsubscribe(c.sub)
	}

	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()

	c.close("bye")
	s.logger.Info("ws: client disconnected", "conn_id", c.id)
}

// startPump forwards bus events for the subscription's topics to the
// client until eviction or disconnect.
func (s *Server) startPump(c *conn, topics []string) {
	c.mu.Lock()
	if c.pumpClose != nil {
		c.pumpClose()
		c.pumpClose = nil
	}
	if c.sub != nil {
		s.cfg.Bus.Unsubscribe(c.sub)
		c.sub = nil
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := s.cfg.Bus.Subscribe(func() {
		// Evicted as a slow consumer; the bus already closed the queue.
		s.logger.Warn("ws: slow consumer evicted from bus", "conn_id", c.id)
		c.notify("error", map[string]any{"kind": string(shared.KindSlowConsumer)})
		c.close("slow consumer")
	}, topics...)
	c.sub = sub
	c.pumpClose = cancel
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-pumpCtx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				c.notify(ev.Topic, ev.Payload)
			}
		}
	}()
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func toString(v any) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
