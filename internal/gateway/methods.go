package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/basket/crpc/internal/auth"
	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/channels"
	"github.com/basket/crpc/internal/cron"
	"github.com/basket/crpc/internal/delivery"
	"github.com/basket/crpc/internal/engine"
	"github.com/basket/crpc/internal/pairing"
	"github.com/basket/crpc/internal/session"
	"github.com/basket/crpc/internal/shared"
	"github.com/google/uuid"
)

// registerMethods builds the dispatch table. Handlers are registered
// explicitly at startup; there is no reflective routing.
func (s *Server) registerMethods() {
	m := s.methods

	// Transport.
	m["connect"] = s.methodConnect
	m["subscribe"] = s.methodSubscribe

	// Sessions.
	m["sessions.list"] = s.methodSessionsList
	m["sessions.get"] = s.methodSessionsGet
	m["sessions.create"] = s.methodSessionsCreate
	m["sessions.append"] = s.methodSessionsAppend
	m["sessions.history"] = s.methodSessionsHistory
	m["sessions.compact"] = s.methodSessionsCompact
	m["sessions.archive"] = s.methodSessionsArchive
	m["sessions.export_user"] = s.methodSessionsExportUser
	m["sessions.purge_user"] = s.methodSessionsPurgeUser

	// Cron.
	m["cron.list"] = s.methodCronList
	m["cron.get"] = s.methodCronGet
	m["cron.upsert"] = s.methodCronUpsert
	m["cron.delete"] = s.methodCronDelete
	m["cron.runs"] = s.methodCronRuns

	// Approvals.
	m["exec.approvals.get"] = s.methodApprovalsGet
	m["exec.approvals.set"] = s.methodApprovalsSet
	m["exec.approvals.wait"] = s.methodApprovalsWait

	// Agent plane.
	m["agent"] = s.methodAgent
	m["agent.wait"] = s.methodAgentWait
	m["agent.identity.get"] = s.methodAgentIdentity
	m["agents.list"] = s.methodAgentsList
	m["models.list"] = s.methodModelsList
	m["chat.send"] = s.methodAgent
	m["chat.abort"] = s.methodChatAbort

	// Delivery and channels.
	m["send"] = s.methodSend
	m["channels.status"] = s.methodChannelsStatus
	m["channels.logout"] = s.methodChannelsLogout

	// Pairing.
	m["node.list"] = s.pairingList(func() *pairing.Registry { return s.cfg.Nodes })
	m["node.describe"] = s.pairingDescribe(func() *pairing.Registry { return s.cfg.Nodes })
	m["node.pair_request"] = s.pairingRequest(func() *pairing.Registry { return s.cfg.Nodes })
	m["node.pair_accept"] = s.pairingAccept(func() *pairing.Registry { return s.cfg.Nodes })
	m["node.revoke"] = s.pairingRevoke(func() *pairing.Registry { return s.cfg.Nodes })
	m["node.event"] = s.methodNodeEvent
	m["device.list"] = s.pairingList(func() *pairing.Registry { return s.cfg.Devices })
	m["device.describe"] = s.pairingDescribe(func() *pairing.Registry { return s.cfg.Devices })
	m["device.pair_request"] = s.pairingRequest(func() *pairing.Registry { return s.cfg.Devices })
	m["device.pair_accept"] = s.pairingAccept(func() *pairing.Registry { return s.cfg.Devices })
	m["device.revoke"] = s.pairingRevoke(func() *pairing.Registry { return s.cfg.Devices })
	m["device.event"] = s.methodNodeEvent

	// Config plane.
	m["config.get"] = s.methodConfigGet
	m["config.set"] = s.methodConfigSet
	m["config.apply"] = s.methodConfigApply
	m["config.patch"] = s.methodConfigPatch
	m["config.reload"] = s.methodConfigReload

	// Skills.
	m["skills.status"] = s.methodSkillsStatus
	m["skills.bins"] = s.methodSkillsBins
	m["skills.install"] = s.methodSkillsInstall
	m["skills.update"] = s.methodSkillsUpdate

	// Small surfaces.
	m["usage.status"] = s.methodUsageStatus
	m["usage.cost"] = s.methodUsageCost
	m["voicewake.get"] = s.methodVoicewakeGet
	m["voicewake.set"] = s.methodVoicewakeSet
	m["talk.mode"] = s.methodTalkMode
	m["wizard.status"] = s.methodWizardStatus
	m["logs.tail"] = s.methodLogsTail
	m["system-presence"] = s.methodSystemPresence
	m["system-event"] = s.methodSystemEvent
	m["wake"] = s.methodWake
	m["tts.convert"] = s.methodTTSConvert
	m["tts.speak"] = s.methodTTSConvert
	m["update.check"] = s.methodUpdateCheck
	m["update.run"] = s.methodUpdateRun
}

// --- transport ---

func (s *Server) methodConnect(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		auth.Credentials
		Subscriptions []string `json:"subscriptions"`
	}](params)
	if err != nil {
		return nil, err
	}
	if !c.isAuthed() {
		identity, err := s.cfg.Auth.Authenticate("", nil, p.Credentials)
		if err != nil {
			return nil, err
		}
		c.setIdentity(identity)
	}
	if len(p.Subscriptions) > 0 {
		s.startPump(c, p.Subscriptions)
	}
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	return map[string]any{
		"protocol": "crpc",
		"version":  Version,
		"identity": map[string]any{"kind": string(identity.Kind), "subject": identity.Subject},
	}, nil
}

func (s *Server) methodSubscribe(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Topics []string `json:"topics"`
	}](params)
	if err != nil {
		return nil, err
	}
	s.startPump(c, p.Topics)
	return map[string]any{"subscribed": p.Topics}, nil
}

// --- sessions ---

func (s *Server) methodSessionsList(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Owner string `json:"owner"`
	}](params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": s.cfg.Sessions.List(p.Owner)}, nil
}

func (s *Server) methodSessionsGet(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		SessionID string `json:"session_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	return s.cfg.Sessions.Get(p.SessionID)
}

func (s *Server) methodSessionsCreate(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Owner    string `json:"owner"`
		ScopeKey string `json:"scope_key"`
		Channel  string `json:"channel"`
	}](params)
	if err != nil {
		return nil, err
	}
	owner := p.Owner
	if owner == "" {
		owner = c.owner()
	}
	meta, err := s.cfg.Sessions.Create(owner, p.ScopeKey, p.Channel)
	if err != nil {
		return nil, err
	}
	s.cfg.Bus.Publish(bus.TopicSessionCreated, meta)
	return meta, nil
}

func (s *Server) methodSessionsAppend(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		SessionID string `json:"session_id"`
		Role      string `json:"role"`
		Content   string `json:"content"`
	}](params)
	if err != nil {
		return nil, err
	}
	return s.cfg.Sessions.Append(p.SessionID, session.Turn{Role: p.Role, Content: p.Content})
}

func (s *Server) methodSessionsHistory(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit"`
	}](params)
	if err != nil {
		return nil, err
	}
	turns, err := s.cfg.Sessions.History(p.SessionID)
	if err != nil {
		return nil, err
	}
	if p.Limit > 0 && len(turns) > p.Limit {
		turns = turns[len(turns)-p.Limit:]
	}
	return map[string]any{"turns": turns}, nil
}

func (s *Server) methodSessionsCompact(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		SessionID string `json:"session_id"`
		KeepLast  int    `json:"keep_last"`
	}](params)
	if err != nil {
		return nil, err
	}
	keep := p.KeepLast
	if keep <= 0 {
		keep = s.cfg.Manager.Current().Sessions.CompactKeepLast
	}
	compacted, err := s.cfg.Sessions.Compact(p.SessionID, keep, nil)
	if err != nil {
		return nil, err
	}
	s.cfg.Bus.Publish(bus.TopicSessionCompacted, map[string]any{
		"session_id": p.SessionID, "compacted": compacted,
	})
	return map[string]any{"compacted": compacted}, nil
}

func (s *Server) methodSessionsArchive(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		SessionID string `json:"session_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Sessions.Archive(p.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"archived": true}, nil
}

func (s *Server) methodSessionsExportUser(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		User string `json:"user"`
	}](params)
	if err != nil {
		return nil, err
	}
	exports, warnings := s.cfg.Sessions.ExportUser(p.User)
	return map[string]any{"sessions": exports, "warnings": warnings}, nil
}

func (s *Server) methodSessionsPurgeUser(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		User string `json:"user"`
	}](params)
	if err != nil {
		return nil, err
	}
	deleted, total := s.cfg.Sessions.PurgeUser(p.User)
	s.cfg.Bus.Publish(bus.TopicSessionPurged, map[string]any{
		"user": p.User, "deleted": deleted, "total": total,
	})
	return map[string]any{"deleted": deleted, "total": total}, nil
}

// --- cron ---

func (s *Server) methodCronList(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	return map[string]any{"jobs": s.cfg.Cron.List()}, nil
}

func (s *Server) methodCronGet(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		JobID string `json:"job_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	return s.cfg.Cron.Get(p.JobID)
}

func (s *Server) methodCronUpsert(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[cron.Job](params)
	if err != nil {
		return nil, err
	}
	if p.JobID == "" {
		p.JobID = uuid.NewString()
	}
	return s.cfg.Cron.Upsert(p)
}

func (s *Server) methodCronDelete(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		JobID string `json:"job_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Cron.Delete(p.JobID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) methodCronRuns(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		JobID string `json:"job_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	runs, err := s.cfg.Cron.Runs(p.JobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runs": runs}, nil
}

// --- approvals ---

func (s *Server) methodApprovalsGet(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	tickets, digest := s.cfg.Approvals.List()
	return map[string]any{"tickets": tickets, "digest": digest}, nil
}

func (s *Server) methodApprovalsSet(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		TicketID   string `json:"ticket_id"`
		Approve    bool   `json:"approve"`
		BaseDigest string `json:"base_digest"`
	}](params)
	if err != nil {
		return nil, err
	}
	return s.cfg.Approvals.Resolve(p.TicketID, p.Approve, p.BaseDigest)
}

func (s *Server) methodApprovalsWait(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		TicketID string `json:"ticket_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	decision, err := s.cfg.Approvals.Wait(ctx, p.TicketID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ticket_id": decision.TicketID, "approved": decision.Approved}, nil
}

// --- agent plane ---

type agentParams struct {
	RunID       string   `json:"run_id"`
	SessionID   string   `json:"session_id"`
	AgentID     string   `json:"agent_id"`
	Message     string   `json:"message"`
	Content     string   `json:"content"` // accepted alias
	Attachments []string `json:"attachments"`
	Channel     string   `json:"channel"`
	Sender      string   `json:"sender"`
	Peer        string   `json:"peer"`
}

func (s *Server) methodAgent(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[agentParams](params)
	if err != nil {
		return nil, err
	}
	if p.Message == "" {
		p.Message = p.Content
	}
	if p.Message == "" {
		return nil, shared.E(shared.KindSchemaInvalid, "message must be non-empty")
	}

	sessionID := p.SessionID
	if sessionID == "" {
		snapshot := s.cfg.Manager.Current()
		meta, err := s.cfg.Sessions.Resolve(
			c.owner(), snapshot.Sessions.Scoping, p.Channel, p.Sender, p.Peer,
			session.ResetFromConfig(snapshot.Sessions.Reset),
		)
		if err != nil {
			return nil, err
		}
		sessionID = meta.SessionID
	}

	runID := p.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.registerCancel(runID, cancel)
	defer c.releaseCancel(runID)

	state := &runState{done: make(chan struct{}), cancel: cancel}
	s.runsMu.Lock()
	s.runs[runID] = state
	s.runsMu.Unlock()
	defer func() {
		close(state.done)
		// Keep the result around briefly for agent.wait stragglers.
		time.AfterFunc(time.Minute, func() {
			s.runsMu.Lock()
			delete(s.runs, runID)
			s.runsMu.Unlock()
		})
	}()

	var mu sync.Mutex
	var text string
	var stopReason string
	emit := func(ev engine.Event) {
		mu.Lock()
		if ev.Kind == engine.EventToken {
			text += ev.Text
		}
		if ev.Kind == engine.EventStop {
			stopReason = ev.StopReason
		}
		mu.Unlock()
		c.notify("agent.event", map[string]any{"run_id": runID, "event": ev})
		switch ev.Kind {
		case engine.EventToolCallRequest:
			s.cfg.Bus.Publish(bus.TopicAgentToolCall, map[string]any{"run_id": runID, "call": ev.Call})
		case engine.EventToolCallResult:
			s.cfg.Bus.Publish(bus.TopicAgentToolResult, map[string]any{"run_id": runID, "call": ev.Call})
		case engine.EventStop:
			s.cfg.Bus.Publish(bus.TopicAgentStop, map[string]any{"run_id": runID, "stop_reason": ev.StopReason})
		case engine.EventError:
			s.cfg.Bus.Publish(bus.TopicAgentError, map[string]any{"run_id": runID, "code": ev.Code})
		}
	}

	runErr := s.cfg.Engine.Run(runCtx, engine.RunInput{
		SessionID:   sessionID,
		AgentID:     p.AgentID,
		UserMessage: p.Message,
		Attachments: p.Attachments,
	}, emit)

	mu.Lock()
	result := map[string]any{
		"run_id":      runID,
		"session_id":  sessionID,
		"text":        text,
		"stop_reason": stopReason,
	}
	mu.Unlock()

	state.result = result
	state.err = runErr
	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

func (s *Server) methodAgentWait(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		RunID     string `json:"run_id"`
		TimeoutMS int    `json:"timeout_ms"`
	}](params)
	if err != nil {
		return nil, err
	}
	s.runsMu.Lock()
	state, ok := s.runs[p.RunID]
	s.runsMu.Unlock()
	if !ok {
		return nil, shared.Ef(shared.KindNotFound, "run %q not found", p.RunID)
	}
	timeout := time.Duration(p.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}
	select {
	case <-state.done:
		if state.err != nil {
			return nil, state.err
		}
		return state.result, nil
	case <-time.After(timeout):
		return nil, shared.Ef(shared.KindTimeout, "run %q still in flight", p.RunID)
	case <-ctx.Done():
		return nil, shared.Wrap(shared.KindCancelled, "agent.wait", ctx.Err())
	}
}

func (s *Server) methodChatAbort(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		RunID string `json:"run_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	if c.cancelRequest(p.RunID) {
		return map[string]any{"aborted": true}, nil
	}
	s.runsMu.Lock()
	state, ok := s.runs[p.RunID]
	s.runsMu.Unlock()
	if ok {
		state.cancel()
		return map[string]any{"aborted": true}, nil
	}
	return nil, shared.Ef(shared.KindNotFound, "run %q not found", p.RunID)
}

func (s *Server) methodAgentIdentity(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		AgentID string `json:"agent_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	ag, err := s.cfg.Agents.Get(p.AgentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agent_id": ag.ID,
		"model":    ag.Model,
		"channel":  ag.Channel,
		"policy":   map[string]any{"mode": ag.Policy.Mode(), "tools": ag.Policy.Tools()},
	}, nil
}

func (s *Server) methodAgentsList(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	list := s.cfg.Agents.List()
	out := make([]map[string]any, 0, len(list))
	for _, ag := range list {
		out = append(out, map[string]any{
			"agent_id": ag.ID,
			"model":    ag.Model,
			"channel":  ag.Channel,
		})
	}
	return map[string]any{"agents": out}, nil
}

func (s *Server) methodModelsList(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	return map[string]any{"models": s.cfg.Agents.Models()}, nil
}

// --- delivery ---

func (s *Server) methodSend(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		ChannelID string   `json:"channel_id"`
		To        string   `json:"to"`
		Body      string   `json:"body"`
		Media     []string `json:"media"`
	}](params)
	if err != nil {
		return nil, err
	}
	msgID, err := s.cfg.Delivery.Send(ctx, p.ChannelID, p.To, p.Body, p.Media)
	if err != nil {
		return nil, err
	}
	return map[string]any{"msg_id": msgID, "state": delivery.StateQueued}, nil
}

func (s *Server) methodChannelsStatus(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var out []channels.Status
	for _, id := range s.cfg.Delivery.ChannelIDs() {
		ch, ok := s.cfg.Delivery.Channel(id)
		if !ok {
			continue
		}
		if st, ok := ch.(interface{ Status() channels.Status }); ok {
			out = append(out, st.Status())
			continue
		}
		out = append(out, channels.Status{ChannelID: id, Connected: true})
	}
	return map[string]any{"channels": out}, nil
}

func (s *Server) methodChannelsLogout(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		ChannelID string `json:"channel_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	ch, ok := s.cfg.Delivery.Channel(p.ChannelID)
	if !ok {
		return nil, shared.Ef(shared.KindNotFound, "channel %q not registered", p.ChannelID)
	}
	if err := ch.Logout(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"logged_out": true}, nil
}

// --- pairing ---

func (s *Server) pairingList(reg func() *pairing.Registry) methodHandler {
	return func(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
		return map[string]any{"requests": reg().List()}, nil
	}
}

func (s *Server) pairingDescribe(reg func() *pairing.Registry) methodHandler {
	return func(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
		p, err := decodeParams[struct {
			RequestID string `json:"request_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		return reg().Get(p.RequestID)
	}
}

func (s *Server) pairingRequest(reg func() *pairing.Registry) methodHandler {
	return func(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
		p, err := decodeParams[struct {
			Identity string   `json:"identity"`
			Caps     []string `json:"caps"`
			Repair   bool     `json:"is_repair"`
		}](params)
		if err != nil {
			return nil, err
		}
		if p.Repair {
			req, token, err := reg().Repair(p.Identity)
			if err != nil {
				return nil, err
			}
			return map[string]any{"request": req, "token": token}, nil
		}
		req, err := reg().Submit(p.Identity, p.Caps)
		if err != nil {
			return nil, err
		}
		return map[string]any{"request": req}, nil
	}
}

func (s *Server) pairingAccept(reg func() *pairing.Registry) methodHandler {
	return func(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
		p, err := decodeParams[struct {
			RequestID string `json:"request_id"`
			Approve   *bool  `json:"approve"`
		}](params)
		if err != nil {
			return nil, err
		}
		if p.Approve != nil && !*p.Approve {
			req, err := reg().Reject(p.RequestID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"request": req}, nil
		}
		req, token, err := reg().Approve(p.RequestID)
		if err != nil {
			return nil, err
		}
		// The plain token crosses the wire exactly once, here.
		return map[string]any{"request": req, "token": token}, nil
	}
}

func (s *Server) pairingRevoke(reg func() *pairing.Registry) methodHandler {
	return func(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
		p, err := decodeParams[struct {
			Identity string `json:"identity"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := reg().Revoke(p.Identity); err != nil {
			return nil, err
		}
		return map[string]any{"revoked": true}, nil
	}
}

func (s *Server) methodNodeEvent(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Identity string         `json:"identity"`
		Payload  map[string]any `json:"payload"`
	}](params)
	if err != nil {
		return nil, err
	}
	s.cfg.Bus.Publish(bus.TopicSystemEvent, map[string]any{
		"source": "node:" + p.Identity, "payload": p.Payload,
	})
	return map[string]any{"accepted": true}, nil
}

// --- config plane ---

func (s *Server) methodConfigGet(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	doc, digest := s.cfg.Manager.Get()
	return map[string]any{"config": doc, "digest": digest}, nil
}

type configWriteParams struct {
	Doc        map[string]any `json:"doc"`
	BaseDigest string         `json:"base_digest"`
}

func (s *Server) methodConfigSet(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[configWriteParams](params)
	if err != nil {
		return nil, err
	}
	digest, err := s.cfg.Manager.Set(p.Doc, p.BaseDigest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"digest": digest}, nil
}

func (s *Server) methodConfigApply(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[configWriteParams](params)
	if err != nil {
		return nil, err
	}
	digest, err := s.cfg.Manager.Apply(p.Doc, p.BaseDigest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"digest": digest}, nil
}

func (s *Server) methodConfigPatch(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Patch      map[string]any `json:"patch"`
		BaseDigest string         `json:"base_digest"`
	}](params)
	if err != nil {
		return nil, err
	}
	digest, err := s.cfg.Manager.Patch(p.Patch, p.BaseDigest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"digest": digest}, nil
}

func (s *Server) methodConfigReload(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	event, err := s.cfg.Manager.Reload()
	if err != nil {
		return nil, err
	}
	return event, nil
}

// --- skills ---

func (s *Server) methodSkillsStatus(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	manifests := s.cfg.Host.Manifests()
	return map[string]any{"plugins": manifests}, nil
}

func (s *Server) methodSkillsBins(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	list, err := s.cfg.Installer.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"installed": list}, nil
}

func (s *Server) methodSkillsInstall(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Name   string `json:"name"`
		Source string `json:"source"`
	}](params)
	if err != nil {
		return nil, err
	}
	info, err := s.cfg.Installer.Install(ctx, p.Name, p.Source)
	if err != nil {
		return nil, err
	}
	manifest, err := s.cfg.Loader.LoadOne(ctx, info.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"installed": info, "manifest": manifest}, nil
}

func (s *Server) methodSkillsUpdate(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Name   string `json:"name"`
		Source string `json:"source"`
	}](params)
	if err != nil {
		return nil, err
	}
	info, err := s.cfg.Installer.Update(ctx, p.Name, p.Source)
	if err != nil {
		return nil, err
	}
	manifest, err := s.cfg.Loader.LoadOne(ctx, info.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"installed": info, "manifest": manifest}, nil
}
