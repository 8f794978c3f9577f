package bus

// Domain event topics broadcast to WS subscribers.
const (
	TopicConfigChanged = "config.changed"

	TopicSessionCreated   = "session.created"
	TopicSessionCompacted = "session.compacted"
	TopicSessionPurged    = "session.purged"

	TopicAgentToken      = "agent.token"
	TopicAgentToolCall   = "agent.tool_call"
	TopicAgentToolResult = "agent.tool_result"
	TopicAgentStop       = "agent.stop"
	TopicAgentError      = "agent.error"

	TopicMessageQueued    = "message.queued"
	TopicMessageDelivered = "message.delivered"
	TopicMessageFailed    = "message.failed"

	TopicCronFired  = "cron.fired"
	TopicCronResult = "cron.result"

	TopicPairingRequested = "pairing.requested"
	TopicPairingResolved  = "pairing.resolved"

	TopicApprovalOpened   = "approval.opened"
	TopicApprovalResolved = "approval.resolved"

	TopicSystemPresence = "system-presence"
	TopicSystemEvent    = "system-event"
)

// ConfigChangedEvent carries the classified section diff of a reload.
type ConfigChangedEvent struct {
	Sections map[string]string `json:"sections"`
	Digest   string            `json:"digest"`
}

// MessageStateEvent is published on outbound delivery transitions.
type MessageStateEvent struct {
	MsgID     string `json:"msg_id"`
	ChannelID string `json:"channel_id"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// CronRunEvent is published when a cron job finishes a run.
type CronRunEvent struct {
	JobID    string `json:"job_id"`
	Outcome  string `json:"outcome"`
	Duration int64  `json:"duration_ms"`
}
