package bus

import "encoding/json"

// Agent runtime topics.
const (
	TopicAgentEvent = "agent.event"
)

// Pairing topics, published by the pairing store.
const (
	TopicPairingRequested = "pairing.requested"
	TopicPairingResolved  = "pairing.resolved"
)

// System topics.
const (
	TopicHeartbeat        = "system.heartbeat"
	TopicSystemEvent      = "system.event"
	TopicVoicewakeChanged = "system.voicewake"
	TopicTalkMode         = "system.talk_mode"
	TopicCron             = "system.cron"
)

// Agent event streams.
const (
	StreamAssistant = "assistant"
	StreamTool      = "tool"
	StreamLifecycle = "lifecycle"
	StreamError     = "error"
)

// Lifecycle phases carried in AgentEvent.Data["phase"].
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// AgentEvent is one step of an agent run. Seq increases by one per run;
// SessionKey may be empty, in which case the gateway resolves it.
type AgentEvent struct {
	RunID      string          `json:"runId"`
	Seq        int64           `json:"seq"`
	Stream     string          `json:"stream"`
	TS         int64           `json:"ts"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// PairingEvent reports a created or resolved pairing request.
type PairingEvent struct {
	RequestID string `json:"requestId"`
	DeviceID  string `json:"deviceId"`
	// Decision is "approved" or "rejected" on resolution, empty on request.
	Decision    string `json:"decision,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Role        string `json:"role,omitempty"`
	RemoteIP    string `json:"remoteIp,omitempty"`
	Silent      bool   `json:"silent,omitempty"`
	TS          int64  `json:"ts"`
}

// HeartbeatEvent is the last heartbeat observed from the agent runtime.
type HeartbeatEvent struct {
	TS      int64  `json:"ts"`
	Status  string `json:"status"`
	Preview string `json:"preview,omitempty"`
}

// SystemEvent is a free-form line pushed into presence, typically from a
// node or the CLI.
type SystemEvent struct {
	Text       string `json:"text"`
	InstanceID string `json:"instanceId,omitempty"`
	Host       string `json:"host,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// VoicewakeChanged carries the new global wake triggers.
type VoicewakeChanged struct {
	Triggers []string `json:"triggers"`
}

// TalkMode toggles talk mode on clients.
type TalkMode struct {
	Enabled bool   `json:"enabled"`
	Phase   string `json:"phase,omitempty"`
	TS      int64  `json:"ts"`
}

// CronEvent reports a job change or run from the cron collaborator.
type CronEvent struct {
	JobID  string `json:"jobId"`
	Action string `json:"action"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	TS     int64  `json:"ts"`
}
