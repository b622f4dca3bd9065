package protocol

// Chat event states.
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateError   = "error"
	ChatStateAborted = "aborted"
)

// ChatMessage is the assistant text carried by a chat event. Deltas carry
// everything buffered so far, not just the newest fragment.
type ChatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
	TS   int64  `json:"timestamp"`
}

// ChatEvent is the payload of a "chat" event.
type ChatEvent struct {
	RunID        string       `json:"runId"`
	SessionKey   string       `json:"sessionKey"`
	Seq          int64        `json:"seq"`
	State        string       `json:"state"`
	Message      *ChatMessage `json:"message,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// AgentEventPayload is the payload of an "agent" event.
type AgentEventPayload struct {
	RunID      string `json:"runId"`
	Seq        int64  `json:"seq"`
	Stream     string `json:"stream"`
	TS         int64  `json:"ts"`
	SessionKey string `json:"sessionKey,omitempty"`
	Data       any    `json:"data,omitempty"`
}

// SessionScoped is implemented by payloads that belong to one session. The
// bridge relays them only to nodes subscribed to that session.
type SessionScoped interface {
	ScopeSessionKey() string
}

func (e ChatEvent) ScopeSessionKey() string         { return e.SessionKey }
func (e AgentEventPayload) ScopeSessionKey() string { return e.SessionKey }
