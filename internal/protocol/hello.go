package protocol

// HelloOKType is the payload type of a successful connect response.
const HelloOKType = "hello-ok"

// ServerInfo identifies the gateway process to a client.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// Features advertises what the gateway can do.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// Snapshot is the state a client starts from. Later events carry a
// StateVersion the client compares against these counters.
type Snapshot struct {
	Presence     any          `json:"presence"`
	Health       any          `json:"health"`
	StateVersion StateVersion `json:"stateVersion"`
	UptimeMs     int64        `json:"uptimeMs"`
	ConfigPath   string       `json:"configPath,omitempty"`
	StateDir     string       `json:"stateDir,omitempty"`
}

// Policy reports the limits the connection is held to.
type Policy struct {
	MaxPayload       int64 `json:"maxPayload"`
	MaxBufferedBytes int64 `json:"maxBufferedBytes"`
	TickIntervalMs   int64 `json:"tickIntervalMs"`
}

// HelloAuth echoes how the connection was admitted.
type HelloAuth struct {
	Method string   `json:"method"`
	Role   string   `json:"role"`
	Scopes []string `json:"scopes,omitempty"`
}

// HelloOK is the payload of the connect response.
type HelloOK struct {
	Type     string     `json:"type"`
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Snapshot Snapshot   `json:"snapshot"`
	Policy   Policy     `json:"policy"`
	Auth     HelloAuth  `json:"auth"`
}

// ShutdownPayload is broadcast before the gateway closes every socket.
type ShutdownPayload struct {
	Reason            string `json:"reason"`
	RestartExpectedMs int64  `json:"restartExpectedMs,omitempty"`
}

// TickPayload is the periodic keepalive event.
type TickPayload struct {
	TS int64 `json:"ts"`
}
