package protocol

// Server-originated events.
const (
	EventAgent             = "agent"
	EventChat              = "chat"
	EventPresence          = "presence"
	EventTick              = "tick"
	EventTalkMode          = "talk.mode"
	EventShutdown          = "shutdown"
	EventHealth            = "health"
	EventHeartbeat         = "heartbeat"
	EventCron              = "cron"
	EventNodePairRequested = "node.pair.requested"
	EventNodePairResolved  = "node.pair.resolved"
	EventVoicewakeChanged  = "voicewake.changed"
)

// Events lists every event the gateway may emit, in the order advertised in
// hello-ok.
func Events() []string {
	return []string{
		EventAgent,
		EventChat,
		EventPresence,
		EventTick,
		EventTalkMode,
		EventShutdown,
		EventHealth,
		EventHeartbeat,
		EventCron,
		EventNodePairRequested,
		EventNodePairResolved,
		EventVoicewakeChanged,
	}
}
