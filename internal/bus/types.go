package bus

// Event represents a server-side event fanned out to in-process listeners.
type Event struct {
	Name    string      `json:"name"` // protocol.Event* constants
	Payload interface{} `json:"payload,omitempty"`
}

// BridgeStatusPayload is carried by protocol.EventBridgeStatus events.
type BridgeStatusPayload struct {
	State     string `json:"state"`
	PID       int    `json:"pid,omitempty"`
	StartedAt int64  `json:"startedAt,omitempty"` // unix ms
	ExitCode  *int   `json:"exitCode,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SecretRotatedPayload is carried by protocol.EventSecretRotate events.
// The secret itself is never published.
type SecretRotatedPayload struct {
	Source string `json:"source"` // "api" or "file"
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the relay server and bridge supervisor to decouple from MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
