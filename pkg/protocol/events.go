package protocol

// ProtocolVersion is bumped whenever a control frame changes shape.
const ProtocolVersion = 1

// ControlPrefix marks router-internal control frames in the "type" field.
// Application envelopes never carry a "type" with this prefix.
const ControlPrefix = "relay."

// Control frames sent by sockets to the relay.
const (
	FrameSubscribe   = "relay.subscribe"
	FrameUnsubscribe = "relay.unsubscribe"
	FramePeersList   = "relay.peers.list"
	FramePing        = "relay.ping"
)

// Control frames pushed by the relay to sockets.
const (
	FrameHello          = "relay.hello"
	FramePong           = "relay.pong"
	FramePeers          = "relay.peers"
	FramePeerAdded      = "relay.peer.added"
	FramePeerRemoved    = "relay.peer.removed"
	FrameClientWatching = "relay.client.watching"
	FrameBridgeStatus   = "relay.bridge.status"
	FrameSubscribed     = "relay.subscribed"
)

// Internal bus event names (never forwarded to sockets as-is).
const (
	EventBridgeStatus = "bridge.status"
	EventSecretRotate = "secret.rotated"
)
