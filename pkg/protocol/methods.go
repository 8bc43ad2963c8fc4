package protocol

import (
	"encoding/json"
	"time"
)

// Direction tags stored with every logged envelope.
const (
	DirectionClientToBridge = "client->bridge"
	DirectionBridgeToClient = "bridge->client"
)

// ControlFrame is the shape of every relay.* frame. Fields are optional and
// depend on Type.
type ControlFrame struct {
	Type         string     `json:"type"`
	ThreadID     string     `json:"threadId,omitempty"`
	ConnectionID string     `json:"connectionId,omitempty"`
	Role         string     `json:"role,omitempty"`
	Peer         *PeerInfo  `json:"peer,omitempty"`
	Status       any        `json:"status,omitempty"`
	Protocol     int        `json:"protocol,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// PeersFrame answers relay.peers.list and greets new sockets. Peers is
// always present, [] when no bridge is connected.
type PeersFrame struct {
	Type  string     `json:"type"`
	Peers []PeerInfo `json:"peers"`
}

// NewPeersFrame builds a relay.peers frame; nil becomes an empty list.
func NewPeersFrame(peers []PeerInfo) PeersFrame {
	if peers == nil {
		peers = []PeerInfo{}
	}
	return PeersFrame{Type: FramePeers, Peers: peers}
}

// PeerInfo describes a connected agent-bridge.
type PeerInfo struct {
	ID          string    `json:"id"`
	Host        string    `json:"host,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// StoredEnvelope is the wrapper persisted for every logged envelope and
// returned line-by-line by replay.
type StoredEnvelope struct {
	TS        int64           `json:"ts"` // unix ms
	Direction string          `json:"direction"`
	Role      string          `json:"role"`
	ThreadID  string          `json:"threadId"`
	TurnID    string          `json:"turnId,omitempty"`
	Message   json.RawMessage `json:"message"`
}
