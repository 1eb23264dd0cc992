package transport

import "encoding/json"

// Signaling messages exchanged over the dialed websocket connection, the
// concrete realization of the abstract "signaling" collaborator scoped
// out by spec.md §1/§6. Shapes are intentionally minimal (SDP offer/
// answer, event-tagged notify, trickle ICE candidates) — just enough for
// pion/webrtc to negotiate the two data channels the core actually
// depends on.

type signalingConnect struct {
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	ChannelID    string          `json:"channel_id"`
	ClientID     string          `json:"client_id"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	DataChannels []dcSpec        `json:"data_channels"`
}

type dcSpec struct {
	Label     string `json:"label"`
	Direction string `json:"direction"`
	Ordered   bool   `json:"ordered"`
}

type signalingOffer struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	SDP          string `json:"sdp"`
}

type signalingNotify struct {
	Type         string `json:"type"`
	EventType    string `json:"event_type"`
	ConnectionID string `json:"connection_id"`
}

type signalingAnswer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type signalingCandidate struct {
	Type          string  `json:"type"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

type signalingDisconnect struct {
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
