// Package protocol defines the JSON wire messages exchanged on the
// ctrl/state data channels and the signaling connection.
package protocol

import "encoding/json"

// Message type discriminants carried on the ctrl/state data channels.
const (
	TypeCtrl  = "ctrl"
	TypeHB    = "hb"
	TypeEstop = "estop"
	TypeState = "state"
)

// Envelope is the minimal shape needed to read the discriminant before
// deciding which concrete type to unmarshal into.
type Envelope struct {
	Type string `json:"type"`
}

// CtrlCmd is the nested command payload of a ctrl frame.
type CtrlCmd struct {
	Throttle float64 `json:"throttle"`
	Steer    float64 `json:"steer"`
	Brake    float64 `json:"brake"`
	Mode     string  `json:"mode"`
}

// CtrlFrame is the inbound `{"type":"ctrl",...}` message on the ctrl channel.
//
// Seq is deliberately json.Number so intake can reject non-integer or
// absent values explicitly instead of silently coercing them to 0.
type CtrlFrame struct {
	Type string      `json:"type"`
	Seq  json.Number `json:"seq"`
	T    *int64      `json:"t,omitempty"`
	Cmd  CtrlCmd     `json:"cmd"`
}

// HBFrame is the inbound/outbound `{"type":"hb",...}` heartbeat message.
type HBFrame struct {
	Type  string `json:"type"`
	Role  string `json:"role,omitempty"`
	T     int64  `json:"t,omitempty"`
	Label string `json:"label,omitempty"`
}

// EstopFrame is the inbound `{"type":"estop",...}` message. It carries no
// required fields beyond the discriminant; any frame with this type that
// arrives on the ctrl channel triggers the emergency stop. Messages on the
// state channel are not read.
type EstopFrame struct {
	Type string `json:"type"`
}

// Pose mirrors VehicleState's pose fields on the wire.
type Pose struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Z   float64 `json:"z"`
	Yaw float64 `json:"yaw"`
}

// Vel mirrors VehicleState's velocity fields on the wire.
type Vel struct {
	VX float64 `json:"vx"`
	WZ float64 `json:"wz"`
}

// Sim carries simulation-loop diagnostics alongside a state frame.
type Sim struct {
	DT float64 `json:"dt"`
}

// Status is the outbound state frame's health summary. Optional fields use
// pointers so `omitempty` drops them cleanly when not applicable.
type Status struct {
	OK            bool     `json:"ok"`
	Msg           string   `json:"msg"`
	HBAgeS        *float64 `json:"hb_age,omitempty"`
	CtrlLatencyMs *float64 `json:"ctrl_latency_ms,omitempty"`
	Estop         *bool    `json:"estop,omitempty"`
}

// StateFrame is the outbound `{"type":"state",...}` message on the state channel.
type StateFrame struct {
	Type   string `json:"type"`
	Seq    uint32 `json:"seq"`
	T      int64  `json:"t"`
	Pose   Pose   `json:"pose"`
	Vel    Vel    `json:"vel"`
	Sim    Sim    `json:"sim"`
	Status Status `json:"status"`
}

// Marshal produces compact, no-space JSON, as required for the outbound
// state/hb frames.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes raw into v, a thin wrapper so callers outside this
// package don't reach past it into encoding/json directly.
func Unmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
