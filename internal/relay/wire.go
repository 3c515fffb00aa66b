// Package relay implements the client side of the interactive session relay:
// the transport channel, the session state machine that drives it, and the
// negotiation workflow that produces an authorized (host, connect user) pair
// before any channel is opened. The wire types in this file are shared with
// the server's relay handler so both ends speak from one definition.
package relay

import (
	"encoding/json"
	"fmt"
)

// Control frame operations. An auth frame is sent exactly once as the first
// frame on a channel; resize frames may follow any number of times.
const (
	OpAuth   = "auth"
	OpResize = "resize"
)

// SessionIDHeader carries the relay-assigned session ID in the WebSocket
// upgrade response.
const SessionIDHeader = "X-Relay-Session"

// WebSocket close codes used by the relay endpoint.
const (
	CloseHostNotFound   = 4004 // target host does not exist
	CloseBadHandshake   = 4400 // missing or malformed auth frame
	CloseAccessDenied   = 4403 // operator may not connect as the requested user
	CloseUpstreamFailed = 4500 // SSH dial or shell start failed
)

// ControlFrame is a typed out-of-band message on the relay channel, carried
// as a JSON text message. Raw terminal bytes travel as binary messages and
// are never confused with control frames.
type ControlFrame struct {
	Op   string `json:"op"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// Dimensions is a terminal size in character cells.
type Dimensions struct {
	Cols int
	Rows int
}

// AuthFrame builds the one-time handshake frame for the given dimensions.
func AuthFrame(d Dimensions) ControlFrame {
	return ControlFrame{Op: OpAuth, Cols: d.Cols, Rows: d.Rows}
}

// ResizeFrame builds a resize frame for the given dimensions.
func ResizeFrame(d Dimensions) ControlFrame {
	return ControlFrame{Op: OpResize, Cols: d.Cols, Rows: d.Rows}
}

// Encode serializes the frame for the wire.
func (f ControlFrame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Op, err)
	}
	return b, nil
}

// ParseControl interprets a text payload as a control frame. The second
// return value is false when the payload is not a recognizable control
// frame; the receiver must then treat the payload as data bytes, since text
// framing of terminal data is a legal encoding.
func ParseControl(p []byte) (ControlFrame, bool) {
	var f ControlFrame
	if err := json.Unmarshal(p, &f); err != nil {
		return ControlFrame{}, false
	}
	if f.Op != OpAuth && f.Op != OpResize {
		return ControlFrame{}, false
	}
	return f, true
}
