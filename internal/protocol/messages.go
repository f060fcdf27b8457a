// Package protocol defines the frames exchanged with terminal viewers over
// the WebSocket connection.
//
// Terminal output travels as binary frames carrying raw PTY bytes. Control
// frames are JSON text frames distinguished by their "type" field. Inbound
// text frames that do not decode as a recognized control message are raw
// keystrokes and are forwarded to the PTY verbatim.
package protocol

import (
	"encoding/json"
)

// Close codes used on viewer connections.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseInvalidSession  = 1008
	CloseInternal        = 1011
	ClosePermanentRemote = 4000
)

// Inbound is a decoded viewer frame: one of Resize, SetLogging, or Raw.
type Inbound interface {
	inbound()
}

// Resize asks for the PTY window size to change.
type Resize struct {
	Cols uint16
	Rows uint16
}

// SetLogging toggles per-session output logging.
type SetLogging struct {
	Enabled bool
}

// Raw is keystroke data destined for the PTY.
type Raw []byte

func (Resize) inbound()     {}
func (SetLogging) inbound() {}
func (Raw) inbound()        {}

type controlEnvelope struct {
	Type    string `json:"type"`
	Cols    *int   `json:"cols"`
	Rows    *int   `json:"rows"`
	Enabled *bool  `json:"enabled"`
}

// Decode classifies an inbound frame. Only frames shaped exactly like a
// known control message become control messages; everything else, including
// valid JSON of an unknown type, is Raw.
func Decode(data []byte) Inbound {
	if len(data) == 0 || data[0] != '{' {
		return Raw(data)
	}
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Raw(data)
	}
	switch env.Type {
	case "resize":
		if env.Cols == nil || env.Rows == nil {
			return Raw(data)
		}
		return Resize{Cols: clampDim(*env.Cols), Rows: clampDim(*env.Rows)}
	case "set-logging":
		if env.Enabled == nil {
			return Raw(data)
		}
		return SetLogging{Enabled: *env.Enabled}
	}
	return Raw(data)
}

func clampDim(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}

// Outbound control frames.

// Status type values carried in StatusFrame.StatusType.
const (
	StatusConnecting = "connecting"
	StatusRetrying   = "retrying"
	StatusConnected  = "connected"
	StatusInfo       = "info"
)

type StatusFrame struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	StatusType string `json:"statusType"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type HistoryCompleteFrame struct {
	Type string `json:"type"`
}

func NewStatus(message, statusType string) StatusFrame {
	return StatusFrame{Type: "status", Message: message, StatusType: statusType}
}

func NewError(message, details string) ErrorFrame {
	return ErrorFrame{Type: "error", Message: message, Details: details}
}

func NewHistoryComplete() HistoryCompleteFrame {
	return HistoryCompleteFrame{Type: "history-complete"}
}
