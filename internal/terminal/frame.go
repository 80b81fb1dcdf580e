package terminal

import (
	"encoding/json"
	"fmt"
)

// Client text frames carry a JSON object discriminated by "type".
// Binary frames (both directions) are raw terminal bytes and never
// pass through this codec.
const (
	CmdInput  = "input"
	CmdResize = "resize"
	CmdPing   = "ping"
)

// Command is a decoded client control frame.
type Command struct {
	Type string `json:"type"`
	// Data holds the typed characters for "input".
	Data string `json:"data,omitempty"`
	// Rows and Cols carry the requested size for "resize".
	Rows uint32 `json:"rows,omitempty"`
	Cols uint32 `json:"cols,omitempty"`
}

// DecodeCommand parses a client text frame. Unparseable JSON or an
// unknown type yields ErrProtocol; callers log and drop the frame.
func DecodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch cmd.Type {
	case CmdInput, CmdResize, CmdPing:
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("%w: unknown command type %q", ErrProtocol, cmd.Type)
	}
}

type serverFrame struct {
	Type       string `json:"type"`
	Message    string `json:"message,omitempty"`
	Fullscreen *bool  `json:"fullscreen,omitempty"`
}

func marshalFrame(f serverFrame) []byte {
	b, _ := json.Marshal(f)
	return b
}

// PongFrame answers a client ping.
func PongFrame() []byte {
	return marshalFrame(serverFrame{Type: "pong"})
}

// InfoFrame carries an informational message, e.g. a resize ack.
func InfoFrame(message string) []byte {
	return marshalFrame(serverFrame{Type: "info", Message: message})
}

// ErrorFrame announces a fatal session condition to the client.
func ErrorFrame(message string) []byte {
	return marshalFrame(serverFrame{Type: "error", Message: message})
}

// RefreshFrame hints that a full-screen application repainted and the
// client may want to refresh its rendering.
func RefreshFrame(fullscreen bool) []byte {
	return marshalFrame(serverFrame{Type: "refresh", Fullscreen: &fullscreen})
}
