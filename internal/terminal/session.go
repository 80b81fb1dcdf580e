// Package terminal implements the session plane of the gateway: the
// SSH session object, the per-session I/O pump, the multi-index
// session registry, and the WebSocket bridge speaking the client
// frame protocol.
package terminal

// Resize is one terminal window-change event, delivered to the I/O
// pump through the resize queue so PTY size changes are serialized
// with channel I/O.
type Resize struct {
	Rows uint32
	Cols uint32
}

// Minimum terminal dimensions. Requests below these are clamped, not
// rejected.
const (
	minRows uint32 = 24
	minCols uint32 = 80
)

func clampSize(rows, cols uint32) (uint32, uint32) {
	if rows < minRows {
		rows = minRows
	}
	if cols < minCols {
		cols = minCols
	}
	return rows, cols
}

// Session is the surface the registry and the bridge consume. It is
// implemented by SSHSession (remote shells) and LocalSession
// (gateway-host shells).
//
// A Session is driven by exactly one I/O pump at a time; StartIO
// consumes the instance. The registry keeps the primary handle for
// Close, while the bridge runs a Clone sharing the same shutdown
// flag, so closing either terminates both.
type Session interface {
	// StartIO runs the blocking I/O pump until shutdown. It closes
	// the output channel on return.
	StartIO(input <-chan []byte, output chan<- []byte) error
	// SetResizeChannel attaches the queue the pump drains for
	// window-change events. Must be called before StartIO.
	SetResizeChannel(resize <-chan Resize)
	// ResizePTY clamps to the minimum dimensions and requests a PTY
	// size change.
	ResizePTY(rows, cols uint32) error
	// Clone returns an independent handle sharing this session's
	// shutdown flag.
	Clone() (Session, error)
	// Close sets the shared shutdown flag and tears down the
	// transport. Idempotent and safe to call while StartIO runs.
	Close() error
}
