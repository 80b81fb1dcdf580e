package terminal

import (
	"bytes"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	inputQueueSize  = 32
	outputQueueSize = 32
	resizeQueueSize = 8
	frameQueueSize  = 100

	// errorFlushDelay lets a final error frame reach the client before
	// the transport closes under it.
	errorFlushDelay = 100 * time.Millisecond
	// refreshDelay lets the client process a repaint chunk before the
	// refresh hint lands.
	refreshDelay = 10 * time.Millisecond
)

// Full-screen application markers: cursor-home and clear-screen, plus
// the header strings top-class tools print.
var (
	escCursorHome  = []byte("\x1b[H")
	escClearScreen = []byte("\x1b[2J")
	topMarkers     = [][]byte{[]byte("top -"), []byte("Tasks:"), []byte("Cpu(s):")}
)

// wsFrame is one outbound WebSocket message. All writes to the
// transport funnel through a single queue so frame order is
// preserved: a pong is always emitted before output queued after it.
type wsFrame struct {
	messageType int
	payload     []byte
}

// Bridge couples one upgraded client connection to one Session: a
// receiver task feeding the input and resize queues, an output
// forwarder emitting binary frames, and a single sender task owning
// transport writes.
type Bridge struct {
	conn *websocket.Conn
	sess Session
	log  zerolog.Logger
}

// NewBridge wires conn to sess. The bridge takes ownership of both;
// Run tears them down on return.
func NewBridge(conn *websocket.Conn, sess Session, sessionID, portalUserID string) *Bridge {
	return &Bridge{
		conn: conn,
		sess: sess,
		log: log.With().
			Str("session_id", sessionID).
			Str("portal_user_id", portalUserID).
			Logger(),
	}
}

// Run drives the session until the client disconnects, the SSH side
// ends, or the session is closed elsewhere. It returns with the
// session closed and the transport shut; the caller removes the
// session from the registry.
func (b *Bridge) Run() {
	input := make(chan []byte, inputQueueSize)
	output := make(chan []byte, outputQueueSize)
	resize := make(chan Resize, resizeQueueSize)
	frames := make(chan wsFrame, frameQueueSize)

	pumpDone := make(chan struct{})
	recvDone := make(chan struct{})
	sendDone := make(chan struct{})

	b.sess.SetResizeChannel(resize)

	go func() {
		defer close(pumpDone)
		if err := b.sess.StartIO(input, output); err != nil {
			b.log.Error().Err(err).Msg("ssh i/o error")
		}
	}()

	go func() {
		defer close(recvDone)
		b.receiveLoop(input, resize, frames, pumpDone, sendDone)
		// Client gone: stop the pump so the primary handle observes
		// shutdown too.
		_ = b.sess.Close()
	}()

	go b.sendLoop(frames, sendDone)

	// Forward SSH output until the pump closes the queue.
	b.forwardOutput(output, frames, sendDone)

	_ = b.conn.Close()
	<-recvDone
	close(frames)
	<-sendDone

	_ = b.sess.Close()
	b.log.Info().Msg("bridge completed")
}

// receiveLoop consumes client frames: input bytes and binary pastes
// onto the input queue, clamped resizes onto the resize queue (with an
// info ack), pings answered with pongs. Malformed text frames are
// logged and dropped. Returns when the transport read fails or the
// SSH input side is gone.
func (b *Bridge) receiveLoop(input chan<- []byte, resize chan<- Resize, frames chan<- wsFrame, pumpDone, sendDone <-chan struct{}) {
	for {
		msgType, payload, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				b.log.Warn().Err(err).Msg("websocket read error")
			} else {
				b.log.Debug().Msg("websocket closed by client")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			cmd, err := DecodeCommand(payload)
			if err != nil {
				b.log.Warn().Err(err).Str("frame", string(payload)).Msg("dropping malformed client frame")
				continue
			}
			switch cmd.Type {
			case CmdInput:
				if !b.forwardInput(input, []byte(cmd.Data), frames, pumpDone, sendDone) {
					return
				}
			case CmdResize:
				rows, cols := clampSize(cmd.Rows, cmd.Cols)
				select {
				case resize <- Resize{Rows: rows, Cols: cols}:
					b.send(frames, sendDone, wsFrame{websocket.TextMessage,
						InfoFrame(fmt.Sprintf("Terminal resized to %dx%d", cols, rows))})
				case <-pumpDone:
					b.failInput(frames, sendDone)
					return
				}
			case CmdPing:
				b.send(frames, sendDone, wsFrame{websocket.TextMessage, PongFrame()})
			}
		case websocket.BinaryMessage:
			// Paste fast-path: raw bytes go to the channel verbatim.
			if !b.forwardInput(input, payload, frames, pumpDone, sendDone) {
				return
			}
		}
	}
}

// forwardInput queues data for the SSH channel. If the pump has
// exited, the client is told the connection is gone and the transport
// is closed after a short flush pause.
func (b *Bridge) forwardInput(input chan<- []byte, data []byte, frames chan<- wsFrame, pumpDone, sendDone <-chan struct{}) bool {
	select {
	case input <- data:
		return true
	case <-pumpDone:
		b.failInput(frames, sendDone)
		return false
	}
}

func (b *Bridge) failInput(frames chan<- wsFrame, sendDone <-chan struct{}) {
	b.log.Debug().Msg("ssh input side gone, notifying client")
	b.send(frames, sendDone, wsFrame{websocket.TextMessage,
		ErrorFrame("SSH connection has been closed. Please reconnect.")})
	time.Sleep(errorFlushDelay)
	_ = b.conn.Close()
}

// forwardOutput emits one binary frame per output chunk. Terminal
// output is never transformed; escape sequences must reach the client
// intact. Detection of full-screen activity latches; once latched, a
// refresh hint follows every chunk.
func (b *Bridge) forwardOutput(output <-chan []byte, frames chan<- wsFrame, sendDone <-chan struct{}) {
	sawFullscreen := false
	sawTop := false

	for data := range output {
		if !sawFullscreen &&
			(bytes.Contains(data, escCursorHome) || bytes.Contains(data, escClearScreen)) {
			sawFullscreen = true
			b.log.Debug().Msg("detected full-screen application")
		}
		if !sawTop && containsAny(data, topMarkers) {
			sawTop = true
			b.log.Debug().Msg("detected top-class output")
		}

		b.send(frames, sendDone, wsFrame{websocket.BinaryMessage, data})

		if sawFullscreen || sawTop {
			time.Sleep(refreshDelay)
			b.send(frames, sendDone, wsFrame{websocket.TextMessage, RefreshFrame(sawFullscreen)})
		}
	}
}

// sendLoop is the sole writer to the transport. A write failure closes
// the session (so the pump exits) and drains the queue to unblock
// producers until it is closed.
func (b *Bridge) sendLoop(frames <-chan wsFrame, sendDone chan<- struct{}) {
	defer close(sendDone)
	for f := range frames {
		if err := b.conn.WriteMessage(f.messageType, f.payload); err != nil {
			b.log.Debug().Err(err).Msg("websocket write failed")
			_ = b.sess.Close()
			for range frames {
			}
			return
		}
	}
}

// send enqueues an outbound frame without risking a permanent block if
// the sender has already exited.
func (b *Bridge) send(frames chan<- wsFrame, sendDone <-chan struct{}, f wsFrame) {
	select {
	case frames <- f:
	case <-sendDone:
	}
}

func containsAny(data []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(data, m) {
			return true
		}
	}
	return false
}
