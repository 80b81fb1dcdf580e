package terminal

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// ioPollInterval paces the pump loop between queue drains.
	ioPollInterval = 10 * time.Millisecond
	readBufferSize = 4096
)

// farewell is the final byte sequence delivered to the client when the
// remote side closes the channel.
var farewell = []byte("\r\n[SSH connection closed]\r\n")

// StartIO runs the per-session pump until the shared shutdown flag is
// set or the channel dies. It consumes the session: one pump drives
// one channel, no other goroutine touches it concurrently.
//
// Each iteration: check shutdown, send keepalive when due, drain the
// resize queue, forward channel output, drain the input queue, pace.
// Channel EOF sets shutdown and enqueues the farewell bytes. The
// output channel is closed on return so the consumer observes
// termination.
func (s *SSHSession) StartIO(input <-chan []byte, output chan<- []byte) error {
	defer close(output)

	s.mu.Lock()
	stdout := s.stdout
	stdin := s.stdin
	s.mu.Unlock()
	if stdout == nil || stdin == nil {
		return fmt.Errorf("%w: session not open", ErrChannel)
	}

	// Channel reads block, so a dedicated reader feeds the pump. It
	// exits when the read fails (close of the channel unblocks it) or
	// when the pump is gone.
	readCh := make(chan []byte, 1)
	readErrCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case readCh <- data:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case readErrCh <- err:
				case <-done:
				}
				return
			}
		}
	}()

	keepalive := s.settings.KeepaliveInterval()
	lastKeepalive := time.Now()

	for {
		if s.shutdown.Load() {
			log.Debug().Msg("shutdown flag set, stopping ssh i/o")
			return nil
		}

		if keepalive > 0 && time.Since(lastKeepalive) >= keepalive {
			if err := s.sendKeepalive(); err != nil {
				log.Debug().Err(err).Msg("ssh keepalive failed")
				s.shutdown.Store(true)
				return nil
			}
			lastKeepalive = time.Now()
		}

		// Resize events are applied here so PTY changes serialize with
		// channel I/O.
		if s.resize != nil {
		drainResize:
			for {
				select {
				case r := <-s.resize:
					if err := s.ResizePTY(r.Rows, r.Cols); err != nil {
						log.Warn().Err(err).Uint32("rows", r.Rows).Uint32("cols", r.Cols).Msg("pty resize failed")
					}
				default:
					break drainResize
				}
			}
		}

		select {
		case data := <-readCh:
			output <- data
		case err := <-readErrCh:
			if errors.Is(err, io.EOF) || isClosedError(err) {
				log.Debug().Msg("ssh channel eof")
				s.shutdown.Store(true)
				output <- farewell
				return nil
			}
			return fmt.Errorf("%w: read: %v", ErrConnection, err)
		default:
		}

	drainInput:
		for {
			select {
			case data, ok := <-input:
				if !ok {
					s.shutdown.Store(true)
					break drainInput
				}
				if _, err := stdin.Write(data); err != nil {
					if isClosedError(err) {
						log.Debug().Err(err).Msg("ssh channel closed during write")
						s.shutdown.Store(true)
						break drainInput
					}
					return fmt.Errorf("%w: write: %v", ErrConnection, err)
				}
			default:
				break drainInput
			}
		}

		time.Sleep(ioPollInterval)
	}
}

// isClosedError reports whether err indicates the peer or channel is
// gone, as opposed to a transient or protocol failure.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}
