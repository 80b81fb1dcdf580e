package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"
)

// LocalSession is a shell on the gateway host itself, bridged over the
// same frame protocol as remote sessions. Disabled unless the deploy
// opts in; it exists for gateway debugging and single-box installs.
type LocalSession struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	closed bool

	resize   <-chan Resize
	shutdown *atomic.Bool
}

// OpenLocal starts the login shell (fallback bash) on a fresh PTY
// sized to the 80x24 default.
func OpenLocal() (*LocalSession, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "bash"
	}
	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: start pty: %v", ErrChannel, err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(minRows), Cols: uint16(minCols)})

	return &LocalSession{
		cmd:      cmd,
		ptmx:     ptmx,
		shutdown: &atomic.Bool{},
	}, nil
}

// SetResizeChannel attaches the resize queue. Must be called before
// StartIO.
func (s *LocalSession) SetResizeChannel(resize <-chan Resize) {
	s.resize = resize
}

// ResizePTY clamps and applies a window size change to the PTY.
func (s *LocalSession) ResizePTY(rows, cols uint32) error {
	rows, cols = clampSize(rows, cols)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptmx == nil {
		return fmt.Errorf("%w: pty closed", ErrChannel)
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("%w: setsize: %v", ErrChannel, err)
	}
	return nil
}

// Clone returns the same session: a local shell has exactly one PTY,
// so the registry handle and the bridge handle are one object. Close
// through either tears down the single shell.
func (s *LocalSession) Clone() (Session, error) {
	return s, nil
}

// StartIO pumps bytes between the PTY and the queues, mirroring the
// SSH pump: shutdown checks, resize draining, output forwarding with a
// farewell on shell exit, and paced input draining.
func (s *LocalSession) StartIO(input <-chan []byte, output chan<- []byte) error {
	defer close(output)

	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("%w: session not open", ErrChannel)
	}

	readCh := make(chan []byte, 1)
	readErrCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := ptmx.Read(buf)
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

	for {
		if s.shutdown.Load() {
			return nil
		}

		if s.resize != nil {
		drainResize:
			for {
				select {
				case r := <-s.resize:
					if err := s.ResizePTY(r.Rows, r.Cols); err != nil {
						log.Warn().Err(err).Msg("local pty resize failed")
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
			// A closed PTY on shell exit reads as EOF or EIO.
			if errors.Is(err, io.EOF) || isClosedError(err) || isPtyEIO(err) {
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
				if _, err := ptmx.Write(data); err != nil {
					s.shutdown.Store(true)
					break drainInput
				}
			default:
				break drainInput
			}
		}

		time.Sleep(ioPollInterval)
	}
}

// Close terminates the shell and releases the PTY. Idempotent.
func (s *LocalSession) Close() error {
	s.shutdown.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := s.ptmx.Close()
	s.ptmx = nil
	// Reap the subprocess so it does not linger as a zombie.
	_ = s.cmd.Wait()
	return err
}

// isPtyEIO reports the EIO Linux returns when reading a PTY whose
// child has exited.
func isPtyEIO(err error) bool {
	return errors.Is(err, syscall.EIO)
}

// ensure interface compliance
var _ Session = (*LocalSession)(nil)
