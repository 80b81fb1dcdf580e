package terminal

import "errors"

// Error kinds for the session plane. Fatal errors during session
// bootstrap abort construction; the connect handler maps them onto a
// client-facing error code. Protocol errors (malformed client frames)
// are logged and dropped, never fatal.
var (
	ErrConnection     = errors.New("connection error")
	ErrHandshake      = errors.New("handshake error")
	ErrAuthentication = errors.New("authentication error")
	ErrChannel        = errors.New("channel error")
	ErrProtocol       = errors.New("protocol error")
	ErrRegistry       = errors.New("session not found")
)
