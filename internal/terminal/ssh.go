package terminal

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/openportal/webssh/internal/config"
)

const (
	defaultPTYRows = 24
	defaultPTYCols = 80

	maxHandshakeAttempts = 3
	maxAuthAttempts      = 3
	retryPause           = 500 * time.Millisecond

	// resizeSettle gives the remote end time to apply a window change
	// before further I/O. Sending escape sequences instead has been
	// observed to disconnect some servers.
	resizeSettle = 10 * time.Millisecond

	keepaliveRequest = "keepalive@openssh.com"
)

// Indirections for the network-facing steps, replaceable in tests.
var (
	dialFn         = net.DialTimeout
	handshakeFn    = sshHandshake
	setupChannelFn = setupChannel
)

// timeoutConn applies per-call deadlines to transport I/O once armed.
// During the handshake the conn runs unarmed so the single handshake
// deadline governs; sshHandshake arms it when the transport is up.
//
// The read deadline is stretched by the keepalive cadence: on an idle
// interactive session the only inbound traffic is keepalive replies,
// and a bare read timeout shorter than the probe interval would cull
// healthy sessions between probes.
type timeoutConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	armed        atomic.Bool
}

func newTimeoutConn(conn net.Conn, settings config.SSHSettings) *timeoutConn {
	read := settings.ReadTimeout()
	if read > 0 {
		read += settings.KeepaliveInterval()
	}
	return &timeoutConn{
		Conn:         conn,
		readTimeout:  read,
		writeTimeout: settings.WriteTimeout(),
	}
}

func (c *timeoutConn) arm() {
	c.armed.Store(true)
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if c.armed.Load() && c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *timeoutConn) Write(p []byte) (int, error) {
	if c.armed.Load() && c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// sshChannel is the slice of *cryptossh.Session the pump needs.
type sshChannel interface {
	WindowChange(rows, cols int) error
	Close() error
}

// channelIO bundles the interactive channel with its byte streams.
type channelIO struct {
	ch     sshChannel
	stdin  io.WriteCloser
	stdout io.Reader
}

// SSHSession owns one SSH transport with one interactive channel and
// an allocated PTY. Connection parameters are captured at Open time so
// Clone can re-dial an equivalent session.
type SSHSession struct {
	mu     sync.Mutex
	client *cryptossh.Client
	ch     sshChannel
	stdin  io.WriteCloser
	stdout io.Reader
	closed bool

	resize   <-chan Resize
	shutdown *atomic.Bool
	settings config.SSHSettings

	hostname   string
	port       uint16
	username   string
	password   string
	privateKey string
	deviceType string
}

// Open dials, handshakes, authenticates and allocates a PTY, returning
// a session ready for StartIO. The handshake is retried on
// banner-class failures and password auth on transient auth failures,
// both up to 3 attempts; other failures are terminal.
func Open(hostname string, port uint16, username, password, privateKey, deviceTypeHint string, settings config.SSHSettings) (*SSHSession, error) {
	auth, err := authMethod(password, privateKey)
	if err != nil {
		return nil, err
	}

	cfg := clientConfig(username, auth, settings)
	addr := net.JoinHostPort(hostname, strconv.Itoa(int(port)))

	client, err := connectWithRetry(addr, cfg, settings, password != "")
	if err != nil {
		return nil, err
	}

	cio, err := openTerminal(client, deviceTypeHint, settings.ChannelTimeout())
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, err
	}

	log.Debug().Str("host", addr).Str("user", username).Msg("ssh session established")

	return &SSHSession{
		client:     client,
		ch:         cio.ch,
		stdin:      cio.stdin,
		stdout:     cio.stdout,
		shutdown:   &atomic.Bool{},
		settings:   settings,
		hostname:   hostname,
		port:       port,
		username:   username,
		password:   password,
		privateKey: privateKey,
		deviceType: strings.ToLower(deviceTypeHint),
	}, nil
}

// authMethod builds the auth method from the provided credentials.
// Private keys must be PEM; other formats are rejected up front.
func authMethod(password, privateKey string) (cryptossh.AuthMethod, error) {
	switch {
	case password != "":
		return cryptossh.Password(password), nil
	case privateKey != "":
		if !strings.Contains(privateKey, "-----BEGIN") {
			return nil, fmt.Errorf("%w: unsupported private key format, provide a PEM formatted key", ErrAuthentication)
		}
		signer, err := cryptossh.ParsePrivateKey([]byte(privateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", ErrAuthentication, err)
		}
		return cryptossh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("%w: no authentication method provided", ErrAuthentication)
	}
}

func clientConfig(username string, auth cryptossh.AuthMethod, settings config.SSHSettings) *cryptossh.ClientConfig {
	cfg := &cryptossh.ClientConfig{
		User:            username,
		Auth:            []cryptossh.AuthMethod{auth},
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(), //nolint:gosec // host key verification is out of scope for this version
		Timeout:         settings.DialTimeout(),
	}
	if len(settings.KexAlgorithms) > 0 {
		cfg.KeyExchanges = settings.KexAlgorithms
	}
	if len(settings.HostKeyAlgorithms) > 0 {
		cfg.HostKeyAlgorithms = settings.HostKeyAlgorithms
	}
	// The transport negotiates one cipher/MAC list for both
	// directions; the per-direction preference lists are merged in
	// order.
	if m := mergePrefs(settings.EncryptionClientToServer, settings.EncryptionServerToClient); len(m) > 0 {
		cfg.Ciphers = m
	}
	if m := mergePrefs(settings.MACClientToServer, settings.MACServerToClient); len(m) > 0 {
		cfg.MACs = m
	}
	return cfg
}

func mergePrefs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// sshHandshake performs version exchange, key exchange and
// authentication over an established TCP connection. Read/write
// deadlines bound the handshake and are lifted once the transport is
// up; interactive channels carry no fixed deadline.
func sshHandshake(conn net.Conn, addr string, cfg *cryptossh.ClientConfig) (*cryptossh.Client, error) {
	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	c, chans, reqs, err := cryptossh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	if tc, ok := conn.(*timeoutConn); ok {
		tc.arm()
	}
	return cryptossh.NewClient(c, chans, reqs), nil
}

// connectWithRetry dials and handshakes with two independent retry
// budgets: banner-class handshake failures (some network OSes race
// their identification banner against the handshake; re-dialing
// usually wins) and transient password-auth failures. Each budget
// allows 3 attempts with a 500ms pause; any other error is terminal.
func connectWithRetry(addr string, cfg *cryptossh.ClientConfig, settings config.SSHSettings, passwordAuth bool) (*cryptossh.Client, error) {
	bannerAttempts := 0
	authAttempts := 0

	for {
		rawConn, err := dialFn("tcp", addr, settings.DialTimeout())
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
		}
		conn := newTimeoutConn(rawConn, settings)

		client, err := handshakeFn(conn, addr, cfg)
		if err == nil {
			if bannerAttempts > 0 || authAttempts > 0 {
				log.Debug().Str("host", addr).Int("banner_retries", bannerAttempts).
					Int("auth_retries", authAttempts).Msg("ssh handshake succeeded after retries")
			}
			return client, nil
		}
		_ = conn.Close()

		switch {
		case isBannerError(err):
			bannerAttempts++
			if bannerAttempts >= maxHandshakeAttempts {
				return nil, fmt.Errorf("%w: handshake failed after %d banner retries: %v", ErrHandshake, bannerAttempts, err)
			}
			log.Warn().Str("host", addr).Int("attempt", bannerAttempts).Err(err).
				Msg("ssh handshake banner failure, retrying")
			time.Sleep(retryPause)

		case isAuthError(err):
			authAttempts++
			if !passwordAuth || authAttempts >= maxAuthAttempts {
				return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
			}
			log.Warn().Str("host", addr).Int("attempt", authAttempts).Err(err).
				Msg("ssh authentication failure, retrying")
			time.Sleep(retryPause)

		default:
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
	}
}

func isBannerError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "banner")
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}

// setupVariant describes one rung of the device-class ladder: the PTY
// terminal type, the terminal modes vector, and optional wake bytes
// sent after the shell starts to elicit a prompt.
type setupVariant struct {
	name  string
	term  string
	modes cryptossh.TerminalModes
	wake  []byte
}

var (
	// Modern OpenSSH servers.
	variantStandard = setupVariant{
		name: "standard",
		term: "xterm-256color",
		modes: cryptossh.TerminalModes{
			cryptossh.ECHO:          1,
			cryptossh.TTY_OP_ISPEED: 14400,
			cryptossh.TTY_OP_OSPEED: 14400,
		},
	}
	// Older BSD/Linux sshd builds.
	variantUnix = setupVariant{
		name: "unix",
		term: "xterm",
		modes: cryptossh.TerminalModes{
			cryptossh.ECHO:          1,
			cryptossh.ICRNL:         1,
			cryptossh.TTY_OP_ISPEED: 115200,
			cryptossh.TTY_OP_OSPEED: 115200,
		},
	}
	// Network devices (Cisco-class). A conservative terminal type,
	// low speeds, and a CRLF nudge to coax out the prompt.
	variantNetwork = setupVariant{
		name: "network",
		term: "vt100",
		modes: cryptossh.TerminalModes{
			cryptossh.ECHO:          1,
			cryptossh.TTY_OP_ISPEED: 9600,
			cryptossh.TTY_OP_OSPEED: 9600,
		},
		wake: []byte("\r\n"),
	}
)

// variantsForHint selects the ladder. Network-device hints skip
// straight to the network variant; otherwise all three are tried in
// order and the last error is reported only if every rung fails.
func variantsForHint(hint string) []setupVariant {
	switch strings.ToLower(hint) {
	case "cisco", "router", "switch":
		return []setupVariant{variantNetwork}
	default:
		return []setupVariant{variantStandard, variantUnix, variantNetwork}
	}
}

func openTerminal(client *cryptossh.Client, hint string, timeout time.Duration) (*channelIO, error) {
	var lastErr error
	for _, v := range variantsForHint(hint) {
		cio, err := channelSetupWithTimeout(client, v, timeout)
		if err == nil {
			log.Debug().Str("variant", v.name).Msg("terminal channel established")
			return cio, nil
		}
		log.Debug().Str("variant", v.name).Err(err).Msg("terminal setup variant failed")
		lastErr = err
	}
	return nil, lastErr
}

// channelSetupWithTimeout bounds one ladder rung with the configured
// channel timeout. On timeout the in-flight setup is abandoned; a
// late success is closed so no channel leaks.
func channelSetupWithTimeout(client *cryptossh.Client, v setupVariant, timeout time.Duration) (*channelIO, error) {
	if timeout <= 0 {
		return setupChannelFn(client, v)
	}

	type result struct {
		cio *channelIO
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		cio, err := setupChannelFn(client, v)
		resCh <- result{cio, err}
	}()

	select {
	case res := <-resCh:
		return res.cio, res.err
	case <-time.After(timeout):
		go func() {
			if res := <-resCh; res.err == nil {
				_ = res.cio.ch.Close()
			}
		}()
		return nil, fmt.Errorf("%w: channel setup (%s) timed out after %s", ErrChannel, v.name, timeout)
	}
}

// setupChannel opens the interactive channel, allocates an 80x24 PTY
// with the variant's terminal type and modes, starts the shell, and
// sends any wake bytes.
func setupChannel(client *cryptossh.Client, v setupVariant) (*channelIO, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: new session: %v", ErrChannel, err)
	}
	if err := sess.RequestPty(v.term, defaultPTYRows, defaultPTYCols, v.modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: request pty (%s): %v", ErrChannel, v.name, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrChannel, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrChannel, err)
	}
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: start shell (%s): %v", ErrChannel, v.name, err)
	}
	if len(v.wake) > 0 {
		_, _ = stdin.Write(v.wake)
	}
	return &channelIO{ch: sess, stdin: stdin, stdout: stdout}, nil
}

// SetResizeChannel attaches the resize queue. Must be called before
// StartIO.
func (s *SSHSession) SetResizeChannel(resize <-chan Resize) {
	s.resize = resize
}

// ResizePTY clamps to the 24x80 minimum and requests a PTY size
// change, then pauses briefly so the change takes effect.
func (s *SSHSession) ResizePTY(rows, cols uint32) error {
	rows, cols = clampSize(rows, cols)
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: channel closed", ErrChannel)
	}
	if err := ch.WindowChange(int(rows), int(cols)); err != nil {
		return fmt.Errorf("%w: window change: %v", ErrChannel, err)
	}
	time.Sleep(resizeSettle)
	return nil
}

// Clone re-opens a fresh transport with the captured credentials and
// shares this session's shutdown flag, so Close on either instance
// terminates the other's I/O loop.
func (s *SSHSession) Clone() (Session, error) {
	dup, err := Open(s.hostname, s.port, s.username, s.password, s.privateKey, s.deviceType, s.settings)
	if err != nil {
		return nil, err
	}
	dup.shutdown = s.shutdown
	return dup, nil
}

// sendKeepalive probes the transport. An error means the connection
// is dead and the pump should exit.
func (s *SSHSession) sendKeepalive() error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%w: transport closed", ErrConnection)
	}
	_, _, err := client.SendRequest(keepaliveRequest, true, nil)
	return err
}

// Close sets the shared shutdown flag, closes the channel, signals
// EOF, and disconnects the transport. The channel is never waited on
// (it may not be in EOF state). Idempotent; safe concurrently with a
// running StartIO, which observes the flag and exits.
func (s *SSHSession) Close() error {
	s.shutdown.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	log.Debug().Str("host", s.hostname).Str("user", s.username).Msg("closing ssh session")

	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			log.Debug().Err(err).Msg("ssh channel close")
		}
		s.ch = nil
	}
	if s.stdin != nil {
		if err := s.stdin.Close(); err != nil {
			log.Debug().Err(err).Msg("ssh channel eof")
		}
		s.stdin = nil
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Debug().Err(err).Msg("ssh transport close")
		}
		s.client = nil
	}
	return nil
}

// ensure interface compliance
var _ Session = (*SSHSession)(nil)
