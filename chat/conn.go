package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// Sentinel errors reported by the connection manager. Both budget errors are
// terminal for the owning listener unit.
var (
	ErrAuthFailed      = errors.New("chat: login unsuccessful")
	ErrConnectFailed   = errors.New("chat: connect retry budget exhausted")
	ErrReconnectFailed = errors.New("chat: reconnect retry budget exhausted")
)

const (
	ircPort     = "6667"
	readTimeout = 10 * time.Second
	authTimeout = 5 * time.Second
	dialTimeout = 10 * time.Second

	// Retry budgets. The initial connect gets 10 retries after the first
	// attempt with a fixed 1s pause; a reconnect gets 20 retries with a
	// jittered pause so units sharing a server don't stampede it together.
	initialConnectAttempts = 11
	reconnectAttempts      = 21
	initialConnectPause    = time.Second
	reconnectPauseMin      = 500 * time.Millisecond
	reconnectPauseMax      = 2 * time.Second
)

// ConnConfig holds everything needed to open and authenticate one IRC
// connection to a channel.
type ConnConfig struct {
	Server  string // host only; the IRC port is fixed
	Channel string // without the leading '#'
	Nick    string
	Token   string // PASS value, e.g. "oauth:abcdef..."
}

// ConnManager owns the transport for one listener unit: it dials, runs the
// handshake, detects failed logins, and re-establishes the connection within
// bounded retry budgets. It is not safe for concurrent use; the owning
// listener is the only caller.
type ConnManager struct {
	cfg    ConnConfig
	logger *slog.Logger

	// OnState, when set, observes the connecting/authenticating phases so
	// the owning listener can report them. Called on the caller's goroutine.
	OnState func(State)

	conn   net.Conn
	reader *bufio.Reader

	// Pause strategies; fixed in production, shortened in tests.
	initialPause  time.Duration
	reconnectWait func() time.Duration
}

// NewConnManager returns a manager for the given channel. Nothing is dialed
// until Connect.
func NewConnManager(cfg ConnConfig) *ConnManager {
	return &ConnManager{
		cfg:           cfg,
		logger:        slog.Default().With(slog.String("component", "chat_conn"), slog.String("channel", cfg.Channel)),
		initialPause:  initialConnectPause,
		reconnectWait: reconnectPause,
	}
}

// dial opens the TCP transport and sends the full handshake: PASS, NICK, the
// three capability requests, and the channel JOIN.
func (m *ConnManager) dial(ctx context.Context) (net.Conn, error) {
	addr := m.cfg.Server
	// The production server is host-only and uses the fixed IRC port; an
	// explicit host:port (in-process fakes in tests) is taken verbatim.
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, ircPort)
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.cfg.Server, err)
	}
	handshake := []string{
		"PASS " + m.cfg.Token,
		"NICK " + m.cfg.Nick,
		"CAP REQ :twitch.tv/tags",
		"CAP REQ :twitch.tv/commands",
		"CAP REQ :twitch.tv/membership",
		"JOIN #" + m.cfg.Channel,
	}
	for _, line := range handshake {
		if err := writeLine(conn, line); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("handshake write: %w", err)
		}
	}
	return conn, nil
}

// checkAuth reads the server's opening burst and fails when it carries the
// login-rejection notice. The welcome numeric arrives in the same burst on
// success, so a single read is enough to tell the two apart.
func checkAuth(conn net.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
		return err
	}
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if strings.Contains(string(buf[:n]), "Login unsuccessful") {
		return ErrAuthFailed
	}
	return nil
}

// connectOnce dials, authenticates, and on success installs the transport
// with the 10s liveness read deadline armed for subsequent reads.
func (m *ConnManager) connectOnce(ctx context.Context) error {
	m.setState(StateConnecting)
	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}
	m.setState(StateAuthenticating)
	if err := checkAuth(conn); err != nil {
		_ = conn.Close()
		return err
	}
	m.conn = conn
	m.reader = bufio.NewReaderSize(conn, 64*1024)
	return nil
}

// Connect establishes the initial authenticated connection. Failed logins
// are retried with a fixed 1s pause up to the initial budget; exhausting it
// returns ErrConnectFailed and the unit must not be restarted blindly.
func (m *ConnManager) Connect(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= initialConnectAttempts; attempt++ {
		if err = m.connectOnce(ctx); err == nil {
			m.logger.Info("connected", slog.Int("attempt", attempt))
			return nil
		}
		m.logger.Warn("connect attempt failed", slog.Int("attempt", attempt), slog.Any("err", err))
		if attempt < initialConnectAttempts {
			if serr := sleepCtx(ctx, m.initialPause); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("%w: %w", ErrConnectFailed, err)
}

// Reconnect tears down the current transport and re-establishes it within
// the reconnect budget. The pause between attempts is uniformly random in
// [0.5s, 2s]. The caller's read loop runs on the same goroutine, so there is
// no reader to race while the socket is closed.
func (m *ConnManager) Reconnect(ctx context.Context) error {
	m.Close()
	var err error
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		if err = m.connectOnce(ctx); err == nil {
			m.logger.Info("reconnected", slog.Int("attempt", attempt))
			return nil
		}
		m.logger.Warn("reconnect attempt failed", slog.Int("attempt", attempt), slog.Any("err", err))
		if attempt < reconnectAttempts {
			if serr := sleepCtx(ctx, m.reconnectWait()); serr != nil {
				return serr
			}
		}
	}
	m.Close()
	return fmt.Errorf("%w: %w", ErrReconnectFailed, err)
}

// ReadLine returns the next protocol line. Each read is armed with the 10s
// deadline that doubles as the silent-disconnect probe: the caller counts
// consecutive timeouts and triggers Reconnect at its threshold.
func (m *ConnManager) ReadLine() (string, error) {
	if m.conn == nil {
		return "", net.ErrClosed
	}
	if err := m.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return "", err
	}
	line, err := m.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine sends a single protocol line (used for PONG keepalive replies).
func (m *ConnManager) WriteLine(line string) error {
	if m.conn == nil {
		return net.ErrClosed
	}
	return writeLine(m.conn, line)
}

// Close shuts the transport; safe to call repeatedly.
func (m *ConnManager) Close() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
		m.reader = nil
	}
}

func (m *ConnManager) setState(s State) {
	if m.OnState != nil {
		m.OnState(s)
	}
}

func writeLine(conn net.Conn, line string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := conn.Write([]byte(line + "\r\n"))
	return err
}

func reconnectPause() time.Duration {
	return reconnectPauseMin + rand.N(reconnectPauseMax-reconnectPauseMin)
}

// sleepCtx pauses for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
