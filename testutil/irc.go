// Package testutil provides shared test scaffolding: an in-process fake IRC
// endpoint and event-log helpers.
package testutil

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// IRCServer speaks just enough of the Twitch IRC handshake for connection
// tests: it accepts TCP connections, waits for the JOIN line, and answers
// either with a login-rejection notice or the welcome numeric followed by
// any scripted lines.
type IRCServer struct {
	ln net.Listener

	mu           sync.Mutex
	rejectLogins int
	lines        []string
	accepted     int
}

// NewIRCServer starts the fake endpoint on a loopback port. rejectLogins is
// the number of connections answered with "Login unsuccessful" before logins
// start succeeding; lines are written after each successful welcome.
func NewIRCServer(t *testing.T, rejectLogins int, lines ...string) *IRCServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &IRCServer{ln: ln, rejectLogins: rejectLogins, lines: lines}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the fake listens on.
func (s *IRCServer) Addr() string { return s.ln.Addr().String() }

// Accepted returns how many connections the fake has handled so far.
func (s *IRCServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Close stops the listener; connections in flight are dropped.
func (s *IRCServer) Close() { _ = s.ln.Close() }

func (s *IRCServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *IRCServer) handle(conn net.Conn) {
	defer conn.Close()

	// Consume the handshake up to the JOIN line.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if strings.HasPrefix(line, "JOIN ") {
			break
		}
	}

	s.mu.Lock()
	s.accepted++
	reject := s.rejectLogins > 0
	if reject {
		s.rejectLogins--
	}
	lines := s.lines
	s.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if reject {
		_, _ = conn.Write([]byte(":tmi.twitch.tv NOTICE * :Login unsuccessful\r\n"))
		return
	}
	_, _ = conn.Write([]byte(":tmi.twitch.tv 001 bot :Welcome, GLHF!\r\n"))
	// Gap between the welcome burst and scripted lines so the client's
	// auth-response read does not swallow event lines.
	time.Sleep(100 * time.Millisecond)
	for _, l := range lines {
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Write([]byte(l + "\r\n")); err != nil {
			return
		}
	}
	// Keep the connection open until the client goes away.
	_ = conn.SetReadDeadline(time.Time{})
	buf := make([]byte, 1024)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
