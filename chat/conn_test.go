package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/subvision/events-tracker/testutil"
)

func TestConnectRetriesRejectedLogins(t *testing.T) {
	srv := testutil.NewIRCServer(t, 2)
	m := NewConnManager(ConnConfig{Server: srv.Addr(), Channel: "somechannel", Nick: "bot", Token: "oauth:x"})
	m.initialPause = time.Millisecond
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := srv.Accepted(); got != 3 {
		t.Errorf("connection attempts = %d, want 3 (two rejected logins)", got)
	}
}

func TestConnectBudget(t *testing.T) {
	srv := testutil.NewIRCServer(t, 1000)
	m := NewConnManager(ConnConfig{Server: srv.Addr(), Channel: "somechannel", Nick: "bot", Token: "oauth:bad"})
	m.initialPause = time.Millisecond
	defer m.Close()

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("error = %v, want ErrConnectFailed", err)
	}
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("error = %v, want the auth failure wrapped in", err)
	}
	if got := srv.Accepted(); got != 11 {
		t.Errorf("connection attempts = %d, want 11", got)
	}
}

func TestReconnectBudget(t *testing.T) {
	srv := testutil.NewIRCServer(t, 1000)
	m := NewConnManager(ConnConfig{Server: srv.Addr(), Channel: "somechannel", Nick: "bot", Token: "oauth:bad"})
	m.reconnectWait = func() time.Duration { return time.Millisecond }
	defer m.Close()

	err := m.Reconnect(context.Background())
	if !errors.Is(err, ErrReconnectFailed) {
		t.Fatalf("error = %v, want ErrReconnectFailed", err)
	}
	if got := srv.Accepted(); got != 21 {
		t.Errorf("connection attempts = %d, want 21 (1 + 20 retries)", got)
	}
}

func TestReconnectReplacesTransport(t *testing.T) {
	srv := testutil.NewIRCServer(t, 0)
	m := NewConnManager(ConnConfig{Server: srv.Addr(), Channel: "somechannel", Nick: "bot", Token: "oauth:x"})
	m.initialPause = time.Millisecond
	m.reconnectWait = func() time.Duration { return time.Millisecond }
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	old := m.conn
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if m.conn == old {
		t.Error("reconnect kept the old transport")
	}
	if got := srv.Accepted(); got != 2 {
		t.Errorf("connection attempts = %d, want 2", got)
	}
}

func TestConnectRespectsCancellation(t *testing.T) {
	srv := testutil.NewIRCServer(t, 1000)
	m := NewConnManager(ConnConfig{Server: srv.Addr(), Channel: "somechannel", Nick: "bot", Token: "oauth:bad"})
	m.initialPause = time.Hour // only cancellation can end the pause
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := m.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestReconnectPauseStaysInsideJitterWindow(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := reconnectPause()
		if d < 500*time.Millisecond || d > 2*time.Second {
			t.Fatalf("pause %v outside [0.5s, 2s]", d)
		}
	}
}

func TestStatePhasesReported(t *testing.T) {
	srv := testutil.NewIRCServer(t, 0)
	m := NewConnManager(ConnConfig{Server: srv.Addr(), Channel: "somechannel", Nick: "bot", Token: "oauth:x"})
	var phases []State
	m.OnState = func(s State) { phases = append(phases, s) }
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(phases) != 2 || phases[0] != StateConnecting || phases[1] != StateAuthenticating {
		t.Errorf("phases = %v, want [connecting authenticating]", phases)
	}
}
