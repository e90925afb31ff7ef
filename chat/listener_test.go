package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/subvision/events-tracker/eventlog"
	"github.com/subvision/events-tracker/telemetry"
	"github.com/subvision/events-tracker/testutil"
)

// Listener pipeline tests
//
// These feed raw protocol lines through the dispatch path and assert on the
// two observable outcomes: records appended to the event log and messages
// handed to the publisher. The gift-pair scenarios mirror production traffic:
// a mass gift is announced once as a subgift and once as a submysterygift a
// few seconds apart, and exactly one of the two may survive.

type capturePublisher struct {
	mu   sync.Mutex
	recs []eventlog.Record
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, rec eventlog.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.recs = append(p.recs, rec)
	return nil
}

func (p *capturePublisher) published() []eventlog.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eventlog.Record(nil), p.recs...)
}

func newTestListener(t *testing.T, pub Publisher) *Listener {
	t.Helper()
	telemetry.Init()
	log, _ := testutil.OpenTempLog(t)
	return NewListener(ListenerConfig{
		Conn:    ConnConfig{Server: "irc.invalid", Channel: "somechannel", Nick: "bot", Token: "oauth:x"},
		Trigger: "!subvision",
		MinBits: 100,
	}, log, eventlog.NewGate(log), pub)
}

func countLogRecords(t *testing.T, l *Listener) int {
	t.Helper()
	n := 0
	if err := l.log.Scan(func(eventlog.Record) bool { n++; return true }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return n
}

func TestGiftPairWithinWindowYieldsOneRecord(t *testing.T) {
	pub := &capturePublisher{}
	l := newTestListener(t, pub)
	ctx := context.Background()

	subgift := "@msg-id=subgift;user-id=42;display-name=Ann;tmi-sent-ts=1700000000000 :tmi.twitch.tv USERNOTICE #somechannel"
	mystery := "@msg-id=submysterygift;msg-param-mass-gift-count=5;user-id=42;display-name=Ann;tmi-sent-ts=1700000005000 :tmi.twitch.tv USERNOTICE #somechannel"

	if err := l.dispatch(ctx, subgift); err != nil {
		t.Fatalf("dispatch subgift: %v", err)
	}
	if err := l.dispatch(ctx, mystery); err != nil {
		t.Fatalf("dispatch submysterygift: %v", err)
	}

	if n := countLogRecords(t, l); n != 1 {
		t.Errorf("log records = %d, want 1 (mystery gift suppressed)", n)
	}
	got := pub.published()
	if len(got) != 1 {
		t.Fatalf("published = %d, want 1", len(got))
	}
	if got[0].Type != "subgift" || got[0].ID != 0 {
		t.Errorf("published record = %+v, want subgift with id 0", got[0])
	}
}

func TestGiftPairOutsideWindowYieldsBothRecords(t *testing.T) {
	pub := &capturePublisher{}
	l := newTestListener(t, pub)
	ctx := context.Background()

	subgift := "@msg-id=subgift;user-id=42;display-name=Ann;tmi-sent-ts=1700000000000 :tmi.twitch.tv USERNOTICE #somechannel"
	mystery := "@msg-id=submysterygift;msg-param-mass-gift-count=5;user-id=42;display-name=Ann;tmi-sent-ts=1700000020000 :tmi.twitch.tv USERNOTICE #somechannel"

	if err := l.dispatch(ctx, subgift); err != nil {
		t.Fatalf("dispatch subgift: %v", err)
	}
	if err := l.dispatch(ctx, mystery); err != nil {
		t.Fatalf("dispatch submysterygift: %v", err)
	}

	if n := countLogRecords(t, l); n != 2 {
		t.Errorf("log records = %d, want 2 (20s apart is no pair)", n)
	}
	if got := pub.published(); len(got) != 2 {
		t.Errorf("published = %d, want 2", len(got))
	}
}

func TestAnnouncementNeverReachesLogOrQueue(t *testing.T) {
	pub := &capturePublisher{}
	l := newTestListener(t, pub)

	line := "@msg-id=announcement;user-id=42;display-name=Ann;tmi-sent-ts=1700000000000 :tmi.twitch.tv USERNOTICE #somechannel :big news"
	if err := l.dispatch(context.Background(), line); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n := countLogRecords(t, l); n != 0 {
		t.Errorf("log records = %d, want 0", n)
	}
	if len(pub.published()) != 0 {
		t.Error("announcement was published")
	}
}

func TestBitsThresholdPolicy(t *testing.T) {
	pub := &capturePublisher{}
	l := newTestListener(t, pub)
	ctx := context.Background()

	below := "@bits=50;display-name=Ann;user-id=42;tmi-sent-ts=1700000000000 :ann!ann@ann PRIVMSG #somechannel :cheer50"
	above := "@bits=150;display-name=Bob;user-id=7;tmi-sent-ts=1700000001000 :bob!bob@bob PRIVMSG #somechannel :cheer150"

	if err := l.dispatch(ctx, below); err != nil {
		t.Fatalf("dispatch below-threshold: %v", err)
	}
	if err := l.dispatch(ctx, above); err != nil {
		t.Fatalf("dispatch above-threshold: %v", err)
	}

	got := pub.published()
	if len(got) != 1 {
		t.Fatalf("published = %d, want 1 (50 bits is under the threshold)", len(got))
	}
	if got[0].Username != "Bob" || got[0].Quantity != 150 {
		t.Errorf("published record = %+v, want Bob/150", got[0])
	}
}

func TestManualEventRequiresModerator(t *testing.T) {
	pub := &capturePublisher{}
	l := newTestListener(t, pub)
	ctx := context.Background()

	viewer := "@display-name=Viewer;mod=0;tmi-sent-ts=1700000000000 :v!v@v PRIVMSG #somechannel :!subvision target 123"
	mod := "@display-name=ModUser;mod=1;tmi-sent-ts=1700000000000 :m!m@m PRIVMSG #somechannel :!subvision target 123"

	if err := l.dispatch(ctx, viewer); err != nil {
		t.Fatalf("dispatch viewer: %v", err)
	}
	if len(pub.published()) != 0 {
		t.Fatal("manual event from a plain viewer was accepted")
	}

	if err := l.dispatch(ctx, mod); err != nil {
		t.Fatalf("dispatch mod: %v", err)
	}
	got := pub.published()
	if len(got) != 1 {
		t.Fatalf("published = %d, want 1", len(got))
	}
	if got[0].Type != "manual_event" || got[0].Username != "target" || got[0].UserID != "123" {
		t.Errorf("published record = %+v, want manual_event/target/123", got[0])
	}
}

func TestUnknownUsernoticeSubtypeYieldsNoEvent(t *testing.T) {
	pub := &capturePublisher{}
	l := newTestListener(t, pub)
	ctx := context.Background()

	lines := []string{
		"@msg-id=raid;msg-param-viewerCount=20;display-name=Ann;user-id=42;tmi-sent-ts=1700000000000 :tmi.twitch.tv USERNOTICE #somechannel",
		"@msg-id=ritual;display-name=Bob;user-id=7;tmi-sent-ts=1700000001000 :tmi.twitch.tv USERNOTICE #somechannel :new chatter",
	}
	for _, line := range lines {
		if err := l.dispatch(ctx, line); err != nil {
			t.Fatalf("dispatch %q: %v", line, err)
		}
	}
	if n := countLogRecords(t, l); n != 0 {
		t.Errorf("log records = %d, want 0 (raid/ritual are not events)", n)
	}
	if len(pub.published()) != 0 {
		t.Error("unknown subtype was published")
	}
}

func TestPrivmsgCarryingTriggerAndBits(t *testing.T) {
	pub := &capturePublisher{}
	l := newTestListener(t, pub)

	// A moderator cheering in the same message that issues the trigger
	// produces two independent events.
	line := "@bits=150;display-name=ModUser;mod=1;tmi-sent-ts=1700000000000 :m!m@m PRIVMSG #somechannel :!subvision targetuser 123"
	if err := l.dispatch(context.Background(), line); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := pub.published()
	if len(got) != 2 {
		t.Fatalf("published = %d, want 2 (manual event and cheer)", len(got))
	}
	if got[0].Type != "manual_event" || got[0].Username != "targetuser" {
		t.Errorf("first record = %+v, want manual_event for targetuser", got[0])
	}
	if got[1].Type != "bits" || got[1].Quantity != 150 {
		t.Errorf("second record = %+v, want 150-bit cheer", got[1])
	}
}

func TestPublishFailureEscapesDispatch(t *testing.T) {
	sentinel := errors.New("queue down")
	pub := &capturePublisher{err: sentinel}
	l := newTestListener(t, pub)

	line := "@msg-id=sub;msg-param-sub-plan=1000;display-name=Ann;user-id=42;tmi-sent-ts=1700000000000 :tmi.twitch.tv USERNOTICE #somechannel"
	err := l.dispatch(context.Background(), line)
	if !errors.Is(err, sentinel) {
		t.Fatalf("dispatch error = %v, want wrapped publish failure", err)
	}
	// The append happened before the failed publish; the log keeps the record.
	if n := countLogRecords(t, l); n != 1 {
		t.Errorf("log records after publish failure = %d, want 1", n)
	}
}

func TestUnrelatedLinesAreIgnored(t *testing.T) {
	pub := &capturePublisher{}
	l := newTestListener(t, pub)
	ctx := context.Background()

	lines := []string{
		":someuser!u@u PRIVMSG #somechannel :hello chat",
		":tmi.twitch.tv 366 bot #somechannel :End of /NAMES list",
		"@badge-info=;color=#FFFFFF :u!u@u PRIVMSG #somechannel :no events here",
		"",
	}
	for _, line := range lines {
		if err := l.dispatch(ctx, line); err != nil {
			t.Fatalf("dispatch %q: %v", line, err)
		}
	}
	if n := countLogRecords(t, l); n != 0 {
		t.Errorf("log records = %d, want 0", n)
	}
}

func TestServeProcessesLinesFromWire(t *testing.T) {
	telemetry.Init()
	subgift := "@msg-id=subgift;user-id=42;display-name=Ann;tmi-sent-ts=1700000000000 :tmi.twitch.tv USERNOTICE #somechannel"
	mystery := "@msg-id=submysterygift;msg-param-mass-gift-count=5;user-id=42;display-name=Ann;tmi-sent-ts=1700000005000 :tmi.twitch.tv USERNOTICE #somechannel"
	srv := testutil.NewIRCServer(t, 0, subgift, mystery)

	pub := &capturePublisher{}
	log, _ := testutil.OpenTempLog(t)
	l := NewListener(ListenerConfig{
		Conn: ConnConfig{Server: srv.Addr(), Channel: "somechannel", Nick: "bot", Token: "oauth:x"},
	}, log, eventlog.NewGate(log), pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(pub.published()) == 1 && log.LastID() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	got := pub.published()
	if len(got) != 1 {
		t.Fatalf("published = %d, want exactly 1 (subgift accepted, mystery suppressed)", len(got))
	}
	if got[0].Type != "subgift" {
		t.Errorf("published type = %q, want subgift", got[0].Type)
	}
	if l.State() != StateListening {
		t.Errorf("state = %v, want listening", l.State())
	}
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want nil or context.Canceled", err)
		}
	case <-time.After(12 * time.Second):
		t.Error("Serve did not return after cancellation")
	}
}

func TestConnectBudgetExhaustionIsTerminal(t *testing.T) {
	telemetry.Init()
	srv := testutil.NewIRCServer(t, 100) // rejects every login

	pub := &capturePublisher{}
	log, _ := testutil.OpenTempLog(t)
	l := NewListener(ListenerConfig{
		Conn: ConnConfig{Server: srv.Addr(), Channel: "somechannel", Nick: "bot", Token: "oauth:bad"},
	}, log, eventlog.NewGate(log), pub)
	l.mgr.initialPause = time.Millisecond

	err := l.Serve(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Serve error = %v, want ErrConnectFailed", err)
	}
	if !errors.Is(err, suture.ErrDoNotRestart) {
		// The supervisor treats this sentinel as terminal; it must be joined in.
		t.Errorf("terminal error %v does not carry suture.ErrDoNotRestart", err)
	}
	if l.State() != StateFailed {
		t.Errorf("state = %v, want failed", l.State())
	}
	if got := srv.Accepted(); got != 11 {
		t.Errorf("connection attempts = %d, want 11 (1 initial + 10 retries)", got)
	}
}
