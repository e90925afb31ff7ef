package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/thejerf/suture/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/subvision/events-tracker/eventlog"
	"github.com/subvision/events-tracker/telemetry"
)

// State is the listener unit's position in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateListening
	StateReloading
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateListening:
		return "listening"
	case StateReloading:
		return "reloading"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// readTimeoutThreshold is the number of consecutive read timeouts treated as
// a silent disconnect (100 seconds of no traffic, PING included).
const readTimeoutThreshold = 10

// DefaultMinBits is the smallest bit cheer forwarded downstream.
const DefaultMinBits = 100

// Publisher forwards an accepted record to the downstream queue.
type Publisher interface {
	Publish(ctx context.Context, rec eventlog.Record) error
}

// ListenerConfig configures one per-channel listener unit.
type ListenerConfig struct {
	Conn    ConnConfig
	Trigger string // manual-event trigger token, e.g. "!subvision"
	MinBits int    // forwarding threshold for bit cheers
}

// Listener is the control loop for one channel: it owns a ConnManager, reads
// lines, parses them, and routes accepted events through the dedup gate, the
// event log, and the queue publisher, in that order. It implements
// suture.Service; any processing error returns out of Serve so the
// supervisor can log it and restart the unit, and exhausted connect budgets
// return suture.ErrDoNotRestart (terminal, external restart required).
type Listener struct {
	cfg    ListenerConfig
	mgr    *ConnManager
	log    *eventlog.Log
	gate   *eventlog.Gate
	pub    Publisher
	logger *slog.Logger

	state atomic.Int32
}

// NewListener wires a listener unit for cfg.Conn.Channel. The event log and
// publisher may be shared across units.
func NewListener(cfg ListenerConfig, log *eventlog.Log, gate *eventlog.Gate, pub Publisher) *Listener {
	if cfg.Trigger == "" {
		cfg.Trigger = "!subvision"
	}
	if cfg.MinBits <= 0 {
		cfg.MinBits = DefaultMinBits
	}
	l := &Listener{
		cfg:    cfg,
		mgr:    NewConnManager(cfg.Conn),
		log:    log,
		gate:   gate,
		pub:    pub,
		logger: slog.Default().With(slog.String("component", "chat_listener"), slog.String("channel", cfg.Conn.Channel)),
	}
	l.mgr.OnState = l.setState
	return l
}

// Channel returns the channel this unit listens to.
func (l *Listener) Channel() string { return l.cfg.Conn.Channel }

// State returns the unit's current lifecycle state.
func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	telemetry.SetListenerState(l.cfg.Conn.Channel, int(s))
}

func (l *Listener) String() string { return "chat-listener-" + l.cfg.Conn.Channel }

// Serve runs the unit until the context is cancelled, a processing error
// escapes, or a retry budget is exhausted.
func (l *Listener) Serve(ctx context.Context) error {
	defer l.mgr.Close()
	// FAILED is terminal and must stay visible after Serve returns.
	defer func() {
		if l.State() != StateFailed {
			l.setState(StateDisconnected)
		}
	}()

	if err := l.mgr.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.setState(StateFailed)
		l.logger.Error("initial connect failed; unit stopping", slog.Any("err", err))
		return errors.Join(err, suture.ErrDoNotRestart)
	}
	l.setState(StateListening)
	l.logger.Info("listening")

	timeouts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, err := l.mgr.ReadLine()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				timeouts++
				telemetry.ReadTimeouts.Inc()
				if timeouts < readTimeoutThreshold {
					continue
				}
				l.logger.Warn("read timeout threshold reached; reconnecting", slog.Int("timeouts", timeouts))
			} else {
				// Socket closed mid-read or similar hard failure.
				l.logger.Warn("read failed; reconnecting", slog.Any("err", err))
			}
			if rerr := l.reconnect(ctx); rerr != nil {
				return rerr
			}
			timeouts = 0
			continue
		}
		timeouts = 0

		if !utf8.ValidString(line) {
			telemetry.LinesDropped.Inc()
			continue
		}
		if err := l.dispatch(ctx, line); err != nil {
			l.logger.Error("event processing failed", slog.Any("err", err))
			return err
		}
	}
}

// reconnect runs the bounded reconnect procedure. The read loop and this
// call share one goroutine, so the transport is never closed under an
// in-flight read; RELOADING is reported purely as an observable state.
func (l *Listener) reconnect(ctx context.Context) error {
	l.setState(StateReloading)
	telemetry.Reconnects.Inc()
	if err := l.mgr.Reconnect(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.setState(StateFailed)
		l.logger.Error("reconnect failed; unit stopping", slog.Any("err", err))
		return errors.Join(err, suture.ErrDoNotRestart)
	}
	l.setState(StateListening)
	return nil
}

// dispatch routes one protocol line. Lines matching none of the shapes are
// ignored; parse rejections are silent by contract.
func (l *Listener) dispatch(ctx context.Context, line string) error {
	switch {
	case strings.Contains(line, "PRIVMSG"):
		// One message can carry both a trigger command and a cheer; each is
		// processed independently.
		if strings.Contains(line, l.cfg.Trigger) {
			if ev, ok := ParseManualEvent(line, l.cfg.Conn.Channel, l.cfg.Trigger); ok {
				l.logger.Info("manual event", slog.String("username", ev.Username))
				if err := l.accept(ctx, ev); err != nil {
					return err
				}
			}
		}
		if strings.Contains(line, "bits=") {
			ev, ok := ParseBits(line)
			if !ok {
				return nil
			}
			if ev.Quantity < l.cfg.MinBits {
				telemetry.BitsBelowMinimum.Inc()
				return nil
			}
			return l.accept(ctx, ev)
		}
		return nil

	case strings.Contains(line, "USERNOTICE"):
		ev, ok := ParseUserNotice(line)
		if !ok {
			telemetry.LinesDropped.Inc()
			return nil
		}
		switch ev.Type {
		case EventAnnouncement:
			return nil
		case EventSubGift, EventMysteryGift:
			allowed, err := l.gate.Allow(string(ev.Type), ev.Username, ev.Timestamp)
			if err != nil {
				return fmt.Errorf("dedup scan: %w", err)
			}
			if !allowed {
				telemetry.EventsSuppressed.Inc()
				l.logger.Debug("gift event suppressed as duplicate",
					slog.String("username", ev.Username), slog.String("type", string(ev.Type)))
				return nil
			}
		}
		return l.accept(ctx, ev)

	case strings.Contains(line, "PING"):
		return l.mgr.WriteLine("PONG :tmi.twitch.tv")
	}
	return nil
}

// accept appends the event to the durable log and then publishes it. The
// append completes first; a publish failure leaves the record in place and
// surfaces to the supervisor, so a restarted unit may re-publish (the queue
// is at-least-once, the log is the source of truth).
func (l *Listener) accept(ctx context.Context, ev Event) error {
	ctx, span := telemetry.StartSpan(ctx, "chat-listener", "accept-event",
		attribute.String("event_type", string(ev.Type)),
		attribute.String("channel", l.cfg.Conn.Channel),
	)
	defer span.End()

	rec, err := l.log.Append(eventlog.Record{
		Timestamp: ev.Timestamp,
		Username:  ev.Username,
		UserID:    ev.UserID,
		Type:      string(ev.Type),
		Tier:      string(ev.Tier),
		Months:    ev.Months,
		Quantity:  ev.Quantity,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("append %s event: %w", ev.Type, err)
	}
	telemetry.EventsAccepted.WithLabelValues(string(ev.Type)).Inc()
	telemetry.SetLastEventID(rec.ID)
	l.logger.Info("event accepted",
		slog.Int64("id", rec.ID),
		slog.String("type", string(ev.Type)),
		slog.String("username", ev.Username),
		slog.Int("quantity", ev.Quantity))

	var perr error
	telemetry.TimeFunc(telemetry.PublishDuration, func() {
		perr = l.pub.Publish(ctx, rec)
	})
	if perr != nil {
		telemetry.PublishFailures.Inc()
		telemetry.RecordError(span, perr)
		return fmt.Errorf("publish event %d: %w", rec.ID, perr)
	}
	telemetry.EventsPublished.Inc()
	telemetry.SetSpanSuccess(span)
	return nil
}
