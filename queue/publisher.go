// Package queue forwards accepted events to the downstream ordered queue on
// NATS JetStream. All messages go to one fixed subject, which is the
// ordering partition: the stream delivers them in publish order. Logical
// deduplication already happened against the event log before a record gets
// here, so the server-side duplicate window is deliberately defeated with a
// salted Nats-Msg-Id: the queue must never silently drop a message the log
// accepted.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/subvision/events-tracker/eventlog"
)

// Config holds the queue connection and stream settings.
type Config struct {
	URL     string
	Stream  string
	Subject string
}

// jsPublisher is the subset of jetstream.JetStream the publisher needs;
// narrowed for testability.
type jsPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher serializes accepted records and publishes them to the stream.
// Publish failures are returned to the caller untouched; there is no local
// retry, the listener's supervisor owns that policy.
type Publisher struct {
	nc      *nats.Conn
	js      jsPublisher
	subject string
	logger  *slog.Logger
}

// Connect dials NATS, ensures the stream exists, and returns a ready
// publisher. The NATS client reconnects on its own in the background;
// publishes issued while disconnected fail and surface to the caller.
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	logger := slog.Default().With(slog.String("component", "queue"))
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.Any("err", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := ensureStream(ctx, js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	return &Publisher{nc: nc, js: js, subject: cfg.Subject, logger: logger}, nil
}

// streamManager is the subset of jetstream.JetStream that ensureStream
// needs; narrowed for testability.
type streamManager interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// ensureStream creates the file-backed stream holding the event subject, or
// brings an existing stream's config back in line (a stream created by hand
// may be missing the subject).
func ensureStream(ctx context.Context, js streamManager, cfg Config) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Discard:    jetstream.DiscardOld,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return nil
}

// message is the downstream body. user_id is an integer when the raw tag
// value parses as one, otherwise the original string (null when absent);
// n_bits is set only for bit cheers.
type message struct {
	UserID   any          `json:"user_id"`
	Username string       `json:"username"`
	Datetime string       `json:"datetime"`
	Event    messageEvent `json:"event"`
}

type messageEvent struct {
	EventType string  `json:"event_type"`
	UserTier  *string `json:"user_tier"`
	Months    *int    `json:"months"`
	NBits     *int    `json:"n_bits"`
}

// buildMessage converts a log record into the downstream body.
func buildMessage(rec eventlog.Record) message {
	msg := message{
		Username: rec.Username,
		Datetime: time.Unix(rec.Timestamp, 0).Format("2006-01-02 15:04:05"),
		Event:    messageEvent{EventType: rec.Type},
	}
	if rec.UserID != "" {
		if n, err := strconv.Atoi(rec.UserID); err == nil {
			msg.UserID = n
		} else {
			msg.UserID = rec.UserID
		}
	}
	if rec.Tier != "" {
		msg.Event.UserTier = &rec.Tier
	}
	if rec.Months != 0 {
		msg.Event.Months = &rec.Months
	}
	if rec.Type == "bits" {
		msg.Event.NBits = &rec.Quantity
	}
	return msg
}

// dedupID builds the transport-level duplicate id. The random suffix makes
// every publish unique inside the stream's duplicate window; without it a
// legitimate repeat (say two equal cheers in one second) would be dropped by
// the server even though the log accepted both.
func dedupID(rec eventlog.Record) string {
	return fmt.Sprintf("%d%s%s%d", rec.Timestamp, rec.Username, rec.Type, rand.IntN(1_000_000))
}

// Publish sends one accepted record to the event subject.
func (p *Publisher) Publish(ctx context.Context, rec eventlog.Record) error {
	data, err := json.Marshal(buildMessage(rec))
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", rec.ID, err)
	}
	if _, err := p.js.Publish(ctx, p.subject, data, jetstream.WithMsgID(dedupID(rec))); err != nil {
		return fmt.Errorf("publish event %d: %w", rec.ID, err)
	}
	p.logger.Debug("event published", slog.Int64("id", rec.ID), slog.String("type", rec.Type))
	return nil
}

// Connected reports whether the underlying NATS connection is up; used by
// the health endpoint.
func (p *Publisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("nats drain", slog.Any("err", err))
		}
	}
}
