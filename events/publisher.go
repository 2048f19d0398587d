// Package events publishes workflow lifecycle events to NATS so other tools
// can follow a research session.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/semresearch/workflow/engine"
)

// DefaultSubjectPrefix is the subject prefix when none is configured.
const DefaultSubjectPrefix = "semresearch.workflow"

// Headers set on every published message.
const (
	HeaderRunID = "Run-ID"
	HeaderStep  = "Step"
)

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher is an engine.Listener that publishes each event as JSON on
// <prefix>.<event type>. Publish failures are logged and never reach the
// engine.
type Publisher struct {
	conn      Conn
	prefix    string
	fragments bool
	logger    *slog.Logger
}

var _ engine.Listener = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithFragments also publishes per-fragment events, which are skipped by
// default because a single stream can produce hundreds.
func WithFragments() Option {
	return func(p *Publisher) {
		p.fragments = true
	}
}

// NewPublisher creates a publisher on conn. An empty prefix uses
// DefaultSubjectPrefix.
func NewPublisher(conn Conn, prefix string, opts ...Option) *Publisher {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	p := &Publisher{
		conn:   conn,
		prefix: prefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(typ engine.EventType) string {
	return p.prefix + "." + string(typ)
}

// OnEvent publishes ev.
func (p *Publisher) OnEvent(ev engine.Event) {
	if ev.Type == engine.EventFragment && !p.fragments {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("Failed to encode workflow event", "type", ev.Type, "error", err)
		return
	}
	msg := nats.NewMsg(p.Subject(ev.Type))
	msg.Data = data
	msg.Header.Set(HeaderRunID, ev.RunID)
	msg.Header.Set(HeaderStep, fmt.Sprint(ev.Step))
	if err := p.conn.PublishMsg(msg); err != nil {
		p.logger.Warn("Failed to publish workflow event",
			"subject", msg.Subject, "run_id", ev.RunID, "error", err)
	}
}

// Connect dials the NATS server at url with reconnect handling that logs
// through logger.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("semresearch"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// Follow subscribes to every event under prefix and calls fn for each until
// ctx is done. Undecodable messages are logged and skipped.
func Follow(ctx context.Context, conn *nats.Conn, prefix string, logger *slog.Logger, fn func(engine.Event)) error {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	msgs := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(prefix+".>", msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", prefix, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			ev, err := Decode(msg.Data)
			if err != nil {
				logger.Warn("Skipping malformed workflow event", "subject", msg.Subject, "error", err)
				continue
			}
			fn(ev)
		}
	}
}

// Decode parses a published event payload.
func Decode(data []byte) (engine.Event, error) {
	var ev engine.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return engine.Event{}, fmt.Errorf("decode workflow event: %w", err)
	}
	if ev.Type == "" {
		return engine.Event{}, fmt.Errorf("decode workflow event: missing type")
	}
	return ev, nil
}
