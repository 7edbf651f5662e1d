// Package natspub publishes triage verdicts onto a NATS subject so downstream
// SOAR consumers can react without polling the API.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/triage"
)

// DefaultSubject is the subject prefix verdicts are published under. The
// severity is appended, e.g. soc.triage.verdicts.critical.
const DefaultSubject = "soc.triage.verdicts"

// Header names set on every message.
const (
	HeaderSeverity = "Warden-Severity"
	HeaderAlertID  = "Warden-Alert-Id"
)

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// Publisher sends verdict records to NATS.
type Publisher struct {
	nc      conn
	subject string
	logger  log.Logger
}

// Connect dials the NATS server at url and returns a Publisher.
func Connect(url, subject string, logger log.Logger) (*Publisher, error) {
	if logger == nil {
		logger = log.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("warden"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return newPublisher(nc, subject, logger), nil
}

func newPublisher(nc conn, subject string, logger log.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{nc: nc, subject: subject, logger: logger}
}

// Name implements triage.Notifier.
func (p *Publisher) Name() string { return "nats" }

// Subject returns the subject a record is published on.
func (p *Publisher) Subject(r *triage.Record) string {
	if r == nil || r.Verdict == nil || r.Verdict.Severity == "" {
		return p.subject
	}
	return p.subject + "." + string(r.Verdict.Severity)
}

// Send publishes the record as JSON and flushes so delivery errors surface
// to the caller.
func (p *Publisher) Send(ctx context.Context, r *triage.Record) error {
	if r == nil || r.Verdict == nil {
		return nil
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("nats: marshal record: %w", err)
	}

	msg := nats.NewMsg(p.Subject(r))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, r.ID)
	msg.Header.Set(HeaderSeverity, string(r.Verdict.Severity))
	msg.Header.Set(HeaderAlertID, r.AlertID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats: flush: %w", err)
	}

	p.logger.Info(ctx, "verdict published", "subject", msg.Subject, "record_id", r.ID)
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
