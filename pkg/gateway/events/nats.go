package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes events as JSON to <prefix>.<event type>.
type NATSPublisher struct {
	conn   natsConn
	prefix string
	log    *slog.Logger
}

// ConnectNATS dials url and returns a publisher. The context bounds the dial.
func ConnectNATS(ctx context.Context, url, prefix string, log *slog.Logger) (*NATSPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("no NATS url configured")
	}
	if log == nil {
		log = slog.Default()
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < timeout {
			timeout = d
		}
	}
	conn, err := nats.Connect(url,
		nats.Name("voicegw"),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("url", conn.ConnectedUrlRedacted()))
	return newNATSPublisher(conn, prefix, log), nil
}

func newNATSPublisher(conn natsConn, prefix string, log *slog.Logger) *NATSPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	p.log.Info("draining NATS connection")
	return p.conn.Drain()
}
