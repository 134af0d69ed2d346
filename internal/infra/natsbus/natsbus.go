// Package natsbus publishes archived records to NATS.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/transitlab/ticketctl/internal/domain"
)

// DefaultSubject receives one message per archived record.
const DefaultSubject = "ticket.archived"

// Config selects the NATS server and subject.
type Config struct {
	URL     string
	Token   string
	Subject string
	Name    string // Client connection name
}

// Notifier implements domain.ArchiveNotifier over a NATS connection.
type Notifier struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the server in cfg.
func Connect(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("natsbus: url is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Name == "" {
		cfg.Name = "ticketctl"
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", cfg.URL, err)
	}
	return &Notifier{conn: conn, subject: cfg.Subject}, nil
}

// Subject returns the subject records are published on.
func (n *Notifier) Subject() string { return n.subject }

// NotifyArchived publishes rec as JSON and waits for the server to take it.
func (n *Notifier) NotifyArchived(ctx context.Context, rec domain.ArchiveRecord) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("natsbus: publish: %w", err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("natsbus: flush: %w", err)
	}
	return nil
}

// Close drains the connection.
func (n *Notifier) Close() error {
	return n.conn.Drain()
}

// Encode renders the message body for rec.
func Encode(rec domain.ArchiveRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("natsbus: encode: %w", err)
	}
	return data, nil
}

// Decode parses a message body produced by Encode.
func Decode(data []byte) (domain.ArchiveRecord, error) {
	var rec domain.ArchiveRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.ArchiveRecord{}, fmt.Errorf("natsbus: decode: %w", err)
	}
	return rec, nil
}
