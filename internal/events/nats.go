package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vetdesk/internal/config"
	"vetdesk/internal/domain"

	"github.com/nats-io/nats.go"
)

const caseStreamMaxAge = 30 * 24 * time.Hour

// NATSPublisher publishes lifecycle events into a JetStream stream.
// Params: NATS connection, JetStream context and subject prefix.
// Returns: Publisher with per-event deduplication ids.
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

// NewNATSPublisher connects and ensures the lifecycle stream exists.
// Params: events config.
// Returns: initialized publisher or setup error.
func NewNATSPublisher(cfg config.EventsConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect events nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for events: %w", err)
	}
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	dedup := time.Duration(cfg.DedupWindowSec) * time.Second
	if err := ensureStream(js, cfg.Stream, prefix+".>", dedup); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSPublisher{nc: nc, js: js, prefix: prefix}, nil
}

// Publish sends one event to <prefix>.<type>.
// Params: context and event.
// Returns: marshal or publish error.
func (p *NATSPublisher) Publish(ctx context.Context, event domain.CaseEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal case event: %w", err)
	}
	msg := nats.NewMsg(Subject(p.prefix, event.Type))
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, MessageID(event))
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish case event %s: %w", event.Type, err)
	}
	return nil
}

// Close closes publisher NATS connection.
func (p *NATSPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// Subject returns the subject an event type is published on.
func Subject(prefix string, eventType domain.CaseEventType) string {
	return strings.TrimSuffix(prefix, ".") + "." + string(eventType)
}

// MessageID returns the JetStream dedup id; one transition publishes at most once per window.
func MessageID(event domain.CaseEvent) string {
	return event.CaseID + ":" + string(event.Type)
}

// ensureStream ensures lifecycle stream exists.
// Params: JetStream context, stream name, subject filter and dedup window.
// Returns: stream create/lookup error.
func ensureStream(js nats.JetStreamContext, streamName, subject string, dedup time.Duration) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     caseStreamMaxAge,
		Duplicates: dedup,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}
