package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vetdesk/internal/config"
	"vetdesk/internal/domain"
	"vetdesk/internal/escalation"
	"vetdesk/internal/failure"
	"vetdesk/internal/logging"

	"github.com/nats-io/nats.go"
)

// AdvisoryDeliverer handles one advisory and sends the reply to the farmer.
type AdvisoryDeliverer interface {
	HandleAndDeliver(ctx context.Context, advisory domain.Advisory) (escalation.Reply, error)
}

// NATSSubscriber consumes advisories via JetStream queue consumer.
// Params: NATS connection, one queue subscription per worker and pipeline.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNATSSubscriber creates JetStream queue consumer for advisory ingestion.
// Params: ingest NATS config, pipeline and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, pipeline AdvisoryDeliverer, logger *slog.Logger) (*NATSSubscriber, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("vetdesk-advisory-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureAdvisoryStream(js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	subscriber := &NATSSubscriber{
		nc:     nc,
		logger: logging.OrNop(logger),
		ctx:    ctx,
		cancel: cancel,
	}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	handler := func(message *nats.Msg) {
		subscriber.handle(message, pipeline, nackDelay)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub, subErr := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, handler, subOpts...)
		if subErr != nil {
			_ = subscriber.Close()
			return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, subErr)
		}
		subscriber.subs = append(subscriber.subs, sub)
	}
	return subscriber, nil
}

// ensureAdvisoryStream creates the advisory work-queue stream when absent.
func ensureAdvisoryStream(js nats.JetStreamContext, cfg config.NATSIngestConfig) error {
	if _, err := js.StreamInfo(cfg.Stream); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure advisory stream %q: %w", cfg.Stream, err)
	}
	return nil
}

// handle runs one advisory through the pipeline.
// Only retryable delivery failures without a created case are nacked; redelivering
// an escalated advisory would open a second case for the same question.
func (s *NATSSubscriber) handle(message *nats.Msg, pipeline AdvisoryDeliverer, nackDelay time.Duration) {
	advisory, err := decodeSingleAdvisory(jsonDecoder(message.Data))
	if err != nil {
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ackMessage(message, "decode")
		return
	}
	reply, err := pipeline.HandleAndDeliver(s.ctx, advisory)
	if err != nil {
		if failure.Retryable(err) && reply.CaseID == "" {
			s.logger.Error("advisory delivery failed, requesting redelivery", "farmer_id", advisory.Farmer.ChannelUserID, "case_id", reply.CaseID, "error", err.Error())
			s.nackMessage(message, nackDelay)
			return
		}
		s.logger.Error("advisory delivery failed permanently", "farmer_id", advisory.Farmer.ChannelUserID, "case_id", reply.CaseID, "error", err.Error())
		s.ackMessage(message, "permanent")
		return
	}
	s.ackMessage(message, "processed")
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains subscriptions, cancels in-flight work and closes connection.
// Params: none.
// Returns: first drain error.
func (s *NATSSubscriber) Close() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.cancel()
	s.nc.Close()
	return firstErr
}
