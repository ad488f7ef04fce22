package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// DefaultUpdateStream carries ledger updates for this party.
	DefaultUpdateStream = "VAULT_UPDATES"
	// DefaultUpdateSubjects matches every update subject.
	DefaultUpdateSubjects = "vault.updates.>"

	// DefaultReservationStream carries reservation lifecycle events.
	DefaultReservationStream   = "VAULT_RESERVATIONS"
	DefaultReservationSubjects = "vault.reservations.>"
)

// RawEvent is an undecoded update taken off the stream.
type RawEvent struct {
	Subject   string
	Data      []byte
	StreamSeq uint64
	Timestamp time.Time
	// AckFunc is nil for ordered consumers, which need no acknowledgement.
	AckFunc func()
	// Admin marks an operator-injected update. Its sequence is not a ledger
	// position and never moves the stream cursor.
	Admin bool
}

func (r RawEvent) ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

// NATSSubscriber feeds the ledger update stream into an ingestion channel.
//
// It uses an ordered consumer: single-goroutine, in-order delivery with no
// durable state. The start position comes from Position, captured before the
// snapshot is read, so nothing committed between the two is missed.
type NATSSubscriber struct {
	js        jetstream.JetStream
	stream    string
	subjects  []string
	eventChan chan<- RawEvent
	logger    zerolog.Logger

	consumer jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, stream string, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		stream:    stream,
		subjects:  []string{DefaultUpdateSubjects},
		eventChan: eventChan,
		logger:    logger,
	}
}

// Position returns the stream sequence the next published update will get.
// Capture it before reading the snapshot and pass it to Subscribe.
func (ns *NATSSubscriber) Position(ctx context.Context) (uint64, error) {
	s, err := ns.js.Stream(ctx, ns.stream)
	if err != nil {
		return 0, fmt.Errorf("lookup stream %s: %w", ns.stream, err)
	}
	info, err := s.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream %s info: %w", ns.stream, err)
	}
	return info.State.LastSeq + 1, nil
}

// Subscribe starts delivering updates from startSeq onward.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, startSeq uint64) error {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: ns.subjects,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if startSeq > 1 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = startSeq
	}

	consumer, err := ns.js.OrderedConsumer(ctx, ns.stream, cfg)
	if err != nil {
		return fmt.Errorf("ordered consumer on %s: %w", ns.stream, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
		}
		if md, err := msg.Metadata(); err == nil {
			raw.StreamSeq = md.Sequence.Stream
			raw.Timestamp = md.Timestamp
		}

		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, jetstream.ErrNoHeartbeat) {
			ns.logger.Warn().Err(err).Msg("update consumer missed heartbeat, resetting")
			return
		}
		ns.logger.Error().Err(err).Msg("update consumer error")
	}))
	if err != nil {
		return fmt.Errorf("consume %s: %w", ns.stream, err)
	}

	ns.consumer = cc
	ns.logger.Info().
		Str("stream", ns.stream).
		Strs("subjects", ns.subjects).
		Uint64("start_seq", startSeq).
		Msg("subscribed to ledger updates")
	return nil
}

// Stop halts delivery. Safe to call before Subscribe.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates the update and reservation streams if missing.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      DefaultUpdateStream,
			Subjects:  []string{DefaultUpdateSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      DefaultReservationStream,
			Subjects:  []string{DefaultReservationSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("tokenvault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
