package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"TokenVault/internal/event"
	"TokenVault/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes reservation lifecycle events to NATS.
// Subjects follow vault.reservations.{kind}.{owner}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan event.ReservationEvent
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewOutboundPublisher(
	js jetstream.JetStream,
	inputChan <-chan event.ReservationEvent,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run publishes until ctx is cancelled or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: the audit log holds the same events.
				op.logger.Warn().Err(err).
					Str("kind", string(evt.Kind)).
					Str("reservation_id", evt.ReservationID.String()).
					Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt event.ReservationEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, ReservationSubject(evt), data,
		jetstream.WithMsgID(evt.ReservationID.String()+"."+string(evt.Kind)))
	return err
}

// ReservationSubject builds vault.reservations.{kind}.{owner}. Characters
// that NATS treats as tokens or wildcards are replaced in the owner part.
func ReservationSubject(evt event.ReservationEvent) string {
	return fmt.Sprintf("vault.reservations.%s.%s", evt.Kind, subjectToken(string(evt.Owner)))
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectReplacer.Replace(s)
}
