package ingestion

import (
	"context"
	"fmt"
	"time"
)

// AdminIngestService injects ledger updates by hand, for operators repairing
// an inventory that drifted from the ledger. High-throughput ingestion goes
// through NATS.
type AdminIngestService struct {
	eventChan chan<- RawEvent
}

func NewAdminIngestService(eventChan chan<- RawEvent) *AdminIngestService {
	return &AdminIngestService{eventChan: eventChan}
}

// Inject validates payload as an update and queues it behind the live stream.
// The ingestion goroutine applies it, so ordering with stream updates holds.
// Injected updates are deduplicated by transaction id only: the ledger
// sequence they carry is ignored, so a later stream update at or below it is
// still applied.
func (s *AdminIngestService) Inject(ctx context.Context, payload []byte) error {
	u, err := ParseUpdate(payload)
	if err != nil {
		return err
	}

	raw := RawEvent{
		Subject:   fmt.Sprintf("admin.updates.%d", u.Sequence),
		Data:      payload,
		Timestamp: time.Now(),
		Admin:     true,
	}

	select {
	case s.eventChan <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
