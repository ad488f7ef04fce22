package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TokenVault/internal/core"
	"TokenVault/internal/event"
	"TokenVault/internal/observability"
	"TokenVault/internal/port"
	"TokenVault/internal/token"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrNotFound         = port.ErrReservationNotFound
	ErrInvalidRequest   = errors.New("invalid reservation request")
)

// DuplicateRequestError carries the reservation already made for a request id.
type DuplicateRequestError struct {
	RequestID  string
	ExistingID uuid.UUID
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("duplicate request %q: already reserved as %s", e.RequestID, e.ExistingID)
}

func (e *DuplicateRequestError) Unwrap() error {
	return ErrDuplicateRequest
}

// Request asks for tokens of one owner and issued type covering Amount.
type Request struct {
	// RequestID makes Reserve idempotent. Empty disables the check.
	RequestID string
	Owner     token.PublicKey
	Issued    token.IssuedType
	Amount    token.Amount
	// Exclude lists tokens the caller does not want, e.g. ones already
	// spent by a transaction it is building.
	Exclude []token.StateRef
	// TTL bounds how long the tokens stay locked without Release or Forget.
	// Zero selects the registry default.
	TTL time.Duration
}

// Config tunes a Registry.
type Config struct {
	// Instance identifies this registry in a shared store. It must be unique
	// per process lifetime, since the locks it guards die with the process.
	// Empty selects a random id.
	Instance   string
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// EventBuffer sizes the lifecycle event channel; zero disables events.
	EventBuffer int
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:  30 * time.Second,
		MaxTTL:      10 * time.Minute,
		EventBuffer: 4096,
	}
}

// Registry tracks reservations made through a Selector so that tokens locked
// by callers that disappear are eventually returned to the free pool.
type Registry struct {
	selector *core.Selector
	store    port.ReservationStore
	cfg      Config
	events   chan event.ReservationEvent
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewRegistry(
	selector *core.Selector,
	store port.ReservationStore,
	cfg Config,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Registry {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	r := &Registry{
		selector: selector,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
		metrics:  metrics,
	}
	if cfg.EventBuffer > 0 {
		r.events = make(chan event.ReservationEvent, cfg.EventBuffer)
	}
	return r
}

// Instance is the id under which this registry's reservations are stored.
func (r *Registry) Instance() string {
	return r.cfg.Instance
}

// Events is the lifecycle event stream, or nil when events are disabled.
// Sends never block: events are dropped and counted when it is full.
func (r *Registry) Events() <-chan event.ReservationEvent {
	return r.events
}

// Reserve selects and locks tokens for req and records the reservation.
func (r *Registry) Reserve(ctx context.Context, req Request) (*port.Reservation, error) {
	if req.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if req.Issued.Issuer == "" || req.Issued.Type.Class == "" || req.Issued.Type.Identifier == "" {
		return nil, fmt.Errorf("%w: issuer, type class and type identifier are required", ErrInvalidRequest)
	}
	if req.TTL < 0 {
		return nil, fmt.Errorf("%w: negative ttl", ErrInvalidRequest)
	}

	id := uuid.New()
	requestID := req.RequestID
	if requestID == "" {
		requestID = id.String()
	}

	existing, err := r.store.ClaimRequest(ctx, requestID, id)
	if errors.Is(err, port.ErrRequestSeen) {
		return nil, &DuplicateRequestError{RequestID: requestID, ExistingID: existing}
	}
	if err != nil {
		return nil, fmt.Errorf("claim request %q: %w", requestID, err)
	}

	sel, err := r.selector.Select(req.Owner, req.Issued, req.Amount, excluding(req.Exclude))
	if err != nil {
		r.forgetRequest(ctx, requestID)
		return nil, err
	}

	now := r.now()
	res := &port.Reservation{
		ID:        id,
		Instance:  r.cfg.Instance,
		RequestID: requestID,
		Owner:     req.Owner,
		Issued:    req.Issued,
		Requested: req.Amount.Quantity,
		Total:     sel.Total.String(),
		Refs:      sel.Refs(),
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl(req.TTL)),
	}

	if err := r.store.Put(ctx, res); err != nil {
		r.selector.Release(sel.Records, "store_error")
		r.forgetRequest(ctx, requestID)
		return nil, fmt.Errorf("store reservation %s: %w", id, err)
	}

	if r.metrics != nil {
		r.metrics.ReservationsActive.Inc()
	}
	r.logger.Debug().
		Str("reservation_id", id.String()).
		Str("request_id", requestID).
		Str("owner", string(req.Owner)).
		Int("tokens", len(res.Refs)).
		Str("total", res.Total).
		Time("expires_at", res.ExpiresAt).
		Msg("tokens reserved")
	r.emit(event.ReservationReserved, res, 0)
	return res, nil
}

// Release aborts a reservation and unlocks its tokens that are still in the
// inventory. It returns the reservation and the number of tokens unlocked.
func (r *Registry) Release(ctx context.Context, id uuid.UUID) (*port.Reservation, int, error) {
	return r.finish(ctx, id, event.ReservationReleased)
}

// Forget drops a reservation whose tokens were spent. The tokens stay locked
// until their consumption arrives through ingestion.
func (r *Registry) Forget(ctx context.Context, id uuid.UUID) (*port.Reservation, error) {
	res, _, err := r.finish(ctx, id, event.ReservationForgotten)
	return res, err
}

// Get returns a live reservation made by this registry. Reservations of other
// instances sharing the store are reported as not found, as Release would.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*port.Reservation, error) {
	res, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Instance != r.cfg.Instance {
		return nil, fmt.Errorf("reservation %s held by instance %s: %w", id, res.Instance, ErrNotFound)
	}
	return res, nil
}

// ExpireDue releases up to limit reservations past their expiry at now.
func (r *Registry) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := r.store.Expired(ctx, r.cfg.Instance, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	expired := 0
	for _, id := range ids {
		_, _, err := r.finish(ctx, id, event.ReservationExpired)
		if errors.Is(err, ErrNotFound) {
			// Released or forgotten by its caller in the meantime.
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (r *Registry) finish(ctx context.Context, id uuid.UUID, kind event.ReservationKind) (*port.Reservation, int, error) {
	res, err := r.store.Take(ctx, r.cfg.Instance, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("take reservation %s: %w", id, err)
	}

	unlocked := 0
	if kind != event.ReservationForgotten {
		unlocked = r.selector.ReleaseRefs(res.Refs, string(kind))
	}

	if r.metrics != nil {
		r.metrics.ReservationsActive.Dec()
	}
	r.logger.Debug().
		Str("reservation_id", id.String()).
		Str("kind", string(kind)).
		Int("tokens", len(res.Refs)).
		Int("unlocked", unlocked).
		Msg("reservation finished")
	r.emit(kind, res, unlocked)
	return res, unlocked, nil
}

func (r *Registry) ttl(requested time.Duration) time.Duration {
	switch {
	case requested == 0:
		return r.cfg.DefaultTTL
	case requested > r.cfg.MaxTTL:
		return r.cfg.MaxTTL
	default:
		return requested
	}
}

func (r *Registry) forgetRequest(ctx context.Context, requestID string) {
	if err := r.store.ForgetRequest(ctx, requestID); err != nil {
		r.logger.Warn().Err(err).Str("request_id", requestID).Msg("could not drop request claim")
	}
}

func (r *Registry) emit(kind event.ReservationKind, res *port.Reservation, unlocked int) {
	if r.metrics != nil {
		r.metrics.ReservationEvents.WithLabelValues(string(kind)).Inc()
	}
	if r.events == nil {
		return
	}
	evt := event.ReservationEvent{
		Kind:          kind,
		ReservationID: res.ID,
		RequestID:     res.RequestID,
		Owner:         res.Owner,
		Issued:        res.Issued,
		Quantity:      res.Total,
		Refs:          res.Refs,
		Unlocked:      unlocked,
		Timestamp:     r.now(),
	}
	select {
	case r.events <- evt:
	default:
		if r.metrics != nil {
			r.metrics.ReservationEventDrops.Inc()
		}
		r.logger.Warn().
			Str("kind", string(kind)).
			Str("reservation_id", res.ID.String()).
			Msg("reservation event channel full, dropping event")
	}
}

// excluding builds a predicate rejecting refs, or nil when refs is empty.
func excluding(refs []token.StateRef) core.Predicate {
	if len(refs) == 0 {
		return nil
	}
	skip := make(map[token.StateRef]struct{}, len(refs))
	for _, ref := range refs {
		skip[ref] = struct{}{}
	}
	return func(r token.Record) bool {
		_, excluded := skip[r.Ref]
		return !excluded
	}
}
