package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"TokenVault/internal/core"
	"TokenVault/internal/event"
	"TokenVault/internal/ingestion"
	fpmath "TokenVault/internal/math"
	"TokenVault/internal/observability"
	"TokenVault/internal/port"
	"TokenVault/internal/query"
	"TokenVault/internal/reservation"
	"TokenVault/internal/token"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// API serves the JSON endpoints:
//
//	POST   /v1/reservations
//	GET    /v1/reservations/{id}
//	DELETE /v1/reservations/{id}
//	POST   /v1/reservations/{id}/forget
//	GET    /v1/balances/{owner}/{class}/{identifier}?issuer=
//	GET    /v1/history/{owner}?limit=&before=
//	POST   /v1/admin/updates
type API struct {
	registry *reservation.Registry
	query    *query.Service
	admin    *ingestion.AdminIngestService
	metrics  *observability.Metrics
	logger   zerolog.Logger
	mux      *runtime.ServeMux
}

func NewAPI(deps *ServerDeps) (*API, error) {
	if deps.Registry == nil || deps.Query == nil {
		return nil, errors.New("server: registry and query service are required")
	}
	a := &API{
		registry: deps.Registry,
		query:    deps.Query,
		admin:    deps.AdminIngest,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		mux:      newGatewayMux(),
	}

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/reservations", a.reserve},
		{http.MethodGet, "/v1/reservations/{id}", a.getReservation},
		{http.MethodDelete, "/v1/reservations/{id}", a.release},
		{http.MethodPost, "/v1/reservations/{id}/forget", a.forget},
		{http.MethodGet, "/v1/balances/{owner}/{class}/{identifier}", a.balances},
		{http.MethodGet, "/v1/history/{owner}", a.history},
		{http.MethodPost, "/v1/admin/updates", a.injectUpdate},
	}
	for _, rt := range routes {
		if err := a.mux.HandlePath(rt.method, rt.pattern, a.instrument(rt.method+" "+rt.pattern, rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return a, nil
}

// Mux returns the routing handler.
func (a *API) Mux() http.Handler {
	return a.mux
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *API) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r, params)

		elapsed := time.Since(start)
		if a.metrics != nil {
			a.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
			a.metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		a.logger.Debug().
			Str("route", route).
			Int("code", rec.code).
			Dur("elapsed", elapsed).
			Msg("http request")
	}
}

// --- request / response bodies ---

type reserveRequest struct {
	RequestID      string   `json:"request_id"`
	Owner          string   `json:"owner"`
	Issuer         string   `json:"issuer"`
	TypeClass      string   `json:"type_class"`
	TypeIdentifier string   `json:"type_identifier"`
	FractionDigits uint8    `json:"fraction_digits"`
	Amount         string   `json:"amount"`
	Exclude        []string `json:"exclude,omitempty"`
	TTLMillis      int64    `json:"ttl_ms,omitempty"`
}

type reservationResponse struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	Owner          string    `json:"owner"`
	Issuer         string    `json:"issuer"`
	TypeClass      string    `json:"type_class"`
	TypeIdentifier string    `json:"type_identifier"`
	FractionDigits uint8     `json:"fraction_digits"`
	Requested      string    `json:"requested"`
	Total          string    `json:"total"`
	Refs           []string  `json:"refs"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Unlocked       *int      `json:"unlocked,omitempty"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Owner      string `json:"owner,omitempty"`
	Requested  string `json:"requested,omitempty"`
	Available  string `json:"available,omitempty"`
	ExistingID string `json:"existing_id,omitempty"`
}

func toReservationResponse(res *port.Reservation) reservationResponse {
	digits := res.Issued.Type.FractionDigits
	refs := make([]string, len(res.Refs))
	for i, ref := range res.Refs {
		refs[i] = ref.String()
	}
	return reservationResponse{
		ID:             res.ID.String(),
		RequestID:      res.RequestID,
		Owner:          string(res.Owner),
		Issuer:         string(res.Issued.Issuer),
		TypeClass:      res.Issued.Type.Class,
		TypeIdentifier: res.Issued.Type.Identifier,
		FractionDigits: digits,
		Requested:      fpmath.FormatQuantity(res.Requested, digits),
		Total:          fpmath.FormatUnits(res.Total, digits),
		Refs:           refs,
		CreatedAt:      res.CreatedAt,
		ExpiresAt:      res.ExpiresAt,
	}
}

// --- handlers ---

func (a *API) reserve(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body reserveRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}

	res, err := a.registry.Reserve(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationResponse(res))
}

func (b reserveRequest) toRequest() (reservation.Request, error) {
	if b.FractionDigits > token.MaxFractionDigits {
		return reservation.Request{}, fmt.Errorf("fraction_digits %d exceeds %d", b.FractionDigits, token.MaxFractionDigits)
	}
	if b.TTLMillis < 0 {
		return reservation.Request{}, errors.New("negative ttl_ms")
	}
	qty, err := fpmath.ParseQuantity(b.Amount, b.FractionDigits)
	if err != nil {
		return reservation.Request{}, fmt.Errorf("amount: %w", err)
	}

	exclude := make([]token.StateRef, 0, len(b.Exclude))
	for _, s := range b.Exclude {
		ref, err := token.ParseStateRef(s)
		if err != nil {
			return reservation.Request{}, err
		}
		exclude = append(exclude, ref)
	}

	return reservation.Request{
		RequestID: b.RequestID,
		Owner:     token.PublicKey(b.Owner),
		Issued: token.IssuedType{
			Issuer: token.PublicKey(b.Issuer),
			Type: token.TokenType{
				Class:          b.TypeClass,
				Identifier:     b.TypeIdentifier,
				FractionDigits: b.FractionDigits,
			},
		},
		Amount:  token.Amount{Quantity: qty, FractionDigits: b.FractionDigits},
		Exclude: exclude,
		TTL:     time.Duration(b.TTLMillis) * time.Millisecond,
	}, nil
}

func (a *API) getReservation(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := parseID(w, params)
	if !ok {
		return
	}
	res, err := a.registry.Get(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (a *API) release(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := parseID(w, params)
	if !ok {
		return
	}
	res, unlocked, err := a.registry.Release(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	resp := toReservationResponse(res)
	resp.Unlocked = &unlocked
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) forget(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := parseID(w, params)
	if !ok {
		return
	}
	res, err := a.registry.Forget(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (a *API) balances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner := token.PublicKey(params["owner"])
	issuer := token.PublicKey(r.URL.Query().Get("issuer"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balances": a.query.Balances(owner, params["class"], params["identifier"], issuer),
	})
}

func (a *API) history(w http.ResponseWriter, r *http.Request, params map[string]string) {
	q := r.URL.Query()
	limit, err := optionalInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err)
		return
	}
	before, err := optionalInt(q.Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_before", err)
		return
	}

	entries, err := a.query.History(r.Context(), token.PublicKey(params["owner"]), int(limit), before)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	resp := map[string]interface{}{"entries": entries}
	if n := len(entries); n > 0 {
		resp["next_before"] = entries[n-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) injectUpdate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.admin == nil {
		writeError(w, http.StatusNotImplemented, "admin_disabled", errors.New("admin ingestion is disabled"))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := a.admin.Inject(r.Context(), payload); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// --- helpers ---

func parseID(w http.ResponseWriter, params map[string]string) (uuid.UUID, bool) {
	id, err := uuid.Parse(params["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", err)
		return uuid.Nil, false
	}
	return id, true
}

func optionalInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%q is not a non-negative integer", s)
	}
	return n, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeDomainError maps service errors onto HTTP statuses.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	var (
		insufficient *core.InsufficientBalanceError
		duplicate    *reservation.DuplicateRequestError
	)
	switch {
	case errors.As(err, &insufficient):
		digits := insufficient.Requested.FractionDigits
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     err.Error(),
			Code:      "insufficient_balance",
			Owner:     string(insufficient.Owner),
			Requested: fpmath.FormatQuantity(insufficient.Requested.Quantity, digits),
			Available: insufficient.Available.Format(digits),
		})
	case errors.As(err, &duplicate):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:      err.Error(),
			Code:       "duplicate_request",
			ExistingID: duplicate.ExistingID.String(),
		})
	case errors.Is(err, reservation.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, reservation.ErrInvalidRequest),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, event.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, query.ErrHistoryUnavailable):
		writeError(w, http.StatusServiceUnavailable, "history_unavailable", err)
	default:
		a.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", errors.New("internal error"))
	}
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
