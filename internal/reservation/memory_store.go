package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"TokenVault/internal/port"

	"github.com/google/uuid"
)

// RequestClaimTTL is how long a request id is remembered after Reserve.
const RequestClaimTTL = 24 * time.Hour

type requestClaim struct {
	id      uuid.UUID
	expires time.Time
}

// MemoryStore is a process-local ReservationStore. Reservations do not
// survive a restart, which matches the inventory itself.
type MemoryStore struct {
	mu           sync.Mutex
	reservations map[uuid.UUID]*port.Reservation
	requests     map[string]requestClaim
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reservations: make(map[uuid.UUID]*port.Reservation),
		requests:     make(map[string]requestClaim),
		now:          time.Now,
	}
}

func (s *MemoryStore) ClaimRequest(_ context.Context, requestID string, id uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c, ok := s.requests[requestID]; ok && now.Before(c.expires) {
		return c.id, port.ErrRequestSeen
	}
	s.requests[requestID] = requestClaim{id: id, expires: now.Add(RequestClaimTTL)}
	return id, nil
}

func (s *MemoryStore) ForgetRequest(_ context.Context, requestID string) error {
	s.mu.Lock()
	delete(s.requests, requestID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Put(_ context.Context, r *port.Reservation) error {
	cp := *r
	s.mu.Lock()
	s.reservations[r.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*port.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, port.ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Take(_ context.Context, instance string, id uuid.UUID) (*port.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok || r.Instance != instance {
		return nil, port.ErrReservationNotFound
	}
	delete(s.reservations, id)
	return r, nil
}

// Expired returns the oldest-expiring reservations first. It also drops
// request claims past their TTL.
func (s *MemoryStore) Expired(_ context.Context, instance string, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, c := range s.requests {
		if !now.Before(c.expires) {
			delete(s.requests, k)
		}
	}

	var due []*port.Reservation
	for _, r := range s.reservations {
		if r.Instance == instance && !r.ExpiresAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	ids := make([]uuid.UUID, len(due))
	for i, r := range due {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *MemoryStore) Count(_ context.Context, instance string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reservations {
		if r.Instance == instance {
			n++
		}
	}
	return n, nil
}
