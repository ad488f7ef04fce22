package core

import (
	"fmt"
	"time"

	fpmath "TokenVault/internal/math"
	"TokenVault/internal/observability"
	"TokenVault/internal/token"

	"github.com/rs/zerolog"
)

// Predicate filters selection candidates. It must be pure: it is evaluated
// before any claim, so a rejected candidate is never touched.
type Predicate func(r token.Record) bool

// Selection is a set of tokens reserved by one Select call.
type Selection struct {
	Owner     token.PublicKey
	Issued    token.IssuedType
	Requested token.Amount
	Records   []token.Record
	Total     fpmath.Uint128
}

// Refs lists the state refs of the reserved records.
func (s *Selection) Refs() []token.StateRef {
	refs := make([]token.StateRef, len(s.Records))
	for i, r := range s.Records {
		refs[i] = r.Ref
	}
	return refs
}

// Selector reserves tokens from an Index by racing over free entries.
// It holds no state of its own and is safe for concurrent use.
type Selector struct {
	index   *Index
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewSelector(index *Index, logger zerolog.Logger, metrics *observability.Metrics) *Selector {
	return &Selector{index: index, logger: logger, metrics: metrics}
}

// Select claims free tokens of owner matching issued until their quantities
// reach requested. Candidates are visited in the set's natural order; a lost
// claim race skips the candidate without retry.
//
// On success the returned entries stay locked until released or consumed.
// When the candidates run out first, every claim taken by this call is
// released again and an *InsufficientBalanceError is returned.
func (s *Selector) Select(
	owner token.PublicKey,
	issued token.IssuedType,
	requested token.Amount,
	predicate Predicate,
) (*Selection, error) {
	if requested.Quantity == 0 {
		return nil, fmt.Errorf("%w: requested quantity must be positive", ErrInvalidAmount)
	}
	if requested.FractionDigits != issued.Type.FractionDigits {
		return nil, fmt.Errorf("%w: requested precision %d does not match %s precision %d",
			ErrInvalidAmount, requested.FractionDigits, issued.Type, issued.Type.FractionDigits)
	}

	start := time.Now()
	// Lookup only: requests for unknown owners or types must not grow the index.
	set, _ := s.index.existingSet(token.Key{Owner: owner, Class: issued.Type.Class, Identifier: issued.Type.Identifier})

	var (
		claimed   []*Entry
		total     fpmath.Uint128
		conflicts int
	)
	set.Range(func(e *Entry) bool {
		// Same class and identifier but another issuer is a different token.
		if e.record.Issued != issued {
			return true
		}
		if predicate != nil && !predicate(e.record) {
			return true
		}
		if !s.index.TryClaim(e) {
			conflicts++
			return true
		}
		claimed = append(claimed, e)
		total = total.Add(e.record.Quantity)
		return !total.AtLeast(requested.Quantity)
	})

	if s.metrics != nil {
		s.metrics.ClaimConflicts.Add(float64(conflicts))
		s.metrics.SelectDuration.Observe(time.Since(start).Seconds())
	}

	if !total.AtLeast(requested.Quantity) {
		for _, e := range claimed {
			s.index.Release(e)
		}
		if s.metrics != nil {
			s.metrics.SelectTotal.WithLabelValues("insufficient").Inc()
			s.metrics.EntriesReleased.WithLabelValues("insufficient").Add(float64(len(claimed)))
		}
		available := s.index.Balance(owner, issued).Free
		s.logger.Debug().
			Str("owner", string(owner)).
			Str("issued", issued.String()).
			Uint64("requested", requested.Quantity).
			Str("available", available.String()).
			Int("conflicts", conflicts).
			Msg("selection could not cover request")
		return nil, &InsufficientBalanceError{
			Owner:     owner,
			Issued:    issued,
			Requested: requested,
			Available: available,
		}
	}

	records := make([]token.Record, len(claimed))
	for i, e := range claimed {
		records[i] = e.record
	}
	if s.metrics != nil {
		s.metrics.SelectTotal.WithLabelValues("ok").Inc()
		s.metrics.SelectedTokens.Observe(float64(len(records)))
	}
	return &Selection{
		Owner:     owner,
		Issued:    issued,
		Requested: requested,
		Records:   records,
		Total:     total,
	}, nil
}

// Release returns previously selected records to the free pool and reports
// how many were actually unlocked. Records already consumed, or not locked,
// are skipped.
func (s *Selector) Release(records []token.Record, reason string) int {
	refs := make([]token.StateRef, len(records))
	for i, r := range records {
		refs[i] = r.Ref
	}
	return s.ReleaseRefs(refs, reason)
}

// ReleaseRefs is Release keyed by state ref.
func (s *Selector) ReleaseRefs(refs []token.StateRef, reason string) int {
	released := 0
	for _, ref := range refs {
		e, ok := s.index.Lookup(ref)
		if !ok {
			continue
		}
		if s.index.Release(e) {
			released++
		}
	}
	if s.metrics != nil && released > 0 {
		s.metrics.EntriesReleased.WithLabelValues(reason).Add(float64(released))
	}
	return released
}
