package core

import (
	"sync"
	"sync/atomic"

	fpmath "TokenVault/internal/math"
	"TokenVault/internal/observability"
	"TokenVault/internal/token"

	"github.com/rs/zerolog"
)

// Consistency warning kinds, used as log field and metric label.
const (
	WarnDuplicateProduce = "duplicate_produce"
	WarnUnknownConsume   = "unknown_consume"
	WarnKeyMismatch      = "key_mismatch"
)

// Index is the live token inventory: owner -> type class -> type identifier ->
// set of entries. Every level is a sync.Map, so inserts into one owner never
// contend with selections on another, and no lock spans the whole mapping.
//
// Empty sets are kept once created; the key space is bounded by the party's
// owners and token types.
type Index struct {
	owners sync.Map // token.PublicKey -> *sync.Map (class -> *sync.Map (identifier -> *TokenSet))
	refs   sync.Map // token.StateRef -> *Entry
	size   atomic.Int64

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// TokenSet is the live set of entries for one (owner, class, identifier).
// It is a view, not a copy: concurrent claims and ingestion are visible
// through it while it is being enumerated.
type TokenSet struct {
	entries sync.Map // token.StateRef -> *Entry
}

// Range calls fn for each entry currently in the set, in unspecified order,
// until fn returns false. A nil set is empty.
func (s *TokenSet) Range(fn func(e *Entry) bool) {
	if s == nil {
		return
	}
	s.entries.Range(func(_, v any) bool {
		return fn(v.(*Entry))
	})
}

// Len counts the entries currently in the set.
func (s *TokenSet) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Balance summarises the entries of one owner and issued type.
type Balance struct {
	Free        fpmath.Uint128
	Locked      fpmath.Uint128
	FreeCount   int
	LockedCount int
}

// Total is Free + Locked.
func (b Balance) Total() fpmath.Uint128 {
	return b.Free.AddUint128(b.Locked)
}

func NewIndex(logger zerolog.Logger, metrics *observability.Metrics) *Index {
	return &Index{logger: logger, metrics: metrics}
}

func loadOrCreate(m *sync.Map, key any) *sync.Map {
	if v, ok := m.Load(key); ok {
		return v.(*sync.Map)
	}
	v, _ := m.LoadOrStore(key, new(sync.Map))
	return v.(*sync.Map)
}

// tokenSet returns the set for k, creating the intermediate levels on demand.
func (idx *Index) tokenSet(k token.Key) *TokenSet {
	classes := loadOrCreate(&idx.owners, k.Owner)
	identifiers := loadOrCreate(classes, k.Class)
	if v, ok := identifiers.Load(k.Identifier); ok {
		return v.(*TokenSet)
	}
	v, _ := identifiers.LoadOrStore(k.Identifier, new(TokenSet))
	return v.(*TokenSet)
}

// existingSet returns the set for k without creating anything.
func (idx *Index) existingSet(k token.Key) (*TokenSet, bool) {
	classes, ok := idx.owners.Load(k.Owner)
	if !ok {
		return nil, false
	}
	identifiers, ok := classes.(*sync.Map).Load(k.Class)
	if !ok {
		return nil, false
	}
	set, ok := identifiers.(*sync.Map).Load(k.Identifier)
	if !ok {
		return nil, false
	}
	return set.(*TokenSet), true
}

// Upsert inserts a free entry for r. If an entry with the same ref already
// exists the call is a no-op that reports a consistency warning; the existing
// entry is never overwritten since it may be locked by an in-flight selection.
func (idx *Index) Upsert(r token.Record) bool {
	e := newEntry(r)
	if existing, loaded := idx.refs.LoadOrStore(r.Ref, e); loaded {
		idx.warn(WarnDuplicateProduce, r.Ref).
			Str("existing_key", existing.(*Entry).record.Key().String()).
			Str("key", r.Key().String()).
			Msg("token already present in inventory, ignoring produce")
		return false
	}
	idx.tokenSet(r.Key()).entries.Store(r.Ref, e)
	idx.size.Add(1)
	if idx.metrics != nil {
		idx.metrics.IndexEntries.Inc()
	}
	return true
}

// Remove deletes the entry for ref and retires it. Removing a locked entry is
// the normal completion of a reservation. Removing an unknown ref reports a
// consistency warning and returns false; a second removal is therefore a no-op.
func (idx *Index) Remove(ref token.StateRef, owner token.PublicKey, class, identifier string) bool {
	k := token.Key{Owner: owner, Class: class, Identifier: identifier}

	v, ok := idx.refs.Load(ref)
	if !ok {
		idx.warn(WarnUnknownConsume, ref).
			Str("key", k.String()).
			Msg("consumed token not present in inventory")
		return false
	}
	e := v.(*Entry)
	if actual := e.record.Key(); actual != k {
		// The ref identifies the token; trust it over the event's coordinates.
		idx.warn(WarnKeyMismatch, ref).
			Str("key", k.String()).
			Str("actual_key", actual.String()).
			Msg("consumed token found under a different key")
		k = actual
	}

	set, ok := idx.existingSet(k)
	if !ok || !set.entries.CompareAndDelete(ref, e) {
		// Lost a race with a concurrent Remove of the same ref.
		return false
	}
	idx.refs.CompareAndDelete(ref, e)
	prior := e.retire()
	idx.size.Add(-1)
	if idx.metrics != nil {
		idx.metrics.IndexEntries.Dec()
	}
	idx.logger.Debug().
		Str("ref", ref.String()).
		Str("prior_state", prior.String()).
		Msg("token removed from inventory")
	return true
}

// EntriesFor returns the live set for (owner, class, identifier).
func (idx *Index) EntriesFor(owner token.PublicKey, class, identifier string) *TokenSet {
	return idx.tokenSet(token.Key{Owner: owner, Class: class, Identifier: identifier})
}

// TryClaim atomically moves e from free to locked. Exactly one of any number
// of concurrent callers wins; removed or already-locked entries always fail.
func (idx *Index) TryClaim(e *Entry) bool {
	return e.claim()
}

// Release moves e from locked back to free. It fails if e was not locked,
// including when it has been removed meanwhile.
func (idx *Index) Release(e *Entry) bool {
	return e.release()
}

// Lookup finds the live entry for ref.
func (idx *Index) Lookup(ref token.StateRef) (*Entry, bool) {
	v, ok := idx.refs.Load(ref)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Len is the number of entries in the index.
func (idx *Index) Len() int {
	return int(idx.size.Load())
}

// Balance sums free and locked quantities of owner's tokens of the given
// issued type. The result is a point-in-time estimate when selections or
// ingestion run concurrently.
func (idx *Index) Balance(owner token.PublicKey, issued token.IssuedType) Balance {
	var b Balance
	set, ok := idx.existingSet(token.Key{Owner: owner, Class: issued.Type.Class, Identifier: issued.Type.Identifier})
	if !ok {
		return b
	}
	set.Range(func(e *Entry) bool {
		if e.record.Issued != issued {
			return true
		}
		switch entryState(e.state.Load()) {
		case stateFree:
			b.Free = b.Free.Add(e.record.Quantity)
			b.FreeCount++
		case stateLocked:
			b.Locked = b.Locked.Add(e.record.Quantity)
			b.LockedCount++
		}
		return true
	})
	return b
}

// BalancesFor groups the entries of (owner, class, identifier) by issued type.
func (idx *Index) BalancesFor(owner token.PublicKey, class, identifier string) map[token.IssuedType]Balance {
	out := make(map[token.IssuedType]Balance)
	set, ok := idx.existingSet(token.Key{Owner: owner, Class: class, Identifier: identifier})
	if !ok {
		return out
	}
	set.Range(func(e *Entry) bool {
		b := out[e.record.Issued]
		switch entryState(e.state.Load()) {
		case stateFree:
			b.Free = b.Free.Add(e.record.Quantity)
			b.FreeCount++
		case stateLocked:
			b.Locked = b.Locked.Add(e.record.Quantity)
			b.LockedCount++
		default:
			return true
		}
		out[e.record.Issued] = b
		return true
	})
	return out
}

func (idx *Index) warn(kind string, ref token.StateRef) *zerolog.Event {
	if idx.metrics != nil {
		idx.metrics.ConsistencyWarnings.WithLabelValues(kind).Inc()
	}
	return idx.logger.Warn().Str("kind", kind).Str("ref", ref.String())
}
