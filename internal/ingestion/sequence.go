package ingestion

import "fmt"

// SequenceOutcome classifies a ledger sequence against the tracker's position.
type SequenceOutcome int

const (
	// SequenceNext is the expected successor.
	SequenceNext SequenceOutcome = iota
	// SequenceStale is at or below the last applied sequence: already
	// reflected by the snapshot or a previous update.
	SequenceStale
	// SequenceGap skips ahead. The update is still applied; missing
	// sequences usually belong to transactions irrelevant to this party.
	SequenceGap
)

func (o SequenceOutcome) String() string {
	switch o {
	case SequenceNext:
		return "next"
	case SequenceStale:
		return "stale"
	case SequenceGap:
		return "gap"
	default:
		return fmt.Sprintf("SequenceOutcome(%d)", int(o))
	}
}

// SequenceTracker follows the ledger sequence of applied updates.
// Not thread-safe: only the ingestion goroutine touches it.
type SequenceTracker struct {
	last int64
	gaps int64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{}
}

// Reset positions the tracker at a snapshot cursor.
func (st *SequenceTracker) Reset(cursor int64) {
	st.last = cursor
}

// Observe classifies seq and, unless it is stale, advances to it.
func (st *SequenceTracker) Observe(seq int64) SequenceOutcome {
	switch {
	case seq <= st.last:
		return SequenceStale
	case seq == st.last+1:
		st.last = seq
		return SequenceNext
	default:
		st.last = seq
		st.gaps++
		return SequenceGap
	}
}

// Last is the highest sequence observed.
func (st *SequenceTracker) Last() int64 {
	return st.last
}

// Gaps counts gap observations since creation.
func (st *SequenceTracker) Gaps() int64 {
	return st.gaps
}
