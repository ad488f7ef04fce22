package core

import (
	"sync/atomic"

	"TokenVault/internal/token"
)

// entryState is the lock word of an Entry.
//
//	free --claim--> locked --release--> free
//	free|locked --retire--> removed   (terminal)
type entryState uint32

const (
	stateFree entryState = iota
	stateLocked
	stateRemoved
)

func (s entryState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateLocked:
		return "locked"
	case stateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Entry pairs an immutable token record with its lock word.
// Entries are created and retired only by the Index; callers observe them
// through Index operations and never copy the lock state.
type Entry struct {
	record token.Record
	state  atomic.Uint32
}

func newEntry(r token.Record) *Entry {
	return &Entry{record: r}
}

// Record returns the token record held by the entry.
func (e *Entry) Record() token.Record {
	return e.record
}

// Ref is the entry's identity.
func (e *Entry) Ref() token.StateRef {
	return e.record.Ref
}

// Locked reports whether the entry is currently claimed.
func (e *Entry) Locked() bool {
	return entryState(e.state.Load()) == stateLocked
}

// Removed reports whether the entry's record has been consumed.
func (e *Entry) Removed() bool {
	return entryState(e.state.Load()) == stateRemoved
}

func (e *Entry) claim() bool {
	return e.state.CompareAndSwap(uint32(stateFree), uint32(stateLocked))
}

func (e *Entry) release() bool {
	return e.state.CompareAndSwap(uint32(stateLocked), uint32(stateFree))
}

// retire moves the entry to the terminal state and returns the prior state.
func (e *Entry) retire() entryState {
	return entryState(e.state.Swap(uint32(stateRemoved)))
}
