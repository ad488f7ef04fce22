package ingestion

import (
	"container/list"

	"github.com/google/uuid"
)

// DefaultTxWindow is how many recently applied ledger transactions the
// ingestor remembers.
const DefaultTxWindow = 100_000

// TxWindow is an LRU of recently applied ledger transaction ids. It catches a
// transaction republished under a new sequence, which the sequence tracker
// alone would apply twice.
// Not thread-safe: only the ingestion goroutine touches it.
type TxWindow struct {
	capacity int
	cache    map[uuid.UUID]*list.Element
	lruList  *list.List

	evictions int64
}

func NewTxWindow(capacity int) *TxWindow {
	if capacity <= 0 {
		capacity = DefaultTxWindow
	}
	return &TxWindow{
		capacity: capacity,
		cache:    make(map[uuid.UUID]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if txID was applied recently (promotes to front).
func (w *TxWindow) Contains(txID uuid.UUID) bool {
	elem, exists := w.cache[txID]
	if exists {
		w.lruList.MoveToFront(elem)
	}
	return exists
}

// Add records txID, evicting the least recently seen id when full.
func (w *TxWindow) Add(txID uuid.UUID) {
	if elem, exists := w.cache[txID]; exists {
		w.lruList.MoveToFront(elem)
		return
	}
	w.cache[txID] = w.lruList.PushFront(txID)

	if w.lruList.Len() > w.capacity {
		oldest := w.lruList.Back()
		w.lruList.Remove(oldest)
		delete(w.cache, oldest.Value.(uuid.UUID))
		w.evictions++
	}
}

func (w *TxWindow) Len() int {
	return w.lruList.Len()
}

func (w *TxWindow) Evictions() int64 {
	return w.evictions
}
