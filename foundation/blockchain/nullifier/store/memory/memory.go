// Package memory implements the ability to read and write nullifier usage
// records to memory using a map.
package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
)

// Memory represents the serialization implementation for reading and storing
// records in memory. This implements the nullifier.Storage interface.
type Memory struct {
	mu      sync.RWMutex
	records map[nullifier.Key]uint16
}

// New constructs an Memory value for use.
func New() (*Memory, error) {
	return &Memory{records: make(map[nullifier.Key]uint16)}, nil
}

// Close in this implementation has nothing to do since everything
// is in memory.
func (m *Memory) Close() error {
	return nil
}

// Write takes the specified record and stores it in memory. A record with
// no committed usage removes the key.
func (m *Memory) Write(r nullifier.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.Committed == 0 {
		delete(m.records, r.Key)
		return nil
	}

	m.records[r.Key] = r.Committed

	return nil
}

// ForEach returns an iterator to walk through a copy of the records ordered
// by window.
func (m *Memory) ForEach() nullifier.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]nullifier.Record, 0, len(m.records))
	for key, committed := range m.records {
		records = append(records, nullifier.Record{Key: key, Committed: committed})
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Key.Window() != records[j].Key.Window() {
			return records[i].Key.Window() < records[j].Key.Window()
		}
		return records[i].Key.NullifierHash.Lt(&records[j].Key.NullifierHash)
	})

	return &memoryIterator{records: records}
}

// Prune removes every record scoped to a window before the specified one.
func (m *Memory) Prune(before proof.Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.records {
		if key.Window() < before {
			delete(m.records, key)
		}
	}

	return nil
}

// Reset will clear out every record.
func (m *Memory) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[nullifier.Key]uint16)
	return nil
}

// =============================================================================

// memoryIterator represents the iteration implementation for walking
// through the records. This implements the nullifier.Iterator interface.
type memoryIterator struct {
	records []nullifier.Record
	current int
	eor     bool
}

// Next retrieves the next record.
func (mi *memoryIterator) Next() (nullifier.Record, error) {
	if mi.eor || mi.current >= len(mi.records) {
		mi.eor = true
		return nullifier.Record{}, errors.New("end of records")
	}

	r := mi.records[mi.current]
	mi.current++

	return r, nil
}

// Done returns the end of records value.
func (mi *memoryIterator) Done() bool {
	return mi.eor
}
