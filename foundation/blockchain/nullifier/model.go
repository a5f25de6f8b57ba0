package nullifier

import (
	"fmt"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Key identifies a quota bucket: one identity acting within one external
// nullifier scope.
type Key struct {
	ExternalNullifier proof.ExternalNullifier
	NullifierHash     uint256.Int
}

// KeyOf returns the bucket key for the specified proof.
func KeyOf(p proof.Proof) Key {
	return Key{
		ExternalNullifier: p.ExternalNullifier,
		NullifierHash:     p.NullifierHash,
	}
}

// Window returns the window the bucket belongs to.
func (k Key) Window() proof.Window {
	return k.ExternalNullifier.Window()
}

// String implements the Stringer interface for logging.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.ExternalNullifier, k.NullifierHash.Hex())
}

// stripe returns the lock stripe for the key. Nullifier hashes are uniformly
// distributed field elements so the low word is enough.
func (k Key) stripe() int {
	return int(k.NullifierHash[0] % numStripes)
}

// =============================================================================

// Ticket is a reservation against a bucket's quota.
type Ticket struct {
	ID  uuid.UUID
	Key Key
}

// String implements the Stringer interface for logging.
func (t Ticket) String() string {
	return fmt.Sprintf("%s[%s]", t.ID, t.Key)
}

// Usage represents the state of a bucket.
type Usage struct {
	Window    proof.Window
	Quota     uint16
	Committed uint16
	Reserved  int
}

// Available returns how many more reservations the bucket accepts.
func (u Usage) Available() int {
	n := int(u.Quota) - int(u.Committed) - u.Reserved
	if n < 0 {
		return 0
	}
	return n
}

// Stats summarizes the registry.
type Stats struct {
	Window    proof.Window
	Buckets   int
	Reserved  int
	Committed int
	Held      int
}

// =============================================================================

// Record is the persisted form of a bucket. Only committed usage survives a
// restart, reservations are rebuilt from the pool.
type Record struct {
	Key       Key
	Committed uint16
}

// Storage interface represents the behavior required to be implemented by
// any package providing support for persisting committed nullifier usage.
type Storage interface {
	Write(r Record) error
	ForEach() Iterator
	Prune(before proof.Window) error
	Reset() error
	Close() error
}

// Iterator interface represents the behavior required to be implemented by
// any package providing support to iterate over the records.
type Iterator interface {
	Next() (Record, error)
	Done() bool
}
