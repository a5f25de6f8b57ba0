// Package leveldb implements the ability to read and write nullifier usage
// records to a LevelDB database.
package leveldb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// keyLen is the size of an encoded key: window, external nullifier and
// nullifier hash.
const keyLen = 4 + 8 + 32

// LevelDB represents the serialization implementation for reading and
// storing records in LevelDB. Keys start with the big endian window so
// pruning is a range delete. This implements the nullifier.Storage
// interface.
type LevelDB struct {
	db *leveldb.DB
}

// New opens or creates a database at the specified path. An empty path uses
// in-memory storage.
func New(path string) (*LevelDB, error) {
	var db *leveldb.DB
	var err error

	switch path {
	case "":
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	default:
		db, err = leveldb.OpenFile(path, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("open database at %q: %w", path, err)
	}

	return &LevelDB{db: db}, nil
}

// Close closes the database.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

// Write stores the record. A record with no committed usage deletes the key.
func (l *LevelDB) Write(r nullifier.Record) error {
	key := encodeKey(r.Key)

	if r.Committed == 0 {
		return l.db.Delete(key, nil)
	}

	var value [2]byte
	binary.BigEndian.PutUint16(value[:], r.Committed)

	return l.db.Put(key, value[:], nil)
}

// ForEach returns an iterator to walk through the records in key order.
func (l *LevelDB) ForEach() nullifier.Iterator {
	return &levelIterator{iter: l.db.NewIterator(nil, nil)}
}

// Prune removes every record scoped to a window before the specified one.
func (l *LevelDB) Prune(before proof.Window) error {
	var limit [4]byte
	binary.BigEndian.PutUint32(limit[:], uint32(before))

	return l.deleteRange(&util.Range{Limit: limit[:]})
}

// Reset will clear out every record.
func (l *LevelDB) Reset() error {
	return l.deleteRange(nil)
}

// deleteRange removes every key inside the range in one batch.
func (l *LevelDB) deleteRange(r *util.Range) error {
	iter := l.db.NewIterator(r, nil)
	defer iter.Release()

	var batch leveldb.Batch
	for iter.Next() {
		batch.Delete(iter.Key())
	}
	if err := iter.Error(); err != nil {
		return err
	}

	return l.db.Write(&batch, nil)
}

// =============================================================================

// levelIterator represents the iteration implementation for walking through
// the records. This implements the nullifier.Iterator interface.
type levelIterator struct {
	iter iterator.Iterator
	eor  bool
}

// Next retrieves the next record. The underlying iterator is released once
// the end is reached or a record can't be decoded, errors are left for the
// caller to see before Done reports true.
func (li *levelIterator) Next() (nullifier.Record, error) {
	if li.eor {
		return nullifier.Record{}, errors.New("end of records")
	}

	if !li.iter.Next() {
		err := li.iter.Error()
		li.iter.Release()
		if err != nil {
			return nullifier.Record{}, err
		}
		li.eor = true
		return nullifier.Record{}, errors.New("end of records")
	}

	key, err := decodeKey(li.iter.Key())
	if err != nil {
		li.iter.Release()
		return nullifier.Record{}, err
	}

	value := li.iter.Value()
	if len(value) != 2 {
		li.iter.Release()
		return nullifier.Record{}, fmt.Errorf("record %s: value has %d bytes", key, len(value))
	}

	r := nullifier.Record{
		Key:       key,
		Committed: binary.BigEndian.Uint16(value),
	}

	return r, nil
}

// Done returns the end of records value.
func (li *levelIterator) Done() bool {
	return li.eor
}

// =============================================================================

func encodeKey(k nullifier.Key) []byte {
	key := make([]byte, keyLen)

	en := k.ExternalNullifier.Encode()
	binary.BigEndian.PutUint32(key[0:4], uint32(k.Window()))
	binary.BigEndian.PutUint64(key[4:12], en.Uint64())

	hash := k.NullifierHash.Bytes32()
	copy(key[12:], hash[:])

	return key
}

func decodeKey(key []byte) (nullifier.Key, error) {
	if len(key) != keyLen {
		return nullifier.Key{}, fmt.Errorf("key has %d bytes", len(key))
	}

	var raw uint256.Int
	raw.SetUint64(binary.BigEndian.Uint64(key[4:12]))

	en, err := proof.DecodeExternalNullifier(raw)
	if err != nil {
		return nullifier.Key{}, err
	}

	var hash uint256.Int
	hash.SetBytes(key[12:])

	return nullifier.Key{ExternalNullifier: en, NullifierHash: hash}, nil
}
