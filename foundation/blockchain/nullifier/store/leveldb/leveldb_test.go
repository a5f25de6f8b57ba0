package leveldb_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier/store/leveldb"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, time.April, 3, 9, 0, 0, 0, time.UTC)

func newKey(t time.Time, hash uint64) nullifier.Key {
	return nullifier.Key{
		ExternalNullifier: proof.NewExternalNullifier(3, t),
		NullifierHash:     *uint256.NewInt(hash),
	}
}

func collect(t *testing.T, s nullifier.Storage) []nullifier.Record {
	var records []nullifier.Record

	iter := s.ForEach()
	for r, err := iter.Next(); !iter.Done(); r, err = iter.Next() {
		require.NoError(t, err)
		records = append(records, r)
	}

	return records
}

func TestWriteForEach(t *testing.T) {
	db, err := leveldb.New("")
	require.NoError(t, err)
	defer db.Close()

	prev := newKey(start.AddDate(0, -1, 0), 1)
	curr := newKey(start, 2)

	require.NoError(t, db.Write(nullifier.Record{Key: curr, Committed: 4}))
	require.NoError(t, db.Write(nullifier.Record{Key: prev, Committed: 30}))

	records := collect(t, db)
	require.Len(t, records, 2)
	require.Equal(t, prev, records[0].Key, "records are ordered by window")
	require.Equal(t, uint16(30), records[0].Committed)
	require.Equal(t, curr, records[1].Key)

	require.NoError(t, db.Write(nullifier.Record{Key: curr, Committed: 0}))
	require.Len(t, collect(t, db), 1)

	require.NoError(t, db.Prune(curr.Window()))
	require.Empty(t, collect(t, db))
}

func TestRegistryPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nullifiers")
	clock := func() time.Time { return start }
	key := newKey(start, 77)

	db, err := leveldb.New(path)
	require.NoError(t, err)

	r, err := nullifier.New(nullifier.Config{Quota: 2, Storage: db, Clock: clock})
	require.NoError(t, err)

	tk, err := r.Reserve(key)
	require.NoError(t, err)
	require.NoError(t, r.Commit(tk, "job"))

	_, err = r.Reserve(key)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = leveldb.New(path)
	require.NoError(t, err)
	defer db.Close()

	r, err = nullifier.New(nullifier.Config{Quota: 2, Storage: db, Clock: clock})
	require.NoError(t, err)

	u := r.Usage(key)
	require.Equal(t, uint16(1), u.Committed, "committed usage survives a restart")
	require.Equal(t, 0, u.Reserved, "reservations do not survive a restart")

	r, err = nullifier.New(nullifier.Config{Quota: 2, Storage: db, Clock: clock, Clear: true})
	require.NoError(t, err)
	require.Equal(t, uint16(0), r.Usage(key).Committed)
	require.Empty(t, collect(t, db))
}
