package kv

import (
	"testing"

	"github.com/nestybox/kernelcore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database {
	t.Helper()
	s := NewService()
	s.Setup(0)
	db, err := s.OpenDatabase("app1", "db1", 1)
	require.NoError(t, err)
	return db.(*database)
}

func TestAutoIncrementAssignsSequentialKeys(t *testing.T) {
	db := newTestDB(t)
	tx, err := db.Transaction(domain.Versionchange, nil)
	require.NoError(t, err)
	store, err := tx.CreateObjectStore("widgets", true)
	require.NoError(t, err)

	k1, err := store.Put(nil, []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, k1.NumValue)

	k2, err := store.Put(nil, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, k2.NumValue)
	require.NoError(t, tx.Commit())
}

func TestReadonlyTransactionRejectsWrites(t *testing.T) {
	db := newTestDB(t)
	vtx, _ := db.Transaction(domain.Versionchange, nil)
	_, err := vtx.CreateObjectStore("widgets", false)
	require.NoError(t, err)
	require.NoError(t, vtx.Commit())

	rtx, err := db.Transaction(domain.Readonly, []string{"widgets"})
	require.NoError(t, err)
	store, ok := rtx.Store("widgets")
	require.True(t, ok)

	key := domain.KVKey{StrValue: "a"}
	_, err = store.Put(&key, []byte("v"))
	assert.ErrorIs(t, err, ErrReadOnly)
	require.NoError(t, rtx.Commit())
}

func TestCreateObjectStoreRequiresVersionchange(t *testing.T) {
	db := newTestDB(t)
	rtx, err := db.Transaction(domain.Readwrite, nil)
	require.NoError(t, err)
	_, err = rtx.CreateObjectStore("widgets", false)
	assert.ErrorIs(t, err, ErrNeedsVersionTx)
	require.NoError(t, rtx.Commit())
}

func TestPutGetDeleteRoundtrip(t *testing.T) {
	db := newTestDB(t)
	vtx, _ := db.Transaction(domain.Versionchange, nil)
	store, err := vtx.CreateObjectStore("widgets", false)
	require.NoError(t, err)

	key := domain.KVKey{StrValue: "gadget"}
	_, err = store.Put(&key, []byte("payload"))
	require.NoError(t, err)

	v, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, "payload", string(v))

	require.NoError(t, store.Delete(key))
	_, ok = store.Get(key)
	assert.False(t, ok)
	require.NoError(t, vtx.Commit())
}

func TestSecondaryIndexLookup(t *testing.T) {
	db := newTestDB(t)
	vtx, _ := db.Transaction(domain.Versionchange, nil)
	store, err := vtx.CreateObjectStore("people", true)
	require.NoError(t, err)

	_, err = store.Put(nil, []byte("alice@example.com"))
	require.NoError(t, err)
	_, err = store.Put(nil, []byte("bob@example.com"))
	require.NoError(t, err)

	err = store.CreateIndex("by_email", func(value []byte) (domain.KVKey, bool) {
		return domain.KVKey{StrValue: string(value)}, true
	})
	require.NoError(t, err)

	v, ok := store.GetByIndex("by_email", domain.KVKey{StrValue: "bob@example.com"})
	require.True(t, ok)
	assert.Equal(t, "bob@example.com", string(v))
	require.NoError(t, vtx.Commit())
}

func TestCursorIsPointInTimeSnapshot(t *testing.T) {
	db := newTestDB(t)
	vtx, _ := db.Transaction(domain.Versionchange, nil)
	store, err := vtx.CreateObjectStore("widgets", true)
	require.NoError(t, err)

	store.Put(nil, []byte("one"))
	store.Put(nil, []byte("two"))

	cur := store.OpenCursor()
	store.Put(nil, []byte("three")) // written after the cursor snapshot

	var seen []string
	for {
		e, ok := cur.Advance()
		if !ok {
			break
		}
		seen = append(seen, string(e.Value))
	}
	assert.Equal(t, []string{"one", "two"}, seen)
	require.NoError(t, vtx.Commit())
}

func TestCursorResetRewinds(t *testing.T) {
	db := newTestDB(t)
	vtx, _ := db.Transaction(domain.Versionchange, nil)
	store, err := vtx.CreateObjectStore("widgets", true)
	require.NoError(t, err)
	store.Put(nil, []byte("one"))

	cur := store.OpenCursor()
	_, ok := cur.Advance()
	require.True(t, ok)
	_, ok = cur.Advance()
	require.False(t, ok)

	cur.Reset()
	_, ok = cur.Advance()
	assert.True(t, ok)
	require.NoError(t, vtx.Commit())
}

func TestQuotaExceededRejectsPut(t *testing.T) {
	s := NewService()
	s.Setup(16) // tiny quota
	dbIface, err := s.OpenDatabase("app1", "db1", 1)
	require.NoError(t, err)
	db := dbIface.(*database)

	vtx, _ := db.Transaction(domain.Versionchange, nil)
	store, err := vtx.CreateObjectStore("widgets", false)
	require.NoError(t, err)

	key := domain.KVKey{StrValue: "k"}
	_, err = store.Put(&key, make([]byte, 32))
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	require.NoError(t, vtx.Commit())
}

func TestQuotaUsedTracksDeletes(t *testing.T) {
	s := NewService()
	s.Setup(0)
	dbIface, _ := s.OpenDatabase("app1", "db1", 1)
	db := dbIface.(*database)

	vtx, _ := db.Transaction(domain.Versionchange, nil)
	store, _ := vtx.CreateObjectStore("widgets", false)

	key := domain.KVKey{StrValue: "k"}
	store.Put(&key, make([]byte, 100))
	assert.EqualValues(t, 100, s.QuotaUsed("app1"))

	store.Delete(key)
	assert.EqualValues(t, 0, s.QuotaUsed("app1"))
	require.NoError(t, vtx.Commit())
}

func TestOpenDatabaseRejectsDowngrade(t *testing.T) {
	s := NewService()
	s.Setup(0)
	_, err := s.OpenDatabase("app1", "db1", 5)
	require.NoError(t, err)

	_, err = s.OpenDatabase("app1", "db1", 2)
	assert.ErrorIs(t, err, ErrVersionError)
}

func TestDeleteObjectStoreRequiresVersionchange(t *testing.T) {
	db := newTestDB(t)
	vtx, _ := db.Transaction(domain.Versionchange, nil)
	_, err := vtx.CreateObjectStore("widgets", false)
	require.NoError(t, err)
	require.NoError(t, vtx.Commit())

	rtx, _ := db.Transaction(domain.Readwrite, nil)
	err = rtx.DeleteObjectStore("widgets")
	assert.ErrorIs(t, err, ErrNeedsVersionTx)
	require.NoError(t, rtx.Commit())

	vtx2, _ := db.Transaction(domain.Versionchange, nil)
	require.NoError(t, vtx2.DeleteObjectStore("widgets"))
	_, ok := vtx2.Store("widgets")
	assert.False(t, ok)
	require.NoError(t, vtx2.Commit())
}

func TestCanonicalKeyOrderingNumericBeforeString(t *testing.T) {
	numeric := domain.KVKey{Numeric: true, NumValue: 1}
	str := domain.KVKey{StrValue: "a"}
	assert.Less(t, numeric.CanonicalString(), str.CanonicalString())
}

func TestDeleteDatabaseRemovesIt(t *testing.T) {
	s := NewService()
	s.Setup(0)
	_, err := s.OpenDatabase("app1", "db1", 1)
	require.NoError(t, err)
	require.NoError(t, s.DeleteDatabase("app1", "db1"))

	// re-opening after delete starts fresh at the requested version
	dbIface, err := s.OpenDatabase("app1", "db1", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dbIface.Version())
}
