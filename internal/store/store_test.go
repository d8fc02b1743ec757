package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/botsync/internal/crdt"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time { return time.UnixMilli(1000) }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// textUpdates returns one update per inserted chunk.
func textUpdates(t *testing.T, chunks ...string) [][]byte {
	t.Helper()
	doc := crdt.NewDoc(crdt.WithClientID(42))
	var out [][]byte
	doc.OnTransaction().Subscribe(func(txn *crdt.Transaction) { out = append(out, txn.Update()) })
	for _, c := range chunks {
		err := doc.Transact(nil, func(txn *crdt.Transaction) error {
			text := doc.Text("t")
			text.Insert(txn, text.Len(), c)
			return nil
		})
		require.NoError(t, err)
	}
	return out
}

func rebuild(t *testing.T, updates [][]byte) string {
	t.Helper()
	doc := crdt.NewDoc()
	for _, u := range updates {
		require.NoError(t, doc.ApplyUpdate(u, nil))
	}
	return doc.Text("t").String()
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"branch_updates", "branch_snapshots"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
}

func TestAppendUpdates_OrderedAndDeduplicated(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := "rec/inst/main"

	require.NoError(t, s.AppendUpdates(ctx, key, [][]byte{[]byte("a"), []byte("b")}, []int64{5}))
	require.NoError(t, s.AppendUpdates(ctx, key, [][]byte{[]byte("b"), []byte("c")}, nil))

	got, err := s.ReadUpdates(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("a"), got[0].Data)
	assert.Equal(t, int64(5), got[0].CreatedAt)
	assert.Equal(t, int64(1000), got[1].CreatedAt)
	assert.Equal(t, []byte("c"), got[2].Data)
	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].Seq, got[1].Seq, got[2].Seq})

	after, err := s.ReadUpdates(ctx, key, 2)
	require.NoError(t, err)
	assert.Len(t, after, 1)
}

func TestAppendUpdates_BranchesAreIndependent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUpdates(ctx, "r/i/a", []byte("x")))
	require.NoError(t, s.SaveUpdates(ctx, "r/i/b", []byte("x")))

	updates, _, err := s.LoadBranch(ctx, "r/i/b")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("x")}, updates)
}

func TestCompact_PreservesDocument(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := "rec/inst/main"

	updates := textUpdates(t, "hel", "lo", " world")
	require.NoError(t, s.AppendUpdates(ctx, key, updates[:2], nil))

	res, err := s.Compact(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Before)
	assert.Equal(t, int64(2), res.Through)

	require.NoError(t, s.AppendUpdates(ctx, key, updates[2:], nil))
	loaded, _, err := s.LoadBranch(ctx, key)
	require.NoError(t, err)
	require.Len(t, loaded, 2, "snapshot plus one update")
	assert.Equal(t, "hello world", rebuild(t, loaded))

	raw, err := s.ReadUpdates(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, int64(3), raw[0].Seq, "seq continues after the snapshot")

	res, err = s.Compact(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Before)
	loaded, _, err = s.LoadBranch(ctx, key)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "hello world", rebuild(t, loaded))
}

func TestCompact_NothingToDo(t *testing.T) {
	s := createTestStore(t)

	res, err := s.Compact(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Before)
}

func TestBranchesAndDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUpdates(ctx, "r/i/b", []byte("xyz")))
	require.NoError(t, s.AppendUpdates(ctx, "r/i/a", textUpdates(t, "abc"), nil))
	_, err := s.Compact(ctx, "r/i/a")
	require.NoError(t, err)

	branches, err := s.Branches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "r/i/a", branches[0].Key)
	assert.True(t, branches[0].Snapshot)
	assert.Equal(t, 0, branches[0].Updates)
	assert.Equal(t, BranchInfo{Key: "r/i/b", Updates: 1, Bytes: 3}, branches[1])

	require.NoError(t, s.DeleteBranch(ctx, "r/i/a"))
	branches, err = s.Branches(ctx)
	require.NoError(t, err)
	assert.Len(t, branches, 1)
}
