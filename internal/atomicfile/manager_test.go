package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagevault/pagevault/pkg/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "backups"))
	require.NoError(t, err)
	return m
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestCommitAppliesInOrder(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "page.json")

	id, err := m.Begin()
	require.NoError(t, err)

	// Validation sees the effective state after queued operations, so an
	// update of a file a queued create will produce is legal.
	require.NoError(t, m.AddOperation(id, FileOperation{
		Type: OpCreate, TargetPath: path, Data: []byte("v1"),
	}))
	require.NoError(t, m.AddOperation(id, FileOperation{
		Type: OpUpdate, TargetPath: path, Data: []byte("v2"),
	}))
	require.NoError(t, m.Commit(id))

	assert.Equal(t, "v2", readFile(t, path))
}

func TestCommitCreateUpdateDelete(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	writeFile(t, b, "old-b")

	id, err := m.Begin()
	require.NoError(t, err)

	require.NoError(t, m.AddOperation(id, FileOperation{Type: OpCreate, TargetPath: a, Data: []byte("new-a")}))
	require.NoError(t, m.AddOperation(id, FileOperation{Type: OpUpdate, TargetPath: b, Data: []byte("new-b")}))
	require.NoError(t, m.Commit(id))

	assert.Equal(t, "new-a", readFile(t, a))
	assert.Equal(t, "new-b", readFile(t, b))

	st, err := m.TransactionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, st)
}

func TestValidationFailureRollsBackPartialQueue(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.json")
	writeFile(t, existing, "keep-me")

	id, err := m.Begin()
	require.NoError(t, err)

	require.NoError(t, m.AddOperation(id, FileOperation{
		Type: OpUpdate, TargetPath: existing, Data: []byte("changed"),
	}))

	// Updating a missing file is a validation error: nothing may execute and
	// the already-queued operation is discarded with the transaction.
	err = m.AddOperation(id, FileOperation{
		Type: OpUpdate, TargetPath: filepath.Join(dir, "missing.json"), Data: []byte("x"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTransactionValidation, errors.CodeOf(err))

	assert.Equal(t, "keep-me", readFile(t, existing))

	st, err := m.TransactionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, st)

	// The dead transaction refuses further work.
	err = m.Commit(id)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTransactionState, errors.CodeOf(err))
}

func TestCommitFailureRestoresPriorState(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	writeFile(t, b, "original-b")

	id, err := m.Begin()
	require.NoError(t, err)

	require.NoError(t, m.AddOperation(id, FileOperation{Type: OpCreate, TargetPath: a, Data: []byte("new-a")}))
	require.NoError(t, m.AddOperation(id, FileOperation{Type: OpUpdate, TargetPath: b, Data: []byte("new-b")}))
	// The third operation nests its target under a path the first operation
	// creates as a regular file, so it validates fine but fails at apply time.
	require.NoError(t, m.AddOperation(id, FileOperation{
		Type: OpCreate, TargetPath: filepath.Join(a, "child.json"), Data: []byte("x"),
	}))

	err = m.Commit(id)
	require.Error(t, err)

	// Every path is back to its pre-Begin content.
	assert.NoFileExists(t, a)
	assert.Equal(t, "original-b", readFile(t, b))

	st, err := m.TransactionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, st)
}

func TestMoveAndRollback(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.json")
	dst := filepath.Join(dir, "nested", "dst.json")
	writeFile(t, src, "payload")

	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.AddOperation(id, FileOperation{Type: OpMove, SourcePath: src, TargetPath: dst}))
	require.NoError(t, m.Commit(id))

	assert.NoFileExists(t, src)
	assert.Equal(t, "payload", readFile(t, dst))
}

func TestExplicitRollbackIsIdempotent(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	writeFile(t, path, "before")

	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.AddOperation(id, FileOperation{Type: OpUpdate, TargetPath: path, Data: []byte("after")}))
	require.NoError(t, m.Commit(id))
	require.Equal(t, "after", readFile(t, path))

	// Rolling back a committed transaction changes nothing, repeatedly.
	require.NoError(t, m.Rollback(id))
	require.NoError(t, m.Rollback(id))
	assert.Equal(t, "after", readFile(t, path))
}

func TestValidationRejectsMalformedOperations(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir := t.TempDir()
	existing := filepath.Join(dir, "here.json")
	writeFile(t, existing, "x")

	tests := []struct {
		name string
		op   FileOperation
	}{
		{"missing target", FileOperation{Type: OpCreate, Data: []byte("x")}},
		{"create without data", FileOperation{Type: OpCreate, TargetPath: filepath.Join(dir, "new.json")}},
		{"create over existing", FileOperation{Type: OpCreate, TargetPath: existing, Data: []byte("x")}},
		{"delete missing", FileOperation{Type: OpDelete, TargetPath: filepath.Join(dir, "gone.json")}},
		{"move without source", FileOperation{Type: OpMove, TargetPath: filepath.Join(dir, "dst.json")}},
		{"move missing source", FileOperation{Type: OpMove, SourcePath: filepath.Join(dir, "gone.json"), TargetPath: filepath.Join(dir, "dst.json")}},
		{"unknown type", FileOperation{Type: "truncate", TargetPath: existing}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := m.Begin()
			require.NoError(t, err)

			err = m.AddOperation(id, tt.op)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeTransactionValidation, errors.CodeOf(err))
		})
	}
}

func TestUnknownTransaction(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	err := m.AddOperation("nope", FileOperation{Type: OpDelete, TargetPath: "/tmp/x"})
	assert.Equal(t, errors.ErrCodeTransactionState, errors.CodeOf(err))
	err = m.Commit("nope")
	assert.Equal(t, errors.ErrCodeTransactionState, errors.CodeOf(err))
	err = m.Rollback("nope")
	assert.Equal(t, errors.ErrCodeTransactionState, errors.CodeOf(err))
}

func TestIndependentTransactions(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")

	id1, err := m.Begin()
	require.NoError(t, err)
	id2, err := m.Begin()
	require.NoError(t, err)

	require.NoError(t, m.AddOperation(id1, FileOperation{Type: OpCreate, TargetPath: a, Data: []byte("a")}))
	require.NoError(t, m.AddOperation(id2, FileOperation{Type: OpCreate, TargetPath: b, Data: []byte("b")}))

	// Rolling back one transaction leaves the other committable.
	require.NoError(t, m.Rollback(id1))
	require.NoError(t, m.Commit(id2))

	assert.NoFileExists(t, a)
	assert.Equal(t, "b", readFile(t, b))
}

func TestCleanupRemovesOldBackups(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	writeFile(t, path, "v1")

	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.AddOperation(id, FileOperation{Type: OpUpdate, TargetPath: path, Data: []byte("v2")}))
	require.NoError(t, m.Commit(id))

	m.mu.Lock()
	backupDir := m.transactions[id].backupDir
	m.mu.Unlock()
	require.DirExists(t, backupDir)

	// maxAge 0 makes everything terminated eligible immediately.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Cleanup(0))
	assert.NoDirExists(t, backupDir)

	_, err = m.TransactionStatus(id)
	assert.Error(t, err)
}

func TestCleanupSweepsStaleDirsFromEarlierRuns(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "backups")
	m, err := NewManager(root)
	require.NoError(t, err)

	// A backup dir left behind by a crashed earlier run: on disk but unknown
	// to this manager.
	stale := filepath.Join(root, "old-run-tx")
	require.NoError(t, os.MkdirAll(stale, 0750))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(root, "recent-tx")
	require.NoError(t, os.MkdirAll(fresh, 0750))

	require.NoError(t, m.Cleanup(24*time.Hour))
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
}

func TestCleanupSkipsPending(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	id, err := m.Begin()
	require.NoError(t, err)

	require.NoError(t, m.Cleanup(0))

	st, err := m.TransactionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)
}
