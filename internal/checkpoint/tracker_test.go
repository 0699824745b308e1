package checkpoint

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagevault/pagevault/pkg/errors"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadMissingIsFreshStart(t *testing.T) {
	t.Parallel()

	tr := NewTracker(t.TempDir(), 0, quietLogger())
	cp, err := tr.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.NotEmpty(t, tr.RunID())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := NewTracker(dir, 0, quietLogger())

	tr.SetPhase("crawling_databases")
	tr.SetDatabaseCursor("db-1", "cursor-42")
	tr.MarkDatabaseComplete("db-0")
	require.True(t, tr.MarkExported("pages", "page-1"))
	require.True(t, tr.MarkExported("blocks", "block-1"))
	require.NoError(t, tr.Save())

	resumed := NewTracker(dir, 0, quietLogger())
	cp, err := resumed.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)

	assert.Equal(t, tr.RunID(), resumed.RunID())
	assert.Equal(t, "crawling_databases", cp.Phase)
	assert.Equal(t, "cursor-42", resumed.DatabaseCursor("db-1"))
	assert.True(t, resumed.IsDatabaseComplete("db-0"))
	assert.True(t, resumed.IsExported("pages", "page-1"))
	assert.True(t, resumed.IsExported("blocks", "block-1"))
	assert.False(t, resumed.IsExported("pages", "page-2"))
}

func TestResumeSkipsRecordedIDs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := NewTracker(dir, 0, quietLogger())
	require.True(t, tr.MarkExported("pages", "page-1"))
	require.NoError(t, tr.Save())

	resumed := NewTracker(dir, 0, quietLogger())
	_, err := resumed.Load()
	require.NoError(t, err)

	// An id in the exported set must never be re-exported after resume.
	assert.False(t, resumed.MarkExported("pages", "page-1"))
	assert.True(t, resumed.MarkExported("pages", "page-2"))
}

func TestMarkExportedDeduplicates(t *testing.T) {
	t.Parallel()

	tr := NewTracker(t.TempDir(), 0, quietLogger())

	assert.True(t, tr.MarkExported("pages", "p1"))
	assert.False(t, tr.MarkExported("pages", "p1"))
	assert.True(t, tr.MarkExported("blocks", "p1"))

	counts := tr.Counts()
	assert.Equal(t, 1, counts["pages"])
	assert.Equal(t, 1, counts["blocks"])
}

func TestCountOnlyTypes(t *testing.T) {
	t.Parallel()

	tr := NewTracker(t.TempDir(), 0, quietLogger())

	// Users and properties are tracked by count only; every mark counts.
	assert.True(t, tr.MarkExported("users", "u1"))
	assert.True(t, tr.MarkExported("users", "u1"))
	assert.Equal(t, 2, tr.Counts()["users"])
	assert.False(t, tr.IsExported("users", "u1"))
}

func TestCorruptCheckpoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkpointFile), []byte("{not json"), 0640))

	tr := NewTracker(dir, 0, quietLogger())
	_, err := tr.Load()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCheckpointCorrupt, errors.CodeOf(err))
}

func TestDeleteRemovesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := NewTracker(dir, 0, quietLogger())
	require.NoError(t, tr.Save())
	require.FileExists(t, filepath.Join(dir, checkpointFile))

	require.NoError(t, tr.Delete())
	assert.NoFileExists(t, filepath.Join(dir, checkpointFile))

	// Deleting again is a no-op.
	require.NoError(t, tr.Delete())
}

func TestRunLockExclusive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := NewTracker(dir, 0, quietLogger())
	require.NoError(t, first.AcquireLock())

	second := NewTracker(dir, 0, quietLogger())
	err := second.AcquireLock()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRunLocked, errors.CodeOf(err))

	first.ReleaseLock()
	require.NoError(t, second.AcquireLock())
	second.ReleaseLock()
}

func TestReleaseLockWithoutAcquire(t *testing.T) {
	t.Parallel()

	tr := NewTracker(t.TempDir(), 0, quietLogger())
	tr.ReleaseLock()
}

func TestAutoFlushPersistsPeriodically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := NewTracker(dir, 10*time.Millisecond, quietLogger())
	tr.MarkExported("pages", "p1")

	tr.StartAutoFlush()
	defer tr.StopAutoFlush()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, checkpointFile))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	resumed := NewTracker(dir, 0, quietLogger())
	cp, err := resumed.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, resumed.IsExported("pages", "p1"))
}

func TestStopAutoFlushIdempotent(t *testing.T) {
	t.Parallel()

	tr := NewTracker(t.TempDir(), time.Millisecond, quietLogger())
	tr.StartAutoFlush()
	tr.StopAutoFlush()
	tr.StopAutoFlush()
}

func TestCommentTargetsPersistAcrossRuns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := NewTracker(dir, 0, quietLogger())
	tr.AddCommentTarget("p2")
	tr.AddCommentTarget("p1")
	tr.AddCommentTarget("p1")
	assert.Equal(t, []string{"p1", "p2"}, tr.CommentTargets())

	tr.CommentTargetDone("p2")
	require.NoError(t, tr.Save())

	resumed := NewTracker(dir, 0, quietLogger())
	cp, err := resumed.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, []string{"p1"}, resumed.CommentTargets())
}

func TestSaveCallbackFires(t *testing.T) {
	t.Parallel()

	tr := NewTracker(t.TempDir(), 0, quietLogger())
	saves := 0
	tr.SetOnSave(func() { saves++ })

	require.NoError(t, tr.Save())
	require.NoError(t, tr.Save())
	assert.Equal(t, 2, saves)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	tr := NewTracker(t.TempDir(), 0, quietLogger())
	tr.MarkExported("pages", "p1")

	snap := tr.Snapshot()
	snap.ExportedPages["p2"] = true

	assert.False(t, tr.IsExported("pages", "p2"))
}
