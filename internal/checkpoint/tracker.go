// Package checkpoint persists crawl progress so an interrupted run can be
// resumed without re-fetching or re-writing completed work.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagevault/pagevault/pkg/errors"
)

const (
	checkpointFile = ".pagevault-checkpoint.json"
	lockFile       = ".pagevault-run.lock"
)

// Checkpoint is the durable snapshot of a crawl. It is read once at startup,
// written periodically and on any terminating error, and deleted on success.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Phase     string    `json:"phase"`

	// DatabaseCursors maps a database id to the pagination cursor the next
	// query should start from. A database absent from the map has not been
	// queried yet; one present in CompletedDatabases is fully exported.
	DatabaseCursors    map[string]string `json:"database_cursors"`
	CompletedDatabases map[string]bool   `json:"completed_databases"`

	ExportedPages     map[string]bool `json:"exported_pages"`
	ExportedBlocks    map[string]bool `json:"exported_blocks"`
	ExportedDatabases map[string]bool `json:"exported_databases"`
	ExportedComments  map[string]bool `json:"exported_comments"`

	// PendingComments holds page ids whose comment sweep has not completed.
	// A page stays here until its comment pagination finishes cleanly, so a
	// resumed run re-fetches comments for pages exported before a crash.
	PendingComments map[string]bool `json:"pending_comments"`

	Counts    map[string]int `json:"counts"`
	LastError string         `json:"last_error,omitempty"`
}

func newCheckpoint() *Checkpoint {
	return &Checkpoint{
		RunID:              uuid.NewString(),
		StartedAt:          time.Now().UTC(),
		DatabaseCursors:    make(map[string]string),
		CompletedDatabases: make(map[string]bool),
		ExportedPages:      make(map[string]bool),
		ExportedBlocks:     make(map[string]bool),
		ExportedDatabases:  make(map[string]bool),
		ExportedComments:   make(map[string]bool),
		PendingComments:    make(map[string]bool),
		Counts:             make(map[string]int),
	}
}

// Tracker owns one output directory's checkpoint file and run lock. All
// mutators are safe for concurrent use by crawl workers.
type Tracker struct {
	dir      string
	interval time.Duration
	logger   *slog.Logger

	mu sync.Mutex
	cp *Checkpoint

	onSave    func()
	lockHeld  bool
	flushStop chan struct{}
	flushDone chan struct{}
}

// NewTracker creates a tracker for the given output directory. flushInterval
// controls the background persistence cadence; zero disables auto-flush.
func NewTracker(outputDir string, flushInterval time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		dir:      outputDir,
		interval: flushInterval,
		logger:   logger,
		cp:       newCheckpoint(),
	}
}

func (t *Tracker) checkpointPath() string { return filepath.Join(t.dir, checkpointFile) }
func (t *Tracker) lockPath() string       { return filepath.Join(t.dir, lockFile) }

// AcquireLock takes the exclusive run lock for the output directory. A second
// concurrent run against the same directory is rejected with RUN_LOCKED.
func (t *Tracker) AcquireLock() error {
	if err := os.MkdirAll(t.dir, 0750); err != nil {
		return errors.NewError(errors.ErrCodeFileWrite, "failed to create output directory").
			WithComponent("checkpoint").WithCause(err)
	}

	f, err := os.OpenFile(t.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		if os.IsExist(err) {
			return errors.NewError(errors.ErrCodeRunLocked,
				fmt.Sprintf("another run holds the lock for %s", t.dir)).
				WithComponent("checkpoint")
		}
		return errors.NewError(errors.ErrCodeFileWrite, "failed to create run lock").
			WithComponent("checkpoint").WithCause(err)
	}
	fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	f.Close()

	t.mu.Lock()
	t.lockHeld = true
	t.mu.Unlock()
	return nil
}

// ReleaseLock drops the run lock. Safe to call when the lock is not held.
func (t *Tracker) ReleaseLock() {
	t.mu.Lock()
	held := t.lockHeld
	t.lockHeld = false
	t.mu.Unlock()
	if held {
		if err := os.Remove(t.lockPath()); err != nil {
			t.logger.Warn("failed to remove run lock", "error", err)
		}
	}
}

// Load reads a prior checkpoint from disk and adopts it as the current state.
// A missing file is not an error and returns (nil, nil): the run starts fresh.
func (t *Tracker) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(t.checkpointPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewError(errors.ErrCodeFileRead, "failed to read checkpoint").
			WithComponent("checkpoint").WithCause(err)
	}

	cp := newCheckpoint()
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, errors.NewError(errors.ErrCodeCheckpointCorrupt, "checkpoint file is not valid JSON").
			WithComponent("checkpoint").WithCause(err)
	}

	t.mu.Lock()
	t.cp = cp
	t.mu.Unlock()

	t.logger.Info("resumed from checkpoint",
		"run_id", cp.RunID,
		"phase", cp.Phase,
		"exported_pages", len(cp.ExportedPages),
		"exported_blocks", len(cp.ExportedBlocks))
	return cp, nil
}

// Save persists the current state atomically (temp file + rename).
func (t *Tracker) Save() error {
	t.mu.Lock()
	t.cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(t.cp, "", "  ")
	t.mu.Unlock()
	if err != nil {
		return errors.NewError(errors.ErrCodeCheckpointWrite, "failed to encode checkpoint").
			WithComponent("checkpoint").WithCause(err)
	}

	tmp := t.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return errors.NewError(errors.ErrCodeCheckpointWrite, "failed to write checkpoint").
			WithComponent("checkpoint").WithCause(err)
	}
	if err := os.Rename(tmp, t.checkpointPath()); err != nil {
		return errors.NewError(errors.ErrCodeCheckpointWrite, "failed to replace checkpoint").
			WithComponent("checkpoint").WithCause(err)
	}

	t.mu.Lock()
	onSave := t.onSave
	t.mu.Unlock()
	if onSave != nil {
		onSave()
	}
	return nil
}

// SetOnSave registers a callback invoked after every successful Save, used to
// count checkpoint writes. Set it before the run starts.
func (t *Tracker) SetOnSave(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSave = fn
}

// Delete removes the checkpoint file after a successful run.
func (t *Tracker) Delete() error {
	if err := os.Remove(t.checkpointPath()); err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeCheckpointWrite, "failed to delete checkpoint").
			WithComponent("checkpoint").WithCause(err)
	}
	return nil
}

// StartAutoFlush begins periodic background persistence. Stop with
// StopAutoFlush; the final flush on shutdown is the caller's responsibility.
func (t *Tracker) StartAutoFlush() {
	if t.interval <= 0 {
		return
	}

	t.mu.Lock()
	if t.flushStop != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	t.flushStop = stop
	t.flushDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.Save(); err != nil {
					t.logger.Warn("periodic checkpoint flush failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopAutoFlush stops the background flusher and waits for it to exit.
func (t *Tracker) StopAutoFlush() {
	t.mu.Lock()
	stop := t.flushStop
	done := t.flushDone
	t.flushStop = nil
	t.flushDone = nil
	t.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// RunID returns the identifier of the current run.
func (t *Tracker) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp.RunID
}

// SetPhase records the orchestrator phase for resume diagnostics.
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cp.Phase = phase
}

// SetLastError records the error that terminated the run.
func (t *Tracker) SetLastError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.cp.LastError = err.Error()
	}
}

// SetDatabaseCursor stores the cursor the next query of db should start from.
func (t *Tracker) SetDatabaseCursor(dbID, cursor string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cp.DatabaseCursors[dbID] = cursor
}

// DatabaseCursor returns the stored cursor for db, empty when none.
func (t *Tracker) DatabaseCursor(dbID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp.DatabaseCursors[dbID]
}

// MarkDatabaseComplete records that every page of db has been exported.
func (t *Tracker) MarkDatabaseComplete(dbID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cp.CompletedDatabases[dbID] = true
	delete(t.cp.DatabaseCursors, dbID)
}

// IsDatabaseComplete reports whether db was fully exported in a prior run.
func (t *Tracker) IsDatabaseComplete(dbID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp.CompletedDatabases[dbID]
}

// MarkExported records id as exported for the given object type and bumps the
// per-type count. It reports false when the id was already recorded, letting
// callers skip duplicate work.
func (t *Tracker) MarkExported(objectType, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.setFor(objectType)
	if set == nil {
		t.cp.Counts[objectType]++
		return true
	}
	if set[id] {
		return false
	}
	set[id] = true
	t.cp.Counts[objectType]++
	return true
}

// IsExported reports whether id was already exported for the given type.
func (t *Tracker) IsExported(objectType, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.setFor(objectType)
	return set != nil && set[id]
}

// setFor returns the id set backing a tracked object type, nil for types
// tracked by count only.
func (t *Tracker) setFor(objectType string) map[string]bool {
	switch objectType {
	case "pages":
		return t.cp.ExportedPages
	case "blocks":
		return t.cp.ExportedBlocks
	case "databases":
		return t.cp.ExportedDatabases
	case "comments":
		return t.cp.ExportedComments
	default:
		return nil
	}
}

// AddCommentTarget queues a page for a comment sweep. Idempotent.
func (t *Tracker) AddCommentTarget(pageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cp.PendingComments[pageID] = true
}

// CommentTargets returns the pages still awaiting a comment sweep, sorted for
// deterministic traversal order.
func (t *Tracker) CommentTargets() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.cp.PendingComments))
	for id := range t.cp.PendingComments {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CommentTargetDone retires a page whose comment sweep completed cleanly.
func (t *Tracker) CommentTargetDone(pageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cp.PendingComments, pageID)
}

// Counts returns a copy of the per-type exported counts.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(t.cp.Counts))
	for k, v := range t.cp.Counts {
		out[k] = v
	}
	return out
}

// Snapshot returns a deep copy of the current checkpoint for reporting.
func (t *Tracker) Snapshot() *Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(t.cp)
	if err != nil {
		return newCheckpoint()
	}
	cp := newCheckpoint()
	if err := json.Unmarshal(data, cp); err != nil {
		return newCheckpoint()
	}
	return cp
}
