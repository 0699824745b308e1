// Package atomicfile provides transactional groups of filesystem mutations
// with backup-based rollback. Operations inside one transaction execute
// strictly in submission order so rollback ordering stays well defined;
// independent transactions do not interact.
package atomicfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagevault/pagevault/pkg/errors"
)

// OperationType identifies what a file operation does
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpMove   OperationType = "move"
)

// FileOperation is one filesystem mutation belonging to exactly one transaction.
type FileOperation struct {
	Type       OperationType `json:"type"`
	SourcePath string        `json:"source_path,omitempty"`
	TargetPath string        `json:"target_path"`
	Data       []byte        `json:"-"`
}

// Status is the lifecycle state of a transaction
type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// backupEntry remembers what a path looked like before the transaction
// touched it. existed=false means rollback must remove the path.
type backupEntry struct {
	path       string
	backupFile string
	existed    bool
}

// Transaction is an ordered group of file operations applied all-or-nothing.
// It is mutable only while pending and immutable once terminated.
type Transaction struct {
	ID         string
	Operations []FileOperation
	Status     Status
	StartTime  time.Time
	EndTime    time.Time

	backups   []backupEntry
	backedUp  map[string]bool
	applied   int
	backupDir string
}

// Manager owns transaction state and backup files. One manager serves one
// export run; transactions from different managers must not share paths.
type Manager struct {
	mu           sync.Mutex
	transactions map[string]*Transaction
	backupRoot   string
}

// NewManager creates a transaction manager whose backups live under backupRoot
func NewManager(backupRoot string) (*Manager, error) {
	if backupRoot == "" {
		backupRoot = filepath.Join(os.TempDir(), "pagevault-tx")
	}
	if err := os.MkdirAll(backupRoot, 0750); err != nil {
		return nil, errors.NewError(errors.ErrCodeFileWrite, "failed to create backup root").
			WithComponent("atomicfile").WithCause(err)
	}

	return &Manager{
		transactions: make(map[string]*Transaction),
		backupRoot:   backupRoot,
	}, nil
}

// Begin allocates a fresh pending transaction and returns its id
func (m *Manager) Begin() (string, error) {
	id := uuid.NewString()
	backupDir := filepath.Join(m.backupRoot, id)
	if err := os.MkdirAll(backupDir, 0750); err != nil {
		return "", errors.NewError(errors.ErrCodeFileWrite, "failed to create transaction backup dir").
			WithComponent("atomicfile").WithCause(err)
	}

	tx := &Transaction{
		ID:        id,
		Status:    StatusPending,
		StartTime: time.Now(),
		backedUp:  make(map[string]bool),
		backupDir: backupDir,
	}

	m.mu.Lock()
	m.transactions[id] = tx
	m.mu.Unlock()

	return id, nil
}

// AddOperation validates and queues one operation on a pending transaction,
// eagerly snapshotting a backup of every file the operation will overwrite or
// remove. On validation failure the whole partial queue is rolled back: a
// transaction that cannot accept an operation is unusable, and leaving queued
// backups behind would strand them.
func (m *Manager) AddOperation(id string, op FileOperation) error {
	m.mu.Lock()
	tx, ok := m.transactions[id]
	m.mu.Unlock()
	if !ok {
		return errors.NewError(errors.ErrCodeTransactionState,
			fmt.Sprintf("unknown transaction %q", id)).WithComponent("atomicfile")
	}

	if tx.Status != StatusPending {
		return errors.NewError(errors.ErrCodeTransactionState,
			fmt.Sprintf("transaction %q is %s, not pending", id, tx.Status)).WithComponent("atomicfile")
	}

	if err := m.validate(tx, op); err != nil {
		// Decision: validation failure invalidates the transaction; undo the
		// partial queue instead of leaving it half-armed.
		_ = m.Rollback(id)
		return err
	}

	if err := m.snapshotFor(tx, op); err != nil {
		_ = m.Rollback(id)
		return err
	}

	tx.Operations = append(tx.Operations, op)
	return nil
}

// pathExists reports whether path will exist once the queued operations run,
// falling back to the real filesystem for paths no queued operation touches.
func (m *Manager) pathExists(tx *Transaction, path string) bool {
	touched := false
	exists := false
	for _, queued := range tx.Operations {
		switch {
		case queued.TargetPath == path:
			touched = true
			exists = queued.Type != OpDelete
		case queued.Type == OpMove && queued.SourcePath == path:
			touched = true
			exists = false
		}
	}
	if touched {
		return exists
	}
	_, err := os.Stat(path)
	return err == nil
}

// validate checks required fields and preconditions against the effective
// state after the already-queued operations, without mutating anything.
func (m *Manager) validate(tx *Transaction, op FileOperation) error {
	fail := func(msg string) error {
		return errors.NewError(errors.ErrCodeTransactionValidation, msg).
			WithComponent("atomicfile").WithOperation(string(op.Type))
	}

	if op.TargetPath == "" {
		return fail("target path is required")
	}

	switch op.Type {
	case OpCreate:
		if op.Data == nil {
			return fail("create requires data")
		}
		if m.pathExists(tx, op.TargetPath) {
			return fail(fmt.Sprintf("create target already exists: %s", op.TargetPath))
		}
	case OpUpdate:
		if op.Data == nil {
			return fail("update requires data")
		}
		if !m.pathExists(tx, op.TargetPath) {
			return fail(fmt.Sprintf("update target does not exist: %s", op.TargetPath))
		}
	case OpDelete:
		if !m.pathExists(tx, op.TargetPath) {
			return fail(fmt.Sprintf("delete target does not exist: %s", op.TargetPath))
		}
	case OpMove:
		if op.SourcePath == "" {
			return fail("move requires a source path")
		}
		if !m.pathExists(tx, op.SourcePath) {
			return fail(fmt.Sprintf("move source does not exist: %s", op.SourcePath))
		}
	default:
		return fail(fmt.Sprintf("unknown operation type %q", op.Type))
	}

	return nil
}

// snapshotFor backs up every path the operation will overwrite or remove.
func (m *Manager) snapshotFor(tx *Transaction, op FileOperation) error {
	switch op.Type {
	case OpCreate:
		// Target does not exist yet; remember that so rollback removes it.
		return m.snapshot(tx, op.TargetPath)
	case OpUpdate, OpDelete:
		return m.snapshot(tx, op.TargetPath)
	case OpMove:
		if err := m.snapshot(tx, op.SourcePath); err != nil {
			return err
		}
		return m.snapshot(tx, op.TargetPath)
	}
	return nil
}

// snapshot records the current state of one path, once per transaction.
func (m *Manager) snapshot(tx *Transaction, path string) error {
	if tx.backedUp[path] {
		return nil
	}

	entry := backupEntry{path: path}
	if _, err := os.Stat(path); err == nil {
		backupFile := filepath.Join(tx.backupDir, fmt.Sprintf("%d.bak", len(tx.backups)))
		if err := copyFile(path, backupFile); err != nil {
			return errors.NewError(errors.ErrCodeFileWrite,
				fmt.Sprintf("failed to back up %s", path)).WithComponent("atomicfile").WithCause(err)
		}
		entry.backupFile = backupFile
		entry.existed = true
	}

	tx.backups = append(tx.backups, entry)
	tx.backedUp[path] = true
	return nil
}

// Commit executes queued operations strictly in submission order. Any
// failure mid-way triggers an automatic rollback and the original error is
// returned, so callers never observe a partially applied transaction.
func (m *Manager) Commit(id string) error {
	m.mu.Lock()
	tx, ok := m.transactions[id]
	m.mu.Unlock()
	if !ok {
		return errors.NewError(errors.ErrCodeTransactionState,
			fmt.Sprintf("unknown transaction %q", id)).WithComponent("atomicfile")
	}

	if tx.Status != StatusPending {
		return errors.NewError(errors.ErrCodeTransactionState,
			fmt.Sprintf("transaction %q is %s, not pending", id, tx.Status)).WithComponent("atomicfile")
	}

	for i, op := range tx.Operations {
		if err := m.apply(op); err != nil {
			tx.applied = i
			if rbErr := m.Rollback(id); rbErr != nil {
				return errors.NewError(errors.ErrCodeRollbackFailed,
					"commit failed and rollback also failed").
					WithComponent("atomicfile").WithCause(rbErr)
			}
			return errors.NewError(errors.ErrCodeFileWrite,
				fmt.Sprintf("commit failed at operation %d (%s %s)", i, op.Type, op.TargetPath)).
				WithComponent("atomicfile").WithCause(err)
		}
		tx.applied = i + 1
	}

	tx.Status = StatusCommitted
	tx.EndTime = time.Now()
	return nil
}

// apply performs one operation.
func (m *Manager) apply(op FileOperation) error {
	switch op.Type {
	case OpCreate, OpUpdate:
		if err := os.MkdirAll(filepath.Dir(op.TargetPath), 0750); err != nil {
			return err
		}
		return os.WriteFile(op.TargetPath, op.Data, 0640)
	case OpDelete:
		return os.Remove(op.TargetPath)
	case OpMove:
		if err := os.MkdirAll(filepath.Dir(op.TargetPath), 0750); err != nil {
			return err
		}
		return os.Rename(op.SourcePath, op.TargetPath)
	}
	return fmt.Errorf("unknown operation type %q", op.Type)
}

// Rollback undoes applied operations in reverse order using backups, then
// restores every snapshotted path to its pre-Begin state. It is idempotent:
// rolling back a terminated transaction is a no-op.
func (m *Manager) Rollback(id string) error {
	m.mu.Lock()
	tx, ok := m.transactions[id]
	m.mu.Unlock()
	if !ok {
		return errors.NewError(errors.ErrCodeTransactionState,
			fmt.Sprintf("unknown transaction %q", id)).WithComponent("atomicfile")
	}

	if tx.Status != StatusPending {
		return nil
	}

	// Restoring snapshots in reverse order rebuilds the pre-Begin state even
	// when several operations touched the same path.
	var firstErr error
	for i := len(tx.backups) - 1; i >= 0; i-- {
		entry := tx.backups[i]
		var err error
		if entry.existed {
			err = copyFile(entry.backupFile, entry.path)
		} else if _, statErr := os.Stat(entry.path); statErr == nil {
			err = os.Remove(entry.path)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return errors.NewError(errors.ErrCodeRollbackFailed, "failed to restore backups").
			WithComponent("atomicfile").WithCause(firstErr)
	}

	tx.Status = StatusRolledBack
	tx.EndTime = time.Now()
	return nil
}

// TransactionStatus returns the lifecycle state of a transaction
func (m *Manager) TransactionStatus(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return "", errors.NewError(errors.ErrCodeTransactionState,
			fmt.Sprintf("unknown transaction %q", id)).WithComponent("atomicfile")
	}
	return tx.Status, nil
}

// Cleanup garbage-collects backup artifacts older than maxAge: terminated
// transactions of this manager, plus leftover backup directories under the
// backup root that earlier runs never removed. Directories belonging to a
// pending transaction are never touched.
func (m *Manager) Cleanup(maxAge time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var firstErr error
	for id, tx := range m.transactions {
		if tx.Status == StatusPending {
			continue
		}
		if tx.EndTime.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(tx.backupDir); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.transactions, id)
	}

	entries, err := os.ReadDir(m.backupRoot)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, tracked := m.transactions[entry.Name()]; tracked {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.backupRoot, entry.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// copyFile copies src to dst, creating parent directories as needed.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
