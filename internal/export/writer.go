package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pagevault/pagevault/internal/atomicfile"
	"github.com/pagevault/pagevault/pkg/errors"
)

// exportDirs are the subdirectories of the output tree, created up front.
var exportDirs = []string{
	"users", "databases", "pages", "properties", "blocks", "comments", "metadata", "files",
}

// treeWriter lays objects out under the output directory. Metadata pairs go
// through the transaction manager; plain object writes are best-effort and
// the caller records failures.
type treeWriter struct {
	root  string
	files *atomicfile.Manager
}

func newTreeWriter(root string, files *atomicfile.Manager) *treeWriter {
	return &treeWriter{root: root, files: files}
}

// createLayout makes every subdirectory of the output tree.
func (w *treeWriter) createLayout() error {
	for _, dir := range exportDirs {
		if err := os.MkdirAll(filepath.Join(w.root, dir), 0750); err != nil {
			return errors.NewError(errors.ErrCodeFileWrite,
				fmt.Sprintf("failed to create output directory %s", dir)).
				WithComponent("export").WithCause(err)
		}
	}
	return nil
}

func (w *treeWriter) objectPath(kind, id string) string {
	return filepath.Join(w.root, kind, id+".json")
}

// writeObject persists one object's raw payload. Overwrites are allowed so a
// resumed run can repair a torn write from a crashed one.
func (w *treeWriter) writeObject(kind, id string, raw []byte) error {
	path := w.objectPath(kind, id)
	if err := os.WriteFile(path, raw, 0640); err != nil {
		return errors.NewError(errors.ErrCodeFileWrite,
			fmt.Sprintf("failed to write %s/%s", kind, id)).
			WithComponent("export").WithObject(kind, id).WithCause(err)
	}
	return nil
}

// writeObjectWithMeta writes an object payload and its sidecar metadata entry
// as one transaction, so the pair is all-or-nothing.
func (w *treeWriter) writeObjectWithMeta(kind, id string, raw []byte, meta any) error {
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.NewError(errors.ErrCodeValidationError, "failed to encode metadata").
			WithComponent("export").WithObject(kind, id).WithCause(err)
	}

	txID, err := w.files.Begin()
	if err != nil {
		return err
	}

	ops := []atomicfile.FileOperation{
		{Type: w.opTypeFor(w.objectPath(kind, id)), TargetPath: w.objectPath(kind, id), Data: raw},
		{Type: w.opTypeFor(w.metaPath(kind, id)), TargetPath: w.metaPath(kind, id), Data: metaData},
	}
	for _, op := range ops {
		if err := w.files.AddOperation(txID, op); err != nil {
			return err
		}
	}
	return w.files.Commit(txID)
}

func (w *treeWriter) metaPath(kind, id string) string {
	return filepath.Join(w.root, "metadata", kind+"-"+id+".json")
}

// opTypeFor picks create or update depending on whether the target already
// exists, so transactional re-writes validate on resumed runs.
func (w *treeWriter) opTypeFor(path string) atomicfile.OperationType {
	if _, err := os.Stat(path); err == nil {
		return atomicfile.OpUpdate
	}
	return atomicfile.OpCreate
}

// writeJSON marshals v and writes it at the given path under the root.
func (w *treeWriter) writeJSON(relPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.NewError(errors.ErrCodeValidationError, "failed to encode JSON").
			WithComponent("export").WithCause(err)
	}
	path := filepath.Join(w.root, relPath)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return errors.NewError(errors.ErrCodeFileWrite,
			fmt.Sprintf("failed to write %s", relPath)).
			WithComponent("export").WithCause(err)
	}
	return nil
}
