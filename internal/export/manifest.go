package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/nao1215/markdown"

	"github.com/pagevault/pagevault/pkg/errors"
)

// Manifest is the final summary written as export-manifest.json.
type Manifest struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Duration   string           `json:"duration"`
	Status     Phase            `json:"status"`
	Counts     map[string]int   `json:"counts"`
	Settings   ManifestSettings `json:"settings"`
	Errors     []Issue          `json:"errors"`
	FileRefs   int              `json:"file_references"`
}

// ManifestSettings echoes the configuration the run used.
type ManifestSettings struct {
	PageSize          int    `json:"page_size"`
	MaxBlockDepth     int    `json:"max_block_depth"`
	IncludeArchived   bool   `json:"include_archived"`
	IncludeComments   bool   `json:"include_comments"`
	IncludeProperties bool   `json:"include_properties"`
	MaxConcurrency    int    `json:"max_concurrency"`
	OutputDir         string `json:"output_dir"`
}

// FileReference records one attachment URL discovered in block content. The
// files/ manifest lists them; downloading is outside the export's scope.
type FileReference struct {
	BlockID string `json:"block_id"`
	PageID  string `json:"page_id"`
	Type    string `json:"type"`
	URL     string `json:"url"`
}

// writeManifest persists the manifest JSON at the output root.
func (o *Orchestrator) writeManifest(status Phase, finished time.Time) error {
	m := Manifest{
		RunID:      o.tracker.RunID(),
		StartedAt:  o.startTime,
		FinishedAt: finished,
		Duration:   finished.Sub(o.startTime).Round(time.Millisecond).String(),
		Status:     status,
		Counts:     o.tracker.Counts(),
		Settings: ManifestSettings{
			PageSize:          o.cfg.API.PageSize,
			MaxBlockDepth:     o.cfg.Export.MaxBlockDepth,
			IncludeArchived:   o.cfg.Export.IncludeArchived,
			IncludeComments:   o.cfg.Export.IncludeComments,
			IncludeProperties: o.cfg.Export.IncludeProperties,
			MaxConcurrency:    o.cfg.Concurrency.MaxConcurrency,
			OutputDir:         o.cfg.Export.OutputDir,
		},
		Errors:   o.issues.snapshot(),
		FileRefs: len(o.fileRefs.snapshot()),
	}
	if m.Errors == nil {
		m.Errors = []Issue{}
	}
	return o.writer.writeJSON("export-manifest.json", m)
}

// writeReadme renders the human-readable summary next to the manifest.
func (o *Orchestrator) writeReadme(status Phase, finished time.Time) error {
	path := filepath.Join(o.cfg.Export.OutputDir, "README.md")
	f, err := os.Create(path)
	if err != nil {
		return errors.NewError(errors.ErrCodeFileWrite, "failed to create README").
			WithComponent("export").WithCause(err)
	}
	defer f.Close()

	counts := o.tracker.Counts()
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	rows := make([][]string, 0, len(types))
	total := 0
	for _, t := range types {
		rows = append(rows, []string{t, strconv.Itoa(counts[t])})
		total += counts[t]
	}
	rows = append(rows, []string{"**total**", "**" + strconv.Itoa(total) + "**"})

	md := markdown.NewMarkdown(f)
	md.H1("Workspace Export")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run", o.tracker.RunID()},
			{"Started", o.startTime.Format("2006-01-02 15:04:05 MST")},
			{"Duration", finished.Sub(o.startTime).Round(time.Second).String()},
			{"Status", string(status)},
			{"Recorded errors", strconv.Itoa(o.issues.count())},
		},
	})
	md.PlainText("")

	md.H2("Exported objects")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Object type", "Count"},
		Rows:   rows,
	})
	md.PlainText("")

	md.H2("Layout")
	md.PlainText("")
	md.BulletList(
		"`users/`, `databases/`, `pages/`, `blocks/`, `comments/` — raw API payloads, one JSON file per object",
		"`properties/` — extracted page properties (when enabled)",
		"`metadata/` — sidecar metadata written transactionally with each database and page",
		"`files/` — attachment URL references discovered in block content",
		"`export-manifest.json` — counts, settings, duration and the full error list",
	)
	md.PlainText("")

	if n := o.issues.count(); n > 0 {
		md.PlainText(fmt.Sprintf("%d objects could not be exported; see the error list in `export-manifest.json`.", n))
	}

	return md.Build()
}
