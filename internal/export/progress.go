package export

import (
	"sync"
	"time"
)

// Phase is one state of the orchestrator's lifecycle.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseInitializing      Phase = "initializing"
	PhaseCrawlingWorkspace Phase = "crawling_users_and_databases"
	PhaseCrawlingPages     Phase = "crawling_standalone_pages"
	PhaseCrawlingComments  Phase = "crawling_comments"
	PhaseExportingFiles    Phase = "exporting_file_references"
	PhaseGenerating        Phase = "generating_manifest"
	PhaseCompleted         Phase = "completed"
	PhaseError             Phase = "error"
	PhaseAborted           Phase = "aborted"
)

// Progress is an advisory snapshot of the run. Observers must never use it
// to gate correctness.
type Progress struct {
	Phase            Phase          `json:"phase"`
	Counts           map[string]int `json:"counts"`
	CurrentOperation string         `json:"current_operation"`
	Errors           int            `json:"errors"`
	StartTime        time.Time      `json:"start_time"`
	Elapsed          time.Duration  `json:"elapsed"`
}

// Observer receives progress snapshots after every phase transition and
// periodically inside long crawl loops.
type Observer func(Progress)

// Issue is one recorded, non-fatal failure. The manifest enumerates all of
// them; individual issues never abort the run.
type Issue struct {
	ObjectType string    `json:"object_type"`
	ObjectID   string    `json:"object_id"`
	Operation  string    `json:"operation"`
	Message    string    `json:"message"`
	Time       time.Time `json:"time"`
}

// issueList is a concurrency-safe append-only error list.
type issueList struct {
	mu     sync.Mutex
	issues []Issue
}

func (l *issueList) add(issue Issue) {
	issue.Time = time.Now().UTC()
	l.mu.Lock()
	l.issues = append(l.issues, issue)
	l.mu.Unlock()
}

func (l *issueList) snapshot() []Issue {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Issue, len(l.issues))
	copy(out, l.issues)
	return out
}

func (l *issueList) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.issues)
}
