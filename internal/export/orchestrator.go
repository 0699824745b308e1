// Package export drives the crawl of a remote workspace into a local file
// tree: a phase state machine walking users, databases, pages, blocks and
// comments through the rate-limiting, circuit-breaking and concurrency
// scheduling stack, with checkpointed resume and a final manifest.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pagevault/pagevault/internal/atomicfile"
	"github.com/pagevault/pagevault/internal/checkpoint"
	"github.com/pagevault/pagevault/internal/circuit"
	"github.com/pagevault/pagevault/internal/config"
	"github.com/pagevault/pagevault/internal/limiter"
	"github.com/pagevault/pagevault/internal/metrics"
	"github.com/pagevault/pagevault/internal/notion"
	"github.com/pagevault/pagevault/internal/ratelimit"
	"github.com/pagevault/pagevault/pkg/errors"
	"github.com/pagevault/pagevault/pkg/memmon"
	"github.com/pagevault/pagevault/pkg/retry"
)

// consecutive page-query failures after which a single database is abandoned
const databaseFailureLimit = 3

// Orchestrator owns one export run end to end. Construct one per run; it is
// not reusable after Run returns.
type Orchestrator struct {
	cfg     *config.Configuration
	svc     notion.Service
	logger  *slog.Logger
	metrics *metrics.Collector
	opStats *metrics.OpStatsTracker

	limiter   *limiter.Limiter
	rates     *ratelimit.Registry
	breaker   *circuit.Breaker
	breakerOn bool
	retryer   *retry.Retryer
	files     *atomicfile.Manager
	tracker   *checkpoint.Tracker
	writer    *treeWriter

	issues   issueList
	fileRefs refList

	memLimit uint64

	mu          sync.Mutex
	phase       Phase
	currentOp   string
	observers   []Observer
	lastHeaders map[string]string

	startTime time.Time
}

// refList is a concurrency-safe collector of attachment references.
type refList struct {
	mu   sync.Mutex
	refs []FileReference
}

func (l *refList) add(ref FileReference) {
	l.mu.Lock()
	l.refs = append(l.refs, ref)
	l.mu.Unlock()
}

func (l *refList) snapshot() []FileReference {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FileReference, len(l.refs))
	copy(out, l.refs)
	return out
}

// New assembles an orchestrator from configuration and a remote service.
// A nil collector disables metrics.
func New(cfg *config.Configuration, svc notion.Service, logger *slog.Logger, collector *metrics.Collector) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		var err error
		collector, err = metrics.NewCollector(&metrics.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
	}

	limCfg := limiter.DefaultConfig()
	if cfg.Concurrency.MaxConcurrency > 0 {
		limCfg.MaxLimit = cfg.Concurrency.MaxConcurrency
	}
	for t, n := range cfg.Concurrency.TypeLimits {
		limCfg.DefaultLimits[limiter.ObjectType(t)] = n
	}

	rateCfg := ratelimit.DefaultConfig()
	if cfg.RateLimit.BaseDelay > 0 {
		rateCfg.BaseInterval = cfg.RateLimit.BaseDelay
	}
	if cfg.RateLimit.MinDelay > 0 {
		rateCfg.MinInterval = cfg.RateLimit.MinDelay
	}
	if cfg.RateLimit.MaxDelay > 0 {
		rateCfg.MaxInterval = cfg.RateLimit.MaxDelay
	}

	files, err := atomicfile.NewManager("")
	if err != nil {
		return nil, err
	}

	memLimit, err := memmon.ParseLimit(cfg.Export.MemoryLimit)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid export memory limit").
			WithComponent("export").WithCause(err)
	}

	rates := ratelimit.NewRegistry(rateCfg)
	for t, base := range cfg.RateLimit.TypeBaseDelays {
		rates.SetBaseInterval(t, base)
	}

	o := &Orchestrator{
		cfg:     cfg,
		svc:     svc,
		logger:  logger,
		metrics: collector,
		opStats: metrics.NewOpStatsTracker(),
		limiter: limiter.New(limCfg),
		rates:   rates,
		retryer: retry.New(retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.BaseDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		}),
		files:    files,
		tracker:  checkpoint.NewTracker(cfg.Export.OutputDir, cfg.Checkpoint.FlushInterval, logger),
		memLimit: memLimit,
		phase:    PhaseIdle,
	}
	o.writer = newTreeWriter(cfg.Export.OutputDir, files)

	breakerCfg := circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		ResetTimeout:     cfg.Circuit.ResetTimeout,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
			collector.SetCircuitState(to.String())
		},
	}
	o.breaker = circuit.NewBreaker("remote-api", breakerCfg)
	o.breakerOn = cfg.Circuit.Enabled
	o.tracker.SetOnSave(collector.RecordCheckpointWrite)

	return o, nil
}

// reportToBreaker forwards a call outcome to the breaker when it is enabled.
func (o *Orchestrator) reportToBreaker(success bool) {
	if !o.breakerOn {
		return
	}
	if success {
		o.breaker.ReportSuccess()
	} else {
		o.breaker.ReportFailure()
	}
}

// Tracker exposes the checkpoint tracker, mainly for tests and the CLI.
func (o *Orchestrator) Tracker() *checkpoint.Tracker { return o.tracker }

// AddObserver registers a progress callback. Not safe once Run has started.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.observers = append(o.observers, obs)
}

// ObserveResponse feeds live response headers into the limiter's rolling
// statistics. Wire it as the API client's response observer.
func (o *Orchestrator) ObserveResponse(headers http.Header, duration time.Duration, isError bool) {
	flat := make(map[string]string, len(headers))
	for k := range headers {
		flat[k] = headers.Get(k)
	}
	o.mu.Lock()
	o.lastHeaders = flat
	o.mu.Unlock()
}

// Run executes the export to completion, returning the first fatal error.
// Per-object failures are recorded in the manifest instead.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	if o.cfg.Export.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Export.Timeout)
		defer cancel()
	}

	if err := o.initialize(ctx); err != nil {
		if errors.CodeOf(err) == errors.ErrCodeRunLocked {
			// Another run owns the output directory; its checkpoint must
			// stay untouched.
			o.setPhase(PhaseError)
			return err
		}
		return o.fail(err)
	}
	defer o.tracker.ReleaseLock()
	defer o.tracker.StopAutoFlush()

	if o.memLimit > 0 {
		memCfg := memmon.DefaultConfig()
		memCfg.Limit = o.memLimit
		memCfg.Logger = o.logger
		watcher := memmon.NewWatcher(memCfg, func(memmon.Sample) {
			o.limiter.AdjustLimits(0.5, "memory pressure")
		})
		watcher.Start()
		defer watcher.Stop()
	}

	if o.cfg.Concurrency.AutoTune {
		tuneCtx, cancelTune := context.WithCancel(ctx)
		defer cancelTune()
		o.limiter.StartAutoTune(tuneCtx, o.cfg.Concurrency.TuneInterval)
	}

	phases := []struct {
		phase Phase
		run   func(context.Context) error
	}{
		{PhaseCrawlingWorkspace, o.crawlWorkspace},
		{PhaseCrawlingPages, o.crawlStandalonePages},
		{PhaseCrawlingComments, o.crawlComments},
		{PhaseExportingFiles, o.exportFileReferences},
		{PhaseGenerating, o.generateOutputs},
	}

	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			return o.abort(err)
		}
		o.setPhase(p.phase)
		if err := p.run(ctx); err != nil {
			if ctx.Err() != nil {
				return o.abort(err)
			}
			return o.fail(err)
		}
	}

	o.setPhase(PhaseCompleted)
	if err := o.tracker.Delete(); err != nil {
		o.logger.Warn("failed to delete checkpoint after completion", "error", err)
	}
	if err := o.files.Cleanup(o.cfg.Checkpoint.BackupMaxAge); err != nil {
		o.logger.Warn("failed to clean up stale write backups", "error", err)
	}
	o.logger.Info("export completed",
		"duration", time.Since(o.startTime).Round(time.Millisecond),
		"counts", o.tracker.Counts(),
		"errors", o.issues.count())
	for op, stats := range o.opStats.Summary() {
		o.logger.Info("operation stats",
			"operation", op, "count", stats.Count, "errors", stats.Errors,
			"avg", stats.AvgLatency.Round(time.Millisecond),
			"p95", stats.P95Latency.Round(time.Millisecond))
	}
	return nil
}

func (o *Orchestrator) initialize(ctx context.Context) error {
	o.setPhase(PhaseInitializing)

	if err := o.tracker.AcquireLock(); err != nil {
		return err
	}
	if err := o.writer.createLayout(); err != nil {
		o.tracker.ReleaseLock()
		return err
	}
	if _, err := o.tracker.Load(); err != nil {
		o.tracker.ReleaseLock()
		return err
	}
	o.tracker.StartAutoFlush()
	return nil
}

// fail persists the checkpoint before surfacing a terminating error, so a
// subsequent resume can continue where this run stopped.
func (o *Orchestrator) fail(err error) error {
	o.tracker.SetLastError(err)
	o.tracker.SetPhase(string(o.currentPhase()))
	if saveErr := o.tracker.Save(); saveErr != nil {
		o.logger.Error("failed to persist checkpoint on error", "error", saveErr)
	}
	o.setPhase(PhaseError)
	o.logger.Error("export failed", "error", err)
	return err
}

// abort is the graceful-pause path for cancellation: in-flight work has
// settled, persist the checkpoint and leave partial output intact.
func (o *Orchestrator) abort(err error) error {
	o.tracker.SetPhase(string(o.currentPhase()))
	if saveErr := o.tracker.Save(); saveErr != nil {
		o.logger.Error("failed to persist checkpoint on abort", "error", saveErr)
	}
	o.setPhase(PhaseAborted)
	o.logger.Info("export paused", "reason", err)
	return err
}

func (o *Orchestrator) currentPhase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.tracker.SetPhase(string(p))
	o.logger.Info("phase changed", "phase", string(p))
	o.emitProgress("")
}

func (o *Orchestrator) emitProgress(currentOp string) {
	o.mu.Lock()
	if currentOp != "" {
		o.currentOp = currentOp
	}
	snapshot := Progress{
		Phase:            o.phase,
		Counts:           o.tracker.Counts(),
		CurrentOperation: o.currentOp,
		Errors:           o.issues.count(),
		StartTime:        o.startTime,
		Elapsed:          time.Since(o.startTime),
	}
	observers := o.observers
	o.mu.Unlock()

	o.publishGauges()

	for _, obs := range observers {
		obs(snapshot)
	}
}

// publishGauges refreshes the live scheduling gauges from limiter and
// rate-limiter state.
func (o *Orchestrator) publishGauges() {
	for _, t := range limiter.KnownTypes {
		o.metrics.SetConcurrencyLimit(string(t), o.limiter.GetLimit(t))
		o.metrics.SetInFlight(string(t), o.limiter.Running(t))
		o.metrics.SetRateDelay(string(t), o.rates.Get(string(t)).Interval())
	}
}

// remoteCall runs one remote fetch through the full resilience stack:
// concurrency slot, retry with backoff, rate-limiter pacing, circuit gate.
func (o *Orchestrator) remoteCall(ctx context.Context, t limiter.ObjectType, operation, objectID string, fn func(context.Context) error) error {
	opCtx := limiter.OperationContext{
		Type:      t,
		ObjectID:  objectID,
		Operation: operation,
		Timeout:   o.cfg.API.Timeout,
	}

	return o.limiter.Run(ctx, opCtx, func(ctx context.Context) error {
		attempt := 0
		return o.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			if attempt > 0 {
				o.metrics.RecordRetry(string(t))
			}
			attempt++

			rl := o.rates.Get(string(t))
			if err := rl.WaitForSlot(ctx); err != nil {
				return err
			}
			if o.breakerOn {
				if err := o.breaker.Allow(); err != nil {
					return err
				}
			}

			start := time.Now()
			err := fn(ctx)
			elapsed := time.Since(start)
			o.metrics.RecordFetch(string(t), operation, elapsed, err == nil)
			o.opStats.Record(operation, elapsed, err == nil)
			o.foldHeaders(t, elapsed, err != nil)

			if err != nil {
				o.metrics.RecordError(string(errors.CodeOf(err)))
				switch {
				case errors.IsRetryable(err):
					o.reportToBreaker(false)
					rl.ReportError()
				case ctx.Err() != nil:
					// The call died with the context, not with a verdict
					// from the remote.
					o.reportToBreaker(false)
				default:
					// A definitive refusal (not found, validation) still
					// means the remote answered; a reserved half-open
					// probe must be released, not leaked.
					o.reportToBreaker(true)
				}
				if ra := errors.RetryAfterOf(err); ra > 0 {
					rl.ApplyRetryAfter(ra)
				}
				return err
			}

			o.reportToBreaker(true)
			rl.ReportSuccess()
			return nil
		})
	})
}

// foldHeaders mixes the most recent response headers into the limiter's
// statistics. Header data is advisory, so pairing the latest headers with
// this call's latency is close enough.
func (o *Orchestrator) foldHeaders(t limiter.ObjectType, elapsed time.Duration, isError bool) {
	o.mu.Lock()
	headers := o.lastHeaders
	o.mu.Unlock()
	o.limiter.UpdateFromHeaders(headers, elapsed, t, isError)
}

// recordIssue appends a non-fatal failure to the run's error list.
func (o *Orchestrator) recordIssue(objectType, objectID, operation string, err error) {
	o.logger.Warn("recorded export issue",
		"object_type", objectType, "object_id", objectID, "operation", operation, "error", err)
	o.issues.add(Issue{
		ObjectType: objectType,
		ObjectID:   objectID,
		Operation:  operation,
		Message:    err.Error(),
	})
}

// crawlWorkspace runs the user listing and the database crawl concurrently.
func (o *Orchestrator) crawlWorkspace(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.crawlUsers(gctx) })
	g.Go(func() error { return o.crawlDatabases(gctx) })
	return g.Wait()
}

func (o *Orchestrator) crawlUsers(ctx context.Context) error {
	cursor := ""
	for {
		var qr *notion.QueryResult
		err := o.remoteCall(ctx, limiter.TypeUsers, "list-users", "", func(ctx context.Context) error {
			var callErr error
			qr, callErr = o.svc.ListUsers(ctx, cursor, o.cfg.API.PageSize)
			return callErr
		})
		if err != nil {
			if errors.IsCircuitOpen(err) || ctx.Err() != nil {
				return err
			}
			o.recordIssue("users", cursor, "list-users", err)
			return nil
		}

		for _, raw := range qr.Results {
			user, err := notion.DecodeUser(raw)
			if err != nil {
				o.recordIssue("users", "", "decode-user", err)
				continue
			}
			if err := o.writer.writeObject("users", user.ID, user.Raw); err != nil {
				o.recordIssue("users", user.ID, "write-user", err)
				continue
			}
			o.tracker.MarkExported("users", user.ID)
			o.metrics.RecordExported("users")
		}
		o.emitProgress("list-users")

		if !qr.HasMore {
			return nil
		}
		cursor = qr.NextCursor
	}
}

func (o *Orchestrator) crawlDatabases(ctx context.Context) error {
	cursor := ""
	for {
		var qr *notion.QueryResult
		err := o.remoteCall(ctx, limiter.TypeDatabases, "search-databases", "", func(ctx context.Context) error {
			var callErr error
			qr, callErr = o.svc.Search(ctx, "", notion.SearchFilter{Value: "database"}, cursor, o.cfg.API.PageSize)
			return callErr
		})
		if err != nil {
			return err
		}

		for _, raw := range qr.Results {
			db, err := notion.DecodeDatabase(raw)
			if err != nil {
				o.recordIssue("databases", "", "decode-database", err)
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			o.exportDatabase(ctx, db)
		}

		if !qr.HasMore {
			return nil
		}
		cursor = qr.NextCursor
	}
}

// exportDatabase persists one database's metadata and pages. Failure is
// isolated: after databaseFailureLimit consecutive page-query failures the
// database is abandoned with a recorded error and the run continues.
func (o *Orchestrator) exportDatabase(ctx context.Context, db *notion.Database) {
	if o.tracker.IsDatabaseComplete(db.ID) {
		return
	}
	if db.Archived && !o.cfg.Export.IncludeArchived {
		return
	}

	if !o.tracker.IsExported("databases", db.ID) {
		meta := map[string]any{
			"id":               db.ID,
			"url":              db.URL,
			"created_time":     db.CreatedTime,
			"last_edited_time": db.LastEditedTime,
			"exported_at":      time.Now().UTC(),
		}
		if err := o.writer.writeObjectWithMeta("databases", db.ID, db.Raw, meta); err != nil {
			o.recordIssue("databases", db.ID, "write-database", err)
			return
		}
		o.tracker.MarkExported("databases", db.ID)
		o.metrics.RecordExported("databases")
	}

	cursor := o.tracker.DatabaseCursor(db.ID)
	consecutiveFailures := 0
	for {
		var qr *notion.QueryResult
		err := o.remoteCall(ctx, limiter.TypeDatabases, "query-database", db.ID, func(ctx context.Context) error {
			var callErr error
			qr, callErr = o.svc.QueryDatabase(ctx, db.ID, cursor, o.cfg.API.PageSize)
			return callErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			if consecutiveFailures >= databaseFailureLimit {
				o.recordIssue("databases", db.ID, "query-database",
					fmt.Errorf("abandoned after %d consecutive query failures: %w", consecutiveFailures, err))
				return
			}
			continue
		}
		consecutiveFailures = 0

		for _, raw := range qr.Results {
			page, err := notion.DecodePage(raw)
			if err != nil {
				o.recordIssue("pages", "", "decode-page", err)
				continue
			}
			o.exportPage(ctx, page)
		}

		if !qr.HasMore {
			o.tracker.MarkDatabaseComplete(db.ID)
			o.emitProgress("query-database " + db.ID)
			return
		}
		cursor = qr.NextCursor
		o.tracker.SetDatabaseCursor(db.ID, cursor)
		o.emitProgress("query-database " + db.ID)
	}
}

// crawlStandalonePages exports pages that live outside any database.
func (o *Orchestrator) crawlStandalonePages(ctx context.Context) error {
	cursor := ""
	for {
		var qr *notion.QueryResult
		err := o.remoteCall(ctx, limiter.TypePages, "search-pages", "", func(ctx context.Context) error {
			var callErr error
			qr, callErr = o.svc.Search(ctx, "", notion.SearchFilter{Value: "page"}, cursor, o.cfg.API.PageSize)
			return callErr
		})
		if err != nil {
			return err
		}

		for _, raw := range qr.Results {
			page, err := notion.DecodePage(raw)
			if err != nil {
				o.recordIssue("pages", "", "decode-page", err)
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			o.exportPage(ctx, page)
		}

		if !qr.HasMore {
			return nil
		}
		cursor = qr.NextCursor
	}
}

// exportPage writes one page's payload, properties and block tree. Already
// exported ids are skipped entirely.
func (o *Orchestrator) exportPage(ctx context.Context, page *notion.Page) {
	if page.Archived && !o.cfg.Export.IncludeArchived {
		return
	}
	if !o.tracker.MarkExported("pages", page.ID) {
		return
	}

	meta := map[string]any{
		"id":               page.ID,
		"url":              page.URL,
		"parent":           page.Parent,
		"created_time":     page.CreatedTime,
		"last_edited_time": page.LastEditedTime,
		"exported_at":      time.Now().UTC(),
	}
	if err := o.writer.writeObjectWithMeta("pages", page.ID, page.Raw, meta); err != nil {
		o.recordIssue("pages", page.ID, "write-page", err)
		return
	}
	o.metrics.RecordExported("pages")

	if o.cfg.Export.IncludeProperties && len(page.Properties) > 0 {
		if err := o.writer.writeObject("properties", page.ID, page.Properties); err != nil {
			o.recordIssue("properties", page.ID, "write-properties", err)
		} else {
			o.tracker.MarkExported("properties", page.ID)
			o.metrics.RecordExported("properties")
		}
	}

	if o.cfg.Export.IncludeComments {
		// Persisted with the checkpoint so a resumed run still fetches
		// comments for pages exported before the interruption.
		o.tracker.AddCommentTarget(page.ID)
	}

	o.exportBlockTree(ctx, page.ID)
	o.emitProgress("export-page " + page.ID)
}

// blockWork is one pending node of the iterative block crawl.
type blockWork struct {
	id     string
	pageID string
	depth  int
}

// exportBlockTree walks a page's block graph iteratively with an explicit
// queue, visited set and depth bound, so cyclic or shared block references
// and deep trees cannot recurse unboundedly.
func (o *Orchestrator) exportBlockTree(ctx context.Context, pageID string) {
	visited := map[string]bool{pageID: true}
	queue := []blockWork{{id: pageID, pageID: pageID, depth: 0}}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return
		}
		work := queue[0]
		queue = queue[1:]

		if work.depth >= o.cfg.Export.MaxBlockDepth {
			continue
		}

		cursor := ""
		for {
			var qr *notion.QueryResult
			err := o.remoteCall(ctx, limiter.TypeBlocks, "get-block-children", work.id, func(ctx context.Context) error {
				var callErr error
				qr, callErr = o.svc.GetBlockChildren(ctx, work.id, cursor, o.cfg.API.PageSize)
				return callErr
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.recordIssue("blocks", work.id, "get-block-children", err)
				break
			}

			for _, raw := range qr.Results {
				block, err := notion.DecodeBlock(raw)
				if err != nil {
					o.recordIssue("blocks", "", "decode-block", err)
					continue
				}
				if visited[block.ID] {
					continue
				}
				visited[block.ID] = true

				if o.tracker.MarkExported("blocks", block.ID) {
					if err := o.writer.writeObject("blocks", block.ID, block.Raw); err != nil {
						o.recordIssue("blocks", block.ID, "write-block", err)
					} else {
						o.metrics.RecordExported("blocks")
					}
				}

				o.collectFileReferences(block, work.pageID)

				if block.HasChildren {
					queue = append(queue, blockWork{id: block.ID, pageID: work.pageID, depth: work.depth + 1})
				}
			}

			if !qr.HasMore {
				break
			}
			cursor = qr.NextCursor
		}
	}
}

// collectFileReferences pulls attachment URLs out of file-bearing blocks.
func (o *Orchestrator) collectFileReferences(block *notion.Block, pageID string) {
	switch block.Type {
	case "file", "image", "pdf", "video", "audio":
	default:
		return
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(block.Raw, &payload); err != nil {
		return
	}
	inner, ok := payload[block.Type]
	if !ok {
		return
	}

	var fileField struct {
		File struct {
			URL string `json:"url"`
		} `json:"file"`
		External struct {
			URL string `json:"url"`
		} `json:"external"`
	}
	if err := json.Unmarshal(inner, &fileField); err != nil {
		return
	}

	url := fileField.File.URL
	if url == "" {
		url = fileField.External.URL
	}
	if url == "" {
		return
	}

	o.fileRefs.add(FileReference{
		BlockID: block.ID,
		PageID:  pageID,
		Type:    block.Type,
		URL:     url,
	})
}

// crawlComments fetches comments for every page still pending a comment
// sweep. Targets come from the checkpoint, so pages exported by an earlier
// interrupted run are covered too; a target is retired only after its
// pagination completes cleanly.
func (o *Orchestrator) crawlComments(ctx context.Context) error {
	if !o.cfg.Export.IncludeComments {
		return nil
	}

	for _, target := range o.tracker.CommentTargets() {
		if err := ctx.Err(); err != nil {
			return err
		}

		failed := false
		cursor := ""
		for {
			var qr *notion.QueryResult
			err := o.remoteCall(ctx, limiter.TypeComments, "get-comments", target, func(ctx context.Context) error {
				var callErr error
				qr, callErr = o.svc.GetComments(ctx, target, cursor, o.cfg.API.PageSize)
				return callErr
			})
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				o.recordIssue("comments", target, "get-comments", err)
				failed = true
				break
			}

			for _, raw := range qr.Results {
				comment, err := notion.DecodeComment(raw)
				if err != nil {
					o.recordIssue("comments", "", "decode-comment", err)
					continue
				}
				if !o.tracker.MarkExported("comments", comment.ID) {
					continue
				}
				if err := o.writer.writeObject("comments", comment.ID, comment.Raw); err != nil {
					o.recordIssue("comments", comment.ID, "write-comment", err)
					continue
				}
				o.metrics.RecordExported("comments")
			}

			if !qr.HasMore {
				break
			}
			cursor = qr.NextCursor
		}
		if !failed {
			o.tracker.CommentTargetDone(target)
		}
		o.emitProgress("get-comments " + target)
	}
	return nil
}

// exportFileReferences writes the collected attachment URLs into files/.
func (o *Orchestrator) exportFileReferences(ctx context.Context) error {
	refs := o.fileRefs.snapshot()
	if refs == nil {
		refs = []FileReference{}
	}
	return o.writer.writeJSON("files/references.json", refs)
}

// generateOutputs writes the manifest and the human-readable README.
func (o *Orchestrator) generateOutputs(ctx context.Context) error {
	finished := time.Now()
	if err := o.writeManifest(PhaseCompleted, finished); err != nil {
		return err
	}
	if err := o.writeReadme(PhaseCompleted, finished); err != nil {
		return err
	}
	return nil
}
