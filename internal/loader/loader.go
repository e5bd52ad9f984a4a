// Package loader orchestrates a full ingestion run: read, infer, reconcile,
// validate, deduplicate, and insert in chunks with per-chunk retry.
//
// The run always produces a finalized Report. Failures are returned as a
// *RunError wrapping the partial report, so callers can render what happened
// up to the abort.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"csvload/internal/config"
	"csvload/internal/dataset"
	"csvload/internal/infer"
	"csvload/internal/metrics"
	"csvload/internal/storage"
	"csvload/internal/validate"
)

// Loader runs ingestions against one storage session.
type Loader struct {
	// Session may be nil only for dry runs; a nil session skips table
	// inspection and reconciliation.
	Session storage.Session
	Config  *config.Ingestion

	// Events receives run narration. Nil disables it.
	Events Sink

	// Sleep and Now are overridable in tests.
	Sleep func(time.Duration)
	Now   func() time.Time
}

// New returns a Loader with the default clock and sleep.
func New(session storage.Session, cfg *config.Ingestion) *Loader {
	return &Loader{Session: session, Config: cfg}
}

func (l *Loader) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Loader) sleep(d time.Duration) {
	if l.Sleep != nil {
		l.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (l *Loader) eventf(level Level, format string, args ...any) {
	if l.Events == nil {
		return
	}
	l.Events.Emit(Event{Time: l.now(), Level: level, Message: fmt.Sprintf(format, args...)})
}

func (l *Loader) observeStep(step string, start time.Time) {
	metrics.ObserveHistogram(metrics.StepDurationSeconds, l.now().Sub(start).Seconds(), metrics.Labels{"step": step})
}

// Run executes one ingestion. With dryRun the database is inspected but
// never written; RowsInserted is RowsInsertedDryRun and the report shows
// what a real run would do.
func (l *Loader) Run(ctx context.Context, dryRun bool) (*Report, error) {
	cfg := l.Config
	start := l.now()

	rep := &Report{
		Timestamp: start,
		Path:      cfg.Path,
		Schema:    cfg.Schema,
		Table:     cfg.Table,
		State:     StateAborted,
		DryRun:    dryRun,
	}

	fail := func(err error) (*Report, error) {
		rep.State = StateAborted
		rep.Duration = l.now().Sub(start)
		l.eventf(LevelError, "run aborted: %v", err)
		return rep, &RunError{Report: rep, Err: err}
	}

	if !dryRun && l.Session == nil {
		return fail(fmt.Errorf("no storage session"))
	}

	target := qualifiedName(cfg.Schema, cfg.Table)

	// Read the input file.
	stepStart := l.now()
	ds, rr, err := dataset.Read(cfg.Path, dataset.ReadOptions{
		Delimiter: cfg.DelimiterRune(),
		Encoding:  cfg.Encoding,
	})
	rep.Delimiter = string(rr.Delimiter)
	rep.Encoding = rr.Encoding
	rep.Warnings = append(rep.Warnings, rr.Warnings...)
	if err != nil {
		return fail(fmt.Errorf("read input: %w", err))
	}
	for _, w := range rr.Warnings {
		l.eventf(LevelWarn, "%s", w)
	}
	rep.TotalRows = ds.RowCount()
	rep.ColumnCount = len(ds.Columns)
	metrics.IncCounter(metrics.RowsTotal, float64(ds.RowCount()), metrics.Labels{"kind": "read"})
	l.observeStep("read", stepStart)
	l.eventf(LevelInfo, "read %d row(s), %d column(s) from %s", ds.RowCount(), len(ds.Columns), cfg.Path)

	// Infer column types and synthesize the DDL.
	stepStart = l.now()
	analyses := infer.AnalyzeAll(ds.Columns, ds.ColumnValues)
	rep.Analyses = analyses
	ddl := infer.GenerateDDL(cfg.Schema, cfg.Table, analyses)
	rep.DDL = ddl
	l.observeStep("analyze", stepStart)
	l.eventf(LevelInfo, "inferred types for %d column(s)", len(analyses))

	// Reconcile against the live table.
	exists := false
	if l.Session != nil {
		var exErr error
		exists, exErr = l.Session.TableExists(ctx, cfg.Schema, cfg.Table)
		if exErr != nil {
			rep.Warnf("could not check whether %s exists: %v", target, exErr)
			exists = false
		}
	}

	if exists {
		if cfg.IfExists == config.IfExistsFail {
			if dryRun {
				rep.Warnf("table %s exists and if_exists=fail; a real run would abort", target)
			} else {
				return fail(fmt.Errorf("table %s already exists and if_exists=fail", target))
			}
		}
		l.reconcileColumns(ctx, rep, analyses)
	} else if l.Session != nil {
		switch {
		case !cfg.AutoCreateTable:
			rep.Warnf("table %s does not exist and auto_create_table is off", target)
		case dryRun:
			rep.Warnf("table %s does not exist; a real run would create it", target)
		default:
			if cerr := l.Session.Exec(ctx, ddl); cerr != nil {
				return fail(fmt.Errorf("create table %s: %w", target, cerr))
			}
			l.eventf(LevelInfo, "created table %s", target)
		}
	}

	// Validate cells against the inferred types.
	if cfg.ShouldValidate() {
		stepStart = l.now()
		res, valid, invalid := validate.Dataset(ds, analyses)
		rep.Validation = &res
		l.observeStep("validate", stepStart)

		if !res.IsValid() {
			metrics.IncCounter(metrics.RowsTotal, float64(res.InvalidRows), metrics.Labels{"kind": "invalid"})
			l.eventf(LevelWarn, "%d row(s) failed type validation", res.InvalidRows)

			if cfg.ErrorStrategy == config.FailFast {
				return fail(fmt.Errorf("validation failed: %d invalid row(s)", res.InvalidRows))
			}

			if dryRun {
				rep.Warnf("%d invalid row(s) would be written to %s",
					res.InvalidRows, filepath.Join(filepath.Dir(cfg.Path), cfg.Table+"_invalid_rows.csv"))
			} else {
				side, werr := dataset.WriteSideFile(invalid, filepath.Dir(cfg.Path), cfg.Table, rr.Delimiter)
				if werr != nil {
					rep.Warnf("could not write invalid rows: %v", werr)
				} else {
					rep.Warnf("%d invalid row(s) written to %s", res.InvalidRows, side)
				}
			}
			ds = valid
		}
	}

	// Deduplicate on the configured key.
	if len(cfg.DedupColumns) > 0 {
		out, removed, ok := dataset.Deduplicate(ds, cfg.DedupColumns)
		if !ok {
			rep.Warnf("dedup skipped: key columns %v are not all present", cfg.DedupColumns)
		} else {
			ds = out
			rep.RowsDeduplicated = removed
			if removed > 0 {
				metrics.IncCounter(metrics.RowsTotal, float64(removed), metrics.Labels{"kind": "deduplicated"})
				l.eventf(LevelInfo, "removed %d duplicate row(s)", removed)
			}
		}
	}

	ranges := chunkRanges(ds.RowCount(), cfg.ChunkSize)
	rep.ChunksTotal = len(ranges)

	if dryRun {
		rep.RowsInserted = RowsInsertedDryRun
		rep.State = StateCompleted
		rep.Duration = l.now().Sub(start)
		l.eventf(LevelInfo, "dry run complete; no rows inserted")
		return rep, nil
	}

	if exists && cfg.IfExists == config.IfExistsReplace {
		if terr := l.Session.Truncate(ctx, cfg.Schema, cfg.Table); terr != nil {
			rep.Warnf("truncate %s failed: %v", target, terr)
		} else {
			l.eventf(LevelInfo, "truncated %s", target)
		}
	}

	// Insert in fixed contiguous chunks, sequentially. The partition is
	// computed after validation and dedup so chunk boundaries reflect what
	// is actually inserted.
	stepStart = l.now()
	for _, cr := range ranges {
		rows := ds.Rows[cr.Start:cr.End]
		if cerr := l.insertChunk(ctx, ds.Columns, rows, ddl); cerr != nil {
			metrics.IncCounter(metrics.ChunksTotal, 1, metrics.Labels{"status": "failed"})
			l.observeStep("insert", stepStart)
			return fail(fmt.Errorf("insert rows %d..%d: %w", cr.Start, cr.End, cerr))
		}
		rep.RowsInserted += len(rows)
		rep.ChunksCompleted++
		metrics.IncCounter(metrics.ChunksTotal, 1, metrics.Labels{"status": "succeeded"})
		metrics.IncCounter(metrics.RowsTotal, float64(len(rows)), metrics.Labels{"kind": "inserted"})
	}
	l.observeStep("insert", stepStart)

	rep.State = StateCompleted
	rep.Duration = l.now().Sub(start)
	l.eventf(LevelInfo, "inserted %d row(s) in %d chunk(s) into %s", rep.RowsInserted, rep.ChunksCompleted, target)
	return rep, nil
}

// insertChunk tries one chunk until it succeeds or the state machine gives
// up. A missing-schema failure with auto_create_table on creates the table
// and retries without consuming an attempt; transient failures sleep and
// consume one of maxChunkAttempts.
func (l *Loader) insertChunk(ctx context.Context, columns []string, rows [][]any, ddl string) error {
	cfg := l.Config
	var st chunkState
	for {
		err := l.Session.AppendRows(ctx, cfg.Schema, cfg.Table, columns, rows)
		if err == nil {
			return nil
		}

		var decision chunkDecision
		st, decision = nextChunkState(st, storage.KindOf(err), cfg.AutoCreateTable)

		switch decision {
		case decideCreateAndRetry:
			l.eventf(LevelWarn, "insert hit a missing table or column; creating table and retrying the chunk")
			if cerr := l.Session.Exec(ctx, ddl); cerr != nil {
				return fmt.Errorf("create table while retrying: %w", cerr)
			}
		case decideRetryAfterSleep:
			metrics.IncCounter(metrics.ChunkRetriesTotal, 1, nil)
			l.eventf(LevelWarn, "transient insert failure (attempt %d of %d): %v", st.Attempts, maxChunkAttempts, err)
			l.sleep(retryDelay)
		default:
			return err
		}
	}
}

// reconcileColumns compares the inferred columns with the live table and
// records a warning per discrepancy. Inspection failure degrades to a
// single warning; the run proceeds on the file's own shape.
func (l *Loader) reconcileColumns(ctx context.Context, rep *Report, analyses []infer.ColumnAnalysis) {
	live, err := l.Session.TableColumns(ctx, l.Config.Schema, l.Config.Table)
	if err != nil {
		rep.Warnf("could not inspect live columns: %v", err)
		return
	}

	liveTypes := make(map[string]string, len(live))
	for _, c := range live {
		liveTypes[strings.ToLower(c.Name)] = c.Type
	}

	seen := make(map[string]bool, len(analyses))
	for _, a := range analyses {
		key := strings.ToLower(a.Name)
		seen[key] = true
		lt, ok := liveTypes[key]
		if !ok {
			rep.Warnf("column %s is in the file but not in the table", a.Name)
			continue
		}
		if typeFamily(lt) != typeFamily(a.SQLType) {
			rep.Warnf("column %s: inferred %s but the table has %s", a.Name, a.SQLType, lt)
		}
	}
	for _, c := range live {
		if !seen[strings.ToLower(c.Name)] {
			rep.Warnf("column %s is in the table but not in the file", c.Name)
		}
	}
}

// typeFamily reduces a SQL type to a coarse family: lowercased text before
// the first '('. VARCHAR(50) and varchar(200) compare equal; exact width
// and dialect spellings are deliberately ignored.
func typeFamily(t string) string {
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}

// Analyze reads and analyzes a file without touching a database.
func Analyze(path string, opt dataset.ReadOptions) ([]infer.ColumnAnalysis, *dataset.ReadResult, error) {
	ds, rr, err := dataset.Read(path, opt)
	if err != nil {
		return nil, rr, err
	}
	return infer.AnalyzeAll(ds.Columns, ds.ColumnValues), rr, nil
}

// SuggestDDL returns the CREATE TABLE statement inferred from a file.
func SuggestDDL(path, schema, table string, opt dataset.ReadOptions) (string, error) {
	analyses, _, err := Analyze(path, opt)
	if err != nil {
		return "", err
	}
	return infer.GenerateDDL(schema, table, analyses), nil
}
