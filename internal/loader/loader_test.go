package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"csvload/internal/config"
	"csvload/internal/dataset"
	"csvload/internal/storage"
)

// fakeSession scripts Session behavior for orchestrator tests. AppendRows
// pops errors from appendErrs in order; once the script is exhausted every
// call succeeds.
type fakeSession struct {
	mu sync.Mutex

	exists     bool
	existsErr  error
	columns    []storage.Column
	columnsErr error

	truncateErr error
	truncated   int

	appendErrs   []error
	appendCalls  int
	appendedRows int

	execErr  error
	execSQLs []string
}

func (f *fakeSession) Exec(_ context.Context, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execSQLs = append(f.execSQLs, sql)
	if f.execErr != nil {
		return f.execErr
	}
	// Creating the table makes it exist for the rest of the run.
	if strings.HasPrefix(sql, "CREATE TABLE") {
		f.exists = true
	}
	return nil
}

func (f *fakeSession) TableExists(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, f.existsErr
}

func (f *fakeSession) TableColumns(context.Context, string, string) ([]storage.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.columns, f.columnsErr
}

func (f *fakeSession) AppendRows(_ context.Context, _, _ string, _ []string, rows [][]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	if len(f.appendErrs) > 0 {
		err := f.appendErrs[0]
		f.appendErrs = f.appendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.appendedRows += len(rows)
	return nil
}

func (f *fakeSession) Truncate(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncated++
	return f.truncateErr
}

func (f *fakeSession) Close() {}

func transientErr(msg string) error {
	return &storage.Error{Kind: storage.KindTransient, Err: errors.New(msg)}
}

func missingSchemaErr(msg string) error {
	return &storage.Error{Kind: storage.KindMissingSchema, Err: errors.New(msg)}
}

func writeCSV(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func testConfig(path string) *config.Ingestion {
	c := &config.Ingestion{
		Path:            path,
		Schema:          "public",
		Table:           "people",
		AutoCreateTable: true,
		Storage:         config.Storage{Kind: "fake", DSN: "x"},
	}
	c.ApplyDefaults()
	return c
}

// newTestLoader wires a loader with recorded sleeps so retry tests do not
// actually wait.
func newTestLoader(sess storage.Session, cfg *config.Ingestion) (*Loader, *[]time.Duration) {
	var slept []time.Duration
	l := New(sess, cfg)
	l.Sleep = func(d time.Duration) { slept = append(slept, d) }
	return l, &slept
}

// TestChunkRanges checks the partition property: ranges are contiguous,
// ordered, and cover exactly n rows.
func TestChunkRanges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n, size int
		want    int
	}{
		{0, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{25, 10, 3},
		{5, 0, 1},
	}
	for _, tc := range cases {
		ranges := chunkRanges(tc.n, tc.size)
		if len(ranges) != tc.want {
			t.Errorf("chunkRanges(%d, %d) = %d ranges, want %d", tc.n, tc.size, len(ranges), tc.want)
			continue
		}
		next := 0
		for _, r := range ranges {
			if r.Start != next || r.End <= r.Start {
				t.Errorf("chunkRanges(%d, %d): bad range %+v after %d", tc.n, tc.size, r, next)
			}
			next = r.End
		}
		if next != tc.n {
			t.Errorf("chunkRanges(%d, %d) covers %d rows", tc.n, tc.size, next)
		}
	}
}

// TestNextChunkState pins the retry state machine transitions.
func TestNextChunkState(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		st         chunkState
		kind       storage.Kind
		autoCreate bool
		want       chunkDecision
		attempts   int
	}{
		{"fatal fails", chunkState{}, storage.KindFatal, true, decideFail, 1},
		{"first transient retries", chunkState{}, storage.KindTransient, true, decideRetryAfterSleep, 1},
		{"second transient retries", chunkState{Attempts: 1}, storage.KindTransient, true, decideRetryAfterSleep, 2},
		{"third transient fails", chunkState{Attempts: 2}, storage.KindTransient, true, decideFail, 3},
		{"missing schema creates", chunkState{}, storage.KindMissingSchema, true, decideCreateAndRetry, 0},
		{"missing schema again fails", chunkState{Created: true}, storage.KindMissingSchema, true, decideFail, 1},
		{"missing schema without autocreate fails", chunkState{}, storage.KindMissingSchema, false, decideFail, 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st, got := nextChunkState(tc.st, tc.kind, tc.autoCreate)
			if got != tc.want {
				t.Errorf("decision = %v, want %v", got, tc.want)
			}
			if st.Attempts != tc.attempts {
				t.Errorf("attempts = %d, want %d", st.Attempts, tc.attempts)
			}
		})
	}
}

// TestRun_HappyPath loads a clean file into a fresh auto-created table.
func TestRun_HappyPath(t *testing.T) {
	t.Parallel()

	path := writeCSV(t,
		"id,name,score",
		"1,alice,9.5",
		"2,bob,7.0",
		"3,carol,8.2",
	)
	cfg := testConfig(path)
	cfg.ChunkSize = 2

	sess := &fakeSession{}
	l, _ := newTestLoader(sess, cfg)
	sink := &ListSink{}
	l.Events = sink

	rep, err := l.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.State != StateCompleted {
		t.Errorf("State = %s", rep.State)
	}
	if rep.TotalRows != 3 || rep.RowsInserted != 3 {
		t.Errorf("rows = %d read, %d inserted", rep.TotalRows, rep.RowsInserted)
	}
	if rep.ChunksCompleted != 2 || rep.ChunksTotal != 2 {
		t.Errorf("chunks = %d/%d", rep.ChunksCompleted, rep.ChunksTotal)
	}
	if len(sess.execSQLs) != 1 || !strings.HasPrefix(sess.execSQLs[0], "CREATE TABLE") {
		t.Errorf("exec statements = %v", sess.execSQLs)
	}
	if rep.DDL == "" || len(rep.Analyses) != 3 {
		t.Errorf("report missing DDL or analyses")
	}
	if len(sink.Events()) == 0 {
		t.Errorf("no events emitted")
	}
}

// TestRun_TransientRetry verifies a chunk survives transient failures and
// that the retry pause is observed.
func TestRun_TransientRetry(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id", "1", "2")
	cfg := testConfig(path)

	sess := &fakeSession{
		exists:     true,
		columns:    []storage.Column{{Name: "id", Type: "bigint"}},
		appendErrs: []error{transientErr("locked"), transientErr("locked"), nil},
	}
	l, slept := newTestLoader(sess, cfg)

	rep, err := l.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.RowsInserted != 2 || rep.State != StateCompleted {
		t.Errorf("inserted = %d, state = %s", rep.RowsInserted, rep.State)
	}
	if sess.appendCalls != 3 {
		t.Errorf("appendCalls = %d, want 3", sess.appendCalls)
	}
	if len(*slept) != 2 || (*slept)[0] != retryDelay {
		t.Errorf("slept = %v", *slept)
	}
}

// TestRun_TransientExhausted aborts after three failed attempts on one
// chunk but keeps the rows already inserted in the report.
func TestRun_TransientExhausted(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id", "1", "2", "3", "4")
	cfg := testConfig(path)
	cfg.ChunkSize = 2

	sess := &fakeSession{
		exists:  true,
		columns: []storage.Column{{Name: "id", Type: "bigint"}},
		appendErrs: []error{
			nil, // chunk 1 lands
			transientErr("locked"),
			transientErr("locked"),
			transientErr("locked"),
		},
	}
	l, _ := newTestLoader(sess, cfg)

	rep, err := l.Run(context.Background(), false)
	if err == nil {
		t.Fatalf("expected run to abort")
	}
	var re *RunError
	if !errors.As(err, &re) || re.Report != rep {
		t.Fatalf("error does not carry the report: %v", err)
	}
	if rep.State != StateAborted {
		t.Errorf("State = %s", rep.State)
	}
	if rep.RowsInserted != 2 || rep.ChunksCompleted != 1 {
		t.Errorf("inserted = %d, chunks = %d; first chunk should be preserved", rep.RowsInserted, rep.ChunksCompleted)
	}
	if sess.appendCalls != 4 {
		t.Errorf("appendCalls = %d, want 4", sess.appendCalls)
	}
}

// TestRun_MissingSchemaAutoCreate recreates the table mid-run after a
// missing-column failure, without consuming a retry attempt.
func TestRun_MissingSchemaAutoCreate(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id,name", "1,alice")
	cfg := testConfig(path)

	sess := &fakeSession{
		exists:     true,
		columns:    []storage.Column{{Name: "id", Type: "bigint"}},
		appendErrs: []error{missingSchemaErr("column name does not exist"), nil},
	}
	l, slept := newTestLoader(sess, cfg)

	rep, err := l.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.RowsInserted != 1 {
		t.Errorf("RowsInserted = %d", rep.RowsInserted)
	}
	if len(sess.execSQLs) != 1 || !strings.HasPrefix(sess.execSQLs[0], "CREATE TABLE") {
		t.Errorf("expected one CREATE TABLE, got %v", sess.execSQLs)
	}
	if len(*slept) != 0 {
		t.Errorf("schema repair should not sleep, slept %v", *slept)
	}
}

// TestRun_MissingSchemaWithoutAutoCreate fails immediately.
func TestRun_MissingSchemaWithoutAutoCreate(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id", "1")
	cfg := testConfig(path)
	cfg.AutoCreateTable = false

	sess := &fakeSession{
		exists:     true,
		columns:    []storage.Column{{Name: "id", Type: "bigint"}},
		appendErrs: []error{missingSchemaErr("no such table")},
	}
	l, _ := newTestLoader(sess, cfg)

	if _, err := l.Run(context.Background(), false); err == nil {
		t.Fatalf("expected run to abort")
	}
	if sess.appendCalls != 1 {
		t.Errorf("appendCalls = %d, want 1", sess.appendCalls)
	}
}

// intColumnCSV writes a single-column integer file long enough that the
// type classification sample is exhausted before the trailing values, so
// those can fail validation.
func intColumnCSV(t *testing.T, trailing ...string) string {
	t.Helper()
	lines := make([]string, 0, 1201+len(trailing))
	lines = append(lines, "id")
	for i := 0; i < 1200; i++ {
		lines = append(lines, strconv.Itoa(i))
	}
	lines = append(lines, trailing...)
	return writeCSV(t, lines...)
}

// TestRun_FailFastValidation aborts after the complete validation pass.
func TestRun_FailFastValidation(t *testing.T) {
	t.Parallel()

	path := intColumnCSV(t, "oops", "nope", "1200")
	cfg := testConfig(path)

	sess := &fakeSession{}
	l, _ := newTestLoader(sess, cfg)

	rep, err := l.Run(context.Background(), false)
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	if rep.Validation == nil || rep.Validation.InvalidRows != 2 || rep.Validation.ValidRows != 1201 {
		t.Fatalf("Validation = %+v", rep.Validation)
	}
	if len(rep.Validation.Errors) != 2 {
		t.Errorf("Errors = %v; the pass must be complete before aborting", rep.Validation.Errors)
	}
	if sess.appendCalls != 0 {
		t.Errorf("rows were inserted despite fail_fast")
	}
}

// TestRun_CollectErrors writes the invalid rows aside and loads the rest.
func TestRun_CollectErrors(t *testing.T) {
	t.Parallel()

	path := intColumnCSV(t, "oops", "1200")
	cfg := testConfig(path)
	cfg.ErrorStrategy = config.CollectErrors

	sess := &fakeSession{}
	l, _ := newTestLoader(sess, cfg)

	rep, err := l.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.RowsInserted != 1201 {
		t.Errorf("RowsInserted = %d, want 1201", rep.RowsInserted)
	}

	side := filepath.Join(filepath.Dir(path), "people_invalid_rows.csv")
	b, rerr := os.ReadFile(side)
	if rerr != nil {
		t.Fatalf("side file: %v", rerr)
	}
	if !strings.Contains(string(b), "oops") {
		t.Errorf("side file missing invalid row: %q", b)
	}
}

// TestRun_Dedup removes duplicate keys keep-first and reports the count.
func TestRun_Dedup(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id,name", "1,alice", "2,bob", "1,alice2")
	cfg := testConfig(path)
	cfg.DedupColumns = []string{"id"}

	sess := &fakeSession{}
	l, _ := newTestLoader(sess, cfg)

	rep, err := l.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.RowsDeduplicated != 1 || rep.RowsInserted != 2 {
		t.Errorf("dedup = %d, inserted = %d", rep.RowsDeduplicated, rep.RowsInserted)
	}
}

// TestRun_DedupMissingKeyWarns skips dedup when a key column is absent.
func TestRun_DedupMissingKeyWarns(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id", "1", "1")
	cfg := testConfig(path)
	cfg.DedupColumns = []string{"email"}

	sess := &fakeSession{}
	l, _ := newTestLoader(sess, cfg)

	rep, err := l.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.RowsDeduplicated != 0 || rep.RowsInserted != 2 {
		t.Errorf("dedup = %d, inserted = %d", rep.RowsDeduplicated, rep.RowsInserted)
	}
	if !hasWarning(rep, "dedup skipped") {
		t.Errorf("missing dedup warning in %v", rep.Warnings)
	}
}

// TestRun_DryRun inspects but never writes.
func TestRun_DryRun(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id,name", "1,alice", "2,bob")
	cfg := testConfig(path)

	sess := &fakeSession{}
	l, _ := newTestLoader(sess, cfg)

	rep, err := l.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.RowsInserted != RowsInsertedDryRun {
		t.Errorf("RowsInserted = %d, want %d", rep.RowsInserted, RowsInsertedDryRun)
	}
	if rep.State != StateCompleted || !rep.DryRun {
		t.Errorf("State = %s, DryRun = %v", rep.State, rep.DryRun)
	}
	if sess.appendCalls != 0 || len(sess.execSQLs) != 0 || sess.truncated != 0 {
		t.Errorf("dry run touched the database: %+v", sess)
	}
	if !hasWarning(rep, "would create it") {
		t.Errorf("missing would-create warning in %v", rep.Warnings)
	}
}

// TestRun_IfExistsFail aborts on an existing table, but only warns in a
// dry run.
func TestRun_IfExistsFail(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id", "1")
	cfg := testConfig(path)
	cfg.IfExists = config.IfExistsFail

	sess := &fakeSession{exists: true, columns: []storage.Column{{Name: "id", Type: "bigint"}}}
	l, _ := newTestLoader(sess, cfg)

	if _, err := l.Run(context.Background(), false); err == nil {
		t.Fatalf("expected abort on existing table")
	}

	rep, err := l.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !hasWarning(rep, "if_exists=fail") {
		t.Errorf("missing if_exists warning in %v", rep.Warnings)
	}
}

// TestRun_ReplaceTruncates truncates before inserting, and degrades a
// truncate failure to a warning.
func TestRun_ReplaceTruncates(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id", "1", "2")
	cfg := testConfig(path)
	cfg.IfExists = config.IfExistsReplace

	sess := &fakeSession{exists: true, columns: []storage.Column{{Name: "id", Type: "bigint"}}}
	l, _ := newTestLoader(sess, cfg)

	rep, err := l.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess.truncated != 1 || rep.RowsInserted != 2 {
		t.Errorf("truncated = %d, inserted = %d", sess.truncated, rep.RowsInserted)
	}

	sess2 := &fakeSession{
		exists:      true,
		columns:     []storage.Column{{Name: "id", Type: "bigint"}},
		truncateErr: &storage.Error{Kind: storage.KindFatal, Err: errors.New("denied")},
	}
	l2, _ := newTestLoader(sess2, cfg)
	rep2, err := l2.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run after failed truncate: %v", err)
	}
	if !hasWarning(rep2, "truncate") {
		t.Errorf("missing truncate warning in %v", rep2.Warnings)
	}
	if rep2.RowsInserted != 2 {
		t.Errorf("inserted = %d after failed truncate", rep2.RowsInserted)
	}
}

// TestRun_SchemaDriftWarnings records one warning per column discrepancy.
func TestRun_SchemaDriftWarnings(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id,name", "1,alice")
	cfg := testConfig(path)

	sess := &fakeSession{
		exists: true,
		columns: []storage.Column{
			{Name: "id", Type: "character varying(20)"}, // family mismatch vs BIGINT
			{Name: "created_at", Type: "timestamp"},     // table-only column
		},
	}
	l, _ := newTestLoader(sess, cfg)

	rep, err := l.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !hasWarning(rep, "column name is in the file but not in the table") {
		t.Errorf("missing file-only column warning: %v", rep.Warnings)
	}
	if !hasWarning(rep, "column created_at is in the table but not in the file") {
		t.Errorf("missing table-only column warning: %v", rep.Warnings)
	}
	if !hasWarning(rep, "inferred BIGINT") {
		t.Errorf("missing type mismatch warning: %v", rep.Warnings)
	}
}

// TestTypeFamily pins the coarse comparison rule.
func TestTypeFamily(t *testing.T) {
	t.Parallel()

	if typeFamily("VARCHAR(50)") != typeFamily("varchar(200)") {
		t.Errorf("varchar widths should compare equal")
	}
	if typeFamily("BIGINT") == typeFamily("character varying(20)") {
		t.Errorf("bigint and varchar should differ")
	}
}

// TestSuggestDDL exercises the database-free path.
func TestSuggestDDL(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id,name", "1,alice")
	ddl, err := SuggestDDL(path, "public", "people", dataset.ReadOptions{})
	if err != nil {
		t.Fatalf("SuggestDDL: %v", err)
	}
	if !strings.HasPrefix(ddl, `CREATE TABLE IF NOT EXISTS "public"."people"`) {
		t.Errorf("ddl = %q", ddl)
	}
}

// TestReportRender smoke-tests the human rendering.
func TestReportRender(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "id", "1")
	cfg := testConfig(path)
	l, _ := newTestLoader(&fakeSession{}, cfg)

	rep, err := l.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := rep.Render()
	for _, want := range []string{"public.people", "completed", "Inserted: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func hasWarning(rep *Report, substr string) bool {
	for _, w := range rep.Warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
