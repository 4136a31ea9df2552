package route

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvrouter/internal/classify"
	"github.com/JonMunkholm/csvrouter/internal/storage/memstore"
)

// semesterGrade partitions by Semester and groups by Semester/Grade.
func semesterGrade() Policy {
	return Policy{
		Name:        "semester-grade",
		PartitionOf: func(r classify.Record) string { return r.Get("Semester") },
		GroupOf:     func(r classify.Record) string { return r.Get("Semester") + "/" + r.Get("Grade") },
	}
}

func newRouter(t *testing.T, ctx context.Context, store *memstore.Store, p Policy, prefix string) *Router {
	t.Helper()
	r, err := New(ctx, Config{Policy: p, Sink: store, Cleaner: store, Prefix: prefix})
	require.NoError(t, err)
	return r
}

func drain(t *testing.T, r *Router, input io.Reader) (Summary, error) {
	t.Helper()
	return r.Drain(classify.New(input))
}

func parseOutput(t *testing.T, body string) [][]string {
	t.Helper()
	rows, err := csv.NewReader(strings.NewReader(body)).ReadAll()
	require.NoError(t, err)
	return rows
}

// ============================================================================
// Scenarios
// ============================================================================

func TestRouter_SemesterGradeScenario(t *testing.T) {
	store := memstore.New()
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	input := "School,Semester,Grade\nA,Fall,9\nB,Fall,9\nA,Spring,9\n"
	sum, err := drain(t, r, strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"Fall/9", "Spring/9"}, store.Keys())

	fall, _ := store.Get("Fall/9")
	assert.Equal(t, "School,Semester,Grade\nA,Fall,9\nB,Fall,9\n", fall)
	spring, _ := store.Get("Spring/9")
	assert.Equal(t, "School,Semester,Grade\nA,Spring,9\n", spring)

	assert.Equal(t, 1, store.Count("delete", "Fall/"))
	assert.Equal(t, 1, store.Count("delete", "Spring/"))

	assert.Equal(t, 3, sum.Rows)
	require.Len(t, sum.Groups, 2)
	assert.Equal(t, GroupResult{Key: "Fall/9", Partition: "Fall", Path: "Fall/9", Rows: 2, State: StateDone}, sum.Groups[0])
	assert.Equal(t, 1, sum.Groups[1].Rows)
	assert.Equal(t, 2, sum.Committed())
	assert.Empty(t, sum.CleanupErrors())
}

func TestRouter_ReadErrorMidStream(t *testing.T) {
	store := memstore.New()
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	boom := errors.New("connection reset by peer")
	input := io.MultiReader(
		strings.NewReader("School,Semester,Grade\nA,Fall,9\nB,Spring,10\n"),
		iotest.ErrReader(boom),
	)

	sum, err := drain(t, r, input)
	require.Error(t, err)

	var readErr *classify.SourceReadError
	require.True(t, errors.As(err, &readErr), "want *classify.SourceReadError, got %T", err)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 2, len(r.groupOrder), "no groups after the error")
	assert.Empty(t, store.Keys(), "nothing committed")
	for _, g := range sum.Groups {
		assert.Equal(t, StateFailed, g.State, g.Key)
	}
	assert.ErrorIs(t, r.Route(classify.NewRecord([]string{"Semester"}, []string{"Winter"})), ErrRouterClosed)
}

func TestRouter_ParseErrorMidStream(t *testing.T) {
	store := memstore.New()
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	input := "School,Semester,Grade\nA,Fall,9\nB,Fall,9,extra\nC,Spring,9\n"
	_, err := drain(t, r, strings.NewReader(input))

	var pe *classify.ParseError
	require.True(t, errors.As(err, &pe), "want *classify.ParseError, got %T", err)
	assert.Equal(t, 3, pe.Line)
	assert.Equal(t, 1, len(r.groupOrder))
	assert.Empty(t, store.Keys())
}

func TestRouter_CleanupFailureIsNotFatal(t *testing.T) {
	store := memstore.New()
	store.Put("Fall/9", "stale")
	store.FailDelete("Fall/", errors.New("access denied"))
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	input := "School,Semester,Grade\nA,Fall,9\nB,Fall,10\nA,Spring,9\n"
	sum, err := drain(t, r, strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"Fall/10", "Fall/9", "Spring/9"}, store.Keys())
	fall, _ := store.Get("Fall/9")
	assert.Equal(t, "School,Semester,Grade\nA,Fall,9\n", fall)

	errs := sum.CleanupErrors()
	require.Len(t, errs, 1)
	var ce *CleanupError
	require.True(t, errors.As(errs[0], &ce))
	assert.Equal(t, "Fall", ce.Partition)
	assert.Equal(t, "Fall/", ce.Prefix)
	assert.Equal(t, 3, sum.Committed())
}

// ============================================================================
// Properties
// ============================================================================

func TestRouter_CleanupOncePerPartition(t *testing.T) {
	store := memstore.New()
	r := newRouter(t, context.Background(), store, SchoolPolicy(), "out")

	var b strings.Builder
	b.WriteString("School,Semester,Grade,Subject,Class\n")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, "S%d,Fall,%d,Math,%c\n", i%4, i%6, 'A'+rune(i%3))
	}

	sum, err := drain(t, r, strings.NewReader(b.String()))
	require.NoError(t, err)

	deletes := 0
	for _, e := range store.Events() {
		if e.Op == "delete" {
			deletes++
			assert.Equal(t, "out/Fall/", e.Path)
		}
	}
	assert.Equal(t, 1, deletes)
	assert.Len(t, sum.Partitions, 1)
	assert.Len(t, sum.Groups, 12, "key combinations repeat every 12 rows")
}

func TestRouter_CleanupHappensBeforeOpen(t *testing.T) {
	store := memstore.New()
	release := make(chan struct{})
	store.BeforeDelete = func(string) { <-release }

	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	c := classify.New(strings.NewReader("School,Semester,Grade\nA,Fall,9\nB,Fall,10\nC,Spring,9\nD,Fall,9\n"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			rec, err := c.Next()
			if err == io.EOF {
				return
			}
			if !assert.NoError(t, err) || !assert.NoError(t, r.Route(rec)) {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Route blocked while cleanup was pending")
	}

	time.Sleep(20 * time.Millisecond)
	for _, e := range store.Events() {
		assert.NotEqual(t, "open", e.Op, "sink opened before cleanup finished")
	}

	close(release)
	_, err := r.Close()
	require.NoError(t, err)

	seenDelete := map[string]bool{}
	for _, e := range store.Events() {
		switch e.Op {
		case "delete":
			seenDelete[e.Path] = true
		case "open", "commit":
			partition := strings.SplitN(e.Path, "/", 2)[0] + "/"
			assert.True(t, seenDelete[partition], "%s %s before delete of %s", e.Op, e.Path, partition)
		}
	}
	fall, _ := store.Get("Fall/9")
	assert.Equal(t, "School,Semester,Grade\nA,Fall,9\nD,Fall,9\n", fall)
}

func TestRouter_RoundTrip(t *testing.T) {
	store := memstore.New()
	p := FieldPolicy([]string{"Region"}, []string{"Store"}, ".csv")
	r := newRouter(t, context.Background(), store, p, "exports")

	rng := rand.New(rand.NewSource(42))
	header := []string{"Region", "Store", "Item", "Qty"}
	var input [][]string
	var b strings.Builder
	w := csv.NewWriter(&b)
	require.NoError(t, w.Write(header))
	for i := 0; i < 1000; i++ {
		row := []string{
			fmt.Sprintf("R%d", rng.Intn(3)),
			fmt.Sprintf("S%d", rng.Intn(7)),
			fmt.Sprintf("item \"%d\", boxed", rng.Intn(50)),
			fmt.Sprint(rng.Intn(10)),
		}
		input = append(input, row)
		require.NoError(t, w.Write(row))
	}
	w.Flush()

	sum, err := drain(t, r, strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, len(input), sum.Rows)

	var output [][]string
	for _, key := range store.Keys() {
		body, _ := store.Get(key)
		rows := parseOutput(t, body)
		require.NotEmpty(t, rows)
		assert.Equal(t, header, rows[0], key)
		for _, row := range rows[1:] {
			// Each row sits in the file its own group key names.
			want := path.Join("exports", p.GroupOf(classify.NewRecord(header, row)))
			assert.Equal(t, want, key)
			output = append(output, row)
		}
	}

	assert.ElementsMatch(t, input, output)
}

func TestRouter_PreservesOrderWithinGroup(t *testing.T) {
	store := memstore.New()
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	var b strings.Builder
	b.WriteString("Seq,Semester,Grade\n")
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&b, "%d,Fall,%d\n", i, i%2)
	}
	_, err := drain(t, r, strings.NewReader(b.String()))
	require.NoError(t, err)

	for _, key := range []string{"Fall/0", "Fall/1"} {
		body, _ := store.Get(key)
		rows := parseOutput(t, body)[1:]
		seqs := make([]int, len(rows))
		for i, row := range rows {
			fmt.Sscan(row[0], &seqs[i])
		}
		assert.True(t, sort.IntsAreSorted(seqs), key)
		assert.Len(t, rows, 250)
	}
}

// ============================================================================
// Failures
// ============================================================================

func TestRouter_SinkCommitFailure(t *testing.T) {
	store := memstore.New()
	commitErr := errors.New("upload rejected")
	store.FailCommit("Spring/9", commitErr)
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	sum, err := drain(t, r, strings.NewReader("School,Semester,Grade\nA,Fall,9\nA,Spring,9\n"))
	require.Error(t, err)

	var se *SinkCommitError
	require.True(t, errors.As(err, &se), "want *SinkCommitError, got %T", err)
	assert.Equal(t, "Spring/9", se.Group)
	assert.ErrorIs(t, err, commitErr)

	for _, g := range sum.Groups {
		if g.Key == "Spring/9" {
			assert.Equal(t, StateFailed, g.State)
			assert.Equal(t, se, g.Err)
		}
	}
}

func TestRouter_SinkOpenFailureStopsRouting(t *testing.T) {
	store := memstore.New()
	store.FailOpen("Fall/9", errors.New("bucket missing"))
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	header := []string{"School", "Semester", "Grade"}
	require.NoError(t, r.Route(classify.NewRecord(header, []string{"A", "Fall", "9"})))

	require.Eventually(t, func() bool { return r.Err() != nil }, 5*time.Second, 5*time.Millisecond)

	err := r.Route(classify.NewRecord(header, []string{"A", "Spring", "9"}))
	var se *SinkCommitError
	require.True(t, errors.As(err, &se), "want *SinkCommitError, got %T", err)
	assert.Equal(t, 1, len(r.groupOrder))

	_, closeErr := r.Close()
	assert.Same(t, se, closeErr)
}

func TestRouter_WriteFailure(t *testing.T) {
	store := memstore.New()
	store.FailWrite("Fall/9", errors.New("disk full"))
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	_, err := drain(t, r, strings.NewReader("School,Semester,Grade\nA,Fall,9\n"))
	var se *SinkCommitError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, store.Count("abort", "Fall/9"))
	assert.Equal(t, 0, store.Count("commit", "Fall/9"))
}

func TestRouter_FirstFatalErrorWins(t *testing.T) {
	store := memstore.New()
	store.FailCommit("Fall/9", errors.New("first"))
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	require.NoError(t, r.Route(classify.NewRecord([]string{"Semester", "Grade"}, []string{"Fall", "9"})))
	_, err := r.Close()
	var se *SinkCommitError
	require.True(t, errors.As(err, &se))

	// Later failures do not replace it.
	_, again := r.Abort(errors.New("second"))
	assert.Same(t, se, again)
}

func TestRouter_AbortDiscardsOutputs(t *testing.T) {
	store := memstore.New()
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	header := []string{"Semester", "Grade"}
	require.NoError(t, r.Route(classify.NewRecord(header, []string{"Fall", "9"})))
	require.NoError(t, r.Route(classify.NewRecord(header, []string{"Spring", "9"})))

	sum, err := r.Abort(nil)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Empty(t, store.Keys())
	assert.Equal(t, 0, sum.Committed())
}

func TestRouter_ContextCancelled(t *testing.T) {
	store := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	r := newRouter(t, ctx, store, semesterGrade(), "")

	header := []string{"Semester", "Grade"}
	require.NoError(t, r.Route(classify.NewRecord(header, []string{"Fall", "9"})))
	cancel()

	_, err := r.Close()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.Keys())
}

// ============================================================================
// Lifecycle and edge cases
// ============================================================================

func TestRouter_CloseIsIdempotent(t *testing.T) {
	store := memstore.New()
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	require.NoError(t, r.Route(classify.NewRecord([]string{"Semester", "Grade"}, []string{"Fall", "9"})))
	first, err := r.Close()
	require.NoError(t, err)

	second, err := r.Close()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.ErrorIs(t, r.Route(classify.NewRecord([]string{"Semester"}, []string{"Fall"})), ErrRouterClosed)
	assert.Equal(t, 1, store.Count("commit", "Fall/9"))
}

func TestRouter_EmptySource(t *testing.T) {
	store := memstore.New()
	r := newRouter(t, context.Background(), store, semesterGrade(), "")

	sum, err := drain(t, r, strings.NewReader("School,Semester,Grade\n"))
	require.NoError(t, err)
	assert.Zero(t, sum.Rows)
	assert.Empty(t, store.Events())
}

func TestRouter_EmptyPartitionKeySkipsCleanup(t *testing.T) {
	store := memstore.New()
	store.Put("out/keep.csv", "x")
	p := Policy{
		PartitionOf: func(classify.Record) string { return "" },
		GroupOf:     func(r classify.Record) string { return r.Get("Grade") + ".csv" },
	}
	r := newRouter(t, context.Background(), store, p, "out")

	sum, err := drain(t, r, strings.NewReader("Grade\n9\n"))
	require.NoError(t, err)

	assert.Equal(t, 0, store.Count("delete", "out/"))
	_, kept := store.Get("out/keep.csv")
	assert.True(t, kept)

	errs := sum.CleanupErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errEmptyPartition)
	assert.Equal(t, 1, sum.Committed())
}

func TestRouter_PrefixScopesCleanup(t *testing.T) {
	store := memstore.New()
	store.Put("out/Fall/old.csv", "old")
	store.Put("out/Fall-2026/keep.csv", "keep")
	r := newRouter(t, context.Background(), store, semesterGrade(), "out")

	sum, err := drain(t, r, strings.NewReader("Semester,Grade\nFall,9\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"out/Fall-2026/keep.csv", "out/Fall/9"}, store.Keys())
	require.Len(t, sum.Partitions, 1)
	assert.Equal(t, 1, sum.Partitions[0].Deleted)
}

func TestRouter_Delimiter(t *testing.T) {
	store := memstore.New()
	r, err := New(context.Background(), Config{Policy: semesterGrade(), Sink: store, Cleaner: store, Delimiter: ';'})
	require.NoError(t, err)

	_, err = drain(t, r, strings.NewReader("Semester,Grade\nFall,9\n"))
	require.NoError(t, err)
	body, _ := store.Get("Fall/9")
	assert.Equal(t, "Semester;Grade\nFall;9\n", body)
}

func TestNew_Validation(t *testing.T) {
	store := memstore.New()

	_, err := New(context.Background(), Config{Sink: store, Cleaner: store})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Policy: SchoolPolicy(), Cleaner: store})
	assert.Error(t, err)
}

// ============================================================================
// Observer
// ============================================================================

type countingObserver struct {
	mu        sync.Mutex
	routed    int
	opened    int
	finished  map[GroupState]int
	cleaned   int
	cleanErrs int
}

func (o *countingObserver) RecordRouted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routed++
}

func (o *countingObserver) GroupOpened() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
}

func (o *countingObserver) GroupFinished(s GroupState, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished == nil {
		o.finished = map[GroupState]int{}
	}
	o.finished[s]++
}

func (o *countingObserver) PartitionCleaned(_ int, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleaned++
	if err != nil {
		o.cleanErrs++
	}
}

func TestRouter_Observer(t *testing.T) {
	store := memstore.New()
	store.FailDelete("Spring/", errors.New("nope"))
	obs := &countingObserver{}
	r, err := New(context.Background(), Config{Policy: semesterGrade(), Sink: store, Cleaner: store, Observer: obs})
	require.NoError(t, err)

	_, err = drain(t, r, strings.NewReader("School,Semester,Grade\nA,Fall,9\nB,Fall,9\nA,Spring,9\n"))
	require.NoError(t, err)

	assert.Equal(t, 3, obs.routed)
	assert.Equal(t, 2, obs.opened)
	assert.Equal(t, map[GroupState]int{StateDone: 2}, obs.finished)
	assert.Equal(t, 2, obs.cleaned)
	assert.Equal(t, 1, obs.cleanErrs)
}

func TestGroupState_String(t *testing.T) {
	assert.Equal(t, "pending_cleanup", StatePendingCleanup.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "GroupState(9)", GroupState(9).String())

	text, err := StateFailed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "failed", string(text))
}
