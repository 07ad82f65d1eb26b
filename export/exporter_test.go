package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/bibexport/cache"
	"github.com/teranos/bibexport/catalog"
	"github.com/teranos/bibexport/errors"
	testdb "github.com/teranos/bibexport/internal/testing"
	"github.com/teranos/bibexport/library"
	"github.com/teranos/bibexport/pulse"
	"github.com/teranos/bibexport/pulse/async"
	"github.com/teranos/bibexport/worker"
	"github.com/teranos/bibexport/worker/convert"
)

const (
	identifiersID = "9cb70025-a888-4a29-a210-93ec52da40d4"
	bibtexID      = "ca65189f-8815-4afe-8c8b-8c7c15f0edca"
)

// echo turns each record into its id. Records with a "fail" field make the
// job fail; delays slow individual records down.
type echo struct {
	mu        sync.Mutex
	converted []int64
	delays    map[int64]time.Duration
}

func (e *echo) Entry(item *convert.Item, _ *convert.Job) (string, map[string]interface{}, error) {
	e.mu.Lock()
	e.converted = append(e.converted, item.ID)
	delay := e.delays[item.ID]
	e.mu.Unlock()

	time.Sleep(delay)
	if item.Field("fail") != "" {
		return "", nil, errors.Newf("cannot convert %s", item.Field("fail"))
	}
	return strconv.FormatInt(item.ID, 10), map[string]interface{}{"echo": true}, nil
}

func (e *echo) Assemble(fragments []string, job *convert.Job) (string, error) {
	return strings.Join(fragments, job.StringOption("separator")), nil
}

// take returns and forgets the records converted so far
func (e *echo) take() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.converted
	e.converted = nil
	return out
}

// sentLog records every message the client sends to a worker
type sentLog struct {
	mu   sync.Mutex
	msgs []*worker.Message
}

type recordingTransport struct {
	worker.Transport
	log *sentLog
}

func (r *recordingTransport) Send(m *worker.Message) error {
	r.log.mu.Lock()
	r.log.msgs = append(r.log.msgs, m)
	r.log.mu.Unlock()
	return r.Transport.Send(m)
}

func (l *sentLog) wrap(inner worker.Launcher) worker.Launcher {
	return func(ctx context.Context) (worker.Transport, error) {
		t, err := inner(ctx)
		if err != nil {
			return nil, err
		}
		return &recordingTransport{Transport: t, log: l}, nil
	}
}

// starts lists the job ids of start messages in send order
func (l *sentLog) starts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, m := range l.msgs {
		if m.Kind == worker.KindStart {
			out = append(out, m.Job)
		}
	}
	return out
}

type harness struct {
	*Exporter
	echo    *echo
	sent    *sentLog
	channel *worker.Channel
	facade  *cache.Facade
	events  *pulse.Bus
	history *async.Store
}

// newHarness runs the echo converter on an in-process worker. launch, when
// given, replaces the in-process launcher.
func newHarness(t *testing.T, launch func(inner worker.Launcher) worker.Launcher) *harness {
	t.Helper()

	conn := testdb.CreateTestDB(t)
	e := &echo{delays: map[int64]time.Duration{}}
	reg := convert.NewRegistry()
	reg.Register("identifiers", e)

	inner := worker.InProcessLauncher(worker.NewRuntime(reg, nil).Serve)
	if launch != nil {
		inner = launch(inner)
	}
	sent := &sentLog{}
	ch := worker.NewChannel(sent.wrap(inner), worker.Environment{Client: "test"}, nil)

	h := &harness{
		echo:    e,
		sent:    sent,
		channel: ch,
		facade:  cache.NewFacade(cache.NewSQLiteStore(conn), true, nil),
		events:  pulse.NewBus(),
		history: async.NewStore(conn),
	}
	exp, err := New(Config{
		Catalog:        catalog.Builtin(),
		Library:        testLibrary(),
		Cache:          h.facade,
		Channel:        ch,
		Events:         h.events,
		History:        h.history,
		DefaultLibrary: 1,
	})
	require.NoError(t, err)
	h.Exporter = exp

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exp.Close(ctx)
	})
	return h
}

func (h *harness) run(t *testing.T, job *Job) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Export(ctx, job)
}

func echoJob(records ...*library.Record) *Job {
	return &Job{ConverterID: identifiersID, Scope: ItemsScope(records...)}
}

func TestExportEchoesAndReusesCache(t *testing.T) {
	h := newHarness(t, nil)
	records := []*library.Record{record(1, "book"), record(2, "book"), record(3, "book")}

	out, err := h.run(t, echoJob(records...))
	require.NoError(t, err)
	assert.Equal(t, "123", out)
	assert.Equal(t, []int64{1, 2, 3}, h.echo.take())

	out, err = h.run(t, echoJob(records...))
	require.NoError(t, err)
	assert.Equal(t, "123", out)
	assert.Empty(t, h.echo.take(), "every record was cached by the first run")

	// one new record: only that one reaches the converter
	out, err = h.run(t, echoJob(append(records, record(4, "book"))...))
	require.NoError(t, err)
	assert.Equal(t, "1234", out)
	assert.Equal(t, []int64{4}, h.echo.take())

	assert.Equal(t, 1, h.channel.Launches())
}

func TestExportFingerprintSeparatesOptions(t *testing.T) {
	h := newHarness(t, nil)
	records := []*library.Record{record(1, "book"), record(2, "book"), record(3, "book")}

	plain := echoJob(records...)
	_, err := h.run(t, plain)
	require.NoError(t, err)
	h.echo.take()

	commas := echoJob(records...)
	commas.DisplayOptions = map[string]interface{}{"separator": ","}
	out, err := h.run(t, commas)
	require.NoError(t, err)
	assert.Equal(t, "1,2,3", out)
	assert.Equal(t, []int64{1, 2, 3}, h.echo.take(), "a different option value must not hit")

	again := echoJob(records...)
	again.DisplayOptions = map[string]interface{}{"separator": ","}
	_, err = h.run(t, again)
	require.NoError(t, err)
	assert.Empty(t, h.echo.take())

	prefs := echoJob(records...)
	prefs.Preferences = map[string]interface{}{"ascii_bibtex": true}
	_, err = h.run(t, prefs)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, h.echo.take(), "a different preference must not hit")
}

func TestExportCacheDisabled(t *testing.T) {
	h := newHarness(t, nil)
	h.facade.SetEnabled(false)
	records := []*library.Record{record(1, "book"), record(2, "book")}

	for i := 0; i < 2; i++ {
		_, err := h.run(t, echoJob(records...))
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, h.echo.take())
	}
}

func TestCanceledJobNeverReachesWorker(t *testing.T) {
	h := newHarness(t, nil)

	job := echoJob(record(1, "book"))
	job.Cancel()
	out, err := h.run(t, job)
	require.NoError(t, err)
	assert.Equal(t, "", out)
	assert.Zero(t, h.channel.Launches(), "no worker is started for a cancelled job")

	stored, err := h.history.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusCancelled, stored.Status)

	// with a live worker the cancelled job still sends nothing
	_, err = h.run(t, echoJob(record(2, "book")))
	require.NoError(t, err)
	canceled := echoJob(record(3, "book"))
	canceled.Cancel()
	out, err = h.run(t, canceled)
	require.NoError(t, err)
	assert.Equal(t, "", out)
	assert.NotContains(t, h.sent.starts(), canceled.ID)
	assert.Equal(t, []int64{2}, h.echo.take())
}

func TestCancelWhileQueued(t *testing.T) {
	h := newHarness(t, nil)
	h.echo.delays[1] = 200 * time.Millisecond

	first := echoJob(record(1, "book"))
	slow, err := h.Submit(first)
	require.NoError(t, err)
	waiting := echoJob(record(2, "book"))
	future, err := h.Submit(waiting)
	require.NoError(t, err)
	waiting.Cancel()

	res, err := future.Result()
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.Equal(t, "", res.Output)

	out, err := slow.Result()
	require.NoError(t, err)
	assert.Equal(t, "1", out.Output)
	assert.Equal(t, []string{first.ID}, h.sent.starts())
}

func TestCanceledInvalidJobIsEmptyResult(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()

	jobs := map[string]*Job{
		"empty items":       {ConverterID: identifiersID, Scope: ItemsScope()},
		"unknown converter": {ConverterID: "endnote", Scope: LibraryScope(1)},
		"missing parent":    {ConverterID: identifiersID, Path: filepath.Join(dir, "missing", "out.txt")},
	}
	for name, job := range jobs {
		t.Run(name, func(t *testing.T) {
			job.Cancel()
			out, err := h.run(t, job)
			require.NoError(t, err)
			assert.Equal(t, "", out)

			stored, err := h.history.GetJob(job.ID)
			require.NoError(t, err)
			assert.Equal(t, async.JobStatusCancelled, stored.Status)
		})
	}
	assert.Zero(t, h.channel.Launches())
}

func TestQueueCompletesInSubmissionOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.echo.delays[1] = 150 * time.Millisecond

	var (
		mu       sync.Mutex
		finished []string
	)
	submit := func(name string, rec *library.Record) (*Job, *async.Future) {
		job := echoJob(rec)
		job.ItemDone = func(int64) {
			mu.Lock()
			finished = append(finished, name)
			mu.Unlock()
		}
		future, err := h.Submit(job)
		require.NoError(t, err)
		return job, future
	}

	a, fa := submit("A", record(1, "book"))
	b, fb := submit("B", record(2, "book"))
	c, fc := submit("C", record(3, "book"))

	for i, f := range []*async.Future{fa, fb, fc} {
		res, err := f.Result()
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i+1), res.Output)
	}
	assert.Equal(t, []string{"A", "B", "C"}, finished)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, h.sent.starts())
}

func TestValidationFailuresNeverTouchWorker(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()

	cases := []struct {
		name string
		job  *Job
		is   func(error) bool
	}{
		{"empty items", &Job{ConverterID: identifiersID, Scope: ItemsScope()}, errors.IsInvalidScope},
		{"unknown collection", &Job{ConverterID: identifiersID, Scope: CollectionScope("NOPE")}, errors.IsInvalidScope},
		{"unknown converter", &Job{ConverterID: "endnote", Scope: LibraryScope(1)}, errors.IsInvalidRequestError},
		{"missing parent", &Job{ConverterID: identifiersID, Path: filepath.Join(dir, "missing", "out.txt")}, errors.IsDestinationUnwritable},
		{"directory", &Job{ConverterID: identifiersID, Path: dir}, errors.IsDestinationUnwritable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.run(t, tc.job)
			require.Error(t, err)
			assert.True(t, tc.is(err), "got %v", err)
		})
	}
	assert.Zero(t, h.channel.Launches())
}

func TestConversionFailureDoesNotStopQueue(t *testing.T) {
	h := newHarness(t, nil)

	bad := record(7, "book")
	bad.Fields = map[string]interface{}{"fail": "unbalanced braces"}
	failing, err := h.Submit(echoJob(bad))
	require.NoError(t, err)
	next := echoJob(record(1, "book"))
	ok, err := h.Submit(next)
	require.NoError(t, err)

	_, err = failing.Result()
	require.Error(t, err)
	assert.True(t, errors.IsConversionFailed(err))
	assert.Contains(t, err.Error(), "unbalanced braces")

	res, err := ok.Result()
	require.NoError(t, err)
	assert.Equal(t, "1", res.Output)
	assert.Equal(t, 1, h.channel.Launches())

	stored, err := h.history.GetJob(next.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusCompleted, stored.Status)
}

func TestWorkerUnavailableDisablesExport(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
		broken   = true
	)
	h := newHarness(t, func(inner worker.Launcher) worker.Launcher {
		return func(ctx context.Context) (worker.Transport, error) {
			mu.Lock()
			attempts++
			fail := broken
			mu.Unlock()
			if fail {
				return nil, errors.New("exec: \"bibexport\": executable file not found in $PATH")
			}
			return inner(ctx)
		}
	})
	events := h.events.Subscribe()
	defer h.events.Unsubscribe(events)

	_, err := h.run(t, echoJob(record(1, "book")))
	require.Error(t, err)
	assert.True(t, errors.IsWorkerUnavailable(err))
	assert.True(t, h.Disabled())

	var notice *pulse.Event
	for notice == nil {
		select {
		case e := <-events:
			if e.Kind == pulse.EventNotice {
				notice = &e
			}
		case <-time.After(time.Second):
			t.Fatal("no notice emitted")
		}
	}
	assert.Contains(t, notice.Message, "background export is disabled")

	// later jobs fail fast without another launch attempt
	mu.Lock()
	broken = false
	mu.Unlock()
	_, err = h.run(t, echoJob(record(2, "book")))
	require.Error(t, err)
	assert.True(t, errors.IsWorkerUnavailable(err))
	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()

	h.Reset()
	out, err := h.run(t, echoJob(record(3, "book")))
	require.NoError(t, err)
	assert.Equal(t, "3", out)
}

func TestExportWritesDestination(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "library.txt")

	job := &Job{ConverterID: identifiersID, Path: path, DisplayOptions: map[string]interface{}{"separator": "\n"}}
	out, err := h.run(t, job)
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n4\n5", out, "default scope is the whole library without annotations")

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, out, string(written))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no write-check or temp files are left behind")
}

func TestExportEmitsDoneEvents(t *testing.T) {
	h := newHarness(t, nil)
	events := h.events.Subscribe()
	defer h.events.Unsubscribe(events)

	job := echoJob(record(1, "book"))
	job.AutoExport = "ae-1"
	_, err := h.run(t, job)
	require.NoError(t, err)

	var got []pulse.Event
	timeout := time.After(time.Second)
	for {
		select {
		case e := <-events:
			got = append(got, e)
			if e.Kind == pulse.EventDone {
				assert.Equal(t, job.ID, e.JobID)
				assert.Equal(t, "ae-1", e.AutoExport)
				assert.Empty(t, e.Error)
				for _, p := range got {
					assert.Equal(t, "ae-1", p.AutoExport)
				}
				return
			}
		case <-timeout:
			t.Fatalf("no done event after %d events", len(got))
		}
	}
}

// payloadRecorder is a Dispatcher capturing the decoded start payload
type payloadRecorder struct {
	jobs     []string
	payloads []worker.StartPayload
	output   string
}

func (p *payloadRecorder) Dispatch(ctx context.Context, jobID string, config json.RawMessage, h worker.Handlers) (string, error) {
	var payload worker.StartPayload
	if err := json.Unmarshal(config, &payload); err != nil {
		return "", err
	}
	p.jobs = append(p.jobs, jobID)
	p.payloads = append(p.payloads, payload)
	return p.output, nil
}

func newTestCoordinator(t *testing.T, d Dispatcher) (*Coordinator, *cache.Facade, *pulse.Bus) {
	t.Helper()
	facade := cache.NewFacade(cache.NewSQLiteStore(testdb.CreateTestDB(t)), true, nil)
	bus := pulse.NewBus()
	c := NewCoordinator(CoordinatorConfig{
		Catalog:        catalog.Builtin(),
		Library:        testLibrary(),
		Cache:          facade,
		Dispatcher:     d,
		Events:         bus,
		Preferences:    map[string]interface{}{"jabref_format": 0, "ascii_bibtex": false},
		DefaultLibrary: 1,
	})
	return c, facade, bus
}

func TestCoordinatorPayload(t *testing.T) {
	rec := &payloadRecorder{}
	c, _, _ := newTestCoordinator(t, rec)
	path := filepath.Join(t.TempDir(), "thesis.bib")

	res, err := c.Run(context.Background(), &Job{
		ID:          "job-1",
		ConverterID: "bibtex",
		Scope:       CollectionScope("THESIS"),
		Path:        path,
		Preferences: map[string]interface{}{"ascii_bibtex": true},
	})
	require.NoError(t, err)
	assert.False(t, res.Canceled)
	require.Len(t, rec.payloads, 1)

	p := rec.payloads[0]
	assert.Equal(t, "Better BibTeX", p.Converter)
	assert.Equal(t, "bibtex", p.Implementation)
	assert.Equal(t, path, p.Output)
	assert.True(t, p.Cacheable)
	assert.Equal(t, []int64{1, 2, 3, 4}, p.Data.Order, "annotations are not exported")
	assert.Len(t, p.Data.Items, 4)
	assert.Len(t, p.Data.Collections, 3)

	assert.Equal(t, false, p.Options["export_notes"], "display option defaults are filled in")
	assert.Equal(t, path, p.Options["export_path"])
	assert.Equal(t, filepath.Dir(path), p.Options["export_dir"])
	assert.Equal(t, true, p.Preferences["ascii_bibtex"])
	assert.EqualValues(t, 0, p.Preferences["jabref_format"])
}

func TestCoordinatorCollectionsOnlyWhenWanted(t *testing.T) {
	rec := &payloadRecorder{}
	c, _, _ := newTestCoordinator(t, rec)

	_, err := c.Run(context.Background(), &Job{ConverterID: identifiersID, Scope: CollectionScope("THESIS")})
	require.NoError(t, err)
	assert.Empty(t, rec.payloads[0].Data.Collections)
}

func TestCoordinatorCacheRules(t *testing.T) {
	rec := &payloadRecorder{}
	c, facade, _ := newTestCoordinator(t, rec)
	ctx := context.Background()

	desc, err := catalog.Builtin().ByID(bibtexID)
	require.NoError(t, err)
	options, err := catalog.Builtin().DisplayOptions(bibtexID, nil)
	require.NoError(t, err)
	prefs := map[string]interface{}{"jabref_format": 0, "ascii_bibtex": false}
	require.NoError(t, facade.Store(ctx, cache.NewFingerprint(desc.Label, options, prefs), 1, "@book{one}", nil))

	_, err = c.Run(ctx, &Job{ConverterID: bibtexID, Scope: LibraryScope(1)})
	require.NoError(t, err)
	p := rec.payloads[0]
	assert.Equal(t, "@book{one}", p.Data.Cache[1].Entry)
	assert.Len(t, p.Data.Items, 4)
	assert.Len(t, p.Data.Order, 5)

	_, err = c.Run(ctx, &Job{
		ConverterID:    bibtexID,
		Scope:          LibraryScope(1),
		DisplayOptions: map[string]interface{}{"export_file_data": true},
	})
	require.NoError(t, err)
	p = rec.payloads[1]
	assert.False(t, p.Cacheable)
	assert.Empty(t, p.Data.Cache)
	assert.Len(t, p.Data.Items, 5)

	_, err = c.Run(ctx, &Job{
		ConverterID: bibtexID,
		Scope:       LibraryScope(1),
		Preferences: map[string]interface{}{"jabref_format": 4},
	})
	require.NoError(t, err)
	assert.False(t, rec.payloads[2].Cacheable)
}

func TestCoordinatorPreparingStatus(t *testing.T) {
	c, _, bus := newTestCoordinator(t, &payloadRecorder{})
	c.queued = func() int { return 2 }
	events := bus.Subscribe()

	_, err := c.Run(context.Background(), &Job{ID: "job-1", ConverterID: "json", Scope: LibraryScope(1)})
	require.NoError(t, err)
	bus.Unsubscribe(events)
	close(events)

	var percents []int
	for e := range events {
		assert.Equal(t, "Preparing Better CSL JSON +2", e.Message)
		assert.Equal(t, "job-1", e.JobID)
		percents = append(percents, e.Percent)
	}
	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])
	assert.IsNonDecreasing(t, percents)
}

func TestCoordinatorCancelAfterResolve(t *testing.T) {
	rec := &payloadRecorder{}
	c, _, _ := newTestCoordinator(t, rec)

	job := &Job{ConverterID: identifiersID, Scope: LibraryScope(1)}
	// the serializer's first yield observes the cancellation
	c.serializer.yieldAfter = time.Nanosecond
	c.serializer.now = (&fakeClock{t: time.Unix(0, 0), step: time.Millisecond}).now
	c.serializer.yield = job.Cancel

	res, err := c.Run(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.Empty(t, rec.jobs)
}
