package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/bibexport/errors"
	testdb "github.com/teranos/bibexport/internal/testing"
)

func closeQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
}

// recorder notes the order in which tasks start and finish
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func delayedTask(r *recorder, name string, delay time.Duration) Task {
	return func(ctx context.Context) (Result, error) {
		r.add("start " + name)
		time.Sleep(delay)
		r.add("end " + name)
		return Result{Output: name}, nil
	}
}

func TestQueueFIFOWithSlowHead(t *testing.T) {
	q := NewQueue(nil, nil)
	defer closeQueue(t, q)
	r := &recorder{}

	fa, err := q.Enqueue(NewJob("a", "X", "items", "", ""), delayedTask(r, "A", 50*time.Millisecond))
	require.NoError(t, err)
	fb, err := q.Enqueue(NewJob("b", "X", "items", "", ""), delayedTask(r, "B", 0))
	require.NoError(t, err)
	fc, err := q.Enqueue(NewJob("c", "X", "items", "", ""), delayedTask(r, "C", 10*time.Millisecond))
	require.NoError(t, err)

	ctx := context.Background()
	for name, f := range map[string]*Future{"A": fa, "B": fb, "C": fc} {
		out, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, name, out)
	}

	assert.Equal(t, []string{"start A", "end A", "start B", "end B", "start C", "end C"}, r.list())
}

func TestQueueQueuedCount(t *testing.T) {
	q := NewQueue(nil, nil)
	defer closeQueue(t, q)

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := func(ctx context.Context) (Result, error) {
		close(started)
		<-release
		return Result{}, nil
	}
	noop := func(ctx context.Context) (Result, error) { return Result{}, nil }

	_, err := q.Enqueue(NewJob("", "X", "items", "", ""), blocker)
	require.NoError(t, err)
	<-started

	_, err = q.Enqueue(NewJob("", "X", "items", "", ""), noop)
	require.NoError(t, err)
	last, err := q.Enqueue(NewJob("", "X", "items", "", ""), noop)
	require.NoError(t, err)

	assert.Equal(t, 2, q.Queued())
	require.NotNil(t, q.Running())
	assert.Equal(t, JobStatusRunning, q.Running().Status)
	assert.Equal(t, 2, q.Metrics().JobsQueued)

	close(release)
	_, err = last.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, q.Queued())
}

func TestQueueFailureDoesNotStopQueue(t *testing.T) {
	q := NewQueue(nil, nil)
	defer closeQueue(t, q)

	failing, err := q.Enqueue(NewJob("", "X", "items", "", ""), func(ctx context.Context) (Result, error) {
		return Result{}, errors.ConversionFailed("undefined field")
	})
	require.NoError(t, err)
	panicking, err := q.Enqueue(NewJob("", "X", "items", "", ""), func(ctx context.Context) (Result, error) {
		panic("boom")
	})
	require.NoError(t, err)
	ok, err := q.Enqueue(NewJob("", "X", "items", "", ""), func(ctx context.Context) (Result, error) {
		return Result{Output: ""}, nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = failing.Wait(ctx)
	assert.True(t, errors.IsConversionFailed(err))

	_, err = panicking.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	out, err := ok.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestQueueSubscribersSeeTransitions(t *testing.T) {
	q := NewQueue(nil, nil)
	defer closeQueue(t, q)
	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	f, err := q.Enqueue(NewJob("job-1", "X", "items", "", ""), func(ctx context.Context) (Result, error) {
		return Result{Canceled: true}, nil
	})
	require.NoError(t, err)
	_, err = f.Wait(context.Background())
	require.NoError(t, err)

	var statuses []JobStatus
	timeout := time.After(2 * time.Second)
	for len(statuses) < 3 {
		select {
		case job := <-ch:
			statuses = append(statuses, job.Status)
		case <-timeout:
			t.Fatalf("only saw %v", statuses)
		}
	}
	assert.Equal(t, []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCancelled}, statuses)
}

func TestQueueClosedRejects(t *testing.T) {
	q := NewQueue(nil, nil)
	closeQueue(t, q)

	_, err := q.Enqueue(NewJob("", "X", "items", "", ""), func(ctx context.Context) (Result, error) {
		return Result{}, nil
	})
	assert.True(t, errors.Is(err, ErrQueueClosed))
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue(nil, nil)
	r := &recorder{}
	f, err := q.Enqueue(NewJob("", "X", "items", "", ""), delayedTask(r, "last", 20*time.Millisecond))
	require.NoError(t, err)

	closeQueue(t, q)
	select {
	case <-f.Done():
	default:
		t.Fatal("close returned before the queued job finished")
	}
}

func TestQueueCloseTimeoutCancelsTasks(t *testing.T) {
	q := NewQueue(nil, nil)
	f, err := q.Enqueue(NewJob("", "X", "items", "", ""), func(ctx context.Context) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)

	_, err = f.Result()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueRecordsHistory(t *testing.T) {
	store := NewStore(testdb.CreateTestDB(t))
	q := NewQueue(store, nil)

	f, err := q.Enqueue(NewJob("hist-1", "Better BibTeX", "library:1", "/tmp/out.bib", "ae-1"), func(ctx context.Context) (Result, error) {
		return Result{}, errors.TransportFailure(errors.New("EOF"), "worker exited")
	})
	require.NoError(t, err)
	_, _ = f.Wait(context.Background())
	closeQueue(t, q)

	job, err := store.GetJob("hist-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "worker exited")
	assert.Equal(t, "ae-1", job.AutoExport)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
}

func TestQueueClosedDatabaseLogsAtDebug(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	core, logs := observer.New(zap.DebugLevel)
	q := NewQueue(NewStore(conn), zap.New(core).Sugar())
	require.NoError(t, conn.Close())

	f, err := q.Enqueue(NewJob("closed-1", "Better BibTeX", "library:1", "", ""), func(ctx context.Context) (Result, error) {
		return Result{Output: "ok"}, nil
	})
	require.NoError(t, err)
	out, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	closeQueue(t, q)

	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.NotZero(t, logs.FilterMessageSnippet("database closed").Len())
}

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture()
	assert.True(t, f.resolve(Result{Output: "first"}, nil))
	assert.False(t, f.resolve(Result{Output: "second"}, errors.New("late")))

	out, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", out)
}

func TestFutureWaitHonoursContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
