package async

import (
	"context"
	"sync"
)

// Result is what a task produces. A cancelled task succeeds with an empty
// output and Canceled set.
type Result struct {
	Output   string
	Canceled bool
}

// Future is the pending result of one queued job
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve settles the future; only the first call has any effect
func (f *Future) resolve(res Result, err error) bool {
	settled := false
	f.once.Do(func() {
		f.result = res
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the future is settled
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job settles or ctx is done
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.result.Output, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Result returns the settled result; it blocks until then
func (f *Future) Result() (Result, error) {
	<-f.done
	return f.result, f.err
}
