package worker

import (
	"context"
	"io"
	"sync"

	"github.com/teranos/bibexport/errors"
)

var errKilled = errors.New("worker killed")

// ServeFunc runs a worker over a frame stream until r ends
type ServeFunc func(r io.Reader, w io.Writer) error

// InProcessTransport runs a worker in a goroutine connected through pipes.
// It speaks exactly the same frames as a process worker.
type InProcessTransport struct {
	*stream
	clientOut *io.PipeWriter
	clientIn  *io.PipeReader

	mu       sync.Mutex
	closed   bool
	served   chan struct{}
	serveErr error
}

// StartInProcess launches serve on its own goroutine
func StartInProcess(serve ServeFunc) *InProcessTransport {
	workerIn, clientOut := io.Pipe()
	clientIn, workerOut := io.Pipe()

	t := &InProcessTransport{
		stream:    newStream(clientOut),
		clientOut: clientOut,
		clientIn:  clientIn,
		served:    make(chan struct{}),
	}

	go func() {
		err := serve(workerIn, workerOut)
		t.mu.Lock()
		t.serveErr = err
		t.mu.Unlock()
		workerIn.Close()
		workerOut.Close()
		close(t.served)
	}()
	go t.readLoop(clientIn, t.finish)

	return t
}

func (t *InProcessTransport) finish(readErr error) error {
	<-t.served

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case readErr != nil:
		return readErr
	case t.serveErr != nil:
		return t.serveErr
	case !t.closed:
		return errors.New("worker exited unexpectedly")
	default:
		return nil
	}
}

// Close implements Transport
func (t *InProcessTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.drop()
	t.clientOut.Close()
	select {
	case <-t.served:
		return nil
	case <-ctx.Done():
		t.Kill()
		return errors.Wrap(ctx.Err(), "timeout waiting for worker to exit")
	}
}

// Kill implements Transport
func (t *InProcessTransport) Kill() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.drop()
	t.clientOut.CloseWithError(errKilled)
	t.clientIn.CloseWithError(errKilled)
	return nil
}

// PID implements Transport
func (t *InProcessTransport) PID() int {
	return 0
}
