package worker

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/bibexport/errors"
)

// ProcessTransport runs the worker as a child process speaking frames on
// stdin/stdout. Its stderr is forwarded to the log line by line.
type ProcessTransport struct {
	*stream
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	closed bool
	exited chan struct{}
}

// StartProcess launches argv as a worker process
func StartProcess(argv []string, logger *zap.SugaredLogger) (*ProcessTransport, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty worker command")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "BIBEXPORT_WORKER=1")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker stdout pipe")
	}
	cmd.Stderr = &stderrLogger{logger: logger}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start worker (command=%v)", argv)
	}

	t := &ProcessTransport{
		stream: newStream(stdin),
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	go t.readLoop(stdout, t.wait)

	logger.Debugw("Worker started", "pid", cmd.Process.Pid, "command", argv)
	return t, nil
}

// wait reaps the process once stdout is drained
func (t *ProcessTransport) wait(readErr error) error {
	err := t.cmd.Wait()
	close(t.exited)

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	switch {
	case readErr != nil:
		return readErr
	case err != nil && !closed:
		return errors.Wrapf(err, "worker (pid %d) exited", t.PID())
	case !closed:
		return errors.Newf("worker (pid %d) exited unexpectedly", t.PID())
	default:
		return nil
	}
}

// Close implements Transport: closing stdin asks the worker to exit
func (t *ProcessTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.drop()
	t.stdin.Close()

	select {
	case <-t.exited:
		return nil
	case <-ctx.Done():
		t.Kill()
		return errors.Wrap(ctx.Err(), "timeout waiting for worker to exit")
	}
}

// Kill implements Transport
func (t *ProcessTransport) Kill() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.drop()
	t.stdin.Close()
	if t.cmd.Process == nil {
		return nil
	}
	if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "failed to kill worker (pid %d)", t.cmd.Process.Pid)
	}
	return nil
}

// PID implements Transport
func (t *ProcessTransport) PID() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// stderrLogger logs worker stderr output line by line
type stderrLogger struct {
	logger *zap.SugaredLogger
	buf    strings.Builder
}

func (l *stderrLogger) Write(p []byte) (n int, err error) {
	l.buf.Write(p)
	for {
		line, rest, found := strings.Cut(l.buf.String(), "\n")
		if !found {
			break
		}
		l.buf.Reset()
		l.buf.WriteString(rest)

		if line = strings.TrimSpace(line); line != "" {
			l.logger.Warnw("Worker stderr", "message", line)
		}
	}
	return len(p), nil
}
