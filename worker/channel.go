package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/bibexport/errors"
)

// Launcher starts a fresh worker
type Launcher func(ctx context.Context) (Transport, error)

// ProcessLauncher launches argv as a child process
func ProcessLauncher(argv []string, logger *zap.SugaredLogger) Launcher {
	return func(ctx context.Context) (Transport, error) {
		return StartProcess(argv, logger)
	}
}

// InProcessLauncher runs serve inside this process
func InProcessLauncher(serve ServeFunc) Launcher {
	return func(ctx context.Context) (Transport, error) {
		return StartInProcess(serve), nil
	}
}

// Handlers receive a job's non-terminal messages. Nil handlers are skipped;
// a nil Debug logs the text.
type Handlers struct {
	Item     func(itemID int64)
	Progress func(percent int, text string)
	Cache    func(itemID int64, entry string, metadata map[string]interface{})
	Debug    func(text string)
}

// Channel owns the single worker and runs one job at a time on it. Callers
// serialize Dispatch (the job queue does); the lock only guards the worker
// handle against Health and Close from other goroutines.
type Channel struct {
	launch Launcher
	env    Environment
	logger *zap.SugaredLogger

	mu        sync.Mutex
	transport Transport
	startedAt time.Time
	active    string
	launches  int
}

// NewChannel creates a channel; no worker is started until the first job
func NewChannel(launch Launcher, env Environment, logger *zap.SugaredLogger) *Channel {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Channel{launch: launch, env: env, logger: logger}
}

// Ensure returns the live worker, launching and initializing one if needed.
// Launch failures are marked WorkerUnavailable.
func (c *Channel) Ensure(ctx context.Context) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		return c.transport, nil
	}

	t, err := c.launch(ctx)
	if err != nil {
		return nil, errors.WorkerUnavailable(err, "failed to start worker")
	}
	env := c.env
	if err := t.Send(&Message{Kind: KindInitialize, Environment: &env}); err != nil {
		t.Kill()
		return nil, errors.WorkerUnavailable(err, "failed to initialize worker")
	}

	c.transport = t
	c.startedAt = time.Now()
	c.launches++
	c.logger.Infow("Worker ready", "pid", t.PID(), "launches", c.launches)
	return t, nil
}

// Dispatch sends a start message for jobID and handles the job's messages
// until a terminal one. The result of done is returned; an error message
// becomes ConversionFailed. If the worker dies, or ctx ends while the job is
// in flight, the worker is discarded and the error is TransportFailure: the
// next Dispatch starts a fresh one.
func (c *Channel) Dispatch(ctx context.Context, jobID string, config json.RawMessage, h Handlers) (string, error) {
	t, err := c.Ensure(ctx)
	if err != nil {
		return "", err
	}

	c.setActive(jobID)
	defer c.setActive("")

	if err := t.Send(&Message{Kind: KindStart, Job: jobID, Config: config}); err != nil {
		c.discard(t)
		return "", errors.TransportFailure(err, "failed to send job to worker")
	}

	for {
		select {
		case m, ok := <-t.Messages():
			if !ok {
				c.discard(t)
				cause := t.Err()
				if cause == nil {
					cause = errors.New("worker closed the channel")
				}
				return "", errors.TransportFailure(cause, "worker died during job")
			}

			if m.Job != jobID {
				c.stray(m)
				continue
			}

			switch m.Kind {
			case KindItem:
				if h.Item != nil {
					h.Item(m.ItemID)
				}
			case KindProgress:
				if h.Progress != nil {
					h.Progress(m.Percent, m.Text)
				}
			case KindCache:
				if h.Cache != nil {
					h.Cache(m.ItemID, m.Entry, m.Metadata)
				}
			case KindDebug:
				if h.Debug != nil {
					h.Debug(m.Text)
				} else {
					c.logger.Debug(m.Text)
				}
			case KindError:
				return "", errors.ConversionFailed(m.Text)
			case KindDone:
				if m.Output == nil {
					return "", nil
				}
				return *m.Output, nil
			default:
				c.logger.Warnw("Unknown worker message", "kind", m.Kind, "job_id", jobID)
			}

		case <-ctx.Done():
			// the rest of this job's messages would be read by the next job
			c.discard(t)
			return "", errors.TransportFailure(ctx.Err(), "job aborted while dispatched")
		}
	}
}

// stray handles a message that does not belong to the active job
func (c *Channel) stray(m *Message) {
	if m.Kind == KindDebug && m.Job == "" {
		c.logger.Debug(m.Text)
		return
	}
	c.logger.Debugw("Ignoring worker message for inactive job", "kind", m.Kind, "job_id", m.Job)
}

func (c *Channel) setActive(jobID string) {
	c.mu.Lock()
	c.active = jobID
	c.mu.Unlock()
}

// discard kills t and forgets it if it is still the current worker
func (c *Channel) discard(t Transport) {
	if err := t.Kill(); err != nil {
		c.logger.Warnw("Failed to kill worker", "pid", t.PID(), "error", err)
	}
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()
}

// Reset kills the current worker, if any
func (c *Channel) Reset() {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t != nil {
		c.discard(t)
	}
}

// Close shuts the worker down gracefully
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close(ctx)
}

// Launches counts workers started over the channel's lifetime
func (c *Channel) Launches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launches
}

// Health reports on the current worker
func (c *Channel) Health() Health {
	c.mu.Lock()
	h := Health{ActiveJob: c.active}
	if c.transport != nil {
		h.Running = true
		h.PID = c.transport.PID()
		h.Uptime = time.Since(c.startedAt)
	}
	c.mu.Unlock()

	processStats(&h)
	return h
}
