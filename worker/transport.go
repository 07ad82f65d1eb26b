package worker

import (
	"context"
	"io"
	"sync"
)

// Transport is a live link to one worker process
type Transport interface {
	// Send writes a message to the worker
	Send(m *Message) error
	// Messages yields inbound messages; it is closed when the link dies
	Messages() <-chan *Message
	// Err explains why Messages was closed (nil for a clean exit)
	Err() error
	// Close asks the worker to exit and waits for it
	Close(ctx context.Context) error
	// Kill terminates the worker immediately
	Kill() error
	// PID of the worker process, 0 when it runs in this process
	PID() int
}

// stream is the frame plumbing shared by the transports
type stream struct {
	enc      *Encoder
	messages chan *Message
	// abandoned is closed once nobody will read messages again
	abandoned chan struct{}
	abandon   sync.Once
	finished  chan struct{}

	mu  sync.Mutex
	err error
}

func newStream(w io.Writer) *stream {
	return &stream{
		enc:       NewEncoder(w),
		messages:  make(chan *Message, 64),
		abandoned: make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// drop makes readLoop discard frames instead of blocking on a full buffer
func (s *stream) drop() {
	s.abandon.Do(func() { close(s.abandoned) })
}

func (s *stream) Send(m *Message) error {
	return s.enc.Write(m)
}

func (s *stream) Messages() <-chan *Message {
	return s.messages
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// readLoop decodes frames until the stream fails, then closes messages.
// done runs after the last frame and may refine the failure reason.
func (s *stream) readLoop(r io.Reader, done func(readErr error) error) {
	dec := NewDecoder(r)
	var readErr error
	for {
		m, err := dec.Read()
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
		select {
		case s.messages <- m:
		case <-s.abandoned:
		}
	}

	err := readErr
	if done != nil {
		err = done(readErr)
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.messages)
	close(s.finished)
}
