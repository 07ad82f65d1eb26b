package worker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/teranos/bibexport/errors"
)

// MaxFrameSize bounds a single message
const MaxFrameSize = 512 << 20

// Encoder writes length-prefixed frames. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Write sends one message
func (e *Encoder) Write(m *Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s message", m.Kind)
	}
	if len(body) > MaxFrameSize {
		return errors.Newf("%s message is %d bytes, over the %d byte limit", m.Kind, len(body), MaxFrameSize)
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(frame); err != nil {
		return errors.Wrapf(err, "failed to write %s message", m.Kind)
	}
	return nil
}

// Decoder reads length-prefixed frames
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Read returns the next message. io.EOF means the stream ended cleanly
// between frames.
func (d *Decoder) Read() (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "failed to read frame header")
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, errors.Newf("frame of %d bytes exceeds the %d byte limit", size, MaxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, errors.Wrap(err, "truncated frame")
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.Wrap(err, "malformed frame")
	}
	return &m, nil
}
