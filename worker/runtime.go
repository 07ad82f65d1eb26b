package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/internal/util"
	"github.com/teranos/bibexport/worker/convert"
)

// Runtime is the worker side of the channel
type Runtime struct {
	registry *convert.Registry
	logger   *zap.SugaredLogger
	env      *Environment
}

// NewRuntime creates a worker runtime. registry defaults to convert.Default().
func NewRuntime(registry *convert.Registry, logger *zap.SugaredLogger) *Runtime {
	if registry == nil {
		registry = convert.Default()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runtime{registry: registry, logger: logger}
}

// Serve answers messages from r on w until r ends. Jobs run one at a time in
// arrival order. Only a broken stream is returned as an error; job failures
// are reported to the client as error messages.
func (rt *Runtime) Serve(r io.Reader, w io.Writer) error {
	dec := NewDecoder(r)
	enc := NewEncoder(w)

	for {
		m, err := dec.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch m.Kind {
		case KindInitialize:
			rt.env = m.Environment
			if rt.env != nil {
				rt.logger.Debugw("Worker initialized", "client", rt.env.Client, "version", rt.env.Version, "platform", rt.env.Platform)
			}
		case KindStart:
			if err := rt.run(enc, m); err != nil {
				return err
			}
		default:
			err := enc.Write(&Message{Kind: KindDebug, Text: fmt.Sprintf("worker: unexpected %q message", m.Kind)})
			if err != nil {
				return err
			}
		}
	}
}

// run executes one job. The returned error is a write failure only.
func (rt *Runtime) run(enc *Encoder, start *Message) error {
	jobID := start.Job
	send := func(m *Message) error {
		m.Job = jobID
		return enc.Write(m)
	}
	fail := func(err error) error {
		return send(&Message{Kind: KindError, Text: err.Error()})
	}

	var payload StartPayload
	if err := json.Unmarshal(start.Config, &payload); err != nil {
		return fail(errors.Wrap(err, "malformed start payload"))
	}
	conv, err := rt.registry.Get(payload.Implementation)
	if err != nil {
		return fail(err)
	}

	began := time.Now()
	job := &convert.Job{
		Options:     payload.Options,
		Preferences: payload.Preferences,
		Collections: payload.Data.Collections,
	}
	debug := func(format string, args ...interface{}) error {
		if !payload.DebugEnabled {
			return nil
		}
		return send(&Message{Kind: KindDebug, Text: payload.Converter + ": " + fmt.Sprintf(format, args...)})
	}

	items := make(map[int64]*convert.Item, len(payload.Data.Items))
	for i := range payload.Data.Items {
		items[payload.Data.Items[i].ID] = &payload.Data.Items[i]
	}
	order := payload.Data.Order
	if len(order) == 0 {
		for _, it := range payload.Data.Items {
			order = append(order, it.ID)
		}
	}

	if err := debug("%d records, %d cached", len(order), len(payload.Data.Cache)); err != nil {
		return err
	}

	fragments := make([]string, 0, len(order))
	lastPct := -1
	for i, id := range order {
		if hit, ok := payload.Data.Cache[id]; ok {
			fragments = append(fragments, hit.Entry)
		} else {
			item, ok := items[id]
			if !ok {
				return fail(errors.Newf("record %d is neither in the payload nor cached", id))
			}
			fragment, metadata, err := conv.Entry(item, job)
			if err != nil {
				return fail(errors.Wrapf(err, "record %d", id))
			}
			fragments = append(fragments, fragment)
			if payload.Cacheable {
				if err := send(&Message{Kind: KindCache, ItemID: id, Entry: fragment, Metadata: metadata}); err != nil {
					return err
				}
			}
		}

		if err := send(&Message{Kind: KindItem, ItemID: id}); err != nil {
			return err
		}
		if pct := (i + 1) * 100 / len(order); pct != lastPct {
			lastPct = pct
			if err := send(&Message{Kind: KindProgress, Percent: pct, Text: payload.Converter}); err != nil {
				return err
			}
		}
	}

	output, err := conv.Assemble(fragments, job)
	if err != nil {
		return fail(err)
	}

	if payload.Output != "" {
		if err := writeOutput(payload.Output, output); err != nil {
			return fail(err)
		}
	}

	if err := debug("done in %s", time.Since(began).Round(time.Millisecond)); err != nil {
		return err
	}
	return send(&Message{Kind: KindDone, Output: util.Ptr(output)})
}

// writeOutput replaces path atomically
func writeOutput(path, output string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if _, err := tmp.WriteString(output); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
