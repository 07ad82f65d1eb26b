package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/internal/util"
	"github.com/teranos/bibexport/worker/convert"
)

// The test binary doubles as a worker process when started by StartProcess.
func TestMain(m *testing.M) {
	if os.Getenv("BIBEXPORT_WORKER") == "1" {
		if err := NewRuntime(nil, nil).Serve(os.Stdin, os.Stdout); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// fakeTransport replays a script: each start message triggers the messages
// returned by respond.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*Message
	msgs    chan *Message
	err     error
	killed  bool
	respond func(m *Message) []*Message
}

func newFake(respond func(m *Message) []*Message) *fakeTransport {
	return &fakeTransport{msgs: make(chan *Message, 64), respond: respond}
}

func (f *fakeTransport) Send(m *Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		for _, r := range respond(m) {
			f.msgs <- r
		}
	}
	return nil
}

func (f *fakeTransport) Messages() <-chan *Message { return f.msgs }
func (f *fakeTransport) Err() error                { return f.err }
func (f *fakeTransport) Close(context.Context) error {
	return nil
}
func (f *fakeTransport) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) PID() int { return 0 }

func (f *fakeTransport) kinds() []Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Kind
	for _, m := range f.sent {
		out = append(out, m.Kind)
	}
	return out
}

func fakeLauncher(transports ...*fakeTransport) (Launcher, *int) {
	launched := 0
	return func(ctx context.Context) (Transport, error) {
		if launched >= len(transports) {
			return nil, errors.New("no more workers")
		}
		t := transports[launched]
		launched++
		return t, nil
	}, &launched
}

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Write(&Message{Kind: KindProgress, Job: "j", Percent: 50, Text: "half"}))
	require.NoError(t, enc.Write(&Message{Kind: KindDone, Job: "j", Output: util.Ptr("")}))

	dec := NewDecoder(&buf)
	m, err := dec.Read()
	require.NoError(t, err)
	assert.Equal(t, KindProgress, m.Kind)
	assert.Equal(t, 50, m.Percent)

	m, err = dec.Read()
	require.NoError(t, err)
	require.NotNil(t, m.Output, "an empty output must stay distinguishable from none")
	assert.Equal(t, "", *m.Output)

	_, err = dec.Read()
	assert.Equal(t, io.EOF, err)
}

func TestCodecTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Write(&Message{Kind: KindDebug, Text: "hello"}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	_, err := NewDecoder(truncated).Read()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestCodecOversizedFrame(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	_, err := NewDecoder(bytes.NewReader(header)).Read()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestDispatchHandlesEveryKind(t *testing.T) {
	fake := newFake(func(m *Message) []*Message {
		if m.Kind != KindStart {
			return nil
		}
		return []*Message{
			{Kind: KindProgress, Job: m.Job, Percent: 50, Text: "half"},
			{Kind: KindItem, Job: m.Job, ItemID: 7},
			{Kind: KindCache, Job: m.Job, ItemID: 7, Entry: "frag", Metadata: map[string]interface{}{"k": "v"}},
			{Kind: KindDebug, Job: m.Job, Text: "note"},
			{Kind: "telemetry", Job: m.Job},
			{Kind: KindItem, Job: "someone-else", ItemID: 99},
			{Kind: KindDone, Job: m.Job, Output: util.Ptr("result")},
		}
	})
	launch, _ := fakeLauncher(fake)
	ch := NewChannel(launch, Environment{Client: "test"}, nil)

	var (
		items    []int64
		percents []int
		cached   []string
		debug    []string
	)
	out, err := ch.Dispatch(context.Background(), "job-1", json.RawMessage(`{}`), Handlers{
		Item:     func(id int64) { items = append(items, id) },
		Progress: func(pct int, _ string) { percents = append(percents, pct) },
		Cache:    func(id int64, entry string, _ map[string]interface{}) { cached = append(cached, entry) },
		Debug:    func(text string) { debug = append(debug, text) },
	})
	require.NoError(t, err)
	assert.Equal(t, "result", out)
	assert.Equal(t, []int64{7}, items)
	assert.Equal(t, []int{50}, percents)
	assert.Equal(t, []string{"frag"}, cached)
	assert.Equal(t, []string{"note"}, debug)
	assert.Equal(t, []Kind{KindInitialize, KindStart}, fake.kinds())
}

func TestDispatchDoneWithoutOutput(t *testing.T) {
	fake := newFake(func(m *Message) []*Message {
		if m.Kind == KindStart {
			return []*Message{{Kind: KindDone, Job: m.Job}}
		}
		return nil
	})
	launch, _ := fakeLauncher(fake)
	out, err := NewChannel(launch, Environment{}, nil).Dispatch(context.Background(), "j", nil, Handlers{})
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestDispatchConversionFailed(t *testing.T) {
	fake := newFake(func(m *Message) []*Message {
		if m.Kind == KindStart {
			return []*Message{{Kind: KindError, Job: m.Job, Text: "undefined citation key"}}
		}
		return nil
	})
	launch, launched := fakeLauncher(fake)
	ch := NewChannel(launch, Environment{}, nil)

	_, err := ch.Dispatch(context.Background(), "j1", nil, Handlers{})
	require.Error(t, err)
	assert.True(t, errors.IsConversionFailed(err))
	assert.Equal(t, "undefined citation key", err.Error())

	// a conversion failure keeps the worker
	_, _ = ch.Dispatch(context.Background(), "j2", nil, Handlers{})
	assert.Equal(t, 1, *launched)
	assert.Equal(t, []Kind{KindInitialize, KindStart, KindStart}, fake.kinds())
}

func TestDispatchTransportFailureRestartsWorker(t *testing.T) {
	dying := newFake(nil)
	dying.respond = func(m *Message) []*Message {
		if m.Kind == KindStart {
			dying.err = errors.New("signal: killed")
			close(dying.msgs)
		}
		return nil
	}
	healthy := newFake(func(m *Message) []*Message {
		if m.Kind == KindStart {
			return []*Message{{Kind: KindDone, Job: m.Job, Output: util.Ptr("ok")}}
		}
		return nil
	})
	launch, launched := fakeLauncher(dying, healthy)
	ch := NewChannel(launch, Environment{}, nil)

	_, err := ch.Dispatch(context.Background(), "j1", nil, Handlers{})
	require.Error(t, err)
	assert.True(t, errors.IsTransportFailure(err))
	assert.Contains(t, err.Error(), "signal: killed")
	assert.True(t, dying.killed)
	assert.False(t, ch.Health().Running)

	out, err := ch.Dispatch(context.Background(), "j2", nil, Handlers{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, *launched)
	assert.Equal(t, []Kind{KindInitialize, KindStart}, healthy.kinds(), "a fresh worker is initialized again")
}

func TestDispatchWorkerUnavailable(t *testing.T) {
	ch := NewChannel(func(ctx context.Context) (Transport, error) {
		return nil, errors.New("exec: \"bibexport\": executable file not found in $PATH")
	}, Environment{}, nil)

	_, err := ch.Dispatch(context.Background(), "j", nil, Handlers{})
	require.Error(t, err)
	assert.True(t, errors.IsWorkerUnavailable(err))
}

func TestDispatchContextDiscardsWorker(t *testing.T) {
	hung := newFake(nil)
	launch, _ := fakeLauncher(hung)
	ch := NewChannel(launch, Environment{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ch.Dispatch(ctx, "j", nil, Handlers{})
	require.Error(t, err)
	assert.True(t, errors.IsTransportFailure(err))
	assert.True(t, hung.killed)
}

func TestDiscardedWorkerWithFullBufferFinishes(t *testing.T) {
	serve := func(r io.Reader, w io.Writer) error {
		dec := NewDecoder(r)
		enc := NewEncoder(w)
		for {
			m, err := dec.Read()
			if err != nil {
				return err
			}
			if m.Kind != KindStart {
				continue
			}
			for i := 0; i < 200; i++ {
				if err := enc.Write(&Message{Kind: KindProgress, Job: m.Job, Percent: i % 100}); err != nil {
					return err
				}
			}
		}
	}

	var tr *InProcessTransport
	launch := func(ctx context.Context) (Transport, error) {
		tr = StartInProcess(serve)
		return tr, nil
	}
	ch := NewChannel(launch, Environment{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := ch.Dispatch(ctx, "j", nil, Handlers{
		Progress: func(int, string) {
			cancel()
			// let the reader fill the buffer before the job gives up
			time.Sleep(50 * time.Millisecond)
		},
	})
	require.Error(t, err)
	assert.True(t, errors.IsTransportFailure(err))

	select {
	case <-tr.finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("reader still blocked with %d buffered messages", len(tr.Messages()))
	}
	assert.False(t, ch.Health().Running)
}

func startPayload(t *testing.T, p StartPayload) json.RawMessage {
	t.Helper()
	raw, err := p.Encode()
	require.NoError(t, err)
	return raw
}

func TestInProcessWorkerEchoesIdentifiers(t *testing.T) {
	rt := NewRuntime(nil, nil)
	ch := NewChannel(InProcessLauncher(rt.Serve), Environment{Client: "test"}, nil)
	defer ch.Close(context.Background())

	var cached []int64
	out, err := ch.Dispatch(context.Background(), "j1", startPayload(t, StartPayload{
		Options:        map[string]interface{}{"separator": ""},
		Converter:      "Identifiers",
		Implementation: "identifiers",
		Cacheable:      true,
		Data: Data{
			Items: []convert.Item{{ID: 3}, {ID: 1}, {ID: 2}},
			Order: []int64{3, 1, 2},
		},
	}), Handlers{
		Cache: func(id int64, _ string, _ map[string]interface{}) { cached = append(cached, id) },
	})
	require.NoError(t, err)
	assert.Equal(t, "312", out)
	assert.Equal(t, []int64{3, 1, 2}, cached)
}

func TestInProcessWorkerUsesCacheHits(t *testing.T) {
	rt := NewRuntime(nil, nil)
	ch := NewChannel(InProcessLauncher(rt.Serve), Environment{}, nil)
	defer ch.Close(context.Background())

	var (
		cached []int64
		done   []int64
	)
	out, err := ch.Dispatch(context.Background(), "j1", startPayload(t, StartPayload{
		Implementation: "identifiers",
		Cacheable:      true,
		Data: Data{
			Items: []convert.Item{{ID: 2}},
			Order: []int64{1, 2, 3},
			Cache: map[int64]CacheEntry{1: {Entry: "one"}, 3: {Entry: "three"}},
		},
	}), Handlers{
		Cache: func(id int64, _ string, _ map[string]interface{}) { cached = append(cached, id) },
		Item:  func(id int64) { done = append(done, id) },
	})
	require.NoError(t, err)
	assert.Equal(t, "one2three", out)
	assert.Equal(t, []int64{2}, cached, "only converted records are offered to the cache")
	assert.Equal(t, []int64{1, 2, 3}, done)
}

func TestInProcessWorkerReportsErrors(t *testing.T) {
	rt := NewRuntime(nil, nil)
	ch := NewChannel(InProcessLauncher(rt.Serve), Environment{}, nil)
	defer ch.Close(context.Background())

	_, err := ch.Dispatch(context.Background(), "j1", startPayload(t, StartPayload{Implementation: "endnote"}), Handlers{})
	require.Error(t, err)
	assert.True(t, errors.IsConversionFailed(err))

	_, err = ch.Dispatch(context.Background(), "j2", startPayload(t, StartPayload{
		Implementation: "identifiers",
		Data:           Data{Order: []int64{9}},
	}), Handlers{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither in the payload nor cached")

	assert.Equal(t, 1, ch.Launches(), "job failures keep the worker alive")
}

func TestWorkerWritesOutputFile(t *testing.T) {
	rt := NewRuntime(nil, nil)
	ch := NewChannel(InProcessLauncher(rt.Serve), Environment{}, nil)
	defer ch.Close(context.Background())

	path := filepath.Join(t.TempDir(), "out.txt")
	out, err := ch.Dispatch(context.Background(), "j1", startPayload(t, StartPayload{
		Implementation: "identifiers",
		Options:        map[string]interface{}{"separator": "\n"},
		Output:         path,
		Data:           Data{Items: []convert.Item{{ID: 1}, {ID: 2}}},
	}), Handlers{})
	require.NoError(t, err)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, out, string(written))
	assert.Equal(t, "1\n2", out)
}

func TestWorkerDebugMessages(t *testing.T) {
	rt := NewRuntime(nil, nil)
	ch := NewChannel(InProcessLauncher(rt.Serve), Environment{Debug: true}, nil)
	defer ch.Close(context.Background())

	var debug []string
	_, err := ch.Dispatch(context.Background(), "j1", startPayload(t, StartPayload{
		Converter:      "Identifiers",
		Implementation: "identifiers",
		DebugEnabled:   true,
		Data:           Data{Items: []convert.Item{{ID: 1}}},
	}), Handlers{Debug: func(text string) { debug = append(debug, text) }})
	require.NoError(t, err)
	require.NotEmpty(t, debug)
	assert.Equal(t, "Identifiers: 1 records, 0 cached", debug[0])
}

func TestInProcessKillIsTransportFailure(t *testing.T) {
	block := make(chan struct{})
	serve := func(r io.Reader, w io.Writer) error {
		dec := NewDecoder(r)
		for {
			if _, err := dec.Read(); err != nil {
				close(block)
				return err
			}
		}
	}
	tr := StartInProcess(serve)
	require.NoError(t, tr.Send(&Message{Kind: KindInitialize}))
	require.NoError(t, tr.Kill())

	<-block
	for range tr.Messages() {
	}
	assert.Error(t, tr.Err())
}

func TestProcessWorker(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	ch := NewChannel(ProcessLauncher([]string{exe}, nil), Environment{Client: "test"}, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, ch.Close(ctx))
	}()

	out, err := ch.Dispatch(context.Background(), "j1", startPayload(t, StartPayload{
		Implementation: "identifiers",
		Options:        map[string]interface{}{"separator": ","},
		Data:           Data{Items: []convert.Item{{ID: 10}, {ID: 20}}},
	}), Handlers{})
	require.NoError(t, err)
	assert.Equal(t, "10,20", out)

	h := ch.Health()
	assert.True(t, h.Running)
	assert.NotZero(t, h.PID)
}

func TestResolveCommand(t *testing.T) {
	argv, err := ResolveCommand("")
	require.NoError(t, err)
	assert.Equal(t, DefaultArgs, argv[1:])

	argv, err = ResolveCommand(`node worker.js --name "Better BibTeX"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"node", "worker.js", "--name", "Better BibTeX"}, argv)

	_, err = ResolveCommand(`node "unterminated`)
	assert.Error(t, err)

	_, err = ResolveCommand(filepath.Join(t.TempDir(), "missing-worker"))
	assert.Error(t, err)
}

func TestStderrLoggerSplitsLines(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	w := &stderrLogger{logger: zap.New(core).Sugar()}

	_, _ = w.Write([]byte("first li"))
	_, _ = w.Write([]byte("ne\n\nsecond line\npartial"))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "first line", entries[0].ContextMap()["message"])
	assert.Equal(t, "second line", entries[1].ContextMap()["message"])
}
