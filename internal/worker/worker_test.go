package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hapiq/internal/log"
	"github.com/mattjoyce/hapiq/internal/protocol"
	"github.com/mattjoyce/hapiq/internal/registry"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json", io.Discard) // Suppress logs in tests
	os.Exit(m.Run())
}

func echo(_ context.Context, args protocol.Args) (any, error) { return args, nil }

func newTestWorker(t *testing.T, overrides map[protocol.WorkType]registry.Handler, onStart StartFunc) *Worker {
	t.Helper()
	reg := registry.New()
	for _, wt := range protocol.WorkTypes() {
		h, ok := overrides[wt]
		if !ok {
			h = echo
		}
		require.NoError(t, reg.Register(wt, h))
	}
	require.NoError(t, reg.Seal())
	w, err := New(reg, onStart)
	require.NoError(t, err)
	return w
}

func requestStream(t *testing.T, reqs ...*protocol.Request) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	for _, r := range reqs {
		require.NoError(t, enc.EncodeRequest(r))
	}
	return &buf
}

func readResults(t *testing.T, out *bytes.Buffer) []protocol.Result {
	t.Helper()
	dec := protocol.NewDecoder(out)
	var results []protocol.Result
	for {
		res, err := dec.DecodeResult()
		if errors.Is(err, io.EOF) {
			return results
		}
		require.NoError(t, err)
		results = append(results, res)
	}
}

func TestNewRequiresSealedRegistry(t *testing.T) {
	_, err := New(registry.New(), nil)
	assert.ErrorIs(t, err, registry.ErrNotSealed)

	_, err = New(nil, nil)
	assert.Error(t, err)
}

func TestServeEchoesInOrder(t *testing.T) {
	w := newTestWorker(t, nil, nil)
	in := requestStream(t,
		protocol.NewJobRequest(1, protocol.WorkEcho, protocol.Args{"x": 5}),
		protocol.NewJobRequest(2, protocol.WorkEcho, protocol.Args{"x": 7}),
	)
	var out bytes.Buffer

	require.NoError(t, w.Serve(context.Background(), in, &out))

	results := readResults(t, &out)
	require.Len(t, results, 2)
	for i, want := range []float64{5, 7} {
		var v map[string]float64
		require.NoError(t, results[i].Decode(&v))
		assert.Equal(t, int64(i+1), results[i].JobID)
		assert.Equal(t, want, v["x"])
	}
}

func TestServeExecutesSerially(t *testing.T) {
	type span struct {
		id         float64
		start, end time.Time
	}
	var (
		mu    sync.Mutex
		spans []span
		busy  int
		peak  int
	)
	slow := func(_ context.Context, args protocol.Args) (any, error) {
		mu.Lock()
		busy++
		if busy > peak {
			peak = busy
		}
		mu.Unlock()

		s := span{id: args["n"].(float64), start: time.Now()}
		time.Sleep(2 * time.Millisecond)
		s.end = time.Now()

		mu.Lock()
		busy--
		spans = append(spans, s)
		mu.Unlock()
		return nil, nil
	}

	w := newTestWorker(t, map[protocol.WorkType]registry.Handler{protocol.WorkEcho: slow}, nil)
	var reqs []*protocol.Request
	for i := 1; i <= 8; i++ {
		reqs = append(reqs, protocol.NewJobRequest(int64(i), protocol.WorkEcho, protocol.Args{"n": i}))
	}
	var out bytes.Buffer
	require.NoError(t, w.Serve(context.Background(), requestStream(t, reqs...), &out))

	assert.Equal(t, 1, peak, "handlers must never overlap")
	require.Len(t, spans, 8)
	for i := 1; i < len(spans); i++ {
		assert.Equal(t, float64(i+1), spans[i].id, "submission order")
		assert.False(t, spans[i].start.Before(spans[i-1].end), "job %d started before job %d finished", i+1, i)
	}
}

func TestServeHandlerFailureIsIsolated(t *testing.T) {
	w := newTestWorker(t, map[protocol.WorkType]registry.Handler{
		protocol.WorkFetch: func(context.Context, protocol.Args) (any, error) {
			return nil, errors.New("bad input")
		},
		protocol.WorkSelect: func(context.Context, protocol.Args) (any, error) {
			panic("boom")
		},
		protocol.WorkGetTable: func(context.Context, protocol.Args) (any, error) {
			return make(chan int), nil
		},
	}, nil)

	in := requestStream(t,
		protocol.NewJobRequest(1, protocol.WorkFetch, nil),
		protocol.NewJobRequest(2, protocol.WorkSelect, nil),
		protocol.NewJobRequest(3, protocol.WorkGetTable, nil),
		protocol.NewJobRequest(4, protocol.WorkType("NOT_A_TYPE"), nil),
		protocol.NewJobRequest(5, protocol.WorkEcho, protocol.Args{"still": "alive"}),
	)
	var out bytes.Buffer
	require.NoError(t, w.Serve(context.Background(), in, &out))

	results := readResults(t, &out)
	require.Len(t, results, 5)

	assert.Equal(t, protocol.ErrorHandler, results[0].ErrorKind)
	assert.Contains(t, results[0].Error, "bad input")
	assert.Equal(t, protocol.ErrorPanic, results[1].ErrorKind)
	assert.Contains(t, results[1].Error, "boom")
	assert.Equal(t, protocol.ErrorEncode, results[2].ErrorKind)
	assert.Equal(t, protocol.ErrorUnregistered, results[3].ErrorKind)
	assert.True(t, results[4].OK())
}

func TestServeStopsAtEndWorkProcess(t *testing.T) {
	var ran []int64
	record := func(_ context.Context, args protocol.Args) (any, error) {
		ran = append(ran, int64(args["id"].(float64)))
		return nil, nil
	}
	w := newTestWorker(t, map[protocol.WorkType]registry.Handler{protocol.WorkEcho: record}, nil)

	in := requestStream(t,
		protocol.NewJobRequest(1, protocol.WorkEcho, protocol.Args{"id": 1}),
		protocol.NewControlRequest(protocol.ControlEndWorkProcess, nil),
		protocol.NewJobRequest(2, protocol.WorkEcho, protocol.Args{"id": 2}),
	)
	var out bytes.Buffer
	require.NoError(t, w.Serve(context.Background(), in, &out))

	assert.Equal(t, []int64{1}, ran)
	assert.Len(t, readResults(t, &out), 1)
}

func TestServeStartEngineWritesNoResult(t *testing.T) {
	var got protocol.Args
	w := newTestWorker(t, nil, func(_ context.Context, args protocol.Args) error {
		got = args
		return nil
	})

	in := requestStream(t,
		protocol.NewControlRequest(protocol.ControlStartEngine, protocol.Args{"data_dir": "/tmp/x"}),
		protocol.NewJobRequest(1, protocol.WorkEcho, nil),
	)
	var out bytes.Buffer
	require.NoError(t, w.Serve(context.Background(), in, &out))

	assert.Equal(t, "/tmp/x", got["data_dir"])
	results := readResults(t, &out)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].JobID)
}

func TestServeStartEngineFailureKeepsLoopAlive(t *testing.T) {
	w := newTestWorker(t, nil, func(context.Context, protocol.Args) error {
		return errors.New("no data dir")
	})
	in := requestStream(t,
		protocol.NewControlRequest(protocol.ControlStartEngine, nil),
		protocol.NewJobRequest(1, protocol.WorkEcho, nil),
	)
	var out bytes.Buffer
	require.NoError(t, w.Serve(context.Background(), in, &out))
	assert.Len(t, readResults(t, &out), 1)
}

func TestServeRejectsMalformedStream(t *testing.T) {
	w := newTestWorker(t, nil, nil)
	var out bytes.Buffer
	err := w.Serve(context.Background(), strings.NewReader("not json\n"), &out)
	assert.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestServeWriteFailureIsFatal(t *testing.T) {
	w := newTestWorker(t, nil, nil)
	in := requestStream(t,
		protocol.NewJobRequest(1, protocol.WorkEcho, nil),
		protocol.NewJobRequest(2, protocol.WorkEcho, nil),
	)
	err := w.Serve(context.Background(), in, failingWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job 1")
}
