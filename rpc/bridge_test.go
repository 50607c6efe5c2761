package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

type request struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeWorker plays the worker side of a bridge over in-memory pipes.
type fakeWorker struct {
	requests chan request
	out      *io.PipeWriter
	stdin    *stallingWriter
}

// stallingWriter passes writes through until stall is called. After that every Write blocks
// like a full pipe to a worker that no longer reads its stdin.
type stallingWriter struct {
	w       io.Writer
	stalled atomic.Bool
	release chan struct{}
}

func (s *stallingWriter) Write(p []byte) (int, error) {
	if s.stalled.Load() {
		<-s.release
		return 0, io.ErrClosedPipe
	}
	return s.w.Write(p)
}

func (s *stallingWriter) stall() { s.stalled.Store(true) }

func newFakeWorker(t *testing.T, opts ...Option) (*Bridge, *fakeWorker) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	fw := &fakeWorker{
		requests: make(chan request, 100),
		out:      outW,
		stdin:    &stallingWriter{w: inW, release: make(chan struct{})},
	}
	readerExited := make(chan struct{})
	go func() {
		defer close(readerExited)
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
			var req request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			fw.requests <- req
		}
	}()

	opts = append([]Option{WithLogger(zaptest.NewLogger(t).Sugar()), WithServiceName("fake")}, opts...)
	b := New(fw.stdin, outR, opts...)

	t.Cleanup(func() {
		close(fw.stdin.release)
		outW.Close()
		inR.Close()
		<-b.ReaderDone()
		<-readerExited
	})
	return b, fw
}

func (f *fakeWorker) next(t *testing.T) request {
	t.Helper()
	select {
	case r := <-f.requests:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a request from the bridge")
	}
	return request{}
}

func (f *fakeWorker) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(f.out, line+"\n")
	require.NoError(t, err)
}

func (f *fakeWorker) respond(t *testing.T, id int64, result string) {
	t.Helper()
	f.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
}

func (f *fakeWorker) handshake(t *testing.T, b *Bridge) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Handshake(context.Background())
		errCh <- err
	}()

	req := f.next(t)
	require.Equal(t, "initialize", req.Method)
	require.NotNil(t, req.ID)
	require.Equal(t, int64(1), *req.ID)
	f.respond(t, 1, `{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"fake","version":"0.1"}}`)

	req = f.next(t)
	require.Equal(t, "notifications/initialized", req.Method)
	require.Nil(t, req.ID)

	require.NoError(t, <-errCh)
	require.Equal(t, StateReady, b.State())
}

type fakeLiveness struct {
	alive    atomic.Bool
	degraded atomic.Bool
	done     chan struct{}
}

func newFakeLiveness() *fakeLiveness {
	l := &fakeLiveness{done: make(chan struct{})}
	l.alive.Store(true)
	return l
}

func (l *fakeLiveness) IsAlive() bool         { return l.alive.Load() }
func (l *fakeLiveness) Done() <-chan struct{} { return l.done }
func (l *fakeLiveness) MarkDegraded()         { l.degraded.Store(true) }

func (l *fakeLiveness) exit() {
	l.alive.Store(false)
	close(l.done)
}

type asyncResult struct {
	raw json.RawMessage
	err error
}

func callAsync(b *Bridge, ctx context.Context, method string, params any) <-chan asyncResult {
	ch := make(chan asyncResult, 1)
	go func() {
		raw, err := b.Call(ctx, method, params)
		ch <- asyncResult{raw: raw, err: err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan asyncResult) asyncResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for call to return")
	}
	return asyncResult{}
}

func TestHandshake(t *testing.T) {
	b, fw := newFakeWorker(t, WithClientInfo(ClientInfo{Name: "toolbridge", Version: "1.2.3"}))
	assert.Equal(t, StateUnhandshaken, b.State())

	errCh := make(chan error, 1)
	var res InitializeResult
	go func() {
		var err error
		res, err = b.Handshake(context.Background())
		errCh <- err
	}()

	req := fw.next(t)
	require.Equal(t, "initialize", req.Method)
	assert.JSONEq(t, `{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"toolbridge","version":"1.2.3"}}`, string(req.Params))
	assert.Equal(t, StateInitializing, b.State())

	fw.respond(t, 1, `{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake","version":"0.1"}}`)
	assert.Equal(t, "notifications/initialized", fw.next(t).Method)
	require.NoError(t, <-errCh)

	assert.Equal(t, StateReady, b.State())
	assert.Equal(t, "fake", res.ServerInfo.Name)
	cached, ok := b.InitializeResult()
	assert.True(t, ok)
	assert.Equal(t, res, cached)
}

func TestSecondHandshakeWritesNothing(t *testing.T) {
	b, fw := newFakeWorker(t)
	fw.handshake(t, b)

	res, err := b.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake", res.ServerInfo.Name)

	// the next line on the wire must be the call, with the first caller id
	ch := callAsync(b, context.Background(), "ping", nil)
	req := fw.next(t)
	assert.Equal(t, "ping", req.Method)
	require.NotNil(t, req.ID)
	assert.Equal(t, int64(2), *req.ID)

	fw.respond(t, 2, `{}`)
	require.NoError(t, wait(t, ch).err)
}

func TestHandshakeTimeout(t *testing.T) {
	b, fw := newFakeWorker(t, WithHandshakeTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := b.Handshake(context.Background())
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, "initialize", fw.next(t).Method)
	assert.Equal(t, StateUnhandshaken, b.State())

	// a late answer to the abandoned initialize is ignored
	fw.respond(t, 1, `{}`)
	_, err = b.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestHandshakeRemoteError(t *testing.T) {
	b, fw := newFakeWorker(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Handshake(context.Background())
		errCh <- err
	}()
	fw.next(t)
	fw.send(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"unsupported protocol version"}}`)

	err := <-errCh
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeInvalidParams, remote.Code)
	assert.Equal(t, StateUnhandshaken, b.State())
}

func TestCallBeforeHandshake(t *testing.T) {
	b, _ := newFakeWorker(t)
	_, err := b.Call(context.Background(), "tools/list", nil)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestConcurrentCallsAreDemultiplexed(t *testing.T) {
	const n = 20
	b, fw := newFakeWorker(t)
	fw.handshake(t, b)

	var group errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			raw, err := b.Call(context.Background(), "echo", map[string]any{"n": i})
			if err != nil {
				return err
			}
			var got struct{ N int }
			if err := json.Unmarshal(raw, &got); err != nil {
				return err
			}
			if got.N != i {
				return fmt.Errorf("caller %d got response for %d", i, got.N)
			}
			return nil
		})
	}

	reqs := make([]request, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, fw.next(t))
	}
	seen := map[int64]bool{}
	for _, req := range reqs {
		require.NotNil(t, req.ID)
		assert.GreaterOrEqual(t, *req.ID, int64(2))
		assert.False(t, seen[*req.ID], "duplicate id %d", *req.ID)
		seen[*req.ID] = true
	}

	// answer in reverse order, interleaved with noise
	for i := len(reqs) - 1; i >= 0; i-- {
		fw.send(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`)
		fw.respond(t, *reqs[i].ID, string(reqs[i].Params))
	}

	require.NoError(t, group.Wait())
}

func TestTimedOutCallDiscardsLateResponse(t *testing.T) {
	b, fw := newFakeWorker(t)
	fw.handshake(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	slow := callAsync(b, ctx, "slow", nil)
	slowReq := fw.next(t)

	other := callAsync(b, context.Background(), "other", nil)
	otherReq := fw.next(t)

	r := wait(t, slow)
	require.ErrorIs(t, r.err, ErrCallTimeout)
	require.ErrorIs(t, r.err, context.DeadlineExceeded)

	fw.respond(t, *slowReq.ID, `{"late":true}`)
	fw.respond(t, *otherReq.ID, `{"other":true}`)

	r = wait(t, other)
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"other":true}`, string(r.raw))
}

func TestCallTimeoutOption(t *testing.T) {
	b, fw := newFakeWorker(t, WithCallTimeout(50*time.Millisecond))
	fw.handshake(t, b)

	_, err := b.Call(context.Background(), "slow", nil)
	require.ErrorIs(t, err, ErrCallTimeout)
	fw.next(t)
}

func TestCanceledCall(t *testing.T) {
	b, fw := newFakeWorker(t)
	fw.handshake(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	ch := callAsync(b, ctx, "slow", nil)
	req := fw.next(t)
	cancel()

	r := wait(t, ch)
	require.ErrorIs(t, r.err, context.Canceled)
	assert.NotErrorIs(t, r.err, ErrCallTimeout)

	fw.respond(t, *req.ID, `{}`)
}

func TestStreamCloseFailsAllPending(t *testing.T) {
	const n = 5
	b, fw := newFakeWorker(t)
	fw.handshake(t, b)

	chans := make([]<-chan asyncResult, n)
	for i := range chans {
		chans[i] = callAsync(b, context.Background(), "wait", nil)
	}
	for i := 0; i < n; i++ {
		fw.next(t)
	}

	require.NoError(t, fw.out.Close())

	for _, ch := range chans {
		require.ErrorIs(t, wait(t, ch).err, ErrProcessTerminated)
	}
	<-b.Done()
	assert.Equal(t, StateClosed, b.State())

	_, err := b.Call(context.Background(), "wait", nil)
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, b.Notify(context.Background(), "x", nil), ErrNotReady)
	_, err = b.Handshake(context.Background())
	require.ErrorIs(t, err, ErrProcessTerminated)
}

func TestProcessExitFailsAllPending(t *testing.T) {
	const n = 5
	live := newFakeLiveness()
	b, fw := newFakeWorker(t, WithLiveness(live))
	fw.handshake(t, b)

	chans := make([]<-chan asyncResult, n)
	for i := range chans {
		chans[i] = callAsync(b, context.Background(), "wait", nil)
	}
	for i := 0; i < n; i++ {
		fw.next(t)
	}

	// stdout stays open, as when a grandchild inherited it
	live.exit()

	for _, ch := range chans {
		require.ErrorIs(t, wait(t, ch).err, ErrProcessTerminated)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.False(t, live.degraded.Load())
}

func TestCallOnDeadProcessIsNotReady(t *testing.T) {
	live := newFakeLiveness()
	b, fw := newFakeWorker(t, WithLiveness(live))
	fw.handshake(t, b)

	live.alive.Store(false)
	_, err := b.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestStdoutCloseWhileAliveMarksDegraded(t *testing.T) {
	live := newFakeLiveness()
	b, fw := newFakeWorker(t, WithLiveness(live))
	fw.handshake(t, b)

	require.NoError(t, fw.out.Close())
	<-b.Done()
	<-b.ReaderDone()
	assert.True(t, live.degraded.Load())
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	reg := prometheus.NewRegistry()
	b, fw := newFakeWorker(t, WithMetrics(NewMetrics(reg)))
	fw.handshake(t, b)

	ch := callAsync(b, context.Background(), "ping", nil)
	req := fw.next(t)

	fw.send(t, "Starting server on stdio...")
	fw.send(t, "")
	fw.send(t, `{"jsonrpc":"2.0","id":2,"res`)
	fw.send(t, `{"jsonrpc":"2.0"}`)
	fw.send(t, `{"jsonrpc":"2.0","id":"2","result":{}}`)
	fw.send(t, `{"jsonrpc":"2.0","id":99,"result":{}}`)
	fw.respond(t, *req.ID, `{"pong":true}`)

	r := wait(t, ch)
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"pong":true}`, string(r.raw))

	assert.Equal(t, 4.0, counterValue(t, reg, "toolbridge_frames_total", map[string]string{"kind": "malformed"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "toolbridge_frames_total", map[string]string{"kind": "unmatched"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "toolbridge_calls_total", map[string]string{"method": "ping", "outcome": OutcomeOK}))
}

func TestOverlongLineIsSkipped(t *testing.T) {
	b, fw := newFakeWorker(t)
	fw.handshake(t, b)

	ch := callAsync(b, context.Background(), "ping", nil)
	req := fw.next(t)

	fw.send(t, `{"jsonrpc":"2.0","id":`+fmt.Sprint(*req.ID)+`,"result":"`+strings.Repeat("x", MaxLineLength)+`"}`)
	fw.respond(t, *req.ID, `"short"`)

	r := wait(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, `"short"`, string(r.raw))
}

func TestRemoteErrorIsReturnedVerbatim(t *testing.T) {
	b, fw := newFakeWorker(t)
	fw.handshake(t, b)

	ch := callAsync(b, context.Background(), "tools/call", nil)
	req := fw.next(t)
	errObj := `{"code":-32000,"message":"tool exploded","data":{"detail":[1,2]}}`
	fw.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":%s}`, *req.ID, errObj))

	r := wait(t, ch)
	var remote *RemoteError
	require.ErrorAs(t, r.err, &remote)
	assert.Equal(t, -32000, remote.Code)
	assert.Equal(t, "tool exploded", remote.Message)
	assert.JSONEq(t, `{"detail":[1,2]}`, string(remote.Data))

	b2, err := json.Marshal(remote)
	require.NoError(t, err)
	assert.Equal(t, errObj, string(b2))
}

func TestNotificationsReachHandler(t *testing.T) {
	notes := make(chan Notification, 10)
	b, fw := newFakeWorker(t, WithNotificationHandler(func(n Notification) { notes <- n }))
	fw.handshake(t, b)

	fw.send(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":50}}`)

	select {
	case n := <-notes:
		assert.Equal(t, "notifications/progress", n.Method)
		assert.JSONEq(t, `{"progress":50}`, string(n.Params))
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNotify(t *testing.T) {
	b, fw := newFakeWorker(t)
	fw.handshake(t, b)

	require.NoError(t, b.Notify(context.Background(), "notifications/cancelled", map[string]any{"requestId": 5}))
	req := fw.next(t)
	assert.Equal(t, "notifications/cancelled", req.Method)
	assert.Nil(t, req.ID)
	assert.JSONEq(t, `{"requestId":5}`, string(req.Params))
}

func TestListToolsAndCallTool(t *testing.T) {
	b, fw := newFakeWorker(t)
	fw.handshake(t, b)

	toolsCh := make(chan []Tool, 1)
	errCh := make(chan error, 1)
	go func() {
		tools, err := b.ListTools(context.Background())
		toolsCh <- tools
		errCh <- err
	}()
	req := fw.next(t)
	assert.Equal(t, "tools/list", req.Method)
	assert.JSONEq(t, `{}`, string(req.Params))
	fw.respond(t, *req.ID, `{"tools":[{"name":"echo","description":"echoes","inputSchema":{"type":"object"}}]}`)
	require.NoError(t, <-errCh)
	tools := <-toolsCh
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	resCh := make(chan asyncResult, 1)
	go func() {
		raw, err := b.CallTool(context.Background(), "echo", map[string]any{"x": 1})
		resCh <- asyncResult{raw: raw, err: err}
	}()
	req = fw.next(t)
	assert.Equal(t, "tools/call", req.Method)
	assert.JSONEq(t, `{"name":"echo","arguments":{"x":1}}`, string(req.Params))
	fw.respond(t, *req.ID, `{"content":[{"type":"text","text":"hi"}]}`)

	r := wait(t, resCh)
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"hi"}]}`, string(r.raw))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriteFailure(t *testing.T) {
	outR, outW := io.Pipe()
	b := New(failingWriter{}, outR, WithLogger(zaptest.NewLogger(t).Sugar()))
	t.Cleanup(func() {
		outW.Close()
		<-b.ReaderDone()
	})

	_, err := b.Handshake(context.Background())
	require.ErrorContains(t, err, "writing initialize request: broken pipe")
	assert.Equal(t, StateUnhandshaken, b.State())
}

func TestCallTimesOutWhenWorkerStopsReading(t *testing.T) {
	reg := prometheus.NewRegistry()
	b, fw := newFakeWorker(t, WithCallTimeout(200*time.Millisecond), WithMetrics(NewMetrics(reg)))
	fw.handshake(t, b)
	fw.stdin.stall()

	start := time.Now()
	first := callAsync(b, context.Background(), "tools/call", nil)
	second := callAsync(b, context.Background(), "tools/call", nil)
	require.ErrorIs(t, wait(t, first).err, ErrCallTimeout)
	require.ErrorIs(t, wait(t, second).err, ErrCallTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 2.0, counterValue(t, reg, "toolbridge_calls_total", map[string]string{"outcome": OutcomeTimeout}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Call(ctx, "tools/call", nil)
	require.ErrorIs(t, err, ErrCallTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, b.Notify(ctx, "notifications/cancelled", nil))

	// the bridge is still usable once the worker would read again; it only failed the calls that waited
	assert.Equal(t, StateReady, b.State())
}

func TestCloseUnblocksCallStuckWriting(t *testing.T) {
	b, fw := newFakeWorker(t)
	fw.handshake(t, b)
	fw.stdin.stall()

	ch := callAsync(b, context.Background(), "tools/call", nil)
	require.Eventually(t, func() bool { return len(b.writeSem) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())
	require.ErrorIs(t, wait(t, ch).err, ErrProcessTerminated)
}

func TestCloseIsIdempotent(t *testing.T) {
	b, fw := newFakeWorker(t)
	fw.handshake(t, b)

	ch := callAsync(b, context.Background(), "wait", nil)
	fw.next(t)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.ErrorIs(t, wait(t, ch).err, ErrProcessTerminated)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
