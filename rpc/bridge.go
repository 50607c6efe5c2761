package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultCallTimeout      = 60 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultProtocolVersion  = "2024-11-05"

	// MaxLineLength is the longest stdout line the reader accepts. Longer lines are dropped.
	MaxLineLength = 16 << 20

	initializeID = 1

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
)

// Liveness reports whether the worker behind a bridge is still running. *worker.Process implements it.
type Liveness interface {
	IsAlive() bool
	Done() <-chan struct{}
	MarkDegraded()
}

// State is the handshake state of a Bridge.
type State int

const (
	StateUnhandshaken State = iota
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnhandshaken:
		return "unhandshaken"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type pendingCall struct {
	id       int64
	method   string
	created  time.Time
	complete chan Outcome
}

// Bridge multiplexes calls from many goroutines over one worker's stdin and stdout.
type Bridge struct {
	log      *zap.SugaredLogger
	service  string
	metrics  *Metrics
	live     Liveness
	onNotify func(Notification)

	callTimeout      time.Duration
	handshakeTimeout time.Duration
	protocolVersion  string
	clientInfo       ClientInfo

	w io.Writer
	// writeSem is held for the duration of one Write, which may outlive the caller that started it.
	writeSem chan struct{}

	r io.Reader

	mu         sync.Mutex
	pending    map[int64]*pendingCall
	state      State
	initResult InitializeResult

	nextID atomic.Int64

	handshakeMu sync.Mutex

	closeOnce  sync.Once
	done       chan struct{}
	readerDone chan struct{}
}

type Option func(b *Bridge)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithLiveness ties the bridge to a process. When l.Done closes, all outstanding calls fail.
func WithLiveness(l Liveness) Option {
	return func(b *Bridge) { b.live = l }
}

// WithNotificationHandler sets the sink for worker notifications.
// It runs on the reader goroutine and must not block.
func WithNotificationHandler(f func(Notification)) Option {
	return func(b *Bridge) { b.onNotify = f }
}

func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.callTimeout = d }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.handshakeTimeout = d }
}

func WithClientInfo(info ClientInfo) Option {
	return func(b *Bridge) { b.clientInfo = info }
}

func WithProtocolVersion(v string) Option {
	return func(b *Bridge) { b.protocolVersion = v }
}

func WithMetrics(m *Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithServiceName labels logs and metrics.
func WithServiceName(name string) Option {
	return func(b *Bridge) { b.service = name }
}

// New creates a bridge over a worker's stdin and stdout and starts reading stdout immediately.
func New(stdin io.Writer, stdout io.Reader, opts ...Option) *Bridge {
	b := &Bridge{
		log:              zap.NewNop().Sugar(),
		w:                stdin,
		r:                stdout,
		writeSem:         make(chan struct{}, 1),
		pending:          map[int64]*pendingCall{},
		callTimeout:      DefaultCallTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		protocolVersion:  DefaultProtocolVersion,
		clientInfo:       ClientInfo{Name: "toolbridge", Version: "dev"},
		done:             make(chan struct{}),
		readerDone:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.nextID.Store(initializeID)

	go b.readLoop()
	if b.live != nil {
		go b.watchLiveness()
	}
	return b
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done is closed once the bridge has terminated.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// ReaderDone is closed once the reader goroutine has returned.
func (b *Bridge) ReaderDone() <-chan struct{} {
	return b.readerDone
}

// Close fails every outstanding call with ErrProcessTerminated. It does not stop the worker.
func (b *Bridge) Close() error {
	b.terminate("closed")
	return nil
}

// InitializeResult returns the cached handshake result and whether the handshake has completed.
func (b *Bridge) InitializeResult() (InitializeResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initResult, b.state == StateReady
}

// Handshake performs initialize followed by notifications/initialized.
// On a bridge that is already ready it returns the cached result and writes nothing.
func (b *Bridge) Handshake(ctx context.Context) (InitializeResult, error) {
	b.handshakeMu.Lock()
	defer b.handshakeMu.Unlock()

	b.mu.Lock()
	switch b.state {
	case StateReady:
		res := b.initResult
		b.mu.Unlock()
		return res, nil
	case StateClosed:
		b.mu.Unlock()
		return InitializeResult{}, ErrProcessTerminated
	}
	b.state = StateInitializing
	b.mu.Unlock()

	res, err := b.initialize(ctx)
	if err != nil {
		b.metrics.observeHandshake(b.service, "error")
		b.setStateUnlessClosed(StateUnhandshaken)
		return InitializeResult{}, err
	}

	timer := time.NewTimer(b.handshakeTimeout)
	defer timer.Stop()
	if err := b.send(ctx, mustEncodeNotification(methodInitialized), timer.C); err != nil {
		b.metrics.observeHandshake(b.service, "error")
		b.setStateUnlessClosed(StateUnhandshaken)
		if errors.Is(err, errWriteTimeout) {
			return InitializeResult{}, fmt.Errorf("%w after %s", ErrHandshakeTimeout, b.handshakeTimeout)
		}
		return InitializeResult{}, fmt.Errorf("sending %s: %w", methodInitialized, err)
	}

	// A worker may exit right after the handshake. The handshake still succeeded, but the bridge stays closed.
	b.mu.Lock()
	b.initResult = res
	if b.state != StateClosed {
		b.state = StateReady
	}
	b.mu.Unlock()

	b.metrics.observeHandshake(b.service, OutcomeOK)
	b.log.Infow("handshake complete", "Service", b.service, "Server", res.ServerInfo.Name, "ProtocolVersion", res.ProtocolVersion)
	return res, nil
}

func (b *Bridge) initialize(ctx context.Context) (InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: b.protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      b.clientInfo,
	}
	raw, err := b.roundTrip(ctx, initializeID, methodInitialize, params, b.handshakeTimeout)
	if errors.Is(err, ErrCallTimeout) {
		return InitializeResult{}, fmt.Errorf("%w after %s", ErrHandshakeTimeout, b.handshakeTimeout)
	}
	if err != nil {
		return InitializeResult{}, err
	}

	var res InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return InitializeResult{}, fmt.Errorf("decoding initialize result: %w", err)
	}
	return res, nil
}

func (b *Bridge) setStateUnlessClosed(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.state = s
	}
}

// Call sends a request and waits for its response, the call timeout, ctx, or worker termination.
// A worker error is returned as *RemoteError.
func (b *Bridge) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if b.State() != StateReady {
		return nil, ErrNotReady
	}
	if b.live != nil && !b.live.IsAlive() {
		return nil, ErrNotReady
	}
	return b.roundTrip(ctx, b.nextID.Add(1), method, params, b.callTimeout)
}

// Notify sends a notification. No response is expected.
func (b *Bridge) Notify(ctx context.Context, method string, params any) error {
	if b.State() == StateClosed {
		return ErrNotReady
	}
	line, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	timer := time.NewTimer(b.callTimeout)
	defer timer.Stop()
	err = b.send(ctx, line, timer.C)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errWriteTimeout):
		return ErrCallTimeout
	case errors.Is(err, ErrProcessTerminated) || b.isClosed():
		return ErrProcessTerminated
	default:
		return err
	}
}

func (b *Bridge) roundTrip(ctx context.Context, id int64, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	line, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{
		id:       id,
		method:   method,
		created:  time.Now(),
		complete: make(chan Outcome, 1),
	}
	if !b.register(call) {
		return nil, ErrProcessTerminated
	}

	// the deadline covers the write too, since a worker that stops reading stdin blocks it
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := b.send(ctx, line, timer.C); err != nil {
		if !b.remove(id) {
			return b.finish(call, <-call.complete)
		}
		return nil, b.sendFailed(call, timeout, err)
	}
	b.log.Debugf("sent request %d %s", id, method)

	select {
	case out := <-call.complete:
		return b.finish(call, out)
	case <-timer.C:
		if b.remove(id) {
			b.metrics.observeCall(b.service, method, OutcomeTimeout, time.Since(call.created))
			b.log.Debugf("request %d %s timed out after %s", id, method, timeout)
			return nil, ErrCallTimeout
		}
		return b.finish(call, <-call.complete)
	case <-ctx.Done():
		if b.remove(id) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				b.metrics.observeCall(b.service, method, OutcomeTimeout, time.Since(call.created))
				return nil, fmt.Errorf("%w: %w", ErrCallTimeout, ctx.Err())
			}
			b.metrics.observeCall(b.service, method, OutcomeCanceled, time.Since(call.created))
			return nil, ctx.Err()
		}
		return b.finish(call, <-call.complete)
	}
}

func (b *Bridge) sendFailed(call *pendingCall, timeout time.Duration, err error) error {
	elapsed := time.Since(call.created)
	switch {
	case errors.Is(err, errWriteTimeout):
		b.metrics.observeCall(b.service, call.method, OutcomeTimeout, elapsed)
		b.log.Warnw("worker did not accept request in time", "Service", b.service, "Method", call.method, "Timeout", timeout)
		return ErrCallTimeout
	case errors.Is(err, context.DeadlineExceeded):
		b.metrics.observeCall(b.service, call.method, OutcomeTimeout, elapsed)
		return fmt.Errorf("%w: %w", ErrCallTimeout, err)
	case errors.Is(err, context.Canceled):
		b.metrics.observeCall(b.service, call.method, OutcomeCanceled, elapsed)
		return err
	case errors.Is(err, ErrProcessTerminated) || b.isClosed():
		b.metrics.observeCall(b.service, call.method, OutcomeTerminated, elapsed)
		return ErrProcessTerminated
	default:
		b.metrics.observeCall(b.service, call.method, OutcomeWriteError, elapsed)
		return fmt.Errorf("writing %s request: %w", call.method, err)
	}
}

// terminatedOutcome is delivered to pending calls when the bridge terminates.
var terminatedOutcome = Outcome{}

func (b *Bridge) finish(call *pendingCall, out Outcome) (json.RawMessage, error) {
	elapsed := time.Since(call.created)
	switch {
	case out.Err != nil:
		b.metrics.observeCall(b.service, call.method, OutcomeRemote, elapsed)
		return nil, out.Err
	case out.Result == nil:
		b.metrics.observeCall(b.service, call.method, OutcomeTerminated, elapsed)
		return nil, ErrProcessTerminated
	default:
		b.metrics.observeCall(b.service, call.method, OutcomeOK, elapsed)
		return out.Result, nil
	}
}

func (b *Bridge) register(call *pendingCall) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return false
	}
	b.pending[call.id] = call
	b.metrics.addPending(b.service, 1)
	return true
}

// remove deletes the pending entry for id and reports whether it was still there.
func (b *Bridge) remove(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id) != nil
}

func (b *Bridge) removeLocked(id int64) *pendingCall {
	call, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	b.metrics.addPending(b.service, -1)
	return call
}

func (b *Bridge) isClosed() bool {
	return b.State() == StateClosed
}

var errWriteTimeout = errors.New("write timed out")

// send writes one complete line with a single Write call. It gives up waiting when ctx is done, expire fires,
// or the bridge terminates. A Write already started is left to finish on its own, so a frame is never cut short;
// it keeps the write slot until it returns.
func (b *Bridge) send(ctx context.Context, line []byte, expire <-chan time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case b.writeSem <- struct{}{}:
	case <-expire:
		return errWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrProcessTerminated
	}

	written := make(chan error, 1)
	go func() {
		defer func() { <-b.writeSem }()
		_, err := b.w.Write(line)
		written <- err
	}()

	var err error
	select {
	case err := <-written:
		return err
	case <-expire:
		err = errWriteTimeout
	case <-ctx.Done():
		err = ctx.Err()
	case <-b.done:
		err = ErrProcessTerminated
	}
	select {
	case werr := <-written:
		return werr
	default:
		return err
	}
}

func (b *Bridge) readLoop() {
	defer close(b.readerDone)

	br := bufio.NewReaderSize(b.r, 64*1024)
	for {
		line, err := readLine(br)
		if len(line) > 0 {
			b.dispatch(line)
		}
		if errors.Is(err, errLineTooLong) {
			b.metrics.observeFrame(b.service, FrameMalformed.String())
			b.log.Debugf("dropping stdout line longer than %d bytes", MaxLineLength)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.log.Debugw("reading worker stdout", "Service", b.service, "Error", err)
			}
			if b.live != nil && b.live.IsAlive() {
				b.log.Warnw("worker closed stdout while still running", "Service", b.service)
				b.live.MarkDegraded()
			}
			b.terminate("stdout closed")
			return
		}
	}
}

var errLineTooLong = errors.New("line too long")

// readLine returns the next line without its terminator. A line longer than MaxLineLength is consumed and
// reported as errLineTooLong.
func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(buf)+len(chunk) > MaxLineLength {
			if errors.Is(err, bufio.ErrBufferFull) {
				if derr := discardLine(br); derr != nil {
					return nil, derr
				}
			}
			return nil, errLineTooLong
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return trimEOL(buf), err
	}
}

func discardLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return err
	}
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

func (b *Bridge) dispatch(line []byte) {
	f := DecodeFrame(line)
	switch f.Kind {
	case FrameResponse:
		b.mu.Lock()
		call := b.removeLocked(f.ID)
		b.mu.Unlock()
		if call == nil {
			b.metrics.observeFrame(b.service, frameKindUnmatched)
			b.log.Debugf("dropping response for unknown id %d", f.ID)
			return
		}
		b.metrics.observeFrame(b.service, f.Kind.String())
		if f.Outcome.Err == nil && f.Outcome.Result == nil {
			f.Outcome.Result = json.RawMessage("null")
		}
		call.complete <- f.Outcome
	case FrameNotification:
		b.metrics.observeFrame(b.service, f.Kind.String())
		b.log.Debugf("notification %s", f.Notification.Method)
		if b.onNotify != nil {
			b.onNotify(f.Notification)
		}
	default:
		b.metrics.observeFrame(b.service, f.Kind.String())
		b.log.Debugf("dropping malformed stdout line: %s", f.Reason)
	}
}

func (b *Bridge) watchLiveness() {
	select {
	case <-b.live.Done():
		b.terminate("process exited")
	case <-b.done:
	}
}

// terminate closes the bridge and fails every outstanding call. Only the first call has any effect.
func (b *Bridge) terminate(reason string) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.state = StateClosed
		pending := b.pending
		b.pending = map[int64]*pendingCall{}
		b.mu.Unlock()

		b.log.Debugw("bridge terminated", "Service", b.service, "Reason", reason, "Pending", len(pending))
		close(b.done)

		for _, call := range pending {
			b.metrics.addPending(b.service, -1)
			call.complete <- terminatedOutcome
		}
	})
}

func mustEncodeNotification(method string) []byte {
	line, err := encodeNotification(method, nil)
	if err != nil {
		panic(err)
	}
	return line
}
