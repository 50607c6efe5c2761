package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before sending SIGKILL.
const DefaultStopGrace = 5 * time.Second

// SpawnError is returned when a worker process can't be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning worker %q: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StartRequest describes a worker to spawn.
type StartRequest struct {
	Command string
	Args    []string
	// Env is the complete environment of the worker, usually built with BuildEnv.
	// Nothing is inherited from the gateway implicitly; a nil Env means an empty environment.
	Env []string
	Dir string
	// Name is used for logging only.
	Name string
}

// Result describes how a worker exited.
type Result struct {
	ExitCode int
	TimeMS   int64
}

type Supervisor struct {
	Log *zap.SugaredLogger
	// StopGrace overrides DefaultStopGrace when non-zero.
	StopGrace time.Duration
	// StderrLines overrides DefaultStderrLines when non-zero.
	StderrLines int
}

// Start spawns a worker and returns once it is running.
// The returned Process is Ready from the supervisor's point of view; protocol readiness is the bridge's concern.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*Process, error) {
	log := s.logger().With("Command", req.Command)
	if req.Name != "" {
		log = log.With("Service", req.Name)
	}

	grace := s.StopGrace
	if grace == 0 {
		grace = DefaultStopGrace
	}

	p := &Process{
		log:    log,
		grace:  grace,
		done:   make(chan struct{}),
		state:  StateStarting,
		Stderr: NewStderrLog(log.Named("stderr"), s.StderrLines),
	}

	// #nosec G204 -- commands come from the operator's service table.
	cmd := exec.Command(req.Command, req.Args...)
	cmd.Env = append([]string{}, req.Env...)
	cmd.Dir = req.Dir
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: req.Command, Err: fmt.Errorf("opening stdin: %w", err)}
	}

	// stdout and stderr are plain OS pipes rather than cmd.StdoutPipe(), because Wait closes the latter
	// as soon as the process exits, which would drop responses written right before exit.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: req.Command, Err: fmt.Errorf("opening stdout: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Command: req.Command, Err: fmt.Errorf("opening stderr: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := ctx.Err(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, &SpawnError{Command: req.Command, Err: err}
	}

	p.startTime = time.Now()
	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, &SpawnError{Command: req.Command, Err: err}
	}

	// The child holds its own copies now; keeping ours would prevent EOF.
	closeAll(stdoutW, stderrW)

	p.cmd = cmd
	p.Stdin = stdin
	p.Stdout = stdoutR
	p.stdout = stdoutR
	p.stderr = stderrR
	p.setState(StateReady)

	log.Infow("worker started", "PID", cmd.Process.Pid)

	go p.Stderr.Drain(stderrR)
	go p.wait()

	return p, nil
}

func (s *Supervisor) logger() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// Process is a running (or exited) worker.
type Process struct {
	log   *zap.SugaredLogger
	cmd   *exec.Cmd
	grace time.Duration

	// Stdin is the write end of the worker's stdin.
	Stdin io.WriteCloser
	// Stdout is the read end of the worker's stdout. It must have exactly one reader.
	Stdout io.Reader
	// Stderr holds the most recent stderr lines.
	Stderr *StderrLog

	stdout *os.File
	stderr *os.File

	startTime time.Time

	mu     sync.Mutex
	state  State
	result Result

	done      chan struct{}
	closeOnce sync.Once
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	timeMS := time.Since(p.startTime).Milliseconds()
	exitCode := extractExitCode(err)

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.log.Debugf("unexpected wait error: %s", err)
	}

	p.mu.Lock()
	p.result = Result{ExitCode: exitCode, TimeMS: timeMS}
	p.state = StateTerminated
	p.mu.Unlock()

	p.log.Infow("worker exited", "PID", p.cmd.Process.Pid, "ExitCode", exitCode, "TimeMS", timeMS)
	close(p.done)
}

// PID returns the OS process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// StartTime returns when the process was spawned.
func (p *Process) StartTime() time.Time {
	return p.startTime
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// IsAlive reports whether the process has not exited yet. It never blocks.
func (p *Process) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return
	}
	p.state = s
}

// MarkDegraded records that the stdout stream closed while the process is still alive.
// It has no effect once the process has terminated.
func (p *Process) MarkDegraded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() || p.state == StateDegraded {
		return
	}
	p.state = StateDegraded
	p.log.Warnw("worker degraded: stdout closed while process is alive", "PID", p.cmd.Process.Pid)
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		p.mu.Lock()
		res := p.result
		p.mu.Unlock()
		return &res, nil
	}
}

// Stop asks the process group to terminate, and kills it if it is still alive after the grace period.
// Stopping an exited process is a no-op.
// If ctx is done before the process exits, the group is killed and ctx.Err() is returned.
func (p *Process) Stop(ctx context.Context) error {
	defer p.closeStreams()

	if !p.IsAlive() {
		return nil
	}

	// Well-behaved workers exit on stdin EOF.
	p.Stdin.Close()

	pid := p.cmd.Process.Pid
	p.log.Debugw("sending SIGTERM", "PID", pid)
	if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		p.log.Debugf("error signaling worker: %s", err)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.log.Warnw("worker did not exit gracefully, killing", "PID", pid, "Grace", p.grace)
	case <-ctx.Done():
		p.log.Warnw("stop context done, killing worker", "PID", pid)
	}

	if err := kill(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		p.log.Debugf("error killing worker: %s", err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeStreams releases the parent's ends of stdout and stderr.
// This unblocks the stdout reader even when a grandchild still holds the write end.
func (p *Process) closeStreams() {
	if p.IsAlive() {
		return
	}
	p.closeOnce.Do(func() {
		p.stdout.Close()
		p.stderr.Close()
		<-p.Stderr.Drained()
	})
}

// extractExitCode converts a Wait error into an exit code, using 128+signal for signaled processes.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}
