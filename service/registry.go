package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/guseggert/toolbridge/config"
	"github.com/guseggert/toolbridge/rpc"
	"github.com/guseggert/toolbridge/worker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownService  = errors.New("unknown service")
	ErrServiceDisabled = errors.New("service disabled")
)

// Status is the externally visible state of a service.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusExited   Status = "exited"
)

// Info is a snapshot of a service.
type Info struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"displayName"`
	Description string          `json:"description,omitempty"`
	Enabled     bool            `json:"enabled"`
	Status      Status          `json:"status"`
	PID         int             `json:"pid,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	ExitCode    *int            `json:"exitCode,omitempty"`
	Server      *rpc.ServerInfo `json:"server,omitempty"`
}

// NotificationHandler receives worker notifications tagged with the service name.
// It runs on the bridge's reader goroutine and must not block.
type NotificationHandler func(service string, n rpc.Notification)

type svc struct {
	cfg config.ServiceConfig

	// lifecycle serializes Start and Stop. Readers only take mu, which is never held across a handshake
	// or a process stop.
	lifecycle sync.Mutex

	mu       sync.Mutex
	proc     *worker.Process
	bridge   *rpc.Bridge
	stderr   *worker.StderrLog
	lastExit *worker.Result
}

// Registry owns the configured services and their running workers.
type Registry struct {
	log        *zap.SugaredLogger
	supervisor *worker.Supervisor
	bridgeCfg  config.BridgeConfig
	metrics    *rpc.Metrics
	onNotify   NotificationHandler
	lookupEnv  func(string) (string, bool)
	baseEnv    func() []string
	clientInfo rpc.ClientInfo

	names    []string
	services map[string]*svc
}

type Option func(r *Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) { r.log = l }
}

func WithBridgeConfig(c config.BridgeConfig) Option {
	return func(r *Registry) { r.bridgeCfg = c }
}

func WithMetrics(m *rpc.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithNotificationHandler(h NotificationHandler) Option {
	return func(r *Registry) { r.onNotify = h }
}

// WithEnvLookup sets where "env:KEY" references are resolved. Defaults to os.LookupEnv.
func WithEnvLookup(f func(string) (string, bool)) Option {
	return func(r *Registry) { r.lookupEnv = f }
}

// WithBaseEnv sets the environment every worker starts from. Defaults to os.Environ.
func WithBaseEnv(f func() []string) Option {
	return func(r *Registry) { r.baseEnv = f }
}

func WithClientVersion(v string) Option {
	return func(r *Registry) { r.clientInfo.Version = v }
}

// NewRegistry creates a registry for the given services. Nothing is started.
func NewRegistry(services []config.ServiceConfig, opts ...Option) *Registry {
	r := &Registry{
		log:        zap.NewNop().Sugar(),
		bridgeCfg:  config.Default().Bridge,
		lookupEnv:  os.LookupEnv,
		baseEnv:    os.Environ,
		clientInfo: rpc.ClientInfo{Name: "toolbridge", Version: "dev"},
		services:   map[string]*svc{},
	}
	for _, o := range opts {
		o(r)
	}
	r.supervisor = &worker.Supervisor{
		Log:         r.log.Named("supervisor"),
		StopGrace:   r.bridgeCfg.StopGrace,
		StderrLines: r.bridgeCfg.StderrLines,
	}
	for _, s := range services {
		r.names = append(r.names, s.Name)
		r.services[s.Name] = &svc{cfg: s}
	}
	return r
}

// Names returns the service names in configuration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Config returns the configuration of a service.
func (r *Registry) Config(name string) (config.ServiceConfig, error) {
	s, err := r.get(name)
	if err != nil {
		return config.ServiceConfig{}, err
	}
	return s.cfg, nil
}

func (r *Registry) get(name string) (*svc, error) {
	s, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownService, name)
	}
	return s, nil
}

// Start spawns the service's worker and completes the handshake. Starting a running service does nothing.
func (r *Registry) Start(ctx context.Context, name string) (Info, error) {
	s, err := r.get(name)
	if err != nil {
		return Info{}, err
	}
	if !s.cfg.Enabled {
		return Info{}, fmt.Errorf("%w: %s", ErrServiceDisabled, name)
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if proc, bridge := s.current(); proc != nil {
		if proc.IsAlive() && bridge.State() == rpc.StateReady {
			return s.snapshot(), nil
		}
		// exited or wedged: clean up before starting again
		if err := r.stopLocked(ctx, s); err != nil {
			return Info{}, err
		}
	}

	log := r.log.With("Service", name)
	env := worker.BuildEnv(r.baseEnv(), s.cfg.Env, r.lookupEnv)
	proc, err := r.supervisor.Start(ctx, worker.StartRequest{
		Command: s.cfg.Command,
		Args:    s.cfg.Args,
		Env:     env,
		Dir:     s.cfg.Dir,
		Name:    name,
	})
	if err != nil {
		return Info{}, err
	}

	opts := []rpc.Option{
		rpc.WithLogger(r.log.Named("bridge").With("Service", name)),
		rpc.WithServiceName(name),
		rpc.WithLiveness(proc),
		rpc.WithCallTimeout(r.bridgeCfg.CallTimeout),
		rpc.WithHandshakeTimeout(r.bridgeCfg.HandshakeTimeout),
		rpc.WithClientInfo(r.clientInfo),
		rpc.WithMetrics(r.metrics),
	}
	if r.onNotify != nil {
		onNotify := r.onNotify
		opts = append(opts, rpc.WithNotificationHandler(func(n rpc.Notification) { onNotify(name, n) }))
	}
	bridge := rpc.New(proc.Stdin, proc.Stdout, opts...)

	s.mu.Lock()
	s.proc = proc
	s.bridge = bridge
	s.stderr = proc.Stderr
	s.mu.Unlock()

	res, err := bridge.Handshake(ctx)
	if err != nil {
		log.Warnw("handshake failed, stopping worker", "Error", err)
		if stopErr := r.stopLocked(context.Background(), s); stopErr != nil {
			err = multierr.Append(err, stopErr)
		}
		return Info{}, fmt.Errorf("starting %s: %w", name, err)
	}

	log.Infow("service started", "PID", proc.PID(), "Server", res.ServerInfo.Name)
	return s.snapshot(), nil
}

// Stop stops the service's worker. Stopping a stopped service does nothing.
func (r *Registry) Stop(ctx context.Context, name string) error {
	s, err := r.get(name)
	if err != nil {
		return err
	}
	// Closing the bridge first fails a handshake in progress, so the Start holding lifecycle returns promptly.
	if _, bridge := s.current(); bridge != nil {
		bridge.Close()
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return r.stopLocked(ctx, s)
}

// stopLocked requires s.lifecycle.
func (r *Registry) stopLocked(ctx context.Context, s *svc) error {
	proc, bridge := s.current()
	if proc == nil {
		return nil
	}
	bridge.Close()
	if err := proc.Stop(ctx); err != nil {
		return fmt.Errorf("stopping %s: %w", s.cfg.Name, err)
	}
	select {
	case <-bridge.ReaderDone():
	case <-ctx.Done():
		return fmt.Errorf("stopping %s: %w", s.cfg.Name, ctx.Err())
	}
	res, err := proc.Wait(ctx)

	s.mu.Lock()
	if err == nil {
		s.lastExit = res
	}
	s.proc = nil
	s.bridge = nil
	s.mu.Unlock()

	r.log.Infow("service stopped", "Service", s.cfg.Name, "PID", proc.PID())
	return nil
}

// StopAll stops every running service concurrently and returns all errors.
func (r *Registry) StopAll(ctx context.Context) error {
	var (
		group errgroup.Group
		mu    sync.Mutex
		errs  error
	)
	for _, name := range r.names {
		name := name
		group.Go(func() error {
			if err := r.Stop(ctx, name); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return errs
}

// AutoStart starts every enabled service marked autoStart, concurrently, and returns all errors.
func (r *Registry) AutoStart(ctx context.Context) error {
	var (
		group errgroup.Group
		mu    sync.Mutex
		errs  error
	)
	for _, name := range r.names {
		s := r.services[name]
		if !s.cfg.Enabled || !s.cfg.AutoStart {
			continue
		}
		name := name
		group.Go(func() error {
			if _, err := r.Start(ctx, name); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return errs
}

// Status returns a snapshot of one service.
func (r *Registry) Status(name string) (Info, error) {
	s, err := r.get(name)
	if err != nil {
		return Info{}, err
	}
	return s.snapshot(), nil
}

// List returns snapshots of all services in configuration order.
func (r *Registry) List() []Info {
	infos := make([]Info, 0, len(r.names))
	for _, name := range r.names {
		info, _ := r.Status(name)
		infos = append(infos, info)
	}
	return infos
}

// Bridge returns the bridge of a running service.
func (r *Registry) Bridge(name string) (*rpc.Bridge, error) {
	s, err := r.get(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bridge == nil {
		return nil, fmt.Errorf("service %s is not running: %w", name, rpc.ErrNotReady)
	}
	return s.bridge, nil
}

// ListTools asks the running worker for its tools.
func (r *Registry) ListTools(ctx context.Context, name string) ([]rpc.Tool, error) {
	b, err := r.Bridge(name)
	if err != nil {
		return nil, err
	}
	return b.ListTools(ctx)
}

// Tools returns the live tool list when the service is running, and the configured tools otherwise.
func (r *Registry) Tools(ctx context.Context, name string) ([]config.ToolConfig, bool, error) {
	s, err := r.get(name)
	if err != nil {
		return nil, false, err
	}
	tools, err := r.ListTools(ctx, name)
	if err != nil {
		if errors.Is(err, rpc.ErrNotReady) {
			return s.cfg.Tools, false, nil
		}
		return nil, false, err
	}
	return mergeTools(tools, s.cfg.Tools), true, nil
}

// mergeTools converts live tools, keeping configured examples and descriptions where the worker gives none.
func mergeTools(live []rpc.Tool, static []config.ToolConfig) []config.ToolConfig {
	byName := map[string]config.ToolConfig{}
	for _, t := range static {
		byName[t.Name] = t
	}
	out := make([]config.ToolConfig, 0, len(live))
	for _, t := range live {
		tc := config.ToolConfig{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
		if st, ok := byName[t.Name]; ok {
			tc.Example = st.Example
			if tc.Description == "" {
				tc.Description = st.Description
			}
		}
		out = append(out, tc)
	}
	return out
}

// CallTool invokes a tool on a running service and returns the worker's result untouched.
func (r *Registry) CallTool(ctx context.Context, name, tool string, arguments map[string]any) (json.RawMessage, error) {
	b, err := r.Bridge(name)
	if err != nil {
		return nil, err
	}
	return b.CallTool(ctx, tool, arguments)
}

// Logs returns up to n recent stderr lines of the service's current or last worker.
func (r *Registry) Logs(name string, n int) ([]string, error) {
	s, err := r.get(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stderr == nil {
		return []string{}, nil
	}
	return s.stderr.Lines(n), nil
}

// Counts returns the number of configured and running services.
func (r *Registry) Counts() (total, running int) {
	for _, info := range r.List() {
		if info.Status == StatusRunning {
			running++
		}
	}
	return len(r.names), running
}

func (s *svc) current() (*worker.Process, *rpc.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc, s.bridge
}

func (s *svc) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info()
}

// info requires s.mu.
func (s *svc) info() Info {
	info := Info{
		Name:        s.cfg.Name,
		DisplayName: s.cfg.Title(),
		Description: s.cfg.Description,
		Enabled:     s.cfg.Enabled,
		Status:      StatusStopped,
	}
	if s.proc == nil {
		if s.lastExit != nil {
			code := s.lastExit.ExitCode
			info.ExitCode = &code
		}
		return info
	}

	info.PID = s.proc.PID()
	started := s.proc.StartTime()
	info.StartedAt = &started

	switch s.proc.State() {
	case worker.StateTerminated:
		info.Status = StatusExited
		if res, err := s.proc.Wait(context.Background()); err == nil {
			info.ExitCode = &res.ExitCode
		}
	case worker.StateDegraded:
		info.Status = StatusDegraded
	default:
		info.Status = StatusStarting
		if init, ok := s.bridge.InitializeResult(); ok {
			info.Status = StatusRunning
			info.Server = &init.ServerInfo
		}
	}
	return info
}
