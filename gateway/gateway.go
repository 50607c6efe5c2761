package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/toolbridge/service"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	RequestIDHeader = "X-Request-Id"

	defaultLogLines = 100
	maxCallBody     = 8 << 20
)

// Gateway is the HTTP facade over a service registry.
type Gateway struct {
	logger   *zap.SugaredLogger
	logLevel *zapcore.Level
	registry *service.Registry
	hub      *Hub
	promReg  *prometheus.Registry
	version  string

	listenAddr string
	httpServer *http.Server
	router     *httprouter.Router

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec

	closed    chan struct{}
	closeOnce sync.Once
	// active counts running handlers, including hijacked websocket streams that http.Server does not track.
	active sync.WaitGroup
}

type Option func(g *Gateway)

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Named("gateway").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(g *Gateway) {
		g.logLevel = &l
	}
}

// WithHub sets the hub notifications are streamed from. The registry must publish into the same hub.
func WithHub(h *Hub) Option {
	return func(g *Gateway) {
		g.hub = h
	}
}

// WithPrometheusRegistry sets the registry served on /metrics. Gateway metrics are registered in it too.
func WithPrometheusRegistry(r *prometheus.Registry) Option {
	return func(g *Gateway) {
		g.promReg = r
	}
}

func WithVersion(v string) Option {
	return func(g *Gateway) {
		g.version = v
	}
}

// New constructs a gateway. Nothing listens until Run or Serve is called.
func New(registry *service.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		logger:     zap.NewNop().Sugar(),
		registry:   registry,
		listenAddr: "0.0.0.0:8080",
		version:    "dev",
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	if g.logLevel != nil {
		g.logger = g.logger.WithOptions(zap.IncreaseLevel(*g.logLevel))
	}
	if g.hub == nil {
		g.hub = NewHub()
	}
	if g.promReg == nil {
		g.promReg = prometheus.NewRegistry()
	}

	g.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_http_requests_total",
			Help: "HTTP requests served, by route and status code",
		},
		[]string{"method", "route", "code"},
	)
	g.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolbridge_http_request_duration_seconds",
			Help:    "HTTP request latency, by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	g.promReg.MustRegister(g.requests, g.duration)

	g.router = g.routes()
	g.httpServer = &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

func (g *Gateway) routes() *httprouter.Router {
	router := httprouter.New()
	g.handle(router, http.MethodGet, "/health", g.health)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(g.promReg, promhttp.HandlerOpts{Registry: g.promReg}))

	g.handle(router, http.MethodGet, "/api/v1/services", g.listServices)
	g.handle(router, http.MethodGet, "/api/v1/services/:name", g.getService)
	g.handle(router, http.MethodPost, "/api/v1/services/:name/start", g.startService)
	g.handle(router, http.MethodPost, "/api/v1/services/:name/stop", g.stopService)
	g.handle(router, http.MethodGet, "/api/v1/services/:name/tools", g.listTools)
	g.handle(router, http.MethodPost, "/api/v1/services/:name/call", g.callTool)
	g.handle(router, http.MethodGet, "/api/v1/services/:name/logs", g.serviceLogs)
	g.handle(router, http.MethodGet, "/api/v1/services/:name/skill", g.skill)
	g.handle(router, http.MethodGet, "/api/v1/services/:name/notifications", g.notifications)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = writeJSON(w, http.StatusNotFound, Response{Error: "no such route"})
	})
	return router
}

type ctxKey struct{}

// handle registers h with request id propagation, logging, and metrics labeled by route.
func (g *Gateway) handle(router *httprouter.Router, method, route string, h httprouter.Handle) {
	router.Handle(method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		g.active.Add(1)
		defer g.active.Done()

		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		log := g.logger.With("RequestID", id)
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, log))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)

		elapsed := time.Since(start)
		g.requests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		g.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
		log.Debugw("handled request", "Method", method, "Path", r.URL.Path, "Status", rec.status, "Duration", elapsed)
	})
}

func (g *Gateway) reqLogger(r *http.Request) *zap.SugaredLogger {
	if log, ok := r.Context().Value(ctxKey{}).(*zap.SugaredLogger); ok {
		return log
	}
	return g.logger
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Run listens on the configured address and serves until Shutdown.
func (g *Gateway) Run() error {
	l, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return g.Serve(l)
}

// Serve serves on l until Shutdown.
func (g *Gateway) Serve(l net.Listener) error {
	g.logger.Infow("gateway listening", "Addr", l.Addr().String())
	err := g.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes notification streams, and waits for in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closeOnce.Do(func() { close(g.closed) })
	err := g.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	ServicesTotal   int    `json:"services_total"`
	ServicesRunning int    `json:"services_running"`
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	total, running := g.registry.Counts()
	if err := writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "healthy",
		Version:         g.version,
		ServicesTotal:   total,
		ServicesRunning: running,
	}); err != nil {
		g.reqLogger(r).Debugf("error writing health response: %s", err)
	}
}

func (g *Gateway) listServices(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.ok(w, r, g.registry.List(), "")
}

// ServiceDetails is a service with its tools.
type ServiceDetails struct {
	service.Info
	Tools []ToolInfo `json:"tools"`
	// ToolsLive is true when Tools came from the running worker rather than configuration.
	ToolsLive bool `json:"toolsLive"`
}

type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Example     map[string]any `json:"example,omitempty"`
}

func (g *Gateway) getService(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	info, err := g.registry.Status(name)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	tools, live, err := g.registry.Tools(r.Context(), name)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	details := ServiceDetails{Info: info, Tools: make([]ToolInfo, 0, len(tools)), ToolsLive: live}
	for _, t := range tools {
		details.Tools = append(details.Tools, ToolInfo(t))
	}
	g.ok(w, r, details, "")
}

func (g *Gateway) startService(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	info, err := g.registry.Start(r.Context(), name)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.ok(w, r, info, fmt.Sprintf("service %s started", name))
}

func (g *Gateway) stopService(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	if err := g.registry.Stop(r.Context(), name); err != nil {
		g.fail(w, r, err)
		return
	}
	info, err := g.registry.Status(name)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.ok(w, r, info, fmt.Sprintf("service %s stopped", name))
}

func (g *Gateway) listTools(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	tools, err := g.registry.ListTools(r.Context(), params.ByName("name"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.ok(w, r, tools, "")
}

// CallRequest is the body of a tool call.
type CallRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

func (g *Gateway) callTool(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	if _, err := g.registry.Config(name); err != nil {
		g.fail(w, r, err)
		return
	}

	var req CallRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCallBody))
	if err := dec.Decode(&req); err != nil {
		g.fail(w, r, fmt.Errorf("%w: decoding body: %s", errBadRequest, err))
		return
	}
	if req.Tool == "" {
		g.fail(w, r, fmt.Errorf("%w: request contained no tool", errBadRequest))
		return
	}

	result, err := g.registry.CallTool(r.Context(), name, req.Tool, req.Arguments)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.ok(w, r, result, "")
}

func (g *Gateway) serviceLogs(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	lines := defaultLogLines
	if s := r.URL.Query().Get("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			g.fail(w, r, fmt.Errorf("%w: invalid lines %q", errBadRequest, s))
			return
		}
		lines = n
	}
	logs, err := g.registry.Logs(params.ByName("name"), lines)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.ok(w, r, logs, "")
}

func (g *Gateway) skill(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	cfg, err := g.registry.Config(name)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	tools, _, err := g.registry.Tools(r.Context(), name)
	if err != nil {
		g.fail(w, r, err)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	md := GenerateSkill(cfg, tools, fmt.Sprintf("%s://%s", scheme, r.Host))

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		if _, err := io.WriteString(w, md); err != nil {
			g.reqLogger(r).Debugf("error writing skill: %s", err)
		}
		return
	}
	g.ok(w, r, md, "")
}

// notifications streams the service's worker notifications over a websocket, one JSON Event per message.
func (g *Gateway) notifications(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	if _, err := g.registry.Config(name); err != nil {
		g.fail(w, r, err)
		return
	}

	log := g.reqLogger(r)
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("notifications WebSocket accept error: %s", err)
		return
	}

	sub := g.hub.Add(name)
	defer g.hub.Remove(sub)
	log.Debugw("notification subscriber connected", "Service", name)

	// the client never sends anything; CloseRead handles its close frame
	ctx := wsConn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		case <-g.closed:
			wsConn.Close(websocket.StatusGoingAway, "gateway shutting down")
			return
		case ev := <-sub.Events():
			if err := wsjson.Write(ctx, wsConn, ev); err != nil {
				log.Debugf("error writing notification: %s", err)
				wsConn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
