// Package gateway serves the browser-facing HTTP surface: per-family action
// routes, the WebSocket notification stream and a health check.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaz8081/birdbridge/internal/domain"
	"github.com/chaz8081/birdbridge/internal/handler"
	"github.com/chaz8081/birdbridge/internal/notify"
	"github.com/chaz8081/birdbridge/internal/robot"
	"github.com/chaz8081/birdbridge/internal/tracer"
	"github.com/chaz8081/birdbridge/internal/worker"
)

// FamilyHandler is the per-family operation set the gateway routes to.
// *handler.Handler implements it.
type FamilyHandler interface {
	Family() handler.Family
	Discover(ctx context.Context) (string, error)
	StopDiscover(ctx context.Context) string
	Connect(ctx context.Context, id string) error
	AutoConnect(ctx context.Context, ids []string) (string, error)
	Disconnect(ctx context.Context, id string) (string, error)
	TotalStatus() handler.Status
	Devices() []handler.DeviceStatus
	Pending() []string
	Output(ctx context.Context, id string, out robot.Output) (string, robot.OutputResult, error)
	Sensor(ctx context.Context, id string, sensor robot.Sensor, port string) (string, error)
	Rename(ctx context.Context, id, name string) error
}

var _ FamilyHandler = (*handler.Handler)(nil)

const defaultQueueTimeout = 3 * time.Second

// Options configures a Server.
type Options struct {
	QueueTimeout time.Duration // max wait for a worker slot
	RateLimit    float64       // requests per second across all clients; 0 disables
	Burst        int
	Logger       *slog.Logger
}

// Server routes HTTP requests to family handlers and streams bus events to
// WebSocket clients.
type Server struct {
	handlers map[string]FamilyHandler
	pool     *worker.Pool
	bus      *notify.Bus
	opts     Options
	logger   *slog.Logger
	router   *mux.Router

	clients sync.Map // uint64 -> *wsClient
	nextID  atomic.Uint64
	unsub   func()

	httpSrv   *http.Server
	boundAddr string
}

// New builds the router and subscribes to bus. Call Close to release the
// subscription and WebSocket clients.
func New(bus *notify.Bus, pool *worker.Pool, opts Options, families ...FamilyHandler) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = defaultQueueTimeout
	}

	s := &Server{
		handlers: make(map[string]FamilyHandler, len(families)),
		pool:     pool,
		bus:      bus,
		opts:     opts,
		logger:   opts.Logger,
	}
	for _, h := range families {
		s.handlers[h.Family().Route] = h
	}

	r := mux.NewRouter()
	r.Use(requestID, s.logRequests, s.rateLimit(), s.traceRequests)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/{family}/{action}", s.handleAction)
	r.HandleFunc("/{family}/{action}/{sub}", s.handleAction)
	s.router = r

	s.unsub = bus.Subscribe(s.broadcast)
	return s
}

// Handler returns the routed, middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info("[gateway] listening", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Warn("[gateway] shutdown", "error", err)
		}
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes WebSocket clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.Close()
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the listener address once Start is running.
func (s *Server) BoundAddr() string { return s.boundAddr }

// familyHealth is one family's entry in the /healthz body.
type familyHealth struct {
	Status  handler.Status         `json:"status"`
	Devices []handler.DeviceStatus `json:"devices"`
	Pending []string               `json:"pending"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := make(map[string]familyHealth, len(s.handlers))
	for route, h := range s.handlers {
		status[route] = familyHealth{
			Status:  h.TotalStatus(),
			Devices: h.Devices(),
			Pending: h.Pending(),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"families": status,
		"workers":  map[string]int{"size": s.pool.Size(), "in_use": s.pool.InUse()},
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h, ok := s.handlers[vars["family"]]
	if !ok {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()
	q := r.URL.Query()
	id := q.Get("id")

	var (
		body string
		err  error
	)
	switch vars["action"] {
	case "discover":
		body, err = h.Discover(ctx)
	case "stopDiscover":
		body = h.StopDiscover(ctx)
	case "totalStatus":
		body = string(h.TotalStatus())
	case "connect":
		err = s.onDevice(ctx, func(ctx context.Context) error {
			return h.Connect(ctx, id)
		})
	case "autoConnect":
		body, err = h.AutoConnect(ctx, q["id"])
	case "disconnect":
		err = s.onDevice(ctx, func(ctx context.Context) error {
			var derr error
			body, derr = h.Disconnect(ctx, id)
			return derr
		})
	case "out":
		body, err = s.output(ctx, h, vars["sub"], id, q)
	case "in":
		body, err = s.sensor(ctx, h, vars["sub"], id, q.Get("sensor"), q.Get("port"))
	case "rename":
		if id == "" {
			err = domain.NewError("gateway.rename", domain.ErrInvalidInput, "missing id")
			break
		}
		err = s.onDevice(ctx, func(ctx context.Context) error {
			return h.Rename(ctx, id, q.Get("name"))
		})
	default:
		http.NotFound(w, r)
		return
	}

	s.reply(w, r, body, err)
}

func (s *Server) output(ctx context.Context, h FamilyHandler, kind, id string, q url.Values) (string, error) {
	if id == "" {
		return "", domain.NewError("gateway.out", domain.ErrInvalidInput, "missing id")
	}
	out, err := robot.ParseOutput(kind, q)
	if err != nil {
		return "", err
	}

	var body string
	err = s.onDevice(ctx, func(ctx context.Context) error {
		msg, res, err := h.Output(ctx, id, out)
		for _, wr := range res.Writes {
			if wr.Err != nil {
				s.logger.Warn("[gateway] partial output failure", "id", id, "channel", wr.Channel, "error", wr.Err)
			}
		}
		body = msg
		return err
	})
	return body, err
}

func (s *Server) sensor(ctx context.Context, h FamilyHandler, sub, id, name, port string) (string, error) {
	if id == "" {
		return "", domain.NewError("gateway.in", domain.ErrInvalidInput, "missing id")
	}
	if name == "" {
		name = sub
	}

	var body string
	err := s.onDevice(ctx, func(ctx context.Context) error {
		v, err := h.Sensor(ctx, id, robot.ParseSensor(name), port)
		body = v
		return err
	})
	return body, err
}

// onDevice runs fn on the worker pool. Waiting for a slot is bounded by the
// queue timeout; fn itself runs under the request context.
func (s *Server) onDevice(ctx context.Context, fn func(context.Context) error) error {
	qctx, cancel := context.WithTimeout(ctx, s.opts.QueueTimeout)
	defer cancel()
	return s.pool.Do(qctx, func(context.Context) error { return fn(ctx) })
}

// reply writes body, or the numeric status body for err. The HTTP status is
// always 200.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, body string, err error) {
	if err != nil {
		body = domain.StatusBody(err)
		markError(r.Context(), err)
		s.logger.Warn("[gateway] request failed",
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"body", body,
			"error", err,
		)
	} else {
		tracer.SetOK(trace.SpanFromContext(r.Context()))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func markError(ctx context.Context, err error) {
	tracer.RecordError(trace.SpanFromContext(ctx), err)
}
