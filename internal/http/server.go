package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"replsvc/pkg/dberrors"
	"replsvc/pkg/metrics"
	"replsvc/pkg/monitor"
	"replsvc/pkg/raftadapter"
	"replsvc/pkg/service"
	"replsvc/pkg/types"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	defaultRequestTimeout  = time.Second * 10
)

type iMonitor interface {
	Submit(ctx context.Context, req *service.Request) (service.Reply, error)
	HandleForwarded(ctx context.Context, req *service.Request) (service.Reply, error)
	HandleRaft(ctx context.Context, msg raftpb.Message) error
	Status(ctx context.Context) (monitor.Status, error)
	Metrics() *metrics.Registry
}

// Server exposes the replicated services of one monitor over HTTP.
type Server struct {
	mon            iMonitor
	httpServer     *http.Server
	requestTimeout time.Duration
	URL            string
	addr           string
}

// NewServer creates a new server instance
func NewServer(mon iMonitor, port int, requestTimeout time.Duration) *Server {
	if port == 0 {
		port = defaultHTTPPort
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Server{
		mon:            mon,
		requestTimeout: requestTimeout,
		URL:            fmt.Sprintf("http://localhost:%d", port),
		addr:           fmt.Sprintf(":%d", port),
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/services/{service}/{op}", s.handleService)
	r.Post("/api/services/{service}/{op}", s.handleService)

	r.Post(raftadapter.RaftEndpoint, s.handleRaft)
	r.Post(monitor.ForwardEndpoint, s.handleForward)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, errorStatus(err), NewErrorResponse(err.Error()))
}

func (s *Server) writeReply(w http.ResponseWriter, rep service.Reply) {
	code := http.StatusOK
	switch rep.Status {
	case service.StatusNotFound:
		code = http.StatusNotFound
	case service.StatusError:
		code = http.StatusInternalServerError
	}
	s.writeJSON(w, code, NewReplyResponse(rep))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrUnknownService), errors.Is(err, dberrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := s.mon.Metrics().WriteText(w); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	st, err := s.mon.Status(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleService serves /api/services/{service}/{op}. Arguments come from the
// query string, or from a JSON object body on POST; the "version" query
// parameter names the newest version the client has seen.
func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	args, err := requestArgs(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var ver types.Version
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: version %q", dberrors.ErrInvalidArgument, raw))
			return
		}
		ver = types.Version(v)
	}

	req := service.NewRequest(chi.URLParam(r, "service"), chi.URLParam(r, "op"), args)
	req.Version = ver

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	rep, err := s.mon.Submit(ctx, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeReply(w, rep)
}

func requestArgs(r *http.Request) (map[string]string, error) {
	args := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if k == "version" || len(vs) == 0 {
			continue
		}
		args[k] = vs[0]
	}
	if r.Method != http.MethodPost {
		return args, nil
	}

	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: body: %v", dberrors.ErrInvalidArgument, err)
	}
	for k, v := range body {
		args[k] = v
	}
	return args, nil
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	var req service.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	rep, err := s.mon.HandleForwarded(ctx, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// the forwarding peer relays the reply as is
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.mon.HandleRaft(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
