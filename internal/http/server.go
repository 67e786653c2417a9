package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"raftmap/pkg/api"
	"raftmap/pkg/config"
	"raftmap/pkg/dberrors"
	"raftmap/pkg/metrics"
	"raftmap/pkg/operation"
	"raftmap/pkg/raftadapter"
	"raftmap/pkg/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	defaultRequestTimeout  = time.Second * 5
)

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Propose(ctx context.Context, e raftadapter.Entry) (raftadapter.Outcome, error)
	Query(ctx context.Context, op operation.Operation, level raftadapter.Consistency, minIndex uint64) (raftadapter.Outcome, error)
	AddMember(ctx context.Context, id uint64, addr string) error
	RemoveMember(ctx context.Context, id uint64) error
	Peers() map[uint64]string
	Status() raftadapter.Status
	Handle(ctx context.Context, message raftpb.Message) error

	Run(ctx context.Context) error
	Stop() error
}

// Server represents the HTTP server in front of a raft node
type Server struct {
	node       iRaftNode
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
	requestTimeout    time.Duration
	sessionTimeout    time.Duration
	consistency       raftadapter.Consistency
	metrics           *metrics.Registry

	cancel context.CancelFunc
	errCh  chan error
}

// NewServer creates a new server instance
func NewServer(node iRaftNode, cfg *config.Config) *Server {
	return &Server{
		node:              node,
		URL:               cfg.Server.AdvertiseURL(),
		addr:              cfg.Server.Address,
		readHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		requestTimeout:    defaultRequestTimeout,
		sessionTimeout:    cfg.Session.Timeout,
		consistency:       raftadapter.Consistency(cfg.Session.ReadConsistency),
		metrics:           metrics.NewRegistry(),
		errCh:             make(chan error, 1),
	}
}

// Start runs the raft node and starts serving
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		if err := s.node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Raft node error", "error", err)
			s.fail(err)
		}
	}()
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Err reports a raft loop that stopped on its own.
func (s *Server) Err() <-chan error {
	return s.errCh
}

func (s *Server) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	return s.node.Stop()
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/sessions", s.handleRegister)
		r.Post("/sessions/{id}/keepalive", s.handleKeepAlive)
		r.Delete("/sessions/{id}", s.handleUnregister)

		r.Post("/commands", s.handleCommand)
		r.Post("/queries", s.handleQuery)

		r.Post("/members", s.handleAddMember)
		r.Delete("/members/{id}", s.handleRemoveMember)
	})

	r.Post("/api/internal/raft", s.handleRaft)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			s.fail(err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.addr, "url", s.URL)
	return nil
}

// redirectLeader отправляет запись на лидера. Пока лидер неизвестен,
// запрос обрабатывается локально: raft сам перешлёт предложение.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node.IsLeader() {
		return false, nil
	}

	leaderAddr := s.node.LeaderAddr()
	if leaderAddr == "" || leaderAddr == s.URL {
		return false, nil
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.writeError(w, fmt.Errorf("failed to get leader URL: %w", err))
		return false, fmt.Errorf("failed to join leader path: %w", err)
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true, nil
}

func (s *Server) redirected(w http.ResponseWriter, r *http.Request) bool {
	redirected, err := s.redirectLeader(w, r)
	if err != nil {
		slog.Error("Failed to redirect to leader", "error", err)
		return true
	}
	return redirected
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.requestTimeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, api.NewOKResponse())
}

// instrument считает запросы по шаблону маршрута и коду ответа.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.IncCounter("raftmap_http_requests_total", map[string]string{
			"method": r.Method,
			"route":  route,
			"code":   strconv.Itoa(status),
		}, 1)
		s.metrics.ObserveHistogram("raftmap_http_request_duration_seconds", map[string]string{
			"route": route,
		}, time.Since(start).Seconds())
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	leader := 0.0
	if st.Leader == st.ID {
		leader = 1
	}
	for name, v := range map[string]float64{
		"raftmap_is_leader":       leader,
		"raftmap_term":            float64(st.Term),
		"raftmap_commit_index":    float64(st.Commit),
		"raftmap_applied_index":   float64(st.Applied),
		"raftmap_snapshot_index":  float64(st.SnapshotIndex),
		"raftmap_snapshots_total": float64(st.Snapshots),
		"raftmap_keys":            float64(st.Keys),
		"raftmap_sessions":        float64(st.Sessions),
		"raftmap_peers":           float64(len(st.Peers)),
	} {
		s.metrics.SetGauge(name, nil, v)
	}

	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if s.redirected(w, r) {
		return
	}

	if req.SessionID == "" {
		req.SessionID = types.SessionID(uuid.NewString())
	}
	timeout := s.sessionTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	out, err := s.node.Propose(ctx, raftadapter.NewRegister(req.SessionID, timeout))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, api.Response{
		Status:    api.StatusSuccess,
		SessionID: req.SessionID,
		TimeoutMs: timeout.Milliseconds(),
		Index:     out.Index,
	})
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	var req api.KeepAliveRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if s.redirected(w, r) {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	id := types.SessionID(chi.URLParam(r, "id"))
	out, err := s.node.Propose(ctx, raftadapter.NewKeepAlive(id, req.Ack))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.Response{Status: api.StatusSuccess, Index: out.Index})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if s.redirected(w, r) {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	id := types.SessionID(chi.URLParam(r, "id"))
	if _, err := s.node.Propose(ctx, raftadapter.NewUnregister(id)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.NewSuccessResponse())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req api.CommandRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	switch {
	case req.SessionID == "":
		s.writeError(w, fmt.Errorf("%w: missing session_id", dberrors.ErrMalformedOperation))
		return
	case req.Seq == 0:
		s.writeError(w, fmt.Errorf("%w: seq starts at 1", dberrors.ErrMalformedOperation))
		return
	}
	if err := req.Op.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if !req.Op.Mutating() {
		s.writeError(w, fmt.Errorf("%w: %s is a query", dberrors.ErrMalformedOperation, req.Op.Kind))
		return
	}
	if s.redirected(w, r) {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	out, err := s.node.Propose(ctx, raftadapter.NewCommand(req.SessionID, req.Seq, req.Ack, req.Op))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.NewResultResponse(out.Result, out.Index))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req api.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	level := s.consistency
	if req.Consistency != "" {
		level = raftadapter.Consistency(req.Consistency)
	}
	if !level.Valid() {
		s.writeError(w, fmt.Errorf("%w: unknown consistency %q", dberrors.ErrMalformedOperation, req.Consistency))
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	out, err := s.node.Query(ctx, req.Op, level, req.MinIndex)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.NewResultResponse(out.Result, out.Index))
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req api.MemberRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Address == "" {
		s.writeError(w, fmt.Errorf("%w: missing address", dberrors.ErrMalformedOperation))
		return
	}
	if req.ID == 0 {
		req.ID = raftadapter.IDFromAddress(req.Address)
	}
	if s.redirected(w, r) {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	if addr, ok := s.node.Peers()[req.ID]; !ok || addr != req.Address {
		if err := s.node.AddMember(ctx, req.ID, req.Address); err != nil {
			s.writeError(w, err)
			return
		}
		slog.Info("Member added", "id", req.ID, "address", req.Address)
	}

	s.writeJSON(w, http.StatusOK, api.Response{Status: api.StatusSuccess, Peers: s.node.Peers()})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		s.writeError(w, fmt.Errorf("%w: bad member id", dberrors.ErrMalformedOperation))
		return
	}
	if s.redirected(w, r) {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	if err := s.node.RemoveMember(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	slog.Info("Member removed", "id", id)
	s.writeJSON(w, http.StatusOK, api.Response{Status: api.StatusSuccess, Peers: s.node.Peers()})
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	msg, err := raftadapter.DecodeMessage(r.Body)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", dberrors.ErrMalformedOperation, err))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, api.NewSuccessResponse())
}
