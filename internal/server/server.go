package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resortops/passkeeper/internal/cache"
	"github.com/resortops/passkeeper/internal/config"
	"github.com/resortops/passkeeper/internal/ledger"
	"github.com/resortops/passkeeper/internal/logger"
	"github.com/resortops/passkeeper/internal/middleware"
	"github.com/resortops/passkeeper/internal/models"
	"github.com/resortops/passkeeper/internal/repository"
	"github.com/resortops/passkeeper/internal/swap"
	"github.com/resortops/passkeeper/internal/tracker"
)

// StatusClientClosedRequest is reported when the operator aborted the call.
const StatusClientClosedRequest = 499

const sessionSaveTimeout = 5 * time.Second

type Swapper interface {
	SwapOnMyth(ctx context.Context, req swap.MythSwapRequest) swap.Result
	CreateSkipass(ctx context.Context, req swap.CreateSkipassRequest) swap.Result
	CancelOldSkipass(ctx context.Context, req swap.CancelSkipassRequest) swap.Result
	Status(passID string) cache.PassState
}

type History interface {
	Append(ctx context.Context, ev models.DeviceHistoryEvent) (models.DeviceHistoryEvent, error)
	QueryBySerial(ctx context.Context, serial string, q ledger.Query) (ledger.Page, error)
	Query(ctx context.Context, q ledger.Query) (ledger.Page, error)
}

type Server struct {
	swaps    Swapper
	history  History
	sessions repository.SessionLogRepository
	user     string
	password string
	addr     string

	writeTimeout time.Duration
	now          func() time.Time
}

func NewServer(swaps Swapper, history History, sessions repository.SessionLogRepository, cfg *config.Config) *Server {
	return &Server{
		swaps:        swaps,
		history:      history,
		sessions:     sessions,
		user:         cfg.Username,
		password:     cfg.Password,
		addr:         cfg.Addr(),
		writeTimeout: writeTimeout(cfg),
		now:          time.Now,
	}
}

// writeTimeout leaves room for the slowest phase: one Myth call and two
// Skidata calls.
func writeTimeout(cfg *config.Config) time.Duration {
	return cfg.MythTimeout + 2*cfg.SkidataTimeout + 30*time.Second
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mutating := []string{http.MethodPost}

	s.handleWith(mux, "POST /swaps/myth", "swap_myth", s.handleSwapOnMyth, mutating, mutating)
	s.handleWith(mux, "POST /swaps/skipass", "swap_skipass", s.handleCreateSkipass, mutating, mutating)
	s.handleWith(mux, "POST /swaps/cancel-skipass", "swap_cancel_skipass", s.handleCancelOldSkipass, mutating, mutating)

	s.handleWith(mux, "GET /passes/{id}/status", "pass_status", s.handlePassStatus, nil, nil)

	s.handleWith(mux, "POST /devices/{serial}/history", "history_append", s.handleAppendHistory, mutating, mutating)
	s.handleWith(mux, "GET /devices/{serial}/history", "history_list", s.handleDeviceHistory, nil, nil)
	s.handleWith(mux, "POST /history/query", "history_query", s.handleQueryHistory, nil, nil)

	s.handleWith(mux, "GET /sessions/{id}", "session_get", s.handleGetSession, nil, nil)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWith(mux *http.ServeMux, pattern, name string,
	handlerFunc http.HandlerFunc,
	logMethods []string, authMethods []string,
) {
	finalHandler := middleware.Instrument(name)(
		middleware.LogMiddleware(logMethods...)(
			middleware.BasicAuthMiddleware(s.user, s.password, authMethods...)(
				handlerFunc,
			),
		),
	)
	mux.Handle(pattern, finalHandler)
}

func (s *Server) handleSwapOnMyth(w http.ResponseWriter, r *http.Request) {
	var req swap.MythSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	s.runWorkflow(w, r, "swap_on_myth", req.OrderID, func(ctx context.Context) swap.Result {
		return s.swaps.SwapOnMyth(ctx, req)
	})
}

func (s *Server) handleCreateSkipass(w http.ResponseWriter, r *http.Request) {
	var req swap.CreateSkipassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	s.runWorkflow(w, r, "create_skipass", req.OrderID, func(ctx context.Context) swap.Result {
		return s.swaps.CreateSkipass(ctx, req)
	})
}

func (s *Server) handleCancelOldSkipass(w http.ResponseWriter, r *http.Request) {
	var req swap.CancelSkipassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	s.runWorkflow(w, r, "cancel_old_skipass", req.OrderID, func(ctx context.Context) swap.Result {
		return s.swaps.CancelOldSkipass(ctx, req)
	})
}

// runWorkflow traces one phase under a fresh tracker and persists the trace
// as a session log.
func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request, workflow string, orderID int64,
	run func(ctx context.Context) swap.Result,
) {
	t := tracker.New(tracker.WithClock(s.now))
	ctx := tracker.WithTracker(r.Context(), t)
	if user := middleware.UserFrom(ctx); user != "" {
		ctx = swap.WithOperator(ctx, user)
	}

	res := run(ctx)

	sessionID := uuid.New()
	s.saveSession(r.Context(), repository.NewSessionLog(sessionID, workflow, orderID, t, s.now().UTC()))

	w.Header().Set("X-Session-ID", sessionID.String())
	writeJSON(w, statusFor(res), res)
}

func (s *Server) saveSession(ctx context.Context, l *repository.SessionLog) {
	if s.sessions == nil {
		return
	}
	// the operator may have hung up; the trace is still worth keeping
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionSaveTimeout)
	defer cancel()
	if err := s.sessions.Save(ctx, l); err != nil {
		logger.Error("save session log", err, "session", l.ID, "workflow", l.Workflow)
	}
}

func statusFor(res swap.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.ErrorKind {
	case swap.KindValidation:
		return http.StatusBadRequest
	case swap.KindNotFound:
		return http.StatusNotFound
	case swap.KindAPI:
		return http.StatusBadGateway
	case swap.KindTimeout:
		return http.StatusGatewayTimeout
	case swap.KindAborted:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

type passStatusResponse struct {
	PassID string `json:"passId"`
	cache.PassState
}

func (s *Server) handlePassStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "missing pass id", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, passStatusResponse{PassID: id, PassState: s.swaps.Status(id)})
}

func (s *Server) handleAppendHistory(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")

	var ev models.DeviceHistoryEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if ev.DeviceSerial != "" && ev.DeviceSerial != serial {
		http.Error(w, "serial mismatch", http.StatusBadRequest)
		return
	}
	ev.DeviceSerial = serial
	if ev.InitiatorID == "" {
		ev.InitiatorID = middleware.UserFrom(r.Context())
	}

	stored, err := s.history.Append(r.Context(), ev)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidEvent) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Error("append device history", err, "serial", serial)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	page, err := s.history.QueryBySerial(r.Context(), r.PathValue("serial"), q)
	s.writePage(w, page, err)
}

func (s *Server) handleQueryHistory(w http.ResponseWriter, r *http.Request) {
	var q ledger.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	page, err := s.history.Query(r.Context(), q)
	s.writePage(w, page, err)
}

func (s *Server) writePage(w http.ResponseWriter, page ledger.Page, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, page)
	case isQueryError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Error("query device history", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func isQueryError(err error) bool {
	return errors.Is(err, ledger.ErrUnknownField) ||
		errors.Is(err, ledger.ErrUnknownOperator) ||
		errors.Is(err, ledger.ErrBadValue) ||
		errors.Is(err, ledger.ErrInvalidEvent)
}

// queryFromParams maps ?page=&pageSize=&sort=&order=&eventType= onto a
// ledger query. order defaults to desc.
func queryFromParams(r *http.Request) (ledger.Query, error) {
	params := r.URL.Query()
	var q ledger.Query

	var err error
	if q.Page, err = intParam(params.Get("page")); err != nil {
		return q, errors.New("invalid page")
	}
	if q.PageSize, err = intParam(params.Get("pageSize")); err != nil {
		return q, errors.New("invalid pageSize")
	}

	if field := params.Get("sort"); field != "" {
		order := strings.ToLower(params.Get("order"))
		if order != "" && order != "asc" && order != "desc" {
			return q, errors.New("order must be asc or desc")
		}
		q.Sort = []ledger.Sort{{Field: field, Desc: order != "asc"}}
	}

	for _, t := range params["eventType"] {
		q.Filters = append(q.Filters, ledger.Filter{Field: "eventType", Op: ledger.OpEq, Value: t})
	}
	if len(q.Filters) > 1 {
		q.Logic = ledger.LogicOr
	}
	return q, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "session logs disabled", http.StatusNotFound)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	l, err := s.sessions.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		logger.Error("get session log", err, "session", id)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
