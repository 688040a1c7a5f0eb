package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/resortops/passkeeper/internal/cache"
	"github.com/resortops/passkeeper/internal/config"
	"github.com/resortops/passkeeper/internal/ledger"
	"github.com/resortops/passkeeper/internal/metrics"
	"github.com/resortops/passkeeper/internal/models"
	"github.com/resortops/passkeeper/internal/repository"
	"github.com/resortops/passkeeper/internal/swap"
	"github.com/resortops/passkeeper/internal/tracker"
)

type fakeSwapper struct {
	result swap.Result
	calls  []string
	states map[string]cache.PassState
}

func (f *fakeSwapper) run(ctx context.Context, phase string) swap.Result {
	f.calls = append(f.calls, phase)
	_, step := tracker.Start(ctx, phase, "fake "+phase)
	if f.result.Success {
		step.Complete(nil)
	} else {
		step.Fail(errors.New(f.result.Message))
	}
	return f.result
}

func (f *fakeSwapper) SwapOnMyth(ctx context.Context, _ swap.MythSwapRequest) swap.Result {
	return f.run(ctx, "myth")
}

func (f *fakeSwapper) CreateSkipass(ctx context.Context, _ swap.CreateSkipassRequest) swap.Result {
	return f.run(ctx, "skipass")
}

func (f *fakeSwapper) CancelOldSkipass(ctx context.Context, _ swap.CancelSkipassRequest) swap.Result {
	return f.run(ctx, "cancel")
}

func (f *fakeSwapper) Status(passID string) cache.PassState {
	return f.states[passID]
}

type fakeSessions struct {
	mu      sync.Mutex
	logs    map[uuid.UUID]*repository.SessionLog
	saveErr error
	getErr  error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{logs: make(map[uuid.UUID]*repository.SessionLog)}
}

func (f *fakeSessions) Save(_ context.Context, l *repository.SessionLog) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[l.ID] = l
	return nil
}

func (f *fakeSessions) GetByID(_ context.Context, id uuid.UUID) (*repository.SessionLog, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, repository.ErrSessionNotFound)
	}
	return l, nil
}

var _ repository.SessionLogRepository = (*fakeSessions)(nil)

type failingStore struct{}

func (failingStore) Insert(context.Context, *models.DeviceHistoryEvent) error {
	return errors.New("disk full")
}

func (failingStore) Query(context.Context, ledger.Query) (ledger.Page, error) {
	return ledger.Page{}, errors.New("connection reset")
}

func newTestConfig() *config.Config {
	return &config.Config{
		HTTPPort:       "8080",
		Username:       "testuser",
		Password:       "testpass",
		MythTimeout:    time.Second,
		SkidataTimeout: time.Second,
	}
}

type testEnv struct {
	cfg      *config.Config
	swaps    *fakeSwapper
	sessions *fakeSessions
	history  *ledger.Ledger
	mux      *http.ServeMux
}

func newTestEnv() *testEnv {
	env := &testEnv{
		cfg:      newTestConfig(),
		swaps:    &fakeSwapper{states: make(map[string]cache.PassState)},
		sessions: newFakeSessions(),
		history:  ledger.New(ledger.NewMemoryStore()),
	}
	env.mux = createTestMux(NewServer(env.swaps, env.history, env.sessions, env.cfg))
	return env
}

func createTestMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (env *testEnv) do(method, path string, body string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth {
		req.SetBasicAuth(env.cfg.Username, env.cfg.Password)
	}
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	return rec
}

func TestSwapRoutesRequireAuth(t *testing.T) {
	env := newTestEnv()

	for _, path := range []string{"/swaps/myth", "/swaps/skipass", "/swaps/cancel-skipass"} {
		rec := env.do("POST", path, `{}`, false)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected %d, got %d", path, http.StatusUnauthorized, rec.Code)
		}
	}
	if len(env.swaps.calls) != 0 {
		t.Errorf("expected no orchestrator calls, got %v", env.swaps.calls)
	}
}

func TestSwapStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		result swap.Result
		want   int
	}{
		{"success", swap.Result{Success: true, Message: "ok"}, http.StatusOK},
		{"validation", swap.Result{ErrorKind: swap.KindValidation, Message: "bad"}, http.StatusBadRequest},
		{"not found", swap.Result{ErrorKind: swap.KindNotFound, Message: "no order"}, http.StatusNotFound},
		{"api", swap.Result{ErrorKind: swap.KindAPI, Message: "rejected"}, http.StatusBadGateway},
		{"timeout", swap.Result{ErrorKind: swap.KindTimeout, Message: "slow"}, http.StatusGatewayTimeout},
		{"aborted", swap.Result{ErrorKind: swap.KindAborted, Message: "gone"}, StatusClientClosedRequest},
		{"unknown", swap.Result{ErrorKind: swap.KindUnknown, Message: "?"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.swaps.result = tt.result

			rec := env.do("POST", "/swaps/myth", `{"orderId":123,"oldPassId":"100200","newPassId":"100300"}`, true)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			var got swap.Result
			_ = json.NewDecoder(rec.Body).Decode(&got)
			if got.Message != tt.result.Message {
				t.Errorf("expected message %q, got %q", tt.result.Message, got.Message)
			}
		})
	}
}

func TestSwapPersistsSessionLog(t *testing.T) {
	env := newTestEnv()
	env.swaps.result = swap.Result{Success: true, Phase: swap.PhaseCreateSkipass}

	rec := env.do("POST", "/swaps/skipass", `{"orderId":123,"oldPassId":"100200","newPassId":"100300"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d", http.StatusOK, rec.Code)
	}

	id, err := uuid.Parse(rec.Header().Get("X-Session-ID"))
	if err != nil {
		t.Fatalf("expected session id header, got %q", rec.Header().Get("X-Session-ID"))
	}
	l, ok := env.sessions.logs[id]
	if !ok {
		t.Fatalf("session %s not saved", id)
	}
	if l.Workflow != "create_skipass" || l.OrderID != 123 {
		t.Errorf("unexpected session log %+v", l)
	}
	if l.Status != tracker.StatusCompleted {
		t.Errorf("expected status %s, got %s", tracker.StatusCompleted, l.Status)
	}
	if len(l.Tasks) != 1 || l.Tasks[0].ID != "skipass" {
		t.Errorf("expected one traced task, got %+v", l.Tasks)
	}

	rec = env.do("GET", "/sessions/"+id.String(), "", false)
	if rec.Code != http.StatusOK {
		t.Errorf("expected %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestSwapSurvivesSessionSaveFailure(t *testing.T) {
	env := newTestEnv()
	env.swaps.result = swap.Result{Success: true}
	env.sessions.saveErr = errors.New("db down")

	rec := env.do("POST", "/swaps/cancel-skipass", `{"orderId":123,"oldDeviceId":"100200"}`, true)
	if rec.Code != http.StatusOK {
		t.Errorf("expected %d, got %d", http.StatusOK, rec.Code)
	}
	if rec.Header().Get("X-Session-ID") == "" {
		t.Errorf("expected session id header")
	}
}

func TestSwapBadJSON(t *testing.T) {
	env := newTestEnv()

	rec := env.do("POST", "/swaps/myth", "badjson", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected %d, got %d", http.StatusBadRequest, rec.Code)
	}
	if len(env.swaps.calls) != 0 {
		t.Errorf("expected no orchestrator calls, got %v", env.swaps.calls)
	}
}

func TestGetSession(t *testing.T) {
	env := newTestEnv()

	t.Run("bad id", func(t *testing.T) {
		rec := env.do("GET", "/sessions/not-a-uuid", "", false)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := env.do("GET", "/sessions/"+uuid.NewString(), "", false)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("repo error", func(t *testing.T) {
		env.sessions.getErr = errors.New("boom")
		rec := env.do("GET", "/sessions/"+uuid.NewString(), "", false)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected %d, got %d", http.StatusInternalServerError, rec.Code)
		}
		env.sessions.getErr = nil
	})
}

func TestPassStatus(t *testing.T) {
	env := newTestEnv()
	env.swaps.states["100300"] = cache.PassState{OnMyth: cache.True, SkipassActive: cache.Unknown, ActivePass: cache.True}

	rec := env.do("GET", "/passes/100300/status", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d", http.StatusOK, rec.Code)
	}
	var got map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&got)
	if got["passId"] != "100300" || got["onMyth"] != true || got["skipassActive"] != "unknown" {
		t.Errorf("unexpected status body %v", got)
	}
}

func TestAppendHistory(t *testing.T) {
	env := newTestEnv()

	t.Run("created", func(t *testing.T) {
		body := `{"eventType":"gate_entry","details":{"category":"gate","data":{"gateId":"G1","granted":true}}}`
		rec := env.do("POST", "/devices/123456/history", body, true)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
		}
		var got models.DeviceHistoryEvent
		_ = json.NewDecoder(rec.Body).Decode(&got)
		if got.DeviceSerial != "123456" || got.ID == uuid.Nil {
			t.Errorf("unexpected stored event %+v", got)
		}
		if got.InitiatorID != "testuser" {
			t.Errorf("expected initiator testuser, got %q", got.InitiatorID)
		}
	})

	t.Run("unknown event type", func(t *testing.T) {
		rec := env.do("POST", "/devices/123456/history", `{"eventType":"teleported"}`, true)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("serial mismatch", func(t *testing.T) {
		rec := env.do("POST", "/devices/123456/history", `{"deviceSerial":"999","eventType":"gate_entry"}`, true)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("store error", func(t *testing.T) {
		s := NewServer(env.swaps, ledger.New(failingStore{}), env.sessions, env.cfg)
		req := httptest.NewRequest("POST", "/devices/123456/history", strings.NewReader(`{"eventType":"gate_entry"}`))
		req.SetBasicAuth(env.cfg.Username, env.cfg.Password)
		rec := httptest.NewRecorder()
		createTestMux(s).ServeHTTP(rec, req)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected %d, got %d", http.StatusInternalServerError, rec.Code)
		}
	})
}

func seedHistory(t *testing.T, l *ledger.Ledger, serial string) {
	t.Helper()
	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	types := []models.EventType{models.EventMythRegistered, models.EventSkidataTicketCreated, models.EventGateEntry}
	for i, et := range types {
		_, err := l.Append(context.Background(), models.DeviceHistoryEvent{
			DeviceSerial:   serial,
			EventType:      et,
			EventTimestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestDeviceHistory(t *testing.T) {
	env := newTestEnv()
	seedHistory(t, env.history, "123456")
	seedHistory(t, env.history, "777777")

	t.Run("newest first", func(t *testing.T) {
		rec := env.do("GET", "/devices/123456/history", "", false)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected %d, got %d", http.StatusOK, rec.Code)
		}
		var page ledger.Page
		_ = json.NewDecoder(rec.Body).Decode(&page)
		if page.Total != 3 || len(page.Events) != 3 {
			t.Fatalf("expected 3 events, got %d/%d", len(page.Events), page.Total)
		}
		if page.Events[0].EventType != models.EventGateEntry {
			t.Errorf("expected newest event first, got %s", page.Events[0].EventType)
		}
	})

	t.Run("ascending with page size", func(t *testing.T) {
		rec := env.do("GET", "/devices/123456/history?sort=eventTimestamp&order=asc&pageSize=2", "", false)
		var page ledger.Page
		_ = json.NewDecoder(rec.Body).Decode(&page)
		if page.Total != 3 || len(page.Events) != 2 {
			t.Fatalf("expected 2 of 3 events, got %d/%d", len(page.Events), page.Total)
		}
		if page.Events[0].EventType != models.EventMythRegistered {
			t.Errorf("expected oldest event first, got %s", page.Events[0].EventType)
		}
	})

	t.Run("event type filter", func(t *testing.T) {
		rec := env.do("GET", "/devices/123456/history?eventType=gate_entry&eventType=myth_registered", "", false)
		var page ledger.Page
		_ = json.NewDecoder(rec.Body).Decode(&page)
		if page.Total != 2 {
			t.Errorf("expected 2 events, got %d", page.Total)
		}
	})

	t.Run("bad params", func(t *testing.T) {
		for _, q := range []string{"?page=x", "?page=9223372036854775807", "?sort=colour", "?sort=eventType&order=sideways"} {
			rec := env.do("GET", "/devices/123456/history"+q, "", false)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("%s: expected %d, got %d", q, http.StatusBadRequest, rec.Code)
			}
		}
	})

	t.Run("store error", func(t *testing.T) {
		s := NewServer(env.swaps, ledger.New(failingStore{}), env.sessions, env.cfg)
		rec := httptest.NewRecorder()
		createTestMux(s).ServeHTTP(rec, httptest.NewRequest("GET", "/devices/123456/history", nil))
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected %d, got %d", http.StatusInternalServerError, rec.Code)
		}
	})
}

func TestQueryHistory(t *testing.T) {
	env := newTestEnv()
	seedHistory(t, env.history, "123456")
	seedHistory(t, env.history, "777777")

	q := ledger.Query{
		Filters: []ledger.Filter{{Field: "eventType", Op: ledger.OpEq, Value: "skidata_ticket_created"}},
	}
	data, _ := json.Marshal(q)
	rec := env.do("POST", "/history/query", string(data), false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d", http.StatusOK, rec.Code)
	}
	var page ledger.Page
	_ = json.NewDecoder(rec.Body).Decode(&page)
	if page.Total != 2 {
		t.Errorf("expected 2 events across devices, got %d", page.Total)
	}

	rec = env.do("POST", "/history/query", `{"filters":[{"field":"eventType","op":"like","value":"x"}]}`, false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected %d, got %d", http.StatusBadRequest, rec.Code)
	}

	rec = env.do("POST", "/history/query", `{"logic":"xor"}`, false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected %d, got %d", http.StatusBadRequest, rec.Code)
	}

	rec = env.do("POST", "/history/query", `{"filters":[{"field":"eventTimestamp","op":"contains","value":"2026"}]}`, false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("contains on a time field: expected %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Register()
	env := newTestEnv()
	env.do("GET", "/passes/1/status", "", false)

	rec := env.do("GET", "/metrics", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d", http.StatusOK, rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("http_requests_total")) {
		t.Errorf("expected http request counter in metrics output")
	}
}
