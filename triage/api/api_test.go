package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/triage-engine/triage/config"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/providers"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Type: "memory", SeedAppointments: []int64{7}},
		LLM:      config.LLMConfig{Provider: "scripted"},
		Gateway: config.GatewayConfig{
			Timeout:   time.Second,
			BaseDelay: time.Millisecond,
			MaxDelay:  time.Millisecond,
		},
		Cache: config.CacheConfig{Enabled: true, Capacity: 8, TTLSeconds: 60},
	}
	e, err := engine.NewFactory(cfg, nil, zerolog.Nop()).
		CreateEngineWithProvider(context.Background(), providers.NewScripted(replies...))
	require.NoError(t, err)

	h, err := NewHandler(e, nil, zerolog.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(h, []string{"*"}, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitTurnReturnsReply(t *testing.T) {
	srv := newTestServer(t, "Migraine###SEGMENT###Rest in a dark room.")

	resp := postJSON(t, srv.URL+"/api/triage/turns", `{"appointment_id": 7, "message": "My head is pounding."}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, ReplyResponse{Condition: "Migraine", Advice: "Rest in a dark room."}, decode[ReplyResponse](t, resp))
}

func TestSubmitTurnErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"unknown appointment", `{"appointment_id": 99, "message": "hello"}`, http.StatusNotFound},
		{"blank message", `{"appointment_id": 7, "message": "   "}`, http.StatusUnprocessableEntity},
		{"empty message", `{"appointment_id": 7, "message": ""}`, http.StatusUnprocessableEntity},
		{"missing message", `{"appointment_id": 7}`, http.StatusUnprocessableEntity},
		{"string id", `{"appointment_id": "7", "message": "hi"}`, http.StatusUnprocessableEntity},
		{"extra field", `{"appointment_id": 7, "message": "hi", "role": "ai"}`, http.StatusUnprocessableEntity},
		{"not json", `appointment_id=7`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/triage/turns", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, decode[errorResponse](t, resp).Error)
		})
	}
}

func TestConversationEndpoints(t *testing.T) {
	srv := newTestServer(t,
		"under observation###SEGMENT###How long have you had the cough?",
		"Bronchitis###SEGMENT###See a doctor if it lasts beyond three weeks.",
	)

	resp := get(t, srv.URL+"/api/triage/appointments/7/diagnosis")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	postJSON(t, srv.URL+"/api/triage/turns", `{"appointment_id": 7, "message": "I have a cough."}`)
	postJSON(t, srv.URL+"/api/triage/turns", `{"appointment_id": 7, "message": "About ten days."}`)

	resp = get(t, srv.URL+"/api/triage/appointments/7/turns")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turns := decode[[]TurnResponse](t, resp)
	require.Len(t, turns, 4)
	for i, turn := range turns {
		assert.Equal(t, int64(i), turn.Sequence)
	}
	assert.Equal(t, "patient", turns[0].Role)
	assert.Nil(t, turns[0].Condition)
	assert.Equal(t, "ai", turns[3].Role)
	require.NotNil(t, turns[3].Condition)
	assert.Equal(t, "Bronchitis", *turns[3].Condition)

	resp = get(t, srv.URL+"/api/triage/appointments/7/diagnosis")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bronchitis", decode[ReplyResponse](t, resp).Condition)
}

func TestConversationEndpointsRejectBadIDs(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, http.StatusUnprocessableEntity, get(t, srv.URL+"/api/triage/appointments/abc/turns").StatusCode)
	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/api/triage/appointments/99/turns").StatusCode)
	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/api/triage/appointments/99/diagnosis").StatusCode)
}

func TestResumeWithoutPendingTurnConflicts(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/triage/appointments/7/resume", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/triage/appointments/99/resume", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return errors.New("connection refused") }

func TestHealthReportsUnavailableStore(t *testing.T) {
	h, err := NewHandler(&mockService{}, failingPinger{}, zerolog.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	NewRouter(h, nil, zerolog.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type mockService struct {
	mock.Mock
}

func (m *mockService) Submit(ctx context.Context, appointmentID int64, text string) (ports.Reply, error) {
	args := m.Called(ctx, appointmentID, text)
	return args.Get(0).(ports.Reply), args.Error(1)
}

func (m *mockService) Resume(ctx context.Context, appointmentID int64) (ports.Reply, error) {
	args := m.Called(ctx, appointmentID)
	return args.Get(0).(ports.Reply), args.Error(1)
}

func (m *mockService) History(ctx context.Context, appointmentID int64) ([]ports.Turn, error) {
	args := m.Called(ctx, appointmentID)
	return args.Get(0).([]ports.Turn), args.Error(1)
}

func (m *mockService) LatestDiagnosis(ctx context.Context, appointmentID int64) (ports.DiagnosisView, bool, error) {
	args := m.Called(ctx, appointmentID)
	return args.Get(0).(ports.DiagnosisView), args.Bool(1), args.Error(2)
}

func TestServerFailuresAreOpaque(t *testing.T) {
	svc := &mockService{}
	cause := fmt.Errorf("%w: provider returned 503 for key sk-secret", ports.ErrGatewayUnavailable)
	svc.On("Submit", mock.Anything, int64(3), "chest pain").Return(ports.Reply{}, cause)

	h, err := NewHandler(svc, nil, zerolog.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/triage/turns",
		strings.NewReader(`{"appointment_id": 3, "message": "chest pain"}`))
	NewRouter(h, nil, zerolog.Nop()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
	svc.AssertExpectations(t)
}

func TestCORSPreflight(t *testing.T) {
	h, err := NewHandler(&mockService{}, nil, zerolog.Nop())
	require.NoError(t, err)
	router := NewRouter(h, []string{"https://clinic.example"}, zerolog.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/triage/turns", nil)
	req.Header.Set("Origin", "https://clinic.example")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://clinic.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/api/triage/turns", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	router.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
