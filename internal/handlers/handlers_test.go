package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurofocus-service/internal/analytics"
	"neurofocus-service/internal/cache"
	"neurofocus-service/internal/models"
	"neurofocus-service/internal/persistence"
	"neurofocus-service/internal/session"
	"neurofocus-service/internal/stabilizer"
)

type fakeStore struct {
	stages   []cache.StageSummary
	records  map[string]models.StageRecord
	live     map[string]models.LiveSnapshot
	counters map[string]int64
	pingErr  error
}

func (f *fakeStore) GetLatestStages(_ context.Context, count int64) ([]cache.StageSummary, error) {
	if int64(len(f.stages)) > count {
		return f.stages[:count], nil
	}
	return f.stages, nil
}

func (f *fakeStore) GetStage(_ context.Context, sessionID string, order int) (models.StageRecord, bool, error) {
	rec, ok := f.records[cache.StageKey(sessionID, order)]
	return rec, ok, nil
}

func (f *fakeStore) GetLive(_ context.Context, subjectID string) (models.LiveSnapshot, bool, error) {
	snap, ok := f.live[subjectID]
	return snap, ok, nil
}

func (f *fakeStore) IncrementCounter(_ context.Context, key string) (int64, error) {
	if f.counters == nil {
		f.counters = make(map[string]int64)
	}
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeStore) GetCounter(_ context.Context, key string) (int64, error) {
	return f.counters[key], nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeMQTT struct{ connected bool }

func (f fakeMQTT) Connected() bool { return f.connected }

func newTestRouter(t *testing.T, store StageStore, mqtt Connectivity) (*mux.Router, *session.Manager) {
	t.Helper()

	engine, err := analytics.NewEngine(analytics.DefaultParams())
	require.NoError(t, err)
	stab, err := stabilizer.New(stabilizer.DefaultConfig())
	require.NoError(t, err)
	monitor, err := persistence.NewMonitor(persistence.DefaultConfig())
	require.NoError(t, err)

	cfg := session.DefaultConfig()
	cfg.AnalysisInterval = time.Hour
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := session.NewManager(cfg, engine, stab, monitor, log)
	t.Cleanup(func() { _, _ = manager.Stop(context.Background()) })

	router := mux.NewRouter()
	NewHandler(manager, store, mqtt).Register(router)
	return router, manager
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest))
}

func sine(freq float64, rate, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sin(2 * math.Pi * freq * float64(i) / float64(rate))
	}
	return out
}

func TestFocusHandler(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)

	rec := do(t, router, http.MethodGet, "/focus?beta=0.5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]float64
	decode(t, rec, &resp)
	assert.Equal(t, 50.0, resp["focus_score"])

	rec = do(t, router, http.MethodGet, "/focus?beta=-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, 0.0, resp["focus_score"])

	rec = do(t, router, http.MethodGet, "/focus?beta=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeHandler(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)

	rec := do(t, router, http.MethodPost, "/analyze", map[string]interface{}{
		"samples":       sine(10, 250, 250),
		"sampling_rate": 250,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.WindowAnalysis
	decode(t, rec, &result)
	assert.Equal(t, models.StatusOK, result.Status)
	require.NotNil(t, result.Spectrum)
	assert.Len(t, result.Spectrum.Frequencies, 128)
	assert.Greater(t, result.Bands.Alpha, result.Bands.Beta)
	assert.Zero(t, result.Bands.Delta)

	rec = do(t, router, http.MethodPost, "/analyze", map[string]interface{}{"samples": []float64{1, 2, 3}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	decode(t, rec, &result)
	assert.Equal(t, models.StatusInsufficientData, result.Status)

	rec = do(t, router, http.MethodPost, "/analyze", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, rate := range []int{1 << 27, math.MaxInt} {
		rec = do(t, router, http.MethodPost, "/analyze", map[string]interface{}{
			"samples":       make([]float64, 64),
			"sampling_rate": rate,
		})
		require.Equal(t, http.StatusBadRequest, rec.Code, "rate=%d", rate)
		decode(t, rec, &result)
		assert.Equal(t, models.StatusError, result.Status)
	}
}

func TestBandsHandler(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)

	rec := do(t, router, http.MethodPost, "/bands", models.SpectrumResult{
		Frequencies: []float64{4, 13, 20, 30, 31, 70},
		Power:       []float64{9, 1, 3, 5, 2, 9},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Bands      models.BandPowers `json:"bands"`
		BetaPower  float64           `json:"beta_power"`
		FocusScore float64           `json:"focus_score"`
	}
	decode(t, rec, &resp)
	assert.InDelta(t, 3.0, resp.Bands.Beta, 1e-9)
	assert.InDelta(t, 3.0, resp.BetaPower, 1e-9)
	assert.Equal(t, 100.0, resp.FocusScore)
	assert.Zero(t, resp.Bands.Delta)

	rec = do(t, router, http.MethodPost, "/bands", models.SpectrumResult{
		Frequencies: []float64{1, 2},
		Power:       []float64{1},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPersistenceHandler(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)

	rec := do(t, router, http.MethodPost, "/persistence/alice", map[string]float64{"beta_power": 0.1})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Alarm    bool   `json:"alarm"`
		State    string `json:"state"`
		Readings int    `json:"readings"`
	}
	decode(t, rec, &resp)
	assert.False(t, resp.Alarm)
	assert.Equal(t, "accumulating", resp.State)
	assert.Equal(t, 1, resp.Readings)

	rec = do(t, router, http.MethodPost, "/persistence/alice", map[string]float64{"beta_power": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, router, http.MethodPost, "/persistence/alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPersistenceHandler_AlarmCounter(t *testing.T) {
	store := &fakeStore{}
	router, _ := newTestRouter(t, store, nil)

	var resp struct {
		Alarm bool `json:"alarm"`
	}
	for i := 0; i < 30; i++ {
		rec := do(t, router, http.MethodPost, "/persistence/alice", map[string]float64{"beta_power": 0.1})
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &resp)
	}
	assert.True(t, resp.Alarm)
	assert.Equal(t, int64(1), store.counters[cache.PersistenceAlarmsKey])

	rec := do(t, router, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.StatsResponse
	decode(t, rec, &stats)
	assert.Equal(t, int64(1), stats.PersistenceAlarms)
	assert.Equal(t, 1, stats.TrackedSubjects)
}

func TestResetPersistenceHandler(t *testing.T) {
	router, manager := newTestRouter(t, nil, nil)

	rec := do(t, router, http.MethodPost, "/persistence/alice", map[string]float64{"beta_power": 0.5})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, manager.Monitor().Subjects())

	rec = do(t, router, http.MethodDelete, "/persistence/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		SubjectID string `json:"subject_id"`
		State     string `json:"state"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "alice", resp.SubjectID)
	assert.Equal(t, "unseeded", resp.State)
	assert.Zero(t, manager.Monitor().Subjects())
}

func TestSessionFlow(t *testing.T) {
	router, manager := newTestRouter(t, nil, nil)

	rec := do(t, router, http.MethodPost, "/samples", "12")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodPost, "/session/start", map[string]string{"subject_id": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/session/start", map[string]string{
		"subject_id": "alice",
		"stage":      session.StageBaselineRelaxed,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var info session.Info
	decode(t, rec, &info)
	assert.True(t, info.Active)
	assert.Equal(t, session.StageBaselineRelaxed, info.Stage)

	rec = do(t, router, http.MethodPost, "/session/start", map[string]string{"subject_id": "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodPost, "/samples", map[string]interface{}{
		"samples": []map[string]float64{{"value": 1}, {"value": 2}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var pushed map[string]interface{}
	decode(t, rec, &pushed)
	assert.Equal(t, 2.0, pushed["accepted"])

	rec = do(t, router, http.MethodPost, "/samples", "not-a-number")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/session/stage", map[string]string{"stage": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/session/stage", map[string]string{"stage": session.StageFocusedTask})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &info)
	assert.Equal(t, 2, info.StageOrder)

	rec = do(t, router, http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &info)
	assert.Equal(t, "alice", info.SubjectID)

	rec = do(t, router, http.MethodPost, "/session/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stopped struct {
		Stages []cache.StageSummary `json:"stages"`
	}
	decode(t, rec, &stopped)
	require.Len(t, stopped.Stages, 2)
	assert.Equal(t, session.StageBaselineRelaxed, stopped.Stages[0].StageName)
	assert.Equal(t, models.StatusInsufficientData, stopped.Stages[1].Analysis.Status)

	rec = do(t, router, http.MethodPost, "/session/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodGet, "/session/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []cache.StageSummary
	decode(t, rec, &records)
	assert.Len(t, records, 2)
	assert.False(t, manager.Info().Active)
}

func TestSessionHandlers_BodyLimit(t *testing.T) {
	router, manager := newTestRouter(t, nil, nil)

	huge := `{"subject_id":"` + strings.Repeat("a", maxBodyBytes+1) + `"}`
	rec := do(t, router, http.MethodPost, "/session/start", huge)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, manager.Info().Active)

	rec = do(t, router, http.MethodPost, "/session/start", map[string]string{"subject_id": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	huge = `{"stage":"` + strings.Repeat("a", maxBodyBytes+1) + `"}`
	rec = do(t, router, http.MethodPost, "/session/stage", huge)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid JSON")
}

func TestStagesHandler(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)

	rec := do(t, router, http.MethodGet, "/session/stages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stages []stageInfo
	decode(t, rec, &stages)
	require.Len(t, stages, 4)
	assert.Equal(t, session.StageBaselineRelaxed, stages[0].Stage)
	for _, s := range stages {
		assert.NotEmpty(t, s.Instructions)
	}
}

func TestLiveHandlers(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)

	rec := do(t, router, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodGet, "/live/samples", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []models.StabilizedSample
	decode(t, rec, &samples)
	assert.Empty(t, samples)
}

func TestLiveHandler_StoreFallback(t *testing.T) {
	store := &fakeStore{live: map[string]models.LiveSnapshot{
		"bob": {SubjectID: "bob", FocusScore: 42, TrendSamples: 3},
	}}
	router, _ := newTestRouter(t, store, nil)

	rec := do(t, router, http.MethodGet, "/live?subject=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.LiveSnapshot
	decode(t, rec, &snap)
	assert.Equal(t, "bob", snap.SubjectID)
	assert.Equal(t, 42.0, snap.FocusScore)
	assert.Equal(t, 3, snap.TrendSamples)

	rec = do(t, router, http.MethodGet, "/live?subject=carol", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, router, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestStagesHandler(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)
	rec := do(t, router, http.MethodGet, "/stages/latest", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	store := &fakeStore{stages: []cache.StageSummary{
		{SessionID: "s2", StageOrder: 1},
		{SessionID: "s1", StageOrder: 2},
	}}
	router, _ = newTestRouter(t, store, nil)
	rec = do(t, router, http.MethodGet, "/stages/latest?count=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stages []cache.StageSummary
	decode(t, rec, &stages)
	require.Len(t, stages, 1)
	assert.Equal(t, "s2", stages[0].SessionID)
}

func TestStageRecordHandler(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)
	rec := do(t, router, http.MethodGet, "/stages/s1/1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	store := &fakeStore{records: map[string]models.StageRecord{
		cache.StageKey("s1", 2): {
			SessionID:  "s1",
			StageOrder: 2,
			StageName:  "task",
			Analysis:   models.WindowAnalysis{SampleCount: 500},
		},
	}}
	router, _ = newTestRouter(t, store, nil)

	rec = do(t, router, http.MethodGet, "/stages/s1/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record models.StageRecord
	decode(t, rec, &record)
	assert.Equal(t, "s1", record.SessionID)
	assert.Equal(t, 2, record.StageOrder)
	assert.Equal(t, "task", record.StageName)
	assert.Equal(t, 500, record.Analysis.SampleCount)

	rec = do(t, router, http.MethodGet, "/stages/s1/3", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, router, http.MethodGet, "/stages/s1/0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)
	rec := do(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.HealthStatus
	decode(t, rec, &status)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "disabled", status.Redis)
	assert.Equal(t, "disabled", status.MQTT)
	assert.Equal(t, "idle", status.Session)
	assert.Equal(t, "stopped", status.TickLoop)

	rec = do(t, router, http.MethodPost, "/session/start", map[string]string{"subject_id": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, router, http.MethodGet, "/health", nil)
	decode(t, rec, &status)
	assert.Equal(t, "active", status.Session)
	assert.Equal(t, "running", status.TickLoop)

	router, _ = newTestRouter(t, &fakeStore{pingErr: errors.New("down")}, fakeMQTT{connected: true})
	rec = do(t, router, http.MethodGet, "/health", nil)
	decode(t, rec, &status)
	assert.Equal(t, "disconnected", status.Redis)
	assert.Equal(t, "connected", status.MQTT)
}

func TestStatsHandler(t *testing.T) {
	store := &fakeStore{counters: map[string]int64{
		cache.StagesSavedKey:   7,
		cache.LowBetaAlarmsKey: 2,
	}}
	router, _ := newTestRouter(t, store, nil)

	rec := do(t, router, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.StatsResponse
	decode(t, rec, &stats)
	assert.Equal(t, int64(7), stats.StagesSaved)
	assert.Equal(t, int64(2), stats.LowBetaAlarms)
	assert.Zero(t, stats.SamplesPushed)
}

func TestSessionErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, sessionErrorStatus(session.ErrUnknownStage))
	assert.Equal(t, http.StatusConflict, sessionErrorStatus(session.ErrNoSession))
	assert.Equal(t, http.StatusInternalServerError, sessionErrorStatus(errors.New("boom")))
}
