// Package handlers содержит HTTP обработчики для API
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"neurofocus-service/internal/analytics"
	"neurofocus-service/internal/cache"
	"neurofocus-service/internal/ingest"
	"neurofocus-service/internal/metrics"
	"neurofocus-service/internal/models"
	"neurofocus-service/internal/session"
)

const maxBodyBytes = 8 << 20

// StageStore хранилище завершенных этапов
type StageStore interface {
	GetLatestStages(ctx context.Context, count int64) ([]cache.StageSummary, error)
	GetStage(ctx context.Context, sessionID string, order int) (models.StageRecord, bool, error)
	GetLive(ctx context.Context, subjectID string) (models.LiveSnapshot, bool, error)
	IncrementCounter(ctx context.Context, key string) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}

// Connectivity источник с признаком соединения (MQTT)
type Connectivity interface {
	Connected() bool
}

// Handler содержит зависимости для HTTP обработчиков
type Handler struct {
	manager   *session.Manager
	store     StageStore
	mqtt      Connectivity
	startTime time.Time
}

// NewHandler создает новый обработчик. store и mqtt могут быть nil.
func NewHandler(manager *session.Manager, store StageStore, mqtt Connectivity) *Handler {
	return &Handler{
		manager:   manager,
		store:     store,
		mqtt:      mqtt,
		startTime: time.Now(),
	}
}

// Register регистрирует маршруты API
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/samples", h.SamplesHandler).Methods(http.MethodPost)
	router.HandleFunc("/analyze", h.AnalyzeHandler).Methods(http.MethodPost)
	router.HandleFunc("/bands", h.BandsHandler).Methods(http.MethodPost)
	router.HandleFunc("/focus", h.FocusHandler).Methods(http.MethodGet)
	router.HandleFunc("/persistence/{subject}", h.PersistenceHandler).Methods(http.MethodPost)
	router.HandleFunc("/persistence/{subject}", h.ResetPersistenceHandler).Methods(http.MethodDelete)
	router.HandleFunc("/session", h.SessionHandler).Methods(http.MethodGet)
	router.HandleFunc("/session/start", h.StartSessionHandler).Methods(http.MethodPost)
	router.HandleFunc("/session/stage", h.StageHandler).Methods(http.MethodPost)
	router.HandleFunc("/session/stop", h.StopSessionHandler).Methods(http.MethodPost)
	router.HandleFunc("/session/stages", h.StagesHandler).Methods(http.MethodGet)
	router.HandleFunc("/session/records", h.RecordsHandler).Methods(http.MethodGet)
	router.HandleFunc("/live", h.LiveHandler).Methods(http.MethodGet)
	router.HandleFunc("/live/samples", h.LiveSamplesHandler).Methods(http.MethodGet)
	router.HandleFunc("/stages/latest", h.LatestStagesHandler).Methods(http.MethodGet)
	router.HandleFunc("/stages/{session}/{order:[0-9]+}", h.StageRecordHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
}

// SamplesHandler обрабатывает POST /samples - прием сырых отсчетов.
// Тело как у MQTT: число, объект, массив или {"samples":[...]}.
func (h *Handler) SamplesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/samples"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, endpoint, "Failed to read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	samples, err := ingest.DecodePayload(body, time.Now())
	if err != nil {
		h.fail(w, r, endpoint, err.Error(), http.StatusBadRequest)
		return
	}

	accepted := 0
	for _, s := range samples {
		if err := h.manager.Push(s); err != nil {
			if errors.Is(err, session.ErrNoSession) {
				h.fail(w, r, endpoint, err.Error(), http.StatusConflict)
				return
			}
			h.fail(w, r, endpoint, err.Error(), http.StatusInternalServerError)
			return
		}
		accepted++
	}
	metrics.SamplesReceived.WithLabelValues("http").Add(float64(accepted))

	response := map[string]interface{}{
		"accepted": accepted,
		"pending":  h.manager.Stabilizer().Pending(),
		"health":   h.manager.Stabilizer().Health(),
	}
	h.respond(w, r, endpoint, response, http.StatusAccepted)
}

type analyzeRequest struct {
	Samples      []float64 `json:"samples"`
	SamplingRate int       `json:"sampling_rate"`
	SubjectID    string    `json:"subject_id,omitempty"`
}

// AnalyzeHandler обрабатывает POST /analyze - анализ произвольного окна.
// При указанном subject_id результат учитывается монитором устойчивости.
func (h *Handler) AnalyzeHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/analyze"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.fail(w, r, endpoint, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SamplingRate == 0 {
		req.SamplingRate = h.manager.Stabilizer().Config().SamplingRate
	}

	start := time.Now()
	result := h.manager.Engine().Analyze(req.Samples, req.SamplingRate, true)
	metrics.AnalysisLatency.Observe(time.Since(start).Seconds())

	switch result.Status {
	case models.StatusInsufficientData:
		h.respond(w, r, endpoint, result, http.StatusUnprocessableEntity)
		return
	case models.StatusError:
		h.respond(w, r, endpoint, result, http.StatusBadRequest)
		return
	}

	if req.SubjectID != "" && analytics.ValidatePower(result.BetaPower) == nil {
		result.LowBetaWarning = h.manager.Monitor().Check(req.SubjectID, result.BetaPower)
	}
	metrics.UpdateAnalysisMetrics(result)
	h.respond(w, r, endpoint, result, http.StatusOK)
}

// BandsHandler обрабатывает POST /bands - диапазоны по готовому спектру
func (h *Handler) BandsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/bands"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	var spectrum models.SpectrumResult
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&spectrum); err != nil {
		h.fail(w, r, endpoint, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := analytics.ValidateSpectrum(spectrum); err != nil {
		h.fail(w, r, endpoint, err.Error(), http.StatusBadRequest)
		return
	}

	engine := h.manager.Engine()
	bands := engine.BandPowers(spectrum)
	response := map[string]interface{}{
		"bands":       bands,
		"beta_power":  bands.Beta,
		"focus_score": engine.FocusScore(bands.Beta),
	}
	h.respond(w, r, endpoint, response, http.StatusOK)
}

// FocusHandler обрабатывает GET /focus?beta= - оценка фокуса по мощности beta
func (h *Handler) FocusHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/focus"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	beta, err := strconv.ParseFloat(r.URL.Query().Get("beta"), 64)
	if err != nil {
		h.fail(w, r, endpoint, "beta must be a number", http.StatusBadRequest)
		return
	}

	response := map[string]interface{}{
		"focus_score": h.manager.Engine().FocusScore(beta),
	}
	if !math.IsNaN(beta) && !math.IsInf(beta, 0) {
		response["beta_power"] = beta
	}
	h.respond(w, r, endpoint, response, http.StatusOK)
}

type persistenceRequest struct {
	BetaPower *float64 `json:"beta_power"`
}

// PersistenceHandler обрабатывает POST /persistence/{subject} - наблюдение для монитора
func (h *Handler) PersistenceHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/persistence"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	subject := mux.Vars(r)["subject"]

	var req persistenceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.fail(w, r, endpoint, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.BetaPower == nil {
		h.fail(w, r, endpoint, "beta_power is required", http.StatusBadRequest)
		return
	}
	if err := analytics.ValidatePower(*req.BetaPower); err != nil {
		h.fail(w, r, endpoint, err.Error(), http.StatusBadRequest)
		return
	}

	monitor := h.manager.Monitor()
	alarm := monitor.Check(subject, *req.BetaPower)
	if alarm {
		metrics.LowBetaAlarms.Inc()
		if h.store != nil {
			_, _ = h.store.IncrementCounter(r.Context(), cache.PersistenceAlarmsKey)
		}
	}

	response := map[string]interface{}{
		"subject_id": subject,
		"alarm":      alarm,
		"state":      monitor.State(subject),
		"readings":   len(monitor.Snapshot(subject)),
	}
	h.respond(w, r, endpoint, response, http.StatusOK)
}

// ResetPersistenceHandler обрабатывает DELETE /persistence/{subject} - сброс истории испытуемого
func (h *Handler) ResetPersistenceHandler(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	monitor := h.manager.Monitor()
	monitor.Reset(subject)

	response := map[string]interface{}{
		"subject_id": subject,
		"state":      monitor.State(subject),
	}
	h.respond(w, r, "/persistence", response, http.StatusOK)
}

// SessionHandler обрабатывает GET /session - состояние сессии
func (h *Handler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "/session", h.manager.Info(), http.StatusOK)
}

type startRequest struct {
	SubjectID string `json:"subject_id"`
	Stage     string `json:"stage,omitempty"`
}

// StartSessionHandler обрабатывает POST /session/start
func (h *Handler) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/session/start"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.fail(w, r, endpoint, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	info, err := h.manager.Start(req.SubjectID, req.Stage)
	if err != nil {
		h.fail(w, r, endpoint, err.Error(), sessionErrorStatus(err))
		return
	}
	h.respond(w, r, endpoint, info, http.StatusCreated)
}

type stageRequest struct {
	Stage string `json:"stage"`
}

// StageHandler обрабатывает POST /session/stage - переход к следующему этапу
func (h *Handler) StageHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/session/stage"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	var req stageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.fail(w, r, endpoint, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	info, err := h.manager.BeginStage(r.Context(), req.Stage)
	if err != nil {
		h.fail(w, r, endpoint, err.Error(), sessionErrorStatus(err))
		return
	}
	h.respond(w, r, endpoint, info, http.StatusOK)
}

// StopSessionHandler обрабатывает POST /session/stop - завершение и сводка этапов
func (h *Handler) StopSessionHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/session/stop"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	records, err := h.manager.Stop(r.Context())
	if err != nil {
		h.fail(w, r, endpoint, err.Error(), sessionErrorStatus(err))
		return
	}

	response := map[string]interface{}{
		"stages": summarize(records),
	}
	h.respond(w, r, endpoint, response, http.StatusOK)
}

type stageInfo struct {
	Stage        string `json:"stage"`
	Instructions string `json:"instructions"`
}

// StagesHandler обрабатывает GET /session/stages - протокол этапов
func (h *Handler) StagesHandler(w http.ResponseWriter, r *http.Request) {
	stages := session.Stages()
	response := make([]stageInfo, 0, len(stages))
	for _, s := range stages {
		text, _ := session.Instructions(s)
		response = append(response, stageInfo{Stage: s, Instructions: text})
	}
	h.respond(w, r, "/session/stages", response, http.StatusOK)
}

// RecordsHandler обрабатывает GET /session/records - этапы текущей или последней сессии
func (h *Handler) RecordsHandler(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "/session/records", summarize(h.manager.Records()), http.StatusOK)
}

// LiveHandler обрабатывает GET /live[?subject=] - последний анализ живого окна.
// Если локального снимка испытуемого нет, он берется из хранилища.
func (h *Handler) LiveHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/live"
	subject := r.URL.Query().Get("subject")

	snapshot, ok := h.manager.Live()
	if ok && (subject == "" || snapshot.SubjectID == subject) {
		h.respond(w, r, endpoint, snapshot, http.StatusOK)
		return
	}

	if subject != "" && h.store != nil {
		stored, found, err := h.store.GetLive(r.Context(), subject)
		if err != nil {
			h.fail(w, r, endpoint, "Failed to get live snapshot: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if found {
			h.respond(w, r, endpoint, stored, http.StatusOK)
			return
		}
	}
	h.fail(w, r, endpoint, "No live analysis yet", http.StatusNotFound)
}

// LiveSamplesHandler обрабатывает GET /live/samples - последние отсчеты равномерного ряда
func (h *Handler) LiveSamplesHandler(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "/live/samples", h.manager.Stabilizer().Recent(), http.StatusOK)
}

// LatestStagesHandler возвращает последние сводки этапов из хранилища
func (h *Handler) LatestStagesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/stages/latest"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	count := int64(50)
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		if c, err := strconv.ParseInt(countStr, 10, 64); err == nil && c > 0 && c <= cache.LatestStagesLimit {
			count = c
		}
	}

	if h.store == nil {
		h.fail(w, r, endpoint, "Store not available", http.StatusServiceUnavailable)
		return
	}

	stages, err := h.store.GetLatestStages(r.Context(), count)
	if err != nil {
		h.fail(w, r, endpoint, "Failed to get stages: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.respond(w, r, endpoint, stages, http.StatusOK)
}

// StageRecordHandler обрабатывает GET /stages/{session}/{order} - полная запись этапа с отсчетами
func (h *Handler) StageRecordHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/stages/record"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	vars := mux.Vars(r)
	order, err := strconv.Atoi(vars["order"])
	if err != nil || order < 1 {
		h.fail(w, r, endpoint, "order must be a positive integer", http.StatusBadRequest)
		return
	}

	if h.store == nil {
		h.fail(w, r, endpoint, "Store not available", http.StatusServiceUnavailable)
		return
	}

	record, found, err := h.store.GetStage(r.Context(), vars["session"], order)
	if err != nil {
		h.fail(w, r, endpoint, "Failed to get stage: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		h.fail(w, r, endpoint, "Stage not found", http.StatusNotFound)
		return
	}
	h.respond(w, r, endpoint, record, http.StatusOK)
}

// HealthHandler обрабатывает GET /health - проверка здоровья
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disabled"
	if h.store != nil {
		redisStatus = "disconnected"
		if h.store.Ping(r.Context()) == nil {
			redisStatus = "connected"
		}
	}

	mqttStatus := "disabled"
	if h.mqtt != nil {
		mqttStatus = "disconnected"
		if h.mqtt.Connected() {
			mqttStatus = "connected"
		}
	}

	sessionStatus := "idle"
	if h.manager.Info().Active {
		sessionStatus = "active"
	}

	tickLoop := "stopped"
	if h.manager.Stabilizer().Running() {
		tickLoop = "running"
	}

	status := models.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Redis:     redisStatus,
		MQTT:      mqttStatus,
		Session:   sessionStatus,
		TickLoop:  tickLoop,
		Uptime:    time.Since(h.startTime).String(),
	}

	h.respondJSON(w, status, http.StatusOK)
}

// StatsHandler обрабатывает GET /stats - статистика сервиса
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/stats"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	st := h.manager.Stabilizer().Stats()
	response := models.StatsResponse{
		SamplesPushed:   st.Pushed,
		SamplesDropped:  st.Dropped,
		FreshEmitted:    st.Fresh,
		HeldEmitted:     st.Held,
		StagesSaved:     int64(len(h.manager.Records())),
		TrackedSubjects: h.manager.Monitor().Subjects(),
	}

	if h.store != nil {
		if n, err := h.store.GetCounter(r.Context(), cache.StagesSavedKey); err == nil {
			response.StagesSaved = n
		}
		response.LowBetaAlarms, _ = h.store.GetCounter(r.Context(), cache.LowBetaAlarmsKey)
		response.PersistenceAlarms, _ = h.store.GetCounter(r.Context(), cache.PersistenceAlarmsKey)
	}

	metrics.BufferPending.Set(float64(st.Pending))
	h.respond(w, r, endpoint, response, http.StatusOK)
}

func summarize(records []models.StageRecord) []cache.StageSummary {
	out := make([]cache.StageSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, cache.Summarize(rec))
	}
	return out
}

func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidSubject), errors.Is(err, session.ErrUnknownStage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrNoSession):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respond отправляет JSON ответ и учитывает запрос в метриках
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, endpoint string, data interface{}, status int) {
	metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(status)).Inc()
	h.respondJSON(w, data, status)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, endpoint, message string, status int) {
	metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(status)).Inc()
	h.respondError(w, message, status)
}

// respondJSON отправляет JSON ответ
func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError отправляет ошибку в JSON формате
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	h.respondJSON(w, map[string]string{"error": message}, status)
}
