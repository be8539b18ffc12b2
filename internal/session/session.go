// Package session связывает стабилизатор, анализ окон и монитор устойчивости в сессию записи.
//
// Сессия принадлежит одному испытуемому и делится на этапы. Отсчеты равномерного
// ряда копятся в открытом этапе; при смене этапа или остановке этап
// анализируется и передается во все приемники записей. Параллельно раз в
// AnalysisInterval анализируется живое окно стабилизатора.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"neurofocus-service/internal/analytics"
	"neurofocus-service/internal/metrics"
	"neurofocus-service/internal/models"
	"neurofocus-service/internal/persistence"
	"neurofocus-service/internal/stabilizer"
)

var (
	// ErrSessionActive сессия уже идет, вторую открыть нельзя
	ErrSessionActive = errors.New("session already active")
	// ErrNoSession операция требует активной сессии
	ErrNoSession = errors.New("no active session")
	// ErrUnknownStage этапа нет в протоколе
	ErrUnknownStage = errors.New("unknown stage")
	// ErrInvalidSubject пустой идентификатор испытуемого
	ErrInvalidSubject = errors.New("subject id must not be empty")
)

// RecordSink принимает завершенные этапы (хранилище, шина)
type RecordSink interface {
	SaveStage(ctx context.Context, record models.StageRecord) error
}

// LiveCache сохраняет снимок живого окна
type LiveCache interface {
	CacheLive(ctx context.Context, snapshot models.LiveSnapshot) error
}

// Config параметры сессий
type Config struct {
	// AnalysisInterval период анализа живого окна
	AnalysisInterval time.Duration
	// ExcludeInterpolated исключать удержанные отсчеты из спектрального анализа
	ExcludeInterpolated bool
	// TrendSize длина тренда фокуса
	TrendSize int
	// SinkTimeout предел на один вызов приемника
	SinkTimeout time.Duration
}

// DefaultConfig параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		AnalysisInterval: time.Second,
		TrendSize:        analytics.DefaultTrendSize,
		SinkTimeout:      5 * time.Second,
	}
}

// Info состояние сессии для API
type Info struct {
	Active          bool      `json:"active"`
	SessionID       string    `json:"session_id,omitempty"`
	SubjectID       string    `json:"subject_id,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	Stage           string    `json:"stage,omitempty"`
	StageOrder      int       `json:"stage_order,omitempty"`
	StagesCompleted int       `json:"stages_completed"`
}

type namedSink struct {
	name string
	sink RecordSink
}

type stageState struct {
	name      string
	order     int
	startedAt time.Time
	samples   []models.StabilizedSample
}

type session struct {
	id        string
	subjectID string
	startedAt time.Time
	lastOrder int
	records   []models.StageRecord
}

// Option настройка менеджера
type Option func(*Manager)

// WithSink добавляет приемник завершенных этапов
func WithSink(name string, sink RecordSink) Option {
	return func(m *Manager) {
		m.sinks = append(m.sinks, namedSink{name: name, sink: sink})
	}
}

// WithLiveCache задает кэш снимков живого окна
func WithLiveCache(cache LiveCache) Option {
	return func(m *Manager) { m.liveCache = cache }
}

// Manager управляет единственной активной сессией
type Manager struct {
	cfg       Config
	engine    *analytics.Engine
	stab      *stabilizer.Stabilizer
	monitor   *persistence.Monitor
	log       *slog.Logger
	sinks     []namedSink
	liveCache LiveCache
	trend     *analytics.RollingWindow

	// mu сериализует жизненный цикл: Start, BeginStage, Stop
	mu          sync.Mutex
	current     *session
	lastRecords []models.StageRecord
	liveCancel  context.CancelFunc
	liveDone    chan struct{}

	// gate делает прием отсчетов атомарным относительно Stop
	gate   sync.RWMutex
	active bool

	// stageMu защищает открытый этап, в который пишет цикл тиков
	stageMu sync.Mutex
	stage   *stageState

	snapMu   sync.RWMutex
	snapshot *models.LiveSnapshot
}

// NewManager создает менеджер сессий
func NewManager(cfg Config, engine *analytics.Engine, stab *stabilizer.Stabilizer,
	monitor *persistence.Monitor, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		engine:  engine,
		stab:    stab,
		monitor: monitor,
		log:     log,
		trend:   analytics.NewRollingWindow(cfg.TrendSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Engine движок анализа
func (m *Manager) Engine() *analytics.Engine { return m.engine }

// Stabilizer стабилизатор потока
func (m *Manager) Stabilizer() *stabilizer.Stabilizer { return m.stab }

// Monitor монитор устойчивости
func (m *Manager) Monitor() *persistence.Monitor { return m.monitor }

// Start открывает сессию испытуемого и запускает тики и живой анализ.
// Пустой initialStage открывает первый этап протокола, чтобы отсчеты
// всегда попадали в какой-то этап.
func (m *Manager) Start(subjectID, initialStage string) (Info, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Info{}, ErrInvalidSubject
	}
	if initialStage == "" {
		initialStage = StageBaselineRelaxed
	}
	if _, ok := Instructions(initialStage); !ok {
		return Info{}, ErrUnknownStage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return Info{}, ErrSessionActive
	}

	sess := &session{
		id:        uuid.NewString(),
		subjectID: subjectID,
		startedAt: time.Now(),
	}

	m.stageMu.Lock()
	m.stage = nil
	m.stageMu.Unlock()
	m.trend.Reset()
	m.snapMu.Lock()
	m.snapshot = nil
	m.snapMu.Unlock()

	if err := m.stab.Start(context.Background(), m.collect); err != nil {
		return Info{}, err
	}

	liveCtx, cancel := context.WithCancel(context.Background())
	m.liveCancel = cancel
	m.liveDone = make(chan struct{})
	go m.liveLoop(liveCtx, m.liveDone, sess.id, sess.subjectID)

	m.current = sess
	m.openStage(sess, initialStage)

	m.gate.Lock()
	m.active = true
	m.gate.Unlock()

	metrics.ActiveSessions.Set(1)
	m.log.Info("session_started", "session_id", sess.id, "subject_id", subjectID, "stage", initialStage)
	return m.infoLocked(), nil
}

// Push передает сырой отсчет в очередь стабилизатора. Не блокирует.
func (m *Manager) Push(sample models.Sample) error {
	m.gate.RLock()
	defer m.gate.RUnlock()

	if !m.active {
		return ErrNoSession
	}
	if m.stab.Push(sample) {
		metrics.SamplesDropped.Inc()
	}
	return nil
}

// BeginStage закрывает текущий этап и открывает новый
func (m *Manager) BeginStage(ctx context.Context, stage string) (Info, error) {
	if _, ok := Instructions(stage); !ok {
		return Info{}, ErrUnknownStage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.current
	if sess == nil {
		return Info{}, ErrNoSession
	}

	prev := m.openStage(sess, stage)
	if prev != nil {
		m.finalize(ctx, sess, prev, time.Now())
	}
	m.log.Info("stage_started", "session_id", sess.id, "stage", stage, "order", sess.lastOrder)
	return m.infoLocked(), nil
}

// openStage подменяет открытый этап новым и возвращает предыдущий
func (m *Manager) openStage(sess *session, stage string) *stageState {
	sess.lastOrder++
	next := &stageState{name: stage, order: sess.lastOrder, startedAt: time.Now()}

	m.stageMu.Lock()
	prev := m.stage
	m.stage = next
	m.stageMu.Unlock()
	return prev
}

// Stop завершает сессию: останавливает тики (очередь очищается, последнее
// значение забывается), анализирует открытый этап и возвращает все записи сессии.
func (m *Manager) Stop(ctx context.Context) ([]models.StageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.current
	if sess == nil {
		return nil, ErrNoSession
	}

	m.gate.Lock()
	m.active = false
	m.gate.Unlock()

	m.liveCancel()
	<-m.liveDone
	m.liveCancel, m.liveDone = nil, nil

	m.stab.Stop()

	m.stageMu.Lock()
	last := m.stage
	m.stage = nil
	m.stageMu.Unlock()

	if last != nil {
		m.finalize(ctx, sess, last, time.Now())
	}

	records := sess.records
	m.lastRecords = records
	m.current = nil

	metrics.ActiveSessions.Set(0)
	m.log.Info("session_stopped", "session_id", sess.id, "subject_id", sess.subjectID, "stages", len(records))
	return records, nil
}

// Info состояние текущей сессии
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

func (m *Manager) infoLocked() Info {
	sess := m.current
	if sess == nil {
		return Info{StagesCompleted: len(m.lastRecords)}
	}
	info := Info{
		Active:          true,
		SessionID:       sess.id,
		SubjectID:       sess.subjectID,
		StartedAt:       sess.startedAt,
		StagesCompleted: len(sess.records),
	}
	m.stageMu.Lock()
	if m.stage != nil {
		info.Stage = m.stage.name
		info.StageOrder = m.stage.order
	}
	m.stageMu.Unlock()
	return info
}

// Records завершенные этапы текущей сессии или последней завершенной
func (m *Manager) Records() []models.StageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return append([]models.StageRecord(nil), m.current.records...)
	}
	return append([]models.StageRecord(nil), m.lastRecords...)
}

// Live последний снимок живого окна
func (m *Manager) Live() (models.LiveSnapshot, bool) {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	if m.snapshot == nil {
		return models.LiveSnapshot{}, false
	}
	return *m.snapshot, true
}

// collect принимает каждый выданный стабилизатором отсчет
func (m *Manager) collect(sample models.StabilizedSample) {
	if sample.Interpolated {
		metrics.SamplesStabilized.WithLabelValues("held").Inc()
	} else {
		metrics.SamplesStabilized.WithLabelValues("fresh").Inc()
	}

	m.stageMu.Lock()
	if m.stage != nil {
		m.stage.samples = append(m.stage.samples, sample)
	}
	m.stageMu.Unlock()
}

// finalize анализирует закрытый этап и раздает запись приемникам.
// Ошибки приемников логируются и не прерывают сессию.
func (m *Manager) finalize(ctx context.Context, sess *session, st *stageState, endedAt time.Time) models.StageRecord {
	analysis := m.analyze(sess.subjectID, st.samples)
	instructions, _ := Instructions(st.name)

	record := models.StageRecord{
		SessionID:       sess.id,
		SubjectID:       sess.subjectID,
		StageName:       st.name,
		StageOrder:      st.order,
		Instructions:    instructions,
		StartedAt:       st.startedAt,
		EndedAt:         endedAt,
		DurationSeconds: int(math.Round(endedAt.Sub(st.startedAt).Seconds())),
		Samples:         st.samples,
		Analysis:        analysis,
	}
	sess.records = append(sess.records, record)

	m.log.Info("stage_finalized",
		"session_id", sess.id,
		"stage", st.name,
		"order", st.order,
		"samples", len(st.samples),
		"status", analysis.Status,
		"focus", analysis.FocusScore,
		"low_beta_warning", analysis.LowBetaWarning,
	)

	for _, s := range m.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, m.cfg.SinkTimeout)
		err := s.sink.SaveStage(sinkCtx, record)
		cancel()
		if err != nil {
			metrics.StageRecords.WithLabelValues(s.name, "error").Inc()
			m.log.Error("stage_sink_failed", "sink", s.name, "session_id", sess.id, "order", st.order, "error", err)
			continue
		}
		metrics.StageRecords.WithLabelValues(s.name, "ok").Inc()
	}
	return record
}

// analyze считает окно и, если мощность валидна, обновляет монитор устойчивости
func (m *Manager) analyze(subjectID string, samples []models.StabilizedSample) models.WindowAnalysis {
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if m.cfg.ExcludeInterpolated && s.Interpolated {
			continue
		}
		values = append(values, s.Value)
	}

	start := time.Now()
	result := m.engine.Analyze(values, m.stab.Config().SamplingRate, false)
	metrics.AnalysisLatency.Observe(time.Since(start).Seconds())

	if !result.OK() {
		return result
	}
	if err := analytics.ValidatePower(result.BetaPower); err != nil {
		m.log.Warn("beta_power_rejected", "subject_id", subjectID, "error", err)
		return result
	}
	result.LowBetaWarning = m.monitor.Check(subjectID, result.BetaPower)
	return result
}

// liveLoop периодически анализирует живое окно до отмены
func (m *Manager) liveLoop(ctx context.Context, done chan struct{}, sessionID, subjectID string) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.AnalysisInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshLive(ctx, sessionID, subjectID)
		}
	}
}

func (m *Manager) refreshLive(ctx context.Context, sessionID, subjectID string) {
	result := m.analyze(subjectID, m.stab.Recent())
	var zscore float64
	if result.OK() {
		// отклонение считается до добавления, против прошлого тренда
		zscore = m.trend.ZScore(result.FocusScore)
		m.trend.Add(result.FocusScore)
	}

	snapshot := models.LiveSnapshot{
		SessionID:    sessionID,
		SubjectID:    subjectID,
		Timestamp:    time.Now(),
		BufferHealth: string(m.stab.Health()),
		Pending:      m.stab.Pending(),
		Analysis:     result,
		FocusTrend:   m.trend.Mean(),
		FocusStdDev:  m.trend.StdDev(),
		FocusZScore:  zscore,
		TrendSamples: m.trend.Count(),
		Persistence:  string(m.monitor.State(subjectID)),
	}
	m.stageMu.Lock()
	if m.stage != nil {
		snapshot.Stage = m.stage.name
	}
	m.stageMu.Unlock()

	m.snapMu.Lock()
	m.snapshot = &snapshot
	m.snapMu.Unlock()

	metrics.UpdateAnalysisMetrics(result)
	metrics.BufferPending.Set(float64(snapshot.Pending))

	if m.liveCache != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, m.cfg.SinkTimeout)
		defer cancel()
		if err := m.liveCache.CacheLive(cacheCtx, snapshot); err != nil {
			m.log.Debug("live_cache_failed", "session_id", sessionID, "error", err)
		}
	}
}
