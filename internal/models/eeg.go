// Package models содержит структуры данных для потока ЭЭГ и результатов анализа
package models

import "time"

// Sample сырое значение от датчика с временем поступления (мс)
type Sample struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// StabilizedSample отсчет равномерного ряда.
// Interpolated выставляется для значений, удержанных стабилизатором при пустом буфере.
type StabilizedSample struct {
	Value        float64 `json:"value"`
	Timestamp    int64   `json:"timestamp"`
	Interpolated bool    `json:"interpolated"`
}

// SpectrumResult спектр мощности: Power[i] соответствует Frequencies[i]
type SpectrumResult struct {
	Frequencies []float64 `json:"frequencies"`
	Power       []float64 `json:"power"`
}

// BandPowers средняя мощность по каноническим диапазонам
type BandPowers struct {
	Delta float64 `json:"delta"`
	Theta float64 `json:"theta"`
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// Статусы анализа окна
const (
	StatusOK               = "ok"
	StatusInsufficientData = "insufficient_data"
	StatusError            = "error"
)

// WindowAnalysis результат анализа одного окна отсчетов.
// Status всегда заполнен, остальные поля валидны только при StatusOK.
type WindowAnalysis struct {
	Status         string          `json:"status"`
	SampleCount    int             `json:"sample_count"`
	SamplingRate   int             `json:"sampling_rate"`
	Bands          BandPowers      `json:"bands"`
	BetaPower      float64         `json:"beta_power"`
	FocusScore     float64         `json:"focus_score"`
	LowBetaWarning bool            `json:"low_beta_warning"`
	Spectrum       *SpectrumResult `json:"spectrum,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// OK сообщает, содержит ли результат валидные числа
func (w WindowAnalysis) OK() bool {
	return w.Status == StatusOK
}

// StageRecord завершенный этап сессии для передачи в хранилище
type StageRecord struct {
	SessionID       string             `json:"session_id"`
	SubjectID       string             `json:"subject_id"`
	StageName       string             `json:"stage_name"`
	StageOrder      int                `json:"stage_order"`
	Instructions    string             `json:"instructions"`
	StartedAt       time.Time          `json:"started_at"`
	EndedAt         time.Time          `json:"ended_at"`
	DurationSeconds int                `json:"duration_seconds"`
	Samples         []StabilizedSample `json:"samples,omitempty"`
	Analysis        WindowAnalysis     `json:"analysis"`
}

// LiveSnapshot состояние живого окна для дашборда
type LiveSnapshot struct {
	SessionID    string         `json:"session_id"`
	SubjectID    string         `json:"subject_id"`
	Stage        string         `json:"stage,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	BufferHealth string         `json:"buffer_health"`
	Pending      int            `json:"pending"`
	Analysis     WindowAnalysis `json:"analysis"`
	FocusTrend   float64        `json:"focus_trend"`
	// FocusStdDev разброс оценок фокуса в тренде
	FocusStdDev float64 `json:"focus_stddev"`
	// FocusZScore отклонение текущей оценки от тренда в сигмах
	FocusZScore  float64 `json:"focus_zscore"`
	TrendSamples int     `json:"trend_samples"`
	Persistence  string  `json:"persistence_state"`
}

// SamplesBatch пакет сырых отсчетов для массовой загрузки
type SamplesBatch struct {
	Samples []Sample `json:"samples"`
}

// HealthStatus представляет статус здоровья сервиса
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Redis     string    `json:"redis"`
	MQTT      string    `json:"mqtt"`
	Session   string    `json:"session"`
	TickLoop  string    `json:"tick_loop"`
	Uptime    string    `json:"uptime"`
}

// StatsResponse содержит статистику сервиса
type StatsResponse struct {
	SamplesPushed  uint64 `json:"samples_pushed"`
	SamplesDropped uint64 `json:"samples_dropped"`
	FreshEmitted   uint64 `json:"fresh_emitted"`
	HeldEmitted    uint64 `json:"held_emitted"`
	StagesSaved    int64  `json:"stages_saved"`
	LowBetaAlarms  int64  `json:"low_beta_alarms"`
	// PersistenceAlarms тревоги POST /persistence
	PersistenceAlarms int64 `json:"persistence_alarms"`
	// TrackedSubjects испытуемые с историей в мониторе устойчивости
	TrackedSubjects int `json:"tracked_subjects"`
}
