// Package stabilizer превращает неравномерный поток отсчетов в ряд с фиксированным шагом.
//
// Сырые отсчеты копятся в ограниченной очереди, на каждом тике таймера
// выдается ровно один отсчет. Пустая очередь закрывается последним
// известным значением, помеченным как Interpolated.
package stabilizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"neurofocus-service/internal/models"
)

// Health классификация заполненности очереди
type Health string

const (
	HealthLow    Health = "low"
	HealthNormal Health = "normal"
	HealthHigh   Health = "high"
)

var (
	// ErrInvalidConfig невозможные параметры стабилизатора
	ErrInvalidConfig = errors.New("invalid stabilizer config")
	// ErrRunning цикл тиков уже запущен
	ErrRunning = errors.New("stabilizer already running")
)

// Config параметры стабилизатора
type Config struct {
	// SamplingRate целевая частота дискретизации, Гц
	SamplingRate int
	// BufferCap предел ожидающих сырых отсчетов
	BufferCap int
	// RecentSize сколько последних выданных отсчетов хранить для живого графика
	RecentSize int
	// LowWatermark и HighWatermark пороги диагностики очереди
	LowWatermark  int
	HighWatermark int
}

// DefaultConfig параметры по умолчанию (250 Гц)
func DefaultConfig() Config {
	return Config{
		SamplingRate:  250,
		BufferCap:     200,
		RecentSize:    100,
		LowWatermark:  5,
		HighWatermark: 50,
	}
}

// Validate проверяет параметры. Шаг 1000/rate мс должен быть не меньше 1 мс.
func (c Config) Validate() error {
	if c.SamplingRate <= 0 || c.SamplingRate > 1000 {
		return fmt.Errorf("%w: sampling rate must be in (0, 1000], got %d", ErrInvalidConfig, c.SamplingRate)
	}
	if c.BufferCap < 1 || c.RecentSize < 1 {
		return fmt.Errorf("%w: buffer cap and recent size must be positive", ErrInvalidConfig)
	}
	if c.LowWatermark > c.HighWatermark {
		return fmt.Errorf("%w: low watermark %d above high watermark %d", ErrInvalidConfig, c.LowWatermark, c.HighWatermark)
	}
	return nil
}

// IntervalMillis номинальный шаг между отсчетами
func (c Config) IntervalMillis() int64 {
	return int64(1000 / c.SamplingRate)
}

// Stats счетчики стабилизатора
type Stats struct {
	Pushed  uint64 `json:"pushed"`
	Dropped uint64 `json:"dropped"`
	Fresh   uint64 `json:"fresh"`
	Held    uint64 `json:"held"`
	Pending int    `json:"pending"`
}

// Stabilizer выдает равномерный ряд из очереди сырых отсчетов
type Stabilizer struct {
	cfg        Config
	intervalMs int64
	buf        *Buffer

	mu        sync.Mutex
	hasLast   bool
	lastValue float64
	lastTs    int64
	recent    []models.StabilizedSample
	recentPos int
	recentLen int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	fresh atomic.Uint64
	held  atomic.Uint64
}

// New создает стабилизатор
func New(cfg Config) (*Stabilizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Stabilizer{
		cfg:        cfg,
		intervalMs: cfg.IntervalMillis(),
		buf:        NewBuffer(cfg.BufferCap),
		recent:     make([]models.StabilizedSample, cfg.RecentSize),
	}, nil
}

// Config возвращает параметры
func (s *Stabilizer) Config() Config {
	return s.cfg
}

// Push принимает сырой отсчет от транспорта. Не блокирует.
func (s *Stabilizer) Push(sample models.Sample) (dropped bool) {
	return s.buf.Push(sample)
}

// Tick выдает один отсчет равномерного ряда.
// Второй результат false, пока поток не начался.
func (s *Stabilizer) Tick() (models.StabilizedSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out models.StabilizedSample
	if raw, ok := s.buf.Pop(); ok {
		ts := raw.Timestamp
		if s.hasLast {
			ts = s.lastTs + s.intervalMs
		}
		s.hasLast = true
		s.lastValue = raw.Value
		s.lastTs = ts
		out = models.StabilizedSample{Value: raw.Value, Timestamp: ts}
		s.fresh.Add(1)
	} else if s.hasLast {
		s.lastTs += s.intervalMs
		out = models.StabilizedSample{Value: s.lastValue, Timestamp: s.lastTs, Interpolated: true}
		s.held.Add(1)
	} else {
		return out, false
	}

	s.recent[s.recentPos] = out
	s.recentPos = (s.recentPos + 1) % len(s.recent)
	if s.recentLen < len(s.recent) {
		s.recentLen++
	}
	return out, true
}

// Recent копия последних выданных отсчетов, от старых к новым
func (s *Stabilizer) Recent() []models.StabilizedSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.StabilizedSample, 0, s.recentLen)
	start := (s.recentPos - s.recentLen + len(s.recent)) % len(s.recent)
	for i := 0; i < s.recentLen; i++ {
		out = append(out, s.recent[(start+i)%len(s.recent)])
	}
	return out
}

// Pending количество сырых отсчетов в очереди
func (s *Stabilizer) Pending() int {
	return s.buf.Len()
}

// Health диагностика заполненности очереди, на поведение не влияет
func (s *Stabilizer) Health() Health {
	return s.cfg.classify(s.buf.Len())
}

func (c Config) classify(pending int) Health {
	switch {
	case pending < c.LowWatermark:
		return HealthLow
	case pending > c.HighWatermark:
		return HealthHigh
	default:
		return HealthNormal
	}
}

// Stats снимок счетчиков
func (s *Stabilizer) Stats() Stats {
	return Stats{
		Pushed:  s.buf.Pushed(),
		Dropped: s.buf.Dropped(),
		Fresh:   s.fresh.Load(),
		Held:    s.held.Load(),
		Pending: s.buf.Len(),
	}
}

// Run крутит тики до отмены ctx и передает каждый выданный отсчет в sink.
// Блокируется только на таймере.
func (s *Stabilizer) Run(ctx context.Context, sink func(models.StabilizedSample)) {
	ticker := time.NewTicker(time.Duration(s.intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if out, ok := s.Tick(); ok && sink != nil {
				sink(out)
			}
		}
	}
}

// Start запускает Run в отдельной горутине
func (s *Stabilizer) Start(ctx context.Context, sink func(models.StabilizedSample)) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return ErrRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		s.Run(runCtx, sink)
	}()
	return nil
}

// Running сообщает, запущен ли цикл тиков
func (s *Stabilizer) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

// Stop останавливает таймер, очищает очередь и забывает последнее значение,
// чтобы следующая сессия не продолжала удержание от предыдущей.
func (s *Stabilizer) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
		s.done = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Clear()
	s.hasLast = false
	s.lastValue = 0
	s.lastTs = 0
	s.recentPos = 0
	s.recentLen = 0
}
