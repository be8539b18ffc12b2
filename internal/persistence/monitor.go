// Package persistence отслеживает устойчиво низкую мощность beta по каждому испытуемому
package persistence

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State стадия накопления истории испытуемого
type State string

const (
	StateUnseeded     State = "unseeded"
	StateAccumulating State = "accumulating"
	StateJudging      State = "judging"
)

// ErrInvalidConfig невозможные параметры монитора
var ErrInvalidConfig = errors.New("invalid persistence config")

// Config параметры монитора
type Config struct {
	// Window длина скользящего окна по времени
	Window time.Duration
	// MinReadings минимум наблюдений для вывода
	MinReadings int
	// LowBetaThreshold наблюдение ниже порога считается низким
	LowBetaThreshold float64
	// AlertFraction доля низких наблюдений, при которой поднимается тревога
	AlertFraction float64
}

// DefaultConfig 5 минут, 30 наблюдений, порог 0.34, 80%
func DefaultConfig() Config {
	return Config{
		Window:           300 * time.Second,
		MinReadings:      30,
		LowBetaThreshold: 0.34,
		AlertFraction:    0.80,
	}
}

// Validate проверяет параметры
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, c.Window)
	}
	if c.MinReadings < 1 {
		return fmt.Errorf("%w: min readings must be positive, got %d", ErrInvalidConfig, c.MinReadings)
	}
	if c.AlertFraction <= 0 || c.AlertFraction > 1 {
		return fmt.Errorf("%w: alert fraction must be in (0, 1], got %.2f", ErrInvalidConfig, c.AlertFraction)
	}
	return nil
}

// Reading одно наблюдение: время в секундах Unix и мощность beta
type Reading struct {
	Time      float64 `json:"time"`
	BetaPower float64 `json:"beta_power"`
}

// Option настройка монитора
type Option func(*Monitor)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor хранит историю наблюдений по идентификатору испытуемого.
// История создается при первом наблюдении и живет до Reset.
// Все операции сериализованы одним мьютексом.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	now       func() time.Time
	histories map[string][]Reading
}

// NewMonitor создает монитор с собственной историей
func NewMonitor(cfg Config, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:       cfg,
		now:       time.Now,
		histories: make(map[string][]Reading),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config возвращает параметры монитора
func (m *Monitor) Config() Config {
	return m.cfg
}

// Check добавляет наблюдение и сообщает, держится ли beta устойчиво низкой.
// Вызывающий обязан отфильтровать NaN и отрицательные значения.
func (m *Monitor) Check(subjectID string, betaPower float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := toSeconds(m.now())
	history := append(m.histories[subjectID], Reading{Time: now, BetaPower: betaPower})
	history = prune(history, now-m.cfg.Window.Seconds())
	m.histories[subjectID] = history

	if len(history) < m.cfg.MinReadings {
		return false
	}

	low := 0
	for _, r := range history {
		if r.BetaPower < m.cfg.LowBetaThreshold {
			low++
		}
	}
	return float64(low)/float64(len(history)) >= m.cfg.AlertFraction
}

// prune удаляет наблюдения старше from. История упорядочена по времени.
func prune(history []Reading, from float64) []Reading {
	idx := 0
	for idx < len(history) && history[idx].Time < from {
		idx++
	}
	if idx == 0 {
		return history
	}
	// копия, чтобы не держать старый массив
	return append([]Reading(nil), history[idx:]...)
}

// State стадия испытуемого по текущей истории
func (m *Monitor) State(subjectID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	history, ok := m.histories[subjectID]
	switch {
	case !ok:
		return StateUnseeded
	case len(history) < m.cfg.MinReadings:
		return StateAccumulating
	default:
		return StateJudging
	}
}

// Snapshot копия истории испытуемого
func (m *Monitor) Snapshot(subjectID string) []Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Reading(nil), m.histories[subjectID]...)
}

// Subjects количество испытуемых с историей
func (m *Monitor) Subjects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.histories)
}

// Reset забывает историю испытуемого
func (m *Monitor) Reset(subjectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.histories, subjectID)
}

func toSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
