package analytics

import (
	"math"
	"sync"
)

// DefaultTrendSize количество последних оценок фокуса в тренде
const DefaultTrendSize = 50

// RollingWindow кольцевое окно последних значений с накопленными суммами.
// Используется для тренда фокуса живой сессии.
type RollingWindow struct {
	mu     sync.RWMutex
	values []float64
	next   int
	count  int
	sum    float64
	sumSq  float64
}

// NewRollingWindow создает окно заданного размера
func NewRollingWindow(size int) *RollingWindow {
	if size < 1 {
		size = DefaultTrendSize
	}
	return &RollingWindow{values: make([]float64, size)}
}

// Add добавляет значение, вытесняя самое старое при заполненном окне
func (w *RollingWindow) Add(value float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == len(w.values) {
		old := w.values[w.next]
		w.sum -= old
		w.sumSq -= old * old
	} else {
		w.count++
	}

	w.values[w.next] = value
	w.sum += value
	w.sumSq += value * value
	w.next = (w.next + 1) % len(w.values)
}

// Mean скользящее среднее
func (w *RollingWindow) Mean() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mean()
}

func (w *RollingWindow) mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// StdDev выборочное стандартное отклонение
func (w *RollingWindow) StdDev() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stdDev()
}

func (w *RollingWindow) stdDev() float64 {
	if w.count < 2 {
		return 0
	}
	n := float64(w.count)
	variance := (w.sumSq - (w.sum*w.sum)/n) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// ZScore отклонение значения от среднего окна в сигмах
func (w *RollingWindow) ZScore(value float64) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	sd := w.stdDev()
	if sd == 0 {
		return 0
	}
	return (value - w.mean()) / sd
}

// Count количество значений в окне
func (w *RollingWindow) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Reset очищает окно
func (w *RollingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.values {
		w.values[i] = 0
	}
	w.next, w.count, w.sum, w.sumSq = 0, 0, 0, 0
}
