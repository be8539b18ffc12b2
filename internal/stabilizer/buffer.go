package stabilizer

import (
	"sync"
	"sync/atomic"

	"neurofocus-service/internal/models"
)

// Buffer ограниченная FIFO-очередь сырых отсчетов.
// Push никогда не блокирует: при переполнении вытесняется самый старый отсчет.
type Buffer struct {
	mu    sync.Mutex
	items []models.Sample
	head  int
	size  int

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewBuffer создает очередь вместимостью capacity
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{items: make([]models.Sample, capacity)}
}

// Push добавляет отсчет в конец очереди. Возвращает true, если пришлось выбросить старый.
func (b *Buffer) Push(s models.Sample) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pushed.Add(1)
	dropped := false
	if b.size == len(b.items) {
		b.head = (b.head + 1) % len(b.items)
		b.size--
		b.dropped.Add(1)
		dropped = true
	}

	b.items[(b.head+b.size)%len(b.items)] = s
	b.size++
	return dropped
}

// Pop извлекает самый старый отсчет
func (b *Buffer) Pop() (models.Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return models.Sample{}, false
	}
	s := b.items[b.head]
	b.items[b.head] = models.Sample{}
	b.head = (b.head + 1) % len(b.items)
	b.size--
	return s, true
}

// Len количество ожидающих отсчетов
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap вместимость очереди
func (b *Buffer) Cap() int {
	return len(b.items)
}

// Clear удаляет все ожидающие отсчеты
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.items {
		b.items[i] = models.Sample{}
	}
	b.head, b.size = 0, 0
}

// Pushed всего принято отсчетов
func (b *Buffer) Pushed() uint64 { return b.pushed.Load() }

// Dropped всего вытеснено при переполнении
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }
