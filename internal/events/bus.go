package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"stevedore/internal/common"
)

// Bus 进程内事件总线
//
// 发布永不阻塞，跟不上的订阅者会丢事件。
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan common.ServiceEvent
	nextID      int
	bufferSize  int
	history     []common.ServiceEvent
	historyCap  int
	closed      bool
	logger      *zap.Logger
}

// NewBus 创建事件总线
func NewBus(config common.EventsConfig) *Bus {
	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = 64
	}
	historyCap := config.History
	if historyCap <= 0 {
		historyCap = 256
	}
	return &Bus{
		subscribers: make(map[int]chan common.ServiceEvent),
		bufferSize:  bufferSize,
		historyCap:  historyCap,
		logger:      common.ComponentLogger("event-bus"),
	}
}

// Publish 发布服务事件
func (b *Bus) Publish(event common.ServiceEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.history = append(b.history, event)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	subscribers := make([]chan common.ServiceEvent, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subscribers = append(subscribers, ch)
	}
	b.mu.Unlock()

	common.GetMetrics().IncrementEventsPublished()

	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				zap.String("service", event.Service),
				zap.String("type", event.Type))
		}
	}
}

// Subscribe 订阅事件，返回取消函数
func (b *Bus) Subscribe() (<-chan common.ServiceEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan common.ServiceEvent, b.bufferSize)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// History 返回最近的事件
func (b *Bus) History(limit int) []common.ServiceEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	result := make([]common.ServiceEvent, limit)
	copy(result, b.history[len(b.history)-limit:])
	return result
}

// Close 关闭事件总线
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
