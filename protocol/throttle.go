package protocol

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle 按事件键对高频日志限流：间隔内放行一条，或每 everyN 条放行一条。
// 首次出现的键总是放行。
type Throttle struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry

	interval time.Duration
	everyN   int
}

type throttleEntry struct {
	limiter *rate.Limiter
	count   int
}

// NewThrottle 创建日志限流器。interval <= 0 或 everyN <= 0 时取默认值。
func NewThrottle(interval time.Duration, everyN int) *Throttle {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if everyN <= 0 {
		everyN = 20
	}
	return &Throttle{
		entries:  make(map[string]*throttleEntry),
		interval: interval,
		everyN:   everyN,
	}
}

// Allow 报告 key 对应的这次事件是否应该写日志。
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.entries[key] = e
	}

	e.count++
	if e.count%t.everyN == 0 {
		return true
	}
	return e.limiter.Allow()
}

// Count 返回 key 已出现的次数。
func (t *Throttle) Count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e.count
	}
	return 0
}
