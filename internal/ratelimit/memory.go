package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow 进程内滑动窗口限流器，重启后计数清零。
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    Clock

	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewSlidingWindow 创建内存限流器
//
// 参数:
//   - limit: 窗口内允许的最大请求数
//   - window: 窗口长度
//   - clock: 时间源，nil 时使用 time.Now
func NewSlidingWindow(limit int, window time.Duration, clock Clock) *SlidingWindow {
	limit, window, clock = normalize(limit, window, clock)
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		now:     clock,
		entries: make(map[string][]time.Time),
	}
}

// Admit 清理窗口外的记录后判断是否放行。
func (l *SlidingWindow) Admit(_ context.Context, clientID string) (bool, error) {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.entries[clientID], cutoff)
	if len(kept) >= l.limit {
		l.entries[clientID] = kept
		return false, nil
	}

	l.entries[clientID] = append(kept, now)
	return true, nil
}

// Sweep 删除窗口内已无记录的客户端，避免 map 无限增长。
func (l *SlidingWindow) Sweep() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, ts := range l.entries {
		kept := prune(ts, cutoff)
		if len(kept) == 0 {
			delete(l.entries, id)
			removed++
			continue
		}
		l.entries[id] = kept
	}
	return removed
}

// Clients 当前跟踪的客户端数量
func (l *SlidingWindow) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// prune 时间戳按升序追加，找到第一个仍在窗口内的位置即可
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
