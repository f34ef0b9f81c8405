package server

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// AlarmEvent is one motion alarm.
type AlarmEvent struct {
	Number   uint64    `json:"number"`
	FrameID  uint64    `json:"frame"`
	Time     time.Time `json:"time"`
	Changed  int       `json:"changed_tiles"`
	Snapshot string    `json:"snapshot,omitempty"`
}

// AlarmLog keeps the most recent alarms, oldest evicted first.
type AlarmLog struct {
	mu    sync.Mutex
	q     *queue.Queue
	limit int
	total uint64
}

// NewAlarmLog returns a log holding at most limit events; limit <= 0 means 64.
func NewAlarmLog(limit int) *AlarmLog {
	if limit <= 0 {
		limit = 64
	}
	return &AlarmLog{q: queue.New(), limit: limit}
}

// Record appends ev.
func (l *AlarmLog) Record(ev AlarmEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.q.Length() >= l.limit {
		l.q.Remove()
	}
	l.q.Add(ev)
	l.total++
}

// Recent returns up to n events, newest first. n <= 0 returns all of them.
func (l *AlarmLog) Recent(n int) []AlarmEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	size := l.q.Length()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]AlarmEvent, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, l.q.Get(-i).(AlarmEvent))
	}
	return out
}

// Len is the number of retained events.
func (l *AlarmLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.Length()
}

// Total counts every event ever recorded.
func (l *AlarmLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
