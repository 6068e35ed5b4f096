package clock

import (
	"sync"
	"time"
)

// Manual only moves when told to.
type Manual struct {
	lock sync.Mutex
	now  time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Advance(d time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.now = m.now.Add(d)
}

func (m *Manual) AdvanceMs(n int64) {
	m.Advance(time.Duration(n) * time.Millisecond)
}

func (m *Manual) CurrentTimeMicro() uint64 {
	return micros(m.Now())
}

func (m *Manual) CurrentTimeMs() uint64 {
	return m.CurrentTimeMicro() / 1000
}

func (m *Manual) CurrentTimeSec() uint64 {
	return m.CurrentTimeMicro() / 1000000
}

func (m *Manual) Now() time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.now
}
