// Package clock lets time dependent code run against a manual clock in tests.
package clock

import "time"

type Clock interface {
	CurrentTimeMicro() uint64
	CurrentTimeMs() uint64
	CurrentTimeSec() uint64
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func NewSystemClock() Clock {
	return System{}
}

func (System) Now() time.Time {
	return time.Now()
}

func (s System) CurrentTimeMicro() uint64 {
	return micros(s.Now())
}

func (s System) CurrentTimeMs() uint64 {
	return micros(s.Now()) / 1000
}

func (s System) CurrentTimeSec() uint64 {
	return micros(s.Now()) / 1_000_000
}

func micros(t time.Time) uint64 {
	return uint64(t.UnixMicro())
}
