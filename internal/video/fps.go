package video

import (
	"math"
	"sync/atomic"
	"time"
)

// FPSMeter counts units in one-second windows. Tick is called by a
// single goroutine; FPS may be read from any.
type FPSMeter struct {
	start time.Time
	count int
	fps   atomic.Uint64 // float64 bits
}

// Reset starts a new window at now. The last computed rate is kept.
func (m *FPSMeter) Reset(now time.Time) {
	m.start = now
	m.count = 0
}

// Tick counts one unit received at now. Once the window spans at least a
// second it computes count/elapsed, starts a new window, and returns the
// rate with ok set.
func (m *FPSMeter) Tick(now time.Time) (fps float64, ok bool) {
	if m.start.IsZero() {
		m.start = now
	}
	m.count++
	elapsed := now.Sub(m.start)
	if elapsed < time.Second {
		return 0, false
	}
	fps = float64(m.count) / elapsed.Seconds()
	m.fps.Store(math.Float64bits(fps))
	m.Reset(now)
	return fps, true
}

// FPS returns the last computed rate, or 0 before the first full window.
func (m *FPSMeter) FPS() float64 {
	return math.Float64frombits(m.fps.Load())
}
