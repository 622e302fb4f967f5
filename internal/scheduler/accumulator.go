package scheduler

import "time"

const (
	DefaultFPS = 30
	MinFPS     = 1
)

// Accumulator converts elapsed time into a count of whole update
// intervals. Integer durations keep the count exact regardless of how the
// elapsed time is split across calls.
type Accumulator struct {
	fps      int
	interval time.Duration
	acc      time.Duration
}

func NewAccumulator(fps int) *Accumulator {
	a := &Accumulator{}
	a.SetFPS(fps)
	return a
}

// SetFPS clamps fps to MinFPS and drops any partial interval.
func (a *Accumulator) SetFPS(fps int) {
	if fps < MinFPS {
		fps = MinFPS
	}
	a.fps = fps
	a.interval = time.Second / time.Duration(fps)
	a.acc = 0
}

func (a *Accumulator) FPS() int {
	return a.fps
}

func (a *Accumulator) Interval() time.Duration {
	return a.interval
}

// Pending is the carried remainder, always below Interval.
func (a *Accumulator) Pending() time.Duration {
	return a.acc
}

// Advance adds dt and returns the number of intervals that elapsed.
func (a *Accumulator) Advance(dt time.Duration) int {
	if dt <= 0 {
		return 0
	}
	a.acc += dt
	n := int(a.acc / a.interval)
	a.acc %= a.interval
	return n
}
