package scheduler

import (
	"context"
	"time"

	"github.com/danmuck/meshctl/internal/observability"
)

// Step is the work driven by the scheduler.
type Step interface {
	// Drain processes buffered inbound packets. Runs every tick.
	Drain()
	// Update runs one outbound update pass.
	Update()
}

// Config bounds one tick.
type Config struct {
	FPS int
	// MaxCatchUp caps update passes per tick; extra due passes are
	// dropped and counted. Values below 1 mean 1.
	MaxCatchUp int
}

func DefaultConfig() Config {
	return Config{FPS: DefaultFPS, MaxCatchUp: 1}
}

// Result reports what one tick did.
type Result struct {
	Due     int
	Ran     int
	Skipped int
}

// Scheduler runs Drain every tick and Update once per elapsed interval.
type Scheduler struct {
	acc        *Accumulator
	maxCatchUp int
	step       Step
	total      uint64
}

func New(cfg Config, step Step) *Scheduler {
	s := &Scheduler{
		acc:  NewAccumulator(cfg.FPS),
		step: step,
	}
	s.SetMaxCatchUp(cfg.MaxCatchUp)
	return s
}

func (s *Scheduler) SetFPS(fps int) {
	s.acc.SetFPS(fps)
}

func (s *Scheduler) SetMaxCatchUp(n int) {
	if n < 1 {
		n = 1
	}
	s.maxCatchUp = n
}

func (s *Scheduler) FPS() int {
	return s.acc.FPS()
}

func (s *Scheduler) Interval() time.Duration {
	return s.acc.Interval()
}

// Updates is the number of update passes run so far.
func (s *Scheduler) Updates() uint64 {
	return s.total
}

// Tick drains inbound traffic, then runs the due update passes.
func (s *Scheduler) Tick(dt time.Duration) Result {
	s.step.Drain()
	due := s.acc.Advance(dt)
	ran := due
	if ran > s.maxCatchUp {
		ran = s.maxCatchUp
	}
	for i := 0; i < ran; i++ {
		s.step.Update()
	}
	s.total += uint64(ran)
	res := Result{Due: due, Ran: ran, Skipped: due - ran}
	observability.RecordUpdates(res.Ran, res.Skipped)
	return res
}

// Run ticks on a wall clock until ctx is done. poll sets the tick period;
// zero polls at twice the update rate.
func (s *Scheduler) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = s.acc.Interval() / 2
	}
	return Loop(ctx, poll, func(dt time.Duration) { s.Tick(dt) })
}

// Loop calls tick with the measured elapsed time every poll period until
// ctx is done.
func Loop(ctx context.Context, poll time.Duration, tick func(dt time.Duration)) error {
	if poll <= 0 {
		poll = time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			tick(now.Sub(last))
			last = now
		}
	}
}
