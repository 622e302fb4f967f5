package scheduler

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

type countingStep struct {
	drains  int
	updates int
	order   []string
}

func (c *countingStep) Drain() {
	c.drains++
	c.order = append(c.order, "drain")
}

func (c *countingStep) Update() {
	c.updates++
	c.order = append(c.order, "update")
}

func TestAccumulatorIsAssociative(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(9))
	for _, fps := range []int{1, 7, 30, 60, 144} {
		for trial := 0; trial < 50; trial++ {
			a := NewAccumulator(fps)
			k := 1 + rng.Intn(40)
			total := time.Duration(k) * a.Interval()
			fired := 0
			remaining := total
			for remaining > 0 {
				dt := time.Duration(rng.Int63n(int64(remaining))) + 1
				if trial%5 == 0 {
					dt = remaining
				}
				fired += a.Advance(dt)
				remaining -= dt
			}
			if fired != k {
				t.Fatalf("fps=%d trial=%d: fired %d, want %d", fps, trial, fired, k)
			}
			if a.Pending() != 0 {
				t.Fatalf("fps=%d trial=%d: remainder %v after exact intervals", fps, trial, a.Pending())
			}
		}
	}
}

func TestAccumulatorCarriesRemainder(t *testing.T) {
	testlog.Start(t)
	a := NewAccumulator(10)
	if n := a.Advance(250 * time.Millisecond); n != 2 {
		t.Fatalf("expected 2 intervals, got %d", n)
	}
	if a.Pending() != 50*time.Millisecond {
		t.Fatalf("expected 50ms carried, got %v", a.Pending())
	}
	if n := a.Advance(50 * time.Millisecond); n != 1 {
		t.Fatalf("carried remainder must complete the next interval, got %d", n)
	}
}

func TestFPSClampsToMinimum(t *testing.T) {
	testlog.Start(t)
	a := NewAccumulator(0)
	if a.FPS() != MinFPS || a.Interval() != time.Second {
		t.Fatalf("expected 1 Hz floor, got %d Hz %v", a.FPS(), a.Interval())
	}
	if NewAccumulator(-5).FPS() != MinFPS {
		t.Fatalf("negative fps must clamp")
	}
}

func TestTickAlwaysDrainsBeforeUpdating(t *testing.T) {
	testlog.Start(t)
	step := &countingStep{}
	s := New(Config{FPS: 10, MaxCatchUp: 1}, step)

	s.Tick(30 * time.Millisecond)
	if step.drains != 1 || step.updates != 0 {
		t.Fatalf("partial interval must drain without updating: %+v", step)
	}
	res := s.Tick(270 * time.Millisecond)
	if res.Due != 3 || res.Ran != 1 || res.Skipped != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if step.order[1] != "drain" || step.order[2] != "update" {
		t.Fatalf("drain must precede update: %v", step.order)
	}

	s.SetMaxCatchUp(5)
	res = s.Tick(300 * time.Millisecond)
	if res.Ran != 3 || s.Updates() != 4 {
		t.Fatalf("expected catch-up of 3, got %+v total=%d", res, s.Updates())
	}
}

func TestDefaultCatchUpRunsOnePassPerLongTick(t *testing.T) {
	testlog.Start(t)
	for _, k := range []int{1, 2, 5, 17} {
		step := &countingStep{}
		s := New(DefaultConfig(), step)
		res := s.Tick(time.Duration(k) * s.Interval())
		if res.Due != k || res.Ran != 1 || res.Skipped != k-1 {
			t.Fatalf("k=%d: expected one pass with %d skipped, got %+v", k, k-1, res)
		}
		// skipped passes are dropped, not deferred
		if res := s.Tick(s.Interval() / 2); res.Due != 0 || step.updates != 1 {
			t.Fatalf("k=%d: skipped passes must not run later: %+v updates=%d", k, res, step.updates)
		}

		uncapped := &countingStep{}
		u := New(Config{FPS: DefaultFPS, MaxCatchUp: k}, uncapped)
		if res := u.Tick(time.Duration(k) * u.Interval()); res.Ran != k || uncapped.updates != k {
			t.Fatalf("k=%d: catch-up of k must run every pass: %+v", k, res)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	step := &countingStep{}
	s := New(Config{FPS: 200}, step)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx, time.Millisecond); err != nil {
		t.Fatalf("run: %v", err)
	}
	if step.drains == 0 {
		t.Fatalf("expected ticks before cancel")
	}
}

func TestNextBackoffDelayDeterministicWithoutJitter(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultBackoff()
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}
