package unit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Payload tokens understood by Simulated.
const (
	// StallToken makes the second step block, ignoring stops, for StallFor.
	StallToken = "#stall"
	// FailToken makes the work fault halfway through.
	FailToken = "#fail"
)

// Simulated is placeholder work: a random number of fixed-length steps, each
// reporting (step*100/steps)% when it ends. Stops are honoured between steps.
type Simulated struct {
	MinSteps, MaxSteps int
	MinDelay, MaxDelay time.Duration
	StallFor           time.Duration

	// Intn returns a value in [0,n). Nil uses math/rand/v2.
	Intn func(n int) int
	// Sleep blocks for d. Nil uses time.Sleep.
	Sleep func(d time.Duration)
}

func (s Simulated) intn(n int) int {
	if n <= 1 {
		return 0
	}
	if s.Intn != nil {
		return s.Intn(n)
	}
	return rand.IntN(n)
}

func (s Simulated) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Run implements Work.
func (s Simulated) Run(ctx context.Context, payload string, report Reporter) error {
	minSteps := max(s.MinSteps, 1)
	maxSteps := max(s.MaxSteps, minSteps)
	steps := minSteps + s.intn(maxSteps-minSteps+1)

	stall := strings.Contains(payload, StallToken)
	failAt := -1
	if strings.Contains(payload, FailToken) {
		failAt = steps / 2
	}

	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i == failAt {
			return fmt.Errorf("simulated fault at step %d/%d", i+1, steps)
		}
		if stall && i == min(1, steps-1) {
			s.sleep(s.StallFor)
		} else {
			s.sleep(s.stepDelay())
		}
		report.Progress((i+1)*100/steps, fmt.Sprintf("processing step %d/%d", i+1, steps))
	}
	return nil
}

func (s Simulated) stepDelay() time.Duration {
	lo := max(s.MinDelay, 0)
	hi := max(s.MaxDelay, lo)
	if hi == lo {
		return lo
	}
	return lo + time.Duration(s.intn(int(hi-lo)+1))
}
