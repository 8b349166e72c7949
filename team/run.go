package team

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/dpgo/agent"
)

// Result summarizes a run.
type Result struct {
	Rounds     int
	Terminated bool
	Elapsed    time.Duration
	Statuses   map[int]agent.Status
}

func (t *Team) shouldTerminate() bool {
	for _, a := range t.agents {
		if !a.ShouldTerminate() {
			return false
		}
	}
	return true
}

// RunSync runs at most maxRounds synchronous rounds. In each round every agent iterates
// concurrently but only one, chosen round-robin, performs a local solve; the others only advance
// their accelerated iterate. A round ends with an Exchange.
func (t *Team) RunSync(ctx context.Context, maxRounds int) (Result, error) {
	start := t.clock.Now()
	result := Result{}
	for result.Rounds < maxRounds {
		selected := result.Rounds % len(t.agents)
		g, gctx := errgroup.WithContext(ctx)
		for _, a := range t.agents {
			a := a
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				a.Iterate(a.ID() == selected)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			result.Elapsed = t.clock.Since(start)
			result.Statuses = t.Statuses()
			return result, err
		}
		result.Rounds++
		t.Exchange()
		if t.shouldTerminate() {
			result.Terminated = true
			break
		}
	}
	result.Elapsed = t.clock.Since(start)
	result.Statuses = t.Statuses()
	t.logger.Infow("synchronous run finished",
		"rounds", result.Rounds,
		"terminated", result.Terminated,
		"ready", agent.ReadyCount(result.Statuses),
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// RunAsync starts every agent's optimization loop at rate iterations per second and exchanges
// data every exchangePeriod until the team terminates or ctx is done. Loops are always stopped
// before returning. Rounds counts exchanges.
func (t *Team) RunAsync(ctx context.Context, rate float64, exchangePeriod time.Duration) (Result, error) {
	if t.params.Acceleration {
		return Result{}, agent.ErrAccelerationAsync
	}
	if exchangePeriod <= 0 {
		return Result{}, errors.Errorf("exchange period must be positive, got %v", exchangePeriod)
	}
	start := t.clock.Now()
	defer func() {
		for _, a := range t.agents {
			a.EndOptimizationLoop()
		}
	}()
	for _, a := range t.agents {
		if err := a.StartOptimizationLoop(rate); err != nil {
			return Result{}, err
		}
	}

	ticker := t.clock.Ticker(exchangePeriod)
	defer ticker.Stop()
	result := Result{}
	var err error
	for !result.Terminated && err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-ticker.C:
			result.Rounds++
			t.Exchange()
			result.Terminated = t.shouldTerminate()
		}
	}
	result.Elapsed = t.clock.Since(start)
	result.Statuses = t.Statuses()
	t.logger.Infow("asynchronous run finished",
		"exchanges", result.Rounds,
		"terminated", result.Terminated,
		"ready", agent.ReadyCount(result.Statuses),
		"elapsed", result.Elapsed,
	)
	return result, err
}
