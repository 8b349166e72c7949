package agent

import (
	"context"
	"time"

	"go.viam.com/utils"
	"gonum.org/v1/gonum/stat/distuv"
)

type optimizationLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartOptimizationLoop runs Iterate(true) in the background after exponentially distributed
// delays with mean 1/rate seconds, so that iterations across the team form a Poisson process.
// Starting a loop that is already running does nothing.
func (a *Agent) StartOptimizationLoop(rate float64) error {
	if a.params.Acceleration {
		return ErrAccelerationAsync
	}
	require(rate > 0, "StartOptimizationLoop", "rate must be positive, got %v", rate)

	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.loop != nil {
		a.logger.Debug("optimization loop already running")
		return nil
	}
	a.rate = rate
	ctx, cancel := context.WithCancel(context.Background())
	loop := &optimizationLoop{cancel: cancel, done: make(chan struct{})}
	a.loop = loop
	delays := distuv.Exponential{Rate: rate, Src: a.src}
	a.logger.Infow("starting optimization loop", "rate", rate)
	utils.PanicCapturingGo(func() {
		defer close(loop.done)
		a.runOptimizationLoop(ctx, delays)
	})
	return nil
}

func (a *Agent) runOptimizationLoop(ctx context.Context, delays distuv.Exponential) {
	for {
		timer := a.clock.Timer(time.Duration(delays.Rand() * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		a.Iterate(true)
	}
}

// EndOptimizationLoop stops the background loop and waits for an in-flight iteration to finish.
// It must not be called while holding any agent lock.
func (a *Agent) EndOptimizationLoop() {
	a.loopMu.Lock()
	loop := a.loop
	a.loop = nil
	a.loopMu.Unlock()
	if loop == nil {
		return
	}
	loop.cancel()
	<-loop.done
	a.logger.Info("optimization loop stopped")
}

// IsOptimizationRunning reports whether the background loop is active.
func (a *Agent) IsOptimizationRunning() bool {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	return a.loop != nil
}
