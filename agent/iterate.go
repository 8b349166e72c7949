package agent

import (
	"math"

	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/manifold"
	"go.viam.com/dpgo/robust"
	"go.viam.com/dpgo/solver"
)

// Iterate performs one step of the local estimator. Every RobustOptInnerIters iterations a
// robust agent first refreshes its loop closure weights. When Initialized, the iterate is then
// advanced by a local solve (doOptimization) or, with acceleration, by a free relaxation step
// X := Y. An optimizing iteration recomputes the Status.
func (a *Agent) Iterate(doOptimization bool) {
	iteration := int(a.iterationNumber.Inc())

	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	a.neighborsMu.Lock()
	defer a.neighborsMu.Unlock()

	if a.State() != Initialized {
		return
	}

	if a.shouldUpdateLoopClosureWeights(iteration) {
		a.updateLoopClosureWeightsLocked()
		a.robustCost.Update()
		if !a.params.RobustOptWarmStart && a.xInit != nil {
			a.x = a.xInit.Copy()
			a.logger.Infow("warm start is disabled, resetting trajectory estimate", "iteration", iteration)
		}
		if a.params.Acceleration {
			a.initializeAccelerationLocked()
		}
	}

	a.xPrev = a.x.Copy()
	var success bool
	if a.params.Acceleration {
		a.updateGammaLocked()
		a.updateAlphaLocked()
		a.updateYLocked()
		success = a.updateXLocked(doOptimization, true)
		a.updateVLocked()
		if a.shouldRestart(iteration) {
			a.restartAccelerationLocked(doOptimization)
		}
		a.publishPosesRequested.Store(true)
	} else {
		success = a.updateXLocked(doOptimization, false)
		if doOptimization {
			a.publishPosesRequested.Store(true)
		}
	}

	if !doOptimization {
		return
	}
	relativeChange := lifted.AverageTranslationDistance(a.x, a.xPrev)
	stat := a.poseGraph.Statistics()
	ready := success &&
		relativeChange <= a.params.RelChangeTol &&
		stat.DecidedRatio() >= a.params.RobustOptMinConvergenceRatio
	a.status = Status{
		AgentID:          a.id,
		State:            a.State(),
		InstanceNumber:   a.InstanceNumber(),
		IterationNumber:  iteration,
		ReadyToTerminate: ready,
		RelativeChange:   relativeChange,
	}
	a.logger.Debugw("iteration finished",
		"iteration", iteration,
		"success", success,
		"relative_change", relativeChange,
		"accepted_loop_closures", stat.AcceptedLoopClosures,
		"rejected_loop_closures", stat.RejectedLoopClosures,
		"undecided_loop_closures", stat.UndecidedLoopClosures(),
		"ready_to_terminate", ready,
	)
}

func (a *Agent) shouldUpdateLoopClosureWeights(iteration int) bool {
	return a.params.RobustCost.CostType != robust.L2 && iteration%a.params.RobustOptInnerIters == 0
}

func (a *Agent) shouldRestart(iteration int) bool {
	return a.params.Acceleration && iteration%a.params.RestartInterval == 0
}

// updateXLocked runs one local solve from X, or from Y when accelerated, using the matching
// neighbor cache. It returns false, leaving X untouched, when the data matrices cannot be built.
func (a *Agent) updateXLocked(doOptimization, acceleration bool) bool {
	if !doOptimization {
		if acceleration {
			a.x = a.y.Copy()
		}
		return true
	}
	require(!acceleration || a.params.Acceleration, "updateX", "acceleration is disabled")

	if acceleration {
		a.poseGraph.SetNeighborPoses(a.auxNeighborPoses)
	} else {
		a.poseGraph.SetNeighborPoses(a.neighborPoses)
	}
	problem, err := solver.NewQuadraticProblem(a.poseGraph)
	if err != nil {
		a.logger.Warnw("skipping optimization", "error", err)
		return false
	}

	x0 := a.x
	if acceleration {
		x0 = a.y
	}
	optimizer := solver.NewQuadraticOptimizer(problem, a.params.LocalSolver, a.logger)
	x := optimizer.Optimize(x0.View())
	a.x.SetData(x)
	a.lastResult = optimizer.Result()
	a.logger.Debugw("local solve",
		"df", a.lastResult.FInit-a.lastResult.FOpt,
		"grad_norm_init", a.lastResult.GradNormInit,
		"grad_norm_opt", a.lastResult.GradNormOpt,
	)
	return true
}

func (a *Agent) initializeAccelerationLocked() {
	require(a.params.Acceleration, "initializeAcceleration", "acceleration is disabled")
	if a.State() != Initialized {
		return
	}
	a.xPrev = a.x.Copy()
	a.gamma, a.alpha = 0, 0
	a.v = a.x.Copy()
	a.y = a.x.Copy()
}

func (a *Agent) updateGammaLocked() {
	n := float64(a.params.NumRobots)
	a.gamma = (1 + math.Sqrt(1+4*n*n*a.gamma*a.gamma)) / (2 * n)
}

func (a *Agent) updateAlphaLocked() {
	a.alpha = 1 / (a.gamma * float64(a.params.NumRobots))
}

func (a *Agent) manifoldLocked() *manifold.LiftedSEManifold {
	return manifold.NewLiftedSEManifold(a.params.R, a.params.D, a.x.N())
}

// updateYLocked sets Y to the projection of (1-α)X + αV.
func (a *Agent) updateYLocked() {
	m := a.x.Data()
	m.Scale(1-a.alpha, m)
	v := a.v.Data()
	v.Scale(a.alpha, v)
	m.Add(m, v)
	a.y.SetData(a.manifoldLocked().Project(m))
}

// updateVLocked sets V to the projection of V + γ(X - Y).
func (a *Agent) updateVLocked() {
	m := a.x.Data()
	m.Sub(m, a.y.View())
	m.Scale(a.gamma, m)
	m.Add(m, a.v.View())
	a.v.SetData(a.manifoldLocked().Project(m))
}

func (a *Agent) restartAccelerationLocked(doOptimization bool) {
	a.logger.Debugw("restarting acceleration", "iteration", a.IterationNumber())
	a.x = a.xPrev.Copy()
	a.updateXLocked(doOptimization, false)
	a.v = a.x.Copy()
	a.y = a.x.Copy()
	a.gamma, a.alpha = 0, 0
}

// Acceleration returns the current gamma and alpha of the accelerated scheme.
func (a *Agent) Acceleration() (gamma, alpha float64) {
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	return a.gamma, a.alpha
}

// AuxIterates returns copies of the look-ahead point Y and the momentum point V.
func (a *Agent) AuxIterates() (y, v *lifted.LiftedPoseArray) {
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	return a.y.Copy(), a.v.Copy()
}
