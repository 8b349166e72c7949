package solver

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/logging"
)

// Params configures the Riemannian gradient descent.
type Params struct {
	// MaxIterations bounds the number of gradient steps per Optimize call.
	MaxIterations int `json:"max_iterations"`
	// GradNormTol stops the descent once the Riemannian gradient norm falls below it.
	GradNormTol float64 `json:"grad_norm_tol"`
	// StepScale multiplies the 1/L trial step, where L bounds the curvature of the cost.
	StepScale float64 `json:"step_scale"`
	// SufficientDecrease is the Armijo constant.
	SufficientDecrease float64 `json:"sufficient_decrease"`
	// BacktrackFactor shrinks the trial step after each rejected step.
	BacktrackFactor float64 `json:"backtrack_factor"`
	// MaxBacktracks bounds the number of shrinks before the descent gives up.
	MaxBacktracks int `json:"max_backtracks"`
}

// DefaultParams returns the parameters used for one local step of an agent.
func DefaultParams() Params {
	return Params{
		MaxIterations:      10,
		GradNormTol:        1e-2,
		StepScale:          1,
		SufficientDecrease: 1e-4,
		BacktrackFactor:    0.5,
		MaxBacktracks:      20,
	}
}

// Validate returns every invalid field under path.
func (p Params) Validate(path string) error {
	var err error
	if p.MaxIterations <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.max_iterations must be positive, got %d", path, p.MaxIterations))
	}
	if p.GradNormTol < 0 {
		err = multierr.Append(err, errors.Errorf("%s.grad_norm_tol must be non-negative, got %g", path, p.GradNormTol))
	}
	if p.StepScale <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.step_scale must be positive, got %g", path, p.StepScale))
	}
	if p.SufficientDecrease <= 0 || p.SufficientDecrease >= 1 {
		err = multierr.Append(err, errors.Errorf("%s.sufficient_decrease must be in (0, 1), got %g", path, p.SufficientDecrease))
	}
	if p.BacktrackFactor <= 0 || p.BacktrackFactor >= 1 {
		err = multierr.Append(err, errors.Errorf("%s.backtrack_factor must be in (0, 1), got %g", path, p.BacktrackFactor))
	}
	if p.MaxBacktracks < 0 {
		err = multierr.Append(err, errors.Errorf("%s.max_backtracks must be non-negative, got %d", path, p.MaxBacktracks))
	}
	return err
}

// Result describes the last Optimize call. It is diagnostic only.
type Result struct {
	FInit        float64
	FOpt         float64
	GradNormInit float64
	GradNormOpt  float64
	Elapsed      time.Duration
	Iterations   int
}

// QuadraticOptimizer runs Riemannian gradient descent with Armijo backtracking on a
// QuadraticProblem.
type QuadraticOptimizer struct {
	problem *QuadraticProblem
	params  Params
	logger  logging.Logger
	result  Result
}

// NewQuadraticOptimizer returns an optimizer for problem.
func NewQuadraticOptimizer(problem *QuadraticProblem, params Params, logger logging.Logger) *QuadraticOptimizer {
	return &QuadraticOptimizer{problem: problem, params: params, logger: logger}
}

// Result returns the statistics of the last Optimize call.
func (o *QuadraticOptimizer) Result() Result {
	return o.result
}

// Optimize descends from x0, which must lie on the manifold, and returns the final iterate.
// x0 is not modified.
func (o *QuadraticOptimizer) Optimize(x0 mat.Matrix) *mat.Dense {
	start := time.Now()
	m := o.problem.Manifold()
	x := mat.DenseCopyOf(x0)
	f := o.problem.Cost(x)
	grad := o.problem.RiemannianGradient(x)
	gradNorm := mat.Norm(grad, 2)
	o.result = Result{FInit: f, GradNormInit: gradNorm}

	lipschitz := o.problem.LipschitzBound()
	if lipschitz <= 0 {
		lipschitz = 1
	}
	initialStep := o.params.StepScale / lipschitz

	iter := 0
	for ; iter < o.params.MaxIterations && gradNorm > o.params.GradNormTol; iter++ {
		step := initialStep
		accepted := false
		var next *mat.Dense
		var fNext float64
		for backtrack := 0; backtrack <= o.params.MaxBacktracks; backtrack++ {
			var v mat.Dense
			v.Scale(-step, grad)
			next = m.Retract(x, &v)
			fNext = o.problem.Cost(next)
			if f-fNext >= o.params.SufficientDecrease*step*gradNorm*gradNorm {
				accepted = true
				break
			}
			step *= o.params.BacktrackFactor
		}
		if !accepted {
			o.logger.Debugw("line search failed", "iteration", iter, "grad_norm", gradNorm)
			break
		}
		x, f = next, fNext
		grad = o.problem.RiemannianGradient(x)
		gradNorm = mat.Norm(grad, 2)
	}

	o.result.FOpt = f
	o.result.GradNormOpt = gradNorm
	o.result.Iterations = iter
	o.result.Elapsed = time.Since(start)
	if math.IsNaN(f) {
		o.logger.Warnw("optimization produced NaN cost", "f_init", o.result.FInit)
	}
	o.logger.Debugw("optimization finished",
		"iterations", iter,
		"f_init", o.result.FInit,
		"f_opt", o.result.FOpt,
		"grad_norm_init", o.result.GradNormInit,
		"grad_norm_opt", o.result.GradNormOpt,
		"elapsed", o.result.Elapsed,
	)
	return x
}
