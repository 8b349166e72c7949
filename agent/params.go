package agent

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/dpgo/robust"
	"go.viam.com/dpgo/solver"
)

// Params configures one agent. All agents of a team share the same values except for logging.
type Params struct {
	// D is the dimension of the poses and R the relaxation rank.
	D int `json:"d"`
	R int `json:"r"`
	// NumRobots is the team size; it scales the acceleration schedule and bounds termination.
	NumRobots int `json:"num_robots"`

	Acceleration    bool `json:"acceleration"`
	RestartInterval int  `json:"restart_interval"`

	// MultiRobotInitialization makes non-anchor agents wait for a neighbor before they are
	// expressed in the global frame.
	MultiRobotInitialization bool `json:"multirobot_initialization"`
	RobustInitMinInliers     int  `json:"robust_init_min_inliers"`

	// RobustOptInnerIters is the number of iterations between loop closure weight updates.
	RobustOptInnerIters          int     `json:"robust_opt_inner_iters"`
	RobustOptWarmStart           bool    `json:"robust_opt_warm_start"`
	RobustOptMinConvergenceRatio float64 `json:"robust_opt_min_convergence_ratio"`

	RelChangeTol float64 `json:"rel_change_tol"`
	MaxNumIters  int     `json:"max_num_iters"`

	LogData      bool   `json:"log_data"`
	LogDirectory string `json:"log_directory"`

	RobustCost  robust.Params `json:"robust_cost"`
	LocalSolver solver.Params `json:"local_solver"`
}

// DefaultParams returns the parameters of a non-accelerated L2 team of numRobots agents.
func DefaultParams(d, r, numRobots int) Params {
	return Params{
		D:                            d,
		R:                            r,
		NumRobots:                    numRobots,
		RestartInterval:              30,
		MultiRobotInitialization:     true,
		RobustInitMinInliers:         2,
		RobustOptInnerIters:          30,
		RobustOptWarmStart:           true,
		RobustOptMinConvergenceRatio: 0.8,
		RelChangeTol:                 5e-3,
		MaxNumIters:                  1000,
		RobustCost:                   robust.DefaultParams(),
		LocalSolver:                  solver.DefaultParams(),
	}
}

// Validate returns every invalid field under path.
func (p Params) Validate(path string) error {
	var err error
	if p.D != 2 && p.D != 3 {
		err = multierr.Append(err, errors.Errorf("%s.d must be 2 or 3, got %d", path, p.D))
	}
	if p.R < p.D {
		err = multierr.Append(err, errors.Errorf("%s.r must be at least d=%d, got %d", path, p.D, p.R))
	}
	if p.NumRobots <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.num_robots must be positive, got %d", path, p.NumRobots))
	}
	if p.Acceleration && p.RestartInterval <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.restart_interval must be positive, got %d", path, p.RestartInterval))
	}
	if p.RobustInitMinInliers < 0 {
		err = multierr.Append(err, errors.Errorf("%s.robust_init_min_inliers must be non-negative, got %d", path, p.RobustInitMinInliers))
	}
	if p.RobustCost.CostType != robust.L2 && p.RobustOptInnerIters <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.robust_opt_inner_iters must be positive, got %d", path, p.RobustOptInnerIters))
	}
	if p.RobustOptMinConvergenceRatio < 0 || p.RobustOptMinConvergenceRatio > 1 {
		err = multierr.Append(err, errors.Errorf(
			"%s.robust_opt_min_convergence_ratio must be in [0, 1], got %g", path, p.RobustOptMinConvergenceRatio))
	}
	if p.RelChangeTol < 0 {
		err = multierr.Append(err, errors.Errorf("%s.rel_change_tol must be non-negative, got %g", path, p.RelChangeTol))
	}
	if p.MaxNumIters <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.max_num_iters must be positive, got %d", path, p.MaxNumIters))
	}
	if p.LogData && p.LogDirectory == "" {
		err = multierr.Append(err, errors.Errorf("%s.log_directory is required when log_data is set", path))
	}
	return multierr.Combine(
		err,
		p.RobustCost.Validate(path+".robust_cost"),
		p.LocalSolver.Validate(path+".local_solver"),
	)
}
