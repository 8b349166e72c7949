// Package robust implements the robust loop-closure costs used by the agents, with graduated
// non-convexity for truncated least squares, and the robust averaging routines used when
// aligning a robot's frame to a neighbor's.
package robust

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/stat/distuv"
)

// CostType selects the robust cost.
type CostType int

const (
	// L2 is the non-robust least squares cost; every weight is 1.
	L2 CostType = iota
	// Huber is the Huber cost with a fixed threshold.
	Huber
	// GM is the Geman-McClure cost with a fixed scale.
	GM
	// GNCTLS is truncated least squares solved by graduated non-convexity.
	GNCTLS
)

func (c CostType) String() string {
	switch c {
	case L2:
		return "L2"
	case Huber:
		return "Huber"
	case GM:
		return "GM"
	case GNCTLS:
		return "GNC_TLS"
	}
	return "Unknown"
}

// CostTypeFromString parses a cost type name case-insensitively.
func CostTypeFromString(s string) (CostType, error) {
	switch strings.ToUpper(s) {
	case "L2":
		return L2, nil
	case "HUBER":
		return Huber, nil
	case "GM":
		return GM, nil
	case "GNC_TLS", "GNCTLS":
		return GNCTLS, nil
	}
	return L2, errors.Errorf("unknown robust cost type: %q", s)
}

// MarshalJSON encodes the cost type as its name.
func (c CostType) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a cost type name.
func (c *CostType) UnmarshalJSON(data []byte) (err error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c, err = CostTypeFromString(s)
	return
}

// Params configures a Cost.
type Params struct {
	CostType CostType `json:"cost_type"`

	// GNCBarc is the maximum admissible residual of an inlier.
	GNCBarc float64 `json:"gnc_barc"`
	// GNCMuStep multiplies the shape parameter on every Update.
	GNCMuStep float64 `json:"gnc_mu_step"`
	// GNCInitMu is the initial shape parameter; small values make the cost nearly convex.
	GNCInitMu float64 `json:"gnc_init_mu"`
	// GNCMaxNumIters bounds the number of Updates that anneal the shape parameter.
	GNCMaxNumIters int `json:"gnc_max_num_iters"`

	HuberThreshold float64 `json:"huber_threshold"`
	GMScale        float64 `json:"gm_scale"`
}

// DefaultParams returns the parameters of the L2 cost with GNC defaults filled in for when the
// cost type is switched.
func DefaultParams() Params {
	return Params{
		CostType:       L2,
		GNCBarc:        5,
		GNCMuStep:      1.4,
		GNCInitMu:      1e-5,
		GNCMaxNumIters: 100,
		HuberThreshold: 3,
		GMScale:        3,
	}
}

// Validate returns every invalid field under path.
func (p Params) Validate(path string) error {
	var err error
	if p.CostType < L2 || p.CostType > GNCTLS {
		err = multierr.Append(err, errors.Errorf("%s.cost_type is unknown: %d", path, p.CostType))
	}
	switch p.CostType {
	case GNCTLS:
		if p.GNCBarc <= 0 {
			err = multierr.Append(err, errors.Errorf("%s.gnc_barc must be positive, got %g", path, p.GNCBarc))
		}
		if p.GNCMuStep <= 1 {
			err = multierr.Append(err, errors.Errorf("%s.gnc_mu_step must be greater than 1, got %g", path, p.GNCMuStep))
		}
		if p.GNCInitMu <= 0 {
			err = multierr.Append(err, errors.Errorf("%s.gnc_init_mu must be positive, got %g", path, p.GNCInitMu))
		}
		if p.GNCMaxNumIters < 0 {
			err = multierr.Append(err, errors.Errorf("%s.gnc_max_num_iters must be non-negative, got %d", path, p.GNCMaxNumIters))
		}
	case Huber:
		if p.HuberThreshold <= 0 {
			err = multierr.Append(err, errors.Errorf("%s.huber_threshold must be positive, got %g", path, p.HuberThreshold))
		}
	case GM:
		if p.GMScale <= 0 {
			err = multierr.Append(err, errors.Errorf("%s.gm_scale must be positive, got %g", path, p.GMScale))
		}
	case L2:
	}
	return err
}

// Cost maps residuals to weights in [0, 1]. Weights are 1 at zero residual, continuous and
// non-increasing in the residual. For GNCTLS every Update tightens the outlier threshold.
// A Cost is not safe for concurrent use.
type Cost struct {
	params  Params
	mu      float64
	updates int
}

// NewCost returns a cost in its initial shape.
func NewCost(params Params) *Cost {
	c := &Cost{params: params}
	c.Reset()
	return c
}

// Params returns the parameters the cost was built with.
func (c *Cost) Params() Params {
	return c.params
}

// Type returns the cost type.
func (c *Cost) Type() CostType {
	return c.params.CostType
}

// Mu returns the current GNC shape parameter.
func (c *Cost) Mu() float64 {
	return c.mu
}

// NumUpdates returns how many Updates changed the shape parameter since the last Reset.
func (c *Cost) NumUpdates() int {
	return c.updates
}

// Weight returns the weight of a measurement with the given (non-negative) residual.
func (c *Cost) Weight(residual float64) float64 {
	residual = math.Abs(residual)
	switch c.params.CostType {
	case Huber:
		if residual <= c.params.HuberThreshold {
			return 1
		}
		return c.params.HuberThreshold / residual
	case GM:
		s2 := c.params.GMScale * c.params.GMScale
		w := s2 / (s2 + residual*residual)
		return w * w
	case GNCTLS:
		return tlsWeight(residual, c.params.GNCBarc, c.mu)
	case L2:
		return 1
	}
	return 1
}

func tlsWeight(residual, barc, mu float64) float64 {
	r2 := residual * residual
	c2 := barc * barc
	lower := mu / (mu + 1) * c2
	upper := (mu + 1) / mu * c2
	switch {
	case r2 <= lower:
		return 1
	case r2 >= upper:
		return 0
	default:
		w := barc*math.Sqrt(mu*(mu+1))/residual - mu
		return math.Max(0, math.Min(1, w))
	}
}

// Update anneals the cost toward stricter outlier rejection. It is a no-op for costs without a
// schedule and after GNCMaxNumIters updates.
func (c *Cost) Update() {
	if c.params.CostType != GNCTLS || c.updates >= c.params.GNCMaxNumIters {
		return
	}
	c.mu *= c.params.GNCMuStep
	c.updates++
}

// Reset restores the initial shape parameter.
func (c *Cost) Reset() {
	c.mu = c.params.GNCInitMu
	c.updates = 0
}

// Threshold returns the residual beyond which a measurement gets weight 0, or +Inf for costs
// that never reject.
func (c *Cost) Threshold() float64 {
	switch c.params.CostType {
	case GNCTLS:
		return c.params.GNCBarc * math.Sqrt((c.mu+1)/c.mu)
	case L2, Huber, GM:
		return math.Inf(1)
	}
	return math.Inf(1)
}

// ErrorThresholdAtQuantile returns sqrt(chi2inv(quantile, dof)), the residual bound below which a
// fraction quantile of inlier measurements with dof degrees of freedom fall.
func ErrorThresholdAtQuantile(quantile float64, dof int) float64 {
	if quantile <= 0 || quantile >= 1 || dof <= 0 {
		panic(errors.Errorf("invalid chi-squared quantile %g with %d degrees of freedom", quantile, dof))
	}
	return math.Sqrt(distuv.ChiSquared{K: float64(dof)}.Quantile(quantile))
}
