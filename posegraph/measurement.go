package posegraph

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/spatialmath"
)

// RelativeSEMeasurement is a relative pose measurement from pose (R1, P1) to pose (R2, P2).
// Weight is the only field that changes after construction.
type RelativeSEMeasurement struct {
	R1, P1 int
	R2, P2 int

	// R is the measured d×d relative rotation and T the relative translation.
	R *mat.Dense
	T *mat.VecDense

	// Kappa and Tau are the rotational and translational precisions.
	Kappa float64
	Tau   float64

	Weight        float64
	FixedWeight   bool
	IsKnownInlier bool
}

// EdgeID identifies a measurement by its endpoints.
type EdgeID struct {
	Src lifted.PoseID
	Dst lifted.PoseID
}

func (id EdgeID) String() string {
	return fmt.Sprintf("%v -> %v", id.Src, id.Dst)
}

// NewRelativeSEMeasurement returns a measurement with unit weight. Odometry between consecutive
// poses of one robot is marked as fixed-weight.
func NewRelativeSEMeasurement(
	r1, r2, p1, p2 int,
	rotation mat.Matrix,
	translation mat.Vector,
	kappa, tau float64,
) RelativeSEMeasurement {
	rows, cols := rotation.Dims()
	if rows != cols || translation.Len() != rows {
		panic(errors.Errorf("incompatible measurement blocks: rotation %dx%d, translation %d", rows, cols, translation.Len()))
	}
	return RelativeSEMeasurement{
		R1:          r1,
		P1:          p1,
		R2:          r2,
		P2:          p2,
		R:           mat.DenseCopyOf(rotation),
		T:           mat.VecDenseCopyOf(translation),
		Kappa:       kappa,
		Tau:         tau,
		Weight:      1,
		FixedWeight: r1 == r2 && p1+1 == p2,
	}
}

// Dim returns the dimension d of the measurement.
func (m *RelativeSEMeasurement) Dim() int {
	return m.T.Len()
}

// ID returns the endpoints of the measurement.
func (m *RelativeSEMeasurement) ID() EdgeID {
	return EdgeID{Src: lifted.NewPoseID(m.R1, m.P1), Dst: lifted.NewPoseID(m.R2, m.P2)}
}

// Pose returns the measured relative transform.
func (m *RelativeSEMeasurement) Pose() spatialmath.Pose {
	return spatialmath.NewPose(m.R, m.T)
}

// Copy returns a deep copy.
func (m *RelativeSEMeasurement) Copy() RelativeSEMeasurement {
	out := *m
	out.R = mat.DenseCopyOf(m.R)
	out.T = mat.VecDenseCopyOf(m.T)
	return out
}

func (m *RelativeSEMeasurement) String() string {
	return fmt.Sprintf("%v kappa=%g tau=%g weight=%g", m.ID(), m.Kappa, m.Tau, m.Weight)
}

// homogeneous returns the (d+1)×(d+1) matrix [[R t] [0 1]].
func (m *RelativeSEMeasurement) homogeneous() *mat.Dense {
	return m.Pose().Homogeneous()
}

// precision returns the (d+1)×(d+1) diagonal weighting diag(wκ, ..., wκ, wτ).
func (m *RelativeSEMeasurement) precision() *mat.DiagDense {
	d := m.Dim()
	diag := make([]float64, d+1)
	for i := 0; i < d; i++ {
		diag[i] = m.Weight * m.Kappa
	}
	diag[d] = m.Weight * m.Tau
	return mat.NewDiagDense(d+1, diag)
}

// MeasurementError returns κ‖R1·R − R2‖² + τ‖t2 − t1 − R1·t‖² for the given endpoint
// estimates. Rotation blocks may be lifted (r×d) as long as both endpoints share the rank.
func MeasurementError(m *RelativeSEMeasurement, r1 mat.Matrix, t1 mat.Vector, r2 mat.Matrix, t2 mat.Vector) float64 {
	var rotErr mat.Dense
	rotErr.Mul(r1, m.R)
	rotErr.Sub(&rotErr, r2)
	rotationErrorSq := mat.Norm(&rotErr, 2)
	rotationErrorSq *= rotationErrorSq

	var transErr mat.VecDense
	transErr.MulVec(r1, m.T)
	transErr.AddVec(&transErr, t1)
	transErr.SubVec(t2, &transErr)
	translationErrorSq := mat.Dot(&transErr, &transErr)

	return m.Kappa*rotationErrorSq + m.Tau*translationErrorSq
}
