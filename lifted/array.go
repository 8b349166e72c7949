package lifted

import (
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/spatialmath"
)

// LiftedPoseArray is an ordered sequence of n lifted poses stored as a single r×n(d+1) matrix.
// Pose i occupies columns [i(d+1), (i+1)(d+1)). The shape never changes after construction.
type LiftedPoseArray struct {
	r, d, n int
	data    *mat.Dense
}

// NewLiftedPoseArray returns n copies of NewLiftedPose(r, d).
func NewLiftedPoseArray(r, d, n int) *LiftedPoseArray {
	checkRank(r, d)
	if n <= 0 {
		panic(errors.Errorf("lifted pose array must have at least one pose, got %d", n))
	}
	data := mat.NewDense(r, n*(d+1), nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			data.Set(j, i*(d+1)+j, 1)
		}
	}
	return &LiftedPoseArray{r: r, d: d, n: n, data: data}
}

// R returns the relaxation rank.
func (a *LiftedPoseArray) R() int { return a.r }

// D returns the dimension.
func (a *LiftedPoseArray) D() int { return a.d }

// N returns the number of poses.
func (a *LiftedPoseArray) N() int { return a.n }

// Data returns a copy of the packed matrix.
func (a *LiftedPoseArray) Data() *mat.Dense {
	return mat.DenseCopyOf(a.data)
}

// View returns the packed matrix without copying. Callers must not modify it.
func (a *LiftedPoseArray) View() mat.Matrix {
	return a.data
}

// SetData overwrites the packed matrix with a copy of m, which must be r×n(d+1).
func (a *LiftedPoseArray) SetData(m mat.Matrix) {
	rows, cols := m.Dims()
	if rows != a.r || cols != a.n*(a.d+1) {
		panic(errors.Errorf("expected %dx%d pose array data, got %dx%d", a.r, a.n*(a.d+1), rows, cols))
	}
	a.data.Copy(m)
}

// Copy returns a deep copy.
func (a *LiftedPoseArray) Copy() *LiftedPoseArray {
	return &LiftedPoseArray{r: a.r, d: a.d, n: a.n, data: mat.DenseCopyOf(a.data)}
}

func (a *LiftedPoseArray) checkIndex(i int) {
	if i < 0 || i >= a.n {
		panic(errors.Errorf("pose index %d out of range [0, %d)", i, a.n))
	}
}

func (a *LiftedPoseArray) block(i int) *mat.Dense {
	a.checkIndex(i)
	return a.data.Slice(0, a.r, i*(a.d+1), (i+1)*(a.d+1)).(*mat.Dense)
}

// Pose returns a copy of pose i.
func (a *LiftedPoseArray) Pose(i int) LiftedPose {
	return LiftedPose{r: a.r, d: a.d, data: mat.DenseCopyOf(a.block(i))}
}

// SetPose overwrites pose i.
func (a *LiftedPoseArray) SetPose(i int, pose LiftedPose) {
	if pose.r != a.r || pose.d != a.d {
		panic(errors.Errorf("expected lifted pose with r=%d d=%d, got r=%d d=%d", a.r, a.d, pose.r, pose.d))
	}
	a.block(i).Copy(pose.data)
}

// Rotation returns a copy of the r×d rotation block of pose i.
func (a *LiftedPoseArray) Rotation(i int) *mat.Dense {
	return mat.DenseCopyOf(a.block(i).Slice(0, a.r, 0, a.d))
}

// Translation returns a copy of the translation block of pose i.
func (a *LiftedPoseArray) Translation(i int) *mat.VecDense {
	return mat.VecDenseCopyOf(a.block(i).ColView(a.d))
}

// AverageTranslationDistance returns the mean Euclidean distance between corresponding
// translations of two arrays of the same shape.
func AverageTranslationDistance(a, b *LiftedPoseArray) float64 {
	if a.r != b.r || a.d != b.d || a.n != b.n {
		panic(errors.Errorf("cannot compare pose arrays of shape (%d,%d,%d) and (%d,%d,%d)", a.r, a.d, a.n, b.r, b.d, b.n))
	}
	distances := make([]float64, a.n)
	for i := range distances {
		var diff mat.VecDense
		diff.SubVec(a.block(i).ColView(a.d), b.block(i).ColView(b.d))
		distances[i] = mat.Norm(&diff, 2)
	}
	mean, err := stats.Mean(distances)
	if err != nil {
		return 0
	}
	return mean
}

// PoseArray is a trajectory of n ordinary SE(d) poses, i.e. a lifted array with r = d.
type PoseArray struct {
	LiftedPoseArray
}

// NewPoseArray returns n identity poses.
func NewPoseArray(d, n int) *PoseArray {
	return &PoseArray{LiftedPoseArray: *NewLiftedPoseArray(d, d, n)}
}

// NewPoseArrayFromMatrix copies a d×n(d+1) matrix into a pose array.
func NewPoseArrayFromMatrix(m mat.Matrix) *PoseArray {
	d, cols := m.Dims()
	if d <= 0 || cols%(d+1) != 0 {
		panic(errors.Errorf("pose array data must be d x n(d+1), got %dx%d", d, cols))
	}
	out := NewPoseArray(d, cols/(d+1))
	out.SetData(m)
	return out
}

// Copy returns a deep copy.
func (a *PoseArray) Copy() *PoseArray {
	return &PoseArray{LiftedPoseArray: *a.LiftedPoseArray.Copy()}
}

// PoseAt returns pose i as an SE(d) pose.
func (a *PoseArray) PoseAt(i int) spatialmath.Pose {
	return spatialmath.NewPoseFromMatrix(a.block(i))
}

// SetPoseAt overwrites pose i.
func (a *PoseArray) SetPoseAt(i int, pose spatialmath.Pose) {
	if pose.Dim() != a.d {
		panic(errors.Errorf("expected pose of dimension %d, got %d", a.d, pose.Dim()))
	}
	a.block(i).Copy(pose.Matrix())
}
