// Package spatialmath defines the rigid-body and rotation-group primitives used by pose-graph
// optimization: SE(d) poses, projections onto SO(d) and Stiefel manifolds, and conversions from
// the quaternion/vector representations found in graph files.
package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is an element of SE(d): a rotation in SO(d) and a translation in R^d.
// Poses are values; every accessor returns a copy.
type Pose struct {
	d           int
	rotation    *mat.Dense
	translation *mat.VecDense
}

// NewIdentityPose returns the identity element of SE(d).
func NewIdentityPose(d int) Pose {
	if d <= 0 {
		panic(errors.Errorf("pose dimension must be positive, got %d", d))
	}
	rotation := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		rotation.Set(i, i, 1)
	}
	return Pose{d: d, rotation: rotation, translation: mat.NewVecDense(d, nil)}
}

// NewPose builds a pose from a d×d rotation and a length-d translation.
func NewPose(rotation mat.Matrix, translation mat.Vector) Pose {
	rows, cols := rotation.Dims()
	if rows != cols || translation.Len() != rows {
		panic(errors.Errorf("incompatible pose blocks: rotation %dx%d, translation %d", rows, cols, translation.Len()))
	}
	return Pose{d: rows, rotation: mat.DenseCopyOf(rotation), translation: mat.VecDenseCopyOf(translation)}
}

// NewPoseFromMatrix builds a pose from a d×(d+1) matrix [R | t].
func NewPoseFromMatrix(m mat.Matrix) Pose {
	rows, cols := m.Dims()
	if cols != rows+1 {
		panic(errors.Errorf("pose matrix must be d x (d+1), got %dx%d", rows, cols))
	}
	dense := mat.DenseCopyOf(m)
	rotation := mat.DenseCopyOf(dense.Slice(0, rows, 0, rows))
	translation := mat.VecDenseCopyOf(dense.ColView(rows))
	return Pose{d: rows, rotation: rotation, translation: translation}
}

// NewPoseFromR3 builds a 3D pose from a quaternion and a translation vector.
func NewPoseFromR3(q quat.Number, pt r3.Vector) Pose {
	return NewPose(RotationMatrixFromQuaternion(q), mat.NewVecDense(3, []float64{pt.X, pt.Y, pt.Z}))
}

// NewPose2D builds a planar pose from a heading angle in radians and a translation.
func NewPose2D(theta, x, y float64) Pose {
	return NewPose(RotationMatrix2D(theta), mat.NewVecDense(2, []float64{x, y}))
}

// Dim returns the dimension d of the pose.
func (p Pose) Dim() int {
	return p.d
}

// Rotation returns a copy of the rotation block.
func (p Pose) Rotation() *mat.Dense {
	return mat.DenseCopyOf(p.rotation)
}

// Translation returns a copy of the translation block.
func (p Pose) Translation() *mat.VecDense {
	return mat.VecDenseCopyOf(p.translation)
}

// Matrix returns the pose as a d×(d+1) matrix [R | t].
func (p Pose) Matrix() *mat.Dense {
	m := mat.NewDense(p.d, p.d+1, nil)
	m.Slice(0, p.d, 0, p.d).(*mat.Dense).Copy(p.rotation)
	m.SetCol(p.d, p.translation.RawVector().Data)
	return m
}

// Homogeneous returns the pose as a (d+1)×(d+1) homogeneous transform.
func (p Pose) Homogeneous() *mat.Dense {
	h := mat.NewDense(p.d+1, p.d+1, nil)
	h.Slice(0, p.d, 0, p.d+1).(*mat.Dense).Copy(p.Matrix())
	h.Set(p.d, p.d, 1)
	return h
}

// Compose returns p * other, i.e. the transform that applies other first.
func (p Pose) Compose(other Pose) Pose {
	if p.d != other.d {
		panic(errors.Errorf("cannot compose poses of dimension %d and %d", p.d, other.d))
	}
	var rotation mat.Dense
	rotation.Mul(p.rotation, other.rotation)
	var translation mat.VecDense
	translation.MulVec(p.rotation, other.translation)
	translation.AddVec(&translation, p.translation)
	return Pose{d: p.d, rotation: &rotation, translation: &translation}
}

// Inverse returns the inverse transform.
func (p Pose) Inverse() Pose {
	var rotation mat.Dense
	rotation.CloneFrom(p.rotation.T())
	var translation mat.VecDense
	translation.MulVec(&rotation, p.translation)
	translation.ScaleVec(-1, &translation)
	return Pose{d: p.d, rotation: &rotation, translation: &translation}
}

// TranslationDistance returns the Euclidean distance between the translations of two poses.
func (p Pose) TranslationDistance(other Pose) float64 {
	var diff mat.VecDense
	diff.SubVec(p.translation, other.translation)
	return mat.Norm(&diff, 2)
}

// AlmostEqual reports whether two poses agree element-wise to within tol.
func (p Pose) AlmostEqual(other Pose, tol float64) bool {
	return p.d == other.d &&
		mat.EqualApprox(p.rotation, other.rotation, tol) &&
		mat.EqualApprox(p.translation, other.translation, tol)
}

func (p Pose) String() string {
	return fmt.Sprintf("Pose{R: %v, t: %v}", mat.Formatted(p.rotation, mat.Squeeze()), mat.Formatted(p.translation.T(), mat.Squeeze()))
}
