package spatialmath

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// RotationTolerance is the largest determinant or orthogonality error tolerated before a matrix is
// reported as an invalid rotation.
const RotationTolerance = 1e-5

// RotationMatrix2D returns the planar rotation by theta radians.
func RotationMatrix2D(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(2, 2, []float64{c, -s, s, c})
}

// RotationMatrixFromQuaternion converts a quaternion to a 3×3 rotation matrix. The quaternion is
// normalized first.
func RotationMatrixFromQuaternion(q quat.Number) *mat.Dense {
	norm := quat.Abs(q)
	if norm == 0 {
		return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	}
	q = quat.Scale(1/norm, q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
}

// ProjectToRotationGroup returns the element of SO(d) closest to m in the Frobenius norm.
func ProjectToRotationGroup(m mat.Matrix) *mat.Dense {
	rows, cols := m.Dims()
	if rows != cols {
		panic(errors.Errorf("cannot project a %dx%d matrix to a rotation group", rows, cols))
	}
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		panic(errors.New("failed to factorize matrix for rotation projection"))
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	if mat.Det(&u)*mat.Det(&v) < 0 {
		for i := 0; i < rows; i++ {
			u.Set(i, cols-1, -u.At(i, cols-1))
		}
	}
	var out mat.Dense
	out.Mul(&u, v.T())
	return &out
}

// ProjectToStiefelManifold returns the r×d matrix with orthonormal columns closest to m (r >= d).
func ProjectToStiefelManifold(m mat.Matrix) *mat.Dense {
	r, d := m.Dims()
	if r < d {
		panic(errors.Errorf("cannot project a %dx%d matrix to a Stiefel manifold", r, d))
	}
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		panic(errors.New("failed to factorize matrix for Stiefel projection"))
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var out mat.Dense
	out.Mul(&u, v.T())
	return &out
}

// CheckRotationMatrix returns an error when r deviates from SO(d) by more than RotationTolerance in
// determinant or orthogonality. Callers treat this as a warning.
func CheckRotationMatrix(r mat.Matrix) error {
	rows, cols := r.Dims()
	if rows != cols {
		return errors.Errorf("rotation must be square, got %dx%d", rows, cols)
	}
	errDet := math.Abs(mat.Det(r) - 1)
	errNorm := orthogonalityError(r)
	if errDet > RotationTolerance || errNorm > RotationTolerance {
		return errors.Errorf("invalid rotation: err_det=%g, err_norm=%g", errDet, errNorm)
	}
	return nil
}

// CheckStiefelMatrix returns an error when the columns of y are not orthonormal to within
// RotationTolerance.
func CheckStiefelMatrix(y mat.Matrix) error {
	if errNorm := orthogonalityError(y); errNorm > RotationTolerance {
		return errors.Errorf("invalid Stiefel element: err_norm=%g", errNorm)
	}
	return nil
}

// orthogonalityError is ||YᵀY - I||_F.
func orthogonalityError(y mat.Matrix) float64 {
	_, cols := y.Dims()
	var gram mat.Dense
	gram.Mul(y.T(), y)
	for i := 0; i < cols; i++ {
		gram.Set(i, i, gram.At(i, i)-1)
	}
	return mat.Norm(&gram, 2)
}

// AngularToChordalSO3 converts an angular distance on SO(3) to the equivalent chordal
// (Frobenius) distance.
func AngularToChordalSO3(rad float64) float64 {
	return 2 * math.Sqrt2 * math.Sin(rad/2)
}

// ChordalDistance returns ||r1 - r2||_F.
func ChordalDistance(r1, r2 mat.Matrix) float64 {
	var diff mat.Dense
	diff.Sub(r1, r2)
	return mat.Norm(&diff, 2)
}
