// Package initialization computes a first estimate of one robot's trajectory in its own frame,
// either by chaining odometry or by chordal relaxation over all local measurements.
package initialization

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/posegraph"
	"go.viam.com/dpgo/spatialmath"
)

// Odometry chains the odometry measurements from the identity at pose 0. Poses without an
// incoming odometry edge repeat their predecessor.
func Odometry(d, n int, odometry []posegraph.RelativeSEMeasurement) *lifted.PoseArray {
	steps := make(map[int]spatialmath.Pose, len(odometry))
	for i := range odometry {
		m := &odometry[i]
		if m.Dim() != d {
			panic(errors.Errorf("expected odometry of dimension %d, got %d", d, m.Dim()))
		}
		if m.R1 != m.R2 || m.P1+1 != m.P2 {
			panic(errors.Errorf("measurement %v is not odometry", m.ID()))
		}
		steps[m.P1] = m.Pose()
	}

	out := lifted.NewPoseArray(d, n)
	current := spatialmath.NewIdentityPose(d)
	for i := 1; i < n; i++ {
		if step, ok := steps[i-1]; ok {
			current = current.Compose(step)
		}
		out.SetPoseAt(i, current)
	}
	return out
}

// Settings controls the iterative chordal solves, used when a graph leaves some pose
// unconstrained.
type Settings struct {
	GradientThreshold float64
	MajorIterations   int
}

// DefaultSettings returns the iterative solve limits.
func DefaultSettings() Settings {
	return Settings{GradientThreshold: 1e-10, MajorIterations: 10000}
}

// Chordal relaxes rotations to unconstrained d×d matrices, solves the resulting linear least
// squares problem with pose 0 fixed at the identity, projects each block onto SO(d) and then
// solves for translations with the rotations held fixed. Each stage is solved exactly through its
// normal equations; when those are singular it is minimized with LBFGS starting from odometry.
func Chordal(d, n int, measurements []posegraph.RelativeSEMeasurement, settings Settings) (*lifted.PoseArray, error) {
	var odometry []posegraph.RelativeSEMeasurement
	for _, m := range measurements {
		if m.R1 != m.R2 {
			return nil, errors.Errorf("measurement %v is not local", m.ID())
		}
		if m.P1 >= n || m.P2 >= n {
			return nil, errors.Errorf("measurement %v references a pose beyond %d", m.ID(), n)
		}
		if m.P1+1 == m.P2 {
			odometry = append(odometry, m)
		}
	}
	sort.Slice(odometry, func(i, j int) bool { return odometry[i].P1 < odometry[j].P1 })
	out := Odometry(d, n, odometry)
	if n <= 1 {
		return out, nil
	}

	rotations, err := solveRotations(d, n, measurements, out, settings)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		rotation := mat.NewDense(d, d, rotations[i*d*d:(i+1)*d*d])
		out.SetPoseAt(i, spatialmath.NewPose(spatialmath.ProjectToRotationGroup(rotation), out.Translation(i)))
	}

	translations, err := solveTranslations(d, n, measurements, out, settings)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		out.SetPoseAt(i, spatialmath.NewPose(out.Rotation(i), mat.NewVecDense(d, translations[i*d:(i+1)*d])))
	}
	return out, nil
}

func minimize(name string, problem optimize.Problem, x0 []float64, settings Settings) ([]float64, error) {
	result, err := optimize.Minimize(problem, x0, &optimize.Settings{
		GradientThreshold: settings.GradientThreshold,
		MajorIterations:   settings.MajorIterations,
	}, &optimize.LBFGS{})
	if err != nil {
		if result == nil {
			return nil, errors.Wrapf(err, "chordal %s", name)
		}
		// an exhausted budget or a stalled line search still leaves a usable estimate
		if result.Status != optimize.IterationLimit && result.F >= problem.Func(x0) {
			return nil, errors.Wrapf(err, "chordal %s", name)
		}
	}
	return result.X, nil
}

// normalEquations is a linear least squares system whose unknowns are one d-vector per pose, with
// pose 0 held fixed and therefore left out of H.
type normalEquations struct {
	d int
	h *mat.Dense
	b *mat.Dense
}

func newNormalEquations(d, n, columns int) *normalEquations {
	size := (n - 1) * d
	return &normalEquations{d: d, h: mat.NewDense(size, size, nil), b: mat.NewDense(size, columns, nil)}
}

func (ne *normalEquations) addH(i, j int, block mat.Matrix, scale float64) {
	if i == 0 || j == 0 {
		return
	}
	d := ne.d
	view := ne.h.Slice((i-1)*d, i*d, (j-1)*d, j*d).(*mat.Dense)
	var scaled mat.Dense
	scaled.Scale(scale, block)
	view.Add(view, &scaled)
}

func (ne *normalEquations) addB(i int, block mat.Matrix, scale float64) {
	if i == 0 {
		return
	}
	d := ne.d
	_, columns := ne.b.Dims()
	view := ne.b.Slice((i-1)*d, i*d, 0, columns).(*mat.Dense)
	var scaled mat.Dense
	scaled.Scale(scale, block)
	view.Add(view, &scaled)
}

// addEdge adds the residual x_j - A·x_i weighted by c.
func (ne *normalEquations) addEdge(i, j int, a mat.Matrix, c float64) {
	var ata mat.Dense
	ata.Mul(a.T(), a)
	ne.addH(j, j, identity(ne.d), c)
	ne.addH(i, i, &ata, c)
	ne.addH(i, j, a.T(), -c)
	ne.addH(j, i, a, -c)
}

// solve returns the solution, or false when H is not positive definite.
func (ne *normalEquations) solve() (*mat.Dense, bool) {
	size, _ := ne.h.Dims()
	var chol mat.Cholesky
	if !chol.Factorize(mat.NewSymDense(size, ne.h.RawMatrix().Data)) {
		return nil, false
	}
	var x mat.Dense
	if err := chol.SolveTo(&x, ne.b); err != nil {
		return nil, false
	}
	return &x, true
}

func identity(d int) *mat.DiagDense {
	ones := make([]float64, d)
	for i := range ones {
		ones[i] = 1
	}
	return mat.NewDiagDense(d, ones)
}

// exactRotations solves the rotation stage row by row: row a of every Ri is an unknown vector,
// and all rows share H. Pose 0 contributes the unit vectors e_a to the right-hand sides.
func exactRotations(d, n int, measurements []posegraph.RelativeSEMeasurement) ([]float64, bool) {
	ne := newNormalEquations(d, n, d)
	for k := range measurements {
		m := &measurements[k]
		if m.P1 == m.P2 {
			continue
		}
		c := m.Weight * m.Kappa
		a := m.R.T()
		ne.addEdge(m.P1, m.P2, a, c)
		if m.P1 == 0 {
			ne.addB(m.P2, a, c)
		}
		if m.P2 == 0 {
			ne.addB(m.P1, a.T(), c)
		}
	}
	x, ok := ne.solve()
	if !ok {
		return nil, false
	}
	size := d * d
	out := make([]float64, n*size)
	for a := 0; a < d; a++ {
		out[a*d+a] = 1
	}
	for i := 1; i < n; i++ {
		for a := 0; a < d; a++ {
			for b := 0; b < d; b++ {
				out[i*size+a*d+b] = x.At((i-1)*d+b, a)
			}
		}
	}
	return out, true
}

// exactTranslations solves the translation stage with t0 = 0.
func exactTranslations(d, n int, measurements []posegraph.RelativeSEMeasurement, rotated []*mat.VecDense) ([]float64, bool) {
	ne := newNormalEquations(d, n, 1)
	eye := identity(d)
	for k := range measurements {
		m := &measurements[k]
		if m.P1 == m.P2 {
			continue
		}
		c := m.Weight * m.Tau
		ne.addEdge(m.P1, m.P2, eye, c)
		ne.addB(m.P2, rotated[k], c)
		ne.addB(m.P1, rotated[k], -c)
	}
	x, ok := ne.solve()
	if !ok {
		return nil, false
	}
	out := make([]float64, n*d)
	for i := 1; i < n; i++ {
		for a := 0; a < d; a++ {
			out[i*d+a] = x.At((i-1)*d+a, 0)
		}
	}
	return out, true
}

// solveRotations minimizes Σ wκ‖Rj − Ri·Rij‖² over the rotation blocks, packed row-major.
func solveRotations(d, n int, measurements []posegraph.RelativeSEMeasurement, init *lifted.PoseArray, settings Settings) ([]float64, error) {
	if x, ok := exactRotations(d, n, measurements); ok {
		return x, nil
	}
	size := d * d
	x0 := make([]float64, n*size)
	for i := 0; i < n; i++ {
		rotation := init.Rotation(i)
		for a := 0; a < d; a++ {
			for b := 0; b < d; b++ {
				x0[i*size+a*d+b] = rotation.At(a, b)
			}
		}
	}
	block := func(x []float64, i int) *mat.Dense {
		return mat.NewDense(d, d, x[i*size:(i+1)*size])
	}
	residual := func(x []float64, m *posegraph.RelativeSEMeasurement) *mat.Dense {
		var e mat.Dense
		e.Mul(block(x, m.P1), m.R)
		e.Sub(block(x, m.P2), &e)
		return &e
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			f := 0.
			for i := range measurements {
				m := &measurements[i]
				e := residual(x, m)
				norm := mat.Norm(e, 2)
				f += m.Weight * m.Kappa * norm * norm
			}
			return f
		},
		Grad: func(grad, x []float64) {
			for i := range grad {
				grad[i] = 0
			}
			for i := range measurements {
				m := &measurements[i]
				e := residual(x, m)
				e.Scale(2*m.Weight*m.Kappa, e)
				gj := block(grad, m.P2)
				gj.Add(gj, e)
				var gi mat.Dense
				gi.Mul(e, m.R.T())
				gp := block(grad, m.P1)
				gp.Sub(gp, &gi)
			}
			// pose 0 anchors the frame
			for k := 0; k < size; k++ {
				grad[k] = 0
			}
		},
	}
	return minimize("rotations", problem, x0, settings)
}

// solveTranslations minimizes Σ wτ‖tj − ti − Ri·tij‖² with the rotations of fixed held constant.
func solveTranslations(d, n int, measurements []posegraph.RelativeSEMeasurement, fixed *lifted.PoseArray, settings Settings) ([]float64, error) {
	x0 := make([]float64, n*d)
	rotated := make([]*mat.VecDense, len(measurements))
	for i := range measurements {
		m := &measurements[i]
		var rt mat.VecDense
		rt.MulVec(fixed.Rotation(m.P1), m.T)
		rotated[i] = &rt
	}
	if x, ok := exactTranslations(d, n, measurements, rotated); ok {
		return x, nil
	}
	for i := 0; i < n; i++ {
		translation := fixed.Translation(i)
		for a := 0; a < d; a++ {
			x0[i*d+a] = translation.AtVec(a)
		}
	}
	residual := func(x []float64, i int) *mat.VecDense {
		m := &measurements[i]
		e := mat.NewVecDense(d, nil)
		e.SubVec(mat.NewVecDense(d, x[m.P2*d:(m.P2+1)*d]), mat.NewVecDense(d, x[m.P1*d:(m.P1+1)*d]))
		e.SubVec(e, rotated[i])
		return e
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			f := 0.
			for i := range measurements {
				e := residual(x, i)
				f += measurements[i].Weight * measurements[i].Tau * mat.Dot(e, e)
			}
			return f
		},
		Grad: func(grad, x []float64) {
			for i := range grad {
				grad[i] = 0
			}
			for i := range measurements {
				m := &measurements[i]
				e := residual(x, i)
				scale := 2 * m.Weight * m.Tau
				for a := 0; a < d; a++ {
					grad[m.P2*d+a] += scale * e.AtVec(a)
					grad[m.P1*d+a] -= scale * e.AtVec(a)
				}
			}
			for a := 0; a < d; a++ {
				grad[a] = 0
			}
		},
	}
	return minimize("translations", problem, x0, settings)
}
