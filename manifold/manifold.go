// Package manifold implements the lifted special Euclidean product manifold
// (Stiefel(r, d) × R^r)^n that pose-graph iterates live on.
package manifold

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/spatialmath"
)

// LiftedSEManifold is the product of n copies of Stiefel(r, d) × R^r, with points packed as
// r×n(d+1) matrices.
type LiftedSEManifold struct {
	r, d, n int
}

// NewLiftedSEManifold returns the manifold for n poses of dimension d lifted to rank r.
func NewLiftedSEManifold(r, d, n int) *LiftedSEManifold {
	if d <= 0 || r < d || n <= 0 {
		panic(errors.Errorf("invalid manifold dimensions: r=%d d=%d n=%d", r, d, n))
	}
	return &LiftedSEManifold{r: r, d: d, n: n}
}

func (m *LiftedSEManifold) checkDims(x mat.Matrix) {
	rows, cols := x.Dims()
	if rows != m.r || cols != m.n*(m.d+1) {
		panic(errors.Errorf("expected %dx%d manifold element, got %dx%d", m.r, m.n*(m.d+1), rows, cols))
	}
}

func (m *LiftedSEManifold) rotationBlock(x *mat.Dense, i int) *mat.Dense {
	start := i * (m.d + 1)
	return x.Slice(0, m.r, start, start+m.d).(*mat.Dense)
}

// Project maps an arbitrary r×n(d+1) matrix to the nearest point on the manifold: each rotation
// block is replaced by its closest Stiefel element, translations are kept.
func (m *LiftedSEManifold) Project(x mat.Matrix) *mat.Dense {
	m.checkDims(x)
	out := mat.DenseCopyOf(x)
	for i := 0; i < m.n; i++ {
		block := m.rotationBlock(out, i)
		block.Copy(spatialmath.ProjectToStiefelManifold(block))
	}
	return out
}

// TangentProject projects the ambient vector v onto the tangent space at x. For each Stiefel
// block this is V - Y sym(YᵀV); translation blocks are unconstrained.
func (m *LiftedSEManifold) TangentProject(x, v mat.Matrix) *mat.Dense {
	m.checkDims(x)
	m.checkDims(v)
	xd := mat.DenseCopyOf(x)
	out := mat.DenseCopyOf(v)
	for i := 0; i < m.n; i++ {
		y := m.rotationBlock(xd, i)
		g := m.rotationBlock(out, i)

		var ytg mat.Dense
		ytg.Mul(y.T(), g)
		sym := mat.NewDense(m.d, m.d, nil)
		for a := 0; a < m.d; a++ {
			for b := 0; b < m.d; b++ {
				sym.Set(a, b, 0.5*(ytg.At(a, b)+ytg.At(b, a)))
			}
		}
		var correction mat.Dense
		correction.Mul(y, sym)
		g.Sub(g, &correction)
	}
	return out
}

// Retract moves from x along the tangent vector v and maps the result back onto the manifold.
func (m *LiftedSEManifold) Retract(x, v mat.Matrix) *mat.Dense {
	m.checkDims(x)
	m.checkDims(v)
	var sum mat.Dense
	sum.Add(x, v)
	return m.Project(&sum)
}
