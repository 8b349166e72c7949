package manifold

import (
	"math/rand/v2"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/spatialmath"
)

func randomDense(rng *rand.Rand, rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}

func TestProject(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	r, d, n := 5, 3, 4
	m := NewLiftedSEManifold(r, d, n)
	x := randomDense(rng, r, n*(d+1))
	p := m.Project(x)
	for i := 0; i < n; i++ {
		start := i * (d + 1)
		test.That(t, spatialmath.CheckStiefelMatrix(p.Slice(0, r, start, start+d)), test.ShouldBeNil)
		for row := 0; row < r; row++ {
			test.That(t, p.At(row, start+d), test.ShouldEqual, x.At(row, start+d))
		}
	}

	// projection is idempotent
	test.That(t, mat.EqualApprox(m.Project(p), p, 1e-12), test.ShouldBeTrue)
	test.That(t, func() { m.Project(mat.NewDense(r, n*(d+1)+1, nil)) }, test.ShouldPanic)
}

func TestTangentProject(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	r, d, n := 4, 2, 3
	m := NewLiftedSEManifold(r, d, n)
	x := m.Project(randomDense(rng, r, n*(d+1)))
	v := randomDense(rng, r, n*(d+1))
	xi := m.TangentProject(x, v)

	for i := 0; i < n; i++ {
		start := i * (d + 1)
		y := x.Slice(0, r, start, start+d)
		g := xi.Slice(0, r, start, start+d)
		// tangent vectors to the Stiefel manifold satisfy YᵀG + GᵀY = 0
		var ytg mat.Dense
		ytg.Mul(y.T(), g)
		var sym mat.Dense
		sym.Add(&ytg, ytg.T())
		test.That(t, mat.Norm(&sym, 2), test.ShouldBeLessThan, 1e-10)
	}

	// projecting twice changes nothing
	test.That(t, mat.EqualApprox(m.TangentProject(x, xi), xi, 1e-10), test.ShouldBeTrue)
}

func TestRetract(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	m := NewLiftedSEManifold(3, 3, 2)
	x := m.Project(randomDense(rng, 3, 8))
	zero := mat.NewDense(3, 8, nil)
	test.That(t, mat.EqualApprox(m.Retract(x, zero), x, 1e-12), test.ShouldBeTrue)
	test.That(t, func() { NewLiftedSEManifold(2, 3, 1) }, test.ShouldPanic)
}
