package posegraph

import (
	"math"
	"math/rand/v2"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestBlockMatrixLeftMul(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	b := NewBlockMatrix(3, 2)
	for _, key := range []blockKey{{0, 0}, {0, 2}, {2, 1}, {1, 1}} {
		block := mat.NewDense(2, 2, []float64{rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64()})
		b.AddToBlock(key.row, key.col, block)
		b.AddToBlock(key.row, key.col, block)
	}
	test.That(t, b.NumBlocks(), test.ShouldEqual, 4)
	test.That(t, b.BlockSize(), test.ShouldEqual, 2)
	test.That(t, mat.Equal(b.Block(1, 0), mat.NewDense(2, 2, nil)), test.ShouldBeTrue)

	x := mat.NewDense(4, 6, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 6; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	var expected mat.Dense
	expected.Mul(x, b.Dense())
	test.That(t, mat.EqualApprox(b.LeftMul(x), &expected, 1e-12), test.ShouldBeTrue)

	test.That(t, func() { b.LeftMul(mat.NewDense(4, 5, nil)) }, test.ShouldPanic)
	test.That(t, func() { b.AddToBlock(3, 0, mat.NewDense(2, 2, nil)) }, test.ShouldPanic)
}

func TestBlockMatrixMaxAbsRowSum(t *testing.T) {
	b := NewBlockMatrix(2, 2)
	b.AddToBlock(0, 0, mat.NewDense(2, 2, []float64{1, -2, 0, 1}))
	b.AddToBlock(0, 1, mat.NewDense(2, 2, []float64{-1, 0, 0, 0}))
	b.AddToBlock(1, 1, mat.NewDense(2, 2, []float64{0, 0, 3, 3}))
	test.That(t, b.MaxAbsRowSum(), test.ShouldEqual, 6.)
	test.That(t, b.MaxAbsRowSum(), test.ShouldEqual, mat.Norm(b.Dense(), math.Inf(1)))
}
