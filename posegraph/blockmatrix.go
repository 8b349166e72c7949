package posegraph

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

type blockKey struct {
	row, col int
}

// BlockMatrix is a square n×n matrix of k×k blocks where only non-zero blocks are stored. Pose
// graphs are sparse (each pose touches a handful of measurements), so the connection Laplacian is
// kept in this form instead of a dense n(d+1)×n(d+1) matrix.
type BlockMatrix struct {
	n, k   int
	blocks map[blockKey]*mat.Dense
}

// NewBlockMatrix returns an all-zero n×n block matrix with k×k blocks.
func NewBlockMatrix(n, k int) *BlockMatrix {
	return &BlockMatrix{n: n, k: k, blocks: map[blockKey]*mat.Dense{}}
}

// Dims returns the dimensions of the full matrix.
func (b *BlockMatrix) Dims() (int, int) {
	return b.n * b.k, b.n * b.k
}

// BlockSize returns k.
func (b *BlockMatrix) BlockSize() int {
	return b.k
}

// NumBlocks returns the number of stored (non-zero) blocks.
func (b *BlockMatrix) NumBlocks() int {
	return len(b.blocks)
}

// AddToBlock adds m to block (i, j).
func (b *BlockMatrix) AddToBlock(i, j int, m mat.Matrix) {
	if i < 0 || i >= b.n || j < 0 || j >= b.n {
		panic(errors.Errorf("block (%d, %d) out of range for %d blocks", i, j, b.n))
	}
	key := blockKey{i, j}
	block, ok := b.blocks[key]
	if !ok {
		block = mat.NewDense(b.k, b.k, nil)
		b.blocks[key] = block
	}
	block.Add(block, m)
}

// Block returns a copy of block (i, j), which is all zeros when not stored.
func (b *BlockMatrix) Block(i, j int) *mat.Dense {
	if block, ok := b.blocks[blockKey{i, j}]; ok {
		return mat.DenseCopyOf(block)
	}
	return mat.NewDense(b.k, b.k, nil)
}

// LeftMul returns x·B for an r×nk matrix x.
func (b *BlockMatrix) LeftMul(x mat.Matrix) *mat.Dense {
	r, cols := x.Dims()
	if cols != b.n*b.k {
		panic(errors.Errorf("cannot multiply %dx%d matrix by %dx%d block matrix", r, cols, b.n*b.k, b.n*b.k))
	}
	xd := mat.DenseCopyOf(x)
	out := mat.NewDense(r, cols, nil)
	var product mat.Dense
	for _, key := range b.sortedKeys() {
		xi := xd.Slice(0, r, key.row*b.k, (key.row+1)*b.k)
		product.Reset()
		product.Mul(xi, b.blocks[key])
		outJ := out.Slice(0, r, key.col*b.k, (key.col+1)*b.k).(*mat.Dense)
		outJ.Add(outJ, &product)
	}
	return out
}

// Dense returns the full matrix.
func (b *BlockMatrix) Dense() *mat.Dense {
	rows, cols := b.Dims()
	out := mat.NewDense(rows, cols, nil)
	for key, block := range b.blocks {
		out.Slice(key.row*b.k, (key.row+1)*b.k, key.col*b.k, (key.col+1)*b.k).(*mat.Dense).Copy(block)
	}
	return out
}

// sortedKeys gives a deterministic summation order so repeated solves are reproducible.
func (b *BlockMatrix) sortedKeys() []blockKey {
	keys := make([]blockKey, 0, len(b.blocks))
	for key := range b.blocks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].col != keys[j].col {
			return keys[i].col < keys[j].col
		}
		return keys[i].row < keys[j].row
	})
	return keys
}

// MaxAbsRowSum returns the infinity norm of the full matrix.
func (b *BlockMatrix) MaxAbsRowSum() float64 {
	sums := make([]float64, b.n*b.k)
	for key, block := range b.blocks {
		for a := 0; a < b.k; a++ {
			for c := 0; c < b.k; c++ {
				sums[key.row*b.k+a] += math.Abs(block.At(a, c))
			}
		}
	}
	out := 0.
	for _, s := range sums {
		out = math.Max(out, s)
	}
	return out
}
