package posegraph

import (
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/lifted"
)

// The local cost over this robot's packed iterate X (r×n(d+1)) is
//
//	f(X) = Σ w[κ‖Yj − Yi·R‖² + τ‖pj − pi − Yi·t‖²] = tr(X·Q·Xᵀ) + 2·tr(X·Gᵀ) + const
//
// where shared loop closures contribute to Q through the local endpoint and to G through the
// fixed neighbor pose.

// ConstructDataMatrices builds Q and G from the current measurements, weights and neighbor
// poses. It returns false, leaving the matrices cleared, when the graph is empty or a shared loop
// closure references a neighbor pose that has not been received.
func (pg *PoseGraph) ConstructDataMatrices() bool {
	if pg.q != nil && pg.g != nil {
		return true
	}
	if pg.n == 0 {
		return false
	}
	k := pg.d + 1
	q := NewBlockMatrix(pg.n, k)
	g := mat.NewDense(pg.r, pg.n*k, nil)

	for _, m := range append(pg.Odometry(), pg.privateLoopClosures...) {
		t := m.homogeneous()
		omega := m.precision()

		var tOmega, tOmegaTt mat.Dense
		tOmega.Mul(t, omega)
		tOmegaTt.Mul(&tOmega, t.T())
		q.AddToBlock(m.P1, m.P1, &tOmegaTt)
		q.AddToBlock(m.P2, m.P2, omega)

		var negTOmega mat.Dense
		negTOmega.Scale(-1, &tOmega)
		q.AddToBlock(m.P1, m.P2, &negTOmega)
		q.AddToBlock(m.P2, m.P1, negTOmega.T())
	}

	for _, m := range pg.sharedLoopClosures {
		t := m.homogeneous()
		omega := m.precision()
		var tOmega mat.Dense
		tOmega.Mul(t, omega)

		if m.R1 == pg.id {
			// outgoing edge: local tail i, fixed neighbor head Zj
			zj, ok := pg.neighborPoses[lifted.NewPoseID(m.R2, m.P2)]
			if !ok {
				pg.ClearDataMatrices()
				return false
			}
			var tOmegaTt mat.Dense
			tOmegaTt.Mul(&tOmega, t.T())
			q.AddToBlock(m.P1, m.P1, &tOmegaTt)

			var linear mat.Dense
			linear.Mul(zj.Matrix(), tOmega.T())
			addToColumnBlock(g, m.P1, k, -1, &linear)
		} else {
			// incoming edge: fixed neighbor tail Zi, local head j
			zi, ok := pg.neighborPoses[lifted.NewPoseID(m.R1, m.P1)]
			if !ok {
				pg.ClearDataMatrices()
				return false
			}
			q.AddToBlock(m.P2, m.P2, omega)

			var linear mat.Dense
			linear.Mul(zi.Matrix(), &tOmega)
			addToColumnBlock(g, m.P2, k, -1, &linear)
		}
	}

	pg.q = q
	pg.g = g
	return true
}

func addToColumnBlock(dst *mat.Dense, index, k int, alpha float64, m mat.Matrix) {
	rows, _ := dst.Dims()
	block := dst.Slice(0, rows, index*k, (index+1)*k).(*mat.Dense)
	var scaled mat.Dense
	scaled.Scale(alpha, m)
	block.Add(block, &scaled)
}

// ClearDataMatrices drops Q and G so that the next ConstructDataMatrices call rebuilds them.
func (pg *PoseGraph) ClearDataMatrices() {
	pg.q = nil
	pg.g = nil
}

// HasDataMatrices reports whether Q and G are currently built.
func (pg *PoseGraph) HasDataMatrices() bool {
	return pg.q != nil && pg.g != nil
}

// Q returns the quadratic data matrix, or nil if it has not been constructed.
func (pg *PoseGraph) Q() *BlockMatrix {
	return pg.q
}

// G returns a copy of the linear data matrix, or nil if it has not been constructed.
func (pg *PoseGraph) G() *mat.Dense {
	if pg.g == nil {
		return nil
	}
	return mat.DenseCopyOf(pg.g)
}
