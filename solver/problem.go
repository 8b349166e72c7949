// Package solver contains the local quadratic problem of one agent and a Riemannian gradient
// descent optimizer over the lifted product manifold.
package solver

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/manifold"
	"go.viam.com/dpgo/posegraph"
)

// ErrDataMatrices is returned when the pose graph cannot build its data matrices, typically
// because a neighbor pose referenced by a shared loop closure has not been received yet.
var ErrDataMatrices = errors.New("cannot construct data matrices")

// QuadraticProblem is f(X) = tr(X·Q·Xᵀ) + 2·tr(X·Gᵀ) restricted to (Stiefel(r, d) × Rʳ)ⁿ.
type QuadraticProblem struct {
	r, d, n  int
	manifold *manifold.LiftedSEManifold
	q        *posegraph.BlockMatrix
	g        *mat.Dense
}

// NewQuadraticProblem snapshots the data matrices of graph, constructing them if needed.
func NewQuadraticProblem(graph *posegraph.PoseGraph) (*QuadraticProblem, error) {
	if !graph.ConstructDataMatrices() {
		return nil, errors.Wrapf(ErrDataMatrices, "robot %d", graph.ID())
	}
	return &QuadraticProblem{
		r:        graph.R(),
		d:        graph.D(),
		n:        graph.NumPoses(),
		manifold: manifold.NewLiftedSEManifold(graph.R(), graph.D(), graph.NumPoses()),
		q:        graph.Q(),
		g:        graph.G(),
	}, nil
}

// Dims returns the rank, dimension and number of poses of the problem.
func (p *QuadraticProblem) Dims() (r, d, n int) {
	return p.r, p.d, p.n
}

// Manifold returns the search space.
func (p *QuadraticProblem) Manifold() *manifold.LiftedSEManifold {
	return p.manifold
}

// Cost evaluates f at x.
func (p *QuadraticProblem) Cost(x mat.Matrix) float64 {
	xq := p.q.LeftMul(x)
	xq.MulElem(xq, x)
	var xg mat.Dense
	xg.MulElem(x, p.g)
	return mat.Sum(xq) + 2*mat.Sum(&xg)
}

// EuclideanGradient returns 2·X·Q + 2·G.
func (p *QuadraticProblem) EuclideanGradient(x mat.Matrix) *mat.Dense {
	grad := p.q.LeftMul(x)
	grad.Add(grad, p.g)
	grad.Scale(2, grad)
	return grad
}

// RiemannianGradient projects the Euclidean gradient onto the tangent space at x.
func (p *QuadraticProblem) RiemannianGradient(x mat.Matrix) *mat.Dense {
	return p.manifold.TangentProject(x, p.EuclideanGradient(x))
}

// GradNorm returns the Frobenius norm of the Riemannian gradient at x.
func (p *QuadraticProblem) GradNorm(x mat.Matrix) float64 {
	return mat.Norm(p.RiemannianGradient(x), 2)
}

// LipschitzBound returns a Gershgorin bound on the largest eigenvalue of 2Q, used to size the
// first trial step.
func (p *QuadraticProblem) LipschitzBound() float64 {
	return 2 * p.q.MaxAbsRowSum()
}
