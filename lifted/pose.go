// Package lifted contains rank-lifted pose types: the agent trajectory (an ordered array of
// Stiefel × Euclidean blocks packed into one matrix), single lifted poses exchanged between agents
// and the dictionaries they travel in.
package lifted

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"go.viam.com/dpgo/spatialmath"
)

// PoseID identifies one pose of one robot.
type PoseID struct {
	RobotID int
	FrameID int
}

// NewPoseID returns the ID of pose frameID of robot robotID.
func NewPoseID(robotID, frameID int) PoseID {
	return PoseID{RobotID: robotID, FrameID: frameID}
}

func (id PoseID) String() string {
	return fmt.Sprintf("(%d, %d)", id.RobotID, id.FrameID)
}

// LiftedPose is an r×(d+1) matrix [Y | p] where Y has orthonormal columns.
type LiftedPose struct {
	r, d int
	data *mat.Dense
}

// NewLiftedPose returns the lifted pose whose rotation block is the first d columns of the r×r
// identity and whose translation is zero.
func NewLiftedPose(r, d int) LiftedPose {
	checkRank(r, d)
	data := mat.NewDense(r, d+1, nil)
	for i := 0; i < d; i++ {
		data.Set(i, i, 1)
	}
	return LiftedPose{r: r, d: d, data: data}
}

// NewLiftedPoseFromMatrix copies an r×(d+1) matrix into a lifted pose.
func NewLiftedPoseFromMatrix(m mat.Matrix) LiftedPose {
	r, cols := m.Dims()
	checkRank(r, cols-1)
	return LiftedPose{r: r, d: cols - 1, data: mat.DenseCopyOf(m)}
}

// R returns the relaxation rank.
func (p LiftedPose) R() int { return p.r }

// D returns the dimension.
func (p LiftedPose) D() int { return p.d }

// Matrix returns a copy of the packed r×(d+1) block.
func (p LiftedPose) Matrix() *mat.Dense {
	return mat.DenseCopyOf(p.data)
}

// Rotation returns a copy of the r×d rotation block.
func (p LiftedPose) Rotation() *mat.Dense {
	return mat.DenseCopyOf(p.data.Slice(0, p.r, 0, p.d))
}

// Translation returns a copy of the translation block.
func (p LiftedPose) Translation() *mat.VecDense {
	return mat.VecDenseCopyOf(p.data.ColView(p.d))
}

// Project maps the lifted pose down to an ordinary SE(d) pose using the r×d lifting matrix:
// T = YLiftᵀ [Y | p].
func (p LiftedPose) Project(lifting mat.Matrix) spatialmath.Pose {
	var t mat.Dense
	t.Mul(lifting.T(), p.data)
	return spatialmath.NewPoseFromMatrix(&t)
}

// PoseDict maps pose IDs to lifted poses. It is the unit of exchange between agents.
type PoseDict map[PoseID]LiftedPose

// Copy returns a shallow copy of the dictionary; lifted poses are immutable values.
func (d PoseDict) Copy() PoseDict {
	out := make(PoseDict, len(d))
	for id, pose := range d {
		out[id] = pose
	}
	return out
}

func checkRank(r, d int) {
	if d <= 0 || r < d {
		panic(errors.Errorf("invalid lifted dimensions: r=%d d=%d", r, d))
	}
}

// FixedStiefelVariable returns a deterministic r×d matrix with orthonormal columns. Every agent
// that calls it with the same arguments gets the same lifting matrix.
func FixedStiefelVariable(d, r int) *mat.Dense {
	return RandomStiefelVariable(d, r, rand.NewPCG(1, 1))
}

// RandomStiefelVariable samples an r×d matrix with orthonormal columns from src.
func RandomStiefelVariable(d, r int, src rand.Source) *mat.Dense {
	checkRank(r, d)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	m := mat.NewDense(r, d, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < d; j++ {
			m.Set(i, j, normal.Rand())
		}
	}
	return spatialmath.ProjectToStiefelManifold(m)
}
