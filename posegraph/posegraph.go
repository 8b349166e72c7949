// Package posegraph holds the measurements owned by one robot, tracks which poses are shared with
// which neighbors, and builds the quadratic data matrices of the local optimization problem.
package posegraph

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/lifted"
)

const (
	// AcceptedWeightThreshold is the weight above which a loop closure counts as accepted.
	AcceptedWeightThreshold = 0.9
	// RejectedWeightThreshold is the weight below which a loop closure counts as rejected.
	RejectedWeightThreshold = 0.1
)

// Statistics summarizes the robust classification of loop closures.
type Statistics struct {
	AcceptedLoopClosures float64
	RejectedLoopClosures float64
	TotalLoopClosures    float64
}

// UndecidedLoopClosures returns the number of loop closures neither accepted nor rejected.
func (s Statistics) UndecidedLoopClosures() float64 {
	return s.TotalLoopClosures - s.AcceptedLoopClosures - s.RejectedLoopClosures
}

// DecidedRatio returns the fraction of loop closures that are accepted or rejected. A graph with
// no loop closures is fully decided.
func (s Statistics) DecidedRatio() float64 {
	if s.TotalLoopClosures == 0 {
		return 1
	}
	return (s.AcceptedLoopClosures + s.RejectedLoopClosures) / s.TotalLoopClosures
}

// PoseGraph is the measurement set of robot ID, with poses lifted to rank r in dimension d.
// It is not safe for concurrent use; the owning agent serializes access.
type PoseGraph struct {
	id, r, d int
	n        int

	odometry            []*RelativeSEMeasurement
	privateLoopClosures []*RelativeSEMeasurement
	sharedLoopClosures  []*RelativeSEMeasurement

	myPublicPoseIDs       map[lifted.PoseID]struct{}
	neighborPublicPoseIDs map[lifted.PoseID]struct{}
	neighborIDs           map[int]struct{}

	neighborPoses lifted.PoseDict

	q *BlockMatrix
	g *mat.Dense
}

// New returns an empty pose graph for robot id.
func New(id, r, d int) *PoseGraph {
	if d <= 0 || r < d {
		panic(errors.Errorf("invalid pose graph dimensions: r=%d d=%d", r, d))
	}
	return &PoseGraph{
		id:                    id,
		r:                     r,
		d:                     d,
		myPublicPoseIDs:       map[lifted.PoseID]struct{}{},
		neighborPublicPoseIDs: map[lifted.PoseID]struct{}{},
		neighborIDs:           map[int]struct{}{},
		neighborPoses:         lifted.PoseDict{},
	}
}

// ID returns the owning robot.
func (pg *PoseGraph) ID() int { return pg.id }

// R returns the relaxation rank.
func (pg *PoseGraph) R() int { return pg.r }

// D returns the dimension.
func (pg *PoseGraph) D() int { return pg.d }

// NumPoses returns the number of poses owned by this robot.
func (pg *PoseGraph) NumPoses() int { return pg.n }

// AddMeasurement stores a copy of m, classifying it as odometry, private loop closure or shared
// loop closure. Measurements that touch no pose of this robot are rejected.
func (pg *PoseGraph) AddMeasurement(m RelativeSEMeasurement) {
	if m.Dim() != pg.d {
		panic(errors.Errorf("robot %d expects measurements of dimension %d, got %d", pg.id, pg.d, m.Dim()))
	}
	stored := m.Copy()
	pg.ClearDataMatrices()

	switch {
	case m.R1 == pg.id && m.R2 == pg.id:
		pg.n = lo.Max([]int{pg.n, m.P1 + 1, m.P2 + 1})
		if m.P1+1 == m.P2 {
			pg.odometry = append(pg.odometry, &stored)
		} else {
			pg.privateLoopClosures = append(pg.privateLoopClosures, &stored)
		}
	case m.R1 == pg.id:
		pg.n = lo.Max([]int{pg.n, m.P1 + 1})
		pg.myPublicPoseIDs[lifted.NewPoseID(m.R1, m.P1)] = struct{}{}
		pg.neighborPublicPoseIDs[lifted.NewPoseID(m.R2, m.P2)] = struct{}{}
		pg.neighborIDs[m.R2] = struct{}{}
		pg.sharedLoopClosures = append(pg.sharedLoopClosures, &stored)
	case m.R2 == pg.id:
		pg.n = lo.Max([]int{pg.n, m.P2 + 1})
		pg.myPublicPoseIDs[lifted.NewPoseID(m.R2, m.P2)] = struct{}{}
		pg.neighborPublicPoseIDs[lifted.NewPoseID(m.R1, m.P1)] = struct{}{}
		pg.neighborIDs[m.R1] = struct{}{}
		pg.sharedLoopClosures = append(pg.sharedLoopClosures, &stored)
	default:
		panic(errors.Errorf("measurement %v does not involve robot %d", m.ID(), pg.id))
	}
}

// SetMeasurements replaces every measurement of the graph.
func (pg *PoseGraph) SetMeasurements(measurements []RelativeSEMeasurement) {
	fresh := New(pg.id, pg.r, pg.d)
	for _, m := range measurements {
		fresh.AddMeasurement(m)
	}
	*pg = *fresh
}

// Odometry returns the odometry edges. The returned measurements are owned by the graph.
func (pg *PoseGraph) Odometry() []*RelativeSEMeasurement {
	return append([]*RelativeSEMeasurement(nil), pg.odometry...)
}

// PrivateLoopClosures returns loop closures between two poses of this robot.
func (pg *PoseGraph) PrivateLoopClosures() []*RelativeSEMeasurement {
	return append([]*RelativeSEMeasurement(nil), pg.privateLoopClosures...)
}

// SharedLoopClosures returns loop closures between this robot and a neighbor.
func (pg *PoseGraph) SharedLoopClosures() []*RelativeSEMeasurement {
	return append([]*RelativeSEMeasurement(nil), pg.sharedLoopClosures...)
}

// SharedLoopClosuresWithRobot returns the shared loop closures with one neighbor.
func (pg *PoseGraph) SharedLoopClosuresWithRobot(neighborID int) []*RelativeSEMeasurement {
	return lo.Filter(pg.sharedLoopClosures, func(m *RelativeSEMeasurement, _ int) bool {
		return m.R1 == neighborID || m.R2 == neighborID
	})
}

// LocalMeasurements returns copies of the odometry and private loop closures.
func (pg *PoseGraph) LocalMeasurements() []RelativeSEMeasurement {
	out := make([]RelativeSEMeasurement, 0, len(pg.odometry)+len(pg.privateLoopClosures))
	for _, m := range pg.odometry {
		out = append(out, m.Copy())
	}
	for _, m := range pg.privateLoopClosures {
		out = append(out, m.Copy())
	}
	return out
}

// Measurements returns copies of every measurement, odometry first.
func (pg *PoseGraph) Measurements() []RelativeSEMeasurement {
	out := pg.LocalMeasurements()
	for _, m := range pg.sharedLoopClosures {
		out = append(out, m.Copy())
	}
	return out
}

// HasNeighbor reports whether robot id shares at least one loop closure with this robot.
func (pg *PoseGraph) HasNeighbor(id int) bool {
	_, ok := pg.neighborIDs[id]
	return ok
}

// HasNeighborPose reports whether the given neighbor pose is attached to a shared loop closure.
func (pg *PoseGraph) HasNeighborPose(id lifted.PoseID) bool {
	_, ok := pg.neighborPublicPoseIDs[id]
	return ok
}

// NeighborIDs returns the sorted IDs of all neighbors.
func (pg *PoseGraph) NeighborIDs() []int {
	ids := lo.Keys(pg.neighborIDs)
	sort.Ints(ids)
	return ids
}

// MyPublicPoseIDs returns the sorted IDs of this robot's poses attached to shared loop closures.
func (pg *PoseGraph) MyPublicPoseIDs() []lifted.PoseID {
	return sortedPoseIDs(pg.myPublicPoseIDs)
}

// NeighborPublicPoseIDs returns the sorted IDs of neighbor poses attached to shared loop closures.
func (pg *PoseGraph) NeighborPublicPoseIDs() []lifted.PoseID {
	return sortedPoseIDs(pg.neighborPublicPoseIDs)
}

func sortedPoseIDs(set map[lifted.PoseID]struct{}) []lifted.PoseID {
	ids := lo.Keys(set)
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].RobotID != ids[j].RobotID {
			return ids[i].RobotID < ids[j].RobotID
		}
		return ids[i].FrameID < ids[j].FrameID
	})
	return ids
}

// SetNeighborPoses replaces the fixed neighbor poses used to build the linear data term.
func (pg *PoseGraph) SetNeighborPoses(poses lifted.PoseDict) {
	pg.neighborPoses = poses.Copy()
	pg.ClearDataMatrices()
}

// Statistics classifies loop closures (private and shared) by their current weight.
func (pg *PoseGraph) Statistics() Statistics {
	var stat Statistics
	for _, m := range append(pg.PrivateLoopClosures(), pg.sharedLoopClosures...) {
		stat.TotalLoopClosures++
		switch {
		case m.IsKnownInlier || m.Weight > AcceptedWeightThreshold:
			stat.AcceptedLoopClosures++
		case m.Weight < RejectedWeightThreshold:
			stat.RejectedLoopClosures++
		}
	}
	return stat
}
