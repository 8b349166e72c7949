package agent

import (
	"math"

	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/posegraph"
)

// UpdateLoopClosureWeights recomputes the weights of the loop closures this agent owns from the
// current iterate and neighbor cache, without advancing the robust cost.
func (a *Agent) UpdateLoopClosureWeights() {
	require(a.State() == Initialized, "UpdateLoopClosureWeights", "agent %d is %v", a.id, a.State())
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	a.neighborsMu.Lock()
	defer a.neighborsMu.Unlock()
	a.updateLoopClosureWeightsLocked()
}

// ownsSharedLoopClosure reports whether this agent, as the lower-ID endpoint, is the one that
// updates the weight of m.
func (a *Agent) ownsSharedLoopClosure(m *posegraph.RelativeSEMeasurement) bool {
	if m.R1 == a.id {
		return m.R2 > a.id
	}
	return m.R1 > a.id
}

// updateLoopClosureWeightsLocked requires all three locks.
func (a *Agent) updateLoopClosureWeightsLocked() {
	// weights change, so the data matrices must be rebuilt
	a.poseGraph.ClearDataMatrices()

	for _, m := range a.poseGraph.PrivateLoopClosures() {
		if m.IsKnownInlier || m.FixedWeight {
			continue
		}
		residual := math.Sqrt(posegraph.MeasurementError(m,
			a.x.Rotation(m.P1), a.x.Translation(m.P1),
			a.x.Rotation(m.P2), a.x.Translation(m.P2)))
		a.setWeight(m, residual)
	}

	for _, m := range a.poseGraph.SharedLoopClosures() {
		if m.IsKnownInlier || m.FixedWeight || !a.ownsSharedLoopClosure(m) {
			continue
		}
		var residual float64
		if m.R1 == a.id {
			neighbor, ok := a.neighborPoses[lifted.NewPoseID(m.R2, m.P2)]
			if !ok {
				a.logger.Debugw("cannot update edge weight, neighbor pose missing", "edge", m.ID())
				continue
			}
			residual = math.Sqrt(posegraph.MeasurementError(m,
				a.x.Rotation(m.P1), a.x.Translation(m.P1),
				neighbor.Rotation(), neighbor.Translation()))
		} else {
			neighbor, ok := a.neighborPoses[lifted.NewPoseID(m.R1, m.P1)]
			if !ok {
				a.logger.Debugw("cannot update edge weight, neighbor pose missing", "edge", m.ID())
				continue
			}
			residual = math.Sqrt(posegraph.MeasurementError(m,
				neighbor.Rotation(), neighbor.Translation(),
				a.x.Rotation(m.P2), a.x.Translation(m.P2)))
		}
		a.setWeight(m, residual)
	}
	a.publishWeightsRequested.Store(true)
}

func (a *Agent) setWeight(m *posegraph.RelativeSEMeasurement, residual float64) {
	m.Weight = a.robustCost.Weight(residual)
	a.logger.Debugw("updated edge weight", "edge", m.ID(), "residual", residual, "weight", m.Weight)
}

// SharedLoopClosureWeights returns the weights of the shared loop closures this agent owns, for
// publication to the other endpoint.
func (a *Agent) SharedLoopClosureWeights() map[posegraph.EdgeID]float64 {
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	out := map[posegraph.EdgeID]float64{}
	for _, m := range a.poseGraph.SharedLoopClosures() {
		if a.ownsSharedLoopClosure(m) {
			out[m.ID()] = m.Weight
		}
	}
	return out
}

// UpdateNeighborWeights adopts the weights published by neighborID for the shared loop closures
// it owns. Weights of other edges are ignored.
func (a *Agent) UpdateNeighborWeights(neighborID int, weights map[posegraph.EdgeID]float64) {
	require(neighborID != a.id, "UpdateNeighborWeights", "agent %d cannot receive its own weights", a.id)
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	changed := false
	for _, m := range a.poseGraph.SharedLoopClosuresWithRobot(neighborID) {
		if m.IsKnownInlier || m.FixedWeight || a.ownsSharedLoopClosure(m) {
			continue
		}
		if w, ok := weights[m.ID()]; ok && w != m.Weight {
			m.Weight = w
			changed = true
		}
	}
	if changed {
		a.poseGraph.ClearDataMatrices()
	}
}
