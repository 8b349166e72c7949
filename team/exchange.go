package team

// Exchange performs one round of communication: every agent's status is delivered to every other
// agent, then public poses (and look-ahead poses under acceleration) and, when they changed,
// owned loop closure weights are delivered to neighbors.
func (t *Team) Exchange() {
	statuses := t.Statuses()
	for _, a := range t.agents {
		for id, status := range statuses {
			if id != a.ID() {
				a.SetNeighborStatus(status)
			}
		}
	}

	for _, a := range t.agents {
		neighbors := a.Neighbors()
		if poses, ok := a.SharedPoseDict(); ok {
			for _, id := range neighbors {
				t.agents[id].UpdateNeighborPoses(a.ID(), poses)
			}
		}
		if t.params.Acceleration {
			if poses, ok := a.AuxSharedPoseDict(); ok {
				for _, id := range neighbors {
					t.agents[id].UpdateAuxNeighborPoses(a.ID(), poses)
				}
			}
		}
		if a.ShouldPublishWeights() {
			weights := a.SharedLoopClosureWeights()
			for _, id := range neighbors {
				t.agents[id].UpdateNeighborWeights(a.ID(), weights)
			}
		}
	}
}
