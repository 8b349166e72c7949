package agent

import (
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/posegraph"
	"go.viam.com/dpgo/robust"
	"go.viam.com/dpgo/spatialmath"
)

const (
	// jointAlignmentKappa corresponds to a rotation standard deviation of about 30 degrees.
	jointAlignmentKappa = 1.82
	// jointAlignmentTau corresponds to a translation standard deviation of 10 meters.
	jointAlignmentTau = 0.01
)

// Frames in computeNeighborTransform:
//
//	world1: this robot's frame before alignment
//	world2: the neighbor's global frame
//	frame1: the frame of this robot's public pose
//	frame2: the frame of the neighbor's public pose

// computeNeighborTransformLocked returns T_world2_world1 implied by one shared loop closure and
// the neighbor's lifted pose at its endpoint. It requires posesMu.
func (a *Agent) computeNeighborTransformLocked(m *posegraph.RelativeSEMeasurement, neighborPose lifted.LiftedPose) spatialmath.Pose {
	require(neighborPose.R() == a.params.R && neighborPose.D() == a.params.D, "computeNeighborTransform",
		"neighbor pose is %dx%d, expected rank %d dimension %d", neighborPose.R(), neighborPose.D(), a.params.R, a.params.D)

	dT := m.Pose()
	tWorld2Frame2 := neighborPose.Project(a.liftingMatrix)

	var tFrame1Frame2, tWorld1Frame1 spatialmath.Pose
	if m.R2 == a.id {
		// incoming edge
		tFrame1Frame2 = dT.Inverse()
		tWorld1Frame1 = a.tLocalInit.PoseAt(m.P2)
	} else {
		tFrame1Frame2 = dT
		tWorld1Frame1 = a.tLocalInit.PoseAt(m.P1)
	}
	tWorld2Frame1 := tWorld2Frame2.Compose(tFrame1Frame2.Inverse())
	tWorld2World1 := tWorld2Frame1.Compose(tWorld1Frame1.Inverse())
	if err := spatialmath.CheckRotationMatrix(tWorld2World1.Rotation()); err != nil {
		a.logger.Warnw("neighbor transform candidate is not a rotation", "edge", m.ID(), "error", err)
	}
	return tWorld2World1
}

// alignmentCandidates returns one candidate transform per shared loop closure with neighborID
// whose neighbor endpoint is in poses.
func (a *Agent) alignmentCandidates(neighborID int, poses lifted.PoseDict) ([]*mat.Dense, []*mat.VecDense) {
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	require(a.liftingMatrix != nil, "alignmentCandidates", "agent %d has no lifting matrix", a.id)
	require(a.tLocalInit != nil, "alignmentCandidates", "agent %d has no local trajectory", a.id)
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()

	var rotations []*mat.Dense
	var translations []*mat.VecDense
	for _, m := range a.poseGraph.SharedLoopClosuresWithRobot(neighborID) {
		id := lifted.NewPoseID(neighborID, m.P2)
		if m.R1 == neighborID {
			id.FrameID = m.P1
		}
		pose, ok := poses[id]
		if !ok {
			continue
		}
		t := a.computeNeighborTransformLocked(m, pose)
		rotations = append(rotations, t.Rotation())
		translations = append(translations, t.Translation())
	}
	return rotations, translations
}

func (a *Agent) checkAlignment(neighborID, inliers, candidates int) bool {
	a.logger.Infow("attempting initialization from neighbor",
		"neighbor", neighborID, "inliers", inliers, "candidates", candidates)
	return inliers > 0 && inliers >= a.params.RobustInitMinInliers
}

// ComputeRobustNeighborTransformTwoStage estimates the transform from this robot's local frame
// into neighborID's global frame by robust rotation averaging with a 30 degree inlier bound,
// followed by translation averaging over the inliers.
func (a *Agent) ComputeRobustNeighborTransformTwoStage(neighborID int, poses lifted.PoseDict) (spatialmath.Pose, bool) {
	rotations, translations := a.alignmentCandidates(neighborID, poses)
	if len(rotations) == 0 {
		return spatialmath.Pose{}, false
	}
	rotation, inliers := robust.RobustSingleRotationAveraging(rotations, nil, spatialmath.AngularToChordalSO3(0.5))
	if !a.checkAlignment(neighborID, len(inliers), len(rotations)) {
		return spatialmath.Pose{}, false
	}
	inlierTranslations := make([]*mat.VecDense, 0, len(inliers))
	for _, i := range inliers {
		inlierTranslations = append(inlierTranslations, translations[i])
	}
	translation := robust.SingleTranslationAveraging(inlierTranslations, nil)
	return a.alignmentResult(rotation, translation), true
}

// ComputeRobustNeighborTransform estimates the same transform by joint robust pose averaging.
func (a *Agent) ComputeRobustNeighborTransform(neighborID int, poses lifted.PoseDict) (spatialmath.Pose, bool) {
	rotations, translations := a.alignmentCandidates(neighborID, poses)
	if len(rotations) == 0 {
		return spatialmath.Pose{}, false
	}
	kappa := make([]float64, len(rotations))
	tau := make([]float64, len(rotations))
	for i := range kappa {
		kappa[i] = jointAlignmentKappa
		tau[i] = jointAlignmentTau
	}
	rotation, translation, inliers := robust.RobustSinglePoseAveraging(
		rotations, translations, kappa, tau, robust.ErrorThresholdAtQuantile(0.9, 3))
	if !a.checkAlignment(neighborID, len(inliers), len(rotations)) {
		return spatialmath.Pose{}, false
	}
	return a.alignmentResult(rotation, translation), true
}

func (a *Agent) alignmentResult(rotation *mat.Dense, translation *mat.VecDense) spatialmath.Pose {
	if err := spatialmath.CheckRotationMatrix(rotation); err != nil {
		a.logger.Warnw("aligned rotation is not a rotation", "error", err)
	}
	return spatialmath.NewPose(rotation, translation)
}

// UpdateNeighborPoses caches neighborID's public poses. The status of neighborID must be known.
// An agent waiting for initialization first tries to align its frame to the neighbor's. Poses
// are cached only when both agents are initialized.
func (a *Agent) UpdateNeighborPoses(neighborID int, poses lifted.PoseDict) {
	a.updateNeighborPoses("UpdateNeighborPoses", neighborID, poses, false)
}

// UpdateAuxNeighborPoses caches neighborID's public look-ahead poses for accelerated steps.
func (a *Agent) UpdateAuxNeighborPoses(neighborID int, poses lifted.PoseDict) {
	require(a.params.Acceleration, "UpdateAuxNeighborPoses", "acceleration is disabled")
	a.updateNeighborPoses("UpdateAuxNeighborPoses", neighborID, poses, true)
}

func (a *Agent) updateNeighborPoses(op string, neighborID int, poses lifted.PoseDict, aux bool) {
	require(neighborID != a.id, op, "agent %d cannot receive its own poses", a.id)
	neighborStatus, ok := a.NeighborStatus(neighborID)
	if !ok {
		return
	}
	if !aux && a.State() == WaitForInitialization {
		if t, ok := a.ComputeRobustNeighborTransformTwoStage(neighborID, poses); ok {
			a.InitializeInGlobalFrame(t)
		}
	}

	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	a.neighborsMu.Lock()
	defer a.neighborsMu.Unlock()
	cache := a.neighborPoses
	if aux {
		cache = a.auxNeighborPoses
	}
	for id, pose := range poses {
		require(id.RobotID == neighborID, op, "pose %v does not belong to robot %d", id, neighborID)
		require(pose.R() == a.params.R && pose.D() == a.params.D, op,
			"pose %v is rank %d dimension %d, expected %d and %d", id, pose.R(), pose.D(), a.params.R, a.params.D)
		a.numPosesReceived.Inc()
		if !a.poseGraph.HasNeighborPose(id) {
			continue
		}
		if a.State() == Initialized && neighborStatus.State == Initialized {
			cache[id] = pose
		}
	}
}
