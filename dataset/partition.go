package dataset

import (
	"github.com/pkg/errors"

	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/posegraph"
)

// RobotMeasurements is the share of a dataset observed by one robot, indexed by local pose.
type RobotMeasurements struct {
	NumPoses            int
	Odometry            []posegraph.RelativeSEMeasurement
	PrivateLoopClosures []posegraph.RelativeSEMeasurement
	SharedLoopClosures  []posegraph.RelativeSEMeasurement
}

// Partition assigns contiguous blocks of poses to robots. Every robot owns PosesPerRobot poses
// except the last, which also takes the remainder.
type Partition struct {
	NumPoses      int
	PosesPerRobot int
	Robots        []RobotMeasurements
}

// NewPartition splits ds among numRobots robots. Edges between robots become shared loop closures
// held by both endpoints and keep their fixed-weight flag.
func NewPartition(ds *Dataset, numRobots int) (*Partition, error) {
	if numRobots <= 0 || numRobots > ds.NumPoses {
		return nil, errors.Errorf("cannot split %d poses among %d robots", ds.NumPoses, numRobots)
	}
	p := &Partition{
		NumPoses:      ds.NumPoses,
		PosesPerRobot: ds.NumPoses / numRobots,
		Robots:        make([]RobotMeasurements, numRobots),
	}
	for robot := range p.Robots {
		p.Robots[robot].NumPoses = p.PosesPerRobot
	}
	p.Robots[numRobots-1].NumPoses = ds.NumPoses - (numRobots-1)*p.PosesPerRobot

	for _, m := range ds.Measurements {
		global := m.Copy()
		r1, p1 := p.Locate(global.P1)
		r2, p2 := p.Locate(global.P2)
		local := global
		local.R1, local.P1, local.R2, local.P2 = r1, p1, r2, p2
		switch {
		case r1 == r2 && p1+1 == p2:
			p.Robots[r1].Odometry = append(p.Robots[r1].Odometry, local)
		case r1 == r2:
			p.Robots[r1].PrivateLoopClosures = append(p.Robots[r1].PrivateLoopClosures, local)
		default:
			p.Robots[r1].SharedLoopClosures = append(p.Robots[r1].SharedLoopClosures, local)
			p.Robots[r2].SharedLoopClosures = append(p.Robots[r2].SharedLoopClosures, local.Copy())
		}
	}
	return p, nil
}

// Locate returns the robot owning global pose index and its local index.
func (p *Partition) Locate(index int) (robot, local int) {
	if index < 0 || index >= p.NumPoses {
		panic(errors.Errorf("pose %d out of range [0, %d)", index, p.NumPoses))
	}
	robot = index / p.PosesPerRobot
	if last := len(p.Robots) - 1; robot > last {
		robot = last
	}
	return robot, index - robot*p.PosesPerRobot
}

// GlobalIndex is the inverse of Locate.
func (p *Partition) GlobalIndex(id lifted.PoseID) int {
	return id.RobotID*p.PosesPerRobot + id.FrameID
}

// Assemble concatenates per-robot trajectories, in robot order, into one trajectory.
func (p *Partition) Assemble(trajectories []*lifted.PoseArray) (*lifted.PoseArray, error) {
	if len(trajectories) != len(p.Robots) {
		return nil, errors.Errorf("expected %d trajectories, got %d", len(p.Robots), len(trajectories))
	}
	var out *lifted.PoseArray
	for robot, trajectory := range trajectories {
		if trajectory == nil || trajectory.N() != p.Robots[robot].NumPoses {
			return nil, errors.Errorf("trajectory of robot %d does not match its %d poses", robot, p.Robots[robot].NumPoses)
		}
		if out == nil {
			out = lifted.NewPoseArray(trajectory.D(), p.NumPoses)
		}
		for i := 0; i < trajectory.N(); i++ {
			out.SetPoseAt(p.GlobalIndex(lifted.NewPoseID(robot, i)), trajectory.PoseAt(i))
		}
	}
	return out, nil
}
