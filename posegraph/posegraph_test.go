package posegraph

import (
	"math/rand/v2"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/manifold"
	"go.viam.com/dpgo/spatialmath"
)

func planarMeasurement(r1, p1, r2, p2 int, theta, x, y float64) RelativeSEMeasurement {
	return NewRelativeSEMeasurement(r1, r2, p1, p2, spatialmath.RotationMatrix2D(theta), mat.NewVecDense(2, []float64{x, y}), 2, 3)
}

// twoRobotGraph returns the graph of robot 1 with three odometry edges, one private loop closure
// and shared loop closures to robots 0 and 2.
func twoRobotGraph(r int) *PoseGraph {
	pg := New(1, r, 2)
	pg.AddMeasurement(planarMeasurement(1, 0, 1, 1, 0.1, 1, 0))
	pg.AddMeasurement(planarMeasurement(1, 1, 1, 2, 0.2, 1, 0.1))
	pg.AddMeasurement(planarMeasurement(1, 2, 1, 3, -0.1, 0.9, 0))
	pg.AddMeasurement(planarMeasurement(1, 0, 1, 3, 0.2, 2.8, 0.4))
	pg.AddMeasurement(planarMeasurement(0, 5, 1, 0, 0.3, 0.5, 0.5))
	pg.AddMeasurement(planarMeasurement(1, 3, 2, 1, -0.3, 0.2, -0.1))
	return pg
}

func TestAddMeasurementClassification(t *testing.T) {
	pg := twoRobotGraph(2)
	test.That(t, pg.NumPoses(), test.ShouldEqual, 4)
	test.That(t, pg.Odometry(), test.ShouldHaveLength, 3)
	test.That(t, pg.PrivateLoopClosures(), test.ShouldHaveLength, 1)
	test.That(t, pg.SharedLoopClosures(), test.ShouldHaveLength, 2)
	test.That(t, pg.SharedLoopClosuresWithRobot(2), test.ShouldHaveLength, 1)
	test.That(t, pg.SharedLoopClosuresWithRobot(7), test.ShouldBeEmpty)
	test.That(t, pg.LocalMeasurements(), test.ShouldHaveLength, 4)
	test.That(t, pg.Measurements(), test.ShouldHaveLength, 6)

	test.That(t, pg.NeighborIDs(), test.ShouldResemble, []int{0, 2})
	test.That(t, pg.HasNeighbor(0), test.ShouldBeTrue)
	test.That(t, pg.HasNeighbor(3), test.ShouldBeFalse)
	test.That(t, pg.MyPublicPoseIDs(), test.ShouldResemble, []lifted.PoseID{lifted.NewPoseID(1, 0), lifted.NewPoseID(1, 3)})
	test.That(t, pg.NeighborPublicPoseIDs(), test.ShouldResemble, []lifted.PoseID{lifted.NewPoseID(0, 5), lifted.NewPoseID(2, 1)})
	test.That(t, pg.HasNeighborPose(lifted.NewPoseID(0, 5)), test.ShouldBeTrue)
	test.That(t, pg.HasNeighborPose(lifted.NewPoseID(0, 4)), test.ShouldBeFalse)

	test.That(t, pg.Odometry()[0].FixedWeight, test.ShouldBeTrue)
	test.That(t, pg.PrivateLoopClosures()[0].FixedWeight, test.ShouldBeFalse)

	test.That(t, func() { pg.AddMeasurement(planarMeasurement(3, 0, 4, 0, 0, 0, 0)) }, test.ShouldPanic)
	m3 := NewRelativeSEMeasurement(1, 1, 0, 1, mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), mat.NewVecDense(3, nil), 1, 1)
	test.That(t, func() { pg.AddMeasurement(m3) }, test.ShouldPanic)
}

func TestSetMeasurementsReplaces(t *testing.T) {
	pg := twoRobotGraph(2)
	pg.SetMeasurements([]RelativeSEMeasurement{planarMeasurement(1, 0, 1, 1, 0, 1, 0)})
	test.That(t, pg.NumPoses(), test.ShouldEqual, 2)
	test.That(t, pg.SharedLoopClosures(), test.ShouldBeEmpty)
	test.That(t, pg.NeighborIDs(), test.ShouldBeEmpty)
	test.That(t, pg.ID(), test.ShouldEqual, 1)
}

func TestMeasurementsAreCopied(t *testing.T) {
	pg := New(0, 2, 2)
	m := planarMeasurement(0, 0, 0, 1, 0, 1, 0)
	pg.AddMeasurement(m)
	m.R.Set(0, 0, 9)
	m.Weight = 0.5
	stored := pg.Odometry()[0]
	test.That(t, stored.R.At(0, 0), test.ShouldEqual, 1.)
	test.That(t, stored.Weight, test.ShouldEqual, 1.)

	local := pg.LocalMeasurements()
	local[0].Weight = 0
	test.That(t, pg.Odometry()[0].Weight, test.ShouldEqual, 1.)
}

func randomIterate(rng *rand.Rand, r, d, n int) *mat.Dense {
	x := mat.NewDense(r, n*(d+1), nil)
	for i := 0; i < r; i++ {
		for j := 0; j < n*(d+1); j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	return manifold.NewLiftedSEManifold(r, d, n).Project(x)
}

func quadraticCost(pg *PoseGraph, x *mat.Dense) float64 {
	xq := pg.Q().LeftMul(x)
	return mat.Trace(mulT(xq, x)) + 2*mat.Trace(mulT(x, pg.G()))
}

func mulT(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b.T())
	return &out
}

func measurementCost(pg *PoseGraph, x *lifted.LiftedPoseArray, neighbors lifted.PoseDict) float64 {
	cost := 0.
	for _, m := range pg.Measurements() {
		m := m
		endpoint := func(robot, frame int) (*mat.Dense, *mat.VecDense) {
			if robot == pg.ID() {
				return x.Rotation(frame), x.Translation(frame)
			}
			pose := neighbors[lifted.NewPoseID(robot, frame)]
			return pose.Rotation(), pose.Translation()
		}
		r1, t1 := endpoint(m.R1, m.P1)
		r2, t2 := endpoint(m.R2, m.P2)
		cost += m.Weight * MeasurementError(&m, r1, t1, r2, t2)
	}
	return cost
}

func TestConstructDataMatricesMatchesMeasurementCost(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 43))
	r, d := 4, 2
	pg := twoRobotGraph(r)
	for _, m := range pg.PrivateLoopClosures() {
		m.Weight = 0.3
	}

	neighbors := lifted.PoseDict{
		lifted.NewPoseID(0, 5): lifted.NewLiftedPoseFromMatrix(randomIterate(rng, r, d, 1)),
		lifted.NewPoseID(2, 1): lifted.NewLiftedPoseFromMatrix(randomIterate(rng, r, d, 1)),
	}
	pg.SetNeighborPoses(neighbors)
	test.That(t, pg.ConstructDataMatrices(), test.ShouldBeTrue)
	test.That(t, pg.HasDataMatrices(), test.ShouldBeTrue)

	// Q is symmetric
	q := pg.Q().Dense()
	test.That(t, mat.EqualApprox(q, q.T(), 1e-12), test.ShouldBeTrue)

	// the quadratic form agrees with the measurement cost up to a constant
	x1 := lifted.NewLiftedPoseArray(r, d, pg.NumPoses())
	x1.SetData(randomIterate(rng, r, d, pg.NumPoses()))
	x2 := lifted.NewLiftedPoseArray(r, d, pg.NumPoses())
	x2.SetData(randomIterate(rng, r, d, pg.NumPoses()))

	diffQuadratic := quadraticCost(pg, x1.Data()) - quadraticCost(pg, x2.Data())
	diffMeasurement := measurementCost(pg, x1, neighbors) - measurementCost(pg, x2, neighbors)
	test.That(t, diffQuadratic, test.ShouldAlmostEqual, diffMeasurement, 1e-9)
}

func TestConstructDataMatricesRequiresNeighborPoses(t *testing.T) {
	pg := twoRobotGraph(2)
	test.That(t, pg.ConstructDataMatrices(), test.ShouldBeFalse)
	test.That(t, pg.Q(), test.ShouldBeNil)
	test.That(t, pg.G(), test.ShouldBeNil)

	pg.SetNeighborPoses(lifted.PoseDict{lifted.NewPoseID(0, 5): lifted.NewLiftedPose(2, 2)})
	test.That(t, pg.ConstructDataMatrices(), test.ShouldBeFalse)

	pg.SetNeighborPoses(lifted.PoseDict{
		lifted.NewPoseID(0, 5): lifted.NewLiftedPose(2, 2),
		lifted.NewPoseID(2, 1): lifted.NewLiftedPose(2, 2),
	})
	test.That(t, pg.ConstructDataMatrices(), test.ShouldBeTrue)
	pg.ClearDataMatrices()
	test.That(t, pg.HasDataMatrices(), test.ShouldBeFalse)

	test.That(t, New(0, 3, 3).ConstructDataMatrices(), test.ShouldBeFalse)
}

func TestStatistics(t *testing.T) {
	pg := twoRobotGraph(2)
	stat := pg.Statistics()
	test.That(t, stat.TotalLoopClosures, test.ShouldEqual, 3.)
	test.That(t, stat.AcceptedLoopClosures, test.ShouldEqual, 3.)
	test.That(t, stat.DecidedRatio(), test.ShouldEqual, 1.)

	shared := pg.SharedLoopClosures()
	shared[0].Weight = 0.05
	shared[1].Weight = 0.5
	pg.PrivateLoopClosures()[0].IsKnownInlier = true
	pg.PrivateLoopClosures()[0].Weight = 0.5
	stat = pg.Statistics()
	test.That(t, stat.AcceptedLoopClosures, test.ShouldEqual, 1.)
	test.That(t, stat.RejectedLoopClosures, test.ShouldEqual, 1.)
	test.That(t, stat.UndecidedLoopClosures(), test.ShouldEqual, 1.)
	test.That(t, stat.DecidedRatio(), test.ShouldAlmostEqual, 2./3)

	test.That(t, Statistics{}.DecidedRatio(), test.ShouldEqual, 1.)
}
