package dataset

import (
	"bytes"
	"math"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/logging"
	"go.viam.com/dpgo/posegraph"
	"go.viam.com/dpgo/spatialmath"
)

const planar = `# comment
VERTEX_SE2 3 0 0 0
EDGE_SE2 3 4 1 0 0.5 4 0 0 4 0 20
EDGE_SE2 4 5 1 0 0.5 4 0 0 1 0 20
FIX 3
EDGE_SE2 3 5 1.5 0.5 1 2 0 0 2 0 10
`

func TestParseG2OPlanar(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	ds, err := ParseG2O(strings.NewReader(planar), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ds.D, test.ShouldEqual, 2)
	test.That(t, ds.NumPoses, test.ShouldEqual, 3)
	test.That(t, ds.Measurements, test.ShouldHaveLength, 3)
	test.That(t, logs.FilterMessage("first pose ID is not zero, re-indexing").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("FIX is not supported, skipping line").Len(), test.ShouldEqual, 1)

	m := ds.Measurements[0]
	test.That(t, m.P1, test.ShouldEqual, 0)
	test.That(t, m.P2, test.ShouldEqual, 1)
	test.That(t, m.FixedWeight, test.ShouldBeTrue)
	test.That(t, m.Kappa, test.ShouldEqual, 20.)
	test.That(t, m.Tau, test.ShouldAlmostEqual, 4.)
	test.That(t, spatialmath.RotationAngle2D(m.R), test.ShouldAlmostEqual, 0.5)

	// tau = 2 / trace(diag(1/4, 1))
	test.That(t, ds.Measurements[1].Tau, test.ShouldAlmostEqual, 1.6)
	test.That(t, ds.Measurements[2].FixedWeight, test.ShouldBeFalse)
	test.That(t, ds.Measurements[2].T.AtVec(1), test.ShouldEqual, 0.5)
}

func TestParseG2OSpatial(t *testing.T) {
	// 90 degrees about z, translation information 2 I, rotation information 8 I
	line := "EDGE_SE3:QUAT 0 1 1 2 3 0 0 0.7071067811865476 0.7071067811865476 " +
		"2 0 0 0 0 0  2 0 0 0 0  2 0 0 0  8 0 0  8 0  8\n"
	ds, err := ParseG2O(strings.NewReader(line), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ds.D, test.ShouldEqual, 3)
	m := ds.Measurements[0]
	test.That(t, m.Tau, test.ShouldAlmostEqual, 2.)
	test.That(t, m.Kappa, test.ShouldAlmostEqual, 4.)
	expected := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	test.That(t, mat.EqualApprox(m.R, expected, 1e-12), test.ShouldBeTrue)
	test.That(t, m.T.AtVec(2), test.ShouldEqual, 3.)
}

func TestParseG2OErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	for _, tc := range []struct {
		name, input, message string
	}{
		{"empty", "# nothing\n", "no measurements"},
		{"unknown token", "EDGE_FOO 0 1\n", "unrecognized type"},
		{"short edge", "EDGE_SE2 0 1 1 0 0\n", "expected 9 values"},
		{"bad number", "EDGE_SE2 0 1 1 0 x 1 0 0 1 0 1\n", "line 1"},
		{"gap", "EDGE_SE2 0 1 1 0 0 1 0 0 1 0 1\nEDGE_SE2 3 4 1 0 0 1 0 0 1 0 1\n", "consecutive"},
		{"singular", "EDGE_SE2 0 1 1 0 0 0 0 0 0 0 1\n", "singular"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseG2O(strings.NewReader(tc.input), logger)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.message)
		})
	}

	_, err := ReadG2O(filepath.Join(t.TempDir(), "missing.g2o"), logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "missing.g2o")
}

func sameMeasurement(t *testing.T, got, want posegraph.RelativeSEMeasurement) {
	t.Helper()
	test.That(t, got.ID(), test.ShouldResemble, want.ID())
	test.That(t, mat.EqualApprox(got.R, want.R, 1e-9), test.ShouldBeTrue)
	test.That(t, mat.EqualApprox(got.T, want.T, 1e-9), test.ShouldBeTrue)
	test.That(t, got.Kappa, test.ShouldAlmostEqual, want.Kappa, 1e-9)
	test.That(t, got.Tau, test.ShouldAlmostEqual, want.Tau, 1e-9)
	test.That(t, got.FixedWeight, test.ShouldEqual, want.FixedWeight)
}

func TestWriteThenParse(t *testing.T) {
	for _, d := range []int{2, 3} {
		params := DefaultSimulationParams()
		params.D = d
		params.NumPoses = 12
		params.RotationNoise = 0.01
		params.TranslationNoise = 0.05
		sim, err := Simulate(params, rand.NewPCG(uint64(d), 9))
		test.That(t, err, test.ShouldBeNil)

		path := filepath.Join(t.TempDir(), "sim.g2o")
		test.That(t, WriteG2OFile(path, sim.Dataset), test.ShouldBeNil)
		ds, err := ReadG2O(path, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ds.D, test.ShouldEqual, d)
		test.That(t, ds.NumPoses, test.ShouldEqual, sim.Dataset.NumPoses)
		test.That(t, ds.Measurements, test.ShouldHaveLength, len(sim.Dataset.Measurements))
		for i := range ds.Measurements {
			sameMeasurement(t, ds.Measurements[i], sim.Dataset.Measurements[i])
		}
	}
}

func TestSimulateNoiseFree(t *testing.T) {
	params := DefaultSimulationParams()
	params.D = 3
	sim, err := Simulate(params, rand.NewPCG(1, 1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sim.Outliers, test.ShouldBeEmpty)
	test.That(t, sim.Dataset.Measurements, test.ShouldHaveLength, 49+9)
	for _, m := range sim.Dataset.Measurements {
		err := posegraph.MeasurementError(&m,
			sim.GroundTruth.Rotation(m.P1), sim.GroundTruth.Translation(m.P1),
			sim.GroundTruth.Rotation(m.P2), sim.GroundTruth.Translation(m.P2))
		test.That(t, err, test.ShouldBeLessThan, 1e-12)
	}
}

func TestSimulateOutliers(t *testing.T) {
	params := DefaultSimulationParams()
	params.OutlierRatio = 1
	sim, err := Simulate(params, rand.NewPCG(5, 5))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sim.Outliers, test.ShouldHaveLength, 9)
	for _, index := range sim.Outliers {
		m := sim.Dataset.Measurements[index]
		test.That(t, m.P2-m.P1, test.ShouldBeGreaterThan, 1)
		test.That(t, spatialmath.CheckRotationMatrix(m.R), test.ShouldBeNil)
	}

	params.OutlierRatio = 2
	params.D = 4
	_, err = Simulate(params, rand.NewPCG(5, 5))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "simulation.d")
	test.That(t, err.Error(), test.ShouldContainSubstring, "simulation.outlier_ratio")
}

func TestPartition(t *testing.T) {
	sim, err := Simulate(DefaultSimulationParams(), rand.NewPCG(2, 3))
	test.That(t, err, test.ShouldBeNil)
	p, err := NewPartition(sim.Dataset, 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.PosesPerRobot, test.ShouldEqual, 16)
	test.That(t, p.Robots[0].NumPoses, test.ShouldEqual, 16)
	test.That(t, p.Robots[2].NumPoses, test.ShouldEqual, 18)

	robot, local := p.Locate(49)
	test.That(t, robot, test.ShouldEqual, 2)
	test.That(t, local, test.ShouldEqual, 17)
	test.That(t, func() { p.Locate(50) }, test.ShouldPanic)

	local, shared := 0, 0
	for robot, data := range p.Robots {
		test.That(t, data.Odometry, test.ShouldHaveLength, data.NumPoses-1)
		for _, m := range append(data.Odometry, data.PrivateLoopClosures...) {
			test.That(t, m.R1, test.ShouldEqual, robot)
			test.That(t, m.R2, test.ShouldEqual, robot)
		}
		for _, m := range data.SharedLoopClosures {
			test.That(t, m.R1 == robot || m.R2 == robot, test.ShouldBeTrue)
			test.That(t, m.R1, test.ShouldNotEqual, m.R2)
		}
		local += len(data.Odometry) + len(data.PrivateLoopClosures)
		shared += len(data.SharedLoopClosures)
	}
	// both endpoints hold a copy of each shared edge
	test.That(t, shared%2, test.ShouldEqual, 0)
	test.That(t, local+shared/2, test.ShouldEqual, len(sim.Dataset.Measurements))

	_, err = NewPartition(sim.Dataset, 51)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAssemble(t *testing.T) {
	sim, err := Simulate(DefaultSimulationParams(), rand.NewPCG(2, 3))
	test.That(t, err, test.ShouldBeNil)
	p, err := NewPartition(sim.Dataset, 4)
	test.That(t, err, test.ShouldBeNil)

	pieces := make([]*lifted.PoseArray, len(p.Robots))
	for robot, data := range p.Robots {
		pieces[robot] = lifted.NewPoseArray(2, data.NumPoses)
		for i := 0; i < data.NumPoses; i++ {
			pieces[robot].SetPoseAt(i, sim.GroundTruth.PoseAt(p.GlobalIndex(lifted.NewPoseID(robot, i))))
		}
	}
	whole, err := p.Assemble(pieces)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.Equal(whole.View(), sim.GroundTruth.View()), test.ShouldBeTrue)

	_, err = p.Assemble(pieces[:2])
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFormatEdgeAngles(t *testing.T) {
	m := posegraph.NewRelativeSEMeasurement(0, 0, 0, 2, spatialmath.RotationMatrix2D(math.Pi/2), mat.NewVecDense(2, []float64{1, 2}), 3, 4)
	var buf bytes.Buffer
	test.That(t, WriteG2O(&buf, &Dataset{D: 2, NumPoses: 3, Measurements: []posegraph.RelativeSEMeasurement{m}}), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldStartWith, "EDGE_SE2 0 2 1 2 1.5707963267948966 4 0 0 4 0 3")
}
