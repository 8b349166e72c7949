package team

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/dpgo/agent"
	"go.viam.com/dpgo/dataset"
	"go.viam.com/dpgo/logging"
)

func simulation(t *testing.T, numPoses int, noise float64) *dataset.Simulation {
	t.Helper()
	params := dataset.DefaultSimulationParams()
	params.NumPoses = numPoses
	params.RotationNoise = noise / 5
	params.TranslationNoise = noise
	sim, err := dataset.Simulate(params, rand.NewPCG(11, 13))
	test.That(t, err, test.ShouldBeNil)
	return sim
}

func teamParams() agent.Params {
	params := agent.DefaultParams(2, 3, 1)
	params.RobustInitMinInliers = 1
	return params
}

func newTeam(t *testing.T, sim *dataset.Simulation, numRobots int, params agent.Params) (*Team, *dataset.Partition) {
	t.Helper()
	partition, err := dataset.NewPartition(sim.Dataset, numRobots)
	test.That(t, err, test.ShouldBeNil)
	tm, err := New(params, partition.Robots, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tm.Size(), test.ShouldEqual, numRobots)
	test.That(t, tm.Initialize(), test.ShouldBeNil)
	return tm, partition
}

// meanError returns the mean translation error of the assembled team trajectory.
func meanError(t *testing.T, tm *Team, partition *dataset.Partition, sim *dataset.Simulation) float64 {
	t.Helper()
	trajectories, err := tm.Trajectories()
	test.That(t, err, test.ShouldBeNil)
	whole, err := partition.Assemble(trajectories)
	test.That(t, err, test.ShouldBeNil)
	total := 0.
	for i := 0; i < whole.N(); i++ {
		total += whole.PoseAt(i).TranslationDistance(sim.GroundTruth.PoseAt(i))
	}
	return total / float64(whole.N())
}

func TestSyncRunNoiseFree(t *testing.T) {
	sim := simulation(t, 30, 0)
	tm, partition := newTeam(t, sim, 3, teamParams())
	test.That(t, meanError(t, tm, partition, sim), test.ShouldBeLessThan, 1e-4)

	result, err := tm.RunSync(context.Background(), 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Terminated, test.ShouldBeTrue)
	test.That(t, result.Rounds, test.ShouldBeLessThan, 100)
	test.That(t, agent.ReadyCount(result.Statuses), test.ShouldEqual, 3)
	test.That(t, meanError(t, tm, partition, sim), test.ShouldBeLessThan, 1e-4)
}

func TestSyncRunAccelerated(t *testing.T) {
	sim := simulation(t, 30, 0)
	params := teamParams()
	params.Acceleration = true
	tm, partition := newTeam(t, sim, 2, params)

	result, err := tm.RunSync(context.Background(), 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Terminated, test.ShouldBeTrue)
	test.That(t, meanError(t, tm, partition, sim), test.ShouldBeLessThan, 1e-4)

	_, err = tm.RunAsync(context.Background(), 10, time.Millisecond)
	test.That(t, errors.Is(err, agent.ErrAccelerationAsync), test.ShouldBeTrue)
}

func TestSyncRunNoisy(t *testing.T) {
	sim := simulation(t, 40, 0.05)
	tm, partition := newTeam(t, sim, 2, teamParams())

	result, err := tm.RunSync(context.Background(), 200)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Rounds, test.ShouldBeGreaterThan, 0)
	test.That(t, result.Statuses, test.ShouldHaveLength, 2)
	for id, status := range result.Statuses {
		test.That(t, status.AgentID, test.ShouldEqual, id)
		test.That(t, status.State, test.ShouldEqual, agent.Initialized)
	}
	test.That(t, meanError(t, tm, partition, sim), test.ShouldBeLessThan, 0.5)
}

func TestSyncRunCancelled(t *testing.T) {
	sim := simulation(t, 20, 0)
	tm, _ := newTeam(t, sim, 2, teamParams())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := tm.RunSync(ctx, 10)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, result.Rounds, test.ShouldEqual, 0)
}

func TestAsyncRun(t *testing.T) {
	sim := simulation(t, 30, 0)
	tm, partition := newTeam(t, sim, 2, teamParams())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	result, err := tm.RunAsync(ctx, 200, 5*time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Terminated, test.ShouldBeTrue)
	for _, a := range tm.Agents() {
		test.That(t, a.IsOptimizationRunning(), test.ShouldBeFalse)
	}
	test.That(t, meanError(t, tm, partition, sim), test.ShouldBeLessThan, 1e-4)
}

func TestInitializeNeedsOverlap(t *testing.T) {
	sim := simulation(t, 20, 0)
	partition, err := dataset.NewPartition(sim.Dataset, 2)
	test.That(t, err, test.ShouldBeNil)
	robots := partition.Robots
	robots[0].SharedLoopClosures = nil
	robots[1].SharedLoopClosures = nil

	tm, err := New(teamParams(), robots, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	err = tm.Initialize()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "[1]")
}

func TestNewValidates(t *testing.T) {
	_, err := New(teamParams(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	params := teamParams()
	params.D = 5
	_, err = New(params, make([]dataset.RobotMeasurements, 2), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCloseLogsEstimates(t *testing.T) {
	sim := simulation(t, 20, 0)
	params := teamParams()
	params.LogData = true
	params.LogDirectory = t.TempDir()
	tm, _ := newTeam(t, sim, 2, params)
	_, err := tm.RunSync(context.Background(), 4)
	test.That(t, err, test.ShouldBeNil)

	tm.Close()
	for _, a := range tm.Agents() {
		test.That(t, a.State(), test.ShouldEqual, agent.WaitForData)
	}
	for _, robot := range []string{"robot0", "robot1"} {
		_, err = os.Stat(filepath.Join(params.LogDirectory, robot, "trajectory_optimized.csv"))
		test.That(t, err, test.ShouldBeNil)
	}
}
