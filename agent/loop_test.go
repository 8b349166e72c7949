package agent

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/goleak"
	"go.viam.com/test"

	"go.viam.com/dpgo/logging"
	"go.viam.com/dpgo/spatialmath"
)

func TestOptimizationLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, data := teamData(1)
	mockClock := clock.NewMock()
	a := New(0, testParams(1), logging.NewTestLogger(t), WithClock(mockClock), WithRandSource(rand.NewPCG(1, 2)))
	a.SetMeasurements(data[0].odometry, data[0].private, nil)
	a.Initialize(nil)

	test.That(t, a.IsOptimizationRunning(), test.ShouldBeFalse)
	test.That(t, a.StartOptimizationLoop(10), test.ShouldBeNil)
	test.That(t, a.IsOptimizationRunning(), test.ShouldBeTrue)
	// second start is a no-op
	test.That(t, a.StartOptimizationLoop(10), test.ShouldBeNil)

	for i := 0; i < 1000 && a.IterationNumber() < 3; i++ {
		mockClock.Add(time.Second)
		time.Sleep(time.Millisecond)
	}
	test.That(t, a.IterationNumber(), test.ShouldBeGreaterThanOrEqualTo, 3)
	test.That(t, func() { a.Initialize(nil) }, test.ShouldPanic)

	a.EndOptimizationLoop()
	test.That(t, a.IsOptimizationRunning(), test.ShouldBeFalse)
	iterations := a.IterationNumber()
	mockClock.Add(time.Minute)
	test.That(t, a.IterationNumber(), test.ShouldEqual, iterations)
	a.EndOptimizationLoop()
}

func TestOptimizationLoopRestartsAroundReinitialization(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, data := teamData(1)
	a := New(0, testParams(1), logging.NewTestLogger(t), WithClock(clock.NewMock()))
	a.SetMeasurements(data[0].odometry, data[0].private, nil)
	a.Initialize(nil)
	test.That(t, a.StartOptimizationLoop(5), test.ShouldBeNil)

	before := a.X()
	a.InitializeInGlobalFrame(spatialmath.NewIdentityPose(2))
	test.That(t, a.IsOptimizationRunning(), test.ShouldBeTrue)
	test.That(t, a.X(), test.ShouldResemble, before)
	a.Reset()
	test.That(t, a.IsOptimizationRunning(), test.ShouldBeFalse)
}

func TestOptimizationLoopRejectsAcceleration(t *testing.T) {
	params := testParams(2)
	params.Acceleration = true
	a := New(0, params, logging.NewTestLogger(t))
	err := a.StartOptimizationLoop(10)
	test.That(t, errors.Is(err, ErrAccelerationAsync), test.ShouldBeTrue)
	test.That(t, a.IsOptimizationRunning(), test.ShouldBeFalse)
}
