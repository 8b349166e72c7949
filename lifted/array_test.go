package lifted

import (
	"math/rand/v2"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/spatialmath"
)

func TestLiftedPoseArraySetDataRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for _, shape := range [][3]int{{3, 2, 1}, {5, 3, 4}, {4, 2, 7}} {
		r, d, n := shape[0], shape[1], shape[2]
		in := mat.NewDense(r, n*(d+1), nil)
		for i := 0; i < r; i++ {
			for j := 0; j < n*(d+1); j++ {
				in.Set(i, j, rng.NormFloat64()*1e3)
			}
		}
		arr := NewLiftedPoseArray(r, d, n)
		arr.SetData(in)
		test.That(t, mat.Equal(arr.Data(), in), test.ShouldBeTrue)

		// the array holds its own copy
		in.Set(0, 0, 42)
		test.That(t, arr.Data().At(0, 0), test.ShouldNotEqual, 42.)
	}
}

func TestLiftedPoseArrayShapeChecks(t *testing.T) {
	arr := NewLiftedPoseArray(4, 3, 2)
	test.That(t, func() { arr.SetData(mat.NewDense(4, 7, nil)) }, test.ShouldPanic)
	test.That(t, func() { arr.Pose(2) }, test.ShouldPanic)
	test.That(t, func() { arr.SetPose(0, NewLiftedPose(3, 3)) }, test.ShouldPanic)
	test.That(t, func() { NewLiftedPoseArray(2, 3, 1) }, test.ShouldPanic)
	test.That(t, func() { NewLiftedPoseArray(3, 3, 0) }, test.ShouldPanic)
}

func TestLiftedPoseArrayBlocks(t *testing.T) {
	arr := NewLiftedPoseArray(4, 2, 3)
	for i := 0; i < arr.N(); i++ {
		test.That(t, spatialmath.CheckStiefelMatrix(arr.Rotation(i)), test.ShouldBeNil)
		test.That(t, mat.Norm(arr.Translation(i), 2), test.ShouldEqual, 0.)
	}

	pose := arr.Pose(1)
	block := pose.Matrix()
	block.Set(2, 2, 3.5)
	arr.SetPose(1, NewLiftedPoseFromMatrix(block))
	test.That(t, arr.Translation(1).AtVec(2), test.ShouldEqual, 3.5)
	test.That(t, arr.Translation(0).AtVec(2), test.ShouldEqual, 0.)
	test.That(t, arr.Translation(2).AtVec(2), test.ShouldEqual, 0.)
	test.That(t, arr.Pose(1).Translation().AtVec(2), test.ShouldEqual, 3.5)

	// returned poses are copies
	pose.Matrix().Set(0, 0, -1)
	test.That(t, arr.Rotation(1).At(0, 0), test.ShouldEqual, 1.)
}

func TestAverageTranslationDistance(t *testing.T) {
	a := NewPoseArray(2, 2)
	b := a.Copy()
	test.That(t, AverageTranslationDistance(&a.LiftedPoseArray, &b.LiftedPoseArray), test.ShouldEqual, 0.)

	b.SetPoseAt(0, spatialmath.NewPose2D(0, 3, 4))
	b.SetPoseAt(1, spatialmath.NewPose2D(1, 1, 0))
	test.That(t, AverageTranslationDistance(&a.LiftedPoseArray, &b.LiftedPoseArray), test.ShouldAlmostEqual, 3)
	test.That(t, func() {
		AverageTranslationDistance(&a.LiftedPoseArray, NewLiftedPoseArray(3, 2, 2))
	}, test.ShouldPanic)
}

func TestPoseArray(t *testing.T) {
	traj := NewPoseArray(2, 3)
	p := spatialmath.NewPose2D(0.4, 1, 2)
	traj.SetPoseAt(2, p)
	test.That(t, traj.PoseAt(2).AlmostEqual(p, 1e-15), test.ShouldBeTrue)
	test.That(t, traj.PoseAt(0).AlmostEqual(spatialmath.NewIdentityPose(2), 0), test.ShouldBeTrue)

	again := NewPoseArrayFromMatrix(traj.Data())
	test.That(t, again.N(), test.ShouldEqual, 3)
	test.That(t, again.PoseAt(2).AlmostEqual(p, 0), test.ShouldBeTrue)
	test.That(t, func() { NewPoseArrayFromMatrix(mat.NewDense(2, 4, nil)) }, test.ShouldPanic)
}
