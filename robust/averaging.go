package robust

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/dpgo/spatialmath"
)

const (
	averagingMaxIters    = 1000
	averagingWeightTol   = 1e-8
	averagingInlierLevel = 0.5
)

func checkAveragingInput(n int, kappa []float64) {
	if n == 0 {
		panic(errors.New("cannot average an empty set"))
	}
	if kappa != nil && len(kappa) != n {
		panic(errors.Errorf("expected %d precisions, got %d", n, len(kappa)))
	}
}

func uniform(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// SingleRotationAveraging returns the chordal mean of rotations weighted by kappa, which may be
// nil for uniform weights.
func SingleRotationAveraging(rotations []*mat.Dense, kappa []float64) *mat.Dense {
	checkAveragingInput(len(rotations), kappa)
	if kappa == nil {
		kappa = uniform(len(rotations))
	}
	return weightedRotationMean(rotations, kappa, uniform(len(rotations)))
}

func weightedRotationMean(rotations []*mat.Dense, kappa, weights []float64) *mat.Dense {
	d, _ := rotations[0].Dims()
	sum := mat.NewDense(d, d, nil)
	for i, rot := range rotations {
		var scaled mat.Dense
		scaled.Scale(kappa[i]*weights[i], rot)
		sum.Add(sum, &scaled)
	}
	return spatialmath.ProjectToRotationGroup(sum)
}

// SingleTranslationAveraging returns the mean of translations weighted by tau, which may be nil
// for uniform weights.
func SingleTranslationAveraging(translations []*mat.VecDense, tau []float64) *mat.VecDense {
	checkAveragingInput(len(translations), tau)
	if tau == nil {
		tau = uniform(len(translations))
	}
	return weightedTranslationMean(translations, tau)
}

func weightedTranslationMean(translations []*mat.VecDense, weights []float64) *mat.VecDense {
	d := translations[0].Len()
	out := mat.NewVecDense(d, nil)
	coords := make([]float64, len(translations))
	for k := 0; k < d; k++ {
		for i, t := range translations {
			coords[i] = t.AtVec(k)
		}
		out.SetVec(k, stat.Mean(coords, weights))
	}
	return out
}

// gnc runs graduated non-convexity with a truncated least squares cost. residuals computes the
// residual of every sample given the current weights, refitting the model internally. It returns
// the final weights.
func gnc(n int, barc float64, residuals func(weights []float64) []float64) []float64 {
	weights := uniform(n)
	res := residuals(weights)
	maxResidual := floats.Max(res)
	if maxResidual <= barc {
		return weights
	}
	mu := barc * barc / (2*maxResidual*maxResidual - barc*barc)
	for iter := 0; iter < averagingMaxIters; iter++ {
		converged := true
		for i, r := range res {
			weights[i] = tlsWeight(r, barc, mu)
			if weights[i] > averagingWeightTol && weights[i] < 1-averagingWeightTol {
				converged = false
			}
		}
		if converged || floats.Sum(weights) == 0 {
			break
		}
		res = residuals(weights)
		mu *= 1.4
	}
	return weights
}

func inliersOf(weights []float64) []int {
	var inliers []int
	for i, w := range weights {
		if w > averagingInlierLevel {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// RobustSingleRotationAveraging estimates the mean rotation while rejecting candidates whose
// chordal residual sqrt(kappa)·‖R - Ri‖ exceeds errorThreshold. It returns the estimate and
// the indices of the inliers.
func RobustSingleRotationAveraging(rotations []*mat.Dense, kappa []float64, errorThreshold float64) (*mat.Dense, []int) {
	checkAveragingInput(len(rotations), kappa)
	if kappa == nil {
		kappa = uniform(len(rotations))
	}
	var estimate *mat.Dense
	weights := gnc(len(rotations), errorThreshold, func(weights []float64) []float64 {
		if floats.Sum(weights) > 0 {
			estimate = weightedRotationMean(rotations, kappa, weights)
		}
		res := make([]float64, len(rotations))
		for i, rot := range rotations {
			res[i] = math.Sqrt(kappa[i]) * spatialmath.ChordalDistance(estimate, rot)
		}
		return res
	})
	inliers := inliersOf(weights)
	if len(inliers) > 0 {
		estimate = weightedRotationMean(rotations, kappa, weights)
	}
	return estimate, inliers
}

// RobustSinglePoseAveraging jointly estimates a rotation and translation from candidates, with
// residual sqrt(kappa·‖R - Ri‖² + tau·‖t - ti‖²) and inlier bound errorThreshold.
func RobustSinglePoseAveraging(
	rotations []*mat.Dense,
	translations []*mat.VecDense,
	kappa, tau []float64,
	errorThreshold float64,
) (*mat.Dense, *mat.VecDense, []int) {
	checkAveragingInput(len(rotations), kappa)
	checkAveragingInput(len(translations), tau)
	if len(rotations) != len(translations) {
		panic(errors.Errorf("got %d rotations and %d translations", len(rotations), len(translations)))
	}
	if kappa == nil {
		kappa = uniform(len(rotations))
	}
	if tau == nil {
		tau = uniform(len(translations))
	}

	var rotation *mat.Dense
	var translation *mat.VecDense
	fit := func(weights []float64) {
		rotation = weightedRotationMean(rotations, kappa, weights)
		tw := make([]float64, len(weights))
		floats.MulTo(tw, tau, weights)
		translation = weightedTranslationMean(translations, tw)
	}
	weights := gnc(len(rotations), errorThreshold, func(weights []float64) []float64 {
		if floats.Sum(weights) > 0 {
			fit(weights)
		}
		res := make([]float64, len(rotations))
		for i := range rotations {
			rd := spatialmath.ChordalDistance(rotation, rotations[i])
			var dt mat.VecDense
			dt.SubVec(translation, translations[i])
			res[i] = math.Sqrt(kappa[i]*rd*rd + tau[i]*mat.Dot(&dt, &dt))
		}
		return res
	})
	inliers := inliersOf(weights)
	if len(inliers) > 0 {
		fit(weights)
	}
	return rotation, translation, inliers
}
