package dataset

import (
	"math"
	"math/rand/v2"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/posegraph"
	"go.viam.com/dpgo/spatialmath"
)

// SimulationParams describes a synthetic trajectory that turns at a constant rate and closes
// loops back to random earlier poses.
type SimulationParams struct {
	D        int `json:"d"`
	NumPoses int `json:"num_poses"`
	// LoopClosureStride adds one loop closure every LoopClosureStride poses.
	LoopClosureStride int     `json:"loop_closure_stride"`
	TurnRate          float64 `json:"turn_rate"`
	// RotationNoise (radians) and TranslationNoise (meters) are standard deviations.
	RotationNoise    float64 `json:"rotation_noise"`
	TranslationNoise float64 `json:"translation_noise"`
	// OutlierRatio is the probability that a loop closure is replaced by a random pose.
	OutlierRatio float64 `json:"outlier_ratio"`
	Kappa        float64 `json:"kappa"`
	Tau          float64 `json:"tau"`
}

// DefaultSimulationParams returns a noise-free planar trajectory of 50 poses.
func DefaultSimulationParams() SimulationParams {
	return SimulationParams{
		D:                 2,
		NumPoses:          50,
		LoopClosureStride: 5,
		TurnRate:          0.2,
		Kappa:             100,
		Tau:               10,
	}
}

// Validate returns every invalid field under path.
func (p SimulationParams) Validate(path string) error {
	var err error
	if p.D != 2 && p.D != 3 {
		err = multierr.Append(err, errors.Errorf("%s.d must be 2 or 3, got %d", path, p.D))
	}
	if p.NumPoses < 2 {
		err = multierr.Append(err, errors.Errorf("%s.num_poses must be at least 2, got %d", path, p.NumPoses))
	}
	if p.LoopClosureStride <= 1 {
		err = multierr.Append(err, errors.Errorf("%s.loop_closure_stride must be at least 2, got %d", path, p.LoopClosureStride))
	}
	if p.RotationNoise < 0 || p.TranslationNoise < 0 {
		err = multierr.Append(err, errors.Errorf("%s noise must be non-negative", path))
	}
	if p.OutlierRatio < 0 || p.OutlierRatio > 1 {
		err = multierr.Append(err, errors.Errorf("%s.outlier_ratio must be in [0, 1], got %g", path, p.OutlierRatio))
	}
	if p.Kappa <= 0 || p.Tau <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.kappa and %s.tau must be positive", path, path))
	}
	return err
}

// Simulation is a synthetic dataset with its ground truth and the indices of outlier edges.
type Simulation struct {
	Dataset     *Dataset
	GroundTruth *lifted.PoseArray
	Outliers    []int
}

type simulator struct {
	params      SimulationParams
	rng         *rand.Rand
	rotation    distuv.Normal
	translation distuv.Normal
	uniform     distuv.Uniform
}

// Simulate generates a dataset from params using src for every random draw.
func Simulate(params SimulationParams, src rand.Source) (*Simulation, error) {
	if err := params.Validate("simulation"); err != nil {
		return nil, err
	}
	s := &simulator{
		params:      params,
		rng:         rand.New(src),
		rotation:    distuv.Normal{Mu: 0, Sigma: params.RotationNoise, Src: src},
		translation: distuv.Normal{Mu: 0, Sigma: params.TranslationNoise, Src: src},
		uniform:     distuv.Uniform{Min: -1, Max: 1, Src: src},
	}

	truth := lifted.NewPoseArray(params.D, params.NumPoses)
	for i := 1; i < params.NumPoses; i++ {
		truth.SetPoseAt(i, truth.PoseAt(i-1).Compose(s.step(i)))
	}

	ds := &Dataset{D: params.D, NumPoses: params.NumPoses}
	for i := 0; i+1 < params.NumPoses; i++ {
		ds.Measurements = append(ds.Measurements, s.measure(truth, i, i+1))
	}
	sim := &Simulation{Dataset: ds, GroundTruth: truth}
	for i := params.LoopClosureStride; i < params.NumPoses; i += params.LoopClosureStride {
		j := s.rng.IntN(i - 1)
		if s.rng.Float64() < params.OutlierRatio {
			sim.Outliers = append(sim.Outliers, len(ds.Measurements))
			ds.Measurements = append(ds.Measurements, s.outlier(j, i))
			continue
		}
		ds.Measurements = append(ds.Measurements, s.measure(truth, j, i))
	}
	return sim, nil
}

// step is the ground-truth motion from pose i-1 to pose i.
func (s *simulator) step(i int) spatialmath.Pose {
	if s.params.D == 2 {
		return spatialmath.NewPose2D(s.params.TurnRate, 1, 0)
	}
	// climb slowly while turning
	climb := 0.05 * math.Sin(float64(i)/10)
	rotation := spatialmath.R3ToR4(r3.Vector{X: 0, Y: climb, Z: s.params.TurnRate}).RotationMatrix()
	return spatialmath.NewPose(rotation, mat.NewVecDense(3, []float64{1, 0, 0}))
}

func (s *simulator) noise(scale func() float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = scale()
	}
	return out
}

func (s *simulator) measure(truth *lifted.PoseArray, i, j int) posegraph.RelativeSEMeasurement {
	rel := truth.PoseAt(i).Inverse().Compose(truth.PoseAt(j))
	d := s.params.D
	var rotationNoise spatialmath.Pose
	if d == 2 {
		rotationNoise = spatialmath.NewPose2D(s.rotation.Rand(), 0, 0)
	} else {
		v := s.noise(s.rotation.Rand, 3)
		rotationNoise = spatialmath.NewPose(
			spatialmath.R3ToR4(r3.Vector{X: v[0], Y: v[1], Z: v[2]}).RotationMatrix(), mat.NewVecDense(3, nil))
	}
	translation := mat.NewVecDense(d, s.noise(s.translation.Rand, d))
	translation.AddVec(translation, rel.Translation())
	var rotation mat.Dense
	rotation.Mul(rel.Rotation(), rotationNoise.Rotation())
	return posegraph.NewRelativeSEMeasurement(0, 0, i, j, &rotation, translation, s.params.Kappa, s.params.Tau)
}

func (s *simulator) outlier(i, j int) posegraph.RelativeSEMeasurement {
	d := s.params.D
	var rotation *mat.Dense
	if d == 2 {
		rotation = spatialmath.RotationMatrix2D(math.Pi * s.uniform.Rand())
	} else {
		rotation = spatialmath.R3ToR4(r3.Vector{
			X: math.Pi * s.uniform.Rand(), Y: math.Pi * s.uniform.Rand(), Z: math.Pi * s.uniform.Rand(),
		}).RotationMatrix()
	}
	translation := mat.NewVecDense(d, s.noise(func() float64 { return 10 * s.uniform.Rand() }, d))
	return posegraph.NewRelativeSEMeasurement(0, 0, i, j, rotation, translation, s.params.Kappa, s.params.Tau)
}
