// Package agent implements one robot of a distributed pose-graph optimization team: its
// lifecycle, the alignment of its frame to its neighbors', robust loop closure weighting and the
// (optionally accelerated) local iteration, run either by the caller or by a Poisson-timed loop.
package agent

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/datalog"
	"go.viam.com/dpgo/initialization"
	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/logging"
	"go.viam.com/dpgo/posegraph"
	"go.viam.com/dpgo/robust"
	"go.viam.com/dpgo/solver"
	"go.viam.com/dpgo/spatialmath"
)

// Agent estimates the trajectory of one robot. It never references other agents; neighbor data
// arrives as copies through UpdateNeighborPoses, UpdateAuxNeighborPoses, UpdateNeighborWeights
// and SetNeighborStatus.
//
// Locks are always taken in the order posesMu, measurementsMu, neighborsMu.
type Agent struct {
	id     int
	params Params
	logger logging.Logger
	clock  clock.Clock
	src    rand.Source
	dlog   *datalog.Logger

	state            atomic.Int32
	instanceNumber   atomic.Int64
	iterationNumber  atomic.Int64
	numPosesReceived atomic.Int64

	publishPosesRequested   atomic.Bool
	publishWeightsRequested atomic.Bool

	posesMu sync.Mutex
	// x is the current iterate; y and v are the look-ahead and momentum points of acceleration
	// and xPrev the iterate before the last step.
	x, y, v, xPrev *lifted.LiftedPoseArray
	xInit          *lifted.LiftedPoseArray
	tLocalInit     *lifted.PoseArray
	liftingMatrix  *mat.Dense
	globalAnchor   *lifted.LiftedPose
	gamma, alpha   float64
	status         Status
	lastResult     solver.Result

	measurementsMu sync.Mutex
	poseGraph      *posegraph.PoseGraph
	robustCost     *robust.Cost

	neighborsMu      sync.Mutex
	neighborPoses    lifted.PoseDict
	auxNeighborPoses lifted.PoseDict
	teamStatus       map[int]Status

	loopMu sync.Mutex
	loop   *optimizationLoop
	rate   float64
}

// Option customizes an Agent.
type Option func(*Agent)

// WithClock makes the optimization loop wait on c instead of the wall clock.
func WithClock(c clock.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

// WithRandSource seeds the delays of the optimization loop.
func WithRandSource(src rand.Source) Option {
	return func(a *Agent) { a.src = src }
}

// New returns an agent in WaitForData. Agent 0 generates the team's lifting matrix; every other
// agent must receive it through SetLiftingMatrix before it can be initialized.
func New(id int, params Params, logger logging.Logger, opts ...Option) *Agent {
	require(id >= 0, "New", "agent id must be non-negative, got %d", id)
	if err := params.Validate("agent"); err != nil {
		panic(newPreconditionError("New", "invalid parameters: %v", err))
	}
	a := &Agent{
		id:     id,
		params: params,
		logger: logger.Sublogger(fmt.Sprintf("agent%d", id)),
		clock:  clock.New(),
		src:    rand.NewPCG(uint64(id), 0x5eed),
	}
	for _, opt := range opts {
		opt(a)
	}
	if params.LogData {
		a.dlog = datalog.New(params.LogDirectory)
	}
	a.resetEstimatorLocked()
	a.status = Status{AgentID: id, State: WaitForData}
	if id == 0 {
		a.liftingMatrix = lifted.FixedStiefelVariable(params.D, params.R)
	}
	a.logger.Debugw("agent created", "d", params.D, "r", params.R, "num_robots", params.NumRobots,
		"acceleration", params.Acceleration, "robust_cost", params.RobustCost.CostType)
	return a
}

// resetEstimatorLocked discards all estimator state. Callers hold every lock or own the agent
// exclusively.
func (a *Agent) resetEstimatorLocked() {
	r, d := a.params.R, a.params.D
	a.x = lifted.NewLiftedPoseArray(r, d, 1)
	a.y = a.x.Copy()
	a.v = a.x.Copy()
	a.xPrev = a.x.Copy()
	a.xInit = nil
	a.tLocalInit = nil
	a.globalAnchor = nil
	a.gamma, a.alpha = 0, 0
	a.lastResult = solver.Result{}
	a.poseGraph = posegraph.New(a.id, r, d)
	a.robustCost = robust.NewCost(a.params.RobustCost)
	a.neighborPoses = lifted.PoseDict{}
	a.auxNeighborPoses = lifted.PoseDict{}
	a.teamStatus = map[int]Status{}
	a.publishPosesRequested.Store(false)
	a.publishWeightsRequested.Store(false)
}

// ID returns the robot identifier.
func (a *Agent) ID() int { return a.id }

// Params returns the agent's parameters.
func (a *Agent) Params() Params { return a.params }

// State returns the lifecycle stage.
func (a *Agent) State() State { return State(a.state.Load()) }

func (a *Agent) setState(s State) { a.state.Store(int32(s)) }

// InstanceNumber counts the Resets of this agent.
func (a *Agent) InstanceNumber() int { return int(a.instanceNumber.Load()) }

// IterationNumber counts the Iterate calls since the last Reset.
func (a *Agent) IterationNumber() int { return int(a.iterationNumber.Load()) }

// NumPosesReceived counts the neighbor poses received since the last Reset.
func (a *Agent) NumPosesReceived() int { return int(a.numPosesReceived.Load()) }

// NumPoses returns the number of poses of the local graph.
func (a *Agent) NumPoses() int {
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	return a.poseGraph.NumPoses()
}

// AddMeasurement adds one measurement to the local graph.
func (a *Agent) AddMeasurement(m posegraph.RelativeSEMeasurement) {
	require(a.State() == WaitForData, "AddMeasurement", "agent %d is %v", a.id, a.State())
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	a.poseGraph.AddMeasurement(m)
}

// SetMeasurements replaces the local graph. It does nothing when odometry is empty.
func (a *Agent) SetMeasurements(odometry, privateLoopClosures, sharedLoopClosures []posegraph.RelativeSEMeasurement) {
	require(!a.IsOptimizationRunning(), "SetMeasurements", "optimization loop of agent %d is running", a.id)
	require(a.State() == WaitForData, "SetMeasurements", "agent %d is %v", a.id, a.State())
	if len(odometry) == 0 {
		return
	}
	all := make([]posegraph.RelativeSEMeasurement, 0, len(odometry)+len(privateLoopClosures)+len(sharedLoopClosures))
	all = append(all, odometry...)
	all = append(all, privateLoopClosures...)
	all = append(all, sharedLoopClosures...)

	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	a.poseGraph.SetMeasurements(all)
}

// Measurements returns copies of every measurement with its current weight.
func (a *Agent) Measurements() []posegraph.RelativeSEMeasurement {
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	return a.poseGraph.Measurements()
}

// Statistics returns the loop closure classification of the local graph.
func (a *Agent) Statistics() posegraph.Statistics {
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	return a.poseGraph.Statistics()
}

// Initialize computes a local trajectory, from tInit when its shape matches the local graph and
// otherwise by chordal (L2) or odometry (robust) initialization, and moves to
// WaitForInitialization. The anchor agent, or every agent when multi-robot initialization is
// disabled, continues directly to Initialized with the identity transform.
func (a *Agent) Initialize(tInit *lifted.PoseArray) {
	require(a.State() == WaitForData, "Initialize", "agent %d is %v", a.id, a.State())
	require(!a.IsOptimizationRunning(), "Initialize", "optimization loop of agent %d is running", a.id)

	a.posesMu.Lock()
	a.measurementsMu.Lock()
	n := a.poseGraph.NumPoses()
	if n == 0 {
		a.measurementsMu.Unlock()
		a.posesMu.Unlock()
		a.logger.Info("local pose graph is empty, skipping initialization")
		return
	}
	a.x = lifted.NewLiftedPoseArray(a.params.R, a.params.D, n)
	if tInit != nil && tInit.D() == a.params.D && tInit.N() == n {
		a.logger.Debug("using provided trajectory initialization")
		a.tLocalInit = tInit.Copy()
	} else {
		a.logger.Debug("using internal trajectory initialization")
		a.tLocalInit = a.localInitializationLocked()
	}
	a.setState(WaitForInitialization)
	a.measurementsMu.Unlock()
	a.posesMu.Unlock()

	if a.id == 0 || !a.params.MultiRobotInitialization {
		a.InitializeInGlobalFrame(spatialmath.NewIdentityPose(a.params.D))
	}
}

// localInitializationLocked requires measurementsMu.
func (a *Agent) localInitializationLocked() *lifted.PoseArray {
	d, n := a.params.D, a.poseGraph.NumPoses()
	var odometry []posegraph.RelativeSEMeasurement
	for _, m := range a.poseGraph.Odometry() {
		odometry = append(odometry, m.Copy())
	}
	if a.params.RobustCost.CostType != robust.L2 {
		// loop closures may be outliers
		return initialization.Odometry(d, n, odometry)
	}
	trajectory, err := initialization.Chordal(d, n, a.poseGraph.LocalMeasurements(), initialization.DefaultSettings())
	if err != nil {
		a.logger.Warnw("chordal initialization failed, falling back to odometry", "error", err)
		return initialization.Odometry(d, n, odometry)
	}
	return trajectory
}

// LocalPoseGraphOptimization solves the rank-d problem over the local measurements only,
// starting from the local initialization, and returns the resulting trajectory.
func (a *Agent) LocalPoseGraphOptimization() (*lifted.PoseArray, error) {
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()

	if a.poseGraph.NumPoses() == 0 {
		return nil, solver.ErrDataMatrices
	}
	if a.tLocalInit == nil {
		a.tLocalInit = a.localInitializationLocked()
	}
	local := posegraph.New(a.id, a.params.D, a.params.D)
	local.SetMeasurements(a.poseGraph.LocalMeasurements())
	problem, err := solver.NewQuadraticProblem(local)
	if err != nil {
		return nil, err
	}
	params := a.params.LocalSolver
	params.MaxIterations = 100 * params.MaxIterations
	optimizer := solver.NewQuadraticOptimizer(problem, params, a.logger)
	out := lifted.NewPoseArrayFromMatrix(optimizer.Optimize(a.tLocalInit.View()))
	result := optimizer.Result()
	a.logger.Infow("local pose graph optimization finished",
		"f_init", result.FInit, "f_opt", result.FOpt, "elapsed", result.Elapsed)
	return out, nil
}

// SetLiftingMatrix sets the r×d matrix used to lift poses and project them back.
func (a *Agent) SetLiftingMatrix(m mat.Matrix) {
	rows, cols := m.Dims()
	require(rows == a.params.R && cols == a.params.D, "SetLiftingMatrix",
		"expected %dx%d lifting matrix, got %dx%d", a.params.R, a.params.D, rows, cols)
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	a.liftingMatrix = mat.DenseCopyOf(m)
}

// LiftingMatrix returns the team's lifting matrix. Only agent 0 owns it.
func (a *Agent) LiftingMatrix() (*mat.Dense, bool) {
	require(a.id == 0, "LiftingMatrix", "only agent 0 provides the lifting matrix, this is agent %d", a.id)
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	if a.liftingMatrix == nil {
		return nil, false
	}
	return mat.DenseCopyOf(a.liftingMatrix), true
}

// InitializeInGlobalFrame expresses the local trajectory in the global frame by left-multiplying
// every pose by tWorldRobot, lifts it and moves to Initialized. It may be re-applied when already
// Initialized. A running optimization loop is halted and restarted around the change.
func (a *Agent) InitializeInGlobalFrame(tWorldRobot spatialmath.Pose) {
	require(tWorldRobot.Dim() == a.params.D, "InitializeInGlobalFrame",
		"expected transform of dimension %d, got %d", a.params.D, tWorldRobot.Dim())
	require(a.State() != WaitForData, "InitializeInGlobalFrame", "agent %d has no local trajectory", a.id)
	if err := spatialmath.CheckRotationMatrix(tWorldRobot.Rotation()); err != nil {
		a.logger.Warnw("global frame transform is not a rotation", "error", err)
	}

	halted := false
	if a.IsOptimizationRunning() {
		a.logger.Debug("halting optimization loop")
		halted = true
		a.EndOptimizationLoop()
	}

	a.posesMu.Lock()
	hasLifting, hasLocalInit := a.liftingMatrix != nil, a.tLocalInit != nil
	if !hasLifting || !hasLocalInit {
		a.posesMu.Unlock()
	}
	require(hasLifting, "InitializeInGlobalFrame", "agent %d has no lifting matrix", a.id)
	require(hasLocalInit, "InitializeInGlobalFrame", "agent %d has no local trajectory", a.id)
	a.measurementsMu.Lock()
	a.neighborsMu.Lock()

	a.neighborPoses = lifted.PoseDict{}
	a.auxNeighborPoses = lifted.PoseDict{}

	n := a.tLocalInit.N()
	global := lifted.NewPoseArray(a.params.D, n)
	for i := 0; i < n; i++ {
		global.SetPoseAt(i, tWorldRobot.Compose(a.tLocalInit.PoseAt(i)))
	}
	var liftedData mat.Dense
	liftedData.Mul(a.liftingMatrix, global.View())
	a.x = lifted.NewLiftedPoseArray(a.params.R, a.params.D, n)
	a.x.SetData(&liftedData)
	a.xInit = a.x.Copy()

	if a.State() == Initialized {
		a.logger.Info("re-initialized in global frame")
	} else {
		a.logger.Info("initialized in global frame")
		a.setState(Initialized)
	}
	a.status.State = Initialized
	if a.params.Acceleration {
		a.initializeAccelerationLocked()
	} else {
		a.xPrev = a.x.Copy()
	}
	a.neighborsMu.Unlock()
	a.measurementsMu.Unlock()
	a.posesMu.Unlock()

	if a.dlog != nil {
		if err := a.dlog.LogTrajectory(global, "trajectory_initial.csv"); err != nil {
			a.logger.Warnw("cannot log initial trajectory", "error", err)
		}
	}

	if halted {
		if err := a.StartOptimizationLoop(a.rate); err != nil {
			a.logger.Warnw("cannot restart optimization loop", "error", err)
		}
	}
}

// SetX overwrites the iterate and moves to Initialized.
func (a *Agent) SetX(x mat.Matrix) {
	require(a.State() != WaitForData, "SetX", "agent %d is %v", a.id, a.State())
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	rows, cols := x.Dims()
	n := a.x.N()
	require(rows == a.params.R && cols == (a.params.D+1)*n, "SetX",
		"expected %dx%d iterate, got %dx%d", a.params.R, (a.params.D+1)*n, rows, cols)
	a.setState(Initialized)
	a.status.State = Initialized
	a.x.SetData(x)
	if a.params.Acceleration {
		a.initializeAccelerationLocked()
	}
	a.logger.Debugw("trajectory reset", "num_poses", n)
}

// X returns a copy of the current iterate.
func (a *Agent) X() *mat.Dense {
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	return a.x.Data()
}

// SharedPose returns pose index of the current iterate.
func (a *Agent) SharedPose(index int) (lifted.LiftedPose, bool) {
	if a.State() != Initialized {
		return lifted.LiftedPose{}, false
	}
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	if index < 0 || index >= a.x.N() {
		return lifted.LiftedPose{}, false
	}
	return a.x.Pose(index), true
}

// AuxSharedPose returns pose index of the look-ahead point of acceleration.
func (a *Agent) AuxSharedPose(index int) (lifted.LiftedPose, bool) {
	require(a.params.Acceleration, "AuxSharedPose", "acceleration is disabled")
	if a.State() != Initialized {
		return lifted.LiftedPose{}, false
	}
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	if index < 0 || index >= a.y.N() {
		return lifted.LiftedPose{}, false
	}
	return a.y.Pose(index), true
}

// SharedPoseDict returns the public poses of the current iterate.
func (a *Agent) SharedPoseDict() (lifted.PoseDict, bool) {
	return a.publicPoses(func() *lifted.LiftedPoseArray { return a.x })
}

// AuxSharedPoseDict returns the public poses of the look-ahead point of acceleration.
func (a *Agent) AuxSharedPoseDict() (lifted.PoseDict, bool) {
	require(a.params.Acceleration, "AuxSharedPoseDict", "acceleration is disabled")
	return a.publicPoses(func() *lifted.LiftedPoseArray { return a.y })
}

func (a *Agent) publicPoses(source func() *lifted.LiftedPoseArray) (lifted.PoseDict, bool) {
	if a.State() != Initialized {
		return nil, false
	}
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	array := source()
	out := lifted.PoseDict{}
	for _, id := range a.poseGraph.MyPublicPoseIDs() {
		out[id] = array.Pose(id.FrameID)
	}
	return out, true
}

// SetGlobalAnchor sets the lifted pose that defines the global frame when rounding.
func (a *Agent) SetGlobalAnchor(m mat.Matrix) {
	rows, cols := m.Dims()
	require(rows == a.params.R && cols == a.params.D+1, "SetGlobalAnchor",
		"expected %dx%d anchor, got %dx%d", a.params.R, a.params.D+1, rows, cols)
	anchor := lifted.NewLiftedPoseFromMatrix(m)
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	a.globalAnchor = &anchor
}

// roundLocked maps lifted blocks into SE(d) using the rotation of the reference pose and
// subtracts its translation. It requires posesMu.
func (a *Agent) roundLocked(data mat.Matrix, reference lifted.LiftedPose) *lifted.PoseArray {
	ya := reference.Rotation()
	var t0 mat.VecDense
	t0.MulVec(ya.T(), reference.Translation())

	var projected mat.Dense
	projected.Mul(ya.T(), data)
	out := lifted.NewPoseArrayFromMatrix(&projected)
	for i := 0; i < out.N(); i++ {
		var translation mat.VecDense
		translation.SubVec(out.Translation(i), &t0)
		out.SetPoseAt(i, spatialmath.NewPose(spatialmath.ProjectToRotationGroup(out.Rotation(i)), &translation))
	}
	return out
}

// TrajectoryInLocalFrame returns the trajectory rounded to SE(d) in the frame of its first pose.
func (a *Agent) TrajectoryInLocalFrame() (*lifted.PoseArray, bool) {
	if a.State() != Initialized {
		return nil, false
	}
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	return a.roundLocked(a.x.View(), a.x.Pose(0)), true
}

// TrajectoryInGlobalFrame returns the trajectory rounded to SE(d) in the frame of the global
// anchor.
func (a *Agent) TrajectoryInGlobalFrame() (*lifted.PoseArray, bool) {
	if a.State() != Initialized {
		return nil, false
	}
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	if a.globalAnchor == nil {
		return nil, false
	}
	return a.roundLocked(a.x.View(), *a.globalAnchor), true
}

// PoseInGlobalFrame returns pose index of the trajectory in the frame of the global anchor. The
// rotation block is not projected onto SO(d).
func (a *Agent) PoseInGlobalFrame(index int) (*mat.Dense, bool) {
	if a.State() != Initialized {
		return nil, false
	}
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	if a.globalAnchor == nil || index < 0 || index >= a.x.N() {
		return nil, false
	}
	return anchoredPose(*a.globalAnchor, a.x.Pose(index)), true
}

// NeighborPoseInGlobalFrame is PoseInGlobalFrame for a cached neighbor pose.
func (a *Agent) NeighborPoseInGlobalFrame(neighborID, index int) (*mat.Dense, bool) {
	if a.State() != Initialized {
		return nil, false
	}
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	if a.globalAnchor == nil {
		return nil, false
	}
	anchor := *a.globalAnchor
	a.neighborsMu.Lock()
	defer a.neighborsMu.Unlock()
	pose, ok := a.neighborPoses[lifted.NewPoseID(neighborID, index)]
	if !ok {
		return nil, false
	}
	return anchoredPose(anchor, pose), true
}

func anchoredPose(anchor, pose lifted.LiftedPose) *mat.Dense {
	d := pose.D()
	var out mat.Dense
	out.Mul(anchor.Rotation().T(), pose.Matrix())
	var t0 mat.VecDense
	t0.MulVec(anchor.Rotation().T(), anchor.Translation())
	col := out.ColView(d).(*mat.VecDense)
	col.SubVec(col, &t0)
	return &out
}

// Neighbors returns the IDs of the robots sharing loop closures with this one.
func (a *Agent) Neighbors() []int {
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	return a.poseGraph.NeighborIDs()
}

// NeighborPublicPoses returns the frame IDs of neighborID's poses attached to shared loop
// closures.
func (a *Agent) NeighborPublicPoses(neighborID int) []int {
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	require(a.poseGraph.HasNeighbor(neighborID), "NeighborPublicPoses", "robot %d is not a neighbor of %d", neighborID, a.id)
	var out []int
	for _, id := range a.poseGraph.NeighborPublicPoseIDs() {
		if id.RobotID == neighborID {
			out = append(out, id.FrameID)
		}
	}
	return out
}

// Status returns the summary computed by the last optimizing iteration.
func (a *Agent) Status() Status {
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	return a.status
}

// LastResult returns the diagnostics of the last local solve.
func (a *Agent) LastResult() solver.Result {
	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	return a.lastResult
}

// SetNeighborStatus records the status of another agent.
func (a *Agent) SetNeighborStatus(status Status) {
	a.neighborsMu.Lock()
	defer a.neighborsMu.Unlock()
	a.teamStatus[status.AgentID] = status
}

// NeighborStatus returns the last recorded status of another agent.
func (a *Agent) NeighborStatus(id int) (Status, bool) {
	a.neighborsMu.Lock()
	defer a.neighborsMu.Unlock()
	status, ok := a.teamStatus[id]
	return status, ok
}

// ShouldTerminate reports whether the iteration budget is exhausted or every robot of the team,
// this one included, is initialized and ready to terminate.
func (a *Agent) ShouldTerminate() bool {
	if a.IterationNumber() > a.params.MaxNumIters {
		a.logger.Info("reached maximum iterations")
		return true
	}
	own := a.Status()
	a.neighborsMu.Lock()
	statuses := make(map[int]Status, len(a.teamStatus)+1)
	for id, status := range a.teamStatus {
		statuses[id] = status
	}
	a.neighborsMu.Unlock()
	statuses[a.id] = own
	return ShouldTerminate(a.params.NumRobots, statuses)
}

// ShouldPublishPoses reports, and clears, whether the iterate changed since the last call.
func (a *Agent) ShouldPublishPoses() bool {
	return a.publishPosesRequested.Swap(false)
}

// ShouldPublishWeights reports, and clears, whether loop closure weights changed since the last
// call.
func (a *Agent) ShouldPublishWeights() bool {
	return a.publishWeightsRequested.Swap(false)
}

// Reset stops the optimization loop, persists the final estimate when logging is enabled and
// returns to WaitForData. The lifting matrix is kept.
func (a *Agent) Reset() {
	a.EndOptimizationLoop()

	if a.dlog != nil {
		a.logFinalEstimate()
	}

	a.posesMu.Lock()
	defer a.posesMu.Unlock()
	a.measurementsMu.Lock()
	defer a.measurementsMu.Unlock()
	a.neighborsMu.Lock()
	defer a.neighborsMu.Unlock()

	instance := a.instanceNumber.Inc()
	a.iterationNumber.Store(0)
	a.numPosesReceived.Store(0)
	a.setState(WaitForData)
	a.status = Status{AgentID: a.id, State: WaitForData, InstanceNumber: int(instance)}
	a.resetEstimatorLocked()
	a.logger.Infow("agent reset", "instance", instance)
}

func (a *Agent) logFinalEstimate() {
	if err := a.dlog.LogMeasurements(a.Measurements(), "measurements.csv"); err != nil {
		a.logger.Warnw("cannot log measurements", "error", err)
	}
	if trajectory, ok := a.TrajectoryInGlobalFrame(); ok {
		if err := a.dlog.LogTrajectory(trajectory, "trajectory_optimized.csv"); err != nil {
			a.logger.Warnw("cannot log optimized trajectory", "error", err)
		} else {
			a.logger.Infow("saved optimized trajectory", "directory", a.dlog.Dir())
		}
	}
	if err := a.dlog.WriteMatrix(a.X(), "X.txt"); err != nil {
		a.logger.Warnw("cannot log iterate", "error", err)
	}
}
