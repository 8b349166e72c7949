// Package team runs a simulated team of agents in one process. It owns every agent and plays the
// role of the communication layer: it copies statuses, public poses and loop closure weights
// between neighbors, either between synchronous rounds or periodically while each agent runs its
// own asynchronous optimization loop.
package team

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/dpgo/agent"
	"go.viam.com/dpgo/dataset"
	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/logging"
)

// Team is a set of agents with IDs 0..N-1 sharing one parameter set.
type Team struct {
	logger logging.Logger
	clock  clock.Clock
	seed   uint64
	params agent.Params
	agents []*agent.Agent
}

// Option customizes a Team.
type Option func(*Team)

// WithClock sets the clock used by the agents' loops and by the asynchronous exchange.
func WithClock(c clock.Clock) Option {
	return func(t *Team) { t.clock = c }
}

// WithSeed seeds the agents' loop delays.
func WithSeed(seed uint64) Option {
	return func(t *Team) { t.seed = seed }
}

// New creates one agent per entry of robots and loads its measurements. When logging is enabled
// each agent writes to a robot<ID> subdirectory of the log directory. Call Initialize before
// running.
func New(params agent.Params, robots []dataset.RobotMeasurements, logger logging.Logger, opts ...Option) (*Team, error) {
	if len(robots) == 0 {
		return nil, errors.New("a team needs at least one robot")
	}
	params.NumRobots = len(robots)
	if err := params.Validate("agent"); err != nil {
		return nil, err
	}
	t := &Team{
		logger: logger.Sublogger("team"),
		clock:  clock.New(),
		params: params,
	}
	for _, opt := range opts {
		opt(t)
	}
	for id, data := range robots {
		agentParams := params
		if params.LogData {
			agentParams.LogDirectory = filepath.Join(params.LogDirectory, fmt.Sprintf("robot%d", id))
		}
		a := agent.New(id, agentParams, logger,
			agent.WithClock(t.clock),
			agent.WithRandSource(rand.NewPCG(t.seed, uint64(id))),
		)
		a.SetMeasurements(data.Odometry, data.PrivateLoopClosures, data.SharedLoopClosures)
		t.agents = append(t.agents, a)
	}
	return t, nil
}

// Agents returns the agents ordered by ID.
func (t *Team) Agents() []*agent.Agent {
	return append([]*agent.Agent(nil), t.agents...)
}

// Size returns the number of agents.
func (t *Team) Size() int {
	return len(t.agents)
}

// Initialize computes every local trajectory and aligns the team into the frame of agent 0.
// Each exchange propagates initialization by at least one hop of the robot graph, so it fails
// when some agent is still uninitialized after N exchanges.
func (t *Team) Initialize() error {
	lifting, ok := t.agents[0].LiftingMatrix()
	if !ok {
		return errors.New("agent 0 has no lifting matrix")
	}
	for _, a := range t.agents[1:] {
		a.SetLiftingMatrix(lifting)
	}
	for _, a := range t.agents {
		a.Initialize(nil)
	}
	for i := 0; i < len(t.agents) && !t.allInitialized(); i++ {
		t.Exchange()
	}
	if !t.allInitialized() {
		waiting := lo.FilterMap(t.agents, func(a *agent.Agent, _ int) (int, bool) {
			return a.ID(), a.State() != agent.Initialized
		})
		return errors.Errorf("agents %v could not be aligned to the team", waiting)
	}
	t.updateGlobalAnchor()
	// the first exchange after alignment populates every neighbor cache
	t.Exchange()
	t.logger.Infow("team initialized", "num_robots", len(t.agents))
	return nil
}

func (t *Team) allInitialized() bool {
	return lo.EveryBy(t.agents, func(a *agent.Agent) bool { return a.State() == agent.Initialized })
}

// updateGlobalAnchor makes the first pose of agent 0 the origin of every rounded trajectory.
func (t *Team) updateGlobalAnchor() {
	anchor, ok := t.agents[0].SharedPose(0)
	if !ok {
		return
	}
	for _, a := range t.agents {
		a.SetGlobalAnchor(anchor.Matrix())
	}
}

// Statuses returns the current status of every agent keyed by ID.
func (t *Team) Statuses() map[int]agent.Status {
	return lo.SliceToMap(t.agents, func(a *agent.Agent) (int, agent.Status) {
		return a.ID(), a.Status()
	})
}

// Trajectories returns every agent's trajectory in the global frame, anchored at the current
// first pose of agent 0.
func (t *Team) Trajectories() ([]*lifted.PoseArray, error) {
	t.updateGlobalAnchor()
	out := make([]*lifted.PoseArray, len(t.agents))
	for i, a := range t.agents {
		trajectory, ok := a.TrajectoryInGlobalFrame()
		if !ok {
			return nil, errors.Errorf("agent %d has no trajectory in the global frame", a.ID())
		}
		out[i] = trajectory
	}
	return out, nil
}

// Close stops every loop and resets every agent, persisting their estimates when logging is
// enabled.
func (t *Team) Close() {
	t.updateGlobalAnchor()
	for _, a := range t.agents {
		a.Reset()
	}
}
