package agent

import (
	"fmt"

	"github.com/samber/lo"
)

// State is the lifecycle stage of an agent.
type State int32

const (
	// WaitForData means no trajectory exists yet; only measurements may be added.
	WaitForData State = iota
	// WaitForInitialization means a local trajectory exists in an arbitrary frame and the agent
	// waits for a transform into the global frame.
	WaitForInitialization
	// Initialized means the trajectory is in the global frame and the agent may iterate.
	Initialized
)

func (s State) String() string {
	switch s {
	case WaitForData:
		return "WAIT_FOR_DATA"
	case WaitForInitialization:
		return "WAIT_FOR_INITIALIZATION"
	case Initialized:
		return "INITIALIZED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Status is the externally visible summary of one agent, exchanged to decide termination.
type Status struct {
	AgentID          int     `json:"agent_id"`
	State            State   `json:"state"`
	InstanceNumber   int     `json:"instance_number"`
	IterationNumber  int     `json:"iteration_number"`
	ReadyToTerminate bool    `json:"ready_to_terminate"`
	RelativeChange   float64 `json:"relative_change"`
}

// ShouldTerminate reports whether every one of numRobots agents has a known status, is
// initialized and is ready to terminate.
func ShouldTerminate(numRobots int, statuses map[int]Status) bool {
	for robotID := 0; robotID < numRobots; robotID++ {
		status, ok := statuses[robotID]
		if !ok {
			return false
		}
		if status.AgentID != robotID {
			panic(newPreconditionError("ShouldTerminate", "status of robot %d is keyed as robot %d", status.AgentID, robotID))
		}
		if status.State != Initialized || !status.ReadyToTerminate {
			return false
		}
	}
	return true
}

// ReadyCount returns how many of the given statuses are initialized and ready to terminate.
func ReadyCount(statuses map[int]Status) int {
	return lo.CountBy(lo.Values(statuses), func(s Status) bool {
		return s.State == Initialized && s.ReadyToTerminate
	})
}
