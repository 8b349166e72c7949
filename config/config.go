// Package config defines the run configuration of a simulated pose-graph optimization team.
package config

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/dpgo/agent"
	"go.viam.com/dpgo/dataset"
	"go.viam.com/dpgo/logging"
)

// Mode selects how the team is driven.
type Mode string

const (
	// ModeSync runs synchronous rounds in which one agent solves and all exchange.
	ModeSync Mode = "sync"
	// ModeAsync runs every agent's Poisson-timed loop and exchanges periodically.
	ModeAsync Mode = "async"
)

// Duration is a time.Duration written as a string such as "20ms" in configuration files.
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config describes one run.
type Config struct {
	// ConfigFilePath is where the configuration was read from, if anywhere.
	ConfigFilePath string `json:"-"`

	NumRobots int `json:"num_robots"`
	// Dataset is a g2o file. When empty, a graph is generated from Simulation.
	Dataset    string                   `json:"dataset,omitempty"`
	Simulation dataset.SimulationParams `json:"simulation"`
	Seed       uint64                   `json:"seed"`

	Mode Mode `json:"mode"`
	// MaxRounds bounds synchronous rounds.
	MaxRounds int `json:"max_rounds"`
	// Rate is the mean number of iterations per second of each asynchronous loop.
	Rate float64 `json:"rate"`
	// ExchangePeriod is the interval between asynchronous exchanges.
	ExchangePeriod Duration `json:"exchange_period"`
	// Timeout bounds the whole run; zero means no bound.
	Timeout Duration `json:"timeout"`

	LogLevel logging.Level `json:"log_level"`
	// OutputDirectory receives the assembled trajectory and plot; empty disables output.
	OutputDirectory string `json:"output_directory,omitempty"`

	Agent agent.Params `json:"agent"`
}

// Default returns a synchronous run of three robots over a simulated planar dataset.
func Default() *Config {
	return &Config{
		NumRobots:      3,
		Simulation:     dataset.DefaultSimulationParams(),
		Seed:           1,
		Mode:           ModeSync,
		MaxRounds:      1000,
		Rate:           100,
		ExchangePeriod: Duration(20 * time.Millisecond),
		Timeout:        Duration(time.Minute),
		LogLevel:       logging.INFO,
		Agent:          agent.DefaultParams(2, 5, 3),
	}
}

// Validate returns every invalid field. The agent's dimension and team size are derived from the
// dataset and NumRobots, so Normalize should run
// first.
func (c *Config) Validate() error {
	var err error
	if c.NumRobots <= 0 {
		err = multierr.Append(err, utils.NewConfigValidationError("num_robots", errors.Errorf("must be positive, got %d", c.NumRobots)))
	}
	switch c.Mode {
	case ModeSync:
		if c.MaxRounds <= 0 {
			err = multierr.Append(err, utils.NewConfigValidationError("max_rounds", errors.Errorf("must be positive, got %d", c.MaxRounds)))
		}
	case ModeAsync:
		if c.Rate <= 0 {
			err = multierr.Append(err, utils.NewConfigValidationError("rate", errors.Errorf("must be positive, got %g", c.Rate)))
		}
		if c.ExchangePeriod <= 0 {
			err = multierr.Append(err, utils.NewConfigValidationError("exchange_period", errors.New("must be positive")))
		}
		if c.Agent.Acceleration {
			err = multierr.Append(err, utils.NewConfigValidationError("agent.acceleration", agent.ErrAccelerationAsync))
		}
	case "":
		err = multierr.Append(err, utils.NewConfigValidationFieldRequiredError("", "mode"))
	default:
		err = multierr.Append(err, utils.NewConfigValidationError("mode", errors.Errorf("must be %q or %q, got %q", ModeSync, ModeAsync, c.Mode)))
	}
	if c.Timeout < 0 {
		err = multierr.Append(err, utils.NewConfigValidationError("timeout", errors.New("must be non-negative")))
	}
	if c.Dataset == "" {
		err = multierr.Append(err, c.Simulation.Validate("simulation"))
	}
	return multierr.Append(err, c.Agent.Validate("agent"))
}

// Normalize copies derived values into the agent parameters: the team size and d, the dimension
// of the loaded or simulated dataset.
func (c *Config) Normalize(d int) {
	c.Agent.NumRobots = c.NumRobots
	c.Agent.D = d
	if c.Agent.R < c.Agent.D {
		c.Agent.R = c.Agent.D
	}
}
