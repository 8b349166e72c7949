// Package main is the dpgo command: it runs a team of simulated robots that jointly optimize a
// pose graph, one agent per robot.
package main

import (
	"context"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/dpgo/config"
	"go.viam.com/dpgo/datalog"
	"go.viam.com/dpgo/dataset"
	"go.viam.com/dpgo/logging"
	"go.viam.com/dpgo/team"
)

const (
	// Flags.
	flagConfig  = "config"
	flagSet     = "set"
	flagDataset = "dataset"
	flagOutput  = "output"
	flagDebug   = "debug"
)

func main() {
	logger := logging.NewLogger("dpgo")
	if err := newApp(logger).Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func newApp(logger logging.Logger) *cli.App {
	configFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
		},
		&cli.StringSliceFlag{
			Name:  flagSet,
			Usage: "override a configuration field, as in agent.robust_cost.cost_type=GNC_TLS",
		},
	}

	return &cli.App{
		Name:  "dpgo",
		Usage: "distributed pose-graph optimization over a simulated robot team",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "partition a dataset among robots and optimize it",
				UsageText: "dpgo run [--config FILE] [--dataset FILE.g2o] [--set key=value]... [--output DIR]",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  flagDataset,
						Usage: "g2o `FILE` to optimize; a dataset is simulated when omitted",
					},
					&cli.StringFlag{
						Name:  flagOutput,
						Usage: "write the optimized trajectory and a plot to `DIR`",
					},
				}, configFlags...),
				Action: func(c *cli.Context) error {
					return runAction(c, logger)
				},
			},
			{
				Name:      "simulate",
				Usage:     "write a simulated dataset in g2o format",
				UsageText: "dpgo simulate [--config FILE] [--set key=value]... --output FILE.g2o",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     flagOutput,
						Required: true,
						Usage:    "g2o `FILE` to write",
					},
				}, configFlags...),
				Action: func(c *cli.Context) error {
					return simulateAction(c, logger)
				},
			},
		},
	}
}

// loadConfig reads the configuration file, if any, and applies overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = config.Read(path); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyOverrides(cfg, c.StringSlice(flagSet)); err != nil {
		return nil, err
	}
	if c.IsSet(flagDataset) {
		cfg.Dataset = c.String(flagDataset)
	}
	return cfg, nil
}

// loadDataset reads cfg.Dataset or simulates one. truth is nil for datasets read from disk.
func loadDataset(cfg *config.Config, logger logging.Logger) (ds *dataset.Dataset, truth *dataset.Simulation, err error) {
	if cfg.Dataset != "" {
		ds, err = dataset.ReadG2O(cfg.Dataset, logger)
		return ds, nil, err
	}
	sim, err := dataset.Simulate(cfg.Simulation, rand.NewPCG(cfg.Seed, cfg.Seed+1))
	if err != nil {
		return nil, nil, err
	}
	return sim.Dataset, sim, nil
}

func simulateAction(c *cli.Context, logger logging.Logger) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.Dataset = ""
	if err := cfg.Simulation.Validate("simulation"); err != nil {
		return err
	}
	sim, err := dataset.Simulate(cfg.Simulation, rand.NewPCG(cfg.Seed, cfg.Seed+1))
	if err != nil {
		return err
	}
	if err := dataset.WriteG2OFile(c.String(flagOutput), sim.Dataset); err != nil {
		return err
	}
	logger.Infow("wrote simulated dataset",
		"path", c.String(flagOutput),
		"poses", sim.Dataset.NumPoses,
		"measurements", len(sim.Dataset.Measurements),
		"outliers", len(sim.Outliers))
	return nil
}

func runAction(c *cli.Context, logger logging.Logger) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if !c.Bool(flagDebug) {
		logger.SetLevel(cfg.LogLevel)
	}
	if c.IsSet(flagOutput) {
		cfg.OutputDirectory = c.String(flagOutput)
	}

	ds, sim, err := loadDataset(cfg, logger)
	if err != nil {
		return err
	}
	cfg.Normalize(ds.D)
	if err := cfg.Validate(); err != nil {
		return err
	}

	partition, err := dataset.NewPartition(ds, cfg.NumRobots)
	if err != nil {
		return err
	}
	tm, err := team.New(cfg.Agent, partition.Robots, logger, team.WithSeed(cfg.Seed))
	if err != nil {
		return err
	}
	defer tm.Close()

	logger.Infow("initializing team", "robots", cfg.NumRobots, "poses", ds.NumPoses, "measurements", len(ds.Measurements))
	if err := tm.Initialize(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout))
		defer cancel()
	}

	var result team.Result
	switch cfg.Mode {
	case config.ModeAsync:
		result, err = tm.RunAsync(ctx, cfg.Rate, time.Duration(cfg.ExchangePeriod))
	default:
		result, err = tm.RunSync(ctx, cfg.MaxRounds)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warnw("run timed out", "timeout", time.Duration(cfg.Timeout))
	case errors.Is(err, context.Canceled):
		logger.Warn("run interrupted")
	case err != nil:
		return err
	}

	trajectories, err := tm.Trajectories()
	if err != nil {
		return err
	}
	whole, err := partition.Assemble(trajectories)
	if err != nil {
		return err
	}

	rep := newReport(result, whole, sim)
	if err := rep.write(c.App.Writer); err != nil {
		return err
	}

	if cfg.OutputDirectory == "" {
		return nil
	}
	out := datalog.New(cfg.OutputDirectory)
	err = multierr.Combine(
		out.LogTrajectory(whole, "trajectory.csv"),
		dataset.WriteG2OFile(filepath.Join(out.Dir(), "dataset.g2o"), ds),
		plotTrajectory(whole, sim, partition, filepath.Join(out.Dir(), "trajectory.png")),
	)
	if err == nil {
		logger.Infow("wrote results", "directory", cfg.OutputDirectory)
	}
	return err
}
