package main

import (
	"fmt"
	"image/color"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"go.viam.com/dpgo/dataset"
	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/team"
)

// summary describes a sample by its mean, median, 95th percentile and maximum.
type summary struct {
	Mean, Median, P95, Max float64
}

func summarize(data []float64) (summary, error) {
	var s summary
	var errs [4]error
	s.Mean, errs[0] = stats.Mean(data)
	s.Median, errs[1] = stats.Median(data)
	s.P95, errs[2] = stats.Percentile(data, 95)
	s.Max, errs[3] = stats.Max(data)
	return s, multierr.Combine(errs[:]...)
}

// report is what a run prints: per-agent statuses and, for simulated datasets, the error of the
// assembled trajectory against ground truth.
type report struct {
	result team.Result
	// translationErrors is nil when there is no ground truth.
	translationErrors []float64
}

func newReport(result team.Result, whole *lifted.PoseArray, sim *dataset.Simulation) *report {
	rep := &report{result: result}
	if sim == nil {
		return rep
	}
	rep.translationErrors = make([]float64, whole.N())
	for i := range rep.translationErrors {
		rep.translationErrors[i] = whole.PoseAt(i).TranslationDistance(sim.GroundTruth.PoseAt(i))
	}
	return rep
}

func (r *report) write(w io.Writer) error {
	fmt.Fprintf(w, "rounds: %d  terminated: %t  elapsed: %v\n", r.result.Rounds, r.result.Terminated, r.result.Elapsed)

	ids := make([]int, 0, len(r.result.Statuses))
	for id := range r.result.Statuses {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Robot", "State", "Instance", "Iterations", "Ready", "Relative change"})
	changes := make([]float64, 0, len(ids))
	for _, id := range ids {
		status := r.result.Statuses[id]
		changes = append(changes, status.RelativeChange)
		t.AppendRow(table.Row{
			id,
			status.State.String(),
			status.InstanceNumber,
			status.IterationNumber,
			status.ReadyToTerminate,
			fmt.Sprintf("%.3g", status.RelativeChange),
		})
	}
	if len(changes) > 0 {
		maxChange, err := stats.Max(changes)
		if err != nil {
			return err
		}
		t.AppendFooter(table.Row{"", "", "", "", "max", fmt.Sprintf("%.3g", maxChange)})
	}
	t.Render()

	if r.translationErrors == nil {
		return nil
	}
	s, err := summarize(r.translationErrors)
	if err != nil {
		return errors.Wrap(err, "cannot summarize translation errors")
	}
	fmt.Fprintf(w, "translation error: mean %.4g  median %.4g  p95 %.4g  max %.4g\n", s.Mean, s.Median, s.P95, s.Max)
	return nil
}

// trajectoryXYs returns the planar projection of poses [from, to) of a trajectory.
func trajectoryXYs(trajectory *lifted.PoseArray, from, to int) plotter.XYs {
	xys := make(plotter.XYs, 0, to-from)
	for i := from; i < to; i++ {
		translation := trajectory.Translation(i)
		xys = append(xys, plotter.XY{X: translation.AtVec(0), Y: translation.AtVec(1)})
	}
	return xys
}

// plotTrajectory saves the x-y projection of the assembled trajectory, one line per robot, over
// the ground truth when there is one.
func plotTrajectory(whole *lifted.PoseArray, sim *dataset.Simulation, partition *dataset.Partition, path string) error {
	p := plot.New()
	p.Title.Text = "Optimized trajectory"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	if sim != nil {
		truth, err := plotter.NewLine(trajectoryXYs(sim.GroundTruth, 0, sim.GroundTruth.N()))
		if err != nil {
			return err
		}
		truth.Color = color.Gray{Y: 160}
		truth.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(truth)
		p.Legend.Add("ground truth", truth)
	}

	from := 0
	for robot, measurements := range partition.Robots {
		to := from + measurements.NumPoses
		line, points, err := plotter.NewLinePoints(trajectoryXYs(whole, from, to))
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(robot)
		points.Color = plotutil.Color(robot)
		points.Radius = vg.Points(1.5)
		p.Add(line, points)
		p.Legend.Add(fmt.Sprintf("robot %d", robot), line, points)
		from = to
	}
	p.Add(plotter.NewGrid())

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "cannot save plot %q", path)
	}
	return nil
}
