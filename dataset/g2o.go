// Package dataset reads and writes pose graphs in the g2o text format, splits a single-robot graph
// among a simulated team and generates synthetic graphs with known ground truth.
package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/dpgo/logging"
	"go.viam.com/dpgo/posegraph"
	"go.viam.com/dpgo/spatialmath"
)

const (
	tokenEdgeSE2     = "EDGE_SE2"
	tokenEdgeSE3Quat = "EDGE_SE3:QUAT"
	tokenVertexSE2   = "VERTEX_SE2"
	tokenVertexSE3   = "VERTEX_SE3:QUAT"
	tokenFix         = "FIX"
)

// Dataset is a single-robot pose graph whose pose IDs are 0..NumPoses-1.
type Dataset struct {
	D            int
	NumPoses     int
	Measurements []posegraph.RelativeSEMeasurement
}

// ReadG2O reads a g2o file. See ParseG2O.
func ReadG2O(path string, logger logging.Logger) (*Dataset, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open dataset %q", path)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warnw("cannot close dataset", "path", path, "error", err)
		}
	}()
	ds, err := ParseG2O(f, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse dataset %q", path)
	}
	return ds, nil
}

// ParseG2O parses EDGE_SE2 and EDGE_SE3:QUAT measurements. Vertices are ignored and FIX lines are
// skipped with a warning. The information matrix of each edge is reduced to the isotropic
// precisions kappa and tau that minimize the information divergence. Pose IDs must form a
// consecutive range and are re-indexed to start at zero. Consecutive edges are fixed-weight.
func ParseG2O(r io.Reader, logger logging.Logger) (*Dataset, error) {
	var measurements []posegraph.RelativeSEMeasurement
	poseIDs := map[int]struct{}{}
	d := 0

	scanner := bufio.NewScanner(r)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		var (
			m   posegraph.RelativeSEMeasurement
			err error
		)
		switch fields[0] {
		case tokenEdgeSE2:
			m, err = parseEdgeSE2(fields[1:])
		case tokenEdgeSE3Quat:
			m, err = parseEdgeSE3(fields[1:])
		case tokenVertexSE2, tokenVertexSE3:
			continue
		case tokenFix:
			logger.Warnw("FIX is not supported, skipping line", "line", lineNumber)
			continue
		default:
			err = errors.Errorf("unrecognized type %q", fields[0])
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNumber)
		}
		if d == 0 {
			d = m.Dim()
		} else if m.Dim() != d {
			return nil, errors.Errorf("line %d: %d-dimensional edge in a %d-dimensional dataset", lineNumber, m.Dim(), d)
		}
		poseIDs[m.P1] = struct{}{}
		poseIDs[m.P2] = struct{}{}
		measurements = append(measurements, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(measurements) == 0 {
		return nil, errors.New("no measurements")
	}

	first, last := lo.Min(lo.Keys(poseIDs)), lo.Max(lo.Keys(poseIDs))
	if last-first+1 != len(poseIDs) {
		return nil, errors.Errorf("pose IDs must be consecutive, found %d IDs in [%d, %d]", len(poseIDs), first, last)
	}
	if first != 0 {
		logger.Warnw("first pose ID is not zero, re-indexing", "first_pose_id", first)
		for i := range measurements {
			measurements[i].P1 -= first
			measurements[i].P2 -= first
		}
	}
	return &Dataset{D: d, NumPoses: len(poseIDs), Measurements: measurements}, nil
}

func parseFloats(fields []string, want int) ([]float64, error) {
	if len(fields) != want {
		return nil, errors.Errorf("expected %d values, got %d", want, len(fields))
	}
	out := make([]float64, want)
	var err error
	for i, field := range fields {
		v, parseErr := strconv.ParseFloat(field, 64)
		err = multierr.Append(err, parseErr)
		out[i] = v
	}
	return out, err
}

func parseIDs(fields []string) (int, int, error) {
	if len(fields) < 2 {
		return 0, 0, errors.New("missing pose IDs")
	}
	i, err1 := strconv.Atoi(fields[0])
	j, err2 := strconv.Atoi(fields[1])
	if err := multierr.Combine(err1, err2); err != nil {
		return 0, 0, err
	}
	if i < 0 || j < 0 {
		return 0, 0, errors.Errorf("negative pose ID in edge %d -> %d", i, j)
	}
	return i, j, nil
}

// isotropicPrecision returns dof / trace(info⁻¹).
func isotropicPrecision(info *mat.SymDense, dof float64) (float64, error) {
	var cov mat.Dense
	if err := cov.Inverse(info); err != nil {
		return 0, errors.Wrap(err, "singular information matrix")
	}
	return dof / mat.Trace(&cov), nil
}

// EDGE_SE2 i j dx dy dtheta I11 I12 I13 I22 I23 I33.
func parseEdgeSE2(fields []string) (posegraph.RelativeSEMeasurement, error) {
	i, j, err := parseIDs(fields)
	if err != nil {
		return posegraph.RelativeSEMeasurement{}, err
	}
	v, err := parseFloats(fields[2:], 9)
	if err != nil {
		return posegraph.RelativeSEMeasurement{}, err
	}
	dx, dy, dtheta := v[0], v[1], v[2]
	i11, i12, i22, i33 := v[3], v[4], v[6], v[8]
	tau, err := isotropicPrecision(mat.NewSymDense(2, []float64{i11, i12, i12, i22}), 2)
	if err != nil {
		return posegraph.RelativeSEMeasurement{}, err
	}
	pose := spatialmath.NewPose2D(dtheta, dx, dy)
	return posegraph.NewRelativeSEMeasurement(0, 0, i, j, pose.Rotation(), pose.Translation(), i33, tau), nil
}

// EDGE_SE3:QUAT i j dx dy dz qx qy qz qw followed by the upper triangle of the 6×6 information
// matrix, translation block first.
func parseEdgeSE3(fields []string) (posegraph.RelativeSEMeasurement, error) {
	i, j, err := parseIDs(fields)
	if err != nil {
		return posegraph.RelativeSEMeasurement{}, err
	}
	v, err := parseFloats(fields[2:], 28)
	if err != nil {
		return posegraph.RelativeSEMeasurement{}, err
	}
	pose := spatialmath.NewPoseFromR3(
		quat.Number{Real: v[6], Imag: v[3], Jmag: v[4], Kmag: v[5]},
		r3.Vector{X: v[0], Y: v[1], Z: v[2]},
	)
	info := upperTriangle(6, v[7:])
	tau, err := isotropicPrecision(subSym(info, 0), 3)
	if err != nil {
		return posegraph.RelativeSEMeasurement{}, err
	}
	rotationPrecision, err := isotropicPrecision(subSym(info, 3), 3)
	if err != nil {
		return posegraph.RelativeSEMeasurement{}, err
	}
	kappa := rotationPrecision / 2
	return posegraph.NewRelativeSEMeasurement(0, 0, i, j, pose.Rotation(), pose.Translation(), kappa, tau), nil
}

func upperTriangle(n int, values []float64) *mat.SymDense {
	out := mat.NewSymDense(n, nil)
	k := 0
	for row := 0; row < n; row++ {
		for col := row; col < n; col++ {
			out.SetSym(row, col, values[k])
			k++
		}
	}
	return out
}

// subSym returns the 3×3 diagonal block of m starting at offset.
func subSym(m *mat.SymDense, offset int) *mat.SymDense {
	return m.SliceSym(offset, offset+3).(*mat.SymDense)
}

// WriteG2O writes ds with diagonal information matrices equivalent to each edge's kappa and tau.
func WriteG2O(w io.Writer, ds *Dataset) error {
	bw := bufio.NewWriter(w)
	for _, m := range ds.Measurements {
		if _, err := fmt.Fprintln(bw, formatEdge(&m)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteG2OFile writes ds to path.
func WriteG2OFile(path string, ds *Dataset) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create dataset %q", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	if err := WriteG2O(f, ds); err != nil {
		return errors.Wrapf(err, "cannot write dataset %q", path)
	}
	return nil
}

func formatFloats(values ...float64) string {
	return strings.Join(lo.Map(values, func(v float64, _ int) string {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}), " ")
}

func formatEdge(m *posegraph.RelativeSEMeasurement) string {
	t := make([]float64, m.Dim())
	for i := range t {
		t[i] = m.T.AtVec(i)
	}
	if m.Dim() == 2 {
		theta := spatialmath.RotationAngle2D(m.R)
		return fmt.Sprintf("%s %d %d %s", tokenEdgeSE2, m.P1, m.P2,
			formatFloats(t[0], t[1], theta, m.Tau, 0, 0, m.Tau, 0, m.Kappa))
	}
	q := spatialmath.QuaternionFromRotationMatrix(m.R)
	info := make([]float64, 0, 21)
	for row := 0; row < 6; row++ {
		for col := row; col < 6; col++ {
			switch {
			case row != col:
				info = append(info, 0)
			case row < 3:
				info = append(info, m.Tau)
			default:
				info = append(info, 2*m.Kappa)
			}
		}
	}
	values := append([]float64{t[0], t[1], t[2], q.Imag, q.Jmag, q.Kmag, q.Real}, info...)
	return fmt.Sprintf("%s %d %d %s", tokenEdgeSE3Quat, m.P1, m.P2, formatFloats(values...))
}
