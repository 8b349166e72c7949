// Package datalog persists trajectories, measurements and raw iterates as CSV files.
package datalog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dpgo/lifted"
	"go.viam.com/dpgo/posegraph"
)

// Logger writes files under one directory.
type Logger struct {
	dir string
}

// New returns a logger writing under dir. The directory is created on first write.
func New(dir string) *Logger {
	return &Logger{dir: dir}
}

// Dir returns the output directory.
func (l *Logger) Dir() string {
	return l.dir
}

func (l *Logger) path(filename string) string {
	return filepath.Join(l.dir, filename)
}

func (l *Logger) writeRecords(filename string, records [][]string) (err error) {
	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return errors.Wrapf(err, "cannot create log directory %q", l.dir)
	}
	path := l.path(filename)
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create %q", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		return errors.Wrapf(err, "cannot write %q", path)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func matrixRecords(m mat.Matrix) [][]string {
	rows, cols := m.Dims()
	records := make([][]string, rows)
	for i := 0; i < rows; i++ {
		records[i] = make([]string, cols)
		for j := 0; j < cols; j++ {
			records[i][j] = formatFloat(m.At(i, j))
		}
	}
	return records
}

// WriteMatrix writes m as a dense CSV matrix, one matrix row per line.
func (l *Logger) WriteMatrix(m mat.Matrix, filename string) error {
	return l.writeRecords(filename, matrixRecords(m))
}

// LogTrajectory writes a d×n(d+1) trajectory as a dense CSV matrix.
func (l *Logger) LogTrajectory(trajectory *lifted.PoseArray, filename string) error {
	return l.WriteMatrix(trajectory.View(), filename)
}

// MeasurementHeader returns the CSV header for measurements of dimension d.
func MeasurementHeader(d int) []string {
	header := []string{"robot_src", "pose_src", "robot_dst", "pose_dst"}
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			header = append(header, "R"+strconv.Itoa(i+1)+strconv.Itoa(j+1))
		}
	}
	for i := 0; i < d; i++ {
		header = append(header, "t"+strconv.Itoa(i+1))
	}
	return append(header, "kappa", "tau", "is_known_inlier", "fixed_weight", "weight")
}

// LogMeasurements writes one row per measurement, including its current weight.
func (l *Logger) LogMeasurements(measurements []posegraph.RelativeSEMeasurement, filename string) error {
	if len(measurements) == 0 {
		return l.writeRecords(filename, nil)
	}
	d := measurements[0].Dim()
	records := [][]string{MeasurementHeader(d)}
	for _, m := range measurements {
		if m.Dim() != d {
			return errors.Errorf("cannot log measurements of mixed dimension %d and %d", d, m.Dim())
		}
		record := []string{strconv.Itoa(m.R1), strconv.Itoa(m.P1), strconv.Itoa(m.R2), strconv.Itoa(m.P2)}
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				record = append(record, formatFloat(m.R.At(i, j)))
			}
		}
		for i := 0; i < d; i++ {
			record = append(record, formatFloat(m.T.AtVec(i)))
		}
		record = append(record,
			formatFloat(m.Kappa),
			formatFloat(m.Tau),
			strconv.FormatBool(m.IsKnownInlier),
			strconv.FormatBool(m.FixedWeight),
			formatFloat(m.Weight),
		)
		records = append(records, record)
	}
	return l.writeRecords(filename, records)
}

func readRecords(path string) ([][]string, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %q", path)
	}
	defer func() {
		//nolint:errcheck
		f.Close()
	}()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse %q", path)
	}
	return records, nil
}

// ReadMatrix reads a dense CSV matrix written by WriteMatrix.
func ReadMatrix(path string) (*mat.Dense, error) {
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.Errorf("%q is empty", path)
	}
	rows, cols := len(records), len(records[0])
	out := mat.NewDense(rows, cols, nil)
	for i, record := range records {
		for j, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%q row %d column %d", path, i+1, j+1)
			}
			out.Set(i, j, v)
		}
	}
	return out, nil
}

// ReadTrajectory reads a trajectory written by LogTrajectory.
func ReadTrajectory(path string) (*lifted.PoseArray, error) {
	m, err := ReadMatrix(path)
	if err != nil {
		return nil, err
	}
	d, cols := m.Dims()
	if cols%(d+1) != 0 {
		return nil, errors.Errorf("%q is %dx%d, not a trajectory", path, d, cols)
	}
	return lifted.NewPoseArrayFromMatrix(m), nil
}

// ReadMeasurements reads measurements written by LogMeasurements.
func ReadMeasurements(path string) ([]posegraph.RelativeSEMeasurement, error) {
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	if len(records) <= 1 {
		return nil, nil
	}
	var d int
	switch len(records[0]) {
	case len(MeasurementHeader(2)):
		d = 2
	case len(MeasurementHeader(3)):
		d = 3
	default:
		return nil, errors.Errorf("%q has an unexpected header of %d columns", path, len(records[0]))
	}

	out := make([]posegraph.RelativeSEMeasurement, 0, len(records)-1)
	for line, record := range records[1:] {
		p := fieldParser{record: record}
		r1, p1, r2, p2 := p.nextInt(), p.nextInt(), p.nextInt(), p.nextInt()
		rotation := mat.NewDense(d, d, nil)
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				rotation.Set(i, j, p.nextFloat())
			}
		}
		translation := mat.NewVecDense(d, nil)
		for i := 0; i < d; i++ {
			translation.SetVec(i, p.nextFloat())
		}
		m := posegraph.NewRelativeSEMeasurement(r1, r2, p1, p2, rotation, translation, p.nextFloat(), p.nextFloat())
		m.IsKnownInlier = p.nextBool()
		m.FixedWeight = p.nextBool()
		m.Weight = p.nextFloat()
		if p.err != nil {
			return nil, errors.Wrapf(p.err, "%q line %d", path, line+2)
		}
		out = append(out, m)
	}
	return out, nil
}

// fieldParser consumes a CSV record left to right, keeping the first error.
type fieldParser struct {
	record []string
	next   int
	err    error
}

func (p *fieldParser) field() string {
	if p.next >= len(p.record) {
		if p.err == nil {
			p.err = errors.Errorf("missing field %d", p.next+1)
		}
		return ""
	}
	p.next++
	return p.record[p.next-1]
}

func (p *fieldParser) nextInt() int {
	v, err := strconv.Atoi(p.field())
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) nextFloat() float64 {
	v, err := strconv.ParseFloat(p.field(), 64)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) nextBool() bool {
	v, err := strconv.ParseBool(p.field())
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}
