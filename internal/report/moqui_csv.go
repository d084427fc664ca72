package report

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/user/mqi_interpreter_go/internal/analysis"
)

const (
	planSubdir = "rtplan"
	logSubdir  = "log"
)

// CSVOptions controls WriteMoquiCSVs.
type CSVOptions struct {
	PlanCSV bool // also write the interpolated plan trajectory
	Workers int  // concurrent file writers, 1 when zero
}

// CSVSummary lists what WriteMoquiCSVs produced.
type CSVSummary struct {
	Files []string // sorted
	Bytes int64
}

// LayerCSVPaths returns the plan-side and log-side file of a layer:
// <out>/<beamDir>/rtplan/NN_E.EMeV.csv and <out>/<beamDir>/log/NN_E.EMeV.csv.
func LayerCSVPaths(outDir string, lr *analysis.LayerResult) (planPath, logPath string) {
	beamDir := filepath.Join(outDir, lr.Beam.DirName())
	name := lr.FileName()
	return filepath.Join(beamDir, planSubdir, name), filepath.Join(beamDir, logSubdir, name)
}

// WriteMoquiCSVs writes the per-layer MOQUI input files. Each file holds a
// single comma-joined line without header: time,x,y,mu repeated per sample.
// Files are written by a bounded pool; the first failure cancels the rest.
func WriteMoquiCSVs(ctx context.Context, outDir string, pairing *analysis.PairingResult, opts CSVOptions) (*CSVSummary, error) {
	if pairing == nil {
		return nil, fmt.Errorf("no paired layers to write")
	}
	// distinct beams must not share an output directory
	dirOwner := make(map[string]int)
	for i := range pairing.Layers {
		lr := &pairing.Layers[i]
		if lr.Beam == nil || lr.Log == nil {
			return nil, fmt.Errorf("layer %d is missing its beam or log", lr.GlobalIndex+1)
		}
		dir := lr.Beam.DirName()
		if owner, ok := dirOwner[dir]; ok && owner != lr.BeamIndex {
			return nil, fmt.Errorf("beams %d and %d both write to directory %q, rename one of them in the plan",
				owner+1, lr.BeamIndex+1, dir)
		}
		dirOwner[dir] = lr.BeamIndex
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var (
		mu      sync.Mutex
		summary = &CSVSummary{}
	)
	record := func(path string, n int64) {
		mu.Lock()
		defer mu.Unlock()
		summary.Files = append(summary.Files, path)
		summary.Bytes += n
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range pairing.Layers {
		lr := &pairing.Layers[i]
		planPath, logPath := LayerCSVPaths(outDir, lr)

		if opts.PlanCSV {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				n, err := writeFlatCSV(planPath, planValues(lr))
				if err != nil {
					return fmt.Errorf("error writing RTPlan CSV file %s: %w", planPath, err)
				}
				record(planPath, n)
				return nil
			})
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := writeFlatCSV(logPath, logValues(lr))
			if err != nil {
				return fmt.Errorf("error writing Log CSV file %s: %w", logPath, err)
			}
			record(logPath, n)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(summary.Files)
	return summary, nil
}

func planValues(lr *analysis.LayerResult) []string {
	if lr.Plan == nil {
		return nil
	}
	out := make([]string, 0, 4*len(lr.Plan.Points))
	for _, p := range lr.Plan.Points {
		out = append(out, formatFloat(p.TimeMs), formatFloat(p.XMm), formatFloat(p.YMm), formatFloat(p.MU))
	}
	return out
}

func logValues(lr *analysis.LayerResult) []string {
	l := lr.Log
	out := make([]string, 0, 4*len(lr.CorrectedMU))
	for i, mu := range lr.CorrectedMU {
		out = append(out, formatFloat(l.TimeMs[i]), formatFloat(l.XMm[i]), formatFloat(l.YMm[i]), strconv.FormatInt(mu, 10))
	}
	return out
}

// writeFlatCSV writes values as one comma-joined line, creating parent
// directories as needed. An empty slice produces an empty file.
func writeFlatCSV(path string, values []string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	w := bufio.NewWriter(f)
	var n int64
	for i, v := range values {
		if i > 0 {
			w.WriteByte(',')
			n++
		}
		m, _ := w.WriteString(v)
		n += int64(m)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return n, err
	}
	return n, f.Close()
}

// formatFloat prints the shortest representation that round-trips, with a
// trailing ".0" on integral values and exponent form outside [1e-4, 1e16).
func formatFloat(v float64) string {
	abs := math.Abs(v)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
