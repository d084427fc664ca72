package analysis

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultMUTolerancePct is the plan/log MU deviation flagged in QA reports.
const DefaultMUTolerancePct = 5.0

// Helper to calculate mean, NaN for no data
func calculateMean(data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	return stat.Mean(data, nil)
}

// Population standard deviation, 0 for a single point
func calculateStdDev(data []float64) float64 {
	switch len(data) {
	case 0:
		return math.NaN()
	case 1:
		return 0.0
	}
	return math.Sqrt(stat.PopVariance(data, nil))
}

// Helper to calculate range (max - min)
func calculateRange(data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	return floats.Max(data) - floats.Min(data)
}

// beamOnPositions returns the log positions sampled while the beam was on,
// or every sample when the beam-on column is all zero.
func beamOnPositions(xs, ys, beamOn []float64) ([]float64, []float64) {
	var bx, by []float64
	for i := range xs {
		if i < len(beamOn) && beamOn[i] > 0 {
			bx = append(bx, xs[i])
			by = append(by, ys[i])
		}
	}
	if len(bx) == 0 {
		return xs, ys
	}
	return bx, by
}

// SummarizeLayer computes the QA statistics of one paired layer.
func SummarizeLayer(lr *LayerResult, tolerancePct float64) LayerSummary {
	s := LayerSummary{
		LayerIndex:     lr.LayerIndex,
		Energy:         lr.Energy,
		RangeCode:      lr.RangeCode,
		MUDeviationPct: math.NaN(),
		MeanX:          math.NaN(),
		MeanY:          math.NaN(),
		StdDevX:        math.NaN(),
		StdDevY:        math.NaN(),
		RangeX:         math.NaN(),
		RangeY:         math.NaN(),
	}
	if lr.Beam != nil {
		s.BeamName = lr.Beam.Name
		s.BeamDir = lr.Beam.DirName()
	}

	for _, mu := range lr.CorrectedMU {
		s.LogMU += float64(mu)
	}
	if lr.Plan != nil {
		s.PlanMU = lr.Plan.TotalMU()
		s.PlanDurationMs = lr.Plan.DurationMs()
	}
	if lr.PlanErr != nil {
		s.Error = lr.PlanErr.Error()
	}
	if s.PlanMU > 0 {
		s.MUDeviationPct = (s.LogMU - s.PlanMU) / s.PlanMU * 100
		s.IsOutOfTolerance = math.Abs(s.MUDeviationPct) > tolerancePct
	}

	if lr.Log == nil || lr.Log.Len() == 0 {
		if s.Error == "" {
			s.Error = "log layer has no samples"
		}
		return s
	}
	s.NumLogSamples = lr.Log.Len()
	s.LogDurationMs = lr.Log.TimeMs[len(lr.Log.TimeMs)-1]
	for _, on := range lr.Log.BeamOn {
		if on > 0 {
			s.NumBeamOn++
		}
	}

	xs, ys := beamOnPositions(lr.Log.XMm, lr.Log.YMm, lr.Log.BeamOn)
	s.MeanX = calculateMean(xs)
	s.MeanY = calculateMean(ys)
	s.StdDevX = calculateStdDev(xs)
	s.StdDevY = calculateStdDev(ys)
	s.RangeX = calculateRange(xs)
	s.RangeY = calculateRange(ys)
	return s
}

// AnalyzeLayers summarizes every paired layer and ranks them by MU deviation
// and delivery duration.
func AnalyzeLayers(pairing *PairingResult, tolerancePct float64) (*QAResults, error) {
	if pairing == nil || len(pairing.Layers) == 0 {
		return nil, fmt.Errorf("pairing result is nil or empty, cannot analyze")
	}

	results := NewQAResults(tolerancePct)

	allDeviations := []RankedLayerInfo{}
	allDurations := []RankedLayerInfo{}

	for i := range pairing.Layers {
		lr := &pairing.Layers[i]
		s := SummarizeLayer(lr, tolerancePct)
		if s.Error != "" {
			results.AnalysisErrors = append(results.AnalysisErrors,
				fmt.Sprintf("Beam '%s' layer %d (%.1f MeV): %s", s.BeamName, s.LayerIndex, s.Energy, s.Error))
		}

		info := RankedLayerInfo{BeamName: s.BeamName, LayerIndex: s.LayerIndex, Energy: s.Energy}
		if !math.IsNaN(s.MUDeviationPct) {
			info.Value = math.Abs(s.MUDeviationPct)
			allDeviations = append(allDeviations, info)
		}
		if s.NumLogSamples > 0 {
			info.Value = s.LogDurationMs
			allDurations = append(allDurations, info)
		}
		results.Layers = append(results.Layers, s)
	}

	sort.SliceStable(allDeviations, func(i, j int) bool {
		return allDeviations[i].Value > allDeviations[j].Value // Descending
	})
	results.RankedByMUDev = allDeviations

	sort.SliceStable(allDurations, func(i, j int) bool {
		return allDurations[i].Value > allDurations[j].Value // Descending
	})
	results.RankedByDuration = allDurations

	return results, nil
}

// DeviationMatrix arranges the MU deviation of every layer into a
// beams x max-layers grid for the heatmap. Missing cells are NaN.
func (r *QAResults) DeviationMatrix() (beams []string, cells [][]float64) {
	index := make(map[string]int)
	maxLayer := 0
	for _, l := range r.Layers {
		if _, ok := index[l.BeamDir]; !ok {
			index[l.BeamDir] = len(beams)
			beams = append(beams, l.BeamDir)
		}
		if l.LayerIndex > maxLayer {
			maxLayer = l.LayerIndex
		}
	}
	cells = make([][]float64, len(beams))
	for i := range cells {
		cells[i] = make([]float64, maxLayer)
		for j := range cells[i] {
			cells[i][j] = math.NaN()
		}
	}
	for _, l := range r.Layers {
		if l.LayerIndex >= 1 {
			cells[index[l.BeamDir]][l.LayerIndex-1] = l.MUDeviationPct
		}
	}
	return beams, cells
}
