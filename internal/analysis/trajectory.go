package analysis

import (
	"fmt"
	"math"

	"github.com/user/mqi_interpreter_go/internal/calibration"
	"github.com/user/mqi_interpreter_go/internal/parser"
)

const (
	// MaxScanSpeed is the nozzle scan speed limit in mm/s.
	MaxScanSpeed = 2000.0
	// TimeResolutionMs is the granularity segment times are rounded to.
	TimeResolutionMs = 0.1
	// DefaultTimeStepMs is the default sub-sampling step of a segment.
	DefaultTimeStepMs = 0.06
	// ZeroWeightMU is the weight under which a segment is a pure positioning move.
	ZeroWeightMU = 1e-7
)

// TrajectoryPoint is one sample of a reconstructed plan delivery.
type TrajectoryPoint struct {
	TimeMs float64
	XMm    float64
	YMm    float64
	MU     float64
}

// Trajectory is the plan-side time series of one energy layer.
type Trajectory struct {
	Points      []TrajectoryPoint
	DoseRates   []float64 // dose rate used for each processed control point, MU/s
	TotalTimeMs float64
	Warnings    []string
}

// DurationMs returns the time of the last sample, 0 when empty.
func (t *Trajectory) DurationMs() float64 {
	if len(t.Points) == 0 {
		return 0
	}
	return t.Points[len(t.Points)-1].TimeMs
}

// TotalMU sums the MU of every sample.
func (t *Trajectory) TotalMU() float64 {
	total := 0.0
	for _, p := range t.Points {
		total += p.MU
	}
	return total
}

// segmentDistances returns the Euclidean distance between consecutive
// spots of a flattened x,y position list.
func segmentDistances(positions []float64) []float64 {
	n := len(positions) / 2
	if n < 2 {
		return nil
	}
	out := make([]float64, n-1)
	for i := 1; i < n; i++ {
		dx := positions[2*i] - positions[2*(i-1)]
		dy := positions[2*i+1] - positions[2*(i-1)+1]
		out[i-1] = math.Hypot(dx, dy)
	}
	return out
}

// LayerDoseRate returns the dose rate in MU/s a layer can be delivered at.
// Each segment after the first spot gives a candidate weight/distance*speed;
// the smallest positive candidate is clamped into
// [MinDoseRate, table.DoseRateForEnergy(energy)].
func LayerDoseRate(positions, weights []float64, energy float64, table *calibration.DoseRateTable) float64 {
	if len(weights) <= 1 || len(positions) <= 2 {
		return calibration.MinDoseRate
	}
	dists := segmentDistances(positions)

	minRate := math.Inf(1)
	for i := 1; i < len(weights) && i-1 < len(dists); i++ {
		if dists[i-1] <= 0 {
			continue
		}
		rate := weights[i] / dists[i-1] * MaxScanSpeed
		if rate > 0 && rate < minRate {
			minRate = rate
		}
	}
	if math.IsInf(minRate, 1) {
		return calibration.MinDoseRate
	}

	provider := table.DoseRateForEnergy(energy)
	switch {
	case minRate < calibration.MinDoseRate:
		return calibration.MinDoseRate
	case minRate > provider:
		return provider
	default:
		return minRate
	}
}

// roundToResolution rounds a time in ms to the nearest TimeResolutionMs,
// ties to even.
func roundToResolution(ms float64) float64 {
	ticks := math.RoundToEven(ms / TimeResolutionMs)
	return ticks * TimeResolutionMs
}

// InterpolateLayer reconstructs the planned delivery of one energy layer.
// Control points are processed in order and share one running clock;
// zero-weight control points still contribute their positioning moves.
// A layer without weight yields an empty trajectory. If any control point's
// positions do not pair with its weights the trajectory is empty and the
// returned error wraps parser.ErrPositionWeightMismatch.
func InterpolateLayer(layer parser.EnergyLayer, table *calibration.DoseRateTable, stepMs float64) (*Trajectory, error) {
	if stepMs <= 0 {
		stepMs = DefaultTimeStepMs
	}
	traj := &Trajectory{}

	if layer.TotalWeight() <= 0 {
		traj.Warnings = append(traj.Warnings, fmt.Sprintf("Warning: layer %.1f MeV has no spot weight, no plan trajectory generated.", layer.NominalEnergy))
		return traj, nil
	}

	for _, cp := range layer.ControlPoints {
		if err := cp.Validate(); err != nil {
			traj.Warnings = append(traj.Warnings, fmt.Sprintf("Warning: control point %d has %d position values for %d weights, layer %.1f MeV skipped.",
				cp.Index, len(cp.Positions), len(cp.Weights), layer.NominalEnergy))
			return traj, fmt.Errorf("layer %.1f MeV control point %d: %w", layer.NominalEnergy, cp.Index, err)
		}
	}

	for _, cp := range layer.ControlPoints {
		if cp.NumSpots() <= 1 {
			continue
		}

		doseRate := LayerDoseRate(cp.Positions, cp.Weights, cp.Energy, table)
		traj.DoseRates = append(traj.DoseRates, doseRate)
		dists := segmentDistances(cp.Positions)

		for i := 1; i < cp.NumSpots(); i++ {
			prevX, prevY := cp.Positions[2*(i-1)], cp.Positions[2*(i-1)+1]
			curX, curY := cp.Positions[2*i], cp.Positions[2*i+1]
			weight := cp.Weights[i]

			var rawMs float64
			if weight < ZeroWeightMU {
				rawMs = dists[i-1] / MaxScanSpeed * 1000
			} else {
				rawMs = weight / doseRate * 1000
			}
			segMs := roundToResolution(rawMs)
			if segMs <= 0 {
				continue
			}

			steps := int(math.Ceil(segMs / stepMs))
			if steps < 1 {
				steps = 1
			}
			muPerStep := weight / float64(steps)
			for k := 0; k < steps; k++ {
				progress := float64(k+1) / float64(steps)
				traj.Points = append(traj.Points, TrajectoryPoint{
					TimeMs: traj.TotalTimeMs + float64(k+1)*stepMs,
					XMm:    prevX + (curX-prevX)*progress,
					YMm:    prevY + (curY-prevY)*progress,
					MU:     muPerStep,
				})
			}
			traj.TotalTimeMs += segMs
		}
	}

	if len(traj.Points) == 0 {
		traj.Warnings = append(traj.Warnings, fmt.Sprintf("Warning: interpolation for layer %.1f MeV resulted in no data.", layer.NominalEnergy))
	}
	return traj, nil
}
