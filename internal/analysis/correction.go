package analysis

import (
	"errors"
	"fmt"
	"math"

	"github.com/user/mqi_interpreter_go/internal/calibration"
	"github.com/user/mqi_interpreter_go/internal/parser"
)

// ErrShapeMismatch is returned when the log arrays of a layer differ in length.
var ErrShapeMismatch = errors.New("log arrays differ in length")

// DefaultDoseDividingFactor scales corrected counts down to MOQUI MU units.
const DefaultDoseDividingFactor = 10.0

var monitorRangeFactors = map[int]float64{
	2: 1.0,
	3: 2.978723404255319,
	4: 8.936170212765957,
	5: 26.80851063829787,
}

// MonitorRangeFactor returns the dose multiplier of a monitor range code.
// Unknown codes give 1.0 and ok == false.
func MonitorRangeFactor(code int) (float64, bool) {
	f, ok := monitorRangeFactors[code]
	if !ok {
		return 1.0, false
	}
	return f, true
}

// Corrector converts raw dose monitor counts to MU. A nil interpolator is an
// identity stage.
type Corrector struct {
	Proton         *calibration.Interpolator
	MUCount        *calibration.Interpolator
	DividingFactor float64
}

// NewCorrector builds a Corrector from the fixed correction curves. When a
// curve cannot be built the stage is left out and a warning is returned.
func NewCorrector(dividingFactor float64) (*Corrector, []string) {
	var warnings []string
	c := &Corrector{DividingFactor: dividingFactor}

	proton, err := calibration.NewProtonDoseInterpolator()
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("Warning: proton/dose interpolator unavailable: %v", err))
	} else {
		c.Proton = proton
	}
	mu, err := calibration.NewMUCountDoseInterpolator()
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("Warning: MU count/dose interpolator unavailable: %v", err))
	} else {
		c.MUCount = mu
	}
	return c, warnings
}

// HasEnergyCorrection reports whether both energy stages are active.
func (c *Corrector) HasEnergyCorrection() bool {
	return c.Proton != nil && c.MUCount != nil
}

// Factor returns the combined multiplier applied to raw counts at the given
// energy and monitor range code.
func (c *Corrector) Factor(energy float64, code int) float64 {
	f := 1.0
	if c.Proton != nil {
		f *= c.Proton.Evaluate(energy)
	}
	if c.MUCount != nil {
		f *= c.MUCount.Evaluate(energy)
	}
	rf, _ := MonitorRangeFactor(code)
	f *= rf
	if c.DividingFactor != 0 {
		f /= c.DividingFactor
	}
	return f
}

// Correct returns the corrected MU of one raw count, rounded to the nearest
// integer with ties to even.
func (c *Corrector) Correct(raw, energy float64, code int) int64 {
	return int64(math.RoundToEven(raw * c.Factor(energy, code)))
}

// CorrectSeries applies Correct to every raw count of a layer.
func (c *Corrector) CorrectSeries(raw []float64, energy float64, code int) []int64 {
	f := c.Factor(energy, code)
	out := make([]int64, len(raw))
	for i, r := range raw {
		out[i] = int64(math.RoundToEven(r * f))
	}
	return out
}

// PairOptions configures PairLayers.
type PairOptions struct {
	Table     *calibration.DoseRateTable
	Corrector *Corrector
	TimeStep  float64 // ms, DefaultTimeStepMs when zero
	// PlanTrajectory enables the plan-side interpolation of each layer.
	PlanTrajectory bool
	// CalibrationMode marks a Corrector without energy stages as intended.
	CalibrationMode bool
}

// LayerResult is one plan layer paired with its delivery log.
type LayerResult struct {
	GlobalIndex int // position in the flattened (beam, layer) sequence
	BeamIndex   int
	Beam        *parser.Beam
	LayerIndex  int // 1-based within the beam
	Energy      float64
	RangeCode   int
	RangeFactor float64

	Plan        *Trajectory // nil when the plan trajectory is disabled
	PlanErr     error       // non-fatal plan trajectory failure
	Log         *parser.LogLayer
	CorrectedMU []int64 // aligned with Log.TimeMs
}

// FileName is the per-layer CSV name, e.g. 01_150.0MeV.csv.
func (r *LayerResult) FileName() string {
	return fmt.Sprintf("%02d_%.1fMeV.csv", r.LayerIndex, r.Energy)
}

// PairingResult holds every paired layer of a run.
type PairingResult struct {
	Layers     []LayerResult
	PlanLayers int // (beam, layer) pairs in the plan
	Skipped    int // plan layers left without log data
	Warnings   []string
}

// PairLayers walks the plan beam by beam and layer by layer, pairing each
// layer with the log and monitor range code at the same flattened position.
// Running out of logs or codes stops the walk with a warning. A layer whose
// log arrays differ in length aborts with ErrShapeMismatch.
func PairLayers(plan *parser.Plan, logs []*parser.LogLayer, codes []int, opts PairOptions) (*PairingResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil, cannot pair layers")
	}
	corrector := opts.Corrector
	if corrector == nil {
		corrector = &Corrector{DividingFactor: DefaultDoseDividingFactor}
	}

	res := &PairingResult{PlanLayers: plan.NumEnergyLayers()}
	if !corrector.HasEnergyCorrection() && !opts.CalibrationMode {
		res.Warnings = append(res.Warnings, "Warning: energy correction interpolators are not available, using factor 1.0.")
	}

	global := 0
walk:
	for beamIdx := range plan.Beams {
		beam := &plan.Beams[beamIdx]
		for layerIdx, layer := range beam.EnergyLayers {
			if global >= len(logs) {
				res.Warnings = append(res.Warnings, fmt.Sprintf(
					"Warning: Not enough PTN data entries. Needed for layer %d, but only %d provided. Skipping remaining layers.",
					global+1, len(logs)))
				break walk
			}
			if global >= len(codes) {
				res.Warnings = append(res.Warnings, fmt.Sprintf(
					"Warning: Not enough dose monitor range codes. Needed for layer %d, but only %d provided. Skipping remaining layers.",
					global+1, len(codes)))
				break walk
			}

			logLayer := logs[global]
			code := codes[global]
			lr := LayerResult{
				GlobalIndex: global,
				BeamIndex:   beamIdx,
				Beam:        beam,
				LayerIndex:  layerIdx + 1,
				Energy:      layer.NominalEnergy,
				RangeCode:   code,
				Log:         logLayer,
			}

			if err := checkLogShape(logLayer); err != nil {
				return res, fmt.Errorf("beam '%s' layer %d (%.1f MeV): %w",
					beam.Name, layerIdx+1, layer.NominalEnergy, err)
			}

			if math.IsNaN(layer.NominalEnergy) || math.IsInf(layer.NominalEnergy, 0) {
				res.Warnings = append(res.Warnings, fmt.Sprintf(
					"Warning: beam '%s' layer %d has no valid nominal energy (%v). Energy correction factors are meaningless for this layer.",
					beam.Name, layerIdx+1, layer.NominalEnergy))
			}

			factor, ok := MonitorRangeFactor(code)
			if !ok {
				res.Warnings = append(res.Warnings, fmt.Sprintf(
					"Warning: Unrecognized monitor_range_code %d for beam '%s' layer %d. Defaulting factor to 1.0.",
					code, beam.Name, layerIdx+1))
			}
			lr.RangeFactor = factor
			lr.CorrectedMU = corrector.CorrectSeries(logLayer.Dose1, layer.NominalEnergy, code)

			if opts.PlanTrajectory {
				traj, err := InterpolateLayer(layer, opts.Table, opts.TimeStep)
				lr.Plan = traj
				lr.PlanErr = err
				for _, w := range traj.Warnings {
					res.Warnings = append(res.Warnings, fmt.Sprintf("beam '%s' layer %d: %s", beam.Name, layerIdx+1, w))
				}
			}

			res.Layers = append(res.Layers, lr)
			global++
		}
	}

	res.Skipped = res.PlanLayers - global
	if global != res.PlanLayers || len(logs) != res.PlanLayers {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"Warning: Number of processed layers (%d) does not match total energy layers in RTPLAN (%d); %d log files supplied.",
			global, res.PlanLayers, len(logs)))
	}
	return res, nil
}

func checkLogShape(l *parser.LogLayer) error {
	if l == nil {
		return fmt.Errorf("%w: log layer is nil", ErrShapeMismatch)
	}
	n := len(l.TimeMs)
	if len(l.XMm) != n || len(l.YMm) != n || len(l.Dose1) != n {
		return fmt.Errorf("%w: %s time=%d x=%d y=%d dose1=%d",
			ErrShapeMismatch, l.Source, n, len(l.XMm), len(l.YMm), len(l.Dose1))
	}
	return nil
}
