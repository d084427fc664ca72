package analysis

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/mqi_interpreter_go/internal/calibration"
	"github.com/user/mqi_interpreter_go/internal/parser"
)

func wideTable() *calibration.DoseRateTable {
	return calibration.NewDoseRateTable([]calibration.DoseRateRow{{Energy: 100, MaxDoseRate: 2000}})
}

func TestLayerDoseRateCollinearSpots(t *testing.T) {
	positions := []float64{0, 0, 10, 0, 20, 0}

	for _, w0 := range []float64{0, 3, 100} {
		weights := []float64{w0, 5, 5}
		// 5 MU over 10 mm at 2000 mm/s
		assert.Equal(t, 1000.0, LayerDoseRate(positions, weights, 100, wideTable()), "w0=%g", w0)
	}

	capped := calibration.NewDoseRateTable([]calibration.DoseRateRow{{Energy: 100, MaxDoseRate: 50}})
	assert.Equal(t, 50.0, LayerDoseRate(positions, []float64{1, 5, 5}, 100.1, capped))

	// no bucket for the energy: provider falls to the floor
	assert.Equal(t, calibration.MinDoseRate, LayerDoseRate(positions, []float64{1, 5, 5}, 180, capped))

	// candidate below the floor
	assert.Equal(t, calibration.MinDoseRate, LayerDoseRate(positions, []float64{0, 1e-5, 1e-5}, 100, wideTable()))
}

func TestLayerDoseRateDegenerate(t *testing.T) {
	tbl := wideTable()
	assert.Equal(t, calibration.MinDoseRate, LayerDoseRate([]float64{1, 1}, []float64{5}, 100, tbl))
	assert.Equal(t, calibration.MinDoseRate, LayerDoseRate(nil, nil, 100, tbl))
	// coincident spots produce no candidate
	assert.Equal(t, calibration.MinDoseRate, LayerDoseRate([]float64{1, 1, 1, 1}, []float64{5, 5}, 100, tbl))
	// zero weights produce no positive candidate
	assert.Equal(t, calibration.MinDoseRate, LayerDoseRate([]float64{0, 0, 10, 0}, []float64{0, 0}, 100, tbl))
}

func TestInterpolateLayer(t *testing.T) {
	layer := parser.EnergyLayer{
		NominalEnergy: 100,
		ControlPoints: []parser.ControlPoint{
			{Index: 0, Energy: 100, Positions: []float64{0, 0, 10, 0}, Weights: []float64{0, 1}},
			{Index: 1, Energy: 100, Positions: []float64{10, 0, 10, 20}, Weights: []float64{0, 0}},
		},
	}

	traj, err := InterpolateLayer(layer, wideTable(), 0.5)
	require.NoError(t, err)

	// weighted segment: 1 MU at 200 MU/s = 5 ms -> 10 steps
	// positioning move: 20 mm at 2000 mm/s = 10 ms -> 20 steps
	require.Len(t, traj.Points, 30)
	assert.Equal(t, []float64{200, calibration.MinDoseRate}, traj.DoseRates)
	assert.InDelta(t, 15.0, traj.TotalTimeMs, 1e-9)
	assert.InDelta(t, 1.0, traj.TotalMU(), 1e-12)

	first := traj.Points[0]
	assert.InDelta(t, 0.5, first.TimeMs, 1e-12)
	assert.InDelta(t, 1.0, first.XMm, 1e-12)
	assert.InDelta(t, 0.1, first.MU, 1e-12)

	endOfSpot := traj.Points[9]
	assert.InDelta(t, 5.0, endOfSpot.TimeMs, 1e-9)
	assert.InDelta(t, 10.0, endOfSpot.XMm, 1e-12)

	move := traj.Points[10]
	assert.InDelta(t, 5.5, move.TimeMs, 1e-9)
	assert.InDelta(t, 10.0, move.XMm, 1e-12)
	assert.InDelta(t, 1.0, move.YMm, 1e-12)
	assert.Equal(t, 0.0, move.MU)

	last := traj.Points[29]
	assert.InDelta(t, 15.0, last.TimeMs, 1e-9)
	assert.InDelta(t, 20.0, last.YMm, 1e-12)
	assert.InDelta(t, 15.0, traj.DurationMs(), 1e-9)

	for i := 1; i < len(traj.Points); i++ {
		assert.Greater(t, traj.Points[i].TimeMs, traj.Points[i-1].TimeMs, "time must increase at %d", i)
	}
}

func TestInterpolateLayerDefaultStep(t *testing.T) {
	layer := parser.EnergyLayer{
		NominalEnergy: 100,
		ControlPoints: []parser.ControlPoint{
			{Energy: 100, Positions: []float64{0, 0, 10, 0}, Weights: []float64{0, 1}},
		},
	}
	traj, err := InterpolateLayer(layer, wideTable(), 0)
	require.NoError(t, err)
	// ceil(5 / 0.06)
	assert.Len(t, traj.Points, 84)
	assert.InDelta(t, 84*DefaultTimeStepMs, traj.DurationMs(), 1e-9)
}

func TestInterpolateLayerEmptyCases(t *testing.T) {
	tbl := wideTable()

	zero := parser.EnergyLayer{NominalEnergy: 120, ControlPoints: []parser.ControlPoint{
		{Energy: 120, Positions: []float64{0, 0, 5, 5}, Weights: []float64{0, 0}},
	}}
	traj, err := InterpolateLayer(zero, tbl, 0.06)
	require.NoError(t, err)
	assert.Empty(t, traj.Points)
	assert.NotEmpty(t, traj.Warnings)

	single := parser.EnergyLayer{NominalEnergy: 120, ControlPoints: []parser.ControlPoint{
		{Energy: 120, Positions: []float64{0, 0}, Weights: []float64{2}},
	}}
	traj, err = InterpolateLayer(single, tbl, 0.06)
	require.NoError(t, err)
	assert.Empty(t, traj.Points)

	mismatch := parser.EnergyLayer{NominalEnergy: 120, ControlPoints: []parser.ControlPoint{
		{Energy: 120, Positions: []float64{0, 0, 5, 5}, Weights: []float64{1, 1}},
		{Index: 1, Energy: 120, Positions: []float64{0, 0, 5}, Weights: []float64{1, 1}},
	}}
	traj, err = InterpolateLayer(mismatch, tbl, 0.06)
	assert.ErrorIs(t, err, parser.ErrPositionWeightMismatch)
	assert.Empty(t, traj.Points)
}

func TestMonitorRangeFactor(t *testing.T) {
	cases := map[int]float64{
		2: 1.0,
		3: 2.978723404255319,
		4: 8.936170212765957,
		5: 26.80851063829787,
	}
	for code, want := range cases {
		got, ok := MonitorRangeFactor(code)
		assert.True(t, ok)
		assert.Equal(t, want, got, "code %d", code)
	}
	for _, code := range []int{0, 1, 6, -3} {
		got, ok := MonitorRangeFactor(code)
		assert.False(t, ok)
		assert.Equal(t, 1.0, got)
	}
}

func TestCorrector(t *testing.T) {
	c, warnings := NewCorrector(DefaultDoseDividingFactor)
	require.Empty(t, warnings)
	require.True(t, c.HasEnergyCorrection())

	want := 1.36888442326936 * 0.967281770613755 * 2.978723404255319 / 10
	assert.InDelta(t, want, c.Factor(100, 3), 1e-12)
	assert.Equal(t, int64(math.RoundToEven(1000*want)), c.Correct(1000, 100, 3))

	identity := &Corrector{DividingFactor: 10}
	assert.Equal(t, int64(2), identity.Correct(25, 150, 2))
	assert.Equal(t, int64(4), identity.Correct(35, 150, 2))
	assert.Equal(t, []int64{1, 2, 3}, identity.CorrectSeries([]float64{10, 20, 30}, 150, 2))
}

func singleLayerPlan(energies ...float64) *parser.Plan {
	beam := parser.Beam{Name: "Field 1", SanitizedName: "Field_1"}
	for _, e := range energies {
		beam.EnergyLayers = append(beam.EnergyLayers, parser.EnergyLayer{
			NominalEnergy: e,
			ControlPoints: []parser.ControlPoint{
				{Energy: e, Positions: []float64{0, 0, 10, 0}, Weights: []float64{0, 1}},
			},
		})
	}
	return &parser.Plan{PatientID: "P1", Beams: []parser.Beam{beam}}
}

func syntheticLog(dose ...float64) *parser.LogLayer {
	n := len(dose)
	l := &parser.LogLayer{Source: "synthetic.ptn", Dose1: dose}
	for i := 0; i < n; i++ {
		l.TimeMs = append(l.TimeMs, float64(i)*0.06)
		l.XMm = append(l.XMm, float64(i))
		l.YMm = append(l.YMm, -float64(i))
		l.BeamOn = append(l.BeamOn, 1)
	}
	return l
}

func TestPairLayersSingleLayer(t *testing.T) {
	c, _ := NewCorrector(DefaultDoseDividingFactor)
	plan := singleLayerPlan(100)
	raw := []float64{10, 200, 3000, 40, 5}

	res, err := PairLayers(plan, []*parser.LogLayer{syntheticLog(raw...)}, []int{4},
		PairOptions{Table: wideTable(), Corrector: c, PlanTrajectory: true})
	require.NoError(t, err)
	require.Len(t, res.Layers, 1)
	assert.Equal(t, 0, res.Skipped)
	assert.Empty(t, res.Warnings)

	lr := res.Layers[0]
	assert.Equal(t, "01_100.0MeV.csv", lr.FileName())
	assert.Equal(t, 8.936170212765957, lr.RangeFactor)
	require.Len(t, lr.CorrectedMU, len(raw))
	for i, r := range raw {
		want := math.RoundToEven(r * 1.36888442326936 * 0.967281770613755 * 8.936170212765957 / 10)
		assert.Equal(t, int64(want), lr.CorrectedMU[i], "sample %d", i)
	}
	require.NotNil(t, lr.Plan)
	assert.NotEmpty(t, lr.Plan.Points)
	assert.NoError(t, lr.PlanErr)
}

func TestPairLayersExhaustion(t *testing.T) {
	plan := singleLayerPlan(150, 147.5)

	res, err := PairLayers(plan, []*parser.LogLayer{syntheticLog(1, 2, 3)}, []int{2, 2}, PairOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Layers, 1)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.PlanLayers)
	assert.True(t, containsWarning(res.Warnings, "Not enough PTN data"), "warnings: %v", res.Warnings)
	assert.True(t, containsWarning(res.Warnings, "interpolators are not available"))

	res, err = PairLayers(plan, []*parser.LogLayer{syntheticLog(1), syntheticLog(2)}, []int{2}, PairOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, containsWarning(res.Warnings, "Not enough dose monitor range codes"))
}

func TestPairLayersWarnsOnUnknownRangeCode(t *testing.T) {
	c, _ := NewCorrector(1)
	res, err := PairLayers(singleLayerPlan(100), []*parser.LogLayer{syntheticLog(10)}, []int{9}, PairOptions{Corrector: c})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Layers[0].RangeFactor)
	assert.True(t, containsWarning(res.Warnings, "Unrecognized monitor_range_code 9"))
	assert.Nil(t, res.Layers[0].Plan)
}

func TestPairLayersShapeMismatch(t *testing.T) {
	bad := syntheticLog(1, 2, 3)
	bad.XMm = bad.XMm[:2]

	_, err := PairLayers(singleLayerPlan(100), []*parser.LogLayer{bad}, []int{2}, PairOptions{})
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.Contains(t, err.Error(), "layer 1")
}

func TestPairLayersCalibrationModeSilencesInterpolatorWarning(t *testing.T) {
	res, err := PairLayers(singleLayerPlan(100), []*parser.LogLayer{syntheticLog(10)}, []int{2},
		PairOptions{Corrector: &Corrector{DividingFactor: 10}, CalibrationMode: true})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []int64{1}, res.Layers[0].CorrectedMU)
}

func TestAnalyzeLayers(t *testing.T) {
	c, _ := NewCorrector(1)
	plan := singleLayerPlan(100, 90)
	logs := []*parser.LogLayer{syntheticLog(0, 1, 0), syntheticLog(0, 0, 0)}

	pairing, err := PairLayers(plan, logs, []int{2, 2}, PairOptions{Table: wideTable(), Corrector: c, PlanTrajectory: true})
	require.NoError(t, err)

	qa, err := AnalyzeLayers(pairing, DefaultMUTolerancePct)
	require.NoError(t, err)
	require.Len(t, qa.Layers, 2)

	first := qa.Layers[0]
	assert.Equal(t, "Field_1", first.BeamDir)
	assert.InDelta(t, 1.0, first.PlanMU, 1e-9)
	assert.Equal(t, 1.0, first.LogMU)
	assert.InDelta(t, 0.0, first.MUDeviationPct, 1e-6)
	assert.False(t, first.IsOutOfTolerance)
	assert.Equal(t, 3, first.NumLogSamples)
	assert.Equal(t, 1.0, first.MeanX)
	assert.InDelta(t, math.Sqrt(2.0/3.0), first.StdDevX, 1e-12)
	assert.Equal(t, 2.0, first.RangeX)
	assert.InDelta(t, 0.12, first.LogDurationMs, 1e-12)

	second := qa.Layers[1]
	assert.InDelta(t, -100.0, second.MUDeviationPct, 1e-9)
	assert.True(t, second.IsOutOfTolerance)
	assert.Equal(t, 1, qa.OutOfTolerance())

	require.Len(t, qa.RankedByMUDev, 2)
	assert.Equal(t, 90.0, qa.RankedByMUDev[0].Energy)

	beams, cells := qa.DeviationMatrix()
	assert.Equal(t, []string{"Field_1"}, beams)
	require.Len(t, cells, 1)
	require.Len(t, cells[0], 2)
	assert.InDelta(t, -100.0, cells[0][1], 1e-9)

	_, err = AnalyzeLayers(nil, 5)
	assert.Error(t, err)
}

func containsWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestPairLayersWarnsOnNonFiniteEnergy(t *testing.T) {
	c, _ := NewCorrector(DefaultDoseDividingFactor)
	res, err := PairLayers(singleLayerPlan(math.NaN()), []*parser.LogLayer{syntheticLog(10)}, []int{2}, PairOptions{Corrector: c})
	require.NoError(t, err)
	require.Len(t, res.Layers, 1)
	assert.True(t, containsWarning(res.Warnings, "no valid nominal energy"), "warnings: %v", res.Warnings)

	res, err = PairLayers(singleLayerPlan(100), []*parser.LogLayer{syntheticLog(10)}, []int{2}, PairOptions{Corrector: c})
	require.NoError(t, err)
	assert.False(t, containsWarning(res.Warnings, "no valid nominal energy"))
}
