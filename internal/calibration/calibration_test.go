package calibration

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolatorKnotsAndExtrapolation(t *testing.T) {
	tables := map[string]struct {
		build func() (*Interpolator, error)
		ys    []float64
	}{
		"proton":   {NewProtonDoseInterpolator, protonDoseFactors},
		"mu count": {NewMUCountDoseInterpolator, muCountDoseFactors},
	}

	for name, tc := range tables {
		t.Run(name, func(t *testing.T) {
			it, err := tc.build()
			require.NoError(t, err)

			for i, e := range energyGrid {
				assert.Equal(t, tc.ys[i], it.Evaluate(e), "knot %g MeV", e)
			}

			first, last := tc.ys[0], tc.ys[len(tc.ys)-1]
			for _, e := range []float64{-10, 0, 69.999, 50} {
				assert.Equal(t, first, it.Evaluate(e), "below range at %g", e)
			}
			for _, e := range []float64{230.0001, 250, 1000} {
				assert.Equal(t, last, it.Evaluate(e), "above range at %g", e)
			}

			lo, hi := it.Domain()
			assert.Equal(t, 70.0, lo)
			assert.Equal(t, 230.0, hi)
		})
	}
}

func TestInterpolatorMonotoneBetweenKnots(t *testing.T) {
	proton, err := NewProtonDoseInterpolator()
	require.NoError(t, err)
	mu, err := NewMUCountDoseInterpolator()
	require.NoError(t, err)

	for i := 1; i < len(energyGrid); i++ {
		for _, frac := range []float64{0.1, 0.5, 0.9} {
			e := energyGrid[i-1] + frac*(energyGrid[i]-energyGrid[i-1])

			p := proton.Evaluate(e)
			assert.Greater(t, p, protonDoseFactors[i-1], "proton at %g", e)
			assert.Less(t, p, protonDoseFactors[i], "proton at %g", e)

			m := mu.Evaluate(e)
			assert.Less(t, m, muCountDoseFactors[i-1], "mu at %g", e)
			assert.Greater(t, m, muCountDoseFactors[i], "mu at %g", e)
		}
	}
}

func TestNewInterpolatorInputs(t *testing.T) {
	_, err := NewInterpolator(nil, nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = NewInterpolator([]float64{1, 2}, []float64{1})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = NewInterpolator([]float64{1, 1, 2}, []float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrDuplicateAbscissa)

	single, err := NewInterpolator([]float64{100}, []float64{3})
	require.NoError(t, err)
	assert.Equal(t, 3.0, single.Evaluate(0))
	assert.Equal(t, 3.0, single.Evaluate(500))

	unsorted, err := NewInterpolator([]float64{30, 10, 20}, []float64{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, 1.0, unsorted.Evaluate(5))
	assert.Equal(t, 2.0, unsorted.Evaluate(20))
	assert.Equal(t, 3.0, unsorted.Evaluate(35))
	assert.InDelta(t, 1.5, unsorted.Evaluate(15), 1e-9)
}

func TestDoseRateTable(t *testing.T) {
	table := NewDoseRateTable([]DoseRateRow{
		{Energy: 100.0, MaxDoseRate: 20},
		{Energy: 100.2, MaxDoseRate: 30},
		{Energy: 150.0, MaxDoseRate: 40},
	})

	assert.Equal(t, 20.0, table.DoseRateForEnergy(100.0))
	assert.Equal(t, 20.0, table.DoseRateForEnergy(100.25))
	assert.Equal(t, 30.0, table.DoseRateForEnergy(100.35))
	assert.Equal(t, 40.0, table.DoseRateForEnergy(150.1))
	assert.Equal(t, MinDoseRate, table.DoseRateForEnergy(99.9))
	assert.Equal(t, MinDoseRate, table.DoseRateForEnergy(150.3))

	var empty DoseRateTable
	assert.Equal(t, MinDoseRate, empty.DoseRateForEnergy(100))
	var nilTable *DoseRateTable
	assert.Equal(t, MinDoseRate, nilTable.DoseRateForEnergy(100))
}

func TestDoseRateTableConcurrentLookups(t *testing.T) {
	table := NewDoseRateTable([]DoseRateRow{{Energy: 70, MaxDoseRate: 12}})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 12.0, table.DoseRateForEnergy(70.1))
		}()
	}
	wg.Wait()
}

func TestLoadDoseRateTable(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "LS_doserate.csv")
	require.NoError(t, os.WriteFile(good, []byte("\xef\xbb\xbf70.0,10.5\n70.3, 11\n"), 0o644))
	table := LoadDoseRateTable(good)
	assert.Empty(t, table.Warnings)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, 11.0, table.DoseRateForEnergy(70.4))

	missing := LoadDoseRateTable(filepath.Join(dir, "none.csv"))
	assert.Len(t, missing.Warnings, 1)
	assert.Equal(t, 0, missing.Len())
	assert.Equal(t, MinDoseRate, missing.DoseRateForEnergy(70))

	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("70,abc\n"), 0o644))
	malformed := LoadDoseRateTable(bad)
	assert.Len(t, malformed.Warnings, 1)
	assert.Equal(t, MinDoseRate, malformed.DoseRateForEnergy(70))
}
