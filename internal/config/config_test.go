package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, warnings, err := LoadFile("")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, Default(), cfg)
	// POS keys are read as published; preset aliasing is opt-in
	assert.False(t, cfg.Calibration.PresetAsPosition)

	cfg, warnings, err = LoadFile(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
	assert.True(t, cfg.Features.PlanCSV)
	assert.Equal(t, 10.0, cfg.Processing.DoseDividingFactor)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
features:
  generate_moqui: true
  plan_csv: false
  export_excel: true
processing:
  dose_dividing_factor: 5
  calibration_mode:
    enabled: true
    use_correction_factors: false
calibration:
  dir: machines
output:
  workers: 0
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, warnings, err := LoadFile(path)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.False(t, cfg.Features.PlanCSV)
	assert.True(t, cfg.Features.ExportExcel)
	assert.Equal(t, 5.0, cfg.Processing.DoseDividingFactor)
	assert.Equal(t, 0.06, cfg.Processing.TimeStepMs)
	assert.Equal(t, 4, cfg.Output.Workers)
	assert.True(t, cfg.Debug())
	assert.False(t, cfg.UseEnergyCorrection())
	assert.Equal(t, filepath.Join(dir, "machines"), cfg.Calibration.Dir)
	assert.Equal(t, filepath.Join(dir, "LS_doserate.csv"), cfg.Processing.DoseRateTable)
}

func TestLoadFileRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("features: [1, 2\n"), 0o644))
	_, _, err := LoadFile(broken)
	assert.Error(t, err)

	level := filepath.Join(dir, "level.yaml")
	require.NoError(t, os.WriteFile(level, []byte("logging:\n  level: trace\n"), 0o644))
	_, _, err = LoadFile(level)
	assert.Error(t, err)
}

func TestSelectMachine(t *testing.T) {
	cfg := Default()
	cfg.Calibration.Dir = "/etc/mqi"

	token, path, err := cfg.SelectMachine([]string{"PT_G1", "PT_G1"})
	require.NoError(t, err)
	assert.Equal(t, "G1", token)
	assert.Equal(t, filepath.Join("/etc/mqi", "scv_init_G1.txt"), path)

	token, _, err = cfg.SelectMachine([]string{"Gantry G2"})
	require.NoError(t, err)
	assert.Equal(t, "G2", token)

	_, _, err = cfg.SelectMachine([]string{"G1", "G2"})
	assert.ErrorIs(t, err, ErrMixedMachines)

	_, _, err = cfg.SelectMachine([]string{"FIXED"})
	assert.ErrorIs(t, err, ErrNoTreatmentMachine)

	_, _, err = cfg.SelectMachine(nil)
	assert.ErrorIs(t, err, ErrNoTreatmentMachine)
}

func TestSampleConfigMatchesDefaults(t *testing.T) {
	cfg, warnings, err := LoadFile(filepath.Join("..", "..", "config.yaml"))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	// relative paths resolve against the file's directory
	root := filepath.Join("..", "..")
	want := Default()
	want.Calibration.Dir = root
	want.Processing.DoseRateTable = filepath.Join(root, "LS_doserate.csv")
	assert.Equal(t, want, cfg)
}

func TestDoseDividingFactorBounds(t *testing.T) {
	dir := t.TempDir()

	negative := filepath.Join(dir, "negative.yaml")
	require.NoError(t, os.WriteFile(negative, []byte("processing:\n  dose_dividing_factor: -2\n"), 0o644))
	_, _, err := LoadFile(negative)
	assert.ErrorContains(t, err, "must not be negative")

	zero := filepath.Join(dir, "zero.yaml")
	require.NoError(t, os.WriteFile(zero, []byte("processing:\n  dose_dividing_factor: 0\n"), 0o644))
	cfg, _, err := LoadFile(zero)
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.Processing.DoseDividingFactor)
}
