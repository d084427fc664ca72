// Package config holds the run configuration read from config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoTreatmentMachine = errors.New("no known treatment machine in RT plan")
	ErrMixedMachines      = errors.New("RT plan mixes treatment machines")
)

// Config is the YAML run configuration.
type Config struct {
	Features    FeaturesConfig    `yaml:"features"`
	Processing  ProcessingConfig  `yaml:"processing"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Output      OutputConfig      `yaml:"output"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// FeaturesConfig switches optional outputs.
type FeaturesConfig struct {
	GenerateMoqui bool `yaml:"generate_moqui"`
	PlanCSV       bool `yaml:"plan_csv"`
	ExportExcel   bool `yaml:"export_excel"`
	ProcessMGN    bool `yaml:"process_mgn"`
	QAReport      bool `yaml:"qa_report"`
}

// ProcessingConfig controls the correction pipeline.
type ProcessingConfig struct {
	DoseDividingFactor float64               `yaml:"dose_dividing_factor"`
	TimeStepMs         float64               `yaml:"time_step_ms"`
	DoseRateTable      string                `yaml:"doserate_table"`
	MUTolerancePct     float64               `yaml:"mu_tolerance_pct"`
	CalibrationMode    CalibrationModeConfig `yaml:"calibration_mode"`
}

// CalibrationModeConfig is used while commissioning the correction curves.
type CalibrationModeConfig struct {
	Enabled              bool `yaml:"enabled"`
	UseCorrectionFactors bool `yaml:"use_correction_factors"`
}

// CalibrationConfig locates the machine scv_init files.
type CalibrationConfig struct {
	Dir              string            `yaml:"dir"`
	PresetAsPosition bool              `yaml:"preset_as_position"`
	Machines         map[string]string `yaml:"machines"` // machine token -> scv_init file
}

// OutputConfig controls file writing.
type OutputConfig struct {
	Workers int `yaml:"workers"`
}

// LoggingConfig sets the status verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Features: FeaturesConfig{
			GenerateMoqui: true,
			PlanCSV:       true,
		},
		Processing: ProcessingConfig{
			DoseDividingFactor: 10,
			TimeStepMs:         0.06,
			DoseRateTable:      "LS_doserate.csv",
			MUTolerancePct:     5,
			CalibrationMode:    CalibrationModeConfig{UseCorrectionFactors: true},
		},
		Calibration: CalibrationConfig{
			Dir:      ".",
			Machines: map[string]string{"G1": "scv_init_G1.txt", "G2": "scv_init_G2.txt"},
		},
		Output:  OutputConfig{Workers: 4},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

// LoadFile reads path over the defaults. An empty path returns the defaults.
// A missing file also returns the defaults together with a warning.
func LoadFile(path string) (Config, []string, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil, nil
	}
	bs, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, []string{fmt.Sprintf("Warning: config file %s not found, using defaults.", path)}, nil
	}
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return cfg, nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.normalize(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return cfg, nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil, nil
}

// normalize fills zero values and resolves relative paths against baseDir.
func (c *Config) normalize(baseDir string) {
	def := Default()
	if c.Processing.DoseDividingFactor == 0 {
		c.Processing.DoseDividingFactor = def.Processing.DoseDividingFactor
	}
	if c.Processing.TimeStepMs <= 0 {
		c.Processing.TimeStepMs = def.Processing.TimeStepMs
	}
	if c.Processing.MUTolerancePct <= 0 {
		c.Processing.MUTolerancePct = def.Processing.MUTolerancePct
	}
	if c.Output.Workers <= 0 {
		c.Output.Workers = def.Output.Workers
	}
	if len(c.Calibration.Machines) == 0 {
		c.Calibration.Machines = def.Calibration.Machines
	}
	c.Logging.Level = strings.ToUpper(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Calibration.Dir != "" && !filepath.IsAbs(c.Calibration.Dir) {
		c.Calibration.Dir = filepath.Join(baseDir, c.Calibration.Dir)
	}
	if c.Processing.DoseRateTable != "" && !filepath.IsAbs(c.Processing.DoseRateTable) {
		c.Processing.DoseRateTable = filepath.Join(baseDir, c.Processing.DoseRateTable)
	}
}

// Validate performs sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Processing.DoseDividingFactor < 0 {
		return fmt.Errorf("processing.dose_dividing_factor must not be negative (0 selects the default)")
	}
	switch c.Logging.Level {
	case "INFO", "DEBUG":
	default:
		return fmt.Errorf("logging.level must be INFO or DEBUG, got %q", c.Logging.Level)
	}
	for token, file := range c.Calibration.Machines {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(file) == "" {
			return fmt.Errorf("calibration.machines entries need a machine token and a file")
		}
	}
	return nil
}

// Debug reports whether per-layer detail lines are enabled.
func (c Config) Debug() bool {
	return c.Logging.Level == "DEBUG"
}

// UseEnergyCorrection reports whether the proton and MU-count stages apply.
func (c Config) UseEnergyCorrection() bool {
	return !c.Processing.CalibrationMode.Enabled || c.Processing.CalibrationMode.UseCorrectionFactors
}

// SelectMachine picks the scv_init file for the treatment machine names of
// a plan. Exactly one configured machine token must occur in the names.
func (c Config) SelectMachine(machineNames []string) (token string, scvPath string, err error) {
	if len(machineNames) == 0 {
		return "", "", fmt.Errorf("%w: no TreatmentMachineName in beams", ErrNoTreatmentMachine)
	}
	tokens := make([]string, 0, len(c.Calibration.Machines))
	for t := range c.Calibration.Machines {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)

	var found []string
	for _, t := range tokens {
		for _, name := range machineNames {
			if strings.Contains(name, t) {
				found = append(found, t)
				break
			}
		}
	}
	switch len(found) {
	case 0:
		return "", "", fmt.Errorf("%w: %s found in none of %v", ErrNoTreatmentMachine, strings.Join(tokens, "/"), machineNames)
	case 1:
		token = found[0]
		return token, filepath.Join(c.Calibration.Dir, c.Calibration.Machines[token]), nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrMixedMachines, strings.Join(found, " and "))
	}
}
