package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ParseSCVInit reads a machine scv_init file of whitespace separated
// "KEY value" lines. Blank lines and lines starting with '#' are skipped.
// Lines that do not carry a numeric value are reported as warnings.
func ParseSCVInit(filepath string) (Calibration, []string, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open scv_init file: %w", err)
	}
	defer file.Close()

	cal, warnings, err := ReadSCVInit(file)
	if err != nil {
		return nil, warnings, fmt.Errorf("failed to read scv_init file %s: %w", filepath, err)
	}
	return cal, warnings, nil
}

// ReadSCVInit parses scv_init content from r.
func ReadSCVInit(r io.Reader) (Calibration, []string, error) {
	cal := make(Calibration)
	var warnings []string

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			warnings = append(warnings, fmt.Sprintf("Warning: scv_init line %d could not be parsed: %q", lineNo, line))
			continue
		}
		val, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Warning: scv_init key %s has non-numeric value %q, ignored", fields[0], fields[1]))
			continue
		}
		cal[fields[0]] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, err
	}
	return cal, warnings, nil
}

// Require returns an error wrapping ErrMissingCalibrationKey naming the first
// absent key.
func (c Calibration) Require(keys ...string) error {
	for _, k := range keys {
		if _, ok := c[k]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingCalibrationKey, k)
		}
	}
	return nil
}

// WithPresetAsPosition returns a copy where the XPRESET*/YPRESET* values also
// stand in for the XPOS*/YPOS* keys. Machine files that only publish the
// preset parameters are decoded this way.
func (c Calibration) WithPresetAsPosition() Calibration {
	out := make(Calibration, len(c)+4)
	for k, v := range c {
		out[k] = v
	}
	aliases := map[string]string{
		KeyXPresetOffset: KeyXPosOffset,
		KeyYPresetOffset: KeyYPosOffset,
		KeyXPresetGain:   KeyXPosGain,
		KeyYPresetGain:   KeyYPosGain,
	}
	for preset, pos := range aliases {
		if v, ok := c[preset]; ok {
			out[pos] = v
		}
	}
	return out
}
