package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// PlanRangeFileName is the per-delivery file listing the dose monitor range
// used for each layer.
const PlanRangeFileName = "PlanRange.txt"

// dose1RangeColumn is the DOSE1_RANGE column of PlanRange.txt.
const dose1RangeColumn = 5

// PlanRanges holds the monitor range codes read from every timestamp
// directory of a log folder.
type PlanRanges struct {
	Dirs   []string         // timestamp directory names in delivery order
	Ranges map[string][]int // DOSE1_RANGE codes per directory
}

// All concatenates the codes of every directory in delivery order.
func (p *PlanRanges) All() []int {
	var out []int
	for _, d := range p.Dirs {
		out = append(out, p.Ranges[d]...)
	}
	return out
}

// ParsePlanRangeFiles reads PlanRange.txt from each all-digit subdirectory of
// logDir. A missing file or a malformed line is an error since it would shift
// the layer pairing for everything after it.
func ParsePlanRangeFiles(logDir string) (*PlanRanges, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && isDigits(e.Name()) {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no timestamp directories found in %s", logDir)
	}
	sortTimestamps(dirs)

	out := &PlanRanges{Dirs: dirs, Ranges: make(map[string][]int, len(dirs))}
	for _, d := range dirs {
		path := filepath.Join(logDir, d, PlanRangeFileName)
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%s not found in %s: %w", PlanRangeFileName, d, err)
		}
		codes, err := ReadPlanRange(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out.Ranges[d] = codes
	}
	return out, nil
}

// DeliveryFiles collects the files with extension ext from each timestamp
// directory in delivery order, so the n-th file lines up with the n-th code
// of All. Within a directory files are sorted by path.
func (p *PlanRanges) DeliveryFiles(logDir, ext string) ([]string, error) {
	var out []string
	for _, d := range p.Dirs {
		files, err := FindFiles(filepath.Join(logDir, d), ext)
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}

// sortTimestamps orders all-digit names numerically.
func sortTimestamps(dirs []string) {
	sort.Slice(dirs, func(i, j int) bool {
		if len(dirs[i]) != len(dirs[j]) {
			return len(dirs[i]) < len(dirs[j])
		}
		return dirs[i] < dirs[j]
	})
}

// ReadPlanRange parses one PlanRange.txt. The first row is a header.
func ReadPlanRange(r io.Reader) ([]int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	allRows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV data: %w", err)
	}

	codes := make([]int, 0, len(allRows))
	for rowIdx, row := range allRows {
		if rowIdx == 0 {
			continue
		}
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		if len(row) <= dose1RangeColumn {
			return nil, fmt.Errorf("invalid line format on line %d: %d columns", rowIdx+1, len(row))
		}
		code, err := strconv.Atoi(strings.TrimSpace(row[dose1RangeColumn]))
		if err != nil {
			return nil, fmt.Errorf("invalid DOSE1_RANGE value on line %d: %w", rowIdx+1, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
