package calibration

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// MinDoseRate is the floor dose rate in MU/s used when the table has no
// matching bucket.
const MinDoseRate = 1.4

// bucketWidth is the energy span in MeV covered by one table row.
const bucketWidth = 0.3

// DoseRateRow is one (energy, max dose rate) entry.
type DoseRateRow struct {
	Energy      float64 // MeV, lower edge of the bucket
	MaxDoseRate float64 // MU/s
}

// DoseRateTable maps beam energy to the maximum deliverable dose rate.
// Lookups are memoized per energy and safe for concurrent use.
type DoseRateTable struct {
	Rows     []DoseRateRow
	Warnings []string // problems met while loading, the table is empty when set

	mu   sync.Mutex
	memo map[float64]float64
}

// NewDoseRateTable builds a table from rows already in memory.
func NewDoseRateTable(rows []DoseRateRow) *DoseRateTable {
	return &DoseRateTable{Rows: rows, memo: make(map[float64]float64)}
}

// LoadDoseRateTable reads a two-column energy,dose-rate CSV. A missing or
// malformed file yields an empty table and a warning instead of an error;
// every lookup then returns MinDoseRate.
func LoadDoseRateTable(path string) *DoseRateTable {
	data, err := os.ReadFile(path)
	if err != nil {
		t := NewDoseRateTable(nil)
		t.Warnings = append(t.Warnings, fmt.Sprintf("Warning: dose rate table not found: %s (%v)", path, err))
		return t
	}
	rows, err := readDoseRateRows(data)
	if err != nil {
		t := NewDoseRateTable(nil)
		t.Warnings = append(t.Warnings, fmt.Sprintf("Warning: dose rate table %s is malformed: %v", path, err))
		return t
	}
	return NewDoseRateTable(rows)
}

func readDoseRateRows(data []byte) ([]DoseRateRow, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	allRows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV data: %w", err)
	}

	rows := make([]DoseRateRow, 0, len(allRows))
	for i, rec := range allRows {
		if len(rec) != 2 {
			return nil, fmt.Errorf("line %d: expected 2 columns, got %d", i+1, len(rec))
		}
		energy, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid energy: %w", i+1, err)
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid dose rate: %w", i+1, err)
		}
		rows = append(rows, DoseRateRow{Energy: energy, MaxDoseRate: rate})
	}
	return rows, nil
}

// Len returns the number of rows.
func (t *DoseRateTable) Len() int {
	return len(t.Rows)
}

// DoseRateForEnergy returns the max dose rate of the first row with
// bucket <= energy < bucket+0.3, or MinDoseRate when none matches.
func (t *DoseRateTable) DoseRateForEnergy(energy float64) float64 {
	if t == nil {
		return MinDoseRate
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if rate, ok := t.memo[energy]; ok {
		return rate
	}
	if t.memo == nil {
		t.memo = make(map[float64]float64)
	}

	rate := MinDoseRate
	for _, row := range t.Rows {
		if row.Energy <= energy && energy < row.Energy+bucketWidth {
			rate = row.MaxDoseRate
			break
		}
	}
	t.memo[energy] = rate
	return rate
}
