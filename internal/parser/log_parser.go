package parser

import (
	"encoding/binary"
	"fmt"
	"os"
)

const (
	ptnWordsPerRecord = 8
	ptnRecordBytes    = ptnWordsPerRecord * 2
	mgnRecordBytes    = 4 + 5*2
)

// ParsePTN decodes a .ptn spot log. The calibration keys are checked before
// the file is touched.
func ParsePTN(filepath string, cal Calibration) (*LogLayer, error) {
	if err := cal.Require(PTNKeys...); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ptn file: %w", err)
	}
	layer, err := ParsePTNBytes(data, cal)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath, err)
	}
	layer.Source = filepath
	return layer, nil
}

// ParsePTNBytes decodes big-endian uint16 records of 8 words:
// x, y, x-size, y-size, dose1, dose2, layer number, beam on/off.
// The time column is synthesized as row*TIMEGAIN.
func ParsePTNBytes(data []byte, cal Calibration) (*LogLayer, error) {
	if err := cal.Require(PTNKeys...); err != nil {
		return nil, err
	}
	if len(data)%ptnRecordBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes (%d words) is not a multiple of %d words",
			ErrRecordSize, len(data), len(data)/2, ptnWordsPerRecord)
	}

	timeGain := cal[KeyTimeGain]
	xOffset, yOffset := cal[KeyXPosOffset], cal[KeyYPosOffset]
	xGain, yGain := cal[KeyXPosGain], cal[KeyYPosGain]

	rows := len(data) / ptnRecordBytes
	l := newLogLayer(rows)
	for i := 0; i < rows; i++ {
		rec := data[i*ptnRecordBytes : (i+1)*ptnRecordBytes]
		word := func(j int) float64 {
			return float64(binary.BigEndian.Uint16(rec[2*j:]))
		}
		x, y := word(0), word(1)

		l.TimeMs[i] = float64(i) * timeGain
		l.XRaw[i] = x
		l.YRaw[i] = y
		l.XMm[i] = (x - xOffset) * xGain
		l.YMm[i] = (y - yOffset) * yGain
		l.XSizeMm[i] = word(2) * xGain
		l.YSizeMm[i] = word(3) * yGain
		l.Dose1[i] = word(4)
		l.Dose2[i] = word(5)
		l.LayerNum[i] = word(6)
		l.BeamOn[i] = word(7)
	}
	return l, nil
}

func newLogLayer(rows int) *LogLayer {
	return &LogLayer{
		TimeMs:   make([]float64, rows),
		XRaw:     make([]float64, rows),
		YRaw:     make([]float64, rows),
		XMm:      make([]float64, rows),
		YMm:      make([]float64, rows),
		XSizeMm:  make([]float64, rows),
		YSizeMm:  make([]float64, rows),
		Dose1:    make([]float64, rows),
		Dose2:    make([]float64, rows),
		LayerNum: make([]float64, rows),
		BeamOn:   make([]float64, rows),
	}
}

// ParseMGN decodes a .mgn magnet log using the preset calibration set.
func ParseMGN(filepath string, cal Calibration) (*MGNLog, error) {
	if err := cal.Require(MGNKeys...); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mgn file: %w", err)
	}
	m, err := ParseMGNBytes(data, cal)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath, err)
	}
	m.Source = filepath
	return m, nil
}

// ParseMGNBytes decodes 14-byte big-endian records: uint32 time in µs
// followed by five uint16 fields (two reserved, x, y, beam on/off).
// A trailing partial record is dropped.
func ParseMGNBytes(data []byte, cal Calibration) (*MGNLog, error) {
	if err := cal.Require(MGNKeys...); err != nil {
		return nil, err
	}
	xOffset, yOffset := cal[KeyXPresetOffset], cal[KeyYPresetOffset]
	xGain, yGain := cal[KeyXPresetGain], cal[KeyYPresetGain]

	rows := len(data) / mgnRecordBytes
	m := &MGNLog{
		TimeUs:    make([]float64, rows),
		Reserved1: make([]float64, rows),
		Reserved2: make([]float64, rows),
		XRaw:      make([]float64, rows),
		YRaw:      make([]float64, rows),
		XMm:       make([]float64, rows),
		YMm:       make([]float64, rows),
		BeamOn:    make([]float64, rows),
	}
	for i := 0; i < rows; i++ {
		rec := data[i*mgnRecordBytes : (i+1)*mgnRecordBytes]
		short := func(j int) float64 {
			return float64(binary.BigEndian.Uint16(rec[4+2*j:]))
		}
		x, y := short(2), short(3)

		m.TimeUs[i] = float64(binary.BigEndian.Uint32(rec))
		m.Reserved1[i] = short(0)
		m.Reserved2[i] = short(1)
		m.XRaw[i] = x
		m.YRaw[i] = y
		m.XMm[i] = (x - xOffset) * xGain
		m.YMm[i] = (y - yOffset) * yGain
		m.BeamOn[i] = short(4)
	}
	return m, nil
}
