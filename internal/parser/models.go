package parser

import (
	"errors"
	"regexp"
)

// Sentinel errors returned by the parsers. Callers match them with errors.Is.
var (
	ErrMissingCalibrationKey  = errors.New("missing calibration key")
	ErrRecordSize             = errors.New("log data size is not aligned to the record stride")
	ErrPositionWeightMismatch = errors.New("scan spot positions and weights do not match")
)

// ControlPoint is one ion control point of an RT Ion Plan beam.
type ControlPoint struct {
	Index     int       // ControlPointIndex as stored in the plan
	Energy    float64   // MeV
	Positions []float64 // flattened x,y pairs in mm
	Weights   []float64 // MU per spot, parallel to Positions/2
}

// NumSpots returns the number of spots the weights describe.
func (cp ControlPoint) NumSpots() int {
	return len(cp.Weights)
}

// Validate checks the flattened position/weight invariant.
func (cp ControlPoint) Validate() error {
	if len(cp.Positions) != 2*len(cp.Weights) {
		return ErrPositionWeightMismatch
	}
	return nil
}

// EnergyLayer groups the control points delivered at one nominal energy.
type EnergyLayer struct {
	NominalEnergy float64 // MeV
	ControlPoints []ControlPoint
}

// TotalWeight returns the summed spot weights of the layer.
func (l EnergyLayer) TotalWeight() float64 {
	total := 0.0
	for _, cp := range l.ControlPoints {
		for _, w := range cp.Weights {
			total += w
		}
	}
	return total
}

// Beam is one ion beam of the plan in delivery order.
type Beam struct {
	Number        int
	Name          string // as stored in the plan
	SanitizedName string // filesystem-safe token
	MachineName   string
	DeliveryType  string
	IsSetupField  bool
	Meterset      float64 // BeamMeterset from the fraction group, 0 if absent
	EnergyLayers  []EnergyLayer
}

// ControlPoints returns the control points of every layer in order.
func (b Beam) ControlPoints() []ControlPoint {
	var out []ControlPoint
	for _, l := range b.EnergyLayers {
		out = append(out, l.ControlPoints...)
	}
	return out
}

// DirName is the per-beam output directory name. Setup fields sort first.
func (b Beam) DirName() string {
	if b.IsSetupField {
		return "0_" + b.SanitizedName
	}
	return b.SanitizedName
}

// Plan is the normalized RT Ion Plan consumed by the correction pipeline.
type Plan struct {
	PatientID   string
	PatientName string
	PlanLabel   string
	Beams       []Beam
	ParseErrors []string // non-fatal problems met while reading the plan
}

// NumEnergyLayers counts the (beam, layer) pairs in plan order.
func (p *Plan) NumEnergyLayers() int {
	n := 0
	for _, b := range p.Beams {
		n += len(b.EnergyLayers)
	}
	return n
}

// MachineNames lists the treatment machine names of all beams that carry one.
func (p *Plan) MachineNames() []string {
	var names []string
	for _, b := range p.Beams {
		if b.MachineName != "" {
			names = append(names, b.MachineName)
		}
	}
	return names
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// SanitizeName replaces every character outside [a-zA-Z0-9_-] with '_'.
func SanitizeName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// LogLayer is one decoded .ptn file, one row per fixed-interval sample.
type LogLayer struct {
	Source   string
	TimeMs   []float64
	XRaw     []float64
	YRaw     []float64
	XMm      []float64
	YMm      []float64
	XSizeMm  []float64
	YSizeMm  []float64
	Dose1    []float64 // raw dose monitor 1 counts
	Dose2    []float64
	LayerNum []float64
	BeamOn   []float64
}

// Len returns the number of samples.
func (l *LogLayer) Len() int {
	return len(l.TimeMs)
}

// MGNLog is one decoded .mgn magnet log.
type MGNLog struct {
	Source    string
	TimeUs    []float64
	Reserved1 []float64
	Reserved2 []float64
	XRaw      []float64
	YRaw      []float64
	XMm       []float64
	YMm       []float64
	BeamOn    []float64
}

// Len returns the number of records.
func (m *MGNLog) Len() int {
	return len(m.TimeUs)
}

// Calibration holds the scv_init parameters keyed by their file names.
type Calibration map[string]float64

// Calibration keys consumed by the log decoders.
const (
	KeyTimeGain      = "TIMEGAIN"
	KeyXPosOffset    = "XPOSOFFSET"
	KeyYPosOffset    = "YPOSOFFSET"
	KeyXPosGain      = "XPOSGAIN"
	KeyYPosGain      = "YPOSGAIN"
	KeyXPresetOffset = "XPRESETOFFSET"
	KeyYPresetOffset = "YPRESETOFFSET"
	KeyXPresetGain   = "XPRESETGAIN"
	KeyYPresetGain   = "YPRESETGAIN"
)

// PTNKeys are required before any .ptn byte is read.
var PTNKeys = []string{KeyTimeGain, KeyXPosOffset, KeyYPosOffset, KeyXPosGain, KeyYPosGain}

// MGNKeys are required before any .mgn byte is read.
var MGNKeys = []string{KeyXPresetOffset, KeyYPresetOffset, KeyXPresetGain, KeyYPresetGain}
