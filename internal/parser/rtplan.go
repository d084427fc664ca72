package parser

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/dicomtag"
	"github.com/suyashkumar/dicom/element"
)

// RT Ion Plan attributes. Most of them are not in the dicomtag dictionary of
// the pinned library version, so they are spelled out.
var (
	tagPatientName                   = dicomtag.Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID                     = dicomtag.Tag{Group: 0x0010, Element: 0x0020}
	tagRTPlanLabel                   = dicomtag.Tag{Group: 0x300A, Element: 0x0002}
	tagFractionGroupSequence         = dicomtag.Tag{Group: 0x300A, Element: 0x0070}
	tagReferencedBeamSequence        = dicomtag.Tag{Group: 0x300C, Element: 0x0004}
	tagReferencedBeamNumber          = dicomtag.Tag{Group: 0x300C, Element: 0x0006}
	tagBeamMeterset                  = dicomtag.Tag{Group: 0x300A, Element: 0x0086}
	tagIonBeamSequence               = dicomtag.Tag{Group: 0x300A, Element: 0x03A2}
	tagBeamNumber                    = dicomtag.Tag{Group: 0x300A, Element: 0x00C0}
	tagBeamName                      = dicomtag.Tag{Group: 0x300A, Element: 0x00C2}
	tagTreatmentMachineName          = dicomtag.Tag{Group: 0x300A, Element: 0x00B2}
	tagTreatmentDeliveryType         = dicomtag.Tag{Group: 0x300A, Element: 0x00CE}
	tagFinalCumulativeMetersetWeight = dicomtag.Tag{Group: 0x300A, Element: 0x010E}
	tagIonControlPointSequence       = dicomtag.Tag{Group: 0x300A, Element: 0x03A8}
	tagControlPointIndex             = dicomtag.Tag{Group: 0x300A, Element: 0x0112}
	tagNominalBeamEnergy             = dicomtag.Tag{Group: 0x300A, Element: 0x0114}
	tagScanSpotPositionMap           = dicomtag.Tag{Group: 0x300A, Element: 0x0394}
	tagScanSpotMetersetWeights       = dicomtag.Tag{Group: 0x300A, Element: 0x0396}
)

const setupDeliveryType = "SETUP"

// ParseRTPlan reads an RT Ion Plan DICOM file into a Plan.
func ParseRTPlan(filepath string) (*Plan, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, pfx.Err(err)
	}

	p, err := dicom.NewParserFromBytes(data, nil)
	if err != nil {
		return nil, pfx.Err(err)
	}

	ds, err := safelyDicomParse(p, dicom.ParseOptions{DropPixelData: true})
	if ds == nil || err != nil {
		return nil, pfx.Err(fmt.Errorf("error reading dicom %s: %v", filepath, err))
	}

	return PlanFromElements(ds.Elements)
}

// safelyDicomParse turns panics from the dicom library into errors.
func safelyDicomParse(p dicom.Parser, opts dicom.ParseOptions) (ds *element.DataSet, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	return p.Parse(opts)
}

// PlanFromElements builds a Plan from the top level elements of an RT Ion
// Plan data set. Spot weights are converted to MU when the fraction group
// carries a beam meterset.
func PlanFromElements(elems []*element.Element) (*Plan, error) {
	plan := &Plan{
		PatientID:   stringValue(findElement(elems, tagPatientID)),
		PatientName: stringValue(findElement(elems, tagPatientName)),
		PlanLabel:   stringValue(findElement(elems, tagRTPlanLabel)),
	}

	meterset := make(map[int]float64)
	for _, fg := range sequenceItems(findElement(elems, tagFractionGroupSequence)) {
		for _, rb := range sequenceItems(findElement(fg, tagReferencedBeamSequence)) {
			num, ok := intValue(findElement(rb, tagReferencedBeamNumber))
			if !ok {
				continue
			}
			if mu, ok := floatValue(findElement(rb, tagBeamMeterset)); ok {
				meterset[num] = mu
			}
		}
	}

	beamSeq := findElement(elems, tagIonBeamSequence)
	if beamSeq == nil {
		return nil, pfx.Err(fmt.Errorf("no IonBeamSequence: not an RT Ion Plan"))
	}

	for beamIdx, item := range sequenceItems(beamSeq) {
		beam, warnings, err := beamFromItem(item, meterset)
		if err != nil {
			return nil, pfx.Err(fmt.Errorf("beam %d: %w", beamIdx+1, err))
		}
		plan.ParseErrors = append(plan.ParseErrors, warnings...)
		plan.Beams = append(plan.Beams, beam)
	}
	return plan, nil
}

func beamFromItem(item []*element.Element, meterset map[int]float64) (Beam, []string, error) {
	var warnings []string

	beam := Beam{
		Name:         stringValue(findElement(item, tagBeamName)),
		MachineName:  stringValue(findElement(item, tagTreatmentMachineName)),
		DeliveryType: strings.ToUpper(stringValue(findElement(item, tagTreatmentDeliveryType))),
	}
	if num, ok := intValue(findElement(item, tagBeamNumber)); ok {
		beam.Number = num
	}
	if beam.Name == "" {
		beam.Name = fmt.Sprintf("Beam%d", beam.Number)
	}
	beam.SanitizedName = SanitizeName(beam.Name)
	beam.IsSetupField = beam.DeliveryType == setupDeliveryType
	beam.Meterset = meterset[beam.Number]

	scale := 1.0
	finalWeight, ok := floatValue(findElement(item, tagFinalCumulativeMetersetWeight))
	if ok && finalWeight > 0 && beam.Meterset > 0 {
		scale = beam.Meterset / finalWeight
	}

	energy := math.NaN()
	for cpIdx, cpItem := range sequenceItems(findElement(item, tagIonControlPointSequence)) {
		if e, ok := floatValue(findElement(cpItem, tagNominalBeamEnergy)); ok {
			energy = e
		}
		if math.IsNaN(energy) {
			return beam, warnings, fmt.Errorf("control point %d has no nominal beam energy", cpIdx)
		}

		positions, err := floatValues(findElement(cpItem, tagScanSpotPositionMap))
		if err != nil {
			return beam, warnings, fmt.Errorf("control point %d spot positions: %w", cpIdx, err)
		}
		weights, err := floatValues(findElement(cpItem, tagScanSpotMetersetWeights))
		if err != nil {
			return beam, warnings, fmt.Errorf("control point %d spot weights: %w", cpIdx, err)
		}
		for i := range weights {
			weights[i] *= scale
		}

		cp := ControlPoint{Index: cpIdx, Energy: energy, Positions: positions, Weights: weights}
		if idx, ok := intValue(findElement(cpItem, tagControlPointIndex)); ok {
			cp.Index = idx
		}
		if cp.Validate() != nil {
			warnings = append(warnings, fmt.Sprintf("Warning: beam '%s' control point %d has %d position values for %d weights.",
				beam.Name, cp.Index, len(positions), len(weights)))
		}

		n := len(beam.EnergyLayers)
		if n == 0 || beam.EnergyLayers[n-1].NominalEnergy != energy {
			beam.EnergyLayers = append(beam.EnergyLayers, EnergyLayer{NominalEnergy: energy})
			n++
		}
		beam.EnergyLayers[n-1].ControlPoints = append(beam.EnergyLayers[n-1].ControlPoints, cp)
	}
	return beam, warnings, nil
}

func findElement(elems []*element.Element, tag dicomtag.Tag) *element.Element {
	for _, e := range elems {
		if e != nil && e.Tag == tag {
			return e
		}
	}
	return nil
}

// sequenceItems returns the child elements of each item of a sequence.
func sequenceItems(seq *element.Element) [][]*element.Element {
	if seq == nil {
		return nil
	}
	var items [][]*element.Element
	for _, v := range seq.Value {
		item, ok := v.(*element.Element)
		if !ok {
			continue
		}
		var children []*element.Element
		for _, c := range item.Value {
			if child, ok := c.(*element.Element); ok {
				children = append(children, child)
			}
		}
		items = append(items, children)
	}
	return items
}

func stringValue(e *element.Element) string {
	if e == nil || len(e.Value) == 0 {
		return ""
	}
	s, ok := e.Value[0].(string)
	if !ok {
		return strings.TrimSpace(fmt.Sprint(e.Value[0]))
	}
	return strings.TrimRight(strings.TrimSpace(s), "\x00")
}

func floatValue(e *element.Element) (float64, bool) {
	vals, err := floatValues(e)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

func intValue(e *element.Element) (int, bool) {
	v, ok := floatValue(e)
	if !ok {
		return 0, false
	}
	return int(math.Round(v)), true
}

// floatValues reads every value of a numeric element. Decimal and integer
// strings (DS, IS) are parsed; FL/FD and the integer VRs are converted.
func floatValues(e *element.Element) ([]float64, error) {
	if e == nil {
		return nil, nil
	}
	out := make([]float64, 0, len(e.Value))
	for _, v := range e.Value {
		switch t := v.(type) {
		case float32:
			out = append(out, float64(t))
		case float64:
			out = append(out, t)
		case int16:
			out = append(out, float64(t))
		case uint16:
			out = append(out, float64(t))
		case int32:
			out = append(out, float64(t))
		case uint32:
			out = append(out, float64(t))
		case int:
			out = append(out, float64(t))
		case string:
			for _, part := range strings.Split(t, `\`) {
				part = strings.TrimRight(strings.TrimSpace(part), "\x00")
				if part == "" {
					continue
				}
				f, err := strconv.ParseFloat(part, 64)
				if err != nil {
					return nil, fmt.Errorf("tag %v: %w", e.Tag, err)
				}
				out = append(out, f)
			}
		default:
			return nil, fmt.Errorf("tag %v: unsupported value type %T", e.Tag, v)
		}
	}
	return out, nil
}
