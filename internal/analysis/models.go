package analysis

// LayerSummary holds the QA statistics of one paired energy layer.
type LayerSummary struct {
	BeamName   string
	BeamDir    string
	LayerIndex int // 1-based within the beam
	Energy     float64
	RangeCode  int

	PlanMU           float64 // summed MU of the plan trajectory
	LogMU            float64 // summed corrected MU of the log
	MUDeviationPct   float64 // (log-plan)/plan*100, NaN without plan MU
	PlanDurationMs   float64
	LogDurationMs    float64
	NumLogSamples    int
	NumBeamOn        int
	MeanX, MeanY     float64 // beam-on log positions, mm
	StdDevX, StdDevY float64
	RangeX, RangeY   float64
	IsOutOfTolerance bool
	Error            string // set when the statistics could not be computed
}

// RankedLayerInfo is used for ranking layers by a QA criterion.
type RankedLayerInfo struct {
	BeamName   string
	LayerIndex int
	Energy     float64
	Value      float64
}

// QAResults holds the QA summary of a run.
type QAResults struct {
	Layers           []LayerSummary
	RankedByMUDev    []RankedLayerInfo // sorted by absolute MU deviation, descending
	RankedByDuration []RankedLayerInfo // sorted by log duration, descending
	TolerancePct     float64
	AnalysisErrors   []string
}

func NewQAResults(tolerancePct float64) *QAResults {
	return &QAResults{
		Layers:           make([]LayerSummary, 0),
		RankedByMUDev:    make([]RankedLayerInfo, 0),
		RankedByDuration: make([]RankedLayerInfo, 0),
		TolerancePct:     tolerancePct,
		AnalysisErrors:   make([]string, 0),
	}
}

// OutOfTolerance counts the layers flagged against the MU tolerance.
func (r *QAResults) OutOfTolerance() int {
	n := 0
	for _, l := range r.Layers {
		if l.IsOutOfTolerance {
			n++
		}
	}
	return n
}
