package report

import (
	"bytes"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/user/mqi_interpreter_go/internal/analysis"
)

var (
	planColor = color.RGBA{B: 255, A: 255}
	logColor  = color.RGBA{R: 255, G: 165, A: 255}
)

// CreateLayerPlot renders one paired layer as PNG. plotType is "trajectory"
// (spot path in x/y) or "cumulative_mu" (delivered MU over time).
func CreateLayerPlot(lr *analysis.LayerResult, plotType string) ([]byte, error) {
	if lr == nil || lr.Log == nil {
		return nil, fmt.Errorf("no layer data to plot")
	}

	p := plot.New()
	titlePart := fmt.Sprintf("Layer %02d, %.1f MeV", lr.LayerIndex, lr.Energy)
	if lr.Beam != nil {
		titlePart = fmt.Sprintf("%s, %s", lr.Beam.Name, titlePart)
	}

	var planPts, logPts plotter.XYs
	switch plotType {
	case "trajectory":
		p.Title.Text = fmt.Sprintf("Spot Trajectory (%s)", titlePart)
		p.X.Label.Text = "X (mm)"
		p.Y.Label.Text = "Y (mm)"
		if lr.Plan != nil {
			for _, pt := range lr.Plan.Points {
				planPts = append(planPts, plotter.XY{X: pt.XMm, Y: pt.YMm})
			}
		}
		for i := range lr.Log.XMm {
			if i < len(lr.Log.BeamOn) && lr.Log.BeamOn[i] <= 0 {
				continue
			}
			logPts = append(logPts, plotter.XY{X: lr.Log.XMm[i], Y: lr.Log.YMm[i]})
		}
	case "cumulative_mu":
		p.Title.Text = fmt.Sprintf("Cumulative MU (%s)", titlePart)
		p.X.Label.Text = "Time (ms)"
		p.Y.Label.Text = "MU"
		if lr.Plan != nil {
			total := 0.0
			for _, pt := range lr.Plan.Points {
				total += pt.MU
				planPts = append(planPts, plotter.XY{X: pt.TimeMs, Y: total})
			}
		}
		total := 0.0
		for i, mu := range lr.CorrectedMU {
			total += float64(mu)
			logPts = append(logPts, plotter.XY{X: lr.Log.TimeMs[i], Y: total})
		}
	default:
		return nil, fmt.Errorf("unknown plot type: %s", plotType)
	}

	p.Add(plotter.NewGrid())

	if len(planPts) > 0 {
		line, err := plotter.NewLine(planPts)
		if err != nil {
			return nil, fmt.Errorf("failed to create plan line: %v", err)
		}
		line.Color = planColor
		line.LineStyle.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add("RT Plan", line)
	}

	if len(logPts) > 0 {
		if plotType == "trajectory" {
			sc, err := plotter.NewScatter(logPts)
			if err != nil {
				return nil, fmt.Errorf("failed to create log scatter: %v", err)
			}
			sc.GlyphStyle.Color = logColor
			sc.GlyphStyle.Radius = vg.Points(1)
			sc.GlyphStyle.Shape = draw.CircleGlyph{}
			p.Add(sc)
			p.Legend.Add("Log", sc)
		} else {
			line, err := plotter.NewLine(logPts)
			if err != nil {
				return nil, fmt.Errorf("failed to create log line: %v", err)
			}
			line.Color = logColor
			line.LineStyle.Width = vg.Points(1.5)
			line.LineStyle.Dashes = []vg.Length{vg.Points(5), vg.Points(3)}
			p.Add(line)
			p.Legend.Add("Log (corrected)", line)
		}
	}

	p.Legend.Top = true
	p.Legend.XOffs = vg.Points(10)

	return renderPNG(p, 800, 400)
}

// renderPNG draws p into a PNG of w x h points.
func renderPNG(p *plot.Plot, w, h float64) ([]byte, error) {
	writer, err := p.WriterTo(vg.Points(w), vg.Points(h), "png")
	if err != nil {
		return nil, fmt.Errorf("failed to create plot writer: %v", err)
	}
	buf := new(bytes.Buffer)
	if _, err := writer.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("failed to write plot to buffer: %v", err)
	}
	return buf.Bytes(), nil
}
