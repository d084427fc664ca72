package report

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"

	"github.com/user/mqi_interpreter_go/internal/analysis"
)

// boundaryPalette is a fixed list of colors, one per equal-width bin
// between the heatmap Min and Max.
type boundaryPalette []color.Color

func (p boundaryPalette) Colors() []color.Color { return p }

// deviationGrid adapts a beams x layers matrix to plotter.GridXYZ.
type deviationGrid struct {
	cells [][]float64 // [beam][layer]
	cols  int
}

func (g deviationGrid) Dims() (c, r int)   { return g.cols, len(g.cells) }
func (g deviationGrid) Z(c, r int) float64 { return g.cells[r][c] }
func (g deviationGrid) X(c int) float64    { return float64(c) }
func (g deviationGrid) Y(r int) float64    { return float64(r) }

// CreateDeviationHeatmap renders the plan/log MU deviation of every layer,
// one row per beam and one column per layer.
func CreateDeviationHeatmap(qa *analysis.QAResults, plotTitle string) ([]byte, error) {
	if qa == nil || len(qa.Layers) == 0 {
		return nil, fmt.Errorf("no analysis results to plot heatmap")
	}
	beams, cells := qa.DeviationMatrix()
	if len(beams) == 0 || len(cells[0]) == 0 {
		return nil, fmt.Errorf("no beam data found for heatmap")
	}
	numCols := len(cells[0])

	tol := qa.TolerancePct
	if tol <= 0 {
		tol = analysis.DefaultMUTolerancePct
	}
	green := color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 255}
	yellow := color.RGBA{R: 0xdb, G: 0xdb, B: 0x8d, A: 255}
	orange := color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 255}
	red := color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 255}

	// five bins across [-tol, tol]; anything beyond the tolerance is red
	pal := boundaryPalette{orange, yellow, green, yellow, orange}

	hm := plotter.NewHeatMap(deviationGrid{cells: cells, cols: numCols}, pal)
	hm.Min = -tol
	hm.Max = tol
	hm.Underflow = red
	hm.Overflow = red
	hm.NaN = color.Gray{Y: 200}

	p := plot.New()
	p.Title.Text = plotTitle
	p.X.Label.Text = "Energy Layer"
	p.Y.Label.Text = "Beam"

	yTicks := make([]plot.Tick, len(beams))
	for i, name := range beams {
		yTicks[i] = plot.Tick{Value: float64(i), Label: name}
	}
	p.Y.Tick.Marker = plot.ConstantTicks(yTicks)
	p.Y.Min = -0.5
	p.Y.Max = float64(len(beams)) - 0.5

	step := int(math.Max(1, math.Ceil(float64(numCols)/20)))
	xTicks := []plot.Tick{}
	for i := 0; i < numCols; i += step {
		xTicks = append(xTicks, plot.Tick{Value: float64(i), Label: fmt.Sprintf("%d", i+1)})
	}
	p.X.Tick.Marker = plot.ConstantTicks(xTicks)
	p.X.Min = -0.5
	p.X.Max = float64(numCols) - 0.5

	p.Add(hm)

	return renderPNG(p, 1000, math.Max(200, float64(60*len(beams)+120)))
}
