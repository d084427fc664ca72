package report

import (
	"bytes"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jung-kurt/gofpdf"

	"github.com/user/mqi_interpreter_go/internal/analysis"
)

const (
	inchToMm               = 25.4
	pdfPageWidthLandscape  = 11 * inchToMm // Letter landscape
	pdfPageHeightLandscape = 8.5 * inchToMm
	pdfMargin              = 0.5 * inchToMm
	pdfContentWidth        = pdfPageWidthLandscape - (2 * pdfMargin)

	// HeatmapPlotKey is the plotImages key of the MU deviation heatmap.
	HeatmapPlotKey = "heatmap_mu_deviation"
	maxRankedRows  = 10
)

// LayerPlotKey is the plotImages key of a per-layer plot.
func LayerPlotKey(beamName string, layerIndex int, plotType string) string {
	return fmt.Sprintf("%s_%s_%02d", plotType, beamName, layerIndex)
}

// ReportHeader carries the identifying fields printed on the first page.
type ReportHeader struct {
	PatientID string
	PlanLabel string
	Machine   string
	LogDir    string
}

// pdfStyler holds reusable styling and state for PDF generation
type pdfStyler struct {
	pdf         *gofpdf.Fpdf
	styles      map[string]func()
	lineHeight  float64
	currentY    float64 // flowing content position
	pageHeight  float64
	contentTopY float64
}

func newPDFStyler(pdf *gofpdf.Fpdf) *pdfStyler {
	s := &pdfStyler{
		pdf:         pdf,
		styles:      make(map[string]func()),
		lineHeight:  6, // mm
		pageHeight:  pdfPageHeightLandscape - pdfMargin,
		contentTopY: pdfMargin,
	}
	s.currentY = s.contentTopY
	s.defineStyles()
	return s
}

func (s *pdfStyler) defineStyles() {
	s.styles["h1"] = func() {
		s.pdf.SetFont("Arial", "B", 16)
		s.pdf.SetTextColor(0, 0, 0)
	}
	s.styles["h2"] = func() {
		s.pdf.SetFont("Arial", "B", 14)
		s.pdf.SetTextColor(0, 0, 0)
	}
	s.styles["normal"] = func() {
		s.pdf.SetFont("Arial", "", 10)
		s.pdf.SetTextColor(0, 0, 0)
	}
	s.styles["tableHeader"] = func() {
		s.pdf.SetFont("Arial", "B", 9)
		s.pdf.SetFillColor(200, 200, 200)
		s.pdf.SetTextColor(0, 0, 0)
	}
	s.styles["tableCell"] = func() {
		s.pdf.SetFont("Arial", "", 9)
		s.pdf.SetTextColor(50, 50, 50)
	}
	s.styles["tableCellRed"] = func() {
		s.pdf.SetFont("Arial", "B", 9)
		s.pdf.SetTextColor(200, 0, 0)
	}
}

func (s *pdfStyler) applyStyle(styleName string) {
	if fn, ok := s.styles[styleName]; ok {
		fn()
	} else {
		s.styles["normal"]()
	}
}

func (s *pdfStyler) checkAddPage(neededHeight float64) {
	if s.currentY+neededHeight > s.pageHeight {
		s.newPage()
	}
}

func (s *pdfStyler) newPage() {
	s.pdf.AddPage()
	s.currentY = s.contentTopY
}

func (s *pdfStyler) writeParagraph(text string, styleName string, align string) {
	s.applyStyle(styleName)
	lines := s.pdf.SplitLines([]byte(text), pdfContentWidth)
	s.checkAddPage(math.Max(1, float64(len(lines))) * s.lineHeight)

	s.pdf.SetXY(pdfMargin, s.currentY)
	s.pdf.MultiCell(pdfContentWidth, s.lineHeight, text, "", align, false)
	s.currentY = s.pdf.GetY() + 1
}

func (s *pdfStyler) addSpacer(height float64) {
	s.checkAddPage(height)
	s.currentY += height
}

func (s *pdfStyler) addImage(imageBytes []byte, imageName string, width float64, height float64, caption string, styleName string) {
	s.pdf.RegisterImageOptionsReader(imageName, gofpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(imageBytes))
	if !s.pdf.Ok() {
		log.Printf("Warning: could not register image %s: %v", imageName, s.pdf.Error())
		s.pdf.ClearError()
		s.writeParagraph(fmt.Sprintf("Image %s could not be embedded.", imageName), "normal", "L")
		return
	}

	if width > pdfContentWidth {
		ratio := pdfContentWidth / width
		width = pdfContentWidth
		height *= ratio
	}

	captionHeight := 0.0
	if caption != "" {
		captionHeight = s.lineHeight + 1
	}
	s.checkAddPage(height + captionHeight)

	s.pdf.ImageOptions(imageName, pdfMargin, s.currentY, width, height, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
	s.currentY += height

	if caption != "" {
		s.addSpacer(1)
		s.writeParagraph(caption, styleName, "C")
	}
	s.addSpacer(2)
}

// table writes a header row followed by rows. redCol marks the column printed
// in the warning style for rows where red(row) is true; -1 disables it.
func (s *pdfStyler) table(headers []string, colWidthsRel []float64, rows [][]string, redCol int, red func(int) bool) {
	widths := make([]float64, len(colWidthsRel))
	for i, rel := range colWidthsRel {
		widths[i] = rel * pdfContentWidth
	}

	s.checkAddPage(s.lineHeight * math.Min(float64(len(rows))+1, 5))
	s.applyStyle("tableHeader")
	x := pdfMargin
	for i, h := range headers {
		s.pdf.SetXY(x, s.currentY)
		s.pdf.CellFormat(widths[i], s.lineHeight, h, "1", 0, "C", true, 0, "")
		x += widths[i]
	}
	s.currentY += s.lineHeight

	for r, row := range rows {
		s.checkAddPage(s.lineHeight)
		x = pdfMargin
		for i, cell := range row {
			if i == redCol && red != nil && red(r) {
				s.applyStyle("tableCellRed")
			} else {
				s.applyStyle("tableCell")
			}
			s.pdf.SetXY(x, s.currentY)
			s.pdf.CellFormat(widths[i], s.lineHeight, cell, "1", 0, "C", false, 0, "")
			x += widths[i]
		}
		s.currentY += s.lineHeight
	}
}

func formatPct(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%+.2f", v)
}

// BuildQAReport writes the delivery QA report: run summary, layers beyond the
// MU tolerance, top rankings and the rendered plots in plotImages.
func BuildQAReport(path string, header ReportHeader, qa *analysis.QAResults, plotImages map[string][]byte) error {
	pdf := gofpdf.New("L", "mm", "Letter", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(false, pdfMargin)
	pdf.AddPage()

	styler := newPDFStyler(pdf)

	styler.writeParagraph("Proton Delivery Log QA Report", "h1", "C")
	styler.addSpacer(5)
	styler.writeParagraph(fmt.Sprintf("Patient: %s    Plan: %s    Machine: %s", header.PatientID, header.PlanLabel, header.Machine), "normal", "L")
	if header.LogDir != "" {
		styler.writeParagraph("Log directory: "+header.LogDir, "normal", "L")
	}

	if qa == nil || len(qa.Layers) == 0 {
		styler.writeParagraph("No analysis results to display.", "normal", "L")
		return pdf.OutputFileAndClose(path)
	}

	samples := 0
	for _, l := range qa.Layers {
		samples += l.NumLogSamples
	}
	styler.writeParagraph(fmt.Sprintf("Layers analysed: %d    Log samples: %s    MU tolerance: +/- %.1f %%",
		len(qa.Layers), humanize.Comma(int64(samples)), qa.TolerancePct), "normal", "L")
	styler.addSpacer(5)

	styler.writeParagraph(fmt.Sprintf("Layers Exceeding Tolerance (+/- %.1f %%)", qa.TolerancePct), "h2", "L")
	if qa.OutOfTolerance() > 0 {
		var rows [][]string
		for _, l := range qa.Layers {
			if !l.IsOutOfTolerance {
				continue
			}
			rows = append(rows, []string{
				l.BeamName,
				strconv.Itoa(l.LayerIndex),
				fmt.Sprintf("%.1f", l.Energy),
				fmt.Sprintf("%.3f", l.PlanMU),
				fmt.Sprintf("%.0f", l.LogMU),
				formatPct(l.MUDeviationPct),
			})
		}
		styler.table(
			[]string{"Beam", "Layer", "Energy (MeV)", "Plan MU", "Log MU", "Deviation (%)"},
			[]float64{0.3, 0.1, 0.15, 0.15, 0.15, 0.15},
			rows, 5, func(int) bool { return true })
	} else {
		styler.writeParagraph(fmt.Sprintf("No layers exceeded the +/- %.1f %% tolerance.", qa.TolerancePct), "normal", "L")
	}
	styler.addSpacer(5)

	if len(qa.AnalysisErrors) > 0 {
		styler.writeParagraph("Analysis Warnings", "h2", "L")
		styler.writeParagraph(strings.Join(qa.AnalysisErrors, "\n"), "normal", "L")
		styler.addSpacer(5)
	}

	styler.newPage()
	rankings := []struct {
		Title      string
		Data       []analysis.RankedLayerInfo
		ValueLabel string
		Format     func(float64) string
	}{
		{"Top 10 Layers by MU Deviation", qa.RankedByMUDev, "Abs. Deviation (%)", func(v float64) string { return fmt.Sprintf("%.2f", v) }},
		{"Top 10 Layers by Delivery Time", qa.RankedByDuration, "Log Duration (ms)", func(v float64) string { return fmt.Sprintf("%.1f", v) }},
	}
	for _, rankSet := range rankings {
		styler.writeParagraph(rankSet.Title, "h2", "L")
		if len(rankSet.Data) == 0 {
			styler.writeParagraph(fmt.Sprintf("No data for %s.", strings.ToLower(rankSet.Title)), "normal", "L")
			styler.addSpacer(5)
			continue
		}
		var rows [][]string
		for i, item := range rankSet.Data {
			if i >= maxRankedRows {
				break
			}
			rows = append(rows, []string{
				strconv.Itoa(i + 1),
				item.BeamName,
				strconv.Itoa(item.LayerIndex),
				fmt.Sprintf("%.1f", item.Energy),
				rankSet.Format(item.Value),
			})
		}
		styler.table(
			[]string{"Rank", "Beam", "Layer", "Energy (MeV)", rankSet.ValueLabel},
			[]float64{0.1, 0.35, 0.15, 0.2, 0.2},
			rows, -1, nil)
		styler.addSpacer(5)
	}

	styler.newPage()
	styler.writeParagraph("Graphical Analysis", "h1", "C")
	styler.addSpacer(5)

	imgWidth := pdfContentWidth * 0.9
	styler.writeParagraph("MU Deviation per Layer", "h2", "L")
	if img, ok := plotImages[HeatmapPlotKey]; ok && len(img) > 0 {
		styler.addImage(img, HeatmapPlotKey, imgWidth, imgWidth*0.4, "Relative deviation of corrected log MU from plan MU (%)", "normal")
	} else {
		styler.writeParagraph("MU deviation heatmap not available.", "normal", "L")
	}

	// detailed pages for the most deviating layers
	layerImgWidth := pdfContentWidth * 0.8
	for i, item := range qa.RankedByMUDev {
		if i >= maxRankedRows {
			break
		}
		traj := plotImages[LayerPlotKey(item.BeamName, item.LayerIndex, "trajectory")]
		cum := plotImages[LayerPlotKey(item.BeamName, item.LayerIndex, "cumulative_mu")]
		if len(traj) == 0 && len(cum) == 0 {
			continue
		}
		styler.newPage()
		styler.writeParagraph(fmt.Sprintf("Detailed Plots: %s, layer %d (%.1f MeV)", item.BeamName, item.LayerIndex, item.Energy), "h2", "L")
		if len(traj) > 0 {
			key := LayerPlotKey(item.BeamName, item.LayerIndex, "trajectory")
			styler.addImage(traj, key, layerImgWidth*0.5, layerImgWidth*0.25, "Spot trajectory", "normal")
		}
		if len(cum) > 0 {
			key := LayerPlotKey(item.BeamName, item.LayerIndex, "cumulative_mu")
			styler.addImage(cum, key, layerImgWidth*0.5, layerImgWidth*0.25, "Cumulative MU", "normal")
		}
	}

	return pdf.OutputFileAndClose(path)
}
