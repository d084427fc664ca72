package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/user/mqi_interpreter_go/internal/analysis"
	"github.com/user/mqi_interpreter_go/internal/calibration"
	"github.com/user/mqi_interpreter_go/internal/config"
	"github.com/user/mqi_interpreter_go/internal/parser"
	"github.com/user/mqi_interpreter_go/internal/report"
)

const (
	planCopyDir   = "plan"
	excelDir      = "excel"
	qaReportName  = "qa_report.pdf"
	maxLayerPlots = 10
)

// App runs one conversion of a log directory.
type App struct {
	cfg config.Config
}

// RunSummary describes the outputs of a finished run.
type RunSummary struct {
	Plan       *parser.Plan
	Machine    string
	Pairing    *analysis.PairingResult
	CSV        *report.CSVSummary
	ExcelFiles []string
	QA         *analysis.QAResults
	ReportPath string
}

// NewApp creates a new App for the given configuration
func NewApp(cfg config.Config) *App {
	return &App{cfg: cfg}
}

func (a *App) sendStatus(message string) {
	log.Println(message)
}

func (a *App) debugStatus(message string) {
	if a.cfg.Debug() {
		a.sendStatus(message)
	}
}

func (a *App) sendWarnings(header string, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	a.sendStatus(header)
	for _, w := range warnings {
		a.sendStatus(fmt.Sprintf("- %s", w))
	}
}

// Run locates and reads the RT plan inside logDir, keeps a copy of it under
// outDir and converts the delivery logs.
func (a *App) Run(ctx context.Context, logDir, outDir string) (*RunSummary, error) {
	a.sendStatus(fmt.Sprintf("Searching RT plan in %s", logDir))
	planPath, err := parser.FindRTPlan(logDir)
	if err != nil {
		return nil, fmt.Errorf("error locating RT plan: %w", err)
	}
	a.sendStatus(fmt.Sprintf("Parsing: %s", planPath))
	plan, err := parser.ParseRTPlan(planPath)
	if err != nil {
		return nil, fmt.Errorf("error parsing RT plan: %w", err)
	}
	a.sendWarnings("Plan Warnings:", plan.ParseErrors)

	copied := filepath.Join(outDir, planCopyDir, filepath.Base(planPath))
	if err := copyFile(planPath, copied); err != nil {
		return nil, fmt.Errorf("error copying RT plan: %w", err)
	}
	a.debugStatus(fmt.Sprintf("RT plan copied to %s", copied))

	return a.runWithPlan(ctx, plan, logDir, outDir)
}

// runWithPlan is the conversion after the plan has been read.
func (a *App) runWithPlan(ctx context.Context, plan *parser.Plan, logDir, outDir string) (*RunSummary, error) {
	cfg := a.cfg
	summary := &RunSummary{Plan: plan}
	a.sendStatus(fmt.Sprintf("Plan %s: %d beams, %d energy layers.", plan.PlanLabel, len(plan.Beams), plan.NumEnergyLayers()))

	token, scvPath, err := cfg.SelectMachine(plan.MachineNames())
	if err != nil {
		return nil, err
	}
	summary.Machine = token
	a.sendStatus(fmt.Sprintf("Treatment machine %s, calibration %s", token, scvPath))

	cal, warnings, err := parser.ParseSCVInit(scvPath)
	if err != nil {
		return nil, fmt.Errorf("error reading calibration: %w", err)
	}
	a.sendWarnings("Calibration Warnings:", warnings)
	if len(cal) == 0 {
		return nil, fmt.Errorf("calibration file %s holds no parameters", scvPath)
	}
	if cfg.Calibration.PresetAsPosition {
		cal = cal.WithPresetAsPosition()
	}

	ranges, err := parser.ParsePlanRangeFiles(logDir)
	if err != nil {
		return nil, fmt.Errorf("error reading monitor ranges: %w", err)
	}
	ptnFiles, err := ranges.DeliveryFiles(logDir, ".ptn")
	if err != nil {
		return nil, err
	}
	if len(ptnFiles) == 0 {
		return nil, fmt.Errorf("no .ptn files found in %s", logDir)
	}
	codes := ranges.All()
	a.sendStatus(fmt.Sprintf("Found %d .ptn files and %d monitor range codes in %d deliveries.", len(ptnFiles), len(codes), len(ranges.Dirs)))

	logs := make([]*parser.LogLayer, 0, len(ptnFiles))
	for _, f := range ptnFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l, err := parser.ParsePTN(f, cal)
		if err != nil {
			return nil, fmt.Errorf("error decoding log: %w", err)
		}
		a.debugStatus(fmt.Sprintf("Decoded %s: %s samples", f, humanize.Comma(int64(l.Len()))))
		logs = append(logs, l)
	}

	var corrector *analysis.Corrector
	if cfg.UseEnergyCorrection() {
		c, warnings := analysis.NewCorrector(cfg.Processing.DoseDividingFactor)
		a.sendWarnings("Correction Warnings:", warnings)
		corrector = c
	} else {
		a.sendStatus("Calibration mode: energy correction factors disabled.")
		corrector = &analysis.Corrector{DividingFactor: cfg.Processing.DoseDividingFactor}
	}

	table := calibration.LoadDoseRateTable(cfg.Processing.DoseRateTable)
	a.sendWarnings("Dose Rate Table Warnings:", table.Warnings)
	a.debugStatus(fmt.Sprintf("Dose rate table: %d rows", table.Len()))

	pairing, err := analysis.PairLayers(plan, logs, codes, analysis.PairOptions{
		Table:           table,
		Corrector:       corrector,
		TimeStep:        cfg.Processing.TimeStepMs,
		PlanTrajectory:  cfg.Features.PlanCSV || cfg.Features.QAReport,
		CalibrationMode: cfg.Processing.CalibrationMode.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("error pairing layers: %w", err)
	}
	summary.Pairing = pairing
	a.sendWarnings("Pairing Warnings:", pairing.Warnings)
	for _, lr := range pairing.Layers {
		if lr.PlanErr != nil {
			a.sendStatus(fmt.Sprintf("Error interpolating beam '%s' layer %d: %v", lr.Beam.Name, lr.LayerIndex, lr.PlanErr))
		}
		a.debugStatus(fmt.Sprintf("Beam '%s' layer %d (%.1f MeV): %d samples, range code %d",
			lr.Beam.Name, lr.LayerIndex, lr.Energy, lr.Log.Len(), lr.RangeCode))
	}
	a.sendStatus(fmt.Sprintf("Paired %d of %d layers.", len(pairing.Layers), pairing.PlanLayers))

	if cfg.Features.GenerateMoqui {
		csv, err := report.WriteMoquiCSVs(ctx, outDir, pairing, report.CSVOptions{
			PlanCSV: cfg.Features.PlanCSV,
			Workers: cfg.Output.Workers,
		})
		if err != nil {
			return nil, fmt.Errorf("error writing MOQUI files: %w", err)
		}
		summary.CSV = csv
		a.sendStatus(fmt.Sprintf("Wrote %d MOQUI files (%s) to %s", len(csv.Files), humanize.Bytes(uint64(csv.Bytes)), outDir))
	}

	if cfg.Features.ExportExcel {
		for _, l := range logs {
			path, err := report.ExportPTNExcel(filepath.Join(outDir, excelDir), l)
			if err != nil {
				return nil, fmt.Errorf("error exporting %s: %w", l.Source, err)
			}
			summary.ExcelFiles = append(summary.ExcelFiles, path)
		}
	}

	if cfg.Features.ProcessMGN {
		if err := a.processMGN(cal, ranges, logDir, outDir, summary); err != nil {
			return nil, err
		}
	}

	if cfg.Features.QAReport {
		if err := a.buildQAReport(plan, logDir, outDir, summary); err != nil {
			return nil, err
		}
	}

	a.sendStatus("Processing complete.")
	return summary, nil
}

func (a *App) processMGN(cal parser.Calibration, ranges *parser.PlanRanges, logDir, outDir string, summary *RunSummary) error {
	mgnFiles, err := ranges.DeliveryFiles(logDir, ".mgn")
	if err != nil {
		return err
	}
	if len(mgnFiles) == 0 {
		a.sendStatus("No .mgn files found.")
		return nil
	}
	for _, f := range mgnFiles {
		m, err := parser.ParseMGN(f, cal)
		if err != nil {
			return fmt.Errorf("error decoding magnet log: %w", err)
		}
		a.debugStatus(fmt.Sprintf("Decoded %s: %s records", f, humanize.Comma(int64(m.Len()))))
		if !a.cfg.Features.ExportExcel {
			continue
		}
		path, err := report.ExportMGNExcel(filepath.Join(outDir, excelDir), m)
		if err != nil {
			return fmt.Errorf("error exporting %s: %w", f, err)
		}
		summary.ExcelFiles = append(summary.ExcelFiles, path)
	}
	a.sendStatus(fmt.Sprintf("Processed %d .mgn files.", len(mgnFiles)))
	return nil
}

func (a *App) buildQAReport(plan *parser.Plan, logDir, outDir string, summary *RunSummary) error {
	if len(summary.Pairing.Layers) == 0 {
		a.sendStatus("No paired layers, QA report skipped.")
		return nil
	}
	tol := a.cfg.Processing.MUTolerancePct
	a.sendStatus(fmt.Sprintf("Analyzing layers (MU tolerance: %.1f %%)...", tol))
	qa, err := analysis.AnalyzeLayers(summary.Pairing, tol)
	if err != nil {
		return fmt.Errorf("error analyzing layers: %w", err)
	}
	summary.QA = qa
	a.sendWarnings("Analysis Warnings/Errors:", qa.AnalysisErrors)
	a.sendStatus(fmt.Sprintf("%d of %d layers outside tolerance.", qa.OutOfTolerance(), len(qa.Layers)))

	a.sendStatus("Generating plots...")
	plotImages := make(map[string][]byte)
	img, err := report.CreateDeviationHeatmap(qa, "MU Deviation per Layer (%)")
	if err != nil {
		a.sendStatus(fmt.Sprintf("Error generating plot %s: %v", report.HeatmapPlotKey, err))
	} else {
		plotImages[report.HeatmapPlotKey] = img
	}

	wanted := make(map[string]bool)
	for i, r := range qa.RankedByMUDev {
		if i >= maxLayerPlots {
			break
		}
		wanted[report.LayerPlotKey(r.BeamName, r.LayerIndex, "trajectory")] = true
	}
	for i := range summary.Pairing.Layers {
		lr := &summary.Pairing.Layers[i]
		if !wanted[report.LayerPlotKey(lr.Beam.Name, lr.LayerIndex, "trajectory")] {
			continue
		}
		for _, plotType := range []string{"trajectory", "cumulative_mu"} {
			key := report.LayerPlotKey(lr.Beam.Name, lr.LayerIndex, plotType)
			img, err := report.CreateLayerPlot(lr, plotType)
			if err != nil {
				a.sendStatus(fmt.Sprintf("Error generating plot %s: %v", key, err))
				continue
			}
			plotImages[key] = img
		}
	}
	a.sendStatus("Plot generation complete.")

	path := filepath.Join(outDir, qaReportName)
	a.sendStatus(fmt.Sprintf("Generating PDF: %s...", path))
	header := report.ReportHeader{
		PatientID: plan.PatientID,
		PlanLabel: plan.PlanLabel,
		Machine:   summary.Machine,
		LogDir:    logDir,
	}
	if err := report.BuildQAReport(path, header, qa, plotImages); err != nil {
		return fmt.Errorf("error generating PDF report: %w", err)
	}
	summary.ReportPath = path
	a.sendStatus(fmt.Sprintf("PDF report successfully generated: %s", path))
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
