package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sunrise-health/emr-analytics/pkg/cleaner"
	"github.com/sunrise-health/emr-analytics/pkg/common/logger"
	"github.com/sunrise-health/emr-analytics/pkg/common/models"
)

// ExportError is a fatal failure writing charts or summary files; by the
// time it surfaces, computation has already completed.
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("writing %s: %v", e.Path, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// Exporter writes one run's charts and summary files into the output
// directory, overwriting any previous run's output.
type Exporter struct {
	outputDir string
}

func NewExporter(outputDir string) *Exporter {
	return &Exporter{outputDir: outputDir}
}

func (e *Exporter) OutputDir() string { return e.outputDir }

// Export renders the charts and writes summary.txt plus a machine-readable
// summary.json. It returns the paths written.
func (e *Exporter) Export(report models.SummaryReport, stats cleaner.Stats) ([]string, error) {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return nil, &ExportError{Path: e.outputDir, Err: err}
	}

	written, err := renderCharts(e.outputDir, report)
	if err != nil {
		return written, err
	}
	if report.TotalPatients == 0 {
		logger.ForStage("export").Warn("empty report, skipping charts")
	}

	textPath := filepath.Join(e.outputDir, "summary.txt")
	if err := os.WriteFile(textPath, []byte(formatSummary(report, stats)), 0o644); err != nil {
		return written, &ExportError{Path: textPath, Err: err}
	}
	written = append(written, textPath)

	jsonPath := filepath.Join(e.outputDir, "summary.json")
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return written, &ExportError{Path: jsonPath, Err: err}
	}
	if err := os.WriteFile(jsonPath, payload, 0o644); err != nil {
		return written, &ExportError{Path: jsonPath, Err: err}
	}
	written = append(written, jsonPath)

	return written, nil
}

func formatSummary(report models.SummaryReport, stats cleaner.Stats) string {
	var b strings.Builder

	b.WriteString("Patient Analysis Summary\n")
	b.WriteString("------------------------\n")
	fmt.Fprintf(&b, "Generated At: %s\n", report.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	if report.Cohort != nil {
		fmt.Fprintf(&b, "Cohort: ages %d-%d\n", report.Cohort.MinAge, report.Cohort.MaxAge)
	}
	fmt.Fprintf(&b, "Total Patients: %d\n", report.TotalPatients)
	fmt.Fprintf(&b, "Mean Age: %.2f\n", report.MeanAge)
	fmt.Fprintf(&b, "Unique Email Domains: %d\n", report.UniqueEmailDomains)
	fmt.Fprintf(&b, "Records Fetched: %d\n", stats.Total)
	fmt.Fprintf(&b, "Records Accepted: %d\n", stats.Accepted)
	fmt.Fprintf(&b, "Records Rejected: %d\n", stats.Rejected)

	if report.TotalPatients == 0 {
		b.WriteString("No patients matched; charts skipped.\n")
		return b.String()
	}

	b.WriteString("Sex Distribution:\n")
	for _, sex := range []models.Sex{models.SexFemale, models.SexMale, models.SexOther, models.SexUnknown} {
		if pct, ok := report.SexDistribution[sex]; ok {
			fmt.Fprintf(&b, "- %s: %.2f%%\n", sex, pct)
		}
	}

	b.WriteString("Age Buckets:\n")
	for _, bucket := range report.AgeBuckets {
		fmt.Fprintf(&b, "- %s: %d\n", bucket.Label, bucket.Count)
	}

	b.WriteString("Condition Frequencies:\n")
	for _, freq := range report.ConditionFrequencies {
		if freq.Display != "" && freq.Display != freq.Code {
			fmt.Fprintf(&b, "- %s (%s): %d\n", freq.Code, freq.Display, freq.Count)
		} else {
			fmt.Fprintf(&b, "- %s: %d\n", freq.Code, freq.Count)
		}
	}

	return b.String()
}
