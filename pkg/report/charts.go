package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wcharczuk/go-chart/v2"

	"github.com/sunrise-health/emr-analytics/pkg/common/models"
)

const (
	chartWidth  = 800
	chartHeight = 512
)

// renderCharts writes the three chart PNGs for a report and returns their
// paths. A zero-patient report renders nothing.
func renderCharts(dir string, report models.SummaryReport) ([]string, error) {
	if report.TotalPatients == 0 {
		return nil, nil
	}

	var written []string

	if len(report.ConditionFrequencies) > 0 {
		path := filepath.Join(dir, "conditions.png")
		if err := renderConditionBars(path, report.ConditionFrequencies); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	if len(report.SexDistribution) > 0 {
		path := filepath.Join(dir, "sex_distribution.png")
		if err := renderSexPie(path, report.SexDistribution); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	path := filepath.Join(dir, "age_distribution.png")
	if err := renderAgeHistogram(path, report.AgeBuckets); err != nil {
		return written, err
	}
	written = append(written, path)

	return written, nil
}

func renderConditionBars(path string, freqs []models.ConditionFrequency) error {
	bars := make([]chart.Value, 0, len(freqs))
	for _, f := range freqs {
		bars = append(bars, chart.Value{Label: f.Display, Value: float64(f.Count)})
	}

	graph := chart.BarChart{
		Title:      "Condition Prevalence",
		Background: chart.Style{Padding: chart.Box{Top: 40}},
		Width:      chartWidth,
		Height:     chartHeight,
		BarWidth:   48,
		Bars:       bars,
	}
	return renderToFile(path, func(f *os.File) error {
		return graph.Render(chart.PNG, f)
	})
}

func renderSexPie(path string, dist map[models.Sex]float64) error {
	values := make([]chart.Value, 0, len(dist))
	for _, sex := range []models.Sex{models.SexFemale, models.SexMale, models.SexOther, models.SexUnknown} {
		pct, ok := dist[sex]
		if !ok || pct == 0 {
			continue
		}
		values = append(values, chart.Value{
			Label: fmt.Sprintf("%s %.1f%%", sex, pct),
			Value: pct,
		})
	}
	if len(values) == 0 {
		return nil
	}

	graph := chart.PieChart{
		Title:  "Sex Distribution",
		Width:  chartHeight,
		Height: chartHeight,
		Values: values,
	}
	return renderToFile(path, func(f *os.File) error {
		return graph.Render(chart.PNG, f)
	})
}

func renderAgeHistogram(path string, buckets []models.AgeBucket) error {
	bars := make([]chart.Value, 0, len(buckets))
	for _, b := range buckets {
		bars = append(bars, chart.Value{Label: b.Label, Value: float64(b.Count)})
	}
	if len(bars) == 0 {
		return nil
	}

	graph := chart.BarChart{
		Title:      "Age Distribution",
		Background: chart.Style{Padding: chart.Box{Top: 40}},
		Width:      chartWidth,
		Height:     chartHeight,
		BarWidth:   36,
		Bars:       bars,
	}
	return renderToFile(path, func(f *os.File) error {
		return graph.Render(chart.PNG, f)
	})
}

func renderToFile(path string, render func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return &ExportError{Path: path, Err: err}
	}
	if err := render(f); err != nil {
		f.Close()
		return &ExportError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &ExportError{Path: path, Err: err}
	}
	return nil
}
