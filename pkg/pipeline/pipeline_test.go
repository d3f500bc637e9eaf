package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sunrise-health/emr-analytics/pkg/aggregator"
	"github.com/sunrise-health/emr-analytics/pkg/cleaner"
	"github.com/sunrise-health/emr-analytics/pkg/common/logger"
	"github.com/sunrise-health/emr-analytics/pkg/common/models"
	"github.com/sunrise-health/emr-analytics/pkg/report"
	"github.com/sunrise-health/emr-analytics/pkg/source"
	"github.com/sunrise-health/emr-analytics/pkg/terminology"
)

func TestMain(m *testing.M) {
	logger.Init()
	m.Run()
}

type fakeSource struct {
	records []models.RawRecord
	err     error
}

func (f *fakeSource) FetchAll(ctx context.Context) ([]models.RawRecord, error) {
	return f.records, f.err
}

func testPipeline(t *testing.T, src Source) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	p := New(
		src,
		cleaner.Options{ReferenceDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)},
		aggregator.Options{Catalog: terminology.DefaultCatalog()},
		report.NewExporter(dir),
	)
	return p, dir
}

func TestRunEndToEnd(t *testing.T) {
	src := &fakeSource{records: []models.RawRecord{
		{"patient_id": "p1", "birth_date": "2016-01-01", "sex": "f", "condition": "Flu", "email": "p1@a.org"},
		{"patient_id": "p2", "age": float64(45), "sex": "m", "condition": "Hypertension", "email": "p2@b.org"},
		{"patient_id": "p3", "birth_date": "1956-01-01", "sex": "f", "condition": "Diabetes"},
		{"patient_id": "p4"}, // no birth date, rejected
	}}

	p, dir := testPipeline(t, src)
	result, summary, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Total != 4 || result.Accepted != 3 || result.Rejected != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if result.RunID == "" {
		t.Error("expected a run id")
	}
	if summary.TotalPatients != 3 {
		t.Errorf("expected 3 patients in summary, got %d", summary.TotalPatients)
	}

	for _, name := range []string{"summary.txt", "summary.json", "age_distribution.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s in output dir: %v", name, err)
		}
	}
}

func TestRunWithCohortFilter(t *testing.T) {
	src := &fakeSource{records: []models.RawRecord{
		{"patient_id": "p1", "age": float64(10)},
		{"patient_id": "p2", "age": float64(45)},
		{"patient_id": "p3", "age": float64(70)},
	}}

	p, _ := testPipeline(t, src)
	filter := &models.CohortFilter{MinAge: 0, MaxAge: 50}
	result, summary, err := p.Run(context.Background(), filter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Accepted != 3 {
		t.Errorf("cohort filter must not affect cleaning counts, got %d", result.Accepted)
	}
	if summary.TotalPatients != 2 {
		t.Errorf("expected 2 patients in cohort, got %d", summary.TotalPatients)
	}
}

func TestRunFetchFailureAbortsBeforeOutput(t *testing.T) {
	src := &fakeSource{err: &source.FetchError{URL: "http://example.org", Err: errors.New("boom")}}

	p, dir := testPipeline(t, src)
	_, _, err := p.Run(context.Background(), nil)

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "fetch" {
		t.Fatalf("expected fetch StageError, got %v", err)
	}
	var fetchErr *source.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected wrapped FetchError, got %v", err)
	}

	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if len(entries) != 0 {
		t.Errorf("no output may be written when fetch fails, found %v", entries)
	}
}

func TestRunEmptyFetchIsDataFormatError(t *testing.T) {
	src := &fakeSource{records: nil}

	p, _ := testPipeline(t, src)
	_, _, err := p.Run(context.Background(), nil)

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "clean" {
		t.Fatalf("expected clean StageError, got %v", err)
	}
	var dfe *cleaner.DataFormatError
	if !errors.As(err, &dfe) {
		t.Fatalf("expected wrapped DataFormatError, got %v", err)
	}
}

func TestRunRejectsInvalidFilter(t *testing.T) {
	src := &fakeSource{records: []models.RawRecord{{"patient_id": "p1", "age": float64(10)}}}

	p, _ := testPipeline(t, src)
	_, _, err := p.Run(context.Background(), &models.CohortFilter{MinAge: 50, MaxAge: 10})
	if err == nil {
		t.Fatal("expected error for inverted cohort bounds")
	}
}

func TestRunAllRecordsRejectedStillSucceeds(t *testing.T) {
	src := &fakeSource{records: []models.RawRecord{
		{"patient_id": "p1"},
		{"name": "no id"},
	}}

	p, dir := testPipeline(t, src)
	result, summary, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("per-record rejections must not abort the run: %v", err)
	}
	if result.Rejected != 2 || result.Accepted != 0 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if summary.TotalPatients != 0 {
		t.Errorf("expected zero-valued summary, got %d", summary.TotalPatients)
	}
	if _, err := os.Stat(filepath.Join(dir, "summary.txt")); err != nil {
		t.Errorf("expected summary.txt for all-zero run: %v", err)
	}
}
