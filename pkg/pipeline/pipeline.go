package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sunrise-health/emr-analytics/pkg/aggregator"
	"github.com/sunrise-health/emr-analytics/pkg/cleaner"
	"github.com/sunrise-health/emr-analytics/pkg/common/logger"
	"github.com/sunrise-health/emr-analytics/pkg/common/models"
	"github.com/sunrise-health/emr-analytics/pkg/report"
)

// Source supplies raw patient records; the fetch is an opaque blocking call.
type Source interface {
	FetchAll(ctx context.Context) ([]models.RawRecord, error)
}

// StageError tags a fatal failure with the pipeline stage it came from.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline runs fetch, clean, aggregate, and export strictly in sequence.
// Every run owns its data exclusively; nothing is shared between runs.
type Pipeline struct {
	source    Source
	cleanOpts cleaner.Options
	aggOpts   aggregator.Options
	exporter  *report.Exporter
}

func New(source Source, cleanOpts cleaner.Options, aggOpts aggregator.Options, exporter *report.Exporter) *Pipeline {
	return &Pipeline{
		source:    source,
		cleanOpts: cleanOpts,
		aggOpts:   aggOpts,
		exporter:  exporter,
	}
}

// Run executes one pass. Per-record rejections are tallied, never fatal;
// fetch, format, and export failures abort with the failing stage attached.
func (p *Pipeline) Run(ctx context.Context, filter *models.CohortFilter) (*models.RunResult, *models.SummaryReport, error) {
	if err := aggregator.ValidateFilter(filter); err != nil {
		return nil, nil, &StageError{Stage: "aggregate", Err: err}
	}

	result := &models.RunResult{
		RunID:     uuid.New().String(),
		OutputDir: p.exporter.OutputDir(),
		StartedAt: time.Now().UTC(),
	}
	log := logger.WithField("run_id", result.RunID)

	raws, err := p.source.FetchAll(ctx)
	if err != nil {
		return nil, nil, &StageError{Stage: "fetch", Err: err}
	}
	log.WithField("records", len(raws)).Info("fetch complete")

	records, stats, err := cleaner.Clean(raws, p.cleanOpts)
	if err != nil {
		return nil, nil, &StageError{Stage: "clean", Err: err}
	}
	result.Total = stats.Total
	result.Accepted = stats.Accepted
	result.Rejected = stats.Rejected
	result.Duplicates = stats.Duplicates
	log.WithFields(map[string]interface{}{
		"total":    stats.Total,
		"accepted": stats.Accepted,
		"rejected": stats.Rejected,
	}).Info("clean complete")

	summary := aggregator.Aggregate(records, filter, p.aggOpts)

	written, err := p.exporter.Export(summary, stats)
	if err != nil {
		return nil, nil, &StageError{Stage: "export", Err: err}
	}
	result.FinishedAt = time.Now().UTC()

	log.WithFields(map[string]interface{}{
		"total":      result.Total,
		"accepted":   result.Accepted,
		"rejected":   result.Rejected,
		"output_dir": result.OutputDir,
		"files":      len(written),
	}).Info("run complete")

	return result, &summary, nil
}
