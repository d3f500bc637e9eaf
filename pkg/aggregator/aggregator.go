package aggregator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sunrise-health/emr-analytics/pkg/common/models"
	"github.com/sunrise-health/emr-analytics/pkg/terminology"
)

const (
	defaultBucketWidth = 10
	// terminalBucketAge starts the open-ended "N+" band.
	terminalBucketAge = 90
)

type Options struct {
	// BucketWidth is the age histogram band size in years; defaults to 10.
	BucketWidth int
	Catalog     terminology.Catalog
}

// ValidateFilter rejects inverted or negative cohort bounds before any work
// is done with them.
func ValidateFilter(f *models.CohortFilter) error {
	if f == nil {
		return nil
	}
	if f.MinAge < 0 || f.MaxAge < 0 {
		return fmt.Errorf("cohort bounds must be non-negative, got [%d, %d]", f.MinAge, f.MaxAge)
	}
	if f.MinAge > f.MaxAge {
		return fmt.Errorf("cohort min age %d exceeds max age %d", f.MinAge, f.MaxAge)
	}
	return nil
}

// FilterCohort returns the records whose age falls within the filter. The
// input slice is never mutated, so the same record set supports repeated
// analysis with different bounds.
func FilterCohort(records []models.PatientRecord, filter *models.CohortFilter) []models.PatientRecord {
	if filter == nil {
		return records
	}
	cohort := make([]models.PatientRecord, 0, len(records))
	for _, r := range records {
		if filter.Contains(r.Age) {
			cohort = append(cohort, r)
		}
	}
	return cohort
}

// Aggregate computes the descriptive statistics for the given records,
// restricted to the cohort when a filter is provided. An empty cohort yields
// a zero-valued report, not an error.
func Aggregate(records []models.PatientRecord, filter *models.CohortFilter, opts Options) models.SummaryReport {
	width := opts.BucketWidth
	if width <= 0 {
		width = defaultBucketWidth
	}

	cohort := FilterCohort(records, filter)

	report := models.SummaryReport{
		TotalPatients:   len(cohort),
		AgeBuckets:      bucketAges(cohort, width),
		SexDistribution: sexDistribution(cohort),
		GeneratedAt:     time.Now().UTC(),
	}
	if filter != nil {
		f := *filter
		report.Cohort = &f
	}
	if len(cohort) == 0 {
		report.ConditionFrequencies = []models.ConditionFrequency{}
		return report
	}

	report.MeanAge = meanAge(cohort)
	report.ConditionFrequencies = conditionFrequencies(cohort, opts.Catalog)
	report.UniqueEmailDomains = uniqueEmailDomains(cohort)
	return report
}

func meanAge(records []models.PatientRecord) float64 {
	sum := 0
	for _, r := range records {
		sum += r.Age
	}
	mean := float64(sum) / float64(len(records))
	return math.Round(mean*100) / 100
}

func bucketAges(records []models.PatientRecord, width int) []models.AgeBucket {
	buckets := make([]models.AgeBucket, 0, terminalBucketAge/width+1)
	for low := 0; low < terminalBucketAge; low += width {
		high := low + width - 1
		if high >= terminalBucketAge {
			high = terminalBucketAge - 1
		}
		buckets = append(buckets, models.AgeBucket{
			Label: fmt.Sprintf("%d-%d", low, high),
			Min:   low,
			Max:   high,
		})
	}
	buckets = append(buckets, models.AgeBucket{
		Label: fmt.Sprintf("%d+", terminalBucketAge),
		Min:   terminalBucketAge,
		Max:   -1,
	})

	for _, r := range records {
		idx := r.Age / width
		if r.Age >= terminalBucketAge || idx >= len(buckets) {
			idx = len(buckets) - 1
		}
		buckets[idx].Count++
	}
	return buckets
}

func sexDistribution(records []models.PatientRecord) map[models.Sex]float64 {
	dist := make(map[models.Sex]float64)
	if len(records) == 0 {
		return dist
	}
	counts := make(map[models.Sex]int)
	for _, r := range records {
		counts[r.Sex]++
	}
	total := float64(len(records))
	for sex, n := range counts {
		pct := float64(n) / total * 100
		dist[sex] = math.Round(pct*100) / 100
	}
	return dist
}

// conditionFrequencies orders by count descending, ties broken by code
// ascending, so identical inputs always produce identical reports.
func conditionFrequencies(records []models.PatientRecord, catalog terminology.Catalog) []models.ConditionFrequency {
	counts := make(map[string]int)
	for _, r := range records {
		for _, code := range r.Conditions {
			counts[code]++
		}
	}

	freqs := make([]models.ConditionFrequency, 0, len(counts))
	for code, n := range counts {
		freqs = append(freqs, models.ConditionFrequency{
			Code:    code,
			Display: catalog.Display(code),
			Count:   n,
		})
	}
	sort.Slice(freqs, func(i, j int) bool {
		if freqs[i].Count != freqs[j].Count {
			return freqs[i].Count > freqs[j].Count
		}
		return freqs[i].Code < freqs[j].Code
	})
	return freqs
}

func uniqueEmailDomains(records []models.PatientRecord) int {
	domains := make(map[string]struct{})
	for _, r := range records {
		at := strings.LastIndex(r.Email, "@")
		if at < 0 || at == len(r.Email)-1 {
			continue
		}
		domains[r.Email[at+1:]] = struct{}{}
	}
	return len(domains)
}
