package models

import "time"

// RawRecord is a single patient record as returned by the record source.
// Field names and value types are informal; the cleaner owns all
// interpretation and nothing else should reach into one.
type RawRecord map[string]interface{}

type Sex string

const (
	SexFemale  Sex = "female"
	SexMale    Sex = "male"
	SexOther   Sex = "other"
	SexUnknown Sex = "unknown"
)

// PatientRecord is the canonical row produced by the cleaner. Instances are
// value types; later stages never mutate them.
type PatientRecord struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Age        int      `json:"age"`
	Sex        Sex      `json:"sex"`
	Conditions []string `json:"conditions,omitempty"`
	Email      string   `json:"email,omitempty"`
}

// CohortFilter selects patients whose age falls in [MinAge, MaxAge].
type CohortFilter struct {
	MinAge int `json:"min_age"`
	MaxAge int `json:"max_age"`
}

func (f CohortFilter) Contains(age int) bool {
	return age >= f.MinAge && age <= f.MaxAge
}

type AgeBucket struct {
	Label string `json:"label"`
	Min   int    `json:"min"`
	Max   int    `json:"max"` // -1 for the open-ended terminal band
	Count int    `json:"count"`
}

type ConditionFrequency struct {
	Code    string `json:"code"`
	Display string `json:"display"`
	Count   int    `json:"count"`
}

// SummaryReport holds the descriptive statistics for one aggregation pass.
// It is immutable once produced; a rerun or a different cohort filter makes
// a new one.
type SummaryReport struct {
	TotalPatients        int                  `json:"total_patients"`
	MeanAge              float64              `json:"mean_age"`
	AgeBuckets           []AgeBucket          `json:"age_buckets"`
	SexDistribution      map[Sex]float64      `json:"sex_distribution"`
	ConditionFrequencies []ConditionFrequency `json:"condition_frequencies"`
	UniqueEmailDomains   int                  `json:"unique_email_domains"`
	Cohort               *CohortFilter        `json:"cohort,omitempty"`
	GeneratedAt          time.Time            `json:"generated_at"`
}

// RunResult is the bookkeeping for one pipeline run.
type RunResult struct {
	RunID      string    `json:"run_id"`
	Total      int       `json:"total"`
	Accepted   int       `json:"accepted"`
	Rejected   int       `json:"rejected"`
	Duplicates int       `json:"duplicates"`
	OutputDir  string    `json:"output_dir"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
