package cleaner

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sunrise-health/emr-analytics/pkg/common/logger"
	"github.com/sunrise-health/emr-analytics/pkg/common/models"
)

// DataFormatError means the input as a whole is unusable and the run cannot
// proceed. Per-record problems are never a DataFormatError; they are tallied
// and skipped.
type DataFormatError struct {
	Reason string
}

func (e *DataFormatError) Error() string {
	return fmt.Sprintf("unusable input: %s", e.Reason)
}

// DedupPolicy resolves duplicate patient identifiers within one run.
type DedupPolicy string

const (
	// DedupFirst keeps the earliest occurrence of an ID.
	DedupFirst DedupPolicy = "first"
	// DedupLast keeps the newest occurrence of an ID.
	DedupLast DedupPolicy = "last"
	// DedupReject drops every occurrence after the first and counts it as
	// a rejected record.
	DedupReject DedupPolicy = "reject"
)

func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch DedupPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case DedupFirst, DedupPolicy(""):
		return DedupFirst, nil
	case DedupLast:
		return DedupLast, nil
	case DedupReject:
		return DedupReject, nil
	default:
		return "", fmt.Errorf("unknown dedup policy %q", s)
	}
}

type Options struct {
	// ReferenceDate anchors age computation; zero means time.Now().
	ReferenceDate time.Time
	DedupPolicy   DedupPolicy
}

// Stats accounts for every input record: Accepted + Rejected == Total.
// Records displaced by deduplication count toward both Rejected and
// Duplicates.
type Stats struct {
	Total      int            `json:"total"`
	Accepted   int            `json:"accepted"`
	Rejected   int            `json:"rejected"`
	Duplicates int            `json:"duplicates"`
	Reasons    map[string]int `json:"reasons,omitempty"`
}

// Clean validates and normalizes raw records into canonical PatientRecords.
// Malformed records are skipped and tallied; only a wholly unusable input is
// an error.
func Clean(raws []models.RawRecord, opts Options) ([]models.PatientRecord, Stats, error) {
	if len(raws) == 0 {
		return nil, Stats{}, &DataFormatError{Reason: "no records in input"}
	}

	ref := opts.ReferenceDate
	if ref.IsZero() {
		ref = time.Now().UTC()
	}
	policy := opts.DedupPolicy
	if policy == "" {
		policy = DedupFirst
	}

	stats := Stats{Total: len(raws), Reasons: make(map[string]int)}
	records := make([]models.PatientRecord, 0, len(raws))
	seen := make(map[string]int) // id -> index into records

	for _, raw := range raws {
		record, reason := normalize(raw, ref)
		if reason != "" {
			stats.Rejected++
			stats.Reasons[reason]++
			continue
		}

		if prev, dup := seen[record.ID]; dup {
			stats.Duplicates++
			stats.Rejected++
			stats.Reasons["duplicate_id"]++
			logger.ForStage("clean").WithField("patient_id", record.ID).Warn("duplicate patient id")
			if policy == DedupLast {
				records[prev] = record
			}
			continue
		}

		seen[record.ID] = len(records)
		records = append(records, record)
	}

	stats.Accepted = len(records)
	return records, stats, nil
}

func normalize(raw models.RawRecord, ref time.Time) (models.PatientRecord, string) {
	if raw == nil {
		return models.PatientRecord{}, "empty_record"
	}

	id := firstString(raw, "patient_id", "id")
	if id == "" {
		return models.PatientRecord{}, "missing_id"
	}

	age, reason := resolveAge(raw, ref)
	if reason != "" {
		return models.PatientRecord{}, reason
	}

	return models.PatientRecord{
		ID:         id,
		Name:       firstString(raw, "name", "full_name"),
		Age:        age,
		Sex:        normalizeSex(firstString(raw, "sex", "gender")),
		Conditions: normalizeConditions(raw),
		Email:      strings.ToLower(firstString(raw, "email")),
	}, ""
}

// birthDateFormats are tried in order; the source is informal about dates.
var birthDateFormats = []string{
	"2006-01-02",
	time.RFC3339,
	"2006/01/02",
	"01/02/2006",
}

func resolveAge(raw models.RawRecord, ref time.Time) (int, string) {
	if birth := firstString(raw, "birth_date", "birthDate", "dob", "date_of_birth"); birth != "" {
		parsed, err := parseBirthDate(birth)
		if err != nil {
			return 0, "unparseable_birth_date"
		}
		if parsed.After(ref) {
			return 0, "future_birth_date"
		}
		return yearsBetween(parsed, ref), ""
	}

	// Some feeds carry a precomputed age instead of a birth date.
	if v, ok := lookup(raw, "age"); ok {
		age, err := coerceInt(v)
		if err != nil || age < 0 {
			return 0, "invalid_age"
		}
		return age, ""
	}

	return 0, "missing_birth_date"
}

func parseBirthDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range birthDateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func yearsBetween(birth, ref time.Time) int {
	years := ref.Year() - birth.Year()
	anniversary := birth.AddDate(years, 0, 0)
	if anniversary.After(ref) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

func normalizeSex(s string) models.Sex {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f", "female":
		return models.SexFemale
	case "m", "male":
		return models.SexMale
	case "other", "nonbinary", "non-binary":
		return models.SexOther
	default:
		return models.SexUnknown
	}
}

func normalizeConditions(raw models.RawRecord) []string {
	set := make(map[string]struct{})

	add := func(code string) {
		code = strings.ToLower(strings.TrimSpace(code))
		if code != "" {
			set[code] = struct{}{}
		}
	}

	if v, ok := lookup(raw, "conditions"); ok {
		switch vv := v.(type) {
		case []interface{}:
			for _, item := range vv {
				add(coerceString(item))
			}
		case string:
			for _, part := range strings.Split(vv, ",") {
				add(part)
			}
		}
	}
	if v, ok := lookup(raw, "condition"); ok {
		add(coerceString(v))
	}

	if len(set) == 0 {
		return nil
	}
	codes := make([]string, 0, len(set))
	for code := range set {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func lookup(raw models.RawRecord, keys ...string) (interface{}, bool) {
	for _, key := range keys {
		if v, ok := raw[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func firstString(raw models.RawRecord, keys ...string) string {
	for _, key := range keys {
		if v, ok := raw[key]; ok {
			if s := coerceString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func coerceString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	case float64:
		if val == math.Trunc(val) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return ""
	}
}

// coerceInt tolerates JSON numbers and numeric strings; the source mixes
// both for the same field.
func coerceInt(v interface{}) (int, error) {
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) {
			return 0, fmt.Errorf("non-integer value %v", val)
		}
		return int(val), nil
	case int:
		return val, nil
	case string:
		return strconv.Atoi(strings.TrimSpace(val))
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
