// Package transform maps raw API records to normalized observation rows.
//
// Transform applies its rules in a fixed order. The first rule that fails
// drops the record with a logged SkipReason; records are never an error.
//
//  1. lookup key: Code, suffixed by KeySeparator+Qualifier unless the
//     qualifier is empty or QualifierSentinel
//  2. key must be in the mapping table
//  3. EntityCode must not be excluded
//  4. Value, trimmed and without thousands separators, must not be a
//     suppressed sentinel and must parse as a finite number
//  5. value is scaled by the entry's multiplier
//  6. entity is resolved (ResolveEntity, else EntityPrefix+EntityCode, else
//     DefaultEntity)
//  7. the row takes variable and unit from the mapping entry
package transform

import (
	"math"
	"strconv"
	"strings"

	"github.com/Sternrassler/statvar-ingest/pkg/logging"
	"github.com/Sternrassler/statvar-ingest/pkg/mapping"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	recordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statvar_records_skipped_total",
		Help: "Total raw records dropped by dataset and reason",
	}, []string{"dataset", "reason"})

	rowsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statvar_rows_emitted_total",
		Help: "Total normalized rows emitted by dataset",
	}, []string{"dataset"})
)

// SkipReason names why a record produced no row.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipUnmappedCode     SkipReason = "unmapped_code"
	SkipExcludedEntity   SkipReason = "excluded_entity"
	SkipSuppressedValue  SkipReason = "suppressed_value"
	SkipNonNumericValue  SkipReason = "non_numeric_value"
	SkipUnresolvedEntity SkipReason = "unresolved_entity"
)

// Record is one raw API record reduced to the fields the rules need.
type Record struct {
	Code      string
	Qualifier string
	Value     string
	Date      string

	// EntityCode is the finest-grained entity code (county, reporting economy).
	EntityCode string

	// ParentEntityCode is the enclosing entity (state), if any.
	ParentEntityCode string

	// Extra carries dataset-specific pass-through columns.
	Extra map[string]string
}

// Rules configures the per-dataset skip and resolution rules.
type Rules struct {
	KeySeparator      string
	QualifierSentinel string
	ExcludedEntities  map[string]bool
	SuppressedValues  map[string]bool

	EntityPrefix  string
	DefaultEntity string

	// ResolveEntity overrides entity resolution. Returning false drops the
	// record with SkipUnresolvedEntity.
	ResolveEntity func(Record) (string, bool)
}

// Row is a normalized observation.
type Row struct {
	Variable string
	Date     string
	Entity   string
	Value    float64
	Unit     string
	Source   Record
}

// Transformer applies Rules against a mapping table.
type Transformer struct {
	dataset string
	rules   Rules
	logger  zerolog.Logger
}

// New creates a transformer for dataset.
func New(dataset string, rules Rules) *Transformer {
	return &Transformer{
		dataset: dataset,
		rules:   rules,
		logger:  logging.ForDataset("transform", dataset),
	}
}

// ForPartition returns a transformer whose skip logs carry partition.
func (t *Transformer) ForPartition(partition string) *Transformer {
	c := *t
	c.logger = t.logger.With().Str("partition", partition).Logger()
	return &c
}

// LookupKey computes the mapping key of rec.
func (t *Transformer) LookupKey(rec Record) string {
	q := strings.TrimSpace(rec.Qualifier)
	if q == "" || q == t.rules.QualifierSentinel {
		return rec.Code
	}
	return rec.Code + t.rules.KeySeparator + rec.Qualifier
}

// Transform maps rec to a row, or reports false after logging the skip.
func (t *Transformer) Transform(rec Record, table *mapping.Table) (Row, bool) {
	row, reason, detail := t.apply(rec, table)
	if reason != SkipNone {
		recordsSkipped.WithLabelValues(t.dataset, string(reason)).Inc()
		t.logger.Warn().
			Str("code", t.LookupKey(rec)).
			Str("reason", string(reason)).
			Str("detail", detail).
			Msg("SKIPPED record")
		return Row{}, false
	}
	rowsEmitted.WithLabelValues(t.dataset).Inc()
	return row, true
}

// TransformAll maps every record, keeping input order.
func (t *Transformer) TransformAll(recs []Record, table *mapping.Table) []Row {
	rows := make([]Row, 0, len(recs))
	for _, rec := range recs {
		if row, ok := t.Transform(rec, table); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

func (t *Transformer) apply(rec Record, table *mapping.Table) (Row, SkipReason, string) {
	key := t.LookupKey(rec)
	entry, ok := table.Lookup(key)
	if !ok {
		return Row{}, SkipUnmappedCode, "no statistical variable mapped"
	}

	if t.rules.ExcludedEntities[rec.EntityCode] {
		return Row{}, SkipExcludedEntity, rec.EntityCode
	}

	raw := strings.ReplaceAll(strings.TrimSpace(rec.Value), ",", "")
	if t.rules.SuppressedValues[raw] {
		return Row{}, SkipSuppressedValue, raw
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return Row{}, SkipNonNumericValue, rec.Value
	}

	value *= entry.Multiplier

	entity, ok := t.resolveEntity(rec)
	if !ok {
		return Row{}, SkipUnresolvedEntity, rec.EntityCode
	}

	return Row{
		Variable: entry.VariableID,
		Date:     rec.Date,
		Entity:   entity,
		Value:    value,
		Unit:     entry.Unit,
		Source:   rec,
	}, SkipNone, ""
}

func (t *Transformer) resolveEntity(rec Record) (string, bool) {
	if t.rules.ResolveEntity != nil {
		return t.rules.ResolveEntity(rec)
	}
	if rec.EntityCode != "" {
		return t.rules.EntityPrefix + rec.EntityCode, true
	}
	return t.rules.DefaultEntity, true
}

// FormatValue renders v in plain decimal notation with no trailing zeros.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
