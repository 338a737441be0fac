// Package usda ingests USDA QuickStats survey data per county and year.
//
// Layout under the output directory:
//
//	response/{year}/{county}.json   cached api_GET responses
//	parts/{year}/{county}.csv       per-county observations
//	ag-{year}.csv                   aggregate of all parts of a year
package usda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Sternrassler/statvar-ingest/pkg/cache"
	"github.com/Sternrassler/statvar-ingest/pkg/client"
	"github.com/Sternrassler/statvar-ingest/pkg/csvout"
	"github.com/Sternrassler/statvar-ingest/pkg/logging"
	"github.com/Sternrassler/statvar-ingest/pkg/mapping"
	"github.com/Sternrassler/statvar-ingest/pkg/pool"
	"github.com/Sternrassler/statvar-ingest/pkg/ratelimit"
	"github.com/Sternrassler/statvar-ingest/pkg/transform"
	"github.com/rs/zerolog"
)

const (
	// Dataset labels metrics and logs.
	Dataset = "usda"

	// DefaultBaseURL is the QuickStats API root.
	DefaultBaseURL = "https://quickstats.nass.usda.gov/api"

	// DefaultSourceDesc restricts api_GET to survey data.
	DefaultSourceDesc = "SURVEY"

	// FirstYear and LastYear bound the multi-year backfill.
	FirstYear = 2000
	LastYear  = 2023

	// APIKeyName is the secret name of the QuickStats key.
	APIKeyName = "usda_api_key"
)

// Columns is the fixed column order of part and aggregate files.
var Columns = []string{
	"variableMeasured",
	"observationDate",
	"observationAbout",
	"value",
	"unit",
}

// Rules returns the QuickStats record rules: "%%"-joined domain category
// qualifier, county 998 ("OTHER") excluded, (D) and (Z) suppressed, and
// county geoIds only when the state code is present.
func Rules() transform.Rules {
	return transform.Rules{
		KeySeparator:      "%%",
		QualifierSentinel: "NOT SPECIFIED",
		ExcludedEntities:  map[string]bool{"998": true},
		SuppressedValues:  map[string]bool{"(D)": true, "(Z)": true},
		DefaultEntity:     "dcid:country/USA",
		ResolveEntity: func(rec transform.Record) (string, bool) {
			if rec.ParentEntityCode != "" {
				return "dcid:geoId/" + rec.ParentEntityCode + rec.EntityCode, true
			}
			return "dcid:country/USA", true
		},
	}
}

// Config holds pipeline configuration.
type Config struct {
	APIKey     string
	OutputDir  string
	SourceDesc string
}

// Pipeline fetches, caches and transforms county survey data.
type Pipeline struct {
	cfg         Config
	client      *client.Client
	store       *cache.Store
	table       *mapping.Table
	executor    *pool.Executor
	transformer *transform.Transformer
	logger      zerolog.Logger
}

// New creates a pipeline. The store must be rooted at cfg.OutputDir for the
// file layout above.
func New(cfg Config, c *client.Client, store *cache.Store, table *mapping.Table, executor *pool.Executor) *Pipeline {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}
	if cfg.SourceDesc == "" {
		cfg.SourceDesc = DefaultSourceDesc
	}
	return &Pipeline{
		cfg:         cfg,
		client:      c,
		store:       store,
		table:       table,
		executor:    executor,
		transformer: transform.New(Dataset, Rules()),
		logger:      logging.ForDataset("usda", Dataset),
	}
}

// PartsDir returns the directory of a year's part files.
func (p *Pipeline) PartsDir(year int) string {
	return filepath.Join(p.cfg.OutputDir, "parts", strconv.Itoa(year))
}

// AggregatePath returns the aggregate CSV path of a year.
func (p *Pipeline) AggregatePath(year int) string {
	return filepath.Join(p.cfg.OutputDir, fmt.Sprintf("ag-%d.csv", year))
}

// ResponseKey returns the cache key of one county's response for a year.
func ResponseKey(year int, county string) cache.Key {
	return cache.Key{Dataset: "response/" + strconv.Itoa(year), Partition: county, Ext: "json"}
}

// Counties lists the county names known to QuickStats.
func (p *Pipeline) Counties(ctx context.Context) ([]string, error) {
	result, err := p.client.Get(ctx, client.Request{
		Dataset: Dataset,
		Path:    "/get_param_values",
		Params:  url.Values{"key": {p.cfg.APIKey}, "param": {"county_name"}},
		Expect:  client.ContentJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("get county names: %w", err)
	}
	if result.Err != nil {
		return nil, fmt.Errorf("get county names: %w", result.Err)
	}

	var resp struct {
		CountyName []string `json:"county_name"`
	}
	if err := json.Unmarshal(result.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode county names: %w", err)
	}
	return resp.CountyName, nil
}

// ProcessYear fetches and transforms every county of year, then writes the
// year's aggregate. Failed counties are missing from the aggregate and
// listed in the report.
func (p *Pipeline) ProcessYear(ctx context.Context, year int) (*pool.Report, error) {
	start := time.Now()
	logger := p.logger.With().Int("year", year).Logger()
	logger.Info().Msg("Processing survey data")

	counties, err := p.Counties(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("counties", len(counties)).Msg("Got county names")

	removed, err := csvout.Clear(p.PartsDir(year))
	if err != nil {
		return nil, fmt.Errorf("clear parts %d: %w", year, err)
	}
	if removed > 0 {
		logger.Debug().Int("removed", removed).Msg("Removed part files of an earlier run")
	}

	report := p.executor.Run(ctx, counties, func(ctx context.Context, county string, limiter ratelimit.Limiter) error {
		return p.FetchAndWrite(ctx, year, county, limiter)
	})

	if _, err := csvout.Aggregate(p.PartsDir(year), p.AggregatePath(year), Columns); err != nil {
		return report, fmt.Errorf("write aggregate %d: %w", year, err)
	}

	logger.Info().
		Int("failed", len(report.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Finished year")
	return report, nil
}

// ProcessYears runs ProcessYear for each year in [from, to] and merges the
// reports. A year whose county list cannot be fetched stops the run.
func (p *Pipeline) ProcessYears(ctx context.Context, from, to int) (*pool.Report, error) {
	total := &pool.Report{}
	for year := from; year <= to; year++ {
		report, err := p.ProcessYear(ctx, year)
		total.Merge(prefixed(report, year))
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// prefixed qualifies county targets with their year so merged reports
// keep counties of different years apart.
func prefixed(r *pool.Report, year int) *pool.Report {
	if r == nil {
		return nil
	}
	out := &pool.Report{Total: r.Total, Duration: r.Duration, Failed: make(map[string]error, len(r.Failed))}
	for _, t := range r.Succeeded {
		out.Succeeded = append(out.Succeeded, fmt.Sprintf("%d/%s", year, t))
	}
	for t, err := range r.Failed {
		out.Failed[fmt.Sprintf("%d/%s", year, t)] = err
	}
	return out
}

// PartPath returns the part file of one county and year.
func (p *Pipeline) PartPath(year int, county string) string {
	return filepath.Join(p.PartsDir(year), cache.SanitizePartition(county)+".csv")
}

// FetchAndWrite handles one county: cached fetch, transform and part file.
// The previous part file is removed first, so a county that fails or yields
// no rows has no part in the aggregate.
func (p *Pipeline) FetchAndWrite(ctx context.Context, year int, county string, limiter ratelimit.Limiter) error {
	out := p.PartPath(year, county)
	if err := csvout.Remove(out); err != nil {
		return err
	}

	records, err := p.CountyRecords(ctx, year, county, limiter)
	if err != nil {
		return err
	}

	rows := p.transformer.ForPartition(county).TransformAll(records, p.table)
	p.logger.Info().
		Int("year", year).
		Str("partition", county).
		Int("rows", len(rows)).
		Str("path", out).
		Msg("Writing county rows")

	if _, err := csvout.Write(out, Columns, ToCSV(rows)); err != nil {
		return fmt.Errorf("write part %s: %w", county, err)
	}
	return nil
}

// CountyRecords returns the raw records of one county and year, reading
// the cached response when present.
func (p *Pipeline) CountyRecords(ctx context.Context, year int, county string, limiter ratelimit.Limiter) ([]transform.Record, error) {
	key := ResponseKey(year, county)
	resp, err := p.store.Fetch(ctx, key, func(ctx context.Context) (*client.Result, error) {
		return p.client.Get(ctx, client.Request{
			Dataset: Dataset,
			Path:    "/api_GET",
			Params: url.Values{
				"key":         {p.cfg.APIKey},
				"source_desc": {p.cfg.SourceDesc},
				"year":        {strconv.Itoa(year)},
				"county_name": {county},
			},
			Expect:  client.ContentJSON,
			Limiter: limiter,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	if resp.IsError {
		p.logger.Warn().Str("partition", county).Str("path", key.ErrorName()).Msg("Cached API error, no records")
		return nil, nil
	}

	records, found, err := DecodeRecords(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if !found {
		p.logger.Warn().Str("partition", county).Msg("No api records found for county")
		return nil, nil
	}
	p.logger.Debug().Str("partition", county).Int("records", len(records)).Msg("Read api records")
	return records, nil
}

// DecodeRecords parses an api_GET response. found is false when the
// response has no "data" member.
func DecodeRecords(body []byte) (records []transform.Record, found bool, err error) {
	var resp struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, err
	}
	if resp.Data == nil {
		// "data": [] decodes to an empty, non-nil slice.
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(body, &probe); err != nil {
			return nil, false, err
		}
		if _, ok := probe["data"]; !ok {
			return nil, false, nil
		}
	}

	records = make([]transform.Record, 0, len(resp.Data))
	for _, d := range resp.Data {
		value, ok := d["value"]
		if !ok {
			value = d["Value"]
		}
		records = append(records, transform.Record{
			Code:             str(d["short_desc"]),
			Qualifier:        str(d["domaincat_desc"]),
			Value:            str(value),
			Date:             str(d["year"]),
			EntityCode:       str(d["county_code"]),
			ParentEntityCode: str(d["state_fips_code"]),
		})
	}
	return records, true, nil
}

// ToCSV converts rows to records in Columns order.
func ToCSV(rows []transform.Row) []csvout.Record {
	out := make([]csvout.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, csvout.Record{
			{Name: "variableMeasured", Value: r.Variable},
			{Name: "observationDate", Value: r.Date},
			{Name: "observationAbout", Value: r.Entity},
			{Name: "value", Value: transform.FormatValue(r.Value)},
			{Name: "unit", Value: r.Unit},
		})
	}
	return out
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
