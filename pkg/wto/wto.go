// Package wto ingests WTO timeseries indicator data.
//
// Layout under the output directory:
//
//	responses/indicators/indicators.json       cached indicator list
//	responses/indicator_data/{code}.zip        cached per-indicator archives
//	indicators.csv                             indicator list as CSV
//	observations/{code}.csv                    per-indicator observations
//	observations.csv                           aggregate of all observations
package wto

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Sternrassler/statvar-ingest/pkg/archive"
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
	Dataset = "wto"

	// DefaultBaseURL is the timeseries API root.
	DefaultBaseURL = "https://api.wto.org/timeseries/v1"

	// APIKeyHeader carries the subscription key.
	APIKeyHeader = "Ocp-Apim-Subscription-Key"

	// APIKeyName is the secret name of the subscription key.
	APIKeyName = "wto_api_key"
)

// Modes of a run.
const (
	ModeWriteIndicators    = "write_indicators"
	ModeFetchIndicatorData = "fetch_indicator_data"
	ModeWriteObservations  = "write_observations"
	ModeAll                = "all"
)

// Modes lists the valid modes in the order ModeAll runs them.
var Modes = []string{ModeWriteIndicators, ModeFetchIndicatorData, ModeWriteObservations}

// ErrIndicatorsUnavailable is returned when the indicator list is a cached
// API error.
var ErrIndicatorsUnavailable = errors.New("indicator list unavailable")

// ObservationColumns is the fixed column order of observation files.
var ObservationColumns = []string{
	"wto_code",
	"statVar",
	"reportingCountryCode",
	"partnerCountryCode",
	"productOrSectorCode",
	"year",
	"value",
	"unit",
}

var (
	indicatorsKey = cache.Key{Dataset: "responses/indicators", Partition: "indicators", Ext: "json"}

	// IndicatorDataDataset is the cache namespace of indicator archives.
	IndicatorDataDataset = "responses/indicator_data"
)

// DataRow is one row of an indicator data CSV.
type DataRow struct {
	IndicatorCode        string `csv:"Indicator Code"`
	ReportingEconomyCode string `csv:"Reporting Economy Code"`
	PartnerEconomyCode   string `csv:"Partner Economy Code"`
	ProductOrSectorCode  string `csv:"Product/Sector Code"`
	Year                 string `csv:"Year"`
	Value                string `csv:"Value"`
}

// Rules returns the indicator data rules: values must be numeric and the
// reporting economy code must be an integer, written without padding.
func Rules() transform.Rules {
	return transform.Rules{
		ResolveEntity: func(rec transform.Record) (string, bool) {
			code, err := strconv.Atoi(strings.TrimSpace(rec.EntityCode))
			if err != nil {
				return "", false
			}
			return strconv.Itoa(code), true
		},
	}
}

// Config holds pipeline configuration.
type Config struct {
	OutputDir string
}

// Pipeline fetches indicator archives and writes observations.
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
	return &Pipeline{
		cfg:         cfg,
		client:      c,
		store:       store,
		table:       table,
		executor:    executor,
		transformer: transform.New(Dataset, Rules()),
		logger:      logging.ForDataset("wto", Dataset),
	}
}

// IndicatorsPath returns the indicators CSV path.
func (p *Pipeline) IndicatorsPath() string {
	return filepath.Join(p.cfg.OutputDir, "indicators.csv")
}

// ObservationsDir returns the directory of per-indicator observation files.
func (p *Pipeline) ObservationsDir() string {
	return filepath.Join(p.cfg.OutputDir, "observations")
}

// ObservationsPath returns the aggregate observations CSV path.
func (p *Pipeline) ObservationsPath() string {
	return filepath.Join(p.cfg.OutputDir, "observations.csv")
}

// DataKey returns the cache key of one indicator's archive.
func DataKey(code string) cache.Key {
	return cache.Key{Dataset: IndicatorDataDataset, Partition: code, Ext: "zip"}
}

// Indicators returns the indicator list, fetching it once.
func (p *Pipeline) Indicators(ctx context.Context) ([]csvout.Record, error) {
	resp, err := p.store.Fetch(ctx, indicatorsKey, func(ctx context.Context) (*client.Result, error) {
		return p.client.Get(ctx, client.Request{
			Dataset: Dataset,
			Path:    "/indicators",
			Params: url.Values{
				"i":    {"all"},
				"t":    {"all"},
				"pc":   {"all"},
				"tp":   {"all"},
				"frq":  {"all"},
				"lang": {"1"},
			},
			Expect: client.ContentJSON,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch indicators: %w", err)
	}
	if resp.IsError {
		return nil, fmt.Errorf("%w: see %s", ErrIndicatorsUnavailable, indicatorsKey.ErrorName())
	}

	records, err := DecodeObjects(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode indicators: %w", err)
	}
	return records, nil
}

// IndicatorCodes returns the "code" of every indicator.
func (p *Pipeline) IndicatorCodes(ctx context.Context) ([]string, error) {
	records, err := p.Indicators(ctx)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(records))
	for _, r := range records {
		if code := r.Get("code"); code != "" {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

// WriteIndicators writes the indicator list with the columns of its first
// entry.
func (p *Pipeline) WriteIndicators(ctx context.Context) error {
	records, err := p.Indicators(ctx)
	if err != nil {
		return err
	}
	_, err = csvout.Write(p.IndicatorsPath(), nil, records)
	return err
}

// FetchAllIndicatorData fetches the archive of every indicator.
func (p *Pipeline) FetchAllIndicatorData(ctx context.Context) (*pool.Report, error) {
	codes, err := p.IndicatorCodes(ctx)
	if err != nil {
		return nil, err
	}
	p.logger.Info().Int("indicators", len(codes)).Msg("Fetching indicator data")
	return p.executor.Run(ctx, codes, p.FetchIndicatorData), nil
}

// FetchIndicatorData fetches one indicator's archive into the cache.
func (p *Pipeline) FetchIndicatorData(ctx context.Context, code string, limiter ratelimit.Limiter) error {
	key := DataKey(code)
	resp, err := p.store.Fetch(ctx, key, func(ctx context.Context) (*client.Result, error) {
		return p.client.Get(ctx, client.Request{
			Dataset: Dataset,
			Path:    "/data",
			Params: url.Values{
				"i":    {code},
				"r":    {"all"},
				"p":    {"all"},
				"ps":   {"all"},
				"pc":   {"all"},
				"fmt":  {"csv"},
				"mode": {"full"},
				"lang": {"1"},
				"meta": {"false"},
			},
			Expect:  client.ContentZip,
			Limiter: limiter,
		})
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	if resp.IsError {
		p.logger.Warn().Str("partition", code).Str("path", key.ErrorName()).Msg("Indicator data is a cached API error")
	}
	return nil
}

// WriteAllObservations writes observations for every cached archive.
// Partitions come from the cache listing, in its enumeration order.
func (p *Pipeline) WriteAllObservations(ctx context.Context) (*pool.Report, error) {
	keys, err := p.store.List(ctx, IndicatorDataDataset, "zip")
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(keys))
	for _, k := range keys {
		codes = append(codes, k.Partition)
	}
	p.logger.Info().Int("archives", len(codes)).Msg("Writing observations")

	removed, err := csvout.Clear(p.ObservationsDir())
	if err != nil {
		return nil, fmt.Errorf("clear observations: %w", err)
	}
	if removed > 0 {
		p.logger.Debug().Int("removed", removed).Msg("Removed observation files of an earlier run")
	}

	return p.executor.Run(ctx, codes, func(ctx context.Context, code string, _ ratelimit.Limiter) error {
		return p.WriteObservations(ctx, code)
	}), nil
}

// ObservationPath returns the observation file of one indicator.
func (p *Pipeline) ObservationPath(code string) string {
	return filepath.Join(p.ObservationsDir(), cache.SanitizePartition(code)+".csv")
}

// WriteObservations transforms one cached archive into its observation file.
// The previous file is removed first, so an indicator that fails or yields
// no rows has no part in the aggregate.
func (p *Pipeline) WriteObservations(ctx context.Context, code string) error {
	out := p.ObservationPath(code)
	if err := csvout.Remove(out); err != nil {
		return err
	}

	rows, err := p.ObservationRows(ctx, code)
	if err != nil {
		return err
	}
	_, err = csvout.Write(out, ObservationColumns, rows)
	return err
}

// ObservationRows returns the observation rows of one cached archive.
// Archives that do not hold exactly one file and archives whose indicator
// has no statistical variable yield no rows.
func (p *Pipeline) ObservationRows(ctx context.Context, code string) ([]csvout.Record, error) {
	key := DataKey(code)
	logger := p.logger.With().Str("partition", code).Str("path", key.Name()).Logger()

	resp, err := p.store.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if resp.IsError {
		logger.Warn().Msg("SKIPPED cached API error")
		return nil, nil
	}

	var data []DataRow
	member, err := archive.ReadSingleCSV(resp.Body, &data)
	if err != nil {
		if errors.Is(err, archive.ErrFileCount) {
			logger.Warn().Err(err).Msg("SKIPPED zip file, expected 1 file")
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	logger.Info().Str("file", member.Name).Int("rows", len(data)).Msg("Read csv rows from zip file")
	if len(data) == 0 {
		return nil, nil
	}

	wtoCode := data[0].IndicatorCode
	if _, ok := p.table.Lookup(wtoCode); !ok {
		logger.Warn().Str("code", wtoCode).Msg("SKIPPED zip file, no statVar mapped")
		return nil, nil
	}

	tr := p.transformer.ForPartition(code)
	rows := make([]csvout.Record, 0, len(data))
	for _, d := range data {
		row, ok := tr.Transform(transform.Record{
			Code:       wtoCode,
			Value:      d.Value,
			Date:       d.Year,
			EntityCode: d.ReportingEconomyCode,
		}, p.table)
		if !ok {
			continue
		}
		rows = append(rows, csvout.Record{
			{Name: "wto_code", Value: d.IndicatorCode},
			{Name: "statVar", Value: row.Variable},
			{Name: "reportingCountryCode", Value: row.Entity},
			{Name: "partnerCountryCode", Value: d.PartnerEconomyCode},
			{Name: "productOrSectorCode", Value: d.ProductOrSectorCode},
			{Name: "year", Value: row.Date},
			{Name: "value", Value: transform.FormatValue(row.Value)},
			{Name: "unit", Value: row.Unit},
		})
	}
	return rows, nil
}

// AggregateObservations merges all observation files into one.
func (p *Pipeline) AggregateObservations() error {
	_, err := csvout.Aggregate(p.ObservationsDir(), p.ObservationsPath(), ObservationColumns)
	return err
}

// Run executes one mode, or all of them in order for ModeAll. The returned
// report covers the fan-out steps that ran.
func (p *Pipeline) Run(ctx context.Context, mode string) (*pool.Report, error) {
	total := &pool.Report{}
	switch mode {
	case ModeWriteIndicators:
		return total, p.WriteIndicators(ctx)

	case ModeFetchIndicatorData:
		report, err := p.FetchAllIndicatorData(ctx)
		total.Merge(report)
		return total, err

	case ModeWriteObservations:
		report, err := p.WriteAllObservations(ctx)
		total.Merge(report)
		if err != nil {
			return total, err
		}
		return total, p.AggregateObservations()

	case ModeAll:
		for _, m := range Modes {
			report, err := p.Run(ctx, m)
			total.Merge(report)
			if err != nil {
				return total, fmt.Errorf("%s: %w", m, err)
			}
		}
		return total, nil

	default:
		return nil, fmt.Errorf("unknown mode %q, want one of %s or %s", mode, strings.Join(Modes, ", "), ModeAll)
	}
}
