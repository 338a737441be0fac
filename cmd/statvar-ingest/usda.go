package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/statvar-ingest/pkg/mapping"
	"github.com/Sternrassler/statvar-ingest/pkg/pool"
	"github.com/Sternrassler/statvar-ingest/pkg/secrets"
	"github.com/Sternrassler/statvar-ingest/pkg/usda"
)

type usdaOptions struct {
	apiKey        string
	baseURL       string
	svFile        string
	year          int
	from          int
	to            int
	allYears      bool
	strictMapping bool
	gcsBucket     string
	gcsObject     string
}

func newUSDACmd(cfg *Config) *cobra.Command {
	opts := usdaOptions{
		apiKey:    getEnv("USDA_API_KEY", ""),
		baseURL:   getEnv("USDA_BASE_URL", usda.DefaultBaseURL),
		svFile:    getEnv("USDA_SV_FILE", "sv.csv"),
		gcsBucket: getEnv("STATVAR_GCS_BUCKET", secrets.DefaultBucket),
		gcsObject: getEnv("STATVAR_GCS_OBJECT", secrets.DefaultObject),
	}

	cmd := &cobra.Command{
		Use:   "usda [--year N | --from A --to B | --all-years]",
		Short: "Fetch QuickStats survey data per county and write per-year aggregates.",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := opts.years()
			if err != nil {
				return err
			}
			report, err := runUSDA(cmd.Context(), cfg, &opts, from, to)
			return finish(cfg, report, err)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.apiKey, "api-key", opts.apiKey, "QuickStats API key (falls back to the cloud config blob)")
	f.StringVar(&opts.baseURL, "base-url", opts.baseURL, "QuickStats API base URL")
	f.StringVar(&opts.svFile, "sv-file", opts.svFile, "Mapping table with columns name,sv,unit")
	f.IntVar(&opts.year, "year", 0, "Single survey year (default 2023)")
	f.IntVar(&opts.from, "from", 0, "First year of a range")
	f.IntVar(&opts.to, "to", 0, "Last year of a range")
	f.BoolVar(&opts.allYears, "all-years", false, fmt.Sprintf("Process %d through %d", usda.FirstYear, usda.LastYear))
	f.BoolVar(&opts.strictMapping, "strict-mapping", false, "Fail on duplicate codes in the mapping table")
	f.StringVar(&opts.gcsBucket, "gcs-bucket", opts.gcsBucket, "Bucket of the cloud config blob")
	f.StringVar(&opts.gcsObject, "gcs-object", opts.gcsObject, "Object of the cloud config blob")
	return cmd
}

// years resolves the year flags to an inclusive range.
func (o *usdaOptions) years() (int, int, error) {
	switch {
	case o.allYears:
		return usda.FirstYear, usda.LastYear, nil
	case o.from != 0 || o.to != 0:
		if o.from == 0 || o.to == 0 || o.from > o.to {
			return 0, 0, fmt.Errorf("invalid year range %d..%d", o.from, o.to)
		}
		return o.from, o.to, nil
	case o.year != 0:
		return o.year, o.year, nil
	default:
		return usda.LastYear, usda.LastYear, nil
	}
}

// keySource resolves the API key from the flag, the environment, then the
// cloud config blob. Storage credentials are only needed for the last.
func (o *usdaOptions) keySource() secrets.Source {
	return secrets.Chain{
		secrets.Static{usda.APIKeyName: o.apiKey},
		secrets.Env{},
		&secrets.Lazy{New: func(ctx context.Context) (secrets.Source, error) {
			reader, err := secrets.NewGCSReader(ctx)
			if err != nil {
				return nil, err
			}
			return secrets.NewBlobSource(reader, o.gcsBucket, o.gcsObject), nil
		}},
	}
}

func runUSDA(ctx context.Context, cfg *Config, opts *usdaOptions, from, to int) (*pool.Report, error) {
	table, err := mapping.LoadFile(opts.svFile, mapping.USDAColumns, mapping.Options{Strict: opts.strictMapping})
	if err != nil {
		return nil, err
	}

	apiKey, err := opts.keySource().Get(ctx, usda.APIKeyName)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, fmt.Errorf("no USDA API key: set --api-key, USDA_API_KEY or the cloud config: %w", err)
		}
		return nil, fmt.Errorf("load USDA API key: %w", err)
	}

	deps, err := setup(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer deps.Close()

	c, err := deps.newClient(cfg, opts.baseURL, nil)
	if err != nil {
		return nil, err
	}

	pipeline := usda.New(usda.Config{APIKey: apiKey, OutputDir: cfg.OutputDir}, c, deps.store, table,
		deps.newExecutor(cfg, fmt.Sprintf("usda-%d-%d", from, to)))

	deps.logger.Info().
		Int("from", from).
		Int("to", to).
		Int("mapped_codes", table.Len()).
		Msg("Starting USDA ingestion")
	return pipeline.ProcessYears(ctx, from, to)
}
