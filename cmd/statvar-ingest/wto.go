package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/statvar-ingest/pkg/mapping"
	"github.com/Sternrassler/statvar-ingest/pkg/pool"
	"github.com/Sternrassler/statvar-ingest/pkg/secrets"
	"github.com/Sternrassler/statvar-ingest/pkg/wto"
)

type wtoOptions struct {
	apiKey        string
	baseURL       string
	statVarsFile  string
	mode          string
	strictMapping bool
}

func newWTOCmd(cfg *Config) *cobra.Command {
	opts := wtoOptions{
		apiKey:       getEnv("WTO_API_KEY", ""),
		baseURL:      getEnv("WTO_BASE_URL", wto.DefaultBaseURL),
		statVarsFile: getEnv("WTO_STATVARS_FILE", "statvars.csv"),
	}

	cmd := &cobra.Command{
		Use:   "wto --mode " + strings.Join(append(append([]string(nil), wto.Modes...), wto.ModeAll), "|"),
		Short: "Fetch WTO indicators and indicator data and write observations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runWTO(cmd.Context(), cfg, &opts)
			return finish(cfg, report, err)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.mode, "mode", wto.ModeWriteIndicators, "One of "+strings.Join(wto.Modes, ", ")+", "+wto.ModeAll)
	f.StringVar(&opts.apiKey, "api-key", opts.apiKey, "WTO API subscription key")
	f.StringVar(&opts.baseURL, "base-url", opts.baseURL, "WTO timeseries API base URL")
	f.StringVar(&opts.statVarsFile, "statvars-file", opts.statVarsFile, "Mapping table with columns code,statVar,svObsUnit,multiplier")
	f.BoolVar(&opts.strictMapping, "strict-mapping", false, "Fail on duplicate codes in the mapping table")
	return cmd
}

func validMode(mode string) bool {
	return mode == wto.ModeAll || slices.Contains(wto.Modes, mode)
}

func runWTO(ctx context.Context, cfg *Config, opts *wtoOptions) (*pool.Report, error) {
	if !validMode(opts.mode) {
		return nil, fmt.Errorf("unknown mode %q", opts.mode)
	}

	table, err := mapping.LoadFile(opts.statVarsFile, mapping.WTOColumns, mapping.Options{Strict: opts.strictMapping})
	if err != nil {
		return nil, err
	}

	apiKey, err := secrets.Chain{secrets.Static{wto.APIKeyName: opts.apiKey}, secrets.Env{}}.Get(ctx, wto.APIKeyName)
	if err != nil && !errors.Is(err, secrets.ErrNotFound) {
		return nil, err
	}
	if apiKey == "" && opts.mode != wto.ModeWriteObservations {
		return nil, fmt.Errorf("mode %s needs a WTO API key: set --api-key or WTO_API_KEY", opts.mode)
	}

	deps, err := setup(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer deps.Close()

	c, err := deps.newClient(cfg, opts.baseURL, map[string]string{wto.APIKeyHeader: apiKey})
	if err != nil {
		return nil, err
	}

	pipeline := wto.New(wto.Config{OutputDir: cfg.OutputDir}, c, deps.store, table, deps.newExecutor(cfg, "wto-"+opts.mode))

	deps.logger.Info().
		Str("mode", opts.mode).
		Int("mapped_codes", table.Len()).
		Msg("Starting WTO ingestion")
	return pipeline.Run(ctx, opts.mode)
}
