// Command statvar-ingest fetches USDA QuickStats and WTO timeseries data,
// caches the raw responses and writes statistical variable observations.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/statvar-ingest/pkg/cache"
	"github.com/Sternrassler/statvar-ingest/pkg/client"
	"github.com/Sternrassler/statvar-ingest/pkg/logging"
	"github.com/Sternrassler/statvar-ingest/pkg/metrics"
	"github.com/Sternrassler/statvar-ingest/pkg/pool"
	"github.com/Sternrassler/statvar-ingest/pkg/ratelimit"
)

const (
	backendFile  = "file"
	backendRedis = "redis"
)

// errPartitionsFailed marks a run that finished with failed partitions.
var errPartitionsFailed = errors.New("one or more partitions failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(loadConfig()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(cfg Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "statvar-ingest",
		Short:         "Ingest USDA QuickStats and WTO timeseries data as statistical variable observations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(logging.Config{
				Level:  logging.LogLevel(cfg.LogLevel),
				Pretty: cfg.Pretty,
				Output: cmd.ErrOrStderr(),
			})
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for cached responses and CSV output")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.Pretty, "pretty", cfg.Pretty, "Human-readable console logs")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the shared rate limiter and redis cache backend")
	flags.StringVar(&cfg.CacheBackend, "cache-backend", cfg.CacheBackend, "Response cache backend (file, redis)")
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent partitions (0 = max(2, cores-1))")
	flags.DurationVar(&cfg.RateDelay, "rate-delay", cfg.RateDelay, "Hold time of the shared rate limiter per call")
	flags.DurationVar(&cfg.Timeout, "http-timeout", cfg.Timeout, "Per-request timeout (0 = none)")
	flags.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "Write Prometheus metrics to this textfile when the run ends")
	flags.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "User-Agent header")

	root.AddCommand(newUSDACmd(&cfg), newWTOCmd(&cfg))
	return root
}

// runtimeDeps are the shared collaborators built from Config.
type runtimeDeps struct {
	limiter ratelimit.Limiter
	store   *cache.Store
	redis   *redis.Client
	logger  zerolog.Logger
}

func (d *runtimeDeps) Close() {
	if d.redis != nil {
		d.redis.Close()
	}
}

// newClient builds an API client sharing the run's limiter.
func (d *runtimeDeps) newClient(cfg *Config, baseURL string, headers map[string]string) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:   baseURL,
		Headers:   headers,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
		Limiter:   d.limiter,
	})
}

// newExecutor builds a fan-out executor sharing the run's limiter.
func (d *runtimeDeps) newExecutor(cfg *Config, name string) *pool.Executor {
	return pool.New(pool.Config{Workers: cfg.Workers, Name: name}, d.limiter)
}

func setup(ctx context.Context, cfg *Config) (*runtimeDeps, error) {
	d := &runtimeDeps{logger: logging.NewLogger("main")}

	if cfg.RedisAddr != "" {
		d.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			d.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		d.logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		d.limiter = ratelimit.NewRedisLimiter(d.redis, "", cfg.RateDelay, logging.NewLogger("ratelimit"))
	} else {
		d.limiter = ratelimit.NewMutexLimiter(cfg.RateDelay)
	}

	switch cfg.CacheBackend {
	case "", backendFile:
		d.store = cache.NewStore(cache.NewFileBackend(cfg.OutputDir))
	case backendRedis:
		if d.redis == nil {
			return nil, errors.New("cache backend redis requires --redis-addr")
		}
		d.store = cache.NewStore(cache.NewRedisBackend(d.redis, ""))
	default:
		d.Close()
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}

	d.logger.Info().
		Str("output_dir", cfg.OutputDir).
		Str("cache_backend", d.store.Backend().Kind()).
		Dur("rate_delay", cfg.RateDelay).
		Msg("Runtime ready")
	return d, nil
}

// finish writes the metrics textfile and turns failed partitions into an
// error so the process exits non-zero after all output was written.
func finish(cfg *Config, report *pool.Report, runErr error) error {
	if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
		log.Error().Err(err).Msg("Failed to write metrics")
	}
	if runErr != nil {
		return runErr
	}
	if report == nil {
		return nil
	}
	if err := report.Err(); err != nil {
		log.Error().
			Int("failed", len(report.Failed)).
			Int("total", report.Total).
			Msg("Run finished with failed partitions")
		return fmt.Errorf("%w: %d of %d", errPartitionsFailed, len(report.Failed), report.Total)
	}
	return nil
}
