// Command aggregator wires the engine's config, logging, metrics and
// outbound sink together and drives one run of the pipeline. It is a thin
// wiring entry point, not a CLI framework: no flags, one environment-driven
// config path, the same division of labor as the teacher's cost-agent and
// api-server commands.
//
// The columnar-file reader over object storage is out of scope (spec.md
// §1, an external collaborator specified only by the Source interface
// below); this command expects it to be supplied by the deployment.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/config"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/pipeline"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/sink"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/telemetry"
)

// Source materializes one run's worth of inbound rows (spec.md §6 Inbound).
// Implemented by the external columnar-file reader; this command only
// depends on the interface.
type Source interface {
	Load(ctx context.Context) (pipeline.Inputs, error)
}

// source is the deployment-supplied Source. A production build registers a
// real implementation from an init() in a sibling file or a build-tagged
// variant; left nil here since the reader is out of scope.
var source Source

func main() {
	configPath := os.Getenv("AGGREGATOR_CONFIG_FILE")
	log.Printf("configPath: %s", configPath)

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := telemetry.NewLogger()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("shutdown signal received")
		cancel()
	}()

	if source == nil {
		logger.Fatal("no Source wired: the columnar-file reader is an external collaborator and must be registered before main runs")
	}

	p := &pipeline.Pipeline{Log: logger, Metrics: metrics, Cfg: *cfg}

	if err := runOnce(ctx, logger, p, cfg); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

// loadConfig mirrors the teacher's env-var-or-file config resolution: an
// empty path skips the config file and returns config.DefaultConfig()
// unchanged (no environment overlay is applied), matching
// AGENT_CONFIG_FILE's "skip config file" convention.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		c := config.DefaultConfig()
		return &c, nil
	}
	return config.LoadConfig(path)
}

// runOnce loads one run's inputs, executes the pipeline, and writes the
// result through the sink selected by performance.use_bulk_copy.
func runOnce(ctx context.Context, logger *zap.Logger, p *pipeline.Pipeline, cfg *config.Config) error {
	timer := telemetry.StartTimer(logger, "aggregator_run")
	var runErr error
	defer func() { timer.Stop(runErr) }()

	in, err := source.Load(ctx)
	if err != nil {
		runErr = err
		return err
	}

	out, err := p.Run(ctx, in)
	if err != nil {
		runErr = err
		return err
	}

	logger.Info("run produced rows",
		zap.Int("rows", len(out.Rows)),
		zap.Float64("resource_match_rate", out.Diagnostics.ResourceMatchRate),
		zap.Bool("low_resource_match_rate", out.Diagnostics.LowResourceMatchRate),
		zap.Int("discarded_dedupes", out.Diagnostics.DiscardedDedupes),
	)

	dsn := os.Getenv("AGGREGATOR_DATABASE_DSN")
	if dsn == "" {
		logger.Warn("AGGREGATOR_DATABASE_DSN not set, skipping write")
		return nil
	}

	if cfg.Performance.UseBulkCopy {
		loader, err := sink.OpenBulkLoader(dsn)
		if err != nil {
			runErr = err
			return err
		}
		defer loader.Close()
		if err := loader.WriteAll(ctx, out.Rows); err != nil {
			runErr = err
			return err
		}
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		runErr = err
		return err
	}
	defer pool.Close()

	s := sink.NewPGXSink(pool)
	if err := s.Begin(ctx); err != nil {
		runErr = err
		return err
	}
	const writeChunkSize = 5000
	for start := 0; start < len(out.Rows); start += writeChunkSize {
		end := start + writeChunkSize
		if end > len(out.Rows) {
			end = len(out.Rows)
		}
		if err := s.Write(ctx, out.Rows[start:end]); err != nil {
			_ = s.Rollback(ctx)
			runErr = err
			return err
		}
	}
	if err := s.Commit(ctx); err != nil {
		runErr = err
		return err
	}
	return nil
}
