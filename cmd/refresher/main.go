package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sf19-97/SPtraderB-sub003/internal/archive"
	"github.com/sf19-97/SPtraderB-sub003/internal/cascade"
	"github.com/sf19-97/SPtraderB-sub003/internal/config"
	"github.com/sf19-97/SPtraderB-sub003/internal/feed"
	"github.com/sf19-97/SPtraderB-sub003/internal/ingest"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/materialize"
	"github.com/sf19-97/SPtraderB-sub003/internal/postgres"
	"github.com/sf19-97/SPtraderB-sub003/internal/schedule"
	"github.com/sf19-97/SPtraderB-sub003/internal/server"
)

const (
	_cfgFilePath = "./configs/pipeline.yaml"
)

func main() {
	zapLogger, loggerSync, err := logger.NewZapLogger(logger.Info)
	if err != nil {
		log.Fatalf("%s: can't init logger", err)
	}
	defer loggerSync()

	if err := godotenv.Load(); err != nil {
		zapLogger.Warnf("can't detect .env file")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadConfig(_cfgFilePath)
	if err != nil {
		zapLogger.Fatalf("%s: can't load pipeline cfg", err)
	}

	pgConfig := postgres.NewConfigFromEnv().Setup()
	zapLogger.Debugf("trying to connect to db with: %s", pgConfig)
	db, err := postgres.NewDB(pgConfig)
	if err != nil {
		zapLogger.Fatalf("%s: can't connect to db", err)
	}

	store, err := archive.NewStore(cfg.Archive.Root, zapLogger)
	if err != nil {
		zapLogger.Fatalf("%s: can't open archive", err)
	}

	feedClient := feed.NewClient(cfg.Feed, zapLogger)
	ingestor := ingest.New(feedClient, store, cfg.Ingest, cfg.Archive.SourceTimezone, zapLogger)

	matStore := materialize.NewStore(db, zapLogger)
	casc, err := cascade.New(cfg.Levels, store, matStore, zapLogger)
	if err != nil {
		zapLogger.Fatalf("%s: can't build cascade", err)
	}
	if err := matStore.EnsureSchema(ctx, casc.Timeframes()); err != nil {
		zapLogger.Fatalf("%s: can't ensure candle tables", err)
	}

	jobTable := schedule.NewPGJobTable(db)
	if err := jobTable.EnsureSchema(ctx); err != nil {
		zapLogger.Fatalf("%s: can't ensure job table", err)
	}

	sched := schedule.New(jobTable, zapLogger)
	if cfg.Refresh.AlignBoundary {
		sched.AlignToBoundary(cfg.Refresh.Interval())
	}
	for _, symbol := range cfg.Symbols {
		name := fmt.Sprintf("refresh_%s", strings.ToLower(symbol))
		if err := sched.Register(ctx, name, cfg.Refresh.Interval(), refreshJob(symbol, cfg.Refresh.Window(), ingestor, casc)); err != nil {
			zapLogger.Fatalf("%s: can't register job %s", err, name)
		}
	}
	if err := sched.Start(ctx, cfg.Refresh.PollEvery()); err != nil {
		zapLogger.Fatalf("%s: can't start scheduler", err)
	}
	zapLogger.Infof("refreshing %d symbols every %s", len(cfg.Symbols), cfg.Refresh.Interval())

	httpServer := server.New(ctx, cfg.Server, matStore, zapLogger)
	zapLogger.Infof("serving candles on :%s", cfg.Server.Port)
	if err := httpServer.Run(ctx); err != nil {
		zapLogger.Errorf("%s: http server stopped", err)
	}
}

// refreshJob ingests the trailing live window and folds it up the
// cascade. The current hour usually comes back not-yet-available
// upstream, which is not a failure.
func refreshJob(symbol string, window time.Duration, ingestor *ingest.Ingestor, casc *cascade.Cascade) schedule.JobFunc {
	return func(ctx context.Context) error {
		now := time.Now().UTC()
		from := now.Add(-window).Truncate(time.Hour)
		to := now.Truncate(time.Hour).Add(time.Hour)

		report, err := ingestor.Run(ctx, symbol, from, to)
		if err != nil {
			return err
		}
		if !report.OK() {
			return fmt.Errorf("%d chunks failed in [%s, %s)", len(report.Failed),
				from.Format(time.RFC3339), to.Format(time.RFC3339))
		}
		return casc.Build(ctx, symbol, from, now)
	}
}
