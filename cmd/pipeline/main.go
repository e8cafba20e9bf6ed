package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/sf19-97/SPtraderB-sub003/internal/archive"
	"github.com/sf19-97/SPtraderB-sub003/internal/cascade"
	"github.com/sf19-97/SPtraderB-sub003/internal/config"
	"github.com/sf19-97/SPtraderB-sub003/internal/feed"
	"github.com/sf19-97/SPtraderB-sub003/internal/gaps"
	"github.com/sf19-97/SPtraderB-sub003/internal/ingest"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/materialize"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
	"github.com/sf19-97/SPtraderB-sub003/internal/normalize"
	"github.com/sf19-97/SPtraderB-sub003/internal/postgres"
	"github.com/sf19-97/SPtraderB-sub003/internal/verify"
)

const _usage = `usage: pipeline <command> [flags]

commands:
  import              ingest raw ticks for a date range
  update              ingest from the newest archived hour to the latest upstream hour
  materialize         build the candle cascade into the aggregate store
  materialize-update  materialize incrementally from the stored watermark
  migrate             fold archived ticks into monthly candle artifacts
  candle-update       refresh the current month's candle artifacts
  backfill            detect coverage gaps and repair them
  verify              run integrity checks over the aggregate store
  normalize           re-deduplicate damaged tick partitions
  heal                replay a mis-ingested day under corrected options
`

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

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, _usage)
		os.Exit(2)
	}

	a := &app{logger: zapLogger}
	commands := map[string]func(context.Context, []string) error{
		"import":             a.runImport,
		"update":             a.runUpdate,
		"materialize":        a.runMaterialize,
		"materialize-update": a.runMaterializeUpdate,
		"migrate":            a.runMigrate,
		"candle-update":      a.runCandleUpdate,
		"backfill":           a.runBackfill,
		"verify":             a.runVerify,
		"normalize":          a.runNormalize,
		"heal":               a.runHeal,
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprint(os.Stderr, _usage)
		os.Exit(2)
	}

	if err := cmd(ctx, os.Args[2:]); err != nil {
		zapLogger.Errorf("%s: %s failed", err, os.Args[1])
		os.Exit(1)
	}
}

type app struct {
	cfg    config.Config
	store  *archive.Store
	logger logger.Logger
}

// commonFlags are shared by every subcommand. Each subcommand owns
// its FlagSet so command-specific flags stay local.
type commonFlags struct {
	cfgPath string
	symbol  string
	from    string
	to      string
}

func (a *app) bind(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.cfgPath, "config", "./configs/pipeline.yaml", "pipeline config file")
	fs.StringVar(&c.symbol, "symbol", "", "instrument symbol, e.g. EURUSD")
	fs.StringVar(&c.from, "from", "", "range start, YYYY-MM-DD or RFC3339")
	fs.StringVar(&c.to, "to", "", "range end (exclusive), YYYY-MM-DD or RFC3339")
	return c
}

func (a *app) setup(c *commonFlags) error {
	cfg, err := config.LoadConfig(c.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if c.symbol == "" {
		return fmt.Errorf("-symbol is required")
	}
	c.symbol = strings.ToUpper(c.symbol)

	a.store, err = archive.NewStore(cfg.Archive.Root, a.logger)
	return err
}

func parseStamp(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (c *commonFlags) window() (time.Time, time.Time, error) {
	if c.from == "" || c.to == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("-from and -to are required")
	}
	from, err := parseStamp(c.from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: can't parse -from", err)
	}
	to, err := parseStamp(c.to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: can't parse -to", err)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("-to must be after -from")
	}
	return from.UTC(), to.UTC(), nil
}

func (a *app) connectDB() (*sqlx.DB, error) {
	pgConfig := postgres.NewConfigFromEnv().Setup()
	a.logger.Debugf("trying to connect to db with: %s", pgConfig)
	return postgres.NewDB(pgConfig)
}

func (a *app) ingestor() *ingest.Ingestor {
	feedClient := feed.NewClient(a.cfg.Feed, a.logger)
	return ingest.New(feedClient, a.store, a.cfg.Ingest, a.cfg.Archive.SourceTimezone, a.logger)
}

// reportFailures prints the per-range error list. A failed range
// never hides the ranges that did succeed.
func (a *app) reportFailures(failed []ingest.RangeError) error {
	for _, f := range failed {
		a.logger.Errorf("range [%s, %s): %s", f.Start.Format(time.RFC3339), f.End.Format(time.RFC3339), f.Err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d ranges failed", len(failed))
	}
	return nil
}

func (a *app) runImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	c := a.bind(fs)
	concurrency := fs.Int("concurrency", 0, "override ingest concurrency")
	delayMs := fs.Int("delay-ms", 0, "override delay between chunk dispatches")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.setup(c); err != nil {
		return err
	}
	if *concurrency > 0 {
		a.cfg.Ingest.Concurrency = *concurrency
	}
	if *delayMs > 0 {
		a.cfg.Ingest.DelayMs = *delayMs
	}

	from, to, err := c.window()
	if err != nil {
		return err
	}
	report, err := a.ingestor().Run(ctx, c.symbol, from, to)
	if err != nil {
		return err
	}
	a.logger.Infof("%s: %d chunks written, %d not yet available", c.symbol, report.ChunksWritten, len(report.NotYetAvailable))
	return a.reportFailures(report.Failed)
}

func (a *app) runUpdate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	c := a.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.setup(c); err != nil {
		return err
	}

	feedClient := feed.NewClient(a.cfg.Feed, a.logger)
	latest, err := feedClient.LatestAvailableHour(ctx, c.symbol)
	if err != nil {
		return fmt.Errorf("%w: can't find latest upstream hour", err)
	}

	from, err := parseStamp(c.from)
	if c.from == "" || err != nil {
		// Resume from the newest archived partition.
		hours, listErr := a.store.ListPartitions(c.symbol, time.Time{}, latest.Add(time.Hour))
		if listErr != nil {
			return listErr
		}
		if len(hours) == 0 {
			return fmt.Errorf("no archived partitions for %s, run import with an explicit -from first", c.symbol)
		}
		from = hours[len(hours)-1].Add(time.Hour)
	}
	to := latest.Add(time.Hour)
	if !to.After(from) {
		a.logger.Infof("%s: archive already at upstream head %s", c.symbol, latest.Format(time.RFC3339))
		return nil
	}

	report, err := ingest.New(feedClient, a.store, a.cfg.Ingest, a.cfg.Archive.SourceTimezone, a.logger).Run(ctx, c.symbol, from.UTC(), to)
	if err != nil {
		return err
	}
	a.logger.Infof("%s: caught up %d chunks to %s", c.symbol, report.ChunksWritten, latest.Format(time.RFC3339))
	return a.reportFailures(report.Failed)
}

func (a *app) cascadeInto(db *sqlx.DB) (*cascade.Cascade, *materialize.Store, error) {
	matStore := materialize.NewStore(db, a.logger)
	casc, err := cascade.New(a.cfg.Levels, a.store, matStore, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return casc, matStore, nil
}

func (a *app) runMaterialize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("materialize", flag.ExitOnError)
	c := a.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.setup(c); err != nil {
		return err
	}
	from, to, err := c.window()
	if err != nil {
		return err
	}

	db, err := a.connectDB()
	if err != nil {
		return err
	}
	casc, matStore, err := a.cascadeInto(db)
	if err != nil {
		return err
	}
	if err := matStore.EnsureSchema(ctx, casc.Timeframes()); err != nil {
		return err
	}
	return casc.Build(ctx, c.symbol, from, to)
}

func (a *app) runMaterializeUpdate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("materialize-update", flag.ExitOnError)
	c := a.bind(fs)
	fallbackDays := fs.Int("fallback-days", 7, "how far back to start when no watermark exists")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.setup(c); err != nil {
		return err
	}

	db, err := a.connectDB()
	if err != nil {
		return err
	}
	casc, matStore, err := a.cascadeInto(db)
	if err != nil {
		return err
	}
	if err := matStore.EnsureSchema(ctx, casc.Timeframes()); err != nil {
		return err
	}

	now := time.Now().UTC()
	base := casc.Timeframes()[0]
	from, err := matStore.IncrementalFrom(ctx, c.symbol, base, now.AddDate(0, 0, -*fallbackDays))
	if err != nil {
		return err
	}
	a.logger.Infof("%s: materializing from watermark %s", c.symbol, from.Format(time.RFC3339))
	return casc.Build(ctx, c.symbol, from, now)
}

// runMigrate folds archived ticks straight into monthly candle
// artifacts in the cold store, level by level, without touching the
// database.
func (a *app) runMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	c := a.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.setup(c); err != nil {
		return err
	}
	from, to, err := c.window()
	if err != nil {
		return err
	}
	return a.migrateMonths(ctx, c.symbol, from, to)
}

func (a *app) runCandleUpdate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("candle-update", flag.ExitOnError)
	c := a.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.setup(c); err != nil {
		return err
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return a.migrateMonths(ctx, c.symbol, monthStart, now)
}

func (a *app) migrateMonths(ctx context.Context, symbol string, from, to time.Time) error {
	monthOf := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}

	for month := monthOf(from); month.Before(to); month = month.AddDate(0, 1, 0) {
		if err := ctx.Err(); err != nil {
			return err
		}
		monthEnd := month.AddDate(0, 1, 0)

		ticks, err := a.store.ReadRange(symbol, month, monthEnd)
		if err != nil {
			return fmt.Errorf("%w: can't read ticks for %s", err, month.Format("2006-01"))
		}
		if len(ticks) == 0 {
			continue
		}

		var child []model.Candle
		for _, lvl := range a.cfg.Levels {
			var bars []model.Candle
			if lvl.Parent == "" {
				bars, err = cascade.BucketTicks(symbol, lvl.Timeframe, ticks)
			} else {
				bars, err = cascade.RebucketBars(symbol, lvl.Timeframe, child)
			}
			if err != nil {
				return err
			}
			if err := a.store.WriteCandleArtifact(symbol, lvl.Timeframe, month, bars); err != nil {
				return fmt.Errorf("%w: can't write %s artifact for %s", err, lvl.Timeframe, month.Format("2006-01"))
			}
			child = bars
		}
		a.logger.Infof("%s: migrated %s (%d ticks)", symbol, month.Format("2006-01"), len(ticks))
	}
	return nil
}

func (a *app) runBackfill(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	c := a.bind(fs)
	dryRun := fs.Bool("dry-run", false, "report the repair plan without executing it")
	tail := fs.Bool("tail", false, "scan only beyond the most recent large gap")
	minGapHours := fs.Int("min-gap-hours", 4, "minimum gap treated as large in tail mode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.setup(c); err != nil {
		return err
	}
	from, to, err := c.window()
	if err != nil {
		return err
	}

	detector := gaps.NewDetector(a.store, gaps.WeeklyCalendar{}, a.logger)
	var found []model.GapRecord
	if *tail {
		found, err = detector.DetectTail(c.symbol, from, to, time.Duration(*minGapHours)*time.Hour)
	} else {
		found, err = detector.Detect(c.symbol, from, to)
	}
	if err != nil {
		return err
	}
	if len(found) == 0 {
		a.logger.Infof("%s: no gaps in [%s, %s)", c.symbol, from.Format(time.RFC3339), to.Format(time.RFC3339))
		return nil
	}

	db, err := a.connectDB()
	if err != nil {
		return err
	}
	casc, matStore, err := a.cascadeInto(db)
	if err != nil {
		return err
	}
	if err := matStore.EnsureSchema(ctx, casc.Timeframes()); err != nil {
		return err
	}

	backfiller := gaps.NewBackfiller(a.ingestor(), func(ctx context.Context, symbol string, from, to time.Time) error {
		return casc.Build(ctx, symbol, from, to)
	}, a.logger)

	report, err := backfiller.Run(ctx, found, *dryRun)
	if err != nil {
		return err
	}
	a.logger.Infof("%s: %d/%d gaps resolved", c.symbol, report.Resolved, len(report.Gaps))
	return a.reportFailures(report.Failed)
}

func (a *app) runVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	c := a.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.setup(c); err != nil {
		return err
	}
	from, to, err := c.window()
	if err != nil {
		return err
	}

	db, err := a.connectDB()
	if err != nil {
		return err
	}
	matStore := materialize.NewStore(db, a.logger)
	verifier := verify.New(matStore, gaps.WeeklyCalendar{}, a.logger)

	errors := 0
	report := func(violations []verify.Violation) {
		for _, v := range violations {
			if v.Severity == verify.SeverityError {
				errors++
				a.logger.Errorf("%s %s %s at %s: %s", v.Kind, v.Symbol, v.Timeframe, v.At.Format(time.RFC3339), v.Detail)
			} else {
				a.logger.Warnf("%s %s %s at %s: %s", v.Kind, v.Symbol, v.Timeframe, v.At.Format(time.RFC3339), v.Detail)
			}
		}
	}

	for _, lvl := range a.cfg.Levels {
		violations, err := verifier.Check(ctx, c.symbol, lvl.Timeframe, from, to)
		if err != nil {
			return err
		}
		report(violations)

		if lvl.Parent != "" {
			violations, err = verifier.CheckAlignment(ctx, c.symbol, lvl.Timeframe, lvl.Parent, from, to)
			if err != nil {
				return err
			}
			report(violations)
		}
	}
	if errors > 0 {
		return fmt.Errorf("%d integrity errors", errors)
	}
	a.logger.Infof("%s: verified clean", c.symbol)
	return nil
}

func (a *app) runNormalize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("normalize", flag.ExitOnError)
	c := a.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.setup(c); err != nil {
		return err
	}
	from, to, err := c.window()
	if err != nil {
		return err
	}

	report, err := normalize.NewNormalizer(a.store, a.logger).Normalize(c.symbol, from, to)
	if err != nil {
		return err
	}
	a.logger.Infof("%s: scanned %d partitions, rewrote %d, removed %d duplicates",
		c.symbol, report.Scanned, report.Rewritten, report.Removed)
	return nil
}

func (a *app) runHeal(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("heal", flag.ExitOnError)
	c := a.bind(fs)
	day := fs.String("day", "", "UTC day to replay, YYYY-MM-DD")
	sourceTZ := fs.String("source-tz", "UTC", "corrected source timezone label")
	offsetHours := fs.Int("offset-hours", 0, "correction added to upstream timestamps")
	deleteSource := fs.Bool("delete-source", false, "also remove neighbouring partitions the mis-shifted ticks landed in")
	dryRun := fs.Bool("dry-run", false, "report the rebuild plan without writing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.setup(c); err != nil {
		return err
	}
	if *day == "" {
		return fmt.Errorf("-day is required")
	}
	dayStart, err := time.Parse("2006-01-02", *day)
	if err != nil {
		return fmt.Errorf("%w: can't parse -day", err)
	}

	healer := normalize.NewHealer(feed.NewClient(a.cfg.Feed, a.logger), a.store, a.logger)
	report, err := healer.Heal(ctx, c.symbol, dayStart.UTC(), normalize.HealOptions{
		SourceTZ:     *sourceTZ,
		Offset:       time.Duration(*offsetHours) * time.Hour,
		DryRun:       *dryRun,
		DeleteSource: *deleteSource,
	})
	if err != nil {
		return err
	}
	a.logger.Infof("%s: rebuilt %d partitions, %d upstream hours unavailable",
		c.symbol, len(report.Rebuilt), len(report.Skipped))
	return a.reportFailures(report.Failed)
}
