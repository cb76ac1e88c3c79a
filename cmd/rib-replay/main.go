package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/rib-replay/internal/archive"
	"github.com/route-beacon/rib-replay/internal/config"
	"github.com/route-beacon/rib-replay/internal/db"
	ribhttp "github.com/route-beacon/rib-replay/internal/http"
	"github.com/route-beacon/rib-replay/internal/kafka"
	"github.com/route-beacon/rib-replay/internal/maintenance"
	"github.com/route-beacon/rib-replay/internal/metrics"
	"github.com/route-beacon/rib-replay/internal/observer"
	"github.com/route-beacon/rib-replay/internal/output"
	"github.com/route-beacon/rib-replay/internal/record"
	"github.com/route-beacon/rib-replay/internal/replay"
	"github.com/route-beacon/rib-replay/internal/rib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runReplay()
	case "plan":
		runPlan()
	case "normalize":
		runNormalize()
	case "cache":
		runCache()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rib-replay <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run           Rebuild collector RIBs and checkpoint observers")
	fmt.Println("  plan          Print the archive files a run would use")
	fmt.Println("  normalize     Print normalized records of an MRT file as JSON lines")
	fmt.Println("  cache         List the download cache")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Prune snapshots past the retention window")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>            Path to configuration YAML file")
	fmt.Println("  --log-level <lvl>          Override log level (debug, info, warn, error)")
	fmt.Println("  --date-range <start,end>   Override replay.date_range")
	fmt.Println("  --collector <name>         Replay this collector (repeatable)")
	fmt.Println("  --interval <seconds>       Override replay.interval")
	fmt.Println("  --output-filename <name>   Override replay.output_filename")
	fmt.Println("  --peer-ip <ip>             Restrict to this peer (repeatable)")
	fmt.Println("  --peer-asn <asn>           Restrict to this peer AS (repeatable)")
	fmt.Println("  --compare                  Compare against the snapshot at the end of the range")
}

type flags struct {
	configPath     string
	logLevel       string
	dateRange      string
	collectors     []string
	interval       int
	outputFilename string
	peerIPs        []string
	peerASNs       []string
	compare        bool
	args           []string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	value := func(i int) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", args[i])
		}
		return args[i+1], nil
	}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "--log-level", "--date-range", "--collector", "--interval",
			"--output-filename", "--peer-ip", "--peer-asn":
			v, err := value(i)
			if err != nil {
				return f, err
			}
			switch args[i] {
			case "--config":
				f.configPath = v
			case "--log-level":
				f.logLevel = v
			case "--date-range":
				f.dateRange = v
			case "--collector":
				f.collectors = append(f.collectors, v)
			case "--interval":
				n, err := strconv.Atoi(v)
				if err != nil {
					return f, fmt.Errorf("--interval: %w", err)
				}
				f.interval = n
			case "--output-filename":
				f.outputFilename = v
			case "--peer-ip":
				f.peerIPs = append(f.peerIPs, v)
			case "--peer-asn":
				f.peerASNs = append(f.peerASNs, v)
			}
			i++
		case "--compare":
			f.compare = true
		default:
			f.args = append(f.args, args[i])
		}
	}
	return f, nil
}

// apply overlays command line overrides on the loaded configuration.
func (f flags) apply(cfg *config.Config) {
	if f.logLevel != "" {
		cfg.Service.LogLevel = f.logLevel
	}
	if f.dateRange != "" {
		cfg.Replay.DateRange = f.dateRange
	}
	if len(f.collectors) > 0 {
		cfg.Replay.Collectors = f.collectors
	}
	if f.interval != 0 {
		cfg.Replay.IntervalSeconds = f.interval
	}
	if f.outputFilename != "" {
		cfg.Replay.OutputFilename = f.outputFilename
	}
	if len(f.peerIPs) > 0 {
		cfg.Replay.PeerIPs = f.peerIPs
	}
	if len(f.peerASNs) > 0 {
		cfg.Replay.PeerASNs = f.peerASNs
	}
	if f.compare {
		cfg.Replay.Compare = true
	}
}

func loadConfig(args []string) (*config.Config, *zap.Logger, flags) {
	f, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error in command line overrides: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger, f
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the configured migrations directory, or the one next
// to the binary.
func migrationsDir(cfg *config.Config) string {
	if cfg.Postgres.MigrationsDir != "" {
		return cfg.Postgres.MigrationsDir
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func buildPlan(cfg *config.Config) (*archive.Plan, error) {
	start, end, err := cfg.Replay.Range()
	if err != nil {
		return nil, err
	}
	plan, err := archive.NewPlan(start, end, cfg.Replay.Collectors, archive.URLBuilder{
		RISBaseURL:        cfg.Archive.RISBaseURL,
		RouteViewsBaseURL: cfg.Archive.RouteViewsBaseURL,
	})
	if err != nil {
		return nil, err
	}
	if !cfg.Replay.Compare {
		plan.GroundTruth = nil
		plan.Compare = false
	}
	return plan, nil
}

// buildObservers returns the built-in observers in dispatch order.
func buildObservers(out observer.Output) []observer.Observer {
	multi := observer.NewASMultiGraph("multigraph", out)
	return []observer.Observer{
		observer.NewASGraph("graph", out, multi),
		multi,
		observer.NewUpdateCount("update_count", out),
		observer.NewPath("path", out),
		observer.NewRIBSize("rib", out),
	}
}

func runReplay() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	plan, err := buildPlan(cfg)
	if err != nil {
		logger.Fatal("failed to plan run", zap.Error(err))
	}
	run := cfg.Replay.OutputFilename

	logger.Info("starting rib-replay",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("run", run),
		zap.Time("start", plan.Start),
		zap.Time("end", plan.End),
		zap.Strings("collectors", plan.Collectors),
		zap.Int("interval_seconds", cfg.Replay.IntervalSeconds),
		zap.Bool("compare", plan.Compare),
	)
	if cfg.Replay.Compare && !plan.Compare {
		logger.Warn("end of range is not a snapshot time, comparison disabled",
			zap.Duration("rib_interval", plan.RIBInterval))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Optional database.
	var pool *pgxpool.Pool
	var runs *db.RunStore
	if cfg.Postgres.Enabled {
		pool, err = db.NewPool(ctx, cfg.Postgres.DSN, cfg.Service.InstanceID, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		runs = db.NewRunStore(pool)
		if err := runs.Begin(ctx, db.Run{
			Name:       run,
			InstanceID: cfg.Service.InstanceID,
			Start:      plan.Start,
			End:        plan.End,
			Collectors: plan.Collectors,
		}); err != nil {
			logger.Fatal("failed to record run", zap.Error(err))
		}
	}

	table := newTable(logger)

	// --- HTTP server ---
	var httpServer *ribhttp.Server
	if cfg.Service.HTTPListen != "" {
		var dbCheck ribhttp.DBChecker
		if pool != nil {
			dbCheck = pool
		}
		httpServer = ribhttp.NewServer(cfg.Service.HTTPListen, table.rib, dbCheck, logger.Named("http"))
		if err := httpServer.Start(); err != nil {
			logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}

	// --- Archive ---
	cache, err := archive.OpenCache(cfg.Archive.CacheDir)
	if err != nil {
		logger.Fatal("failed to open download cache", zap.Error(err))
	}
	defer cache.Close()

	client := &http.Client{Timeout: time.Duration(cfg.Archive.HTTPTimeoutSeconds) * time.Second}
	fetcher := archive.NewFetcher(cache, client, cfg.Archive.DownloadWorkers, logger.Named("archive.fetch"))
	fetched, err := fetcher.FetchAll(ctx, plan.Files())
	if err != nil {
		logger.Fatal("failed to fetch archive files", zap.Error(err))
	}
	source := archive.NewArchiveSource(plan, fetched, archive.BGPDump{Path: cfg.Archive.BGPDumpPath}, logger.Named("archive"))

	// --- Sinks ---
	sinks, err := buildSinks(cfg, pool, logger)
	if err != nil {
		logger.Fatal("failed to set up snapshot sinks", zap.Error(err))
	}

	out := observer.Output{Run: run, Sink: sinks}
	for _, o := range buildObservers(out) {
		if err := table.dispatcher.Attach(o); err != nil {
			logger.Fatal("failed to attach observer", zap.String("observer", o.Name()), zap.Error(err))
		}
	}

	filter := peerFilter(cfg)
	orch := replay.NewOrchestrator(replay.Config{
		Start:              plan.Start,
		End:                plan.End,
		Interval:           cfg.Replay.Interval(),
		Collectors:         plan.Collectors,
		Filter:             filter,
		IgnoreUnknownPeers: cfg.Replay.IgnoreUnknownPeers,
		Compare:            plan.Compare,
		CompareObservers: func() []observer.Observer {
			return []observer.Observer{observer.NewASGraph("graph", observer.Output{}, nil)}
		},
	}, table.rib, table.dispatcher, source, logger.Named("replay"))

	summary, runErr := orch.Run(ctx)

	if err := sinks.Close(); err != nil {
		logger.Error("closing snapshot sinks", zap.Error(err))
	}
	if runs != nil {
		applied, checkpoints := 0, 0
		if summary != nil {
			applied, checkpoints = summary.Applied, len(summary.Checkpoints)
		}
		finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := runs.Finish(finishCtx, run, applied, checkpoints, runErr); err != nil {
			logger.Error("failed to record run outcome", zap.Error(err))
		}
		finishCancel()
	}
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Service.ShutdownTimeoutSeconds)*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}

	if runErr != nil {
		logFailure(logger, runErr)
		os.Exit(1)
	}

	logger.Info("rib-replay finished",
		zap.Int("applied", summary.Applied),
		zap.Int("checkpoints", len(summary.Checkpoints)),
		zap.Int("missing_files", len(fetched.Missing)),
	)
}

type tableSet struct {
	rib        *rib.Table
	dispatcher *observer.Dispatcher
}

func newTable(logger *zap.Logger) tableSet {
	d := observer.NewDispatcher(logger.Named("observer.dispatch"))
	return tableSet{rib: rib.NewTable(d, logger.Named("rib")), dispatcher: d}
}

func buildSinks(cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (output.MultiSink, error) {
	dir := filepath.Join(cfg.Replay.OutputDir, cfg.Replay.OutputFilename)
	files, err := output.NewFileSink(dir, cfg.Replay.TimeFmt, cfg.Output.Compress, logger.Named("output.file"))
	if err != nil {
		return nil, err
	}
	sinks := output.MultiSink{files}

	if pool != nil {
		sinks = append(sinks, db.NewSnapshotSink(pool, logger.Named("db.sink")))
	}

	if cfg.Kafka.Enabled {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("building TLS config: %w", err)
		}
		producer, err := kafka.NewSnapshotSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID,
			tlsCfg, cfg.Kafka.BuildSASLMechanism(), logger.Named("kafka.sink"))
		if err != nil {
			return nil, fmt.Errorf("creating kafka producer: %w", err)
		}
		sinks = append(sinks, producer)
	}
	return sinks, nil
}

func peerFilter(cfg *config.Config) *record.Filter {
	ips, asns, _ := cfg.Replay.Peers() // validated by config.Load
	if len(ips) == 0 && len(asns) == 0 {
		return nil
	}
	return record.NewFilter(ips, asns)
}

// logFailure names the collector or observer responsible for a fatal error.
func logFailure(logger *zap.Logger, err error) {
	fields := []zap.Field{zap.Error(err)}
	var streamErr *replay.StreamError
	if errors.As(err, &streamErr) {
		fields = append(fields, zap.String("collector", streamErr.Collector))
	}
	var hookErr *observer.HookError
	if errors.As(err, &hookErr) {
		fields = append(fields, zap.String("observer", hookErr.Observer), zap.String("hook", hookErr.Hook))
	}
	switch {
	case errors.Is(err, context.Canceled):
		logger.Error("run interrupted", fields...)
	case errors.Is(err, replay.ErrMissingBootstrap):
		logger.Error("run aborted: missing bootstrap snapshot", fields...)
	default:
		logger.Error("run failed", fields...)
	}
}

func runPlan() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	plan, err := buildPlan(cfg)
	if err != nil {
		logger.Fatal("failed to plan run", zap.Error(err))
	}

	fmt.Printf("start:        %s\n", plan.Start.Format(time.RFC3339))
	fmt.Printf("end:          %s\n", plan.End.Format(time.RFC3339))
	fmt.Printf("rib interval: %s\n", plan.RIBInterval)
	fmt.Printf("compare:      %v\n", plan.Compare)
	fmt.Printf("checkpoints:  %d\n", len(replay.Boundaries(plan.Start, plan.End, cfg.Replay.Interval()))+1)
	fmt.Println()
	for _, f := range plan.Files() {
		fmt.Printf("%s  %-20s %-6s %s\n", f.Time.Format("2006-01-02 15:04"), f.Collector, f.Kind, f.URL)
	}
}

type normalizedRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Collector string    `json:"collector_id"`
	PeerIP    string    `json:"peer_ip"`
	PeerASN   uint32    `json:"peer_asn"`
	Prefix    string    `json:"prefix"`
	Family    int       `json:"family"`
	Kind      string    `json:"kind"`
	ASPath    []uint32  `json:"as_path,omitempty"`
	Implicit  bool      `json:"implicit,omitempty"`
}

func runNormalize() {
	cfg, logger, f := loadConfig(os.Args[2:])
	defer logger.Sync()

	if len(f.args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: rib-replay normalize [--collector <name>] <mrt-file>")
		os.Exit(1)
	}
	collector := "unknown"
	if len(f.collectors) > 0 {
		collector = f.collectors[0]
	}
	filter := peerFilter(cfg)

	enc := json.NewEncoder(os.Stdout)
	counts := map[string]int{}
	conv := archive.BGPDump{Path: cfg.Archive.BGPDumpPath}
	err := conv.Lines(context.Background(), f.args[0], func(line string) error {
		u, err := record.ParseLine(collector, line)
		switch {
		case errors.Is(err, record.ErrSkip):
			counts["skipped"]++
			return nil
		case err != nil:
			counts["malformed"]++
			logger.Debug("dropping line", zap.String("line", line), zap.Error(err))
			return nil
		case !filter.Allows(u):
			counts["filtered"]++
			return nil
		}
		counts[u.Kind.String()]++
		if u.Implicit {
			counts["implicit_withdraw"]++
		}
		return enc.Encode(normalizedRecord{
			Timestamp: u.Timestamp,
			Collector: u.Collector,
			PeerIP:    u.PeerIP.String(),
			PeerASN:   u.PeerASN,
			Prefix:    u.Prefix.String(),
			Family:    int(u.Family),
			Kind:      u.Kind.String(),
			ASPath:    u.Path,
			Implicit:  u.Implicit,
		})
	})
	if err != nil {
		logger.Fatal("normalize failed", zap.String("file", f.args[0]), zap.Error(err))
	}
	logger.Info("normalize complete", zap.String("file", f.args[0]), zap.Any("counts", counts))
}

func runCache() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	cache, err := archive.OpenCache(cfg.Archive.CacheDir)
	if err != nil {
		logger.Fatal("failed to open download cache", zap.Error(err))
	}
	defer cache.Close()

	entries, err := cache.Entries()
	if err != nil {
		logger.Fatal("failed to list cache", zap.Error(err))
	}
	var total int64
	for _, e := range entries {
		fmt.Printf("%s  %10d  %s  %s\n", e.FetchedAt.Format(time.RFC3339), e.Size, e.SHA256[:12], e.Name)
		total += e.Size
	}
	fmt.Printf("%d files, %d bytes\n", len(entries), total)
}

func connect(cfg *config.Config, logger *zap.Logger) *pgxpool.Pool {
	if cfg.Postgres.DSN == "" {
		logger.Fatal("postgres.dsn is required")
	}
	pool, err := db.NewPool(context.Background(), cfg.Postgres.DSN, cfg.Service.InstanceID, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	return pool
}

func runMigrate() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	pool := connect(cfg, logger)
	defer pool.Close()

	if err := db.RunMigrations(context.Background(), pool, migrationsDir(cfg), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("running snapshot retention",
		zap.Int("retention_days", cfg.Retention.Days),
	)

	pool := connect(cfg, logger)
	defer pool.Close()

	r := maintenance.NewRetention(pool, cfg.Retention.Days, logger.Named("maintenance"))
	if err := r.Run(context.Background()); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("snapshot retention complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format: redact the password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
