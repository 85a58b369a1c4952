// Package app wires the pipeline's twelve components — MQTT intake,
// frame decode/alias resolution/path normalization/upsert planning, the
// Postgres repository, CDC replication, debounce aggregation, and
// historian egress with its session manager, dataset resolver, circuit
// breaker and rate limiter — into one long-running process with ordered
// startup/shutdown and task-manager-supervised background loops.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/secil-uns/canary-sync/internal/cdc"
	"github.com/secil-uns/canary-sync/internal/config"
	"github.com/secil-uns/canary-sync/internal/debounce"
	"github.com/secil-uns/canary-sync/internal/dlq"
	"github.com/secil-uns/canary-sync/internal/egress"
	"github.com/secil-uns/canary-sync/internal/ingest"
	"github.com/secil-uns/canary-sync/internal/metrics"
	"github.com/secil-uns/canary-sync/internal/model"
	"github.com/secil-uns/canary-sync/internal/normalize"
	"github.com/secil-uns/canary-sync/internal/planner"
	"github.com/secil-uns/canary-sync/internal/repository"
	"github.com/secil-uns/canary-sync/pkg/circuit"
	"github.com/secil-uns/canary-sync/pkg/ratelimit"
	"github.com/secil-uns/canary-sync/pkg/task_manager"
	"github.com/secil-uns/canary-sync/pkg/tracing"
)

const (
	taskMQTTIntake    = "mqtt_intake"
	taskIngestPipe    = "ingest_pipeline"
	taskCDCReader     = "cdc_reader"
	taskDebounceSweep = "debounce_sweep"
	taskEgressPipe    = "egress_pipeline"
	taskKeepalive     = "session_keepalive"
)

// App owns every long-lived component of one canary-sync process.
type App struct {
	config *config.Config
	logger *logrus.Logger

	pool *pgxpool.Pool
	repo repository.Repository

	classifier *ingest.ClassificationResolver
	aliases    *ingest.AliasCache
	decoder    *ingest.Decoder
	intake     *ingest.Intake
	pipeline   *ingest.Pipeline

	checkpoint cdc.CheckpointBackend
	listener   *cdc.Listener
	debouncer  *debounce.Buffer

	historian *egress.HistorianHTTP
	session   *egress.SessionManager
	resolver  *egress.DatasetResolver
	mapper    *egress.Mapper
	breaker   *circuit.Breaker
	limiter   *ratelimit.Limiter
	egressClt *egress.Client

	dlqStore *dlq.Store

	tracingMgr  *tracing.TracingManager
	taskManager task_manager.TaskManager

	metricsServer *metrics.Server

	debounceStop chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads configuration, builds every component, and returns an App
// ready for Start. No background goroutine runs before Start is called.
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		config:       cfg,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		debounceStop: make(chan struct{}),
	}

	if err := app.initComponents(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("initializing components: %w", err)
	}

	return app, nil
}

func (app *App) initComponents(ctx context.Context) error {
	if err := app.initRepository(ctx); err != nil {
		return err
	}
	if err := app.initIngest(); err != nil {
		return err
	}
	if err := app.initCDC(); err != nil {
		return err
	}
	if err := app.initEgress(); err != nil {
		return err
	}
	app.initDLQ()
	if err := app.initTracing(); err != nil {
		return err
	}
	app.taskManager = task_manager.New(task_manager.Config{}, app.logger)
	app.initHTTPServer()
	return nil
}

func (app *App) initRepository(ctx context.Context) error {
	cfg := app.config
	if cfg.DBMode == "mock" {
		app.repo = repository.NewMock(nil)
		app.logger.Warn("running with in-memory mock repository, db_mode=mock")
		return nil
	}

	pool, err := pgxpool.New(ctx, cfg.DB.ConnInfo)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	app.pool = pool
	app.repo = repository.NewPostgres(pool, app.logger)
	return nil
}

func (app *App) initIngest() error {
	cfg := app.config

	app.classifier = ingest.NewClassificationResolver(app.logger)
	if err := app.classifier.Load(cfg.Ingest.ClassificationPath); err != nil {
		return fmt.Errorf("loading classification table: %w", err)
	}

	app.aliases = ingest.NewAliasCache(cfg.Ingest.AliasCachePath, time.Duration(cfg.Ingest.RebirthCooldownSeconds)*time.Second, app.logger)
	if err := app.aliases.Load(); err != nil {
		app.logger.WithError(err).Warn("starting with an empty alias cache")
	}

	app.decoder = ingest.NewDecoder()

	intake, err := ingest.NewIntake(ingest.IntakeConfig{
		Host:        cfg.Broker.Host,
		Port:        cfg.Broker.Port,
		User:        cfg.Broker.User,
		Password:    cfg.Broker.Password,
		TopicFilter: cfg.Broker.TopicFilter,
		TLSCA:       cfg.Broker.TLSCA,
		ClientID:    "canary-sync",
	}, cfg.Ingest.QueueDepth, app.logger)
	if err != nil {
		return fmt.Errorf("constructing mqtt intake: %w", err)
	}
	app.intake = intake

	app.pipeline = ingest.NewPipeline(app.decoder, app.aliases, app.classifier, normalize.New(), planner.New(), app.repo, app.intake, app.logger)
	return nil
}

func (app *App) initCDC() error {
	cfg := app.config

	switch cfg.CDC.CheckpointBackend {
	case "memory":
		app.checkpoint = cdc.NewMemoryCheckpoint()
	default:
		app.checkpoint = cdc.NewFileCheckpoint(cfg.CDC.ResumePath, cfg.CDC.ResumeFsync)
	}

	app.debouncer = debounce.New(debounce.Config{
		Window:   time.Duration(cfg.CDC.WindowSeconds) * time.Second,
		Capacity: cfg.CDC.BufferCap,
	}, app.logger)

	app.listener = cdc.NewListener(cdc.Config{
		ConnInfo:        cfg.DB.ConnInfo,
		PublicationName: cfg.DB.PublicationName,
		SlotName:        cfg.DB.SlotName,
		IdleSleep:       time.Duration(cfg.CDC.IdleSleepSeconds) * time.Second,
		MaxBatchMsgs:    cfg.CDC.MaxBatchMessages,
		ReconnectBase:   time.Second,
		ReconnectMax:    30 * time.Second,
	}, app.checkpoint, app.debouncer, app.repo, app.logger)
	return nil
}

func (app *App) initEgress() error {
	cfg := app.config

	historians := []string{}
	if cfg.Egress.Historians != "" {
		historians = append(historians, cfg.Egress.Historians)
	}

	app.historian = egress.NewHistorianHTTP(egress.HistorianConfig{
		APIToken:           cfg.Egress.APIToken,
		ClientID:           cfg.Egress.ClientID,
		Historians:         historians,
		ClientTimeoutMS:    cfg.Egress.SessionTimeoutMS,
		AutoCreateDatasets: cfg.Egress.AutoCreateDatasets,
	}, cfg.Egress.HistorianBaseURL, time.Duration(cfg.Egress.RequestTimeoutSeconds)*time.Second)

	app.session = egress.NewSessionManager(egress.SessionConfig{
		IdleThreshold: time.Duration(cfg.Egress.KeepaliveIdleSeconds) * time.Second,
		Jitter:        time.Duration(cfg.Egress.KeepaliveJitterSeconds) * time.Second,
	}, app.historian)

	candidates := []string{cfg.Egress.DatasetPrefix, cfg.Egress.DatasetPrefix + "2"}
	app.resolver = egress.NewDatasetResolver(egress.DatasetResolverConfig{
		Candidates: candidates,
		Override:   cfg.Egress.DatasetOverride,
		AutoCreate: cfg.Egress.AutoCreateDatasets,
	}, app.historian)

	app.mapper = egress.NewMapper(egress.MapperConfig{
		MaxBatchTags:    cfg.Egress.MaxBatchTags,
		MaxPayloadBytes: cfg.Egress.MaxPayloadBytes,
	}, app.logger)

	app.breaker = circuit.NewBreaker(circuit.BreakerConfig{
		Name:             "egress",
		FailureThreshold: cfg.Egress.CircuitConsecutiveFailures,
		Timeout:          time.Duration(cfg.Egress.CircuitResetSeconds) * time.Second,
		ResetTimeout:     time.Duration(cfg.Egress.CircuitResetSeconds) * time.Second,
	}, app.logger)

	app.limiter = ratelimit.New(ratelimit.Config{
		RPS:   cfg.Egress.RateLimitRPS,
		Burst: int(cfg.Egress.RateLimitRPS),
	})

	clt, err := egress.NewClient(egress.ClientConfig{
		WritePath:      cfg.Egress.WritePath,
		RequestTimeout: time.Duration(cfg.Egress.RequestTimeoutSeconds) * time.Second,
		RetryAttempts:  cfg.Egress.RetryAttempts,
		RetryBaseDelay: cfg.Egress.RetryBaseDelay,
		RetryMaxDelay:  cfg.Egress.RetryMaxDelay,
		Compression:    egress.Compression(cfg.Egress.Compression),
	}, cfg.Egress.HistorianBaseURL, app.session, app.resolver, app.mapper, app.breaker, app.limiter, app.logger)
	if err != nil {
		return fmt.Errorf("constructing egress client: %w", err)
	}
	app.egressClt = clt
	return nil
}

func (app *App) initDLQ() {
	if app.pool == nil {
		return
	}
	app.dlqStore = dlq.NewStore(app.pool, dlq.AlertConfig{
		DepthThreshold: app.config.DLQ.AlertThreshold,
		Cooldown:       5 * time.Minute,
	}, app.logger)
}

func (app *App) initTracing() error {
	mgr, err := tracing.NewTracingManager(tracing.TracingConfig{
		Enabled:     app.config.Tracing.Exporter != "" && app.config.Tracing.Exporter != "none",
		Exporter:    app.config.Tracing.Exporter,
		ServiceName: "canary-sync",
		Endpoint:    app.config.Tracing.Endpoint,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	app.tracingMgr = mgr
	return nil
}

// initHTTPServer mounts /healthz, /readyz and /metrics on one router bound
// to metrics.listen_addr — there is only one HTTP surface in this process.
func (app *App) initHTTPServer() {
	router := mux.NewRouter()
	app.registerHandlers(router)
	router.Handle("/metrics", promhttp.Handler())
	app.metricsServer = metrics.NewServer(app.config.Metrics.ListenAddr, router, app.logger)
}

// Start launches every background task through the task manager and
// begins serving HTTP. Each task is independently supervised — one
// wedging does not block another's heartbeat.
func (app *App) Start() error {
	app.logger.Info("starting canary-sync")

	if err := app.taskManager.StartTask(app.ctx, taskMQTTIntake, app.intake.Run); err != nil {
		return fmt.Errorf("starting mqtt intake task: %w", err)
	}
	if err := app.taskManager.StartTask(app.ctx, taskIngestPipe, func(ctx context.Context) error {
		return app.pipeline.Run(ctx, app.intake.Frames)
	}); err != nil {
		return fmt.Errorf("starting ingest pipeline task: %w", err)
	}
	if err := app.taskManager.StartTask(app.ctx, taskCDCReader, app.listener.Run); err != nil {
		return fmt.Errorf("starting cdc reader task: %w", err)
	}
	if err := app.taskManager.StartTask(app.ctx, taskDebounceSweep, app.runDebounceSweep); err != nil {
		return fmt.Errorf("starting debounce sweep task: %w", err)
	}
	if err := app.taskManager.StartTask(app.ctx, taskEgressPipe, app.runEgressPipeline); err != nil {
		return fmt.Errorf("starting egress pipeline task: %w", err)
	}
	if err := app.taskManager.StartTask(app.ctx, taskKeepalive, app.runSessionKeepalive); err != nil {
		return fmt.Errorf("starting session keepalive task: %w", err)
	}

	app.metricsServer.Start()

	app.logger.Info("canary-sync started")
	return nil
}

// runDebounceSweep adapts the buffer's stop-channel driven Run loop to the
// task manager's ctx-based shutdown, forwarding each flush into the
// egress fan-out channel.
func (app *App) runDebounceSweep(ctx context.Context) error {
	flushed := make(chan []model.AggregatedDiff, 1)
	go app.debouncer.Run(app.debounceStop, func(diffs []model.AggregatedDiff) {
		flushed <- diffs
	})

	for {
		select {
		case <-ctx.Done():
			close(app.debounceStop)
			return nil
		case diffs := <-flushed:
			app.deliverDiffs(ctx, diffs)
		}
	}
}

// runEgressPipeline is a placeholder supervised task: delivery itself
// happens inline from the debounce sweep's flush callback, via
// deliverDiffs. The task only blocks until shutdown; it does not observe
// the egress client itself.
func (app *App) runEgressPipeline(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (app *App) deliverDiffs(ctx context.Context, diffs []model.AggregatedDiff) {
	for _, diff := range diffs {
		outcome, err := app.egressClt.Deliver(ctx, diff)
		if err == nil && outcome == egress.Delivered {
			continue
		}
		if app.dlqStore == nil {
			app.logger.WithError(err).WithField("canary_id", diff.CanaryID).Error("delivery failed, no dlq store configured")
			continue
		}
		payload, marshalErr := marshalDiff(diff)
		if marshalErr != nil {
			app.logger.WithError(marshalErr).Error("marshaling diff for dlq")
			continue
		}
		reason := "unknown"
		if err != nil {
			reason = err.Error()
		}
		if insertErr := app.dlqStore.Insert(ctx, diff.CanaryID, reason, payload, time.Duration(app.config.DLQ.TTLSeconds)*time.Second); insertErr != nil {
			app.logger.WithError(insertErr).Error("dlq insert failed")
		}
	}
}

func (app *App) runSessionKeepalive(ctx context.Context) error {
	interval := time.Duration(app.config.Egress.KeepaliveIdleSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := app.session.Shutdown(shutdownCtx); err != nil {
				app.logger.WithError(err).Warn("session shutdown failed")
			}
			return nil
		case <-ticker.C:
			if err := app.session.MaybeKeepalive(ctx); err != nil {
				app.logger.WithError(err).Warn("session keepalive failed")
			}
		}
	}
}

// Stop cancels every task and shuts down HTTP and storage resources.
// Individual component errors are logged but never prevent the rest of
// shutdown from proceeding.
func (app *App) Stop() error {
	app.logger.Info("stopping canary-sync")
	app.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if app.metricsServer != nil {
		if err := app.metricsServer.Stop(shutdownCtx); err != nil {
			app.logger.WithError(err).Error("metrics server shutdown error")
		}
	}
	if app.tracingMgr != nil {
		if err := app.tracingMgr.Shutdown(shutdownCtx); err != nil {
			app.logger.WithError(err).Error("tracing shutdown error")
		}
	}
	if app.aliases != nil {
		if err := app.aliases.Snapshot(); err != nil {
			app.logger.WithError(err).Error("alias cache snapshot error")
		}
	}
	if app.taskManager != nil {
		app.taskManager.Cleanup()
	}
	if app.pool != nil {
		app.pool.Close()
	}
	app.wg.Wait()

	app.logger.Info("canary-sync stopped")
	return nil
}

// DLQStore exposes the dead-letter store for the `replay-dlq` CLI command.
// Nil when running with db_mode=mock, since there is no backing table.
func (app *App) DLQStore() *dlq.Store {
	return app.dlqStore
}

// EgressClient exposes the historian client so `replay-dlq` can re-enter
// delivery for dead-lettered entries without duplicating the wiring in
// initEgress.
func (app *App) EgressClient() *egress.Client {
	return app.egressClt
}

// Pipeline exposes the ingest pipeline for the `ingest-fixture` CLI
// command to replay one captured frame outside the MQTT intake loop.
func (app *App) Pipeline() *ingest.Pipeline {
	return app.pipeline
}

// Close releases resources held by an App that was never Start()ed —
// used by one-shot CLI commands (replay-dlq, ingest-fixture)
// that only need New()'s wiring, not the long-running task set.
func (app *App) Close() {
	app.cancel()
	if app.pool != nil {
		app.pool.Close()
	}
}

// Run starts the application and blocks until SIGINT/SIGTERM.
func (app *App) Run() error {
	if err := app.Start(); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	app.logger.Info("shutdown signal received")
	return app.Stop()
}
