package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agenttrail/config"
	"agenttrail/internal/detect"
	"agenttrail/internal/intake"
	"agenttrail/internal/logger"
	"agenttrail/internal/metrics"
	"agenttrail/internal/output/alerthttp"
	"agenttrail/internal/output/chainclickhouse"
	"agenttrail/internal/output/chainjsonl"
	"agenttrail/internal/pipeline"
	"agenttrail/internal/registry"
	"agenttrail/internal/report"
	"agenttrail/internal/risk"
	"agenttrail/internal/server"
	"agenttrail/internal/sessionstate"
	"agenttrail/internal/store"
	"agenttrail/internal/tracing"
	"agenttrail/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("agenttrail.yml"); err == nil {
		return "agenttrail.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "agenttrail.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "agenttrail.yml"
}

func openStore(cfg config.StoreConfig) (store.Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), func() error { return nil }, nil
	case "sqlite":
		s, err := store.OpenSQL("sqlite", cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := store.OpenSQL("postgres", cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}

func buildGateway(cfg config.DetectionConfig) (detect.Gateway, error) {
	switch cfg.Mode {
	case "remote":
		return detect.NewRemote(detect.RemoteConfig{
			BaseURL: cfg.Remote.URL,
			Timeout: cfg.Remote.Timeout,
			Headers: cfg.Remote.Headers,
		})
	case "embedded":
		var sigmaEngine *detect.SigmaEngine
		if strings.TrimSpace(cfg.Embedded.SigmaPath) != "" {
			engine, stats, err := detect.NewSigmaEngine(cfg.Embedded.SigmaPath)
			if err != nil {
				return nil, err
			}
			sigmaEngine = engine
			logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_invalid=%d files=%d",
				stats.Loaded,
				stats.SkippedComplex,
				stats.SkippedInvalid,
				stats.TotalFiles,
			)
			if stats.Loaded == 0 {
				logger.Warnf("No compatible Sigma rules loaded; rule-based action matching is effectively disabled")
			}
		}
		return detect.NewEmbedded(detect.EmbeddedConfig{
			ExtraRulesPath: cfg.Embedded.RulesPath,
			Sigma:          sigmaEngine,
			MaxParseDepth:  cfg.Embedded.MaxParseDepth,
		})
	default:
		return nil, errors.New("unknown detection mode: " + cfg.Mode)
	}
}

func buildPolicy(cfg config.RiskConfig) risk.Policy {
	return risk.Policy{
		ThreatWeights:      severityWeights(cfg.ThreatWeights),
		PIIWeights:         severityWeights(cfg.PIIWeights),
		AnomalyWeights:     severityWeights(cfg.AnomalyWeights),
		TerminateThreshold: cfg.TerminateThreshold,
	}
}

func severityWeights(in map[string]int) map[models.Severity]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[models.Severity]int, len(in))
	for name, weight := range in {
		out[models.Severity(name)] = weight
	}
	return out
}

func main() {
	configArg := flag.String("config", "", "Path to config file")
	flag.Parse()

	configPath := findConfigFile(*configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.ApplyDefaults()
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Printf("config: %v", e)
		}
		log.Fatalf("Invalid configuration (%d problems)", len(errs))
	}
	a := cfg.AgentTrail

	if err := logger.Init(logger.Config{
		Enabled: a.Logging.Enabled,
		Level:   a.Logging.Level,
		File:    a.Logging.File,
		Console: a.Logging.Console,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	logger.Infof("AgentTrail starting")
	logger.Infof("Config loaded from: %s", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        a.Tracing.Enabled,
		Endpoint:       a.Tracing.Endpoint,
		SampleRate:     a.Tracing.SampleRate,
		Insecure:       a.Tracing.Insecure,
		ServiceName:    a.Tracing.ServiceName,
		ServiceVersion: a.Tracing.ServiceVersion,
		Environment:    a.Tracing.Environment,
		BatchTimeout:   a.Tracing.BatchTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics()
	if err := m.Register(promReg); err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	st, closeStore, err := openStore(a.Store)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()
	logger.Infof("Store driver: %s", a.Store.Driver)

	gateway, err := buildGateway(a.Detection)
	if err != nil {
		log.Fatalf("Failed to build detection gateway: %v", err)
	}
	logger.Infof("Detection mode: %s", a.Detection.Mode)

	aggregator := risk.NewAggregator(buildPolicy(a.Risk))

	var cache registry.StateCache
	if a.SessionCache.Enabled {
		redisCache, err := sessionstate.NewRedisCache(sessionstate.Config{
			Addr:      a.SessionCache.Addr,
			Password:  a.SessionCache.Password,
			DB:        a.SessionCache.DB,
			KeyPrefix: a.SessionCache.KeyPrefix,
		})
		if err != nil {
			log.Fatalf("Failed to connect session cache: %v", err)
		}
		defer redisCache.Close()
		cache = redisCache
		logger.Infof("Session cache: redis (%s)", a.SessionCache.Addr)
	}

	var records chan *models.EventRecord
	var alerts chan *models.RiskAlert
	var pipe *pipeline.ChainExportPipeline
	if a.Export.Enabled || a.Alerts.Enabled {
		var chainWriter pipeline.ChainWriter
		if a.Export.Enabled {
			records = make(chan *models.EventRecord, 1024)
			switch a.Export.Mode {
			case "file":
				w, err := chainjsonl.NewWriter(a.Export.File.Path)
				if err != nil {
					log.Fatalf("Failed to create chain file writer: %v", err)
				}
				chainWriter = w
				logger.Infof("Export mode: file (%s)", a.Export.File.Path)
			case "clickhouse":
				w, err := chainclickhouse.NewWriter(chainclickhouse.Config{
					URL:      a.Export.ClickHouse.URL,
					Database: a.Export.ClickHouse.Database,
					Table:    a.Export.ClickHouse.Table,
					Username: a.Export.ClickHouse.Username,
					Password: a.Export.ClickHouse.Password,
					Timeout:  a.Export.ClickHouse.Timeout,
					Headers:  a.Export.ClickHouse.Headers,
				})
				if err != nil {
					log.Fatalf("Failed to create chain ClickHouse writer: %v", err)
				}
				chainWriter = w
				logger.Infof("Export mode: clickhouse (%s/%s.%s)", a.Export.ClickHouse.URL, a.Export.ClickHouse.Database, a.Export.ClickHouse.Table)
			default:
				log.Fatalf("Unknown export mode: %s", a.Export.Mode)
			}
		}

		var alertWriter pipeline.AlertWriter
		if a.Alerts.Enabled {
			alerts = make(chan *models.RiskAlert, 64)
			w, err := alerthttp.NewWriter(alerthttp.Config{
				URL:     a.Alerts.URL,
				Timeout: a.Alerts.Timeout,
				Headers: a.Alerts.Headers,
			})
			if err != nil {
				log.Fatalf("Failed to create alert writer: %v", err)
			}
			alertWriter = w
			logger.Infof("Alert delivery: http (%s)", a.Alerts.URL)
		}

		pipe = pipeline.NewChainExportPipeline(pipeline.Config{
			Records:       records,
			Alerts:        alerts,
			Writer:        chainWriter,
			AlertWriter:   alertWriter,
			Metrics:       m,
			BatchSize:     a.Export.BatchSize,
			FlushInterval: a.Export.FlushInterval,
		})
		go func() {
			if err := pipe.Run(ctx); err != nil && err != context.Canceled {
				logger.Errorf("Export pipeline error: %v", err)
			}
		}()
	}

	reg, err := registry.New(registry.Config{
		Store:            st,
		Gateway:          gateway,
		Aggregator:       aggregator,
		DetectionTimeout: a.Detection.Timeout,
		Records:          records,
		Alerts:           alerts,
		Cache:            cache,
		Metrics:          m,
	})
	if err != nil {
		log.Fatalf("Failed to build session registry: %v", err)
	}

	if a.Intake.Enabled {
		queue, err := intake.NewRedisQueue(intake.QueueConfig{
			Addr:          a.Intake.Addr,
			Password:      a.Intake.Password,
			DB:            a.Intake.DB,
			Key:           a.Intake.Key,
			DeadLetterKey: a.Intake.DeadLetterKey,
			BlockTimeout:  a.Intake.BlockTimeout,
		})
		if err != nil {
			log.Fatalf("Failed to create intake queue: %v", err)
		}
		defer queue.Close()

		dispatcher := intake.NewDispatcher(intake.DispatcherConfig{
			Queue:       queue,
			Recorder:    reg,
			Workers:     a.Intake.Workers,
			MaxAttempts: a.Intake.MaxAttempts,
		})
		go func() {
			if err := dispatcher.Run(ctx); err != nil && err != context.Canceled {
				logger.Errorf("Intake dispatcher error: %v", err)
			}
		}()
		logger.Infof("Intake: redis list %q (%s)", a.Intake.Key, a.Intake.Addr)
	}

	srv := server.New(server.Config{
		Registry:        reg,
		Compiler:        report.NewCompiler(st, aggregator),
		Store:           st,
		Metrics:         m,
		Gatherer:        promReg,
		TraceMiddleware: tracer.Middleware(),
	})

	httpServer := &http.Server{
		Addr:         a.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  a.Server.ReadTimeout,
		WriteTimeout: a.Server.WriteTimeout,
	}
	go func() {
		logger.Infof("HTTP API listening on %s", a.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown error: %v", err)
	}

	cancel()
	time.Sleep(1 * time.Second)

	if pipe != nil {
		if err := pipe.Close(); err != nil {
			logger.Errorf("Error closing export pipeline: %v", err)
		}
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		logger.Errorf("Error flushing traces: %v", err)
	}

	logger.Infof("AgentTrail stopped")
}
