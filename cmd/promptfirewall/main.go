// Command promptfirewall starts the validation pipeline and its control
// API, wiring every collaborator the core consumes (spec §1 Out of scope
// list) from a single config file, adapted from elida's cmd/elida/main.go.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"promptfirewall/internal/config"
	"promptfirewall/internal/control"
	"promptfirewall/internal/detector/regexdetector"
	"promptfirewall/internal/detector/semanticdetector"
	"promptfirewall/internal/embedding"
	"promptfirewall/internal/forwarder"
	"promptfirewall/internal/patternstore"
	"promptfirewall/internal/pipeline"
	"promptfirewall/internal/policyengine"
	"promptfirewall/internal/policyprovider"
	"promptfirewall/internal/resultcache"
	"promptfirewall/internal/sink"
	"promptfirewall/internal/telemetry"
	"promptfirewall/internal/vectorindex"
)

func main() {
	configPath := flag.String("config", "configs/promptfirewall.yaml", "path to config file")
	settingsDir := flag.String("settings-dir", "data", "directory for runtime settings overrides")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting prompt firewall",
		"version", "0.1.0",
		"control_listen", cfg.Control.Listen,
		"pipeline_deadline_ms", cfg.Pipeline.DeadlineMS,
	)

	settings, err := config.NewSettingsStore(*settingsDir)
	if err != nil {
		slog.Error("failed to load settings store", "error", err)
		os.Exit(1)
	}

	// Pattern catalogue.
	patterns := patternstore.DefaultProvider()
	if cfg.Patterns.File != "" {
		if p, err := patternstore.LoadFile(cfg.Patterns.File); err != nil {
			slog.Warn("failed to load pattern file, using built-in defaults", "path", cfg.Patterns.File, "error", err)
		} else {
			patterns = p
			slog.Info("loaded pattern catalogue", "path", cfg.Patterns.File)
		}
	}

	// Policy set.
	policies := policyprovider.DefaultProvider()
	if !cfg.Policy.DefaultOnly && cfg.Policy.Dir != "" {
		if paths, err := policyFilePaths(cfg.Policy.Dir); err != nil {
			slog.Warn("failed to read policy directory, using built-in default policy", "dir", cfg.Policy.Dir, "error", err)
		} else if len(paths) > 0 {
			if p, err := policyprovider.NewProviderFromFiles(paths); err != nil {
				slog.Warn("failed to load policy files, using built-in default policy", "dir", cfg.Policy.Dir, "error", err)
			} else {
				policies = p
				slog.Info("loaded policy set", "dir", cfg.Policy.Dir, "count", len(paths))
			}
		}
	}

	// Detectors.
	regex := regexdetector.New(patterns)

	var vecIndex *vectorindex.MemoryIndex
	if cfg.Semantic.VectorFile != "" {
		idx, err := vectorindex.LoadFile(cfg.Semantic.VectorFile)
		if err != nil {
			slog.Warn("failed to load vector reference file, semantic detector starts empty", "path", cfg.Semantic.VectorFile, "error", err)
			vecIndex = vectorindex.NewMemoryIndex(nil)
		} else {
			vecIndex = idx
			slog.Info("loaded semantic reference vectors", "path", cfg.Semantic.VectorFile, "count", idx.Len())
		}
	} else {
		vecIndex = vectorindex.NewMemoryIndex(nil)
	}
	// The per-request semantic threshold comes from the matched policy
	// (policy.SemanticThreshold); cfg.Semantic.Threshold seeds the
	// built-in default policy's threshold at provider construction time.
	var embedder embedding.Embedder
	switch cfg.Semantic.Embedding.Kind {
	case "remote":
		embedder = embedding.NewRemoteEmbedder(cfg.Semantic.Embedding.Endpoint, nil)
		slog.Info("semantic embedder selected", "kind", "remote", "endpoint", cfg.Semantic.Embedding.Endpoint)
	default:
		embedder = embedding.NewHashEmbedder()
		slog.Info("semantic embedder selected", "kind", "hash")
	}
	semantic := semanticdetector.New(embedder, vecIndex)

	// Result cache, with an optional Redis L2 tier.
	cacheOpts := []resultcache.Option{
		resultcache.WithL1TTL(cfg.Cache.L1TTL),
		resultcache.WithL2TTL(cfg.Cache.L2TTL),
	}
	if cfg.Cache.Redis.Enabled {
		l2, err := resultcache.NewRedisTier(resultcache.RedisConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
		})
		if err != nil {
			slog.Warn("failed to connect to Redis, continuing with L1-only cache", "error", err)
		} else {
			cacheOpts = append(cacheOpts, resultcache.WithL2(l2))
			slog.Info("L2 result cache enabled", "addr", cfg.Cache.Redis.Addr)
		}
	}
	l1Size := cfg.Cache.L1Size
	if merged := settings.GetMerged(); merged.Cache.L1Size != nil {
		l1Size = *merged.Cache.L1Size
	}
	cache := resultcache.New(l1Size, cacheOpts...)

	// Policy engine, configured with the risk ladder settings layer.
	engine := policyengine.New()
	applyRiskLadderSettings(engine, settings)

	// Detection sink.
	var detectionSink sink.Sink = sink.NoopSink{}
	var sqliteStore *sink.SQLiteStore
	if cfg.Sink.Enabled {
		dataDir := filepath.Dir(cfg.Sink.Path)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			slog.Error("failed to create sink data directory", "error", err, "path", dataDir)
			os.Exit(1)
		}
		sqliteStore, err = sink.NewSQLiteStore(cfg.Sink.Path)
		if err != nil {
			slog.Error("failed to initialize sink storage", "error", err)
			os.Exit(1)
		}
		detectionSink = sqliteStore
		slog.Info("detection sink enabled", "path", cfg.Sink.Path)
	}

	// Telemetry (graceful degradation if initialization fails).
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithDeadline(cfg.Deadline()),
		pipeline.WithSink(detectionSink),
	}
	if tp != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithTelemetry(tp))
	}
	p := pipeline.New(policies, engine, regex, semantic, cache, pipelineOpts...)

	var statsSource control.StatsSource
	if sqliteStore != nil {
		statsSource = sqliteStore
	}

	var fwd *forwarder.Forwarder
	if cfg.Forwarder.Enabled {
		backends := make(map[string]forwarder.BackendConfig, len(cfg.Forwarder.Backends))
		for name, b := range cfg.Forwarder.Backends {
			backends[name] = forwarder.BackendConfig{URL: b.URL, Models: b.Models, Default: b.Default}
		}
		fwd, err = forwarder.New(backends)
		if err != nil {
			slog.Warn("failed to initialize forwarder, /forward will report not-configured", "error", err)
			fwd = nil
		} else {
			slog.Info("forwarder enabled", "backends", len(backends))
		}
	}

	controlHandler := control.NewWithForwarder(p, statsSource, cfg.Control.Auth.Enabled, cfg.Control.Auth.APIKey, fwd)

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 1)
	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}
	if sqliteStore != nil {
		if err := sqliteStore.Close(); err != nil {
			slog.Error("sink close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("prompt firewall stopped")
}

// applyRiskLadderSettings installs the settings store's risk ladder
// thresholds into the policy engine, translating the nullable JSON
// override fields into a concrete RiskLadderConfig.
func applyRiskLadderSettings(engine *policyengine.Engine, settings *config.SettingsStore) {
	merged := settings.GetMerged().Policy.RiskLadder
	if merged == nil {
		return
	}

	rlCfg := policyengine.RiskLadderConfig{
		Window: time.Hour,
	}
	if merged.Enabled != nil {
		rlCfg.Enabled = *merged.Enabled
	}
	if merged.WarnScore != nil {
		rlCfg.Thresholds = append(rlCfg.Thresholds, policyengine.RiskThreshold{
			Score: float64(*merged.WarnScore), Action: policyengine.ActionWarn,
		})
	}
	if merged.ThrottleScore != nil {
		rlCfg.Thresholds = append(rlCfg.Thresholds, policyengine.RiskThreshold{
			Score: float64(*merged.ThrottleScore), Action: policyengine.ActionThrottle, ThrottleRate: 10,
		})
	}
	if merged.BlockScore != nil {
		rlCfg.Thresholds = append(rlCfg.Thresholds, policyengine.RiskThreshold{
			Score: float64(*merged.BlockScore), Action: policyengine.ActionBlock,
		})
	}
	if merged.TerminateScore != nil {
		rlCfg.Thresholds = append(rlCfg.Thresholds, policyengine.RiskThreshold{
			Score: float64(*merged.TerminateScore), Action: policyengine.ActionTerminate,
		})
	}
	engine.Configure(rlCfg)
}

// policyFilePaths lists the *.yaml files in dir, one policy per file.
func policyFilePaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".yaml" && filepath.Ext(name) != ".yml" {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}
