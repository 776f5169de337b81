// Command flowpilotd is the flowpilot daemon: it loads every workflow
// document under its workflows directory, wires their triggers to the
// cron/file-watch/webhook services, and serves the REST/WebSocket control
// surface until terminated. Grounded on the teacher's cmd/server/main.go:
// flag parsing, fail-fast startup logging, a goroutine-run http.Server, and
// signal.Notify-driven graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smilemakc/flowpilot/internal/api"
	"github.com/smilemakc/flowpilot/internal/broadcast"
	"github.com/smilemakc/flowpilot/internal/config"
	"github.com/smilemakc/flowpilot/internal/errorreport"
	"github.com/smilemakc/flowpilot/internal/executor"
	"github.com/smilemakc/flowpilot/internal/parser"
	"github.com/smilemakc/flowpilot/internal/runner"
	"github.com/smilemakc/flowpilot/internal/schedule"
	"github.com/smilemakc/flowpilot/internal/store"
	"github.com/smilemakc/flowpilot/internal/template"
	"github.com/smilemakc/flowpilot/internal/trigger/cron"
	"github.com/smilemakc/flowpilot/internal/trigger/filewatch"
	"github.com/smilemakc/flowpilot/internal/trigger/webhook"
)

func main() {
	port := flag.String("port", "", "listen port (overrides FLOWPILOT_PORT)")
	workflowsDir := flag.String("workflows", "", "workflows directory (overrides FLOWPILOT_WORKFLOWS_DIR)")
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}
	if *workflowsDir != "" {
		cfg.WorkflowsDir = *workflowsDir
	}

	config.SetupLogger(cfg.LogLevel)
	log.Info().Str("port", cfg.Port).Str("workflows_dir", cfg.WorkflowsDir).Str("dsn", maskDSN(cfg.DatabaseDSN)).Msg("starting flowpilotd")

	db := store.Open(cfg.DatabaseDSN)
	defer db.Close()

	ctx := context.Background()
	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database schema")
	}
	log.Info().Msg("database schema initialized")

	evaluator := template.NewEvaluator()
	processor := template.NewProcessor(evaluator)

	registry := executor.NewDefaultRegistry(executor.Dependencies{
		Evaluator:      evaluator,
		ChatAPIKey:     cfg.ChatAPIKey,
		ChatAPIBaseURL: cfg.ChatAPIBaseURL,
	})
	breakers := executor.NewCircuitBreakerRegistry(executor.DefaultCircuitBreakerConfig())
	broadcaster := broadcast.NewBroadcaster()
	errorReports := errorreport.NewRegistry()

	run := runner.New(runner.Deps{
		Registry:     registry,
		Breakers:     breakers,
		Evaluator:    evaluator,
		Templates:    processor,
		Store:        db,
		Broadcaster:  broadcaster,
		ErrorReports: errorReports,
	})

	// scheduleMgr is captured by the trigger services' Fire callbacks below
	// before it exists; each callback only runs after cronSvc.Start() /
	// fileWatchSvc.Run() / a webhook request, all of which happen after
	// scheduleMgr is assigned a few lines down.
	var scheduleMgr *schedule.Manager

	cronSvc := cron.New(func(ctx context.Context, workflowName, workflowPath string) {
		scheduleMgr.FireCron(ctx, workflowName, workflowPath)
	})
	fileWatchSvc, err := filewatch.New(func(ctx context.Context, workflowName, workflowPath string, event filewatch.Event) {
		scheduleMgr.FireFileWatch(ctx, workflowName, workflowPath, event)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start file watcher")
	}
	webhookSvc := webhook.New(func(workflowName, workflowPath string, inputs map[string]any) (string, error) {
		return scheduleMgr.FireWebhook(workflowName, workflowPath, inputs)
	})

	scheduleMgr = schedule.New(schedule.Deps{
		Store:     db,
		Cron:      cronSvc,
		FileWatch: fileWatchSvc,
		Webhook:   webhookSvc,
		Runner:    run,
	})

	cronSvc.Start()
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go fileWatchSvc.Run(watchCtx)

	loadWorkflows(ctx, cfg.WorkflowsDir, scheduleMgr)

	server := api.NewServer(api.Deps{
		WorkflowsDir: cfg.WorkflowsDir,
		Store:        db,
		Runner:       run,
		Schedule:     scheduleMgr,
		Webhook:      webhookSvc,
		Broadcaster:  broadcaster,
		ErrorReports: errorReports,
		AuthSecret:   cfg.APIAuthSecret,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("address", httpServer.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stopWatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	cronCtx := cronSvc.Stop()
	<-cronCtx.Done()

	log.Info().Msg("server exited gracefully")
}

// loadWorkflows scans dir for workflow documents and registers each one's
// triggers, logging and skipping any document that fails to parse rather
// than aborting startup over one bad file.
func loadWorkflows(ctx context.Context, dir string, mgr *schedule.Manager) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("dir", dir).Msg("workflows directory does not exist, starting with none loaded")
			return
		}
		log.Fatal().Err(err).Str("dir", dir).Msg("failed to read workflows directory")
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		wf, err := parser.LoadFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("skipping invalid workflow document")
			continue
		}
		if err := mgr.Register(ctx, wf); err != nil {
			log.Error().Err(err).Str("workflow", wf.Name).Msg("failed to register workflow triggers")
			continue
		}
		loaded++
	}
	log.Info().Int("count", loaded).Msg("workflows loaded")
}

// maskDSN redacts a Postgres DSN's password for safe logging.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	colon := strings.Index(dsn, "://")
	if at < 0 || colon < 0 {
		return dsn
	}
	userinfo := dsn[colon+3 : at]
	sep := strings.Index(userinfo, ":")
	if sep < 0 {
		return dsn
	}
	return dsn[:colon+3] + userinfo[:sep] + ":***" + dsn[at:]
}
