package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tg-imagebot/internal/bot"
	"tg-imagebot/internal/config"
	"tg-imagebot/internal/crash"
	"tg-imagebot/internal/enhance"
	"tg-imagebot/internal/handler"
	"tg-imagebot/internal/logger"
	"tg-imagebot/internal/moderation"
	"tg-imagebot/internal/queue"
	"tg-imagebot/internal/render"
	"tg-imagebot/internal/service"
	"tg-imagebot/internal/storage"
	"tg-imagebot/internal/workflow"
)

const statsInterval = 10 * time.Minute

func main() {
	defer crash.RecoverWithStackAndExit("main")
	crash.SetupCrashHandler()

	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Setup(cfg); err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}

	backend, err := storage.Open(cfg)
	if err != nil {
		logger.Fatalf("Failed to open %s store: %v", cfg.Database.Driver, err)
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	// the handler exists only after the bot does; the debug page asks it lazily
	var h *handler.Handler
	status := func() string {
		if h == nil {
			return "starting"
		}
		return h.DetailedStatus()
	}

	botService, server, err := bot.Initialize(ctx, cfg, status)
	if err != nil {
		logger.Fatalf("Failed to initialize bot: %v", err)
	}

	gate := moderation.NewGate(
		backend.Store,
		moderation.NewWordFilter(cfg.Moderation.BannedWords),
		bot.NewAdminNotifier(botService.Bot, cfg.Bot.AdminIDs),
		moderation.GateConfig{
			Threshold:       cfg.Moderation.WarningThreshold,
			ConflictRetries: cfg.Moderation.ConflictRetries,
		},
	)
	if err := gate.LoadWords(ctx); err != nil {
		logger.Fatalf("Failed to load banned words: %v", err)
	}

	template, err := workflow.LoadTemplate(cfg.Generation.TemplateFile)
	if err != nil {
		logger.Fatalf("Failed to load workflow template: %v", err)
	}
	builder, err := workflow.NewBuilder(template, cfg.Generation.Nodes, workflow.CatalogFromConfig(cfg.Generation))
	if err != nil {
		logger.Fatalf("Failed to prepare workflow template: %v", err)
	}

	renderer, err := render.NewComfyClient(cfg.Renderer)
	if err != nil {
		logger.Fatalf("Failed to create renderer client: %v", err)
	}

	// the client is built even when disabled so a reload can switch it on
	enhancer := enhance.NewPolicy(enhance.NewClient(cfg.Enhancement), cfg.Enhancement.MaxTokens)

	orch := service.NewOrchestrator(
		gate,
		enhancer,
		builder,
		bot.NewChatPresenter(botService.Bot, cfg.Renderer.RequestTimeout),
		backend.History,
		service.Options{
			EnhancementEnabled: cfg.Enhancement.Enabled,
			DefaultCreativity:  cfg.Enhancement.DefaultCreativity,
		},
	)
	q := queue.New(renderer, orch, queue.Options{
		Capacity:      cfg.Queue.Capacity,
		RenderTimeout: cfg.Queue.RenderTimeout,
	})
	orch.AttachQueue(q)

	h = handler.New(botService.Bot, orch, gate, builder, cfg.Bot)
	h.SetupMessageHandlers(botService.Handler)

	config.Watch(func(c *config.Config) {
		reloadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := gate.ReloadWords(reloadCtx, c.Moderation.BannedWords); err != nil {
			logger.Errorf("Failed to reload banned words: %v", err)
		}
		builder.SetCatalog(workflow.CatalogFromConfig(c.Generation))
		orch.SetEnhancement(c.Enhancement.Enabled, c.Enhancement.DefaultCreativity)
		h.SetAccess(c.Bot.AdminIDs, c.Bot.AllowedChats)
		logger.Info("Applied reloaded configuration")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return crash.Guard("queue", func() error { return q.Run(gctx) })
	})
	if server != nil {
		g.Go(func() error {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	crash.SafeGoroutine("stats", func() {
		h.LogProcessingStats(gctx, statsInterval)
	})
	crash.SafeGoroutine("bot-handler", botService.Start)
	logger.Info("Image bot is running")

	<-gctx.Done()
	logger.Info("Shutting down...")

	botService.Stop()

	logger.Info("Waiting for command handlers to complete...")
	if h.WaitForHandlers(30 * time.Second) {
		logger.Info("All command handlers completed")
	} else {
		logger.Warning("Timeout waiting for command handlers, proceeding with shutdown")
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("HTTP server shutdown error: %v", err)
		}
		cancel()
	}

	// a queue or server failure ends gctx without a signal
	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("Stopped with error: %v", err)
	}
	logger.Info("Image bot stopped")
}
