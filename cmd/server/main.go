// Lead funnel chat server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/leadfunnel/internal/api"
	"github.com/ashureev/leadfunnel/internal/chat"
	"github.com/ashureev/leadfunnel/internal/chatlog"
	"github.com/ashureev/leadfunnel/internal/config"
	"github.com/ashureev/leadfunnel/internal/funnel"
	"github.com/ashureev/leadfunnel/internal/identity"
	"github.com/ashureev/leadfunnel/internal/leads"
	"github.com/ashureev/leadfunnel/internal/middleware"
	"github.com/ashureev/leadfunnel/internal/ratelimit"
	"github.com/ashureev/leadfunnel/internal/session"
	"github.com/ashureev/leadfunnel/internal/store"
	"github.com/ashureev/leadfunnel/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "container", config.IsContainer())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	leadStore, err := leads.New(cfg.Leads.Backend, cfg.Leads.Path, funnel.Keys(), repo)
	if err != nil {
		slog.Error("Failed to initialize lead store", "error", err)
		os.Exit(1)
	}
	slog.Info("Lead store ready", "backend", cfg.Leads.Backend, "path", cfg.Leads.Path)

	conversationLogger, err := chatlog.New(chatlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	slog.Info("Assistant runs in scripted mode", "openai_configured", cfg.Company.OpenAIKey != "")

	// Initialize services.
	throttle := ratelimit.NewThrottle(cfg.RateLimit.MinInterval)
	slog.Info("Input pacing configured", "min_interval", throttle.Interval(), "touch_on_reject", cfg.RateLimit.TouchOnReject)

	sessions := session.NewManager(session.Options{
		Machine:       funnel.NewMachine(funnel.DefaultTexts(), logger),
		Throttle:      throttle,
		Leads:         leadStore,
		Repo:          repo,
		ChatLog:       conversationLogger,
		Logger:        logger,
		Welcome:       session.WelcomeMessage(cfg.Company.Name, cfg.Company.Blurb),
		TouchOnReject: cfg.RateLimit.TouchOnReject,
	})
	defer sessions.Close()

	flood := ratelimit.NewWindow(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer flood.Stop()

	registry := chat.NewRegistry()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, sessions, cfg, flood)
	baseHandler.SetResetNotifier(registry)
	chatHandler := api.NewChatHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := chat.NewHandler(sessions, registry, flood, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Routes that need an anonymous identity (no auth needed).
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Serve embedded page (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...", "open_chats", registry.Count())

	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
