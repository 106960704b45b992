// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/internal/billing"
	"github.com/replyforge/chatbot-platform/internal/clock"
	"github.com/replyforge/chatbot-platform/internal/config"
	"github.com/replyforge/chatbot-platform/internal/delivery"
	"github.com/replyforge/chatbot-platform/internal/flow"
	"github.com/replyforge/chatbot-platform/internal/handler"
	"github.com/replyforge/chatbot-platform/internal/llm"
	"github.com/replyforge/chatbot-platform/internal/middleware"
	natsclient "github.com/replyforge/chatbot-platform/internal/nats"
	"github.com/replyforge/chatbot-platform/internal/payment"
	"github.com/replyforge/chatbot-platform/internal/service"
	"github.com/replyforge/chatbot-platform/internal/store"
	"github.com/replyforge/chatbot-platform/pkg/logger"
	"github.com/replyforge/chatbot-platform/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatbot-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS for the audit stream. The platform runs without it,
	// with audit publishing disabled.
	var streamManager *natsclient.StreamManager
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Warn("NATS unavailable, audit stream disabled", zap.Error(err))
	} else {
		defer natsClient.Close()
		streamManager = natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure stream", zap.Error(err))
			os.Exit(1)
		}
	}

	// Initialize LLM client for ai_reply action nodes
	var llmClient llm.Client
	if cfg.AnthropicAPIKey != "" {
		llmClient, err = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
		if err != nil {
			log.Warn("failed to create Anthropic client, ai_reply disabled", zap.Error(err))
		}
	} else if cfg.OpenAIAPIKey != "" {
		llmClient, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey)
		if err != nil {
			log.Warn("failed to create OpenAI client, ai_reply disabled", zap.Error(err))
		}
	}

	// Stores. The in-memory implementation backs local runs; a database
	// slots in behind the same interfaces.
	mem := store.NewMemory()
	clk := clock.System()

	// Payment provider
	razorpay := payment.NewRazorpay(payment.RazorpayConfig{
		KeyID:         cfg.RazorpayKeyID,
		KeySecret:     cfg.RazorpayKeySecret,
		WebhookSecret: cfg.RazorpayWebhookSecret,
		BaseURL:       cfg.RazorpayBaseURL,
	})

	// Flow engine
	deliverer := delivery.NewDeliverer(cfg.WebhookTimeout, log.Named("delivery"))
	scheduler := flow.NewScheduler()
	defer scheduler.Stop()
	actions := flow.NewActions(llmClient, log.Named("flow"))
	engine := flow.New(cfg.FlowMaxHops, scheduler, deliverer, actions, clk, log.Named("flow"))

	// Services
	conversationSvc := service.NewConversationService(mem, mem, engine, scheduler, streamManager, clk, log.Named("conversation"))
	scheduler.SetFire(conversationSvc.ResumeDelayed)
	reconciler := billing.NewReconciler(mem, mem, mem, razorpay, clk, log.Named("billing"))

	// Handlers
	healthHandler := handler.NewHealthHandler(natsClient)
	widgetHandler := handler.NewWidgetHandler(conversationSvc, log)
	streamHandler := handler.NewStreamHandler(conversationSvc, log)
	chatbotHandler := handler.NewChatbotHandler(mem, mem, conversationSvc, deliverer, log)
	billingHandler := handler.NewBillingHandler(reconciler, mem, log)
	webhookHandler := handler.NewWebhookHandler(reconciler, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Payment provider webhooks (signature-authenticated, no JWT)
	r.Post("/webhooks/razorpay", webhookHandler.Razorpay)

	// Public widget routes
	r.Route("/widget/{chatbotID}", func(r chi.Router) {
		r.Use(middleware.WidgetRateLimit(cfg))

		r.Post("/conversations", widgetHandler.Start)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Post("/messages", widgetHandler.PostMessage)
			r.Get("/messages", widgetHandler.ListMessages)
			r.Post("/buttons", widgetHandler.ClickButton)
			r.Get("/stream", streamHandler.Stream)
			r.Post("/lead", widgetHandler.SubmitLead)
			r.Post("/feedback", widgetHandler.SubmitFeedback)
			r.Post("/end", widgetHandler.End)
		})
	})

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg))

		// Chatbots. Reads come with any valid token; mutations need the
		// chatbots:write scope.
		r.Route("/chatbots", func(r chi.Router) {
			r.With(middleware.RequireScope(middleware.ScopeChatbotsWrite)).Post("/", chatbotHandler.Create)
			r.Get("/", chatbotHandler.List)

			r.Route("/{chatbotID}", func(r chi.Router) {
				r.Get("/", chatbotHandler.Get)
				r.Get("/conversations", chatbotHandler.ListConversations)

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireScope(middleware.ScopeChatbotsWrite))
					r.Put("/", chatbotHandler.Update)
					r.Post("/trigger", chatbotHandler.TriggerFlow)
					r.Post("/webhook/test", chatbotHandler.TestWebhook)
				})
			})
		})

		// Billing
		r.Route("/billing", func(r chi.Router) {
			r.Get("/subscription", billingHandler.Get)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(middleware.ScopeBillingManage))
				r.Post("/subscribe", billingHandler.Subscribe)
				r.Post("/confirm", billingHandler.Confirm)
				r.Post("/cancel", billingHandler.Cancel)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
