// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/omnichannel-agent/internal/cache"
	"github.com/capitalize-ai/omnichannel-agent/internal/channel"
	"github.com/capitalize-ai/omnichannel-agent/internal/config"
	"github.com/capitalize-ai/omnichannel-agent/internal/confidence"
	"github.com/capitalize-ai/omnichannel-agent/internal/credits"
	"github.com/capitalize-ai/omnichannel-agent/internal/email"
	"github.com/capitalize-ai/omnichannel-agent/internal/handler"
	"github.com/capitalize-ai/omnichannel-agent/internal/handoff"
	"github.com/capitalize-ai/omnichannel-agent/internal/knowledge"
	"github.com/capitalize-ai/omnichannel-agent/internal/llm"
	natsclient "github.com/capitalize-ai/omnichannel-agent/internal/nats"
	"github.com/capitalize-ai/omnichannel-agent/internal/secrets"
	"github.com/capitalize-ai/omnichannel-agent/internal/service"
	"github.com/capitalize-ai/omnichannel-agent/internal/store"
	"github.com/capitalize-ai/omnichannel-agent/internal/ticketing"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
	"github.com/capitalize-ai/omnichannel-agent/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting API server")

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "omnichannel-agent", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Storage
	db, err := store.Open(ctx, cfg.DatabaseURL, store.Options{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.RunMigrations {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	ready := map[string]handler.Pinger{"postgres": db}

	var kv cache.Cache
	if cfg.RedisURL != "" {
		r, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer r.Close()
		kv = r
		ready["redis"] = r
	} else {
		log.Warn("REDIS_URL not set, using in-process cache")
		kv = cache.NewMemory()
	}

	box, err := secrets.NewBox(cfg.CredentialsKey)
	if err != nil {
		return err
	}

	// NATS
	nc, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return err
	}
	defer nc.Close()
	ready["nats"] = nc

	events := natsclient.NewEventStream(nc, log)
	if err := events.EnsureStream(ctx); err != nil {
		return err
	}
	jobs := natsclient.NewJobQueue(nc, log)
	if err := jobs.EnsureStream(ctx); err != nil {
		return err
	}

	// LLM
	chat, err := newChatClient(cfg)
	if err != nil {
		return err
	}
	embedder, err := llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	if err != nil {
		return fmt.Errorf("knowledge embeddings: %w", err)
	}

	httpClient := newProviderClient()

	adapters, err := channel.NewRegistry(httpClient, channel.Endpoints{Email: cfg.EmailAPIURL})
	if err != nil {
		return err
	}

	var mailer email.Sender
	if cfg.EmailAPIKey != "" {
		mailer = email.NewAPISender(httpClient, cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom)
	} else {
		log.Warn("EMAIL_API_KEY not set, notifications are logged only")
		mailer = email.NewLogSender(log)
	}

	ledger := credits.NewLedger(db, kv, mailer, log)
	handoffs := handoff.NewRouter(handoff.Config{
		Store:        db,
		Secrets:      box,
		Tickets:      ticketing.NewRegistry(httpClient),
		Mailer:       mailer,
		Events:       events,
		LLM:          chat,
		SummaryModel: cfg.JudgeModel,
		AppBaseURL:   cfg.AppBaseURL,
		Logger:       log,
	})

	tasks := service.NewTaskRunner(log)
	pipeline := service.NewOrchestrator(service.PipelineConfig{
		Store:     db,
		Ledger:    ledger,
		Retriever: knowledge.NewRetriever(llm.NewCachedEmbedder(embedder, kv, cfg.EmbeddingModel), db),
		LLM:       chat,
		ChatModel: cfg.ChatModel,
		Scorer:    confidence.NewScorer(chat, cfg.JudgeModel, log),
		Tagger:    service.NewTagger(chat, cfg.JudgeModel),
		Handoffs:  handoffs,
		Events:    events,
		Tasks:     tasks,
		Logger:    log,
	})
	dispatcher := service.NewDispatcher(db, pipeline, log)
	sender := service.NewSender(db, box, adapters, jobs, log)

	router := newRouter(cfg, log, routes{
		health:        handler.NewHealthHandler(ready),
		webhooks:      handler.NewWebhookHandler(db, box, adapters, dispatcher, sender, tasks, log),
		widget:        handler.NewWidgetHandler(dispatcher, log),
		streams:       handler.NewStreamHandler(db, events, log),
		conversations: handler.NewConversationHandler(service.NewConversationService(db, events, log), log),
		messages:      handler.NewMessageHandler(service.NewMessageService(db, sender, events, log), log),
		credits:       handler.NewCreditsHandler(ledger, db, jobs, log),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.WorkersEnabled {
		workers := service.NewWorkers(jobs, sender, ledger, db, service.WorkerConfig{
			OutboundRetryConcurrency: cfg.OutboundRetryConcurrency,
			CreditGrantConcurrency:   cfg.CreditGrantConcurrency,
			AnalyticsConcurrency:     cfg.AnalyticsConcurrency,
			RollupInterval:           cfg.AnalyticsRollupInterval,
		}, log)
		g.Go(func() error {
			if err := workers.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("workers: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
		}
		if err := tasks.Shutdown(shutdownCtx); err != nil {
			log.Warn("background tasks abandoned", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// newProviderClient is shared by channel adapters, ticketing and email. It
// never retries; failed channel sends go through the outbound retry queue.
func newProviderClient() *resty.Client {
	return resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(0)
}

// newChatClient builds the completion client for DEFAULT_LLM.
func newChatClient(cfg *config.Config) (llm.Client, error) {
	provider := llm.Provider(cfg.DefaultLLM)
	key := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		key = cfg.OpenAIAPIKey
	}
	client, err := llm.NewClient(provider, key)
	if err != nil {
		return nil, fmt.Errorf("chat client: %w", err)
	}
	return client, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Env == "development" {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.LogLevel)
}
