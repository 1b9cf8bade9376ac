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

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"lead-assistant/handler"
	"lead-assistant/internal/assistant"
	"lead-assistant/internal/config"
	"lead-assistant/internal/dedup"
	"lead-assistant/internal/integrations/anthropic"
	"lead-assistant/internal/integrations/greenapi"
	"lead-assistant/internal/integrations/openai"
	"lead-assistant/internal/integrations/paramstore"
	"lead-assistant/internal/lock"
	"lead-assistant/internal/outbound"
	"lead-assistant/internal/repository"
	"lead-assistant/internal/usecase"
)

const (
	shutdownTimeout = 15 * time.Second
	upstreamTimeout = 60 * time.Second
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal(logger, "failed to load AWS config", err)
	}

	// ---- Clients ----
	dynamoClient := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	})
	store, err := repository.New(dynamoClient, cfg.StateTable)
	if err != nil {
		fatal(logger, "failed to create state client", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fatal(logger, "invalid REDIS_URL", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	dedupStore, err := dedup.NewRedisStore(rdb)
	if err != nil {
		fatal(logger, "failed to create dedup store", err)
	}
	locker, err := lock.NewManager(rdb, lock.WithLogger(logger))
	if err != nil {
		fatal(logger, "failed to create lock manager", err)
	}

	router, err := newProviderRouter(cfg, awsCfg)
	if err != nil {
		fatal(logger, "failed to create AI providers", err)
	}
	generator, err := assistant.NewGenerator(store, store, router, assistant.Config{
		Provider:      cfg.AIProvider,
		MaxTokens:     cfg.AIMaxTokens,
		Temperature:   cfg.AITemperature,
		Timeout:       cfg.AITimeout,
		HistoryLimit:  cfg.HistoryLimit,
		AllowFallback: cfg.IsDevelopment(),
	}, logger)
	if err != nil {
		fatal(logger, "failed to create generator", err)
	}

	gateway := greenapi.NewClient(
		greenapi.WithBaseURL(cfg.GreenAPIBaseURL),
		greenapi.WithHTTPClient(&http.Client{Timeout: upstreamTimeout}),
		greenapi.WithRateLimit(cfg.OutboundRate),
	)
	delivery, err := outbound.NewDelivery(store, gateway,
		outbound.WithMaxLength(cfg.MaxOutboundLength),
		outbound.WithIdempotencyBucket(cfg.IdempotencyBucket),
		outbound.WithLogger(logger),
	)
	if err != nil {
		fatal(logger, "failed to create outbound delivery", err)
	}

	// ---- Use cases ----
	registry, err := usecase.NewRegistry(store, logger)
	if err != nil {
		fatal(logger, "failed to create registry", err)
	}
	modes, err := usecase.NewModeService(store, locker, cfg.LockTimeout, logger)
	if err != nil {
		fatal(logger, "failed to create mode service", err)
	}
	sender, err := usecase.NewSendService(delivery, locker, cfg.LockTimeout, logger)
	if err != nil {
		fatal(logger, "failed to create send service", err)
	}
	ingestor, err := usecase.NewIngestor(dedupStore, store, registry, locker, generator, delivery, usecase.IngestConfig{
		LockTimeout: cfg.LockTimeout,
		DedupTTL:    cfg.DedupTTL,
	}, logger)
	if err != nil {
		fatal(logger, "failed to create ingestor", err)
	}
	defer ingestor.Wait()

	// ---- Handler ----
	h, err := handler.NewHandler(handler.Deps{
		Ingestor:      ingestor,
		Modes:         modes,
		Conversations: registry,
		Sender:        sender,
		Properties:    registry,
		Checks: map[string]handler.Pinger{
			"dynamodb": store,
			"redis":    handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		},
		Logger: logger,
	})
	if err != nil {
		fatal(logger, "failed to create handler", err)
	}

	logger.Info("lead assistant starting",
		"environment", cfg.Environment, "provider", generator.ProviderName())

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(h.Handle)
		return
	}
	if err := serve(logger, cfg.Port, h); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// newProviderRouter registers the mock provider always and the hosted
// providers when API keys can be looked up.
func newProviderRouter(cfg *config.Config, awsCfg aws.Config) (*assistant.Router, error) {
	routes := map[string]assistant.Provider{config.ProviderMock: assistant.MockProvider{}}
	if cfg.ParamPrefix == "" {
		return assistant.NewRouter(routes), nil
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: upstreamTimeout}

	openaiKey, err := paramstore.NewToken(params, cfg.ParamPrefix, "openai-api-key")
	if err != nil {
		return nil, err
	}
	openaiOpts := []openai.Option{openai.WithModel(cfg.OpenAIModel), openai.WithHTTPClient(httpClient)}
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	primary, err := openai.NewClient(openaiKey, openaiOpts...)
	if err != nil {
		return nil, err
	}

	anthropicKey, err := paramstore.NewToken(params, cfg.ParamPrefix, "anthropic-api-key")
	if err != nil {
		return nil, err
	}
	secondary, err := anthropic.NewClient(anthropicKey, anthropic.WithModel(cfg.AnthropicModel), anthropic.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	routes[config.ProviderPrimary] = primary
	routes[config.ProviderSecondary] = secondary
	return assistant.NewRouter(routes), nil
}

func serve(logger *slog.Logger, port string, h http.Handler) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
