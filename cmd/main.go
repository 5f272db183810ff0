package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/afero"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/chaodonghu/outfit-generator/auth"
	"github.com/chaodonghu/outfit-generator/cache"
	"github.com/chaodonghu/outfit-generator/config"
	"github.com/chaodonghu/outfit-generator/fallback"
	"github.com/chaodonghu/outfit-generator/generator"
	"github.com/chaodonghu/outfit-generator/image"
	"github.com/chaodonghu/outfit-generator/monitoring"
	"github.com/chaodonghu/outfit-generator/provider"
	"github.com/chaodonghu/outfit-generator/provider/claude"
	"github.com/chaodonghu/outfit-generator/provider/describe"
	"github.com/chaodonghu/outfit-generator/provider/openai"
	"github.com/chaodonghu/outfit-generator/provider/studio"
	"github.com/chaodonghu/outfit-generator/rate"
	"github.com/chaodonghu/outfit-generator/retry"
	"github.com/chaodonghu/outfit-generator/server"
	"github.com/chaodonghu/outfit-generator/state"
	"github.com/chaodonghu/outfit-generator/utils"
)

func setupIdentityStore(config config.StoreConfig) (state.IdentityStore, func(), error) {
	if config.ValkeyEndpoint == "" {
		return state.NewMemoryManager(), func() {}, nil
	}

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{config.ValkeyEndpoint},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Valkey client: %v", err)
	}
	return state.NewValkeyManager(valkeyClient, config.KeyPrefix, config.RecordTTL), valkeyClient.Close, nil
}

func newOpenAIEndpoint(config *config.Config) (*openai.Endpoint, error) {
	return openai.NewEndpoint(openai.Config{
		APIKey:        config.OpenAiApiKey,
		BaseURL:       config.Provider.BaseURL,
		DescribeModel: config.Provider.DescribeModel,
		ImageModel:    config.Provider.Model,
		ImageSize:     config.Provider.ImageSize,
		Timeout:       config.Provider.Timeout,
	})
}

func setupProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderStudio:
		return studio.NewEndpoint(ctx, studio.Config{
			APIKey:  cfg.GenaiStudioApiKey,
			Model:   cfg.Provider.Model,
			BaseURL: cfg.Provider.BaseURL,
			Timeout: cfg.Provider.Timeout,
		})
	case config.ProviderOpenAI, config.ProviderDescribe:
		openaiEndpoint, err := newOpenAIEndpoint(cfg)
		if err != nil {
			return nil, err
		}
		var describer provider.Describer = openaiEndpoint.AsDescriber()
		if cfg.Provider.Kind == config.ProviderDescribe && cfg.Provider.Describer == "claude" {
			describer, err = claude.NewEndpoint(cfg.ClaudeApiKey, cfg.Provider.DescribeModel)
			if err != nil {
				return nil, err
			}
		}
		return describe.NewEndpoint(describer, openaiEndpoint.AsSynthesizer(), cfg.Provider.Concurrency)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider.Kind)
	}
}

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	config, err := config.LoadConfig(afero.NewOsFs(), *configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := monitoring.SetupTelemetry(ctx, config.Telemetry, sugar)
	if err != nil {
		sugar.Fatalw("Failed to set up telemetry", "error", err)
	}

	metrics, err := monitoring.NewMetrics(config.Metrics)
	if err != nil {
		sugar.Fatalw("Failed to create metrics", "error", err)
	}

	identities, closeStore, err := setupIdentityStore(config.Store)
	if err != nil {
		sugar.Fatalw("Failed to set up identity store", "error", err)
	}
	blobs := state.NewFileBlobStore(afero.NewOsFs(), config.Store.BlobDir, config.Store.PublicURL)

	imageProvider, err := setupProvider(ctx, config)
	if err != nil {
		sugar.Fatalw("Failed to create provider", "error", err)
	}

	limiter := utils.Must(rate.NewLimiter(config.RateLimit, sugar))
	retrier := utils.Must(retry.NewController(config.Retry, sugar))
	preprocessor := utils.Must(image.NewPreprocessor(config.Preprocess))
	compositor := utils.Must(fallback.NewCompositor(config.Fallback))
	cacheLayer := cache.NewLayer(identities, metrics, sugar)

	outfitGenerator, err := generator.New(generator.Dependencies{
		Provider:     imageProvider,
		Cache:        cacheLayer,
		Limiter:      limiter,
		Retrier:      retrier,
		Loader:       image.NewLoader(afero.NewOsFs()),
		Preprocessor: preprocessor,
		Blobs:        blobs,
		Fallback:     compositor,
		Metrics:      metrics,
		Logger:       sugar,
	})
	if err != nil {
		sugar.Fatalw("Failed to create generator", "error", err)
	}

	sugar.Infow("Loaded config",
		"provider", imageProvider.Name(), "model", imageProvider.Model(),
		"durable_cache", config.Store.ValkeyEndpoint != "", "port", config.Port)

	authenticator := auth.NewAuthenticator(auth.Config{
		ApiKey:    config.ApiKey,
		JWTSecret: config.JWTSecret,
	}, sugar)
	if !authenticator.Enabled() {
		sugar.Warnw("No API key or JWT secret configured, requests are not authenticated")
	}

	apiServer := server.New(outfitGenerator, cache.NewAPI(cacheLayer, sugar), authenticator, metrics, sugar)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	address := fmt.Sprintf(":%d", config.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: corsMiddleware.Handler(apiServer.Router()),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Errorw("Server forced to shutdown", "error", err)
		}
		if err := outfitGenerator.Shutdown(); err != nil {
			sugar.Warnw("Failed to shut down provider", "error", err)
		}
		closeStore()
		if err := shutdownTelemetry(ctx); err != nil {
			sugar.Warnw("Failed to flush telemetry", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}
	<-shutdownDone

	sugar.Infow("Server exited gracefully")
}
