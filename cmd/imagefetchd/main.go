// Command imagefetchd runs the image fetch engine as an HTTP service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-imagefetch/pkg/cache"
	"github.com/illmade-knight/go-imagefetch/pkg/decode"
	"github.com/illmade-knight/go-imagefetch/pkg/fetch"
	"github.com/illmade-knight/go-imagefetch/pkg/invalidation"
	"github.com/illmade-knight/go-imagefetch/pkg/microservice"
	"github.com/illmade-knight/go-imagefetch/pkg/transport"
	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

func main() {
	configPath := flag.String("config", os.Getenv("IMAGEFETCH_CONFIG"), "path to a YAML config file")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := microservice.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level).With().Str("service", cfg.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Service failed")
	}
}

func run(ctx context.Context, cfg *microservice.Config, logger zerolog.Logger) error {
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	// --- Transports ---
	httpTransport, err := transport.NewHTTPTransport(cfg.HTTPTransportConfig(), nil, logger)
	if err != nil {
		return err
	}
	router := transport.NewRouter().Handle(httpTransport, "http", "https")

	if cfg.EnableGCS {
		gcsClient, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return err
		}
		defer func() { _ = gcsClient.Close() }()
		gcsTransport, err := transport.NewGCSTransport(transport.NewGCSClientAdapter(gcsClient), cfg.HTTP.MaxBodyBytes, logger)
		if err != nil {
			return err
		}
		router.Handle(gcsTransport, "gs")
	}

	var origin types.Fetcher = router
	var blobs invalidation.BlobInvalidator
	var engineOpts []fetch.Option
	if rc := cfg.RedisConfig(); rc != nil {
		redisTier, err := cache.NewRedisBlobCache(ctx, rc, router, logger, cache.WithBlobValidator(decode.CheckHeader))
		if err != nil {
			return err
		}
		defer func() { _ = redisTier.Close() }()
		origin = redisTier
		blobs = redisTier
		engineOpts = append(engineOpts, fetch.WithBlobInvalidator(redisTier))
	}

	// --- Engine ---
	fetchCfg, err := cfg.FetchConfig()
	if err != nil {
		return err
	}
	engine, err := fetch.New(fetchCfg, origin, decode.StdDecoder{MaxPixels: 64 << 20}, logger, engineOpts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	// --- Invalidation feed ---
	if cc := cfg.ConsumerConfig(); cc != nil {
		psClient, err := pubsub.NewClient(ctx, cc.ProjectID, clientOpts...)
		if err != nil {
			return err
		}
		defer func() { _ = psClient.Close() }()
		consumer, err := invalidation.NewGooglePubsubConsumer(cc, psClient, logger)
		if err != nil {
			return err
		}
		listener, err := invalidation.NewListener(consumer, engine, blobs, logger)
		if err != nil {
			return err
		}
		if err := listener.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = listener.Stop(stopCtx)
		}()
	}

	// --- HTTP surface ---
	service := microservice.NewImageService(engine, cfg.HTTPPort, logger)
	if err := service.Start(ctx); err != nil {
		return err
	}

	if len(cfg.Cache.Prefetch) > 0 {
		go func() {
			if err := engine.Prefetch(ctx, cfg.Cache.Prefetch); err != nil {
				logger.Warn().Err(err).Msg("Prefetch did not complete")
				return
			}
			logger.Info().Int("count", len(cfg.Cache.Prefetch)).Msg("Prefetch complete")
		}()
	}

	<-ctx.Done()
	logger.Info().Str("stats", engine.Stats().String()).Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return service.Shutdown(shutdownCtx)
}
