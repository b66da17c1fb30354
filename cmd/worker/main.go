package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"transcriptworker/internal/assemblyai"
	"transcriptworker/internal/config"
	"transcriptworker/internal/media"
	"transcriptworker/internal/notify"
	"transcriptworker/internal/queue"
	"transcriptworker/internal/storage"
	"transcriptworker/internal/transcription"
	"transcriptworker/pkg/cache"
	"transcriptworker/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load .env file
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to config file (default $CONFIG_PATH or "+config.DefaultPath+")")
	migrate := flag.Bool("migrate", false, "Apply database migrations before starting")
	migrationsDir := flag.String("migrations", "migrations", "Migrations directory")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// The logger is not configured yet.
		if initErr := logger.Init(true); initErr != nil {
			panic("Failed to init logger: " + initErr.Error())
		}
		logger.Fatal("Failed to load config", zap.Error(err))
		return
	}

	// Initialize logger
	if err := logger.Init(cfg.Debug()); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting transcript worker",
		zap.String("environment", cfg.App.Environment),
		zap.Int("workers", cfg.Worker.Concurrency))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *migrate || cfg.Postgres.Migrate {
		if err := storage.RunMigrations(cfg.Postgres.DSN, *migrationsDir); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
			return
		}
	}

	// Connect to database
	db, err := storage.NewPostgresStorage(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
		return
	}
	defer db.Close()

	logger.Info("Database connection established")

	// Initialize S3 storage from config
	objects, err := storage.NewS3Storage(ctx,
		cfg.S3.Endpoint,
		cfg.S3.Region,
		cfg.S3.AccessKey,
		cfg.S3.SecretKey,
		cfg.S3.Bucket,
	)
	if err != nil {
		logger.Fatal("Failed to initialize S3 storage", zap.Error(err))
		return
	}

	logger.Info("S3 storage initialized", zap.String("bucket", cfg.S3.Bucket))

	ffmpeg := media.NewFFmpeg(cfg.Media.FFmpegPath, cfg.Media.FFmpegTimeout)
	if !ffmpeg.IsAvailable() {
		logger.Warn("ffmpeg not found, HLS audio extraction will fail", zap.String("path", ffmpeg.Path))
	}

	provider := assemblyai.NewClient(assemblyai.Config{
		APIKey:           cfg.AssemblyAI.APIKey,
		BaseURL:          cfg.AssemblyAI.BaseURL,
		UnderstandingURL: cfg.AssemblyAI.UnderstandingURL,
		SpeechModel:      cfg.AssemblyAI.SpeechModel,
		HTTPTimeout:      cfg.AssemblyAI.HTTPTimeout,
		UploadTimeout:    cfg.AssemblyAI.UploadTimeout,
	})

	// Status notifications are optional
	var reporter notify.Reporter = notify.Nop{}
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("Redis unavailable, status notifications disabled", zap.Error(err))
		} else {
			defer redisCache.Close()
			reporter = notify.NewRedisReporter(redisCache, cfg.Redis.Channel, cfg.Redis.StatusTTL)
			logger.Info("Redis status notifications enabled", zap.String("channel", cfg.Redis.Channel))
		}
	}

	service := transcription.NewService(transcription.Deps{
		Jobs:      db,
		Objects:   objects,
		Locator:   media.NewLocator(objects),
		Extractor: media.NewExtractor(objects, ffmpeg),
		Provider:  provider,
		Reporter:  reporter,
	}, transcription.OptionsFromConfig(cfg))

	consumer := queue.NewConsumer(queue.ConsumerConfig{
		URL: cfg.RabbitMQ.URL,
		Topology: queue.Topology{
			Exchange:   cfg.RabbitMQ.Exchange,
			Queue:      cfg.RabbitMQ.Queue,
			DLX:        cfg.RabbitMQ.DLX,
			DLQ:        cfg.RabbitMQ.DLQ,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		},
		Workers:            cfg.Worker.Concurrency,
		ReconnectBaseDelay: cfg.RabbitMQ.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.RabbitMQ.ReconnectMaxDelay,
		PollInterval:       cfg.RabbitMQ.PollInterval,
		ShutdownTimeout:    cfg.Worker.ShutdownTimeout,
	}, service)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- consumer.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		consumer.Stop()
	case err := <-runErr:
		if err != nil {
			logger.Error("Consumer stopped", zap.Error(err))
		}
	}

	logger.Info("Transcript worker shutdown complete")
}
