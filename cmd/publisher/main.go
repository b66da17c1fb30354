package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"transcriptworker/internal/config"
	"transcriptworker/internal/queue"
	"transcriptworker/pkg/cache"
	"transcriptworker/pkg/logger"
	"transcriptworker/pkg/model"

	"go.uber.org/zap"
)

// publisher enqueues a transcription request or inspects job status in Redis.
func main() {
	configPath := flag.String("config", "", "Path to config file")
	jobID := flag.String("job", "", "Job id")
	objectPath := flag.String("object", "", "Object path of the source video")
	language := flag.String("language", "", "Optional language hint")
	status := flag.Bool("status", false, "Print the stored status of -job instead of publishing")
	watch := flag.Bool("watch", false, "Follow status notifications until the job finishes")
	flag.Parse()

	if err := logger.Init(true); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *status:
		err = printStatus(ctx, cfg, *jobID)
	case *watch:
		err = watchStatus(ctx, cfg, *jobID)
	default:
		err = publish(ctx, cfg, *jobID, *objectPath, *language)
	}
	if err != nil {
		logger.Fatal("Command failed", zap.Error(err))
	}
}

func publish(ctx context.Context, cfg *config.Config, jobID, objectPath, language string) error {
	msg := &queue.TranscriptionMessage{JobID: jobID, ObjectPath: objectPath}
	if language != "" {
		msg.Language = &language
	}

	p, err := queue.NewPublisher(cfg.RabbitMQ.URL, queue.Topology{
		Exchange:   cfg.RabbitMQ.Exchange,
		Queue:      cfg.RabbitMQ.Queue,
		DLX:        cfg.RabbitMQ.DLX,
		DLQ:        cfg.RabbitMQ.DLQ,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.PublishMessage(ctx, msg); err != nil {
		return err
	}

	logger.Info("Transcription request published", logger.JobID(jobID), zap.String("object_path", objectPath))
	return nil
}

func openCache(cfg *config.Config) (*cache.RedisCache, error) {
	if cfg.Redis.Addr == "" {
		return nil, errors.New("redis.addr is not configured")
	}
	return cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}

func printStatus(ctx context.Context, cfg *config.Config, jobID string) error {
	if jobID == "" {
		return errors.New("-job is required")
	}
	c, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	var update model.StatusUpdate
	if err := c.Get(ctx, cache.StatusCacheKey(jobID), &update); err != nil {
		return err
	}
	return printUpdate(update)
}

func watchStatus(ctx context.Context, cfg *config.Config, jobID string) error {
	c, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	sub := c.Subscribe(ctx, cfg.Redis.Channel)
	defer sub.Close()

	logger.Info("Watching status notifications", zap.String("channel", cfg.Redis.Channel))

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive notification: %w", err)
		}

		var update model.StatusUpdate
		if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
			logger.Warn("Skipping malformed notification", zap.Error(err))
			continue
		}
		if jobID != "" && update.JobID != jobID {
			continue
		}
		if err := printUpdate(update); err != nil {
			return err
		}
		if jobID != "" && update.Phase.IsFinal() {
			return nil
		}
	}
}

func printUpdate(update model.StatusUpdate) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(update)
}
