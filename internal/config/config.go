package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	"transcriptworker/pkg/logger"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const DefaultPath = "configs/config.yaml"

type Config struct {
	App struct {
		Environment string `yaml:"environment" env:"APP_ENVIRONMENT" env-default:"production"`
	} `yaml:"app"`

	RabbitMQ struct {
		URL                string        `yaml:"url" env:"RABBITMQ_URL"`
		Exchange           string        `yaml:"exchange" env:"RABBITMQ_EXCHANGE" env-default:"edtech.jobs"`
		Queue              string        `yaml:"queue" env:"RABBITMQ_QUEUE" env-default:"transcription"`
		DLX                string        `yaml:"dlx" env:"RABBITMQ_DLX" env-default:"edtech.jobs.dlx"`
		DLQ                string        `yaml:"dlq" env:"RABBITMQ_DLQ" env-default:"transcription.dlq"`
		RoutingKey         string        `yaml:"routing_key" env:"RABBITMQ_ROUTING_KEY" env-default:"transcription"`
		ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay" env:"RABBITMQ_RECONNECT_BASE_DELAY" env-default:"5s"`
		ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay" env:"RABBITMQ_RECONNECT_MAX_DELAY" env-default:"60s"`
		PollInterval       time.Duration `yaml:"poll_interval" env:"RABBITMQ_POLL_INTERVAL" env-default:"100ms"`
	} `yaml:"rabbitmq"`

	Worker struct {
		Concurrency     int           `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"2"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"WORKER_SHUTDOWN_TIMEOUT" env-default:"60s"`
	} `yaml:"worker"`

	Postgres struct {
		DSN     string `yaml:"dsn" env:"DATABASE_URL"`
		Migrate bool   `yaml:"migrate" env:"POSTGRES_MIGRATE" env-default:"false"`
	} `yaml:"postgres"`

	S3 struct {
		Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
		Region    string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
		AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
	} `yaml:"s3"`

	AssemblyAI struct {
		APIKey           string        `yaml:"api_key" env:"ASSEMBLYAI_API_KEY"`
		BaseURL          string        `yaml:"base_url" env:"ASSEMBLYAI_BASE_URL" env-default:"https://api.assemblyai.com"`
		UnderstandingURL string        `yaml:"understanding_url" env:"ASSEMBLYAI_UNDERSTANDING_URL" env-default:"https://llm-gateway.assemblyai.com/v1/understanding"`
		SpeechModel      string        `yaml:"speech_model" env:"ASSEMBLYAI_SPEECH_MODEL" env-default:"universal"`
		TargetLanguage   string        `yaml:"target_language" env:"ASSEMBLYAI_TARGET_LANGUAGE" env-default:"en"`
		HTTPTimeout      time.Duration `yaml:"http_timeout" env:"ASSEMBLYAI_HTTP_TIMEOUT" env-default:"60s"`
		UploadTimeout    time.Duration `yaml:"upload_timeout" env:"ASSEMBLYAI_UPLOAD_TIMEOUT" env-default:"10m"`
		SubmitTimeout    time.Duration `yaml:"submit_timeout" env:"ASSEMBLYAI_SUBMIT_TIMEOUT" env-default:"300s"`
		PollInterval     time.Duration `yaml:"poll_interval" env:"ASSEMBLYAI_POLL_INTERVAL" env-default:"5s"`
		PollTimeout      time.Duration `yaml:"poll_timeout" env:"ASSEMBLYAI_POLL_TIMEOUT" env-default:"1800s"`
		TranslationGrace time.Duration `yaml:"translation_grace" env:"ASSEMBLYAI_TRANSLATION_GRACE" env-default:"60s"`
	} `yaml:"assemblyai"`

	JobPolling struct {
		Interval time.Duration `yaml:"interval" env:"JOB_POLL_INTERVAL" env-default:"5s"`
		Timeout  time.Duration `yaml:"timeout" env:"JOB_POLL_TIMEOUT" env-default:"3600s"`
	} `yaml:"job_polling"`

	Media struct {
		FFmpegPath    string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH" env-default:"ffmpeg"`
		FFmpegTimeout time.Duration `yaml:"ffmpeg_timeout" env:"FFMPEG_TIMEOUT" env-default:"10m"`
	} `yaml:"media"`

	Transcripts struct {
		BackupDir string `yaml:"backup_dir" env:"TRANSCRIPTS_BACKUP_DIR" env-default:"transcripts"`
		TempDir   string `yaml:"temp_dir" env:"TRANSCRIPTS_TEMP_DIR"`
	} `yaml:"transcripts"`

	Redis struct {
		Addr      string        `yaml:"addr" env:"REDIS_ADDR"`
		Password  string        `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
		DB        int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
		Channel   string        `yaml:"channel" env:"REDIS_CHANNEL" env-default:"transcription.status"`
		StatusTTL time.Duration `yaml:"status_ttl" env:"REDIS_STATUS_TTL" env-default:"24h"`
	} `yaml:"redis"`
}

// LoadConfig reads the YAML file at path (environment variables win over file
// values). An empty path falls back to $CONFIG_PATH, then DefaultPath; a missing
// DefaultPath is fine as long as the environment supplies every required
// setting, a missing explicit path is an error.
func LoadConfig(path string) (*Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

// ReadConfig is LoadConfig without validation, for tools that need only part
// of the settings.
func ReadConfig(path string) (*Config, error) {
	// Load .env file
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	// Only the default file may be absent.
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	var cfg Config
	_, err := os.Stat(path)
	switch {
	case err == nil:
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	case explicit:
		return nil, fmt.Errorf("config file %s: %w", path, err)
	default:
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	}

	return &cfg, nil
}

// Validate checks required settings and clamps values the worker cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("rabbitmq.url is required"))
	}
	if c.RabbitMQ.Exchange == "" || c.RabbitMQ.Queue == "" || c.RabbitMQ.RoutingKey == "" {
		errs = append(errs, errors.New("rabbitmq exchange, queue and routing_key are required"))
	}
	if c.RabbitMQ.DLX == "" || c.RabbitMQ.DLQ == "" {
		errs = append(errs, errors.New("rabbitmq dlx and dlq are required"))
	}
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.S3.Bucket == "" {
		errs = append(errs, errors.New("s3.bucket is required"))
	}
	if c.AssemblyAI.APIKey == "" {
		errs = append(errs, errors.New("assemblyai.api_key is required"))
	}

	if c.Worker.Concurrency < 1 {
		c.Worker.Concurrency = 1
	}
	if c.RabbitMQ.ReconnectMaxDelay < c.RabbitMQ.ReconnectBaseDelay {
		c.RabbitMQ.ReconnectMaxDelay = c.RabbitMQ.ReconnectBaseDelay
	}

	positive := map[string]time.Duration{
		"rabbitmq.poll_interval":   c.RabbitMQ.PollInterval,
		"assemblyai.poll_interval": c.AssemblyAI.PollInterval,
		"assemblyai.poll_timeout":  c.AssemblyAI.PollTimeout,
		"job_polling.interval":     c.JobPolling.Interval,
		"job_polling.timeout":      c.JobPolling.Timeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
}

// Debug reports whether the worker runs in the development environment.
func (c *Config) Debug() bool {
	return c.App.Environment == "develop"
}
