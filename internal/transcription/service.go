package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"transcriptworker/internal/assemblyai"
	"transcriptworker/internal/config"
	"transcriptworker/internal/media"
	"transcriptworker/internal/notify"
	"transcriptworker/internal/queue"
	"transcriptworker/internal/storage"
	"transcriptworker/pkg/logger"
	"transcriptworker/pkg/model"
	"transcriptworker/pkg/resilience"

	"go.uber.org/zap"
)

const (
	transcriptFileName = "transcript.json"
	unknownLanguage    = "unknown"
	// pollLogEvery limits "still waiting" logs to one per this many polls.
	pollLogEvery = 12
)

type JobStore interface {
	FindJobByID(ctx context.Context, id string) (*model.Job, error)
}

type ObjectStore interface {
	DownloadToFile(ctx context.Context, key, path string) (int64, error)
	UploadFile(ctx context.Context, key string, body io.Reader, contentType string) error
}

type AudioLocator interface {
	ResolveAudio(ctx context.Context, entityID string) (media.Audio, error)
}

type AudioExtractor interface {
	ExtractAudio(ctx context.Context, playlistKey, workDir string) (string, error)
}

// Provider is the speech-to-text backend.
type Provider interface {
	Submit(ctx context.Context, audioPath string, req assemblyai.SubmitRequest) (*assemblyai.Transcript, error)
	GetTranscript(ctx context.Context, id string) (*assemblyai.Transcript, error)
	RequestTranslation(ctx context.Context, transcriptID string, targets []string) error
}

type Deps struct {
	Jobs      JobStore
	Objects   ObjectStore
	Locator   AudioLocator
	Extractor AudioExtractor
	Provider  Provider
	Reporter  notify.Reporter
}

type Options struct {
	JobPollInterval  time.Duration
	JobPollTimeout   time.Duration
	PollInterval     time.Duration
	PollTimeout      time.Duration
	TranslationGrace time.Duration
	TargetLanguage   string
	TempDir          string
	BackupDir        string

	// SubmitRetry covers upload, transcript creation and translation requests.
	SubmitRetry *resilience.RetryConfig
	// FetchRetry covers every single status read.
	FetchRetry *resilience.RetryConfig
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		JobPollInterval:  cfg.JobPolling.Interval,
		JobPollTimeout:   cfg.JobPolling.Timeout,
		PollInterval:     cfg.AssemblyAI.PollInterval,
		PollTimeout:      cfg.AssemblyAI.PollTimeout,
		TranslationGrace: cfg.AssemblyAI.TranslationGrace,
		TargetLanguage:   cfg.AssemblyAI.TargetLanguage,
		TempDir:          cfg.Transcripts.TempDir,
		BackupDir:        cfg.Transcripts.BackupDir,
		SubmitRetry: &resilience.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 2 * time.Second,
			MaxInterval:     60 * time.Second,
			Multiplier:      2.0,
			MaxElapsedTime:  cfg.AssemblyAI.SubmitTimeout,
			Jitter:          true,
		},
		FetchRetry: defaultFetchRetry(),
	}
}

func defaultFetchRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  30 * time.Second,
		Jitter:          true,
	}
}

func (o *Options) setDefaults() {
	if o.TargetLanguage == "" {
		o.TargetLanguage = "en"
	}
	if o.BackupDir == "" {
		o.BackupDir = "transcripts"
	}
	if o.SubmitRetry == nil {
		o.SubmitRetry = resilience.DefaultRetryConfig()
	}
	if o.FetchRetry == nil {
		o.FetchRetry = defaultFetchRetry()
	}
}

// Service turns one transcription message into a persisted transcript.
type Service struct {
	deps Deps
	opts Options
	now  func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	opts.setDefaults()
	if deps.Reporter == nil {
		deps.Reporter = notify.Nop{}
	}
	return &Service{deps: deps, opts: opts, now: time.Now}
}

// Process runs the whole pipeline for msg. A nil error means the delivery
// can be acknowledged.
func (s *Service) Process(ctx context.Context, msg *queue.TranscriptionMessage) error {
	start := time.Now()
	logger.Info("Processing transcription",
		logger.JobID(msg.JobID),
		zap.String("object_path", msg.ObjectPath))

	var entityID string
	outputKey, err := s.process(ctx, msg, &entityID)
	if err != nil {
		logger.Error("Transcription failed",
			logger.JobID(msg.JobID),
			zap.String("entity_id", entityID),
			zap.String("kind", Kind(err)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		s.report(ctx, model.StatusUpdate{JobID: msg.JobID, EntityID: entityID, Phase: model.PhaseFailed, Error: err.Error()})
		return err
	}

	logger.Info("Transcription completed",
		logger.JobID(msg.JobID),
		zap.String("entity_id", entityID),
		zap.String("output", outputKey),
		zap.Duration("elapsed", time.Since(start)))
	s.report(ctx, model.StatusUpdate{JobID: msg.JobID, EntityID: entityID, Phase: model.PhaseCompleted, OutputPath: outputKey})
	return nil
}

func (s *Service) process(ctx context.Context, msg *queue.TranscriptionMessage, entityID *string) (string, error) {
	s.report(ctx, model.StatusUpdate{JobID: msg.JobID, Phase: model.PhaseWaitingJob})
	job, err := s.waitForJob(ctx, msg.JobID)
	if err != nil {
		return "", err
	}
	*entityID = job.EntityID

	s.report(ctx, model.StatusUpdate{JobID: msg.JobID, EntityID: job.EntityID, Phase: model.PhaseResolvingAudio})
	workDir, cleanup, err := s.makeWorkDir()
	if err != nil {
		return "", err
	}
	defer cleanup()

	audioKey, audioFile, err := s.fetchAudio(ctx, job.EntityID, workDir)
	if err != nil {
		return "", err
	}

	s.report(ctx, model.StatusUpdate{JobID: msg.JobID, EntityID: job.EntityID, Phase: model.PhaseTranscribing})
	tr, err := s.transcribe(ctx, audioFile, msg.LanguageHint())
	if err != nil {
		return "", err
	}

	text, err := s.translate(ctx, msg.JobID, job.EntityID, tr)
	if err != nil {
		return "", err
	}

	language := tr.LanguageCode
	if language == "" {
		language = unknownLanguage
	}

	s.report(ctx, model.StatusUpdate{JobID: msg.JobID, EntityID: job.EntityID, Phase: model.PhasePersisting})
	payload := &model.TranscriptPayload{
		LessonID:  job.EntityID,
		JobID:     msg.JobID,
		AudioPath: audioKey,
		Model:     model.TranscriptModel,
		Language:  language,
		CreatedAt: s.now().UTC(),
		Version:   model.TranscriptVersion,
		Duration:  tr.AudioDuration,
		Text:      text,
	}
	return s.persist(ctx, msg.ObjectPath, payload)
}

// waitForJob polls the job row until the upstream job is COMPLETED.
func (s *Service) waitForJob(ctx context.Context, jobID string) (*model.Job, error) {
	start := time.Now()
	cfg := resilience.PollConfig{
		Interval: s.opts.JobPollInterval,
		Timeout:  s.opts.JobPollTimeout,
		OnPending: func(attempt int, elapsed time.Duration) {
			if attempt%pollLogEvery == 0 {
				logger.Info("Waiting for job to complete", logger.JobID(jobID), zap.Duration("elapsed", elapsed))
			}
		},
	}

	job, err := resilience.Poll(ctx, cfg, func(ctx context.Context) (*model.Job, bool, error) {
		job, err := s.findJob(ctx, jobID)
		if err != nil {
			return nil, false, err
		}
		if !job.IsTerminal() {
			return job, false, nil
		}
		if job.Status == model.JobStatusFailed {
			return nil, false, fmt.Errorf("%w: job %s failed upstream", ErrPermanent, logger.ShortID(jobID))
		}
		return job, true, nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrPollTimeout) {
			return nil, fmt.Errorf("%w: waiting for job %s: %w", ErrTimeout, logger.ShortID(jobID), err)
		}
		return nil, err
	}

	logger.Info("Job completed", logger.JobID(jobID),
		zap.String("entity_id", job.EntityID),
		zap.Duration("waited", time.Since(start)))
	return job, nil
}

func (s *Service) findJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job *model.Job
	err := resilience.RetryWithExponentialBackoff(ctx, s.opts.FetchRetry, func() error {
		j, err := s.deps.Jobs.FindJobByID(ctx, jobID)
		if err != nil {
			if errors.Is(err, storage.ErrTransport) {
				logger.Warn("Job lookup failed, retrying", logger.JobID(jobID), zap.Error(err))
				return err
			}
			return resilience.Permanent(err)
		}
		job = j
		return nil
	})
	if errors.Is(err, storage.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return job, err
}

func (s *Service) makeWorkDir() (string, func(), error) {
	if s.opts.TempDir != "" {
		if err := os.MkdirAll(s.opts.TempDir, 0o755); err != nil {
			return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
		}
	}
	dir, err := os.MkdirTemp(s.opts.TempDir, "transcript-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("Failed to remove work directory", zap.String("dir", dir), zap.Error(err))
		}
	}, nil
}

// fetchAudio resolves the entity's audio and makes it available as a local
// file. It returns the storage key the audio came from and the local path.
func (s *Service) fetchAudio(ctx context.Context, entityID, workDir string) (string, string, error) {
	audio, err := s.deps.Locator.ResolveAudio(ctx, entityID)
	if err != nil {
		if errors.Is(err, media.ErrAudioNotFound) {
			return "", "", fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		return "", "", err
	}

	var local string
	if audio.NeedsExtraction {
		local, err = s.deps.Extractor.ExtractAudio(ctx, audio.Key, workDir)
		if err != nil {
			return "", "", fmt.Errorf("failed to extract audio: %w", err)
		}
	} else {
		local = filepath.Join(workDir, "audio"+path.Ext(audio.Key))
		if _, err := s.deps.Objects.DownloadToFile(ctx, audio.Key, local); err != nil {
			return "", "", fmt.Errorf("failed to download audio: %w", err)
		}
	}

	info, err := os.Stat(local)
	if err != nil {
		return "", "", fmt.Errorf("audio file missing: %w", err)
	}
	if info.Size() == 0 {
		return "", "", fmt.Errorf("%w: audio file %s is empty", ErrPermanent, audio.Key)
	}

	logger.Info("Audio ready",
		zap.String("key", audio.Key),
		zap.Bool("extracted", audio.NeedsExtraction),
		zap.Int64("size", info.Size()))
	return audio.Key, local, nil
}

func (s *Service) transcribe(ctx context.Context, audioFile, hint string) (*assemblyai.Transcript, error) {
	req := assemblyai.SubmitRequest{TargetLanguages: []string{s.opts.TargetLanguage}}
	if hint != "" {
		if assemblyai.IsSupportedLanguage(hint) {
			req.LanguageCode = hint
		} else {
			logger.Warn("Ignoring unsupported language hint, using detection", zap.String("language", hint))
		}
	}

	var submitted *assemblyai.Transcript
	err := s.retryProvider(ctx, s.opts.SubmitRetry, func() error {
		t, err := s.deps.Provider.Submit(ctx, audioFile, req)
		if err != nil {
			logger.Warn("Submission attempt failed", zap.Error(err))
			return err
		}
		submitted = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit audio: %w", err)
	}

	id := submitted.ID
	cfg := resilience.PollConfig{
		Interval: s.opts.PollInterval,
		Timeout:  s.opts.PollTimeout,
		OnPending: func(attempt int, elapsed time.Duration) {
			if attempt%pollLogEvery == 0 {
				logger.Info("Waiting for transcript", zap.String("transcript_id", id), zap.Duration("elapsed", elapsed))
			}
		},
	}

	tr, err := resilience.Poll(ctx, cfg, func(ctx context.Context) (*assemblyai.Transcript, bool, error) {
		t, err := s.fetchTranscript(ctx, id)
		if err != nil {
			return nil, false, err
		}
		switch {
		case t.IsCompleted():
			return t, true, nil
		case t.IsError():
			return nil, false, fmt.Errorf("%w: transcription %s failed: %s", ErrPermanent, id, t.Error)
		}
		return t, false, nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrPollTimeout) {
			return nil, fmt.Errorf("%w: transcript %s: %w", ErrTimeout, id, err)
		}
		return nil, err
	}

	logger.Info("Transcript ready",
		zap.String("transcript_id", id),
		zap.String("language", tr.LanguageCode),
		zap.Float64("duration", tr.AudioDuration),
		zap.Bool("has_translation", tr.Translation(s.opts.TargetLanguage) != ""))
	return tr, nil
}

// translate returns the text to persist: the inline or requested translation
// when one is available, otherwise the original text.
func (s *Service) translate(ctx context.Context, jobID, entityID string, tr *assemblyai.Transcript) (string, error) {
	target := s.opts.TargetLanguage
	if text := strings.TrimSpace(tr.Translation(target)); text != "" {
		return text, nil
	}
	if tr.LanguageCode == "" || tr.LanguageCode == target {
		return tr.Text, nil
	}

	s.report(ctx, model.StatusUpdate{JobID: jobID, EntityID: entityID, Phase: model.PhaseTranslating})
	logger.Info("Requesting translation",
		zap.String("transcript_id", tr.ID),
		zap.String("from", tr.LanguageCode),
		zap.String("to", target))

	err := s.retryProvider(ctx, s.opts.SubmitRetry, func() error {
		return s.deps.Provider.RequestTranslation(ctx, tr.ID, []string{target})
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logger.Warn("Translation request failed, keeping original text", zap.String("transcript_id", tr.ID), zap.Error(err))
		return tr.Text, nil
	}

	grace := s.now().Add(s.opts.TranslationGrace)
	cfg := resilience.PollConfig{
		Interval: s.opts.PollInterval,
		Timeout:  s.opts.PollTimeout,
		OnPending: func(attempt int, elapsed time.Duration) {
			if attempt%pollLogEvery == 0 {
				logger.Debug("Waiting for translation", zap.String("transcript_id", tr.ID), zap.Duration("elapsed", elapsed))
			}
		},
	}

	translated, err := resilience.Poll(ctx, cfg, func(ctx context.Context) (string, bool, error) {
		t, err := s.fetchTranscript(ctx, tr.ID)
		if err != nil {
			return "", false, err
		}

		if !t.HasUnderstanding() {
			if t.IsCompleted() && s.now().After(grace) {
				logger.Warn("No translation response within grace period, keeping original text",
					zap.String("transcript_id", tr.ID),
					zap.Duration("grace", s.opts.TranslationGrace))
				return "", true, nil
			}
			return "", false, nil
		}

		switch status := t.TranslationStatus(); status {
		case assemblyai.TranslationSuccess:
			text := strings.TrimSpace(t.Translation(target))
			if text == "" {
				logger.Warn("Translation succeeded without text, keeping original text", zap.String("transcript_id", tr.ID))
			}
			return text, true, nil
		case assemblyai.TranslationFailed, assemblyai.TranslationError:
			logger.Warn("Translation failed, keeping original text",
				zap.String("transcript_id", tr.ID),
				zap.String("status", status))
			return "", true, nil
		}
		return "", false, nil
	})
	switch {
	case errors.Is(err, resilience.ErrPollTimeout):
		return "", fmt.Errorf("%w: translation of %s: %w", ErrTimeout, tr.ID, err)
	case err != nil && ctx.Err() != nil:
		return "", ctx.Err()
	case err != nil:
		logger.Warn("Translation polling failed, keeping original text", zap.String("transcript_id", tr.ID), zap.Error(err))
		return tr.Text, nil
	case translated == "":
		return tr.Text, nil
	}

	logger.Info("Translation completed", zap.String("transcript_id", tr.ID))
	return translated, nil
}

func (s *Service) fetchTranscript(ctx context.Context, id string) (*assemblyai.Transcript, error) {
	var t *assemblyai.Transcript
	err := s.retryProvider(ctx, s.opts.FetchRetry, func() error {
		got, err := s.deps.Provider.GetTranscript(ctx, id)
		if err != nil {
			return err
		}
		t = got
		return nil
	})
	return t, err
}

// retryProvider retries fn while it fails with transient provider errors.
func (s *Service) retryProvider(ctx context.Context, cfg *resilience.RetryConfig, fn func() error) error {
	return resilience.RetryWithExponentialBackoff(ctx, cfg, func() error {
		err := fn()
		if err != nil && !assemblyai.IsTransient(err) {
			return resilience.Permanent(err)
		}
		return err
	})
}

// persist uploads the transcript next to the source video and keeps a local
// copy. Only the upload is required to succeed.
func (s *Service) persist(ctx context.Context, objectPath string, payload *model.TranscriptPayload) (string, error) {
	data, err := payload.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode transcript: %w", err)
	}

	key := TranscriptKey(objectPath)
	if err := s.deps.Objects.UploadFile(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("failed to upload transcript %s: %w", key, err)
	}
	logger.Info("Transcript uploaded", logger.JobID(payload.JobID), zap.String("key", key), zap.Int("size", len(data)))

	if err := s.writeBackup(payload.LessonID, data); err != nil {
		logger.Warn("Failed to write local transcript backup", logger.JobID(payload.JobID), zap.Error(err))
	}
	return key, nil
}

func (s *Service) writeBackup(entityID string, data []byte) error {
	if err := os.MkdirAll(s.opts.BackupDir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(s.opts.BackupDir, filepath.Base(entityID)+".json")
	return os.WriteFile(name, data, 0o644)
}

func (s *Service) report(ctx context.Context, update model.StatusUpdate) {
	if err := s.deps.Reporter.Report(ctx, update); err != nil {
		logger.Warn("Failed to report status",
			logger.JobID(update.JobID),
			zap.String("phase", string(update.Phase)),
			zap.Error(err))
	}
}

// TranscriptKey is the object key of the transcript stored beside the video
// at objectPath.
func TranscriptKey(objectPath string) string {
	p := strings.TrimPrefix(strings.ReplaceAll(objectPath, `\`, "/"), "/")
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return transcriptFileName
	}
	return dir + "/" + transcriptFileName
}
