package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"transcriptworker/internal/assemblyai"
	"transcriptworker/internal/media"
	"transcriptworker/internal/queue"
	"transcriptworker/internal/storage"
	"transcriptworker/pkg/logger"
	"transcriptworker/pkg/model"
	"transcriptworker/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type jobResult struct {
	status model.JobStatus
	err    error
}

type fakeJobs struct {
	mu      sync.Mutex
	entity  string
	results []jobResult
	calls   int
}

func (f *fakeJobs) FindJobByID(_ context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return &model.Job{ID: id, EntityID: f.entity, Status: r.status}, nil
}

type fakeObjects struct {
	mu        sync.Mutex
	objects   map[string]string
	uploads   map[string][]byte
	uploadErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string]string{}, uploads: map[string][]byte{}}
}

func (f *fakeObjects) DownloadToFile(_ context.Context, key, path string) (int64, error) {
	body, ok := f.objects[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
	}
	return int64(len(body)), os.WriteFile(path, []byte(body), 0o600)
}

func (f *fakeObjects) UploadFile(_ context.Context, key string, body io.Reader, _ string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.uploads[key] = data
	f.mu.Unlock()
	return nil
}

type fakeLocator struct {
	audio media.Audio
	err   error
}

func (f *fakeLocator) ResolveAudio(context.Context, string) (media.Audio, error) {
	return f.audio, f.err
}

type fakeExtractor struct {
	calls   int
	workDir string
	err     error
}

func (f *fakeExtractor) ExtractAudio(_ context.Context, _ string, workDir string) (string, error) {
	f.calls++
	f.workDir = workDir
	if f.err != nil {
		return "", f.err
	}
	out := filepath.Join(workDir, media.ExtractedAudioName)
	return out, os.WriteFile(out, []byte("aac-audio"), 0o600)
}

type fakeProvider struct {
	mu             sync.Mutex
	submitErrs     []error
	submitted      []assemblyai.SubmitRequest
	submittedAudio []string
	gets           []*assemblyai.Transcript
	getCalls       int
	translateErr   error
	translateCalls [][]string
}

func (p *fakeProvider) Submit(_ context.Context, audioPath string, req assemblyai.SubmitRequest) (*assemblyai.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.submitted = append(p.submitted, req)
	data, _ := os.ReadFile(audioPath)
	p.submittedAudio = append(p.submittedAudio, string(data))

	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &assemblyai.Transcript{ID: "tr-1", Status: assemblyai.StatusQueued}, nil
}

func (p *fakeProvider) GetTranscript(_ context.Context, _ string) (*assemblyai.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++

	if len(p.gets) == 0 {
		return nil, errors.New("no transcript scripted")
	}
	t := p.gets[0]
	if len(p.gets) > 1 {
		p.gets = p.gets[1:]
	}
	cp := *t
	return &cp, nil
}

func (p *fakeProvider) RequestTranslation(_ context.Context, _ string, targets []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.translateCalls = append(p.translateCalls, targets)
	return p.translateErr
}

type recordingReporter struct {
	mu      sync.Mutex
	updates []model.StatusUpdate
	err     error
}

func (r *recordingReporter) Report(_ context.Context, u model.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return r.err
}

func (r *recordingReporter) phases() []model.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Phase
	for _, u := range r.updates {
		out = append(out, u.Phase)
	}
	return out
}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	t.Cleanup(logger.Replace(zap.New(core)))
	return logs
}

func completed(text, lang string, translated map[string]string) *assemblyai.Transcript {
	return &assemblyai.Transcript{
		ID:              "tr-1",
		Status:          assemblyai.StatusCompleted,
		Text:            text,
		LanguageCode:    lang,
		AudioDuration:   12.5,
		TranslatedTexts: translated,
	}
}

func understanding(status, text string) *assemblyai.Transcript {
	t := completed("Xin chào", "vi", nil)
	t.SpeechUnderstanding = &assemblyai.SpeechUnderstanding{
		Response: &assemblyai.UnderstandingResponse{
			Translation: &assemblyai.TranslationState{Status: status},
		},
	}
	if text != "" {
		t.TranslatedTexts = map[string]string{"en": text}
	}
	return t
}

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

type harness struct {
	jobs      *fakeJobs
	objects   *fakeObjects
	locator   *fakeLocator
	extractor *fakeExtractor
	provider  *fakeProvider
	reporter  *recordingReporter
	opts      Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		jobs: &fakeJobs{entity: "E1", results: []jobResult{
			{status: model.JobStatusPending},
			{status: model.JobStatusCompleted},
		}},
		objects:   newFakeObjects(),
		locator:   &fakeLocator{audio: media.Audio{Key: "lessons/E1/videos/audio.m3u8", NeedsExtraction: true}},
		extractor: &fakeExtractor{},
		provider: &fakeProvider{gets: []*assemblyai.Transcript{
			{ID: "tr-1", Status: assemblyai.StatusProcessing},
			completed("Xin chào", "vi", map[string]string{"en": "Hello"}),
		}},
		reporter: &recordingReporter{},
		opts: Options{
			JobPollInterval:  10 * time.Millisecond,
			JobPollTimeout:   time.Second,
			PollInterval:     10 * time.Millisecond,
			PollTimeout:      time.Second,
			TranslationGrace: 30 * time.Millisecond,
			TargetLanguage:   "en",
			TempDir:          t.TempDir(),
			BackupDir:        filepath.Join(t.TempDir(), "transcripts"),
			SubmitRetry:      fastRetry(),
			FetchRetry:       fastRetry(),
		},
	}
}

func (h *harness) service() *Service {
	return NewService(Deps{
		Jobs:      h.jobs,
		Objects:   h.objects,
		Locator:   h.locator,
		Extractor: h.extractor,
		Provider:  h.provider,
		Reporter:  h.reporter,
	}, h.opts)
}

func message(lang *string) *queue.TranscriptionMessage {
	return &queue.TranscriptionMessage{
		JobID:      "abc-123-def-456",
		ObjectPath: "lessons/E1/videos/123-video.mp4",
		Language:   lang,
	}
}

func decodeUpload(t *testing.T, h *harness) model.TranscriptPayload {
	t.Helper()
	data, ok := h.objects.uploads["lessons/E1/videos/transcript.json"]
	require.True(t, ok, "transcript not uploaded")
	var p model.TranscriptPayload
	require.NoError(t, json.Unmarshal(data, &p))
	return p
}

func TestProcess_InlineTranslation(t *testing.T) {
	h := newHarness(t)

	err := h.service().Process(context.Background(), message(nil))
	require.NoError(t, err)

	p := decodeUpload(t, h)
	assert.Equal(t, "E1", p.LessonID)
	assert.Equal(t, "abc-123-def-456", p.JobID)
	assert.Equal(t, "lessons/E1/videos/audio.m3u8", p.AudioPath)
	assert.Equal(t, "assemblyai", p.Model)
	assert.Equal(t, "vi", p.Language)
	assert.Equal(t, 1, p.Version)
	assert.InDelta(t, 12.5, p.Duration, 0.001)
	assert.Equal(t, "Hello", p.Text)
	assert.Equal(t, time.UTC, p.CreatedAt.Location())

	backup, err := os.ReadFile(filepath.Join(h.opts.BackupDir, "E1.json"))
	require.NoError(t, err)
	assert.Equal(t, h.objects.uploads["lessons/E1/videos/transcript.json"], backup)

	assert.Equal(t, 2, h.jobs.calls)
	assert.Equal(t, 1, h.extractor.calls)
	assert.Equal(t, []string{"aac-audio"}, h.provider.submittedAudio)
	require.Len(t, h.provider.submitted, 1)
	assert.Empty(t, h.provider.submitted[0].LanguageCode)
	assert.Equal(t, []string{"en"}, h.provider.submitted[0].TargetLanguages)
	assert.Empty(t, h.provider.translateCalls)

	assert.Equal(t, []model.Phase{
		model.PhaseWaitingJob,
		model.PhaseResolvingAudio,
		model.PhaseTranscribing,
		model.PhasePersisting,
		model.PhaseCompleted,
	}, h.reporter.phases())
	assert.Equal(t, "lessons/E1/videos/transcript.json", h.reporter.updates[len(h.reporter.updates)-1].OutputPath)
}

func TestProcess_WorkDirRemoved(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.service().Process(context.Background(), message(nil)))

	entries, err := os.ReadDir(h.opts.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = os.Stat(h.extractor.workDir)
	assert.True(t, os.IsNotExist(err))
}

func TestProcess_DirectAudioDownload(t *testing.T) {
	h := newHarness(t)
	h.locator.audio = media.Audio{Key: "lessons/E1/videos/track.mp3"}
	h.objects.objects["lessons/E1/videos/track.mp3"] = "mp3-audio"

	require.NoError(t, h.service().Process(context.Background(), message(nil)))

	assert.Zero(t, h.extractor.calls)
	assert.Equal(t, []string{"mp3-audio"}, h.provider.submittedAudio)
	assert.Equal(t, "lessons/E1/videos/track.mp3", decodeUpload(t, h).AudioPath)
}

func TestProcess_EmptyAudioFails(t *testing.T) {
	h := newHarness(t)
	h.locator.audio = media.Audio{Key: "lessons/E1/videos/track.mp3"}
	h.objects.objects["lessons/E1/videos/track.mp3"] = ""

	err := h.service().Process(context.Background(), message(nil))
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Empty(t, h.provider.submitted)
}

func TestProcess_RequestedTranslation(t *testing.T) {
	h := newHarness(t)
	h.provider.gets = []*assemblyai.Transcript{
		completed("Xin chào", "vi", nil),
		completed("Xin chào", "vi", nil),
		understanding("processing", ""),
		understanding(assemblyai.TranslationSuccess, "Hello there"),
	}

	require.NoError(t, h.service().Process(context.Background(), message(nil)))

	assert.Equal(t, "Hello there", decodeUpload(t, h).Text)
	assert.Equal(t, [][]string{{"en"}}, h.provider.translateCalls)
	assert.Contains(t, h.reporter.phases(), model.PhaseTranslating)
}

func TestProcess_EnglishSkipsTranslation(t *testing.T) {
	h := newHarness(t)
	h.provider.gets = []*assemblyai.Transcript{completed("Hello", "en", nil)}

	require.NoError(t, h.service().Process(context.Background(), message(nil)))

	assert.Equal(t, "Hello", decodeUpload(t, h).Text)
	assert.Empty(t, h.provider.translateCalls)
}

func TestProcess_TranslationGraceDegrades(t *testing.T) {
	logs := observeLogs(t)
	h := newHarness(t)
	h.provider.gets = []*assemblyai.Transcript{completed("Xin chào", "vi", nil)}

	start := time.Now()
	require.NoError(t, h.service().Process(context.Background(), message(nil)))

	assert.Equal(t, "Xin chào", decodeUpload(t, h).Text)
	assert.GreaterOrEqual(t, time.Since(start), h.opts.TranslationGrace)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).
		FilterMessage("No translation response within grace period, keeping original text").Len())
}

func TestProcess_TranslationFailedDegrades(t *testing.T) {
	logs := observeLogs(t)
	h := newHarness(t)
	h.provider.gets = []*assemblyai.Transcript{
		completed("Xin chào", "vi", nil),
		understanding(assemblyai.TranslationFailed, ""),
	}

	require.NoError(t, h.service().Process(context.Background(), message(nil)))

	assert.Equal(t, "Xin chào", decodeUpload(t, h).Text)
	assert.Equal(t, 1, logs.FilterMessage("Translation failed, keeping original text").Len())
}

func TestProcess_TranslationRequestFailureDegrades(t *testing.T) {
	logs := observeLogs(t)
	h := newHarness(t)
	h.provider.gets = []*assemblyai.Transcript{completed("Xin chào", "vi", nil)}
	h.provider.translateErr = &assemblyai.HTTPError{StatusCode: http.StatusBadRequest, Body: "bad"}

	require.NoError(t, h.service().Process(context.Background(), message(nil)))

	assert.Equal(t, "Xin chào", decodeUpload(t, h).Text)
	assert.Len(t, h.provider.translateCalls, 1, "non-transient errors are not retried")
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).
		FilterMessage("Translation request failed, keeping original text").Len())
}

func TestProcess_TranslationPollTimeout(t *testing.T) {
	h := newHarness(t)
	h.opts.PollTimeout = 50 * time.Millisecond
	h.provider.gets = []*assemblyai.Transcript{
		completed("Xin chào", "vi", nil),
		understanding("processing", ""),
	}

	err := h.service().Process(context.Background(), message(nil))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, resilience.ErrPollTimeout)
	assert.Empty(t, h.objects.uploads)
}

func TestProcess_JobFailed(t *testing.T) {
	h := newHarness(t)
	h.jobs.results = []jobResult{{status: model.JobStatusFailed}}

	err := h.service().Process(context.Background(), message(nil))
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Empty(t, h.provider.submitted)
	assert.Equal(t, model.PhaseFailed, h.reporter.phases()[len(h.reporter.phases())-1])
}

func TestProcess_JobNotFound(t *testing.T) {
	h := newHarness(t)
	h.jobs.results = []jobResult{{err: fmt.Errorf("%w: abc", storage.ErrJobNotFound)}}

	err := h.service().Process(context.Background(), message(nil))
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
	assert.Equal(t, 1, h.jobs.calls)
}

func TestProcess_JobTransportErrorRetried(t *testing.T) {
	h := newHarness(t)
	h.jobs.results = []jobResult{
		{err: fmt.Errorf("%w: connection refused", storage.ErrTransport)},
		{status: model.JobStatusCompleted},
	}

	require.NoError(t, h.service().Process(context.Background(), message(nil)))
	assert.Equal(t, 2, h.jobs.calls)
}

func TestProcess_JobTimeout(t *testing.T) {
	h := newHarness(t)
	h.opts.JobPollTimeout = 50 * time.Millisecond
	h.jobs.results = []jobResult{{status: model.JobStatusPending}}

	err := h.service().Process(context.Background(), message(nil))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, resilience.ErrPollTimeout)
	assert.Empty(t, h.provider.submitted)
}

func TestProcess_NoAudio(t *testing.T) {
	h := newHarness(t)
	h.locator.err = fmt.Errorf("%w under lessons/E1/videos/", media.ErrAudioNotFound)

	err := h.service().Process(context.Background(), message(nil))
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, media.ErrAudioNotFound)
	assert.Empty(t, h.provider.submitted)
	assert.Zero(t, h.provider.getCalls)
}

func TestProcess_FirstPollCompletedDoesNotSleep(t *testing.T) {
	h := newHarness(t)
	h.opts.JobPollInterval = time.Hour
	h.opts.JobPollTimeout = 2 * time.Hour
	h.opts.PollInterval = time.Hour
	h.opts.PollTimeout = 2 * time.Hour
	h.jobs.results = []jobResult{{status: model.JobStatusCompleted}}
	h.provider.gets = []*assemblyai.Transcript{completed("Xin chào", "vi", map[string]string{"en": "Hello"})}

	start := time.Now()
	require.NoError(t, h.service().Process(context.Background(), message(nil)))
	assert.Less(t, time.Since(start), time.Second)
}

func TestProcess_PendingPollsWaitInterval(t *testing.T) {
	h := newHarness(t)
	h.opts.JobPollInterval = 20 * time.Millisecond
	h.jobs.results = []jobResult{
		{status: model.JobStatusPending},
		{status: model.JobStatusPending},
		{status: model.JobStatusPending},
		{status: model.JobStatusCompleted},
	}
	h.provider.gets = []*assemblyai.Transcript{completed("Hello", "en", nil)}

	start := time.Now()
	require.NoError(t, h.service().Process(context.Background(), message(nil)))
	elapsed := time.Since(start)

	assert.Equal(t, 4, h.jobs.calls)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestProcess_TranscriptionError(t *testing.T) {
	h := newHarness(t)
	h.provider.gets = []*assemblyai.Transcript{{ID: "tr-1", Status: assemblyai.StatusError, Error: "audio too short"}}

	err := h.service().Process(context.Background(), message(nil))
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Contains(t, err.Error(), "audio too short")
}

func TestProcess_SubmitRetriesTransientErrors(t *testing.T) {
	h := newHarness(t)
	h.provider.submitErrs = []error{&assemblyai.HTTPError{StatusCode: http.StatusServiceUnavailable}}

	require.NoError(t, h.service().Process(context.Background(), message(nil)))
	assert.Len(t, h.provider.submitted, 2)
}

func TestProcess_SubmitPermanentErrorNotRetried(t *testing.T) {
	h := newHarness(t)
	h.provider.submitErrs = []error{&assemblyai.HTTPError{StatusCode: http.StatusUnauthorized}}

	err := h.service().Process(context.Background(), message(nil))
	require.Error(t, err)
	assert.Len(t, h.provider.submitted, 1)

	var httpErr *assemblyai.HTTPError
	assert.ErrorAs(t, err, &httpErr)
}

func TestProcess_LanguageHint(t *testing.T) {
	valid := " VI "
	h := newHarness(t)
	require.NoError(t, h.service().Process(context.Background(), message(&valid)))
	assert.Equal(t, "vi", h.provider.submitted[0].LanguageCode)

	logs := observeLogs(t)
	invalid := "klingon"
	h = newHarness(t)
	require.NoError(t, h.service().Process(context.Background(), message(&invalid)))
	assert.Empty(t, h.provider.submitted[0].LanguageCode)
	assert.Equal(t, 1, logs.FilterMessage("Ignoring unsupported language hint, using detection").Len())
}

func TestProcess_BackupFailureSwallowed(t *testing.T) {
	logs := observeLogs(t)
	h := newHarness(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	h.opts.BackupDir = blocker

	require.NoError(t, h.service().Process(context.Background(), message(nil)))

	assert.Contains(t, h.objects.uploads, "lessons/E1/videos/transcript.json")
	assert.Equal(t, 1, logs.FilterMessage("Failed to write local transcript backup").Len())
}

func TestProcess_UploadFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.objects.uploadErr = errors.New("access denied")

	err := h.service().Process(context.Background(), message(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lessons/E1/videos/transcript.json")

	_, statErr := os.Stat(filepath.Join(h.opts.BackupDir, "E1.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestProcess_ReporterFailureIgnored(t *testing.T) {
	h := newHarness(t)
	h.reporter.err = errors.New("redis down")

	require.NoError(t, h.service().Process(context.Background(), message(nil)))
	assert.Contains(t, h.objects.uploads, "lessons/E1/videos/transcript.json")
}

func TestTranscriptKey(t *testing.T) {
	tests := []struct {
		objectPath string
		want       string
	}{
		{"lessons/E1/videos/123-video.mp4", "lessons/E1/videos/transcript.json"},
		{`lessons\E1\videos\123-video.mp4`, "lessons/E1/videos/transcript.json"},
		{"/lessons/E1/videos/a.mp4", "lessons/E1/videos/transcript.json"},
		{"video.mp4", "transcript.json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TranscriptKey(tt.objectPath), tt.objectPath)
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, "none", Kind(nil))
	assert.Equal(t, "permanent", Kind(fmt.Errorf("x: %w", ErrPermanent)))
	assert.Equal(t, "timeout", Kind(fmt.Errorf("%w: %w", ErrTimeout, resilience.ErrPollTimeout)))
	assert.Equal(t, "transient", Kind(errors.New("connection reset")))
}
