package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	"transcriptworker/pkg/logger"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL          = "https://api.assemblyai.com"
	DefaultUnderstandingURL = "https://llm-gateway.assemblyai.com/v1/understanding"
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultUploadTimeout    = 10 * time.Minute

	maxErrorBody = 1024
)

type Config struct {
	APIKey           string
	BaseURL          string
	UnderstandingURL string
	SpeechModel      string
	// HTTPTimeout bounds JSON calls.
	HTTPTimeout time.Duration
	// UploadTimeout bounds a single audio upload, body included.
	UploadTimeout time.Duration
}

type Client struct {
	apiKey           string
	baseURL          string
	understandingURL string
	speechModel      string
	client           *http.Client
	uploadClient     *http.Client
}

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("assemblyai: status=%d, body=%s", e.StatusCode, e.Body)
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts, 429 and 5xx responses.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// Only failures of the HTTP exchange itself. Local file errors such as
	// syscall.Errno also satisfy net.Error and must not match here.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UnderstandingURL == "" {
		cfg.UnderstandingURL = DefaultUnderstandingURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	return &Client{
		apiKey:           cfg.APIKey,
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		understandingURL: cfg.UnderstandingURL,
		speechModel:      cfg.SpeechModel,
		client:           &http.Client{Timeout: cfg.HTTPTimeout},
		uploadClient:     &http.Client{Timeout: cfg.UploadTimeout},
	}
}

// Submit uploads the audio file and starts a transcription.
func (c *Client) Submit(ctx context.Context, audioPath string, req SubmitRequest) (*Transcript, error) {
	uploadURL, err := c.upload(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	body := transcriptRequest{
		AudioURL:            uploadURL,
		SpeechModel:         c.speechModel,
		LanguageDetection:   req.LanguageCode == "",
		LanguageCode:        req.LanguageCode,
		SpeechUnderstanding: newSpeechUnderstanding(req.TargetLanguages),
	}

	var t Transcript
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/v2/transcript", body, &t); err != nil {
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}

	logger.Info("Transcription started",
		zap.String("transcript_id", t.ID),
		zap.String("status", t.Status),
		zap.String("language_code", req.LanguageCode))

	return &t, nil
}

func (c *Client) upload(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("failed to open audio: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/upload", f)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if info, err := f.Stat(); err == nil {
		req.ContentLength = info.Size()
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	logger.Debug("Uploading audio", zap.String("file", audioPath), zap.Int64("size", req.ContentLength))

	var out uploadResponse
	if err := c.send(c.uploadClient, req, &out); err != nil {
		return "", fmt.Errorf("failed to upload audio: %w", err)
	}
	if out.UploadURL == "" {
		return "", errors.New("failed to upload audio: empty upload_url")
	}
	return out.UploadURL, nil
}

// GetTranscript fetches the current state of a transcript.
func (c *Client) GetTranscript(ctx context.Context, id string) (*Transcript, error) {
	var t Transcript
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/v2/transcript/"+id, nil, &t); err != nil {
		return nil, fmt.Errorf("failed to get transcript %s: %w", id, err)
	}
	return &t, nil
}

// RequestTranslation asks the understanding gateway to translate an existing
// transcript. The result shows up on later GetTranscript calls.
func (c *Client) RequestTranslation(ctx context.Context, transcriptID string, targets []string) error {
	body := understandingRequest{
		TranscriptID:        transcriptID,
		SpeechUnderstanding: newSpeechUnderstanding(targets),
	}
	if err := c.doJSON(ctx, http.MethodPost, c.understandingURL, body, nil); err != nil {
		return fmt.Errorf("failed to request translation: %w", err)
	}

	logger.Info("Translation requested",
		zap.String("transcript_id", transcriptID),
		zap.Strings("targets", targets))
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(c.client, req, out)
}

func (c *Client) send(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b := string(respBody)
		if len(b) > maxErrorBody {
			b = b[:maxErrorBody]
		}
		return &HTTPError{StatusCode: resp.StatusCode, Body: b}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
