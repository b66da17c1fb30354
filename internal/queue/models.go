package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidMessage = errors.New("invalid message")

// TranscriptionMessage asks the worker to transcribe the audio of a video
type TranscriptionMessage struct {
	JobID      string  `json:"jobId"`
	ObjectPath string  `json:"objectPath"`
	Language   *string `json:"language,omitempty"`
}

// LanguageHint returns the trimmed, lower-cased language hint or "".
func (m *TranscriptionMessage) LanguageHint() string {
	if m.Language == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(*m.Language))
}

func (m *TranscriptionMessage) Validate() error {
	var errs []error
	if strings.TrimSpace(m.JobID) == "" {
		errs = append(errs, errors.New("jobId is required"))
	}
	if strings.TrimSpace(m.ObjectPath) == "" {
		errs = append(errs, errors.New("objectPath is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, errors.Join(errs...))
	}
	return nil
}

// ParseMessage decodes and validates a delivery body.
func ParseMessage(body []byte) (*TranscriptionMessage, error) {
	var msg TranscriptionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AckDecision is the outcome of one delivery, handed back to the goroutine
// that owns the channel.
type AckDecision struct {
	DeliveryTag uint64
	Success     bool
	JobID       string
	// Generation identifies the channel the delivery arrived on.
	Generation uint64
}
