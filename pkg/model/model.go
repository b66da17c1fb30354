package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// JobStatus represents the status of an upstream processing job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// ParseJobStatus maps a raw database value onto a JobStatus. Anything that is
// not terminal counts as pending.
func ParseJobStatus(raw string) JobStatus {
	switch JobStatus(raw) {
	case JobStatusCompleted:
		return JobStatusCompleted
	case JobStatusFailed:
		return JobStatusFailed
	default:
		return JobStatusPending
	}
}

// Job is the upstream job row this worker waits on
type Job struct {
	ID       string    `json:"id" db:"id"`
	EntityID string    `json:"entity_id" db:"entity_id"`
	Status   JobStatus `json:"status" db:"status"`
}

// IsTerminal returns true if the job is in a final state
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

const (
	TranscriptModel   = "assemblyai"
	TranscriptVersion = 1
)

// TranscriptPayload is the persisted transcript artifact
type TranscriptPayload struct {
	LessonID  string    `json:"lessonId"`
	JobID     string    `json:"jobId"`
	AudioPath string    `json:"audioPath"`
	Model     string    `json:"model"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"createdAt"`
	Version   int       `json:"version"`
	Duration  float64   `json:"duration"`
	Text      string    `json:"text"`
}

// Encode renders the payload as indented UTF-8 JSON. Non-ASCII text and HTML
// characters are written as-is.
func (p *TranscriptPayload) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Phase is a step of transcript processing reported to status subscribers
type Phase string

const (
	PhaseWaitingJob     Phase = "waiting_job"
	PhaseResolvingAudio Phase = "resolving_audio"
	PhaseTranscribing   Phase = "transcribing"
	PhaseTranslating    Phase = "translating"
	PhasePersisting     Phase = "persisting"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

// IsFinal returns true once no further phase will be reported
func (p Phase) IsFinal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// StatusUpdate is the record stored and published on every phase change
type StatusUpdate struct {
	JobID      string    `json:"jobId"`
	EntityID   string    `json:"entityId,omitempty"`
	Phase      Phase     `json:"phase"`
	Error      string    `json:"error,omitempty"`
	OutputPath string    `json:"outputPath,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
