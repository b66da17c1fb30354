package transcription

import (
	"errors"
	"transcriptworker/pkg/resilience"
)

var (
	// ErrPermanent marks failures that will not succeed on redelivery.
	ErrPermanent = errors.New("permanent failure")
	// ErrTimeout marks a poll that ran past its ceiling. It always wraps
	// resilience.ErrPollTimeout as well.
	ErrTimeout = errors.New("timed out")
)

// Kind names the class of a processing error for logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrTimeout), errors.Is(err, resilience.ErrPollTimeout):
		return "timeout"
	default:
		return "transient"
	}
}
