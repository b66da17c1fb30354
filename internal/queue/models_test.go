package queue

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jobId":"abc-123","objectPath":"lessons/E1/videos/123-video.mp4","language":"vi"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc-123", msg.JobID)
	assert.Equal(t, "lessons/E1/videos/123-video.mp4", msg.ObjectPath)
	assert.Equal(t, "vi", msg.LanguageHint())
}

func TestParseMessage_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":       `{"jobId":`,
		"missing job":    `{"objectPath":"a/b.mp4"}`,
		"blank job":      `{"jobId":"  ","objectPath":"a/b.mp4"}`,
		"missing object": `{"jobId":"abc"}`,
		"wrong type":     `{"jobId":42,"objectPath":"a/b.mp4"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMessage([]byte(body))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestLanguageHint(t *testing.T) {
	assert.Empty(t, (&TranscriptionMessage{}).LanguageHint())
	lang := "  EN "
	assert.Equal(t, "en", (&TranscriptionMessage{Language: &lang}).LanguageHint())
}

func TestTranscriptionMessage_OmitsEmptyLanguage(t *testing.T) {
	data, err := json.Marshal(&TranscriptionMessage{JobID: "a", ObjectPath: "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jobId":"a","objectPath":"b"}`, string(data))
}

func TestTopology_DeadLetterKey(t *testing.T) {
	assert.Equal(t, "dlq.lesson.transcript", testTopology().DeadLetterKey())
}

func TestPublisher_PublishMessage(t *testing.T) {
	ch := newFakeChannel()
	broker := newFakeBroker(ch)

	p, err := newPublisher(broker.dial, "amqp://test", testTopology())
	require.NoError(t, err)

	lang := "vi"
	require.NoError(t, p.PublishMessage(context.Background(), &TranscriptionMessage{
		JobID:      "abc-123",
		ObjectPath: "lessons/E1/videos/123-video.mp4",
		Language:   &lang,
	}))

	assert.Contains(t, ch.Events(), "publish:lessons:lesson.transcript")
	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.NotEmpty(t, pub.MessageId)
	assert.JSONEq(t, `{"jobId":"abc-123","objectPath":"lessons/E1/videos/123-video.mp4","language":"vi"}`, string(pub.Body))

	require.NoError(t, p.Close())
	assert.Contains(t, ch.Events(), "close")
	assert.True(t, broker.conns[0].isClosed())
}

func TestPublisher_RejectsInvalidMessage(t *testing.T) {
	ch := newFakeChannel()
	p, err := newPublisher(newFakeBroker(ch).dial, "amqp://test", testTopology())
	require.NoError(t, err)

	err = p.PublishMessage(context.Background(), &TranscriptionMessage{JobID: "abc"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.Empty(t, ch.published)
}

func TestPublisher_DeclareFailureCloses(t *testing.T) {
	ch := newFakeChannel()
	ch.declareErr = assert.AnError
	broker := newFakeBroker(ch)

	_, err := newPublisher(broker.dial, "amqp://test", testTopology())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, broker.conns[0].isClosed())
}
