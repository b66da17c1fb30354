package notify

import (
	"context"
	"errors"
	"testing"
	"time"
	"transcriptworker/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest any) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}

func (m *MockCache) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *MockCache) Publish(ctx context.Context, channel string, value any) error {
	args := m.Called(ctx, channel, value)
	return args.Error(0)
}

func (m *MockCache) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestRedisReporter_StoresAndPublishes(t *testing.T) {
	c := new(MockCache)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRedisReporter(c, "transcript:events", time.Hour)
	r.now = func() time.Time { return fixed }

	want := model.StatusUpdate{JobID: "job-1", EntityID: "E1", Phase: model.PhaseTranscribing, UpdatedAt: fixed}

	c.On("SetWithTTL", mock.Anything, "transcript:status:job-1", want, time.Hour).Return(nil)
	c.On("Publish", mock.Anything, "transcript:events", want).Return(nil)

	err := r.Report(context.Background(), model.StatusUpdate{JobID: "job-1", EntityID: "E1", Phase: model.PhaseTranscribing})
	assert.NoError(t, err)
	c.AssertExpectations(t)
}

func TestRedisReporter_NoChannelSkipsPublish(t *testing.T) {
	c := new(MockCache)
	r := NewRedisReporter(c, "", time.Minute)

	c.On("SetWithTTL", mock.Anything, "transcript:status:job-2", mock.AnythingOfType("model.StatusUpdate"), time.Minute).Return(nil)

	assert.NoError(t, r.Report(context.Background(), model.StatusUpdate{JobID: "job-2", Phase: model.PhaseCompleted}))
	c.AssertExpectations(t)
	c.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestRedisReporter_SetFailure(t *testing.T) {
	c := new(MockCache)
	r := NewRedisReporter(c, "events", time.Minute)

	c.On("SetWithTTL", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	err := r.Report(context.Background(), model.StatusUpdate{JobID: "job-3", Phase: model.PhaseFailed})
	assert.Error(t, err)
	c.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestRedisReporter_IgnoresParentCancellation(t *testing.T) {
	c := new(MockCache)
	r := NewRedisReporter(c, "", time.Minute)

	c.On("SetWithTTL", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }),
		mock.Anything, mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, r.Report(ctx, model.StatusUpdate{JobID: "job-4", Phase: model.PhaseFailed}))
	c.AssertExpectations(t)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Report(context.Background(), model.StatusUpdate{JobID: "x"}))
}
