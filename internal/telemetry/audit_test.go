package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func TestEmitBuildsEnvelope(t *testing.T) {
	pub := new(publisherMock)
	var got AuditEnvelope
	pub.On("Publish", mock.Anything, "audit.chat", mock.AnythingOfType("telemetry.AuditEnvelope"), map[string]string{"x-request-id": "req-1"}).
		Run(func(args mock.Arguments) { got = args.Get(2).(AuditEnvelope) }).
		Return(nil)

	e := NewAuditEmitter(pub, "audit.chat", "chat-core", "test", zap.NewNop())
	e.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	user := "alice"
	e.Emit(context.Background(), "info", "presence listed", "req-1", &user)

	pub.AssertExpectations(t)
	assert.Equal(t, 1, got.SchemaVersion)
	assert.Equal(t, "audit_log", got.EventType)
	assert.Equal(t, "2024-01-02T03:04:05Z", got.OccurredAt)
	assert.Equal(t, "chat-core", got.Service)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "alice", *got.UserID)
	assert.Equal(t, AuditPayload{Level: "info", Text: "presence listed"}, got.Payload)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	pub := new(publisherMock)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down"))

	e := NewAuditEmitter(pub, "audit.chat", "chat-core", "test", zap.NewNop())
	assert.NotPanics(t, func() { e.Emit(context.Background(), "warn", "x", "req", nil) })

	var nilEmitter *AuditEmitter
	assert.NotPanics(t, func() { nilEmitter.Emit(context.Background(), "warn", "x", "req", nil) })
}
