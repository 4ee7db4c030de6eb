package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-core/internal/auth"
	"chat-core/internal/models"
)

type MessageServiceMock struct {
	mock.Mock
}

func (m *MessageServiceMock) Send(ctx context.Context, senderID, recipientID, content string) (models.Message, error) {
	args := m.Called(ctx, senderID, recipientID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageServiceMock) FetchHistory(ctx context.Context, userID string, since *models.Cursor, limit int) ([]models.Message, error) {
	args := m.Called(ctx, userID, since, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageServiceMock) Conversation(ctx context.Context, userA, userB string, since *models.Cursor, limit int) ([]models.Message, error) {
	args := m.Called(ctx, userA, userB, since, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageServiceMock) MarkRead(ctx context.Context, readerID string, messageID int64) error {
	args := m.Called(ctx, readerID, messageID)
	return args.Error(0)
}

func (m *MessageServiceMock) MarkConversationRead(ctx context.Context, readerID, peerID string) (int64, error) {
	args := m.Called(ctx, readerID, peerID)
	return args.Get(0).(int64), args.Error(1)
}

type PresenceReaderMock struct {
	mock.Mock
}

func (m *PresenceReaderMock) Resolve(ctx context.Context, userID string) models.Presence {
	args := m.Called(ctx, userID)
	return args.Get(0).(models.Presence)
}

func (m *PresenceReaderMock) Online() []models.Presence {
	args := m.Called()
	var list []models.Presence
	if val := args.Get(0); val != nil {
		list = val.([]models.Presence)
	}
	return list
}

func (m *PresenceReaderMock) ClusterOnline(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

type AuthenticatorMock struct {
	mock.Mock
}

func (m *AuthenticatorMock) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(auth.Identity), args.Error(1)
}

type PingerMock struct {
	mock.Mock
}

func (m *PingerMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
