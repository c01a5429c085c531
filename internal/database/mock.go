package database

import (
	"context"

	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) GetUser(ctx context.Context, userId string) (User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetRoom(ctx context.Context, ref types.RoomRef) (Room, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) FindOrCreateConversation(ctx context.Context, userA, userB string) (Room, error) {
	args := m.Called(ctx, userA, userB)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, messageId string) (Message, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, ref types.RoomRef, beforeSeq int64, limit int) ([]Message, error) {
	args := m.Called(ctx, ref, beforeSeq, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) DeleteMessage(ctx context.Context, messageId string) (bool, error) {
	args := m.Called(ctx, messageId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) GetPin(ctx context.Context, ref types.RoomRef) (Pin, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(Pin), args.Error(1)
}
func (m *MockChatRepository) SetPin(ctx context.Context, pin Pin) error {
	args := m.Called(ctx, pin)
	return args.Error(0)
}
func (m *MockChatRepository) ClearPin(ctx context.Context, ref types.RoomRef, messageId string) error {
	args := m.Called(ctx, ref, messageId)
	return args.Error(0)
}
func (m *MockChatRepository) IncrementUnread(ctx context.Context, ref types.RoomRef, userIds []string) (map[string]int, error) {
	args := m.Called(ctx, ref, userIds)
	if counts, ok := args.Get(0).(map[string]int); ok {
		return counts, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) ResetUnread(ctx context.Context, ref types.RoomRef, userId string) error {
	args := m.Called(ctx, ref, userId)
	return args.Error(0)
}
func (m *MockChatRepository) ListUnread(ctx context.Context, userId string) ([]UnreadCount, error) {
	args := m.Called(ctx, userId)
	if counts, ok := args.Get(0).([]UnreadCount); ok {
		return counts, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) CreateCommunity(ctx context.Context, params CreateCommunityParams) (Community, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Community), args.Error(1)
}
func (m *MockChatRepository) DeleteCommunity(ctx context.Context, communityId string) error {
	args := m.Called(ctx, communityId)
	return args.Error(0)
}
