package database

import (
	"context"

	"github.com/npezzotti/go-squadchat/internal/types"
)

type ChatRepository interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, userId string) (User, error)
	GetRoom(ctx context.Context, ref types.RoomRef) (Room, error)
	FindOrCreateConversation(ctx context.Context, userA, userB string) (Room, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessage(ctx context.Context, messageId string) (Message, error)
	GetMessages(ctx context.Context, ref types.RoomRef, beforeSeq int64, limit int) ([]Message, error)
	DeleteMessage(ctx context.Context, messageId string) (bool, error)
	GetPin(ctx context.Context, ref types.RoomRef) (Pin, error)
	SetPin(ctx context.Context, pin Pin) error
	ClearPin(ctx context.Context, ref types.RoomRef, messageId string) error
	IncrementUnread(ctx context.Context, ref types.RoomRef, userIds []string) (map[string]int, error)
	ResetUnread(ctx context.Context, ref types.RoomRef, userId string) error
	ListUnread(ctx context.Context, userId string) ([]UnreadCount, error)
	CreateCommunity(ctx context.Context, params CreateCommunityParams) (Community, error)
	DeleteCommunity(ctx context.Context, communityId string) error
}
