package database

import (
	"time"

	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/samber/lo"
)

type User struct {
	Id          string
	DisplayName string
	AvatarRef   string
	CreatedAt   time.Time
}

// Room is the membership view of a trip, conversation or community. It is
// the single source of truth for both persistence and fan-out authorization.
type Room struct {
	Ref     types.RoomRef
	Kind    types.RoomKind
	Name    string
	OwnerId string
	// Members excludes pending community join requests.
	Members            []string
	AdminOnlyMessages  bool
	LastMessagePreview string
	LastMessageAt      time.Time
	CreatedAt          time.Time
}

func (r Room) HasMember(userId string) bool {
	return userId != "" && lo.Contains(r.Members, userId)
}

// IsOwner reports whether userId is the trip or community creator. Direct
// rooms have no owner.
func (r Room) IsOwner(userId string) bool {
	return r.OwnerId != "" && r.OwnerId == userId
}

type Reply struct {
	Id         string
	SenderId   string
	SenderName string
	Body       string
	Kind       string
	Deleted    bool
}

type Message struct {
	Id           string
	Seq          int64
	RoomRef      types.RoomRef
	SenderId     string
	SenderName   string
	SenderAvatar string
	Body         string
	Kind         string
	MediaRef     string
	ReplyToId    string
	ReplyTo      *Reply
	Deleted      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Pin struct {
	RoomRef    types.RoomRef
	MessageId  string
	PinnedById string
	PinnedAt   time.Time
}

type UnreadCount struct {
	RoomRef types.RoomRef
	Count   int
}

type Community struct {
	Id                string
	Name              string
	Description       string
	CreatorId         string
	AdminOnlyMessages bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type CreateMessageParams struct {
	Id        string
	RoomRef   types.RoomRef
	SenderId  string
	Body      string
	Kind      string
	MediaRef  string
	ReplyToId string
	Preview   string
	CreatedAt time.Time
}

type CreateCommunityParams struct {
	Id                string
	Name              string
	Description       string
	CreatorId         string
	AdminOnlyMessages bool
}
