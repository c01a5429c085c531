package types

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type RoomKind string

const (
	RoomKindSquad     RoomKind = "trip"
	RoomKindDirect    RoomKind = "dm"
	RoomKindCommunity RoomKind = "community"
	// RoomKindPersonal is the per-principal notification channel. It is
	// never joinable by clients.
	RoomKindPersonal RoomKind = "user"
)

// RoomRef addresses a real-time scope as "<kind>:<id>", e.g. "trip:42".
type RoomRef string

func NewRoomRef(kind RoomKind, id string) RoomRef {
	return RoomRef(string(kind) + ":" + id)
}

func PersonalRoom(principalId string) RoomRef {
	return NewRoomRef(RoomKindPersonal, principalId)
}

func ParseRoomRef(s string) (RoomRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("malformed room ref %q", s)
	}

	switch RoomKind(kind) {
	case RoomKindSquad, RoomKindDirect, RoomKindCommunity, RoomKindPersonal:
	default:
		return "", fmt.Errorf("unknown room kind %q", kind)
	}

	return RoomRef(s), nil
}

func (r RoomRef) Kind() RoomKind {
	kind, _, _ := strings.Cut(string(r), ":")
	return RoomKind(kind)
}

func (r RoomRef) ID() string {
	_, id, _ := strings.Cut(string(r), ":")
	return id
}

func (r RoomRef) Valid() bool {
	_, err := ParseRoomRef(string(r))
	return err == nil
}

// Joinable reports whether clients may address the room directly.
func (r RoomRef) Joinable() bool {
	return r.Valid() && r.Kind() != RoomKindPersonal
}

// Pinnable reports whether the room variant carries pin state.
func (r RoomRef) Pinnable() bool {
	k := r.Kind()
	return k == RoomKindSquad || k == RoomKindCommunity
}

type Principal struct {
	Id          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindSystem MessageKind = "system"
)

type ReplySnapshot struct {
	MessageId         string      `json:"message_id"`
	SenderId          string      `json:"sender_id"`
	SenderDisplayName string      `json:"sender_display_name"`
	Body              string      `json:"body"`
	Kind              MessageKind `json:"kind"`
	Deleted           bool        `json:"deleted,omitempty"`
}

type Message struct {
	Id                string         `json:"id"`
	Seq               int64          `json:"seq"`
	RoomRef           RoomRef        `json:"room_ref"`
	SenderId          string         `json:"sender_id"`
	SenderDisplayName string         `json:"sender_display_name"`
	SenderAvatarRef   string         `json:"sender_avatar_ref,omitempty"`
	Body              string         `json:"body"`
	Kind              MessageKind    `json:"kind"`
	MediaRef          string         `json:"media_ref,omitempty"`
	ReplyTo           *ReplySnapshot `json:"reply_to,omitempty"`
	Deleted           bool           `json:"deleted,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

const previewLength = 100

// Preview returns the short room-list text for a message.
func Preview(kind MessageKind, body string) string {
	if kind == MessageKindImage && strings.TrimSpace(body) == "" {
		return "[image]"
	}

	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= previewLength {
		return body
	}

	runes := []rune(body)
	return string(runes[:previewLength]) + "…"
}

func (m Message) Preview() string {
	return Preview(m.Kind, m.Body)
}

type PinnedSnapshot struct {
	Message             Message   `json:"message"`
	PinnedById          string    `json:"pinned_by_id"`
	PinnedByDisplayName string    `json:"pinned_by_display_name"`
	PinnedAt            time.Time `json:"pinned_at"`
}

type UnreadCount struct {
	RoomRef RoomRef `json:"room_ref"`
	Count   int     `json:"count"`
}

type Community struct {
	Id                string    `json:"id"`
	RoomRef           RoomRef   `json:"room_ref"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	CreatorId         string    `json:"creator_id"`
	AdminOnlyMessages bool      `json:"admin_only_messages"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
}
