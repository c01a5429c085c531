package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/go-squadchat/internal/chaterr"
	"github.com/npezzotti/go-squadchat/internal/database"
	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/samber/lo"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
	maxBodyLength       = 4000
	maxCommunityName    = 100
)

// Authorizer answers membership questions against the store.
type Authorizer interface {
	AuthorizeRoomJoin(ctx context.Context, p types.Principal, ref types.RoomRef) (database.Room, error)
	AuthorizeSend(ctx context.Context, p types.Principal, ref types.RoomRef) (database.Room, error)
}

type Options struct {
	HistoryLimit    int
	MaxHistoryLimit int
}

// Pipeline validates, authorizes and persists room operations. It does not
// broadcast; callers publish the returned results once the write succeeded.
type Pipeline struct {
	db              database.ChatRepository
	gate            Authorizer
	historyLimit    int
	maxHistoryLimit int
	now             func() time.Time
	newId           func() string
}

func New(db database.ChatRepository, gate Authorizer, opts Options) *Pipeline {
	if opts.MaxHistoryLimit <= 0 {
		opts.MaxHistoryLimit = MaxHistoryLimit
	}
	if opts.HistoryLimit <= 0 || opts.HistoryLimit > opts.MaxHistoryLimit {
		opts.HistoryLimit = min(DefaultHistoryLimit, opts.MaxHistoryLimit)
	}

	return &Pipeline{
		db:              db,
		gate:            gate,
		historyLimit:    opts.HistoryLimit,
		maxHistoryLimit: opts.MaxHistoryLimit,
		now:             func() time.Time { return time.Now().UTC().Round(time.Millisecond) },
		newId:           uuid.NewString,
	}
}

type SendRequest struct {
	RoomRef     types.RoomRef
	RecipientId string
	Body        string
	Kind        types.MessageKind
	MediaRef    string
	ReplyToRef  string
}

type SendResult struct {
	Message types.Message
	Room    database.Room
}

type JoinResult struct {
	Room    database.Room
	History []types.Message
	Pinned  *types.PinnedSnapshot
}

type DeleteResult struct {
	MessageId  string
	PinCleared bool
}

func validateContent(req *SendRequest) error {
	if req.Kind == "" {
		req.Kind = types.MessageKindText
	}

	switch req.Kind {
	case types.MessageKindText:
		if strings.TrimSpace(req.Body) == "" {
			return chaterr.Validation("message body is required")
		}
	case types.MessageKindImage:
		if req.MediaRef == "" {
			return chaterr.Validation("image messages require a media reference")
		}
	case types.MessageKindSystem:
		return chaterr.Validation("system messages cannot be sent")
	default:
		return chaterr.Validation("unknown message kind")
	}

	if utf8.RuneCountInString(req.Body) > maxBodyLength {
		return chaterr.Validation("message body is too long")
	}

	return nil
}

// FindOrCreateDirectRoom returns the direct room between p and recipientId,
// creating it on first use.
func (p *Pipeline) FindOrCreateDirectRoom(ctx context.Context, principal types.Principal, recipientId string) (database.Room, error) {
	if recipientId == "" {
		return database.Room{}, chaterr.Validation("recipient is required")
	}

	if recipientId == principal.Id {
		return database.Room{}, chaterr.Validation("cannot start a conversation with yourself")
	}

	if _, err := p.db.GetUser(ctx, recipientId); err != nil {
		return database.Room{}, chaterr.FromStore(err, "recipient not found")
	}

	room, err := p.db.FindOrCreateConversation(ctx, principal.Id, recipientId)
	if err != nil {
		return database.Room{}, chaterr.FromStore(err, "conversation not found")
	}

	return room, nil
}

func (p *Pipeline) Send(ctx context.Context, principal types.Principal, req SendRequest) (SendResult, error) {
	if err := validateContent(&req); err != nil {
		return SendResult{}, err
	}

	if req.RoomRef == "" {
		dm, err := p.FindOrCreateDirectRoom(ctx, principal, req.RecipientId)
		if err != nil {
			return SendResult{}, err
		}
		req.RoomRef = dm.Ref
	}

	room, err := p.gate.AuthorizeSend(ctx, principal, req.RoomRef)
	if err != nil {
		return SendResult{}, err
	}

	var target *database.Message
	if req.ReplyToRef != "" {
		msg, err := p.roomMessage(ctx, req.RoomRef, req.ReplyToRef, "reply target not found")
		if err != nil {
			return SendResult{}, err
		}
		target = &msg
	}

	created, err := p.db.CreateMessage(ctx, database.CreateMessageParams{
		Id:        p.newId(),
		RoomRef:   req.RoomRef,
		SenderId:  principal.Id,
		Body:      req.Body,
		Kind:      string(req.Kind),
		MediaRef:  req.MediaRef,
		ReplyToId: req.ReplyToRef,
		Preview:   types.Preview(req.Kind, req.Body),
		CreatedAt: p.now(),
	})
	if err != nil {
		return SendResult{}, chaterr.Transient(err)
	}

	enriched, err := p.db.GetMessage(ctx, created.Id)
	if err != nil {
		// the write is durable; fall back to what the sender already knows
		enriched = created
		enriched.SenderName = principal.DisplayName
		enriched.SenderAvatar = principal.AvatarRef
		if target != nil {
			enriched.ReplyTo = &database.Reply{
				Id:         target.Id,
				SenderId:   target.SenderId,
				SenderName: target.SenderName,
				Body:       target.Body,
				Kind:       target.Kind,
			}
		}
	}

	return SendResult{Message: ToMessage(enriched), Room: room}, nil
}

// roomMessage loads a live message and checks it belongs to ref.
func (p *Pipeline) roomMessage(ctx context.Context, ref types.RoomRef, messageId, notFoundMsg string) (database.Message, error) {
	msg, err := p.db.GetMessage(ctx, messageId)
	if err != nil {
		return database.Message{}, chaterr.FromStore(err, notFoundMsg)
	}

	if msg.RoomRef != ref || msg.Deleted {
		return database.Message{}, chaterr.NotFound(notFoundMsg)
	}

	return msg, nil
}

// Authorize checks that principal may act in ref at all, which also proves
// the room exists.
func (p *Pipeline) Authorize(ctx context.Context, principal types.Principal, ref types.RoomRef) (database.Room, error) {
	return p.gate.AuthorizeRoomJoin(ctx, principal, ref)
}

func (p *Pipeline) JoinRoom(ctx context.Context, principal types.Principal, ref types.RoomRef) (JoinResult, error) {
	room, err := p.gate.AuthorizeRoomJoin(ctx, principal, ref)
	if err != nil {
		return JoinResult{}, err
	}

	history, err := p.history(ctx, ref, 0, p.historyLimit)
	if err != nil {
		return JoinResult{}, err
	}

	res := JoinResult{Room: room, History: history}
	if ref.Pinnable() {
		pinned, err := p.pinnedSnapshot(ctx, ref)
		if err != nil {
			return JoinResult{}, err
		}
		res.Pinned = pinned
	}

	return res, nil
}

func (p *Pipeline) pinnedSnapshot(ctx context.Context, ref types.RoomRef) (*types.PinnedSnapshot, error) {
	pin, err := p.db.GetPin(ctx, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, chaterr.Transient(err)
	}

	msg, err := p.db.GetMessage(ctx, pin.MessageId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, chaterr.Transient(err)
	}

	snapshot := &types.PinnedSnapshot{
		Message:    ToMessage(msg),
		PinnedById: pin.PinnedById,
		PinnedAt:   pin.PinnedAt,
	}

	if pinner, err := p.db.GetUser(ctx, pin.PinnedById); err == nil {
		snapshot.PinnedByDisplayName = pinner.DisplayName
	}

	return snapshot, nil
}

// History returns a window of messages with seq below beforeSeq, oldest
// first. Limits outside (0, max] are clamped.
func (p *Pipeline) History(ctx context.Context, principal types.Principal, ref types.RoomRef, beforeSeq int64, limit int) ([]types.Message, error) {
	if _, err := p.gate.AuthorizeRoomJoin(ctx, principal, ref); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = p.historyLimit
	}
	limit = min(limit, p.maxHistoryLimit)

	return p.history(ctx, ref, beforeSeq, limit)
}

func (p *Pipeline) history(ctx context.Context, ref types.RoomRef, beforeSeq int64, limit int) ([]types.Message, error) {
	msgs, err := p.db.GetMessages(ctx, ref, beforeSeq, limit)
	if err != nil {
		return nil, chaterr.Transient(err)
	}

	history := lo.Map(msgs, func(m database.Message, _ int) types.Message {
		return ToMessage(m)
	})
	slices.Reverse(history)

	return history, nil
}

func checkPinnable(ref types.RoomRef) error {
	if ref.Joinable() && !ref.Pinnable() {
		return chaterr.Validation("pinning is not supported in this room")
	}
	return nil
}

func (p *Pipeline) Pin(ctx context.Context, principal types.Principal, ref types.RoomRef, messageId string) (types.PinnedSnapshot, error) {
	if err := checkPinnable(ref); err != nil {
		return types.PinnedSnapshot{}, err
	}

	if _, err := p.gate.AuthorizeRoomJoin(ctx, principal, ref); err != nil {
		return types.PinnedSnapshot{}, err
	}

	msg, err := p.roomMessage(ctx, ref, messageId, "message not found")
	if err != nil {
		return types.PinnedSnapshot{}, err
	}

	pin := database.Pin{
		RoomRef:    ref,
		MessageId:  msg.Id,
		PinnedById: principal.Id,
		PinnedAt:   p.now(),
	}
	if err := p.db.SetPin(ctx, pin); err != nil {
		return types.PinnedSnapshot{}, chaterr.Transient(err)
	}

	return types.PinnedSnapshot{
		Message:             ToMessage(msg),
		PinnedById:          principal.Id,
		PinnedByDisplayName: principal.DisplayName,
		PinnedAt:            pin.PinnedAt,
	}, nil
}

// Unpin clears the room's pin and returns the id of the message that was
// pinned. Only the pinner or the room owner may unpin.
func (p *Pipeline) Unpin(ctx context.Context, principal types.Principal, ref types.RoomRef) (string, error) {
	if err := checkPinnable(ref); err != nil {
		return "", err
	}

	room, err := p.gate.AuthorizeRoomJoin(ctx, principal, ref)
	if err != nil {
		return "", err
	}

	pin, err := p.db.GetPin(ctx, ref)
	if err != nil {
		return "", chaterr.FromStore(err, "no pinned message")
	}

	if pin.PinnedById != principal.Id && !room.IsOwner(principal.Id) {
		return "", chaterr.Authorization("only the pinner or the room owner can unpin")
	}

	if err := p.db.ClearPin(ctx, ref, pin.MessageId); err != nil {
		return "", chaterr.FromStore(err, "no pinned message")
	}

	return pin.MessageId, nil
}

// Delete tombstones a message. Only its sender or the room owner may delete
// it.
func (p *Pipeline) Delete(ctx context.Context, principal types.Principal, ref types.RoomRef, messageId string) (DeleteResult, error) {
	room, err := p.gate.AuthorizeRoomJoin(ctx, principal, ref)
	if err != nil {
		return DeleteResult{}, err
	}

	msg, err := p.roomMessage(ctx, ref, messageId, "message not found")
	if err != nil {
		return DeleteResult{}, err
	}

	if msg.SenderId != principal.Id && !room.IsOwner(principal.Id) {
		return DeleteResult{}, chaterr.Authorization("only the sender or the room owner can delete this message")
	}

	pinCleared, err := p.db.DeleteMessage(ctx, msg.Id)
	if err != nil {
		return DeleteResult{}, chaterr.FromStore(err, "message not found")
	}

	return DeleteResult{MessageId: msg.Id, PinCleared: pinCleared}, nil
}

func (p *Pipeline) MarkRead(ctx context.Context, principal types.Principal, ref types.RoomRef) error {
	if _, err := p.gate.AuthorizeRoomJoin(ctx, principal, ref); err != nil {
		return err
	}

	if err := p.db.ResetUnread(ctx, ref, principal.Id); err != nil {
		return chaterr.Transient(err)
	}

	return nil
}

func (p *Pipeline) ListUnread(ctx context.Context, principal types.Principal) ([]types.UnreadCount, error) {
	counts, err := p.db.ListUnread(ctx, principal.Id)
	if err != nil {
		return nil, chaterr.Transient(err)
	}

	return lo.Map(counts, func(c database.UnreadCount, _ int) types.UnreadCount {
		return types.UnreadCount{RoomRef: c.RoomRef, Count: c.Count}
	}), nil
}

type CreateCommunityRequest struct {
	Name              string
	Description       string
	AdminOnlyMessages bool
}

// CreateCommunity creates a community with principal as its creator and
// first member.
func (p *Pipeline) CreateCommunity(ctx context.Context, principal types.Principal, id string, req CreateCommunityRequest) (types.Community, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return types.Community{}, chaterr.Validation("community name is required")
	}

	if utf8.RuneCountInString(name) > maxCommunityName {
		return types.Community{}, chaterr.Validation("community name is too long")
	}

	c, err := p.db.CreateCommunity(ctx, database.CreateCommunityParams{
		Id:                id,
		Name:              name,
		Description:       strings.TrimSpace(req.Description),
		CreatorId:         principal.Id,
		AdminOnlyMessages: req.AdminOnlyMessages,
	})
	if errors.Is(err, database.ErrDuplicate) {
		return types.Community{}, chaterr.Validation("community name is already taken")
	} else if err != nil {
		return types.Community{}, chaterr.Transient(err)
	}

	return types.Community{
		Id:                c.Id,
		RoomRef:           types.NewRoomRef(types.RoomKindCommunity, c.Id),
		Name:              c.Name,
		Description:       c.Description,
		CreatorId:         c.CreatorId,
		AdminOnlyMessages: c.AdminOnlyMessages,
		CreatedAt:         c.CreatedAt,
	}, nil
}

// DeleteCommunity hard-deletes a community and everything in its room. Only
// the creator may delete it.
func (p *Pipeline) DeleteCommunity(ctx context.Context, principal types.Principal, id string) (types.RoomRef, error) {
	ref := types.NewRoomRef(types.RoomKindCommunity, id)

	room, err := p.db.GetRoom(ctx, ref)
	if err != nil {
		return "", chaterr.FromStore(err, "community not found")
	}

	if !room.IsOwner(principal.Id) {
		return "", chaterr.Authorization("only the community creator can delete it")
	}

	if err := p.db.DeleteCommunity(ctx, id); err != nil {
		return "", chaterr.FromStore(err, "community not found")
	}

	return ref, nil
}

func ToMessage(m database.Message) types.Message {
	msg := types.Message{
		Id:                m.Id,
		Seq:               m.Seq,
		RoomRef:           m.RoomRef,
		SenderId:          m.SenderId,
		SenderDisplayName: m.SenderName,
		SenderAvatarRef:   m.SenderAvatar,
		Body:              m.Body,
		Kind:              types.MessageKind(m.Kind),
		MediaRef:          m.MediaRef,
		Deleted:           m.Deleted,
		CreatedAt:         m.CreatedAt,
	}

	if m.ReplyTo != nil {
		msg.ReplyTo = &types.ReplySnapshot{
			MessageId:         m.ReplyTo.Id,
			SenderId:          m.ReplyTo.SenderId,
			SenderDisplayName: m.ReplyTo.SenderName,
			Body:              m.ReplyTo.Body,
			Kind:              types.MessageKind(m.ReplyTo.Kind),
			Deleted:           m.ReplyTo.Deleted,
		}
		if msg.ReplyTo.Deleted {
			msg.ReplyTo.Body = ""
		}
	}

	return msg
}
