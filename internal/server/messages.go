package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-squadchat/internal/chaterr"
	"github.com/npezzotti/go-squadchat/internal/types"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// roomref accepts the empty string; pair it with required where needed
	v.RegisterValidation("roomref", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || types.RoomRef(s).Valid()
	})
	return v
}

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is an inbound operation. Exactly one op field is set.
type ClientMessage struct {
	BaseMessage
	JoinRoom      *JoinRoom      `json:"join_room,omitempty" validate:"omitempty"`
	LeaveRoom     *LeaveRoom     `json:"leave_room,omitempty" validate:"omitempty"`
	SendMessage   *SendMessage   `json:"send_message,omitempty" validate:"omitempty"`
	SetTyping     *SetTyping     `json:"set_typing,omitempty" validate:"omitempty"`
	PinMessage    *PinMessage    `json:"pin_message,omitempty" validate:"omitempty"`
	UnpinMessage  *UnpinMessage  `json:"unpin_message,omitempty" validate:"omitempty"`
	DeleteMessage *DeleteMessage `json:"delete_message,omitempty" validate:"omitempty"`
	MarkRead      *MarkRead      `json:"mark_read,omitempty" validate:"omitempty"`

	principal types.Principal
	client    *Client
	// disconnected is set on the synthetic message routed to each room a
	// closed connection had joined.
	disconnected []types.RoomRef
}

type JoinRoom struct {
	RoomRef types.RoomRef `json:"room_ref" validate:"required,roomref"`
}

type LeaveRoom struct {
	RoomRef types.RoomRef `json:"room_ref" validate:"required,roomref"`
}

type SendMessage struct {
	RoomRef     types.RoomRef     `json:"room_ref,omitempty" validate:"required_without=RecipientId,roomref"`
	RecipientId string            `json:"recipient_id,omitempty" validate:"excluded_with=RoomRef,max=128"`
	Body        string            `json:"body" validate:"max=4000"`
	Kind        types.MessageKind `json:"kind,omitempty" validate:"omitempty,oneof=text image system"`
	MediaRef    string            `json:"media_ref,omitempty" validate:"omitempty,url"`
	ReplyToRef  string            `json:"reply_to_ref,omitempty" validate:"omitempty,uuid"`
}

type SetTyping struct {
	RoomRef  types.RoomRef `json:"room_ref" validate:"required,roomref"`
	IsTyping bool          `json:"is_typing"`
}

type PinMessage struct {
	RoomRef    types.RoomRef `json:"room_ref" validate:"required,roomref"`
	MessageRef string        `json:"message_ref" validate:"required,uuid"`
}

type UnpinMessage struct {
	RoomRef types.RoomRef `json:"room_ref" validate:"required,roomref"`
}

type DeleteMessage struct {
	RoomRef    types.RoomRef `json:"room_ref" validate:"required,roomref"`
	MessageRef string        `json:"message_ref" validate:"required,uuid"`
}

type MarkRead struct {
	RoomRef types.RoomRef `json:"room_ref" validate:"required,roomref"`
}

// Op returns the wire name of the operation carried by the message.
func (cm *ClientMessage) Op() string {
	switch {
	case cm.JoinRoom != nil:
		return "join_room"
	case cm.LeaveRoom != nil:
		return "leave_room"
	case cm.SendMessage != nil:
		return "send_message"
	case cm.SetTyping != nil:
		return "set_typing"
	case cm.PinMessage != nil:
		return "pin_message"
	case cm.UnpinMessage != nil:
		return "unpin_message"
	case cm.DeleteMessage != nil:
		return "delete_message"
	case cm.MarkRead != nil:
		return "mark_read"
	case cm.disconnected != nil:
		return "disconnect"
	default:
		return ""
	}
}

func (cm *ClientMessage) opCount() int {
	n := 0
	for _, set := range []bool{
		cm.JoinRoom != nil,
		cm.LeaveRoom != nil,
		cm.SendMessage != nil,
		cm.SetTyping != nil,
		cm.PinMessage != nil,
		cm.UnpinMessage != nil,
		cm.DeleteMessage != nil,
		cm.MarkRead != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// RoomRef returns the room the operation is scoped to.
func (cm *ClientMessage) RoomRef() types.RoomRef {
	switch {
	case cm.JoinRoom != nil:
		return cm.JoinRoom.RoomRef
	case cm.LeaveRoom != nil:
		return cm.LeaveRoom.RoomRef
	case cm.SendMessage != nil:
		return cm.SendMessage.RoomRef
	case cm.SetTyping != nil:
		return cm.SetTyping.RoomRef
	case cm.PinMessage != nil:
		return cm.PinMessage.RoomRef
	case cm.UnpinMessage != nil:
		return cm.UnpinMessage.RoomRef
	case cm.DeleteMessage != nil:
		return cm.DeleteMessage.RoomRef
	case cm.MarkRead != nil:
		return cm.MarkRead.RoomRef
	default:
		return ""
	}
}

// Validate checks the envelope shape and the payload of its operation.
func (cm *ClientMessage) Validate() error {
	if cm.opCount() != 1 {
		return chaterr.Validation("message must carry exactly one operation")
	}

	if err := validate.Struct(cm); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return chaterr.Validation("invalid " + cm.Op() + ": " + strings.Join(fields, ", "))
		}
		return chaterr.Validation("invalid " + cm.Op())
	}

	if cm.RoomRef() != "" && !cm.RoomRef().Joinable() {
		return chaterr.Validation("room is not addressable")
	}

	return nil
}

// ServerMessage is an outbound event. Exactly one event field is set.
type ServerMessage struct {
	BaseMessage
	Response          *Response          `json:"response,omitempty"`
	History           *History           `json:"history,omitempty"`
	Message           *types.Message     `json:"message,omitempty"`
	Typing            *Typing            `json:"typing,omitempty"`
	Pinned            *Pinned            `json:"pinned,omitempty"`
	Unpinned          *Unpinned          `json:"unpinned,omitempty"`
	MessageDeleted    *MessageDeleted    `json:"message_deleted,omitempty"`
	RoomPreviewUpdate *RoomPreviewUpdate `json:"room_preview_update,omitempty"`
	RoomDeleted       *RoomDeleted       `json:"room_deleted,omitempty"`
	RemovedFromRoom   *RemovedFromRoom   `json:"removed_from_room,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Op           string `json:"op,omitempty"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type History struct {
	RoomRef  types.RoomRef         `json:"room_ref"`
	Messages []types.Message       `json:"messages"`
	Pinned   *types.PinnedSnapshot `json:"pinned,omitempty"`
}

type Typing struct {
	RoomRef     types.RoomRef `json:"room_ref"`
	PrincipalId string        `json:"principal_id"`
	DisplayName string        `json:"display_name"`
	IsTyping    bool          `json:"is_typing"`
}

type Pinned struct {
	RoomRef             types.RoomRef `json:"room_ref"`
	Message             types.Message `json:"message"`
	PinnedById          string        `json:"pinned_by_id"`
	PinnedByDisplayName string        `json:"pinned_by_display_name"`
}

// SystemActor attributes events the server performs on its own.
const SystemActor = "system"

type Unpinned struct {
	RoomRef               types.RoomRef `json:"room_ref"`
	MessageRef            string        `json:"message_ref"`
	UnpinnedByDisplayName string        `json:"unpinned_by_display_name"`
}

type MessageDeleted struct {
	RoomRef    types.RoomRef `json:"room_ref"`
	MessageRef string        `json:"message_ref"`
}

type RoomPreviewUpdate struct {
	RoomRef           types.RoomRef `json:"room_ref"`
	Preview           string        `json:"preview"`
	SenderDisplayName string        `json:"sender_display_name"`
	Timestamp         time.Time     `json:"timestamp"`
	UnreadCount       int           `json:"unread_count"`
}

type RoomDeleted struct {
	RoomRef types.RoomRef `json:"room_ref"`
}

// RemovedFromRoom tells a connection it was detached from a room whose
// membership no longer includes its principal.
type RemovedFromRoom struct {
	RoomRef types.RoomRef `json:"room_ref"`
	Reason  string        `json:"reason"`
}

func NoErrOK(id int, op string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Op:           op,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int, op string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
			Op:           op,
			Data:         data,
		},
	}
}

// ErrResponse reports a failed operation to the client that issued it.
func ErrResponse(id int, op string, err error) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: chaterr.StatusCode(err),
			Op:           op,
			Error:        chaterr.PublicMessage(err),
		},
	}
}

func ErrServiceUnavailable(id int, op string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Op:           op,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
