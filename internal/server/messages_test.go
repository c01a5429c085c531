package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-squadchat/internal/chaterr"
	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/stretchr/testify/assert"
)

const testMessageId = "6f1c2a0e-8a43-4c1e-9a53-1b2f0d7c4e11"

func TestClientMessage_Validate(t *testing.T) {
	tcases := []struct {
		name    string
		raw     string
		op      string
		wantErr bool
	}{
		{name: "join", raw: `{"id":1,"join_room":{"room_ref":"trip:42"}}`, op: "join_room"},
		{name: "send to room", raw: `{"send_message":{"room_ref":"community:abc","body":"hi"}}`, op: "send_message"},
		{name: "send to recipient", raw: `{"send_message":{"recipient_id":"bob","body":"hi"}}`, op: "send_message"},
		{name: "send image", raw: `{"send_message":{"room_ref":"trip:1","kind":"image","media_ref":"https://cdn.example/a.jpg"}}`, op: "send_message"},
		{name: "typing", raw: `{"set_typing":{"room_ref":"dm:x","is_typing":true}}`, op: "set_typing"},
		{name: "pin", raw: `{"pin_message":{"room_ref":"trip:1","message_ref":"` + testMessageId + `"}}`, op: "pin_message"},
		{name: "mark read", raw: `{"mark_read":{"room_ref":"trip:1"}}`, op: "mark_read"},
		{name: "no op", raw: `{"id":3}`, wantErr: true},
		{name: "two ops", raw: `{"join_room":{"room_ref":"trip:1"},"leave_room":{"room_ref":"trip:1"}}`, op: "join_room", wantErr: true},
		{name: "missing room", raw: `{"join_room":{}}`, op: "join_room", wantErr: true},
		{name: "malformed room", raw: `{"join_room":{"room_ref":"42"}}`, op: "join_room", wantErr: true},
		{name: "unknown room kind", raw: `{"join_room":{"room_ref":"galaxy:1"}}`, op: "join_room", wantErr: true},
		{name: "personal channel", raw: `{"join_room":{"room_ref":"user:bob"}}`, op: "join_room", wantErr: true},
		{name: "room and recipient", raw: `{"send_message":{"room_ref":"trip:1","recipient_id":"bob","body":"hi"}}`, op: "send_message", wantErr: true},
		{name: "neither room nor recipient", raw: `{"send_message":{"body":"hi"}}`, op: "send_message", wantErr: true},
		{name: "bad kind", raw: `{"send_message":{"room_ref":"trip:1","kind":"video"}}`, op: "send_message", wantErr: true},
		{name: "bad media ref", raw: `{"send_message":{"room_ref":"trip:1","kind":"image","media_ref":"not a url"}}`, op: "send_message", wantErr: true},
		{name: "bad message ref", raw: `{"delete_message":{"room_ref":"trip:1","message_ref":"nope"}}`, op: "delete_message", wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var msg ClientMessage
			assert.NoError(t, json.Unmarshal([]byte(tc.raw), &msg), "expected message to decode")
			assert.Equal(t, tc.op, msg.Op(), "expected op name to match")

			err := msg.Validate()
			if tc.wantErr {
				assert.True(t, chaterr.Is(err, chaterr.KindValidation), "expected validation error, got %v", err)
				return
			}
			assert.NoError(t, err, "expected message to be valid")
		})
	}
}

func TestClientMessage_RoomRef(t *testing.T) {
	msg := ClientMessage{UnpinMessage: &UnpinMessage{RoomRef: "trip:9"}}
	assert.Equal(t, types.RoomRef("trip:9"), msg.RoomRef())

	msg = ClientMessage{SendMessage: &SendMessage{RecipientId: "bob"}}
	assert.Equal(t, types.RoomRef(""), msg.RoomRef(), "expected unresolved direct send to have no room yet")

	msg = ClientMessage{disconnected: []types.RoomRef{"trip:1"}}
	assert.Equal(t, "disconnect", msg.Op())
}

func TestNoErrOK(t *testing.T) {
	result := NoErrOK(1, "join_room", map[string]any{"testkey": "testvalue"})

	assert.NotNil(t, result.Response, "expected response to be non-nil")
	assert.Equal(t, 1, result.Id, "expected Id to match")
	assert.WithinDuration(t, Now(), result.Timestamp, time.Second, "expected Timestamp to be within 1 second")
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode, "expected ResponseCode to match")
	assert.Equal(t, "join_room", result.Response.Op, "expected Op to match")
	assert.Equal(t, map[string]any{"testkey": "testvalue"}, result.Response.Data, "expected Data to match")
}

func TestNoErrAccepted(t *testing.T) {
	result := NoErrAccepted(2, "send_message", nil)
	assert.Equal(t, 2, result.Id, "expected Id to match")
	assert.Equal(t, http.StatusAccepted, result.Response.ResponseCode, "expected ResponseCode to match")
}

func TestErrResponse(t *testing.T) {
	tcases := []struct {
		name     string
		err      error
		code     int
		errorMsg string
	}{
		{name: "authorization", err: chaterr.Authorization("not a member of this room"), code: http.StatusForbidden, errorMsg: "not a member of this room"},
		{name: "not found", err: chaterr.NotFound("message not found"), code: http.StatusNotFound, errorMsg: "message not found"},
		{name: "validation", err: chaterr.Validation("message body is required"), code: http.StatusBadRequest, errorMsg: "message body is required"},
		{name: "transient hides cause", err: chaterr.Transient(errors.New("pq: connection reset")), code: http.StatusServiceUnavailable, errorMsg: "temporarily unavailable, try again"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			result := ErrResponse(5, "pin_message", tc.err)
			assert.Equal(t, 5, result.Id)
			assert.Equal(t, tc.code, result.Response.ResponseCode, "expected ResponseCode to match")
			assert.Equal(t, "pin_message", result.Response.Op)
			assert.Equal(t, tc.errorMsg, result.Response.Error, "expected Error to match")
		})
	}
}

func TestErrInvalidMessage(t *testing.T) {
	result := ErrInvalidMessage(-1)
	assert.Equal(t, 0, result.Id, "expected negative ids to be dropped")
	assert.Equal(t, http.StatusBadRequest, result.Response.ResponseCode)

	result = ErrInvalidMessage(4)
	assert.Equal(t, 4, result.Id)
}

func TestServerMessage_json(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: ts},
		Unpinned: &Unpinned{
			RoomRef:               "trip:1",
			MessageRef:            "m1",
			UnpinnedByDisplayName: SystemActor,
		},
	}

	b, err := json.Marshal(msg)
	assert.NoError(t, err)
	assert.JSONEq(t, `{
		"timestamp": "2026-01-02T03:04:05Z",
		"unpinned": {"room_ref": "trip:1", "message_ref": "m1", "unpinned_by_display_name": "system"}
	}`, string(b))
}

func TestServerMessage_jsonRemovedFromRoom(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &ServerMessage{
		BaseMessage:     BaseMessage{Timestamp: ts},
		RemovedFromRoom: &RemovedFromRoom{RoomRef: "trip:1", Reason: "no longer a member of this room"},
	}

	b, err := json.Marshal(msg)
	assert.NoError(t, err)
	assert.JSONEq(t, `{
		"timestamp": "2026-01-02T03:04:05Z",
		"removed_from_room": {"room_ref": "trip:1", "reason": "no longer a member of this room"}
	}`, string(b))
}
