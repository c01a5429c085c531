package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-squadchat/internal/auth"
	"github.com/npezzotti/go-squadchat/internal/chaterr"
	"github.com/npezzotti/go-squadchat/internal/database"
	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

var (
	testNow  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alice    = types.Principal{Id: "alice", DisplayName: "Alice", AvatarRef: "alice.png"}
	bob      = types.Principal{Id: "bob", DisplayName: "Bob"}
	squadRef = types.NewRoomRef(types.RoomKindSquad, "42")
	squad    = database.Room{Ref: squadRef, Kind: types.RoomKindSquad, OwnerId: "owner", Members: []string{"owner", "alice", "bob"}}
)

func newTestPipeline(db *database.MockChatRepository) *Pipeline {
	p := New(db, auth.NewGate(auth.NewTokenVerifier(nil), db), Options{})
	p.now = func() time.Time { return testNow }
	p.newId = func() string { return "msg-1" }
	return p
}

func TestNew_clampsHistoryLimits(t *testing.T) {
	p := New(&database.MockChatRepository{}, nil, Options{HistoryLimit: 500})
	assert.Equal(t, DefaultHistoryLimit, p.historyLimit, "expected oversized default to be clamped")
	assert.Equal(t, MaxHistoryLimit, p.maxHistoryLimit)

	p = New(&database.MockChatRepository{}, nil, Options{HistoryLimit: 20, MaxHistoryLimit: 30})
	assert.Equal(t, 20, p.historyLimit)
	assert.Equal(t, 30, p.maxHistoryLimit)
}

func TestSend_validation(t *testing.T) {
	tcases := []struct {
		name string
		req  SendRequest
	}{
		{name: "empty body", req: SendRequest{RoomRef: squadRef, Body: "   "}},
		{name: "image without media", req: SendRequest{RoomRef: squadRef, Kind: types.MessageKindImage}},
		{name: "system kind", req: SendRequest{RoomRef: squadRef, Body: "hi", Kind: types.MessageKindSystem}},
		{name: "unknown kind", req: SendRequest{RoomRef: squadRef, Body: "hi", Kind: "video"}},
		{name: "body too long", req: SendRequest{RoomRef: squadRef, Body: string(make([]rune, maxBodyLength+1))}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			defer db.AssertExpectations(t)

			_, err := newTestPipeline(db).Send(context.Background(), alice, tc.req)
			assert.True(t, chaterr.Is(err, chaterr.KindValidation), "expected validation error, got %v", err)
			db.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
		})
	}
}

func TestSend(t *testing.T) {
	t.Run("persists then enriches", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		params := database.CreateMessageParams{
			Id:        "msg-1",
			RoomRef:   squadRef,
			SenderId:  "alice",
			Body:      "hello squad",
			Kind:      "text",
			Preview:   "hello squad",
			CreatedAt: testNow,
		}
		created := database.Message{Id: "msg-1", Seq: 7, RoomRef: squadRef, SenderId: "alice", Body: "hello squad", Kind: "text", CreatedAt: testNow}
		enriched := created
		enriched.SenderName = "Alice"

		db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
		db.On("CreateMessage", mock.Anything, params).Return(created, nil).Once()
		db.On("GetMessage", mock.Anything, "msg-1").Return(enriched, nil).Once()

		res, err := newTestPipeline(db).Send(context.Background(), alice, SendRequest{RoomRef: squadRef, Body: "hello squad"})
		assert.NoError(t, err, "expected send to succeed")
		assert.Equal(t, int64(7), res.Message.Seq)
		assert.Equal(t, "Alice", res.Message.SenderDisplayName, "expected sender display name to be resolved")
		assert.Equal(t, squad, res.Room, "expected room membership to be returned")
	})

	t.Run("persist failure is transient", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
		db.On("CreateMessage", mock.Anything, mock.Anything).Return(database.Message{}, errors.New("conn reset")).Once()

		_, err := newTestPipeline(db).Send(context.Background(), alice, SendRequest{RoomRef: squadRef, Body: "hi"})
		assert.True(t, chaterr.Is(err, chaterr.KindTransient), "expected transient error")
		db.AssertNotCalled(t, "GetMessage", mock.Anything, mock.Anything)
	})

	t.Run("enrichment failure falls back to principal", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		created := database.Message{Id: "msg-1", Seq: 1, RoomRef: squadRef, SenderId: "alice", Body: "hi", Kind: "text"}
		db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
		db.On("CreateMessage", mock.Anything, mock.Anything).Return(created, nil).Once()
		db.On("GetMessage", mock.Anything, "msg-1").Return(database.Message{}, errors.New("timeout")).Once()

		res, err := newTestPipeline(db).Send(context.Background(), alice, SendRequest{RoomRef: squadRef, Body: "hi"})
		assert.NoError(t, err, "expected send to succeed after a durable write")
		assert.Equal(t, "Alice", res.Message.SenderDisplayName)
		assert.Equal(t, "alice.png", res.Message.SenderAvatarRef)
	})

	t.Run("non-member is rejected", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()

		_, err := newTestPipeline(db).Send(context.Background(), types.Principal{Id: "mallory"}, SendRequest{RoomRef: squadRef, Body: "hi"})
		assert.True(t, chaterr.Is(err, chaterr.KindAuthorization), "expected authorization error")
	})

	t.Run("reply target in another room", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
		db.On("GetMessage", mock.Anything, "other").
			Return(database.Message{Id: "other", RoomRef: types.NewRoomRef(types.RoomKindSquad, "7")}, nil).Once()

		_, err := newTestPipeline(db).Send(context.Background(), alice, SendRequest{RoomRef: squadRef, Body: "hi", ReplyToRef: "other"})
		assert.True(t, chaterr.Is(err, chaterr.KindNotFound), "expected not found error")
	})

	t.Run("image with media and empty body", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
		db.On("CreateMessage", mock.Anything, mock.MatchedBy(func(p database.CreateMessageParams) bool {
			return p.Kind == "image" && p.Preview == "[image]" && p.MediaRef == "https://cdn.example/a.jpg"
		})).Return(database.Message{Id: "msg-1", Kind: "image"}, nil).Once()
		db.On("GetMessage", mock.Anything, "msg-1").Return(database.Message{Id: "msg-1", Kind: "image"}, nil).Once()

		_, err := newTestPipeline(db).Send(context.Background(), alice, SendRequest{
			RoomRef:  squadRef,
			Kind:     types.MessageKindImage,
			MediaRef: "https://cdn.example/a.jpg",
		})
		assert.NoError(t, err)
	})
}

func TestSend_lazyDirectRoom(t *testing.T) {
	dmRef := types.NewRoomRef(types.RoomKindDirect, "c0ffee")
	dm := database.Room{Ref: dmRef, Kind: types.RoomKindDirect, Members: []string{"alice", "bob"}}

	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	db.On("GetUser", mock.Anything, "bob").Return(database.User{Id: "bob"}, nil).Twice()
	db.On("FindOrCreateConversation", mock.Anything, "alice", "bob").Return(dm, nil).Twice()
	db.On("GetRoom", mock.Anything, dmRef).Return(dm, nil).Twice()
	db.On("CreateMessage", mock.Anything, mock.Anything).Return(database.Message{Id: "msg-1", RoomRef: dmRef}, nil).Twice()
	db.On("GetMessage", mock.Anything, "msg-1").Return(database.Message{Id: "msg-1", RoomRef: dmRef}, nil).Twice()

	p := newTestPipeline(db)
	first, err := p.Send(context.Background(), alice, SendRequest{RecipientId: "bob", Body: "hey"})
	assert.NoError(t, err)
	second, err := p.Send(context.Background(), alice, SendRequest{RecipientId: "bob", Body: "again"})
	assert.NoError(t, err)
	assert.Equal(t, first.Room.Ref, second.Room.Ref, "expected the same direct room to be reused")
}

func TestFindOrCreateDirectRoom(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	p := newTestPipeline(db)

	_, err := p.FindOrCreateDirectRoom(context.Background(), alice, "alice")
	assert.True(t, chaterr.Is(err, chaterr.KindValidation), "expected self conversation to be rejected")

	db.On("GetUser", mock.Anything, "ghost").Return(database.User{}, sql.ErrNoRows).Once()
	_, err = p.FindOrCreateDirectRoom(context.Background(), alice, "ghost")
	assert.True(t, chaterr.Is(err, chaterr.KindNotFound), "expected missing recipient to be not found")
}

func TestSend_adminOnlyCommunity(t *testing.T) {
	ref := types.NewRoomRef(types.RoomKindCommunity, "hikers")
	community := database.Room{Ref: ref, OwnerId: "owner", Members: []string{"owner", "alice"}, AdminOnlyMessages: true}

	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	db.On("GetRoom", mock.Anything, ref).Return(community, nil)
	db.On("GetMessages", mock.Anything, ref, int64(0), DefaultHistoryLimit).Return([]database.Message{}, nil).Once()
	db.On("GetPin", mock.Anything, ref).Return(database.Pin{}, sql.ErrNoRows).Once()

	p := newTestPipeline(db)
	_, err := p.Send(context.Background(), alice, SendRequest{RoomRef: ref, Body: "hi"})
	assert.True(t, chaterr.Is(err, chaterr.KindAuthorization), "expected member send to be rejected")

	res, err := p.JoinRoom(context.Background(), alice, ref)
	assert.NoError(t, err, "expected member to still read history")
	assert.Nil(t, res.Pinned)
}

func TestJoinRoom(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	newestFirst := []database.Message{
		{Id: "m3", Seq: 3, RoomRef: squadRef},
		{Id: "m2", Seq: 2, RoomRef: squadRef},
		{Id: "m1", Seq: 1, RoomRef: squadRef},
	}
	pin := database.Pin{RoomRef: squadRef, MessageId: "m2", PinnedById: "bob", PinnedAt: testNow}

	db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
	db.On("GetMessages", mock.Anything, squadRef, int64(0), DefaultHistoryLimit).Return(newestFirst, nil).Once()
	db.On("GetPin", mock.Anything, squadRef).Return(pin, nil).Once()
	db.On("GetMessage", mock.Anything, "m2").Return(newestFirst[1], nil).Once()
	db.On("GetUser", mock.Anything, "bob").Return(database.User{Id: "bob", DisplayName: "Bob"}, nil).Once()

	res, err := newTestPipeline(db).JoinRoom(context.Background(), alice, squadRef)
	assert.NoError(t, err)
	if assert.Len(t, res.History, 3) {
		assert.Equal(t, int64(1), res.History[0].Seq, "expected history to be oldest first")
		assert.Equal(t, int64(3), res.History[2].Seq)
	}
	if assert.NotNil(t, res.Pinned, "expected pinned snapshot") {
		assert.Equal(t, "m2", res.Pinned.Message.Id)
		assert.Equal(t, "Bob", res.Pinned.PinnedByDisplayName)
	}
}

func TestHistory_clampsLimit(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
	db.On("GetMessages", mock.Anything, squadRef, int64(40), MaxHistoryLimit).Return([]database.Message{}, nil).Once()

	msgs, err := newTestPipeline(db).History(context.Background(), alice, squadRef, 40, 1000)
	assert.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPin(t *testing.T) {
	t.Run("direct rooms cannot pin", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		_, err := newTestPipeline(db).Pin(context.Background(), alice, types.NewRoomRef(types.RoomKindDirect, "x"), "m1")
		assert.True(t, chaterr.Is(err, chaterr.KindValidation), "expected validation error")
	})

	t.Run("member pins", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		msg := database.Message{Id: "m1", RoomRef: squadRef, Body: "meet at 9"}
		db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
		db.On("GetMessage", mock.Anything, "m1").Return(msg, nil).Once()
		db.On("SetPin", mock.Anything, database.Pin{RoomRef: squadRef, MessageId: "m1", PinnedById: "alice", PinnedAt: testNow}).Return(nil).Once()

		snap, err := newTestPipeline(db).Pin(context.Background(), alice, squadRef, "m1")
		assert.NoError(t, err)
		assert.Equal(t, "Alice", snap.PinnedByDisplayName)
		assert.Equal(t, "meet at 9", snap.Message.Body)
	})

	t.Run("deleted message cannot be pinned", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
		db.On("GetMessage", mock.Anything, "m1").Return(database.Message{Id: "m1", RoomRef: squadRef, Deleted: true}, nil).Once()

		_, err := newTestPipeline(db).Pin(context.Background(), alice, squadRef, "m1")
		assert.True(t, chaterr.Is(err, chaterr.KindNotFound), "expected not found error")
	})
}

func TestUnpin(t *testing.T) {
	pin := database.Pin{RoomRef: squadRef, MessageId: "m1", PinnedById: "alice"}

	tcases := []struct {
		name      string
		principal types.Principal
		pinErr    error
		wantKind  chaterr.Kind
		wantErr   bool
	}{
		{name: "pinner", principal: alice},
		{name: "owner", principal: types.Principal{Id: "owner"}},
		{name: "other member", principal: bob, wantErr: true, wantKind: chaterr.KindAuthorization},
		{name: "no pin", principal: alice, pinErr: sql.ErrNoRows, wantErr: true, wantKind: chaterr.KindNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			defer db.AssertExpectations(t)

			db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
			db.On("GetPin", mock.Anything, squadRef).Return(pin, tc.pinErr).Once()
			if !tc.wantErr {
				db.On("ClearPin", mock.Anything, squadRef, "m1").Return(nil).Once()
			}

			id, err := newTestPipeline(db).Unpin(context.Background(), tc.principal, squadRef)
			if tc.wantErr {
				assert.Equal(t, tc.wantKind, chaterr.KindOf(err), "expected error kind to match")
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, "m1", id)
		})
	}
}

func TestDelete(t *testing.T) {
	msg := database.Message{Id: "m1", RoomRef: squadRef, SenderId: "alice"}

	t.Run("other member cannot delete", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
		db.On("GetMessage", mock.Anything, "m1").Return(msg, nil).Once()

		_, err := newTestPipeline(db).Delete(context.Background(), bob, squadRef, "m1")
		assert.True(t, chaterr.Is(err, chaterr.KindAuthorization), "expected authorization error")
	})

	t.Run("owner deletes pinned message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
		db.On("GetMessage", mock.Anything, "m1").Return(msg, nil).Once()
		db.On("DeleteMessage", mock.Anything, "m1").Return(true, nil).Once()

		res, err := newTestPipeline(db).Delete(context.Background(), types.Principal{Id: "owner"}, squadRef, "m1")
		assert.NoError(t, err)
		assert.True(t, res.PinCleared, "expected pin to be reported cleared")
	})

	t.Run("already deleted", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		tomb := msg
		tomb.Deleted = true
		db.On("GetRoom", mock.Anything, squadRef).Return(squad, nil).Once()
		db.On("GetMessage", mock.Anything, "m1").Return(tomb, nil).Once()

		_, err := newTestPipeline(db).Delete(context.Background(), alice, squadRef, "m1")
		assert.True(t, chaterr.Is(err, chaterr.KindNotFound), "expected not found error")
	})
}

func TestCommunityLifecycle(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	p := newTestPipeline(db)

	_, err := p.CreateCommunity(context.Background(), alice, "abc", CreateCommunityRequest{Name: "  "})
	assert.True(t, chaterr.Is(err, chaterr.KindValidation), "expected blank name to be rejected")

	db.On("CreateCommunity", mock.Anything, database.CreateCommunityParams{Id: "abc", Name: "Hikers", CreatorId: "alice"}).
		Return(database.Community{Id: "abc", Name: "Hikers", CreatorId: "alice"}, nil).Once()
	c, err := p.CreateCommunity(context.Background(), alice, "abc", CreateCommunityRequest{Name: " Hikers "})
	assert.NoError(t, err)
	assert.Equal(t, types.RoomRef("community:abc"), c.RoomRef)

	db.On("CreateCommunity", mock.Anything, mock.Anything).Return(database.Community{}, database.ErrDuplicate).Once()
	_, err = p.CreateCommunity(context.Background(), alice, "abd", CreateCommunityRequest{Name: "Hikers"})
	assert.True(t, chaterr.Is(err, chaterr.KindValidation), "expected duplicate name to be rejected")

	ref := types.RoomRef("community:abc")
	db.On("GetRoom", mock.Anything, ref).Return(database.Room{Ref: ref, OwnerId: "alice", Members: []string{"alice", "bob"}}, nil).Twice()
	_, err = p.DeleteCommunity(context.Background(), bob, "abc")
	assert.True(t, chaterr.Is(err, chaterr.KindAuthorization), "expected non-creator delete to be rejected")

	db.On("DeleteCommunity", mock.Anything, "abc").Return(nil).Once()
	deleted, err := p.DeleteCommunity(context.Background(), alice, "abc")
	assert.NoError(t, err)
	assert.Equal(t, ref, deleted)
}

func TestToMessage_hidesDeletedReplyBody(t *testing.T) {
	msg := ToMessage(database.Message{
		Id:      "m2",
		ReplyTo: &database.Reply{Id: "m1", Body: "secret", Deleted: true},
	})
	if assert.NotNil(t, msg.ReplyTo) {
		assert.True(t, msg.ReplyTo.Deleted)
		assert.Empty(t, msg.ReplyTo.Body, "expected tombstoned reply body to be hidden")
	}
}
