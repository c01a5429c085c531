package server

import (
	"log"
	"time"

	"github.com/npezzotti/go-squadchat/internal/chaterr"
	"github.com/npezzotti/go-squadchat/internal/database"
	"github.com/npezzotti/go-squadchat/internal/pipeline"
	"github.com/npezzotti/go-squadchat/internal/stats"
	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/samber/lo"
)

const defaultIdleRoomTimeout = 30 * time.Second

type exitReq struct {
	deleted  bool
	shutdown bool
	// done receives whether the room exited. An idle unload is refused
	// when the room picked up work in the meantime.
	done chan bool
}

// Room serializes every operation on one room so broadcast order matches
// storage order.
type Room struct {
	ref           types.RoomRef
	cs            *ChatServer
	log           *log.Logger
	clientMsgChan chan *ClientMessage
	typingExpired chan typingExpiry
	typing        *TypingCoordinator
	// killTimer unloads the room once nobody is joined and nobody is typing
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(ref types.RoomRef, cs *ChatServer) *Room {
	r := &Room{
		ref:           ref,
		cs:            cs,
		log:           cs.log,
		clientMsgChan: make(chan *ClientMessage, 256),
		typingExpired: make(chan typingExpiry, 16),
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
	r.typing = newTypingCoordinator(ref, cs.opts.TypingTimeout, r.typingExpired, r.done, r.broadcast)

	return r
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.ref)
	r.killTimer = time.NewTimer(r.cs.opts.IdleRoomTimeout)
	defer close(r.done)

	for {
		select {
		case msg := <-r.clientMsgChan:
			r.handle(msg)
		case exp := <-r.typingExpired:
			r.typing.Expire(exp)
			r.resetIdle()
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if r.handleRoomExit(e) {
				return
			}
		}
	}
}

func (r *Room) handle(msg *ClientMessage) {
	switch {
	case msg.JoinRoom != nil:
		r.handleJoin(msg)
	case msg.LeaveRoom != nil:
		r.handleLeave(msg)
	case msg.SendMessage != nil:
		r.handleSend(msg)
	case msg.SetTyping != nil:
		r.handleTyping(msg)
	case msg.PinMessage != nil:
		r.handlePin(msg)
	case msg.UnpinMessage != nil:
		r.handleUnpin(msg)
	case msg.DeleteMessage != nil:
		r.handleDelete(msg)
	case msg.MarkRead != nil:
		r.handleRead(msg)
	case msg.disconnected != nil:
		r.typing.ClearClient(msg.client)
	}

	r.resetIdle()
}

func (r *Room) idle() bool {
	return r.cs.registry.Count(r.ref) == 0 && r.typing.Active() == 0
}

// resetIdle arms the kill timer when the room has gone idle and disarms it
// otherwise.
func (r *Room) resetIdle() {
	r.killTimer.Stop()
	if r.idle() {
		r.killTimer.Reset(r.cs.opts.IdleRoomTimeout)
	}
}

func (r *Room) handleRoomTimeout() {
	if !r.idle() {
		return
	}

	r.log.Printf("room %q timed out", r.ref)
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{ref: r.ref}:
	default:
		// try again later
		r.killTimer.Reset(r.cs.opts.IdleRoomTimeout)
	}
}

// handleRoomExit reports whether the room should stop.
func (r *Room) handleRoomExit(e exitReq) bool {
	if !e.deleted && !e.shutdown && (!r.idle() || len(r.clientMsgChan) > 0) {
		r.log.Printf("room %q is active, refusing unload", r.ref)
		if e.done != nil {
			e.done <- false
		}
		return false
	}

	r.log.Printf("room %q is exiting", r.ref)
	r.killTimer.Stop()

	if e.deleted {
		r.typing.ClearAll()
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			RoomDeleted: &RoomDeleted{RoomRef: r.ref},
		})
		r.cs.registry.RemoveRoom(r.ref)
	} else {
		r.typing.ClearAll()
	}

	r.drain(e)

	if e.done != nil {
		e.done <- true
	}
	return true
}

// drain answers operations that were queued but never processed.
func (r *Room) drain(e exitReq) {
	for {
		select {
		case msg := <-r.clientMsgChan:
			if msg.client == nil || msg.disconnected != nil {
				continue
			}

			if e.deleted {
				msg.client.queueMessage(ErrResponse(msg.Id, msg.Op(), chaterr.NotFound("room not found")))
			} else {
				msg.client.queueMessage(ErrServiceUnavailable(msg.Id, msg.Op()))
			}
		default:
			return
		}
	}
}

func (r *Room) respond(msg *ClientMessage, data any) {
	if msg.Id == 0 {
		return
	}
	msg.client.queueMessage(NoErrOK(msg.Id, msg.Op(), data))
}

func (r *Room) fail(msg *ClientMessage, err error) {
	if chaterr.Is(err, chaterr.KindTransient) {
		r.log.Printf("%s on %q: %v", msg.Op(), r.ref, err)
	}
	msg.client.queueMessage(ErrResponse(msg.Id, msg.Op(), err))
}

func (r *Room) handleJoin(msg *ClientMessage) {
	ctx, cancel := r.cs.opContext()
	defer cancel()

	res, err := r.cs.pipeline.JoinRoom(ctx, msg.principal, r.ref)
	if err != nil {
		r.fail(msg, err)
		return
	}

	if _, err := r.cs.registry.Join(msg.client, r.ref); err != nil {
		// connection closed while the join was queued
		return
	}

	msg.client.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{
			Id:        msg.Id,
			Timestamp: Now(),
		},
		History: &History{
			RoomRef:  r.ref,
			Messages: res.History,
			Pinned:   res.Pinned,
		},
	})
}

func (r *Room) handleLeave(msg *ClientMessage) {
	r.cs.registry.Leave(msg.client, r.ref)
	r.typing.ClearClient(msg.client)
	r.respond(msg, nil)
}

func (r *Room) handleSend(msg *ClientMessage) {
	// a sent message ends the sender's typing indicator
	r.typing.ClearPrincipal(msg.principal.Id)

	ctx, cancel := r.cs.opContext()
	defer cancel()

	send := msg.SendMessage
	res, err := r.cs.pipeline.Send(ctx, msg.principal, pipeline.SendRequest{
		RoomRef:    r.ref,
		Body:       send.Body,
		Kind:       send.Kind,
		MediaRef:   send.MediaRef,
		ReplyToRef: send.ReplyToRef,
	})
	if err != nil {
		r.fail(msg, err)
		return
	}

	r.cs.stats.Incr(stats.NumMessagesSent)
	if msg.Id != 0 {
		msg.client.queueMessage(NoErrAccepted(msg.Id, msg.Op(), map[string]any{
			"message_id": res.Message.Id,
			"seq":        res.Message.Seq,
		}))
	}

	r.evictNonMembers(res.Room)
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: res.Message.CreatedAt,
		},
		Message: &res.Message,
	})

	r.cs.notifier.NotifyOffRoom(ctx, res.Message, res.Room)
}

// evictNonMembers detaches connections whose principal is no longer in the
// room's stored membership, keeping fan-out in line with authorization.
func (r *Room) evictNonMembers(room database.Room) {
	online := r.cs.registry.MembersOnline(r.ref)
	stale := lo.Filter(online, func(id string, _ int) bool {
		return !room.HasMember(id)
	})

	for _, id := range stale {
		r.log.Printf("removing %q from %q: no longer a member", id, r.ref)
		for _, c := range r.cs.registry.LeaveUser(r.ref, id) {
			r.typing.ClearClient(c)
			c.queueMessage(&ServerMessage{
				BaseMessage: BaseMessage{
					Timestamp: Now(),
				},
				RemovedFromRoom: &RemovedFromRoom{RoomRef: r.ref, Reason: "no longer a member of this room"},
			})
		}
	}
}

func (r *Room) handleTyping(msg *ClientMessage) {
	if !r.cs.registry.IsMember(msg.client, r.ref) {
		r.fail(msg, chaterr.Authorization("join the room first"))
		return
	}

	r.typing.Set(msg.client, msg.SetTyping.IsTyping)
	r.respond(msg, nil)
}

func (r *Room) handlePin(msg *ClientMessage) {
	ctx, cancel := r.cs.opContext()
	defer cancel()

	snap, err := r.cs.pipeline.Pin(ctx, msg.principal, r.ref, msg.PinMessage.MessageRef)
	if err != nil {
		r.fail(msg, err)
		return
	}

	r.respond(msg, nil)
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: snap.PinnedAt,
		},
		Pinned: &Pinned{
			RoomRef:             r.ref,
			Message:             snap.Message,
			PinnedById:          snap.PinnedById,
			PinnedByDisplayName: snap.PinnedByDisplayName,
		},
	})
}

func (r *Room) handleUnpin(msg *ClientMessage) {
	ctx, cancel := r.cs.opContext()
	defer cancel()

	messageId, err := r.cs.pipeline.Unpin(ctx, msg.principal, r.ref)
	if err != nil {
		r.fail(msg, err)
		return
	}

	r.respond(msg, nil)
	r.broadcastUnpinned(messageId, msg.principal.DisplayName)
}

func (r *Room) broadcastUnpinned(messageId, by string) {
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Unpinned: &Unpinned{
			RoomRef:               r.ref,
			MessageRef:            messageId,
			UnpinnedByDisplayName: by,
		},
	})
}

func (r *Room) handleDelete(msg *ClientMessage) {
	ctx, cancel := r.cs.opContext()
	defer cancel()

	res, err := r.cs.pipeline.Delete(ctx, msg.principal, r.ref, msg.DeleteMessage.MessageRef)
	if err != nil {
		r.fail(msg, err)
		return
	}

	r.respond(msg, nil)
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		MessageDeleted: &MessageDeleted{
			RoomRef:    r.ref,
			MessageRef: res.MessageId,
		},
	})

	if res.PinCleared {
		r.broadcastUnpinned(res.MessageId, SystemActor)
	}
}

func (r *Room) handleRead(msg *ClientMessage) {
	ctx, cancel := r.cs.opContext()
	defer cancel()

	if err := r.cs.pipeline.MarkRead(ctx, msg.principal, r.ref); err != nil {
		r.fail(msg, err)
		return
	}

	r.respond(msg, nil)
}

func (r *Room) broadcast(msg *ServerMessage, exclude ...string) {
	r.cs.broadcast(r.ref, msg, exclude...)
}
