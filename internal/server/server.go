package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-squadchat/internal/chaterr"
	"github.com/npezzotti/go-squadchat/internal/database"
	"github.com/npezzotti/go-squadchat/internal/pipeline"
	"github.com/npezzotti/go-squadchat/internal/push"
	"github.com/npezzotti/go-squadchat/internal/relay"
	"github.com/npezzotti/go-squadchat/internal/stats"
	"github.com/npezzotti/go-squadchat/internal/types"
)

const defaultOpTimeout = 5 * time.Second

type Options struct {
	TypingTimeout   time.Duration
	IdleRoomTimeout time.Duration
	// OpTimeout bounds every store call made on behalf of a client op.
	OpTimeout  time.Duration
	Dispatcher push.Dispatcher
	// Relay is optional; nil keeps broadcasts local to this instance.
	Relay relay.Relay
	// Presence shares who is joined where with other instances. It is
	// set alongside Relay.
	Presence relay.Presence
}

type unloadRoomRequest struct {
	ref     types.RoomRef
	deleted bool
}

type stopReq struct {
	done chan struct{}
}

// ChatServer routes client operations to room goroutines, loading rooms on
// demand and unloading them when idle.
type ChatServer struct {
	log            *log.Logger
	db             database.ChatRepository
	registry       *Registry
	pipeline       *pipeline.Pipeline
	notifier       *Notifier
	relay          relay.Relay
	stats          stats.StatsProvider
	opts           Options
	dispatchChan   chan *ClientMessage
	unloadRoomChan chan unloadRoomRequest
	rooms          map[types.RoomRef]*Room
	roomsLock      sync.RWMutex
	stop           chan stopReq
	// stopping is closed when Run stops taking operations; stopped is set
	// under dispatchMu once no Dispatch call is in flight
	stopping   chan struct{}
	dispatchMu sync.RWMutex
	stopped    bool
	// done is closed once Run returns
	done chan struct{}
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, registry *Registry, p *pipeline.Pipeline,
	su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = defaultTypingTimeout
	}
	if opts.IdleRoomTimeout <= 0 {
		opts.IdleRoomTimeout = defaultIdleRoomTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}

	cs := &ChatServer{
		log:            logger,
		db:             db,
		registry:       registry,
		pipeline:       p,
		relay:          opts.Relay,
		stats:          su,
		opts:           opts,
		dispatchChan:   make(chan *ClientMessage, 256),
		unloadRoomChan: make(chan unloadRoomRequest, 64),
		rooms:          make(map[types.RoomRef]*Room),
		stop:           make(chan stopReq),
		stopping:       make(chan struct{}),
		done:           make(chan struct{}),
	}
	cs.notifier = NewNotifier(logger, db, registry, opts.Presence, opts.Dispatcher, su, cs.broadcast)
	if opts.Presence != nil {
		registry.TrackPresence(cs.trackPresence)
	}

	cs.stats.RegisterMetric(stats.NumActiveClients)
	cs.stats.RegisterMetric(stats.NumActiveRooms)
	cs.stats.RegisterMetric(stats.NumMessagesSent)
	cs.stats.RegisterMetric(stats.NumPushDispatched)

	return cs, nil
}

func (cs *ChatServer) Run() {
	defer close(cs.done)

	for {
		select {
		case msg := <-cs.dispatchChan:
			cs.route(msg)
		case req := <-cs.unloadRoomChan:
			cs.unloadRoom(req)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			cs.closeDispatch()
			for _, r := range cs.roomList() {
				cs.exitRoom(r, exitReq{shutdown: true})
			}
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) route(msg *ClientMessage) {
	if msg.disconnected != nil {
		for _, ref := range msg.disconnected {
			if r, ok := cs.getRoom(ref); ok {
				cs.enqueue(r, msg)
			}
		}
		return
	}

	ref := msg.RoomRef()
	r, ok := cs.getRoom(ref)
	if !ok {
		if !cs.admit(msg) {
			return
		}
		r = newRoom(ref, cs)
		cs.addRoom(ref, r)
		go r.start()
	}

	cs.enqueue(r, msg)
}

// admit decides whether an operation on an unloaded room is worth loading
// the room for. Rooms are only loaded for principals allowed in them.
func (cs *ChatServer) admit(msg *ClientMessage) bool {
	switch {
	case msg.LeaveRoom != nil:
		// nobody is joined to an unloaded room
		if msg.Id != 0 {
			msg.client.queueMessage(NoErrOK(msg.Id, msg.Op(), nil))
		}
		return false
	case msg.SetTyping != nil:
		msg.client.queueMessage(ErrResponse(msg.Id, msg.Op(), chaterr.Authorization("join the room first")))
		return false
	}

	ctx, cancel := cs.opContext()
	defer cancel()

	if _, err := cs.pipeline.Authorize(ctx, msg.principal, msg.RoomRef()); err != nil {
		if chaterr.Is(err, chaterr.KindTransient) {
			cs.log.Printf("load room %q: %v", msg.RoomRef(), err)
		}
		msg.client.queueMessage(ErrResponse(msg.Id, msg.Op(), err))
		return false
	}

	return true
}

func (cs *ChatServer) enqueue(r *Room, msg *ClientMessage) {
	select {
	case r.clientMsgChan <- msg:
	default:
		cs.log.Printf("clientMsgChan full for room %q", r.ref)
		if msg.disconnected == nil {
			msg.client.queueMessage(ErrServiceUnavailable(msg.Id, msg.Op()))
		}
	}
}

// exitRoom stops r and removes it if the room agreed to exit.
func (cs *ChatServer) exitRoom(r *Room, req exitReq) bool {
	req.done = make(chan bool, 1)
	r.exit <- req
	if !<-req.done {
		return false
	}

	cs.removeRoom(r.ref)
	return true
}

func (cs *ChatServer) unloadRoom(req unloadRoomRequest) {
	r, ok := cs.getRoom(req.ref)
	if ok {
		if cs.exitRoom(r, exitReq{deleted: req.deleted}) {
			cs.log.Printf("unloaded room %q", req.ref)
		}
		return
	}

	if req.deleted {
		// no goroutine is loaded for the room; notify joined clients directly
		cs.broadcast(req.ref, &ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			RoomDeleted: &RoomDeleted{RoomRef: req.ref},
		})
		cs.registry.RemoveRoom(req.ref)
	}
}

// UnloadRoom asks the routing loop to stop the room. With deleted set,
// joined clients receive room_deleted and are detached from the room.
func (cs *ChatServer) UnloadRoom(ctx context.Context, ref types.RoomRef, deleted bool) error {
	select {
	case cs.unloadRoomChan <- unloadRoomRequest{ref: ref, deleted: deleted}:
		return nil
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch hands a validated client operation to the routing loop,
// preserving per-connection order.
func (cs *ChatServer) Dispatch(msg *ClientMessage) bool {
	cs.dispatchMu.RLock()
	defer cs.dispatchMu.RUnlock()

	if cs.stopped {
		return false
	}

	select {
	case cs.dispatchChan <- msg:
		return true
	case <-cs.stopping:
		return false
	}
}

// closeDispatch stops accepting operations and answers the ones still
// queued with 503.
func (cs *ChatServer) closeDispatch() {
	close(cs.stopping)

	// waits out Dispatch calls already past the stopped check
	cs.dispatchMu.Lock()
	cs.stopped = true
	cs.dispatchMu.Unlock()

	for {
		select {
		case msg := <-cs.dispatchChan:
			if msg.disconnected == nil && msg.client != nil {
				msg.client.queueMessage(ErrServiceUnavailable(msg.Id, msg.Op()))
			}
		default:
			return
		}
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.log.Printf("adding connection from %q", c.principal.Id)
	cs.registry.Register(c)
	cs.stats.Incr(stats.NumActiveClients)
}

// DeregisterClient detaches c from every room immediately and clears any
// typing state it owned.
func (cs *ChatServer) DeregisterClient(c *Client) {
	cs.log.Printf("removing connection from %q", c.principal.Id)
	rooms := cs.registry.Unregister(c)
	cs.stats.Decr(stats.NumActiveClients)

	if len(rooms) > 0 {
		cs.Dispatch(&ClientMessage{client: c, principal: c.principal, disconnected: rooms})
	}
}

func (cs *ChatServer) broadcast(ref types.RoomRef, msg *ServerMessage, exclude ...string) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = Now()
	}

	cs.registry.Broadcast(ref, msg, exclude...)
	if cs.relay == nil {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		cs.log.Println("relay: marshal:", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cs.opts.OpTimeout)
	defer cancel()
	if err := cs.relay.Publish(ctx, relay.Envelope{RoomRef: ref, Exclude: exclude, Payload: payload}); err != nil {
		cs.log.Println("relay: publish:", err)
	}
}

// StartRelay delivers broadcasts from other instances to local connections
// until ctx is done.
func (cs *ChatServer) StartRelay(ctx context.Context) {
	if cs.relay == nil {
		return
	}

	go func() {
		if err := cs.relay.Subscribe(ctx, cs.handleRelayed); err != nil {
			cs.log.Println("relay: subscribe:", err)
		}
	}()
}

func (cs *ChatServer) handleRelayed(env relay.Envelope) {
	var msg ServerMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		cs.log.Println("relay: invalid payload:", err)
		return
	}

	cs.registry.Broadcast(env.RoomRef, &msg, env.Exclude...)
	if msg.RoomDeleted != nil {
		cs.registry.RemoveRoom(env.RoomRef)
	}
}

func (cs *ChatServer) trackPresence(ref types.RoomRef, principalId string, delta int64) {
	ctx, cancel := cs.opContext()
	defer cancel()

	if err := cs.opts.Presence.Track(ctx, ref, principalId, delta); err != nil {
		cs.log.Println("presence:", err)
	}
}

func (cs *ChatServer) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cs.opts.OpTimeout)
}

func (cs *ChatServer) getRoom(ref types.RoomRef) (*Room, bool) {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()

	r, ok := cs.rooms[ref]
	return r, ok
}

func (cs *ChatServer) addRoom(ref types.RoomRef, r *Room) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	cs.rooms[ref] = r
	cs.stats.Incr(stats.NumActiveRooms)
}

func (cs *ChatServer) removeRoom(ref types.RoomRef) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if _, ok := cs.rooms[ref]; ok {
		delete(cs.rooms, ref)
		cs.stats.Decr(stats.NumActiveRooms)
	}
}

func (cs *ChatServer) roomList() []*Room {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()

	rooms := make([]*Room, 0, len(cs.rooms))
	for _, r := range cs.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// Shutdown stops every room, flushing typing state, then closes all client
// connections.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	done := make(chan struct{})
	select {
	case cs.stop <- stopReq{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, c := range cs.registry.Clients() {
		c.stopClient()
	}

	cs.notifier.Wait()
	return nil
}
