package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-squadchat/internal/database"
	"github.com/npezzotti/go-squadchat/internal/push"
	"github.com/npezzotti/go-squadchat/internal/relay"
	"github.com/npezzotti/go-squadchat/internal/stats"
	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/samber/lo"
)

const defaultPushTimeout = 5 * time.Second

// Notifier tells room members who are not joined to a room about a new
// message: a preview on their personal channel when connected, a push
// notification otherwise.
type Notifier struct {
	log      *log.Logger
	db       database.ChatRepository
	registry *Registry
	// presence covers connections held by other instances; nil when the
	// server runs alone
	presence    relay.Presence
	dispatcher  push.Dispatcher
	stats       stats.StatsProvider
	publish     func(ref types.RoomRef, msg *ServerMessage, exclude ...string)
	pushTimeout time.Duration
	wg          sync.WaitGroup
}

func NewNotifier(logger *log.Logger, db database.ChatRepository, registry *Registry, presence relay.Presence,
	dispatcher push.Dispatcher, su stats.StatsProvider, publish func(types.RoomRef, *ServerMessage, ...string)) *Notifier {
	if dispatcher == nil {
		dispatcher = push.NewLogDispatcher(logger)
	}

	return &Notifier{
		log:         logger,
		db:          db,
		registry:    registry,
		presence:    presence,
		dispatcher:  dispatcher,
		stats:       su,
		publish:     publish,
		pushTimeout: defaultPushTimeout,
	}
}

// NotifyOffRoom never fails the send it follows; errors are only logged.
func (n *Notifier) NotifyOffRoom(ctx context.Context, msg types.Message, room database.Room) {
	recipients := lo.Filter(room.Members, func(id string, _ int) bool {
		return id != msg.SenderId && !n.registry.UserInRoom(msg.RoomRef, id)
	})
	if n.presence != nil && len(recipients) > 0 {
		joined, err := n.presence.Present(ctx, msg.RoomRef, recipients)
		if err != nil {
			n.log.Println("presence:", err)
		} else {
			recipients = lo.Reject(recipients, func(id string, _ int) bool {
				return joined[id]
			})
		}
	}
	if len(recipients) == 0 {
		return
	}

	counts, err := n.db.IncrementUnread(ctx, msg.RoomRef, recipients)
	if err != nil {
		n.log.Println("IncrementUnread:", err)
	}

	online := n.online(ctx, recipients)
	preview := msg.Preview()
	for _, id := range recipients {
		if online[id] {
			n.publish(types.PersonalRoom(id), &ServerMessage{
				BaseMessage: BaseMessage{
					Timestamp: Now(),
				},
				RoomPreviewUpdate: &RoomPreviewUpdate{
					RoomRef:           msg.RoomRef,
					Preview:           preview,
					SenderDisplayName: msg.SenderDisplayName,
					Timestamp:         msg.CreatedAt,
					UnreadCount:       counts[id],
				},
			})
			continue
		}

		n.dispatch(id, push.Notification{
			Title: msg.SenderDisplayName,
			Body:  preview,
			URL:   "/rooms/" + string(msg.RoomRef),
		})
	}
}

// online reports which of ids hold a connection on this or any other
// instance. A presence lookup failure falls back to local knowledge.
func (n *Notifier) online(ctx context.Context, ids []string) map[string]bool {
	online := make(map[string]bool, len(ids))
	var remote []string
	for _, id := range ids {
		if n.registry.UserOnline(id) {
			online[id] = true
			continue
		}
		remote = append(remote, id)
	}

	if n.presence == nil || len(remote) == 0 {
		return online
	}

	found, err := n.presence.Online(ctx, remote)
	if err != nil {
		n.log.Println("presence:", err)
		return online
	}
	for id, ok := range found {
		if ok {
			online[id] = true
		}
	}

	return online
}

func (n *Notifier) dispatch(principalId string, notification push.Notification) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), n.pushTimeout)
		defer cancel()

		if err := n.dispatcher.Dispatch(ctx, principalId, notification); err != nil {
			n.log.Printf("push to %q failed: %v", principalId, err)
			return
		}
		n.stats.Incr(stats.NumPushDispatched)
	}()
}

// Wait blocks until in-flight push dispatches finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
