package server

import (
	"time"

	"github.com/npezzotti/go-squadchat/internal/types"
)

const defaultTypingTimeout = 3 * time.Second

type typingExpiry struct {
	principalId string
	gen         uint64
}

type typingEntry struct {
	principal types.Principal
	// client is the connection that last set the indicator; its disconnect
	// clears it.
	client *Client
	timer  *time.Timer
	gen    uint64
}

// TypingCoordinator holds the typing indicators of one room. It is only
// touched from the room goroutine; timers report back through expired.
type TypingCoordinator struct {
	ref       types.RoomRef
	timeout   time.Duration
	entries   map[string]*typingEntry
	gen       uint64
	expired   chan<- typingExpiry
	done      <-chan struct{}
	broadcast func(msg *ServerMessage, exclude ...string)
}

func newTypingCoordinator(ref types.RoomRef, timeout time.Duration, expired chan<- typingExpiry, done <-chan struct{},
	broadcast func(msg *ServerMessage, exclude ...string)) *TypingCoordinator {
	if timeout <= 0 {
		timeout = defaultTypingTimeout
	}

	return &TypingCoordinator{
		ref:       ref,
		timeout:   timeout,
		entries:   make(map[string]*typingEntry),
		expired:   expired,
		done:      done,
		broadcast: broadcast,
	}
}

// Set starts or stops the indicator for the client's principal. Only
// transitions are broadcast; a repeated true just restarts the timeout.
func (tc *TypingCoordinator) Set(c *Client, isTyping bool) {
	p := c.principal
	e, active := tc.entries[p.Id]

	if !isTyping {
		if active {
			tc.clear(e)
		}
		return
	}

	tc.gen++
	if active {
		e.timer.Stop()
		e.client = c
		e.gen = tc.gen
		e.timer = tc.startTimer(p.Id, e.gen)
		return
	}

	tc.entries[p.Id] = &typingEntry{
		principal: p,
		client:    c,
		gen:       tc.gen,
		timer:     tc.startTimer(p.Id, tc.gen),
	}
	tc.notify(p, true)
}

func (tc *TypingCoordinator) startTimer(principalId string, gen uint64) *time.Timer {
	return time.AfterFunc(tc.timeout, func() {
		select {
		case tc.expired <- typingExpiry{principalId: principalId, gen: gen}:
		case <-tc.done:
		}
	})
}

// Expire handles a fired timer. Stale generations are ignored since the
// indicator was restarted or cleared after the timer was armed.
func (tc *TypingCoordinator) Expire(exp typingExpiry) {
	e, ok := tc.entries[exp.principalId]
	if !ok || e.gen != exp.gen {
		return
	}

	tc.clear(e)
}

func (tc *TypingCoordinator) ClearPrincipal(principalId string) {
	if e, ok := tc.entries[principalId]; ok {
		tc.clear(e)
	}
}

// ClearClient stops every indicator owned by c.
func (tc *TypingCoordinator) ClearClient(c *Client) {
	for _, e := range tc.entries {
		if e.client == c {
			tc.clear(e)
		}
	}
}

func (tc *TypingCoordinator) ClearAll() {
	for _, e := range tc.entries {
		tc.clear(e)
	}
}

func (tc *TypingCoordinator) Active() int {
	return len(tc.entries)
}

func (tc *TypingCoordinator) clear(e *typingEntry) {
	e.timer.Stop()
	delete(tc.entries, e.principal.Id)
	tc.notify(e.principal, false)
}

func (tc *TypingCoordinator) notify(p types.Principal, isTyping bool) {
	tc.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Typing: &Typing{
			RoomRef:     tc.ref,
			PrincipalId: p.Id,
			DisplayName: p.DisplayName,
			IsTyping:    isTyping,
		},
	}, p.Id)
}
