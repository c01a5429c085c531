package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-squadchat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
)

// Client is one authenticated websocket connection. The principal is fixed
// at handshake and never taken from client payloads.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	principal  types.Principal
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(p types.Principal, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		principal:  p,
		send:       make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Principal() types.Principal {
	return c.principal
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		c.handleRaw(raw)
	}
}

// handleRaw decodes and validates one inbound frame and routes it. Errors
// are answered on the connection, which stays open.
func (c *Client) handleRaw(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Println("error parsing message:", err)
		c.queueMessage(ErrInvalidMessage(-1))
		return
	}

	if err := msg.Validate(); err != nil {
		c.queueMessage(ErrResponse(msg.Id, msg.Op(), err))
		return
	}

	msg.client = c
	msg.principal = c.principal
	msg.Timestamp = Now()

	if send := msg.SendMessage; send != nil && send.RoomRef == "" {
		ref, err := c.resolveDirectRoom(send.RecipientId)
		if err != nil {
			c.queueMessage(ErrResponse(msg.Id, msg.Op(), err))
			return
		}
		send.RoomRef = ref
	}

	if !c.chatServer.Dispatch(&msg) {
		c.queueMessage(ErrServiceUnavailable(msg.Id, msg.Op()))
	}
}

func (c *Client) resolveDirectRoom(recipientId string) (types.RoomRef, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.chatServer.opts.OpTimeout)
	defer cancel()

	room, err := c.chatServer.pipeline.FindOrCreateDirectRoom(ctx, c.principal, recipientId)
	if err != nil {
		return "", err
	}

	return room.Ref, nil
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("dropping message for %q, channel is full", c.principal.Id)
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.DeregisterClient(c)
	c.stopClient()
}
