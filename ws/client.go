package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sparksocial/spark-rtm/types"
)

// Client is a middleman between the websocket connection and the hub. A
// freshly upgraded connection is unauthenticated; user stays nil until the
// auth event binds a directory identity to it.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	connId uuid.UUID

	// Buffered channel of outbound messages.
	Send chan []byte

	Language string

	user *types.User

	// active room of this connection, only touched from the read loop
	room string

	doneChan chan struct{}

	// WaitGroup which keeps track of running read/write loops and write access to Send. If the WaitGroup is done,
	// it is safe to close all channels (all loops are done and there are no more write operations on the channels)
	sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, doneChan chan struct{}) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		connId:   uuid.New(),
		Send:     make(chan []byte, sendChannelSize),
		doneChan: doneChan,
	}
}

func (c *Client) ConnId() uuid.UUID {
	return c.connId
}

// send queues data for this client unless it is already unregistered.
func (c *Client) send(data []byte) {
	c.hub.RLock()
	if _, ok := c.hub.clients[c]; ok {
		c.Send <- data
	}
	c.hub.RUnlock()
}

// reply encodes an event envelope and queues it for this client.
func (c *Client) reply(event string, payload interface{}) {
	data, err := types.Encode(event, payload)
	if err != nil {
		c.hub.logger.Error("could not encode reply", "event", event, "error", err)
		return
	}
	c.send(data)
}

// SendHistory replays the recent messages of a room to this client.
func (c *Client) SendHistory(roomId string) {
	history, err := c.hub.Persister.GetMessageHistory(roomId, c.hub.Cfg.HistoryConfig.HistorySize)
	if err != nil {
		c.hub.logger.Error("could not load message history", "room", roomId, "error", err)
		return
	}
	c.reply(types.WireEventHistory, history)
}

// ReadLoop pumps messages from the websocket connection to the hub.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadLoop() {
	defer func() {
		c.conn.Close()
		close(c.doneChan)
		c.Done()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.Store.Touch(c.connId)
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Info("ws closed unexpected", "conn", c.connId, "error", err)
			}
			return
		}
		c.hub.Store.Touch(c.connId)

		message := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &message); err != nil {
			c.hub.logger.Warn("could not unmarshal ws message", "conn", c.connId, "error", err)
			c.reply(types.WireEventRejected, types.Rejection{Reason: "malformed message", Retryable: false})
			continue
		}
		c.handleEvent(&message)
	}
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Done()
	}()
	for {
		select {
		case <-c.doneChan:
			return
		default:
		}
		select {
		case message, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}
