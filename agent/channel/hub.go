package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const defaultSendBuffer = 256

// ConnectedEvent is the first message on every connection. Its only argument is the connection ID.
const ConnectedEvent = "channel:connected"

// Handler handles one inbound event from a connection. Handlers for a single connection run sequentially,
// in the order the messages arrived.
type Handler func(c *Conn, msg Message)

type Hub struct {
	log        *zap.SugaredLogger
	sendBuffer int

	handlersMut sync.RWMutex
	handlers    map[string]Handler

	connsMut sync.RWMutex
	conns    map[string]*Conn
}

type HubOption func(h *Hub)

// WithSendBuffer sets how many messages may be queued per connection before messages are dropped.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n < 1 {
			n = 1
		}
		h.sendBuffer = n
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func NewHub(log *zap.SugaredLogger, opts ...HubOption) *Hub {
	h := &Hub{
		log:        log,
		sendBuffer: defaultSendBuffer,
		handlers:   map[string]Handler{},
		conns:      map[string]*Conn{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// On registers the handler for an inbound event, replacing any previous one.
func (h *Hub) On(event string, handler Handler) {
	h.handlersMut.Lock()
	defer h.handlersMut.Unlock()
	h.handlers[event] = handler
}

func (h *Hub) handler(event string) Handler {
	h.handlersMut.RLock()
	defer h.handlersMut.RUnlock()
	return h.handlers[event]
}

// Conn is one connected client.
type Conn struct {
	ID       string
	Identity Identity

	log    *zap.SugaredLogger
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel func()

	closeConnOnce sync.Once
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	c.closeConnOnce.Do(func() {
		err := c.ws.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
		c.cancel()
	})
}

// Serve upgrades the request to a WebSocket connection for the given identity and blocks until it closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, id Identity) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &Conn{
		ID:       uuid.NewString(),
		Identity: id,
		ws:       wsConn,
		send:     make(chan []byte, h.sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.log = h.log.With("Conn", c.ID, "User", id.Username)

	// Queue the greeting before the conn is visible to broadcasts, so it is always the first message.
	// Dial waits for it, which guarantees the client is registered once Dial returns.
	greeting, err := json.Marshal(Message{Event: ConnectedEvent, Args: []json.RawMessage{mustMarshal(c.ID)}})
	if err != nil {
		c.close(websocket.StatusInternalError, err.Error())
		return
	}
	c.send <- greeting

	h.connsMut.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.connsMut.Unlock()
	c.log.Debugw("accepted channel conn", "Conns", n)

	defer func() {
		h.connsMut.Lock()
		delete(h.conns, c.ID)
		n := len(h.conns)
		h.connsMut.Unlock()
		c.log.Debugw("channel conn closed", "Conns", n)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeMessages(c)
	}()
	h.readMessages(c)
	wg.Wait()
}

func (h *Hub) readMessages(c *Conn) {
	for {
		var msg Message
		err := wsjson.Read(c.ctx, c.ws, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
			c.log.Debug("got normal closure from client, wrapping up")
			c.close(websocket.StatusNormalClosure, "")
			return
		}
		if err != nil {
			c.log.Debugf("message reader got error: %s", err)
			c.close(websocket.StatusInternalError, err.Error())
			return
		}
		handler := h.handler(msg.Event)
		if handler == nil {
			c.log.Debugw("no handler for event, ignoring", "Event", msg.Event)
			continue
		}
		handler(c, msg)
	}
}

func (h *Hub) writeMessages(c *Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.send:
			err := c.ws.Write(c.ctx, websocket.MessageText, b)
			if err != nil {
				c.log.Debugf("message writer got error: %s", err)
				c.close(websocket.StatusInternalError, err.Error())
				return
			}
		}
	}
}

// Broadcast sends an event to every connection whose identity matches, returning how many connections it was queued for.
// A connection whose send buffer is full misses the message.
func (h *Hub) Broadcast(event string, match func(Identity) bool, args ...any) int {
	msg, err := NewMessage(event, args...)
	if err != nil {
		h.log.Warnw("dropping unencodable broadcast", "Event", event, "Error", err)
		return 0
	}
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Warnw("dropping unencodable broadcast", "Event", event, "Error", err)
		return 0
	}

	h.connsMut.RLock()
	defer h.connsMut.RUnlock()
	sent := 0
	for _, c := range h.conns {
		if !match(c.Identity) {
			continue
		}
		select {
		case c.send <- b:
			sent++
		default:
			c.log.Warnw("send buffer full, dropping message", "Event", event)
		}
	}
	return sent
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.connsMut.RLock()
	defer h.connsMut.RUnlock()
	return len(h.conns)
}

// Close closes every open connection.
func (h *Hub) Close() {
	h.connsMut.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.connsMut.RUnlock()
	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}
