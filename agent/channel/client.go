package channel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client is the dialing side of a channel.
type Client struct {
	// ID is the connection ID assigned by the server.
	ID string

	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	messages chan Message

	errMut sync.Mutex
	err    error

	closeConnOnce sync.Once
}

// Dial connects to a channel endpoint. Inbound messages are available from Messages until the connection ends.
func Dial(ctx context.Context, log *zap.SugaredLogger, url string, opts *websocket.DialOptions) (*Client, error) {
	log.Debugw("dialing channel", "URL", url)
	if opts == nil {
		opts = &websocket.DialOptions{}
	}
	opts.CompressionMode = websocket.CompressionContextTakeover
	wsConn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to channel: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	var greeting Message
	err = wsjson.Read(ctx, wsConn, &greeting)
	if err != nil {
		wsConn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("reading channel greeting: %w", err)
	}
	if greeting.Event != ConnectedEvent {
		wsConn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("expected %q as first channel message, got %q", ConnectedEvent, greeting.Event)
	}
	var connID string
	if err := greeting.Decode(&connID); err != nil {
		wsConn.Close(websocket.StatusProtocolError, "")
		return nil, err
	}

	// the connection outlives the dial context
	connCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ID:       connID,
		log:      log,
		conn:     wsConn,
		ctx:      connCtx,
		cancel:   cancel,
		messages: make(chan Message, defaultSendBuffer),
	}
	go c.readMessages()
	return c, nil
}

func (c *Client) readMessages() {
	defer close(c.messages)
	for {
		var msg Message
		err := wsjson.Read(c.ctx, c.conn, &msg)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.log.Debugf("message reader got error: %s", err)
				c.setErr(err)
			}
			c.close(websocket.StatusNormalClosure, "")
			return
		}
		select {
		case c.messages <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMut.Lock()
	defer c.errMut.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMut.Lock()
	defer c.errMut.Unlock()
	return c.err
}

// Messages returns inbound messages. The channel is closed when the connection ends.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Emit sends an event to the server.
func (c *Client) Emit(ctx context.Context, event string, args ...any) error {
	msg, err := NewMessage(event, args...)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *Client) close(code websocket.StatusCode, reason string) {
	c.closeConnOnce.Do(func() {
		err := c.conn.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
		c.cancel()
	})
}

func (c *Client) Close() error {
	c.close(websocket.StatusNormalClosure, "")
	return nil
}
