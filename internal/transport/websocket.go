package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/mre-session-mux/internal/message"
)

// WebSocketChannel adapts a coder/websocket connection into a Channel. The
// read loop is started eagerly by NewWebSocketChannel and runs until the
// socket closes or errors; Send writes synchronously, matching §5's "send
// does not suspend (enqueues onto the transport)" by never blocking on the
// peer's read loop.
type WebSocketChannel struct {
	conn  *websocket.Conn
	stats *StatsTap

	recv chan *message.Message
	errs chan error

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewWebSocketChannel wraps conn and starts its read loop. ctx bounds the
// lifetime of that loop; cancelling it (or closing conn) ends the channel.
func NewWebSocketChannel(ctx context.Context, conn *websocket.Conn) *WebSocketChannel {
	ctx, cancel := context.WithCancel(ctx)
	c := &WebSocketChannel{
		conn:   conn,
		stats:  NewStatsTap(),
		recv:   make(chan *message.Message, 16),
		errs:   make(chan error, 1),
		cancel: cancel,
	}
	go c.readLoop(ctx)
	return c
}

func (c *WebSocketChannel) readLoop(ctx context.Context) {
	defer close(c.recv)
	defer close(c.errs)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.errs <- err
			}
			return
		}

		c.stats.RecordIncoming(len(data))

		var msg message.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("transport: dropping malformed frame", "error", err)
			continue
		}

		select {
		case c.recv <- &msg:
		case <-ctx.Done():
			return
		}
	}
}

// Send implements Channel.
func (c *WebSocketChannel) Send(msg *message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		return err
	}
	c.stats.RecordOutgoing(len(data))
	return nil
}

// Recv implements Channel.
func (c *WebSocketChannel) Recv() <-chan *message.Message { return c.recv }

// Errs implements Channel.
func (c *WebSocketChannel) Errs() <-chan error { return c.errs }

// Stats implements Channel.
func (c *WebSocketChannel) Stats() *StatsTap { return c.stats }

// Close implements Channel. Idempotent.
func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, "session ended")
	})
	return err
}
