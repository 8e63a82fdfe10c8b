package httpapi

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSlowSubscriber 订阅者发送缓冲已满
	ErrSlowSubscriber = errors.New("subscriber send buffer full")
	errClientClosed   = errors.New("subscriber closed")
)

const maxMessageSize = 4 * 1024

// client adapts one websocket connection to relay.Subscriber.
type client struct {
	conn *websocket.Conn
	id   string
	send chan []byte

	// replay holds the connect-time snapshot; it is written before any live
	// message is queued and always flushed ahead of send.
	replayMu    sync.Mutex
	replay      [][]byte
	replayReady chan struct{}

	done      chan struct{}
	closeOnce sync.Once

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func newClient(conn *websocket.Conn, buffer int) *client {
	if buffer <= 0 {
		buffer = 256
	}
	return &client{
		conn:        conn,
		id:          uuid.NewString(),
		send:        make(chan []byte, buffer),
		replayReady: make(chan struct{}, 1),
		done:        make(chan struct{}),
		writeWait:   5 * time.Second,
		pongWait:    60 * time.Second,
		pingPeriod:  50 * time.Second,
	}
}

func (c *client) ID() string { return c.id }

// Send queues msg without blocking.
func (c *client) Send(msg []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

// Replay queues the connect-time snapshot. It is not bounded by the live
// buffer and is written before any message passed to Send.
func (c *client) Replay(msgs [][]byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	if len(msgs) == 0 {
		return nil
	}
	c.replayMu.Lock()
	c.replay = append(c.replay, msgs...)
	c.replayMu.Unlock()
	select {
	case c.replayReady <- struct{}{}:
	default:
	}
	return nil
}

func (c *client) takeReplay() [][]byte {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	msgs := c.replay
	c.replay = nil
	return msgs
}

// Close stops the write pump, which closes the connection.
func (c *client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// readPump discards inbound messages; it only tracks liveness. onExit runs
// once the peer is gone.
func (c *client) readPump(onExit func()) {
	defer func() {
		onExit()
		_ = c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("subscriber", c.id).Msg("subscriber read failed")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.flushReplay(); err != nil {
				_ = c.Close()
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				_ = c.Close()
				return
			}
		case <-c.replayReady:
			if err := c.flushReplay(); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *client) flushReplay() error {
	for _, msg := range c.takeReplay() {
		if err := c.write(websocket.TextMessage, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(messageType, data)
}
