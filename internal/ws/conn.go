package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/copypaste/relay-server-go/internal/config"
	"github.com/copypaste/relay-server-go/internal/protocol"
)

// Conn wraps one WebSocket. Frames are queued on a buffered channel and
// written by a single pump goroutine, so Emit never blocks the caller.
type Conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(wsConn *websocket.Conn, remoteAddr string) *Conn {
	return &Conn{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		ws:         wsConn,
		send:       make(chan []byte, config.WSSendBuffer),
		done:       make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Emit encodes and queues a frame. A full queue or a closed connection drops it.
func (c *Conn) Emit(event protocol.Event, args ...any) {
	frame, err := protocol.Encode(event, args...)
	if err != nil {
		log.Error().Err(err).Str("connId", c.id).Str("event", event.String()).Msg("failed to encode frame")
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	default:
		log.Warn().
			Str("connId", c.id).
			Str("event", event.String()).
			Msg("connection send buffer full, dropping frame")
	}
}

// ReadMessage blocks for the next text frame, extending the read deadline on
// every pong.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

// Start sets the largest frame the peer may send and launches the write
// pump. A non-positive readLimit falls back to config.WSMaxMessageSize. A
// larger frame closes the socket with code 1009.
func (c *Conn) Start(readLimit int64) {
	if readLimit <= 0 {
		readLimit = config.WSMaxMessageSize
	}
	c.ws.SetReadLimit(readLimit)
	c.ws.SetReadDeadline(time.Now().Add(config.WSPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(config.WSPongWait))
	})
	go c.writePump()
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(config.WSPingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(config.WSWriteWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(config.WSWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("connId", c.id).Msg("websocket write failed")
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(config.WSWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connId", c.id).Msg("websocket ping failed")
				c.Close()
				return
			}
		}
	}
}

// Close stops the write pump, which closes the socket and unblocks the reader.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}
