package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/copypaste/relay-server-go/internal/config"
	"github.com/copypaste/relay-server-go/internal/httputil"
	"github.com/copypaste/relay-server-go/internal/protocol"
	"github.com/copypaste/relay-server-go/internal/session"
	"github.com/copypaste/relay-server-go/internal/ws"
)

// SocketHandler upgrades clients to WebSocket and feeds their frames to the
// session router, one read loop per connection.
type SocketHandler struct {
	router          *session.Router
	upgrader        websocket.Upgrader
	eventsPerSecond float64
	maxMessageBytes int64
}

// NewSocketHandler accepts any origin when allowedOrigins is empty.
func NewSocketHandler(router *session.Router, allowedOrigins []string, eventsPerSecond float64, maxMessageBytes int64) *SocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[strings.ToLower(o)] = true
		}
	}

	return &SocketHandler{
		router:          router,
		eventsPerSecond: eventsPerSecond,
		maxMessageBytes: maxMessageBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[strings.ToLower(r.Header.Get("Origin"))]
			},
		},
	}
}

func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := httputil.ClientIP(r)

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
		return
	}

	conn := ws.NewConn(wsConn, ip)
	conn.Start(h.maxMessageBytes)
	d := h.router.Connect(conn)

	log.Info().
		Str("connId", conn.ID()).
		Str("deviceId", d.ID()).
		Str("ip", ip).
		Msg("websocket connected")

	defer func() {
		// A reconnect may have moved this socket onto another device record.
		deviceID := h.router.Disconnect(conn)
		conn.Close()
		log.Info().
			Str("connId", conn.ID()).
			Str("deviceId", deviceID).
			Msg("websocket disconnected")
	}()

	limiter := rate.NewLimiter(rate.Limit(h.eventsPerSecond), config.WSEventBurst)
	ctx := r.Context()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				log.Warn().Str("connId", conn.ID()).Int64("limit", h.maxMessageBytes).Msg("websocket frame too large")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connId", conn.ID()).Msg("websocket read failed")
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("connId", conn.ID()).Msg("undecodable frame")
			conn.Emit(protocol.ErrorInvalidPayload, "")
			continue
		}

		if !limiter.Allow() {
			conn.Emit(protocol.ErrorRateLimited, msg.Event, 1)
			continue
		}

		h.router.Handle(ctx, conn, msg)
	}
}
