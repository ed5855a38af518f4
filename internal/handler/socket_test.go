package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copypaste/relay-server-go/internal/config"
	"github.com/copypaste/relay-server-go/internal/device"
	"github.com/copypaste/relay-server-go/internal/pairing"
	"github.com/copypaste/relay-server-go/internal/protocol"
	"github.com/copypaste/relay-server-go/internal/session"
	"github.com/copypaste/relay-server-go/internal/token"
)

type wireFrame struct {
	Event protocol.Event    `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

func newSocketServer(t *testing.T, origins []string, eventsPerSecond float64) (*httptest.Server, *device.Registry) {
	t.Helper()
	return newSocketServerWithLimit(t, origins, eventsPerSecond, config.WSMaxMessageSize)
}

func newSocketServerWithLimit(t *testing.T, origins []string, eventsPerSecond float64, maxMessageBytes int64) (*httptest.Server, *device.Registry) {
	t.Helper()

	devices := device.NewRegistry(time.Minute)
	tokens := token.NewRegistry(token.Lifetimes{Scan: time.Minute, Invite: time.Hour, Manual: time.Minute})
	pairs := pairing.NewRegistry(devices, tokens)
	devices.OnRemove(pairs.OnDeviceRemoved)
	router := session.NewRouter(devices, tokens, pairs, nil, 10, nil)

	srv := httptest.NewServer(NewSocketHandler(router, origins, eventsPerSecond, maxMessageBytes))
	t.Cleanup(srv.Close)
	return srv, devices
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	c, _ := dialWithID(t, srv)
	return c
}

// dialWithID connects and consumes the greeting, returning the connection id
// the server assigned.
func dialWithID(t *testing.T, srv *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	greeting := receive(t, c)
	require.Equal(t, protocol.Connected, greeting.Event)
	return c, argString(t, greeting, 0)
}

func send(t *testing.T, c *websocket.Conn, event protocol.Event, args ...any) {
	t.Helper()
	frame, err := protocol.Encode(event, args...)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))
}

func receive(t *testing.T, c *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)

	var f wireFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func argString(t *testing.T, f wireFrame, i int) string {
	t.Helper()
	require.Greater(t, len(f.Args), i)
	var s string
	require.NoError(t, json.Unmarshal(f.Args[i], &s))
	return s
}

func TestSocketHandler_PairAndRelay(t *testing.T) {
	srv, _ := newSocketServer(t, nil, 100)
	primary := dial(t, srv)
	secondary := dial(t, srv)

	send(t, primary, protocol.RequestPrimaryConnect, "primary-key")
	connected := receive(t, primary)
	require.Equal(t, protocol.UpdatePrimaryConnected, connected.Event)
	tok := argString(t, connected, 1)

	send(t, secondary, protocol.RequestSecondaryConnectByQR, "secondary-key", tok)
	joined := receive(t, secondary)
	assert.Equal(t, protocol.UpdateSecondaryConnectedByQR, joined.Event)
	assert.Equal(t, "primary-key", argString(t, joined, 1))

	other := receive(t, primary)
	assert.Equal(t, protocol.UpdateOtherConnected, other.Event)
	assert.Equal(t, "secondary-key", argString(t, other, 0))

	send(t, primary, protocol.SendData, map[string]string{"cipher": "abc"})
	data := receive(t, secondary)
	assert.Equal(t, protocol.Data, data.Event)
	assert.JSONEq(t, `{"cipher":"abc"}`, string(data.Args[0]))
}

func TestSocketHandler_InvalidFrames(t *testing.T) {
	srv, _ := newSocketServer(t, nil, 100)
	c := dial(t, srv)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := receive(t, c)
	assert.Equal(t, protocol.ErrorInvalidPayload, f.Event)

	send(t, c, protocol.Event("update-primary-connected"))
	f = receive(t, c)
	assert.Equal(t, protocol.ErrorInvalidPayload, f.Event)
	assert.Equal(t, "update-primary-connected", argString(t, f, 0))
}

func TestSocketHandler_EventRateLimit(t *testing.T) {
	srv, _ := newSocketServer(t, nil, 0.001)
	c := dial(t, srv)

	// Toggling without a pair is a silent no-op, so the only reply is the throttle.
	for i := 0; i < 21; i++ {
		send(t, c, protocol.RequestToggleDirection)
	}

	f := receive(t, c)
	assert.Equal(t, protocol.ErrorRateLimited, f.Event)
	assert.Equal(t, string(protocol.RequestToggleDirection), argString(t, f, 0))
}

func TestSocketHandler_CheckOrigin(t *testing.T) {
	srv, _ := newSocketServer(t, []string{"https://copypaste.example"}, 100)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://CopyPaste.example"}}
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	c.Close()
}

func TestSocketHandler_DisconnectParksDevice(t *testing.T) {
	srv, devices := newSocketServer(t, nil, 100)
	c := dial(t, srv)

	send(t, c, protocol.RequestPrimaryConnect, "primary-key")
	deviceID := argString(t, receive(t, c), 0)

	c.Close()

	assert.Eventually(t, func() bool {
		_, ok := devices.FindOfflineByDeviceID(deviceID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSocketHandler_Greeting(t *testing.T) {
	srv, devices := newSocketServer(t, nil, 100)
	_, connID := dialWithID(t, srv)

	_, err := uuid.Parse(connID)
	require.NoError(t, err)
	assert.Equal(t, 1, devices.Stats().Online)
}

func TestSocketHandler_ReconnectReplacesUnseenDisconnect(t *testing.T) {
	srv, devices := newSocketServer(t, nil, 100)
	primary, primaryConnID := dialWithID(t, srv)
	secondary := dial(t, srv)

	send(t, primary, protocol.RequestPrimaryConnect, "primary-key")
	connected := receive(t, primary)
	require.Equal(t, protocol.UpdatePrimaryConnected, connected.Event)
	primaryID := argString(t, connected, 0)

	send(t, secondary, protocol.RequestSecondaryConnectByQR, "secondary-key", argString(t, connected, 1))
	require.Equal(t, protocol.UpdateSecondaryConnectedByQR, receive(t, secondary).Event)
	require.Equal(t, protocol.UpdateOtherConnected, receive(t, primary).Event)

	// The old socket is still open, as it is when the network drops silently.
	returning, returningConnID := dialWithID(t, srv)
	send(t, returning, protocol.RequestDeviceReconnect, primaryID, primaryConnID)

	reconnected := receive(t, returning)
	require.Equal(t, protocol.UpdateDeviceReconnected, reconnected.Event)
	assert.JSONEq(t, "true", string(reconnected.Args[0]))
	assert.Equal(t, protocol.UpdateOtherReconnected, receive(t, secondary).Event)

	d, ok := devices.FindByDeviceID(primaryID)
	require.True(t, ok)
	assert.Equal(t, returningConnID, d.ConnID())

	require.NoError(t, primary.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := primary.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "stale socket is closed, got %v", err)

	send(t, returning, protocol.SendData, "after-reconnect")
	data := receive(t, secondary)
	assert.Equal(t, protocol.Data, data.Event)
	assert.Equal(t, "after-reconnect", argString(t, data, 0))
}

func TestSocketHandler_OversizedFrame(t *testing.T) {
	srv, devices := newSocketServerWithLimit(t, nil, 100, 1024)
	c := dial(t, srv)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 2048))))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)

	assert.Eventually(t, func() bool {
		return devices.Stats().Online == 0
	}, 2*time.Second, 10*time.Millisecond)
}
