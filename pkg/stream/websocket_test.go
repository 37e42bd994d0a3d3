package stream

import (
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetunnel/vibetunnel-server/pkg/config"
	"github.com/vibetunnel/vibetunnel-server/pkg/terminal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestWebSocketServer(t *testing.T) (*httptest.Server, *BufferAggregator) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()
	cfg.WebSocketPingInterval = time.Hour

	terminalMgr := terminal.NewManager(cfg, nil)
	aggregator := NewBufferAggregator(cfg, terminalMgr)
	wsServer := NewWebSocketServer(cfg, aggregator)

	r := gin.New()
	r.GET("/ws", wsServer.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return srv, aggregator
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketSubscribeReceivesInitialBinaryBuffer(t *testing.T) {
	srv, _ := newTestWebSocketServer(t)
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteJSON(Message{Type: "subscribe", SessionID: "sess-1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	require.GreaterOrEqual(t, len(data), 5)
	assert.Equal(t, byte(0xBF), data[0])

	sidLen := binary.LittleEndian.Uint32(data[1:5])
	sessionID := string(data[5 : 5+sidLen])
	assert.Equal(t, "sess-1", sessionID)
}

func TestWebSocketPingReceivesPong(t *testing.T) {
	srv, _ := newTestWebSocketServer(t)
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)
}

func TestWebSocketBroadcastDeliversBufferToSubscriber(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()
	cfg.WebSocketPingInterval = time.Hour
	sessionID := "sess-live"
	streamPath := filepath.Join(cfg.ControlDir, sessionID, "stream-out")
	require.NoError(t, os.MkdirAll(filepath.Dir(streamPath), 0755))
	require.NoError(t, os.WriteFile(streamPath, []byte(`{"version":2,"width":10,"height":3}`+"\n"), 0644))

	terminalMgr := terminal.NewManager(cfg, nil)
	aggregator := NewBufferAggregator(cfg, terminalMgr)
	wsServer := NewWebSocketServer(cfg, aggregator)

	r := gin.New()
	r.GET("/ws", wsServer.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(Message{Type: "subscribe", SessionID: sessionID}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	aggregator.BroadcastBufferUpdate(sessionID, []byte("fake-snapshot-bytes"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Contains(t, string(data), "fake-snapshot-bytes")
}

func TestWebSocketUnsubscribeStopsFurtherBroadcasts(t *testing.T) {
	srv, aggregator := newTestWebSocketServer(t)
	conn := dialWS(t, srv)

	sessionID := "sess-2"
	require.NoError(t, conn.WriteJSON(Message{Type: "subscribe", SessionID: sessionID}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Message{Type: "unsubscribe", SessionID: sessionID}))
	require.Eventually(t, func() bool {
		return aggregator.GetConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	aggregator.BroadcastBufferUpdate(sessionID, []byte("should-not-arrive"))

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "expected a read timeout since the client is unsubscribed")
}

func TestGetConnectionCountTracksConnectAndClose(t *testing.T) {
	srv, aggregator := newTestWebSocketServer(t)

	assert.Equal(t, 0, aggregator.GetConnectionCount())

	conn := dialWS(t, srv)
	_ = conn.WriteMessage(websocket.PingMessage, nil)

	require.Eventually(t, func() bool {
		return aggregator.GetConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return aggregator.GetConnectionCount() == 0
	}, time.Second, 10*time.Millisecond)
}
