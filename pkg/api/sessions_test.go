package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetunnel/vibetunnel-server/pkg/config"
	"github.com/vibetunnel/vibetunnel-server/pkg/pty"
	"github.com/vibetunnel/vibetunnel-server/pkg/session"
	"github.com/vibetunnel/vibetunnel-server/pkg/stream"
	"github.com/vibetunnel/vibetunnel-server/pkg/terminal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandler(t *testing.T) (*Handler, *gin.Engine) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()

	ptyMgr := pty.NewManager(cfg)
	sessionMgr := session.NewManager(cfg, ptyMgr)
	terminalMgr := terminal.NewManager(cfg, nil)
	streamWatcher := stream.NewWatcher(cfg)
	bufferAgg := stream.NewBufferAggregator(cfg, terminalMgr)

	h := NewHandler(cfg, sessionMgr, terminalMgr, streamWatcher, bufferAgg, nil)

	r := gin.New()
	api := r.Group("/api")
	h.RegisterRoutes(api)
	return h, r
}

func TestCreateListGetKillSessionLifecycle(t *testing.T) {
	_, r := newTestHandler(t)

	payload, _ := json.Marshal(CreateSessionRequest{Command: []string{"/bin/cat"}})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var list []SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.SessionID, list[0].ID)
	assert.Equal(t, "local", list[0].Source)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/"+created.SessionID, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCreateSessionRejectsInvalidBody(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader([]byte(`{"command": "not-an-array"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/does-not-exist", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendInputRejectsBothTextAndKey(t *testing.T) {
	_, r := newTestHandler(t)

	payload, _ := json.Marshal(CreateSessionRequest{Command: []string{"/bin/cat"}})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	body, _ := json.Marshal(map[string]string{"text": "ls\n", "key": "enter"})
	req = httptest.NewRequest(http.MethodPost, "/api/sessions/"+created.SessionID+"/input", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendInputWithTextArrowUpIsTreatedAsSymbolicKey(t *testing.T) {
	_, r := newTestHandler(t)

	payload, _ := json.Marshal(CreateSessionRequest{Command: []string{"/bin/cat"}})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// Previously this would write the literal bytes "arrow_up" to the
	// PTY; it must now be recognized as a reserved key name regardless
	// of arriving via `text` rather than `key`.
	body, _ := json.Marshal(map[string]string{"text": "arrow_up"})
	req = httptest.NewRequest(http.MethodPost, "/api/sessions/"+created.SessionID+"/input", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSendInputWithKeyArrowUpAliasSucceeds(t *testing.T) {
	_, r := newTestHandler(t)

	payload, _ := json.Marshal(CreateSessionRequest{Command: []string{"/bin/cat"}})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	body, _ := json.Marshal(map[string]string{"key": "arrow_up"})
	req = httptest.NewRequest(http.MethodPost, "/api/sessions/"+created.SessionID+"/input", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetSessionSnapshotReturnsTextCastByDefault(t *testing.T) {
	_, r := newTestHandler(t)

	payload, _ := json.Marshal(CreateSessionRequest{Command: []string{"/bin/cat"}})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	body, _ := json.Marshal(map[string]string{"text": "hi\n"})
	req = httptest.NewRequest(http.MethodPost, "/api/sessions/"+created.SessionID+"/input", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID+"/snapshot", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version"`)
}

func TestGetSessionSnapshotReturnsBinaryOnOctetStreamAccept(t *testing.T) {
	_, r := newTestHandler(t)

	payload, _ := json.Marshal(CreateSessionRequest{Command: []string{"/bin/cat"}})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID+"/snapshot", nil)
	req.Header.Set("Accept", "application/octet-stream")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
}

func TestGetSessionSnapshotUnknownSessionReturns404(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/does-not-exist/snapshot", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendInputAndResizeHappyPath(t *testing.T) {
	_, r := newTestHandler(t)

	payload, _ := json.Marshal(CreateSessionRequest{Command: []string{"/bin/cat"}})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	body, _ := json.Marshal(map[string]string{"text": "hello\n"})
	req = httptest.NewRequest(http.MethodPost, "/api/sessions/"+created.SessionID+"/input", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	resizeBody, _ := json.Marshal(map[string]int{"cols": 100, "rows": 40})
	req = httptest.NewRequest(http.MethodPost, "/api/sessions/"+created.SessionID+"/resize", bytes.NewReader(resizeBody))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
