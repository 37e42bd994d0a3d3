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
	"github.com/vibetunnel/vibetunnel-server/pkg/hq"
	"github.com/vibetunnel/vibetunnel-server/pkg/pty"
	"github.com/vibetunnel/vibetunnel-server/pkg/session"
	"github.com/vibetunnel/vibetunnel-server/pkg/stream"
	"github.com/vibetunnel/vibetunnel-server/pkg/terminal"
)

func newHQTestHandler(t *testing.T) (*Handler, *gin.Engine, *hq.RemoteRegistry) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()
	cfg.IsHQMode = true

	ptyMgr := pty.NewManager(cfg)
	sessionMgr := session.NewManager(cfg, ptyMgr)
	terminalMgr := terminal.NewManager(cfg, nil)
	streamWatcher := stream.NewWatcher(cfg)
	bufferAgg := stream.NewBufferAggregator(cfg, terminalMgr)
	registry := hq.NewRemoteRegistry(cfg)
	t.Cleanup(registry.Stop)

	h := NewHandler(cfg, sessionMgr, terminalMgr, streamWatcher, bufferAgg, registry)

	r := gin.New()
	api := r.Group("/api")
	h.RegisterRoutes(api)
	return h, r, registry
}

func TestListRemotesRejectedOutsideHQMode(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/remotes", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterListUnregisterRemoteLifecycle(t *testing.T) {
	_, r, _ := newHQTestHandler(t)

	payload, _ := json.Marshal(map[string]string{
		"name":        "box-1",
		"url":         "http://example.invalid",
		"bearerToken": "tok",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/remotes/register", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var registered struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &registered))
	require.NotEmpty(t, registered.ID)

	req = httptest.NewRequest(http.MethodGet, "/api/remotes", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "box-1", list[0]["name"])

	req = httptest.NewRequest(http.MethodDelete, "/api/remotes/"+registered.ID, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/remotes/"+registered.ID, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterRemoteRejectsMissingFields(t *testing.T) {
	_, r, _ := newHQTestHandler(t)

	payload, _ := json.Marshal(map[string]string{"name": "box-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/remotes/register", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshRemoteSessionsPullsFromLiveRemote(t *testing.T) {
	remoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/api/sessions" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"id":"remote-sess-1","command":"bash","status":"running"}]`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer remoteSrv.Close()

	_, r, registry := newHQTestHandler(t)

	payload, _ := json.Marshal(map[string]string{
		"name":        "live-box",
		"url":         remoteSrv.URL,
		"bearerToken": "tok",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/remotes/register", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/remotes/live-box/refresh-sessions", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	assert.NotNil(t, registry.GetRemoteBySessionID("remote-sess-1"))
}

func TestRefreshRemoteSessionsUnknownNameReturnsNotFound(t *testing.T) {
	_, r, _ := newHQTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/remotes/ghost/refresh-sessions", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
