package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vibetunnel/vibetunnel-server/pkg/apierr"
	"github.com/vibetunnel/vibetunnel-server/pkg/hq"
)

// remoteRequestTimeout bounds how long an HQ waits on a forwarded call
// to a remote, per §4.7/§7's timeout error kind.
const remoteRequestTimeout = 10 * time.Second

// forwardToRemote proxies a request to remote's backing server,
// attaching the remote's bearer token, mirroring the sibling
// implementation's forwardToRemote pattern.
func forwardToRemote(remote *hq.RemoteServer, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, remote.URL+path, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+remote.BearerToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: remoteRequestTimeout}
	return client.Do(req)
}

// localID strips a remote's namespace prefix off a namespaced session
// ID, falling back to the raw ID if it wasn't namespaced.
func localID(sessionID string) string {
	if _, local, ok := hq.ParseSessionID(sessionID); ok {
		return local
	}
	return sessionID
}

func writeProxyError(c *gin.Context, err error) {
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		c.JSON(apierr.HTTPStatus(apierr.KindTimeout), apierr.Body(apierr.KindTimeout, "remote request timed out"))
		return
	}
	c.JSON(apierr.HTTPStatus(apierr.KindRemoteOffline), apierr.Body(apierr.KindRemoteOffline, fmt.Sprintf("remote unreachable: %v", err)))
}

func (h *Handler) createRemoteSession(c *gin.Context, req CreateSessionRequest) {
	remote := h.remoteRegistry.GetRemoteBySessionID(req.RemoteID)
	if remote == nil {
		for _, r := range h.remoteRegistry.GetRemotes() {
			if r.ID == req.RemoteID {
				remote = r
				break
			}
		}
	}
	if remote == nil {
		c.JSON(apierr.HTTPStatus(apierr.KindRemoteNotFound), apierr.Body(apierr.KindRemoteNotFound, "remote not found"))
		return
	}

	resp, err := forwardToRemote(remote, "POST", "/api/sessions", gin.H{
		"command":    req.Command,
		"workingDir": req.WorkingDir,
		"name":       req.Name,
	})
	if err != nil {
		writeProxyError(c, err)
		return
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if sid, ok := result["sessionId"].(string); ok {
			result["sessionId"] = hq.FormatSessionID(remote.ID, sid)
		}
		c.JSON(resp.StatusCode, result)
		return
	}
	c.Status(resp.StatusCode)
}

func (h *Handler) getRemoteSession(c *gin.Context, sessionID string, remote *hq.RemoteServer) {
	resp, err := forwardToRemote(remote, "GET", "/api/sessions/"+localID(sessionID), nil)
	if err != nil {
		writeProxyError(c, err)
		return
	}
	defer resp.Body.Close()
	proxyJSONBody(c, resp)
}

func (h *Handler) killRemoteSession(c *gin.Context, sessionID string, remote *hq.RemoteServer) {
	resp, err := forwardToRemote(remote, "DELETE", "/api/sessions/"+localID(sessionID), nil)
	if err != nil {
		writeProxyError(c, err)
		return
	}
	defer resp.Body.Close()
	proxyJSONBody(c, resp)
}

func (h *Handler) cleanupRemoteSession(c *gin.Context, sessionID string, remote *hq.RemoteServer) {
	resp, err := forwardToRemote(remote, "DELETE", "/api/sessions/"+localID(sessionID)+"/cleanup", nil)
	if err != nil {
		writeProxyError(c, err)
		return
	}
	defer resp.Body.Close()
	proxyJSONBody(c, resp)
}

func (h *Handler) getRemoteSessionBuffer(c *gin.Context, sessionID string, remote *hq.RemoteServer) {
	resp, err := forwardToRemote(remote, "GET", "/api/sessions/"+localID(sessionID)+"/buffer", nil)
	if err != nil {
		writeProxyError(c, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.Status(resp.StatusCode)
		return
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(500, apierr.Body(apierr.KindInternal, "failed to read remote buffer"))
		return
	}
	c.Data(200, "application/octet-stream", data)
}

// getRemoteSessionSnapshot proxies a snapshot request to the owning
// remote, forwarding the caller's Accept header so the remote applies
// the same text-vs-binary negotiation, and passes the response body
// through byte-for-byte rather than decoding it as JSON — a text cast
// is newline-delimited JSON, not a single JSON document.
func (h *Handler) getRemoteSessionSnapshot(c *gin.Context, sessionID string, remote *hq.RemoteServer, binary bool) {
	req, err := http.NewRequest("GET", remote.URL+"/api/sessions/"+localID(sessionID)+"/snapshot", nil)
	if err != nil {
		writeProxyError(c, err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+remote.BearerToken)
	if binary {
		req.Header.Set("Accept", "application/octet-stream")
	}

	client := &http.Client{Timeout: remoteRequestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		writeProxyError(c, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.Status(resp.StatusCode)
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(500, apierr.Body(apierr.KindInternal, "failed to read remote snapshot"))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(resp.StatusCode, contentType, data)
}

// streamRemoteSession proxies the remote's SSE stream byte-for-byte,
// flushing as data arrives so the HQ client sees live output rather
// than a buffered batch, per §4.7.
func (h *Handler) streamRemoteSession(c *gin.Context, sessionID string, remote *hq.RemoteServer) {
	resp, err := forwardToRemote(remote, "GET", "/api/sessions/"+localID(sessionID)+"/stream", nil)
	if err != nil {
		c.String(200, "data: {\"error\":\"remote unreachable\",\"code\":\"remote-offline\"}\n\n")
		return
	}
	defer resp.Body.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(200)

	flusher := c.Writer
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			flusher.Write(buf[:n])
			flusher.Flush()
		}
		if readErr != nil {
			return
		}
		select {
		case <-c.Request.Context().Done():
			return
		default:
		}
	}
}

func (h *Handler) sendInputToRemote(c *gin.Context, sessionID string, remote *hq.RemoteServer) {
	var req struct {
		Text string `json:"text"`
		Key  string `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), apierr.Body(apierr.KindInvalidRequest, "Invalid request body"))
		return
	}

	resp, err := forwardToRemote(remote, "POST", "/api/sessions/"+localID(sessionID)+"/input", req)
	if err != nil {
		writeProxyError(c, err)
		return
	}
	defer resp.Body.Close()
	proxyJSONBody(c, resp)
}

func (h *Handler) resizeRemoteSession(c *gin.Context, sessionID string, remote *hq.RemoteServer) {
	var req struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), apierr.Body(apierr.KindInvalidRequest, "Invalid request body"))
		return
	}

	resp, err := forwardToRemote(remote, "POST", "/api/sessions/"+localID(sessionID)+"/resize", req)
	if err != nil {
		writeProxyError(c, err)
		return
	}
	defer resp.Body.Close()
	proxyJSONBody(c, resp)
}

func proxyJSONBody(c *gin.Context, resp *http.Response) {
	var body interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.Status(resp.StatusCode)
		return
	}
	c.JSON(resp.StatusCode, body)
}
