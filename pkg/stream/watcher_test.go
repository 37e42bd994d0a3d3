package stream

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetunnel/vibetunnel-server/pkg/config"
)

func writeStreamFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func TestAddClientReplaysExistingContentWithZeroedTimestamps(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()

	sessionID := "sess-1"
	streamPath := filepath.Join(cfg.ControlDir, sessionID, "stream-out")
	writeStreamFile(t, streamPath,
		`{"version":2,"width":80,"height":24}`,
		`[1.234,"o","hello"]`,
		`[2.5,"r","100x40"]`,
	)

	w := NewWatcher(cfg)
	client := &Client{ID: "c1", SessionID: sessionID, SendChannel: make(chan string, 10), Done: make(chan bool)}
	require.NoError(t, w.AddClient(sessionID, client))
	defer w.RemoveClient(sessionID, client.ID)

	var received []string
	timeout := time.After(time.Second)
	for len(received) < 3 {
		select {
		case data := <-client.SendChannel:
			received = append(received, data)
		case <-timeout:
			t.Fatalf("timed out waiting for replay, got %d of 3", len(received))
		}
	}

	assert.Contains(t, received[0], `"timestamp":0`)
	assert.Contains(t, received[0], `"text":"hello"`)
	assert.Contains(t, received[1], `"timestamp":0`)
	assert.Contains(t, received[1], `"size":"100x40"`)
	assert.Contains(t, received[2], `"version":2`)
}

func TestAddClientSynthesizesDefaultHeaderWhenAbsent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()
	cfg.DefaultCols = 120
	cfg.DefaultRows = 40

	sessionID := "sess-no-header"
	streamPath := filepath.Join(cfg.ControlDir, sessionID, "stream-out")
	writeStreamFile(t, streamPath, `[1.0,"o","hi"]`)

	w := NewWatcher(cfg)
	client := &Client{ID: "c1", SessionID: sessionID, SendChannel: make(chan string, 10), Done: make(chan bool)}
	require.NoError(t, w.AddClient(sessionID, client))
	defer w.RemoveClient(sessionID, client.ID)

	var received []string
	timeout := time.After(time.Second)
	for len(received) < 2 {
		select {
		case data := <-client.SendChannel:
			received = append(received, data)
		case <-timeout:
			t.Fatalf("timed out waiting for replay, got %d of 2", len(received))
		}
	}

	assert.Contains(t, received[0], `"text":"hi"`)
	assert.Contains(t, received[1], `"version":2`)
	assert.Contains(t, received[1], `"width":120`)
	assert.Contains(t, received[1], `"height":40`)
}

func TestRemoveClientClosesDoneChannel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()
	sessionID := "sess-2"
	streamPath := filepath.Join(cfg.ControlDir, sessionID, "stream-out")
	writeStreamFile(t, streamPath, `{"version":2,"width":80,"height":24}`)

	w := NewWatcher(cfg)
	client := &Client{ID: "c1", SessionID: sessionID, SendChannel: make(chan string, 10), Done: make(chan bool)}
	require.NoError(t, w.AddClient(sessionID, client))

	w.RemoveClient(sessionID, client.ID)

	select {
	case _, ok := <-client.Done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Done channel was not closed")
	}
}

func TestProcessStreamLineRebasesLiveTimestampToStreamStart(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()
	sessionID := "sess-3"

	w := NewWatcher(cfg)
	client := &Client{ID: "c1", SessionID: sessionID, SendChannel: make(chan string, 10), Done: make(chan bool)}
	w.mu.Lock()
	w.clients[sessionID] = []*Client{client}
	w.mu.Unlock()

	sw := &sessionWatcher{sessionID: sessionID, startTime: time.Now()}

	// The writer's own elapsed-seconds clock (3.75) must not be
	// forwarded as-is; the emitted timestamp reflects time since sw
	// started tailing, which for a freshly-created sw is near zero.
	w.processStreamLine(sw, `[3.75,"i","ls\n"]`)

	select {
	case data := <-client.SendChannel:
		assert.NotContains(t, data, `"timestamp":3.75`)
		assert.Contains(t, data, `"text":"ls`)
	case <-time.After(time.Second):
		t.Fatal("expected forwarded event")
	}
}

func TestProcessStreamLineSuppressesDuplicateHeader(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()
	sessionID := "sess-dup-header"

	w := NewWatcher(cfg)
	client := &Client{ID: "c1", SessionID: sessionID, SendChannel: make(chan string, 10), Done: make(chan bool)}
	w.mu.Lock()
	w.clients[sessionID] = []*Client{client}
	w.mu.Unlock()

	sw := &sessionWatcher{sessionID: sessionID, startTime: time.Now()}

	w.processStreamLine(sw, `{"version":2,"width":80,"height":24}`)
	w.processStreamLine(sw, `{"version":2,"width":80,"height":24}`)

	select {
	case <-client.SendChannel:
	case <-time.After(time.Second):
		t.Fatal("expected the first header to be forwarded")
	}

	select {
	case data := <-client.SendChannel:
		t.Fatalf("expected the duplicate header to be suppressed, got %q", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProcessStreamLineWrapsNonJSONAsOutputEvent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()
	sessionID := "sess-x"

	w := NewWatcher(cfg)
	client := &Client{ID: "c1", SessionID: sessionID, SendChannel: make(chan string, 10), Done: make(chan bool)}
	w.mu.Lock()
	w.clients[sessionID] = []*Client{client}
	w.mu.Unlock()

	sw := &sessionWatcher{sessionID: sessionID, startTime: time.Now()}

	assert.NotPanics(t, func() {
		w.processStreamLine(sw, "not json at all")
		w.processStreamLine(sw, `[1,"o"]`)
	})

	select {
	case data := <-client.SendChannel:
		assert.Contains(t, data, `"type":"o"`)
		assert.Contains(t, data, `"text":"not json at all"`)
	case <-time.After(time.Second):
		t.Fatal("expected the non-JSON line to be wrapped and forwarded")
	}

	select {
	case data := <-client.SendChannel:
		assert.Contains(t, data, `"text":"[1,\"o\"]"`)
	case <-time.After(time.Second):
		t.Fatal("expected the short event array to be wrapped and forwarded")
	}
}

func TestBuildTextCastSnapshotZeroesTimestampsAndKeepsHeaderFirst(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()

	sessionID := "sess-snapshot"
	streamPath := filepath.Join(cfg.ControlDir, sessionID, "stream-out")
	writeStreamFile(t, streamPath,
		`{"version":2,"width":80,"height":24}`,
		`[1.234,"o","hello"]`,
		`[2.5,"r","100x40"]`,
	)

	w := NewWatcher(cfg)
	data, err := w.BuildTextCastSnapshot(sessionID)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"version":2`)
	assert.Contains(t, lines[1], `"timestamp":0`)
	assert.Contains(t, lines[1], `"text":"hello"`)
	assert.Contains(t, lines[2], `"timestamp":0`)
	assert.Contains(t, lines[2], `"size":"100x40"`)
}

func TestBuildTextCastSnapshotSynthesizesHeaderWhenAbsent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()
	cfg.DefaultCols = 120
	cfg.DefaultRows = 40

	sessionID := "sess-snapshot-no-header"
	streamPath := filepath.Join(cfg.ControlDir, sessionID, "stream-out")
	writeStreamFile(t, streamPath, `[1.0,"o","hi"]`)

	w := NewWatcher(cfg)
	data, err := w.BuildTextCastSnapshot(sessionID)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"version":2`)
	assert.Contains(t, lines[0], `"width":120`)
	assert.Contains(t, lines[0], `"height":40`)
	assert.Contains(t, lines[1], `"text":"hi"`)
}

func TestBuildTextCastSnapshotMissingSessionReturnsError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()

	w := NewWatcher(cfg)
	_, err := w.BuildTextCastSnapshot("no-such-session")
	assert.Error(t, err)
}
