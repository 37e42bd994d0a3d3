package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vibetunnel/vibetunnel-server/pkg/cast"
	"github.com/vibetunnel/vibetunnel-server/pkg/config"
)

// Client represents a connected SSE client
type Client struct {
	ID          string
	SessionID   string
	SendChannel chan string
	Done        chan bool
}

// Watcher watches stream files and sends events to clients
type Watcher struct {
	config   *config.Config
	clients  map[string][]*Client // sessionID -> clients
	watchers map[string]*sessionWatcher
	mu       sync.RWMutex
}

// sessionWatcher watches a single session's stream file
type sessionWatcher struct {
	sessionID  string
	streamPath string
	watcher    *fsnotify.Watcher
	file       *os.File
	offset     int64
	clients    []*Client
	done       chan bool

	// startTime is t0(stream): the moment live tailing began. Every
	// event forwarded through processStreamLine is rebased to
	// time.Since(startTime) rather than the writer's own elapsed-time
	// clock, per §4.6 point 3.
	startTime time.Time
	// headerSent suppresses re-emitting the cast header if it is
	// encountered again mid-tail (§4.6 point 4).
	headerSent bool
}

// NewWatcher creates a new stream watcher
func NewWatcher(cfg *config.Config) *Watcher {
	return &Watcher{
		config:   cfg,
		clients:  make(map[string][]*Client),
		watchers: make(map[string]*sessionWatcher),
	}
}

// AddClient adds a new SSE client for a session
func (w *Watcher) AddClient(sessionID string, client *Client) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Add client to list
	w.clients[sessionID] = append(w.clients[sessionID], client)

	// Start watcher if not already running
	if _, exists := w.watchers[sessionID]; !exists {
		streamPath := filepath.Join(w.config.ControlDir, sessionID, "stream-out")
		if err := w.startSessionWatcher(sessionID, streamPath); err != nil {
			// Remove client on error
			w.removeClientLocked(sessionID, client.ID)
			return err
		}
	}

	// Send existing content to new client
	go w.sendExistingContent(sessionID, client)

	return nil
}

// RemoveClient removes an SSE client
func (w *Watcher) RemoveClient(sessionID, clientID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.removeClientLocked(sessionID, clientID)
}

// removeClientLocked removes a client (must be called with lock held)
func (w *Watcher) removeClientLocked(sessionID, clientID string) {
	clients := w.clients[sessionID]
	for i, c := range clients {
		if c.ID == clientID {
			close(c.Done)
			w.clients[sessionID] = append(clients[:i], clients[i+1:]...)
			break
		}
	}

	// Stop watcher if no more clients
	if len(w.clients[sessionID]) == 0 {
		delete(w.clients, sessionID)
		if sw, exists := w.watchers[sessionID]; exists {
			close(sw.done)
			if sw.watcher != nil {
				sw.watcher.Close()
			}
			if sw.file != nil {
				sw.file.Close()
			}
			delete(w.watchers, sessionID)
		}
	}
}

// startSessionWatcher starts watching a session's stream file
func (w *Watcher) startSessionWatcher(sessionID, streamPath string) error {
	// Open stream file
	file, err := os.Open(streamPath)
	if err != nil {
		return fmt.Errorf("failed to open stream file: %v", err)
	}

	// Create file watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to create watcher: %v", err)
	}

	// Add stream file to watcher
	if err := watcher.Add(streamPath); err != nil {
		watcher.Close()
		file.Close()
		return fmt.Errorf("failed to watch stream file: %v", err)
	}

	sw := &sessionWatcher{
		sessionID:  sessionID,
		streamPath: streamPath,
		watcher:    watcher,
		file:       file,
		offset:     0,
		done:       make(chan bool),
		startTime:  time.Now(),
	}

	w.watchers[sessionID] = sw

	// Start watcher goroutine
	go w.watchSession(sw)

	return nil
}

// watchSession watches a session's stream file for changes
func (w *Watcher) watchSession(sw *sessionWatcher) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				w.readNewContent(sw)
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Stream watcher error for session %s: %v", sw.sessionID, err)

		case <-ticker.C:
			// Send heartbeat to all clients
			w.sendToClients(sw.sessionID, ":heartbeat\n\n")

		case <-sw.done:
			return
		}
	}
}

// readNewContent reads new content from the stream file
func (w *Watcher) readNewContent(sw *sessionWatcher) {
	sw.file.Seek(sw.offset, 0)
	reader := bufio.NewReader(sw.file)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				log.Printf("Error reading stream file: %v", err)
			}
			break
		}

		sw.offset += int64(len(line))
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Parse and send event
		w.processStreamLine(sw, line)
	}
}

// processStreamLine processes a newly-appended line from the stream
// file. This is the live-tail path: sw tracks a single shared read
// offset per session, so a header re-encountered mid-tail (e.g. after
// a file rewrite) is only forwarded once, per §4.6 point 4.
func (w *Watcher) processStreamLine(sw *sessionWatcher, line string) {
	var header map[string]interface{}
	if err := json.Unmarshal([]byte(line), &header); err == nil {
		if _, ok := header["version"]; ok {
			if sw.headerSent {
				return
			}
			sw.headerSent = true
			w.sendToClients(sw.sessionID, fmt.Sprintf("data: %s\n\n", line))
			return
		}
	}

	var event []interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil || len(event) < 3 {
		// Non-JSON line: wrap it as a synthetic output event rather
		// than dropping it, per §4.6 point 5.
		w.emitLiveEvent(sw, "o", line)
		return
	}

	kind, _ := event[1].(string)
	w.emitLiveEvent(sw, kind, event[2])
}

// emitLiveEvent rewrites an event's timestamp to now - t0(stream) (the
// moment this session's live tailing began) and forwards it, per §4.6
// point 3: subscribers see real-time pacing from the moment tailing
// started, not the writer's own elapsed-seconds clock.
func (w *Watcher) emitLiveEvent(sw *sessionWatcher, kind string, payload interface{}) {
	eventData := map[string]interface{}{
		"type":      kind,
		"timestamp": time.Since(sw.startTime).Seconds(),
	}

	switch kind {
	case "o", "i":
		eventData["text"] = payload
	case "r":
		eventData["size"] = payload
	case "m":
		eventData["marker"] = payload
	}

	data, _ := json.Marshal(eventData)
	w.sendToClients(sw.sessionID, fmt.Sprintf("data: %s\n\n", data))
}

// sendToClients sends data to all clients watching a session
func (w *Watcher) sendToClients(sessionID, data string) {
	w.mu.RLock()
	clients := w.clients[sessionID]
	w.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.SendChannel <- data:
		case <-client.Done:
			// Client disconnected
		default:
			// Channel full, skip
		}
	}
}

// sendExistingContent sends existing stream content to a new client:
// first the prior events with timestamps collapsed to 0 (point 1),
// then the header — the cast file's own if it had one, or a
// synthesized default otherwise (point 2) — per §4.6.
func (w *Watcher) sendExistingContent(sessionID string, client *Client) {
	w.mu.RLock()
	sw, exists := w.watchers[sessionID]
	w.mu.RUnlock()

	if !exists {
		return
	}

	// Read entire file from beginning
	file, err := os.Open(sw.streamPath)
	if err != nil {
		return
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var header map[string]interface{}
	first := true

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				log.Printf("Error reading existing content: %v", err)
			}
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if first {
			first = false
			var h map[string]interface{}
			if err := json.Unmarshal([]byte(line), &h); err == nil {
				if _, ok := h["version"]; ok {
					header = h
					continue
				}
			}
		}

		if !w.replayLine(client, line) {
			return
		}
	}

	headerLine, err := w.headerJSON(header)
	if err != nil {
		return
	}
	select {
	case client.SendChannel <- fmt.Sprintf("data: %s\n\n", headerLine):
	case <-client.Done:
	}
}

// replayLine sends one replayed event with its timestamp collapsed to
// 0: the client is watching history, not wall-clock-paced output, and
// the raw writer-relative seconds carry no meaning to a late joiner. A
// line that isn't a valid [time, kind, data] tuple is wrapped as a
// synthetic output event instead of being dropped, per §4.6 point 5.
// Returns false if the client disconnected mid-send.
func (w *Watcher) replayLine(client *Client, line string) bool {
	data := replayEventJSON(line)
	select {
	case client.SendChannel <- fmt.Sprintf("data: %s\n\n", data):
		return true
	case <-client.Done:
		return false
	}
}

// replayEventJSON re-encodes a cast event line with its timestamp
// collapsed to 0. A line that isn't a valid [time, kind, data] tuple
// is wrapped as a synthetic output event instead of being dropped, per
// §4.6 point 5. Shared by the SSE replay path and the text-cast
// snapshot builder, which both need the same "history, not wall-clock"
// treatment of a session's recorded output.
func replayEventJSON(line string) []byte {
	kind := "o"
	var payload interface{} = line

	var event []interface{}
	if err := json.Unmarshal([]byte(line), &event); err == nil && len(event) >= 3 {
		if k, ok := event[1].(string); ok {
			kind = k
		}
		payload = event[2]
	}

	eventData := map[string]interface{}{
		"type":      kind,
		"timestamp": 0,
	}
	switch kind {
	case "o", "i":
		eventData["text"] = payload
	case "r":
		eventData["size"] = payload
	case "m":
		eventData["marker"] = payload
	default:
		eventData["text"] = payload
	}

	data, _ := json.Marshal(eventData)
	return data
}

// BuildTextCastSnapshot returns a session's recorded output as
// newline-delimited cast events: the header first (the file's own, or
// a synthesized default if it had none), then every event with its
// timestamp collapsed to 0, per §6's text-cast snapshot format.
func (w *Watcher) BuildTextCastSnapshot(sessionID string) ([]byte, error) {
	streamPath := filepath.Join(w.config.ControlDir, sessionID, "stream-out")
	file, err := os.Open(streamPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream file: %v", err)
	}
	defer file.Close()

	var out bytes.Buffer
	reader := bufio.NewReader(file)
	var header map[string]interface{}
	var events []string
	first := true

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if first {
			first = false
			var h map[string]interface{}
			if err := json.Unmarshal([]byte(line), &h); err == nil {
				if _, ok := h["version"]; ok {
					header = h
					continue
				}
			}
		}
		events = append(events, line)
	}

	headerLine, err := w.headerJSON(header)
	if err != nil {
		return nil, err
	}
	out.WriteString(headerLine)
	out.WriteByte('\n')

	for _, line := range events {
		out.Write(replayEventJSON(line))
		out.WriteByte('\n')
	}

	return out.Bytes(), nil
}

// headerJSON returns the cast file's own header line re-marshaled, or
// a synthesized default header (§4.6 point 2) built from the server's
// configured default dimensions when the file carried none.
func (w *Watcher) headerJSON(header map[string]interface{}) (string, error) {
	if header != nil {
		data, err := json.Marshal(header)
		return string(data), err
	}
	data, err := json.Marshal(cast.Header{
		Version: 2,
		Width:   w.config.DefaultCols,
		Height:  w.config.DefaultRows,
	})
	return string(data), err
}