// Package terminal implements the server-side VT/ANSI parser, screen
// buffer, and binary snapshot encoder (§4.1, §4.5): it tails a
// session's cast file, feeds output bytes through a Screen, and
// produces compact binary snapshots on demand.
package terminal

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/vibetunnel/vibetunnel-server/pkg/config"
)

// Terminal binds a Screen to a session's on-disk cast stream.
type Terminal struct {
	SessionID  string
	screen     *Screen
	LastUpdate time.Time
	watcher    *fsnotify.Watcher
	streamFile *os.File
	offset     int64
	headerSeen bool
}

// Manager owns one Terminal per actively-viewed session, tailing its
// cast file and fanning out debounced change notifications to
// subscribers (SSE/WebSocket streamers).
type Manager struct {
	config *config.Config
	log    *zap.Logger

	mu        sync.RWMutex
	terminals map[string]*Terminal

	subMu       sync.RWMutex
	subscribers map[string]map[int]func(string)
	nextSubID   int

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

// NewManager creates a new terminal manager.
func NewManager(cfg *config.Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		config:         cfg,
		log:            log,
		terminals:      make(map[string]*Terminal),
		subscribers:    make(map[string]map[int]func(string)),
		debounceTimers: make(map[string]*time.Timer),
	}
}

// GetOrCreateTerminal gets or creates a terminal for a session.
func (m *Manager) GetOrCreateTerminal(sessionID string) (*Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if term, exists := m.terminals[sessionID]; exists {
		return term, nil
	}

	term := &Terminal{
		SessionID:  sessionID,
		screen:     NewScreen(m.config.DefaultCols, m.config.DefaultRows),
		LastUpdate: time.Now(),
	}

	streamPath := filepath.Join(m.config.ControlDir, sessionID, "stream-out")
	if err := m.startWatchingStream(term, streamPath); err != nil {
		return nil, err
	}

	m.terminals[sessionID] = term
	return term, nil
}

// GetBufferSnapshot returns a binary-encoded snapshot of the terminal
// buffer for a session, per §4.5.
func (m *Manager) GetBufferSnapshot(sessionID string) ([]byte, error) {
	term, err := m.GetOrCreateTerminal(sessionID)
	if err != nil {
		return nil, err
	}
	return EncodeSnapshot(term.screen.Snapshot()), nil
}

func (m *Manager) startWatchingStream(term *Terminal, streamPath string) error {
	file, err := os.Open(streamPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	term.streamFile = file

	if err := m.readStreamFile(term); err != nil {
		file.Close()
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		file.Close()
		return err
	}
	term.watcher = watcher

	if err := watcher.Add(streamPath); err != nil {
		watcher.Close()
		file.Close()
		return err
	}

	go m.watchStream(term)

	return nil
}

func (m *Manager) watchStream(term *Terminal) {
	for {
		select {
		case event, ok := <-term.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := m.readStreamFile(term); err != nil {
					m.log.Warn("read stream file", zap.String("session", term.SessionID), zap.Error(err))
				}
			}
		case err, ok := <-term.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("stream watcher error", zap.String("session", term.SessionID), zap.Error(err))
		}
	}
}

func (m *Manager) readStreamFile(term *Terminal) error {
	if term.streamFile == nil {
		return nil
	}

	if _, err := term.streamFile.Seek(term.offset, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(term.streamFile)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				return err
			}
			// A partial last line (possible crash mid-write, §4.2) is
			// tolerated and skipped until more bytes arrive.
			break
		}

		term.offset += int64(len(line))
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !term.headerSeen {
			var header map[string]interface{}
			if err := json.Unmarshal([]byte(line), &header); err == nil {
				if _, isArray := header["width"]; isArray {
					term.headerSeen = true
					if width, ok := header["width"].(float64); ok {
						if height, ok := header["height"].(float64); ok {
							term.screen.Resize(int(width), int(height))
						}
					}
					continue
				}
			}
		}

		var event []interface{}
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if len(event) < 3 {
			continue
		}
		eventType, ok := event[1].(string)
		if !ok {
			continue
		}

		switch eventType {
		case "o":
			if data, ok := event[2].(string); ok {
				term.screen.Write([]byte(data))
				term.LastUpdate = time.Now()
			}
		case "r":
			if data, ok := event[2].(string); ok {
				m.processResize(term, data)
			}
		}
	}

	m.scheduleBufferChangeNotification(term.SessionID)
	return nil
}

func (m *Manager) processResize(term *Terminal, data string) {
	parts := strings.Split(data, "x")
	if len(parts) != 2 {
		return
	}
	cols, err1 := strconv.Atoi(parts[0])
	rows, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return
	}
	term.screen.Resize(cols, rows)
}

// Subscribe registers callback to be invoked (debounced, every 50ms at
// most) whenever sessionID's buffer changes. It returns an unsubscribe
// function.
func (m *Manager) Subscribe(sessionID string, callback func(string)) func() {
	m.subMu.Lock()
	if m.subscribers[sessionID] == nil {
		m.subscribers[sessionID] = make(map[int]func(string))
	}
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[sessionID][id] = callback
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		if subs, ok := m.subscribers[sessionID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.subscribers, sessionID)
			}
		}
		remaining := len(m.subscribers[sessionID])
		m.subMu.Unlock()

		if remaining == 0 {
			m.mu.Lock()
			if term, exists := m.terminals[sessionID]; exists {
				if term.watcher != nil {
					term.watcher.Close()
				}
				if term.streamFile != nil {
					term.streamFile.Close()
				}
				delete(m.terminals, sessionID)
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) scheduleBufferChangeNotification(sessionID string) {
	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()

	if timer, exists := m.debounceTimers[sessionID]; exists {
		timer.Stop()
	}

	m.debounceTimers[sessionID] = time.AfterFunc(50*time.Millisecond, func() {
		m.notifyBufferChange(sessionID)
		m.debounceMu.Lock()
		delete(m.debounceTimers, sessionID)
		m.debounceMu.Unlock()
	})
}

func (m *Manager) notifyBufferChange(sessionID string) {
	m.subMu.RLock()
	callbacks := make([]func(string), 0, len(m.subscribers[sessionID]))
	for _, cb := range m.subscribers[sessionID] {
		callbacks = append(callbacks, cb)
	}
	m.subMu.RUnlock()

	for _, callback := range callbacks {
		callback(sessionID)
	}
}

// CleanupIdleSessions removes idle terminal sessions, per the
// SessionIdleTimeout configured.
func (m *Manager) CleanupIdleSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.config.SessionIdleTimeout)

	for sessionID, term := range m.terminals {
		if term.LastUpdate.Before(cutoff) {
			if term.watcher != nil {
				term.watcher.Close()
			}
			if term.streamFile != nil {
				term.streamFile.Close()
			}
			delete(m.terminals, sessionID)
			m.log.Info("cleaned up idle terminal session", zap.String("session", sessionID))
		}
	}
}
