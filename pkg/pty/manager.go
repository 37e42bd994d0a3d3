// Package pty manages the lifecycle of PTY sessions (§4.1/§4.2): spawning
// shells under a pseudo-terminal, recording their output as an asciinema
// cast file, and relaying resize/input/kill control back to them.
package pty

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/vibetunnel/vibetunnel-server/pkg/cast"
	"github.com/vibetunnel/vibetunnel-server/pkg/config"
)

// defaultKillGraceDeadline is how long a SIGTERM'd session is given to
// exit before KillSession escalates to SIGKILL, per §4.1, when the
// configuration doesn't override it.
const defaultKillGraceDeadline = 3 * time.Second

// SessionInfo holds information about a PTY session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Command     string    `json:"command"`
	CommandLine []string  `json:"cmdline"`
	WorkingDir  string    `json:"workingDir"`
	CWD         string    `json:"cwd"`
	Name        string    `json:"name"`
	Status      string    `json:"status"` // starting, running, exited
	ExitCode    int       `json:"exitCode,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	StartedAtTS string    `json:"started_at"`
	PID         int       `json:"pid,omitempty"`
	Cols        int       `json:"cols"`
	Rows        int       `json:"rows"`
	Term        string    `json:"term"`
	SpawnType   string    `json:"spawn_type,omitempty"`
	IsSpawned   bool      `json:"-"`
	ControlPath string    `json:"controlPath,omitempty"`
}

// Manager manages PTY sessions.
type Manager struct {
	config   *config.Config
	sessions map[string]*session
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// session represents an active PTY session.
type session struct {
	info         *SessionInfo
	pty          *os.File
	cmd          *exec.Cmd
	writer       *cast.Writer
	stdinWatcher *fsnotify.Watcher
	controlPipe  *os.File
	mu           sync.Mutex
	onExit       func(code int)
	onData       func(data []byte)
	killed       chan struct{}
	killedOnce   sync.Once
}

// NewManager creates a new PTY manager.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		config:   cfg,
		sessions: make(map[string]*session),
	}
}

// killDeadline returns the configured PTY kill grace period, falling
// back to defaultKillGraceDeadline when unset.
func (m *Manager) killDeadline() time.Duration {
	if m.config != nil && m.config.PTYKillDeadline > 0 {
		return m.config.PTYKillDeadline
	}
	return defaultKillGraceDeadline
}

// CreateSessionOptions holds options for creating a session.
type CreateSessionOptions struct {
	Name       string
	WorkingDir string
	Cols       int
	Rows       int
	Term       string
	OnExit     func(code int)
	OnData     func(data []byte)
}

// CreateSession creates a new PTY session.
func (m *Manager) CreateSession(command []string, opts CreateSessionOptions) (*SessionInfo, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("command cannot be empty")
	}

	sessionID := uuid.New().String()
	sessionDir := filepath.Join(m.config.ControlDir, sessionID)

	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %v", err)
	}

	if opts.Cols == 0 {
		opts.Cols = m.config.DefaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = m.config.DefaultRows
	}
	if opts.Term == "" {
		opts.Term = m.config.DefaultTerm
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir, _ = os.Getwd()
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(command[0])
	}

	info := &SessionInfo{
		ID:          sessionID,
		Command:     shellQuoteCommand(command),
		CommandLine: command,
		WorkingDir:  opts.WorkingDir,
		CWD:         opts.WorkingDir,
		Name:        opts.Name,
		Status:      "starting",
		StartedAt:   time.Now(),
		StartedAtTS: time.Now().Format(time.RFC3339),
		Cols:        opts.Cols,
		Rows:        opts.Rows,
		Term:        opts.Term,
		SpawnType:   "pty",
		IsSpawned:   true,
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), fmt.Sprintf("TERM=%s", opts.Term))

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(opts.Rows),
		Cols: uint16(opts.Cols),
	})
	if err != nil {
		os.RemoveAll(sessionDir)
		return nil, fmt.Errorf("failed to start pty: %v", err)
	}

	disablePTYEcho(ptmx)

	streamPath := filepath.Join(sessionDir, "stream-out")
	writer, err := cast.NewWriter(streamPath, cast.Header{
		Version:   2,
		Width:     opts.Cols,
		Height:    opts.Rows,
		Timestamp: info.StartedAt.Unix(),
		Env:       map[string]string{"TERM": opts.Term},
		Command:   info.Command,
	})
	if err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		os.RemoveAll(sessionDir)
		return nil, fmt.Errorf("failed to create stream file: %v", err)
	}

	sess := &session{
		info:   info,
		pty:    ptmx,
		cmd:    cmd,
		writer: writer,
		onExit: opts.OnExit,
		onData: opts.OnData,
		killed: make(chan struct{}),
	}

	if cmd.Process != nil {
		info.PID = cmd.Process.Pid
		info.Status = "running"
	}

	if err := m.saveSessionInfo(info); err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		writer.Close()
		os.RemoveAll(sessionDir)
		return nil, fmt.Errorf("failed to save session info: %v", err)
	}

	stdinPath := filepath.Join(sessionDir, "stdin")
	if err := m.createStdinPipe(stdinPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create stdin pipe: %v\n", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	m.wg.Add(1)
	go m.handlePTYOutput(sess)

	m.wg.Add(1)
	go m.handleProcessExit(sess)

	if err := m.startStdinWatcher(sess, stdinPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to start stdin watcher: %v\n", err)
	}

	controlPath := filepath.Join(sessionDir, "control")
	if err := m.startControlPipeListener(sess, controlPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to start control pipe: %v\n", err)
	}

	return info, nil
}

// disablePTYEcho clears ECHO on the PTY master side so that locally
// typed input isn't double-rendered by both the client and the shell,
// mirroring the approach taken for raw-mode terminal attach.
func disablePTYEcho(f *os.File) {
	fd := int(f.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return
	}
	termios.Lflag &^= unix.ECHO
	_ = unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}

// handlePTYOutput copies PTY output into the session's cast stream.
func (m *Manager) handlePTYOutput(sess *session) {
	defer m.wg.Done()

	buffer := make([]byte, 4096)

	for {
		n, err := sess.pty.Read(buffer)
		if n > 0 {
			data := buffer[:n]

			sess.mu.Lock()
			if sess.writer != nil {
				_ = sess.writer.WriteEvent(cast.KindOutput, string(data))
			}
			sess.mu.Unlock()

			if sess.onData != nil {
				sess.onData(data)
			}
		}
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "PTY read error: %v\n", err)
			}
			break
		}
	}
}

// handleProcessExit waits for the process to exit and updates session info.
func (m *Manager) handleProcessExit(sess *session) {
	defer m.wg.Done()

	err := sess.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = status.ExitStatus()
			}
		}
	}

	sess.info.Status = "exited"
	sess.info.ExitCode = exitCode
	m.saveSessionInfo(sess.info)

	sess.mu.Lock()
	if sess.writer != nil {
		_ = sess.writer.WriteExitMarker(exitCode)
		sess.writer.Close()
		sess.writer = nil
	}
	sess.mu.Unlock()

	sess.pty.Close()
	sess.killedOnce.Do(func() { close(sess.killed) })

	if sess.onExit != nil {
		sess.onExit(exitCode)
	}

	m.mu.Lock()
	delete(m.sessions, sess.info.ID)
	m.mu.Unlock()
}

// SendInput sends input to a session.
func (m *Manager) SendInput(sessionID string, input string) error {
	m.mu.RLock()
	sess, exists := m.sessions[sessionID]
	m.mu.RUnlock()

	if exists && sess.info.IsSpawned {
		_, err := sess.pty.Write([]byte(input))
		return err
	}

	sessionDir := filepath.Join(m.config.ControlDir, sessionID)
	stdinPath := filepath.Join(sessionDir, "stdin")

	if _, err := os.Stat(filepath.Join(sessionDir, "session.json")); err != nil {
		return fmt.Errorf("session not found")
	}

	fd, err := syscall.Open(stdinPath, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return os.WriteFile(stdinPath, []byte(input), 0644)
	}
	defer syscall.Close(fd)

	_, err = syscall.Write(fd, []byte(input))
	return err
}

// ResizeSession resizes a session's terminal.
func (m *Manager) ResizeSession(sessionID string, cols, rows int) error {
	if cols < 1 || cols > 1000 || rows < 1 || rows > 1000 {
		return fmt.Errorf("invalid dimensions: %dx%d", cols, rows)
	}

	m.mu.RLock()
	sess, exists := m.sessions[sessionID]
	m.mu.RUnlock()

	if exists && sess.info.IsSpawned {
		if err := pty.Setsize(sess.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
			return err
		}
		sess.mu.Lock()
		if sess.writer != nil {
			_ = sess.writer.WriteEvent(cast.KindResize, fmt.Sprintf("%dx%d", cols, rows))
		}
		sess.info.Cols, sess.info.Rows = cols, rows
		sess.mu.Unlock()
		m.saveSessionInfo(sess.info)
		return nil
	}

	sessionDir := filepath.Join(m.config.ControlDir, sessionID)
	controlPath := filepath.Join(sessionDir, "control")

	if _, err := os.Stat(controlPath); err != nil {
		info, err := m.loadSessionInfo(sessionID)
		if err != nil {
			return err
		}
		if info.PID > 0 {
			return syscall.Kill(info.PID, syscall.SIGWINCH)
		}
		return fmt.Errorf("no control pipe and no PID")
	}

	cmd := map[string]interface{}{"cmd": "resize", "cols": cols, "rows": rows}
	cmdJSON, _ := json.Marshal(cmd)

	return os.WriteFile(controlPath, cmdJSON, 0644)
}

// KillSession kills a session, escalating from SIGTERM to SIGKILL after
// the configured kill grace deadline (§4.1).
func (m *Manager) KillSession(sessionID string) error {
	m.mu.RLock()
	sess, exists := m.sessions[sessionID]
	m.mu.RUnlock()

	if exists && sess.info.IsSpawned {
		if err := sess.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return err
		}

		timer := time.NewTimer(m.killDeadline())
		defer timer.Stop()

		select {
		case <-sess.killed:
			return nil
		case <-timer.C:
			sess.cmd.Process.Kill()
			return nil
		}
	}

	sessionDir := filepath.Join(m.config.ControlDir, sessionID)
	controlPath := filepath.Join(sessionDir, "control")

	if _, err := os.Stat(controlPath); err == nil {
		cmd := map[string]interface{}{"cmd": "kill", "signal": "SIGTERM"}
		cmdJSON, _ := json.Marshal(cmd)
		if err := os.WriteFile(controlPath, cmdJSON, 0644); err == nil {
			time.Sleep(100 * time.Millisecond)
		}
	}

	info, err := m.loadSessionInfo(sessionID)
	if err != nil {
		return err
	}

	if info.PID > 0 && m.isProcessAlive(info.PID) {
		if err := syscall.Kill(info.PID, syscall.SIGTERM); err != nil {
			return err
		}

		deadline := time.Now().Add(m.killDeadline())
		for time.Now().Before(deadline) {
			if !m.isProcessAlive(info.PID) {
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}

		return syscall.Kill(info.PID, syscall.SIGKILL)
	}

	return nil
}

// Cleanup cleans up session files.
func (m *Manager) Cleanup(sessionID string) error {
	sessionDir := filepath.Join(m.config.ControlDir, sessionID)
	return os.RemoveAll(sessionDir)
}

// GetSession returns session info.
func (m *Manager) GetSession(sessionID string) (*SessionInfo, error) {
	m.mu.RLock()
	if sess, exists := m.sessions[sessionID]; exists {
		m.mu.RUnlock()
		return sess.info, nil
	}
	m.mu.RUnlock()

	return m.loadSessionInfo(sessionID)
}

func (m *Manager) saveSessionInfo(info *SessionInfo) error {
	sessionDir := filepath.Join(m.config.ControlDir, info.ID)
	infoPath := filepath.Join(sessionDir, "session.json")
	tempPath := infoPath + ".tmp"

	tsFormat := map[string]interface{}{
		"cmdline":    info.CommandLine,
		"name":       info.Name,
		"cwd":        info.WorkingDir,
		"status":     info.Status,
		"started_at": info.StartedAt.Format(time.RFC3339),
		"term":       info.Term,
		"spawn_type": "pty",
		"pid":        info.PID,
	}

	if info.Status == "exited" {
		tsFormat["exit_code"] = info.ExitCode
	}
	if info.ControlPath != "" {
		tsFormat["control_path"] = info.ControlPath
	}

	data, err := json.MarshalIndent(tsFormat, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, infoPath)
}

func (m *Manager) loadSessionInfo(sessionID string) (*SessionInfo, error) {
	sessionDir := filepath.Join(m.config.ControlDir, sessionID)
	infoPath := filepath.Join(sessionDir, "session.json")

	data, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, err
	}

	var info SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	info.ID = sessionID

	if len(info.CommandLine) > 0 {
		info.Command = shellQuoteCommand(info.CommandLine)
	}
	if info.CWD != "" {
		info.WorkingDir = info.CWD
	}
	if info.StartedAtTS != "" {
		if t, err := time.Parse(time.RFC3339, info.StartedAtTS); err == nil {
			info.StartedAt = t
		}
	}

	info.IsSpawned = (info.SpawnType == "pty")

	return &info, nil
}

func (m *Manager) createStdinPipe(path string) error {
	return syscall.Mkfifo(path, 0600)
}

func (m *Manager) startStdinWatcher(sess *session, stdinPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	sess.stdinWatcher = watcher

	if err := watcher.Add(stdinPath); err != nil {
		watcher.Close()
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					data, err := os.ReadFile(stdinPath)
					if err == nil && len(data) > 0 {
						sess.pty.Write(data)
						sess.mu.Lock()
						if sess.writer != nil {
							_ = sess.writer.WriteEvent(cast.KindInput, string(data))
						}
						sess.mu.Unlock()
						os.Truncate(stdinPath, 0)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "Stdin watcher error: %v\n", err)
			}
		}
	}()

	return nil
}

func (m *Manager) isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func shellQuoteCommand(command []string) string {
	if len(command) == 0 {
		return ""
	}
	quoted := make([]string, len(command))
	for i, arg := range command {
		if strings.ContainsAny(arg, " \t") {
			arg = `"` + arg + `"`
		}
		quoted[i] = arg
	}
	return strings.Join(quoted, " ")
}
