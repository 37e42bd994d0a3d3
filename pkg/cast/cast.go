// Package cast implements the asciinema v2 cast-file format (§4.2):
// a JSON header line followed by newline-delimited [time, kind, data]
// event lines, written by exactly one writer per session and tailed
// by any number of readers.
package cast

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventKind identifies the kind of a cast event line.
type EventKind string

const (
	// KindOutput carries PTY output bytes.
	KindOutput EventKind = "o"
	// KindInput carries input bytes sent to the PTY.
	KindInput EventKind = "i"
	// KindResize carries a "COLSxROWS" resize marker.
	KindResize EventKind = "r"
	// KindMarker carries an out-of-band marker, including this
	// implementation's synthetic "exit:<code>" marker written by
	// Writer.WriteExitMarker (see SPEC_FULL.md's open-question decisions).
	KindMarker EventKind = "m"
)

// Header is the first line of a cast file.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Env       map[string]string `json:"env,omitempty"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
}

// Event is one decoded [time, kind, data] line.
type Event struct {
	Time time.Duration
	Kind EventKind
	Data string
}

// Writer appends cast events to a file. It enforces the single-writer,
// monotonic-timestamp invariant of §4.2: Write callers must not race,
// and emitted timestamps never decrease.
type Writer struct {
	mu        sync.Mutex
	file      *os.File
	start     time.Time
	lastElaps float64
}

// NewWriter creates a cast file at path and writes its header line.
func NewWriter(path string, header Header) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create cast file: %w", err)
	}
	if header.Version == 0 {
		header.Version = 2
	}
	if header.Timestamp == 0 {
		header.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(header)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%s\n", data); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{file: f, start: time.Now()}, nil
}

// WriteEvent appends one event line, clamping its timestamp to be
// non-decreasing relative to the previous event per §4.2's monotonicity
// invariant.
func (w *Writer) WriteEvent(kind EventKind, data string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := time.Since(w.start).Seconds()
	if elapsed < w.lastElaps {
		elapsed = w.lastElaps
	}
	w.lastElaps = elapsed

	line, err := json.Marshal([]interface{}{elapsed, string(kind), data})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.file, "%s\n", line); err != nil {
		return err
	}
	return w.file.Sync()
}

// WriteExitMarker appends a synthetic "m" exit marker event, this
// implementation's representation of process termination within the
// cast stream (see DESIGN.md: "internal cast exit event" decision).
func (w *Writer) WriteExitMarker(exitCode int) error {
	return w.WriteEvent(KindMarker, fmt.Sprintf("exit:%d", exitCode))
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Reader tails a cast file from an arbitrary byte offset, yielding
// decoded header/events as they are appended. A partial trailing line
// (a crash mid-write, per §4.2) is tolerated and re-read on the next
// call once the rest of the line arrives.
type Reader struct {
	file       *os.File
	offset     int64
	HeaderSeen bool
	Header     Header
}

// OpenReader opens path for tailing, starting at offset 0.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f}, nil
}

// ReadNew reads any complete lines appended since the last call,
// invoking onEvent for each decoded event. The header line, if present
// in this batch, is parsed into r.Header and does not invoke onEvent.
func (r *Reader) ReadNew(onEvent func(Event)) error {
	if _, err := r.file.Seek(r.offset, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(r.file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				return err
			}
			break
		}
		r.offset += int64(len(line))

		if !r.HeaderSeen {
			var h Header
			if jsonErr := json.Unmarshal([]byte(line), &h); jsonErr == nil && h.Width > 0 {
				r.Header = h
				r.HeaderSeen = true
				continue
			}
		}

		var raw []interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil || len(raw) < 3 {
			continue
		}
		t, _ := raw[0].(float64)
		kind, _ := raw[1].(string)
		data, _ := raw[2].(string)
		onEvent(Event{Time: time.Duration(t * float64(time.Second)), Kind: EventKind(kind), Data: data})
	}

	return nil
}

// Offset returns the current read offset, usable as a resume point.
func (r *Reader) Offset() int64 { return r.offset }

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }
