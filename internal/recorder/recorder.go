// Package recorder writes run output as asciinema v2 recordings, so a
// script's output can be replayed with its original timing.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Default terminal size written to the header.
const (
	DefaultWidth  = 80
	DefaultHeight = 24
)

// Header is the first line of an asciinema v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one recorded line: [time_offset, event_type, data].
type Event struct {
	TimeOffset float64
	EventType  string // "o" for output
	Data       string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.TimeOffset, e.EventType, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.TimeOffset); err != nil {
		return fmt.Errorf("invalid time offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.EventType); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Data); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	return nil
}

// Recorder appends output fragments to a recording.
type Recorder struct {
	writer    io.Writer
	file      *os.File // set only when the recorder owns the file
	startTime time.Time
	now       func() time.Time
	mu        sync.Mutex
}

// Create opens path for a new recording and writes its header.
func Create(path, title string) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r := New(file)
	r.file = file
	if err := r.WriteHeader(title); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// New returns a recorder writing to w. The caller writes the header.
func New(w io.Writer) *Recorder {
	return &Recorder{
		writer:    w,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// WriteHeader writes the recording header. Call it once, first.
func (r *Recorder) WriteHeader(title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := Header{
		Version:   2,
		Width:     DefaultWidth,
		Height:    DefaultHeight,
		Timestamp: r.startTime.Unix(),
		Title:     title,
	}
	return r.writeLineLocked(header)
}

// Output records one output fragment.
func (r *Recorder) Output(fragment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.writeLineLocked(Event{
		TimeOffset: r.now().Sub(r.startTime).Seconds(),
		EventType:  "o",
		Data:       fragment,
	})
}

func (r *Recorder) writeLineLocked(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal recording line: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write recording line: %w", err)
	}
	return nil
}

// Close closes the file if the recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// StartTime returns when the recording started.
func (r *Recorder) StartTime() time.Time {
	return r.startTime
}

// Read parses a recording.
func Read(rd io.Reader) (Header, []Event, error) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var header Header
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return header, nil, err
		}
		return header, nil, io.ErrUnexpectedEOF
	}
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return header, nil, fmt.Errorf("invalid header: %w", err)
	}
	if header.Version != 2 {
		return header, nil, fmt.Errorf("unsupported recording version %d", header.Version)
	}

	var events []Event
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return header, events, fmt.Errorf("invalid event on line %d: %w", len(events)+2, err)
		}
		events = append(events, e)
	}
	return header, events, scanner.Err()
}
