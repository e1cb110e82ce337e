// Package audit records the relay server's admission, pairing, and control
// events for operator review. It never logs payloads: the server stores
// no plaintext or ciphertext at rest, so events carry device ids and
// outcomes only.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventType categorises an audit event along the taxonomy this relay
// actually produces: connection admission, pairing lifecycle, remote
// control handoffs, and protocol errors.
type EventType string

const (
	EventConnection   EventType = "connection"
	EventPairing      EventType = "pairing"
	EventControl      EventType = "control"
	EventProtocolError EventType = "protocol-error"
)

// Event is a single audit record.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	UserID    string                 `json:"userId,omitempty"`
	DeviceID  string                 `json:"deviceId,omitempty"`
	PeerID    string                 `json:"peerId,omitempty"`
	Action    string                 `json:"action"`
	Result    string                 `json:"result"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Logger writes audit events to an append-only JSON-lines file (or
// stdout), keeping a bounded in-memory ring buffer for the management
// endpoint to query without re-reading the file from disk.
type Logger struct {
	mu         sync.Mutex
	encoder    *json.Encoder
	file       *os.File
	buffer     []Event
	bufferSize int
}

// Config configures a Logger.
type Config struct {
	OutputPath string // "" or "stdout" writes to stdout
	BufferSize int    // in-memory ring buffer size, default 200
}

// New opens (creating if necessary) the audit log destination.
func New(cfg Config) (*Logger, error) {
	var output io.Writer
	var file *os.File

	if cfg.OutputPath == "" || cfg.OutputPath == "stdout" {
		output = os.Stdout
	} else {
		f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("audit: open log file: %w", err)
		}
		file = f
		output = f
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 200
	}

	return &Logger{
		encoder:    json.NewEncoder(output),
		file:       file,
		buffer:     make([]Event, 0, cfg.BufferSize),
		bufferSize: cfg.BufferSize,
	}, nil
}

// Log records an event, stamping its timestamp.
func (l *Logger) Log(event Event) error {
	event.Timestamp = time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	l.buffer = append(l.buffer, event)
	if len(l.buffer) > l.bufferSize {
		l.buffer = l.buffer[1:]
	}
	return nil
}

// Connection logs a device admission/displacement/close event.
func (l *Logger) Connection(userID, deviceID, action, result string) {
	_ = l.Log(Event{Type: EventConnection, UserID: userID, DeviceID: deviceID, Action: action, Result: result})
}

// Pairing logs a register/claim/revoke pairing event.
func (l *Logger) Pairing(userID, deviceID, peerID, action, result string) {
	_ = l.Log(Event{Type: EventPairing, UserID: userID, DeviceID: deviceID, PeerID: peerID, Action: action, Result: result})
}

// Control logs a remote-control request/ack/revoke event.
func (l *Logger) Control(userID, deviceID, peerID, action, result string) {
	_ = l.Log(Event{Type: EventControl, UserID: userID, DeviceID: deviceID, PeerID: peerID, Action: action, Result: result})
}

// ProtocolError logs a malformed-frame or invariant-violation event.
func (l *Logger) ProtocolError(userID, deviceID, action, message string) {
	_ = l.Log(Event{Type: EventProtocolError, UserID: userID, DeviceID: deviceID, Action: action, Result: "rejected", Message: message})
}

// Recent returns up to count of the most recently logged events.
func (l *Logger) Recent(count int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count > len(l.buffer) || count <= 0 {
		count = len(l.buffer)
	}
	out := make([]Event, count)
	copy(out, l.buffer[len(l.buffer)-count:])
	return out
}

// Close releases the underlying file handle, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
