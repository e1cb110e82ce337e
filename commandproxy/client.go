package commandproxy

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// commandTimeout is the response budget for a command RPC: one that
// gets no response within this window is abandoned and the caller sees
// a timeout error. A var, not a const, so tests can shrink it.
var commandTimeout = 15 * time.Second

type pendingCall struct {
	result chan commandFrame
}

// RequestClient is the mobile-side command issuer: it assigns request
// ids, correlates `response` frames back to the caller that is blocked
// in Call, and forwards unsolicited `event` frames to an installed
// callback.
type RequestClient struct {
	sender Sender
	target string // desktop deviceId this client talks to
	onEvent func(channel string, data interface{})

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// NewRequestClient builds a RequestClient. sender and targetDesktopID
// may be supplied later with SetSender/SetTarget once the paired
// desktop's identity and transport are known. onEvent may be nil if the
// caller only issues requests and never expects streaming events.
func NewRequestClient(sender Sender, targetDesktopID string, onEvent func(channel string, data interface{})) *RequestClient {
	return &RequestClient{
		sender:  sender,
		target:  targetDesktopID,
		onEvent: onEvent,
		pending: make(map[string]*pendingCall),
	}
}

// SetSender installs or replaces the transport used to issue commands.
func (c *RequestClient) SetSender(sender Sender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// SetTarget changes which desktop deviceId Call addresses; used once a
// pairing claim completes and the desktop's id becomes known.
func (c *RequestClient) SetTarget(desktopDeviceID string) {
	c.mu.Lock()
	c.target = desktopDeviceID
	c.mu.Unlock()
}

// Call issues a command on channel and blocks until the matching
// response arrives or commandTimeout elapses.
func (c *RequestClient) Call(channel string, args []interface{}) (interface{}, error) {
	id, err := newRequestID()
	if err != nil {
		return nil, fmt.Errorf("commandproxy: generate request id: %w", err)
	}

	call := &pendingCall{result: make(chan commandFrame, 1)}
	c.mu.Lock()
	c.pending[id] = call
	sender := c.sender
	target := c.target
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if sender == nil {
		return nil, errors.New("commandproxy: no sender installed")
	}

	data, err := json.Marshal(commandFrame{Type: "command", ID: id, Channel: channel, Args: args})
	if err != nil {
		return nil, fmt.Errorf("commandproxy: encode command: %w", err)
	}
	if err := sender.SendEncrypted(target, data); err != nil {
		return nil, fmt.Errorf("commandproxy: send command: %w", err)
	}

	select {
	case resp := <-call.result:
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Result, nil
	case <-time.After(commandTimeout):
		return nil, fmt.Errorf("commandproxy: %q timed out after %s", channel, commandTimeout)
	}
}

// HandleInbound decodes a plaintext relay payload from the desktop and
// routes `response` frames to the waiting Call, or `event` frames to
// onEvent. It is wired as the mobile RelayClient's OnRelay callback.
func (c *RequestClient) HandleInbound(from string, plaintext []byte) {
	var frame commandFrame
	if err := json.Unmarshal(plaintext, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "response":
		c.mu.Lock()
		call, ok := c.pending[frame.ID]
		c.mu.Unlock()
		if ok {
			call.result <- frame
		}
	case "event":
		if c.onEvent != nil {
			c.onEvent(frame.Channel, frame.Data)
		}
	}
}

func newRequestID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
