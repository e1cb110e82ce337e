// Package commandproxy implements the desktop-side dispatcher that lets a
// paired mobile drive a bounded set of local operations without touching
// local resources directly. It operates entirely on the plaintext JSON
// carried inside a relay frame's decrypted payload; it never sees the
// wire-level pairing or relay framing itself.
package commandproxy

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Sender is the subset of *relayclient.RelayClient the proxy needs to
// talk back to a mobile peer.
type Sender interface {
	SendEncrypted(peerID string, plaintext []byte) error
}

// HandlerFunc answers one command channel. from is the requesting
// mobile's deviceId, in case the handler needs it (e.g. to scope a
// spawned session to its caller). A returned error becomes the
// response's `error` field; the exact string is sent to the mobile, so
// handlers should keep it free of local paths or secrets.
type HandlerFunc func(from string, args []interface{}) (interface{}, error)

// channelWhitelist is the fixed set of channel names CommandProxy will
// dispatch. Anything else is rejected before a handler lookup even
// happens.
var channelWhitelist = map[string]bool{
	"claude:spawn":     true,
	"claude:send":      true,
	"claude:kill":      true,
	"session:list":     true,
	"session:messages": true,
	"vcs:status":       true,
	"fs:search":        true,
	"app:info":         true,
}

// errChannelNotAllowed is sent verbatim as the response's error string.
const errChannelNotAllowed = "Channel not allowed"

type commandFrame struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	Channel string        `json:"channel,omitempty"`
	Args    []interface{} `json:"args,omitempty"`
	Result  interface{}   `json:"result,omitempty"`
	Error   string        `json:"error,omitempty"`
	Data    interface{}   `json:"data,omitempty"`
}

// Proxy is the desktop-side command registry and dispatcher. It is wired
// as the desktop RelayClient's OnRelay callback (via HandleInbound).
type Proxy struct {
	sender   Sender
	handlers map[string]HandlerFunc

	mu        sync.Mutex
	pidOwners map[string]string // spawned session/process id -> owning mobile deviceId
}

// New builds an empty Proxy. sender may be nil if it is not yet known
// (e.g. the owning RelayClient is constructed after the Proxy so its
// callbacks can reference it); call SetSender once it is. Handlers are
// added with Register.
func New(sender Sender) *Proxy {
	return &Proxy{
		sender:    sender,
		handlers:  make(map[string]HandlerFunc),
		pidOwners: make(map[string]string),
	}
}

// SetSender installs or replaces the transport a Proxy sends responses
// and events through.
func (p *Proxy) SetSender(sender Sender) {
	p.mu.Lock()
	p.sender = sender
	p.mu.Unlock()
}

// Register binds a handler to a whitelisted channel. It panics if
// channel is not in the whitelist: that is a programming error, not a
// runtime condition, since the whitelist is fixed at compile time.
func (p *Proxy) Register(channel string, handler HandlerFunc) {
	if !channelWhitelist[channel] {
		panic(fmt.Sprintf("commandproxy: %q is not a whitelisted channel", channel))
	}
	p.handlers[channel] = handler
}

// HandleInbound decodes a plaintext relay payload and, if it is a
// command frame, dispatches it. Any other frame type (or malformed
// JSON) is silently ignored, since CommandProxy shares the relay
// payload namespace with nothing else in this implementation but may in
// a future one.
func (p *Proxy) HandleInbound(from string, plaintext []byte) {
	var frame commandFrame
	if err := json.Unmarshal(plaintext, &frame); err != nil {
		return
	}
	if frame.Type != "command" {
		return
	}
	p.dispatch(from, frame)
}

func (p *Proxy) dispatch(from string, frame commandFrame) {
	if !channelWhitelist[frame.Channel] {
		p.respond(from, frame.ID, nil, errChannelNotAllowed)
		return
	}
	handler, ok := p.handlers[frame.Channel]
	if !ok {
		p.respond(from, frame.ID, nil, errChannelNotAllowed)
		return
	}

	result, err := p.invoke(handler, from, frame.Args)
	if err != nil {
		p.respond(from, frame.ID, nil, err.Error())
		return
	}

	if frame.Channel == "claude:spawn" {
		if pid, ok := result.(string); ok && pid != "" {
			p.mu.Lock()
			p.pidOwners[pid] = from
			p.mu.Unlock()
		}
	}
	p.respond(from, frame.ID, result, "")
}

// invoke calls handler, converting a panic into the same error path a
// returned error takes: a handler exception is caught and converted to
// an error carrying the panic's message.
func (p *Proxy) invoke(handler HandlerFunc, from string, args []interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return handler(from, args)
}

func (p *Proxy) respond(to, id string, result interface{}, errMsg string) {
	fields := map[string]interface{}{"type": "response", "id": id}
	if errMsg != "" {
		fields["error"] = errMsg
	} else if result != nil {
		fields["result"] = result
	}
	p.send(to, fields)
}

// EmitEvent sends an unsolicited streaming event for a spawned pid to
// whichever mobile owns it. It is a no-op once the pid has no owner
// (already exited or killed), so a late-arriving chunk from a reaped
// process is dropped rather than misdelivered.
func (p *Proxy) EmitEvent(pid, channel string, data interface{}) {
	p.mu.Lock()
	owner, ok := p.pidOwners[pid]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.send(owner, map[string]interface{}{"type": "event", "channel": channel, "data": data})
}

// ReleaseProcess clears the pid -> mobile mapping. Call it on process
// exit or an explicit claude:kill.
func (p *Proxy) ReleaseProcess(pid string) {
	p.mu.Lock()
	delete(p.pidOwners, pid)
	p.mu.Unlock()
}

// Owner reports which mobile deviceId owns a streaming pid, if any.
func (p *Proxy) Owner(pid string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.pidOwners[pid]
	return owner, ok
}

func (p *Proxy) send(to string, fields map[string]interface{}) {
	data, err := json.Marshal(fields)
	if err != nil {
		return
	}
	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()
	if sender == nil {
		return
	}
	_ = sender.SendEncrypted(to, data)
}
