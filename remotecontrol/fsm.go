// Package remotecontrol implements the desktop-side state machine that
// hands control of the endpoint to a paired mobile and recovers it via
// an unlock secret.
package remotecontrol

import (
	"sync"
	"time"
)

// State is one of the three FSM states.
type State string

const (
	StateLocal     State = "local"
	StateRemote    State = "remote"
	StateUnlocking State = "unlocking"
)

// DefaultUnlockSecret is the six-digit numeric secret a fresh FSM starts
// with, changeable through SetUnlockSecret.
const DefaultUnlockSecret = "666666"

// Transport is what the FSM needs to talk back to the controlling peer;
// *relayclient.RelayClient satisfies it.
type Transport interface {
	SendControlAck(to string, accepted bool)
	SendControlRevoked(to string)
}

// FSM is the desktop's single-threaded remote-control state machine. All
// public methods are safe to call from any goroutine (they serialize
// through mu), but the transitions themselves follow the desktop's
// single event loop model.
type FSM struct {
	transport   Transport
	hasSession  func(peerID string) bool
	autoLock    time.Duration

	mu           sync.Mutex
	state        State
	controller   string // deviceId of the current/pending controller
	controllerNm string
	unlockSecret string
	allowRemote  bool
	pendingTimer *time.Timer
}

// New builds an FSM in the local state. hasSession is consulted on every
// control-request to confirm an E2EE session already exists with the
// requester (a peer cannot request control before pairing).
func New(transport Transport, hasSession func(peerID string) bool, allowRemote bool, autoLockTimeout time.Duration) *FSM {
	return &FSM{
		transport:    transport,
		hasSession:   hasSession,
		allowRemote:  allowRemote,
		autoLock:     autoLockTimeout,
		state:        StateLocal,
		unlockSecret: DefaultUnlockSecret,
	}
}

// State returns the current FSM state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsLocked reports whether the desktop is currently under remote
// control (state in {remote, unlocking}).
func (f *FSM) IsLocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == StateRemote || f.state == StateUnlocking
}

// SetUnlockSecret changes the stored unlock secret.
func (f *FSM) SetUnlockSecret(secret string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlockSecret = secret
}

// SetAllowRemoteControl toggles whether control-request is honored.
func (f *FSM) SetAllowRemoteControl(allow bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowRemote = allow
}

// OnControlRequest handles an inbound control-request from peer `from`.
func (f *FSM) OnControlRequest(from, deviceName string) {
	f.mu.Lock()

	if f.state != StateLocal || !f.allowRemote || f.hasSession == nil || !f.hasSession(from) {
		f.mu.Unlock()
		f.transport.SendControlAck(from, false)
		return
	}

	f.transport.SendControlAck(from, true)

	if f.autoLock <= 0 {
		f.controller = from
		f.controllerNm = deviceName
		f.state = StateRemote
		f.mu.Unlock()
		return
	}

	f.controller = from
	f.controllerNm = deviceName
	f.pendingTimer = time.AfterFunc(f.autoLock, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.controller == from && f.state == StateLocal {
			f.state = StateRemote
		}
	})
	f.mu.Unlock()
}

// TryUnlock attempts to recover local control with the given secret. It
// reports whether the attempt succeeded.
func (f *FSM) TryUnlock(secret string) bool {
	f.mu.Lock()

	if f.state != StateRemote && f.state != StateUnlocking {
		f.mu.Unlock()
		return false
	}

	if secret != f.unlockSecret {
		f.state = StateUnlocking
		f.mu.Unlock()
		return false
	}

	f.cancelPendingLocked()
	controller := f.controller
	f.state = StateLocal
	f.controller = ""
	f.controllerNm = ""
	f.mu.Unlock()

	f.transport.SendControlRevoked(controller)
	return true
}

// OnPeerOffline handles the peer-went-offline / pair-revoked / relay-
// disconnected event: any of them, when they match the current
// controller, forces a return to local regardless of state.
func (f *FSM) OnPeerOffline(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.controller == "" || f.controller != peerID {
		return
	}

	f.cancelPendingLocked()
	f.state = StateLocal
	f.controller = ""
	f.controllerNm = ""
}

// cancelPendingLocked stops any pending grace timer. Caller must hold mu.
func (f *FSM) cancelPendingLocked() {
	if f.pendingTimer != nil {
		f.pendingTimer.Stop()
		f.pendingTimer = nil
	}
}

// Controller returns the deviceId currently holding or attempting to
// hold control, or "" when local.
func (f *FSM) Controller() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.controller
}
