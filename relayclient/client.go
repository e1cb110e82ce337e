package relayclient

import (
	"context"
	"crypto/ecdh"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"studiorelay/cryptocore"
	"studiorelay/internal/logging"
)

const (
	connectTimeout    = 10 * time.Second
	heartbeatPeriod   = 30 * time.Second
	reconnectBase     = 1 * time.Second
	reconnectCap      = 30 * time.Second
	writeWait         = 10 * time.Second
	sendChBufferSize  = 64
	flushEveryNFrames = 5
)

// ErrNoSession is returned by SendEncrypted when no E2EE session exists
// for the given peer yet.
var ErrNoSession = fmt.Errorf("relayclient: no session for peer")

// Config is the static configuration an endpoint connects with.
type Config struct {
	ServerURL  string // http(s)://host[:port], rewritten to ws(s)://.../ws/relay
	Token      string
	DeviceID   string
	DeviceName string
	Role       Role
}

// DeviceStatus is one entry of a device-list frame.
type DeviceStatus struct {
	DeviceID string
	Online   bool
}

// Callbacks lets the application layer react to inbound events without
// RelayClient knowing anything about chat/session/UI concerns.
type Callbacks struct {
	OnRelay           func(peerID string, plaintext []byte)
	OnPairingAccepted func(peerID, peerPublicKeyHex, peerDeviceName string)
	OnPairingRevoked  func(peerID string)
	OnDeviceOnline    func(peerID string)
	OnDeviceOffline   func(peerID string)
	OnDeviceList      func(devices []DeviceStatus)
	OnControlRequest  func(from, deviceName string)
	OnControlAck      func(from string, accepted bool)
	OnControlRevoked  func(from string)
	OnReauthRequired  func(peerID string)
}

// RelayClient maintains a persistent connection to a relay server:
// connect/reconnect with exponential backoff, a 30s application
// heartbeat, and one AES-GCM session per paired peer backed by a
// SessionStore.
type RelayClient struct {
	cfg       Config
	callbacks Callbacks
	store     *SessionStore
	logger    *logging.Logger

	mu               sync.RWMutex
	sessions         map[string]*cryptocore.Session
	framesSinceFlush map[string]int
	conn             *websocket.Conn
	sendCh           chan []byte
	connected        bool
	reconnectAttempt int
	intentionalClose bool

	done chan struct{}
}

// New builds a RelayClient and restores any persisted sessions from
// store into memory.
func New(cfg Config, store *SessionStore, callbacks Callbacks, logger *logging.Logger) (*RelayClient, error) {
	c := &RelayClient{
		cfg:              cfg,
		callbacks:        callbacks,
		store:            store,
		logger:           logger,
		sessions:         make(map[string]*cryptocore.Session),
		framesSinceFlush: make(map[string]int),
		done:             make(chan struct{}),
	}
	for _, rec := range store.All() {
		sess, err := cryptocore.RestoreSession(rec.DerivedKeyHex, rec.OutboundSeq, rec.LastInboundSeq)
		if err != nil {
			logger.Warn("failed to restore persisted session", map[string]interface{}{"deviceId": rec.DeviceID, "error": err.Error()})
			continue
		}
		c.sessions[rec.DeviceID] = sess
	}
	return c, nil
}

func wsURL(cfg Config) (string, error) {
	base, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("relayclient: parse server url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relayclient: unsupported scheme %q", base.Scheme)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/ws/relay"
	q := url.Values{
		"token":      {cfg.Token},
		"deviceType": {string(cfg.Role)},
		"deviceId":   {cfg.DeviceID},
		"deviceName": {cfg.DeviceName},
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// Run connects and reconnects until ctx is cancelled or Close is called.
func (c *RelayClient) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.connectAndHandle(ctx)

		c.mu.Lock()
		intentional := c.intentionalClose
		c.mu.Unlock()
		if intentional {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("relay connection lost", map[string]interface{}{"error": err.Error()})
		}

		c.mu.Lock()
		c.reconnectAttempt++
		attempt := c.reconnectAttempt
		c.mu.Unlock()

		delay := reconnectBase * time.Duration(1<<uint(attempt-1))
		if delay > reconnectCap || delay <= 0 {
			delay = reconnectCap
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Close performs an intentional disconnect: reconnect is suppressed and
// session counters are flushed before the socket closes.
func (c *RelayClient) Close() {
	c.mu.Lock()
	c.intentionalClose = true
	conn := c.conn
	c.mu.Unlock()

	c.flushAllCounters()
	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
		_ = conn.Close()
	}
	<-c.done
}

func (c *RelayClient) flushAllCounters() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for deviceID, sess := range c.sessions {
		_ = c.store.FlushCounters(deviceID, sess.OutboundSeq(), sess.LastInboundSeq())
	}
}

func (c *RelayClient) connectAndHandle(ctx context.Context) error {
	target, err := wsURL(c.cfg)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("relayclient: dial: %w", err)
	}

	sendCh := make(chan []byte, sendChBufferSize)

	c.mu.Lock()
	c.conn = conn
	c.sendCh = sendCh
	c.connected = true
	c.reconnectAttempt = 0
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.sendCh = nil
		c.mu.Unlock()
		conn.Close()
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(connCtx, conn, sendCh)
	return c.readPump(conn)
}

func (c *RelayClient) writePump(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sendCh:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, encodeFrame(map[string]interface{}{"type": frameHeartbeat})); err != nil {
				return
			}
		}
	}
}

func (c *RelayClient) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("relayclient: read: %w", err)
		}
		c.handleInbound(data)
	}
}

func (c *RelayClient) send(fields map[string]interface{}) {
	c.mu.RLock()
	ch := c.sendCh
	c.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- encodeFrame(fields):
	default:
		c.logger.Warn("dropping outbound frame, send buffer full", map[string]interface{}{})
	}
}

func (c *RelayClient) handleInbound(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Warn("malformed frame from server", map[string]interface{}{"error": err.Error()})
		return
	}

	switch frame.Type {
	case framePong:
	case framePairingAccept:
		if c.callbacks.OnPairingAccepted != nil {
			c.callbacks.OnPairingAccepted(frame.DeviceID, frame.PublicKey, frame.DeviceName)
		}
	case framePairingRevoked:
		c.dropSession(frame.DeviceID)
		if c.callbacks.OnPairingRevoked != nil {
			c.callbacks.OnPairingRevoked(frame.DeviceID)
		}
	case frameRelay:
		c.handleRelay(frame)
	case frameDeviceOnline:
		if c.callbacks.OnDeviceOnline != nil {
			c.callbacks.OnDeviceOnline(frame.DeviceID)
		}
	case frameDeviceOffline:
		if c.callbacks.OnDeviceOffline != nil {
			c.callbacks.OnDeviceOffline(frame.DeviceID)
		}
	case frameDeviceList:
		if c.callbacks.OnDeviceList != nil {
			devices := make([]DeviceStatus, 0, len(frame.Devices))
			for _, d := range frame.Devices {
				devices = append(devices, DeviceStatus{DeviceID: d.DeviceID, Online: d.Online})
			}
			c.callbacks.OnDeviceList(devices)
		}
	case frameControlReq:
		if c.callbacks.OnControlRequest != nil {
			c.callbacks.OnControlRequest(frame.From, frame.DeviceName)
		}
	case frameControlAck:
		if c.callbacks.OnControlAck != nil {
			c.callbacks.OnControlAck(frame.From, frame.Accepted)
		}
	case frameControlRevoke:
		if c.callbacks.OnControlRevoked != nil {
			c.callbacks.OnControlRevoked(frame.From)
		}
	case frameError:
		c.logger.Warn("relay server error", map[string]interface{}{"message": frame.Message})
	default:
		c.logger.Debug("ignoring unknown frame type", map[string]interface{}{"type": frame.Type})
	}
}

func (c *RelayClient) handleRelay(frame inboundFrame) {
	c.mu.RLock()
	sess, ok := c.sessions[frame.From]
	c.mu.RUnlock()
	if !ok {
		c.logger.Warn("relay frame for peer with no session, dropping", map[string]interface{}{"from": frame.From})
		return
	}

	plaintext, err := sess.Decrypt(frame.Payload, frame.Seq)
	if err != nil {
		c.logger.Warn("decrypt failed, dropping session", map[string]interface{}{"from": frame.From, "error": err.Error()})
		c.dropSession(frame.From)
		if c.callbacks.OnReauthRequired != nil {
			c.callbacks.OnReauthRequired(frame.From)
		}
		return
	}

	c.mu.Lock()
	c.framesSinceFlush[frame.From]++
	shouldFlush := c.framesSinceFlush[frame.From] >= flushEveryNFrames
	if shouldFlush {
		c.framesSinceFlush[frame.From] = 0
	}
	c.mu.Unlock()
	if shouldFlush {
		_ = c.store.FlushCounters(frame.From, sess.OutboundSeq(), sess.LastInboundSeq())
	}

	if c.callbacks.OnRelay != nil {
		c.callbacks.OnRelay(frame.From, plaintext)
	}
}

func (c *RelayClient) dropSession(peerID string) {
	c.mu.Lock()
	delete(c.sessions, peerID)
	delete(c.framesSinceFlush, peerID)
	c.mu.Unlock()
	_ = c.store.Delete(peerID)
}

// SendEncrypted encrypts plaintext under the session for peerID and
// transmits it as a `relay` frame. Returns ErrNoSession if peerID has
// no established session.
func (c *RelayClient) SendEncrypted(peerID string, plaintext []byte) error {
	c.mu.RLock()
	sess, ok := c.sessions[peerID]
	c.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}

	payload, seq, err := sess.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("relayclient: encrypt: %w", err)
	}

	c.send(map[string]interface{}{
		"type":    frameRelay,
		"to":      peerID,
		"payload": payload,
		"seq":     seq,
	})

	c.mu.Lock()
	c.framesSinceFlush[peerID]++
	shouldFlush := c.framesSinceFlush[peerID] >= flushEveryNFrames
	if shouldFlush {
		c.framesSinceFlush[peerID] = 0
	}
	c.mu.Unlock()
	if shouldFlush {
		_ = c.store.FlushCounters(peerID, sess.OutboundSeq(), sess.LastInboundSeq())
	}
	return nil
}

// InstallSession registers a freshly derived session for peerID and
// persists it, overwriting any prior session for the same peer — a
// re-pairing replaces the old key material outright.
func (c *RelayClient) InstallSession(peerID, peerDeviceName string, sess *cryptocore.Session) error {
	c.mu.Lock()
	c.sessions[peerID] = sess
	c.framesSinceFlush[peerID] = 0
	c.mu.Unlock()

	return c.store.Put(PersistedSession{
		DeviceID:       peerID,
		DeviceName:     peerDeviceName,
		DerivedKeyHex:  sess.KeyHex(),
		OutboundSeq:    sess.OutboundSeq(),
		LastInboundSeq: sess.LastInboundSeq(),
	})
}

// Session returns the live session for a peer, if any.
func (c *RelayClient) Session(peerID string) (*cryptocore.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[peerID]
	return sess, ok
}

// RegisterPairing sends a desktop's register-pairing frame.
func (c *RelayClient) RegisterPairing(pairingCode string, publicKey *ecdh.PrivateKey) {
	c.send(map[string]interface{}{
		"type":        frameRegisterPair,
		"pairingCode": pairingCode,
		"publicKey":   publicKeyHex(publicKey),
		"deviceName":  c.cfg.DeviceName,
	})
}

// ClaimPairing sends a mobile's claim-pairing frame.
func (c *RelayClient) ClaimPairing(pairingCode string, publicKey *ecdh.PrivateKey) {
	c.send(map[string]interface{}{
		"type":        frameClaimPair,
		"pairingCode": pairingCode,
		"publicKey":   publicKeyHex(publicKey),
	})
}

// RevokePairing tells the server to remove the pair relation with target.
func (c *RelayClient) RevokePairing(targetDeviceID string) {
	c.send(map[string]interface{}{"type": frameRevokePair, "targetDeviceId": targetDeviceID})
	c.dropSession(targetDeviceID)
}

// SendControlRequest is sent by a mobile to begin remote control of a
// paired desktop.
func (c *RelayClient) SendControlRequest(targetDesktopID string) {
	c.send(map[string]interface{}{"type": frameControlReq, "targetDesktopId": targetDesktopID})
}

// SendControlAck is sent by a desktop to accept or reject a control request.
func (c *RelayClient) SendControlAck(to string, accepted bool) {
	c.send(map[string]interface{}{"type": frameControlAck, "to": to, "accepted": accepted})
}

// SendControlRevoked is sent to hand control back to the desktop (unlock).
func (c *RelayClient) SendControlRevoked(to string) {
	c.send(map[string]interface{}{"type": frameControlRevoke, "to": to})
}

func publicKeyHex(priv *ecdh.PrivateKey) string {
	return hex.EncodeToString(priv.PublicKey().Bytes())
}
