package relayclient

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"studiorelay/cryptocore"
)

// QRPayload is the JSON shape encoded into the desktop's pairing QR
// code: short single-letter keys so the encoded surface stays small.
type QRPayload struct {
	ServerURL        string `json:"s"`
	Token            string `json:"t"`
	PairingCode      string `json:"p"`
	DesktopPublicKey string `json:"k"`
	DesktopDeviceID  string `json:"d"`
}

// EncodeQRPayload serialises a QRPayload to the JSON text the desktop
// renders as a QR code.
func EncodeQRPayload(p QRPayload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeQRPayload parses a scanned QR code's JSON text.
func DecodeQRPayload(data []byte) (QRPayload, error) {
	var p QRPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return QRPayload{}, fmt.Errorf("relayclient: decode qr payload: %w", err)
	}
	return p, nil
}

// NewPairingCode draws a fresh 128-bit random pairing code, hex-encoded.
func NewPairingCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("relayclient: generate pairing code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// PairingFlow drives the desktop or mobile side of a single pairing
// handshake, owning the ephemeral keypair and pairing code between the
// initiating frame and the matching pairing-accepted.
type PairingFlow struct {
	client *RelayClient

	mu          sync.Mutex
	pairingCode string
	ephemeral   *ecdh.PrivateKey
}

// NewPairingFlow binds a PairingFlow to the RelayClient it will send
// frames through.
func NewPairingFlow(client *RelayClient) *PairingFlow {
	return &PairingFlow{client: client}
}

// BeginDesktopOffer generates an ephemeral keypair and pairing code,
// sends register-pairing, and returns the QR payload for the mobile to
// scan. Call CompleteDesktopOffer when pairing-accepted arrives.
func (f *PairingFlow) BeginDesktopOffer(serverURL, token, desktopDeviceID string) (QRPayload, error) {
	keyPair, err := cryptocore.GenerateKeyPair()
	if err != nil {
		return QRPayload{}, fmt.Errorf("relayclient: generate desktop keypair: %w", err)
	}
	code, err := NewPairingCode()
	if err != nil {
		return QRPayload{}, err
	}

	f.mu.Lock()
	f.pairingCode = code
	f.ephemeral = keyPair.Private
	f.mu.Unlock()

	f.client.RegisterPairing(code, keyPair.Private)

	return QRPayload{
		ServerURL:        serverURL,
		Token:            token,
		PairingCode:      code,
		DesktopPublicKey: keyPair.PublicHex,
		DesktopDeviceID:  desktopDeviceID,
	}, nil
}

// CompleteDesktopOffer derives the session once the server confirms the
// mobile's claim, stores it against the mobile's deviceId, and clears
// the pending keypair/code so a stale offer can't be reused.
func (f *PairingFlow) CompleteDesktopOffer(mobileDeviceID, mobilePublicKeyHex, mobileDeviceName string) error {
	f.mu.Lock()
	priv := f.ephemeral
	code := f.pairingCode
	f.ephemeral = nil
	f.pairingCode = ""
	f.mu.Unlock()

	if priv == nil {
		return fmt.Errorf("relayclient: pairing-accepted with no pending desktop offer")
	}

	sess, err := cryptocore.DeriveSession(priv, mobilePublicKeyHex, code)
	if err != nil {
		return fmt.Errorf("relayclient: derive session: %w", err)
	}
	return f.client.InstallSession(mobileDeviceID, mobileDeviceName, sess)
}

// ClaimFromQR is the mobile side: it generates its own ephemeral
// keypair, pre-derives the session from the scanned payload (so a
// `relay` frame that races ahead of pairing-accepted can still be
// decrypted), and sends claim-pairing.
func (f *PairingFlow) ClaimFromQR(payload QRPayload) error {
	keyPair, err := cryptocore.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("relayclient: generate mobile keypair: %w", err)
	}

	sess, err := cryptocore.DeriveSession(keyPair.Private, payload.DesktopPublicKey, payload.PairingCode)
	if err != nil {
		return fmt.Errorf("relayclient: pre-derive session: %w", err)
	}

	if err := f.client.InstallSession(payload.DesktopDeviceID, "", sess); err != nil {
		return fmt.Errorf("relayclient: persist pre-derived session: %w", err)
	}

	f.mu.Lock()
	f.pairingCode = payload.PairingCode
	f.ephemeral = keyPair.Private
	f.mu.Unlock()

	f.client.ClaimPairing(payload.PairingCode, keyPair.Private)
	return nil
}

// CompleteMobileClaim is called once pairing-accepted confirms the
// claim; the session was already installed pre-emptively by
// ClaimFromQR, so this just clears the pending handshake state.
func (f *PairingFlow) CompleteMobileClaim() {
	f.mu.Lock()
	f.ephemeral = nil
	f.pairingCode = ""
	f.mu.Unlock()
}
