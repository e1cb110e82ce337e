// Package cryptocore implements the ECDH+HKDF handshake and the AES-256-GCM
// channel used by paired endpoints to exchange opaque ciphertext through the
// relay.
package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// sessionInfo is the fixed HKDF info label both endpoints must agree on.
const sessionInfo = "claude-studio-e2ee"

const (
	ivSize  = 12
	tagSize = 16
	keySize = 32
)

var (
	// ErrReplayRejected is returned when a frame's sequence number does not
	// strictly exceed the last accepted sequence number for that peer.
	ErrReplayRejected = errors.New("cryptocore: replay rejected")
	// ErrAuthFailed is returned when GCM tag verification fails.
	ErrAuthFailed = errors.New("cryptocore: authentication failed")
	// ErrMalformedPayload is returned when a payload cannot be decoded into
	// IV || ciphertext || tag.
	ErrMalformedPayload = errors.New("cryptocore: malformed payload")
)

// KeyPair is an ephemeral P-256 ECDH key pair. PublicHex is the
// hex-encoded, uncompressed-point (0x04 || X || Y) public key that is
// exchanged over the wire.
type KeyPair struct {
	Private   *ecdh.PrivateKey
	PublicHex string
}

// GenerateKeyPair produces a fresh P-256 ECDH key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: generate key pair: %w", err)
	}
	return &KeyPair{
		Private:   priv,
		PublicHex: hex.EncodeToString(priv.PublicKey().Bytes()),
	}, nil
}

// Session is an established E2EE channel with one peer device. outboundSeq
// and lastInboundSeq are exported through accessor methods only; callers
// must go through Encrypt/Decrypt to keep the counters and the cipher
// consistent.
type Session struct {
	mu             sync.Mutex
	key            [keySize]byte
	aead           cipher.AEAD
	outboundSeq    uint64
	lastInboundSeq int64 // -1 means "nothing accepted yet"
}

// DeriveSession computes the shared session key from a local private key,
// the peer's hex-encoded uncompressed public key, and the pairing code used
// as HKDF salt. Only the X-coordinate of the ECDH shared point is used as
// input key material, per the wire-interop contract.
func DeriveSession(priv *ecdh.PrivateKey, peerPublicHex, pairingCode string) (*Session, error) {
	peerBytes, err := hex.DecodeString(peerPublicHex)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: decode peer public key: %w", err)
	}
	peerKey, err := ecdh.P256().NewPublicKey(peerBytes)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: parse peer public key: %w", err)
	}
	shared, err := priv.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: ecdh: %w", err)
	}

	// (*PrivateKey).ECDH on NIST curves returns the X-coordinate alone
	// (32 bytes), which is exactly the IKM the protocol requires.
	ikm := shared

	h := hkdf.New(sha256.New, ikm, []byte(pairingCode), []byte(sessionInfo))
	var key [keySize]byte
	if _, err := io.ReadFull(h, key[:]); err != nil {
		return nil, fmt.Errorf("cryptocore: hkdf expand: %w", err)
	}

	return newSession(key)
}

func newSession(key [keySize]byte) (*Session, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptocore: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: new gcm: %w", err)
	}
	return &Session{
		key:            key,
		aead:           aead,
		outboundSeq:    0,
		lastInboundSeq: -1,
	}, nil
}

// RestoreSession rebuilds a session from persisted material (hex-encoded
// key plus the two monotonic counters).
func RestoreSession(derivedKeyHex string, outboundSeq uint64, lastInboundSeq int64) (*Session, error) {
	raw, err := hex.DecodeString(derivedKeyHex)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: decode derived key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("cryptocore: derived key must be %d bytes, got %d", keySize, len(raw))
	}
	var key [keySize]byte
	copy(key[:], raw)
	sess, err := newSession(key)
	if err != nil {
		return nil, err
	}
	sess.outboundSeq = outboundSeq
	sess.lastInboundSeq = lastInboundSeq
	return sess, nil
}

// KeyHex returns the hex encoding of the derived key, for persistence.
func (s *Session) KeyHex() string {
	return hex.EncodeToString(s.key[:])
}

// OutboundSeq returns the current outbound sequence counter.
func (s *Session) OutboundSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outboundSeq
}

// LastInboundSeq returns the last accepted inbound sequence number, or -1.
func (s *Session) LastInboundSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInboundSeq
}

// Encrypt seals plaintext under a fresh random IV and returns the base64
// wire payload (IV || ciphertext || tag) along with the sequence number
// that was assigned to the frame. outboundSeq is incremented afterwards.
func (s *Session) Encrypt(plaintext []byte) (payload string, seq uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", 0, fmt.Errorf("cryptocore: draw iv: %w", err)
	}

	sealed := s.aead.Seal(nil, iv, plaintext, nil)
	out := make([]byte, 0, len(iv)+len(sealed))
	out = append(out, iv...)
	out = append(out, sealed...)

	seq = s.outboundSeq
	s.outboundSeq++
	return base64.StdEncoding.EncodeToString(out), seq, nil
}

// Decrypt verifies and opens a received payload for the given sequence
// number. On success lastInboundSeq is advanced to seq. Replay and
// authentication failures leave the session's counters untouched; the
// caller is expected to discard the session entirely per spec policy.
func (s *Session) Decrypt(payload string, seq uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(seq) <= s.lastInboundSeq {
		return nil, ErrReplayRejected
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(raw) < ivSize+tagSize {
		return nil, ErrMalformedPayload
	}
	iv := raw[:ivSize]
	body := raw[ivSize:]

	plaintext, err := s.aead.Open(nil, iv, body, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}

	s.lastInboundSeq = int64(seq)
	return plaintext, nil
}
