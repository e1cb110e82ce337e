package cryptocore

import (
	"errors"
	"testing"
)

func TestDeriveSessionWireInterop(t *testing.T) {
	desktop, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("desktop keypair: %v", err)
	}
	mobile, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("mobile keypair: %v", err)
	}

	const code = "123456"
	desktopSession, err := DeriveSession(desktop.Private, mobile.PublicHex, code)
	if err != nil {
		t.Fatalf("desktop derive: %v", err)
	}
	mobileSession, err := DeriveSession(mobile.Private, desktop.PublicHex, code)
	if err != nil {
		t.Fatalf("mobile derive: %v", err)
	}

	if desktopSession.KeyHex() != mobileSession.KeyHex() {
		t.Fatalf("derived keys differ: %s vs %s", desktopSession.KeyHex(), mobileSession.KeyHex())
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, b := pairedSessions(t)

	payload, seq, err := a.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := b.Decrypt(payload, seq)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("got %q, want %q", plaintext, "hello")
	}
}

func TestDecryptRejectsReplay(t *testing.T) {
	a, b := pairedSessions(t)

	payload, seq, err := a.Encrypt([]byte("once"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.Decrypt(payload, seq); err != nil {
		t.Fatalf("first decrypt: %v", err)
	}
	if _, err := b.Decrypt(payload, seq); !errors.Is(err, ErrReplayRejected) {
		t.Fatalf("second decrypt: got %v, want ErrReplayRejected", err)
	}
}

func TestDecryptRejectsOutOfOrderEqualOrLower(t *testing.T) {
	a, b := pairedSessions(t)

	first, seq0, _ := a.Encrypt([]byte("a"))
	second, seq1, _ := a.Encrypt([]byte("b"))

	if _, err := b.Decrypt(second, seq1); err != nil {
		t.Fatalf("decrypt seq1 first: %v", err)
	}
	if _, err := b.Decrypt(first, seq0); !errors.Is(err, ErrReplayRejected) {
		t.Fatalf("decrypt stale seq0: got %v, want ErrReplayRejected", err)
	}
}

func TestDecryptTamperedCiphertextFailsAuth(t *testing.T) {
	a, b := pairedSessions(t)

	payload, seq, err := a.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := payload[:len(payload)-2] + "zz"
	if _, err := b.Decrypt(tampered, seq); !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("tampered decrypt: got %v, want AuthFailed or MalformedPayload", err)
	}
}

func TestRestoreSessionPreservesCounters(t *testing.T) {
	a, _ := pairedSessions(t)
	_, _, _ = a.Encrypt([]byte("x"))
	_, _, _ = a.Encrypt([]byte("y"))

	restored, err := RestoreSession(a.KeyHex(), a.OutboundSeq(), a.LastInboundSeq())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.OutboundSeq() != a.OutboundSeq() {
		t.Fatalf("outbound seq mismatch: got %d, want %d", restored.OutboundSeq(), a.OutboundSeq())
	}
}

func pairedSessions(t *testing.T) (*Session, *Session) {
	t.Helper()
	d, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	m, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	a, err := DeriveSession(d.Private, m.PublicHex, "999999")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveSession(m.Private, d.PublicHex, "999999")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return a, b
}
