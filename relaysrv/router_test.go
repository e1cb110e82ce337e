package relaysrv

import (
	"encoding/json"
	"testing"

	"studiorelay/audit"
	"studiorelay/internal/logging"
)

func newTestRouter(t *testing.T) (*Router, *DeviceRegistry, *PairingStore, *PairingGraph) {
	t.Helper()
	registry := NewDeviceRegistry()
	pairings := NewPairingStore()
	graph := NewPairingGraph()
	logger := logging.New(logging.LevelError, nil)
	auditLog, err := audit.New(audit.Config{OutputPath: t.TempDir() + "/audit.log"})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	return NewRouter(registry, pairings, graph, logger, auditLog), registry, pairings, graph
}

func decode(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode frame: %v (%s)", err, raw)
	}
	return m
}

func TestRouterHappyPathPairAndRelay(t *testing.T) {
	router, registry, _, _ := newTestRouter(t)

	desktopOut := &fakeOutbound{}
	mobileOut := &fakeOutbound{}
	registry.Attach("u1", "desk1", RoleDesktop, "Desk", desktopOut)
	registry.Attach("u1", "mob1", RoleMobile, "Phone", mobileOut)

	desktop := caller{userID: "u1", deviceID: "desk1", role: RoleDesktop, out: desktopOut}
	mobile := caller{userID: "u1", deviceID: "mob1", role: RoleMobile, out: mobileOut}

	router.Dispatch(desktop, []byte(`{"type":"register-pairing","pairingCode":"C1","publicKey":"KD"}`))
	router.Dispatch(mobile, []byte(`{"type":"claim-pairing","pairingCode":"C1","publicKey":"KM"}`))

	if len(desktopOut.sent) != 1 {
		t.Fatalf("desktop got %d frames, want 1 pairing-accepted", len(desktopOut.sent))
	}
	accepted := decode(t, desktopOut.sent[0])
	if accepted["type"] != typePairingAccepted || accepted["publicKey"] != "KM" {
		t.Fatalf("desktop pairing-accepted = %+v", accepted)
	}

	mobileAccepted := decode(t, mobileOut.sent[len(mobileOut.sent)-1])
	if mobileAccepted["type"] != typePairingAccepted || mobileAccepted["publicKey"] != "KD" {
		t.Fatalf("mobile pairing-accepted = %+v", mobileAccepted)
	}

	desktopOut.sent = nil
	mobileOut.sent = nil
	router.Dispatch(mobile, []byte(`{"type":"relay","to":"desk1","payload":"cipher","seq":0}`))
	if len(desktopOut.sent) != 1 {
		t.Fatalf("expected relay to reach desktop, got %d frames", len(desktopOut.sent))
	}
	relay := decode(t, desktopOut.sent[0])
	if relay["type"] != typeRelay || relay["from"] != "mob1" || relay["payload"] != "cipher" {
		t.Fatalf("relay frame = %+v", relay)
	}
}

func TestRouterClaimTwiceSecondFails(t *testing.T) {
	router, registry, _, _ := newTestRouter(t)
	desktopOut := &fakeOutbound{}
	registry.Attach("u1", "desk1", RoleDesktop, "Desk", desktopOut)
	desktop := caller{userID: "u1", deviceID: "desk1", role: RoleDesktop, out: desktopOut}
	router.Dispatch(desktop, []byte(`{"type":"register-pairing","pairingCode":"C1","publicKey":"KD"}`))

	m1Out := &fakeOutbound{}
	m2Out := &fakeOutbound{}
	registry.Attach("u1", "m1", RoleMobile, "P1", m1Out)
	registry.Attach("u1", "m2", RoleMobile, "P2", m2Out)
	m1 := caller{userID: "u1", deviceID: "m1", role: RoleMobile, out: m1Out}
	m2 := caller{userID: "u1", deviceID: "m2", role: RoleMobile, out: m2Out}

	router.Dispatch(m1, []byte(`{"type":"claim-pairing","pairingCode":"C1","publicKey":"K1"}`))
	router.Dispatch(m2, []byte(`{"type":"claim-pairing","pairingCode":"C1","publicKey":"K2"}`))

	if len(m2Out.sent) != 1 {
		t.Fatalf("second claimant got %d frames, want 1 error", len(m2Out.sent))
	}
	errFrame := decode(t, m2Out.sent[0])
	if errFrame["type"] != typeError {
		t.Fatalf("second claim frame = %+v, want error", errFrame)
	}
}

func TestRouterCrossAccountClaimRejectedOfferNotConsumed(t *testing.T) {
	router, registry, _, _ := newTestRouter(t)
	desktopOut := &fakeOutbound{}
	registry.Attach("u1", "desk1", RoleDesktop, "Desk", desktopOut)
	desktop := caller{userID: "u1", deviceID: "desk1", role: RoleDesktop, out: desktopOut}
	router.Dispatch(desktop, []byte(`{"type":"register-pairing","pairingCode":"C1","publicKey":"KD"}`))

	m2Out := &fakeOutbound{}
	registry.Attach("u2", "m2", RoleMobile, "P2", m2Out)
	m2 := caller{userID: "u2", deviceID: "m2", role: RoleMobile, out: m2Out}
	router.Dispatch(m2, []byte(`{"type":"claim-pairing","pairingCode":"C1","publicKey":"K2"}`))

	if len(desktopOut.sent) != 0 {
		t.Fatalf("desktop should not receive anything on cross-account claim, got %d frames", len(desktopOut.sent))
	}

	m1Out := &fakeOutbound{}
	registry.Attach("u1", "m1", RoleMobile, "P1", m1Out)
	m1 := caller{userID: "u1", deviceID: "m1", role: RoleMobile, out: m1Out}
	router.Dispatch(m1, []byte(`{"type":"claim-pairing","pairingCode":"C1","publicKey":"K1"}`))
	if len(m1Out.sent) != 1 || decode(t, m1Out.sent[0])["type"] != typePairingAccepted {
		t.Fatalf("legit same-user claim should still succeed after cross-account rejection, got %+v", m1Out.sent)
	}
}

func TestRouterRelayRequiresPairing(t *testing.T) {
	router, registry, _, _ := newTestRouter(t)
	aOut := &fakeOutbound{}
	registry.Attach("u1", "a", RoleMobile, "A", aOut)
	a := caller{userID: "u1", deviceID: "a", role: RoleMobile, out: aOut}

	router.Dispatch(a, []byte(`{"type":"relay","to":"b","payload":"x","seq":0}`))
	if len(aOut.sent) != 1 || decode(t, aOut.sent[0])["type"] != typeError {
		t.Fatalf("expected error for unpaired relay, got %+v", aOut.sent)
	}
}

func TestRouterRevokePairingStopsFutureRelay(t *testing.T) {
	router, registry, _, graph := newTestRouter(t)
	dOut := &fakeOutbound{}
	mOut := &fakeOutbound{}
	registry.Attach("u1", "d", RoleDesktop, "D", dOut)
	registry.Attach("u1", "m", RoleMobile, "M", mOut)
	graph.Link("u1", "d", "m")

	d := caller{userID: "u1", deviceID: "d", role: RoleDesktop, out: dOut}
	router.Dispatch(d, []byte(`{"type":"revoke-pairing","targetDeviceId":"m"}`))

	dOut.sent = nil
	router.Dispatch(d, []byte(`{"type":"relay","to":"m","payload":"x","seq":0}`))
	if len(dOut.sent) != 1 || decode(t, dOut.sent[0])["type"] != typeError {
		t.Fatalf("expected relay to fail after revoke, got %+v", dOut.sent)
	}
}

func TestRouterMalformedJSONYieldsError(t *testing.T) {
	router, registry, _, _ := newTestRouter(t)
	out := &fakeOutbound{}
	registry.Attach("u1", "d", RoleDesktop, "D", out)
	c := caller{userID: "u1", deviceID: "d", role: RoleDesktop, out: out}

	router.Dispatch(c, []byte(`not json`))
	if len(out.sent) != 1 || decode(t, out.sent[0])["type"] != typeError {
		t.Fatalf("expected error frame for malformed json, got %+v", out.sent)
	}
}

func TestRouterRoleViolationOnRegisterFromMobile(t *testing.T) {
	router, registry, _, _ := newTestRouter(t)
	out := &fakeOutbound{}
	registry.Attach("u1", "m", RoleMobile, "M", out)
	c := caller{userID: "u1", deviceID: "m", role: RoleMobile, out: out}

	router.Dispatch(c, []byte(`{"type":"register-pairing","pairingCode":"C1","publicKey":"K"}`))
	if len(out.sent) != 1 || decode(t, out.sent[0])["type"] != typeError {
		t.Fatalf("expected role violation error, got %+v", out.sent)
	}
}
