package remotecontrol

import (
	"testing"
	"time"
)

type fakeTransport struct {
	acks    []ackCall
	revokes []string
}

type ackCall struct {
	to       string
	accepted bool
}

func (f *fakeTransport) SendControlAck(to string, accepted bool) {
	f.acks = append(f.acks, ackCall{to, accepted})
}

func (f *fakeTransport) SendControlRevoked(to string) {
	f.revokes = append(f.revokes, to)
}

func alwaysPaired(string) bool { return true }

func TestFSMControlRequestAcceptedImmediateWithNoGrace(t *testing.T) {
	transport := &fakeTransport{}
	fsm := New(transport, alwaysPaired, true, 0)

	fsm.OnControlRequest("mob1", "Phone")

	if fsm.State() != StateRemote {
		t.Fatalf("state = %v, want remote", fsm.State())
	}
	if len(transport.acks) != 1 || transport.acks[0] != (ackCall{"mob1", true}) {
		t.Fatalf("acks = %+v", transport.acks)
	}
}

func TestFSMControlRequestRejectedWhenPolicyDisallows(t *testing.T) {
	transport := &fakeTransport{}
	fsm := New(transport, alwaysPaired, false, 0)

	fsm.OnControlRequest("mob1", "Phone")

	if fsm.State() != StateLocal {
		t.Fatalf("state = %v, want local", fsm.State())
	}
	if len(transport.acks) != 1 || transport.acks[0].accepted {
		t.Fatalf("expected rejected ack, got %+v", transport.acks)
	}
}

func TestFSMControlRequestRejectedWithoutSession(t *testing.T) {
	transport := &fakeTransport{}
	fsm := New(transport, func(string) bool { return false }, true, 0)

	fsm.OnControlRequest("mob1", "Phone")

	if fsm.State() != StateLocal {
		t.Fatalf("state = %v, want local", fsm.State())
	}
	if transport.acks[0].accepted {
		t.Fatal("expected rejection when no E2EE session exists")
	}
}

func TestFSMGraceDelayDefersTransition(t *testing.T) {
	transport := &fakeTransport{}
	fsm := New(transport, alwaysPaired, true, 30*time.Millisecond)

	fsm.OnControlRequest("mob1", "Phone")
	if fsm.State() != StateLocal {
		t.Fatalf("state immediately after request = %v, want local (grace pending)", fsm.State())
	}

	time.Sleep(80 * time.Millisecond)
	if fsm.State() != StateRemote {
		t.Fatalf("state after grace = %v, want remote", fsm.State())
	}
}

func TestFSMUnlockWrongSecretMovesToUnlocking(t *testing.T) {
	transport := &fakeTransport{}
	fsm := New(transport, alwaysPaired, true, 0)
	fsm.OnControlRequest("mob1", "Phone")

	if ok := fsm.TryUnlock("000000"); ok {
		t.Fatal("wrong secret should not unlock")
	}
	if fsm.State() != StateUnlocking {
		t.Fatalf("state = %v, want unlocking", fsm.State())
	}

	if ok := fsm.TryUnlock(DefaultUnlockSecret); !ok {
		t.Fatal("correct secret should unlock from unlocking state")
	}
	if fsm.State() != StateLocal {
		t.Fatalf("state = %v, want local", fsm.State())
	}
	if len(transport.revokes) != 1 || transport.revokes[0] != "mob1" {
		t.Fatalf("revokes = %+v", transport.revokes)
	}
}

func TestFSMPeerOfflineForcesLocal(t *testing.T) {
	transport := &fakeTransport{}
	fsm := New(transport, alwaysPaired, true, 0)
	fsm.OnControlRequest("mob1", "Phone")

	fsm.OnPeerOffline("someone-else")
	if fsm.State() != StateRemote {
		t.Fatalf("unrelated peer offline should not affect state, got %v", fsm.State())
	}

	fsm.OnPeerOffline("mob1")
	if fsm.State() != StateLocal {
		t.Fatalf("state after controller offline = %v, want local", fsm.State())
	}
	if fsm.Controller() != "" {
		t.Fatalf("controller should be cleared, got %q", fsm.Controller())
	}
}

func TestFSMSecondControlRequestWhileNotLocalIsRejected(t *testing.T) {
	transport := &fakeTransport{}
	fsm := New(transport, alwaysPaired, true, 0)
	fsm.OnControlRequest("mob1", "Phone")

	fsm.OnControlRequest("mob2", "Other Phone")
	if len(transport.acks) != 2 || transport.acks[1].accepted {
		t.Fatalf("second requester should be rejected, got %+v", transport.acks)
	}
	if fsm.Controller() != "mob1" {
		t.Fatalf("controller should remain mob1, got %q", fsm.Controller())
	}
}
