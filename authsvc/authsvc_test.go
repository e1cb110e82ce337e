package authsvc

import "testing"

func TestRegisterLoginVerifyRoundTrip(t *testing.T) {
	svc, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Register("alice", "s3cret-pass", "user-1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	token, err := svc.Login("alice", "s3cret-pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	userID, ok := svc.VerifyToken(token)
	if !ok || userID != "user-1" {
		t.Fatalf("verify: got (%q, %v), want (user-1, true)", userID, ok)
	}
	if !svc.GetUser(userID) {
		t.Fatalf("getUser(%q) = false, want true", userID)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc, _ := New()
	_ = svc.Register("bob", "correct-horse", "user-2")

	if _, err := svc.Login("bob", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyTokenRejectsUnknownToken(t *testing.T) {
	svc, _ := New()
	if _, ok := svc.VerifyToken("not-a-real-token"); ok {
		t.Fatal("expected unknown token to be rejected")
	}
}

func TestRevokeInvalidatesToken(t *testing.T) {
	svc, _ := New()
	_ = svc.Register("carol", "hunter2000", "user-3")
	token, _ := svc.Login("carol", "hunter2000")

	svc.Revoke(token)

	if _, ok := svc.VerifyToken(token); ok {
		t.Fatal("expected revoked token to be rejected")
	}
}

func TestGetUserFalseForUnknownUserID(t *testing.T) {
	svc, _ := New()
	if svc.GetUser("ghost") {
		t.Fatal("expected unknown userID to resolve to false")
	}
}

func TestRecoveryCodeLoginRoundTrip(t *testing.T) {
	svc, _ := New()
	_ = svc.Register("dave", "forgettable", "user-4")

	if err := svc.SetRecoveryCode("dave", "backup-phrase"); err != nil {
		t.Fatalf("set recovery code: %v", err)
	}

	token, err := svc.LoginWithRecoveryCode("dave", "backup-phrase")
	if err != nil {
		t.Fatalf("login with recovery code: %v", err)
	}

	userID, ok := svc.VerifyToken(token)
	if !ok || userID != "user-4" {
		t.Fatalf("verify: got (%q, %v), want (user-4, true)", userID, ok)
	}
}

func TestRecoveryCodeLoginRejectsWrongCode(t *testing.T) {
	svc, _ := New()
	_ = svc.Register("erin", "forgettable", "user-5")
	_ = svc.SetRecoveryCode("erin", "backup-phrase")

	if _, err := svc.LoginWithRecoveryCode("erin", "wrong-phrase"); err != ErrInvalidCredentials {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestRecoveryCodeLoginWithoutCodeSet(t *testing.T) {
	svc, _ := New()
	_ = svc.Register("frank", "forgettable", "user-6")

	if _, err := svc.LoginWithRecoveryCode("frank", "anything"); err != ErrNoRecoveryCode {
		t.Fatalf("got %v, want ErrNoRecoveryCode", err)
	}
}
