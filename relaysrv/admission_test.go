package relaysrv

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"studiorelay/internal/logging"
	"studiorelay/internal/ratelimit"
)

type fakeAuth struct {
	tokens map[string]string // token -> userID
	users  map[string]bool
}

func (a *fakeAuth) VerifyToken(token string) (string, bool) {
	userID, ok := a.tokens[token]
	return userID, ok
}

func (a *fakeAuth) GetUser(userID string) bool {
	return a.users[userID]
}

func newTestAdmission(t *testing.T, limiter *ratelimit.ConnectionLimiter) (*Admission, *fakeAuth) {
	t.Helper()
	auth := &fakeAuth{
		tokens: map[string]string{"good-token": "u1"},
		users:  map[string]bool{"u1": true},
	}
	if limiter == nil {
		limiter = ratelimit.NewConnectionLimiter(10, 100, 10)
	}
	logger := logging.New(logging.LevelError, nil)
	return NewAdmission(auth, limiter, nil, logger), auth
}

func newUpgradeServer(t *testing.T, a *Admission) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admitted, ok := a.Admit(w, r)
		if !ok {
			return
		}
		defer admitted.conn.Close()
		_ = admitted.conn.WriteMessage(websocket.TextMessage, []byte("ok"))
	}))
}

func wsURL(httpURL, query string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws/relay?" + query
}

func TestAdmissionUpgradesValidRequest(t *testing.T) {
	admission, _ := newTestAdmission(t, nil)
	srv := newUpgradeServer(t, admission)
	defer srv.Close()

	q := url.Values{
		"token":      {"good-token"},
		"deviceType": {"desktop"},
		"deviceId":   {"d1"},
		"deviceName": {"My+Desktop"},
	}.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, q), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	_, data, err := conn.ReadMessage()
	if err != nil || string(data) != "ok" {
		t.Fatalf("read = %q, %v", data, err)
	}
}

func TestAdmissionRejectsMissingFields(t *testing.T) {
	admission, _ := newTestAdmission(t, nil)
	srv := newUpgradeServer(t, admission)
	defer srv.Close()

	q := url.Values{"token": {"good-token"}, "deviceType": {"desktop"}}.Encode()
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, q), nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		status := -1
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestAdmissionRejectsInvalidRole(t *testing.T) {
	admission, _ := newTestAdmission(t, nil)
	srv := newUpgradeServer(t, admission)
	defer srv.Close()

	q := url.Values{"token": {"good-token"}, "deviceType": {"toaster"}, "deviceId": {"d1"}}.Encode()
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, q), nil)
	if err == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid role, got %v / %v", resp, err)
	}
}

func TestAdmissionRejectsBadToken(t *testing.T) {
	admission, _ := newTestAdmission(t, nil)
	srv := newUpgradeServer(t, admission)
	defer srv.Close()

	q := url.Values{"token": {"wrong"}, "deviceType": {"mobile"}, "deviceId": {"m1"}}.Encode()
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, q), nil)
	if err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %v / %v", resp, err)
	}
}

func TestAdmissionRejectsWhenRateLimited(t *testing.T) {
	limiter := ratelimit.NewConnectionLimiter(1, 1, 1)
	admission, _ := newTestAdmission(t, limiter)
	srv := newUpgradeServer(t, admission)
	defer srv.Close()

	q := url.Values{"token": {"good-token"}, "deviceType": {"desktop"}, "deviceId": {"d1"}}.Encode()

	conn1, resp1, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, q), nil)
	if err != nil {
		t.Fatalf("first dial should succeed: %v (status %v)", err, resp1)
	}
	defer conn1.Close()

	q2 := url.Values{"token": {"good-token"}, "deviceType": {"desktop"}, "deviceId": {"d2"}}.Encode()
	_, resp2, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, q2), nil)
	if err == nil || resp2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once limiter exhausted, got %v / %v", resp2, err)
	}
}
