package commandproxy

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRequestClientCallRoundTrip(t *testing.T) {
	sender := &fakeSender{}
	client := NewRequestClient(sender, "desk1", nil)

	done := make(chan struct{})
	var result interface{}
	var callErr error
	go func() {
		result, callErr = client.Call("app:info", nil)
		close(done)
	}()

	// Wait for the outbound command to land, then reply as the desktop would.
	deadline := time.Now().Add(time.Second)
	for len(sender.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one outbound command, got %d", len(sender.sent))
	}
	reqID := sender.sent[0].fields.ID

	resp, _ := json.Marshal(commandFrame{Type: "response", ID: reqID, Result: "ok"})
	client.HandleInbound("desk1", resp)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Call did not return after matching response")
	}
	if callErr != nil {
		t.Fatalf("Call error = %v", callErr)
	}
	if result != "ok" {
		t.Fatalf("result = %v, want ok", result)
	}
}

func TestRequestClientCallSurfacesResponseError(t *testing.T) {
	sender := &fakeSender{}
	client := NewRequestClient(sender, "desk1", nil)

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = client.Call("vcs:status", nil)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for len(sender.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	reqID := sender.sent[0].fields.ID
	resp, _ := json.Marshal(commandFrame{Type: "response", ID: reqID, Error: "not a repository"})
	client.HandleInbound("desk1", resp)

	<-done
	if callErr == nil || callErr.Error() != "not a repository" {
		t.Fatalf("callErr = %v, want %q", callErr, "not a repository")
	}
}

func TestRequestClientForwardsEvents(t *testing.T) {
	sender := &fakeSender{}
	events := make(chan string, 1)
	client := NewRequestClient(sender, "desk1", func(channel string, data interface{}) {
		events <- channel
	})

	evt, _ := json.Marshal(commandFrame{Type: "event", Channel: "claude:output", Data: "chunk"})
	client.HandleInbound("desk1", evt)

	select {
	case ch := <-events:
		if ch != "claude:output" {
			t.Fatalf("channel = %q", ch)
		}
	case <-time.After(time.Second):
		t.Fatal("onEvent was not invoked")
	}
}

func TestRequestClientCallTimesOutWithoutResponse(t *testing.T) {
	sender := &fakeSender{}
	client := NewRequestClient(sender, "desk1", nil)

	orig := commandTimeout
	commandTimeout = 5 * time.Millisecond
	defer func() { commandTimeout = orig }()

	_, err := client.Call("app:info", nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
