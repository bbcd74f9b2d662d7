package mail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestResendSender_NotConfigured(t *testing.T) {
	s := NewResendSender("")
	res := s.Send(context.Background(), testMsg)
	if res.Used {
		t.Fatal("expected Used=false without an API key")
	}
	if res.Outcome != OutcomeSkipped {
		t.Errorf("expected outcome %s, got %s", OutcomeSkipped, res.Outcome)
	}
}

func TestResendSender_Send(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost || r.URL.Path != "/emails" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer re_test" {
			t.Errorf("expected bearer credential, got %q", got)
		}
		var body struct {
			From    string   `json:"from"`
			To      []string `json:"to"`
			Subject string   `json:"subject"`
			HTML    string   `json:"html"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if len(body.To) != 1 || body.To[0] != testMsg.To {
			t.Errorf("expected to=%s, got %v", testMsg.To, body.To)
		}
		if body.Subject != testMsg.Subject || body.HTML != testMsg.HTML {
			t.Errorf("unexpected subject/html: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"email_123"}`))
	}))
	defer server.Close()

	s := NewResendSender("re_test", WithResendBaseURL(server.URL))
	res := s.Send(context.Background(), testMsg)
	if !res.Used || !res.Sent {
		t.Fatalf("expected sent, got %+v", res)
	}
	if res.Detail != "email_123" {
		t.Errorf("expected provider id in detail, got %q", res.Detail)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly one request, got %d", calls)
	}
}

func TestResendSender_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"statusCode":422,"name":"validation_error","message":"Invalid to field"}`))
	}))
	defer server.Close()

	s := NewResendSender("re_test", WithResendBaseURL(server.URL))
	res := s.Send(context.Background(), testMsg)
	if !res.Used || res.Sent {
		t.Fatalf("expected a used, failed attempt, got %+v", res)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("expected outcome %s, got %s", OutcomeFailed, res.Outcome)
	}
	if res.Err == nil {
		t.Error("expected an error object")
	}
}

func TestResendSender_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	s := NewResendSender("re_test", WithResendBaseURL(server.URL), WithResendTimeout(100*time.Millisecond))

	start := time.Now()
	res := s.Send(context.Background(), testMsg)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("send blocked for %v past its timeout", elapsed)
	}
	if res.Sent {
		t.Fatal("expected failure on timeout")
	}
	if res.Outcome != OutcomeTimedOut {
		t.Errorf("expected outcome %s, got %s (%s)", OutcomeTimedOut, res.Outcome, res.Detail)
	}
}
