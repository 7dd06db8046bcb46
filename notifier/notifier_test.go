package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func setDelay(d time.Duration) {
	initialDelay = d
	maxDelay = d
}

func TestNotifySucceedsOnFirstAttempt(t *testing.T) {
	var received Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(nil)
	n.Notify(context.Background(), srv.URL, Message{Status: string(StateSuccess), TaskID: "task_1"})

	if received.TaskID != "task_1" {
		t.Errorf("received.TaskID = %q", received.TaskID)
	}
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	orig := initialDelay
	setDelay(1 * time.Millisecond)
	defer setDelay(orig)

	n := New(nil)
	n.Notify(context.Background(), srv.URL, Message{Status: string(StateStarted), TaskID: "task_2"})

	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestNotifyGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	orig := initialDelay
	setDelay(1 * time.Millisecond)
	defer setDelay(orig)

	n := New(nil)
	n.Notify(context.Background(), srv.URL, Message{Status: string(StateFailed), TaskID: "task_3"})

	if got := atomic.LoadInt32(&attempts); got != int32(maxAttempts) {
		t.Errorf("attempts = %d, want %d", got, maxAttempts)
	}
}

func TestResolveURLPrefersBranch(t *testing.T) {
	if got := ResolveURL("http://branch", "http://default"); got != "http://branch" {
		t.Errorf("got %q", got)
	}
	if got := ResolveURL("", "http://default"); got != "http://default" {
		t.Errorf("got %q", got)
	}
}
