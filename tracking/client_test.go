package tracking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientDisabled(t *testing.T) {
	client := NewClient(ClientConfig{})
	ctx := context.Background()

	if client.Enabled() {
		t.Fatal("Client with no BaseURL must be disabled")
	}
	if err := client.Health(ctx); err == nil {
		t.Error("Expected Health to fail on a disabled client")
	}

	run, err := client.Init(ctx, "semantic-segmentation", "offline", nil)
	if err != nil {
		t.Fatalf("Init on a disabled client failed: %v", err)
	}
	if run.ID() != "" {
		t.Errorf("Expected an empty run id, got %q", run.ID())
	}
	if err := run.LogEpoch(ctx, 1, 0.5, 0.6); err != nil {
		t.Errorf("LogEpoch on a disabled run failed: %v", err)
	}
	if err := run.Finish(ctx, nil); err != nil {
		t.Errorf("Finish on a disabled run failed: %v", err)
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
			return
		}
		jsonResponse(w, RunRecord{ID: "run-retry"})
	}))
	defer ts.Close()

	client := NewClient(ClientConfig{
		BaseURL:       ts.URL,
		Timeout:       time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	})

	run, err := client.Init(context.Background(), "semantic-segmentation", "flaky", nil)
	if err != nil {
		t.Fatalf("Init failed despite retries: %v", err)
	}
	if run.ID() != "run-retry" {
		t.Errorf("Expected run-retry, got %q", run.ID())
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestClientRetriesExhausted(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down for maintenance", http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ClientConfig{
		BaseURL:       ts.URL,
		Timeout:       time.Second,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	})

	_, err := client.Init(context.Background(), "semantic-segmentation", "doomed", nil)
	if err == nil {
		t.Fatal("Expected Init to fail once retries are exhausted")
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("Expected the attempt count in the error, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Expected 2 attempts, got %d", n)
	}
}

func TestClientRetryHonorsContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ClientConfig{
		BaseURL:       ts.URL,
		Timeout:       time.Second,
		RetryAttempts: 10,
		RetryDelay:    time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Init(ctx, "semantic-segmentation", "cancelled", nil)
	if err == nil {
		t.Fatal("Expected Init to fail when the context expires")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Init blocked for %v instead of honoring the context", elapsed)
	}
}

func TestClientHealthFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := NewClient(ClientConfig{BaseURL: ts.URL, Timeout: time.Second})
	if err := client.Health(context.Background()); err == nil {
		t.Error("Expected Health to report the bad status")
	}
}
