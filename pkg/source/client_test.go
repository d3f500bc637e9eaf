package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sunrise-health/emr-analytics/pkg/common/logger"
)

func TestMain(m *testing.M) {
	logger.Init()
	m.Run()
}

func TestFetchAllFollowsPagination(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `{"data":[{"patient_id":"p1"},{"patient_id":"p2"}],"pagination":{"hasNext":true}}`)
		case "2":
			fmt.Fprint(w, `{"data":[{"patient_id":"p3"}],"pagination":{"hasNext":false}}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, APIKey: "secret", Timeout: 2 * time.Second})
	records, err := client.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records across pages, got %d", len(records))
	}
	if gotKey != "secret" {
		t.Errorf("expected x-api-key header, got %q", gotKey)
	}
}

func TestFetchAllRetriesTransientFailures(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"data":[{"patient_id":"p1"}],"pagination":{"hasNext":false}}`)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Timeout: 2 * time.Second, MaxAttempts: 4})
	records, err := client.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestFetchAllAuthFailureIsNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Timeout: 2 * time.Second, MaxAttempts: 4})
	_, err := client.FetchAll(context.Background())

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("auth failure should not be retried, got %d attempts", attempts)
	}
}

func TestFetchAllRejectsMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `this is not json`)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Timeout: 2 * time.Second})
	_, err := client.FetchAll(context.Background())

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError for malformed body, got %v", err)
	}
}

func TestFetchAllBoundsPagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"patient_id":"p"}],"pagination":{"hasNext":true}}`)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Timeout: 2 * time.Second, MaxPages: 5})
	_, err := client.FetchAll(context.Background())
	if err == nil {
		t.Fatal("expected error when pagination never terminates")
	}
}

func TestFetchAllHonorsCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := New(Config{BaseURL: server.URL, Timeout: 2 * time.Second})
	_, err := client.FetchAll(ctx)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
