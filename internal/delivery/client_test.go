package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/funnyzak/hookrelay/internal/config"
	"github.com/funnyzak/hookrelay/internal/lifecycle"
	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/internal/storage"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

func newTestClient(t *testing.T) (*Client, *lifecycle.Engine, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "hookrelay.db")
	cfg.HTTP.EnforceHTTPS = false

	store, _, err := storage.New(&cfg.Storage, logger.Noop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})

	engine := lifecycle.New(store, cfg, logger.Noop())
	return NewClient(engine, cfg, logger.Noop()), engine, cfg
}

func processingRelay(t *testing.T, engine *lifecycle.Engine, destination string) *relay.Relay {
	t.Helper()
	ctx := context.Background()
	r, err := engine.Capture(ctx, lifecycle.CaptureInput{
		Source:  "test",
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Payload: []byte(`{"event":"ping"}`),
		Route: &relay.Route{
			Name:        "test",
			Destination: destination,
			Method:      http.MethodPost,
		},
	})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	r, err = engine.StartAttempt(ctx, r)
	if err != nil {
		t.Fatalf("start attempt failed: %v", err)
	}
	return r
}

func TestClient_DeliverSuccess(t *testing.T) {
	client, engine, _ := newTestClient(t)

	var gotBody string
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		gotBody = string(body)
		gotHeaders = req.Header.Clone()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	r := processingRelay(t, engine, srv.URL)
	done, err := client.Deliver(context.Background(), r, "", "", nil)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if done.Status != relay.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (reason %v)", done.Status, done.FailureReason)
	}
	if done.ResponseStatus == nil || *done.ResponseStatus != http.StatusOK {
		t.Fatalf("expected response status 200, got %v", done.ResponseStatus)
	}
	if string(done.ResponsePayload) != `{"ok":true}` {
		t.Fatalf("unexpected response snapshot: %q", done.ResponsePayload)
	}
	if done.LastAttemptDurationMs == nil {
		t.Fatal("expected attempt duration to be recorded")
	}
	if gotBody != `{"event":"ping"}` {
		t.Fatalf("unexpected delivered body: %q", gotBody)
	}
	if gotHeaders.Get("X-Hookrelay-Relay-ID") == "" || gotHeaders.Get("X-Hookrelay-Delivery-ID") == "" {
		t.Fatal("expected delivery identification headers")
	}
	if gotHeaders.Get("X-Hookrelay-Attempt") != "1" {
		t.Fatalf("expected attempt header 1, got %q", gotHeaders.Get("X-Hookrelay-Attempt"))
	}
}

func TestClient_DeliverErrorStatus(t *testing.T) {
	client, engine, _ := newTestClient(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broke"))
	}))
	defer srv.Close()

	r := processingRelay(t, engine, srv.URL)
	done, err := client.Deliver(context.Background(), r, "", "", nil)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if done.Status != relay.StatusFailed {
		t.Fatalf("expected FAILED, got %s", done.Status)
	}
	if done.FailureReason == nil || *done.FailureReason != relay.FailureHTTPError {
		t.Fatalf("expected http_error, got %v", done.FailureReason)
	}
	if done.ResponseStatus == nil || *done.ResponseStatus != http.StatusBadGateway {
		t.Fatalf("expected response status 502, got %v", done.ResponseStatus)
	}
	if done.NextRetryAt == nil {
		t.Fatal("expected retry to be scheduled after first failure")
	}
}

func TestClient_DeliverUnsupportedMethod(t *testing.T) {
	client, engine, _ := newTestClient(t)

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		called = true
	}))
	defer srv.Close()

	r := processingRelay(t, engine, srv.URL)
	done, err := client.Deliver(context.Background(), r, "", "TRACE", nil)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if done.Status != relay.StatusFailed || done.FailureReason == nil || *done.FailureReason != relay.FailureHTTPError {
		t.Fatalf("expected FAILED/http_error, got %s/%v", done.Status, done.FailureReason)
	}
	if called {
		t.Fatal("no network call may happen for an unsupported verb")
	}
}

func TestClient_DeliverEnforcesHTTPS(t *testing.T) {
	client, engine, cfg := newTestClient(t)
	cfg.HTTP.EnforceHTTPS = true

	r := processingRelay(t, engine, "http://example.com/hook")
	done, err := client.Deliver(context.Background(), r, "", "", nil)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if done.Status != relay.StatusFailed || done.FailureReason == nil || *done.FailureReason != relay.FailureHTTPError {
		t.Fatalf("expected FAILED/http_error, got %s/%v", done.Status, done.FailureReason)
	}
}

func TestClient_DeliverRejectsLongURL(t *testing.T) {
	client, engine, _ := newTestClient(t)

	long := "http://example.com/" + strings.Repeat("a", relay.MaxDestinationURLLength)
	r := processingRelay(t, engine, "http://example.com/hook")
	done, err := client.Deliver(context.Background(), r, long, "", nil)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if done.Status != relay.StatusFailed || done.FailureReason == nil || *done.FailureReason != relay.FailureHTTPError {
		t.Fatalf("expected FAILED/http_error, got %s/%v", done.Status, done.FailureReason)
	}
}

func TestClient_DeliverSameHostRedirect(t *testing.T) {
	client, engine, _ := newTestClient(t)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/start", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, srv.URL+"/final", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r := processingRelay(t, engine, srv.URL+"/start")
	done, err := client.Deliver(context.Background(), r, "", "", nil)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if done.Status != relay.StatusCompleted {
		t.Fatalf("same-host redirect should succeed, got %s (%v)", done.Status, done.FailureReason)
	}
}

func TestClient_DeliverCrossHostRedirect(t *testing.T) {
	client, engine, _ := newTestClient(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	// rewrite the redirect target to a different hostname for the
	// same listener
	u, _ := url.Parse(target.URL)
	crossHost := "http://localhost:" + u.Port()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, crossHost, http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	r := processingRelay(t, engine, srv.URL)
	done, err := client.Deliver(context.Background(), r, "", "", nil)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if done.Status != relay.StatusFailed {
		t.Fatalf("expected FAILED, got %s", done.Status)
	}
	if done.FailureReason == nil || *done.FailureReason != relay.FailureRedirectHostChanged {
		t.Fatalf("expected redirect_host_changed, got %v", done.FailureReason)
	}
}

func TestClient_DeliverTooManyRedirects(t *testing.T) {
	client, engine, cfg := newTestClient(t)
	cfg.HTTP.MaxRedirects = 2

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, srv.URL+"/", http.StatusTemporaryRedirect)
	})

	r := processingRelay(t, engine, srv.URL+"/")
	done, err := client.Deliver(context.Background(), r, "", "", nil)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if done.FailureReason == nil || *done.FailureReason != relay.FailureTooManyRedirects {
		t.Fatalf("expected too_many_redirects, got %v", done.FailureReason)
	}
}

func TestClient_DeliverConnectionError(t *testing.T) {
	client, engine, _ := newTestClient(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))
	dead := srv.URL
	srv.Close()

	r := processingRelay(t, engine, dead)
	done, err := client.Deliver(context.Background(), r, "", "", nil)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if done.FailureReason == nil || *done.FailureReason != relay.FailureConnectionError {
		t.Fatalf("expected connection_error, got %v", done.FailureReason)
	}
}

func TestClient_DeliverTimeout(t *testing.T) {
	client, engine, _ := newTestClient(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ctx := context.Background()
	r, err := engine.Capture(ctx, lifecycle.CaptureInput{
		Source:  "test",
		Payload: []byte(`{}`),
		Route: &relay.Route{
			Name:           "slow",
			Destination:    srv.URL,
			Method:         http.MethodPost,
			TimeoutSeconds: 1,
		},
	})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	r, err = engine.StartAttempt(ctx, r)
	if err != nil {
		t.Fatalf("start attempt failed: %v", err)
	}

	done, err := client.Deliver(ctx, r, "", "", nil)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if done.FailureReason == nil || *done.FailureReason != relay.FailureConnectionTimeout {
		t.Fatalf("expected connection_timeout, got %v", done.FailureReason)
	}
	if done.LastAttemptDurationMs == nil || *done.LastAttemptDurationMs < 900 {
		t.Fatalf("expected duration around the timeout, got %v", done.LastAttemptDurationMs)
	}
}

func TestClient_DeliverSendTimePayload(t *testing.T) {
	client, engine, _ := newTestClient(t)

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	r, err := engine.Capture(ctx, lifecycle.CaptureInput{
		Source: "api",
		Route: &relay.Route{
			Name:        "api",
			Destination: srv.URL,
			Method:      http.MethodPost,
		},
	})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	r, _ = engine.StartAttempt(ctx, r)

	done, err := client.Deliver(ctx, r, "", "", map[string]interface{}{"order": 42})
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if done.Status != relay.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%v)", done.Status, done.FailureReason)
	}
	if gotBody != `{"order":42}` {
		t.Fatalf("unexpected body: %q", gotBody)
	}
	if string(done.Payload) != `{"order":42}` {
		t.Fatalf("payload not recorded on relay: %q", done.Payload)
	}
}

func TestClient_ResponseSnapshotTruncatesText(t *testing.T) {
	client, engine, cfg := newTestClient(t)
	cfg.HTTP.MaxResponseBytes = 16

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	r := processingRelay(t, engine, srv.URL)
	done, err := client.Deliver(context.Background(), r, "", "", nil)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if len(done.ResponsePayload) != 16 {
		t.Fatalf("expected 16-byte snapshot, got %d", len(done.ResponsePayload))
	}
}

func TestNormalizePayload(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  string
	}{
		{"nil", nil, ""},
		{"bytes", []byte("raw"), "raw"},
		{"string", "hello", "hello"},
		{"map", map[string]int{"a": 1}, `{"a":1}`},
		{"slice", []string{"a", "b"}, `["a","b"]`},
		{"struct", struct {
			Name string `json:"name"`
		}{"x"}, `{"name":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePayload(tt.input)
			if err != nil {
				t.Fatalf("normalize failed: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
