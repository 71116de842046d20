package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/funnyzak/hookrelay/internal/config"
	"github.com/funnyzak/hookrelay/internal/delivery"
	"github.com/funnyzak/hookrelay/internal/guard"
	"github.com/funnyzak/hookrelay/internal/lifecycle"
	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/internal/storage"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

type serverRig struct {
	srv    *Server
	life   *lifecycle.Engine
	store  storage.Store
	cfg    *config.Config
	routes map[string]*relay.Route
}

func newServerRig(t *testing.T, routes ...*relay.Route) *serverRig {
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

	life := lifecycle.New(store, cfg, logger.Noop())
	client := delivery.NewClient(life, cfg, logger.Noop())

	routeMap := make(map[string]*relay.Route, len(routes))
	for _, rt := range routes {
		routeMap[rt.Name] = rt
	}

	srv := New(cfg, logger.Noop(), life, client, nil, guard.NewRegistry(), routeMap)
	return &serverRig{srv: srv, life: life, store: store, cfg: cfg, routes: routeMap}
}

func (rig *serverRig) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	rig.srv.Router().ServeHTTP(rec, req)
	return rec
}

func (rig *serverRig) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	rig.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeCapture(t *testing.T, rec *httptest.ResponseRecorder) captureResponse {
	t.Helper()
	var resp captureResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestHandler_InboundUnknownRoute(t *testing.T) {
	rig := newServerRig(t)
	rec := rig.post(t, "/hooks/nope", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_InboundDisabledRoute(t *testing.T) {
	rig := newServerRig(t, &relay.Route{
		Name:        "off",
		Destination: "https://example.com/hook",
		Method:      http.MethodPost,
		Disabled:    true,
	})
	rec := rig.post(t, "/hooks/off", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for disabled route, got %d", rec.Code)
	}
}

func TestHandler_InboundEventMode(t *testing.T) {
	rig := newServerRig(t, &relay.Route{
		Name:        "orders",
		Destination: "https://example.com/hook",
		Method:      http.MethodPost,
		Mode:        relay.ModeEvent,
	})

	rec := rig.post(t, "/hooks/orders", `{"order":1}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeCapture(t, rec)
	if resp.Status != string(relay.StatusQueued) {
		t.Fatalf("event mode relay should stay QUEUED, got %s", resp.Status)
	}

	stored, err := rig.life.Get(httptest.NewRequest("GET", "/", nil).Context(), resp.RelayID)
	if err != nil {
		t.Fatalf("stored relay lookup failed: %v", err)
	}
	if string(stored.Payload) != `{"order":1}` {
		t.Fatalf("unexpected stored payload: %q", stored.Payload)
	}
}

func TestHandler_InboundHTTPMode(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	rig := newServerRig(t, &relay.Route{
		Name:        "sync",
		Destination: upstream.URL,
		Method:      http.MethodPost,
		Mode:        relay.ModeHTTP,
	})

	rec := rig.post(t, "/hooks/sync", `{"n":1}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeCapture(t, rec)
	if resp.Status != string(relay.StatusCompleted) {
		t.Fatalf("http mode relay should resolve in-request, got %s", resp.Status)
	}
}

func TestHandler_InboundHTTPModeDeliveryFailureStillAccepted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	rig := newServerRig(t, &relay.Route{
		Name:        "sync",
		Destination: upstream.URL,
		Method:      http.MethodPost,
		Mode:        relay.ModeHTTP,
	})

	rec := rig.post(t, "/hooks/sync", `{"n":1}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("delivery failure must not fail the capture, got %d", rec.Code)
	}
	resp := decodeCapture(t, rec)
	if resp.Status != string(relay.StatusFailed) {
		t.Fatalf("expected FAILED outcome, got %s", resp.Status)
	}
}

func TestHandler_InboundGuardRejection(t *testing.T) {
	rig := newServerRig(t, &relay.Route{
		Name:        "guarded",
		Destination: "https://example.com/hook",
		Method:      http.MethodPost,
		RequiredHeaders: []relay.HeaderRequirement{
			{Name: "X-Signature", Lookup: "present"},
		},
	})

	rec := rig.post(t, "/hooks/guarded", `{}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if len(resp.Reasons) != 1 || !strings.Contains(resp.Reasons[0], "X-Signature") {
		t.Fatalf("expected header reason, got %v", resp.Reasons)
	}

	// the rejection is persisted as a FAILED relay for audit
	ctx := httptest.NewRequest("GET", "/", nil).Context()
	count, err := rig.store.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 audit relay, got %d", count)
	}
}

func TestHandler_InboundGuardRejectionWithoutCapture(t *testing.T) {
	off := false
	rig := newServerRig(t, &relay.Route{
		Name:             "guarded",
		Destination:      "https://example.com/hook",
		Method:           http.MethodPost,
		CaptureOnFailure: &off,
		RequiredHeaders: []relay.HeaderRequirement{
			{Name: "X-Signature", Lookup: "present"},
		},
	})

	rec := rig.post(t, "/hooks/guarded", `{}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	ctx := httptest.NewRequest("GET", "/", nil).Context()
	count, _ := rig.store.Count(ctx)
	if count != 0 {
		t.Fatalf("capture_on_failure=false must not persist, got %d rows", count)
	}
}

func TestHandler_InboundGuardRejectionGlobalCaptureOff(t *testing.T) {
	rig := newServerRig(t, &relay.Route{
		Name:        "guarded",
		Destination: "https://example.com/hook",
		Method:      http.MethodPost,
		RequiredHeaders: []relay.HeaderRequirement{
			{Name: "X-Signature", Lookup: "present"},
		},
	})
	// the route leaves capture_on_failure unset, so the global flag
	// decides whether rejections persist
	rig.cfg.Capture.CaptureOnFailure = false

	rec := rig.post(t, "/hooks/guarded", `{}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	ctx := httptest.NewRequest("GET", "/", nil).Context()
	count, _ := rig.store.Count(ctx)
	if count != 0 {
		t.Fatalf("global capture_on_failure=false must not persist, got %d rows", count)
	}
}

func TestHandler_InboundBodyTooLarge(t *testing.T) {
	rig := newServerRig(t, &relay.Route{
		Name:        "orders",
		Destination: "https://example.com/hook",
		Method:      http.MethodPost,
	})
	rig.cfg.Capture.MaxPayloadBytes = 8

	rec := rig.post(t, "/hooks/orders", strings.Repeat("x", 64))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestHandler_GetRelay(t *testing.T) {
	rig := newServerRig(t, &relay.Route{
		Name:        "orders",
		Destination: "https://example.com/hook",
		Method:      http.MethodPost,
	})

	rec := rig.post(t, "/hooks/orders", `{"n":1}`)
	resp := decodeCapture(t, rec)

	got := rig.get(t, fmt.Sprintf("/relays/%d", resp.RelayID))
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.Code)
	}
	var rel relay.Relay
	if err := json.Unmarshal(got.Body.Bytes(), &rel); err != nil {
		t.Fatalf("decode relay: %v", err)
	}
	if rel.ID != resp.RelayID || rel.Status != relay.StatusQueued {
		t.Fatalf("unexpected relay: %+v", rel)
	}

	if missing := rig.get(t, "/relays/99999"); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing relay, got %d", missing.Code)
	}
}

func TestHandler_GetRelayLogs(t *testing.T) {
	rig := newServerRig(t, &relay.Route{
		Name:        "orders",
		Destination: "https://example.com/hook",
		Method:      http.MethodPost,
	})

	resp := decodeCapture(t, rig.post(t, "/hooks/orders", `{"n":1}`))
	rig.post(t, fmt.Sprintf("/relays/%d/cancel", resp.RelayID), "")

	rec := rig.get(t, fmt.Sprintf("/relays/%d/logs", resp.RelayID))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var logs []relay.Log
	if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected capture and cancel entries, got %d", len(logs))
	}
	if logs[0].Action != relay.LogActionCaptured || logs[1].Action != relay.LogActionCancelled {
		t.Fatalf("unexpected audit trail: %s, %s", logs[0].Action, logs[1].Action)
	}

	if missing := rig.get(t, "/relays/99999/logs"); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing relay, got %d", missing.Code)
	}
}

func TestHandler_CancelAndReplay(t *testing.T) {
	rig := newServerRig(t, &relay.Route{
		Name:        "orders",
		Destination: "https://example.com/hook",
		Method:      http.MethodPost,
	})

	resp := decodeCapture(t, rig.post(t, "/hooks/orders", `{"n":1}`))

	cancelled := rig.post(t, fmt.Sprintf("/relays/%d/cancel", resp.RelayID), "")
	if cancelled.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", cancelled.Code, cancelled.Body.String())
	}
	var rel relay.Relay
	if err := json.Unmarshal(cancelled.Body.Bytes(), &rel); err != nil {
		t.Fatalf("decode relay: %v", err)
	}
	if rel.Status != relay.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", rel.Status)
	}

	replayed := rig.post(t, fmt.Sprintf("/relays/%d/replay", resp.RelayID), "")
	if replayed.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", replayed.Code, replayed.Body.String())
	}
	if err := json.Unmarshal(replayed.Body.Bytes(), &rel); err != nil {
		t.Fatalf("decode relay: %v", err)
	}
	if rel.Status != relay.StatusQueued || rel.Attempts != 0 {
		t.Fatalf("expected reset QUEUED relay, got %+v", rel)
	}

	// replaying a queued relay is a conflict
	again := rig.post(t, fmt.Sprintf("/relays/%d/replay", resp.RelayID), "")
	if again.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", again.Code)
	}
}
