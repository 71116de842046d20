package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/funnyzak/hookrelay/internal/config"
	"github.com/funnyzak/hookrelay/internal/delivery"
	"github.com/funnyzak/hookrelay/internal/guard"
	"github.com/funnyzak/hookrelay/internal/lifecycle"
	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

var errRequestBodyTooLarge = errors.New("request body exceeds configured limit")

// Handler serves inbound captures and the relay admin endpoints.
type Handler struct {
	config   *config.Config
	logger   logger.Logger
	life     *lifecycle.Engine
	client   *delivery.Client
	registry *guard.Registry
	routes   map[string]*relay.Route
}

// NewHandler creates a new request handler.
func NewHandler(
	cfg *config.Config,
	log logger.Logger,
	life *lifecycle.Engine,
	client *delivery.Client,
	registry *guard.Registry,
	routes map[string]*relay.Route,
) *Handler {
	return &Handler{
		config:   cfg,
		logger:   log,
		life:     life,
		client:   client,
		registry: registry,
		routes:   routes,
	}
}

type captureResponse struct {
	RelayID int64  `json:"relay_id"`
	Status  string `json:"status"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Guard   string   `json:"guard,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// HandleInbound captures an event for the named route.
func (h *Handler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	routeName := mux.Vars(r)["route"]
	rt, ok := h.routes[routeName]
	if !ok || !rt.Enabled() {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown route"})
		return
	}

	body, err := h.readRequestBody(r)
	if err != nil {
		h.handleBodyReadError(w, err)
		return
	}

	if err := h.runGuard(w, r, rt, body); err != nil {
		return
	}

	captured, err := h.life.Capture(r.Context(), lifecycle.CaptureInput{
		Source:  routeName,
		Headers: r.Header,
		Payload: body,
		Route:   rt,
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrPayloadTooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
			return
		}
		h.logger.Error("Capture failed", "route", routeName, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "capture failed"})
		return
	}

	// http mode delivers inside the request; a delivery failure is a
	// relay outcome, never a capture error.
	if captured.Mode == relay.ModeHTTP {
		captured = h.deliverNow(r, captured)
	}

	writeJSON(w, http.StatusAccepted, captureResponse{
		RelayID: captured.ID,
		Status:  string(captured.Status),
	})
}

// runGuard validates the request and writes the rejection response on
// failure. A non-nil return means the response is already written.
func (h *Handler) runGuard(w http.ResponseWriter, r *http.Request, rt *relay.Route, body []byte) error {
	g, err := h.registry.ForRoute(rt)
	if err != nil {
		h.logger.Error("Guard resolution failed", "route", rt.Name, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "guard configuration error"})
		return err
	}
	if g == nil {
		return nil
	}

	verr := g.Validate(&guard.Context{Route: rt, Headers: r.Header, Payload: body})
	if verr == nil {
		return nil
	}

	h.logger.Warn("Inbound request rejected",
		"route", rt.Name,
		"guard", g.Name(),
		"error", verr,
	)

	if guard.ShouldCapture(g, verr, rt, h.config.Capture.CaptureOnFailure) {
		if _, err := h.life.CaptureRejected(r.Context(), lifecycle.CaptureInput{
			Source:  rt.Name,
			Headers: r.Header,
			Payload: body,
			Route:   rt,
		}, guard.FailureReason(verr)); err != nil {
			h.logger.Error("Rejected capture failed", "route", rt.Name, "error", err)
		}
	}

	resp := errorResponse{Error: verr.Error(), Guard: g.Name()}
	var hv *guard.HeaderViolation
	var pv *guard.PayloadViolation
	if errors.As(verr, &hv) {
		resp.Reasons = hv.Reasons
	} else if errors.As(verr, &pv) {
		resp.Reasons = pv.Reasons
	}
	writeJSON(w, guard.StatusCode(verr), resp)
	return verr
}

// deliverNow runs a synchronous delivery attempt for http mode routes.
func (h *Handler) deliverNow(r *http.Request, captured *relay.Relay) *relay.Relay {
	started, err := h.life.StartAttempt(r.Context(), captured)
	if err != nil {
		h.logger.Warn("Immediate attempt not started", "relay_id", captured.ID, "error", err)
		return captured
	}
	resolved, err := h.client.Deliver(r.Context(), started, "", "", nil)
	if err != nil {
		h.logger.Error("Immediate delivery errored", "relay_id", captured.ID, "error", err)
		return started
	}
	return resolved
}

// HandleGetRelay returns one relay as JSON.
func (h *Handler) HandleGetRelay(w http.ResponseWriter, r *http.Request) {
	rel, ok := h.loadRelay(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// HandleGetRelayLogs returns the audit trail of one relay as JSON.
func (h *Handler) HandleGetRelayLogs(w http.ResponseWriter, r *http.Request) {
	rel, ok := h.loadRelay(w, r)
	if !ok {
		return
	}
	logs, err := h.life.Logs(r.Context(), rel.ID)
	if err != nil {
		h.logger.Error("Relay log lookup failed", "relay_id", rel.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "log lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// HandleCancel cancels a relay.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	rel, ok := h.loadRelay(w, r)
	if !ok {
		return
	}
	cancelled, err := h.life.Cancel(r.Context(), rel)
	if err != nil {
		h.writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// HandleReplay requeues a cancelled or failed relay from scratch.
func (h *Handler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	rel, ok := h.loadRelay(w, r)
	if !ok {
		return
	}
	replayed, err := h.life.Replay(r.Context(), rel)
	if err != nil {
		h.writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replayed)
}

func (h *Handler) loadRelay(w http.ResponseWriter, r *http.Request) (*relay.Relay, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid relay id"})
		return nil, false
	}
	rel, err := h.life.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrRelayNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "relay not found"})
		} else {
			h.logger.Error("Relay lookup failed", "relay_id", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
		}
		return nil, false
	}
	return rel, true
}

func (h *Handler) writeTransitionError(w http.ResponseWriter, err error) {
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	h.logger.Error("Relay transition failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "transition failed"})
}

func (h *Handler) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	limit := h.config.Capture.MaxPayloadBytes
	if limit <= 0 {
		return io.ReadAll(r.Body)
	}

	limited := io.LimitReader(r.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errRequestBodyTooLarge
	}
	return body, nil
}

func (h *Handler) handleBodyReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errRequestBodyTooLarge):
		h.logger.Warn("Request body exceeds configured limit",
			"limit_bytes", h.config.Capture.MaxPayloadBytes,
		)
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
	default:
		h.logger.Error("Failed to read request body", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "read failed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", "Hookrelay/1.0")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
