package guard

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/funnyzak/hookrelay/pkg/relay"
)

// Context carries the inbound request data a guard inspects.
type Context struct {
	Route   *relay.Route
	Headers http.Header
	Payload []byte
}

// Guard validates an inbound request before capture. The capture flags
// decide whether a rejected request still persists a failed relay for
// audit, per violation kind.
type Guard interface {
	Name() string
	Validate(ctx *Context) error
	CaptureHeaderFailure() bool
	CapturePayloadFailure() bool
}

// HeaderViolation reports one or more missing or mismatched headers.
type HeaderViolation struct {
	GuardName string
	Reasons   []string
}

func (v *HeaderViolation) Error() string {
	return fmt.Sprintf("guard %s: header validation failed: %s", v.GuardName, strings.Join(v.Reasons, "; "))
}

// StatusCode returns the HTTP status the capture surface responds with.
func (v *HeaderViolation) StatusCode() int {
	return http.StatusUnprocessableEntity
}

// PayloadViolation reports an invalid inbound payload.
type PayloadViolation struct {
	GuardName string
	Reasons   []string
}

func (v *PayloadViolation) Error() string {
	return fmt.Sprintf("guard %s: payload validation failed: %s", v.GuardName, strings.Join(v.Reasons, "; "))
}

func (v *PayloadViolation) StatusCode() int {
	return http.StatusUnprocessableEntity
}

// Rejection refuses a request outright, without a field-level reason.
type Rejection struct {
	GuardName string
	Reason    string
}

func (v *Rejection) Error() string {
	return fmt.Sprintf("guard %s: rejected: %s", v.GuardName, v.Reason)
}

func (v *Rejection) StatusCode() int {
	return http.StatusForbidden
}

// FailureReason maps a guard error to the relay failure taxonomy.
func FailureReason(err error) relay.Failure {
	switch err.(type) {
	case *HeaderViolation:
		return relay.FailureHeaderValidation
	case *PayloadViolation:
		return relay.FailurePayloadValidation
	default:
		return relay.FailureForbidden
	}
}

// StatusCode extracts the HTTP status for a guard error.
func StatusCode(err error) int {
	type statusCoder interface {
		StatusCode() int
	}
	if sc, ok := err.(statusCoder); ok {
		return sc.StatusCode()
	}
	return http.StatusForbidden
}

// ShouldCapture reports whether a rejected request still persists a
// failed relay, combining the guard's per-kind flag with the route's
// capture-on-failure setting. Routes that leave the flag unset inherit
// the global capture default.
func ShouldCapture(g Guard, err error, rt *relay.Route, fallback bool) bool {
	capture := fallback
	if rt != nil {
		capture = rt.CapturesFailures(fallback)
	}
	if !capture {
		return false
	}
	if g == nil {
		return true
	}
	switch err.(type) {
	case *HeaderViolation:
		return g.CaptureHeaderFailure()
	case *PayloadViolation:
		return g.CapturePayloadFailure()
	default:
		return true
	}
}

// Registry resolves guards by name.
type Registry struct {
	mu     sync.RWMutex
	guards map[string]Guard
}

// NewRegistry returns an empty guard registry.
func NewRegistry() *Registry {
	return &Registry{guards: make(map[string]Guard)}
}

// Register adds a guard under its name, replacing any previous entry.
func (reg *Registry) Register(g Guard) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.guards[g.Name()] = g
}

// Lookup returns the guard registered under name.
func (reg *Registry) Lookup(name string) (Guard, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	g, ok := reg.guards[name]
	return g, ok
}

// ForRoute resolves the guard a route names. Routes without a guard get
// the builtin header requirement guard when they declare required
// headers, otherwise no guard at all.
func (reg *Registry) ForRoute(rt *relay.Route) (Guard, error) {
	if rt == nil {
		return nil, nil
	}
	if rt.Guard != "" {
		g, ok := reg.Lookup(rt.Guard)
		if !ok {
			return nil, fmt.Errorf("route %s names unknown guard %q", rt.Name, rt.Guard)
		}
		return g, nil
	}
	if len(rt.RequiredHeaders) > 0 {
		return NewHeaderRequirementGuard(rt.Name, rt.RequiredHeaders), nil
	}
	return nil, nil
}

// ValidateRoutes checks that every enabled route naming a guard resolves
// against the registry, so a bad guard name fails at startup instead of
// surfacing as a request error.
func (reg *Registry) ValidateRoutes(routes map[string]*relay.Route) error {
	for _, rt := range routes {
		if rt == nil || !rt.Enabled() {
			continue
		}
		if _, err := reg.ForRoute(rt); err != nil {
			return err
		}
	}
	return nil
}
