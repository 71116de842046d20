package guard

import (
	"errors"
	"net/http"
	"testing"

	"github.com/funnyzak/hookrelay/pkg/relay"
)

func TestHeaderRequirementGuard_Present(t *testing.T) {
	g := NewHeaderRequirementGuard("orders", []relay.HeaderRequirement{
		{Name: "X-Event", Lookup: "present"},
	})

	err := g.Validate(&Context{Headers: http.Header{"X-Event": []string{"push"}}})
	if err != nil {
		t.Fatalf("expected pass, got %v", err)
	}

	err = g.Validate(&Context{Headers: http.Header{}})
	var hv *HeaderViolation
	if !errors.As(err, &hv) {
		t.Fatalf("expected HeaderViolation, got %v", err)
	}
	if len(hv.Reasons) != 1 {
		t.Fatalf("expected 1 reason, got %d", len(hv.Reasons))
	}
}

func TestHeaderRequirementGuard_Equals(t *testing.T) {
	g := NewHeaderRequirementGuard("orders", []relay.HeaderRequirement{
		{Name: "X-Token", Lookup: "equals", Expected: "s3cret"},
	})

	if err := g.Validate(&Context{Headers: http.Header{"X-Token": []string{"s3cret"}}}); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	if err := g.Validate(&Context{Headers: http.Header{"X-Token": []string{"wrong"}}}); err == nil {
		t.Fatal("expected mismatch to fail")
	}
}

func TestHeaderRequirementGuard_CollectsAllReasons(t *testing.T) {
	g := NewHeaderRequirementGuard("orders", []relay.HeaderRequirement{
		{Name: "X-A", Lookup: "present"},
		{Name: "X-B", Lookup: "equals", Expected: "v"},
	})

	err := g.Validate(&Context{Headers: http.Header{}})
	var hv *HeaderViolation
	if !errors.As(err, &hv) {
		t.Fatalf("expected HeaderViolation, got %v", err)
	}
	if len(hv.Reasons) != 2 {
		t.Fatalf("expected both failures reported, got %d", len(hv.Reasons))
	}
}

func TestFailureReasonMapping(t *testing.T) {
	if got := FailureReason(&HeaderViolation{}); got != relay.FailureHeaderValidation {
		t.Fatalf("expected header_validation_failed, got %s", got)
	}
	if got := FailureReason(&PayloadViolation{}); got != relay.FailurePayloadValidation {
		t.Fatalf("expected payload_validation_failed, got %s", got)
	}
	if got := FailureReason(&Rejection{}); got != relay.FailureForbidden {
		t.Fatalf("expected forbidden, got %s", got)
	}
}

func TestStatusCodes(t *testing.T) {
	if StatusCode(&HeaderViolation{}) != http.StatusUnprocessableEntity {
		t.Fatal("header violation should be 422")
	}
	if StatusCode(&PayloadViolation{}) != http.StatusUnprocessableEntity {
		t.Fatal("payload violation should be 422")
	}
	if StatusCode(&Rejection{}) != http.StatusForbidden {
		t.Fatal("rejection should be 403")
	}
	if StatusCode(errors.New("other")) != http.StatusForbidden {
		t.Fatal("unknown errors default to 403")
	}
}

func TestRegistry_ForRoute(t *testing.T) {
	reg := NewRegistry()

	// route naming a missing guard is a configuration error
	_, err := reg.ForRoute(&relay.Route{Name: "a", Guard: "nope"})
	if err == nil {
		t.Fatal("expected unknown guard error")
	}

	// registered guard resolves by name
	custom := NewHeaderRequirementGuard("custom", nil)
	reg.Register(custom)
	g, err := reg.ForRoute(&relay.Route{Name: "a", Guard: "custom-headers"})
	if err != nil || g != Guard(custom) {
		t.Fatalf("expected registered guard, got %v (%v)", g, err)
	}

	// required headers fall back to the builtin guard
	g, err = reg.ForRoute(&relay.Route{
		Name:            "b",
		RequiredHeaders: []relay.HeaderRequirement{{Name: "X-A"}},
	})
	if err != nil || g == nil {
		t.Fatalf("expected builtin guard, got %v (%v)", g, err)
	}

	// no guard, no required headers: nothing to run
	g, err = reg.ForRoute(&relay.Route{Name: "c"})
	if err != nil || g != nil {
		t.Fatalf("expected no guard, got %v (%v)", g, err)
	}
}

func TestShouldCapture(t *testing.T) {
	g := NewHeaderRequirementGuard("r", nil)

	if !ShouldCapture(g, &HeaderViolation{}, &relay.Route{Name: "r"}, true) {
		t.Fatal("default route policy should capture failures")
	}

	off := false
	rt := &relay.Route{Name: "r", CaptureOnFailure: &off}
	if ShouldCapture(g, &HeaderViolation{}, rt, true) {
		t.Fatal("route capture_on_failure=false must win")
	}
}

func TestShouldCaptureGlobalFallback(t *testing.T) {
	g := NewHeaderRequirementGuard("r", nil)

	// a route without the flag inherits the global setting
	rt := &relay.Route{Name: "r"}
	if ShouldCapture(g, &HeaderViolation{}, rt, false) {
		t.Fatal("global capture disabled must apply to routes without the flag")
	}

	// an explicit route flag overrides the global setting either way
	on := true
	rt = &relay.Route{Name: "r", CaptureOnFailure: &on}
	if !ShouldCapture(g, &HeaderViolation{}, rt, false) {
		t.Fatal("route capture_on_failure=true must override a disabled global")
	}

	if ShouldCapture(g, &HeaderViolation{}, nil, false) {
		t.Fatal("no route means the global setting decides")
	}
}

func TestRegistry_ValidateRoutes(t *testing.T) {
	reg := NewRegistry()

	routes := map[string]*relay.Route{
		"plain": {Name: "plain"},
		"bad":   {Name: "bad", Guard: "missing"},
	}
	if err := reg.ValidateRoutes(routes); err == nil {
		t.Fatal("expected unresolved guard name to fail validation")
	}

	// disabled routes are skipped even with a bad guard name
	routes["bad"].Disabled = true
	if err := reg.ValidateRoutes(routes); err != nil {
		t.Fatalf("disabled route must not fail validation: %v", err)
	}

	routes["bad"].Disabled = false
	reg.Register(NewHeaderRequirementGuard("missing", nil))
	routes["bad"].Guard = "missing-headers"
	if err := reg.ValidateRoutes(routes); err != nil {
		t.Fatalf("registered guard should validate: %v", err)
	}
}
