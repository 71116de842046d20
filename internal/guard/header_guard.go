package guard

import (
	"fmt"
	"strings"

	"github.com/funnyzak/hookrelay/pkg/relay"
)

// HeaderRequirementGuard is the builtin guard driven by a route's
// required_headers configuration. It checks presence or exact value of
// each named header.
type HeaderRequirementGuard struct {
	name         string
	requirements []relay.HeaderRequirement
}

// NewHeaderRequirementGuard builds the guard for a route.
func NewHeaderRequirementGuard(routeName string, reqs []relay.HeaderRequirement) *HeaderRequirementGuard {
	return &HeaderRequirementGuard{
		name:         routeName + "-headers",
		requirements: reqs,
	}
}

func (g *HeaderRequirementGuard) Name() string {
	return g.name
}

func (g *HeaderRequirementGuard) CaptureHeaderFailure() bool {
	return true
}

func (g *HeaderRequirementGuard) CapturePayloadFailure() bool {
	return true
}

// Validate checks every requirement and collects all failures before
// reporting, so the caller sees the complete list.
func (g *HeaderRequirementGuard) Validate(ctx *Context) error {
	var reasons []string
	for _, req := range g.requirements {
		value := ctx.Headers.Get(req.Name)
		switch strings.ToLower(strings.TrimSpace(req.Lookup)) {
		case "", "present":
			if value == "" {
				reasons = append(reasons, fmt.Sprintf("header %s is required", req.Name))
			}
		case "equals":
			if value != req.Expected {
				reasons = append(reasons, fmt.Sprintf("header %s does not match the expected value", req.Name))
			}
		}
	}
	if len(reasons) > 0 {
		return &HeaderViolation{GuardName: g.name, Reasons: reasons}
	}
	return nil
}
