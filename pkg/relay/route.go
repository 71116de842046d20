package relay

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// HeaderRequirement describes a header an inbound guard must find on a
// captured request. Lookup "equals" compares against Expected, "present"
// only requires the header to exist.
type HeaderRequirement struct {
	Name     string `yaml:"name"`
	Lookup   string `yaml:"lookup"`
	Expected string `yaml:"expected"`
}

// Route is a configured relay destination and its delivery policy. The
// engine consumes routes as policy input; it does not own their CRUD.
type Route struct {
	Name             string              `yaml:"name"`
	Destination      string              `yaml:"destination"`
	Method           string              `yaml:"method"`
	Mode             Mode                `yaml:"mode"`
	Disabled         bool                `yaml:"disabled"`
	RetrySeconds     int                 `yaml:"retry_seconds"`
	MaxAttempts      int                 `yaml:"max_attempts"`
	DelaySeconds     int                 `yaml:"delay_seconds"`
	TimeoutSeconds   int                 `yaml:"timeout_seconds"`
	Guard            string              `yaml:"guard"`
	RequiredHeaders  []HeaderRequirement `yaml:"required_headers"`
	CaptureOnFailure *bool               `yaml:"capture_on_failure"`
}

// Enabled reports whether the route accepts new relays.
func (rt *Route) Enabled() bool {
	return !rt.Disabled
}

// CapturesFailures reports whether guard-rejected requests should still
// persist a failed relay for audit. Routes that leave the flag unset
// inherit the global capture default.
func (rt *Route) CapturesFailures(fallback bool) bool {
	if rt.CaptureOnFailure == nil {
		return fallback
	}
	return *rt.CaptureOnFailure
}

// Validate checks the route definition for structural problems.
func (rt *Route) Validate() error {
	if strings.TrimSpace(rt.Name) == "" {
		return fmt.Errorf("route name cannot be empty")
	}
	if strings.TrimSpace(rt.Destination) == "" {
		return fmt.Errorf("route %s destination cannot be empty", rt.Name)
	}
	if len(rt.Destination) > MaxDestinationURLLength {
		return fmt.Errorf("route %s destination exceeds %d characters", rt.Name, MaxDestinationURLLength)
	}
	if rt.Method != "" && !SupportedMethod(rt.Method) {
		return fmt.Errorf("route %s method %q is not supported", rt.Name, rt.Method)
	}
	if rt.Mode != "" && !rt.Mode.Valid() {
		return fmt.Errorf("route %s mode must be http or event", rt.Name)
	}
	if rt.RetrySeconds < 0 {
		return fmt.Errorf("route %s retry_seconds cannot be negative", rt.Name)
	}
	if rt.MaxAttempts < 0 {
		return fmt.Errorf("route %s max_attempts cannot be negative", rt.Name)
	}
	if rt.DelaySeconds < 0 {
		return fmt.Errorf("route %s delay_seconds cannot be negative", rt.Name)
	}
	if rt.TimeoutSeconds < 0 {
		return fmt.Errorf("route %s timeout_seconds cannot be negative", rt.Name)
	}
	for i, req := range rt.RequiredHeaders {
		if strings.TrimSpace(req.Name) == "" {
			return fmt.Errorf("route %s required_headers[%d] name cannot be empty", rt.Name, i)
		}
		switch strings.ToLower(strings.TrimSpace(req.Lookup)) {
		case "", "present", "equals":
		default:
			return fmt.Errorf("route %s required_headers[%d] lookup must be present or equals", rt.Name, i)
		}
	}
	return nil
}

type routesFile struct {
	Routes []*Route `yaml:"routes"`
}

// LoadRoutes reads route definitions from a YAML file and returns them
// keyed by route name.
func LoadRoutes(path string) (map[string]*Route, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return ParseRoutes(raw)
}

// ParseRoutes parses route definitions from YAML bytes.
func ParseRoutes(raw []byte) (map[string]*Route, error) {
	var file routesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}

	routes := make(map[string]*Route, len(file.Routes))
	for _, rt := range file.Routes {
		if rt == nil {
			continue
		}
		normalizeRoute(rt)
		if err := rt.Validate(); err != nil {
			return nil, err
		}
		if _, dup := routes[rt.Name]; dup {
			return nil, fmt.Errorf("duplicate route name %q", rt.Name)
		}
		routes[rt.Name] = rt
	}
	return routes, nil
}

func normalizeRoute(rt *Route) {
	rt.Name = strings.TrimSpace(rt.Name)
	rt.Destination = strings.TrimSpace(rt.Destination)
	rt.Method = strings.ToUpper(strings.TrimSpace(rt.Method))
	if rt.Method == "" {
		rt.Method = "POST"
	}
	if rt.Mode == "" {
		rt.Mode = ModeEvent
	}
}
