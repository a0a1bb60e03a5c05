package x402

import (
	"fmt"
	"sort"
	"strings"
)

// PriceOption is one way a route accepts payment.
type PriceOption struct {
	// Scheme is the payment scheme; defaults to "exact".
	Scheme string

	// Price is the amount charged, either as dollars or atomic units.
	Price Price

	// Network is the CAIP-2 network the payment must be made on.
	Network string

	// PayTo is the address that receives the payment.
	PayTo string
}

// RouteConfig declares the pricing for one route.
type RouteConfig struct {
	// Accepts lists the payment options a client may choose between.
	Accepts []PriceOption

	// Description explains what this payment is for.
	Description string

	// MimeType of the resource being sold (optional).
	MimeType string

	// MaxTimeoutSeconds is advisory to the facilitator; defaults to 300.
	MaxTimeoutSeconds int
}

// Routes maps route patterns to pricing. Patterns are "VERB /path" with
// optional "{param}" wildcard segments; a pattern without a verb applies
// to all verbs. Verbs match case-insensitively.
type Routes map[string]RouteConfig

const defaultMaxTimeoutSeconds = 300

type compiledRoute struct {
	pattern      string
	method       string // upper-case; "" matches any verb
	segments     []string
	config       RouteConfig
	requirements []PaymentRequirements // Resource filled per request
}

// RouteTable is a compiled, immutable set of priced routes.
type RouteTable struct {
	routes []*compiledRoute
}

// MatchedRoute is the configuration selected for one request.
type MatchedRoute struct {
	Pattern      string
	Config       RouteConfig
	requirements []PaymentRequirements
}

// Requirements returns the route's requirement sets with the request's
// resource URL filled in. The returned slice is a fresh copy per call.
func (m *MatchedRoute) Requirements(resource string) []PaymentRequirements {
	out := make([]PaymentRequirements, len(m.requirements))
	for i, req := range m.requirements {
		req.Resource = resource
		out[i] = req
	}
	return out
}

// CompileRoutes validates and compiles a route map. Price specs are
// resolved here so misconfiguration fails at startup, and overlapping
// patterns that could both match one (path, method) pair are rejected.
func CompileRoutes(routes Routes) (*RouteTable, error) {
	compiled := make([]*compiledRoute, 0, len(routes))

	// Map iteration order is random; sort patterns so compilation and
	// matching are deterministic for a fixed route set.
	patterns := make([]string, 0, len(routes))
	for pattern := range routes {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	for _, pattern := range patterns {
		cr, err := compileRoute(pattern, routes[pattern])
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cr)
	}

	for i := 0; i < len(compiled); i++ {
		for j := i + 1; j < len(compiled); j++ {
			if routesOverlap(compiled[i], compiled[j]) {
				return nil, NewPaymentError(ErrCodeInvalidRoute,
					fmt.Sprintf("patterns %q and %q overlap", compiled[i].pattern, compiled[j].pattern),
					ErrAmbiguousRoutes)
			}
		}
	}

	return &RouteTable{routes: compiled}, nil
}

func compileRoute(pattern string, config RouteConfig) (*compiledRoute, error) {
	method := ""
	pathPart := pattern

	if !strings.HasPrefix(pattern, "/") {
		fields := strings.SplitN(pattern, " ", 2)
		if len(fields) != 2 || !strings.HasPrefix(fields[1], "/") {
			return nil, NewPaymentError(ErrCodeInvalidRoute,
				fmt.Sprintf("pattern %q is not \"VERB /path\" or \"/path\"", pattern), nil)
		}
		method = strings.ToUpper(fields[0])
		pathPart = fields[1]
	}

	if len(config.Accepts) == 0 {
		return nil, NewPaymentError(ErrCodeInvalidRoute,
			fmt.Sprintf("route %q accepts no payment options", pattern), nil)
	}

	cr := &compiledRoute{
		pattern:  pattern,
		method:   method,
		segments: splitPath(pathPart),
		config:   config,
	}

	timeout := config.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = defaultMaxTimeoutSeconds
	}

	for _, option := range config.Accepts {
		scheme := option.Scheme
		if scheme == "" {
			scheme = "exact"
		}
		if option.PayTo == "" {
			return nil, NewPaymentError(ErrCodeInvalidRoute,
				fmt.Sprintf("route %q has a payment option without payTo", pattern), nil)
		}
		resolved, err := ResolvePrice(option.Price, option.Network)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", pattern, err)
		}
		cr.requirements = append(cr.requirements, PaymentRequirements{
			Scheme:            scheme,
			Network:           option.Network,
			MaxAmountRequired: resolved.MaxAmountRequired,
			Description:       config.Description,
			MimeType:          config.MimeType,
			PayTo:             option.PayTo,
			Asset:             resolved.Asset.Address,
			MaxTimeoutSeconds: timeout,
			Extra: &AssetExtra{
				Name:    resolved.Asset.EIP712Name,
				Version: resolved.Asset.EIP712Version,
			},
		})
	}

	return cr, nil
}

// Match finds the route configuration for a (method, path) pair, or nil
// when the route is not priced. For a fixed table the result depends only
// on the inputs.
func (t *RouteTable) Match(method, path string) *MatchedRoute {
	method = strings.ToUpper(method)
	segments := splitPath(path)

	for _, route := range t.routes {
		if route.method != "" && route.method != method {
			continue
		}
		if !segmentsMatch(route.segments, segments) {
			continue
		}
		return &MatchedRoute{
			Pattern:      route.pattern,
			Config:       route.config,
			requirements: route.requirements,
		}
	}
	return nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func isWildcard(segment string) bool {
	return strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}")
}

func segmentsMatch(pattern, path []string) bool {
	if len(pattern) != len(path) {
		return false
	}
	for i, seg := range pattern {
		if isWildcard(seg) {
			continue
		}
		if seg != path[i] {
			return false
		}
	}
	return true
}

// routesOverlap reports whether two compiled routes could both match some
// (path, method) pair.
func routesOverlap(a, b *compiledRoute) bool {
	if a.method != "" && b.method != "" && a.method != b.method {
		return false
	}
	if len(a.segments) != len(b.segments) {
		return false
	}
	for i := range a.segments {
		if isWildcard(a.segments[i]) || isWildcard(b.segments[i]) {
			continue
		}
		if a.segments[i] != b.segments[i] {
			return false
		}
	}
	return true
}
