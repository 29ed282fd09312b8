package proxy

import "net/http"

// RouteOverride carries the caller-supplied routing override headers
// (`X-RouteLLM-*`), per §6's "Routing override headers (optional)" and the
// concrete header set in the original routellm integration.
type RouteOverride struct {
	Provider   string
	Model      string
	DecisionID string
	RouteName  string
	Reason     string
}

// ParseRouteOverride reads the X-RouteLLM-* request headers. A zero-value
// RouteOverride (all fields empty) means no override was requested.
func ParseRouteOverride(r *http.Request) RouteOverride {
	return RouteOverride{
		Provider:   r.Header.Get("X-RouteLLM-Provider"),
		Model:      r.Header.Get("X-RouteLLM-Model"),
		DecisionID: r.Header.Get("X-RouteLLM-Decision-ID"),
		RouteName:  r.Header.Get("X-RouteLLM-Route-Name"),
		Reason:     r.Header.Get("X-RouteLLM-Reason"),
	}
}

// Apply overrides provider/model when the caller specified them, returning
// the effective values.
func (o RouteOverride) Apply(provider, model string) (string, string) {
	if o.Provider != "" {
		provider = o.Provider
	}
	if o.Model != "" {
		model = o.Model
	}
	return provider, model
}

// WriteEchoHeaders echoes the routing decision back to the caller prefixed
// with the gateway's own namespace, per §6: "their values override the
// target/model when present and are echoed in response headers prefixed
// with the gateway's namespace."
func (o RouteOverride) WriteEchoHeaders(w http.ResponseWriter, provider, model string) {
	if o.Provider == "" && o.Model == "" && o.DecisionID == "" {
		return
	}
	if provider != "" {
		w.Header().Set("X-ReliAPI-Provider", provider)
	}
	if model != "" {
		w.Header().Set("X-ReliAPI-Model", model)
	}
	if o.DecisionID != "" {
		w.Header().Set("X-ReliAPI-Decision-ID", o.DecisionID)
	}
}
