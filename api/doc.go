// Package api provides the caller-visible request/response envelope for
// the gateway's HTTP API.
//
// # API Overview
//
// The gateway exposes two proxy endpoints plus operational surfaces:
//   - POST /proxy/http — generic HTTP reverse-proxy with caching, idempotency,
//     retry, and circuit breaking.
//   - POST /proxy/llm — LLM-specialised proxy with cost budgeting, provider
//     key pooling, and streaming passthrough.
//   - GET /healthz, /readyz, /livez — health probes.
//   - GET /metrics — Prometheus exposition.
//
// # Authentication
//
// Requests authenticate via the X-API-Key header, which resolves to a
// tenant. Profile selection, when the caller belongs to more than one
// client profile, uses the X-Client header.
package api
