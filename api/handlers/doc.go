/*
Package handlers implements the gateway's HTTP request handlers: the
HTTP-generic and LLM-specialised proxy endpoints, health probes, and the
shared response/error envelope helpers they all build on.

# Core types

  - HTTPProxyHandler — POST /proxy/http
  - LLMProxyHandler  — POST /proxy/llm (non-streaming and SSE streaming)
  - HealthHandler    — /healthz, /readyz, /livez
  - Response         — unified JSON envelope (success + data + error + meta)
  - ErrorInfo         — normalised error detail (code, message, retryable, source)
  - ResponseWriter   — wraps http.ResponseWriter to capture the status code
  - HealthCheck      — pluggable health check (Redis, ...)
*/
package handlers
