package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/api"
	"github.com/KikuAI-Lab/reliapi/internal/gwerr"
	"github.com/KikuAI-Lab/reliapi/internal/proxy"
)

// HTTPProxyHandler serves POST /proxy/http.
type HTTPProxyHandler struct {
	engine *proxy.Engine
	logger *zap.Logger
}

// NewHTTPProxyHandler builds a HTTPProxyHandler over engine.
func NewHTTPProxyHandler(engine *proxy.Engine, logger *zap.Logger) *HTTPProxyHandler {
	return &HTTPProxyHandler{engine: engine, logger: logger.With(zap.String("handler", "proxy_http"))}
}

func (h *HTTPProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := proxy.NewRequestID()
	meta := api.Meta{RequestID: requestID}

	if r.Method != http.MethodPost {
		WriteError(w, gwerr.New(gwerr.BadRequest, "method not allowed").WithHTTPStatus(http.StatusMethodNotAllowed), meta, h.logger)
		return
	}
	if !ValidateContentType(w, r, meta, h.logger) {
		return
	}

	var body api.HTTPProxyRequest
	if err := DecodeJSONBody(w, r, &body, meta, h.logger); err != nil {
		return
	}
	if body.Target == "" || body.Method == "" {
		WriteError(w, gwerr.New(gwerr.BadRequest, "target and method are required"), meta, h.logger)
		return
	}

	profile, tenant, authErr := h.engine.Authenticate(r)
	if authErr != nil {
		WriteError(w, authErr, meta, h.logger)
		return
	}

	cacheTTL := time.Duration(body.CacheTTLS) * time.Second

	result, gerr := h.engine.HandleHTTP(r.Context(), tenant, profile, proxy.HTTPRequest{
		TargetName:     body.Target,
		Method:         body.Method,
		Path:           body.Path,
		Headers:        body.Headers,
		Query:          body.Query,
		Body:           []byte(body.Body),
		IdempotencyKey: body.IdempotencyKey,
		CacheTTL:       cacheTTL,
	})
	meta.DurationMS = time.Since(start).Milliseconds()

	successStatus := 0
	if result != nil {
		successStatus = result.StatusCode
	}
	ObserveRequestMetric(h.engine, body.Target, successStatus, gerr, time.Since(start).Seconds())

	if gerr != nil {
		meta.Retries = 0
		writeProxyHeaders(w, requestID, false, false, 0, meta.DurationMS)
		WriteError(w, gerr, meta, h.logger)
		return
	}

	meta.CacheHit = result.CacheHit
	meta.IdempotentHit = result.IdempotentHit
	meta.Retries = result.Retries

	headers := make(map[string]string, len(result.Headers))
	for k, v := range result.Headers {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	writeProxyHeaders(w, requestID, result.CacheHit, result.IdempotentHit, result.Retries, meta.DurationMS)
	WriteSuccess(w, api.HTTPProxyData{StatusCode: result.StatusCode, Headers: headers, Body: string(result.Body)}, meta)
}

func writeProxyHeaders(w http.ResponseWriter, requestID string, cacheHit, idempotentHit bool, retries int, durationMS int64) {
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Cache-Hit", strconv.FormatBool(cacheHit || idempotentHit))
	w.Header().Set("X-Retries", strconv.Itoa(retries))
	w.Header().Set("X-Duration-MS", strconv.FormatInt(durationMS, 10))
}
