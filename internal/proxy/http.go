package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/internal/cache"
	"github.com/KikuAI-Lab/reliapi/internal/gwconfig"
	"github.com/KikuAI-Lab/reliapi/internal/gwerr"
	"github.com/KikuAI-Lab/reliapi/internal/idempotency"
	"github.com/KikuAI-Lab/reliapi/internal/keypool"
	"github.com/KikuAI-Lab/reliapi/internal/upstream"
)

// hopByHopHeaders are stripped from both the inbound request and the
// upstream response, per §6: "passes through caller-supplied headers (minus
// hop-by-hop)".
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// HTTPRequest is the engine-level shape of a /proxy/http call.
type HTTPRequest struct {
	TargetName     string
	Method         string
	Path           string
	Headers        map[string]string
	Query          map[string]string
	Body           []byte
	IdempotencyKey string
	CacheTTL       time.Duration // 0 means use the target's configured default
}

// HTTPResult is the engine-level shape of a /proxy/http response.
type HTTPResult struct {
	StatusCode    int
	Headers       map[string][]string
	Body          []byte
	CacheHit      bool
	IdempotentHit bool
	Retries       int
}

// HandleHTTP implements §4.11's ten-step pipeline for the generic HTTP
// proxy path.
func (e *Engine) HandleHTTP(ctx context.Context, tenant *gwconfig.Tenant, profile *gwconfig.ClientProfile, req HTTPRequest) (*HTTPResult, *gwerr.Error) {
	target, ok := e.Target(req.TargetName)
	if !ok {
		return nil, gwerr.New(gwerr.NotFound, "unknown target: "+req.TargetName).WithSource(gwerr.SourceReliAPI)
	}

	method := strings.ToUpper(req.Method)
	cacheable := cache.Cacheable(method, target.AllowPost)
	fingerprint := ""
	if cacheable {
		fingerprint = cache.Fingerprint(method, req.Path, headerSet(req.Headers), req.Body)
		if entry, hit := e.cache.Get(ctx, tenant.Name, fingerprint); hit {
			e.metrics.RecordCacheHit(req.TargetName)
			return &HTTPResult{StatusCode: entry.StatusCode, Headers: entry.Headers, Body: entry.Body, CacheHit: true}, nil
		}
		e.metrics.RecordCacheMiss(req.TargetName)
	}

	mutating := method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
	requestHash := ""
	if mutating && req.IdempotencyKey != "" {
		requestHash = idempotencyHash(method, req.Path, req.Body)
		outcome, result, err := e.idempotency.Register(ctx, tenant.Name, req.IdempotencyKey, requestHash, false)
		if err != nil {
			e.logger.Warn("idempotency register failed", zap.Error(err))
		}
		switch outcome {
		case idempotency.Completed:
			return &HTTPResult{StatusCode: result.StatusCode, Headers: result.Headers, Body: result.Body, IdempotentHit: true}, nil
		case idempotency.Conflict:
			return nil, gwerr.New(gwerr.IdempotencyConflict, "idempotency key reused with a different request").WithSource(gwerr.SourceReliAPI)
		case idempotency.InProgress:
			return nil, gwerr.New(gwerr.IdempotencyConflict, "request with this idempotency key is already in progress").
				WithSource(gwerr.SourceReliAPI).WithRetryable(true)
		}
	}

	key, pool := e.selectKey(tenant)

	specs := rateSpecs(tenant, profile, key)
	release, refusal, err := e.scheduler.Admit(ctx, specs)
	if err != nil {
		e.abortIfNeeded(ctx, tenant, req, mutating)
		return nil, gwerr.New(gwerr.InternalError, "rate scheduler error").WithCause(err)
	}
	if refusal != nil {
		e.abortIfNeeded(ctx, tenant, req, mutating)
		return nil, rateLimitedError(refusal)
	}
	defer release()

	excluded := map[string]bool{}
	if key != nil {
		excluded[key.ID] = true
	}

	result, httpErr := e.dispatchHTTP(ctx, target, req, key, pool)
	switches := 0
	for httpErr != nil && httpErr.Retryable && pool != nil && switches < keypool.MaxKeySwitches {
		next, selErr := pool.SelectExcluding(excluded)
		if selErr != nil {
			break
		}
		excluded[next.ID] = true
		switches++
		e.metrics.RecordKeySwitch(target.Provider, keySwitchReason(httpErr))
		result, httpErr = e.dispatchHTTP(ctx, target, req, next, pool)
		key = next
	}
	if httpErr != nil && httpErr.Retryable && switches >= keypool.MaxKeySwitches {
		e.metrics.RecordKeySwitchesExhausted(target.Provider)
	}

	if httpErr != nil {
		e.abortIfNeeded(ctx, tenant, req, mutating)
		return nil, httpErr
	}

	ttl := req.CacheTTL
	if ttl <= 0 {
		ttl = target.CacheTTL
	}
	if cacheable && result.StatusCode < 400 {
		e.cache.Set(ctx, tenant.Name, fingerprint, &cache.Entry{StatusCode: result.StatusCode, Headers: result.Headers, Body: result.Body}, ttl)
	}
	if mutating && req.IdempotencyKey != "" {
		e.idempotency.Complete(ctx, tenant.Name, req.IdempotencyKey, requestHash,
			&idempotency.Result{StatusCode: result.StatusCode, Headers: result.Headers, Body: result.Body}, ttl)
	}

	result.Retries = switches
	return result, nil
}

func (e *Engine) selectKey(tenant *gwconfig.Tenant) (*keypool.Key, *keypool.Pool) {
	pool := e.keyPoolFor(tenant)
	if pool == nil {
		return nil, nil
	}
	key, err := pool.Select()
	if err != nil {
		return nil, pool
	}
	return key, pool
}

func (e *Engine) abortIfNeeded(ctx context.Context, tenant *gwconfig.Tenant, req HTTPRequest, mutating bool) {
	if mutating && req.IdempotencyKey != "" {
		e.idempotency.Abort(ctx, tenant.Name, req.IdempotencyKey)
	}
}

func (e *Engine) dispatchHTTP(ctx context.Context, target gwconfig.Target, req HTTPRequest, key *keypool.Key, pool *keypool.Pool) (*HTTPResult, *gwerr.Error) {
	build := func(ctx context.Context) (*http.Request, error) {
		return buildUpstreamRequest(ctx, target, req, key)
	}

	res, err := e.upstream.Do(ctx, req.TargetName, build, upstream.NewBudget())
	if err != nil {
		if pool != nil && key != nil {
			pool.RecordError(key.ID, 0)
		}
		if _, ok := err.(*upstream.ErrCircuitOpen); ok {
			return nil, gwerr.New(gwerr.ServerError, "circuit open for target "+req.TargetName).
				WithSource(gwerr.SourceReliAPI).WithRetryable(true)
		}
		return nil, gwerr.New(gwerr.NetworkError, "upstream request failed").WithCause(err).
			WithSource(gwerr.SourceUpstream).WithRetryable(true)
	}
	defer res.Response.Body.Close()

	body, readErr := io.ReadAll(res.Response.Body)
	if readErr != nil {
		return nil, gwerr.New(gwerr.NetworkError, "failed to read upstream response body").WithCause(readErr).
			WithSource(gwerr.SourceUpstream)
	}

	status := res.Response.StatusCode
	headers := filterHeaders(res.Response.Header)

	if status >= 400 {
		_, retryable := classifyHTTPStatus(status)
		if pool != nil && key != nil {
			pool.RecordError(key.ID, status)
		}
		gerr := gwerr.FromUpstreamStatus(status, "upstream returned "+http.StatusText(status), target.Provider)
		gerr.Retryable = retryable
		gerr.StatusCode = status
		return &HTTPResult{StatusCode: status, Headers: headers, Body: body}, gerr
	}

	if pool != nil && key != nil {
		pool.RecordSuccess(key.ID)
	}
	return &HTTPResult{StatusCode: status, Headers: headers, Body: body}, nil
}

func classifyHTTPStatus(status int) (string, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return "429", true
	case status >= 500:
		return "5xx", true
	default:
		return "4xx", false
	}
}

// keySwitchReason derives the low-cardinality trigger label for a key switch
// from the error that caused it, for the key_switches_total metric.
func keySwitchReason(gerr *gwerr.Error) string {
	if gerr.StatusCode == 0 {
		return "network"
	}
	class, _ := classifyHTTPStatus(gerr.StatusCode)
	return class
}

func buildUpstreamRequest(ctx context.Context, target gwconfig.Target, req HTTPRequest, key *keypool.Key) (*http.Request, error) {
	u, err := url.Parse(strings.TrimRight(target.BaseURL, "/") + req.Path)
	if err != nil {
		return nil, err
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	secret := target.StaticAuthSecret
	if key != nil {
		secret = key.Secret
	}
	if target.AuthHeader != "" && secret != "" {
		httpReq.Header.Set(target.AuthHeader, target.AuthPrefix+secret)
	}

	return httpReq, nil
}

func filterHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = v
	}
	return out
}

func headerSet(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func idempotencyHash(method, path string, body []byte) string {
	return cache.Fingerprint(method, path, http.Header{}, body)
}
