package handlers

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/api"
	"github.com/KikuAI-Lab/reliapi/internal/gwerr"
	"github.com/KikuAI-Lab/reliapi/internal/proxy"
)

// Response is a type alias for api.Response — the canonical API envelope.
type Response = api.Response

// ErrorInfo is a type alias for api.ErrorInfo — the canonical error structure.
type ErrorInfo = api.ErrorInfo

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful envelope with the given data and meta.
func WriteSuccess(w http.ResponseWriter, data any, meta api.Meta) {
	WriteJSON(w, http.StatusOK, Response{Success: true, Data: data, Meta: meta})
}

// WriteError writes an error envelope built from a *gwerr.Error, logging it
// server-side with no secret material (callers of this helper are expected
// to have already masked API keys/provider secrets from err.Message).
func WriteError(w http.ResponseWriter, err *gwerr.Error, meta api.Meta, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = gwerr.HTTPStatusFor(err.Code)
	}

	source := string(err.Source)
	if source == "" {
		source = string(gwerr.SourceReliAPI)
	}

	errorInfo := &ErrorInfo{
		Type:        string(err.Code),
		Code:        string(err.Code),
		Message:     err.Message,
		Retryable:   err.Retryable,
		Source:      source,
		StatusCode:  err.StatusCode,
		RetryAfterS: err.RetryAfter,
		Details:     err.Details,
	}

	if logger != nil {
		logger.Error("api error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Bool("retryable", err.Retryable),
			zap.Error(err.Cause),
		)
	}

	WriteJSON(w, status, Response{Success: false, Error: errorInfo, Meta: meta})
}

// ObserveRequestMetric records the top-level requests_total/
// request_duration_seconds observation (§4.1), normalising the outcome to
// the bounded-cardinality status label NormalizeUpstreamStatus defines.
// successStatus is the upstream status to use when gerr is nil.
func ObserveRequestMetric(engine *proxy.Engine, target string, successStatus int, gerr *gwerr.Error, seconds float64) {
	status := successStatus
	networkErr := false
	if gerr != nil {
		if gerr.StatusCode != 0 {
			status = gerr.StatusCode
		} else {
			status = 0
			networkErr = gerr.Code == gwerr.NetworkError || gerr.Code == gwerr.UpstreamStreamInterrupt
		}
	}
	label := gwerr.NormalizeUpstreamStatus(status, networkErr, false)
	engine.Metrics().ObserveRequest(target, label, seconds)
}

// DecodeJSONBody decodes a JSON request body, capping it at 1 MB.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, meta api.Meta, logger *zap.Logger) error {
	if r.Body == nil {
		err := gwerr.New(gwerr.BadRequest, "request body is empty")
		WriteError(w, err, meta, logger)
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if decErr := decoder.Decode(dst); decErr != nil {
		err := gwerr.New(gwerr.BadRequest, "invalid JSON body").WithCause(decErr).WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, err, meta, logger)
		return err
	}
	return nil
}

// ValidateContentType validates the request declares application/json.
func ValidateContentType(w http.ResponseWriter, r *http.Request, meta api.Meta, logger *zap.Logger) bool {
	mediaType, _, parseErr := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if parseErr != nil || mediaType != "application/json" {
		err := gwerr.New(gwerr.BadRequest, "Content-Type must be application/json")
		WriteError(w, err, meta, logger)
		return false
	}
	return true
}

// ValidateURL validates that s is a well-formed HTTP or HTTPS URL.
func ValidateURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ResponseWriter wraps http.ResponseWriter to capture the status code.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter builds a ResponseWriter.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// NewMeta builds a Meta stamped with requestID and the elapsed duration
// since start.
func NewMeta(requestID string, start time.Time) api.Meta {
	return api.Meta{RequestID: requestID, DurationMS: time.Since(start).Milliseconds()}
}
