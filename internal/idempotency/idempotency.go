// Package idempotency implements cross-process single-flight coalescing for
// requests carrying an idempotency key. Coalescing happens through the KV
// store rather than in-process (no golang.org/x/sync/singleflight): multiple
// gateway instances behind the same Redis must agree on who dispatches.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/internal/kvstore"
)

const (
	recordTTL        = 1 * time.Hour
	inProgressTTL    = 300 * time.Second
	pollInitialDelay = 50 * time.Millisecond
	pollMaxDelay     = 500 * time.Millisecond
	pollTotalCap     = 30 * time.Second
)

// Outcome is the result of registering a request against the idempotency
// store.
type Outcome int

const (
	// Winner means the caller won the race and must dispatch upstream,
	// then call Complete or Abort.
	Winner Outcome = iota
	// Conflict means a record exists under this key with a different
	// request fingerprint.
	Conflict
	// Completed means a prior dispatch already finished; Result is set.
	Completed
	// InProgress means another dispatch is in flight and did not finish
	// within the poll window (or the caller is a streaming request, which
	// never polls).
	InProgress
)

// Result is a stored response body, as handed to Complete and returned by
// Register on Completed.
type Result struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

type record struct {
	RequestHash string `json:"request_hash"`
	Status      string `json:"status"` // "in_progress" | "completed"
	Result      *Result `json:"result,omitempty"`
}

const (
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
)

// Manager coalesces concurrent requests that share an idempotency key.
type Manager struct {
	store  kvstore.Store
	logger *zap.Logger
}

// New builds a Manager over the given KV store.
func New(store kvstore.Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger.With(zap.String("component", "idempotency"))}
}

func recordKey(tenant, key string) string {
	return "idempotency:" + tenant + ":" + key
}

// Register attempts to claim the idempotency key for this request. streaming
// requests never poll — per §4.3 "streaming never waits", they get an
// immediate InProgress/Completed verdict so the caller can respond with
// STREAM_ALREADY_IN_PROGRESS / STREAM_ALREADY_COMPLETED.
func (m *Manager) Register(ctx context.Context, tenant, key, requestHash string, streaming bool) (Outcome, *Result, error) {
	rkey := recordKey(tenant, key)
	fresh := record{RequestHash: requestHash, Status: statusInProgress}
	data, err := json.Marshal(fresh)
	if err != nil {
		return Winner, nil, err
	}

	ok, err := m.store.SetNX(ctx, rkey, string(data), inProgressTTL)
	if err != nil {
		// KV store unavailable: degrade to no-op coalescing, every caller
		// is its own winner. The request still completes.
		m.logger.Warn("idempotency store unavailable, degrading to no-op", zap.Error(err))
		return Winner, nil, nil
	}
	if ok {
		return Winner, nil, nil
	}

	// Someone else is already holding this key. Inspect their record.
	existing, found, err := m.readRecord(ctx, rkey)
	if err != nil || !found {
		// Treat a read failure or a race where the key expired between
		// SetNX and Get as if we'd won — best effort, never blocks.
		return Winner, nil, nil
	}
	if existing.RequestHash != requestHash {
		return Conflict, nil, nil
	}
	if existing.Status == statusCompleted {
		return Completed, existing.Result, nil
	}
	if streaming {
		return InProgress, nil, nil
	}

	return m.poll(ctx, rkey, requestHash)
}

// poll repeatedly re-reads the record with exponential backoff until it
// observes completion, a conflicting hash, or the 30s cap expires.
func (m *Manager) poll(ctx context.Context, rkey, requestHash string) (Outcome, *Result, error) {
	deadline := time.Now().Add(pollTotalCap)
	delay := pollInitialDelay

	for {
		select {
		case <-ctx.Done():
			return InProgress, nil, ctx.Err()
		case <-time.After(delay):
		}

		existing, found, err := m.readRecord(ctx, rkey)
		if err != nil || !found {
			return Winner, nil, nil
		}
		if existing.RequestHash != requestHash {
			return Conflict, nil, nil
		}
		if existing.Status == statusCompleted {
			return Completed, existing.Result, nil
		}

		if time.Now().After(deadline) {
			return InProgress, nil, nil
		}
		delay *= 2
		if delay > pollMaxDelay {
			delay = pollMaxDelay
		}
	}
}

func (m *Manager) readRecord(ctx context.Context, rkey string) (*record, bool, error) {
	raw, found, err := m.store.Get(ctx, rkey)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, nil
	}
	return &rec, true, nil
}

// Complete marks the key as completed and stores the result, with a TTL
// matching the cache TTL for the same response (§4.3: "result storage TTL =
// cache TTL"). Failures are logged and swallowed.
func (m *Manager) Complete(ctx context.Context, tenant, key, requestHash string, result *Result, ttl time.Duration) {
	rec := record{RequestHash: requestHash, Status: statusCompleted, Result: result}
	data, err := json.Marshal(rec)
	if err != nil {
		m.logger.Warn("failed to marshal idempotency result", zap.Error(err))
		return
	}
	if ttl <= 0 {
		ttl = recordTTL
	}
	if err := m.store.Set(ctx, recordKey(tenant, key), string(data), ttl); err != nil {
		m.logger.Warn("failed to store idempotency result", zap.Error(err))
	}
}

// Abort releases the in-progress marker so a subsequent request may retry
// fresh, used when the winning dispatch failed outright rather than
// producing a cacheable result.
func (m *Manager) Abort(ctx context.Context, tenant, key string) {
	if err := m.store.Delete(ctx, recordKey(tenant, key)); err != nil {
		m.logger.Warn("failed to clear idempotency in-progress marker", zap.Error(err))
	}
}
