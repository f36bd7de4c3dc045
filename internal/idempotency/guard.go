// Package idempotency makes every guarded write at-most-once per
// (tenant, endpoint, method, key). The guard claims a key inside the
// caller's transaction, so a business rollback also releases the claim
// and the key stays reusable.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/store"
	"tokobase/backend/internal/xid"
)

var (
	ErrKeyRequired = errors.New("idempotency key required")
	ErrKeyReused   = errors.New("idempotency key reused with different request")
	ErrInProgress  = errors.New("request with this idempotency key is in progress")
)

// Outcome tells the caller whether to execute the operation or replay a
// stored response.
type Outcome struct {
	Replay   bool
	RecordID string
	Status   int
	Body     []byte
}

// Fingerprint returns a canonical hash of a JSON request body. The body is
// decoded and re-encoded so key ordering and insignificant whitespace do
// not change the fingerprint.
func Fingerprint(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		sum := sha256.Sum256(body)
		return hex.EncodeToString(sum[:])
	}
	canon, err := json.Marshal(canonicalize(v))
	if err != nil {
		sum := sha256.Sum256(body)
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// canonicalize rebuilds maps so json.Marshal emits keys in sorted order at
// every nesting level.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = canonicalize(t[k])
		}
		return out
	case []any:
		for i := range t {
			t[i] = canonicalize(t[i])
		}
		return t
	default:
		return v
	}
}

// Begin claims the key for this request. It returns Replay=true with the
// stored response when the same request already succeeded or failed, and
// an error when the key is missing, in flight, or reused with a different
// payload.
func Begin(ctx context.Context, tx store.Tx, tenantID, endpoint, method, key, fingerprint string) (*Outcome, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}
	rec := domain.IdempotencyRecord{
		ID:          xid.New("idem"),
		TenantID:    tenantID,
		Endpoint:    endpoint,
		Method:      method,
		Key:         key,
		Fingerprint: fingerprint,
		State:       domain.IdemStateInProgress,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	err := tx.InsertIdempotencyRecord(ctx, rec)
	if err == nil {
		return &Outcome{RecordID: rec.ID}, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}

	existing, err := tx.GetIdempotencyRecordForUpdate(ctx, tenantID, endpoint, method, key)
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	if existing.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	switch existing.State {
	case domain.IdemStateInProgress:
		return nil, ErrInProgress
	case domain.IdemStateSucceeded, domain.IdemStateFailed:
		return &Outcome{
			Replay:   true,
			RecordID: existing.ID,
			Status:   existing.ResponseStatus,
			Body:     existing.ResponseBody,
		}, nil
	default:
		return nil, fmt.Errorf("idempotency record %s in unknown state %q", existing.ID, existing.State)
	}
}

// Complete persists the operation's observable response on the claimed
// record. It must run in the same transaction as the operation itself.
func Complete(ctx context.Context, tx store.Tx, recordID string, succeeded bool, status int, body []byte) error {
	state := domain.IdemStateSucceeded
	if !succeeded {
		state = domain.IdemStateFailed
	}
	if err := tx.CompleteIdempotencyRecord(ctx, recordID, state, status, body); err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}
