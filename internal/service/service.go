package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"tokobase/backend/internal/cache"
	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/idempotency"
	"tokobase/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo   store.Repository
	replay cache.ReplayCache
	now    func() time.Time
}

func New(repo store.Repository, replay cache.ReplayCache) *Service {
	if replay == nil {
		replay = cache.NoopReplayCache{}
	}
	return &Service{
		repo:   repo,
		replay: replay,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func errValidation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrValidation, fmt.Sprintf(format, args...))
}

// APIStatus maps a service error to an HTTP status. The same mapping feeds
// both fresh responses and the stored bodies the guard replays, so a retry
// sees exactly what the first attempt saw.
func APIStatus(err error) int {
	switch {
	case errors.Is(err, idempotency.ErrKeyRequired):
		return http.StatusBadRequest
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, store.ErrCrossTenant):
		return http.StatusForbidden
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// APICode returns the machine-readable error code for a service error.
func APICode(err error) string {
	switch {
	case errors.Is(err, idempotency.ErrKeyRequired):
		return "IDEMPOTENCY_KEY_REQUIRED"
	case errors.Is(err, idempotency.ErrKeyReused):
		return "IDEMPOTENCY_KEY_REUSED"
	case errors.Is(err, idempotency.ErrInProgress):
		return "IDEMPOTENCY_IN_PROGRESS"
	case errors.Is(err, store.ErrInsufficientStock):
		return "INSUFFICIENT_STOCK"
	case errors.Is(err, store.ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, store.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, store.ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, store.ErrCrossTenant):
		return "CROSS_TENANT"
	case errors.Is(err, store.ErrConflict):
		return "CONFLICT"
	case errors.Is(err, store.ErrLockTimeout):
		return "LOCK_TIMEOUT"
	default:
		return "INTERNAL"
	}
}

// APIErrorBody renders the error payload clients receive.
func APIErrorBody(err error) []byte {
	msg := err.Error()
	if APIStatus(err) == http.StatusInternalServerError {
		msg = "internal error"
	}
	body, _ := json.Marshal(map[string]string{
		"error": msg,
		"code":  APICode(err),
	})
	return body
}

// GuardedResult is the observable outcome of an idempotent operation. Body
// is written to the client verbatim; on a replay it is the stored response
// from the first execution.
type GuardedResult struct {
	Status int
	Body   json.RawMessage
	Replay bool
	Err    error
}

// recordable reports whether a failure is deterministic: the same request
// would fail the same way again, so the guard stores it for replay.
// Transient failures (lock timeouts, backend errors) leave no record and a
// retry re-executes.
func recordable(err error) bool {
	return errors.Is(err, store.ErrValidation) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrPermissionDenied) ||
		errors.Is(err, store.ErrCrossTenant) ||
		errors.Is(err, store.ErrConflict)
}

func replayCacheKey(tenantID, endpoint, method, key, fingerprint string) string {
	return strings.Join([]string{"replay", tenantID, endpoint, method, key, fingerprint}, ":")
}

const replayCacheTTL = 24 * time.Hour

// runGuarded wraps a mutating operation with the idempotency guard. The
// guard row is claimed and completed inside the same transaction as the
// business writes, so a rollback releases the key and a commit pins the
// response for replay.
func (s *Service) runGuarded(ctx context.Context, endpoint, method, key string, req any, fn func(tx store.Tx, actor domain.Actor) (int, any, error)) (*GuardedResult, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrPermissionDenied
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	fingerprint := idempotency.Fingerprint(reqBody)

	if key != "" {
		cacheKey := replayCacheKey(actor.TenantID, endpoint, method, key, fingerprint)
		if cached, hit, cerr := s.replay.Get(ctx, cacheKey); cerr == nil && hit {
			return &GuardedResult{Status: cached.Status, Body: cached.Body, Replay: true}, nil
		} else if cerr != nil {
			log.Printf("[service] WARN: replay cache read failed endpoint=%s: %v", endpoint, cerr)
		}
	}

	var result GuardedResult
	txErr := s.repo.ExecTx(ctx, func(tx store.Tx) error {
		outcome, err := idempotency.Begin(ctx, tx, actor.TenantID, endpoint, method, key, fingerprint)
		if err != nil {
			return err
		}
		if outcome.Replay {
			result = GuardedResult{Status: outcome.Status, Body: outcome.Body, Replay: true}
			return nil
		}

		status, resp, err := fn(tx, actor)
		if err != nil {
			return err
		}
		body, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if err := idempotency.Complete(ctx, tx, outcome.RecordID, true, status, body); err != nil {
			return err
		}
		result = GuardedResult{Status: status, Body: body}
		return nil
	})
	if txErr == nil {
		s.mirrorReplay(ctx, actor.TenantID, endpoint, method, key, fingerprint, result)
		return &result, nil
	}
	if !recordable(txErr) {
		return nil, txErr
	}

	// Deterministic failure: the business writes rolled back, so claim the
	// key again in a fresh transaction and pin the error response.
	failed := GuardedResult{Status: APIStatus(txErr), Body: APIErrorBody(txErr), Err: txErr}
	recErr := s.repo.ExecTx(ctx, func(tx store.Tx) error {
		outcome, err := idempotency.Begin(ctx, tx, actor.TenantID, endpoint, method, key, fingerprint)
		if err != nil {
			return err
		}
		if outcome.Replay {
			return nil
		}
		return idempotency.Complete(ctx, tx, outcome.RecordID, false, failed.Status, failed.Body)
	})
	if recErr != nil {
		log.Printf("[service] WARN: failed to record guarded failure endpoint=%s: %v", endpoint, recErr)
	} else {
		s.mirrorReplay(ctx, actor.TenantID, endpoint, method, key, fingerprint, failed)
	}
	return &failed, nil
}

func (s *Service) mirrorReplay(ctx context.Context, tenantID, endpoint, method, key, fingerprint string, res GuardedResult) {
	if key == "" || res.Replay {
		return
	}
	cacheKey := replayCacheKey(tenantID, endpoint, method, key, fingerprint)
	stored := &domain.StoredResponse{Status: res.Status, Body: res.Body}
	if err := s.replay.Set(ctx, cacheKey, stored, replayCacheTTL); err != nil {
		log.Printf("[service] WARN: replay cache write failed endpoint=%s: %v", endpoint, err)
	}
}

// logAudit records an audit entry without failing the caller's operation.
func (s *Service) logAudit(ctx context.Context, action, entityType, entityID, metadata, result string) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.AuditLog{
		TenantID:   actor.TenantID,
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   metadata,
		Result:     result,
		CreatedAt:  s.now(),
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s entity=%s: %v", action, entityID, err)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrPermissionDenied
	}
	if !domain.IsElevatedRole(actor.Role) {
		return nil, store.ErrPermissionDenied
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, actor.TenantID, from, to, limit)
}

func (s *Service) GetReturnPolicy(ctx context.Context) (*domain.ReturnPolicy, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrPermissionDenied
	}
	p, err := s.repo.GetReturnPolicy(ctx, actor.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		def := defaultReturnPolicy(actor.TenantID)
		return &def, nil
	}
	return p, err
}

func (s *Service) PutReturnPolicy(ctx context.Context, p domain.ReturnPolicy) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return store.ErrPermissionDenied
	}
	if !domain.IsElevatedRole(actor.Role) {
		return store.ErrPermissionDenied
	}
	if p.ReturnWindowDays < 0 {
		return errValidation("return_window_days must not be negative")
	}
	if p.RestockingFeePct.IsNegative() {
		return errValidation("restocking_fee_pct must not be negative")
	}
	switch p.EPCReturnStrategy {
	case "", domain.EPCStrategyAssignNew, domain.EPCStrategyToPending:
	default:
		return errValidation("unknown epc_return_strategy %q", p.EPCReturnStrategy)
	}
	if p.EPCReturnStrategy == "" {
		p.EPCReturnStrategy = domain.EPCStrategyAssignNew
	}
	p.TenantID = actor.TenantID
	if err := s.repo.UpsertReturnPolicy(ctx, p); err != nil {
		return err
	}
	s.logAudit(ctx, "return_policy_update", "return_policy", actor.TenantID, "", "ok")
	return nil
}

// defaultReturnPolicy applies when a tenant never configured one: returns
// are open but exceptions still need a manager.
func defaultReturnPolicy(tenantID string) domain.ReturnPolicy {
	return domain.ReturnPolicy{
		TenantID:                    tenantID,
		ReturnWindowDays:            30,
		AllowExchange:               true,
		AllowRefundCash:             true,
		AllowRefundCard:             true,
		AllowRefundTransfer:         true,
		RequireManagerForExceptions: true,
		EPCReturnStrategy:           domain.EPCStrategyAssignNew,
	}
}

func (s *Service) returnPolicyTx(ctx context.Context, tenantID string) (domain.ReturnPolicy, error) {
	p, err := s.repo.GetReturnPolicy(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return defaultReturnPolicy(tenantID), nil
	}
	if err != nil {
		return domain.ReturnPolicy{}, err
	}
	return *p, nil
}
