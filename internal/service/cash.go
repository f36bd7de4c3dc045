package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/store"
	"tokobase/backend/internal/xid"
)

// assertDayOpen blocks any drawer activity once the business date has a
// day close on record.
func (s *Service) assertDayOpen(ctx context.Context, tx store.Tx, tenantID, storeID string, now time.Time) error {
	date := now.Format("2006-01-02")
	_, err := tx.GetDayClose(ctx, tenantID, storeID, date)
	if err == nil {
		return errValidation("business date %s is closed for store %s", date, storeID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// openSessionForCashier loads the acting cashier's open drawer session at
// the store with a row lock, after checking the day-close gate.
func (s *Service) openSessionForCashier(ctx context.Context, tx store.Tx, tenantID, storeID, cashierID string, now time.Time) (*domain.PosCashSession, error) {
	if err := s.assertDayOpen(ctx, tx, tenantID, storeID, now); err != nil {
		return nil, err
	}
	sess, err := tx.GetOpenCashSessionForUpdate(ctx, tenantID, storeID, cashierID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errValidation("cashier has no open cash session at store %s", storeID)
	}
	return sess, err
}

// applyCashDelta moves the expected drawer balance by delta (positive in,
// negative out) and records the movement with before/after balances. The
// drawer can never go negative.
func (s *Service) applyCashDelta(ctx context.Context, tx store.Tx, sess *domain.PosCashSession, action string, delta int64, note string, now time.Time) error {
	before := sess.ExpectedCashCents
	after := before + delta
	if after < 0 {
		return errValidation("cash drawer would go negative: have %d, need %d", before, -delta)
	}
	mv := domain.PosCashMovement{
		ID:                 xid.New("cmv"),
		SessionID:          sess.ID,
		Action:             action,
		AmountCents:        delta,
		BalanceBeforeCents: before,
		BalanceAfterCents:  after,
		Note:               note,
		CreatedAt:          now,
	}
	if err := tx.InsertCashMovement(ctx, sess.TenantID, mv); err != nil {
		return err
	}
	sess.ExpectedCashCents = after
	return tx.UpdateCashSession(ctx, *sess)
}

// OpenCashSession starts the actor's drawer at their store with a counted
// opening float. One open session per cashier per store at a time.
func (s *Service) OpenCashSession(ctx context.Context, key string, req domain.CashSessionOpenRequest) (*GuardedResult, error) {
	return s.runGuarded(ctx, "/v1/cash/sessions", http.MethodPost, key, req, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		if actor.StoreID == "" {
			return 0, nil, errValidation("actor has no store")
		}
		if req.OpeningCents < 0 {
			return 0, nil, errValidation("opening_cents must not be negative")
		}
		now := s.now()
		if err := s.assertDayOpen(ctx, tx, actor.TenantID, actor.StoreID, now); err != nil {
			return 0, nil, err
		}

		sess := domain.PosCashSession{
			ID:                xid.New("css"),
			TenantID:          actor.TenantID,
			StoreID:           actor.StoreID,
			CashierID:         actor.UserID,
			Status:            domain.SessionStatusOpen,
			OpeningCents:      req.OpeningCents,
			ExpectedCashCents: req.OpeningCents,
			OpenedAt:          now,
		}
		if err := tx.InsertCashSession(ctx, sess); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return 0, nil, errValidation("cashier already has an open cash session at store %s", actor.StoreID)
			}
			return 0, nil, err
		}
		mv := domain.PosCashMovement{
			ID:                 xid.New("cmv"),
			SessionID:          sess.ID,
			Action:             domain.CashMoveOpen,
			AmountCents:        req.OpeningCents,
			BalanceBeforeCents: 0,
			BalanceAfterCents:  req.OpeningCents,
			CreatedAt:          now,
		}
		if err := tx.InsertCashMovement(ctx, actor.TenantID, mv); err != nil {
			return 0, nil, err
		}

		s.logAudit(ctx, "cash_session_open", "cash_session", sess.ID, fmt.Sprintf("opening=%d", req.OpeningCents), "ok")
		return http.StatusCreated, domain.CashSessionResponse{Session: sess}, nil
	})
}

// CashIn adds counted cash to the open drawer outside of a sale.
func (s *Service) CashIn(ctx context.Context, key string, req domain.CashMovementRequest) (*GuardedResult, error) {
	return s.cashMove(ctx, "/v1/cash/in", key, req, domain.CashMoveIn, req.AmountCents)
}

// CashOut removes counted cash from the open drawer, bounded by the
// expected balance.
func (s *Service) CashOut(ctx context.Context, key string, req domain.CashMovementRequest) (*GuardedResult, error) {
	return s.cashMove(ctx, "/v1/cash/out", key, req, domain.CashMoveOut, -req.AmountCents)
}

func (s *Service) cashMove(ctx context.Context, endpoint, key string, req domain.CashMovementRequest, action string, delta int64) (*GuardedResult, error) {
	return s.runGuarded(ctx, endpoint, http.MethodPost, key, req, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		if req.AmountCents <= 0 {
			return 0, nil, errValidation("amount_cents must be positive")
		}
		now := s.now()
		sess, err := s.openSessionForCashier(ctx, tx, actor.TenantID, actor.StoreID, actor.UserID, now)
		if err != nil {
			return 0, nil, err
		}
		if err := s.applyCashDelta(ctx, tx, sess, action, delta, req.Note, now); err != nil {
			return 0, nil, err
		}
		s.logAudit(ctx, "cash_movement", "cash_session", sess.ID, fmt.Sprintf("action=%s amount=%d", action, req.AmountCents), "ok")
		return http.StatusOK, domain.CashSessionResponse{Session: *sess}, nil
	})
}

// CloseCashSession ends the drawer session with a physical count and
// records the difference against the expected balance.
func (s *Service) CloseCashSession(ctx context.Context, key string, req domain.CashSessionCloseRequest) (*GuardedResult, error) {
	return s.runGuarded(ctx, "/v1/cash/sessions/close", http.MethodPost, key, req, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		if req.CountedCents < 0 {
			return 0, nil, errValidation("counted_cents must not be negative")
		}
		now := s.now()
		sess, err := tx.GetOpenCashSessionForUpdate(ctx, actor.TenantID, actor.StoreID, actor.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil, errValidation("cashier has no open cash session at store %s", actor.StoreID)
		}
		if err != nil {
			return 0, nil, err
		}

		mv := domain.PosCashMovement{
			ID:                 xid.New("cmv"),
			SessionID:          sess.ID,
			Action:             domain.CashMoveClose,
			AmountCents:        req.CountedCents,
			BalanceBeforeCents: sess.ExpectedCashCents,
			BalanceAfterCents:  sess.ExpectedCashCents,
			CreatedAt:          now,
		}
		if err := tx.InsertCashMovement(ctx, actor.TenantID, mv); err != nil {
			return 0, nil, err
		}
		sess.Status = domain.SessionStatusClosed
		sess.CountedCents = req.CountedCents
		sess.DifferenceCents = req.CountedCents - sess.ExpectedCashCents
		sess.ClosedAt = &now
		if err := tx.UpdateCashSession(ctx, *sess); err != nil {
			return 0, nil, err
		}

		s.logAudit(ctx, "cash_session_close", "cash_session", sess.ID, fmt.Sprintf("expected=%d counted=%d diff=%d", sess.ExpectedCashCents, sess.CountedCents, sess.DifferenceCents), "ok")
		return http.StatusOK, domain.CashSessionResponse{Session: *sess}, nil
	})
}

// CloseDay freezes a business date for the actor's store. Requires an
// elevated role and no open session.
func (s *Service) CloseDay(ctx context.Context, key string, req domain.DayCloseRequest) (*GuardedResult, error) {
	return s.runGuarded(ctx, "/v1/cash/day-close", http.MethodPost, key, req, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		if !domain.IsElevatedRole(actor.Role) {
			return 0, nil, store.ErrPermissionDenied
		}
		if _, err := time.Parse("2006-01-02", req.BusinessDate); err != nil {
			return 0, nil, errValidation("business_date must be YYYY-MM-DD")
		}
		// Every drawer at the store must be closed first, not just the
		// actor's own.
		if _, err := tx.GetOpenCashSessionForUpdate(ctx, actor.TenantID, actor.StoreID, ""); err == nil {
			return 0, nil, errValidation("close all open cash sessions before closing the day")
		} else if !errors.Is(err, store.ErrNotFound) {
			return 0, nil, err
		}

		dc := domain.CashDayClose{
			ID:           xid.New("dcl"),
			TenantID:     actor.TenantID,
			StoreID:      actor.StoreID,
			BusinessDate: req.BusinessDate,
			ClosedBy:     actor.UserID,
			CreatedAt:    s.now(),
		}
		if err := tx.InsertDayClose(ctx, dc); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return 0, nil, errValidation("business date %s is already closed", req.BusinessDate)
			}
			return 0, nil, err
		}

		s.logAudit(ctx, "cash_day_close", "day_close", dc.ID, fmt.Sprintf("date=%s", req.BusinessDate), "ok")
		return http.StatusCreated, domain.DayCloseResponse{DayClose: dc}, nil
	})
}

func (s *Service) GetOpenCashSession(ctx context.Context) (*domain.PosCashSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrPermissionDenied
	}
	return s.repo.GetOpenCashSession(ctx, actor.TenantID, actor.StoreID, actor.UserID)
}

func (s *Service) ListCashMovements(ctx context.Context, sessionID string) ([]domain.PosCashMovement, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrPermissionDenied
	}
	return s.repo.ListCashMovements(ctx, actor.TenantID, sessionID)
}
