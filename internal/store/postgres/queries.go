package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/store"
)

func (s *Store) GetTransfer(ctx context.Context, tenantID, transferID string) (*domain.Transfer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, origin_store, dest_store, status, created_by,
		       COALESCE(dispatched_by, ''), COALESCE(received_by, ''), COALESCE(canceled_by, ''),
		       created_at, dispatched_at, received_at, canceled_at
		FROM transfers
		WHERE id = $1
	`, transferID)

	var tr domain.Transfer
	var dispatchedAt, receivedAt, canceledAt sql.NullTime
	err := row.Scan(&tr.ID, &tr.TenantID, &tr.OriginStore, &tr.DestStore, &tr.Status, &tr.CreatedBy,
		&tr.DispatchedBy, &tr.ReceivedBy, &tr.CanceledBy, &tr.CreatedAt, &dispatchedAt, &receivedAt, &canceledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if tr.TenantID != tenantID {
		return nil, store.ErrCrossTenant
	}
	if dispatchedAt.Valid {
		tr.DispatchedAt = &dispatchedAt.Time
	}
	if receivedAt.Valid {
		tr.ReceivedAt = &receivedAt.Time
	}
	if canceledAt.Valid {
		tr.CanceledAt = &canceledAt.Time
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transfer_id, line_type, COALESCE(epc, ''), COALESCE(pool, ''), qty,
		       sku, COALESCE(description, ''), COALESCE(variant, ''), price_cents, COALESCE(image_url, ''), snapshot_hash
		FROM transfer_lines
		WHERE transfer_id = $1
		ORDER BY id
	`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.TransferLine
		if err := rows.Scan(&l.ID, &l.TransferID, &l.LineType, &l.EPC, &l.Pool, &l.Qty,
			&l.Snapshot.SKU, &l.Snapshot.Description, &l.Snapshot.Variant,
			&l.Snapshot.PriceCents, &l.Snapshot.ImageURL, &l.SnapshotHash); err != nil {
			return nil, err
		}
		tr.Lines = append(tr.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (s *Store) ListTransferMovements(ctx context.Context, tenantID, transferID string) ([]domain.TransferMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.transfer_id, m.line_id, m.action, m.qty, m.actor_id, COALESCE(m.payload::text, ''), m.created_at
		FROM transfer_movements m
		JOIN transfers tr ON tr.id = m.transfer_id
		WHERE m.transfer_id = $1 AND tr.tenant_id = $2
		ORDER BY m.created_at, m.id
	`, transferID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []domain.TransferMovement
	for rows.Next() {
		var mv domain.TransferMovement
		var payload string
		if err := rows.Scan(&mv.ID, &mv.TransferID, &mv.LineID, &mv.Action, &mv.Qty, &mv.ActorID, &payload, &mv.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			mv.Payload = json.RawMessage(payload)
		}
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

func (s *Store) GetSale(ctx context.Context, tenantID, saleID string) (*domain.PosSale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, store_id, cashier_id, COALESCE(transaction_id, ''), status, COALESCE(parent_sale_id, ''),
		       total_due_cents, paid_total_cents, balance_due_cents, change_due_cents, created_at, checked_out_at, canceled_at
		FROM pos_sales
		WHERE id = $1
	`, saleID)

	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sale.TenantID != tenantID {
		return nil, store.ErrCrossTenant
	}

	lines, err := saleLines(ctx, s.db, saleID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	payments, err := salePayments(ctx, s.db, saleID)
	if err != nil {
		return nil, err
	}
	sale.Payments = payments
	return sale, nil
}

func (s *Store) GetOpenCashSession(ctx context.Context, tenantID, storeID, cashierID string) (*domain.PosCashSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, store_id, cashier_id, status, opening_cents, expected_cash_cents,
		       counted_cents, difference_cents, opened_at, closed_at
		FROM pos_cash_sessions
		WHERE tenant_id = $1 AND store_id = $2 AND ($3 = '' OR cashier_id = $3) AND status = 'OPEN'
		ORDER BY opened_at
		LIMIT 1
	`, tenantID, storeID, cashierID)
	return scanCashSession(row)
}

func (s *Store) ListCashMovements(ctx context.Context, tenantID, sessionID string) ([]domain.PosCashMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, action, amount_cents, balance_before_cents, balance_after_cents, COALESCE(note, ''), created_at
		FROM pos_cash_movements
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY created_at, id
	`, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []domain.PosCashMovement
	for rows.Next() {
		var mv domain.PosCashMovement
		if err := rows.Scan(&mv.ID, &mv.SessionID, &mv.Action, &mv.AmountCents,
			&mv.BalanceBeforeCents, &mv.BalanceAfterCents, &mv.Note, &mv.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

func (s *Store) GetReturnPolicy(ctx context.Context, tenantID string) (*domain.ReturnPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, return_window_days, require_receipt, accepted_conditions,
		       allow_exchange, allow_refund_cash, allow_refund_card, allow_refund_transfer,
		       require_manager_for_exceptions, restocking_fee_pct, epc_return_strategy
		FROM return_policies
		WHERE tenant_id = $1
	`, tenantID)

	var p domain.ReturnPolicy
	var conditions []byte
	err := row.Scan(&p.TenantID, &p.ReturnWindowDays, &p.RequireReceipt, &conditions,
		&p.AllowExchange, &p.AllowRefundCash, &p.AllowRefundCard, &p.AllowRefundTransfer,
		&p.RequireManagerForExceptions, &p.RestockingFeePct, &p.EPCReturnStrategy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &p.AcceptedConditions); err != nil {
			return nil, fmt.Errorf("decode accepted_conditions: %w", err)
		}
	}
	return &p, nil
}

func (s *Store) UpsertReturnPolicy(ctx context.Context, policy domain.ReturnPolicy) error {
	conditions, err := json.Marshal(policy.AcceptedConditions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO return_policies (tenant_id, return_window_days, require_receipt, accepted_conditions,
			allow_exchange, allow_refund_cash, allow_refund_card, allow_refund_transfer,
			require_manager_for_exceptions, restocking_fee_pct, epc_return_strategy, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			return_window_days = EXCLUDED.return_window_days,
			require_receipt = EXCLUDED.require_receipt,
			accepted_conditions = EXCLUDED.accepted_conditions,
			allow_exchange = EXCLUDED.allow_exchange,
			allow_refund_cash = EXCLUDED.allow_refund_cash,
			allow_refund_card = EXCLUDED.allow_refund_card,
			allow_refund_transfer = EXCLUDED.allow_refund_transfer,
			require_manager_for_exceptions = EXCLUDED.require_manager_for_exceptions,
			restocking_fee_pct = EXCLUDED.restocking_fee_pct,
			epc_return_strategy = EXCLUDED.epc_return_strategy,
			updated_at = now()
	`, policy.TenantID, policy.ReturnWindowDays, policy.RequireReceipt, conditions,
		policy.AllowExchange, policy.AllowRefundCash, policy.AllowRefundCard, policy.AllowRefundTransfer,
		policy.RequireManagerForExceptions, policy.RestockingFeePct, policy.EPCReturnStrategy)
	return err
}

func (s *Store) QueryStock(ctx context.Context, tenantID string, q domain.StockQuery) ([]domain.StockUnit, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(cond string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if q.SKU != "" {
		add("sku = $%d", q.SKU)
	}
	if q.EPC != "" {
		add("epc = $%d", q.EPC)
	}
	if q.Status != "" {
		add("status = $%d", q.Status)
	}
	if q.Location != "" {
		add("location_code = $%d", q.Location)
	}
	if q.Pool != "" {
		add("pool = $%d", q.Pool)
	}
	if q.Vendible != nil {
		add("vendible = $%d", *q.Vendible)
	}
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stockColumns+`
		FROM stock_units
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY created_at, id
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []domain.StockUnit
	for rows.Next() {
		u, err := scanStockUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *Store) CountVendibleUnits(ctx context.Context, tenantID, sku string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM stock_units
		WHERE tenant_id = $1 AND sku = $2 AND vendible = true
		  AND status IN ($3, $4)
		  AND transfer_id IS NULL AND sale_id IS NULL
	`, tenantID, sku, domain.StockStatusRFID, domain.StockStatusPending).Scan(&count)
	return count, err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, tenant_id, actor_id, actor_role, action, entity_type, entity_id,
			before_state, after_state, metadata, result, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, entry.ID, entry.TenantID, entry.ActorID, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID,
		nullIfEmpty(string(entry.Before)), nullIfEmpty(string(entry.After)), nullIfEmpty(entry.Metadata),
		entry.Result, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor_id, actor_role, action, entity_type, entity_id,
		       COALESCE(before_state::text, ''), COALESCE(after_state::text, ''), COALESCE(metadata, ''), result, created_at
		FROM audit_logs
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, tenantID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditLog
	for rows.Next() {
		var e domain.AuditLog
		var before, after string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.ActorRole, &e.Action, &e.EntityType, &e.EntityID,
			&before, &after, &e.Metadata, &e.Result, &e.CreatedAt); err != nil {
			return nil, err
		}
		if before != "" {
			e.Before = json.RawMessage(before)
		}
		if after != "" {
			e.After = json.RawMessage(after)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, tenant_id, store_id, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.Username, user.Password, user.TenantID, nullIfEmpty(user.StoreID), user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT username, password, tenant_id, COALESCE(store_id, ''), role, active, created_at
		FROM users
		WHERE username = $1
	`, username)

	var u domain.UserAccount
	err := row.Scan(&u.Username, &u.Password, &u.TenantID, &u.StoreID, &u.Role, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context, tenantID string) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, tenant_id, COALESCE(store_id, ''), role, active, created_at
		FROM users
		WHERE tenant_id = $1
		ORDER BY username
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.UserAccount
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.TenantID, &u.StoreID, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
