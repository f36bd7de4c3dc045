package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ExecTx runs fn inside a serializable transaction with a bounded row-lock
// wait, so contended workflows fail fast with ErrLockTimeout instead of
// queueing behind each other.
func (s *Store) ExecTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '3s'`); err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapErr(err)
	}
	return tx.Commit()
}

// mapErr translates driver-level failures into the store sentinels.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
		return fmt.Errorf("%w: %s", store.ErrLockTimeout, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) InsertIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord) error {
	// ON CONFLICT DO NOTHING instead of mapping 23505: a raised unique
	// violation would abort the surrounding transaction and the guard still
	// has to re-read the winning record in that same transaction.
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (id, tenant_id, endpoint, method, idem_key, fingerprint, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, endpoint, method, idem_key) DO NOTHING
	`, rec.ID, rec.TenantID, rec.Endpoint, rec.Method, rec.Key, rec.Fingerprint, rec.State, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}

func (t *pgTx) GetIdempotencyRecordForUpdate(ctx context.Context, tenantID, endpoint, method, key string) (*domain.IdempotencyRecord, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, endpoint, method, idem_key, fingerprint, state,
		       COALESCE(response_status, 0), COALESCE(response_body, ''::bytea), created_at, updated_at
		FROM idempotency_records
		WHERE tenant_id = $1 AND endpoint = $2 AND method = $3 AND idem_key = $4
		FOR UPDATE
	`, tenantID, endpoint, method, key)

	var rec domain.IdempotencyRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Endpoint, &rec.Method, &rec.Key, &rec.Fingerprint,
		&rec.State, &rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *pgTx) CompleteIdempotencyRecord(ctx context.Context, recordID, state string, responseStatus int, responseBody []byte) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE idempotency_records
		SET state = $2, response_status = $3, response_body = $4, updated_at = now()
		WHERE id = $1
	`, recordID, state, responseStatus, responseBody)
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

const stockColumns = `id, tenant_id, sku, COALESCE(epc, ''), COALESCE(description, ''), COALESCE(variant, ''),
	status, location_code, pool, vendible, price_cents, COALESCE(image_url, ''),
	COALESCE(transfer_id, ''), COALESCE(sale_id, ''), snapshot_hash, created_at, updated_at`

func scanStockUnit(row interface{ Scan(...any) error }) (domain.StockUnit, error) {
	var u domain.StockUnit
	err := row.Scan(&u.ID, &u.TenantID, &u.SKU, &u.EPC, &u.Description, &u.Variant,
		&u.Status, &u.LocationCode, &u.Pool, &u.Vendible, &u.PriceCents, &u.ImageURL,
		&u.TransferID, &u.SaleID, &u.SnapshotHash, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (t *pgTx) InsertStockUnit(ctx context.Context, unit domain.StockUnit) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_units (id, tenant_id, sku, epc, description, variant, status, location_code, pool,
			vendible, price_cents, image_url, transfer_id, sale_id, snapshot_hash, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, unit.ID, unit.TenantID, unit.SKU, nullIfEmpty(unit.EPC), nullIfEmpty(unit.Description), nullIfEmpty(unit.Variant),
		unit.Status, unit.LocationCode, unit.Pool, unit.Vendible, unit.PriceCents, nullIfEmpty(unit.ImageURL),
		nullIfEmpty(unit.TransferID), nullIfEmpty(unit.SaleID), unit.SnapshotHash, unit.CreatedAt, unit.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (t *pgTx) LockStockByEPC(ctx context.Context, tenantID, epc string) (*domain.StockUnit, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+stockColumns+`
		FROM stock_units
		WHERE tenant_id = $1 AND epc = $2
		FOR UPDATE
	`, tenantID, epc)
	u, err := scanStockUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (t *pgTx) LockStockBySnapshot(ctx context.Context, tenantID, snapshotHash, location, pool, status string, vendible bool, limit int) ([]domain.StockUnit, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+stockColumns+`
		FROM stock_units
		WHERE tenant_id = $1 AND snapshot_hash = $2 AND location_code = $3 AND status = $4 AND vendible = $5
		  AND ($6 = '' OR pool = $6)
		  AND transfer_id IS NULL AND sale_id IS NULL
		ORDER BY created_at, id
		LIMIT $7
		FOR UPDATE
	`, tenantID, snapshotHash, location, status, vendible, pool, limit)
	if err != nil {
		return nil, mapErr(err)
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

func (t *pgTx) lockStockWhere(ctx context.Context, where string, args ...any) ([]domain.StockUnit, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+stockColumns+`
		FROM stock_units
		WHERE `+where+`
		ORDER BY id
		FOR UPDATE
	`, args...)
	if err != nil {
		return nil, mapErr(err)
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

func (t *pgTx) LockStockByTransfer(ctx context.Context, tenantID, transferID string) ([]domain.StockUnit, error) {
	return t.lockStockWhere(ctx, "tenant_id = $1 AND transfer_id = $2", tenantID, transferID)
}

func (t *pgTx) LockStockBySale(ctx context.Context, tenantID, saleID string) ([]domain.StockUnit, error) {
	return t.lockStockWhere(ctx, "tenant_id = $1 AND sale_id = $2", tenantID, saleID)
}

func (t *pgTx) LockStockByID(ctx context.Context, tenantID, unitID string) (*domain.StockUnit, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+stockColumns+`
		FROM stock_units
		WHERE id = $1
		FOR UPDATE
	`, unitID)
	u, err := scanStockUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	if u.TenantID != tenantID {
		return nil, store.ErrCrossTenant
	}
	return &u, nil
}

func (t *pgTx) UpdateStockUnit(ctx context.Context, unit domain.StockUnit) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_units
		SET epc = $2, status = $3, location_code = $4, pool = $5, vendible = $6,
		    transfer_id = $7, sale_id = $8, snapshot_hash = $9, updated_at = now()
		WHERE id = $1
	`, unit.ID, nullIfEmpty(unit.EPC), unit.Status, unit.LocationCode, unit.Pool, unit.Vendible,
		nullIfEmpty(unit.TransferID), nullIfEmpty(unit.SaleID), unit.SnapshotHash)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
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

func (t *pgTx) DeleteStockUnit(ctx context.Context, tenantID, unitID string) error {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM stock_units WHERE id = $1 AND tenant_id = $2
	`, unitID, tenantID)
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

func (t *pgTx) InsertTransfer(ctx context.Context, tr domain.Transfer) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transfers (id, tenant_id, origin_store, dest_store, status, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, tr.ID, tr.TenantID, tr.OriginStore, tr.DestStore, tr.Status, tr.CreatedBy, tr.CreatedAt)
	if err != nil {
		return err
	}
	for _, line := range tr.Lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO transfer_lines (id, transfer_id, line_type, epc, pool, qty,
				sku, description, variant, price_cents, image_url, snapshot_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, line.ID, tr.ID, line.LineType, nullIfEmpty(line.EPC), nullIfEmpty(line.Pool), line.Qty,
			line.Snapshot.SKU, nullIfEmpty(line.Snapshot.Description), nullIfEmpty(line.Snapshot.Variant),
			line.Snapshot.PriceCents, nullIfEmpty(line.Snapshot.ImageURL), line.SnapshotHash)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) GetTransferForUpdate(ctx context.Context, tenantID, transferID string) (*domain.Transfer, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, origin_store, dest_store, status, created_by,
		       COALESCE(dispatched_by, ''), COALESCE(received_by, ''), COALESCE(canceled_by, ''),
		       created_at, dispatched_at, received_at, canceled_at
		FROM transfers
		WHERE id = $1
		FOR UPDATE
	`, transferID)

	var tr domain.Transfer
	var dispatchedAt, receivedAt, canceledAt sql.NullTime
	err := row.Scan(&tr.ID, &tr.TenantID, &tr.OriginStore, &tr.DestStore, &tr.Status, &tr.CreatedBy,
		&tr.DispatchedBy, &tr.ReceivedBy, &tr.CanceledBy, &tr.CreatedAt, &dispatchedAt, &receivedAt, &canceledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
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

	lines, err := t.transferLines(ctx, transferID)
	if err != nil {
		return nil, err
	}
	tr.Lines = lines
	return &tr, nil
}

func (t *pgTx) transferLines(ctx context.Context, transferID string) ([]domain.TransferLine, error) {
	rows, err := t.tx.QueryContext(ctx, `
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

	var lines []domain.TransferLine
	for rows.Next() {
		var l domain.TransferLine
		if err := rows.Scan(&l.ID, &l.TransferID, &l.LineType, &l.EPC, &l.Pool, &l.Qty,
			&l.Snapshot.SKU, &l.Snapshot.Description, &l.Snapshot.Variant,
			&l.Snapshot.PriceCents, &l.Snapshot.ImageURL, &l.SnapshotHash); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (t *pgTx) UpdateTransfer(ctx context.Context, tr domain.Transfer) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transfers
		SET status = $2, dispatched_by = $3, received_by = $4, canceled_by = $5,
		    dispatched_at = $6, received_at = $7, canceled_at = $8
		WHERE id = $1
	`, tr.ID, tr.Status, nullIfEmpty(tr.DispatchedBy), nullIfEmpty(tr.ReceivedBy), nullIfEmpty(tr.CanceledBy),
		nullTime(tr.DispatchedAt), nullTime(tr.ReceivedAt), nullTime(tr.CanceledAt))
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

func (t *pgTx) InsertTransferMovement(ctx context.Context, mv domain.TransferMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transfer_movements (id, transfer_id, line_id, action, qty, actor_id, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, mv.ID, mv.TransferID, mv.LineID, mv.Action, mv.Qty, mv.ActorID, nullIfEmpty(string(mv.Payload)), mv.CreatedAt)
	return err
}

func (t *pgTx) SumTransferMovements(ctx context.Context, tenantID, transferID string) (map[string]domain.MovementTotals, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT m.line_id, m.action, COALESCE(SUM(m.qty), 0)
		FROM transfer_movements m
		JOIN transfers tr ON tr.id = m.transfer_id
		WHERE m.transfer_id = $1 AND tr.tenant_id = $2
		GROUP BY m.line_id, m.action
	`, transferID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]domain.MovementTotals)
	for rows.Next() {
		var lineID, action string
		var qty int
		if err := rows.Scan(&lineID, &action, &qty); err != nil {
			return nil, err
		}
		tt := totals[lineID]
		switch action {
		case domain.MovementDispatch:
			tt.Dispatched += qty
		case domain.MovementReceive:
			tt.Received += qty
		case domain.MovementShortageReported:
			tt.Reported += qty
		case domain.MovementShortageResend:
			tt.Resent += qty
		case domain.MovementShortageLost:
			tt.Lost += qty
		}
		totals[lineID] = tt
	}
	return totals, rows.Err()
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.PosSale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pos_sales (id, tenant_id, store_id, cashier_id, transaction_id, status, parent_sale_id,
			total_due_cents, paid_total_cents, balance_due_cents, change_due_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, sale.ID, sale.TenantID, sale.StoreID, sale.CashierID, nullIfEmpty(sale.TransactionID), sale.Status,
		nullIfEmpty(sale.ParentSaleID), sale.TotalDueCents, sale.PaidTotalCents, sale.BalanceDueCents,
		sale.ChangeDueCents, sale.CreatedAt)
	if err != nil {
		return err
	}
	return t.insertSaleLines(ctx, sale.ID, sale.Lines)
}

func (t *pgTx) insertSaleLines(ctx context.Context, saleID string, lines []domain.PosSaleLine) error {
	for _, l := range lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO pos_sale_lines (id, sale_id, line_type, epc, qty, unit_price_cents,
				sku, description, variant, image_url, snapshot_hash, non_reusable_epc)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, l.ID, saleID, l.LineType, nullIfEmpty(l.EPC), l.Qty, l.UnitPriceCents,
			l.Snapshot.SKU, nullIfEmpty(l.Snapshot.Description), nullIfEmpty(l.Snapshot.Variant),
			nullIfEmpty(l.Snapshot.ImageURL), l.SnapshotHash, l.NonReusableEPC)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) GetSaleForUpdate(ctx context.Context, tenantID, saleID string) (*domain.PosSale, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, store_id, cashier_id, COALESCE(transaction_id, ''), status, COALESCE(parent_sale_id, ''),
		       total_due_cents, paid_total_cents, balance_due_cents, change_due_cents, created_at, checked_out_at, canceled_at
		FROM pos_sales
		WHERE id = $1
		FOR UPDATE
	`, saleID)

	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	if sale.TenantID != tenantID {
		return nil, store.ErrCrossTenant
	}

	lines, err := saleLines(ctx, t.tx, saleID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	payments, err := salePayments(ctx, t.tx, saleID)
	if err != nil {
		return nil, err
	}
	sale.Payments = payments
	return sale, nil
}

func scanSale(row interface{ Scan(...any) error }) (*domain.PosSale, error) {
	var sale domain.PosSale
	var checkedOutAt, canceledAt sql.NullTime
	err := row.Scan(&sale.ID, &sale.TenantID, &sale.StoreID, &sale.CashierID, &sale.TransactionID, &sale.Status,
		&sale.ParentSaleID, &sale.TotalDueCents, &sale.PaidTotalCents, &sale.BalanceDueCents, &sale.ChangeDueCents,
		&sale.CreatedAt, &checkedOutAt, &canceledAt)
	if err != nil {
		return nil, err
	}
	if checkedOutAt.Valid {
		sale.CheckedOutAt = &checkedOutAt.Time
	}
	if canceledAt.Valid {
		sale.CanceledAt = &canceledAt.Time
	}
	return &sale, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func saleLines(ctx context.Context, q querier, saleID string) ([]domain.PosSaleLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, line_type, COALESCE(epc, ''), qty, unit_price_cents,
		       sku, COALESCE(description, ''), COALESCE(variant, ''), COALESCE(image_url, ''), snapshot_hash, non_reusable_epc
		FROM pos_sale_lines
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.PosSaleLine
	for rows.Next() {
		var l domain.PosSaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.LineType, &l.EPC, &l.Qty, &l.UnitPriceCents,
			&l.Snapshot.SKU, &l.Snapshot.Description, &l.Snapshot.Variant, &l.Snapshot.ImageURL,
			&l.SnapshotHash, &l.NonReusableEPC); err != nil {
			return nil, err
		}
		l.Snapshot.PriceCents = l.UnitPriceCents
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func salePayments(ctx context.Context, q querier, saleID string) ([]domain.PosPayment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, method, amount_cents, COALESCE(authorization_code, ''), COALESCE(bank_name, ''), COALESCE(voucher_number, '')
		FROM pos_payments
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.PosPayment
	for rows.Next() {
		var p domain.PosPayment
		if err := rows.Scan(&p.ID, &p.SaleID, &p.Method, &p.AmountCents, &p.AuthorizationCode, &p.BankName, &p.VoucherNumber); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (t *pgTx) UpdateSale(ctx context.Context, sale domain.PosSale) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE pos_sales
		SET transaction_id = $2, status = $3, total_due_cents = $4, paid_total_cents = $5,
		    balance_due_cents = $6, change_due_cents = $7, checked_out_at = $8, canceled_at = $9
		WHERE id = $1
	`, sale.ID, nullIfEmpty(sale.TransactionID), sale.Status, sale.TotalDueCents, sale.PaidTotalCents,
		sale.BalanceDueCents, sale.ChangeDueCents, nullTime(sale.CheckedOutAt), nullTime(sale.CanceledAt))
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

func (t *pgTx) ReplaceSaleLines(ctx context.Context, saleID string, lines []domain.PosSaleLine) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM pos_sale_lines WHERE sale_id = $1`, saleID); err != nil {
		return err
	}
	return t.insertSaleLines(ctx, saleID, lines)
}

func (t *pgTx) InsertPayments(ctx context.Context, saleID string, payments []domain.PosPayment) error {
	for _, p := range payments {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO pos_payments (id, sale_id, method, amount_cents, authorization_code, bank_name, voucher_number)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, p.ID, saleID, p.Method, p.AmountCents, nullIfEmpty(p.AuthorizationCode), nullIfEmpty(p.BankName), nullIfEmpty(p.VoucherNumber))
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) InsertReturnEvent(ctx context.Context, ev domain.PosReturnEvent, lines []domain.PosReturnLine) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pos_return_events (id, tenant_id, sale_id, kind, exchange_sale_id, subtotal_cents, fee_cents,
			refund_total_cents, exchange_total_cents, net_adjustment_cents, actor_id, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, ev.ID, ev.TenantID, ev.SaleID, ev.Kind, nullIfEmpty(ev.ExchangeSaleID), ev.SubtotalCents, ev.FeeCents,
		ev.RefundTotalCents, ev.ExchangeTotalCents, ev.NetAdjustmentCents, ev.ActorID, nullIfEmpty(string(ev.Payload)), ev.CreatedAt)
	if err != nil {
		return err
	}
	for _, rl := range lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO pos_return_lines (return_event_id, sale_id, sale_line_id, qty)
			VALUES ($1,$2,$3,$4)
		`, rl.ReturnEventID, rl.SaleID, rl.SaleLineID, rl.Qty)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) SumReturnedQty(ctx context.Context, tenantID, saleID string) (map[string]int, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT rl.sale_line_id, COALESCE(SUM(rl.qty), 0)
		FROM pos_return_lines rl
		JOIN pos_sales s ON s.id = rl.sale_id
		WHERE rl.sale_id = $1 AND s.tenant_id = $2
		GROUP BY rl.sale_line_id
	`, saleID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var lineID string
		var qty int
		if err := rows.Scan(&lineID, &qty); err != nil {
			return nil, err
		}
		out[lineID] = qty
	}
	return out, rows.Err()
}

func (t *pgTx) InsertCashSession(ctx context.Context, sess domain.PosCashSession) error {
	// The partial unique index on (tenant_id, store_id, cashier_id) WHERE
	// status = 'OPEN' turns a concurrent double-open into a conflict.
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pos_cash_sessions (id, tenant_id, store_id, cashier_id, status, opening_cents,
			expected_cash_cents, counted_cents, difference_cents, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sess.ID, sess.TenantID, sess.StoreID, sess.CashierID, sess.Status, sess.OpeningCents,
		sess.ExpectedCashCents, sess.CountedCents, sess.DifferenceCents, sess.OpenedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (t *pgTx) GetOpenCashSessionForUpdate(ctx context.Context, tenantID, storeID, cashierID string) (*domain.PosCashSession, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, store_id, cashier_id, status, opening_cents, expected_cash_cents,
		       counted_cents, difference_cents, opened_at, closed_at
		FROM pos_cash_sessions
		WHERE tenant_id = $1 AND store_id = $2 AND ($3 = '' OR cashier_id = $3) AND status = 'OPEN'
		ORDER BY opened_at
		LIMIT 1
		FOR UPDATE
	`, tenantID, storeID, cashierID)
	return scanCashSession(row)
}

func scanCashSession(row interface{ Scan(...any) error }) (*domain.PosCashSession, error) {
	var sess domain.PosCashSession
	var closedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.StoreID, &sess.CashierID, &sess.Status, &sess.OpeningCents,
		&sess.ExpectedCashCents, &sess.CountedCents, &sess.DifferenceCents, &sess.OpenedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	if closedAt.Valid {
		sess.ClosedAt = &closedAt.Time
	}
	return &sess, nil
}

func (t *pgTx) UpdateCashSession(ctx context.Context, sess domain.PosCashSession) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE pos_cash_sessions
		SET status = $2, expected_cash_cents = $3, counted_cents = $4, difference_cents = $5, closed_at = $6
		WHERE id = $1
	`, sess.ID, sess.Status, sess.ExpectedCashCents, sess.CountedCents, sess.DifferenceCents, nullTime(sess.ClosedAt))
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

func (t *pgTx) InsertCashMovement(ctx context.Context, tenantID string, mv domain.PosCashMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pos_cash_movements (id, tenant_id, session_id, action, amount_cents,
			balance_before_cents, balance_after_cents, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, mv.ID, tenantID, mv.SessionID, mv.Action, mv.AmountCents, mv.BalanceBeforeCents, mv.BalanceAfterCents,
		nullIfEmpty(mv.Note), mv.CreatedAt)
	return err
}

func (t *pgTx) GetDayClose(ctx context.Context, tenantID, storeID, businessDate string) (*domain.CashDayClose, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, store_id, business_date, closed_by, created_at
		FROM pos_day_closes
		WHERE tenant_id = $1 AND store_id = $2 AND business_date = $3
	`, tenantID, storeID, businessDate)

	var dc domain.CashDayClose
	err := row.Scan(&dc.ID, &dc.TenantID, &dc.StoreID, &dc.BusinessDate, &dc.ClosedBy, &dc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dc, nil
}

func (t *pgTx) InsertDayClose(ctx context.Context, dc domain.CashDayClose) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pos_day_closes (id, tenant_id, store_id, business_date, closed_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, dc.ID, dc.TenantID, dc.StoreID, dc.BusinessDate, dc.ClosedBy, dc.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}
