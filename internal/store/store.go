package store

import (
	"context"
	"errors"
	"time"

	"tokobase/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrLockTimeout       = errors.New("lock timeout")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrCrossTenant       = errors.New("cross-tenant access")
	ErrConflict          = errors.New("conflict")
)

// Repository is the persistence contract. Mutating workflows run inside
// ExecTx so every state transition, its movement log entries and its
// idempotency record commit or roll back together.
type Repository interface {
	ExecTx(ctx context.Context, fn func(tx Tx) error) error

	GetTransfer(ctx context.Context, tenantID, transferID string) (*domain.Transfer, error)
	ListTransferMovements(ctx context.Context, tenantID, transferID string) ([]domain.TransferMovement, error)
	GetSale(ctx context.Context, tenantID, saleID string) (*domain.PosSale, error)
	GetOpenCashSession(ctx context.Context, tenantID, storeID, cashierID string) (*domain.PosCashSession, error)
	ListCashMovements(ctx context.Context, tenantID, sessionID string) ([]domain.PosCashMovement, error)
	GetReturnPolicy(ctx context.Context, tenantID string) (*domain.ReturnPolicy, error)
	UpsertReturnPolicy(ctx context.Context, policy domain.ReturnPolicy) error
	QueryStock(ctx context.Context, tenantID string, q domain.StockQuery) ([]domain.StockUnit, error)
	CountVendibleUnits(ctx context.Context, tenantID, sku string) (int, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context, tenantID string) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username, password string) error
}

// Tx exposes the row-locking primitives a workflow composes inside one
// transaction. Lock* methods acquire row locks and return ErrLockTimeout
// when the backend gives up waiting.
type Tx interface {
	// Idempotency guard rows.
	InsertIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord) error
	GetIdempotencyRecordForUpdate(ctx context.Context, tenantID, endpoint, method, key string) (*domain.IdempotencyRecord, error)
	CompleteIdempotencyRecord(ctx context.Context, recordID, state string, responseStatus int, responseBody []byte) error

	// Stock ledger.
	InsertStockUnit(ctx context.Context, unit domain.StockUnit) error
	LockStockByEPC(ctx context.Context, tenantID, epc string) (*domain.StockUnit, error)
	LockStockBySnapshot(ctx context.Context, tenantID, snapshotHash, location, pool, status string, vendible bool, limit int) ([]domain.StockUnit, error)
	LockStockByTransfer(ctx context.Context, tenantID, transferID string) ([]domain.StockUnit, error)
	LockStockBySale(ctx context.Context, tenantID, saleID string) ([]domain.StockUnit, error)
	LockStockByID(ctx context.Context, tenantID, unitID string) (*domain.StockUnit, error)
	UpdateStockUnit(ctx context.Context, unit domain.StockUnit) error
	DeleteStockUnit(ctx context.Context, tenantID, unitID string) error

	// Transfers and their movement log.
	InsertTransfer(ctx context.Context, tr domain.Transfer) error
	GetTransferForUpdate(ctx context.Context, tenantID, transferID string) (*domain.Transfer, error)
	UpdateTransfer(ctx context.Context, tr domain.Transfer) error
	InsertTransferMovement(ctx context.Context, mv domain.TransferMovement) error
	SumTransferMovements(ctx context.Context, tenantID, transferID string) (map[string]domain.MovementTotals, error)

	// Sales, payments and return events.
	InsertSale(ctx context.Context, sale domain.PosSale) error
	GetSaleForUpdate(ctx context.Context, tenantID, saleID string) (*domain.PosSale, error)
	UpdateSale(ctx context.Context, sale domain.PosSale) error
	ReplaceSaleLines(ctx context.Context, saleID string, lines []domain.PosSaleLine) error
	InsertPayments(ctx context.Context, saleID string, payments []domain.PosPayment) error
	InsertReturnEvent(ctx context.Context, ev domain.PosReturnEvent, lines []domain.PosReturnLine) error
	SumReturnedQty(ctx context.Context, tenantID, saleID string) (map[string]int, error)

	// Cash sessions and the day-close gate. An empty cashierID matches any
	// open session at the store.
	InsertCashSession(ctx context.Context, s domain.PosCashSession) error
	GetOpenCashSessionForUpdate(ctx context.Context, tenantID, storeID, cashierID string) (*domain.PosCashSession, error)
	UpdateCashSession(ctx context.Context, s domain.PosCashSession) error
	InsertCashMovement(ctx context.Context, tenantID string, mv domain.PosCashMovement) error
	GetDayClose(ctx context.Context, tenantID, storeID, businessDate string) (*domain.CashDayClose, error)
	InsertDayClose(ctx context.Context, dc domain.CashDayClose) error
}
