// Package memory is an in-process Repository used for dev mode and service
// tests. ExecTx holds the store lock for the whole transaction and restores
// a snapshot on error, so callers see the same commit-or-nothing behavior
// the SQL store provides.
package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/store"
	"tokobase/backend/internal/xid"
)

type cashMovement struct {
	tenantID string
	mv       domain.PosCashMovement
}

type Store struct {
	mu            sync.RWMutex
	units         map[string]domain.StockUnit
	transfers     map[string]domain.Transfer
	movements     []domain.TransferMovement
	sales         map[string]domain.PosSale
	returnEvents  []domain.PosReturnEvent
	returnLines   []domain.PosReturnLine
	cashSessions  map[string]domain.PosCashSession
	cashMovements []cashMovement
	dayCloses     map[string]domain.CashDayClose
	idemByKey     map[string]domain.IdempotencyRecord
	idemByID      map[string]string

	// Policies and audit logs are read inside open transactions, so they
	// live behind their own locks instead of the transactional mu.
	polMu    sync.RWMutex
	policies map[string]domain.ReturnPolicy
	auditMu  sync.Mutex
	audits   []domain.AuditLog

	userMu sync.RWMutex
	users  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		units:        make(map[string]domain.StockUnit),
		transfers:    make(map[string]domain.Transfer),
		sales:        make(map[string]domain.PosSale),
		cashSessions: make(map[string]domain.PosCashSession),
		dayCloses:    make(map[string]domain.CashDayClose),
		idemByKey:    make(map[string]domain.IdempotencyRecord),
		idemByID:     make(map[string]string),
		policies:     make(map[string]domain.ReturnPolicy),
		users:        make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with demo accounts and a default
// return policy for the demo tenant.
func NewSeeded() *Store {
	s := New()
	for username, u := range seedUsers() {
		s.users[username] = u
	}
	s.policies["tnt_demo"] = domain.ReturnPolicy{
		TenantID:                    "tnt_demo",
		ReturnWindowDays:            30,
		RequireReceipt:              false,
		AllowExchange:               true,
		AllowRefundCash:             true,
		AllowRefundCard:             true,
		AllowRefundTransfer:         true,
		RequireManagerForExceptions: true,
		EPCReturnStrategy:           domain.EPCStrategyAssignNew,
	}
	return s
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. The backend uses
// PostgreSQL when DATABASE_URL is set, so these never reach production.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		storeID  string
	}{
		{"admin", adminPwd, domain.RoleAdmin, "store-central"},
		{"cashier", cashierPwd, domain.RoleCashier, "store-central"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			TenantID:  "tnt_demo",
			StoreID:   u.storeID,
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func idemKey(tenantID, endpoint, method, key string) string {
	return strings.Join([]string{tenantID, endpoint, method, key}, "|")
}

func dayCloseKey(tenantID, storeID, date string) string {
	return strings.Join([]string{tenantID, storeID, date}, "|")
}

type snapshot struct {
	units         map[string]domain.StockUnit
	transfers     map[string]domain.Transfer
	movements     []domain.TransferMovement
	sales         map[string]domain.PosSale
	returnEvents  []domain.PosReturnEvent
	returnLines   []domain.PosReturnLine
	cashSessions  map[string]domain.PosCashSession
	cashMovements []cashMovement
	dayCloses     map[string]domain.CashDayClose
	idemByKey     map[string]domain.IdempotencyRecord
	idemByID      map[string]string
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		units:         make(map[string]domain.StockUnit, len(s.units)),
		transfers:     make(map[string]domain.Transfer, len(s.transfers)),
		movements:     append([]domain.TransferMovement(nil), s.movements...),
		sales:         make(map[string]domain.PosSale, len(s.sales)),
		returnEvents:  append([]domain.PosReturnEvent(nil), s.returnEvents...),
		returnLines:   append([]domain.PosReturnLine(nil), s.returnLines...),
		cashSessions:  make(map[string]domain.PosCashSession, len(s.cashSessions)),
		cashMovements: append([]cashMovement(nil), s.cashMovements...),
		dayCloses:     make(map[string]domain.CashDayClose, len(s.dayCloses)),
		idemByKey:     make(map[string]domain.IdempotencyRecord, len(s.idemByKey)),
		idemByID:      make(map[string]string, len(s.idemByID)),
	}
	for k, v := range s.units {
		snap.units[k] = v
	}
	for k, v := range s.transfers {
		v.Lines = append([]domain.TransferLine(nil), v.Lines...)
		snap.transfers[k] = v
	}
	for k, v := range s.sales {
		v.Lines = append([]domain.PosSaleLine(nil), v.Lines...)
		v.Payments = append([]domain.PosPayment(nil), v.Payments...)
		snap.sales[k] = v
	}
	for k, v := range s.cashSessions {
		snap.cashSessions[k] = v
	}
	for k, v := range s.dayCloses {
		snap.dayCloses[k] = v
	}
	for k, v := range s.idemByKey {
		snap.idemByKey[k] = v
	}
	for k, v := range s.idemByID {
		snap.idemByID[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.units = snap.units
	s.transfers = snap.transfers
	s.movements = snap.movements
	s.sales = snap.sales
	s.returnEvents = snap.returnEvents
	s.returnLines = snap.returnLines
	s.cashSessions = snap.cashSessions
	s.cashMovements = snap.cashMovements
	s.dayCloses = snap.dayCloses
	s.idemByKey = snap.idemByKey
	s.idemByID = snap.idemByID
}

func (s *Store) ExecTx(_ context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memTx struct {
	s *Store
}

func (t *memTx) InsertIdempotencyRecord(_ context.Context, rec domain.IdempotencyRecord) error {
	k := idemKey(rec.TenantID, rec.Endpoint, rec.Method, rec.Key)
	if _, exists := t.s.idemByKey[k]; exists {
		return store.ErrConflict
	}
	t.s.idemByKey[k] = rec
	t.s.idemByID[rec.ID] = k
	return nil
}

func (t *memTx) GetIdempotencyRecordForUpdate(_ context.Context, tenantID, endpoint, method, key string) (*domain.IdempotencyRecord, error) {
	rec, ok := t.s.idemByKey[idemKey(tenantID, endpoint, method, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (t *memTx) CompleteIdempotencyRecord(_ context.Context, recordID, state string, responseStatus int, responseBody []byte) error {
	k, ok := t.s.idemByID[recordID]
	if !ok {
		return store.ErrNotFound
	}
	rec := t.s.idemByKey[k]
	rec.State = state
	rec.ResponseStatus = responseStatus
	rec.ResponseBody = append([]byte(nil), responseBody...)
	rec.UpdatedAt = time.Now().UTC()
	t.s.idemByKey[k] = rec
	return nil
}

func (t *memTx) InsertStockUnit(_ context.Context, unit domain.StockUnit) error {
	if unit.ID == "" {
		unit.ID = xid.New("stk")
	}
	t.s.units[unit.ID] = unit
	return nil
}

func (t *memTx) LockStockByEPC(_ context.Context, tenantID, epc string) (*domain.StockUnit, error) {
	for _, u := range t.s.units {
		if u.TenantID == tenantID && u.EPC == epc {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) LockStockBySnapshot(_ context.Context, tenantID, snapshotHash, location, pool, status string, vendible bool, limit int) ([]domain.StockUnit, error) {
	var matched []domain.StockUnit
	for _, u := range t.s.units {
		if u.TenantID != tenantID || u.SnapshotHash != snapshotHash {
			continue
		}
		if u.LocationCode != location || u.Status != status || u.Vendible != vendible {
			continue
		}
		// Empty pool means any pool.
		if pool != "" && u.Pool != pool {
			continue
		}
		if u.TransferID != "" || u.SaleID != "" {
			continue
		}
		matched = append(matched, u)
	}
	// Oldest first so allocation drains stock FIFO.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (t *memTx) LockStockByTransfer(_ context.Context, tenantID, transferID string) ([]domain.StockUnit, error) {
	return t.claimed(tenantID, func(u domain.StockUnit) bool { return u.TransferID == transferID }), nil
}

func (t *memTx) LockStockBySale(_ context.Context, tenantID, saleID string) ([]domain.StockUnit, error) {
	return t.claimed(tenantID, func(u domain.StockUnit) bool { return u.SaleID == saleID }), nil
}

func (t *memTx) claimed(tenantID string, match func(domain.StockUnit) bool) []domain.StockUnit {
	var out []domain.StockUnit
	for _, u := range t.s.units {
		if u.TenantID == tenantID && match(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memTx) LockStockByID(_ context.Context, tenantID, unitID string) (*domain.StockUnit, error) {
	u, ok := t.s.units[unitID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if u.TenantID != tenantID {
		return nil, store.ErrCrossTenant
	}
	return &u, nil
}

func (t *memTx) UpdateStockUnit(_ context.Context, unit domain.StockUnit) error {
	if _, ok := t.s.units[unit.ID]; !ok {
		return store.ErrNotFound
	}
	unit.UpdatedAt = time.Now().UTC()
	t.s.units[unit.ID] = unit
	return nil
}

func (t *memTx) DeleteStockUnit(_ context.Context, tenantID, unitID string) error {
	u, ok := t.s.units[unitID]
	if !ok {
		return store.ErrNotFound
	}
	if u.TenantID != tenantID {
		return store.ErrCrossTenant
	}
	delete(t.s.units, unitID)
	return nil
}

func (t *memTx) InsertTransfer(_ context.Context, tr domain.Transfer) error {
	t.s.transfers[tr.ID] = tr
	return nil
}

func (t *memTx) GetTransferForUpdate(_ context.Context, tenantID, transferID string) (*domain.Transfer, error) {
	tr, ok := t.s.transfers[transferID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tr.TenantID != tenantID {
		return nil, store.ErrCrossTenant
	}
	tr.Lines = append([]domain.TransferLine(nil), tr.Lines...)
	return &tr, nil
}

func (t *memTx) UpdateTransfer(_ context.Context, tr domain.Transfer) error {
	if _, ok := t.s.transfers[tr.ID]; !ok {
		return store.ErrNotFound
	}
	t.s.transfers[tr.ID] = tr
	return nil
}

func (t *memTx) InsertTransferMovement(_ context.Context, mv domain.TransferMovement) error {
	t.s.movements = append(t.s.movements, mv)
	return nil
}

func (t *memTx) SumTransferMovements(_ context.Context, tenantID, transferID string) (map[string]domain.MovementTotals, error) {
	tr, ok := t.s.transfers[transferID]
	if !ok || tr.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	totals := make(map[string]domain.MovementTotals)
	for _, mv := range t.s.movements {
		if mv.TransferID != transferID {
			continue
		}
		tt := totals[mv.LineID]
		switch mv.Action {
		case domain.MovementDispatch:
			tt.Dispatched += mv.Qty
		case domain.MovementReceive:
			tt.Received += mv.Qty
		case domain.MovementShortageReported:
			tt.Reported += mv.Qty
		case domain.MovementShortageResend:
			tt.Resent += mv.Qty
		case domain.MovementShortageLost:
			tt.Lost += mv.Qty
		}
		totals[mv.LineID] = tt
	}
	return totals, nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.PosSale) error {
	t.s.sales[sale.ID] = sale
	return nil
}

func (t *memTx) GetSaleForUpdate(_ context.Context, tenantID, saleID string) (*domain.PosSale, error) {
	sale, ok := t.s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.TenantID != tenantID {
		return nil, store.ErrCrossTenant
	}
	sale.Lines = append([]domain.PosSaleLine(nil), sale.Lines...)
	sale.Payments = append([]domain.PosPayment(nil), sale.Payments...)
	return &sale, nil
}

func (t *memTx) UpdateSale(_ context.Context, sale domain.PosSale) error {
	existing, ok := t.s.sales[sale.ID]
	if !ok {
		return store.ErrNotFound
	}
	if sale.Lines == nil {
		sale.Lines = existing.Lines
	}
	if sale.Payments == nil {
		sale.Payments = existing.Payments
	}
	t.s.sales[sale.ID] = sale
	return nil
}

func (t *memTx) ReplaceSaleLines(_ context.Context, saleID string, lines []domain.PosSaleLine) error {
	sale, ok := t.s.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	sale.Lines = append([]domain.PosSaleLine(nil), lines...)
	t.s.sales[saleID] = sale
	return nil
}

func (t *memTx) InsertPayments(_ context.Context, saleID string, payments []domain.PosPayment) error {
	sale, ok := t.s.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	sale.Payments = append(sale.Payments, payments...)
	t.s.sales[saleID] = sale
	return nil
}

func (t *memTx) InsertReturnEvent(_ context.Context, ev domain.PosReturnEvent, lines []domain.PosReturnLine) error {
	t.s.returnEvents = append(t.s.returnEvents, ev)
	t.s.returnLines = append(t.s.returnLines, lines...)
	return nil
}

func (t *memTx) SumReturnedQty(_ context.Context, tenantID, saleID string) (map[string]int, error) {
	sale, ok := t.s.sales[saleID]
	if !ok || sale.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	out := make(map[string]int)
	for _, rl := range t.s.returnLines {
		if rl.SaleID == saleID {
			out[rl.SaleLineID] += rl.Qty
		}
	}
	return out, nil
}

func (t *memTx) InsertCashSession(_ context.Context, sess domain.PosCashSession) error {
	for _, existing := range t.s.cashSessions {
		if existing.TenantID == sess.TenantID && existing.StoreID == sess.StoreID &&
			existing.CashierID == sess.CashierID && existing.Status == domain.SessionStatusOpen {
			return store.ErrConflict
		}
	}
	t.s.cashSessions[sess.ID] = sess
	return nil
}

func (t *memTx) GetOpenCashSessionForUpdate(_ context.Context, tenantID, storeID, cashierID string) (*domain.PosCashSession, error) {
	for _, sess := range t.s.cashSessions {
		if sess.TenantID == tenantID && sess.StoreID == storeID && sess.Status == domain.SessionStatusOpen &&
			(cashierID == "" || sess.CashierID == cashierID) {
			out := sess
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) UpdateCashSession(_ context.Context, sess domain.PosCashSession) error {
	if _, ok := t.s.cashSessions[sess.ID]; !ok {
		return store.ErrNotFound
	}
	t.s.cashSessions[sess.ID] = sess
	return nil
}

func (t *memTx) InsertCashMovement(_ context.Context, tenantID string, mv domain.PosCashMovement) error {
	t.s.cashMovements = append(t.s.cashMovements, cashMovement{tenantID: tenantID, mv: mv})
	return nil
}

func (t *memTx) GetDayClose(_ context.Context, tenantID, storeID, businessDate string) (*domain.CashDayClose, error) {
	dc, ok := t.s.dayCloses[dayCloseKey(tenantID, storeID, businessDate)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &dc, nil
}

func (t *memTx) InsertDayClose(_ context.Context, dc domain.CashDayClose) error {
	k := dayCloseKey(dc.TenantID, dc.StoreID, dc.BusinessDate)
	if _, exists := t.s.dayCloses[k]; exists {
		return store.ErrConflict
	}
	t.s.dayCloses[k] = dc
	return nil
}

func (s *Store) GetTransfer(_ context.Context, tenantID, transferID string) (*domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.transfers[transferID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tr.TenantID != tenantID {
		return nil, store.ErrCrossTenant
	}
	tr.Lines = append([]domain.TransferLine(nil), tr.Lines...)
	return &tr, nil
}

func (s *Store) ListTransferMovements(_ context.Context, tenantID, transferID string) ([]domain.TransferMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.transfers[transferID]
	if !ok || tr.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	var out []domain.TransferMovement
	for _, mv := range s.movements {
		if mv.TransferID == transferID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (s *Store) GetSale(_ context.Context, tenantID, saleID string) (*domain.PosSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.TenantID != tenantID {
		return nil, store.ErrCrossTenant
	}
	sale.Lines = append([]domain.PosSaleLine(nil), sale.Lines...)
	sale.Payments = append([]domain.PosPayment(nil), sale.Payments...)
	return &sale, nil
}

func (s *Store) GetOpenCashSession(_ context.Context, tenantID, storeID, cashierID string) (*domain.PosCashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.cashSessions {
		if sess.TenantID == tenantID && sess.StoreID == storeID && sess.Status == domain.SessionStatusOpen &&
			(cashierID == "" || sess.CashierID == cashierID) {
			out := sess
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListCashMovements(_ context.Context, tenantID, sessionID string) ([]domain.PosCashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PosCashMovement
	for _, cm := range s.cashMovements {
		if cm.tenantID == tenantID && cm.mv.SessionID == sessionID {
			out = append(out, cm.mv)
		}
	}
	return out, nil
}

func (s *Store) GetReturnPolicy(_ context.Context, tenantID string) (*domain.ReturnPolicy, error) {
	s.polMu.RLock()
	defer s.polMu.RUnlock()
	p, ok := s.policies[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) UpsertReturnPolicy(_ context.Context, policy domain.ReturnPolicy) error {
	s.polMu.Lock()
	defer s.polMu.Unlock()
	s.policies[policy.TenantID] = policy
	return nil
}

func (s *Store) QueryStock(_ context.Context, tenantID string, q domain.StockQuery) ([]domain.StockUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StockUnit
	for _, u := range s.units {
		if u.TenantID != tenantID {
			continue
		}
		if q.SKU != "" && u.SKU != q.SKU {
			continue
		}
		if q.EPC != "" && u.EPC != q.EPC {
			continue
		}
		if q.Status != "" && u.Status != q.Status {
			continue
		}
		if q.Location != "" && u.LocationCode != q.Location {
			continue
		}
		if q.Pool != "" && u.Pool != q.Pool {
			continue
		}
		if q.Vendible != nil && u.Vendible != *q.Vendible {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CountVendibleUnits(_ context.Context, tenantID, sku string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, u := range s.units {
		if u.TenantID != tenantID || u.SKU != sku || !u.Vendible {
			continue
		}
		if u.Status != domain.StockStatusRFID && u.Status != domain.StockStatusPending {
			continue
		}
		if u.TransferID != "" || u.SaleID != "" {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if entry.ID == "" {
		entry.ID = xid.New("adt")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audits = append(s.audits, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, tenantID string, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	var out []domain.AuditLog
	for _, entry := range s.audits {
		if entry.TenantID != tenantID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		out = append(out, entry)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	if _, exists := s.users[user.Username]; exists {
		return store.ErrConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) ListUsers(_ context.Context, tenantID string) ([]domain.UserAccount, error) {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	var out []domain.UserAccount
	for _, u := range s.users {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username, password string) error {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.users[username] = u
	return nil
}
