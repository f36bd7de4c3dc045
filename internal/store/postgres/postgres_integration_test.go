package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("TOKOBASE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TOKOBASE_TEST_DATABASE_URL to run postgres integration test")
	}

	s, err := New(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSnapshotClaimIsFIFO(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	tenantID := fmt.Sprintf("tnt-it-%d", stamp)
	sku := fmt.Sprintf("SKU-IT-%d", stamp)
	saleID := fmt.Sprintf("sal-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_units WHERE tenant_id = $1`, tenantID)
	})

	snap := domain.StockSnapshot{SKU: sku, PriceCents: 2500}
	hash := snap.Hash()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	err := s.ExecTx(ctx, func(tx store.Tx) error {
		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("stk-it-%d-%d", stamp, i)
			ids = append(ids, id)
			unit := domain.StockUnit{
				ID:           id,
				TenantID:     tenantID,
				SKU:          sku,
				Status:       domain.StockStatusPending,
				LocationCode: "store-it",
				Pool:         "floor",
				Vendible:     true,
				PriceCents:   2500,
				SnapshotHash: hash,
				CreatedAt:    base.Add(time.Duration(i) * time.Minute),
				UpdatedAt:    base,
			}
			if err := tx.InsertStockUnit(ctx, unit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed units: %v", err)
	}

	err = s.ExecTx(ctx, func(tx store.Tx) error {
		units, err := tx.LockStockBySnapshot(ctx, tenantID, hash, "store-it", "", domain.StockStatusPending, true, 2)
		if err != nil {
			return err
		}
		if len(units) != 2 {
			return fmt.Errorf("expected 2 units, got %d", len(units))
		}
		if units[0].ID != ids[0] || units[1].ID != ids[1] {
			return fmt.Errorf("expected oldest-first allocation, got %s, %s", units[0].ID, units[1].ID)
		}
		for _, u := range units {
			u.Status = domain.StockStatusSold
			u.Vendible = false
			u.SaleID = saleID
			if err := tx.UpdateStockUnit(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("claim units: %v", err)
	}

	// Claimed units must be invisible to the next allocation.
	err = s.ExecTx(ctx, func(tx store.Tx) error {
		units, err := tx.LockStockBySnapshot(ctx, tenantID, hash, "store-it", "", domain.StockStatusPending, true, 3)
		if err != nil {
			return err
		}
		if len(units) != 1 || units[0].ID != ids[2] {
			return fmt.Errorf("expected only the unclaimed unit, got %v", units)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
}

func TestIdempotencyRecordUniquePerKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	tenantID := fmt.Sprintf("tnt-it-%d", stamp)
	key := fmt.Sprintf("idem-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE tenant_id = $1`, tenantID)
	})

	rec := domain.IdempotencyRecord{
		ID:          fmt.Sprintf("idm-it-%d", stamp),
		TenantID:    tenantID,
		Endpoint:    "/v1/sales/checkout",
		Method:      "POST",
		Key:         key,
		Fingerprint: "fp-1",
		State:       domain.IdemStateInProgress,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	err := s.ExecTx(ctx, func(tx store.Tx) error {
		return tx.InsertIdempotencyRecord(ctx, rec)
	})
	if err != nil {
		t.Fatalf("insert record: %v", err)
	}

	// The duplicate insert and the follow-up re-read run in one transaction,
	// the same shape the guard uses. The transaction must survive the
	// conflict, so the insert cannot raise a unique violation server-side.
	rec.ID = fmt.Sprintf("idm-it-%d-dup", stamp)
	err = s.ExecTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertIdempotencyRecord(ctx, rec); !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("expected conflict on duplicate key, got %v", err)
		}
		existing, err := tx.GetIdempotencyRecordForUpdate(ctx, tenantID, "/v1/sales/checkout", "POST", key)
		if err != nil {
			return fmt.Errorf("re-read after conflict: %w", err)
		}
		if existing.Fingerprint != "fp-1" {
			return fmt.Errorf("expected winning record, got fingerprint %s", existing.Fingerprint)
		}
		return tx.CompleteIdempotencyRecord(ctx, existing.ID, domain.IdemStateSucceeded, 200, []byte(`{"ok":true}`))
	})
	if err != nil {
		t.Fatalf("duplicate then complete: %v", err)
	}

	err = s.ExecTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetIdempotencyRecordForUpdate(ctx, tenantID, "/v1/sales/checkout", "POST", key)
		if err != nil {
			return err
		}
		if existing.State != domain.IdemStateSucceeded || existing.ResponseStatus != 200 {
			return fmt.Errorf("expected completed record, got state %s status %d", existing.State, existing.ResponseStatus)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reload record: %v", err)
	}
}
