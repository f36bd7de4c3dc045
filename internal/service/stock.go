package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/store"
	"tokobase/backend/internal/xid"
)

// ImportStock registers new physical units into the ledger. Items with an
// EPC become single RFID units; items without one become fungible PENDING
// rows, one per quantity.
func (s *Service) ImportStock(ctx context.Context, key string, req domain.StockImportRequest) (*GuardedResult, error) {
	return s.runGuarded(ctx, "/v1/stock/import", http.MethodPost, key, req, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		if !domain.IsElevatedRole(actor.Role) {
			return 0, nil, store.ErrPermissionDenied
		}
		if len(req.Items) == 0 {
			return 0, nil, errValidation("items must not be empty")
		}

		now := s.now()
		var created []domain.StockUnit
		seenEPC := map[string]bool{}
		for i, item := range req.Items {
			item.SKU = strings.ToUpper(strings.TrimSpace(item.SKU))
			item.EPC = strings.TrimSpace(item.EPC)
			if item.SKU == "" {
				return 0, nil, errValidation("item %d: sku is required", i)
			}
			if item.PriceCents < 0 {
				return 0, nil, errValidation("item %d: price_cents must not be negative", i)
			}
			if item.Location == "" || item.Pool == "" {
				return 0, nil, errValidation("item %d: location and pool are required", i)
			}
			if item.EPC != "" {
				if item.Qty != 1 {
					return 0, nil, errValidation("item %d: epc items must have qty 1", i)
				}
				if seenEPC[item.EPC] {
					return 0, nil, errValidation("item %d: duplicate epc %s in request", i, item.EPC)
				}
				seenEPC[item.EPC] = true
				if _, err := tx.LockStockByEPC(ctx, actor.TenantID, item.EPC); err == nil {
					return 0, nil, errValidation("item %d: epc %s already registered", i, item.EPC)
				} else if !errors.Is(err, store.ErrNotFound) {
					return 0, nil, err
				}
			} else if item.Qty < 1 {
				return 0, nil, errValidation("item %d: qty must be at least 1", i)
			}

			qty := item.Qty
			status := domain.StockStatusPending
			if item.EPC != "" {
				qty = 1
				status = domain.StockStatusRFID
			}
			for n := 0; n < qty; n++ {
				unit := domain.StockUnit{
					ID:           xid.New("stk"),
					TenantID:     actor.TenantID,
					SKU:          item.SKU,
					EPC:          item.EPC,
					Description:  item.Description,
					Variant:      item.Variant,
					Status:       status,
					LocationCode: item.Location,
					Pool:         item.Pool,
					Vendible:     item.Vendible,
					PriceCents:   item.PriceCents,
					ImageURL:     item.ImageURL,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				unit.SnapshotHash = unit.Snapshot().Hash()
				if err := tx.InsertStockUnit(ctx, unit); err != nil {
					return 0, nil, err
				}
				created = append(created, unit)
			}
		}

		s.logAudit(ctx, "stock_import", "stock", "", fmt.Sprintf("units=%d", len(created)), "ok")
		return http.StatusCreated, domain.StockImportResponse{Created: len(created), Units: created}, nil
	})
}

// WriteOffStock removes units from the ledger permanently, e.g. damaged or
// lost in store. Units claimed by a live transfer or sale cannot go.
func (s *Service) WriteOffStock(ctx context.Context, key string, req domain.StockWriteOffRequest) (*GuardedResult, error) {
	return s.runGuarded(ctx, "/v1/stock/write-off", http.MethodPost, key, req, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		if !domain.IsElevatedRole(actor.Role) {
			return 0, nil, store.ErrPermissionDenied
		}
		if len(req.UnitIDs) == 0 {
			return 0, nil, errValidation("unit_ids must not be empty")
		}
		if strings.TrimSpace(req.Reason) == "" {
			return 0, nil, errValidation("reason is required")
		}

		for _, id := range req.UnitIDs {
			unit, err := tx.LockStockByID(ctx, actor.TenantID, id)
			if err != nil {
				return 0, nil, err
			}
			if unit.TransferID != "" || unit.SaleID != "" {
				return 0, nil, errValidation("unit %s is claimed by an active workflow", id)
			}
			if unit.Status == domain.StockStatusSold {
				return 0, nil, errValidation("unit %s is already sold", id)
			}
			if err := tx.DeleteStockUnit(ctx, actor.TenantID, id); err != nil {
				return 0, nil, err
			}
		}

		s.logAudit(ctx, "stock_write_off", "stock", "", fmt.Sprintf("units=%d reason=%s", len(req.UnitIDs), req.Reason), "ok")
		return http.StatusOK, domain.StockWriteOffResponse{Deleted: len(req.UnitIDs)}, nil
	})
}

func (s *Service) QueryStock(ctx context.Context, q domain.StockQuery) ([]domain.StockUnit, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrPermissionDenied
	}
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 200
	}
	return s.repo.QueryStock(ctx, actor.TenantID, q)
}

func (s *Service) CountVendibleUnits(ctx context.Context, sku string) (int, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return 0, store.ErrPermissionDenied
	}
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return 0, errValidation("sku is required")
	}
	return s.repo.CountVendibleUnits(ctx, actor.TenantID, sku)
}
