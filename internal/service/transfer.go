package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/store"
	"tokobase/backend/internal/xid"
)

type transferIDRequest struct {
	TransferID string `json:"transfer_id"`
}

// CreateTransfer records a DRAFT transfer. Lines pin the stock snapshot at
// creation time; no units are claimed until dispatch.
func (s *Service) CreateTransfer(ctx context.Context, key string, req domain.TransferCreateRequest) (*GuardedResult, error) {
	return s.runGuarded(ctx, "/v1/transfers", http.MethodPost, key, req, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		req.OriginStore = strings.TrimSpace(req.OriginStore)
		req.DestStore = strings.TrimSpace(req.DestStore)
		if req.OriginStore == "" || req.DestStore == "" {
			return 0, nil, errValidation("origin_store and dest_store are required")
		}
		if req.OriginStore == req.DestStore {
			return 0, nil, errValidation("origin and destination must differ")
		}
		if actor.StoreID != req.OriginStore && !domain.IsElevatedRole(actor.Role) {
			return 0, nil, store.ErrPermissionDenied
		}
		if len(req.Lines) == 0 {
			return 0, nil, errValidation("lines must not be empty")
		}

		now := s.now()
		tr := domain.Transfer{
			ID:          xid.New("trf"),
			TenantID:    actor.TenantID,
			OriginStore: req.OriginStore,
			DestStore:   req.DestStore,
			Status:      domain.TransferStatusDraft,
			CreatedBy:   actor.UserID,
			CreatedAt:   now,
		}
		for i, lr := range req.Lines {
			line, err := buildTransferLine(tr.ID, i, lr)
			if err != nil {
				return 0, nil, err
			}
			tr.Lines = append(tr.Lines, line)
		}
		if err := tx.InsertTransfer(ctx, tr); err != nil {
			return 0, nil, err
		}

		s.logAudit(ctx, "transfer_create", "transfer", tr.ID, fmt.Sprintf("origin=%s dest=%s lines=%d", tr.OriginStore, tr.DestStore, len(tr.Lines)), "ok")
		return http.StatusCreated, domain.TransferResponse{Transfer: tr}, nil
	})
}

func buildTransferLine(transferID string, i int, lr domain.TransferLineRequest) (domain.TransferLine, error) {
	lr.SKU = strings.ToUpper(strings.TrimSpace(lr.SKU))
	lr.EPC = strings.TrimSpace(lr.EPC)
	if lr.SKU == "" {
		return domain.TransferLine{}, errValidation("line %d: sku is required", i)
	}
	switch lr.LineType {
	case domain.LineTypeEPC:
		if lr.EPC == "" {
			return domain.TransferLine{}, errValidation("line %d: epc is required for EPC lines", i)
		}
		if lr.Qty != 1 {
			return domain.TransferLine{}, errValidation("line %d: EPC lines must have qty 1", i)
		}
	case domain.LineTypeSKU:
		if lr.Qty < 1 {
			return domain.TransferLine{}, errValidation("line %d: qty must be at least 1", i)
		}
		if lr.EPC != "" {
			return domain.TransferLine{}, errValidation("line %d: SKU lines must not carry an epc", i)
		}
	default:
		return domain.TransferLine{}, errValidation("line %d: unknown line_type %q", i, lr.LineType)
	}

	snap := domain.StockSnapshot{
		SKU:         lr.SKU,
		Description: lr.Description,
		Variant:     lr.Variant,
		PriceCents:  lr.PriceCents,
		ImageURL:    lr.ImageURL,
	}
	return domain.TransferLine{
		ID:           xid.New("trl"),
		TransferID:   transferID,
		LineType:     lr.LineType,
		EPC:          lr.EPC,
		Pool:         lr.Pool,
		Qty:          lr.Qty,
		Snapshot:     snap,
		SnapshotHash: snap.Hash(),
	}, nil
}

// DispatchTransfer claims the physical units at the origin and moves them
// into the in-transit pool. Each line gets a DISPATCH movement for the
// full line quantity.
func (s *Service) DispatchTransfer(ctx context.Context, key, transferID string) (*GuardedResult, error) {
	req := transferIDRequest{TransferID: transferID}
	return s.runGuarded(ctx, "/v1/transfers/dispatch", http.MethodPost, key, req, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		tr, err := tx.GetTransferForUpdate(ctx, actor.TenantID, transferID)
		if err != nil {
			return 0, nil, err
		}
		if tr.Status != domain.TransferStatusDraft {
			return 0, nil, errValidation("transfer %s is %s, only DRAFT can be dispatched", tr.ID, tr.Status)
		}
		if actor.StoreID != tr.OriginStore && !domain.IsElevatedRole(actor.Role) {
			return 0, nil, store.ErrPermissionDenied
		}

		now := s.now()
		for _, line := range tr.Lines {
			units, err := s.lockLineUnits(ctx, tx, actor.TenantID, tr.OriginStore, line, line.Qty)
			if err != nil {
				return 0, nil, err
			}
			for _, u := range units {
				u.Status = domain.StockStatusInTransit
				u.LocationCode = domain.InTransitLocation
				u.Pool = domain.InTransitPool
				u.Vendible = false
				u.TransferID = tr.ID
				if err := tx.UpdateStockUnit(ctx, u); err != nil {
					return 0, nil, err
				}
			}
			mv := domain.TransferMovement{
				ID:         xid.New("tmv"),
				TransferID: tr.ID,
				LineID:     line.ID,
				Action:     domain.MovementDispatch,
				Qty:        line.Qty,
				ActorID:    actor.UserID,
				CreatedAt:  now,
			}
			if err := tx.InsertTransferMovement(ctx, mv); err != nil {
				return 0, nil, err
			}
		}

		tr.Status = domain.TransferStatusDispatched
		tr.DispatchedBy = actor.UserID
		tr.DispatchedAt = &now
		if err := tx.UpdateTransfer(ctx, *tr); err != nil {
			return 0, nil, err
		}

		s.logAudit(ctx, "transfer_dispatch", "transfer", tr.ID, "", "ok")
		return http.StatusOK, domain.TransferResponse{Transfer: *tr}, nil
	})
}

// lockLineUnits locates up to qty unclaimed units matching a transfer line
// at the given location. EPC lines match exactly one unit by tag; SKU lines
// allocate oldest-first by snapshot hash.
func (s *Service) lockLineUnits(ctx context.Context, tx store.Tx, tenantID, location string, line domain.TransferLine, qty int) ([]domain.StockUnit, error) {
	if line.LineType == domain.LineTypeEPC {
		unit, err := tx.LockStockByEPC(ctx, tenantID, line.EPC)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: epc %s not found", store.ErrInsufficientStock, line.EPC)
		}
		if err != nil {
			return nil, err
		}
		if unit.Status != domain.StockStatusRFID || unit.LocationCode != location || unit.TransferID != "" || unit.SaleID != "" {
			return nil, fmt.Errorf("%w: epc %s is not available at %s", store.ErrInsufficientStock, line.EPC, location)
		}
		return []domain.StockUnit{*unit}, nil
	}

	units, err := tx.LockStockBySnapshot(ctx, tenantID, line.SnapshotHash, location, line.Pool, domain.StockStatusPending, true, qty)
	if err != nil {
		return nil, err
	}
	if len(units) < qty {
		return nil, fmt.Errorf("%w: sku %s has %d of %d units at %s", store.ErrInsufficientStock, line.Snapshot.SKU, len(units), qty, location)
	}
	return units, nil
}

// ReceiveTransfer books arrived quantities at the destination. Only actors
// of the destination store may receive. Quantities are bounded per line by
// the outstanding balance of the movement log.
func (s *Service) ReceiveTransfer(ctx context.Context, key, transferID string, req domain.TransferReceiveRequest) (*GuardedResult, error) {
	payload := struct {
		TransferID string                       `json:"transfer_id"`
		Lines      []domain.TransferReceiveLine `json:"lines"`
	}{transferID, req.Lines}
	return s.runGuarded(ctx, "/v1/transfers/receive", http.MethodPost, key, payload, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		tr, err := tx.GetTransferForUpdate(ctx, actor.TenantID, transferID)
		if err != nil {
			return 0, nil, err
		}
		if tr.Status != domain.TransferStatusDispatched && tr.Status != domain.TransferStatusPartialReceived {
			return 0, nil, errValidation("transfer %s is %s, nothing to receive", tr.ID, tr.Status)
		}
		if actor.StoreID != tr.DestStore {
			return 0, nil, store.ErrPermissionDenied
		}
		if len(req.Lines) == 0 {
			return 0, nil, errValidation("lines must not be empty")
		}

		totals, err := tx.SumTransferMovements(ctx, actor.TenantID, tr.ID)
		if err != nil {
			return 0, nil, err
		}
		lineByID := make(map[string]domain.TransferLine, len(tr.Lines))
		for _, l := range tr.Lines {
			lineByID[l.ID] = l
		}

		now := s.now()
		for i, rl := range req.Lines {
			line, ok := lineByID[rl.LineID]
			if !ok {
				return 0, nil, errValidation("line %d: unknown line_id %s", i, rl.LineID)
			}
			if rl.Qty < 1 {
				return 0, nil, errValidation("line %d: qty must be at least 1", i)
			}
			tt := totals[line.ID]
			if rl.Qty > tt.Outstanding() {
				return 0, nil, errValidation("line %d: receiving %d exceeds outstanding %d", i, rl.Qty, tt.Outstanding())
			}
			if rl.Location == "" {
				rl.Location = tr.DestStore
			}

			units, err := s.lockInTransitUnits(ctx, tx, actor.TenantID, tr.ID, line, rl.Qty)
			if err != nil {
				return 0, nil, err
			}
			for _, u := range units {
				if line.LineType == domain.LineTypeEPC {
					u.Status = domain.StockStatusRFID
				} else {
					u.Status = domain.StockStatusPending
				}
				u.LocationCode = rl.Location
				u.Pool = rl.Pool
				u.Vendible = rl.Vendible
				u.TransferID = ""
				if err := tx.UpdateStockUnit(ctx, u); err != nil {
					return 0, nil, err
				}
			}

			mv := domain.TransferMovement{
				ID:         xid.New("tmv"),
				TransferID: tr.ID,
				LineID:     line.ID,
				Action:     domain.MovementReceive,
				Qty:        rl.Qty,
				ActorID:    actor.UserID,
				CreatedAt:  now,
			}
			if err := tx.InsertTransferMovement(ctx, mv); err != nil {
				return 0, nil, err
			}
			tt.Received += rl.Qty
			totals[line.ID] = tt
		}

		if err := s.settleTransferStatus(ctx, tx, actor, tr, totals, now); err != nil {
			return 0, nil, err
		}

		s.logAudit(ctx, "transfer_receive", "transfer", tr.ID, fmt.Sprintf("lines=%d", len(req.Lines)), "ok")
		return http.StatusOK, domain.TransferResponse{Transfer: *tr}, nil
	})
}

// lockInTransitUnits picks qty units currently claimed by the transfer that
// match the line, EPC exact or snapshot hash FIFO.
func (s *Service) lockInTransitUnits(ctx context.Context, tx store.Tx, tenantID, transferID string, line domain.TransferLine, qty int) ([]domain.StockUnit, error) {
	claimed, err := tx.LockStockByTransfer(ctx, tenantID, transferID)
	if err != nil {
		return nil, err
	}
	var out []domain.StockUnit
	for _, u := range claimed {
		if u.Status != domain.StockStatusInTransit {
			continue
		}
		if line.LineType == domain.LineTypeEPC {
			if u.EPC != line.EPC {
				continue
			}
		} else if u.SnapshotHash != line.SnapshotHash || u.EPC != "" {
			continue
		}
		out = append(out, u)
		if len(out) == qty {
			break
		}
	}
	if len(out) < qty {
		return nil, fmt.Errorf("%w: only %d of %d units in transit for line %s", store.ErrInsufficientStock, len(out), qty, line.ID)
	}
	return out, nil
}

// settleTransferStatus advances the header once the movement log balances:
// zero outstanding across all lines means RECEIVED, outstanding with at
// least one reception means PARTIAL_RECEIVED. A transfer with nothing
// received stays DISPATCHED no matter how shortages resolve, so it remains
// cancelable. Timestamps only move forward; ReceivedAt is set once, at
// completion.
func (s *Service) settleTransferStatus(ctx context.Context, tx store.Tx, actor domain.Actor, tr *domain.Transfer, totals map[string]domain.MovementTotals, now time.Time) error {
	outstanding, received := 0, 0
	for _, line := range tr.Lines {
		outstanding += totals[line.ID].Outstanding()
		received += totals[line.ID].Received
	}
	switch {
	case outstanding == 0:
		tr.Status = domain.TransferStatusReceived
		tr.ReceivedBy = actor.UserID
		if tr.ReceivedAt == nil {
			tr.ReceivedAt = &now
		}
	case received > 0:
		tr.Status = domain.TransferStatusPartialReceived
	default:
		tr.Status = domain.TransferStatusDispatched
	}
	return tx.UpdateTransfer(ctx, *tr)
}

// ReportShortage logs missing quantities at the destination without moving
// stock. Reported quantity per line is bounded by the outstanding balance
// net of shortages already reported and unresolved.
func (s *Service) ReportShortage(ctx context.Context, key, transferID string, req domain.ShortageReportRequest) (*GuardedResult, error) {
	payload := struct {
		TransferID string                      `json:"transfer_id"`
		Lines      []domain.ShortageReportLine `json:"lines"`
	}{transferID, req.Lines}
	return s.runGuarded(ctx, "/v1/transfers/shortage/report", http.MethodPost, key, payload, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		tr, err := tx.GetTransferForUpdate(ctx, actor.TenantID, transferID)
		if err != nil {
			return 0, nil, err
		}
		if tr.Status != domain.TransferStatusDispatched && tr.Status != domain.TransferStatusPartialReceived {
			return 0, nil, errValidation("transfer %s is %s, shortages apply to in-flight transfers", tr.ID, tr.Status)
		}
		if actor.StoreID != tr.DestStore {
			return 0, nil, store.ErrPermissionDenied
		}
		if len(req.Lines) == 0 {
			return 0, nil, errValidation("lines must not be empty")
		}

		totals, err := tx.SumTransferMovements(ctx, actor.TenantID, tr.ID)
		if err != nil {
			return 0, nil, err
		}
		lineByID := make(map[string]domain.TransferLine, len(tr.Lines))
		for _, l := range tr.Lines {
			lineByID[l.ID] = l
		}

		now := s.now()
		for i, rl := range req.Lines {
			line, ok := lineByID[rl.LineID]
			if !ok {
				return 0, nil, errValidation("line %d: unknown line_id %s", i, rl.LineID)
			}
			if rl.Qty < 1 {
				return 0, nil, errValidation("line %d: qty must be at least 1", i)
			}
			tt := totals[line.ID]
			reportable := tt.Outstanding() - tt.UnresolvedReported()
			if rl.Qty > reportable {
				return 0, nil, errValidation("line %d: reporting %d exceeds reportable %d", i, rl.Qty, reportable)
			}
			mv := domain.TransferMovement{
				ID:         xid.New("tmv"),
				TransferID: tr.ID,
				LineID:     line.ID,
				Action:     domain.MovementShortageReported,
				Qty:        rl.Qty,
				ActorID:    actor.UserID,
				CreatedAt:  now,
			}
			if err := tx.InsertTransferMovement(ctx, mv); err != nil {
				return 0, nil, err
			}
		}

		s.logAudit(ctx, "transfer_shortage_report", "transfer", tr.ID, fmt.Sprintf("lines=%d", len(req.Lines)), "ok")
		return http.StatusOK, domain.TransferResponse{Transfer: *tr}, nil
	})
}

// ResolveShortage settles previously reported shortages. FOUND_AND_RESEND
// keeps the units in transit for a later receive; LOST_IN_ROUTE removes
// them from the ledger permanently and needs an elevated role.
func (s *Service) ResolveShortage(ctx context.Context, key, transferID string, req domain.ShortageResolveRequest) (*GuardedResult, error) {
	payload := struct {
		TransferID string                       `json:"transfer_id"`
		Lines      []domain.ShortageResolveLine `json:"lines"`
	}{transferID, req.Lines}
	return s.runGuarded(ctx, "/v1/transfers/shortage/resolve", http.MethodPost, key, payload, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		tr, err := tx.GetTransferForUpdate(ctx, actor.TenantID, transferID)
		if err != nil {
			return 0, nil, err
		}
		if tr.Status != domain.TransferStatusDispatched && tr.Status != domain.TransferStatusPartialReceived {
			return 0, nil, errValidation("transfer %s is %s, shortages apply to in-flight transfers", tr.ID, tr.Status)
		}
		if len(req.Lines) == 0 {
			return 0, nil, errValidation("lines must not be empty")
		}

		totals, err := tx.SumTransferMovements(ctx, actor.TenantID, tr.ID)
		if err != nil {
			return 0, nil, err
		}
		lineByID := make(map[string]domain.TransferLine, len(tr.Lines))
		for _, l := range tr.Lines {
			lineByID[l.ID] = l
		}

		now := s.now()
		for i, rl := range req.Lines {
			line, ok := lineByID[rl.LineID]
			if !ok {
				return 0, nil, errValidation("line %d: unknown line_id %s", i, rl.LineID)
			}
			if rl.Qty < 1 {
				return 0, nil, errValidation("line %d: qty must be at least 1", i)
			}
			tt := totals[line.ID]
			if rl.Qty > tt.UnresolvedReported() {
				return 0, nil, errValidation("line %d: resolving %d exceeds unresolved %d", i, rl.Qty, tt.UnresolvedReported())
			}

			var action string
			switch rl.Resolution {
			case domain.ResolutionFoundResend:
				action = domain.MovementShortageResend
			case domain.ResolutionLostInRoute:
				if !domain.IsElevatedRole(actor.Role) {
					return 0, nil, store.ErrPermissionDenied
				}
				action = domain.MovementShortageLost
				units, err := s.lockInTransitUnits(ctx, tx, actor.TenantID, tr.ID, line, rl.Qty)
				if err != nil {
					return 0, nil, err
				}
				for _, u := range units {
					if err := tx.DeleteStockUnit(ctx, actor.TenantID, u.ID); err != nil {
						return 0, nil, err
					}
				}
			default:
				return 0, nil, errValidation("line %d: unknown resolution %q", i, rl.Resolution)
			}

			mv := domain.TransferMovement{
				ID:         xid.New("tmv"),
				TransferID: tr.ID,
				LineID:     line.ID,
				Action:     action,
				Qty:        rl.Qty,
				ActorID:    actor.UserID,
				CreatedAt:  now,
			}
			if err := tx.InsertTransferMovement(ctx, mv); err != nil {
				return 0, nil, err
			}
			if action == domain.MovementShortageResend {
				tt.Resent += rl.Qty
			} else {
				tt.Lost += rl.Qty
			}
			totals[line.ID] = tt
		}

		if err := s.settleTransferStatus(ctx, tx, actor, tr, totals, now); err != nil {
			return 0, nil, err
		}

		s.logAudit(ctx, "transfer_shortage_resolve", "transfer", tr.ID, fmt.Sprintf("lines=%d", len(req.Lines)), "ok")
		return http.StatusOK, domain.TransferResponse{Transfer: *tr}, nil
	})
}

// CancelTransfer aborts a transfer. A DRAFT cancels in place. A DISPATCHED
// transfer with no receptions returns its claimed units to the origin.
// Anything partially received can no longer be canceled.
func (s *Service) CancelTransfer(ctx context.Context, key, transferID string) (*GuardedResult, error) {
	req := transferIDRequest{TransferID: transferID}
	return s.runGuarded(ctx, "/v1/transfers/cancel", http.MethodPost, key, req, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		tr, err := tx.GetTransferForUpdate(ctx, actor.TenantID, transferID)
		if err != nil {
			return 0, nil, err
		}
		if actor.StoreID != tr.OriginStore && !domain.IsElevatedRole(actor.Role) {
			return 0, nil, store.ErrPermissionDenied
		}

		now := s.now()
		switch tr.Status {
		case domain.TransferStatusDraft:
			// No stock was claimed yet.
		case domain.TransferStatusDispatched:
			totals, err := tx.SumTransferMovements(ctx, actor.TenantID, tr.ID)
			if err != nil {
				return 0, nil, err
			}
			for _, line := range tr.Lines {
				if totals[line.ID].Received > 0 {
					return 0, nil, errValidation("transfer %s has receptions and cannot be canceled", tr.ID)
				}
			}
			units, err := tx.LockStockByTransfer(ctx, actor.TenantID, tr.ID)
			if err != nil {
				return 0, nil, err
			}
			for _, u := range units {
				if u.EPC != "" {
					u.Status = domain.StockStatusRFID
				} else {
					u.Status = domain.StockStatusPending
				}
				u.LocationCode = tr.OriginStore
				u.Pool = poolForUnit(tr.Lines, u)
				u.Vendible = true
				u.TransferID = ""
				if err := tx.UpdateStockUnit(ctx, u); err != nil {
					return 0, nil, err
				}
			}
		default:
			return 0, nil, errValidation("transfer %s is %s and cannot be canceled", tr.ID, tr.Status)
		}

		tr.Status = domain.TransferStatusCancelled
		tr.CanceledBy = actor.UserID
		tr.CanceledAt = &now
		if err := tx.UpdateTransfer(ctx, *tr); err != nil {
			return 0, nil, err
		}

		s.logAudit(ctx, "transfer_cancel", "transfer", tr.ID, "", "ok")
		return http.StatusOK, domain.TransferResponse{Transfer: *tr}, nil
	})
}

// poolForUnit finds the originating line's pool so a canceled dispatch puts
// units back where they came from.
func poolForUnit(lines []domain.TransferLine, u domain.StockUnit) string {
	for _, l := range lines {
		if l.LineType == domain.LineTypeEPC && l.EPC == u.EPC {
			return l.Pool
		}
		if l.LineType == domain.LineTypeSKU && l.SnapshotHash == u.SnapshotHash {
			return l.Pool
		}
	}
	return ""
}

func (s *Service) GetTransfer(ctx context.Context, transferID string) (*domain.TransferResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrPermissionDenied
	}
	tr, err := s.repo.GetTransfer(ctx, actor.TenantID, transferID)
	if err != nil {
		return nil, err
	}
	movements, err := s.repo.ListTransferMovements(ctx, actor.TenantID, transferID)
	if err != nil {
		return nil, err
	}
	return &domain.TransferResponse{Transfer: *tr, Movements: movements}, nil
}
