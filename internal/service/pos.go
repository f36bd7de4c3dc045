package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/policy"
	"tokobase/backend/internal/store"
	"tokobase/backend/internal/xid"
)

// CreateSale opens a DRAFT sale at the cashier's store. Lines carry the
// stock snapshot at scan time; units are claimed at checkout, not before.
func (s *Service) CreateSale(ctx context.Context, key string, req domain.SaleCreateRequest) (*GuardedResult, error) {
	return s.runGuarded(ctx, "/v1/sales", http.MethodPost, key, req, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		if actor.StoreID == "" {
			return 0, nil, errValidation("actor has no store")
		}
		now := s.now()
		sale := domain.PosSale{
			ID:            xid.New("sal"),
			TenantID:      actor.TenantID,
			StoreID:       actor.StoreID,
			CashierID:     actor.UserID,
			TransactionID: strings.TrimSpace(req.TransactionID),
			Status:        domain.SaleStatusDraft,
			CreatedAt:     now,
		}
		lines, total, err := buildSaleLines(sale.ID, req.Lines)
		if err != nil {
			return 0, nil, err
		}
		sale.Lines = lines
		sale.TotalDueCents = total
		sale.BalanceDueCents = total
		if err := tx.InsertSale(ctx, sale); err != nil {
			return 0, nil, err
		}

		s.logAudit(ctx, "sale_create", "sale", sale.ID, fmt.Sprintf("lines=%d total=%d", len(lines), total), "ok")
		return http.StatusCreated, domain.SaleResponse{Sale: sale}, nil
	})
}

func buildSaleLines(saleID string, reqs []domain.SaleLineRequest) ([]domain.PosSaleLine, int64, error) {
	if len(reqs) == 0 {
		return nil, 0, errValidation("lines must not be empty")
	}
	var lines []domain.PosSaleLine
	var total int64
	seenEPC := map[string]bool{}
	for i, lr := range reqs {
		lr.SKU = strings.ToUpper(strings.TrimSpace(lr.SKU))
		lr.EPC = strings.TrimSpace(lr.EPC)
		if lr.SKU == "" {
			return nil, 0, errValidation("line %d: sku is required", i)
		}
		if lr.UnitPriceCents < 0 {
			return nil, 0, errValidation("line %d: unit_price_cents must not be negative", i)
		}
		switch lr.LineType {
		case domain.LineTypeEPC:
			if lr.EPC == "" {
				return nil, 0, errValidation("line %d: epc is required for EPC lines", i)
			}
			if lr.Qty != 1 {
				return nil, 0, errValidation("line %d: EPC lines must have qty 1", i)
			}
			if seenEPC[lr.EPC] {
				return nil, 0, errValidation("line %d: epc %s scanned twice", i, lr.EPC)
			}
			seenEPC[lr.EPC] = true
		case domain.LineTypeSKU:
			if lr.Qty < 1 {
				return nil, 0, errValidation("line %d: qty must be at least 1", i)
			}
		default:
			return nil, 0, errValidation("line %d: unknown line_type %q", i, lr.LineType)
		}

		snap := domain.StockSnapshot{
			SKU:         lr.SKU,
			Description: lr.Description,
			Variant:     lr.Variant,
			PriceCents:  lr.UnitPriceCents,
			ImageURL:    lr.ImageURL,
		}
		line := domain.PosSaleLine{
			ID:             xid.New("sll"),
			SaleID:         saleID,
			LineType:       lr.LineType,
			EPC:            lr.EPC,
			Qty:            lr.Qty,
			UnitPriceCents: lr.UnitPriceCents,
			Snapshot:       snap,
			SnapshotHash:   snap.Hash(),
			NonReusableEPC: lr.NonReusableEPC,
		}
		lines = append(lines, line)
		total += int64(lr.Qty) * lr.UnitPriceCents
	}
	return lines, total, nil
}

// UpdateSaleLines replaces the line set of a DRAFT sale and recomputes the
// total due.
func (s *Service) UpdateSaleLines(ctx context.Context, key, saleID string, req domain.SaleLinesUpdateRequest) (*GuardedResult, error) {
	payload := struct {
		SaleID string                   `json:"sale_id"`
		Lines  []domain.SaleLineRequest `json:"lines"`
	}{saleID, req.Lines}
	return s.runGuarded(ctx, "/v1/sales/lines", http.MethodPut, key, payload, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		sale, err := tx.GetSaleForUpdate(ctx, actor.TenantID, saleID)
		if err != nil {
			return 0, nil, err
		}
		if sale.Status != domain.SaleStatusDraft {
			return 0, nil, errValidation("sale %s is %s, only DRAFT lines can change", sale.ID, sale.Status)
		}
		lines, total, err := buildSaleLines(sale.ID, req.Lines)
		if err != nil {
			return 0, nil, err
		}
		if err := tx.ReplaceSaleLines(ctx, sale.ID, lines); err != nil {
			return 0, nil, err
		}
		sale.Lines = lines
		sale.TotalDueCents = total
		sale.BalanceDueCents = total
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, domain.SaleResponse{Sale: *sale}, nil
	})
}

// paymentTally splits validated tender into cash and non-cash totals.
type paymentTally struct {
	total   int64
	cash    int64
	nonCash int64
}

func validatePayments(reqs []domain.PaymentRequest) (paymentTally, []domain.PosPayment, error) {
	var tally paymentTally
	var payments []domain.PosPayment
	for i, pr := range reqs {
		if pr.AmountCents <= 0 {
			return tally, nil, errValidation("payment %d: amount_cents must be positive", i)
		}
		switch pr.Method {
		case domain.PaymentCash:
			tally.cash += pr.AmountCents
		case domain.PaymentCard:
			if strings.TrimSpace(pr.AuthorizationCode) == "" {
				return tally, nil, errValidation("payment %d: card payments require authorization_code", i)
			}
			tally.nonCash += pr.AmountCents
		case domain.PaymentTransfer:
			if strings.TrimSpace(pr.BankName) == "" || strings.TrimSpace(pr.VoucherNumber) == "" {
				return tally, nil, errValidation("payment %d: transfer payments require bank_name and voucher_number", i)
			}
			tally.nonCash += pr.AmountCents
		default:
			return tally, nil, errValidation("payment %d: unknown method %q", i, pr.Method)
		}
		payments = append(payments, domain.PosPayment{
			ID:                xid.New("pay"),
			Method:            pr.Method,
			AmountCents:       pr.AmountCents,
			AuthorizationCode: pr.AuthorizationCode,
			BankName:          pr.BankName,
			VoucherNumber:     pr.VoucherNumber,
		})
	}
	tally.total = tally.cash + tally.nonCash
	return tally, payments, nil
}

// Checkout settles a DRAFT sale: tender is validated against the total,
// stock is claimed and marked SOLD, and the net cash lands in the open
// drawer session. Overpayment is only allowed in cash and comes back as
// change.
func (s *Service) Checkout(ctx context.Context, key, saleID string, req domain.CheckoutRequest) (*GuardedResult, error) {
	payload := struct {
		SaleID string `json:"sale_id"`
		domain.CheckoutRequest
	}{saleID, req}
	return s.runGuarded(ctx, "/v1/sales/checkout", http.MethodPost, key, payload, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		sale, err := tx.GetSaleForUpdate(ctx, actor.TenantID, saleID)
		if err != nil {
			return 0, nil, err
		}
		if sale.Status != domain.SaleStatusDraft {
			return 0, nil, errValidation("sale %s is %s, only DRAFT can check out", sale.ID, sale.Status)
		}
		if len(sale.Lines) == 0 {
			return 0, nil, errValidation("sale %s has no lines", sale.ID)
		}
		if sale.StoreID != actor.StoreID && !domain.IsElevatedRole(actor.Role) {
			return 0, nil, store.ErrPermissionDenied
		}

		tally, payments, err := validatePayments(req.Payments)
		if err != nil {
			return 0, nil, err
		}
		if tally.nonCash > sale.TotalDueCents {
			return 0, nil, errValidation("non-cash tender %d exceeds total due %d", tally.nonCash, sale.TotalDueCents)
		}
		if tally.total < sale.TotalDueCents {
			return 0, nil, errValidation("tendered %d is less than total due %d", tally.total, sale.TotalDueCents)
		}
		change := tally.total - sale.TotalDueCents

		now := s.now()
		if tally.cash > 0 {
			sess, err := s.openSessionForCashier(ctx, tx, actor.TenantID, sale.StoreID, actor.UserID, now)
			if err != nil {
				return 0, nil, err
			}
			if err := s.applyCashDelta(ctx, tx, sess, domain.CashMoveSale, tally.cash-change, fmt.Sprintf("sale %s", sale.ID), now); err != nil {
				return 0, nil, err
			}
		} else if change > 0 {
			return 0, nil, errValidation("change %d requires cash tender", change)
		}

		if err := s.claimSaleStock(ctx, tx, actor.TenantID, sale); err != nil {
			return 0, nil, err
		}

		for i := range payments {
			payments[i].SaleID = sale.ID
		}
		if err := tx.InsertPayments(ctx, sale.ID, payments); err != nil {
			return 0, nil, err
		}
		sale.Payments = append(sale.Payments, payments...)
		if req.TransactionID != "" {
			sale.TransactionID = req.TransactionID
		}
		sale.Status = domain.SaleStatusPaid
		sale.PaidTotalCents = tally.total
		sale.BalanceDueCents = 0
		sale.ChangeDueCents = change
		sale.CheckedOutAt = &now
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return 0, nil, err
		}

		s.logAudit(ctx, "sale_checkout", "sale", sale.ID, fmt.Sprintf("total=%d paid=%d change=%d", sale.TotalDueCents, tally.total, change), "ok")
		return http.StatusOK, domain.SaleResponse{Sale: *sale}, nil
	})
}

// claimSaleStock marks the physical units behind each line SOLD and ties
// them to the sale. EPC lines match by tag, SKU lines drain oldest first.
func (s *Service) claimSaleStock(ctx context.Context, tx store.Tx, tenantID string, sale *domain.PosSale) error {
	for _, line := range sale.Lines {
		var units []domain.StockUnit
		if line.LineType == domain.LineTypeEPC {
			unit, err := tx.LockStockByEPC(ctx, tenantID, line.EPC)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: epc %s not found", store.ErrInsufficientStock, line.EPC)
			}
			if err != nil {
				return err
			}
			if unit.Status != domain.StockStatusRFID || unit.LocationCode != sale.StoreID || !unit.Vendible || unit.TransferID != "" || unit.SaleID != "" {
				return fmt.Errorf("%w: epc %s is not sellable at %s", store.ErrInsufficientStock, line.EPC, sale.StoreID)
			}
			units = []domain.StockUnit{*unit}
		} else {
			matched, err := tx.LockStockBySnapshot(ctx, tenantID, line.SnapshotHash, sale.StoreID, "", domain.StockStatusPending, true, line.Qty)
			if err != nil {
				return err
			}
			if len(matched) < line.Qty {
				return fmt.Errorf("%w: sku %s has %d of %d sellable units at %s", store.ErrInsufficientStock, line.Snapshot.SKU, len(matched), line.Qty, sale.StoreID)
			}
			units = matched
		}
		for _, u := range units {
			u.Status = domain.StockStatusSold
			u.Vendible = false
			u.SaleID = sale.ID
			if err := tx.UpdateStockUnit(ctx, u); err != nil {
				return err
			}
		}
	}
	return nil
}

// CancelSale voids a DRAFT sale. Paid sales are unwound through refunds.
func (s *Service) CancelSale(ctx context.Context, key, saleID string) (*GuardedResult, error) {
	payload := struct {
		SaleID string `json:"sale_id"`
	}{saleID}
	return s.runGuarded(ctx, "/v1/sales/cancel", http.MethodPost, key, payload, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		sale, err := tx.GetSaleForUpdate(ctx, actor.TenantID, saleID)
		if err != nil {
			return 0, nil, err
		}
		if sale.Status != domain.SaleStatusDraft {
			return 0, nil, errValidation("sale %s is %s, only DRAFT can be canceled", sale.ID, sale.Status)
		}
		now := s.now()
		sale.Status = domain.SaleStatusCanceled
		sale.CanceledAt = &now
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return 0, nil, err
		}
		s.logAudit(ctx, "sale_cancel", "sale", sale.ID, "", "ok")
		return http.StatusOK, domain.SaleResponse{Sale: *sale}, nil
	})
}

// refundPlan is the validated outcome of the return-items computation,
// shared by refunds and the refund side of exchanges.
type refundPlan struct {
	items         []domain.ReturnItemRequest
	returnLines   []domain.PosReturnLine
	subtotal      int64
	fee           int64
	refundTotal   int64
	decision      policy.Decision
	activePolicy  domain.ReturnPolicy
	lineByID      map[string]domain.PosSaleLine
}

func (s *Service) buildRefundPlan(ctx context.Context, tx store.Tx, actor domain.Actor, sale *domain.PosSale, items []domain.ReturnItemRequest, receiptProvided, managerOverride, exchange bool) (*refundPlan, error) {
	if sale.Status != domain.SaleStatusPaid {
		return nil, errValidation("sale %s is %s, only PAID sales accept returns", sale.ID, sale.Status)
	}
	if len(items) == 0 {
		return nil, errValidation("items must not be empty")
	}

	pol, err := s.returnPolicyTx(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}
	var checkedOut time.Time
	if sale.CheckedOutAt != nil {
		checkedOut = *sale.CheckedOutAt
	}
	conditions := make([]string, 0, len(items))
	for _, it := range items {
		if it.Condition != "" {
			conditions = append(conditions, it.Condition)
		}
	}
	decision := policy.Evaluate(pol, policy.ReturnContext{
		CheckedOutAt:    checkedOut,
		Now:             s.now(),
		ReceiptProvided: receiptProvided,
		ManagerOverride: managerOverride,
		ActorElevated:   domain.IsElevatedRole(actor.Role),
		Conditions:      conditions,
		Exchange:        exchange,
	})
	if !decision.Allowed {
		return nil, errValidation("return rejected by policy: %s", strings.Join(decision.Violations, ", "))
	}

	lineByID := make(map[string]domain.PosSaleLine, len(sale.Lines))
	for _, l := range sale.Lines {
		lineByID[l.ID] = l
	}
	returned, err := tx.SumReturnedQty(ctx, actor.TenantID, sale.ID)
	if err != nil {
		return nil, err
	}

	plan := &refundPlan{items: items, decision: decision, activePolicy: pol, lineByID: lineByID}
	requested := map[string]int{}
	for i, it := range items {
		line, ok := lineByID[it.SaleLineID]
		if !ok {
			return nil, errValidation("item %d: unknown sale_line_id %s", i, it.SaleLineID)
		}
		if it.Qty < 1 {
			return nil, errValidation("item %d: qty must be at least 1", i)
		}
		requested[line.ID] += it.Qty
		if requested[line.ID]+returned[line.ID] > line.Qty {
			return nil, errValidation("item %d: returning %d exceeds remaining %d on line %s", i, requested[line.ID], line.Qty-returned[line.ID], line.ID)
		}
		plan.subtotal += int64(it.Qty) * line.UnitPriceCents
		plan.returnLines = append(plan.returnLines, domain.PosReturnLine{
			SaleID:     sale.ID,
			SaleLineID: line.ID,
			Qty:        it.Qty,
		})
	}
	plan.fee = policy.FeeCents(pol, plan.subtotal)
	plan.refundTotal = plan.subtotal - plan.fee
	return plan, nil
}

// restockReturnedUnits puts returned physical units back into the ledger.
// SKU units go back to PENDING at the sale's store. EPC units follow the
// tenant's strategy: keep or reassign the tag, or strip it to PENDING.
// Lines flagged non-reusable always lose the tag.
func (s *Service) restockReturnedUnits(ctx context.Context, tx store.Tx, actor domain.Actor, sale *domain.PosSale, plan *refundPlan) error {
	claimed, err := tx.LockStockBySale(ctx, actor.TenantID, sale.ID)
	if err != nil {
		return err
	}
	used := map[string]bool{}
	for _, rl := range plan.returnLines {
		line := plan.lineByID[rl.SaleLineID]
		need := rl.Qty
		for _, u := range claimed {
			if need == 0 {
				break
			}
			if used[u.ID] || u.Status != domain.StockStatusSold {
				continue
			}
			if line.LineType == domain.LineTypeEPC {
				if u.EPC != line.EPC {
					continue
				}
			} else if u.SnapshotHash != line.SnapshotHash || u.EPC != "" {
				continue
			}
			used[u.ID] = true
			need--

			if line.LineType == domain.LineTypeEPC {
				switch {
				case line.NonReusableEPC, plan.activePolicy.EPCReturnStrategy == domain.EPCStrategyToPending:
					u.EPC = ""
					u.Status = domain.StockStatusPending
				case plan.activePolicy.EPCReturnStrategy == domain.EPCStrategyAssignNew:
					u.EPC = xid.New("epc")
					u.Status = domain.StockStatusRFID
				default:
					u.Status = domain.StockStatusRFID
				}
			} else {
				u.Status = domain.StockStatusPending
			}
			u.LocationCode = sale.StoreID
			u.Vendible = true
			u.SaleID = ""
			u.SnapshotHash = u.Snapshot().Hash()
			if err := tx.UpdateStockUnit(ctx, u); err != nil {
				return err
			}
		}
		if need > 0 {
			return fmt.Errorf("%w: only found %d sold units for line %s", store.ErrInsufficientStock, rl.Qty-need, rl.SaleLineID)
		}
	}
	return nil
}

// validateRefundTender checks refund payments against the policy and the
// exact refund total, and returns the cash portion leaving the drawer.
func validateRefundTender(pol domain.ReturnPolicy, reqs []domain.PaymentRequest, refundTotal int64) (int64, []domain.PosPayment, error) {
	tally, payments, err := validatePayments(reqs)
	if err != nil {
		return 0, nil, err
	}
	for i, pr := range reqs {
		if !policy.RefundMethodAllowed(pol, pr.Method) {
			return 0, nil, errValidation("payment %d: refunds via %s are not allowed by policy", i, pr.Method)
		}
	}
	if tally.total != refundTotal {
		return 0, nil, errValidation("refund tender %d must equal refund total %d", tally.total, refundTotal)
	}
	return tally.cash, payments, nil
}

// RefundItems returns money and stock for part or all of a PAID sale. The
// refund amount is the returned subtotal minus the restocking fee, and the
// tendered refund must match it exactly.
func (s *Service) RefundItems(ctx context.Context, key, saleID string, req domain.RefundItemsRequest) (*GuardedResult, error) {
	payload := struct {
		SaleID string `json:"sale_id"`
		domain.RefundItemsRequest
	}{saleID, req}
	return s.runGuarded(ctx, "/v1/sales/refund", http.MethodPost, key, payload, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		sale, err := tx.GetSaleForUpdate(ctx, actor.TenantID, saleID)
		if err != nil {
			return 0, nil, err
		}
		plan, err := s.buildRefundPlan(ctx, tx, actor, sale, req.Items, req.ReceiptProvided, req.ManagerOverride, false)
		if err != nil {
			return 0, nil, err
		}
		cashOut, _, err := validateRefundTender(plan.activePolicy, req.Payments, plan.refundTotal)
		if err != nil {
			return 0, nil, err
		}

		now := s.now()
		if cashOut > 0 {
			sess, err := s.openSessionForCashier(ctx, tx, actor.TenantID, sale.StoreID, actor.UserID, now)
			if err != nil {
				return 0, nil, err
			}
			if err := s.applyCashDelta(ctx, tx, sess, domain.CashMoveOutRefund, -cashOut, fmt.Sprintf("refund sale %s", sale.ID), now); err != nil {
				return 0, nil, err
			}
		}

		if err := s.restockReturnedUnits(ctx, tx, actor, sale, plan); err != nil {
			return 0, nil, err
		}

		reqPayload, _ := json.Marshal(req)
		ev := domain.PosReturnEvent{
			ID:                 xid.New("ret"),
			TenantID:           actor.TenantID,
			SaleID:             sale.ID,
			Kind:               domain.ReturnKindRefund,
			SubtotalCents:      plan.subtotal,
			FeeCents:           plan.fee,
			RefundTotalCents:   plan.refundTotal,
			NetAdjustmentCents: -plan.refundTotal,
			ActorID:            actor.UserID,
			Payload:            reqPayload,
			CreatedAt:          now,
		}
		for i := range plan.returnLines {
			plan.returnLines[i].ReturnEventID = ev.ID
		}
		if err := tx.InsertReturnEvent(ctx, ev, plan.returnLines); err != nil {
			return 0, nil, err
		}

		result := "ok"
		if plan.decision.OverrideApplied {
			result = "override"
		}
		s.logAudit(ctx, "sale_refund", "sale", sale.ID, fmt.Sprintf("subtotal=%d fee=%d refund=%d", plan.subtotal, plan.fee, plan.refundTotal), result)
		return http.StatusOK, domain.RefundItemsResponse{ReturnEvent: ev}, nil
	})
}

// ExchangeItems swaps returned items for new ones in one settlement. The
// customer pays the positive delta under checkout rules or receives the
// negative delta under refund rules; a zero delta moves no money.
func (s *Service) ExchangeItems(ctx context.Context, key, saleID string, req domain.ExchangeItemsRequest) (*GuardedResult, error) {
	payload := struct {
		SaleID string `json:"sale_id"`
		domain.ExchangeItemsRequest
	}{saleID, req}
	return s.runGuarded(ctx, "/v1/sales/exchange", http.MethodPost, key, payload, func(tx store.Tx, actor domain.Actor) (int, any, error) {
		sale, err := tx.GetSaleForUpdate(ctx, actor.TenantID, saleID)
		if err != nil {
			return 0, nil, err
		}
		plan, err := s.buildRefundPlan(ctx, tx, actor, sale, req.ReturnItems, req.ReceiptProvided, req.ManagerOverride, true)
		if err != nil {
			return 0, nil, err
		}
		if len(req.NewLines) == 0 {
			return 0, nil, errValidation("new_lines must not be empty")
		}

		now := s.now()
		exchangeSale := domain.PosSale{
			ID:            xid.New("sal"),
			TenantID:      actor.TenantID,
			StoreID:       sale.StoreID,
			CashierID:     actor.UserID,
			TransactionID: strings.TrimSpace(req.TransactionID),
			ParentSaleID:  sale.ID,
			Status:        domain.SaleStatusDraft,
			CreatedAt:     now,
		}
		newLines, exchangeTotal, err := buildSaleLines(exchangeSale.ID, req.NewLines)
		if err != nil {
			return 0, nil, err
		}
		exchangeSale.Lines = newLines
		exchangeSale.TotalDueCents = exchangeTotal

		delta := exchangeTotal - plan.refundTotal
		var payments []domain.PosPayment
		var cashDelta int64
		switch {
		case delta > 0:
			tally, pays, err := validatePayments(req.Payments)
			if err != nil {
				return 0, nil, err
			}
			if tally.nonCash > delta {
				return 0, nil, errValidation("non-cash tender %d exceeds amount due %d", tally.nonCash, delta)
			}
			if tally.total < delta {
				return 0, nil, errValidation("tendered %d is less than amount due %d", tally.total, delta)
			}
			change := tally.total - delta
			if change > 0 && tally.cash == 0 {
				return 0, nil, errValidation("change %d requires cash tender", change)
			}
			cashDelta = tally.cash - change
			payments = pays
			exchangeSale.PaidTotalCents = tally.total
			exchangeSale.ChangeDueCents = change
		case delta < 0:
			cashOut, pays, err := validateRefundTender(plan.activePolicy, req.Payments, -delta)
			if err != nil {
				return 0, nil, err
			}
			cashDelta = -cashOut
			payments = pays
		default:
			if len(req.Payments) != 0 {
				return 0, nil, errValidation("even exchange must not carry payments")
			}
		}

		if cashDelta != 0 {
			sess, err := s.openSessionForCashier(ctx, tx, actor.TenantID, sale.StoreID, actor.UserID, now)
			if err != nil {
				return 0, nil, err
			}
			action := domain.CashMoveSale
			if cashDelta < 0 {
				action = domain.CashMoveOutRefund
			}
			if err := s.applyCashDelta(ctx, tx, sess, action, cashDelta, fmt.Sprintf("exchange sale %s", sale.ID), now); err != nil {
				return 0, nil, err
			}
		}

		if err := s.restockReturnedUnits(ctx, tx, actor, sale, plan); err != nil {
			return 0, nil, err
		}

		if err := tx.InsertSale(ctx, exchangeSale); err != nil {
			return 0, nil, err
		}
		if err := s.claimSaleStock(ctx, tx, actor.TenantID, &exchangeSale); err != nil {
			return 0, nil, err
		}
		for i := range payments {
			payments[i].SaleID = exchangeSale.ID
		}
		if len(payments) > 0 {
			if err := tx.InsertPayments(ctx, exchangeSale.ID, payments); err != nil {
				return 0, nil, err
			}
			exchangeSale.Payments = payments
		}
		exchangeSale.Status = domain.SaleStatusPaid
		exchangeSale.BalanceDueCents = 0
		exchangeSale.CheckedOutAt = &now
		if err := tx.UpdateSale(ctx, exchangeSale); err != nil {
			return 0, nil, err
		}

		reqPayload, _ := json.Marshal(req)
		ev := domain.PosReturnEvent{
			ID:                 xid.New("ret"),
			TenantID:           actor.TenantID,
			SaleID:             sale.ID,
			Kind:               domain.ReturnKindExchange,
			ExchangeSaleID:     exchangeSale.ID,
			SubtotalCents:      plan.subtotal,
			FeeCents:           plan.fee,
			RefundTotalCents:   plan.refundTotal,
			ExchangeTotalCents: exchangeTotal,
			NetAdjustmentCents: delta,
			ActorID:            actor.UserID,
			Payload:            reqPayload,
			CreatedAt:          now,
		}
		for i := range plan.returnLines {
			plan.returnLines[i].ReturnEventID = ev.ID
		}
		if err := tx.InsertReturnEvent(ctx, ev, plan.returnLines); err != nil {
			return 0, nil, err
		}

		result := "ok"
		if plan.decision.OverrideApplied {
			result = "override"
		}
		s.logAudit(ctx, "sale_exchange", "sale", sale.ID, fmt.Sprintf("refund=%d exchange=%d delta=%d", plan.refundTotal, exchangeTotal, delta), result)
		return http.StatusOK, domain.ExchangeItemsResponse{ReturnEvent: ev, ExchangeSale: exchangeSale}, nil
	})
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.PosSale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrPermissionDenied
	}
	return s.repo.GetSale(ctx, actor.TenantID, saleID)
}
