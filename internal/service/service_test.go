package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"tokobase/backend/internal/cache"
	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/idempotency"
	"tokobase/backend/internal/store"
	"tokobase/backend/internal/store/memory"
)

const testTenant = "tnt_demo"

func newTestService() *Service {
	return New(memory.NewSeeded(), cache.NoopReplayCache{})
}

func actorCtx(role, storeID string) context.Context {
	return WithActor(context.Background(), domain.Actor{
		UserID:   "usr_" + role,
		TenantID: testTenant,
		StoreID:  storeID,
		Role:     role,
	})
}

var keySeq int

func nextKey() string {
	keySeq++
	return fmt.Sprintf("key-%d", keySeq)
}

// mustResult returns a checker so call sites can wrap a (result, error)
// pair directly: mustResult(t)(svc.Checkout(...)).
func mustResult(t *testing.T) func(*GuardedResult, error) *GuardedResult {
	return func(res *GuardedResult, err error) *GuardedResult {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Err != nil {
			t.Fatalf("operation failed: %v", res.Err)
		}
		return res
	}
}

func decodeBody(t *testing.T, res *GuardedResult, v any) {
	t.Helper()
	if err := json.Unmarshal(res.Body, v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func importUnits(t *testing.T, svc *Service, ctx context.Context, items ...domain.StockImportItem) domain.StockImportResponse {
	t.Helper()
	res := mustResult(t)(svc.ImportStock(ctx, nextKey(), domain.StockImportRequest{Items: items}))
	var out domain.StockImportResponse
	decodeBody(t, res, &out)
	return out
}

func skuItem(sku, location string, qty int, priceCents int64) domain.StockImportItem {
	return domain.StockImportItem{
		SKU:        sku,
		Qty:        qty,
		PriceCents: priceCents,
		Location:   location,
		Pool:       "floor",
		Vendible:   true,
	}
}

func epcItem(sku, epc, location string, priceCents int64) domain.StockImportItem {
	return domain.StockImportItem{
		SKU:        sku,
		EPC:        epc,
		Qty:        1,
		PriceCents: priceCents,
		Location:   location,
		Pool:       "floor",
		Vendible:   true,
	}
}

func openDrawer(t *testing.T, svc *Service, ctx context.Context, openingCents int64) domain.PosCashSession {
	t.Helper()
	res := mustResult(t)(svc.OpenCashSession(ctx, nextKey(), domain.CashSessionOpenRequest{OpeningCents: openingCents}))
	var out domain.CashSessionResponse
	decodeBody(t, res, &out)
	return out.Session
}

func countUnits(t *testing.T, svc *Service, ctx context.Context, q domain.StockQuery) int {
	t.Helper()
	units, err := svc.QueryStock(ctx, q)
	if err != nil {
		t.Fatalf("query stock: %v", err)
	}
	return len(units)
}

func TestStockImportAndCount(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx(domain.RoleAdmin, "store-a")

	out := importUnits(t, svc, ctx,
		skuItem("SKU-TEE-01", "store-a", 3, 1500),
		epcItem("SKU-JKT-01", "EPC-001", "store-a", 9900),
	)
	if out.Created != 4 {
		t.Fatalf("created = %d, want 4", out.Created)
	}
	n, err := svc.CountVendibleUnits(ctx, "SKU-TEE-01")
	if err != nil || n != 3 {
		t.Fatalf("vendible count = %d (%v), want 3", n, err)
	}

	// Re-importing a registered EPC must fail.
	res, err := svc.ImportStock(ctx, nextKey(), domain.StockImportRequest{
		Items: []domain.StockImportItem{epcItem("SKU-JKT-01", "EPC-001", "store-a", 9900)},
	})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if res.Err == nil || !errors.Is(res.Err, store.ErrValidation) {
		t.Fatalf("expected validation error for duplicate epc, got %v", res.Err)
	}
}

func TestTransferLifecycle(t *testing.T) {
	svc := newTestService()
	admin := actorCtx(domain.RoleAdmin, "store-a")
	dest := actorCtx(domain.RoleCashier, "store-b")

	importUnits(t, svc, admin, skuItem("SKU-TEE-01", "store-a", 5, 1500))

	res := mustResult(t)(svc.CreateTransfer(admin, nextKey(), domain.TransferCreateRequest{
		OriginStore: "store-a",
		DestStore:   "store-b",
		Lines: []domain.TransferLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: 3, PriceCents: 1500, Pool: "floor"},
		},
	}))
	var created domain.TransferResponse
	decodeBody(t, res, &created)
	tr := created.Transfer
	if tr.Status != domain.TransferStatusDraft {
		t.Fatalf("status = %s, want DRAFT", tr.Status)
	}
	lineID := tr.Lines[0].ID

	mustResult(t)(svc.DispatchTransfer(admin, nextKey(), tr.ID))
	if n := countUnits(t, svc, admin, domain.StockQuery{Status: domain.StockStatusInTransit}); n != 3 {
		t.Fatalf("in-transit units = %d, want 3", n)
	}
	if n := countUnits(t, svc, admin, domain.StockQuery{Location: "store-a"}); n != 2 {
		t.Fatalf("units left at origin = %d, want 2", n)
	}

	// Receiving more than outstanding is rejected.
	over, err := svc.ReceiveTransfer(dest, nextKey(), tr.ID, domain.TransferReceiveRequest{
		Lines: []domain.TransferReceiveLine{{LineID: lineID, Qty: 4, Location: "store-b", Pool: "floor", Vendible: true}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if over.Err == nil || !errors.Is(over.Err, store.ErrValidation) {
		t.Fatalf("expected bound violation, got %v", over.Err)
	}

	res = mustResult(t)(svc.ReceiveTransfer(dest, nextKey(), tr.ID, domain.TransferReceiveRequest{
		Lines: []domain.TransferReceiveLine{{LineID: lineID, Qty: 2, Location: "store-b", Pool: "floor", Vendible: true}},
	}))
	var partial domain.TransferResponse
	decodeBody(t, res, &partial)
	if partial.Transfer.Status != domain.TransferStatusPartialReceived {
		t.Fatalf("status = %s, want PARTIAL_RECEIVED", partial.Transfer.Status)
	}

	res = mustResult(t)(svc.ReceiveTransfer(dest, nextKey(), tr.ID, domain.TransferReceiveRequest{
		Lines: []domain.TransferReceiveLine{{LineID: lineID, Qty: 1, Location: "store-b", Pool: "floor", Vendible: true}},
	}))
	var done domain.TransferResponse
	decodeBody(t, res, &done)
	if done.Transfer.Status != domain.TransferStatusReceived {
		t.Fatalf("status = %s, want RECEIVED", done.Transfer.Status)
	}

	// Conservation: five units exist, three at the destination, two at the
	// origin, none in transit.
	if n := countUnits(t, svc, admin, domain.StockQuery{Location: "store-b"}); n != 3 {
		t.Fatalf("units at destination = %d, want 3", n)
	}
	if n := countUnits(t, svc, admin, domain.StockQuery{Status: domain.StockStatusInTransit}); n != 0 {
		t.Fatalf("in-transit units = %d, want 0", n)
	}
}

func TestTransferReceiveRequiresDestinationActor(t *testing.T) {
	svc := newTestService()
	admin := actorCtx(domain.RoleAdmin, "store-a")
	importUnits(t, svc, admin, skuItem("SKU-TEE-01", "store-a", 2, 1500))

	res := mustResult(t)(svc.CreateTransfer(admin, nextKey(), domain.TransferCreateRequest{
		OriginStore: "store-a",
		DestStore:   "store-b",
		Lines: []domain.TransferLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: 2, PriceCents: 1500, Pool: "floor"},
		},
	}))
	var created domain.TransferResponse
	decodeBody(t, res, &created)
	mustResult(t)(svc.DispatchTransfer(admin, nextKey(), created.Transfer.ID))

	// The origin actor, elevated or not, cannot receive.
	got, err := svc.ReceiveTransfer(admin, nextKey(), created.Transfer.ID, domain.TransferReceiveRequest{
		Lines: []domain.TransferReceiveLine{{LineID: created.Transfer.Lines[0].ID, Qty: 1, Pool: "floor", Vendible: true}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Err == nil || !errors.Is(got.Err, store.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", got.Err)
	}
}

func TestTransferShortageLostInRoute(t *testing.T) {
	svc := newTestService()
	admin := actorCtx(domain.RoleAdmin, "store-a")
	dest := actorCtx(domain.RoleManager, "store-b")

	importUnits(t, svc, admin,
		skuItem("SKU-TEE-01", "store-a", 4, 1500),
		epcItem("SKU-JKT-01", "EPC-100", "store-a", 9900),
	)

	res := mustResult(t)(svc.CreateTransfer(admin, nextKey(), domain.TransferCreateRequest{
		OriginStore: "store-a",
		DestStore:   "store-b",
		Lines: []domain.TransferLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: 4, PriceCents: 1500, Pool: "floor"},
			{LineType: domain.LineTypeEPC, SKU: "SKU-JKT-01", EPC: "EPC-100", Qty: 1, PriceCents: 9900, Pool: "floor"},
		},
	}))
	var created domain.TransferResponse
	decodeBody(t, res, &created)
	tr := created.Transfer
	skuLine, epcLine := tr.Lines[0], tr.Lines[1]
	mustResult(t)(svc.DispatchTransfer(admin, nextKey(), tr.ID))

	// Three SKU units and the jacket arrive; one tee is missing.
	mustResult(t)(svc.ReceiveTransfer(dest, nextKey(), tr.ID, domain.TransferReceiveRequest{
		Lines: []domain.TransferReceiveLine{
			{LineID: skuLine.ID, Qty: 3, Location: "store-b", Pool: "floor", Vendible: true},
			{LineID: epcLine.ID, Qty: 1, Location: "store-b", Pool: "floor", Vendible: true},
		},
	}))
	mustResult(t)(svc.ReportShortage(dest, nextKey(), tr.ID, domain.ShortageReportRequest{
		Lines: []domain.ShortageReportLine{{LineID: skuLine.ID, Qty: 1}},
	}))

	// A cashier cannot write stock off as lost.
	denied, err := svc.ResolveShortage(actorCtx(domain.RoleCashier, "store-b"), nextKey(), tr.ID, domain.ShortageResolveRequest{
		Lines: []domain.ShortageResolveLine{{LineID: skuLine.ID, Qty: 1, Resolution: domain.ResolutionLostInRoute}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if denied.Err == nil || !errors.Is(denied.Err, store.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", denied.Err)
	}

	res = mustResult(t)(svc.ResolveShortage(dest, nextKey(), tr.ID, domain.ShortageResolveRequest{
		Lines: []domain.ShortageResolveLine{{LineID: skuLine.ID, Qty: 1, Resolution: domain.ResolutionLostInRoute}},
	}))
	var resolved domain.TransferResponse
	decodeBody(t, res, &resolved)
	if resolved.Transfer.Status != domain.TransferStatusReceived {
		t.Fatalf("status = %s, want RECEIVED after full resolution", resolved.Transfer.Status)
	}

	// The lost unit is gone from the ledger; four of five remain.
	if n := countUnits(t, svc, admin, domain.StockQuery{}); n != 4 {
		t.Fatalf("remaining units = %d, want 4", n)
	}
	if n := countUnits(t, svc, admin, domain.StockQuery{Status: domain.StockStatusInTransit}); n != 0 {
		t.Fatalf("in-transit units = %d, want 0", n)
	}
}

func TestTransferResendKeepsNeverReceivedCancelable(t *testing.T) {
	svc := newTestService()
	admin := actorCtx(domain.RoleAdmin, "store-a")
	dest := actorCtx(domain.RoleManager, "store-b")

	importUnits(t, svc, admin, skuItem("SKU-TEE-01", "store-a", 2, 1500))
	res := mustResult(t)(svc.CreateTransfer(admin, nextKey(), domain.TransferCreateRequest{
		OriginStore: "store-a",
		DestStore:   "store-b",
		Lines: []domain.TransferLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: 2, PriceCents: 1500, Pool: "floor"},
		},
	}))
	var created domain.TransferResponse
	decodeBody(t, res, &created)
	tr := created.Transfer
	mustResult(t)(svc.DispatchTransfer(admin, nextKey(), tr.ID))

	mustResult(t)(svc.ReportShortage(dest, nextKey(), tr.ID, domain.ShortageReportRequest{
		Lines: []domain.ShortageReportLine{{LineID: tr.Lines[0].ID, Qty: 1}},
	}))
	res = mustResult(t)(svc.ResolveShortage(dest, nextKey(), tr.ID, domain.ShortageResolveRequest{
		Lines: []domain.ShortageResolveLine{{LineID: tr.Lines[0].ID, Qty: 1, Resolution: domain.ResolutionFoundResend}},
	}))
	var resolved domain.TransferResponse
	decodeBody(t, res, &resolved)

	// Nothing has ever been received, so the resend must not promote the
	// transfer to PARTIAL_RECEIVED.
	if resolved.Transfer.Status != domain.TransferStatusDispatched {
		t.Fatalf("status = %s, want DISPATCHED", resolved.Transfer.Status)
	}

	// And a never-received transfer can still be canceled.
	mustResult(t)(svc.CancelTransfer(admin, nextKey(), tr.ID))
	if n := countUnits(t, svc, admin, domain.StockQuery{Location: "store-a"}); n != 2 {
		t.Fatalf("units back at origin = %d, want 2", n)
	}
}

func TestTransferCancelReturnsUnitsToOrigin(t *testing.T) {
	svc := newTestService()
	admin := actorCtx(domain.RoleAdmin, "store-a")
	importUnits(t, svc, admin, skuItem("SKU-TEE-01", "store-a", 2, 1500))

	res := mustResult(t)(svc.CreateTransfer(admin, nextKey(), domain.TransferCreateRequest{
		OriginStore: "store-a",
		DestStore:   "store-b",
		Lines: []domain.TransferLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: 2, PriceCents: 1500, Pool: "floor"},
		},
	}))
	var created domain.TransferResponse
	decodeBody(t, res, &created)
	mustResult(t)(svc.DispatchTransfer(admin, nextKey(), created.Transfer.ID))
	mustResult(t)(svc.CancelTransfer(admin, nextKey(), created.Transfer.ID))

	units, err := svc.QueryStock(admin, domain.StockQuery{Location: "store-a"})
	if err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("units back at origin = %d, want 2", len(units))
	}
	for _, u := range units {
		if u.Status != domain.StockStatusPending || !u.Vendible || u.TransferID != "" {
			t.Fatalf("unit not restored: %+v", u)
		}
	}
}

func TestCheckoutChangeDue(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier, "store-a")
	admin := actorCtx(domain.RoleAdmin, "store-a")

	importUnits(t, svc, admin, skuItem("SKU-TEE-01", "store-a", 1, 2500))
	openDrawer(t, svc, cashier, 10000)

	res := mustResult(t)(svc.CreateSale(cashier, nextKey(), domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: 1, UnitPriceCents: 2500},
		},
	}))
	var createdSale domain.SaleResponse
	decodeBody(t, res, &createdSale)

	// 25.00 due, 30.00 cash tendered: 5.00 change, drawer nets +25.00.
	res = mustResult(t)(svc.Checkout(cashier, nextKey(), createdSale.Sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 3000}},
	}))
	var paid domain.SaleResponse
	decodeBody(t, res, &paid)
	if paid.Sale.Status != domain.SaleStatusPaid {
		t.Fatalf("status = %s, want PAID", paid.Sale.Status)
	}
	if paid.Sale.ChangeDueCents != 500 {
		t.Fatalf("change = %d, want 500", paid.Sale.ChangeDueCents)
	}

	sess, err := svc.GetOpenCashSession(cashier)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.ExpectedCashCents != 12500 {
		t.Fatalf("expected cash = %d, want 12500", sess.ExpectedCashCents)
	}
	if n := countUnits(t, svc, admin, domain.StockQuery{Status: domain.StockStatusSold}); n != 1 {
		t.Fatalf("sold units = %d, want 1", n)
	}
}

func TestCheckoutNonCashCannotOverpay(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier, "store-a")
	admin := actorCtx(domain.RoleAdmin, "store-a")
	importUnits(t, svc, admin, skuItem("SKU-TEE-01", "store-a", 1, 2500))

	res := mustResult(t)(svc.CreateSale(cashier, nextKey(), domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: 1, UnitPriceCents: 2500},
		},
	}))
	var created domain.SaleResponse
	decodeBody(t, res, &created)

	got, err := svc.Checkout(cashier, nextKey(), created.Sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCard, AmountCents: 3000, AuthorizationCode: "AUTH-1"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Err == nil || !errors.Is(got.Err, store.ErrValidation) {
		t.Fatalf("expected validation error for non-cash overpay, got %v", got.Err)
	}
}

func TestCheckoutCashRequiresOpenSession(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier, "store-a")
	admin := actorCtx(domain.RoleAdmin, "store-a")
	importUnits(t, svc, admin, skuItem("SKU-TEE-01", "store-a", 1, 2500))

	res := mustResult(t)(svc.CreateSale(cashier, nextKey(), domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: 1, UnitPriceCents: 2500},
		},
	}))
	var created domain.SaleResponse
	decodeBody(t, res, &created)

	got, err := svc.Checkout(cashier, nextKey(), created.Sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 2500}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Err == nil || !errors.Is(got.Err, store.ErrValidation) {
		t.Fatalf("expected validation error without open session, got %v", got.Err)
	}
}

func paidSale(t *testing.T, svc *Service, cashier, admin context.Context, priceCents int64, qty int) domain.PosSale {
	t.Helper()
	importUnits(t, svc, admin, skuItem("SKU-TEE-01", "store-a", qty, priceCents))
	res := mustResult(t)(svc.CreateSale(cashier, nextKey(), domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: qty, UnitPriceCents: priceCents},
		},
	}))
	var created domain.SaleResponse
	decodeBody(t, res, &created)
	res = mustResult(t)(svc.Checkout(cashier, nextKey(), created.Sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: int64(qty) * priceCents}},
	}))
	var paid domain.SaleResponse
	decodeBody(t, res, &paid)
	return paid.Sale
}

func TestRefundWithRestockingFee(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier, "store-a")
	admin := actorCtx(domain.RoleAdmin, "store-a")

	pol, err := svc.GetReturnPolicy(admin)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	pol.RestockingFeePct = decimal.NewFromInt(10)
	if err := svc.PutReturnPolicy(admin, *pol); err != nil {
		t.Fatalf("put policy: %v", err)
	}

	openDrawer(t, svc, cashier, 20000)
	sale := paidSale(t, svc, cashier, admin, 5000, 1)

	// Refund tender must equal subtotal minus the 10% fee exactly.
	wrong, err := svc.RefundItems(cashier, nextKey(), sale.ID, domain.RefundItemsRequest{
		Items:    []domain.ReturnItemRequest{{SaleLineID: sale.Lines[0].ID, Qty: 1}},
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 5000}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wrong.Err == nil || !errors.Is(wrong.Err, store.ErrValidation) {
		t.Fatalf("expected exact-tender violation, got %v", wrong.Err)
	}

	res := mustResult(t)(svc.RefundItems(cashier, nextKey(), sale.ID, domain.RefundItemsRequest{
		Items:    []domain.ReturnItemRequest{{SaleLineID: sale.Lines[0].ID, Qty: 1}},
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 4500}},
	}))
	var refunded domain.RefundItemsResponse
	decodeBody(t, res, &refunded)
	if refunded.ReturnEvent.FeeCents != 500 || refunded.ReturnEvent.RefundTotalCents != 4500 {
		t.Fatalf("fee=%d refund=%d, want 500/4500", refunded.ReturnEvent.FeeCents, refunded.ReturnEvent.RefundTotalCents)
	}

	sess, err := svc.GetOpenCashSession(cashier)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	// 20000 opening + 5000 sale - 4500 refund.
	if sess.ExpectedCashCents != 20500 {
		t.Fatalf("expected cash = %d, want 20500", sess.ExpectedCashCents)
	}

	// The unit is back on the floor and sellable.
	if n := countUnits(t, svc, admin, domain.StockQuery{Status: domain.StockStatusPending, Location: "store-a"}); n != 1 {
		t.Fatalf("restocked units = %d, want 1", n)
	}

	// A second refund of the same line is bounded by what was sold.
	again, err := svc.RefundItems(cashier, nextKey(), sale.ID, domain.RefundItemsRequest{
		Items:    []domain.ReturnItemRequest{{SaleLineID: sale.Lines[0].ID, Qty: 1}},
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 4500}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Err == nil || !errors.Is(again.Err, store.ErrValidation) {
		t.Fatalf("expected over-return rejection, got %v", again.Err)
	}
}

func TestCashDrawerNeverNegative(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier, "store-a")
	openDrawer(t, svc, cashier, 1000)

	got, err := svc.CashOut(cashier, nextKey(), domain.CashMovementRequest{AmountCents: 1500, Note: "bank drop"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Err == nil || !errors.Is(got.Err, store.ErrValidation) {
		t.Fatalf("expected negative-drawer rejection, got %v", got.Err)
	}

	mustResult(t)(svc.CashOut(cashier, nextKey(), domain.CashMovementRequest{AmountCents: 1000, Note: "bank drop"}))
	sess, err := svc.GetOpenCashSession(cashier)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.ExpectedCashCents != 0 {
		t.Fatalf("expected cash = %d, want 0", sess.ExpectedCashCents)
	}
}

func TestCashSessionPerCashier(t *testing.T) {
	svc := newTestService()
	admin := actorCtx(domain.RoleAdmin, "store-a")
	alice := WithActor(context.Background(), domain.Actor{UserID: "usr_alice", TenantID: testTenant, StoreID: "store-a", Role: domain.RoleCashier})
	bob := WithActor(context.Background(), domain.Actor{UserID: "usr_bob", TenantID: testTenant, StoreID: "store-a", Role: domain.RoleCashier})

	// Two cashiers at the same store each run their own drawer.
	openDrawer(t, svc, alice, 1000)
	openDrawer(t, svc, bob, 2000)

	// A cashier cannot open a second session.
	dup, err := svc.OpenCashSession(alice, nextKey(), domain.CashSessionOpenRequest{OpeningCents: 500})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup.Err == nil || !errors.Is(dup.Err, store.ErrValidation) {
		t.Fatalf("expected double-open rejection, got %v", dup.Err)
	}

	// A cash sale charges only the acting cashier's drawer.
	importUnits(t, svc, admin, skuItem("SKU-TEE-01", "store-a", 1, 2500))
	res := mustResult(t)(svc.CreateSale(alice, nextKey(), domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: 1, UnitPriceCents: 2500},
		},
	}))
	var created domain.SaleResponse
	decodeBody(t, res, &created)
	mustResult(t)(svc.Checkout(alice, nextKey(), created.Sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 2500}},
	}))

	aliceSess, err := svc.GetOpenCashSession(alice)
	if err != nil {
		t.Fatalf("get alice session: %v", err)
	}
	if aliceSess.ExpectedCashCents != 3500 {
		t.Fatalf("alice expected cash = %d, want 3500", aliceSess.ExpectedCashCents)
	}
	bobSess, err := svc.GetOpenCashSession(bob)
	if err != nil {
		t.Fatalf("get bob session: %v", err)
	}
	if bobSess.ExpectedCashCents != 2000 {
		t.Fatalf("bob expected cash = %d, want 2000", bobSess.ExpectedCashCents)
	}

	// A colleague's open drawer does not stand in for the actor's own.
	noSess, err := svc.CashOut(actorCtx(domain.RoleCashier, "store-a"), nextKey(), domain.CashMovementRequest{AmountCents: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if noSess.Err == nil || !errors.Is(noSess.Err, store.ErrValidation) {
		t.Fatalf("expected missing-session rejection, got %v", noSess.Err)
	}
}

func TestDayCloseBlocksNewSessions(t *testing.T) {
	svc := newTestService()
	manager := actorCtx(domain.RoleManager, "store-a")

	sess := openDrawer(t, svc, manager, 500)
	mustResult(t)(svc.CloseCashSession(manager, nextKey(), domain.CashSessionCloseRequest{CountedCents: 500}))
	_ = sess

	date := svc.now().Format("2006-01-02")
	mustResult(t)(svc.CloseDay(manager, nextKey(), domain.DayCloseRequest{BusinessDate: date}))

	reopened, err := svc.OpenCashSession(manager, nextKey(), domain.CashSessionOpenRequest{OpeningCents: 500})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reopened.Err == nil || !errors.Is(reopened.Err, store.ErrValidation) {
		t.Fatalf("expected day-close gate, got %v", reopened.Err)
	}
}

func TestCheckoutIdempotentReplay(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier, "store-a")
	admin := actorCtx(domain.RoleAdmin, "store-a")
	importUnits(t, svc, admin, skuItem("SKU-TEE-01", "store-a", 1, 2500))
	openDrawer(t, svc, cashier, 10000)

	res := mustResult(t)(svc.CreateSale(cashier, nextKey(), domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: 1, UnitPriceCents: 2500},
		},
	}))
	var created domain.SaleResponse
	decodeBody(t, res, &created)

	key := nextKey()
	req := domain.CheckoutRequest{Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 2500}}}
	first := mustResult(t)(svc.Checkout(cashier, key, created.Sale.ID, req))
	if first.Replay {
		t.Fatalf("first execution must not be a replay")
	}

	second := mustResult(t)(svc.Checkout(cashier, key, created.Sale.ID, req))
	if !second.Replay {
		t.Fatalf("second execution must replay")
	}
	if string(first.Body) != string(second.Body) {
		t.Fatalf("replay body differs from original")
	}

	// The drawer must have been charged exactly once.
	sess, err := svc.GetOpenCashSession(cashier)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.ExpectedCashCents != 12500 {
		t.Fatalf("expected cash = %d, want 12500", sess.ExpectedCashCents)
	}

	// Same key with a different payload is a reuse, not a replay.
	_, err = svc.Checkout(cashier, key, created.Sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 9999}},
	})
	if !errors.Is(err, idempotency.ErrKeyReused) {
		t.Fatalf("expected key reuse error, got %v", err)
	}
}

func TestGuardedFailureIsReplayed(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier, "store-a")
	admin := actorCtx(domain.RoleAdmin, "store-a")
	importUnits(t, svc, admin, skuItem("SKU-TEE-01", "store-a", 1, 2500))

	res := mustResult(t)(svc.CreateSale(cashier, nextKey(), domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-TEE-01", Qty: 1, UnitPriceCents: 2500},
		},
	}))
	var created domain.SaleResponse
	decodeBody(t, res, &created)

	// Cash tender without an open session fails deterministically.
	key := nextKey()
	req := domain.CheckoutRequest{Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 2500}}}
	first, err := svc.Checkout(cashier, key, created.Sale.ID, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Err == nil {
		t.Fatalf("expected failure")
	}

	second, err := svc.Checkout(cashier, key, created.Sale.ID, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Replay {
		t.Fatalf("stored failure must replay")
	}
	if string(first.Body) != string(second.Body) {
		t.Fatalf("replayed failure body differs")
	}
}

func TestExchangeSettlesDelta(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier, "store-a")
	admin := actorCtx(domain.RoleAdmin, "store-a")

	openDrawer(t, svc, cashier, 10000)
	sale := paidSale(t, svc, cashier, admin, 2000, 1)
	importUnits(t, svc, admin, skuItem("SKU-JKT-01", "store-a", 1, 3500))

	// Swap a 20.00 tee for a 35.00 jacket: customer owes 15.00.
	res := mustResult(t)(svc.ExchangeItems(cashier, nextKey(), sale.ID, domain.ExchangeItemsRequest{
		ReturnItems: []domain.ReturnItemRequest{{SaleLineID: sale.Lines[0].ID, Qty: 1}},
		NewLines: []domain.SaleLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-JKT-01", Qty: 1, UnitPriceCents: 3500},
		},
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 1500}},
	}))
	var out domain.ExchangeItemsResponse
	decodeBody(t, res, &out)
	if out.ReturnEvent.NetAdjustmentCents != 1500 {
		t.Fatalf("net adjustment = %d, want 1500", out.ReturnEvent.NetAdjustmentCents)
	}
	if out.ExchangeSale.Status != domain.SaleStatusPaid || out.ExchangeSale.ParentSaleID != sale.ID {
		t.Fatalf("exchange sale not settled: %+v", out.ExchangeSale)
	}

	sess, err := svc.GetOpenCashSession(cashier)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	// 10000 opening + 2000 sale + 1500 delta.
	if sess.ExpectedCashCents != 13500 {
		t.Fatalf("expected cash = %d, want 13500", sess.ExpectedCashCents)
	}

	// The returned tee is sellable again, the jacket is sold.
	if n := countUnits(t, svc, admin, domain.StockQuery{SKU: "SKU-TEE-01", Status: domain.StockStatusPending}); n != 1 {
		t.Fatalf("restocked tees = %d, want 1", n)
	}
	if n := countUnits(t, svc, admin, domain.StockQuery{SKU: "SKU-JKT-01", Status: domain.StockStatusSold}); n != 1 {
		t.Fatalf("sold jackets = %d, want 1", n)
	}
}

func TestEvenExchangeMovesNoMoney(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier, "store-a")
	admin := actorCtx(domain.RoleAdmin, "store-a")

	openDrawer(t, svc, cashier, 10000)
	sale := paidSale(t, svc, cashier, admin, 2000, 1)
	importUnits(t, svc, admin, skuItem("SKU-JKT-01", "store-a", 1, 2000))

	res := mustResult(t)(svc.ExchangeItems(cashier, nextKey(), sale.ID, domain.ExchangeItemsRequest{
		ReturnItems: []domain.ReturnItemRequest{{SaleLineID: sale.Lines[0].ID, Qty: 1}},
		NewLines: []domain.SaleLineRequest{
			{LineType: domain.LineTypeSKU, SKU: "SKU-JKT-01", Qty: 1, UnitPriceCents: 2000},
		},
	}))
	var out domain.ExchangeItemsResponse
	decodeBody(t, res, &out)
	if out.ReturnEvent.NetAdjustmentCents != 0 {
		t.Fatalf("net adjustment = %d, want 0", out.ReturnEvent.NetAdjustmentCents)
	}

	sess, err := svc.GetOpenCashSession(cashier)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.ExpectedCashCents != 12000 {
		t.Fatalf("expected cash = %d, want 12000 (opening plus the original sale)", sess.ExpectedCashCents)
	}
}

func TestRefundEPCStrategy(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier, "store-a")
	admin := actorCtx(domain.RoleAdmin, "store-a")

	openDrawer(t, svc, cashier, 20000)
	importUnits(t, svc, admin, epcItem("SKU-JKT-01", "EPC-500", "store-a", 9900))

	res := mustResult(t)(svc.CreateSale(cashier, nextKey(), domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LineType: domain.LineTypeEPC, SKU: "SKU-JKT-01", EPC: "EPC-500", Qty: 1, UnitPriceCents: 9900},
		},
	}))
	var created domain.SaleResponse
	decodeBody(t, res, &created)
	res = mustResult(t)(svc.Checkout(cashier, nextKey(), created.Sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 9900}},
	}))
	var paid domain.SaleResponse
	decodeBody(t, res, &paid)

	mustResult(t)(svc.RefundItems(cashier, nextKey(), paid.Sale.ID, domain.RefundItemsRequest{
		Items:    []domain.ReturnItemRequest{{SaleLineID: paid.Sale.Lines[0].ID, Qty: 1}},
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, AmountCents: 9900}},
	}))

	// Seeded policy assigns a fresh tag on return: the unit is RFID again
	// but no longer answers to the sold tag.
	units, err := svc.QueryStock(admin, domain.StockQuery{SKU: "SKU-JKT-01"})
	if err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("units = %d, want 1", len(units))
	}
	u := units[0]
	if u.Status != domain.StockStatusRFID || !u.Vendible || u.SaleID != "" {
		t.Fatalf("unit not restored: %+v", u)
	}
	if u.EPC == "" || u.EPC == "EPC-500" {
		t.Fatalf("expected a fresh epc, got %q", u.EPC)
	}
}
