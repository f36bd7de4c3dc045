package policy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokobase/backend/internal/domain"
)

func basePolicy() domain.ReturnPolicy {
	return domain.ReturnPolicy{
		TenantID:                    "tnt_1",
		ReturnWindowDays:            30,
		RequireReceipt:              true,
		AcceptedConditions:          []string{"NEW", "OPENED"},
		AllowExchange:               true,
		AllowRefundCash:             true,
		AllowRefundCard:             true,
		RequireManagerForExceptions: true,
		RestockingFeePct:            decimal.NewFromInt(10),
	}
}

func TestEvaluateAllowsCleanReturn(t *testing.T) {
	p := basePolicy()
	now := time.Now()
	d := Evaluate(p, ReturnContext{
		CheckedOutAt:    now.AddDate(0, 0, -5),
		Now:             now,
		ReceiptProvided: true,
		Conditions:      []string{"NEW"},
	})
	if !d.Allowed || len(d.Violations) != 0 {
		t.Fatalf("expected clean allow, got %+v", d)
	}
}

func TestEvaluateRejectsExpiredWindow(t *testing.T) {
	p := basePolicy()
	now := time.Now()
	d := Evaluate(p, ReturnContext{
		CheckedOutAt:    now.AddDate(0, 0, -31),
		Now:             now,
		ReceiptProvided: true,
		Conditions:      []string{"NEW"},
	})
	if d.Allowed {
		t.Fatalf("expected rejection past the window")
	}
	if len(d.Violations) != 1 || d.Violations[0] != ReasonWindowExpired {
		t.Fatalf("unexpected violations: %v", d.Violations)
	}
}

func TestEvaluateManagerOverrideWaivesViolations(t *testing.T) {
	p := basePolicy()
	now := time.Now()
	rc := ReturnContext{
		CheckedOutAt:    now.AddDate(0, 0, -60),
		Now:             now,
		ReceiptProvided: false,
		Conditions:      []string{"DAMAGED"},
		ManagerOverride: true,
	}
	if d := Evaluate(p, rc); d.Allowed {
		t.Fatalf("override without an elevated actor must not pass")
	}
	rc.ActorElevated = true
	d := Evaluate(p, rc)
	if !d.Allowed || !d.OverrideApplied {
		t.Fatalf("elevated override should waive violations, got %+v", d)
	}
	if len(d.Violations) != 3 {
		t.Fatalf("waived violations must still be reported, got %v", d.Violations)
	}
}

func TestEvaluateOverrideDisabledByPolicy(t *testing.T) {
	p := basePolicy()
	p.RequireManagerForExceptions = false
	now := time.Now()
	d := Evaluate(p, ReturnContext{
		CheckedOutAt:    now.AddDate(0, 0, -60),
		Now:             now,
		ReceiptProvided: true,
		Conditions:      []string{"NEW"},
		ManagerOverride: true,
		ActorElevated:   true,
	})
	if d.Allowed {
		t.Fatalf("policy without exceptions must reject regardless of override")
	}
}

func TestEvaluateExchangeNotAllowed(t *testing.T) {
	p := basePolicy()
	p.AllowExchange = false
	now := time.Now()
	d := Evaluate(p, ReturnContext{
		CheckedOutAt:    now,
		Now:             now,
		ReceiptProvided: true,
		Conditions:      []string{"NEW"},
		Exchange:        true,
	})
	if d.Allowed {
		t.Fatalf("exchange must be rejected when the policy forbids it")
	}
}

func TestRefundMethodAllowed(t *testing.T) {
	p := basePolicy()
	p.AllowRefundTransfer = false
	if !RefundMethodAllowed(p, domain.PaymentCash) {
		t.Fatalf("cash refunds should be allowed")
	}
	if RefundMethodAllowed(p, domain.PaymentTransfer) {
		t.Fatalf("transfer refunds should be blocked")
	}
	if RefundMethodAllowed(p, "CHEQUE") {
		t.Fatalf("unknown methods are never allowed")
	}
}

func TestFeeCentsRounding(t *testing.T) {
	p := basePolicy()
	// 10% of 25.99 is 2.599, rounds to 2.60.
	if got := FeeCents(p, 2599); got != 260 {
		t.Fatalf("fee = %d, want 260", got)
	}
	if got := FeeCents(p, 5000); got != 500 {
		t.Fatalf("fee = %d, want 500", got)
	}
	p.RestockingFeePct = decimal.Zero
	if got := FeeCents(p, 5000); got != 0 {
		t.Fatalf("zero pct must yield zero fee, got %d", got)
	}
}
