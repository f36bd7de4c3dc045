// Package policy evaluates a tenant's return policy as a pure function.
// It never touches storage: callers pass the sale facts in and act on the
// decision that comes out.
package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"tokobase/backend/internal/domain"
)

const (
	ReasonWindowExpired       = "RETURN_WINDOW_EXPIRED"
	ReasonReceiptRequired     = "RECEIPT_REQUIRED"
	ReasonConditionNotAllowed = "CONDITION_NOT_ACCEPTED"
	ReasonExchangeNotAllowed  = "EXCHANGE_NOT_ALLOWED"
)

// ReturnContext carries the facts of one refund or exchange attempt.
type ReturnContext struct {
	CheckedOutAt    time.Time
	Now             time.Time
	ReceiptProvided bool
	ManagerOverride bool
	ActorElevated   bool
	Conditions      []string
	Exchange        bool
}

// Decision is the evaluator's verdict. Violations lists every rule the
// attempt broke; OverrideApplied is set when an elevated actor waived them.
type Decision struct {
	Allowed         bool
	Violations      []string
	OverrideApplied bool
}

// Evaluate checks the attempt against the policy. When violations exist,
// an elevated actor may waive them with an explicit override if the policy
// permits manager exceptions.
func Evaluate(p domain.ReturnPolicy, rc ReturnContext) Decision {
	var violations []string

	if p.ReturnWindowDays > 0 && !rc.CheckedOutAt.IsZero() {
		deadline := rc.CheckedOutAt.AddDate(0, 0, p.ReturnWindowDays)
		if rc.Now.After(deadline) {
			violations = append(violations, ReasonWindowExpired)
		}
	}
	if p.RequireReceipt && !rc.ReceiptProvided {
		violations = append(violations, ReasonReceiptRequired)
	}
	if len(p.AcceptedConditions) > 0 {
		for _, cond := range rc.Conditions {
			if !contains(p.AcceptedConditions, cond) {
				violations = append(violations, ReasonConditionNotAllowed)
				break
			}
		}
	}
	if rc.Exchange && !p.AllowExchange {
		violations = append(violations, ReasonExchangeNotAllowed)
	}

	if len(violations) == 0 {
		return Decision{Allowed: true}
	}
	if p.RequireManagerForExceptions && rc.ManagerOverride && rc.ActorElevated {
		return Decision{Allowed: true, Violations: violations, OverrideApplied: true}
	}
	return Decision{Allowed: false, Violations: violations}
}

// RefundMethodAllowed reports whether the policy permits returning money
// through the given payment method.
func RefundMethodAllowed(p domain.ReturnPolicy, method string) bool {
	switch method {
	case domain.PaymentCash:
		return p.AllowRefundCash
	case domain.PaymentCard:
		return p.AllowRefundCard
	case domain.PaymentTransfer:
		return p.AllowRefundTransfer
	}
	return false
}

// FeeCents computes the restocking fee on a subtotal, rounded half-up to
// the nearest cent.
func FeeCents(p domain.ReturnPolicy, subtotalCents int64) int64 {
	if p.RestockingFeePct.IsZero() || subtotalCents <= 0 {
		return 0
	}
	fee := decimal.NewFromInt(subtotalCents).
		Mul(p.RestockingFeePct).
		Div(decimal.NewFromInt(100)).
		Round(0)
	return fee.IntPart()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
