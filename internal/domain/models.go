package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	UserID   string
	TenantID string
	StoreID  string
	Role     string
}

const (
	RoleCashier       = "CASHIER"
	RoleManager       = "MANAGER"
	RoleAdmin         = "ADMIN"
	RoleSuperAdmin    = "SUPERADMIN"
	RolePlatformAdmin = "PLATFORM_ADMIN"
)

// IsElevatedRole reports whether the role may approve manager overrides
// and destructive resolutions such as LOST_IN_ROUTE.
func IsElevatedRole(role string) bool {
	switch role {
	case RoleManager, RoleAdmin, RoleSuperAdmin, RolePlatformAdmin:
		return true
	}
	return false
}

const (
	StockStatusRFID      = "RFID"
	StockStatusPending   = "PENDING"
	StockStatusSold      = "SOLD"
	StockStatusInTransit = "IN_TRANSIT"
)

// Sentinel location/pool used while units travel between stores.
const (
	InTransitLocation = "IN_TRANSIT"
	InTransitPool     = "IN_TRANSIT"
)

// StockSnapshot is the identity tuple of a stock row: the attributes that
// make two non-serialized units interchangeable. Location, pool and
// vendibility describe where a unit currently is, not what it is, so they
// are matched separately by the ledger.
type StockSnapshot struct {
	SKU         string `json:"sku"`
	Description string `json:"description,omitempty"`
	Variant     string `json:"variant,omitempty"`
	PriceCents  int64  `json:"price_cents"`
	ImageURL    string `json:"image_url,omitempty"`
}

// Hash returns a stable content hash of the snapshot tuple. Field order is
// fixed so equal snapshots always hash equal.
func (s StockSnapshot) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "sku=%s\ndescription=%s\nvariant=%s\nprice=%d\nimage=%s\n",
		s.SKU, s.Description, s.Variant, s.PriceCents, s.ImageURL)
	return hex.EncodeToString(h.Sum(nil))
}

// StockUnit is one addressable physical unit (EPC set) or one fungible row
// of a SKU line. TransferID / SaleID record which workflow currently owns a
// claimed unit so concurrent operations never double-allocate.
type StockUnit struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	SKU          string    `json:"sku"`
	EPC          string    `json:"epc,omitempty"`
	Description  string    `json:"description,omitempty"`
	Variant      string    `json:"variant,omitempty"`
	Status       string    `json:"status"`
	LocationCode string    `json:"location_code"`
	Pool         string    `json:"pool"`
	Vendible     bool      `json:"vendible"`
	PriceCents   int64     `json:"price_cents"`
	ImageURL     string    `json:"image_url,omitempty"`
	TransferID   string    `json:"transfer_id,omitempty"`
	SaleID       string    `json:"sale_id,omitempty"`
	SnapshotHash string    `json:"snapshot_hash"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (u StockUnit) Snapshot() StockSnapshot {
	return StockSnapshot{
		SKU:         u.SKU,
		Description: u.Description,
		Variant:     u.Variant,
		PriceCents:  u.PriceCents,
		ImageURL:    u.ImageURL,
	}
}

const (
	TransferStatusDraft           = "DRAFT"
	TransferStatusDispatched      = "DISPATCHED"
	TransferStatusPartialReceived = "PARTIAL_RECEIVED"
	TransferStatusReceived        = "RECEIVED"
	TransferStatusCancelled       = "CANCELLED"
)

const (
	LineTypeEPC = "EPC"
	LineTypeSKU = "SKU"
)

type Transfer struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	OriginStore  string         `json:"origin_store"`
	DestStore    string         `json:"dest_store"`
	Status       string         `json:"status"`
	CreatedBy    string         `json:"created_by"`
	DispatchedBy string         `json:"dispatched_by,omitempty"`
	ReceivedBy   string         `json:"received_by,omitempty"`
	CanceledBy   string         `json:"canceled_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
	ReceivedAt   *time.Time     `json:"received_at,omitempty"`
	CanceledAt   *time.Time     `json:"canceled_at,omitempty"`
	Lines        []TransferLine `json:"lines,omitempty"`
}

// TransferLine is immutable once the transfer is dispatched. The snapshot
// records the stock identity at creation time; SnapshotHash is derived.
type TransferLine struct {
	ID           string        `json:"id"`
	TransferID   string        `json:"transfer_id"`
	LineType     string        `json:"line_type"`
	EPC          string        `json:"epc,omitempty"`
	Pool         string        `json:"pool,omitempty"`
	Qty          int           `json:"qty"`
	Snapshot     StockSnapshot `json:"snapshot"`
	SnapshotHash string        `json:"snapshot_hash"`
}

const (
	MovementDispatch         = "DISPATCH"
	MovementReceive          = "RECEIVE"
	MovementShortageReported = "SHORTAGE_REPORTED"
	MovementShortageResend   = "SHORTAGE_RESOLVED_FOUND_AND_RESEND"
	MovementShortageLost     = "SHORTAGE_RESOLVED_LOST_IN_ROUTE"
)

// TransferMovement is an append-only log entry. Received and outstanding
// quantities are always derived by summing this log, never stored.
type TransferMovement struct {
	ID         string          `json:"id"`
	TransferID string          `json:"transfer_id"`
	LineID     string          `json:"line_id"`
	Action     string          `json:"action"`
	Qty        int             `json:"qty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MovementTotals is the per-line summation of the movement log.
type MovementTotals struct {
	Dispatched int
	Received   int
	Reported   int
	Resent     int
	Lost       int
}

// Outstanding is dispatched minus received minus permanently lost.
func (t MovementTotals) Outstanding() int {
	return t.Dispatched - t.Received - t.Lost
}

// UnresolvedReported is the reported shortage quantity not yet resolved.
func (t MovementTotals) UnresolvedReported() int {
	return t.Reported - t.Resent - t.Lost
}

const (
	SaleStatusDraft    = "DRAFT"
	SaleStatusPaid     = "PAID"
	SaleStatusCanceled = "CANCELED"
)

type PosSale struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	StoreID         string        `json:"store_id"`
	CashierID       string        `json:"cashier_id"`
	TransactionID   string        `json:"transaction_id,omitempty"`
	Status          string        `json:"status"`
	ParentSaleID    string        `json:"parent_sale_id,omitempty"`
	TotalDueCents   int64         `json:"total_due_cents"`
	PaidTotalCents  int64         `json:"paid_total_cents"`
	BalanceDueCents int64         `json:"balance_due_cents"`
	ChangeDueCents  int64         `json:"change_due_cents"`
	CreatedAt       time.Time     `json:"created_at"`
	CheckedOutAt    *time.Time    `json:"checked_out_at,omitempty"`
	CanceledAt      *time.Time    `json:"canceled_at,omitempty"`
	Lines           []PosSaleLine `json:"lines,omitempty"`
	Payments        []PosPayment  `json:"payments,omitempty"`
}

type PosSaleLine struct {
	ID             string        `json:"id"`
	SaleID         string        `json:"sale_id"`
	LineType       string        `json:"line_type"`
	EPC            string        `json:"epc,omitempty"`
	Qty            int           `json:"qty"`
	UnitPriceCents int64         `json:"unit_price_cents"`
	Snapshot       StockSnapshot `json:"snapshot"`
	SnapshotHash   string        `json:"snapshot_hash"`
	NonReusableEPC bool          `json:"non_reusable_epc,omitempty"`
}

const (
	PaymentCash     = "CASH"
	PaymentCard     = "CARD"
	PaymentTransfer = "TRANSFER"
)

type PosPayment struct {
	ID                string `json:"id"`
	SaleID            string `json:"sale_id"`
	Method            string `json:"method"`
	AmountCents       int64  `json:"amount_cents"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
	BankName          string `json:"bank_name,omitempty"`
	VoucherNumber     string `json:"voucher_number,omitempty"`
}

const (
	ReturnKindRefund   = "REFUND"
	ReturnKindExchange = "EXCHANGE"
)

// PosReturnEvent is the append-only record of a refund or exchange against
// a sale. Payload holds the full line-level request for audit replay.
type PosReturnEvent struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	SaleID             string          `json:"sale_id"`
	Kind               string          `json:"kind"`
	ExchangeSaleID     string          `json:"exchange_sale_id,omitempty"`
	SubtotalCents      int64           `json:"subtotal_cents"`
	FeeCents           int64           `json:"fee_cents"`
	RefundTotalCents   int64           `json:"refund_total_cents"`
	ExchangeTotalCents int64           `json:"exchange_total_cents"`
	NetAdjustmentCents int64           `json:"net_adjustment_cents"`
	ActorID            string          `json:"actor_id"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// PosReturnLine bounds cumulative returns per sale line.
type PosReturnLine struct {
	ReturnEventID string `json:"return_event_id"`
	SaleID        string `json:"sale_id"`
	SaleLineID    string `json:"sale_line_id"`
	Qty           int    `json:"qty"`
}

const (
	SessionStatusOpen   = "OPEN"
	SessionStatusClosed = "CLOSED"
)

type PosCashSession struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	StoreID           string     `json:"store_id"`
	CashierID         string     `json:"cashier_id"`
	Status            string     `json:"status"`
	OpeningCents      int64      `json:"opening_cents"`
	ExpectedCashCents int64      `json:"expected_cash_cents"`
	CountedCents      int64      `json:"counted_cents,omitempty"`
	DifferenceCents   int64      `json:"difference_cents,omitempty"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

const (
	CashMoveOpen      = "OPEN"
	CashMoveIn        = "CASH_IN"
	CashMoveOut       = "CASH_OUT"
	CashMoveClose     = "CLOSE"
	CashMoveSale      = "SALE"
	CashMoveOutRefund = "CASH_OUT_REFUND"
)

// PosCashMovement captures the expected balance before and after each
// drawer-affecting action.
type PosCashMovement struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	Action             string    `json:"action"`
	AmountCents        int64     `json:"amount_cents"`
	BalanceBeforeCents int64     `json:"balance_before_cents"`
	BalanceAfterCents  int64     `json:"balance_after_cents"`
	Note               string    `json:"note,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// CashDayClose freezes a business date. Once it exists, every further cash
// movement for the (tenant, store, date) fails.
type CashDayClose struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	StoreID      string    `json:"store_id"`
	BusinessDate string    `json:"business_date"`
	ClosedBy     string    `json:"closed_by"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	IdemStateInProgress = "in_progress"
	IdemStateSucceeded  = "succeeded"
	IdemStateFailed     = "failed"
)

type IdempotencyRecord struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	Key            string    `json:"key"`
	Fingerprint    string    `json:"fingerprint"`
	State          string    `json:"state"`
	ResponseStatus int       `json:"response_status,omitempty"`
	ResponseBody   []byte    `json:"response_body,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StoredResponse is a completed operation's observable response, persisted
// verbatim for replay.
type StoredResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

const (
	EPCStrategyAssignNew = "ASSIGN_NEW_EPC"
	EPCStrategyToPending = "TO_PENDING"
)

// ReturnPolicy is a tenant's refund/exchange rule set, evaluated as a pure
// function by the policy package.
type ReturnPolicy struct {
	TenantID                    string          `json:"tenant_id"`
	ReturnWindowDays            int             `json:"return_window_days"`
	RequireReceipt              bool            `json:"require_receipt"`
	AcceptedConditions          []string        `json:"accepted_conditions"`
	AllowExchange               bool            `json:"allow_exchange"`
	AllowRefundCash             bool            `json:"allow_refund_cash"`
	AllowRefundCard             bool            `json:"allow_refund_card"`
	AllowRefundTransfer         bool            `json:"allow_refund_transfer"`
	RequireManagerForExceptions bool            `json:"require_manager_for_exceptions"`
	RestockingFeePct            decimal.Decimal `json:"restocking_fee_pct"`
	EPCReturnStrategy           string          `json:"epc_return_strategy"`
}

type AuditLog struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	ActorID    string          `json:"actor_id"`
	ActorRole  string          `json:"actor_role"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Metadata   string          `json:"metadata,omitempty"`
	Result     string          `json:"result"`
	CreatedAt  time.Time       `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	TenantID  string
	StoreID   string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	StoreID  string `json:"store_id,omitempty"`
	Role     string `json:"role"`
}

// UserInfo is the public shape of a user account; the credential hash never
// leaves the auth layer.
type UserInfo struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	StoreID   string    `json:"store_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	TenantID    string `json:"tenant_id"`
	StoreID     string `json:"store_id"`
	ExpiresAt   string `json:"expires_at"`
}

type StockImportItem struct {
	SKU         string `json:"sku"`
	EPC         string `json:"epc,omitempty"`
	Description string `json:"description,omitempty"`
	Variant     string `json:"variant,omitempty"`
	Qty         int    `json:"qty"`
	PriceCents  int64  `json:"price_cents"`
	ImageURL    string `json:"image_url,omitempty"`
	Location    string `json:"location"`
	Pool        string `json:"pool"`
	Vendible    bool   `json:"vendible"`
}

type StockImportRequest struct {
	Items []StockImportItem `json:"items"`
}

type StockImportResponse struct {
	Created int         `json:"created"`
	Units   []StockUnit `json:"units"`
}

type StockWriteOffRequest struct {
	UnitIDs []string `json:"unit_ids"`
	Reason  string   `json:"reason"`
}

type StockWriteOffResponse struct {
	Deleted int `json:"deleted"`
}

// StockQuery filters by exact attribute equality, mirroring the ledger's
// lock-and-select criteria in read-only form.
type StockQuery struct {
	SKU      string
	EPC      string
	Status   string
	Location string
	Pool     string
	Vendible *bool
	Limit    int
}

type TransferLineRequest struct {
	LineType    string `json:"line_type"`
	EPC         string `json:"epc,omitempty"`
	Pool        string `json:"pool,omitempty"`
	SKU         string `json:"sku"`
	Description string `json:"description,omitempty"`
	Variant     string `json:"variant,omitempty"`
	PriceCents  int64  `json:"price_cents"`
	ImageURL    string `json:"image_url,omitempty"`
	Qty         int    `json:"qty"`
}

type TransferCreateRequest struct {
	OriginStore string                `json:"origin_store"`
	DestStore   string                `json:"dest_store"`
	Lines       []TransferLineRequest `json:"lines"`
}

type TransferReceiveLine struct {
	LineID   string `json:"line_id"`
	Qty      int    `json:"qty"`
	Location string `json:"location"`
	Pool     string `json:"pool"`
	Vendible bool   `json:"vendible"`
}

type TransferReceiveRequest struct {
	Lines []TransferReceiveLine `json:"lines"`
}

type ShortageReportLine struct {
	LineID string `json:"line_id"`
	Qty    int    `json:"qty"`
}

type ShortageReportRequest struct {
	Lines []ShortageReportLine `json:"lines"`
}

const (
	ResolutionFoundResend = "FOUND_AND_RESEND"
	ResolutionLostInRoute = "LOST_IN_ROUTE"
)

type ShortageResolveLine struct {
	LineID     string `json:"line_id"`
	Qty        int    `json:"qty"`
	Resolution string `json:"resolution"`
}

type ShortageResolveRequest struct {
	Lines []ShortageResolveLine `json:"lines"`
}

type TransferResponse struct {
	Transfer  Transfer           `json:"transfer"`
	Movements []TransferMovement `json:"movements,omitempty"`
}

type SaleLineRequest struct {
	LineType       string `json:"line_type"`
	EPC            string `json:"epc,omitempty"`
	Pool           string `json:"pool,omitempty"`
	SKU            string `json:"sku"`
	Description    string `json:"description,omitempty"`
	Variant        string `json:"variant,omitempty"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	ImageURL       string `json:"image_url,omitempty"`
	NonReusableEPC bool   `json:"non_reusable_epc,omitempty"`
}

type SaleCreateRequest struct {
	TransactionID string            `json:"transaction_id,omitempty"`
	Lines         []SaleLineRequest `json:"lines"`
}

type SaleLinesUpdateRequest struct {
	Lines []SaleLineRequest `json:"lines"`
}

type PaymentRequest struct {
	Method            string `json:"method"`
	AmountCents       int64  `json:"amount_cents"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
	BankName          string `json:"bank_name,omitempty"`
	VoucherNumber     string `json:"voucher_number,omitempty"`
}

type CheckoutRequest struct {
	TransactionID string           `json:"transaction_id,omitempty"`
	Payments      []PaymentRequest `json:"payments"`
}

type SaleResponse struct {
	Sale PosSale `json:"sale"`
}

type ReturnItemRequest struct {
	SaleLineID string `json:"sale_line_id"`
	Qty        int    `json:"qty"`
	Condition  string `json:"condition"`
}

type RefundItemsRequest struct {
	TransactionID   string              `json:"transaction_id,omitempty"`
	Items           []ReturnItemRequest `json:"items"`
	ReceiptProvided bool                `json:"receipt_provided"`
	ManagerOverride bool                `json:"manager_override"`
	Payments        []PaymentRequest    `json:"payments"`
}

type RefundItemsResponse struct {
	ReturnEvent PosReturnEvent `json:"return_event"`
}

type ExchangeItemsRequest struct {
	TransactionID   string              `json:"transaction_id,omitempty"`
	ReturnItems     []ReturnItemRequest `json:"return_items"`
	NewLines        []SaleLineRequest   `json:"new_lines"`
	ReceiptProvided bool                `json:"receipt_provided"`
	ManagerOverride bool                `json:"manager_override"`
	Payments        []PaymentRequest    `json:"payments"`
}

type ExchangeItemsResponse struct {
	ReturnEvent  PosReturnEvent `json:"return_event"`
	ExchangeSale PosSale        `json:"exchange_sale"`
}

type CashSessionOpenRequest struct {
	OpeningCents int64 `json:"opening_cents"`
}

type CashMovementRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Note        string `json:"note,omitempty"`
}

type CashSessionCloseRequest struct {
	CountedCents int64 `json:"counted_cents"`
}

type CashSessionResponse struct {
	Session PosCashSession `json:"session"`
}

type DayCloseRequest struct {
	BusinessDate string `json:"business_date"`
}

type DayCloseResponse struct {
	DayClose CashDayClose `json:"day_close"`
}
