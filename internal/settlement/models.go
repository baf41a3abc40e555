package settlement

import (
	"time"

	"github.com/ksred/klear-bullion/internal/fees"
	"github.com/ksred/klear-bullion/internal/journal"
	"github.com/ksred/klear-bullion/internal/rails"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status is the lifecycle state of a settlement case
type Status string

const (
	StatusEscrowOpen     Status = "ESCROW_OPEN"
	StatusAuthorized     Status = "AUTHORIZED"
	StatusProcessingRail Status = "PROCESSING_RAIL"
	StatusAmbiguous      Status = "AMBIGUOUS_STATE"
	StatusSettled        Status = "SETTLED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
	StatusReversed       Status = "REVERSED"
)

// Action is a caller requested operation on a settlement
type Action string

const (
	ActionConfirmFundsFinal       Action = "CONFIRM_FUNDS_FINAL"
	ActionAllocateGold            Action = "ALLOCATE_GOLD"
	ActionMarkVerificationCleared Action = "MARK_VERIFICATION_CLEARED"
	ActionAuthorizeSettlement     Action = "AUTHORIZE_SETTLEMENT"
	ActionExecuteDvP              Action = "EXECUTE_DVP"
	ActionFailSettlement          Action = "FAIL_SETTLEMENT"
	ActionCancelSettlement        Action = "CANCEL_SETTLEMENT"
	ActionResolveAmbiguous        Action = "RESOLVE_AMBIGUOUS"
	ActionReverseSettlement       Action = "REVERSE_SETTLEMENT"
	ActionQuoteFees               Action = "QUOTE_FEES"
	ActionApproveFees             Action = "APPROVE_FEES"
	ActionCapturePayment          Action = "CAPTURE_PAYMENT"
)

// ActivationStatus tracks the fee quote through approval and payment capture
type ActivationStatus string

const (
	ActivationNone             ActivationStatus = "none"
	ActivationQuoted           ActivationStatus = "quoted"
	ActivationAwaitingApproval ActivationStatus = "awaiting_approval"
	ActivationActivated        ActivationStatus = "activated"
)

// LedgerEvent classifies a ledger entry
type LedgerEvent string

const (
	EventSettlementOpened    LedgerEvent = "SETTLEMENT_OPENED"
	EventFundsConfirmed      LedgerEvent = "FUNDS_CONFIRMED"
	EventGoldAllocated       LedgerEvent = "GOLD_ALLOCATED"
	EventVerificationCleared LedgerEvent = "VERIFICATION_CLEARED"
	EventAuthorization       LedgerEvent = "AUTHORIZATION"
	EventDvPExecuted         LedgerEvent = "DVP_EXECUTED"
	EventJournalPosted       LedgerEvent = "JOURNAL_POSTED"
	EventSettlementFailed    LedgerEvent = "SETTLEMENT_FAILED"
	EventSettlementCancelled LedgerEvent = "SETTLEMENT_CANCELLED"
	EventAmbiguousResolved   LedgerEvent = "AMBIGUOUS_RESOLVED"
	EventSettlementReversed  LedgerEvent = "SETTLEMENT_REVERSED"
	EventFeeQuoted           LedgerEvent = "FEE_QUOTED"
	EventFeeApproved         LedgerEvent = "FEE_APPROVED"
	EventPaymentCaptured     LedgerEvent = "PAYMENT_CAPTURED"
	EventRailSubmitted       LedgerEvent = "RAIL_SUBMITTED"
	EventRailConfirmed       LedgerEvent = "RAIL_CONFIRMED"
	EventRailRejected        LedgerEvent = "RAIL_REJECTED"
	EventAmbiguousFlagged    LedgerEvent = "AMBIGUOUS_FLAGGED"
)

// SettlementCase is the clearing record for one trade order
type SettlementCase struct {
	gorm.Model         `json:"-"`
	SettlementID       string          `gorm:"uniqueIndex" json:"settlement_id"`
	OrderID            string          `gorm:"uniqueIndex" json:"order_id"`
	ReservationID      string          `json:"reservation_id,omitempty"`
	ListingID          string          `json:"listing_id"`
	BuyerID            string          `gorm:"index" json:"buyer_id"`
	SellerID           string          `gorm:"index" json:"seller_id"`
	CorridorID         string          `json:"corridor_id"`
	HubID              string          `json:"hub_id"`
	VaultHubID         string          `json:"vault_hub_id"`
	VerificationCaseID string          `json:"verification_case_id"`
	WeightOz           decimal.Decimal `gorm:"type:numeric(20,6)" json:"weight_oz"`
	LockedPriceCents   int64           `json:"locked_price_cents"`
	NotionalCents      int64           `json:"notional_cents"`
	PlatformFeeCents   int64           `json:"platform_fee_cents"`
	Currency           string          `json:"currency"`
	Status             Status          `gorm:"index" json:"status"`

	FundsConfirmedFinal bool `json:"funds_confirmed_final"`
	GoldAllocated       bool `json:"gold_allocated"`
	VerificationCleared bool `json:"verification_cleared"`

	// Capital position frozen at open. Never updated afterwards.
	CapitalBaseCents      int64     `json:"capital_base_cents"`
	ExposureCoverageRatio float64   `json:"exposure_coverage_ratio"`
	HardstopUtilization   float64   `json:"hardstop_utilization"`
	CapitalSnapshotHash   string    `json:"capital_snapshot_hash"`
	CapitalSnapshotAt     time.Time `json:"capital_snapshot_at"`

	FeeQuote         datatypes.JSONType[*fees.Quote] `json:"fee_quote"`
	ActivationStatus ActivationStatus                `json:"activation_status"`
	FeeApprovedBy    string                          `json:"fee_approved_by,omitempty"`
	FeeApprovedAt    *time.Time                      `json:"fee_approved_at,omitempty"`
	ActivatedAt      *time.Time                      `json:"activated_at,omitempty"`

	OpenedAt       time.Time  `json:"opened_at"`
	AuthorizedAt   *time.Time `json:"authorized_at,omitempty"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
	ClosedReason   string     `json:"closed_reason,omitempty"`
	ReversedAt     *time.Time `json:"reversed_at,omitempty"`
	ReversalReason string     `json:"reversal_reason,omitempty"`
	PaymentRail    string     `json:"payment_rail,omitempty"`
	Logistics      string     `json:"logistics,omitempty"`
	RailReference  string     `json:"rail_reference,omitempty"`

	Version int64 `gorm:"not null;default:1" json:"version"`
}

// TableName keeps settlement cases distinct from other settlement tables
func (SettlementCase) TableName() string {
	return "settlement_cases"
}

// Quote returns the current fee quote, nil when none has been computed
func (c SettlementCase) Quote() *fees.Quote {
	return c.FeeQuote.Data()
}

// CheckSnapshot is the frozen view of checks recorded on a ledger entry
type CheckSnapshot struct {
	ChecksStatus          string         `json:"checks_status"`
	FundsConfirmedFinal   bool           `json:"funds_confirmed_final"`
	GoldAllocated         bool           `json:"gold_allocated"`
	VerificationCleared   bool           `json:"verification_cleared"`
	CapitalBaseCents      int64          `json:"capital_base_cents"`
	ExposureCoverageRatio float64        `json:"exposure_coverage_ratio"`
	HardstopUtilization   float64        `json:"hardstop_utilization"`
	Blockers              []string       `json:"blockers"`
	Warnings              []string       `json:"warnings"`
	Routing               *rails.Routing `json:"routing,omitempty"`
}

// LedgerEntry is an append-only record of something that happened to a settlement
type LedgerEntry struct {
	gorm.Model   `json:"-"`
	EntryID      string                             `gorm:"uniqueIndex" json:"entry_id"`
	SettlementID string                             `gorm:"index" json:"settlement_id"`
	Event        LedgerEvent                        `gorm:"index" json:"event"`
	OccurredAt   time.Time                          `json:"occurred_at"`
	ActorUserID  string                             `json:"actor_user_id"`
	ActorRole    types.Role                         `json:"actor_role"`
	ActorName    string                             `json:"actor_name,omitempty"`
	Detail       string                             `json:"detail"`
	EvidenceIDs  datatypes.JSONSlice[string]        `json:"evidence_ids"`
	Snapshot     datatypes.JSONType[*CheckSnapshot] `json:"snapshot"`
	JournalID    string                             `json:"journal_id,omitempty"`
}

// TableName names the append-only ledger table
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// Certificate is the title certificate issued to the buyer once a settlement is SETTLED
type Certificate struct {
	gorm.Model    `json:"-"`
	CertificateID string          `gorm:"uniqueIndex" json:"certificate_id"`
	SettlementID  string          `gorm:"uniqueIndex" json:"settlement_id"`
	OrderID       string          `json:"order_id"`
	HolderID      string          `json:"holder_id"`
	VaultHubID    string          `json:"vault_hub_id"`
	WeightOz      decimal.Decimal `gorm:"type:numeric(20,6)" json:"weight_oz"`
	Fingerprint   string          `json:"fingerprint"`
	IssuedAt      time.Time       `json:"issued_at"`
}

// State is the full clearing aggregate: every settlement, its ledger and the
// clearing journals posted for it
type State struct {
	Settlements      []SettlementCase  `json:"settlements"`
	Ledger           []LedgerEntry     `json:"ledger"`
	ClearingJournals []journal.Journal `json:"clearing_journals"`
}
