package fees

import "time"

// PricingModel describes how a catalog item is priced
type PricingModel string

const (
	ModelPercentOfNotional PricingModel = "PERCENT_OF_NOTIONAL"
	ModelFlat              PricingModel = "FLAT"
	ModelPassThrough       PricingModel = "PASS_THROUGH"
)

// CoreIndemnificationCode is always charged on every settlement
const CoreIndemnificationCode = "CORE_INDEMNIFICATION"

// CatalogItem is a fee line item offered by the platform
type CatalogItem struct {
	Code                   string       `json:"code"`
	Name                   string       `json:"name"`
	Model                  PricingModel `json:"model"`
	RateBps                int64        `json:"rate_bps,omitempty"`
	MinCents               int64        `json:"min_cents,omitempty"`
	MaxCents               int64        `json:"max_cents,omitempty"`
	FlatCents              int64        `json:"flat_cents,omitempty"`
	CoordinationFeeCents   int64        `json:"coordination_fee_cents,omitempty"`
	RequiresManualApproval bool         `json:"requires_manual_approval"`
	Enabled                bool         `json:"enabled"`
}

// PricingConfig is the catalog plus any vendor quotes available at quote time
type PricingConfig struct {
	Currency     string           `json:"currency"`
	Catalog      []CatalogItem    `json:"catalog"`
	VendorQuotes map[string]int64 `json:"vendor_quotes,omitempty"` // pass-through cents by item code
}

// LineItem is one priced entry in a quote
type LineItem struct {
	Code                   string       `json:"code"`
	Name                   string       `json:"name"`
	Model                  PricingModel `json:"model"`
	RateBps                int64        `json:"rate_bps,omitempty"`
	PlatformFeeCents       int64        `json:"platform_fee_cents"`
	PassThroughCents       int64        `json:"pass_through_cents"`
	TotalCents             int64        `json:"total_cents"`
	RequiresManualApproval bool         `json:"requires_manual_approval"`
	VendorQuoteMissing     bool         `json:"vendor_quote_missing,omitempty"`
}

// Quote is the computed economic terms of a settlement. Once Frozen it is an
// immutable financial record.
type Quote struct {
	Currency               string     `json:"currency"`
	NotionalCents          int64      `json:"notional_cents"`
	SelectedAddOns         []string   `json:"selected_add_ons"`
	LineItems              []LineItem `json:"line_items"`
	PlatformFeesCents      int64      `json:"platform_fees_cents"`
	PassThroughCents       int64      `json:"pass_through_cents"`
	TotalDueCents          int64      `json:"total_due_cents"`
	RequiresManualApproval bool       `json:"requires_manual_approval"`
	Frozen                 bool       `json:"frozen"`
	FrozenAt               *time.Time `json:"frozen_at,omitempty"`
	ComputedAt             time.Time  `json:"computed_at"`
}

// QuoteRequest carries the inputs to Compute
type QuoteRequest struct {
	NotionalCents  int64
	SelectedAddOns []string
	Config         PricingConfig
	Now            time.Time
}

// QuoteResponse is returned by the stateless quote endpoint
type QuoteResponse struct {
	FeeQuote               Quote `json:"fee_quote"`
	RequiresManualApproval bool  `json:"requires_manual_approval"`
}
