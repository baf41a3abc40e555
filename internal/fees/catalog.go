package fees

// Add-on codes offered in the default catalog
const (
	AddOnArmoredTransport    = "ARMORED_TRANSPORT"
	AddOnAssayVerification   = "ASSAY_VERIFICATION"
	AddOnExpeditedSettlement = "EXPEDITED_SETTLEMENT"
	AddOnExtendedInsurance   = "EXTENDED_INSURANCE"
	AddOnVaultStorage90D     = "VAULT_STORAGE_90D"
)

// DefaultConfig returns the catalog the server starts with
func DefaultConfig() PricingConfig {
	return PricingConfig{
		Currency: "USD",
		Catalog: []CatalogItem{
			{
				Code:     CoreIndemnificationCode,
				Name:     "Settlement indemnification",
				Model:    ModelPercentOfNotional,
				RateBps:  25,
				MinCents: 25_000,    // $250
				MaxCents: 2_500_000, // $25,000
				Enabled:  true,
			},
			{
				Code:                 AddOnArmoredTransport,
				Name:                 "Armored transport",
				Model:                ModelPassThrough,
				CoordinationFeeCents: 15_000,
				Enabled:              true,
			},
			{
				Code:      AddOnAssayVerification,
				Name:      "Independent assay",
				Model:     ModelFlat,
				FlatCents: 35_000,
				Enabled:   true,
			},
			{
				Code:     AddOnExpeditedSettlement,
				Name:     "Expedited settlement",
				Model:    ModelPercentOfNotional,
				RateBps:  10,
				MinCents: 10_000,
				MaxCents: 500_000,
				Enabled:  true,
			},
			{
				Code:                   AddOnExtendedInsurance,
				Name:                   "Extended transit insurance",
				Model:                  ModelPassThrough,
				CoordinationFeeCents:   7_500,
				RequiresManualApproval: true,
				Enabled:                true,
			},
			{
				Code:      AddOnVaultStorage90D,
				Name:      "Vault storage (90 days)",
				Model:     ModelFlat,
				FlatCents: 50_000,
				Enabled:   false,
			},
		},
		VendorQuotes: map[string]int64{},
	}
}
