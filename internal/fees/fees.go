package fees

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-bullion/pkg/response"
	"github.com/shopspring/decimal"
)

var (
	ErrCoreFeeMissing   = errors.New("core indemnification fee is not configured")
	ErrUnknownAddOn     = errors.New("unknown add-on")
	ErrInvalidNotional  = errors.New("notional must be positive")
	ErrUnsupportedModel = errors.New("unsupported pricing model")
)

var basisPointsPerUnit = decimal.NewFromInt(10000)

// BasisPointsFee returns notional * bps / 10000 rounded half-up to the cent and
// clamped to [minCents, maxCents]. A zero bound is treated as unbounded.
func BasisPointsFee(notionalCents, bps, minCents, maxCents int64) int64 {
	fee := decimal.NewFromInt(notionalCents).
		Mul(decimal.NewFromInt(bps)).
		Div(basisPointsPerUnit).
		Round(0).
		IntPart()
	if minCents > 0 && fee < minCents {
		fee = minCents
	}
	if maxCents > 0 && fee > maxCents {
		fee = maxCents
	}
	return fee
}

// Compute prices the core indemnification fee plus every selected, enabled add-on.
func Compute(req QuoteRequest) (Quote, error) {
	if req.NotionalCents <= 0 {
		return Quote{}, ErrInvalidNotional
	}

	catalog := make(map[string]CatalogItem, len(req.Config.Catalog))
	for _, item := range req.Config.Catalog {
		catalog[item.Code] = item
	}

	core, ok := catalog[CoreIndemnificationCode]
	if !ok || !core.Enabled {
		return Quote{}, ErrCoreFeeMissing
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	quote := Quote{
		Currency:       req.Config.Currency,
		NotionalCents:  req.NotionalCents,
		SelectedAddOns: append([]string{}, req.SelectedAddOns...),
		ComputedAt:     now.UTC(),
	}

	coreLine, err := price(core, req)
	if err != nil {
		return Quote{}, err
	}
	quote.add(coreLine)

	seen := map[string]bool{CoreIndemnificationCode: true}
	for _, code := range req.SelectedAddOns {
		if seen[code] {
			continue
		}
		seen[code] = true

		item, ok := catalog[code]
		if !ok {
			return Quote{}, fmt.Errorf("%w: %s", ErrUnknownAddOn, code)
		}
		if !item.Enabled {
			continue
		}
		line, err := price(item, req)
		if err != nil {
			return Quote{}, err
		}
		quote.add(line)
	}

	quote.TotalDueCents = quote.PlatformFeesCents + quote.PassThroughCents
	return quote, nil
}

// CoreFeeCents prices only the core indemnification line for a notional
func CoreFeeCents(config PricingConfig, notionalCents int64) (int64, error) {
	quote, err := Compute(QuoteRequest{NotionalCents: notionalCents, Config: config})
	if err != nil {
		return 0, err
	}
	return quote.PlatformFeesCents, nil
}

// Recalculate recomputes an existing quote. A frozen quote is returned as is,
// whatever the request says.
func Recalculate(existing *Quote, req QuoteRequest) (Quote, bool, error) {
	if existing != nil && existing.Frozen {
		return *existing, false, nil
	}
	q, err := Compute(req)
	if err != nil {
		return Quote{}, false, err
	}
	return q, true, nil
}

// Freeze marks the quote as the final financial record. Freezing twice keeps
// the original timestamp.
func Freeze(q Quote, now time.Time) Quote {
	if q.Frozen {
		return q
	}
	frozenAt := now.UTC()
	q.Frozen = true
	q.FrozenAt = &frozenAt
	q.LineItems = append([]LineItem{}, q.LineItems...)
	return q
}

func (q *Quote) add(line LineItem) {
	q.LineItems = append(q.LineItems, line)
	q.PlatformFeesCents += line.PlatformFeeCents
	q.PassThroughCents += line.PassThroughCents
	if line.RequiresManualApproval {
		q.RequiresManualApproval = true
	}
}

func price(item CatalogItem, req QuoteRequest) (LineItem, error) {
	line := LineItem{
		Code:                   item.Code,
		Name:                   item.Name,
		Model:                  item.Model,
		RequiresManualApproval: item.RequiresManualApproval,
	}

	switch item.Model {
	case ModelPercentOfNotional:
		line.RateBps = item.RateBps
		line.PlatformFeeCents = BasisPointsFee(req.NotionalCents, item.RateBps, item.MinCents, item.MaxCents)
	case ModelFlat:
		line.PlatformFeeCents = item.FlatCents
	case ModelPassThrough:
		line.PlatformFeeCents = item.CoordinationFeeCents
		vendor, ok := req.Config.VendorQuotes[item.Code]
		if !ok {
			line.VendorQuoteMissing = true
			line.RequiresManualApproval = true
		} else {
			line.PassThroughCents = vendor
		}
	default:
		return LineItem{}, fmt.Errorf("%w: %s", ErrUnsupportedModel, item.Model)
	}

	line.TotalCents = line.PlatformFeeCents + line.PassThroughCents
	return line, nil
}

// GinHandlers exposes the stateless quote calculator
type GinHandlers struct {
	config func() PricingConfig
	now    func() time.Time
}

// NewGinHandlers creates quote handlers over the given pricing source
func NewGinHandlers(config func() PricingConfig) *GinHandlers {
	return &GinHandlers{config: config, now: time.Now}
}

// QuoteHandler prices a notional and add-on selection without touching any settlement
func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			NotionalCents int64    `json:"notional_cents" binding:"required"`
			AddOns        []string `json:"add_ons"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		quote, err := Compute(QuoteRequest{
			NotionalCents:  request.NotionalCents,
			SelectedAddOns: request.AddOns,
			Config:         h.config(),
			Now:            h.now(),
		})
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		response.Success(c, QuoteResponse{FeeQuote: quote, RequiresManualApproval: quote.RequiresManualApproval})
	}
}
