package rails

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Outcome is a rail's answer for a submitted settlement
type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomeCleared  Outcome = "CLEARED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeUnknown  Outcome = "UNKNOWN"
)

var ErrUnknownSubmission = errors.New("no rail submission for settlement")

// ParseOutcome validates an outcome reported by a rail callback
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeCleared, OutcomeRejected, OutcomeUnknown:
		return o, nil
	default:
		return "", fmt.Errorf("invalid rail outcome %q", s)
	}
}

// Rail is a payment rail tier paired with the physical logistics used for the
// gold leg at that size
type Rail struct {
	ID               string
	Name             string
	MinNotionalCents int64
	Logistics        string
	MinLatency       time.Duration
	MaxLatency       time.Duration
	SuccessRate      float64 // 0-1, probability a submission clears
	UnknownRate      float64 // 0-1, probability the rail loses track of it
}

// tiers are ordered from largest threshold down
var tiers = []*Rail{
	{
		ID:               "RTGS",
		Name:             "Real-time gross settlement",
		MinNotionalCents: 100_000_000, // $1,000,000
		Logistics:        "ARMORED_TRANSPORT",
		MinLatency:       2 * time.Second,
		MaxLatency:       10 * time.Second,
		SuccessRate:      0.98,
		UnknownRate:      0.01,
	},
	{
		ID:               "WIRE_PRIORITY",
		Name:             "Priority wire",
		MinNotionalCents: 10_000_000, // $100,000
		Logistics:        "ARMORED_TRANSPORT",
		MinLatency:       5 * time.Second,
		MaxLatency:       30 * time.Second,
		SuccessRate:      0.95,
		UnknownRate:      0.02,
	},
	{
		ID:               "WIRE",
		Name:             "Standard wire",
		MinNotionalCents: 1_000_000, // $10,000
		Logistics:        "INSURED_COURIER",
		MinLatency:       10 * time.Second,
		MaxLatency:       60 * time.Second,
		SuccessRate:      0.93,
		UnknownRate:      0.02,
	},
	{
		ID:               "ACH",
		Name:             "Automated clearing house",
		MinNotionalCents: 0,
		Logistics:        "REGISTERED_POST",
		MinLatency:       15 * time.Second,
		MaxLatency:       90 * time.Second,
		SuccessRate:      0.90,
		UnknownRate:      0.03,
	},
}

// Routing is the deterministic route chosen for a settlement
type Routing struct {
	PaymentRail   string `json:"payment_rail"`
	Logistics     string `json:"logistics"`
	NotionalCents int64  `json:"notional_cents"`
}

// Route selects the rail tier for a notional. The same notional always yields
// the same route.
func Route(notionalCents int64) Routing {
	rail := railFor(notionalCents)
	return Routing{
		PaymentRail:   rail.ID,
		Logistics:     rail.Logistics,
		NotionalCents: notionalCents,
	}
}

func railFor(notionalCents int64) *Rail {
	for _, r := range tiers {
		if notionalCents >= r.MinNotionalCents {
			return r
		}
	}
	return tiers[len(tiers)-1]
}

// Lookup returns the rail tier with the given id
func Lookup(id string) (*Rail, bool) {
	for _, r := range tiers {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Client submits settlements to a payment rail and polls for the outcome
type Client interface {
	Submit(ctx context.Context, settlementID string, routing Routing) (string, error)
	Poll(ctx context.Context, settlementID string) (Outcome, error)
}

type submission struct {
	rail      *Rail
	reference string
	readyAt   time.Time
	outcome   Outcome
}

// SimulatedClient stands in for the external rail. Each submission resolves
// after a random latency within the tier's window to CLEARED, REJECTED or
// UNKNOWN according to the tier's rates.
type SimulatedClient struct {
	mu          sync.Mutex
	rng         *rand.Rand
	now         func() time.Time
	submissions map[string]*submission
}

// NewSimulatedClient creates a simulated rail. A fixed seed gives repeatable outcomes.
func NewSimulatedClient(seed int64) *SimulatedClient {
	return &SimulatedClient{
		rng:         rand.New(rand.NewSource(seed)),
		now:         time.Now,
		submissions: make(map[string]*submission),
	}
}

// WithClock replaces the time source
func (c *SimulatedClient) WithClock(now func() time.Time) *SimulatedClient {
	c.now = now
	return c
}

func (c *SimulatedClient) Submit(ctx context.Context, settlementID string, routing Routing) (string, error) {
	rail, ok := Lookup(routing.PaymentRail)
	if !ok {
		return "", fmt.Errorf("unknown payment rail %s", routing.PaymentRail)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.submissions[settlementID]; ok {
		return existing.reference, nil
	}

	window := rail.MaxLatency - rail.MinLatency
	latency := rail.MinLatency
	if window > 0 {
		latency += time.Duration(c.rng.Int63n(int64(window) + 1))
	}

	outcome := OutcomeCleared
	switch roll := c.rng.Float64(); {
	case roll >= rail.SuccessRate+rail.UnknownRate:
		outcome = OutcomeRejected
	case roll >= rail.SuccessRate:
		outcome = OutcomeUnknown
	}

	sub := &submission{
		rail:      rail,
		reference: fmt.Sprintf("%s-%d", rail.ID, c.rng.Int63()),
		readyAt:   c.now().Add(latency),
		outcome:   outcome,
	}
	c.submissions[settlementID] = sub

	log.Info().
		Str("service", "rails").
		Str("settlement_id", settlementID).
		Str("rail", rail.ID).
		Str("logistics", routing.Logistics).
		Str("reference", sub.reference).
		Dur("latency", latency).
		Msg("submitted settlement to rail")

	return sub.reference, nil
}

func (c *SimulatedClient) Poll(ctx context.Context, settlementID string) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.submissions[settlementID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSubmission, settlementID)
	}
	if c.now().Before(sub.readyAt) {
		return OutcomePending, nil
	}
	delete(c.submissions, settlementID)
	return sub.outcome, nil
}
