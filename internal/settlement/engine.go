package settlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-bullion/internal/fees"
	"github.com/ksred/klear-bullion/internal/journal"
	"github.com/ksred/klear-bullion/internal/rails"
	"github.com/ksred/klear-bullion/internal/reference"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ActionRequest asks the engine to apply one action to one settlement
type ActionRequest struct {
	SettlementID string     `json:"-"`
	Action       Action     `json:"action"`
	ActorUserID  string     `json:"-"`
	ActorRole    types.Role `json:"-"`
	ActorName    string     `json:"-"`
	Reason       string     `json:"reason"`
	EvidenceIDs  []string   `json:"evidence_ids"`
	AddOns       []string   `json:"add_ons"`
}

func (r ActionRequest) Actor() types.Actor {
	return types.Actor{UserID: r.ActorUserID, Role: r.ActorRole, Name: r.ActorName}
}

// Environment is the external state an action is checked against. An empty
// status means the record could not be found.
type Environment struct {
	CorridorStatus     reference.CorridorStatus
	HubStatus          reference.HubStatus
	VerificationStatus reference.VerificationStatus
	Pricing            fees.PricingConfig
}

// Outcome is everything a successful action produced
type Outcome struct {
	Settlement    SettlementCase   `json:"settlement"`
	LedgerEntries []LedgerEntry    `json:"ledger_entries"`
	Journal       *journal.Journal `json:"journal,omitempty"`
}

// bindJournal points the outcome at the journal that was actually stored,
// which differs from the built one when the key had already been posted
func (o *Outcome) bindJournal(j journal.Journal) {
	o.Journal = &j
	for i := range o.LedgerEntries {
		if o.LedgerEntries[i].JournalID != "" {
			o.LedgerEntries[i].JournalID = j.JournalID
		}
	}
}

// Result is either an Outcome or a Failure
type Result struct {
	Outcome *Outcome     `json:"outcome,omitempty"`
	Failure *ActionError `json:"failure,omitempty"`
}

func (r Result) OK() bool {
	return r.Failure == nil && r.Outcome != nil
}

type step func(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError)

var steps = map[Action]step{
	ActionConfirmFundsFinal:       confirmFunds,
	ActionAllocateGold:            allocateGold,
	ActionMarkVerificationCleared: clearVerification,
	ActionAuthorizeSettlement:     authorize,
	ActionExecuteDvP:              executeDvP,
	ActionFailSettlement:          failSettlement,
	ActionCancelSettlement:        cancelSettlement,
	ActionResolveAmbiguous:        resolveAmbiguous,
	ActionReverseSettlement:       reverseSettlement,
	ActionQuoteFees:               quoteFees,
	ActionApproveFees:             approveFees,
	ActionCapturePayment:          capturePayment,
}

// Engine is the settlement state machine. It performs no I/O: every method
// takes the current case and returns the next one without touching its input.
type Engine struct{}

// Apply resolves an action against c. c may be nil when the settlement does
// not exist.
func (e Engine) Apply(c *SettlementCase, req ActionRequest, env Environment, now time.Time) Result {
	if f := e.Authorize(req); f != nil {
		return Result{Failure: f}
	}
	if c == nil {
		return Result{Failure: refuse(CodeNotFound, "settlement %s not found", req.SettlementID)}
	}
	if f := guard(c, req.Action); f != nil {
		return Result{Failure: f}
	}

	now = now.UTC()
	next := *c
	entries, j, f := steps[req.Action](&next, req, env, now)
	if f != nil {
		return Result{Failure: f}
	}
	return finish(c, next, entries, j)
}

// Authorize runs the identity, action and role checks that come before any
// look at the settlement itself
func (Engine) Authorize(req ActionRequest) *ActionError {
	actor := req.Actor()
	if !actor.HasIdentity() {
		return refuse(CodeMissingIdentity, "actor user id and role are required")
	}
	if !KnownAction(req.Action) {
		return refuse(CodeUnknownAction, "unknown action %q", req.Action)
	}
	if allowed := AllowedRoles(req.Action); !types.RoleIn(actor.Role, allowed) {
		f := refuse(CodeForbiddenRole, "role %s may not perform %s", actor.Role, req.Action)
		f.AllowedRoles = allowed
		return f
	}
	return nil
}

// SubmitToRail moves an AUTHORIZED case onto its payment rail
func (Engine) SubmitToRail(c *SettlementCase, routing rails.Routing, railReference string, now time.Time) Result {
	if c == nil {
		return Result{Failure: refuse(CodeNotFound, "settlement not found")}
	}
	if c.Status != StatusAuthorized {
		return Result{Failure: refuse(CodeInvalidState, "rail submission requires AUTHORIZED, settlement is %s", c.Status)}
	}

	now = now.UTC()
	next := *c
	next.Status = StatusProcessingRail
	next.PaymentRail = routing.PaymentRail
	next.Logistics = routing.Logistics
	next.RailReference = railReference

	snap := checkSnapshot(&next, nil, nil)
	snap.Routing = &routing
	entry := newEntry(&next, EventRailSubmitted, types.SystemActor,
		fmt.Sprintf("submitted to %s (ref %s), logistics %s", routing.PaymentRail, railReference, routing.Logistics),
		nil, now, snap)
	return finish(c, next, []LedgerEntry{entry}, nil)
}

// ConfirmRail applies a final rail outcome to a PROCESSING_RAIL case
func (Engine) ConfirmRail(c *SettlementCase, outcome rails.Outcome, now time.Time) Result {
	if c == nil {
		return Result{Failure: refuse(CodeNotFound, "settlement not found")}
	}
	if c.Status != StatusProcessingRail {
		return Result{Failure: refuse(CodeInvalidState, "rail confirmation requires PROCESSING_RAIL, settlement is %s", c.Status)}
	}

	now = now.UTC()
	next := *c
	var event LedgerEvent
	var detail string
	switch outcome {
	case rails.OutcomeCleared:
		next.Status = StatusAuthorized
		event = EventRailConfirmed
		detail = fmt.Sprintf("%s cleared ref %s", next.PaymentRail, next.RailReference)
	case rails.OutcomeRejected:
		next.Status = StatusFailed
		next.ClosedReason = fmt.Sprintf("rejected by %s", next.PaymentRail)
		event = EventRailRejected
		detail = fmt.Sprintf("%s rejected ref %s", next.PaymentRail, next.RailReference)
	case rails.OutcomeUnknown:
		next.Status = StatusAmbiguous
		event = EventAmbiguousFlagged
		detail = fmt.Sprintf("%s lost track of ref %s, manual reconciliation required", next.PaymentRail, next.RailReference)
	default:
		return Result{Failure: refuse(CodePrecondition, "rail outcome %s is not final", outcome)}
	}

	entry := newEntry(&next, event, types.SystemActor, detail, nil, now, nil)
	return finish(c, next, []LedgerEntry{entry}, nil)
}

// Process applies an action to the aggregate. On failure the input state is
// returned as is; on success a new state is returned and the input slices are
// not modified.
func (e Engine) Process(state State, req ActionRequest, env Environment, now time.Time) (State, Result) {
	idx := -1
	var c *SettlementCase
	for i := range state.Settlements {
		if state.Settlements[i].SettlementID == req.SettlementID {
			cp := state.Settlements[i]
			c, idx = &cp, i
			break
		}
	}

	res := e.Apply(c, req, env, now)
	if !res.OK() {
		return state, res
	}

	out := State{
		Settlements:      append([]SettlementCase(nil), state.Settlements...),
		Ledger:           make([]LedgerEntry, 0, len(state.Ledger)+len(res.Outcome.LedgerEntries)),
		ClearingJournals: state.ClearingJournals,
	}
	out.Settlements[idx] = res.Outcome.Settlement
	if res.Outcome.Journal != nil {
		journals, posted, _ := journal.Post(state.ClearingJournals, *res.Outcome.Journal)
		out.ClearingJournals = journals
		res.Outcome.bindJournal(posted)
	}
	out.Ledger = append(out.Ledger, state.Ledger...)
	out.Ledger = append(out.Ledger, res.Outcome.LedgerEntries...)
	return out, res
}

func guard(c *SettlementCase, a Action) *ActionError {
	switch {
	case c.Status == StatusSettled && a == ActionReverseSettlement:
	case IsTerminal(c.Status):
		return refuse(CodeTerminalState, "settlement %s is %s", c.SettlementID, c.Status)
	case c.Status == StatusProcessingRail:
		return refuse(CodeProcessingLocked, "settlement %s is awaiting a rail confirmation", c.SettlementID)
	case c.Status == StatusAmbiguous && !acceptedWhileAmbiguous(a):
		return refuse(CodeAmbiguousLocked, "settlement %s is ambiguous, only resolve, fail or cancel are accepted", c.SettlementID)
	}

	if !bypassesActivation(a) && c.ActivationStatus != ActivationActivated {
		return refuse(CodeActivationRequired, "fees must be captured before %s, activation is %s", a, activationLabel(c.ActivationStatus))
	}
	return nil
}

func finish(prev *SettlementCase, next SettlementCase, entries []LedgerEntry, j *journal.Journal) Result {
	if next.Status != prev.Status && !CanTransition(prev.Status, next.Status) {
		return Result{Failure: refuse(CodeInvalidState, "illegal transition %s -> %s", prev.Status, next.Status)}
	}
	next.Version = prev.Version + 1
	return Result{Outcome: &Outcome{Settlement: next, LedgerEntries: entries, Journal: j}}
}

func confirmFunds(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	if f := requireEscrowOpen(next, req.Action); f != nil {
		return nil, nil, f
	}
	if next.FundsConfirmedFinal {
		return nil, nil, refuse(CodeDuplicate, "funds already confirmed final")
	}
	next.FundsConfirmedFinal = true
	entry := newEntry(next, EventFundsConfirmed, req.Actor(),
		fmt.Sprintf("buyer funds of %s confirmed final", formatCents(next.NotionalCents, next.Currency)),
		req.EvidenceIDs, now, nil)
	return []LedgerEntry{entry}, nil, nil
}

func allocateGold(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	if f := requireEscrowOpen(next, req.Action); f != nil {
		return nil, nil, f
	}
	if next.GoldAllocated {
		return nil, nil, refuse(CodeDuplicate, "gold already allocated")
	}
	next.GoldAllocated = true
	entry := newEntry(next, EventGoldAllocated, req.Actor(),
		fmt.Sprintf("%s oz allocated at %s", next.WeightOz.String(), next.VaultHubID),
		req.EvidenceIDs, now, nil)
	return []LedgerEntry{entry}, nil, nil
}

func clearVerification(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	if f := requireEscrowOpen(next, req.Action); f != nil {
		return nil, nil, f
	}
	if next.VerificationCleared {
		return nil, nil, refuse(CodeDuplicate, "verification already cleared")
	}
	if env.VerificationStatus != reference.VerificationVerified {
		return nil, nil, refuse(CodePrecondition, "verification case %s is %s, must be VERIFIED",
			next.VerificationCaseID, orUnknown(string(env.VerificationStatus)))
	}
	next.VerificationCleared = true
	entry := newEntry(next, EventVerificationCleared, req.Actor(),
		fmt.Sprintf("verification case %s cleared", next.VerificationCaseID),
		req.EvidenceIDs, now, nil)
	return []LedgerEntry{entry}, nil, nil
}

func authorize(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	if next.Status != StatusEscrowOpen {
		return nil, nil, refuse(CodeInvalidState, "authorization requires ESCROW_OPEN, settlement is %s", next.Status)
	}

	blockers := []string{}
	warnings := []string{}
	if !next.FundsConfirmedFinal {
		blockers = append(blockers, "funds not confirmed final")
	}
	if !next.GoldAllocated {
		blockers = append(blockers, "gold not allocated")
	}
	if !next.VerificationCleared {
		blockers = append(blockers, "verification not cleared")
	}

	switch env.CorridorStatus {
	case reference.CorridorActive:
	case reference.CorridorRestricted:
		warnings = append(warnings, fmt.Sprintf("corridor %s is RESTRICTED", next.CorridorID))
	default:
		blockers = append(blockers, fmt.Sprintf("corridor %s is %s", next.CorridorID, orUnknown(string(env.CorridorStatus))))
	}

	switch env.HubStatus {
	case reference.HubOperational:
	case reference.HubDegraded:
		warnings = append(warnings, fmt.Sprintf("hub %s is DEGRADED", next.HubID))
	default:
		blockers = append(blockers, fmt.Sprintf("hub %s is %s", next.HubID, orUnknown(string(env.HubStatus))))
	}

	if len(blockers) > 0 {
		return nil, nil, refuse(CodePrecondition, "authorization blocked: %s", strings.Join(blockers, "; "))
	}

	next.Status = StatusAuthorized
	next.AuthorizedAt = &now
	snap := checkSnapshot(next, blockers, warnings)
	entry := newEntry(next, EventAuthorization, req.Actor(),
		fmt.Sprintf("settlement authorized, checks %s", snap.ChecksStatus),
		req.EvidenceIDs, now, snap)
	return []LedgerEntry{entry}, nil, nil
}

// executeDvP builds the journal before touching the case. journal.NewDvP
// panics on an unbalanced posting, leaving the case AUTHORIZED.
func executeDvP(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	if next.Status != StatusAuthorized {
		return nil, nil, refuse(CodeInvalidState, "DvP requires AUTHORIZED, settlement is %s", next.Status)
	}

	routing := rails.Route(next.NotionalCents)
	j := journal.NewDvP(next.SettlementID, next.Currency, next.NotionalCents, next.PlatformFeeCents, now)

	next.Status = StatusSettled
	next.SettledAt = &now
	next.PaymentRail = routing.PaymentRail
	next.Logistics = routing.Logistics

	snap := checkSnapshot(next, nil, nil)
	snap.Routing = &routing
	executed := newEntry(next, EventDvPExecuted, types.SystemActor,
		fmt.Sprintf("funds and title for %s oz released against %s via %s, %s, requested by %s",
			next.WeightOz.String(), formatCents(next.NotionalCents, next.Currency),
			routing.PaymentRail, routing.Logistics, req.ActorUserID),
		req.EvidenceIDs, now, snap)
	posted := newEntry(next, EventJournalPosted, types.SystemActor,
		fmt.Sprintf("clearing journal %s posted, debits %d credits %d", j.IdempotencyKey, j.TotalDebitCents, j.TotalCreditCents),
		nil, now, nil)
	posted.JournalID = j.JournalID
	return []LedgerEntry{executed, posted}, &j, nil
}

func failSettlement(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	reason, f := requireReason(req)
	if f != nil {
		return nil, nil, f
	}
	from := next.Status
	next.Status = StatusFailed
	next.ClosedReason = reason
	entry := newEntry(next, EventSettlementFailed, req.Actor(),
		fmt.Sprintf("failed from %s: %s", from, reason), req.EvidenceIDs, now, nil)
	return []LedgerEntry{entry}, nil, nil
}

func cancelSettlement(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	reason, f := requireReason(req)
	if f != nil {
		return nil, nil, f
	}
	from := next.Status
	next.Status = StatusCancelled
	next.ClosedReason = reason
	entry := newEntry(next, EventSettlementCancelled, req.Actor(),
		fmt.Sprintf("cancelled from %s: %s", from, reason), req.EvidenceIDs, now, nil)
	return []LedgerEntry{entry}, nil, nil
}

func resolveAmbiguous(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	if next.Status != StatusAmbiguous {
		return nil, nil, refuse(CodeInvalidState, "only AMBIGUOUS_STATE settlements can be resolved, settlement is %s", next.Status)
	}
	reason, f := requireReason(req)
	if f != nil {
		return nil, nil, f
	}
	next.Status = StatusEscrowOpen
	entry := newEntry(next, EventAmbiguousResolved, req.Actor(),
		"reconciled, returned to ESCROW_OPEN: "+reason, req.EvidenceIDs, now, nil)
	return []LedgerEntry{entry}, nil, nil
}

func reverseSettlement(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	if next.Status != StatusSettled {
		return nil, nil, refuse(CodeInvalidState, "only SETTLED settlements can be reversed, settlement is %s", next.Status)
	}
	reason, f := requireReason(req)
	if f != nil {
		return nil, nil, f
	}
	next.Status = StatusReversed
	next.ReversedAt = &now
	next.ReversalReason = reason
	entry := newEntry(next, EventSettlementReversed, req.Actor(),
		"reversed: "+reason, req.EvidenceIDs, now, nil)
	return []LedgerEntry{entry}, nil, nil
}

func quoteFees(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	if next.Status != StatusEscrowOpen {
		return nil, nil, refuse(CodeInvalidState, "fees can only be quoted while ESCROW_OPEN, settlement is %s", next.Status)
	}
	existing := next.Quote()
	if existing != nil && existing.Frozen {
		return nil, nil, refuse(CodeInvalidState, "fee quote was frozen at payment capture")
	}

	q, _, err := fees.Recalculate(existing, fees.QuoteRequest{
		NotionalCents:  next.NotionalCents,
		SelectedAddOns: req.AddOns,
		Config:         env.Pricing,
		Now:            now,
	})
	if err != nil {
		return nil, nil, refuse(CodeInvalidFeeQuote, "%v", err)
	}

	next.FeeQuote = datatypes.NewJSONType(&q)
	next.FeeApprovedBy = ""
	next.FeeApprovedAt = nil
	next.ActivationStatus = ActivationQuoted
	if q.RequiresManualApproval {
		next.ActivationStatus = ActivationAwaitingApproval
	}

	entry := newEntry(next, EventFeeQuoted, req.Actor(),
		fmt.Sprintf("fees quoted at %s total due, %d line items, activation %s",
			formatCents(q.TotalDueCents, q.Currency), len(q.LineItems), next.ActivationStatus),
		req.EvidenceIDs, now, nil)
	return []LedgerEntry{entry}, nil, nil
}

func approveFees(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	if next.ActivationStatus != ActivationAwaitingApproval {
		return nil, nil, refuse(CodeInvalidState, "fee approval requires awaiting_approval, activation is %s", activationLabel(next.ActivationStatus))
	}
	next.ActivationStatus = ActivationQuoted
	next.FeeApprovedBy = req.ActorUserID
	next.FeeApprovedAt = &now
	entry := newEntry(next, EventFeeApproved, req.Actor(), "fee quote approved", req.EvidenceIDs, now, nil)
	return []LedgerEntry{entry}, nil, nil
}

func capturePayment(next *SettlementCase, req ActionRequest, env Environment, now time.Time) ([]LedgerEntry, *journal.Journal, *ActionError) {
	if next.Status != StatusEscrowOpen {
		return nil, nil, refuse(CodeInvalidState, "payment can only be captured while ESCROW_OPEN, settlement is %s", next.Status)
	}
	q := next.Quote()
	if q == nil {
		return nil, nil, refuse(CodeFeeQuoteRequired, "fees must be quoted before payment capture")
	}
	if next.ActivationStatus != ActivationQuoted {
		return nil, nil, refuse(CodeInvalidState, "payment capture requires quoted, activation is %s", activationLabel(next.ActivationStatus))
	}

	frozen := fees.Freeze(*q, now)
	next.FeeQuote = datatypes.NewJSONType(&frozen)
	next.ActivationStatus = ActivationActivated
	next.ActivatedAt = &now
	entry := newEntry(next, EventPaymentCaptured, req.Actor(),
		fmt.Sprintf("payment of %s captured, fee quote frozen", formatCents(frozen.TotalDueCents, frozen.Currency)),
		req.EvidenceIDs, now, nil)
	return []LedgerEntry{entry}, nil, nil
}

func requireEscrowOpen(c *SettlementCase, a Action) *ActionError {
	if c.Status != StatusEscrowOpen {
		return refuse(CodeInvalidState, "%s is only accepted while ESCROW_OPEN, settlement is %s", a, c.Status)
	}
	return nil
}

func requireReason(req ActionRequest) (string, *ActionError) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return "", refuse(CodePrecondition, "%s requires a reason", req.Action)
	}
	return reason, nil
}

func checkSnapshot(c *SettlementCase, blockers, warnings []string) *CheckSnapshot {
	if blockers == nil {
		blockers = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	status := "PASS"
	if len(warnings) > 0 {
		status = "WARN"
	}
	return &CheckSnapshot{
		ChecksStatus:          status,
		FundsConfirmedFinal:   c.FundsConfirmedFinal,
		GoldAllocated:         c.GoldAllocated,
		VerificationCleared:   c.VerificationCleared,
		CapitalBaseCents:      c.CapitalBaseCents,
		ExposureCoverageRatio: c.ExposureCoverageRatio,
		HardstopUtilization:   c.HardstopUtilization,
		Blockers:              blockers,
		Warnings:              warnings,
	}
}

func newEntry(c *SettlementCase, event LedgerEvent, actor types.Actor, detail string, evidence []string, at time.Time, snap *CheckSnapshot) LedgerEntry {
	if evidence == nil {
		evidence = []string{}
	}
	return LedgerEntry{
		EntryID:      "LED_" + uuid.New().String(),
		SettlementID: c.SettlementID,
		Event:        event,
		OccurredAt:   at,
		ActorUserID:  actor.UserID,
		ActorRole:    actor.Role,
		ActorName:    actor.Name,
		Detail:       detail,
		EvidenceIDs:  datatypes.JSONSlice[string](evidence),
		Snapshot:     datatypes.NewJSONType(snap),
	}
}

func formatCents(cents int64, currency string) string {
	return decimal.New(cents, -2).StringFixed(2) + " " + currency
}

func activationLabel(s ActivationStatus) string {
	if s == "" {
		return string(ActivationNone)
	}
	return string(s)
}

func orUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}
