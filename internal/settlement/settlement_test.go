package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-bullion/internal/capital"
	"github.com/ksred/klear-bullion/internal/fees"
	"github.com/ksred/klear-bullion/internal/journal"
	"github.com/ksred/klear-bullion/internal/metrics"
	"github.com/ksred/klear-bullion/internal/orders"
	"github.com/ksred/klear-bullion/internal/rails"
	"github.com/ksred/klear-bullion/internal/reference"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/ksred/klear-bullion/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	serviceNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	admin      = types.Actor{UserID: "usr_admin_1", Role: types.RoleAdmin, Name: "Ops Admin"}
	treasury   = types.Actor{UserID: "usr_treasury_1", Role: types.RoleTreasury}
	compliance = types.Actor{UserID: "usr_compliance_1", Role: types.RoleCompliance}
	vaultOps   = types.Actor{UserID: "usr_vault_1", Role: types.RoleVaultOps}
	buyer      = types.Actor{UserID: "usr_buyer_1", Role: types.RoleBuyer}

	healthy = capital.Snapshot{CapitalBaseCents: 500_000_000, ExposureCents: 200_000_000, ExposureCoverageRatio: 2.5, HardstopUtilization: 0.40}
	halted  = capital.Snapshot{CapitalBaseCents: 500_000_000, ExposureCents: 560_000_000, ExposureCoverageRatio: 0.89, HardstopUtilization: 0.40}
)

type fixture struct {
	db      *gorm.DB
	svc     *Service
	capital *capital.Service
	metrics *metrics.Metrics
}

type fakeRail struct {
	outcomes map[string]rails.Outcome
}

func (r *fakeRail) Submit(_ context.Context, settlementID string, routing rails.Routing) (string, error) {
	return routing.PaymentRail + "-" + settlementID, nil
}

func (r *fakeRail) Poll(_ context.Context, settlementID string) (rails.Outcome, error) {
	outcome, ok := r.outcomes[settlementID]
	if !ok {
		return "", rails.ErrUnknownSubmission
	}
	return outcome, nil
}

type failingIssuer struct{}

func (failingIssuer) Issue(context.Context, SettlementCase) (*Certificate, error) {
	return nil, errors.New("registry unavailable")
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Order{}, &types.Reservation{}, &types.Allocation{}, &types.IdempotencyRecord{},
		&reference.Corridor{}, &reference.Hub{}, &reference.VerificationCase{},
		&capital.Snapshot{}, &capital.Override{}, &capital.AuditEvent{},
		&journal.Journal{}, &journal.Entry{},
		&SettlementCase{}, &LedgerEntry{}, &Certificate{},
	))
	return db
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	db := newTestDB(t)
	clock := func() time.Time { return serviceNow }

	m := metrics.New(prometheus.NewRegistry())
	capitalSvc := capital.NewService(db, capital.WithClock(clock), capital.WithMetrics(m))
	healthyAt := healthy
	healthyAt.CapturedAt = serviceNow.Add(-time.Hour)
	_, err := capitalSvc.RecordSnapshot(ctx, healthyAt)
	require.NoError(t, err)

	directory := reference.NewService(db)
	require.NoError(t, directory.Seed(ctx))

	opts = append([]Option{WithClock(clock), WithMetrics(m), WithRailClient(&fakeRail{outcomes: map[string]rails.Outcome{}})}, opts...)
	svc := NewService(db, orders.NewService(db, nil), directory, capitalSvc, opts...)
	return &fixture{db: db, svc: svc, capital: capitalSvc, metrics: m}
}

// seedOrder stores a confirmed, fully allocated $100,000 order
func (f *fixture) seedOrder(t *testing.T, orderID string) {
	t.Helper()
	require.NoError(t, f.db.Create(&types.Order{
		OrderID:            orderID,
		ListingID:          "LST_1",
		BuyerID:            buyer.UserID,
		SellerID:           "usr_seller_1",
		CorridorID:         "COR_US_CH",
		HubID:              "HUB_ZRH",
		VaultHubID:         "HUB_ZRH",
		VerificationCaseID: "VRF_DEMO_VERIFIED",
		WeightOz:           decimal.NewFromInt(40),
		LockedPriceCents:   250_000,
		NotionalCents:      10_000_000,
		Currency:           "USD",
		Status:             types.OrderStatusConfirmed,
		PlacedAt:           serviceNow.Add(-2 * time.Hour),
	}).Error)
	require.NoError(t, f.db.Create(&types.Allocation{
		AllocationID: "ALC_" + orderID,
		OrderID:      orderID,
		VaultHubID:   "HUB_ZRH",
		WeightOz:     decimal.NewFromInt(40),
		BarSerials:   "ZRH-0001,ZRH-0002",
		AllocatedAt:  serviceNow.Add(-time.Hour),
	}).Error)
}

func (f *fixture) open(t *testing.T, orderID string) *SettlementCase {
	t.Helper()
	f.seedOrder(t, orderID)
	c, err := f.svc.Open(context.Background(), orderID, treasury)
	require.NoError(t, err)
	return c
}

func (f *fixture) act(t *testing.T, settlementID string, action Action, actor types.Actor, addOns ...string) Result {
	t.Helper()
	res, err := f.svc.ProcessAction(context.Background(), ActionRequest{
		SettlementID: settlementID,
		Action:       action,
		ActorUserID:  actor.UserID,
		ActorRole:    actor.Role,
		ActorName:    actor.Name,
		Reason:       "operator note",
		AddOns:       addOns,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) mustAct(t *testing.T, settlementID string, action Action, actor types.Actor, addOns ...string) *Outcome {
	t.Helper()
	res := f.act(t, settlementID, action, actor, addOns...)
	require.True(t, res.OK(), "%s failed: %+v", action, res.Failure)
	return res.Outcome
}

// authorize drives an open settlement through fee capture and the three
// preconditions to AUTHORIZED
func (f *fixture) authorize(t *testing.T, settlementID string) {
	t.Helper()
	f.mustAct(t, settlementID, ActionQuoteFees, buyer, fees.AddOnAssayVerification)
	f.mustAct(t, settlementID, ActionCapturePayment, treasury)
	f.mustAct(t, settlementID, ActionConfirmFundsFinal, treasury)
	f.mustAct(t, settlementID, ActionAllocateGold, vaultOps)
	f.mustAct(t, settlementID, ActionMarkVerificationCleared, compliance)
	out := f.mustAct(t, settlementID, ActionAuthorizeSettlement, compliance)
	require.Equal(t, StatusAuthorized, out.Settlement.Status)
}

func ledgerEvents(entries []LedgerEntry) []LedgerEvent {
	out := make([]LedgerEvent, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}

func TestService_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.open(t, "ORD_1")
	assert.Equal(t, StatusEscrowOpen, c.Status)
	assert.Equal(t, capital.HashSnapshot(func() capital.Snapshot {
		s, _ := f.capital.CurrentSnapshot(ctx)
		return s
	}()), c.CapitalSnapshotHash)

	order, err := orders.NewService(f.db, nil).GetOrder(ctx, "ORD_1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusSettlementOpen, order.Status)

	f.authorize(t, c.SettlementID)
	out := f.mustAct(t, c.SettlementID, ActionExecuteDvP, admin)
	assert.Equal(t, StatusSettled, out.Settlement.Status)
	require.NotNil(t, out.Journal)

	stored, err := f.svc.Get(ctx, c.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, stored.Status)
	assert.Equal(t, int64(8), stored.Version)
	assert.Equal(t, "WIRE_PRIORITY", stored.PaymentRail)
	assert.Equal(t, ActivationActivated, stored.ActivationStatus)
	require.NotNil(t, stored.Quote())
	assert.True(t, stored.Quote().Frozen)
	assert.Equal(t, int64(60_000), stored.Quote().TotalDueCents)

	ledger, err := f.svc.Ledger(ctx, c.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, []LedgerEvent{
		EventSettlementOpened, EventFeeQuoted, EventPaymentCaptured,
		EventFundsConfirmed, EventGoldAllocated, EventVerificationCleared,
		EventAuthorization, EventDvPExecuted, EventJournalPosted,
	}, ledgerEvents(ledger))
	assert.Equal(t, out.Journal.JournalID, ledger[8].JournalID)
	assert.Equal(t, "PASS", ledger[6].Snapshot.Data().ChecksStatus)

	journals, err := f.svc.Journals(ctx, c.SettlementID)
	require.NoError(t, err)
	require.Len(t, journals, 1)
	assert.Equal(t, int64(10_000_000), journals[0].TotalDebitCents)
	assert.Equal(t, journals[0].TotalDebitCents, journals[0].TotalCreditCents)

	cert, err := f.svc.Certificate(ctx, c.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, buyer.UserID, cert.HolderID)
	assert.Equal(t, "ORD_1", cert.OrderID)
	assert.Len(t, cert.Fingerprint, 64)

	state, err := f.svc.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, state.Settlements, 1)
	assert.Len(t, state.Ledger, 9)
	assert.Len(t, state.ClearingJournals, 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.JournalsPosted))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ActionOutcome.WithLabelValues(string(ActionExecuteDvP), "OK")))

	// a settled case accepts only a reversal
	res := f.act(t, c.SettlementID, ActionCancelSettlement, admin)
	require.False(t, res.OK())
	assert.Equal(t, CodeTerminalState, res.Failure.Code)

	out = f.mustAct(t, c.SettlementID, ActionReverseSettlement, compliance)
	assert.Equal(t, StatusReversed, out.Settlement.Status)
}

func TestService_CapitalBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ORD_1")

	haltedAt := halted
	haltedAt.CapturedAt = serviceNow
	_, err := f.capital.RecordSnapshot(ctx, haltedAt)
	require.NoError(t, err)

	res := f.act(t, c.SettlementID, ActionAuthorizeSettlement, compliance)
	require.False(t, res.OK())
	assert.Equal(t, CodeBlocked, res.Failure.Code)

	// retrying within the minute does not add a second audit event
	res = f.act(t, c.SettlementID, ActionAuthorizeSettlement, compliance)
	assert.Equal(t, CodeBlocked, res.Failure.Code)

	events, err := f.capital.AuditEvents(ctx, capital.EventControlBlocked, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, capital.ActionSettlementAuthorize, events[0].ActionKey)
	assert.Equal(t, compliance.UserID, events[0].ActorID)

	stored, err := f.svc.Get(ctx, c.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscrowOpen, stored.Status)
	assert.Equal(t, int64(1), stored.Version)

	ledger, err := f.svc.Ledger(ctx, c.SettlementID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)

	// a forbidden caller is refused before the capital control is consulted
	res = f.act(t, c.SettlementID, ActionAuthorizeSettlement, buyer)
	assert.Equal(t, CodeForbiddenRole, res.Failure.Code)
	events, err = f.capital.AuditEvents(ctx, capital.EventControlBlocked, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// cancellation is not capital gated
	f.mustAct(t, c.SettlementID, ActionCancelSettlement, buyer)
}

func TestService_OpenBlockedByFrozenConversions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "ORD_1")

	haltedAt := halted
	haltedAt.CapturedAt = serviceNow
	_, err := f.capital.RecordSnapshot(ctx, haltedAt)
	require.NoError(t, err)

	_, err = f.svc.Open(ctx, "ORD_1", treasury)
	var blocked *capital.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, capital.ActionSettlementOpen, blocked.ActionKey)

	_, err = f.svc.db.GetSettlementByOrderID(ctx, "ORD_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_OpenViolations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "ORD_1")

	_, err := f.svc.Open(ctx, "ORD_1", treasury)
	var violation *InvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "one_settlement_per_order", violation.Invariant)

	_, err = f.svc.Open(ctx, "ORD_1", buyer)
	assert.ErrorIs(t, err, ErrOpenForbidden)

	_, err = f.svc.Open(ctx, "ORD_1", types.Actor{Role: types.RoleAdmin})
	assert.ErrorIs(t, err, ErrMissingIdentity)

	_, err = f.svc.Open(ctx, "ORD_MISSING", admin)
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)

	// under allocated
	require.NoError(t, f.db.Create(&types.Order{
		OrderID:          "ORD_2",
		BuyerID:          buyer.UserID,
		CorridorID:       "COR_US_CH",
		HubID:            "HUB_ZRH",
		WeightOz:         decimal.NewFromInt(10),
		LockedPriceCents: 250_000,
		NotionalCents:    2_500_000,
		Status:           types.OrderStatusConfirmed,
	}).Error)
	_, err = f.svc.Open(ctx, "ORD_2", admin)
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "allocation_covers_order", violation.Invariant)
}

func TestService_NotFound(t *testing.T) {
	f := newFixture(t)

	res := f.act(t, "STL_MISSING", ActionConfirmFundsFinal, treasury)
	require.False(t, res.OK())
	assert.Equal(t, CodeNotFound, res.Failure.Code)

	_, err := f.svc.Ledger(context.Background(), "STL_MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommit_StaleVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ORD_1")

	cancel := Engine{}.Apply(c, ActionRequest{SettlementID: c.SettlementID, Action: ActionCancelSettlement,
		ActorUserID: buyer.UserID, ActorRole: buyer.Role, Reason: "changed mind"}, Environment{}, serviceNow)
	fail := Engine{}.Apply(c, ActionRequest{SettlementID: c.SettlementID, Action: ActionFailSettlement,
		ActorUserID: treasury.UserID, ActorRole: treasury.Role, Reason: "funds bounced"}, Environment{}, serviceNow)
	require.True(t, cancel.OK())
	require.True(t, fail.OK())

	require.NoError(t, f.svc.db.Commit(ctx, c.Version, cancel.Outcome))
	assert.ErrorIs(t, f.svc.db.Commit(ctx, c.Version, fail.Outcome), ErrConcurrentUpdate)

	stored, err := f.svc.Get(ctx, c.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, "changed mind", stored.ClosedReason)
	assert.Equal(t, int64(2), stored.Version)

	ledger, err := f.svc.Ledger(ctx, c.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, []LedgerEvent{EventSettlementOpened, EventSettlementCancelled}, ledgerEvents(ledger))
}

func TestService_RailSweep(t *testing.T) {
	rail := &fakeRail{outcomes: map[string]rails.Outcome{}}
	f := newFixture(t, WithRailClient(rail))
	ctx := context.Background()

	cleared := f.open(t, "ORD_1")
	lost := f.open(t, "ORD_2")
	pending := f.open(t, "ORD_3")
	for _, c := range []*SettlementCase{cleared, lost, pending} {
		f.authorize(t, c.SettlementID)
	}

	res, err := f.svc.SubmitToRail(ctx, cleared.SettlementID, buyer)
	require.NoError(t, err)
	assert.Equal(t, CodeForbiddenRole, res.Failure.Code)

	for _, c := range []*SettlementCase{cleared, lost, pending} {
		res, err := f.svc.SubmitToRail(ctx, c.SettlementID, types.SystemActor)
		require.NoError(t, err)
		require.True(t, res.OK())
		assert.Equal(t, StatusProcessingRail, res.Outcome.Settlement.Status)
		assert.Equal(t, "WIRE_PRIORITY-"+c.SettlementID, res.Outcome.Settlement.RailReference)
	}

	rail.outcomes[cleared.SettlementID] = rails.OutcomeCleared
	rail.outcomes[pending.SettlementID] = rails.OutcomePending

	n, err := f.svc.SweepRails(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]Status{
		cleared.SettlementID: StatusAuthorized,
		lost.SettlementID:    StatusAmbiguous,
		pending.SettlementID: StatusProcessingRail,
	} {
		stored, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, stored.Status, id)
	}

	// the ambiguous case only accepts resolution, failure or cancellation
	res = f.act(t, lost.SettlementID, ActionExecuteDvP, admin)
	assert.Equal(t, CodeAmbiguousLocked, res.Failure.Code)
	out := f.mustAct(t, lost.SettlementID, ActionResolveAmbiguous, treasury)
	assert.Equal(t, StatusEscrowOpen, out.Settlement.Status)

	// the cleared case goes on to DvP
	out = f.mustAct(t, cleared.SettlementID, ActionExecuteDvP, treasury)
	assert.Equal(t, StatusSettled, out.Settlement.Status)

	res, err = f.svc.ConfirmRail(ctx, pending.SettlementID, rails.OutcomeRejected, admin)
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, StatusFailed, res.Outcome.Settlement.Status)
	assert.Equal(t, "rejected by WIRE_PRIORITY", res.Outcome.Settlement.ClosedReason)
}

func TestService_CertificateFailureDoesNotUndoSettlement(t *testing.T) {
	f := newFixture(t, WithCertificateIssuer(failingIssuer{}))
	ctx := context.Background()

	c := f.open(t, "ORD_1")
	f.authorize(t, c.SettlementID)
	out := f.mustAct(t, c.SettlementID, ActionExecuteDvP, admin)
	assert.Equal(t, StatusSettled, out.Settlement.Status)

	stored, err := f.svc.Get(ctx, c.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, stored.Status)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CertificateFailures))
	_, err = f.svc.Certificate(ctx, c.SettlementID)
	assert.ErrorIs(t, err, ErrCertificateNotFound)
}

func TestDatabaseIssuer_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.open(t, "ORD_1")
	f.authorize(t, c.SettlementID)
	f.mustAct(t, c.SettlementID, ActionExecuteDvP, admin)

	stored, err := f.svc.Get(ctx, c.SettlementID)
	require.NoError(t, err)

	issuer := NewDatabaseIssuer(f.svc.db)
	first, err := f.svc.Certificate(ctx, c.SettlementID)
	require.NoError(t, err)
	again, err := issuer.Issue(ctx, *stored)
	require.NoError(t, err)
	assert.Equal(t, first.CertificateID, again.CertificateID)
	assert.Equal(t, first.Fingerprint, again.Fingerprint)

	open := *stored
	open.Status = StatusAuthorized
	_, err = issuer.Issue(ctx, open)
	assert.Error(t, err)
}

func TestProcessor_RunOnce(t *testing.T) {
	rail := &fakeRail{outcomes: map[string]rails.Outcome{}}
	f := newFixture(t, WithRailClient(rail))
	ctx := context.Background()

	c := f.open(t, "ORD_1")
	f.authorize(t, c.SettlementID)
	_, err := f.svc.SubmitToRail(ctx, c.SettlementID, types.SystemActor)
	require.NoError(t, err)
	rail.outcomes[c.SettlementID] = rails.OutcomeCleared

	var extraRuns int
	p := NewProcessor(f.svc, 0, Sweep{Name: "broken", Run: func(context.Context) (int, error) {
		extraRuns++
		return 0, errors.New("boom")
	}})
	assert.Equal(t, 30*time.Second, p.processDelay)

	p.RunOnce(ctx)
	assert.Equal(t, 1, extraRuns)

	stored, err := f.svc.Get(ctx, c.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, stored.Status)
}

func TestGinHandlers_Action(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	c := f.open(t, "ORD_1")
	handlers := NewGinHandlers(f.svc)

	do := func(actor types.Actor, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
		router := gin.New()
		router.POST("/settlements/:settlement_id/actions", middleware.WithActor(actor), handlers.ActionHandler())
		req := httptest.NewRequest(http.MethodPost, "/settlements/"+c.SettlementID+"/actions", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
		return w, payload
	}

	w, payload := do(buyer, `{"action":"EXECUTE_DVP"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	apiErr := payload["error"].(map[string]interface{})
	assert.Equal(t, "FORBIDDEN_ROLE", apiErr["code"])
	assert.Equal(t, []interface{}{"admin", "treasury"}, apiErr["allowed_roles"])

	w, payload = do(types.Actor{}, `{"action":"EXECUTE_DVP"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "MISSING_IDENTITY", payload["error"].(map[string]interface{})["code"])

	w, _ = do(admin, `{"action":"AUTHORIZE_SETTLEMENT"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, payload = do(admin, `{"action":"CANCEL_SETTLEMENT","reason":"duplicate order"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, payload["success"])
	settlement := payload["data"].(map[string]interface{})["settlement"].(map[string]interface{})
	assert.Equal(t, "CANCELLED", settlement["status"])
}

func TestGinHandlers_Export(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.open(t, "ORD_1")
	handlers := NewGinHandlers(f.svc)

	for actor, want := range map[types.Actor]int{buyer: http.StatusForbidden, compliance: http.StatusOK} {
		router := gin.New()
		router.GET("/clearing/state", middleware.WithActor(actor), handlers.ExportHandler())
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/clearing/state", nil))
		assert.Equal(t, want, w.Code, actor.Role)
	}
}
