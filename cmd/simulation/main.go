package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-bullion/internal/settlement"
	"github.com/ksred/klear-bullion/internal/types"
)

const (
	minScenarios = 10
	maxScenarios = 60
	numWorkers   = 5
)

var (
	corridors = []string{"COR_US_CH", "COR_UK_SG"}
	hubs      = []string{"HUB_ZRH", "HUB_SGP", "HUB_LDN"}
	addOns    = []string{"ASSAY_VERIFICATION", "EXPEDITED_SETTLEMENT", "ARMORED_TRANSPORT"}

	// actors the simulation logs in as, using the server's demo credentials
	simRoles = []types.Role{
		types.RoleAdmin, types.RoleTreasury, types.RoleCompliance,
		types.RoleVaultOps, types.RoleBuyer, types.RoleSystem,
	}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// apiError is the error envelope returned by the server
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// simulationClient drives the clearing API over HTTP
type simulationClient struct {
	baseURL string
	client  *http.Client
	tokens  map[types.Role]string

	statsMu sync.Mutex
	stats   map[string]*routeStats
}

// newSimulationClient logs in once per role
func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		tokens:  make(map[types.Role]string),
		stats:   make(map[string]*routeStats),
	}

	for _, role := range simRoles {
		var token struct {
			Token string `json:"jwt_token"`
		}
		body := map[string]string{"api_key": string(role) + "-key", "api_secret": string(role) + "-secret"}
		if err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", "", body, &token); err != nil {
			return nil, fmt.Errorf("failed to authenticate as %s: %w", role, err)
		}
		sc.tokens[role] = token.Token
	}
	return sc, nil
}

func (sc *simulationClient) statsFor(route string) *routeStats {
	sc.statsMu.Lock()
	defer sc.statsMu.Unlock()
	rs, ok := sc.stats[route]
	if !ok {
		rs = &routeStats{name: route}
		sc.stats[route] = rs
	}
	return rs
}

// call sends one request and decodes the data field of the response into out
func (sc *simulationClient) call(route, method, path, token string, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		sc.statsFor(route).record(time.Since(start), err != nil)
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *apiError       `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode >= 300 || !envelope.Success {
		if envelope.Error == nil {
			envelope.Error = &apiError{Message: string(respBody)}
		}
		envelope.Error.Status = resp.StatusCode
		return envelope.Error
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

func (sc *simulationClient) act(settlementID string, role types.Role, action settlement.Action, extra map[string]interface{}) error {
	body := map[string]interface{}{"action": action, "reason": "simulation"}
	for k, v := range extra {
		body[k] = v
	}
	return sc.call(string(action), http.MethodPost, "/api/v1/settlements/"+settlementID+"/actions", sc.tokens[role], body, nil)
}

// outcome is how a scenario ended
type outcome string

const (
	outcomeSettled   outcome = "SETTLED"
	outcomeOnRail    outcome = "ON_RAIL"
	outcomeCancelled outcome = "CANCELLED"
	outcomeFailed    outcome = "FAILED"
)

// runScenario takes one order from reservation to a terminal or rail state
func (sc *simulationClient) runScenario(workerID int) (outcome, int64, error) {
	weight := decimal.NewFromInt(int64(rand.Intn(400) + 1)).Div(decimal.NewFromInt(4))
	price := int64(230_000 + rand.Intn(20_000))
	hub := hubs[rand.Intn(len(hubs))]
	listing := fmt.Sprintf("LST_%d_%d", workerID, rand.Intn(1000))

	var reservation types.Reservation
	if err := sc.call("reserve", http.MethodPost, "/api/v1/reservations", sc.tokens[types.RoleBuyer],
		map[string]interface{}{"listing_id": listing, "weight_oz": weight}, &reservation); err != nil {
		return outcomeFailed, 0, fmt.Errorf("reserve: %w", err)
	}

	var order types.Order
	if err := sc.call("order", http.MethodPost, "/api/v1/orders", sc.tokens[types.RoleBuyer], map[string]interface{}{
		"reservation_id":       reservation.ReservationID,
		"listing_id":           listing,
		"seller_id":            fmt.Sprintf("usr_seller_%d", workerID),
		"corridor_id":          corridors[rand.Intn(len(corridors))],
		"hub_id":               hub,
		"verification_case_id": "VRF_DEMO_VERIFIED",
		"weight_oz":            weight,
		"locked_price_cents":   price,
	}, &order); err != nil {
		return outcomeFailed, 0, fmt.Errorf("order: %w", err)
	}

	if err := sc.call("convert", http.MethodPost, "/api/v1/orders/"+order.OrderID+"/reservation", sc.tokens[types.RoleBuyer], nil, nil); err != nil {
		return outcomeFailed, order.NotionalCents, fmt.Errorf("convert: %w", err)
	}
	if err := sc.call("allocate", http.MethodPost, "/api/v1/orders/"+order.OrderID+"/allocations", sc.tokens[types.RoleVaultOps], map[string]interface{}{
		"vault_hub_id": hub,
		"weight_oz":    weight,
		"bar_serials":  []string{fmt.Sprintf("%s-%06d", hub, rand.Intn(1_000_000))},
	}, nil); err != nil {
		return outcomeFailed, order.NotionalCents, fmt.Errorf("allocate: %w", err)
	}

	var opened settlement.SettlementCase
	if err := sc.call("open", http.MethodPost, "/api/v1/settlements", sc.tokens[types.RoleTreasury],
		map[string]string{"order_id": order.OrderID}, &opened); err != nil {
		return outcomeFailed, order.NotionalCents, fmt.Errorf("open: %w", err)
	}
	id := opened.SettlementID

	steps := []struct {
		role   types.Role
		action settlement.Action
		extra  map[string]interface{}
	}{
		{types.RoleBuyer, settlement.ActionQuoteFees, map[string]interface{}{"add_ons": []string{addOns[rand.Intn(len(addOns))]}}},
		{types.RoleTreasury, settlement.ActionCapturePayment, nil},
		{types.RoleTreasury, settlement.ActionConfirmFundsFinal, nil},
		{types.RoleVaultOps, settlement.ActionAllocateGold, nil},
		{types.RoleCompliance, settlement.ActionMarkVerificationCleared, nil},
		{types.RoleCompliance, settlement.ActionAuthorizeSettlement, nil},
	}
	for _, step := range steps {
		if err := sc.act(id, step.role, step.action, step.extra); err != nil {
			return outcomeFailed, order.NotionalCents, fmt.Errorf("%s: %w", step.action, err)
		}
	}

	switch roll := rand.Float64(); {
	case roll < 0.15:
		if err := sc.act(id, types.RoleBuyer, settlement.ActionCancelSettlement, nil); err != nil {
			return outcomeFailed, order.NotionalCents, err
		}
		return outcomeCancelled, order.NotionalCents, nil
	case roll < 0.35:
		if err := sc.call("rail_submit", http.MethodPost, "/api/v1/internal/rails/"+id+"/submit", sc.tokens[types.RoleSystem], nil, nil); err != nil {
			return outcomeFailed, order.NotionalCents, err
		}
		return outcomeOnRail, order.NotionalCents, nil
	default:
		if err := sc.act(id, types.RoleTreasury, settlement.ActionExecuteDvP, nil); err != nil {
			return outcomeFailed, order.NotionalCents, err
		}
		return outcomeSettled, order.NotionalCents, nil
	}
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	names := make([]string, 0, len(sc.stats))
	for name := range sc.stats {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 110))
	fmt.Printf("%-30s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 110))

	for _, name := range names {
		stats := sc.stats[name]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-30s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 110))
}

// main drives concurrent settlement lifecycles against a running server
func main() {
	baseURL := os.Getenv("SIM_SERVER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	simClient, err := newSimulationClient(baseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// start from a healthy capital position so nothing is gated
	if err := simClient.call("capital_snapshot", http.MethodPost, "/api/v1/capital/snapshots", simClient.tokens[types.RoleAdmin],
		map[string]interface{}{"capital_base_cents": 5_000_000_000, "exposure_cents": 2_000_000_000, "hardstop_utilization": 0.4}, nil); err != nil {
		log.Fatal().Err(err).Msg("Failed to record capital snapshot")
	}

	target := rand.Intn(maxScenarios-minScenarios) + minScenarios
	log.Info().Int("target_scenarios", target).Str("server", baseURL).Msg("Starting simulation")

	var (
		mu       sync.Mutex
		outcomes = make(map[outcome]int)
		notional int64
		wg       sync.WaitGroup
	)
	start := time.Now()

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for n := 0; n < target/numWorkers; n++ {
				result, cents, err := simClient.runScenario(workerID)
				if err != nil {
					log.Error().Err(err).Int("worker_id", workerID).Msg("Scenario failed")
				}

				mu.Lock()
				outcomes[result]++
				if result == outcomeSettled {
					notional += cents
				}
				mu.Unlock()

				time.Sleep(time.Duration(rand.Intn(250)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SETTLEMENT SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	total := 0
	for _, o := range []outcome{outcomeSettled, outcomeOnRail, outcomeCancelled, outcomeFailed} {
		total += outcomes[o]
		fmt.Printf("%-12s %5d %s\n", o, outcomes[o], strings.Repeat("#", outcomes[o]))
	}
	fmt.Printf("\nSettled notional: $%s\nDuration:         %v\n",
		decimal.New(notional, -2).StringFixed(2), duration.Round(time.Millisecond))

	log.Info().
		Int("scenarios", total).
		Int("settled", outcomes[outcomeSettled]).
		Int("failed", outcomes[outcomeFailed]).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}
