package capital

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Thresholds are the trigger points for each non-normal mode. A mode applies
// when the coverage ratio falls below its floor or hardstop utilization
// reaches its ceiling.
type Thresholds struct {
	ThrottleECRFloor      float64
	ThrottleHardstop      float64
	FreezeConvECRFloor    float64
	FreezeConvHardstop    float64
	FreezeMarketECRFloor  float64
	FreezeMarketHardstop  float64
	EmergencyECRFloor     float64
	EmergencyHardstopCeil float64
}

// DefaultThresholds returns the production trigger points
func DefaultThresholds() Thresholds {
	return Thresholds{
		ThrottleECRFloor:      1.50,
		ThrottleHardstop:      0.75,
		FreezeConvECRFloor:    1.25,
		FreezeConvHardstop:    0.85,
		FreezeMarketECRFloor:  1.10,
		FreezeMarketHardstop:  0.95,
		EmergencyECRFloor:     1.00,
		EmergencyHardstopCeil: 1.00,
	}
}

// severity orders modes from least to most severe
var severity = map[Mode]int{
	ModeNormal:               0,
	ModeThrottleReservations: 1,
	ModeFreezeConversions:    2,
	ModeFreezeMarketplace:    3,
	ModeEmergencyHalt:        4,
}

// Severity returns the rank of a mode, -1 when unknown
func Severity(m Mode) int {
	if s, ok := severity[m]; ok {
		return s
	}
	return -1
}

// AllActionKeys lists every key the gate knows about
var AllActionKeys = []ActionKey{
	ActionReservationCreate,
	ActionReservationConvert,
	ActionListingCreate,
	ActionListingPublish,
	ActionSettlementOpen,
	ActionPaymentCapture,
	ActionSettlementAuthorize,
	ActionSettlementExecuteDvP,
	ActionWithdrawalRequest,
}

// blockedFrom is the least severe mode at which each action key is blocked.
// Blocks are cumulative: a key blocked at one mode stays blocked at every
// more severe mode.
var blockedFrom = map[ActionKey]Mode{
	ActionReservationCreate:    ModeThrottleReservations,
	ActionReservationConvert:   ModeFreezeConversions,
	ActionSettlementOpen:       ModeFreezeConversions,
	ActionListingCreate:        ModeFreezeMarketplace,
	ActionListingPublish:       ModeFreezeMarketplace,
	ActionWithdrawalRequest:    ModeFreezeMarketplace,
	ActionPaymentCapture:       ModeEmergencyHalt,
	ActionSettlementAuthorize:  ModeEmergencyHalt,
	ActionSettlementExecuteDvP: ModeEmergencyHalt,
}

// globallyOverridable are the modes in which a GLOBAL override may be issued
var globallyOverridable = map[Mode]bool{
	ModeThrottleReservations: true,
	ModeFreezeConversions:    true,
}

// GloballyOverridable reports whether GLOBAL overrides may be created in mode m
func GloballyOverridable(m Mode) bool {
	return globallyOverridable[m]
}

// KnownActionKey reports whether key is a gate action key
func KnownActionKey(key ActionKey) bool {
	_, ok := blockedFrom[key]
	return ok
}

var ErrInvalidSnapshot = errors.New("invalid capital snapshot")

// ValidateSnapshot rejects snapshots with negative or non-finite figures
func ValidateSnapshot(s Snapshot) error {
	if s.ExposureCents < 0 {
		return fmt.Errorf("%w: exposure_cents %d is negative", ErrInvalidSnapshot, s.ExposureCents)
	}
	for name, v := range map[string]float64{
		"exposure_coverage_ratio": s.ExposureCoverageRatio,
		"hardstop_utilization":    s.HardstopUtilization,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidSnapshot, name)
		}
	}
	return nil
}

// BlocksFor returns the block map for a mode, with every known key present
func BlocksFor(m Mode) map[ActionKey]bool {
	blocks := make(map[ActionKey]bool, len(AllActionKeys))
	rank := Severity(m)
	for _, key := range AllActionKeys {
		blocks[key] = rank > 0 && rank >= Severity(blockedFrom[key])
	}
	return blocks
}

// Evaluate computes the canonical decision for a snapshot
func Evaluate(s Snapshot, t Thresholds) Decision {
	mode := ModeNormal
	var reasons []string

	ecr := s.ExposureCoverageRatio
	hard := s.HardstopUtilization
	// nothing to cover, so no coverage floor can be breached
	if s.ExposureCents == 0 && ecr == 0 {
		ecr = math.Inf(1)
	}

	switch {
	case ecr < t.EmergencyECRFloor || hard >= t.EmergencyHardstopCeil:
		mode = ModeEmergencyHalt
		reasons = append(reasons, breachReasons(ecr, hard, t.EmergencyECRFloor, t.EmergencyHardstopCeil)...)
	case ecr < t.FreezeMarketECRFloor || hard >= t.FreezeMarketHardstop:
		mode = ModeFreezeMarketplace
		reasons = append(reasons, breachReasons(ecr, hard, t.FreezeMarketECRFloor, t.FreezeMarketHardstop)...)
	case ecr < t.FreezeConvECRFloor || hard >= t.FreezeConvHardstop:
		mode = ModeFreezeConversions
		reasons = append(reasons, breachReasons(ecr, hard, t.FreezeConvECRFloor, t.FreezeConvHardstop)...)
	case ecr < t.ThrottleECRFloor || hard >= t.ThrottleHardstop:
		mode = ModeThrottleReservations
		reasons = append(reasons, breachReasons(ecr, hard, t.ThrottleECRFloor, t.ThrottleHardstop)...)
	}

	if s.CapitalBaseCents <= 0 && mode != ModeEmergencyHalt {
		mode = ModeEmergencyHalt
		reasons = append(reasons, "capital base is not positive")
	}
	if reasons == nil {
		reasons = []string{}
	}

	return Decision{
		Mode:         mode,
		Blocks:       BlocksFor(mode),
		Reasons:      reasons,
		SnapshotHash: HashSnapshot(s),
		Snapshot:     s,
	}
}

func breachReasons(ecr, hard, ecrFloor, hardCeil float64) []string {
	var out []string
	if ecr < ecrFloor {
		out = append(out, fmt.Sprintf("exposure coverage ratio %.4f below %.2f", ecr, ecrFloor))
	}
	if hard >= hardCeil {
		out = append(out, fmt.Sprintf("hardstop utilization %.4f at or above %.2f", hard, hardCeil))
	}
	return out
}

// HashSnapshot is the hex SHA-256 of the canonical snapshot fields
func HashSnapshot(s Snapshot) string {
	canonical := "capital_base_cents=" + strconv.FormatInt(s.CapitalBaseCents, 10) +
		"|exposure_cents=" + strconv.FormatInt(s.ExposureCents, 10) +
		"|ecr=" + strconv.FormatFloat(s.ExposureCoverageRatio, 'f', 6, 64) +
		"|hardstop=" + strconv.FormatFloat(s.HardstopUtilization, 'f', 6, 64) +
		"|captured_at=" + s.CapturedAt.UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// BlockEventID derives the audit id for a block so repeated identical blocks
// within the same minute collapse to one record.
func BlockEventID(key ActionKey, mode Mode, at time.Time, actorID string) string {
	return deterministicID("ccb_", string(key), string(mode), minuteBucket(at), actorID)
}

// AppliedEventID derives the audit id for an override being used
func AppliedEventID(key ActionKey, overrideID string, at time.Time, actorID string) string {
	return deterministicID("cco_", string(key), overrideID, minuteBucket(at), actorID)
}

func minuteBucket(at time.Time) string {
	return strconv.FormatInt(at.UTC().Truncate(time.Minute).Unix(), 10)
}

func deterministicID(prefix string, parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return prefix + hex.EncodeToString(h.Sum(nil))[:24]
}
