package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyJournal is raised for a journal without lines
	ErrEmptyJournal = errors.New("clearing journal has no entries")
	// ErrNonPositiveAmount is raised for a line with a zero or negative amount
	ErrNonPositiveAmount = errors.New("clearing journal line amount must be positive")
	// ErrUnknownDirection is raised for a line that is neither debit nor credit
	ErrUnknownDirection = errors.New("clearing journal line has unknown direction")
)

// ImbalanceError describes a journal whose debits and credits differ. It is
// raised with panic: an unbalanced journal is a bug, not a business outcome.
type ImbalanceError struct {
	JournalID        string
	SettlementID     string
	IdempotencyKey   string
	TotalDebitCents  int64
	TotalCreditCents int64
	DeltaCents       int64
}

func (e *ImbalanceError) Error() string {
	return fmt.Sprintf("clearing journal %s for settlement %s (key %s) is unbalanced: debits=%d credits=%d delta=%d",
		e.JournalID, e.SettlementID, e.IdempotencyKey, e.TotalDebitCents, e.TotalCreditCents, e.DeltaCents)
}

// DvPKey is the idempotency key of the delivery-versus-payment journal for a settlement
func DvPKey(settlementID string) string {
	return "DVP:" + settlementID
}

// New builds a journal from lines and panics if it is empty or unbalanced.
func New(key, settlementID, name, currency string, lines []Line, postedAt time.Time) Journal {
	j := Journal{
		JournalID:      "JRN_" + uuid.New().String(),
		IdempotencyKey: key,
		SettlementID:   settlementID,
		Name:           name,
		Currency:       currency,
		PostedAt:       postedAt.UTC(),
	}
	for _, line := range lines {
		j.Entries = append(j.Entries, Entry{
			EntryID:     "JEN_" + uuid.New().String(),
			JournalID:   j.JournalID,
			Direction:   line.Direction,
			Account:     line.Account,
			AmountCents: line.AmountCents,
			Memo:        line.Memo,
		})
	}
	MustBalance(&j)
	return j
}

// NewDvP builds the standard delivery-versus-payment posting: debit escrow for
// the full notional, credit seller proceeds net of the platform fee and credit
// the fee account when a fee applies.
func NewDvP(settlementID, currency string, notionalCents, platformFeeCents int64, postedAt time.Time) Journal {
	lines := []Line{
		{Direction: Debit, Account: AccountSettlementEscrow, AmountCents: notionalCents, Memo: "release escrowed buyer funds"},
		{Direction: Credit, Account: AccountSellerProceeds, AmountCents: notionalCents - platformFeeCents, Memo: "seller proceeds"},
	}
	if platformFeeCents > 0 {
		lines = append(lines, Line{Direction: Credit, Account: AccountPlatformFees, AmountCents: platformFeeCents, Memo: "platform fee"})
	}
	return New(DvPKey(settlementID), settlementID, "DvP settlement "+settlementID, currency, lines, postedAt)
}

// Totals sums debit and credit lines
func Totals(entries []Entry) (debits, credits int64) {
	for _, e := range entries {
		switch e.Direction {
		case Debit:
			debits += e.AmountCents
		case Credit:
			credits += e.AmountCents
		}
	}
	return debits, credits
}

// Validate checks the journal invariants and fills in the totals
func Validate(j *Journal) error {
	if len(j.Entries) == 0 {
		return ErrEmptyJournal
	}
	for _, e := range j.Entries {
		if e.Direction != Debit && e.Direction != Credit {
			return fmt.Errorf("%w: %q", ErrUnknownDirection, e.Direction)
		}
		if e.AmountCents <= 0 {
			return fmt.Errorf("%w: %s %s %d", ErrNonPositiveAmount, e.Direction, e.Account, e.AmountCents)
		}
	}

	debits, credits := Totals(j.Entries)
	if debits != credits {
		return &ImbalanceError{
			JournalID:        j.JournalID,
			SettlementID:     j.SettlementID,
			IdempotencyKey:   j.IdempotencyKey,
			TotalDebitCents:  debits,
			TotalCreditCents: credits,
			DeltaCents:       debits - credits,
		}
	}
	j.TotalDebitCents = debits
	j.TotalCreditCents = credits
	return nil
}

// MustBalance panics with the validation error when the journal is not postable
func MustBalance(j *Journal) {
	if err := Validate(j); err != nil {
		panic(err)
	}
}

// Post appends j to journals unless a journal with the same idempotency key
// already exists, in which case the existing one is returned untouched.
func Post(journals []Journal, j Journal) ([]Journal, Journal, bool) {
	for _, existing := range journals {
		if existing.IdempotencyKey == j.IdempotencyKey {
			return journals, existing, false
		}
	}
	MustBalance(&j)
	out := make([]Journal, 0, len(journals)+1)
	out = append(out, journals...)
	out = append(out, j)
	return out, j, true
}
