package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var postedAt = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Journal{}, &Entry{}))
	return db
}

func recoverPanic(fn func()) (recovered any) {
	defer func() { recovered = recover() }()
	fn()
	return nil
}

func TestNewDvP_WithoutFee(t *testing.T) {
	j := NewDvP("STL_1", "USD", 10_000_000, 0, postedAt)

	require.Len(t, j.Entries, 2)
	assert.Equal(t, Debit, j.Entries[0].Direction)
	assert.Equal(t, AccountSettlementEscrow, j.Entries[0].Account)
	assert.Equal(t, int64(10_000_000), j.Entries[0].AmountCents)
	assert.Equal(t, Credit, j.Entries[1].Direction)
	assert.Equal(t, AccountSellerProceeds, j.Entries[1].Account)
	assert.Equal(t, int64(10_000_000), j.Entries[1].AmountCents)
	assert.Equal(t, j.TotalDebitCents, j.TotalCreditCents)
	assert.Equal(t, "DVP:STL_1", j.IdempotencyKey)
}

func TestNewDvP_WithFee(t *testing.T) {
	j := NewDvP("STL_2", "USD", 10_000_000, 50_000, postedAt)

	require.Len(t, j.Entries, 3)
	assert.Equal(t, int64(9_950_000), j.Entries[1].AmountCents)
	assert.Equal(t, AccountPlatformFees, j.Entries[2].Account)
	assert.Equal(t, int64(50_000), j.Entries[2].AmountCents)
	assert.Equal(t, int64(10_000_000), j.TotalDebitCents)
	assert.Equal(t, int64(10_000_000), j.TotalCreditCents)
}

func TestNew_UnbalancedPanicsWithDiagnostics(t *testing.T) {
	recovered := recoverPanic(func() {
		New("K1", "STL_3", "broken", "USD", []Line{
			{Direction: Debit, Account: AccountSettlementEscrow, AmountCents: 1_000},
			{Direction: Credit, Account: AccountSellerProceeds, AmountCents: 900},
		}, postedAt)
	})
	require.NotNil(t, recovered)

	err, ok := recovered.(error)
	require.True(t, ok)
	var imbalance *ImbalanceError
	require.True(t, errors.As(err, &imbalance))
	assert.Equal(t, "STL_3", imbalance.SettlementID)
	assert.Equal(t, "K1", imbalance.IdempotencyKey)
	assert.NotEmpty(t, imbalance.JournalID)
	assert.Equal(t, int64(1_000), imbalance.TotalDebitCents)
	assert.Equal(t, int64(900), imbalance.TotalCreditCents)
	assert.Equal(t, int64(100), imbalance.DeltaCents)
}

func TestNew_RejectsEmptyAndNonPositive(t *testing.T) {
	assert.PanicsWithError(t, ErrEmptyJournal.Error(), func() {
		New("K2", "STL_4", "empty", "USD", nil, postedAt)
	})

	recovered := recoverPanic(func() {
		NewDvP("STL_5", "USD", 1_000, 1_000, postedAt)
	})
	err, ok := recovered.(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrNonPositiveAmount)
}

func TestPost_InMemoryIdempotent(t *testing.T) {
	first := NewDvP("STL_6", "USD", 5_000_000, 0, postedAt)

	journals, posted, isNew := Post(nil, first)
	require.True(t, isNew)
	require.Len(t, journals, 1)

	retry := NewDvP("STL_6", "USD", 5_000_000, 0, postedAt.Add(time.Minute))
	again, existing, isNew := Post(journals, retry)
	assert.False(t, isNew)
	assert.Len(t, again, 1)
	assert.Equal(t, posted.JournalID, existing.JournalID)
	assert.Equal(t, posted, existing)
}

func TestDatabase_PostIdempotent(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(newTestDB(t))

	first := NewDvP("STL_7", "USD", 10_000_000, 25_000, postedAt)
	stored, isNew, err := db.Post(ctx, first)
	require.NoError(t, err)
	assert.True(t, isNew)

	retry := NewDvP("STL_7", "USD", 10_000_000, 25_000, postedAt.Add(time.Minute))
	again, isNew, err := db.Post(ctx, retry)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, stored.JournalID, again.JournalID)

	journals, err := db.ListBySettlement(ctx, "STL_7")
	require.NoError(t, err)
	require.Len(t, journals, 1)
	assert.Len(t, journals[0].Entries, 3)

	debits, credits := Totals(journals[0].Entries)
	assert.Equal(t, debits, credits)
}

func TestDatabase_PostUnbalancedPanicsBeforeWrite(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	db := NewDatabase(gdb)

	bad := Journal{
		JournalID:      "JRN_bad",
		IdempotencyKey: "BAD:1",
		SettlementID:   "STL_8",
		Entries: []Entry{
			{EntryID: "JEN_1", JournalID: "JRN_bad", Direction: Debit, Account: AccountSettlementEscrow, AmountCents: 10},
			{EntryID: "JEN_2", JournalID: "JRN_bad", Direction: Credit, Account: AccountSellerProceeds, AmountCents: 9},
		},
	}

	assert.Panics(t, func() {
		_, _, _ = db.Post(ctx, bad)
	})

	var count int64
	require.NoError(t, gdb.Model(&Journal{}).Count(&count).Error)
	assert.Zero(t, count)
}
