package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ssuji15/xsonic/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUser() string {
	return "user-" + uuid.NewString()
}

func newCode(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func intPtr(i int) *int { return &i }

func timePtr(t time.Time) *time.Time { return &t }

// runLedgerSuite checks the behaviour every Ledger must share.
func runLedgerSuite(t *testing.T, l Ledger) {
	t.Run("reserve deduct release scenario", func(t *testing.T) { testReserveDeductRelease(t, l) })
	t.Run("reserve rejects beyond available", func(t *testing.T) { testReserveInsufficient(t, l) })
	t.Run("release floors at zero", func(t *testing.T) { testReleaseFloor(t, l) })
	t.Run("deduct without wallet", func(t *testing.T) { testDeductWalletNotFound(t, l) })
	t.Run("deduct keeps reserved covered", func(t *testing.T) { testDeductGuard(t, l) })
	t.Run("job debit is idempotent", func(t *testing.T) { testJobDebitIdempotent(t, l) })
	t.Run("settling debit keeps other holds", func(t *testing.T) { testSettlingDebitKeepsOtherHolds(t, l) })
	t.Run("invalid amounts", func(t *testing.T) { testInvalidAmounts(t, l) })
	t.Run("concurrent reservations", func(t *testing.T) { testConcurrentReserve(t, l) })
	t.Run("concurrent first access", func(t *testing.T) { testConcurrentCreate(t, l) })
	t.Run("voucher single use", func(t *testing.T) { testVoucherSingleUse(t, l) })
	t.Run("voucher rejections", func(t *testing.T) { testVoucherRejections(t, l) })
	t.Run("transactions newest first", func(t *testing.T) { testListTransactions(t, l) })
}

func testReserveDeductRelease(t *testing.T, l Ledger) {
	ctx := context.Background()
	user := newUser()

	_, err := l.Credit(ctx, CreditRequest{UserID: user, Amount: 100, Reason: "grant", AdminID: "admin-1"})
	require.NoError(t, err)

	w, err := l.Reserve(ctx, user, 40)
	require.NoError(t, err)
	require.Equal(t, int64(60), w.Available())

	tx, err := l.Deduct(ctx, DebitRequest{UserID: user, Amount: 35, Reason: "job X"})
	require.NoError(t, err)
	require.Equal(t, model.TransactionDebit, tx.Type)
	require.Equal(t, int64(65), tx.BalanceAfter)

	w, err = l.GetWallet(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(65), w.BalanceCredits)
	require.Equal(t, int64(5), w.ReservedCredits)

	w, err = l.Release(ctx, user, 5)
	require.NoError(t, err)
	require.Zero(t, w.ReservedCredits)
	require.Equal(t, int64(65), w.BalanceCredits)
}

func testReserveInsufficient(t *testing.T, l Ledger) {
	ctx := context.Background()
	user := newUser()

	_, err := l.Reserve(ctx, user, 1)
	require.ErrorIs(t, err, ErrInsufficientCredits)

	w, err := l.GetWallet(ctx, user)
	require.NoError(t, err, "reserve creates the wallet lazily")
	require.Zero(t, w.BalanceCredits)

	_, err = l.Credit(ctx, CreditRequest{UserID: user, Amount: 10})
	require.NoError(t, err)
	_, err = l.Reserve(ctx, user, 10)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, user, 1)
	require.ErrorIs(t, err, ErrInsufficientCredits)
}

func testReleaseFloor(t *testing.T, l Ledger) {
	ctx := context.Background()
	user := newUser()

	_, err := l.Credit(ctx, CreditRequest{UserID: user, Amount: 20})
	require.NoError(t, err)
	_, err = l.Reserve(ctx, user, 5)
	require.NoError(t, err)

	w, err := l.Release(ctx, user, 50)
	require.NoError(t, err)
	require.Zero(t, w.ReservedCredits)
	require.Equal(t, int64(20), w.BalanceCredits)

	_, err = l.Release(ctx, newUser(), 1)
	require.ErrorIs(t, err, ErrWalletNotFound)
}

func testDeductWalletNotFound(t *testing.T, l Ledger) {
	ctx := context.Background()
	user := newUser()

	_, err := l.Deduct(ctx, DebitRequest{UserID: user, Amount: 5, Reason: "job"})
	require.ErrorIs(t, err, ErrWalletNotFound)

	_, err = l.GetWallet(ctx, user)
	require.ErrorIs(t, err, ErrWalletNotFound, "deduct must not create a wallet")
}

func testDeductGuard(t *testing.T, l Ledger) {
	ctx := context.Background()
	user := newUser()

	_, err := l.Credit(ctx, CreditRequest{UserID: user, Amount: 50})
	require.NoError(t, err)
	_, err = l.Reserve(ctx, user, 30)
	require.NoError(t, err)

	// 50-25=25 would leave 30-25=5 reserved: fine.
	_, err = l.Deduct(ctx, DebitRequest{UserID: user, Amount: 25})
	require.NoError(t, err)

	// 25-26 goes negative.
	_, err = l.Deduct(ctx, DebitRequest{UserID: user, Amount: 26})
	require.ErrorIs(t, err, ErrInsufficientCredits)

	w, err := l.GetWallet(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(25), w.BalanceCredits)
	require.Equal(t, int64(5), w.ReservedCredits)
	require.GreaterOrEqual(t, w.Available(), int64(0))
}

func testJobDebitIdempotent(t *testing.T, l Ledger) {
	ctx := context.Background()
	user := newUser()
	jobID := uuid.NewString()

	_, err := l.Credit(ctx, CreditRequest{UserID: user, Amount: 100})
	require.NoError(t, err)
	_, err = l.Reserve(ctx, user, 30)
	require.NoError(t, err)

	req := DebitRequest{UserID: user, Amount: 30, Reason: "job", ReferenceType: model.ReferenceJob, ReferenceID: jobID}
	first, err := l.Deduct(ctx, req)
	require.NoError(t, err)
	second, err := l.Deduct(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	w, err := l.GetWallet(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(70), w.BalanceCredits)
	require.Zero(t, w.ReservedCredits)

	txs, err := l.ListTransactions(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
}

func testSettlingDebitKeepsOtherHolds(t *testing.T, l Ledger) {
	ctx := context.Background()
	user := newUser()
	jobA, jobB := uuid.NewString(), uuid.NewString()

	_, err := l.Credit(ctx, CreditRequest{UserID: user, Amount: 100})
	require.NoError(t, err)
	_, err = l.Reserve(ctx, user, 40)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, user, 60)
	require.NoError(t, err)

	tx, err := l.Deduct(ctx, DebitRequest{UserID: user, Amount: 70, Reason: "job A", ReferenceType: model.ReferenceJob, ReferenceID: jobA, Hold: 40})
	require.NoError(t, err)
	require.Equal(t, int64(40), tx.Amount, "charge capped at own hold plus available")

	w, err := l.GetWallet(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(60), w.BalanceCredits)
	require.Equal(t, int64(60), w.ReservedCredits)

	req := DebitRequest{UserID: user, Amount: 60, Reason: "job B", ReferenceType: model.ReferenceJob, ReferenceID: jobB, Hold: 60}
	tx, err = l.Deduct(ctx, req)
	require.NoError(t, err)
	require.Equal(t, int64(60), tx.Amount)

	replay, err := l.Deduct(ctx, req)
	require.NoError(t, err)
	require.Equal(t, tx.ID, replay.ID)

	w, err = l.GetWallet(ctx, user)
	require.NoError(t, err)
	require.Zero(t, w.BalanceCredits)
	require.Zero(t, w.ReservedCredits)
}

func testInvalidAmounts(t *testing.T, l Ledger) {
	ctx := context.Background()
	user := newUser()

	_, err := l.Credit(ctx, CreditRequest{UserID: user, Amount: 0})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Reserve(ctx, user, -1)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Deduct(ctx, DebitRequest{UserID: user, Amount: -3})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func testConcurrentReserve(t *testing.T, l Ledger) {
	ctx := context.Background()
	user := newUser()

	_, err := l.Credit(ctx, CreditRequest{UserID: user, Amount: 100})
	require.NoError(t, err)

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Reserve(ctx, user, 10); err == nil {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
			if i%2 == 0 {
				_, _ = l.Deduct(ctx, DebitRequest{UserID: user, Amount: 3})
			}
		}(i)
	}
	wg.Wait()

	w, err := l.GetWallet(ctx, user)
	require.NoError(t, err)
	require.LessOrEqual(t, w.ReservedCredits, w.BalanceCredits)
	require.GreaterOrEqual(t, w.Available(), int64(0))
	require.LessOrEqual(t, reserved, 10)
}

func testConcurrentCreate(t *testing.T, l Ledger) {
	ctx := context.Background()
	user := newUser()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.GetOrCreateWallet(ctx, user)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	w, err := l.GetWallet(ctx, user)
	require.NoError(t, err)
	require.Equal(t, user, w.UserID)
}

func testVoucherSingleUse(t *testing.T, l Ledger) {
	ctx := context.Background()
	userA, userB := newUser(), newUser()
	code := newCode("WELCOME10")

	v := &model.Voucher{Code: code, Type: model.VoucherCredits, Value: 10, Active: true, MaxUses: intPtr(2)}
	require.NoError(t, l.CreateVoucher(ctx, v))
	require.NotEmpty(t, v.ID)

	tx, err := l.RedeemVoucher(ctx, userA, code, time.Now())
	require.NoError(t, err)
	require.Equal(t, model.TransactionCredit, tx.Type)
	require.Equal(t, int64(10), tx.BalanceAfter)
	require.Equal(t, model.ReferenceVoucher, tx.ReferenceType)

	_, err = l.RedeemVoucher(ctx, userA, code, time.Now())
	require.ErrorIs(t, err, ErrVoucherAlreadyUsed)

	got, err := l.GetVoucher(ctx, code)
	require.NoError(t, err)
	require.Equal(t, 1, got.UsedCount)

	_, err = l.RedeemVoucher(ctx, userB, code, time.Now())
	require.NoError(t, err)

	w, err := l.GetWallet(ctx, userA)
	require.NoError(t, err)
	require.Equal(t, int64(10), w.BalanceCredits)
}

func testVoucherRejections(t *testing.T, l Ledger) {
	ctx := context.Background()
	now := time.Now().UTC()

	inactive := &model.Voucher{Code: newCode("OFF"), Value: 5, Active: false}
	future := &model.Voucher{Code: newCode("SOON"), Value: 5, Active: true, ValidFrom: timePtr(now.Add(time.Hour))}
	past := &model.Voucher{Code: newCode("GONE"), Value: 5, Active: true, ValidUntil: timePtr(now.Add(-time.Hour))}
	once := &model.Voucher{Code: newCode("ONCE"), Value: 5, Active: true, MaxUses: intPtr(1)}
	for _, v := range []*model.Voucher{inactive, future, past, once} {
		require.NoError(t, l.CreateVoucher(ctx, v))
	}
	_, err := l.RedeemVoucher(ctx, newUser(), once.Code, now)
	require.NoError(t, err)

	tests := []struct {
		name string
		code string
		want error
	}{
		{"unknown code", newCode("NOPE"), ErrInvalidVoucher},
		{"inactive", inactive.Code, ErrInvalidVoucher},
		{"not yet valid", future.Code, ErrVoucherNotYetValid},
		{"expired", past.Code, ErrVoucherExpired},
		{"limit reached", once.Code, ErrVoucherLimitReached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.RedeemVoucher(ctx, newUser(), tt.code, now)
			require.ErrorIs(t, err, tt.want)
		})
	}

	require.ErrorIs(t, l.CreateVoucher(ctx, &model.Voucher{Code: newCode("ZERO"), Value: 0}), ErrInvalidVoucher)
	require.ErrorIs(t, l.CreateVoucher(ctx, &model.Voucher{Code: once.Code, Value: 5, Active: true}), ErrVoucherExists)
}

func testListTransactions(t *testing.T, l Ledger) {
	ctx := context.Background()
	user := newUser()

	for _, amount := range []int64{1, 2, 3} {
		_, err := l.Credit(ctx, CreditRequest{UserID: user, Amount: amount})
		require.NoError(t, err)
	}

	txs, err := l.ListTransactions(ctx, user, 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, int64(6), txs[0].BalanceAfter)
	require.Equal(t, int64(3), txs[1].BalanceAfter)
}
