package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ssuji15/xsonic/model"
)

type walletEntry struct {
	mu     sync.Mutex
	wallet model.Wallet
}

type usageKey struct {
	voucherID string
	userID    string
}

// MemoryLedger is an in-process Ledger. Each wallet has its own lock so
// operations on different wallets never wait on each other.
type MemoryLedger struct {
	wallets sync.Map // user id -> *walletEntry

	mu        sync.Mutex
	txs       []*model.WalletTransaction
	jobDebits map[string]*model.WalletTransaction
	vouchers  map[string]*model.Voucher
	usage     map[usageKey]time.Time

	now func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		jobDebits: make(map[string]*model.WalletTransaction),
		vouchers:  make(map[string]*model.Voucher),
		usage:     make(map[usageKey]time.Time),
		now:       time.Now,
	}
}

func (l *MemoryLedger) entry(userID string, create bool) (*walletEntry, bool) {
	if e, ok := l.wallets.Load(userID); ok {
		return e.(*walletEntry), true
	}
	if !create {
		return nil, false
	}
	now := l.now().UTC()
	e, _ := l.wallets.LoadOrStore(userID, &walletEntry{
		wallet: model.Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now},
	})
	return e.(*walletEntry), true
}

func (l *MemoryLedger) appendTx(t *model.WalletTransaction) {
	t.ID = uuid.NewString()
	t.CreatedAt = l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs = append(l.txs, t)
	if t.Type == model.TransactionDebit && t.ReferenceType == model.ReferenceJob && t.ReferenceID != "" {
		l.jobDebits[t.ReferenceID] = t
	}
}

func (l *MemoryLedger) GetOrCreateWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	e, _ := l.entry(userID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.wallet
	return &w, nil
}

func (l *MemoryLedger) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	e, ok := l.entry(userID, false)
	if !ok {
		return nil, ErrWalletNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.wallet
	return &w, nil
}

func (l *MemoryLedger) Reserve(ctx context.Context, userID string, amount int64) (*model.Wallet, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	e, _ := l.entry(userID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.wallet.Available() < amount {
		return nil, ErrInsufficientCredits
	}
	e.wallet.ReservedCredits += amount
	e.wallet.UpdatedAt = l.now().UTC()
	w := e.wallet
	return &w, nil
}

func (l *MemoryLedger) Release(ctx context.Context, userID string, amount int64) (*model.Wallet, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	e, ok := l.entry(userID, false)
	if !ok {
		return nil, ErrWalletNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.wallet.ReservedCredits = max(e.wallet.ReservedCredits-amount, 0)
	e.wallet.UpdatedAt = l.now().UTC()
	w := e.wallet
	return &w, nil
}

func (l *MemoryLedger) Deduct(ctx context.Context, req DebitRequest) (*model.WalletTransaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	e, ok := l.entry(req.UserID, false)
	if !ok {
		return nil, ErrWalletNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if isJobDebit(req) {
		l.mu.Lock()
		existing, found := l.jobDebits[req.ReferenceID]
		l.mu.Unlock()
		if found {
			t := *existing
			return &t, nil
		}
	}

	charge, balance, reserved, err := applyDebit(&e.wallet, req)
	if err != nil {
		return nil, err
	}
	e.wallet.BalanceCredits = balance
	e.wallet.ReservedCredits = reserved
	e.wallet.UpdatedAt = l.now().UTC()
	if charge == 0 {
		return nil, nil
	}

	t := &model.WalletTransaction{
		UserID:        req.UserID,
		Type:          model.TransactionDebit,
		Amount:        charge,
		BalanceAfter:  balance,
		Reason:        req.Reason,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
	}
	l.appendTx(t)
	out := *t
	return &out, nil
}

func (l *MemoryLedger) credit(req CreditRequest) *model.WalletTransaction {
	e, _ := l.entry(req.UserID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.wallet.BalanceCredits += req.Amount
	e.wallet.UpdatedAt = l.now().UTC()

	t := &model.WalletTransaction{
		UserID:        req.UserID,
		Type:          model.TransactionCredit,
		Amount:        req.Amount,
		BalanceAfter:  e.wallet.BalanceCredits,
		Reason:        req.Reason,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		AdminID:       req.AdminID,
		Note:          req.Note,
		ReceiptURL:    req.ReceiptURL,
	}
	l.appendTx(t)
	out := *t
	return &out
}

func (l *MemoryLedger) Credit(ctx context.Context, req CreditRequest) (*model.WalletTransaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.credit(req), nil
}

func (l *MemoryLedger) RedeemVoucher(ctx context.Context, userID, code string, now time.Time) (*model.WalletTransaction, error) {
	l.mu.Lock()
	v := l.vouchers[code]
	if err := checkVoucher(v, now); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	key := usageKey{voucherID: v.ID, userID: userID}
	if _, used := l.usage[key]; used {
		l.mu.Unlock()
		return nil, ErrVoucherAlreadyUsed
	}
	l.usage[key] = now
	v.UsedCount++
	value, id := v.Value, v.ID
	l.mu.Unlock()

	return l.credit(CreditRequest{
		UserID:        userID,
		Amount:        value,
		Reason:        fmt.Sprintf("voucher %s", code),
		ReferenceType: model.ReferenceVoucher,
		ReferenceID:   id,
	}), nil
}

func (l *MemoryLedger) CreateVoucher(ctx context.Context, v *model.Voucher) error {
	if err := validateVoucher(v); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.vouchers[v.Code]; exists {
		return fmt.Errorf("%s: %w", v.Code, ErrVoucherExists)
	}
	v.ID = uuid.NewString()
	v.UsedCount = 0
	v.CreatedAt = l.now().UTC()
	stored := *v
	if v.MaxUses != nil {
		maxUses := *v.MaxUses
		stored.MaxUses = &maxUses
	}
	l.vouchers[v.Code] = &stored
	return nil
}

func (l *MemoryLedger) GetVoucher(ctx context.Context, code string) (*model.Voucher, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.vouchers[code]
	if !ok {
		return nil, ErrInvalidVoucher
	}
	out := *v
	return &out, nil
}

func (l *MemoryLedger) ListTransactions(ctx context.Context, userID string, limit int) ([]*model.WalletTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*model.WalletTransaction
	for i := len(l.txs) - 1; i >= 0; i-- {
		if l.txs[i].UserID != userID {
			continue
		}
		t := *l.txs[i]
		out = append(out, &t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
