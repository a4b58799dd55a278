package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ssuji15/xsonic/model"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidVoucher      = errors.New("invalid voucher")
	ErrVoucherNotYetValid  = errors.New("voucher not yet valid")
	ErrVoucherExpired      = errors.New("voucher expired")
	ErrVoucherLimitReached = errors.New("voucher usage limit reached")
	ErrVoucherAlreadyUsed  = errors.New("voucher already used")
	ErrVoucherExists       = errors.New("voucher code already exists")
)

type DebitRequest struct {
	UserID        string
	Amount        int64
	Reason        string
	ReferenceType string
	ReferenceID   string
	// Hold is the reservation this debit settles. When set, the whole hold is
	// released in the same unit and Amount is capped at the hold plus what the
	// wallet has available, so other reservations are never consumed.
	Hold int64
}

type CreditRequest struct {
	UserID        string
	Amount        int64
	Reason        string
	ReferenceType string
	ReferenceID   string
	AdminID       string
	Note          string
	ReceiptURL    string
}

// Ledger persists wallets and their append-only transaction log. Every method
// that moves credits runs as one atomic unit per wallet.
type Ledger interface {
	GetOrCreateWallet(ctx context.Context, userID string) (*model.Wallet, error)
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	Reserve(ctx context.Context, userID string, amount int64) (*model.Wallet, error)
	Release(ctx context.Context, userID string, amount int64) (*model.Wallet, error)
	// Deduct returns the existing transaction without moving credits when a debit
	// for the same job reference was already written. A settling debit (Hold set)
	// that finds nothing to charge releases the hold and returns a nil transaction.
	Deduct(ctx context.Context, req DebitRequest) (*model.WalletTransaction, error)
	Credit(ctx context.Context, req CreditRequest) (*model.WalletTransaction, error)
	RedeemVoucher(ctx context.Context, userID, code string, now time.Time) (*model.WalletTransaction, error)
	CreateVoucher(ctx context.Context, v *model.Voucher) error
	GetVoucher(ctx context.Context, code string) (*model.Voucher, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*model.WalletTransaction, error)
}

// applyDebit computes the wallet after a deduction and what is actually
// charged. Without a hold, reserved credits shrink by what they can cover and
// the balance may not drop below what stays reserved.
func applyDebit(w *model.Wallet, req DebitRequest) (charge, balance, reserved int64, err error) {
	if req.Hold > 0 {
		reserved = w.ReservedCredits - min(w.ReservedCredits, req.Hold)
		charge = max(min(req.Amount, w.BalanceCredits-reserved), 0)
		return charge, w.BalanceCredits - charge, reserved, nil
	}
	balance = w.BalanceCredits - req.Amount
	reserved = w.ReservedCredits - min(w.ReservedCredits, req.Amount)
	if balance < reserved {
		return 0, 0, 0, ErrInsufficientCredits
	}
	return req.Amount, balance, reserved, nil
}

func checkVoucher(v *model.Voucher, now time.Time) error {
	if v == nil || !v.Active || v.Type != model.VoucherCredits {
		return ErrInvalidVoucher
	}
	if v.ValidFrom != nil && now.Before(*v.ValidFrom) {
		return ErrVoucherNotYetValid
	}
	if v.ValidUntil != nil && now.After(*v.ValidUntil) {
		return ErrVoucherExpired
	}
	if v.MaxUses != nil && v.UsedCount >= *v.MaxUses {
		return ErrVoucherLimitReached
	}
	return nil
}

func isJobDebit(req DebitRequest) bool {
	return req.ReferenceType == model.ReferenceJob && req.ReferenceID != ""
}

func validateVoucher(v *model.Voucher) error {
	if v.Code == "" || v.Value <= 0 {
		return ErrInvalidVoucher
	}
	if v.Type == "" {
		v.Type = model.VoucherCredits
	}
	if v.Type != model.VoucherCredits {
		return ErrInvalidVoucher
	}
	if v.MaxUses != nil && *v.MaxUses <= 0 {
		return ErrInvalidVoucher
	}
	return nil
}
