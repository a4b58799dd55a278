package billingservice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ssuji15/xsonic/internal/db/repository"
	"github.com/ssuji15/xsonic/internal/job_tracer"
	"github.com/ssuji15/xsonic/internal/service/logger"
	"github.com/ssuji15/xsonic/model"
)

var (
	ErrInsufficientCredits = repository.ErrInsufficientCredits
	ErrWalletNotFound      = repository.ErrWalletNotFound
	ErrInvalidAmount       = repository.ErrInvalidAmount
	ErrInvalidVoucher      = repository.ErrInvalidVoucher
	ErrVoucherNotYetValid  = repository.ErrVoucherNotYetValid
	ErrVoucherExpired      = repository.ErrVoucherExpired
	ErrVoucherLimitReached = repository.ErrVoucherLimitReached
	ErrVoucherAlreadyUsed  = repository.ErrVoucherAlreadyUsed
	ErrVoucherExists       = repository.ErrVoucherExists
)

const (
	baseCost       = 10.0
	costPerMB      = 2.0
	costPerSecond  = 0.5
	gpuMultiplier  = 3.0
	bytesPerMB     = 1024 * 1024
	maxListedTxs   = 100
	defaultListTxs = 50
)

type BillingService struct {
	ledger repository.Ledger
	now    func() time.Time
}

func NewBillingService(ledger repository.Ledger) *BillingService {
	return &BillingService{
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EstimateCost prices a job before it runs. Every tool type shares one formula.
func EstimateCost(toolType model.ToolType, fileSizeBytes int64, durationSeconds float64, requiresGPU bool) int64 {
	sizeMB := float64(max(fileSizeBytes, 0)) / bytesPerMB
	cost := baseCost + sizeMB*costPerMB + math.Max(durationSeconds, 0)*costPerSecond
	if requiresGPU {
		cost *= gpuMultiplier
	}
	return int64(math.Ceil(cost))
}

func (b *BillingService) EstimateCost(toolType model.ToolType, fileSizeBytes int64, durationSeconds float64, requiresGPU bool) int64 {
	return EstimateCost(toolType, fileSizeBytes, durationSeconds, requiresGPU)
}

func (b *BillingService) GetOrCreateWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return b.ledger.GetOrCreateWallet(ctx, userID)
}

// ReserveCredits reports false when the wallet cannot cover amount.
func (b *BillingService) ReserveCredits(ctx context.Context, userID string, amount int64) (bool, error) {
	_, err := b.ledger.Reserve(ctx, userID, amount)
	if errors.Is(err, ErrInsufficientCredits) {
		logger.Log.Info().Str("user_id", userID).Int64("amount", amount).Msg("reservation denied")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	job_tracer.CreditsMoved(ctx, "reserve", amount)
	return true, nil
}

func (b *BillingService) ReleaseCredits(ctx context.Context, userID string, amount int64) error {
	if _, err := b.ledger.Release(ctx, userID, amount); err != nil {
		return err
	}
	job_tracer.CreditsMoved(ctx, "release", amount)
	return nil
}

func (b *BillingService) DeductCredits(ctx context.Context, userID string, amount int64, reason, referenceType, referenceID string) (*model.WalletTransaction, error) {
	tx, err := b.ledger.Deduct(ctx, repository.DebitRequest{
		UserID:        userID,
		Amount:        amount,
		Reason:        reason,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
	})
	if err != nil {
		return nil, err
	}
	job_tracer.CreditsMoved(ctx, "deduct", amount)
	logger.Log.Info().Str("user_id", userID).Int64("amount", amount).Int64("balance_after", tx.BalanceAfter).Msg("credits deducted")
	return tx, nil
}

type CreditOptions struct {
	AdminID    string
	Note       string
	ReceiptURL string
}

func (b *BillingService) AddCredits(ctx context.Context, userID string, amount int64, reason string, opts CreditOptions) (*model.WalletTransaction, error) {
	tx, err := b.ledger.Credit(ctx, repository.CreditRequest{
		UserID:     userID,
		Amount:     amount,
		Reason:     reason,
		AdminID:    opts.AdminID,
		Note:       opts.Note,
		ReceiptURL: opts.ReceiptURL,
	})
	if err != nil {
		return nil, err
	}
	job_tracer.CreditsMoved(ctx, "credit", amount)
	logger.Log.Info().Str("user_id", userID).Int64("amount", amount).Str("admin_id", opts.AdminID).Msg("credits added")
	return tx, nil
}

func (b *BillingService) ApplyVoucher(ctx context.Context, userID, code string) (*model.WalletTransaction, error) {
	tx, err := b.ledger.RedeemVoucher(ctx, userID, code, b.now())
	if err != nil {
		return nil, err
	}
	job_tracer.CreditsMoved(ctx, "voucher", tx.Amount)
	logger.Log.Info().Str("user_id", userID).Str("voucher", code).Int64("amount", tx.Amount).Msg("voucher redeemed")
	return tx, nil
}

func (b *BillingService) CreateVoucher(ctx context.Context, v *model.Voucher) error {
	return b.ledger.CreateVoucher(ctx, v)
}

func (b *BillingService) ListTransactions(ctx context.Context, userID string, limit int) ([]*model.WalletTransaction, error) {
	if limit <= 0 {
		limit = defaultListTxs
	}
	return b.ledger.ListTransactions(ctx, userID, min(limit, maxListedTxs))
}

// SettleJob turns a finished job's reservation into a charge. Completed jobs
// pay cost_actual (cost_estimate when unset), capped at their own hold plus the
// wallet's available credits, and the hold is released in the same ledger write.
// Failed jobs get the whole hold back.
func (b *BillingService) SettleJob(ctx context.Context, job *model.Job) error {
	if job.UserID == "" {
		return nil
	}
	log := logger.FromContext(ctx)

	if job.Status == model.JobFailed {
		return b.releaseHold(ctx, job)
	}
	if job.Status != model.JobCompleted {
		return fmt.Errorf("settle %s while %s: not terminal", job.ID, job.Status)
	}

	charge := job.CostActual
	if charge <= 0 {
		charge = job.CostEstimate
	}
	if charge <= 0 {
		return b.releaseHold(ctx, job)
	}

	tx, err := b.ledger.Deduct(ctx, repository.DebitRequest{
		UserID:        job.UserID,
		Amount:        charge,
		Reason:        fmt.Sprintf("%s job %s", job.ToolType, job.ID),
		ReferenceType: model.ReferenceJob,
		ReferenceID:   job.ID,
		Hold:          job.ReservedCredits,
	})
	if err != nil {
		// A failed debit moved nothing; the job's hold must not outlive it.
		if rerr := b.releaseHold(ctx, job); rerr != nil {
			log.Error().Err(rerr).Str("job_id", job.ID).Msg("failed to release hold after charge error")
		}
		return fmt.Errorf("failed to charge job %s: %w", job.ID, err)
	}

	charged := int64(0)
	if tx != nil {
		charged = tx.Amount
	}
	if charged < charge {
		log.Warn().Str("job_id", job.ID).Int64("charge", charge).Int64("charged", charged).
			Msg("wallet could not cover the full job cost")
	}
	job_tracer.CreditsMoved(ctx, "deduct", charged)
	job_tracer.CreditsMoved(ctx, "release", job.ReservedCredits)
	log.Info().Str("job_id", job.ID).Str("user_id", job.UserID).Int64("charged", charged).Msg("job settled")
	return nil
}

func (b *BillingService) releaseHold(ctx context.Context, job *model.Job) error {
	if job.ReservedCredits == 0 {
		return nil
	}
	return b.ReleaseCredits(ctx, job.UserID, job.ReservedCredits)
}
