package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ssuji15/xsonic/internal/db"
	"github.com/ssuji15/xsonic/internal/job_tracer"
	"github.com/ssuji15/xsonic/internal/util"
	"github.com/ssuji15/xsonic/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const (
	walletColumns = `user_id, balance_credits, reserved_credits, created_at, updated_at`

	transactionColumns = `
		id::text AS id,
		user_id,
		type,
		amount,
		balance_after,
		reason,
		COALESCE(reference_type, '') AS reference_type,
		COALESCE(reference_id, '') AS reference_id,
		COALESCE(admin_id, '') AS admin_id,
		COALESCE(note, '') AS note,
		COALESCE(receipt_url, '') AS receipt_url,
		created_at`

	voucherColumns = `
		id::text AS id,
		code,
		type,
		value,
		active,
		valid_from,
		valid_until,
		max_uses,
		used_count,
		created_at`
)

type PostgresLedger struct {
	db *db.DB
}

func NewPostgresLedger(db *db.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func startSpan(ctx context.Context, op, userID string) (context.Context, trace.Span) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Postgres/"+op)
	span.AddEvent("ledger.context",
		trace.WithAttributes(attribute.String("user_id", userID)),
	)
	return ctx, span
}

// inTx runs fn inside a transaction and records any failure other than the
// ledger's own rejections on the span.
func (l *PostgresLedger) inTx(ctx context.Context, span trace.Span, fn func(pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, l.db.Pool, fn)
	if err != nil && !isLedgerRejection(err) {
		util.RecordSpanError(span, err)
	}
	return err
}

func isLedgerRejection(err error) bool {
	for _, e := range []error{
		ErrInsufficientCredits, ErrWalletNotFound, ErrInvalidAmount, ErrInvalidVoucher,
		ErrVoucherNotYetValid, ErrVoucherExpired, ErrVoucherLimitReached, ErrVoucherAlreadyUsed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ensureWallet(ctx context.Context, tx pgx.Tx, userID string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("failed to create wallet for %s: %w", userID, err)
	}
	return nil
}

// lockWallet takes the row lock every credit-moving statement runs under.
func lockWallet(ctx context.Context, tx pgx.Tx, userID string) (*model.Wallet, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return nil, err
	}
	w, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Wallet])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet %s: %w", userID, err)
	}
	return w, nil
}

func updateWallet(ctx context.Context, tx pgx.Tx, userID string, balance, reserved int64) (*model.Wallet, error) {
	rows, err := tx.Query(ctx, `
		UPDATE wallets
		SET balance_credits = $2, reserved_credits = $3, updated_at = now()
		WHERE user_id = $1
		RETURNING `+walletColumns, userID, balance, reserved)
	if err != nil {
		return nil, err
	}
	w, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Wallet])
	if err != nil {
		return nil, fmt.Errorf("failed to update wallet %s: %w", userID, err)
	}
	return w, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *model.WalletTransaction) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO wallet_transactions
			(id, user_id, type, amount, balance_after, reason, reference_type, reference_id, admin_id, note, receipt_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`,
		id, t.UserID, string(t.Type), t.Amount, t.BalanceAfter, t.Reason,
		nullable(t.ReferenceType), nullable(t.ReferenceID),
		nullable(t.AdminID), nullable(t.Note), nullable(t.ReceiptURL),
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction for %s: %w", t.UserID, err)
	}
	t.ID = id.String()
	return nil
}

func (l *PostgresLedger) GetOrCreateWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	ctx, span := startSpan(ctx, "GetOrCreateWallet", userID)
	defer span.End()

	var w *model.Wallet
	err := l.inTx(ctx, span, func(tx pgx.Tx) error {
		if err := ensureWallet(ctx, tx, userID); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
		if err != nil {
			return err
		}
		w, err = pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Wallet])
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (l *PostgresLedger) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	ctx, span := startSpan(ctx, "GetWallet", userID)
	defer span.End()

	rows, err := l.db.Pool.Query(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	w, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Wallet])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return w, nil
}

func (l *PostgresLedger) Reserve(ctx context.Context, userID string, amount int64) (*model.Wallet, error) {
	ctx, span := startSpan(ctx, "Reserve", userID)
	defer span.End()

	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	var w *model.Wallet
	err := l.inTx(ctx, span, func(tx pgx.Tx) error {
		if err := ensureWallet(ctx, tx, userID); err != nil {
			return err
		}
		cur, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if cur.Available() < amount {
			return ErrInsufficientCredits
		}
		w, err = updateWallet(ctx, tx, userID, cur.BalanceCredits, cur.ReservedCredits+amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (l *PostgresLedger) Release(ctx context.Context, userID string, amount int64) (*model.Wallet, error) {
	ctx, span := startSpan(ctx, "Release", userID)
	defer span.End()

	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	var w *model.Wallet
	err := l.inTx(ctx, span, func(tx pgx.Tx) error {
		cur, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		w, err = updateWallet(ctx, tx, userID, cur.BalanceCredits, max(cur.ReservedCredits-amount, 0))
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (l *PostgresLedger) Deduct(ctx context.Context, req DebitRequest) (*model.WalletTransaction, error) {
	ctx, span := startSpan(ctx, "Deduct", req.UserID)
	defer span.End()

	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var out *model.WalletTransaction
	err := l.inTx(ctx, span, func(tx pgx.Tx) error {
		cur, err := lockWallet(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if isJobDebit(req) {
			rows, err := tx.Query(ctx, `
				SELECT `+transactionColumns+`
				FROM wallet_transactions
				WHERE type = 'debit' AND reference_type = $1 AND reference_id = $2`,
				req.ReferenceType, req.ReferenceID)
			if err != nil {
				return err
			}
			existing, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.WalletTransaction])
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		charge, balance, reserved, err := applyDebit(cur, req)
		if err != nil {
			return err
		}
		if _, err := updateWallet(ctx, tx, req.UserID, balance, reserved); err != nil {
			return err
		}
		if charge == 0 {
			return nil
		}
		out = &model.WalletTransaction{
			UserID:        req.UserID,
			Type:          model.TransactionDebit,
			Amount:        charge,
			BalanceAfter:  balance,
			Reason:        req.Reason,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
		}
		return insertTransaction(ctx, tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func credit(ctx context.Context, tx pgx.Tx, req CreditRequest) (*model.WalletTransaction, error) {
	if err := ensureWallet(ctx, tx, req.UserID); err != nil {
		return nil, err
	}
	cur, err := lockWallet(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}
	balance := cur.BalanceCredits + req.Amount
	if _, err := updateWallet(ctx, tx, req.UserID, balance, cur.ReservedCredits); err != nil {
		return nil, err
	}
	t := &model.WalletTransaction{
		UserID:        req.UserID,
		Type:          model.TransactionCredit,
		Amount:        req.Amount,
		BalanceAfter:  balance,
		Reason:        req.Reason,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		AdminID:       req.AdminID,
		Note:          req.Note,
		ReceiptURL:    req.ReceiptURL,
	}
	if err := insertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (l *PostgresLedger) Credit(ctx context.Context, req CreditRequest) (*model.WalletTransaction, error) {
	ctx, span := startSpan(ctx, "Credit", req.UserID)
	defer span.End()

	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var out *model.WalletTransaction
	err := l.inTx(ctx, span, func(tx pgx.Tx) error {
		var err error
		out, err = credit(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RedeemVoucher locks the voucher row so concurrent redemptions of a capped
// voucher serialize; the (voucher_id, user_id) key rejects a second use.
func (l *PostgresLedger) RedeemVoucher(ctx context.Context, userID, code string, now time.Time) (*model.WalletTransaction, error) {
	ctx, span := startSpan(ctx, "RedeemVoucher", userID)
	defer span.End()
	span.SetAttributes(attribute.String("voucher_code", code))

	var out *model.WalletTransaction
	err := l.inTx(ctx, span, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE code = $1 FOR UPDATE`, code)
		if err != nil {
			return err
		}
		v, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Voucher])
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidVoucher
		}
		if err != nil {
			return err
		}
		if err := checkVoucher(v, now); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO voucher_usage (voucher_id, user_id, used_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (voucher_id, user_id) DO NOTHING`,
			uuid.MustParse(v.ID), userID, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrVoucherAlreadyUsed
		}
		if _, err := tx.Exec(ctx, `UPDATE vouchers SET used_count = used_count + 1 WHERE id = $1`, uuid.MustParse(v.ID)); err != nil {
			return err
		}

		out, err = credit(ctx, tx, CreditRequest{
			UserID:        userID,
			Amount:        v.Value,
			Reason:        fmt.Sprintf("voucher %s", v.Code),
			ReferenceType: model.ReferenceVoucher,
			ReferenceID:   v.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *PostgresLedger) CreateVoucher(ctx context.Context, v *model.Voucher) error {
	ctx, span := startSpan(ctx, "CreateVoucher", "")
	defer span.End()

	if err := validateVoucher(v); err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	err = l.db.Pool.QueryRow(ctx, `
		INSERT INTO vouchers (id, code, type, value, active, valid_from, valid_until, max_uses)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING used_count, created_at`,
		id, v.Code, string(v.Type), v.Value, v.Active, v.ValidFrom, v.ValidUntil, v.MaxUses,
	).Scan(&v.UsedCount, &v.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", v.Code, ErrVoucherExists)
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to create voucher %s: %w", v.Code, err)
	}
	v.ID = id.String()
	return nil
}

func (l *PostgresLedger) GetVoucher(ctx context.Context, code string) (*model.Voucher, error) {
	ctx, span := startSpan(ctx, "GetVoucher", "")
	defer span.End()

	rows, err := l.db.Pool.Query(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE code = $1`, code)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	v, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Voucher])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidVoucher
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return v, nil
}

func (l *PostgresLedger) ListTransactions(ctx context.Context, userID string, limit int) ([]*model.WalletTransaction, error) {
	ctx, span := startSpan(ctx, "ListTransactions", userID)
	defer span.End()

	rows, err := l.db.Pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	txs, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.WalletTransaction])
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return txs, nil
}
