package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hybridcore/dispatchd/internal/model"
)

// ErrUnbalancedTransaction is returned when a ledger transaction's debit
// and credit sides do not sum equal. Nothing is written in that case.
var ErrUnbalancedTransaction = errors.New("repository: unbalanced ledger transaction")

// WalletRepository handles wallets, the double-entry ledger, settlements,
// penalties and bank accounts.
//
// Money invariants enforced here:
//   - every committed ledger transaction is balanced (Σ debits = Σ credits)
//   - a wallet balance never goes below zero: debits are a conditional
//     UPDATE ... WHERE balance >= amount, and a zero-row result rolls the
//     whole transaction back with ErrInsufficientFunds
type WalletRepository struct {
	pool *pgxpool.Pool
}

// NewWalletRepository creates a new wallet repository.
func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

// walletOwnerType maps owner-scoped ledger accounts to the wallet owner
// kind. Platform accounts have no wallet row.
func walletOwnerType(account model.LedgerAccount) (model.OwnerType, bool) {
	switch account {
	case model.AccountUserWallet:
		return model.OwnerUser, true
	case model.AccountCaptainPayable:
		return model.OwnerCaptain, true
	}
	return "", false
}

// ─── Balances ───────────────────────────────────────────────

// Balance returns the wallet balance, zero when no wallet row exists yet.
func (r *WalletRepository) Balance(ctx context.Context, ownerID string, ot model.OwnerType) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT balance FROM wallets WHERE owner_id = $1 AND owner_type = $2), 0
		)
	`, ownerID, ot).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("wallets: balance %s/%s: %w", ot, ownerID, err)
	}
	return balance, nil
}

// ─── Ledger ─────────────────────────────────────────────────

// Apply writes a balanced ledger transaction and adjusts the affected
// wallets atomically. Debits against a wallet that cannot cover them
// roll everything back with ErrInsufficientFunds.
func (r *WalletRepository) Apply(ctx context.Context, txn *model.LedgerTransaction) error {
	if !txn.Balanced() {
		return fmt.Errorf("wallets: txn %s: %w", txn.ID, ErrUnbalancedTransaction)
	}

	txCtx, cancel := context.WithTimeout(ctx, DefaultTxTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("wallets: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyEntries(txCtx, tx, txn); err != nil {
		return err
	}

	if err := tx.Commit(txCtx); err != nil {
		return fmt.Errorf("wallets: commit txn %s: %w", txn.ID, err)
	}
	return nil
}

// applyEntries inserts the transaction and its entries and moves wallet
// balances, inside an already-open transaction.
func applyEntries(ctx context.Context, tx pgx.Tx, txn *model.LedgerTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_transactions (id, kind, reference_id, memo)
		VALUES ($1, $2, $3, $4)
	`, txn.ID, txn.Kind, txn.ReferenceID, txn.Memo)
	if err != nil {
		return fmt.Errorf("wallets: insert txn %s: %w", txn.ID, err)
	}

	for _, e := range txn.Entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (txn_id, account, owner_id, direction, amount)
			VALUES ($1, $2, $3, $4, $5)
		`, txn.ID, e.Account, e.OwnerID, e.Direction, e.Amount)
		if err != nil {
			return fmt.Errorf("wallets: insert entry: %w", err)
		}

		ot, scoped := walletOwnerType(e.Account)
		if !scoped || e.OwnerID == nil {
			continue
		}

		switch e.Direction {
		case model.Credit:
			_, err = tx.Exec(ctx, `
				INSERT INTO wallets (owner_id, owner_type, balance, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (owner_id, owner_type)
				DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()
			`, *e.OwnerID, ot, e.Amount)
			if err != nil {
				return fmt.Errorf("wallets: credit %s/%s: %w", ot, *e.OwnerID, err)
			}

		case model.Debit:
			// Compare-and-decrement. Zero rows means the balance cannot
			// cover the debit; the deferred rollback undoes everything.
			tag, err := tx.Exec(ctx, `
				UPDATE wallets
				SET balance = balance - $3, updated_at = now()
				WHERE owner_id = $1 AND owner_type = $2 AND balance >= $3
			`, *e.OwnerID, ot, e.Amount)
			if err != nil {
				return fmt.Errorf("wallets: debit %s/%s: %w", ot, *e.OwnerID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("wallets: debit %s/%s amount %d: %w", ot, *e.OwnerID, e.Amount, ErrInsufficientFunds)
			}
		}
	}
	return nil
}

// History returns the owner-facing ledger rows, newest first.
func (r *WalletRepository) History(ctx context.Context, ownerID string, ot model.OwnerType, limit int) ([]model.LedgerRecord, error) {
	account := model.AccountUserWallet
	if ot == model.OwnerCaptain {
		account = model.AccountCaptainPayable
	}

	rows, err := r.pool.Query(ctx, `
		SELECT e.txn_id, t.kind, e.direction, e.amount, t.memo, t.created_at
		FROM ledger_entries e
		JOIN ledger_transactions t ON t.id = e.txn_id
		WHERE e.owner_id = $1 AND e.account = $2
		ORDER BY e.id DESC
		LIMIT $3
	`, ownerID, account, limit)
	if err != nil {
		return nil, fmt.Errorf("wallets: history %s/%s: %w", ot, ownerID, err)
	}
	defer rows.Close()

	var records []model.LedgerRecord
	for rows.Next() {
		var rec model.LedgerRecord
		if err := rows.Scan(&rec.TxnID, &rec.Kind, &rec.Direction, &rec.Amount, &rec.Memo, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("wallets: scan history row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ─── Settlement ─────────────────────────────────────────────

// SettleJob applies the settlement transaction for a completed job,
// records the settlement row and flips the job's settled flag, all in
// one transaction. The settled flag is checked under the job row lock,
// which makes settlement idempotent: a second call returns (false, nil)
// without writing anything.
func (r *WalletRepository) SettleJob(ctx context.Context, txn *model.LedgerTransaction, s *model.Settlement) (bool, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTxTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("settle: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var settled bool
	var status model.JobState
	err = tx.QueryRow(txCtx, `
		SELECT settled, status FROM jobs WHERE id = $1 FOR UPDATE
	`, s.JobID).Scan(&settled, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("settle: job %s: %w", s.JobID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("settle: lock job %s: %w", s.JobID, err)
	}

	if settled {
		return false, nil
	}
	if status != model.StateDelivered && status != model.StateCompleted {
		return false, fmt.Errorf("settle: job %s status is '%s': %w", s.JobID, status, ErrStateConflict)
	}

	if !txn.Balanced() {
		return false, fmt.Errorf("settle: txn %s: %w", txn.ID, ErrUnbalancedTransaction)
	}
	if err := applyEntries(txCtx, tx, txn); err != nil {
		return false, err
	}

	_, err = tx.Exec(txCtx, `
		INSERT INTO settlements (job_id, gross, commission, payout, txn_id)
		VALUES ($1, $2, $3, $4, $5)
	`, s.JobID, s.Gross, s.Commission, s.Payout, txn.ID)
	if err != nil {
		return false, fmt.Errorf("settle: insert settlement %s: %w", s.JobID, err)
	}

	_, err = tx.Exec(txCtx, `UPDATE jobs SET settled = TRUE, updated_at = now() WHERE id = $1`, s.JobID)
	if err != nil {
		return false, fmt.Errorf("settle: mark job %s: %w", s.JobID, err)
	}

	if err := tx.Commit(txCtx); err != nil {
		return false, fmt.Errorf("settle: commit: %w", err)
	}
	return true, nil
}

// ─── Penalties ──────────────────────────────────────────────

// InsertPenalty writes a penalty audit row.
func (r *WalletRepository) InsertPenalty(ctx context.Context, p *model.Penalty) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO penalties (id, subject_id, subject_type, job_id, amount, reason, collected)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.SubjectID, p.SubjectType, p.JobID, p.Amount, p.Reason, p.Collected)
	if err != nil {
		return fmt.Errorf("penalties: insert %s: %w", p.ID, err)
	}
	return nil
}

// ─── Bank accounts ──────────────────────────────────────────

// UpsertBankAccount links or replaces a captain's payout account.
func (r *WalletRepository) UpsertBankAccount(ctx context.Context, ba *model.BankAccount) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bank_accounts (captain_id, account_number, ifsc, holder_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (captain_id)
		DO UPDATE SET account_number = EXCLUDED.account_number,
		              ifsc = EXCLUDED.ifsc,
		              holder_name = EXCLUDED.holder_name
	`, ba.CaptainID, ba.AccountNumber, ba.IFSC, ba.HolderName)
	if err != nil {
		return fmt.Errorf("bank accounts: upsert %s: %w", ba.CaptainID, err)
	}
	return nil
}

// GetBankAccount returns the captain's linked account, ErrNotFound if none.
func (r *WalletRepository) GetBankAccount(ctx context.Context, captainID string) (*model.BankAccount, error) {
	ba := &model.BankAccount{}
	err := r.pool.QueryRow(ctx, `
		SELECT captain_id, account_number, ifsc, holder_name, created_at
		FROM bank_accounts WHERE captain_id = $1
	`, captainID).Scan(&ba.CaptainID, &ba.AccountNumber, &ba.IFSC, &ba.HolderName, &ba.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bank accounts: %s: %w", captainID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("bank accounts: get %s: %w", captainID, err)
	}
	return ba, nil
}
