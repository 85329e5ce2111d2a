package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/repository"
)

// Ledger transaction kinds.
const (
	TxnTopup         = "TOPUP"
	TxnDebit         = "DEBIT"
	TxnRefund        = "REFUND"
	TxnPenalty       = "PENALTY"
	TxnWithdrawal    = "WITHDRAWAL"
	TxnSettlement    = "SETTLEMENT"
	TxnWalletPayment = "WALLET_PAYMENT"
)

// WithdrawalReceipt is the captain-facing result of a payout.
type WithdrawalReceipt struct {
	TxnID     string `json:"txn_id"`
	Requested int64  `json:"requested"`
	TDS       int64  `json:"tds"`
	NetPayout int64  `json:"net_payout"`
	BankLast4 string `json:"bank_last4"`
}

// ─── WalletService ──────────────────────────────────────────

// WalletService fronts the double-entry ledger. Every money movement is a
// balanced transaction; wallet-backed debits are compare-and-decrement
// and surface ErrInsufficientBalance when the balance cannot cover them.
type WalletService struct {
	wallets *repository.WalletRepository
	jobs    *repository.JobRepository
	cfg     config.PaymentConfig
}

// NewWalletService creates the wallet service.
func NewWalletService(wallets *repository.WalletRepository, jobs *repository.JobRepository, cfg config.PaymentConfig) *WalletService {
	return &WalletService{wallets: wallets, jobs: jobs, cfg: cfg}
}

// Balance returns the owner's wallet balance in minor units.
func (s *WalletService) Balance(ctx context.Context, ownerID string, ot model.OwnerType) (int64, error) {
	return s.wallets.Balance(ctx, ownerID, ot)
}

// History returns the owner's ledger rows, newest first.
func (s *WalletService) History(ctx context.Context, ownerID string, ot model.OwnerType, limit int) ([]model.LedgerRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.wallets.History(ctx, ownerID, ot, limit)
}

// walletAccount maps an owner kind to its ledger account.
func walletAccount(ot model.OwnerType) model.LedgerAccount {
	if ot == model.OwnerCaptain {
		return model.AccountCaptainPayable
	}
	return model.AccountUserWallet
}

// Credit moves money from platform cash into the owner's wallet.
func (s *WalletService) Credit(ctx context.Context, ownerID string, ot model.OwnerType, amount int64, kind, ref, memo string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("credit %s/%s: amount %d: %w", ot, ownerID, amount, ErrInvalidPayment)
	}
	txn := &model.LedgerTransaction{
		ID:          uuid.NewString(),
		Kind:        kind,
		ReferenceID: ref,
		Memo:        memo,
		Entries: []model.LedgerEntry{
			{Account: model.AccountPlatformCash, Direction: model.Debit, Amount: amount},
			{Account: walletAccount(ot), OwnerID: &ownerID, Direction: model.Credit, Amount: amount},
		},
	}
	if err := s.wallets.Apply(ctx, txn); err != nil {
		return "", err
	}
	return txn.ID, nil
}

// Debit moves money out of the owner's wallet into platform cash.
// Fails with ErrInsufficientBalance when the wallet cannot cover it.
func (s *WalletService) Debit(ctx context.Context, ownerID string, ot model.OwnerType, amount int64, kind, ref, memo string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("debit %s/%s: amount %d: %w", ot, ownerID, amount, ErrInvalidPayment)
	}
	txn := &model.LedgerTransaction{
		ID:          uuid.NewString(),
		Kind:        kind,
		ReferenceID: ref,
		Memo:        memo,
		Entries: []model.LedgerEntry{
			{Account: walletAccount(ot), OwnerID: &ownerID, Direction: model.Debit, Amount: amount},
			{Account: model.AccountPlatformCash, Direction: model.Credit, Amount: amount},
		},
	}
	if err := s.wallets.Apply(ctx, txn); err != nil {
		if errors.Is(err, repository.ErrInsufficientFunds) {
			return "", fmt.Errorf("debit %s/%s: %w", ot, ownerID, ErrInsufficientBalance)
		}
		return "", err
	}
	return txn.ID, nil
}

// Refund credits a user as part of a cancellation. Same movement as
// Credit, tagged REFUND so it reads right on the statement.
func (s *WalletService) Refund(ctx context.Context, userID string, amount int64, jobID, memo string) (string, error) {
	return s.Credit(ctx, userID, model.OwnerUser, amount, TxnRefund, jobID, memo)
}

// Topup credits a user's wallet after a successful gateway charge.
func (s *WalletService) Topup(ctx context.Context, userID string, amount int64, gatewayRef string) (string, error) {
	return s.Credit(ctx, userID, model.OwnerUser, amount, TxnTopup, gatewayRef, "wallet topup")
}

// ─── Settlement ─────────────────────────────────────────────

// commissionSplit divides a gross amount into the platform commission and
// the remainder.
func (s *WalletService) commissionSplit(gross int64) (commission, remainder int64) {
	commission = percentOf(gross, s.cfg.CommissionPercent)
	return commission, gross - commission
}

// SettleOrder books a delivered order: the customer payment splits into
// platform commission and the restaurant's share. Idempotent via the
// job's settled flag; a second call returns (false, nil).
func (s *WalletService) SettleOrder(ctx context.Context, job *model.Job) (bool, error) {
	if job.RestaurantID == nil {
		return false, fmt.Errorf("settle order %s: no restaurant", job.ID)
	}
	commission, remainder := s.commissionSplit(job.Amount)

	txn := &model.LedgerTransaction{
		ID:          uuid.NewString(),
		Kind:        TxnSettlement,
		ReferenceID: job.ID,
		Memo:        "order settlement",
		Entries: []model.LedgerEntry{
			{Account: model.AccountCustomerPayments, Direction: model.Debit, Amount: job.Amount},
			{Account: model.AccountPlatformRevenue, Direction: model.Credit, Amount: commission},
			{Account: model.AccountRestaurantPayable, OwnerID: job.RestaurantID, Direction: model.Credit, Amount: remainder},
		},
	}
	return s.settle(ctx, job, txn, commission, remainder)
}

// SettleRide books a completed ride: commission to the platform, the
// remainder to the captain's payable wallet.
func (s *WalletService) SettleRide(ctx context.Context, job *model.Job) (bool, error) {
	if job.CaptainID == nil {
		return false, fmt.Errorf("settle ride %s: no captain", job.ID)
	}
	commission, remainder := s.commissionSplit(job.Amount)

	txn := &model.LedgerTransaction{
		ID:          uuid.NewString(),
		Kind:        TxnSettlement,
		ReferenceID: job.ID,
		Memo:        "ride settlement",
		Entries: []model.LedgerEntry{
			{Account: model.AccountCustomerPayments, Direction: model.Debit, Amount: job.Amount},
			{Account: model.AccountPlatformRevenue, Direction: model.Credit, Amount: commission},
			{Account: model.AccountCaptainPayable, OwnerID: job.CaptainID, Direction: model.Credit, Amount: remainder},
		},
	}
	return s.settle(ctx, job, txn, commission, remainder)
}

func (s *WalletService) settle(ctx context.Context, job *model.Job, txn *model.LedgerTransaction, commission, payout int64) (bool, error) {
	applied, err := s.wallets.SettleJob(ctx, txn, &model.Settlement{
		JobID:      job.ID,
		Gross:      job.Amount,
		Commission: commission,
		Payout:     payout,
		TxnID:      txn.ID,
	})
	if err != nil {
		return false, err
	}
	if applied {
		log.Printf("[wallet] job %s settled: gross %d, commission %d, payout %d",
			job.ID, job.Amount, commission, payout)
	}
	return applied, nil
}

// ─── Payouts ────────────────────────────────────────────────

// Withdraw pays a captain out of their payable balance. Requires a linked
// bank account; TDS is withheld from the requested amount before the
// (stubbed) bank transfer.
func (s *WalletService) Withdraw(ctx context.Context, captainID string, amount int64) (*WithdrawalReceipt, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdraw %s: amount %d: %w", captainID, amount, ErrInvalidPayment)
	}

	bank, err := s.wallets.GetBankAccount(ctx, captainID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoBankAccount
		}
		return nil, err
	}

	tds := percentOf(amount, s.cfg.TDSPercent)
	net := amount - tds

	txn := &model.LedgerTransaction{
		ID:          uuid.NewString(),
		Kind:        TxnWithdrawal,
		ReferenceID: captainID,
		Memo:        fmt.Sprintf("payout to ****%s", last4(bank.AccountNumber)),
		Entries: []model.LedgerEntry{
			{Account: model.AccountCaptainPayable, OwnerID: &captainID, Direction: model.Debit, Amount: amount},
			{Account: model.AccountPlatformRevenue, Direction: model.Credit, Amount: tds},
			{Account: model.AccountPlatformCash, Direction: model.Credit, Amount: net},
		},
	}
	if err := s.wallets.Apply(ctx, txn); err != nil {
		if errors.Is(err, repository.ErrInsufficientFunds) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}

	log.Printf("[wallet] captain %s withdrew %d (tds %d, net %d)", captainID, amount, tds, net)
	return &WithdrawalReceipt{
		TxnID:     txn.ID,
		Requested: amount,
		TDS:       tds,
		NetPayout: net,
		BankLast4: last4(bank.AccountNumber),
	}, nil
}

// LinkBankAccount stores the captain's payout destination.
func (s *WalletService) LinkBankAccount(ctx context.Context, ba *model.BankAccount) error {
	if ba.AccountNumber == "" || ba.IFSC == "" || ba.HolderName == "" {
		return fmt.Errorf("link bank account: missing fields: %w", ErrInvalidPayment)
	}
	return s.wallets.UpsertBankAccount(ctx, ba)
}

// BankAccount returns the captain's linked account, ErrNoBankAccount if
// none is linked.
func (s *WalletService) BankAccount(ctx context.Context, captainID string) (*model.BankAccount, error) {
	ba, err := s.wallets.GetBankAccount(ctx, captainID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoBankAccount
	}
	return ba, err
}

// RecordPenalty writes a penalty audit row.
func (s *WalletService) RecordPenalty(ctx context.Context, p *model.Penalty) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.wallets.InsertPenalty(ctx, p)
}

// percentOf computes pct% of amount in minor units, rounded half up.
func percentOf(amount int64, pct int) int64 {
	return int64(math.Round(float64(amount) * float64(pct) / 100))
}

// last4 returns the trailing digits of an account number for display.
func last4(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}
