package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/repository"
)

// Gateway is the external payment processor. Calls must respect the
// context deadline; any transport or processor failure surfaces as
// ErrDependency to callers of the payment service.
type Gateway interface {
	// CreateOrder registers an amount to be collected and returns the
	// gateway's order id for the client-side checkout.
	CreateOrder(ctx context.Context, amount int64, receipt string) (string, error)

	// Refund reverses a captured payment, fully or partially.
	Refund(ctx context.Context, paymentID string, amount int64) (string, error)
}

// ─── Razorpay-style HTTP gateway ────────────────────────────

// HTTPGateway talks to a Razorpay-compatible REST API with key/secret
// basic auth.
type HTTPGateway struct {
	client *http.Client
	cfg    config.PaymentConfig
}

// NewHTTPGateway builds the gateway client. Returns nil when no gateway
// URL is configured, which keeps gateway-backed modes rejected cleanly.
func NewHTTPGateway(cfg config.PaymentConfig) *HTTPGateway {
	if cfg.GatewayURL == "" {
		return nil
	}
	return &HTTPGateway{
		client: &http.Client{Timeout: cfg.GatewayTimeout},
		cfg:    cfg,
	}
}

func (g *HTTPGateway) CreateOrder(ctx context.Context, amount int64, receipt string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := g.post(ctx, "/orders", map[string]any{
		"amount":   amount,
		"currency": "INR",
		"receipt":  receipt,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, paymentID string, amount int64) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := g.post(ctx, "/payments/"+paymentID+"/refund", map[string]any{
		"amount": amount,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(g.cfg.GatewayURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gateway: build %s: %w", path, err)
	}
	req.SetBasicAuth(g.cfg.GatewayKey, g.cfg.GatewaySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway: %s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode %s: %w", path, err)
	}
	return nil
}

// ─── PaymentService ─────────────────────────────────────────

// PaymentIntent is what the client needs to finish checkout.
type PaymentIntent struct {
	JobID          string            `json:"job_id"`
	Mode           model.PaymentMode `json:"mode"`
	Total          int64             `json:"total"`
	WalletApplied  int64             `json:"wallet_applied"`
	GatewayDue     int64             `json:"gateway_due"`
	GatewayOrderID string            `json:"gateway_order_id,omitempty"`

	// Paid is true when no gateway leg remains (WALLET, COD).
	Paid bool `json:"paid"`
}

// PaymentService handles checkout: payment mode validation, wallet
// application, gateway order creation, signature verification and
// payment-failure rollback.
type PaymentService struct {
	jobs    *repository.JobRepository
	wallet  *WalletService
	gateway Gateway
	cfg     config.PaymentConfig
}

// NewPaymentService wires the payment layer. gateway may be nil; gateway
// modes then fail with ErrDependency.
func NewPaymentService(jobs *repository.JobRepository, wallet *WalletService, gateway Gateway, cfg config.PaymentConfig) *PaymentService {
	return &PaymentService{jobs: jobs, wallet: wallet, gateway: gateway, cfg: cfg}
}

// NormalizeMode canonicalizes the client-supplied payment mode string.
func NormalizeMode(raw string) (model.PaymentMode, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "+", "_")) {
	case "RAZORPAY", "GATEWAY", "ONLINE":
		return model.PayRazorpay, nil
	case "COD", "CASH":
		return model.PayCOD, nil
	case "WALLET":
		return model.PayWallet, nil
	case "WALLET_RAZORPAY":
		return model.PayWalletRazorpay, nil
	}
	return "", fmt.Errorf("payment mode %q: %w", raw, ErrInvalidPayment)
}

// walletShare returns how much of the total the wallet covers for the
// mode, validating the combination:
//   - WALLET covers everything
//   - WALLET_RAZORPAY covers the requested share, 0 ≤ share ≤ total
//   - RAZORPAY and COD forbid a wallet share; COD is order-only
func walletShare(mode model.PaymentMode, kind model.JobKind, total, requested int64) (int64, error) {
	switch mode {
	case model.PayWallet:
		return total, nil
	case model.PayWalletRazorpay:
		if requested < 0 || requested > total {
			return 0, fmt.Errorf("wallet share %d of %d: %w", requested, total, ErrInvalidPayment)
		}
		return requested, nil
	case model.PayCOD:
		if kind != model.KindOrder {
			return 0, fmt.Errorf("cash on delivery on a %s: %w", kind, ErrInvalidPayment)
		}
		fallthrough
	case model.PayRazorpay:
		if requested != 0 {
			return 0, fmt.Errorf("wallet share on %s: %w", mode, ErrInvalidPayment)
		}
		return 0, nil
	}
	return 0, fmt.Errorf("payment mode %q: %w", mode, ErrInvalidPayment)
}

// Prepare runs checkout for a freshly created job in PENDING_PAYMENT:
// debits the wallet share, creates the gateway order for the remainder,
// and moves fully-covered jobs straight to their open state.
func (s *PaymentService) Prepare(ctx context.Context, job *model.Job, walletRequested int64) (*PaymentIntent, error) {
	share, err := walletShare(job.PaymentMode, job.Kind, job.Amount, walletRequested)
	if err != nil {
		return nil, err
	}

	intent := &PaymentIntent{
		JobID:         job.ID,
		Mode:          job.PaymentMode,
		Total:         job.Amount,
		WalletApplied: share,
		GatewayDue:    job.Amount - share,
	}

	if share > 0 {
		if _, err := s.wallet.Debit(ctx, job.UserID, model.OwnerUser, share,
			TxnWalletPayment, job.ID, "applied at checkout"); err != nil {
			return nil, err
		}
	}

	switch {
	case intent.GatewayDue == 0 && job.PaymentMode != model.PayCOD:
		// Wallet covered everything: paid, open for dispatch.
		if err := s.jobs.MarkPaid(ctx, job.ID, nil); err != nil {
			return nil, err
		}
		intent.Paid = true

	case job.PaymentMode == model.PayCOD:
		// Cash settles at the door; the job opens unpaid.
		intent.Paid = true

	default:
		if s.gateway == nil {
			s.rollbackWallet(ctx, job, share)
			return nil, fmt.Errorf("no payment gateway configured: %w", ErrDependency)
		}
		orderID, err := s.gateway.CreateOrder(ctx, intent.GatewayDue, job.ID)
		if err != nil {
			s.rollbackWallet(ctx, job, share)
			return nil, fmt.Errorf("gateway order for job %s: %v: %w", job.ID, err, ErrDependency)
		}
		intent.GatewayOrderID = orderID
	}

	return intent, nil
}

// rollbackWallet returns the wallet share after a failed gateway leg.
func (s *PaymentService) rollbackWallet(ctx context.Context, job *model.Job, share int64) {
	if share <= 0 {
		return
	}
	if _, err := s.wallet.Refund(ctx, job.UserID, share, job.ID, "checkout rollback"); err != nil {
		log.Printf("[payment] WALLET ROLLBACK FAILED for job %s amount %d: %v", job.ID, share, err)
	}
}

// signaturePayload is what the gateway signs: jobID|paymentID.
func signaturePayload(jobID, paymentID string) string {
	return jobID + "|" + paymentID
}

// Signature computes the expected HMAC-SHA256 hex digest for a payment.
func (s *PaymentService) Signature(jobID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.GatewaySecret))
	mac.Write([]byte(signaturePayload(jobID, paymentID)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the gateway callback signature and marks the job paid.
// The job must still be awaiting payment.
func (s *PaymentService) Verify(ctx context.Context, jobID, paymentID, signature string) (*model.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.StatePendingPayment {
		return nil, fmt.Errorf("verify job %s in '%s': %w", jobID, job.Status, ErrInvalidTransition)
	}

	expected := s.Signature(jobID, paymentID)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, fmt.Errorf("job %s payment %s: %w", jobID, paymentID, ErrBadSignature)
	}

	if err := s.jobs.MarkPaid(ctx, jobID, &paymentID); err != nil {
		return nil, err
	}
	log.Printf("[payment] ✓ job %s paid (payment %s)", jobID, paymentID)
	return s.jobs.Get(ctx, jobID)
}

// Fail abandons a pending payment: the job goes to FAILED and any wallet
// share debited at checkout is returned.
func (s *PaymentService) Fail(ctx context.Context, jobID, reason string) (*model.Job, error) {
	job, err := s.jobs.Transition(ctx, jobID,
		[]model.JobState{model.StatePendingPayment}, model.StateFailed, reason)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}

	if job.WalletApplied > 0 {
		if _, err := s.wallet.Refund(ctx, job.UserID, job.WalletApplied, jobID, "payment failed"); err != nil {
			log.Printf("[payment] WALLET REFUND FAILED for job %s amount %d: %v", jobID, job.WalletApplied, err)
		}
	}

	log.Printf("[payment] job %s failed: %s", jobID, reason)
	return job, nil
}

// GatewayRefund attempts a refund through the processor. Callers fall
// back to a wallet credit when this errors.
func (s *PaymentService) GatewayRefund(ctx context.Context, paymentID string, amount int64) (string, error) {
	if s.gateway == nil {
		return "", fmt.Errorf("no payment gateway configured: %w", ErrDependency)
	}
	refundID, err := s.gateway.Refund(ctx, paymentID, amount)
	if err != nil {
		return "", fmt.Errorf("gateway refund %s: %v: %w", paymentID, err, ErrDependency)
	}
	return refundID, nil
}
