// Package model contains domain models for the dispatch core.
// These structs map to the PostgreSQL schema ensured at startup by pkg/db.
package model

import "time"

// ─── Enums ──────────────────────────────────────────────────

// JobKind distinguishes the two sides of the marketplace.
type JobKind string

const (
	KindOrder JobKind = "ORDER"
	KindRide  JobKind = "RIDE"
)

// JobState is the customer-facing lifecycle state.
type JobState string

const (
	StatePendingPayment JobState = "PENDING_PAYMENT"
	StatePlaced         JobState = "PLACED"    // order accepted, searching
	StateRequested      JobState = "REQUESTED" // ride accepted, searching
	StateAssigned       JobState = "ASSIGNED"
	StateDelivered      JobState = "DELIVERED" // terminal, order
	StateCompleted      JobState = "COMPLETED" // terminal, ride
	StateCancelled      JobState = "CANCELLED" // terminal
	StateFailed         JobState = "FAILED"    // terminal, payment failure
)

// MatchState is the dispatch sub-state tracked alongside JobState.
type MatchState string

const (
	MatchCreated    MatchState = "CREATED"
	MatchSearching  MatchState = "SEARCHING"
	MatchOffered    MatchState = "OFFERED"
	MatchAssigned   MatchState = "ASSIGNED"
	MatchNoLocation MatchState = "NO_LOCATION"
	MatchNoCaptain  MatchState = "NO_CAPTAIN"
	MatchRetrying   MatchState = "RETRYING"
	MatchCancelled  MatchState = "CANCELLED"
	MatchCompleted  MatchState = "COMPLETED"
)

// PaymentMode covers the supported checkout combinations.
type PaymentMode string

const (
	PayRazorpay       PaymentMode = "RAZORPAY"
	PayCOD            PaymentMode = "COD" // orders only
	PayWallet         PaymentMode = "WALLET"
	PayWalletRazorpay PaymentMode = "WALLET_RAZORPAY"
)

// VehicleType is the captain's vehicle class; rides request one explicitly.
type VehicleType string

const (
	VehicleBike VehicleType = "BIKE"
	VehicleAuto VehicleType = "AUTO"
	VehicleCar  VehicleType = "CAR"
	VehicleSUV  VehicleType = "SUV"
)

// Role identifies the kind of authenticated principal.
type Role string

const (
	RoleUser       Role = "USER"
	RoleCaptain    Role = "CAPTAIN"
	RoleRestaurant Role = "RESTAURANT"
	RoleAdmin      Role = "ADMIN"
)

// CancelActor names who initiated a cancellation; the refund and penalty
// policy keys off it.
type CancelActor string

const (
	CancelByUser       CancelActor = "USER"
	CancelByCaptain    CancelActor = "CAPTAIN"
	CancelByRestaurant CancelActor = "RESTAURANT"
	CancelBySystem     CancelActor = "SYSTEM"
	CancelByAdmin      CancelActor = "ADMIN"
)

// RefundMethod says which channel returned the money.
type RefundMethod string

const (
	RefundGateway RefundMethod = "GATEWAY"
	RefundWallet  RefundMethod = "WALLET"
	RefundNone    RefundMethod = ""
)

// Cancellation maps to the `cancellations` table: one audit row per
// cancelled job, carrying the derived refund and penalty amounts.
type Cancellation struct {
	ID            string       `json:"id"`
	JobID         string       `json:"job_id"`
	Actor         CancelActor  `json:"actor"`
	Reason        string       `json:"reason"`
	LateDelivery  bool         `json:"late_delivery"`
	NoShow        bool         `json:"no_show"`
	RefundAmount  int64        `json:"refund_amount"`
	RefundMethod  RefundMethod `json:"refund_method,omitempty"`
	PenaltyAmount int64        `json:"penalty_amount"`
	CreatedAt     time.Time    `json:"created_at"`
}

// LedgerAccount enumerates the double-entry accounts.
type LedgerAccount string

const (
	AccountUserWallet        LedgerAccount = "USER_WALLET"
	AccountCaptainPayable    LedgerAccount = "CAPTAIN_PAYABLE"
	AccountPlatformCash      LedgerAccount = "PLATFORM_CASH"
	AccountPlatformRevenue   LedgerAccount = "PLATFORM_REVENUE"
	AccountRestaurantPayable LedgerAccount = "RESTAURANT_PAYABLE"
	AccountCustomerPayments  LedgerAccount = "CUSTOMER_PAYMENTS"
)

// EntryDirection is the side of a ledger entry.
type EntryDirection string

const (
	Debit  EntryDirection = "DEBIT"
	Credit EntryDirection = "CREDIT"
)

// OwnerType scopes wallets and penalties to a principal kind.
type OwnerType string

const (
	OwnerUser    OwnerType = "USER"
	OwnerCaptain OwnerType = "CAPTAIN"
)

// Priority orders notification delivery.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// ─── Location ───────────────────────────────────────────────

// Location represents a WGS-84 geographic point (EPSG:4326).
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ─── Domain Models ──────────────────────────────────────────

// User maps to the `users` table.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Restaurant maps to the `restaurants` table. Its location is the pickup
// point for every ORDER it originates; nil when not yet geocoded.
type Restaurant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  *Location `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusChange is one append-only row of a job's status history.
type StatusChange struct {
	From   JobState  `json:"from"`
	To     JobState  `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Job maps to the `jobs` table. A Job is either a food ORDER or a RIDE;
// both flow through the same matcher and lifecycle machinery.
//
// Amounts are integer minor units (paise). Timestamps are UTC.
type Job struct {
	ID           string      `json:"id"`
	Kind         JobKind     `json:"kind"`
	Status       JobState    `json:"status"`
	MatchState   MatchState  `json:"job_status"`
	UserID       string      `json:"user_id"`
	RestaurantID *string     `json:"restaurant_id,omitempty"` // orders
	CaptainID    *string     `json:"captain_id,omitempty"`
	VehicleType  VehicleType `json:"vehicle_type,omitempty"` // rides

	Pickup  *Location `json:"pickup,omitempty"`
	Dropoff *Location `json:"dropoff,omitempty"`

	Amount          int64       `json:"amount"`
	SurgeMultiplier float64     `json:"surge_multiplier"`
	PaymentMode     PaymentMode `json:"payment_mode"`
	PaymentID       *string     `json:"payment_id,omitempty"`
	WalletApplied   int64       `json:"wallet_applied"`
	IsPaid          bool        `json:"is_paid"`
	Settled         bool        `json:"settled"`
	Rewarded        bool        `json:"rewarded"`
	PointsEarned    int64       `json:"points_earned"`

	Attempts         int      `json:"job_attempts"`
	RetryCount       int      `json:"retry_count"`
	RejectedCaptains []string `json:"rejected_captains,omitempty"`

	Late          bool           `json:"late"`
	StatusHistory []StatusChange `json:"status_history,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StateDelivered, StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Captain maps to the `captains` table.
type Captain struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Phone       string      `json:"phone"`
	VehicleType VehicleType `json:"vehicle_type"`

	IsOnline   bool `json:"is_online"`
	IsVerified bool `json:"is_verified"`
	IsBusy     bool `json:"is_busy"`

	CurrentJobID    *string  `json:"current_job_id,omitempty"`
	BatchedOrderIDs []string `json:"batched_order_ids,omitempty"`

	Location   *Location  `json:"location,omitempty"`
	LocationAt *time.Time `json:"location_at,omitempty"`

	AverageRating     float64    `json:"average_rating"`
	TotalTrips        int        `json:"total_trips"`
	CancellationCount int        `json:"cancellation_count"`
	LastAssignedAt    *time.Time `json:"last_assigned_at,omitempty"`

	GoHomeMode bool      `json:"go_home_mode"`
	Home       *Location `json:"home,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Wallet maps to the `wallets` table. Balance never goes below zero;
// debits are compare-and-decrement at the SQL level.
type Wallet struct {
	OwnerID   string    `json:"owner_id"`
	OwnerType OwnerType `json:"owner_type"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is one side of a double-entry transaction.
type LedgerEntry struct {
	ID        int64          `json:"id"`
	TxnID     string         `json:"txn_id"`
	Account   LedgerAccount  `json:"account"`
	OwnerID   *string        `json:"owner_id,omitempty"`
	Direction EntryDirection `json:"direction"`
	Amount    int64          `json:"amount"`
}

// LedgerTransaction groups balanced entries. The repository refuses to
// commit a transaction whose debits and credits do not sum equal.
type LedgerTransaction struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	ReferenceID string        `json:"reference_id,omitempty"`
	Memo        string        `json:"memo,omitempty"`
	Entries     []LedgerEntry `json:"entries"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Balanced reports whether the transaction has entries, every amount is
// positive, and the debit and credit sides sum equal.
func (t *LedgerTransaction) Balanced() bool {
	if len(t.Entries) == 0 {
		return false
	}
	var debits, credits int64
	for _, e := range t.Entries {
		if e.Amount <= 0 {
			return false
		}
		switch e.Direction {
		case Debit:
			debits += e.Amount
		case Credit:
			credits += e.Amount
		default:
			return false
		}
	}
	return debits == credits
}

// LedgerRecord is a wallet-history view row: the owner-facing side of a
// ledger transaction.
type LedgerRecord struct {
	TxnID     string         `json:"txn_id"`
	Kind      string         `json:"kind"`
	Direction EntryDirection `json:"direction"`
	Amount    int64          `json:"amount"`
	Memo      string         `json:"memo,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Settlement maps to the `settlements` table, one row per settled job.
type Settlement struct {
	JobID      string    `json:"job_id"`
	Gross      int64     `json:"gross"`
	Commission int64     `json:"commission"`
	Payout     int64     `json:"payout"`
	TxnID      string    `json:"txn_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Penalty maps to the `penalties` table. Written as the audit record for
// captain-cancel penalties and whenever a fee could not be collected from
// a wallet.
type Penalty struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subject_id"`
	SubjectType OwnerType `json:"subject_type"`
	JobID       string    `json:"job_id"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason"`
	Collected   bool      `json:"collected"`
	CreatedAt   time.Time `json:"created_at"`
}

// BankAccount maps to the `bank_accounts` table; payouts require one.
type BankAccount struct {
	CaptainID     string    `json:"captain_id"`
	AccountNumber string    `json:"account_number"`
	IFSC          string    `json:"ifsc"`
	HolderName    string    `json:"holder_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// ─── Dispatch records ───────────────────────────────────────

// MatchingLog maps to the `matching_logs` table. Exactly one row is
// written per matching decision and one per offer extended.
type MatchingLog struct {
	ID             int64      `json:"id"`
	JobID          string     `json:"job_id"`
	Stage          string     `json:"stage"` // decision | offer | batch
	CaptainID      *string    `json:"captain_id,omitempty"`
	Attempt        int        `json:"attempt"`
	CandidateCount int        `json:"candidate_count"`
	RadiusM        float64    `json:"radius_m"`
	Surge          float64    `json:"surge"`
	Outcome        string     `json:"outcome"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Offer is the live offer stored in Redis while a captain decides.
type Offer struct {
	JobID     string    `json:"job_id"`
	CaptainID string    `json:"captain_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the offer deadline has passed at t.
func (o *Offer) Expired(t time.Time) bool {
	return !t.Before(o.ExpiresAt)
}

// RankedCaptain is the matcher's scoring view of one candidate.
// Lower Score ranks earlier.
type RankedCaptain struct {
	CaptainID  string   `json:"captain_id"`
	Location   Location `json:"location"`
	DistanceKm float64  `json:"distance_km"`
	Rating     float64  `json:"rating"`
	Fairness   float64  `json:"fairness"`
	Score      float64  `json:"score"`
}

// ─── Notifications ──────────────────────────────────────────

// Notification is one queued message. Delivery prefers the push channel
// when the recipient is connected and falls back to the provider sender.
type Notification struct {
	ID        string         `json:"id"`
	Recipient string         `json:"recipient"`
	Role      Role           `json:"role"`
	Priority  Priority       `json:"priority"`
	Event     string         `json:"event"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Attempts  int            `json:"attempts"`
	CreatedAt time.Time      `json:"created_at"`
}
