package service

import "errors"

// Service-level sentinels. Handlers map these to HTTP statuses with a
// single errors.Is switch; nothing below this layer leaks to callers.
var (
	// ErrOfferExpired is returned when a captain accepts or rejects an
	// offer that no longer exists or names a different captain. Also the
	// losing side of the accept/timeout race.
	ErrOfferExpired = errors.New("offer expired or superseded")

	// ErrCaptainUnavailable is returned when the captain claim lost: the
	// captain went offline, got busy or was unverified between the offer
	// and the accept.
	ErrCaptainUnavailable = errors.New("captain no longer available")

	// ErrInvalidTransition is returned for illegal lifecycle transitions,
	// including acting on a terminal job.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotAssignedCaptain is returned when a captain acts on a job that
	// is assigned to somebody else.
	ErrNotAssignedCaptain = errors.New("job assigned to a different captain")

	// ErrCaptainBusy is returned when a busy captain tries to go offline.
	ErrCaptainBusy = errors.New("captain is busy with an active job")

	// ErrInsufficientBalance is returned when a wallet cannot cover a
	// debit.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")

	// ErrNoBankAccount is returned when a payout is requested without a
	// linked bank account.
	ErrNoBankAccount = errors.New("no bank account linked")

	// ErrInvalidPayment covers unknown payment modes, COD on rides and
	// wallet amounts that do not fit the mode.
	ErrInvalidPayment = errors.New("invalid payment request")

	// ErrBadSignature is returned when a payment verification signature
	// does not match.
	ErrBadSignature = errors.New("payment signature mismatch")

	// ErrDependency is returned when an external provider (payment
	// gateway, routing) fails or times out.
	ErrDependency = errors.New("upstream dependency unavailable")
)
