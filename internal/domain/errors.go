package domain

import (
	"context"
	"errors"
)

// Infrastructure errors shared by stores and caches.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
)

// Validation errors. Rejected synchronously and reported to the submitter.
var (
	ErrInvalidSignature = errors.New("signature does not match maker")
	ErrDeadlinePassed   = errors.New("order deadline has passed")
	ErrAmountTooSmall   = errors.New("source amount below minimum")
	ErrMalformedOrder   = errors.New("malformed order")
	ErrDuplicateOrder   = errors.New("order already exists")
	ErrMalformedBid     = errors.New("malformed bid")
	ErrAuctionNotFound  = errors.New("auction not found")
	ErrAuctionClosed    = errors.New("auction closed")
	ErrRateBelowCeiling = errors.New("bid rate below current ceiling")
	ErrConflictingBid   = errors.New("resolver has a pending conflicting bid")
	ErrNotCancellable   = errors.New("order can no longer be cancelled")
)

// Economic outcomes. These resolve to terminal order states, not failures.
var (
	ErrUnfillable      = errors.New("no profitable fill ratio")
	ErrNoQualifyingBid = errors.New("no qualifying bid")
)

// Chain adapter errors. ErrChainUnavailable is the only transient one.
var (
	ErrChainUnavailable   = errors.New("chain unavailable")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidParameters  = errors.New("invalid lock parameters")
	ErrSecretMismatch     = errors.New("secret does not match hashlock")
	ErrAlreadyClaimed     = errors.New("htlc already claimed")
	ErrAlreadyRefunded    = errors.New("htlc already refunded")
	ErrTimelockNotElapsed = errors.New("timelock not elapsed")
	ErrLegNotFound        = errors.New("htlc leg not found")
)

// Protocol invariant violations. Fatal to the affected order's setup.
var (
	ErrTimelockInvariant = errors.New("destination timelock not below source timelock by safety margin")
	ErrTimelockBounds    = errors.New("timelock outside allowed bounds")
	ErrSecretReused      = errors.New("secret already bound to another order")
	ErrOverfill          = errors.New("fill exceeds remaining order amount")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChainUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// IsPermanentChain reports whether err is an authoritative ledger answer that
// must be reconciled against rather than retried.
func IsPermanentChain(err error) bool {
	for _, target := range []error{
		ErrInsufficientFunds, ErrInvalidParameters, ErrSecretMismatch,
		ErrAlreadyClaimed, ErrAlreadyRefunded, ErrTimelockNotElapsed, ErrLegNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsValidation reports whether err is a caller input problem.
func IsValidation(err error) bool {
	_, ok := validationCodes[rootOf(err)]
	return ok
}

var validationCodes = map[error]string{
	ErrInvalidSignature: "bad_signature",
	ErrDeadlinePassed:   "expired_deadline",
	ErrAmountTooSmall:   "amount_below_minimum",
	ErrMalformedOrder:   "malformed_order",
	ErrDuplicateOrder:   "duplicate_order",
	ErrMalformedBid:     "malformed_bid",
	ErrAuctionNotFound:  "auction_not_found",
	ErrAuctionClosed:    "auction_closed",
	ErrRateBelowCeiling: "rate_below_ceiling",
	ErrConflictingBid:   "conflicting_bid",
	ErrNotCancellable:   "not_cancellable",
}

var otherCodes = map[error]string{
	ErrNotFound:           "not_found",
	ErrRateLimited:        "rate_limited",
	ErrUnauthorized:       "unauthorized",
	ErrUnfillable:         "unfillable",
	ErrNoQualifyingBid:    "no_qualifying_bid",
	ErrChainUnavailable:   "chain_unavailable",
	ErrInsufficientFunds:  "insufficient_funds",
	ErrInvalidParameters:  "invalid_parameters",
	ErrSecretMismatch:     "secret_mismatch",
	ErrAlreadyClaimed:     "already_claimed",
	ErrAlreadyRefunded:    "already_refunded",
	ErrTimelockNotElapsed: "timelock_not_elapsed",
	ErrLegNotFound:        "leg_not_found",
	ErrTimelockInvariant:  "timelock_invariant",
	ErrTimelockBounds:     "timelock_bounds",
	ErrSecretReused:       "secret_reused",
	ErrOverfill:           "overfill",
}

// ReasonCode maps err onto a stable, machine-readable reason string.
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	root := rootOf(err)
	if code, ok := validationCodes[root]; ok {
		return code
	}
	if code, ok := otherCodes[root]; ok {
		return code
	}
	return "internal"
}

// rootOf returns the first known sentinel in err's chain, or err itself.
func rootOf(err error) error {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := validationCodes[e]; ok {
			return e
		}
		if _, ok := otherCodes[e]; ok {
			return e
		}
	}
	return err
}
