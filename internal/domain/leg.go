package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Leg names one chain-side half of a cross-chain HTLC pair.
type Leg string

const (
	LegSource      Leg = "source"
	LegDestination Leg = "destination"
)

// Other returns the mirrored leg.
func (l Leg) Other() Leg {
	if l == LegSource {
		return LegDestination
	}
	return LegSource
}

// LegState is the per-leg HTLC lifecycle tag.
type LegState string

const (
	LegNone      LegState = "none"
	LegLocking   LegState = "locking"
	LegLocked    LegState = "locked"
	LegClaimed   LegState = "claimed"
	LegRefunding LegState = "refunding"
	LegRefunded  LegState = "refunded"
	LegFailed    LegState = "failed" // lock rejected by the ledger, nothing held
)

// Settled reports whether the leg holds no funds any more.
func (s LegState) Settled() bool {
	return s == LegClaimed || s == LegRefunded || s == LegFailed
}

// Hashlock is the sha256 commitment shared by both legs of an order.
type Hashlock [32]byte

// Secret is the 32-byte preimage of a Hashlock.
type Secret [32]byte

// HashSecret returns sha256(secret), the hashlock the secret opens.
func HashSecret(s Secret) Hashlock {
	return Hashlock(sha256.Sum256(s[:]))
}

func (h Hashlock) IsZero() bool { return h == Hashlock{} }

func (h Hashlock) String() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hashlock) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hashlock) UnmarshalText(text []byte) error {
	return decodeHex32((*[32]byte)(h), string(text))
}

// ParseHashlock decodes a 0x-prefixed 32-byte hex string.
func ParseHashlock(s string) (Hashlock, error) {
	var h Hashlock
	err := h.UnmarshalText([]byte(s))
	return h, err
}

func (s Secret) IsZero() bool { return s == Secret{} }

func (s Secret) String() string { return "0x" + hex.EncodeToString(s[:]) }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Secret) UnmarshalText(text []byte) error {
	return decodeHex32((*[32]byte)(s), string(text))
}

// ParseSecret decodes a 0x-prefixed 32-byte hex string.
func ParseSecret(s string) (Secret, error) {
	var out Secret
	err := out.UnmarshalText([]byte(s))
	return out, err
}

func decodeHex32(dst *[32]byte, s string) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("decode hex: want 32 bytes, got %d", len(raw))
	}
	copy(dst[:], raw)
	return nil
}

// HTLC is the relayer's record of one leg. Both legs of an order carry the
// same Hashlock, and the destination Timelock sits below the source Timelock
// by at least the configured safety margin.
type HTLC struct {
	Leg         Leg       `json:"leg"`
	Chain       string    `json:"chain"`
	LegID       string    `json:"leg_id,omitempty"`
	Hashlock    Hashlock  `json:"hashlock"`
	Timelock    time.Time `json:"timelock"`
	Amount      *big.Int  `json:"amount"`
	Beneficiary string    `json:"beneficiary"`
	Depositor   string    `json:"depositor"`
	State       LegState  `json:"state"`
	Stuck       bool      `json:"stuck"`
	LockTx      string    `json:"lock_tx,omitempty"`
	ClaimTx     string    `json:"claim_tx,omitempty"`
	RefundTx    string    `json:"refund_tx,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Expired reports whether the leg's timelock has elapsed at now.
func (h HTLC) Expired(now time.Time) bool {
	return !h.Timelock.IsZero() && !now.Before(h.Timelock)
}
