package types

import (
	"fmt"
	"time"

	"github.com/cosmos/btcutil/base58"
)

// Pubkey is a 32-byte account address rendered as base58.
type Pubkey [32]byte

// ParsePubkey decodes a base58 string into a Pubkey.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	raw := base58.Decode(s)
	if len(raw) != 32 {
		return pk, fmt.Errorf("invalid pubkey %q: decoded %d bytes, want 32", s, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPubkey parses a base58 pubkey and panics on failure. For constants only.
func MustPubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

func (p Pubkey) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, p[:])
	return out
}

// IsZero reports whether the pubkey is all zero bytes.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// Side is the order direction.
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// OrderStatus is the on-chain lifecycle state of an encrypted order.
type OrderStatus uint8

const (
	OrderStatusActive    OrderStatus = 0
	OrderStatusFilled    OrderStatus = 1
	OrderStatusCancelled OrderStatus = 2
	OrderStatusExpired   OrderStatus = 3
	OrderStatusMatching  OrderStatus = 4
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusActive:
		return "active"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusExpired:
		return "expired"
	case OrderStatusMatching:
		return "matching"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Order is a read-only projection of an encrypted on-chain order account.
// The crank never writes these fields; only program execution does.
type Order struct {
	Pda    Pubkey
	Maker  Pubkey
	Pair   Pubkey
	Side   Side
	Status OrderStatus

	CreatedAtHour uint64
	OrderID       uint64

	EligibilityProofVerified bool
	IsMatching               bool

	// Opaque ciphertexts. Only the MPC cluster can compare or combine them.
	EncryptedAmount [64]byte
	EncryptedPrice  [64]byte
	EncryptedFilled [64]byte

	// Slot at which the account data was observed.
	Slot uint64
}

// IsMatchable reports whether the order passes every client-side filter.
// Price compatibility cannot be checked here; the MPC compare is authoritative.
func (o *Order) IsMatchable() bool {
	return o.Status == OrderStatusActive && o.EligibilityProofVerified && !o.IsMatching
}

// MatchCandidate pairs two opposing orders the crank believes may match.
type MatchCandidate struct {
	BuyOrder  *Order
	SellOrder *Order
	PairPda   Pubkey
}

// Key returns the dedup key for the candidate, stable across restarts.
func (c *MatchCandidate) Key() string {
	return fmt.Sprintf("match:%s:%s", c.BuyOrder.Pda, c.SellOrder.Pda)
}

// CachedBlockhash is one entry of the blockhash prefetch ring.
type CachedBlockhash struct {
	Hash                 string
	LastValidBlockHeight uint64
	FetchedAt            time.Time
	Slot                 uint64
}

// PriceCompareResult is the MPC callback event for a compare_prices computation.
type PriceCompareResult struct {
	ComputationOffset uint64
	PricesMatch       bool
	RequestID         [32]byte
	BuyOrder          Pubkey
	SellOrder         Pubkey
	Nonce             [16]byte
}

// FillCalculationResult is the MPC callback event for a calculate_fill computation.
type FillCalculationResult struct {
	ComputationOffset   uint64
	EncryptedFillAmount [64]byte
	BuyFullyFilled      bool
	SellFullyFilled     bool
	RequestID           [32]byte
	BuyOrder            Pubkey
	SellOrder           Pubkey
}
