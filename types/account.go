package types

import (
	"bytes"
	"encoding/binary"

	"cosmossdk.io/errors"
)

// Encrypted order account layout, 366 bytes total.
//
//	  0..7    discriminator
//	  8..39   maker
//	 40..71   pair
//	 72       side (0=buy, 1=sell)
//	 73       bump
//	 74..137  encrypted amount
//	138..201  encrypted price
//	202..265  encrypted filled
//	266       status
//	267..274  created_at_hour (u64 LE)
//	275       eligibility_proof_verified
//	276       is_matching
//	277..284  order_id (u64 LE)
//	285..365  reserved
const (
	OrderAccountSize = 366

	offMaker         = 8
	offPair          = 40
	offSide          = 72
	offAmount        = 74
	offPrice         = 138
	offFilled        = 202
	offStatus        = 266
	offCreatedAtHour = 267
	offProofVerified = 275
	offIsMatching    = 276
	offOrderID       = 277
)

// OrderAccountDiscriminator identifies encrypted order accounts.
// First 8 bytes of SHA-256("account:EncryptedOrder") per the program's IDL.
var OrderAccountDiscriminator = [8]byte{0x9a, 0x36, 0xc2, 0x8e, 0x17, 0x5b, 0xd1, 0x44}

// DecodeOrderAccount parses a raw 366-byte order account observed at slot.
func DecodeOrderAccount(pda Pubkey, data []byte, slot uint64) (*Order, error) {
	if len(data) != OrderAccountSize {
		return nil, errors.Wrapf(ErrInvalidAccountData, "order account is %d bytes, want %d", len(data), OrderAccountSize)
	}
	if !bytes.Equal(data[0:8], OrderAccountDiscriminator[:]) {
		return nil, errors.Wrap(ErrInvalidAccountData, "account discriminator mismatch")
	}

	o := &Order{
		Pda:  pda,
		Slot: slot,
	}
	copy(o.Maker[:], data[offMaker:offMaker+32])
	copy(o.Pair[:], data[offPair:offPair+32])

	switch data[offSide] {
	case 0:
		o.Side = SideBuy
	case 1:
		o.Side = SideSell
	default:
		return nil, errors.Wrapf(ErrInvalidAccountData, "unknown side byte %d", data[offSide])
	}

	if data[offStatus] > uint8(OrderStatusMatching) {
		return nil, errors.Wrapf(ErrInvalidAccountData, "unknown status byte %d", data[offStatus])
	}
	o.Status = OrderStatus(data[offStatus])

	copy(o.EncryptedAmount[:], data[offAmount:offAmount+64])
	copy(o.EncryptedPrice[:], data[offPrice:offPrice+64])
	copy(o.EncryptedFilled[:], data[offFilled:offFilled+64])

	o.CreatedAtHour = binary.LittleEndian.Uint64(data[offCreatedAtHour : offCreatedAtHour+8])
	o.EligibilityProofVerified = data[offProofVerified] != 0
	o.IsMatching = data[offIsMatching] != 0
	o.OrderID = binary.LittleEndian.Uint64(data[offOrderID : offOrderID+8])

	return o, nil
}

// EncodeOrderAccount builds the raw account bytes for an order. Used by tests
// and the dev-mode synthesizer; production order accounts are written on chain.
func EncodeOrderAccount(o *Order) []byte {
	data := make([]byte, OrderAccountSize)
	copy(data[0:8], OrderAccountDiscriminator[:])
	copy(data[offMaker:], o.Maker[:])
	copy(data[offPair:], o.Pair[:])
	data[offSide] = byte(o.Side)
	copy(data[offAmount:], o.EncryptedAmount[:])
	copy(data[offPrice:], o.EncryptedPrice[:])
	copy(data[offFilled:], o.EncryptedFilled[:])
	data[offStatus] = byte(o.Status)
	binary.LittleEndian.PutUint64(data[offCreatedAtHour:], o.CreatedAtHour)
	if o.EligibilityProofVerified {
		data[offProofVerified] = 1
	}
	if o.IsMatching {
		data[offIsMatching] = 1
	}
	binary.LittleEndian.PutUint64(data[offOrderID:], o.OrderID)
	return data
}
