package mpc

import (
	"crypto/sha256"
	"encoding/binary"
)

// Instruction names understood by the MPC program.
const (
	InstructionComparePrices = "compare_prices"
	InstructionCalculateFill = "calculate_fill"
	InstructionAddEncrypted  = "add_encrypted"
	InstructionSubEncrypted  = "sub_encrypted"
)

// Fixed instruction sizes.
const (
	ComparePricesLen = 128
	CalculateFillLen = 256
	MarginOpLen      = 112
)

// Discriminator returns the 8-byte instruction tag: the first 8 bytes of
// SHA-256("global:<name>").
func Discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// NonceFromUint64 widens v into the 128-bit little-endian nonce field.
func NonceFromUint64(v uint64) [16]byte {
	var n [16]byte
	binary.LittleEndian.PutUint64(n[:8], v)
	return n
}

// Limb extracts the 32-byte ciphertext limb the MPC operates on from a stored
// 64-byte encrypted order field.
func Limb(c [64]byte) [32]byte {
	var out [32]byte
	copy(out[:], c[:32])
	return out
}

// BuildComparePrices assembles the 128-byte compare_prices instruction:
// discriminator(8) + offset(8) + buyCipher(32) + sellCipher(32) +
// ephemeralPubkey(32) + nonce(16, u128 LE).
func BuildComparePrices(offset uint64, buyCipher, sellCipher, ephemeral [32]byte, nonce [16]byte) []byte {
	data := make([]byte, 0, ComparePricesLen)
	disc := Discriminator(InstructionComparePrices)
	data = append(data, disc[:]...)
	data = binary.LittleEndian.AppendUint64(data, offset)
	data = append(data, buyCipher[:]...)
	data = append(data, sellCipher[:]...)
	data = append(data, ephemeral[:]...)
	data = append(data, nonce[:]...)
	return data
}

// BuildCalculateFill assembles the 256-byte calculate_fill instruction:
// discriminator(8) + offset(8) + buyAmount(32) + sellAmount(32) + buyPrice(32) +
// sellPrice(32) + buyFilled(32) + sellFilled(32) + ephemeralPubkey(32) +
// nonce(16, u128 LE).
func BuildCalculateFill(offset uint64, buyAmount, sellAmount, buyPrice, sellPrice, buyFilled, sellFilled, ephemeral [32]byte, nonce [16]byte) []byte {
	data := make([]byte, 0, CalculateFillLen)
	disc := Discriminator(InstructionCalculateFill)
	data = append(data, disc[:]...)
	data = binary.LittleEndian.AppendUint64(data, offset)
	data = append(data, buyAmount[:]...)
	data = append(data, sellAmount[:]...)
	data = append(data, buyPrice[:]...)
	data = append(data, sellPrice[:]...)
	data = append(data, buyFilled[:]...)
	data = append(data, sellFilled[:]...)
	data = append(data, ephemeral[:]...)
	data = append(data, nonce[:]...)
	return data
}

// BuildAddEncrypted assembles the 112-byte add_encrypted margin instruction:
// discriminator(8) + requestId(32) + encryptedCollateral(64) + amount(8).
func BuildAddEncrypted(requestID [32]byte, collateral [64]byte, amount uint64) []byte {
	return buildMarginOp(InstructionAddEncrypted, requestID, collateral, amount)
}

// BuildSubEncrypted assembles the 112-byte sub_encrypted margin instruction.
func BuildSubEncrypted(requestID [32]byte, collateral [64]byte, amount uint64) []byte {
	return buildMarginOp(InstructionSubEncrypted, requestID, collateral, amount)
}

func buildMarginOp(name string, requestID [32]byte, collateral [64]byte, amount uint64) []byte {
	data := make([]byte, 0, MarginOpLen)
	disc := Discriminator(name)
	data = append(data, disc[:]...)
	data = append(data, requestID[:]...)
	data = append(data, collateral[:]...)
	data = binary.LittleEndian.AppendUint64(data, amount)
	return data
}
