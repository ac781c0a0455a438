package mpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func filled32(b byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func TestDiscriminatorMatchesHashPrefix(t *testing.T) {
	sum := sha256.Sum256([]byte("global:compare_prices"))
	disc := Discriminator(InstructionComparePrices)
	require.Equal(t, sum[:8], disc[:])

	fill := Discriminator(InstructionCalculateFill)
	require.NotEqual(t, disc, fill)
}

func TestNonceSerializesLittleEndian(t *testing.T) {
	nonce := NonceFromUint64(0x123456789ABCDEF0)
	want := []byte{0xF0, 0xDE, 0xBC, 0x9A, 0x78, 0x56, 0x34, 0x12,
		0, 0, 0, 0, 0, 0, 0, 0}
	require.Equal(t, want, nonce[:])
}

func TestBuildComparePricesLayout(t *testing.T) {
	buy := filled32(0x11)
	sell := filled32(0x22)
	eph := filled32(0x33)
	data := BuildComparePrices(7, buy, sell, eph, NonceFromUint64(1))

	require.Len(t, data, ComparePricesLen)
	disc := Discriminator(InstructionComparePrices)
	require.Equal(t, disc[:], data[:8])
	require.Equal(t, uint64(7), binary.LittleEndian.Uint64(data[8:16]))
	require.Equal(t, buy[:], data[16:48])
	require.Equal(t, sell[:], data[48:80])
	require.Equal(t, eph[:], data[80:112])
	require.Equal(t, byte(1), data[112])
	require.True(t, bytes.Equal(data[113:128], make([]byte, 15)))
}

func TestBuildCalculateFillLayout(t *testing.T) {
	data := BuildCalculateFill(99,
		filled32(1), filled32(2), filled32(3), filled32(4), filled32(5), filled32(6),
		filled32(7), NonceFromUint64(42))

	require.Len(t, data, CalculateFillLen)
	disc := Discriminator(InstructionCalculateFill)
	require.Equal(t, disc[:], data[:8])
	require.Equal(t, uint64(99), binary.LittleEndian.Uint64(data[8:16]))
	for i, want := range []byte{1, 2, 3, 4, 5, 6, 7} {
		seg := data[16+32*i : 48+32*i]
		require.Equal(t, filled32(want), [32]byte(seg), "segment %d", i)
	}
	require.Equal(t, uint64(42), binary.LittleEndian.Uint64(data[240:248]))
}

func TestBuildMarginOps(t *testing.T) {
	var reqID [32]byte
	reqID[0] = 0xAB
	var collateral [64]byte
	collateral[63] = 0xCD

	add := BuildAddEncrypted(reqID, collateral, 1_000_000)
	sub := BuildSubEncrypted(reqID, collateral, 1_000_000)

	require.Len(t, add, MarginOpLen)
	require.Len(t, sub, MarginOpLen)
	require.NotEqual(t, add[:8], sub[:8])
	require.Equal(t, add[8:], sub[8:])
	require.Equal(t, reqID[:], add[8:40])
	require.Equal(t, collateral[:], add[40:104])
	require.Equal(t, uint64(1_000_000), binary.LittleEndian.Uint64(add[104:112]))
}

func TestLimbTakesFirstHalf(t *testing.T) {
	var c [64]byte
	for i := range c {
		c[i] = byte(i)
	}
	limb := Limb(c)
	require.Equal(t, c[:32], limb[:])
}
