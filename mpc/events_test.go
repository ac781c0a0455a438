package mpc

import (
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jerome2332/confidex-sub008/types"
)

func encodePriceCompare(r *types.PriceCompareResult) string {
	disc := EventDiscriminator(EventPriceCompareResult)
	raw := make([]byte, 0, priceCompareEventLen)
	raw = append(raw, disc[:]...)
	raw = binary.LittleEndian.AppendUint64(raw, r.ComputationOffset)
	if r.PricesMatch {
		raw = append(raw, 1)
	} else {
		raw = append(raw, 0)
	}
	raw = append(raw, r.RequestID[:]...)
	raw = append(raw, r.BuyOrder[:]...)
	raw = append(raw, r.SellOrder[:]...)
	raw = append(raw, r.Nonce[:]...)
	return programDataPrefix + base64.StdEncoding.EncodeToString(raw)
}

func encodeFillCalculation(r *types.FillCalculationResult) string {
	disc := EventDiscriminator(EventFillCalculationResult)
	raw := make([]byte, 0, fillCalculationEventLen)
	raw = append(raw, disc[:]...)
	raw = binary.LittleEndian.AppendUint64(raw, r.ComputationOffset)
	raw = append(raw, r.EncryptedFillAmount[:]...)
	for _, flag := range []bool{r.BuyFullyFilled, r.SellFullyFilled} {
		if flag {
			raw = append(raw, 1)
		} else {
			raw = append(raw, 0)
		}
	}
	raw = append(raw, r.RequestID[:]...)
	raw = append(raw, r.BuyOrder[:]...)
	raw = append(raw, r.SellOrder[:]...)
	return programDataPrefix + base64.StdEncoding.EncodeToString(raw)
}

func TestParseLogsPriceCompare(t *testing.T) {
	want := &types.PriceCompareResult{
		ComputationOffset: 1234,
		PricesMatch:       true,
		BuyOrder:          types.Pubkey(filled32(0xAA)),
		SellOrder:         types.Pubkey(filled32(0xBB)),
		Nonce:             NonceFromUint64(77),
	}
	want.RequestID = filled32(0x0F)
	logs := []string{
		"Program log: Instruction: ComparePricesCallback",
		encodePriceCompare(want),
		"Program consumed 12345 of 200000 compute units",
	}

	events := ParseLogs(logs)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Compare)
	require.Equal(t, want, events[0].Compare)
	require.Equal(t, EventPriceCompareResult, events[0].Name())
	require.Equal(t, uint64(1234), events[0].ComputationOffset())
}

func TestParseLogsFillCalculation(t *testing.T) {
	want := &types.FillCalculationResult{
		ComputationOffset: 5678,
		BuyFullyFilled:    true,
		SellFullyFilled:   false,
		BuyOrder:          types.Pubkey(filled32(0x01)),
		SellOrder:         types.Pubkey(filled32(0x02)),
	}
	for i := range want.EncryptedFillAmount {
		want.EncryptedFillAmount[i] = byte(i)
	}
	want.RequestID = filled32(0x44)

	events := ParseLogs([]string{encodeFillCalculation(want)})
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Fill)
	require.Equal(t, want, events[0].Fill)
}

func TestParseLogsSkipsForeignAndMalformed(t *testing.T) {
	foreign := filled32(0x99)
	events := ParseLogs([]string{
		"Program log: hello",
		"Program data: not-base64!!!",
		programDataPrefix + base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
		programDataPrefix + base64.StdEncoding.EncodeToString(foreign[:]),
	})
	require.Empty(t, events)
}

func TestParseLogsRejectsTruncatedEvent(t *testing.T) {
	disc := EventDiscriminator(EventPriceCompareResult)
	raw := append([]byte{}, disc[:]...)
	raw = append(raw, make([]byte, 10)...)
	events := ParseLogs([]string{programDataPrefix + base64.StdEncoding.EncodeToString(raw)})
	require.Empty(t, events)
}
