package mpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/Jerome2332/confidex-sub008/metrics"
	"github.com/Jerome2332/confidex-sub008/types"
)

// Event names emitted by the MPC program.
const (
	EventPriceCompareResult    = "PriceCompareResult"
	EventFillCalculationResult = "FillCalculationResult"
)

// Serialized event sizes including the leading discriminator.
const (
	priceCompareEventLen    = 8 + 8 + 1 + 32 + 32 + 32 + 16
	fillCalculationEventLen = 8 + 8 + 64 + 1 + 1 + 32 + 32 + 32
)

const programDataPrefix = "Program data: "

// EventDiscriminator returns the 8-byte tag prefixing a serialized event:
// the first 8 bytes of SHA-256("event:<name>").
func EventDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("event:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// Event is one decoded MPC callback. Exactly one of Compare and Fill is set.
type Event struct {
	Compare *types.PriceCompareResult
	Fill    *types.FillCalculationResult

	TxSignature string
	Slot        uint64
}

// Name returns the event's wire name.
func (e *Event) Name() string {
	if e.Compare != nil {
		return EventPriceCompareResult
	}
	return EventFillCalculationResult
}

// ComputationOffset returns the offset the event finalizes.
func (e *Event) ComputationOffset() uint64 {
	if e.Compare != nil {
		return e.Compare.ComputationOffset
	}
	return e.Fill.ComputationOffset
}

// RequestID returns the hex-encoded request identifier used for idempotency
// bookkeeping.
func (e *Event) RequestID() string {
	if e.Compare != nil {
		return hex.EncodeToString(e.Compare.RequestID[:])
	}
	return hex.EncodeToString(e.Fill.RequestID[:])
}

// ParseLogs scans transaction log lines for serialized MPC events. Lines that
// are not event payloads, or that carry an unknown discriminator, are skipped.
func ParseLogs(logs []string) []*Event {
	var events []*Event
	for _, line := range logs {
		if !strings.HasPrefix(line, programDataPrefix) {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, programDataPrefix))
		if err != nil || len(raw) < 8 {
			continue
		}
		if ev := parseEvent(raw); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

func parseEvent(raw []byte) *Event {
	cmpDisc := EventDiscriminator(EventPriceCompareResult)
	fillDisc := EventDiscriminator(EventFillCalculationResult)
	switch {
	case bytes.Equal(raw[:8], cmpDisc[:]):
		return parsePriceCompare(raw)
	case bytes.Equal(raw[:8], fillDisc[:]):
		return parseFillCalculation(raw)
	default:
		// Unknown discriminators are foreign program events, not errors.
		return nil
	}
}

func parsePriceCompare(raw []byte) *Event {
	if len(raw) != priceCompareEventLen {
		metrics.GetCollector().RecordValidationError("mpc_callback")
		return nil
	}
	r := &types.PriceCompareResult{
		ComputationOffset: binary.LittleEndian.Uint64(raw[8:16]),
		PricesMatch:       raw[16] == 1,
	}
	copy(r.RequestID[:], raw[17:49])
	copy(r.BuyOrder[:], raw[49:81])
	copy(r.SellOrder[:], raw[81:113])
	copy(r.Nonce[:], raw[113:129])
	return &Event{Compare: r}
}

func parseFillCalculation(raw []byte) *Event {
	if len(raw) != fillCalculationEventLen {
		metrics.GetCollector().RecordValidationError("mpc_callback")
		return nil
	}
	r := &types.FillCalculationResult{
		ComputationOffset: binary.LittleEndian.Uint64(raw[8:16]),
	}
	copy(r.EncryptedFillAmount[:], raw[16:80])
	r.BuyFullyFilled = raw[80] == 1
	r.SellFullyFilled = raw[81] == 1
	copy(r.RequestID[:], raw[82:114])
	copy(r.BuyOrder[:], raw[114:146])
	copy(r.SellOrder[:], raw[146:178])
	return &Event{Fill: r}
}
