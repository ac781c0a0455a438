package crank

import (
	"context"
	"errors"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"

	"github.com/Jerome2332/confidex-sub008/chain"
	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/types"
)

func TestOrderSourceScanDecodes(t *testing.T) {
	reader := &fakeReader{accounts: []chain.KeyedAccount{
		keyedOrder(orderSpec{pda: 1, maker: 10, pair: 99, side: types.SideBuy, hour: 1, id: 1}),
		keyedOrder(orderSpec{pda: 2, maker: 11, pair: 99, side: types.SideSell, hour: 1, id: 2}),
	}}
	src := NewOrderSource(pk(200), reader, nil, log.NewNopLogger())

	orders, err := src.FetchOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, pk(1), orders[0].Pda)
	require.Equal(t, types.SideSell, orders[1].Side)

	buys, sells := SplitSides(orders)
	require.Equal(t, 1, buys)
	require.Equal(t, 1, sells)
}

func TestOrderSourceSkipsUndecodable(t *testing.T) {
	reader := &fakeReader{accounts: []chain.KeyedAccount{
		keyedOrder(orderSpec{pda: 1, maker: 10, pair: 99, side: types.SideBuy, hour: 1, id: 1}),
		{Pubkey: pk(7), Account: chain.AccountInfo{Data: []byte{1, 2, 3}}},
	}}
	src := NewOrderSource(pk(200), reader, nil, log.NewNopLogger())

	orders, err := src.FetchOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
}

func TestOrderSourceScanRefillsCache(t *testing.T) {
	cache := chain.NewOrderCache(time.Minute, clock.NewManual(time.Unix(1_700_000_000, 0)))
	reader := &fakeReader{accounts: []chain.KeyedAccount{
		keyedOrder(orderSpec{pda: 1, maker: 10, pair: 99, side: types.SideBuy, hour: 1, id: 1}),
	}}
	src := NewOrderSource(pk(200), reader, cache, log.NewNopLogger())

	_, err := src.FetchOpenOrders(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	got, ok := cache.Get(pk(1))
	require.True(t, ok)
	require.Equal(t, pk(10), got.Maker)
}

func TestOrderSourcePropagatesRPCError(t *testing.T) {
	reader := &fakeReader{err: errors.New("429 too many requests")}
	src := NewOrderSource(pk(200), reader, nil, log.NewNopLogger())

	_, err := src.FetchOpenOrders(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, reader.callCount())
}
