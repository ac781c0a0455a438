package crank

import (
	"context"

	"cosmossdk.io/log"

	"github.com/Jerome2332/confidex-sub008/chain"
	"github.com/Jerome2332/confidex-sub008/metrics"
	"github.com/Jerome2332/confidex-sub008/types"
)

// AccountReader is the slice of the RPC client used to scan order accounts.
type AccountReader interface {
	GetProgramAccounts(ctx context.Context, program types.Pubkey, filters []chain.AccountFilter) ([]chain.KeyedAccount, uint64, error)
}

// OrderSource serves open-order snapshots, preferring the WebSocket-fed cache
// and falling back to a full program scan when the subscription is down.
type OrderSource struct {
	program types.Pubkey
	rpc     AccountReader
	cache   *chain.OrderCache
	logger  log.Logger
}

// NewOrderSource wires a source over the given program.
func NewOrderSource(program types.Pubkey, rpc AccountReader, cache *chain.OrderCache, logger log.Logger) *OrderSource {
	return &OrderSource{
		program: program,
		rpc:     rpc,
		cache:   cache,
		logger:  logger.With("module", "orders"),
	}
}

// FetchOpenOrders returns the current matchable-order snapshot.
func (s *OrderSource) FetchOpenOrders(ctx context.Context) ([]*types.Order, error) {
	if s.cache != nil && s.cache.IsActive() && s.cache.Len() > 0 {
		return s.cache.Snapshot(), nil
	}
	return s.scan(ctx)
}

// scan decodes every order account owned by the program. Results refill the
// cache so slot-monotone writes keep later subscription updates consistent.
func (s *OrderSource) scan(ctx context.Context) ([]*types.Order, error) {
	accounts, slot, err := s.rpc.GetProgramAccounts(ctx, s.program, []chain.AccountFilter{
		{DataSize: types.OrderAccountSize},
	})
	if err != nil {
		return nil, err
	}

	orders := make([]*types.Order, 0, len(accounts))
	for _, acc := range accounts {
		order, err := types.DecodeOrderAccount(acc.Pubkey, acc.Account.Data, slot)
		if err != nil {
			metrics.GetCollector().RecordValidationError("order_account")
			s.logger.Warn("skipping undecodable order account",
				"pubkey", acc.Pubkey.String(), "error", err)
			continue
		}
		orders = append(orders, order)
		if s.cache != nil {
			s.cache.Set(order.Pda, order, slot)
		}
	}
	return orders, nil
}

// SplitSides partitions a snapshot into matchable buys and sells.
func SplitSides(orders []*types.Order) (buys, sells int) {
	for _, o := range orders {
		if !o.IsMatchable() {
			continue
		}
		if o.Side == types.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	return buys, sells
}
