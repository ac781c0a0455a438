package crank

import (
	"bytes"
	"sort"

	"github.com/google/btree"

	"github.com/Jerome2332/confidex-sub008/types"
)

// Selector turns an order snapshot into a prioritized list of match
// candidates. Price compatibility is not checked here; only the MPC can
// compare ciphertexts.
type Selector struct {
	maxCandidates int
}

// NewSelector caps the number of candidates returned per invocation.
func NewSelector(maxCandidates int) *Selector {
	if maxCandidates <= 0 {
		maxCandidates = 5
	}
	return &Selector{maxCandidates: maxCandidates}
}

func orderFIFO(a, b *types.Order) bool {
	if a.CreatedAtHour != b.CreatedAtHour {
		return a.CreatedAtHour < b.CreatedAtHour
	}
	if a.OrderID != b.OrderID {
		return a.OrderID < b.OrderID
	}
	return bytes.Compare(a.Pda[:], b.Pda[:]) < 0
}

type pairBook struct {
	buys  *btree.BTreeG[*types.Order]
	sells *btree.BTreeG[*types.Order]
}

// Select filters matchable orders, buckets them by pair, and returns the
// first maxCandidates buy/sell combinations in FIFO priority: primary key
// buy.createdAtHour, secondary sell.createdAtHour. Orders whose PDA appears
// in locked are excluded, as are pairs where both sides share a maker.
func (s *Selector) Select(orders []*types.Order, locked map[types.Pubkey]bool) []*types.MatchCandidate {
	books := make(map[types.Pubkey]*pairBook)
	for _, o := range orders {
		if !o.IsMatchable() || locked[o.Pda] {
			continue
		}
		book, ok := books[o.Pair]
		if !ok {
			book = &pairBook{
				buys:  btree.NewG(2, orderFIFO),
				sells: btree.NewG(2, orderFIFO),
			}
			books[o.Pair] = book
		}
		if o.Side == types.SideBuy {
			book.buys.ReplaceOrInsert(o)
		} else {
			book.sells.ReplaceOrInsert(o)
		}
	}

	var candidates []*types.MatchCandidate
	for pair, book := range books {
		book.buys.Ascend(func(buy *types.Order) bool {
			book.sells.Ascend(func(sell *types.Order) bool {
				if buy.Maker == sell.Maker {
					return true
				}
				candidates = append(candidates, &types.MatchCandidate{
					BuyOrder:  buy,
					SellOrder: sell,
					PairPda:   pair,
				})
				return true
			})
			return true
		})
	}

	// Pair buckets come out of a map; re-sort for a deterministic global
	// FIFO across pairs.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.BuyOrder.CreatedAtHour != b.BuyOrder.CreatedAtHour {
			return a.BuyOrder.CreatedAtHour < b.BuyOrder.CreatedAtHour
		}
		if a.SellOrder.CreatedAtHour != b.SellOrder.CreatedAtHour {
			return a.SellOrder.CreatedAtHour < b.SellOrder.CreatedAtHour
		}
		if a.BuyOrder.OrderID != b.BuyOrder.OrderID {
			return a.BuyOrder.OrderID < b.BuyOrder.OrderID
		}
		return a.SellOrder.OrderID < b.SellOrder.OrderID
	})

	if len(candidates) > s.maxCandidates {
		candidates = candidates[:s.maxCandidates]
	}
	return candidates
}
