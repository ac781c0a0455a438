package mpc

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/Jerome2332/confidex-sub008/types"
)

// Cluster-state account layout: bytes 95..127 hold the MXE x25519 public key.
// All-zero means distributed keygen has not completed and the cluster cannot
// accept computations.
const (
	mxeKeyOffset = 95
	mxeKeyEnd    = 127 // exclusive
)

// AccountSet is the deterministic set of program-derived accounts a
// computation at a given cluster offset touches.
type AccountSet struct {
	ClusterState  types.Pubkey
	Mempool       types.Pubkey
	ExecutingPool types.Pubkey
	Computation   types.Pubkey
	CompDefCmp    types.Pubkey
	CompDefFill   types.Pubkey
}

// DeriveAddress maps (program, seeds) to a program-derived address. Pure and
// deterministic so both transaction building and event validation agree on
// the same keys without an RPC round-trip.
func DeriveAddress(program types.Pubkey, seeds ...[]byte) types.Pubkey {
	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(program[:])
	h.Write([]byte("pda"))
	var out types.Pubkey
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveAccounts resolves the account set for one cluster offset.
func DeriveAccounts(program types.Pubkey, clusterOffset uint64) AccountSet {
	var offsetLE [8]byte
	binary.LittleEndian.PutUint64(offsetLE[:], clusterOffset)
	return AccountSet{
		ClusterState:  DeriveAddress(program, []byte("cluster"), offsetLE[:]),
		Mempool:       DeriveAddress(program, []byte("mempool"), offsetLE[:]),
		ExecutingPool: DeriveAddress(program, []byte("executing_pool"), offsetLE[:]),
		Computation:   DeriveAddress(program, []byte("computation"), offsetLE[:]),
		CompDefCmp:    DeriveAddress(program, []byte("comp_def"), []byte(InstructionComparePrices)),
		CompDefFill:   DeriveAddress(program, []byte("comp_def"), []byte(InstructionCalculateFill)),
	}
}

// mxeKeyFromClusterState extracts the MXE public key from raw cluster-state
// account data; ok is false when the account is too short or keygen has not
// finished.
func mxeKeyFromClusterState(data []byte) (key [32]byte, ok bool) {
	if len(data) < mxeKeyEnd {
		return key, false
	}
	copy(key[:], data[mxeKeyOffset:mxeKeyEnd])
	for _, b := range key {
		if b != 0 {
			return key, true
		}
	}
	return key, false
}
