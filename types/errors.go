package types

import (
	"cosmossdk.io/errors"
)

// Crank error codespace
var (
	ErrOrderNotFound      = errors.Register("crank", 1, "order not found")
	ErrInvalidAccountData = errors.Register("crank", 2, "invalid account data")
	ErrStaleSlot          = errors.Register("crank", 3, "stale slot")
	ErrLockHeld           = errors.Register("crank", 4, "lock already held")
	ErrLockNotHeld        = errors.Register("crank", 5, "lock not held by caller")
	ErrShutdown           = errors.Register("crank", 6, "service is shut down")
	ErrMpcUnavailable     = errors.Register("crank", 7, "mpc cluster unavailable")
	ErrMpcTimeout         = errors.Register("crank", 8, "mpc computation timed out")
	ErrDuplicateCallback  = errors.Register("crank", 9, "mpc callback already processed")
	ErrNoBlockhash        = errors.Register("crank", 10, "no valid blockhash available")
	ErrWalletNotLoaded    = errors.Register("crank", 11, "wallet keypair not loaded")
	ErrRPCUnavailable     = errors.Register("crank", 12, "no reachable rpc endpoint")
	ErrInvalidConfig      = errors.Register("crank", 13, "invalid configuration")
	ErrPendingOpExists    = errors.Register("crank", 14, "pending operation already exists")
	ErrCircuitOpen        = errors.Register("crank", 15, "circuit breaker active")
)
