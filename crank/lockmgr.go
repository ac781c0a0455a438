package crank

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/huandu/skiplist"

	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/types"
)

// DefaultPairLockTTL bounds how long a match attempt with an assigned request
// may pin its two orders. Slightly above the MPC compute timeout so an
// abandoned attempt self-heals. Locks taken without a request ID expire in
// half that.
const DefaultPairLockTTL = 2 * time.Minute

type pairLock struct {
	partner   types.Pubkey
	requestID string
	expiryKey string
}

// LockManager holds in-process pairwise order locks for in-flight match
// attempts. It does not cross process boundaries; the distributed lock
// service guards at the workload granularity above it.
type LockManager struct {
	mu      sync.Mutex
	clk     clock.Clock
	ttl     time.Duration
	entries map[types.Pubkey]*pairLock
	expiry  *skiplist.SkipList // expiry key -> pda, sorted by deadline
}

// NewLockManager builds a manager; ttl <= 0 selects DefaultPairLockTTL.
func NewLockManager(ttl time.Duration, clk clock.Clock) *LockManager {
	if ttl <= 0 {
		ttl = DefaultPairLockTTL
	}
	return &LockManager{
		clk:     clk,
		ttl:     ttl,
		entries: make(map[types.Pubkey]*pairLock),
		expiry:  skiplist.New(skiplist.String),
	}
}

// AcquireLocks atomically locks both orders of a candidate. Expired entries
// are swept first; false means at least one side is already locked.
func (m *LockManager) AcquireLocks(buy, sell types.Pubkey, requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	if _, held := m.entries[buy]; held {
		return false
	}
	if _, held := m.entries[sell]; held {
		return false
	}

	ttl := m.ttl
	if requestID == "" {
		ttl /= 2
	}
	deadline := m.clk.Now().Add(ttl)
	m.entries[buy] = &pairLock{partner: sell, requestID: requestID, expiryKey: m.track(deadline, buy)}
	m.entries[sell] = &pairLock{partner: buy, requestID: requestID, expiryKey: m.track(deadline, sell)}
	return true
}

// ReleaseLocks drops both locks of a candidate.
func (m *LockManager) ReleaseLocks(buy, sell types.Pubkey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(buy)
	m.dropLocked(sell)
}

// ReleaseLock drops a single lock and its recorded partner.
func (m *LockManager) ReleaseLock(pda types.Pubkey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[pda]; ok {
		m.dropLocked(entry.partner)
	}
	m.dropLocked(pda)
}

// ReleaseAll clears every lock. Used on shutdown and skip-pending-mpc.
func (m *LockManager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[types.Pubkey]*pairLock)
	m.expiry = skiplist.New(skiplist.String)
}

// GetLockedOrders returns the set of currently locked PDAs.
func (m *LockManager) GetLockedOrders() map[types.Pubkey]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	out := make(map[types.Pubkey]bool, len(m.entries))
	for pda := range m.entries {
		out[pda] = true
	}
	return out
}

// IsLocked reports whether one PDA is currently locked.
func (m *LockManager) IsLocked(pda types.Pubkey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	_, ok := m.entries[pda]
	return ok
}

// GetPendingMatchCount returns the number of in-flight matches: one match
// pins exactly two orders.
func (m *LockManager) GetPendingMatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	return len(m.entries) / 2
}

// RequestID returns the request that holds pda, or "" when unlocked.
func (m *LockManager) RequestID(pda types.Pubkey) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[pda]; ok {
		return entry.requestID
	}
	return ""
}

func (m *LockManager) track(deadline time.Time, pda types.Pubkey) string {
	key := fmt.Sprintf("%020d:%s", deadline.UnixNano(), pda)
	m.expiry.Set(key, pda)
	return key
}

func (m *LockManager) dropLocked(pda types.Pubkey) {
	entry, ok := m.entries[pda]
	if !ok {
		return
	}
	m.expiry.Remove(entry.expiryKey)
	delete(m.entries, pda)
}

// sweepLocked drops every entry whose deadline has passed. Both sides of an
// expired pair go together so a half-locked candidate can never linger.
func (m *LockManager) sweepLocked() {
	now := m.clk.Now().UnixNano()
	for {
		front := m.expiry.Front()
		if front == nil {
			break
		}
		key := front.Key().(string)
		deadline, err := strconv.ParseInt(key[:20], 10, 64)
		if err != nil || deadline > now {
			break
		}
		pda := front.Value.(types.Pubkey)
		if entry, ok := m.entries[pda]; ok {
			m.dropLocked(entry.partner)
		}
		m.dropLocked(pda)
		// The entry may already be gone if its partner expired first.
		m.expiry.Remove(key)
	}
}
