// Package quota implements the QuotaGate external-collaborator contract
// (spec §6) plus a concrete in-memory default so the
// substrate runs standalone without a real billing system attached.
package quota

import (
	"fmt"
	"sync"
)

// Decision is the result of a Check call.
type Decision struct {
	OK     bool
	Denied string // reason, set only when !OK
}

// Report summarizes a user's current usage.
type Report struct {
	Used  int64
	Quota int64
}

// Gate is the external QuotaGate contract consumed by the core (spec §6).
// Any write that enlarges a user's working directory must consult it first.
type Gate interface {
	Check(userID string, additionalBytes int64) (Decision, error)
	Report(userID string) (Report, error)
}

// InMemoryGate tracks usage per user against a configurable quota. It is the
// default implementation used in standalone deployments; a real deployment
// plugs in a billing-backed Gate instead.
type InMemoryGate struct {
	mu         sync.Mutex
	used       map[string]int64
	quota      map[string]int64
	defaultCap int64
}

// NewInMemoryGate creates a Gate with the given default per-user quota in
// bytes (spec §6 config input default_quota_bytes).
func NewInMemoryGate(defaultQuotaBytes int64) *InMemoryGate {
	return &InMemoryGate{
		used:       make(map[string]int64),
		quota:      make(map[string]int64),
		defaultCap: defaultQuotaBytes,
	}
}

// SetQuota overrides a specific user's quota.
func (g *InMemoryGate) SetQuota(userID string, bytes int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quota[userID] = bytes
}

func (g *InMemoryGate) capFor(userID string) int64 {
	if c, ok := g.quota[userID]; ok {
		return c
	}
	return g.defaultCap
}

// Check admits or denies a write of additionalBytes for userID.
func (g *InMemoryGate) Check(userID string, additionalBytes int64) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	limit := g.capFor(userID)
	used := g.used[userID]
	if used+additionalBytes > limit {
		return Decision{OK: false, Denied: fmt.Sprintf("quota exceeded: %d/%d bytes", used+additionalBytes, limit)}, nil
	}
	return Decision{OK: true}, nil
}

// Commit records additionalBytes as consumed after a write actually lands.
// Negative values are allowed to record a deletion/rollback.
func (g *InMemoryGate) Commit(userID string, additionalBytes int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used[userID] += additionalBytes
	if g.used[userID] < 0 {
		g.used[userID] = 0
	}
}

// Report returns current usage and quota for userID.
func (g *InMemoryGate) Report(userID string) (Report, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Report{Used: g.used[userID], Quota: g.capFor(userID)}, nil
}
