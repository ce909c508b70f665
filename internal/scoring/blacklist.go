package scoring

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chainpulse/reputation-engine/internal/codec"
)

// Blacklist is a concurrent-safe set of penalized addresses. Every scoring
// pass checks the target wallet against it; membership costs a fixed score
// penalty and emits the "blacklisted" flag.
//
// Lookups are on the scoring hot path, so reads take an RLock while the
// rare mutations (runtime add/remove) are serialized.
type Blacklist struct {
	mu        sync.RWMutex
	addresses mapset.Set[string]
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{addresses: mapset.NewThreadUnsafeSet[string]()}
}

// LoadBlacklist reads a JSON blacklist file. Both a bare array of addresses
// and an object with an "addresses" field are accepted. Entries that fail
// address validation are skipped; the count of skips is returned so the
// caller can log it.
func LoadBlacklist(path string) (*Blacklist, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read blacklist: %w", err)
	}

	var entries []string
	if err := json.Unmarshal(raw, &entries); err != nil {
		var wrapped struct {
			Addresses []string `json:"addresses"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, 0, fmt.Errorf("parse blacklist %s: %w", path, err)
		}
		entries = wrapped.Addresses
	}

	bl := NewBlacklist()
	skipped := 0
	for _, entry := range entries {
		canonical, err := codec.Normalize(entry)
		if err != nil {
			skipped++
			continue
		}
		bl.addresses.Add(canonical)
	}
	return bl, skipped, nil
}

// Add registers an address. The input must already be canonical.
func (b *Blacklist) Add(canonical string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addresses.Add(canonical)
}

// Remove drops an address.
func (b *Blacklist) Remove(canonical string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addresses.Remove(canonical)
}

// Contains checks membership. O(1).
func (b *Blacklist) Contains(canonical string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.addresses.Contains(canonical)
}

// Len returns the number of blacklisted addresses.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.addresses.Cardinality()
}

// List returns all blacklisted addresses.
func (b *Blacklist) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.addresses.ToSlice()
}
