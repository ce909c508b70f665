package features

import (
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chainpulse/reputation-engine/pkg/models"
)

// MaxHistory caps the per-wallet event history the extractor retains.
const MaxHistory = 1000

// historyStore keeps the newest MaxHistory events per wallet, keyed by tx
// hash plus log index so distinct token events within one tx are retained.
type historyStore struct {
	mu      sync.Mutex
	wallets map[string]*lru.Cache[string, *models.WalletEvent]
}

func newHistoryStore() *historyStore {
	return &historyStore{wallets: make(map[string]*lru.Cache[string, *models.WalletEvent])}
}

func historyKey(e *models.WalletEvent) string {
	// LogIndex disambiguates multiple events from a single transaction.
	return e.Hash + ":" + strconv.FormatUint(uint64(e.LogIndex), 10)
}

func (h *historyStore) record(wallet string, events []*models.WalletEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cache, ok := h.wallets[wallet]
	if !ok {
		// Size is fixed; lru.New only errors on size <= 0.
		cache, _ = lru.New[string, *models.WalletEvent](MaxHistory)
		h.wallets[wallet] = cache
	}
	for _, e := range events {
		if e == nil {
			continue
		}
		cache.Add(historyKey(e), e)
	}
}

// snapshot returns the wallet's retained events in no particular order.
// Callers sort before use.
func (h *historyStore) snapshot(wallet string) []*models.WalletEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	cache, ok := h.wallets[wallet]
	if !ok {
		return nil
	}
	keys := cache.Keys()
	out := make([]*models.WalletEvent, 0, len(keys))
	for _, k := range keys {
		if e, ok := cache.Peek(k); ok {
			out = append(out, e)
		}
	}
	return out
}

func (h *historyStore) forget(wallet string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.wallets, wallet)
}

func (h *historyStore) size(wallet string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cache, ok := h.wallets[wallet]; ok {
		return cache.Len()
	}
	return 0
}
