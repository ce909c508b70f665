package ingest

import (
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	localDedupSize  = 1000
	globalDedupSize = 10000
)

// dedup suppresses re-delivery of already processed transactions. Each wallet
// loop owns a local cache; the shared global cache bounds total memory across
// wallets, with keys scoped per wallet so two monitored wallets touching the
// same transaction each still get their event.
type dedup struct {
	wallet string
	local  *lru.Cache[string, struct{}]
	global *lru.Cache[string, struct{}]
}

func newDedup(wallet string, global *lru.Cache[string, struct{}]) *dedup {
	local, _ := lru.New[string, struct{}](localDedupSize)
	return &dedup{wallet: wallet, local: local, global: global}
}

func (d *dedup) seen(key string) bool {
	if d.local.Contains(key) {
		return true
	}
	return d.global.Contains(d.wallet + "|" + key)
}

func (d *dedup) mark(key string) {
	d.local.Add(key, struct{}{})
	d.global.Add(d.wallet+"|"+key, struct{}{})
}

// logKey scopes a dedup key to a single log within a transaction; plain
// transaction events use the bare hash.
func logKey(txHash string, index uint) string {
	return txHash + ":" + strconv.FormatUint(uint64(index), 10)
}
