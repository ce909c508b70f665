package ingest

import (
	"context"
	"encoding/json"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/chainpulse/reputation-engine/internal/chain"
	"github.com/chainpulse/reputation-engine/internal/codec"
	"github.com/chainpulse/reputation-engine/pkg/models"
)

const (
	// Lookback is the trailing block window each pull tick rescans. Wide
	// enough that a skipped tick loses nothing; the dedup cache absorbs
	// the overlap.
	Lookback = 20

	// BootstrapBlocks bounds how far back the first scan reaches.
	BootstrapBlocks = 10000

	// BootstrapEvents caps how much history is seeded before the live loop.
	BootstrapEvents = 20

	eventBuffer = 64
)

// chainSource is the slice of the chain client the ingester reads from.
type chainSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Sender(tx *types.Transaction) (common.Address, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeRaw(ctx context.Context, ch chan<- json.RawMessage, params ...any) (ethereum.Subscription, error)
}

// Ingester turns on-chain activity into per-wallet WalletEvent streams.
// Every stream runs a pull loop over the trailing block window; wallets on
// subscription-capable transports additionally get pushed transfer logs.
type Ingester struct {
	log          logrus.FieldLogger
	chain        chainSource
	scanInterval time.Duration

	// head is the shared chain tip maintained by TrackHead. Zero means no
	// tracker is running and loops fetch the tip themselves.
	head atomic.Uint64

	global     *lru.Cache[string, struct{}]
	blockTimes *lru.Cache[uint64, uint64]
}

func New(log *logrus.Logger, chainClient *chain.Client, scanInterval time.Duration) *Ingester {
	return newIngester(log.WithField("component", "ingester"), chainClient, scanInterval)
}

func newIngester(log logrus.FieldLogger, source chainSource, scanInterval time.Duration) *Ingester {
	global, _ := lru.New[string, struct{}](globalDedupSize)
	blockTimes, _ := lru.New[uint64, uint64](64)
	return &Ingester{
		log:          log,
		chain:        source,
		scanInterval: scanInterval,
		global:       global,
		blockTimes:   blockTimes,
	}
}

// TrackHead polls the chain tip on the given cadence so the per-wallet scan
// loops share one eth_blockNumber call instead of each issuing their own.
// Runs until ctx is cancelled.
func (ing *Ingester) TrackHead(ctx context.Context, every time.Duration) {
	ing.pollHead(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ing.pollHead(ctx)
		}
	}
}

func (ing *Ingester) pollHead(ctx context.Context) {
	latest, err := ing.chain.BlockNumber(ctx)
	if err != nil {
		ing.log.WithError(err).Debug("head poll failed")
		return
	}
	ing.head.Store(latest)
}

// latestHead serves the tracked tip when the tracker runs, falling back to a
// direct fetch otherwise.
func (ing *Ingester) latestHead(ctx context.Context) (uint64, error) {
	if h := ing.head.Load(); h > 0 {
		return h, nil
	}
	return ing.chain.BlockNumber(ctx)
}

// Stream starts ingestion for one wallet. Events arrive in block-number then
// log-index order, at least once. The channel is closed once ctx is cancelled
// and the loop has wound down; the close is the unsubscribe acknowledgement.
func (ing *Ingester) Stream(ctx context.Context, wallet string, cfg models.MonitorConfig) <-chan models.WalletEvent {
	canonical := codec.MustNormalize(wallet)
	out := make(chan models.WalletEvent, eventBuffer)
	go ing.run(ctx, canonical, cfg, newDedup(canonical, ing.global), out)
	return out
}

func (ing *Ingester) run(ctx context.Context, wallet string, cfg models.MonitorConfig, d *dedup, out chan<- models.WalletEvent) {
	defer close(out)
	log := ing.log.WithField("wallet", wallet)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("ingestion task crashed")
		}
	}()

	ing.bootstrap(ctx, wallet, cfg, d, out)
	if ctx.Err() != nil {
		return
	}

	rawCh := make(chan json.RawMessage, eventBuffer)
	subs := ing.subscribePush(ctx, wallet, rawCh)
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	var subErr chan error
	if len(subs) > 0 {
		subErr = make(chan error, len(subs))
		for _, s := range subs {
			s := s
			go func() { subErr <- <-s.Err() }()
		}
		log.Info("push subscription active")
	}

	ticker := time.NewTicker(ing.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ing.scanTick(ctx, wallet, cfg, d, out)
		case raw := <-rawCh:
			ing.handlePush(ctx, wallet, cfg, d, raw, out)
		case err := <-subErr:
			if err != nil {
				log.WithError(err).Warn("push subscription lost, continuing with pull loop")
			}
			subErr = nil
		}
	}
}

// subscribePush opens transfer-log subscriptions with the wallet on the
// sender and recipient topic positions. All-or-nothing: a transport without
// subscription support leaves the stream in pull-only mode.
func (ing *Ingester) subscribePush(ctx context.Context, wallet string, ch chan<- json.RawMessage) []ethereum.Subscription {
	addr := common.HexToAddress(wallet)
	walletTopic := common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
	filters := []map[string]any{
		{"topics": []any{transferTopic, walletTopic}},
		{"topics": []any{transferTopic, nil, walletTopic}},
	}

	var subs []ethereum.Subscription
	for _, f := range filters {
		sub, err := ing.chain.SubscribeRaw(ctx, ch, "logs", f)
		if err != nil {
			ing.log.WithError(err).WithField("wallet", wallet).
				Info("push subscription unavailable, relying on pull loop")
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil
		}
		subs = append(subs, sub)
	}
	return subs
}

// bootstrap seeds the stream with recent history, scanning newest-first in
// Lookback-sized chunks until BootstrapEvents are found or the window is
// exhausted. Best effort; scan errors just shrink the seed.
func (ing *Ingester) bootstrap(ctx context.Context, wallet string, cfg models.MonitorConfig, d *dedup, out chan<- models.WalletEvent) {
	latest, err := ing.latestHead(ctx)
	if err != nil {
		ing.log.WithError(err).WithField("wallet", wallet).Warn("bootstrap skipped, block number unavailable")
		return
	}
	floor := uint64(1)
	if latest > BootstrapBlocks {
		floor = latest - BootstrapBlocks
	}
	if cfg.StartBlock > floor {
		floor = cfg.StartBlock
	}

	var evs []models.WalletEvent
	upper := latest
	for upper >= floor && len(evs) < BootstrapEvents && ctx.Err() == nil {
		lower := floor
		if upper >= Lookback && upper-Lookback+1 > floor {
			lower = upper - Lookback + 1
		}
		chunk := ing.scanRange(ctx, wallet, cfg, d, lower, upper, BootstrapEvents-len(evs))
		evs = append(evs, chunk...)
		if lower == floor {
			break
		}
		upper = lower - 1
	}
	if len(evs) > 0 {
		ing.log.WithFields(logrus.Fields{
			"wallet": wallet,
			"events": len(evs),
		}).Info("bootstrapped wallet history")
	}
	ing.emit(ctx, out, evs)
}

func (ing *Ingester) scanTick(ctx context.Context, wallet string, cfg models.MonitorConfig, d *dedup, out chan<- models.WalletEvent) {
	latest, err := ing.latestHead(ctx)
	if err != nil {
		ing.log.WithError(err).WithField("wallet", wallet).Debug("tick skipped")
		return
	}
	from := uint64(1)
	if latest > Lookback {
		from = latest - Lookback
	}
	ing.emit(ctx, out, ing.scanRange(ctx, wallet, cfg, d, from, latest, 0))
}

// scanRange inspects every transaction in [from, to] for wallet involvement
// and filters transfer logs over the same window, so token movements buried in
// foreign transactions still surface. Receipts are fetched only for matches.
// Errors end the pass early and return what was gathered; unmarked hashes are
// retried on the next overlapping tick.
func (ing *Ingester) scanRange(ctx context.Context, wallet string, cfg models.MonitorConfig, d *dedup, from, to uint64, max int) []models.WalletEvent {
	evs := ing.filterTokenLogs(ctx, wallet, cfg, d, from, to)
	if max > 0 && len(evs) >= max {
		return evs[:max]
	}
	for n := from; n <= to; n++ {
		if ctx.Err() != nil {
			return evs
		}
		if cfg.StartBlock > 0 && n < cfg.StartBlock {
			continue
		}
		block, err := ing.chain.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			ing.log.WithError(err).WithFields(logrus.Fields{
				"wallet": wallet,
				"block":  n,
			}).Debug("block fetch failed, ending scan pass")
			return evs
		}
		ing.blockTimes.Add(n, block.Time())

		for _, tx := range block.Transactions() {
			hash := tx.Hash().Hex()
			if d.seen(hash) {
				continue
			}
			sender, err := ing.chain.Sender(tx)
			if err != nil {
				continue
			}
			if !touchesWallet(tx, sender, wallet) {
				continue
			}
			receipt, err := ing.chain.Receipt(ctx, tx.Hash())
			if err != nil || receipt == nil {
				continue // pending or transient, retried next tick
			}

			ev := synthesizeTxEvent(tx, sender, receipt, block.Time())
			d.mark(hash)
			if wantKind(cfg, ev.Kind) {
				evs = append(evs, *ev)
			}
			if cfg.IncludeTokenTransfers {
				evs = append(evs, ing.tokenEventsFromReceipt(receipt, wallet, block.Time(), d)...)
			}
			if max > 0 && len(evs) >= max {
				return evs[:max]
			}
		}
	}
	return evs
}

// filterTokenLogs queries transfer logs in [from, to] with the wallet on the
// sender or recipient topic position. This is the only pull-side source for
// token movements whose outer transaction never touches the wallet, such as
// swap payouts routed through a pool contract.
func (ing *Ingester) filterTokenLogs(ctx context.Context, wallet string, cfg models.MonitorConfig, d *dedup, from, to uint64) []models.WalletEvent {
	if !cfg.IncludeTokenTransfers {
		return nil
	}
	addr := common.HexToAddress(wallet)
	walletTopic := common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
	queries := []ethereum.FilterQuery{
		{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Topics:    [][]common.Hash{{transferTopic}, {walletTopic}},
		},
		{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Topics:    [][]common.Hash{{transferTopic}, nil, {walletTopic}},
		},
	}

	var evs []models.WalletEvent
	for _, q := range queries {
		logs, err := ing.chain.FilterLogs(ctx, q)
		if err != nil {
			ing.log.WithError(err).WithField("wallet", wallet).Debug("log filter failed, receipts only this pass")
			return evs
		}
		for i := range logs {
			lg := &logs[i]
			key := logKey(lg.TxHash.Hex(), lg.Index)
			if d.seen(key) {
				continue
			}
			ev := tokenEventFromLog(lg, ing.blockTime(ctx, lg.BlockNumber))
			if ev == nil || !ev.Involves(wallet) {
				continue
			}
			d.mark(key)
			evs = append(evs, *ev)
		}
	}
	return evs
}

// handlePush resolves one raw stream payload into events.
func (ing *Ingester) handlePush(ctx context.Context, wallet string, cfg models.MonitorConfig, d *dedup, raw json.RawMessage, out chan<- models.WalletEvent) {
	var evs []models.WalletEvent
	for _, rec := range decodePush(raw) {
		switch {
		case rec.log != nil:
			if !cfg.IncludeTokenTransfers {
				continue
			}
			key := logKey(rec.log.TxHash.Hex(), rec.log.Index)
			if d.seen(key) {
				continue
			}
			ev := tokenEventFromLog(rec.log, ing.blockTime(ctx, rec.log.BlockNumber))
			if ev == nil || !ev.Involves(wallet) {
				continue
			}
			d.mark(key)
			evs = append(evs, *ev)
		case rec.txHash != (common.Hash{}):
			evs = append(evs, ing.eventsFromHash(ctx, rec.txHash, wallet, cfg, d)...)
		}
	}
	ing.emit(ctx, out, evs)
}

// eventsFromHash resolves a bare transaction hash from the push stream into
// the wallet's events: the transaction itself if it touches the wallet, plus
// any transfer logs in its receipt that do.
func (ing *Ingester) eventsFromHash(ctx context.Context, hash common.Hash, wallet string, cfg models.MonitorConfig, d *dedup) []models.WalletEvent {
	tx, pending, err := ing.chain.TransactionByHash(ctx, hash)
	if err != nil || pending || tx == nil {
		return nil
	}
	receipt, err := ing.chain.Receipt(ctx, hash)
	if err != nil || receipt == nil {
		return nil
	}
	blockTime := uint64(0)
	if receipt.BlockNumber != nil {
		blockTime = ing.blockTime(ctx, receipt.BlockNumber.Uint64())
	}

	var evs []models.WalletEvent
	if sender, err := ing.chain.Sender(tx); err == nil && touchesWallet(tx, sender, wallet) {
		if !d.seen(hash.Hex()) {
			ev := synthesizeTxEvent(tx, sender, receipt, blockTime)
			d.mark(hash.Hex())
			if wantKind(cfg, ev.Kind) {
				evs = append(evs, *ev)
			}
		}
	}
	if cfg.IncludeTokenTransfers {
		evs = append(evs, ing.tokenEventsFromReceipt(receipt, wallet, blockTime, d)...)
	}
	return evs
}

func (ing *Ingester) tokenEventsFromReceipt(receipt *types.Receipt, wallet string, blockTime uint64, d *dedup) []models.WalletEvent {
	var evs []models.WalletEvent
	for _, lg := range receipt.Logs {
		ev := tokenEventFromLog(lg, blockTime)
		if ev == nil || !ev.Involves(wallet) {
			continue
		}
		key := logKey(ev.Hash, ev.LogIndex)
		if d.seen(key) {
			continue
		}
		d.mark(key)
		evs = append(evs, *ev)
	}
	return evs
}

// emit delivers a sorted batch, honoring cancellation while the coordinator
// drains. Reports whether the full batch went out.
func (ing *Ingester) emit(ctx context.Context, out chan<- models.WalletEvent, evs []models.WalletEvent) bool {
	if len(evs) == 0 {
		return true
	}
	sortEvents(evs)
	for _, ev := range evs {
		select {
		case <-ctx.Done():
			return false
		case out <- ev:
		}
	}
	return true
}

// blockTime resolves a block's timestamp with a small memo so bursts of logs
// from one block cost a single header fetch.
func (ing *Ingester) blockTime(ctx context.Context, number uint64) uint64 {
	if ts, ok := ing.blockTimes.Get(number); ok {
		return ts
	}
	header, err := ing.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil || header == nil {
		return uint64(time.Now().Unix())
	}
	ing.blockTimes.Add(number, header.Time)
	return header.Time
}

func touchesWallet(tx *types.Transaction, sender common.Address, wallet string) bool {
	target := common.HexToAddress(wallet)
	if sender == target {
		return true
	}
	return tx.To() != nil && *tx.To() == target
}
