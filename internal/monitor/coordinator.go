package monitor

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/chainpulse/reputation-engine/internal/archive"
	"github.com/chainpulse/reputation-engine/internal/chain"
	"github.com/chainpulse/reputation-engine/internal/codec"
	"github.com/chainpulse/reputation-engine/internal/features"
	"github.com/chainpulse/reputation-engine/internal/hub"
	"github.com/chainpulse/reputation-engine/internal/ingest"
	"github.com/chainpulse/reputation-engine/internal/notify"
	"github.com/chainpulse/reputation-engine/internal/registry"
	"github.com/chainpulse/reputation-engine/internal/scoring"
	"github.com/chainpulse/reputation-engine/pkg/models"
)

const (
	// BatchInterval is the cadence of the periodic rescoring pass.
	BatchInterval = 2 * time.Second

	// BufferCap bounds the per-wallet event backlog between batch passes.
	// Overflow evicts the oldest events.
	BufferCap = 1000

	// Flagging triggers only below this score, and only at critical risk.
	flagScoreCeiling = 40.0

	// significantDelta is the score movement that justifies a broadcast on
	// its own, without a risk level change.
	significantDelta = 5.0

	batchGroup   = 10
	batchPause   = time.Second
	stopTimeout  = 5 * time.Second
	balanceWait  = 5 * time.Second
	flagDeadline = 2 * time.Minute
)

// ErrNoRegistry is returned by flag operations when no contract address was
// configured at startup.
var ErrNoRegistry = errors.New("flag registry not configured")

// streamSource is the slice of the ingester the coordinator consumes.
type streamSource interface {
	Stream(ctx context.Context, wallet string, cfg models.MonitorConfig) <-chan models.WalletEvent
}

// balanceReader is the single chain query scoring needs.
type balanceReader interface {
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// fanout is the hub surface the coordinator publishes through.
type fanout interface {
	BroadcastScoreUpdate(wallet string, score *models.ScoringResult, previous *float64)
	BroadcastTransactionAlert(wallet string, event *models.WalletEvent, risk models.RiskLevel, scoreImpact float64)
	BroadcastWalletFlagged(wallet string, risk models.RiskLevel, score float64, txHash string)
}

// flagStore is the slice of the on-chain registry the coordinator drives.
type flagStore interface {
	IsFlagged(ctx context.Context, wallet string) (bool, error)
	GetFlag(ctx context.Context, wallet string) (*models.WalletFlag, error)
	Flag(ctx context.Context, wallet string, level models.RiskLevel, score float64, reason string) *registry.WriteResult
	CanWrite() bool
}

// scoreSink receives off-band score publications and the flag audit trail.
type scoreSink interface {
	SaveScore(ctx context.Context, result *models.ScoringResult) error
	RecordFlagAction(ctx context.Context, wallet, action string, level models.RiskLevel, score float64, reason, txHash string, ok bool, writeErr string) error
}

// flagAlerter delivers out-of-band notifications for on-chain flags.
type flagAlerter interface {
	WalletFlagged(alert notify.FlagAlert)
}

// Coordinator owns the monitored-wallet set: it starts and stops per-wallet
// ingestion, scores events as they arrive, runs the periodic batch pass, and
// applies the critical flagging rule. Monitors and buffers are guarded by a
// single lock; everything long-running happens off it.
type Coordinator struct {
	log       logrus.FieldLogger
	chain     balanceReader
	source    streamSource
	extractor *features.Extractor
	engine    *scoring.Engine
	fan       fanout

	flags  flagStore   // nil without CONTRACT_ADDRESS
	sink   scoreSink   // nil without DATABASE_URL
	alerts flagAlerter // nil without ALERT_WEBHOOK_URL

	mu       sync.RWMutex
	monitors map[string]*models.WalletMonitor
	buffers  map[string][]*models.WalletEvent
	cancels  map[string]context.CancelFunc
	drained  map[string]chan struct{}
	flagging map[string]struct{}

	batchInterval time.Duration
	groupPause    time.Duration
	bufferCap     int
	now           func() time.Time
}

// StartResult reports the outcome of a monitor start request.
type StartResult struct {
	Wallet       string                `json:"wallet"`
	Started      bool                  `json:"started"`
	Message      string                `json:"message"`
	InitialScore *models.ScoringResult `json:"initialScore,omitempty"`
}

// Stats is a point-in-time monitoring snapshot for the health and active
// surfaces.
type Stats struct {
	ActiveMonitors int    `json:"activeMonitors"`
	BufferedEvents int    `json:"bufferedEvents"`
	TotalEvents    uint64 `json:"totalEvents"`
	ModelLoaded    bool   `json:"modelLoaded"`
}

func New(log *logrus.Logger, chainClient *chain.Client, ing *ingest.Ingester, extractor *features.Extractor, engine *scoring.Engine, h *hub.Hub) *Coordinator {
	return newCoordinator(log.WithField("component", "monitor"), chainClient, ing, extractor, engine, h)
}

func newCoordinator(log logrus.FieldLogger, chainClient balanceReader, source streamSource, extractor *features.Extractor, engine *scoring.Engine, fan fanout) *Coordinator {
	return &Coordinator{
		log:           log,
		chain:         chainClient,
		source:        source,
		extractor:     extractor,
		engine:        engine,
		fan:           fan,
		monitors:      make(map[string]*models.WalletMonitor),
		buffers:       make(map[string][]*models.WalletEvent),
		cancels:       make(map[string]context.CancelFunc),
		drained:       make(map[string]chan struct{}),
		flagging:      make(map[string]struct{}),
		batchInterval: BatchInterval,
		groupPause:    batchPause,
		bufferCap:     BufferCap,
		now:           time.Now,
	}
}

// SetRegistry attaches the optional on-chain flag registry.
func (c *Coordinator) SetRegistry(r *registry.Registry) {
	if r != nil {
		c.flags = r
	}
}

// SetArchive attaches the optional score archive.
func (c *Coordinator) SetArchive(a *archive.Archive) {
	if a != nil {
		c.sink = a
	}
}

// SetNotifier attaches the optional webhook notifier.
func (c *Coordinator) SetNotifier(n *notify.Notifier) {
	if n != nil {
		c.alerts = n
	}
}

// StartMonitor begins (or confirms) monitoring for one wallet. Idempotent:
// a wallet already monitored returns its current score untouched. A new
// wallet gets an ingestion stream, an immediate neutral score, and a
// broadcast; history backfill arrives through the stream.
func (c *Coordinator) StartMonitor(ctx context.Context, wallet string, cfg *models.MonitorConfig) (*StartResult, error) {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if mon, ok := c.monitors[canonical]; ok && mon.Active {
		score := mon.LastScore
		c.mu.Unlock()
		return &StartResult{
			Wallet:       canonical,
			Started:      false,
			Message:      "already monitoring",
			InitialScore: score,
		}, nil
	}

	conf := models.DefaultMonitorConfig()
	if cfg != nil {
		conf = *cfg
	}
	display, _ := codec.Checksum(canonical)
	c.monitors[canonical] = &models.WalletMonitor{
		Address:   display,
		StartedAt: c.now().UnixMilli(),
		Active:    true,
		Config:    conf,
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancels[canonical] = cancel
	done := make(chan struct{})
	c.drained[canonical] = done
	c.mu.Unlock()

	events := c.source.Stream(streamCtx, canonical, conf)

	// The initial score settles before intake starts so bootstrap events
	// never race it or broadcast out of order.
	initial := c.rescore(ctx, canonical, nil)
	c.storeScore(canonical, initial)
	c.fan.BroadcastScoreUpdate(canonical, initial, nil)
	go c.intake(streamCtx, canonical, events, done)

	c.log.WithField("wallet", canonical).Info("monitor started")
	return &StartResult{
		Wallet:       canonical,
		Started:      true,
		Message:      "monitoring started",
		InitialScore: initial,
	}, nil
}

// StopMonitor tears down a wallet's monitor: the ingestion stream is
// cancelled and awaited, then all per-wallet state is dropped. Returns false
// when the wallet was not monitored.
func (c *Coordinator) StopMonitor(wallet string) (bool, error) {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	mon, ok := c.monitors[canonical]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	mon.Active = false
	cancel := c.cancels[canonical]
	done := c.drained[canonical]
	delete(c.monitors, canonical)
	delete(c.buffers, canonical)
	delete(c.cancels, canonical)
	delete(c.drained, canonical)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopTimeout):
			c.log.WithField("wallet", canonical).Warn("ingestion stream did not close in time")
		}
	}
	c.extractor.Forget(canonical)

	c.log.WithField("wallet", canonical).Info("monitor stopped")
	return true, nil
}

// ForceRescore recomputes the wallet's score over retained history plus a
// fresh balance read. Works for unmonitored wallets too; those simply score
// over an empty history.
func (c *Coordinator) ForceRescore(ctx context.Context, wallet string) (*models.ScoringResult, error) {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return nil, err
	}
	score := c.rescore(ctx, canonical, nil)
	c.storeScore(canonical, score)
	return score, nil
}

// BatchStart starts monitors in groups of ten with a pause between groups,
// keeping bootstrap load on the chain endpoint bounded. Returns canonical
// addresses that started (or were already monitored) and the inputs that
// failed validation.
func (c *Coordinator) BatchStart(ctx context.Context, wallets []string, cfg *models.MonitorConfig) (successes, failures []string) {
	for i := 0; i < len(wallets); i += batchGroup {
		end := i + batchGroup
		if end > len(wallets) {
			end = len(wallets)
		}
		for _, w := range wallets[i:end] {
			res, err := c.StartMonitor(ctx, w, cfg)
			if err != nil {
				c.log.WithError(err).WithField("wallet", w).Warn("batch start rejected wallet")
				failures = append(failures, w)
				continue
			}
			successes = append(successes, res.Wallet)
		}
		if end < len(wallets) {
			select {
			case <-ctx.Done():
				failures = append(failures, wallets[end:]...)
				return successes, failures
			case <-time.After(c.groupPause):
			}
		}
	}
	return successes, failures
}

// ActiveWallets lists monitored wallets in canonical form, sorted.
func (c *Coordinator) ActiveWallets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.monitors))
	for w, mon := range c.monitors {
		if mon.Active {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

// Status returns a copy of one wallet's monitor state, or nil when the
// wallet is not monitored.
func (c *Coordinator) Status(wallet string) *models.WalletMonitor {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	mon, ok := c.monitors[canonical]
	if !ok {
		return nil
	}
	cp := *mon
	return &cp
}

// Snapshot reports aggregate monitoring counters.
func (c *Coordinator) Snapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{ModelLoaded: c.engine.ModelLoaded()}
	for _, mon := range c.monitors {
		if mon.Active {
			s.ActiveMonitors++
			s.TotalEvents += mon.EventCount
		}
	}
	for _, buf := range c.buffers {
		s.BufferedEvents += len(buf)
	}
	return s
}

// Run drives the periodic batch pass until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.batchTick(ctx)
		}
	}
}

// intake drains one wallet's event stream. The loop exits when the ingester
// closes the channel, which is its stop acknowledgement. A panic below the
// scoring path is confined to this wallet's task.
func (c *Coordinator) intake(ctx context.Context, wallet string, events <-chan models.WalletEvent, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"wallet": wallet,
				"panic":  r,
			}).Error("event intake crashed")
		}
	}()
	for ev := range events {
		e := ev
		c.handleEvent(ctx, wallet, &e)
	}
}

// handleEvent is the immediate path: update monitor counters, buffer the
// event for the next batch pass, rescore, and fan out both the score update
// and the transaction alert.
func (c *Coordinator) handleEvent(ctx context.Context, wallet string, ev *models.WalletEvent) {
	c.mu.Lock()
	mon, ok := c.monitors[wallet]
	if !ok || !mon.Active {
		c.mu.Unlock()
		return
	}
	mon.LastActivity = c.now().UnixMilli()
	mon.EventCount++
	prev := scoreValue(mon.LastScore)

	buf := append(c.buffers[wallet], ev)
	if len(buf) > c.bufferCap {
		buf = buf[len(buf)-c.bufferCap:]
	}
	c.buffers[wallet] = buf
	c.mu.Unlock()

	score := c.rescore(ctx, wallet, []*models.WalletEvent{ev})
	c.storeScore(wallet, score)

	impact := 0.0
	if prev != nil {
		impact = score.ReputationScore - *prev
	}
	c.log.WithFields(logrus.Fields{
		"wallet": wallet,
		"tx":     ev.Hash,
		"kind":   ev.Kind,
		"value":  codec.FormatAmount(ev.Value, codec.NativeDecimals),
		"impact": impact,
	}).Debug("transaction alert")
	c.fan.BroadcastScoreUpdate(wallet, score, prev)
	c.fan.BroadcastTransactionAlert(wallet, ev, score.RiskLevel, impact)
}

type batchJob struct {
	wallet string
	events []*models.WalletEvent
	prev   *models.ScoringResult
}

// batchTick rescores every wallet that accumulated events since the last
// pass, applies the flagging rule, broadcasts meaningful movement, and
// publishes results to the archive. A panic loses one tick, not the loop.
func (c *Coordinator) batchTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("batch pass crashed")
		}
	}()

	c.mu.Lock()
	jobs := make([]batchJob, 0, len(c.buffers))
	for wallet, buf := range c.buffers {
		if len(buf) == 0 {
			continue
		}
		mon, ok := c.monitors[wallet]
		if !ok || !mon.Active {
			delete(c.buffers, wallet)
			continue
		}
		jobs = append(jobs, batchJob{wallet: wallet, events: buf, prev: mon.LastScore})
		c.buffers[wallet] = nil
	}
	c.mu.Unlock()

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		c.processBatch(ctx, job)
	}
}

func (c *Coordinator) processBatch(ctx context.Context, job batchJob) {
	score := c.rescore(ctx, job.wallet, job.events)
	c.storeScore(job.wallet, score)

	c.maybeFlag(job.wallet, score)

	if len(job.events) > 0 || significantChange(job.prev, score) {
		c.fan.BroadcastScoreUpdate(job.wallet, score, scoreValue(job.prev))
	}
	if c.sink != nil {
		if err := c.sink.SaveScore(ctx, score); err != nil {
			c.log.WithError(err).WithField("wallet", job.wallet).Warn("score publish failed")
		}
	}
}

// maybeFlag applies the critical flagging rule: reputation below the ceiling
// at critical risk. The on-chain write runs asynchronously with at most one
// transaction in flight per wallet; a wallet already being flagged is left
// alone until that write settles.
func (c *Coordinator) maybeFlag(wallet string, score *models.ScoringResult) {
	if c.flags == nil || !c.flags.CanWrite() {
		return
	}
	if score.RiskLevel != models.RiskCritical || score.ReputationScore >= flagScoreCeiling {
		return
	}

	c.mu.Lock()
	if _, busy := c.flagging[wallet]; busy {
		c.mu.Unlock()
		return
	}
	c.flagging[wallet] = struct{}{}
	c.mu.Unlock()

	go c.flagCritical(wallet, score)
}

func (c *Coordinator) flagCritical(wallet string, score *models.ScoringResult) {
	defer func() {
		c.mu.Lock()
		delete(c.flagging, wallet)
		c.mu.Unlock()
	}()
	log := c.log.WithField("wallet", wallet)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("flag task crashed")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), flagDeadline)
	defer cancel()

	flagged, err := c.flags.IsFlagged(ctx, wallet)
	if err != nil {
		log.WithError(err).Warn("flag state lookup failed, skipping flag attempt")
		return
	}
	if flagged {
		return
	}

	res := c.flags.Flag(ctx, wallet, models.RiskCritical, score.ReputationScore, score.Explanation)
	c.auditFlag(ctx, wallet, models.RiskCritical, score.ReputationScore, score.Explanation, res)
	if !res.OK {
		log.WithField("error", res.Error).Error("on-chain flag failed")
		return
	}
	if res.TxHash == "" {
		// The contract already held the flag.
		return
	}

	log.WithFields(logrus.Fields{
		"score": score.ReputationScore,
		"tx":    res.TxHash,
	}).Warn("wallet flagged on-chain")
	c.announceFlag(wallet, models.RiskCritical, score.ReputationScore, res.TxHash)
}

// ManualFlag performs an operator-initiated registry write with the same
// audit trail and fanout as the automatic rule.
func (c *Coordinator) ManualFlag(ctx context.Context, wallet string, level models.RiskLevel, score float64, reason string) (*registry.WriteResult, error) {
	if c.flags == nil {
		return nil, ErrNoRegistry
	}
	res := c.flags.Flag(ctx, wallet, level, score, reason)
	c.auditFlag(ctx, wallet, level, score, reason, res)
	if res.OK && res.TxHash != "" {
		c.announceFlag(wallet, level, score, res.TxHash)
	}
	return res, nil
}

// FlagState reads the wallet's on-chain flag record. nil without error means
// the wallet was never flagged.
func (c *Coordinator) FlagState(ctx context.Context, wallet string) (*models.WalletFlag, error) {
	if c.flags == nil {
		return nil, ErrNoRegistry
	}
	return c.flags.GetFlag(ctx, wallet)
}

func (c *Coordinator) auditFlag(ctx context.Context, wallet string, level models.RiskLevel, score float64, reason string, res *registry.WriteResult) {
	if c.sink == nil {
		return
	}
	if err := c.sink.RecordFlagAction(ctx, wallet, "flag", level, score, reason, res.TxHash, res.OK, res.Error); err != nil {
		c.log.WithError(err).WithField("wallet", wallet).Debug("flag audit write failed")
	}
}

func (c *Coordinator) announceFlag(wallet string, level models.RiskLevel, score float64, txHash string) {
	c.fan.BroadcastWalletFlagged(wallet, level, score, txHash)
	if c.alerts != nil {
		c.alerts.WalletFlagged(notify.FlagAlert{
			Wallet:    wallet,
			RiskLevel: level,
			Score:     score,
			TxHash:    txHash,
		})
	}
}

// rescore runs extraction and scoring for one wallet. events may be nil to
// score over retained history alone.
func (c *Coordinator) rescore(ctx context.Context, wallet string, events []*models.WalletEvent) *models.ScoringResult {
	balance := c.balanceOf(ctx, wallet)
	fv, n := c.extractor.Extract(wallet, events, balance, c.now())
	return c.engine.Score(wallet, fv, n)
}

// balanceOf fetches the wallet's current balance, tolerating failure:
// features fall back to a zero balance rather than blocking scoring.
func (c *Coordinator) balanceOf(ctx context.Context, wallet string) *big.Int {
	ctx, cancel := context.WithTimeout(ctx, balanceWait)
	defer cancel()
	bal, err := c.chain.Balance(ctx, common.HexToAddress(wallet))
	if err != nil {
		c.log.WithError(err).WithField("wallet", wallet).Debug("balance fetch failed")
		return nil
	}
	return bal
}

func (c *Coordinator) storeScore(wallet string, score *models.ScoringResult) {
	c.mu.Lock()
	if mon, ok := c.monitors[wallet]; ok {
		mon.LastScore = score
	}
	c.mu.Unlock()
}

// significantChange reports whether the new result moved enough to justify
// a broadcast on its own: five points of score or a risk level change.
func significantChange(prev, next *models.ScoringResult) bool {
	if prev == nil {
		return true
	}
	if prev.RiskLevel != next.RiskLevel {
		return true
	}
	return math.Abs(next.ReputationScore-prev.ReputationScore) >= significantDelta
}

func scoreValue(score *models.ScoringResult) *float64 {
	if score == nil {
		return nil
	}
	v := score.ReputationScore
	return &v
}
