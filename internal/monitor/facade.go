package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chainpulse/reputation-engine/internal/codec"
	"github.com/chainpulse/reputation-engine/pkg/models"
)

// maxBatch caps how many wallets one batch-score call may carry.
const maxBatch = 50

// Result is the structured outcome façade operations hand to the HTTP
// layer. Exactly one of Data and Err is set.
type Result struct {
	Success bool
	Data    any
	Err     *models.ErrorData
}

// SubscribeData is the payload of a successful subscribe call.
type SubscribeData struct {
	Wallet       string                `json:"wallet"`
	SessionID    string                `json:"sessionId,omitempty"`
	Monitoring   bool                  `json:"monitoring"`
	Message      string                `json:"message"`
	InitialScore *models.ScoringResult `json:"initialScore,omitempty"`
}

// UnsubscribeData is the payload of a successful unsubscribe call.
type UnsubscribeData struct {
	Wallet    string `json:"wallet"`
	SessionID string `json:"sessionId,omitempty"`
	Stopped   bool   `json:"stopped"`
	Message   string `json:"message"`
}

// BatchScoreData reports per-wallet outcomes of a batch-score call.
type BatchScoreData struct {
	Requested  int                              `json:"requested"`
	Monitoring []string                         `json:"monitoring"`
	Failed     []string                         `json:"failed,omitempty"`
	Scores     map[string]*models.ScoringResult `json:"scores"`
}

// FlagStatusData combines the authoritative on-chain flagged bit with the
// stored flag record, when one exists.
type FlagStatusData struct {
	Wallet    string             `json:"wallet"`
	IsFlagged bool               `json:"isFlagged"`
	Flag      *models.WalletFlag `json:"flagDetails,omitempty"`
}

// ActiveData lists the monitored wallet set with aggregate counters.
type ActiveData struct {
	Count    int                     `json:"count"`
	Wallets  []string                `json:"wallets"`
	Monitors []*models.WalletMonitor `json:"monitors"`
	Stats    Stats                   `json:"stats"`
}

// Facade is the synchronous entry surface the HTTP layer drives. Every
// operation validates its inputs through the codec and returns a structured
// Result; the HTTP layer maps error codes onto status codes.
type Facade struct {
	coord *Coordinator
}

func NewFacade(coord *Coordinator) *Facade {
	return &Facade{coord: coord}
}

// Subscribe validates the wallet and starts monitoring. includeTx nil means
// the default capture profile; false narrows ingestion to contract
// interactions only.
func (f *Facade) Subscribe(ctx context.Context, wallet, sessionID string, includeTx *bool) Result {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return invalidAddress(err)
	}
	cfg := models.DefaultMonitorConfig()
	if includeTx != nil && !*includeTx {
		cfg.IncludeNativeTransfers = false
		cfg.IncludeTokenTransfers = false
	}
	res, err := f.coord.StartMonitor(ctx, canonical, &cfg)
	if err != nil {
		return invalidAddress(err)
	}
	return success(SubscribeData{
		Wallet:       res.Wallet,
		SessionID:    sessionID,
		Monitoring:   true,
		Message:      res.Message,
		InitialScore: res.InitialScore,
	})
}

// Unsubscribe stops monitoring. Stopping an unmonitored wallet succeeds and
// says so.
func (f *Facade) Unsubscribe(wallet, sessionID string) Result {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return invalidAddress(err)
	}
	stopped, err := f.coord.StopMonitor(canonical)
	if err != nil {
		return invalidAddress(err)
	}
	msg := "monitoring stopped"
	if !stopped {
		msg = "wallet was not monitored"
	}
	return success(UnsubscribeData{
		Wallet:    canonical,
		SessionID: sessionID,
		Stopped:   stopped,
		Message:   msg,
	})
}

// GetScore returns the cached score when one exists, or recomputes. refresh
// forces recomputation.
func (f *Facade) GetScore(ctx context.Context, wallet string, refresh bool) Result {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return invalidAddress(err)
	}
	if !refresh {
		if mon := f.coord.Status(canonical); mon != nil && mon.LastScore != nil {
			return success(mon.LastScore)
		}
	}
	score, err := f.coord.ForceRescore(ctx, canonical)
	if err != nil {
		return invalidAddress(err)
	}
	return success(score)
}

// BatchScore starts monitoring for up to maxBatch wallets and reports their
// current scores. Invalid addresses fail individually without aborting the
// rest of the batch.
func (f *Facade) BatchScore(ctx context.Context, wallets []string) Result {
	if len(wallets) == 0 {
		return failure("EMPTY_BATCH", "wallets must not be empty", false)
	}
	if len(wallets) > maxBatch {
		return failure("BATCH_TOO_LARGE",
			fmt.Sprintf("batch of %d exceeds the limit of %d", len(wallets), maxBatch), false)
	}

	successes, failures := f.coord.BatchStart(ctx, wallets, nil)
	scores := make(map[string]*models.ScoringResult, len(successes))
	for _, w := range successes {
		if mon := f.coord.Status(w); mon != nil {
			scores[w] = mon.LastScore
		}
	}
	return success(BatchScoreData{
		Requested:  len(wallets),
		Monitoring: successes,
		Failed:     failures,
		Scores:     scores,
	})
}

// Flag performs an operator-initiated on-chain flag write.
func (f *Facade) Flag(ctx context.Context, wallet, level string, score float64, reason string) Result {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return invalidAddress(err)
	}
	risk, ok := models.ParseRiskLevel(strings.ToUpper(level))
	if !ok {
		return failure("INVALID_RISK_LEVEL", fmt.Sprintf("unknown risk level %q", level), false)
	}
	if score < 0 || score > 100 {
		return failure("INVALID_SCORE", "reputationScore must be within [0, 100]", false)
	}
	if strings.TrimSpace(reason) == "" {
		return failure("INVALID_REASON", "reason must not be empty", false)
	}

	res, err := f.coord.ManualFlag(ctx, canonical, risk, score, reason)
	if err != nil {
		if errors.Is(err, ErrNoRegistry) {
			return notConfigured()
		}
		return failure("FLAG_FAILED", err.Error(), true)
	}
	if !res.OK {
		return failure("FLAG_FAILED", res.Error, true)
	}
	return success(res)
}

// FlagStatus reads the wallet's on-chain flag state.
func (f *Facade) FlagStatus(ctx context.Context, wallet string) Result {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		return invalidAddress(err)
	}
	if f.coord.flags == nil {
		return notConfigured()
	}
	flagged, err := f.coord.flags.IsFlagged(ctx, canonical)
	if err != nil {
		return chainError("flag status lookup failed", err)
	}
	detail, err := f.coord.flags.GetFlag(ctx, canonical)
	if err != nil {
		return chainError("flag record lookup failed", err)
	}
	return success(FlagStatusData{Wallet: canonical, IsFlagged: flagged, Flag: detail})
}

// Active lists monitored wallets with their monitor state and aggregate
// counters.
func (f *Facade) Active() Result {
	wallets := f.coord.ActiveWallets()
	monitors := make([]*models.WalletMonitor, 0, len(wallets))
	for _, w := range wallets {
		if mon := f.coord.Status(w); mon != nil {
			monitors = append(monitors, mon)
		}
	}
	return success(ActiveData{
		Count:    len(wallets),
		Wallets:  wallets,
		Monitors: monitors,
		Stats:    f.coord.Snapshot(),
	})
}

func success(data any) Result {
	return Result{Success: true, Data: data}
}

func failure(code, message string, recoverable bool) Result {
	return Result{Success: false, Err: &models.ErrorData{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
	}}
}

func invalidAddress(err error) Result {
	r := failure("INVALID_ADDRESS", "invalid wallet address", false)
	r.Err.Details = err.Error()
	return r
}

func chainError(message string, err error) Result {
	r := failure("CHAIN_ERROR", message, true)
	r.Err.Details = err.Error()
	return r
}

func notConfigured() Result {
	return failure("NOT_CONFIGURED", "flag registry not configured", false)
}
