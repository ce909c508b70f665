package features

import (
	"math"
	"math/big"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chainpulse/reputation-engine/internal/codec"
	"github.com/chainpulse/reputation-engine/pkg/models"
)

// Feature clips applied before emission. Clamping keeps outliers from
// saturating the model's standardized inputs.
const (
	maxAccountAgeDays      = 5 * 365
	maxDaysSinceLastTx     = 365
	maxTxCount             = 10_000
	maxTxPerDay            = 1_000
	maxCounterparties      = 5_000
	maxContractInteraction = 5_000
	maxFailedTxCount       = 1_000
)

// daysSinceSentinel is reported for wallets with no observed activity.
const daysSinceSentinel = 365

// Extractor derives deterministic feature vectors from wallet event history.
// It owns the per-wallet history LRU; callers feed it event batches and it
// extracts over the merged view.
type Extractor struct {
	history *historyStore
}

func NewExtractor() *Extractor {
	return &Extractor{history: newHistoryStore()}
}

// Ingest records events into the wallet's history without extracting.
func (x *Extractor) Ingest(wallet string, events []*models.WalletEvent) {
	x.history.record(wallet, events)
}

// Forget drops a wallet's history. Called when its monitor is destroyed.
func (x *Extractor) Forget(wallet string) {
	x.history.forget(wallet)
}

// HistorySize reports how many events are retained for a wallet.
func (x *Extractor) HistorySize(wallet string) int {
	return x.history.size(wallet)
}

// Extract merges the incoming events into the wallet's history and computes
// the feature vector over the retained window. balance may be nil when no
// balance query was made. Returns the vector and the number of events it
// was derived from.
func (x *Extractor) Extract(wallet string, events []*models.WalletEvent, balance *big.Int, now time.Time) (models.FeatureVector, int) {
	x.history.record(wallet, events)

	merged := x.history.snapshot(wallet)
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].BlockNumber != merged[j].BlockNumber {
			return merged[i].BlockNumber > merged[j].BlockNumber
		}
		return merged[i].LogIndex > merged[j].LogIndex
	})

	return computeVector(wallet, merged, balance, now), len(merged)
}

// computeVector is the pure feature derivation over a most-recent-first
// event list. Only successful events contribute to value aggregates; failed
// events contribute solely to the failure count.
func computeVector(wallet string, events []*models.WalletEvent, balance *big.Int, now time.Time) models.FeatureVector {
	var fv models.FeatureVector
	fv.Balance = codec.WeiToNative(balance)

	if len(events) == 0 {
		fv.DaysSinceLastTx = daysSinceSentinel
		return fv
	}

	nowMS := now.UnixMilli()
	minTS, maxTS := events[0].Timestamp, events[0].Timestamp

	counterparties := mapset.NewThreadUnsafeSet[string]()
	activeDays := mapset.NewThreadUnsafeSet[string]()
	var hourHist [24]float64

	var values []float64
	var gasUsed []float64
	var gasPriceSum float64
	var gasPriceN int
	var totalVolume float64
	var failed, contractCalls int

	for _, e := range events {
		if e.Timestamp < minTS {
			minTS = e.Timestamp
		}
		if e.Timestamp > maxTS {
			maxTS = e.Timestamp
		}

		ts := time.UnixMilli(e.Timestamp).UTC()
		hourHist[ts.Hour()]++
		activeDays.Add(ts.Format("2006-01-02"))

		if e.From != "" && e.From != wallet {
			counterparties.Add(e.From)
		}
		if e.To != "" && e.To != wallet {
			counterparties.Add(e.To)
		}
		if e.ContractAddress != "" || e.InputByteLen() > 4 {
			contractCalls++
		}
		if e.GasPrice != nil {
			gasPriceSum += codec.WeiToGwei(e.GasPrice)
			gasPriceN++
		}

		if e.Status == models.StatusFailed {
			failed++
			continue
		}

		v := codec.WeiToNative(e.Value)
		values = append(values, v)
		totalVolume += v
		if e.GasUsed > 0 {
			gasUsed = append(gasUsed, float64(e.GasUsed))
		}
	}

	fv.TxCount = clip(float64(len(events)), maxTxCount)
	fv.AccountAgeDays = clip(float64(nowMS-minTS)/86_400_000.0, maxAccountAgeDays)
	fv.DaysSinceLastTx = clip(float64(nowMS-maxTS)/86_400_000.0, maxDaysSinceLastTx)
	fv.ActiveDays = float64(activeDays.Cardinality())
	fv.UniqueCounterparties = clip(float64(counterparties.Cardinality()), maxCounterparties)
	fv.ContractInteractions = clip(float64(contractCalls), maxContractInteraction)
	fv.FailedTxCount = clip(float64(failed), maxFailedTxCount)
	fv.TotalVolume = totalVolume

	// Rate over the observed lifetime, floored at one day so young wallets
	// do not report absurd frequencies.
	ageForRate := math.Max(fv.AccountAgeDays, 1)
	fv.TxPerDay = clip(float64(len(events))/ageForRate, maxTxPerDay)

	if len(values) > 0 {
		minV, maxV, sum := values[0], values[0], 0.0
		for _, v := range values {
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
			sum += v
		}
		fv.MinValue = minV
		fv.MaxValue = maxV
		fv.AvgValue = sum / float64(len(values))
		if maxV > 0 {
			fv.ValueConcentration = fv.AvgValue / maxV
		}
	}

	if gasPriceN > 0 {
		fv.AvgGasPrice = gasPriceSum / float64(gasPriceN)
	}
	fv.GasUsagePattern = gasVariability(gasUsed)
	fv.TimeDistribution = hourEntropy(hourHist[:])
	fv.ActivityConsistency = intervalConsistency(events)

	return fv
}

func clip(v, max float64) float64 {
	if v > max {
		return max
	}
	if v < 0 {
		return 0
	}
	return v
}

// gasVariability is the coefficient of variation of gas usage, clamped to
// [0,1]. Uniform gas consumption (scripted activity) scores near 0.
func gasVariability(gasUsed []float64) float64 {
	if len(gasUsed) < 2 {
		return 0
	}
	mean, variance := meanVariance(gasUsed)
	if mean <= 0 {
		return 0
	}
	cv := math.Sqrt(variance) / mean
	if cv > 1 {
		return 1
	}
	return cv
}

// hourEntropy normalizes the Shannon entropy of the hour-of-day histogram
// by log2(24), with the 0·log 0 = 0 convention. Activity spread evenly
// across the day approaches 1; single-hour bursts approach 0.
func hourEntropy(hist []float64) float64 {
	total := 0.0
	for _, n := range hist {
		total += n
	}
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, n := range hist {
		if n == 0 {
			continue
		}
		p := n / total
		h -= p * math.Log2(p)
	}
	return h / math.Log2(24)
}

// intervalConsistency measures the regularity of inter-event spacing:
// max(0, 1 − var(Δt)/mean(Δt)²) over chronological gaps. Fewer than two
// events, or degenerate zero spacing, yields 0.
func intervalConsistency(mostRecentFirst []*models.WalletEvent) float64 {
	if len(mostRecentFirst) < 2 {
		return 0
	}

	ts := make([]int64, len(mostRecentFirst))
	for i, e := range mostRecentFirst {
		ts[i] = e.Timestamp
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	deltas := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		deltas = append(deltas, float64(ts[i]-ts[i-1])/1000.0)
	}

	mean, variance := meanVariance(deltas)
	if mean <= 0 {
		return 0
	}
	consistency := 1 - variance/(mean*mean)
	if consistency < 0 {
		return 0
	}
	return consistency
}

func meanVariance(xs []float64) (mean, variance float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, v := range xs {
		mean += v
	}
	mean /= float64(len(xs))
	for _, v := range xs {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, variance
}
