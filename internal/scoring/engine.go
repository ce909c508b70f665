package scoring

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chainpulse/reputation-engine/pkg/models"
)

// Score thresholds for risk classification. Scores at or above a threshold
// take that level; anything below thresholdHigh is critical.
const (
	thresholdLow    = 70.0
	thresholdMedium = 50.0
	thresholdHigh   = 30.0
)

const (
	fallbackBase     = 70.0
	blacklistPenalty = 30.0
)

// Engine converts feature vectors into scoring results. When a classifier
// is loaded its probability drives the score; otherwise, or on any model
// failure, the deterministic rule-based fallback takes over.
type Engine struct {
	log       logrus.FieldLogger
	model     *Model
	blacklist *Blacklist
}

// NewEngine builds the scoring engine. model may be nil (fallback-only
// operation); blacklist may be nil (no penalties).
func NewEngine(log *logrus.Logger, model *Model, blacklist *Blacklist) *Engine {
	if blacklist == nil {
		blacklist = NewBlacklist()
	}
	return &Engine{
		log:       log.WithField("component", "scoring"),
		model:     model,
		blacklist: blacklist,
	}
}

// ModelLoaded reports whether classifier inference is active.
func (e *Engine) ModelLoaded() bool {
	return e.model != nil
}

// Blacklist exposes the engine's blacklist for runtime mutation.
func (e *Engine) Blacklist() *Blacklist {
	return e.blacklist
}

// Score runs the full pipeline: inference (or fallback), blacklist penalty,
// clamping, risk classification, confidence, and flag emission. wallet must
// be in canonical form. It never fails; model errors degrade to the
// fallback path.
func (e *Engine) Score(wallet string, fv models.FeatureVector, eventCount int) *models.ScoringResult {
	var (
		score      float64
		confidence float64
		usedModel  bool
	)

	if e.model != nil {
		p, err := e.model.Predict(&fv)
		if err == nil {
			score = 100 * p
			confidence = p
			usedModel = true
		} else {
			e.log.WithError(err).WithField("wallet", wallet).Warn("model inference failed, using fallback")
		}
	}
	if !usedModel {
		score = fallbackScore(fv)
		confidence = fallbackConfidence(eventCount)
	}

	blacklisted := e.blacklist.Contains(wallet)
	if blacklisted {
		score -= blacklistPenalty
	}

	score = clampScore(score)
	risk := RiskFromScore(score)
	flags := buildFlags(fv, eventCount, blacklisted, risk)

	return &models.ScoringResult{
		Wallet:          wallet,
		ReputationScore: score,
		RiskLevel:       risk,
		Confidence:      confidence,
		Features:        fv,
		ComputedAt:      time.Now().Unix(),
		EventCount:      eventCount,
		Flags:           flags,
		Explanation:     buildExplanation(score, risk, usedModel, eventCount, flags),
	}
}

// RiskFromScore maps a reputation score to its risk level. Thresholds are
// inclusive: 70 is LOW, 50 is MEDIUM, 30 is HIGH.
func RiskFromScore(score float64) models.RiskLevel {
	switch {
	case score >= thresholdLow:
		return models.RiskLow
	case score >= thresholdMedium:
		return models.RiskMedium
	case score >= thresholdHigh:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

// fallbackScore is the deterministic rule-based score, monotonic in
// badness. Starts at a neutral base and applies additive adjustments.
// The blacklist penalty is applied by the caller, not here.
func fallbackScore(fv models.FeatureVector) float64 {
	score := fallbackBase

	// Sustained activity is weak evidence of legitimacy.
	score += math.Min(8, math.Log10(1+fv.TxCount)*2)

	// Machine-gun transaction rates look like bot or spam behavior.
	score -= math.Min(25, math.Max(0, (fv.TxPerDay-50)*0.3))

	// A modest organic rate earns a small bonus.
	if fv.TxPerDay > 0 && fv.TxPerDay <= 10 {
		score += math.Min(5, fv.TxPerDay*0.3)
	}

	// Large average transfers raise exposure.
	score -= math.Min(15, math.Log10(math.Max(1, fv.AvgValue))*2)

	score -= 4 * fv.FailedTxCount

	if fv.AccountAgeDays > 30 {
		score += math.Min(15, math.Log10(math.Max(1, fv.AccountAgeDays))*3)
	} else if fv.AccountAgeDays < 1 {
		score -= 20
	}

	return score
}

// fallbackConfidence is a data-availability proxy: more observed events,
// more confidence, within [0.3, 0.8].
func fallbackConfidence(eventCount int) float64 {
	c := 0.05 * float64(eventCount)
	if c > 0.8 {
		return 0.8
	}
	if c < 0.3 {
		return 0.3
	}
	return c
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// buildFlags emits the ordered flag list. Behavioral flags require observed
// events: a wallet with no history has no evidence of being new, frequent,
// or failure-prone. Blacklist membership and the severity tag are always
// reported.
func buildFlags(fv models.FeatureVector, eventCount int, blacklisted bool, risk models.RiskLevel) []string {
	flags := make([]string, 0, 4)
	if blacklisted {
		flags = append(flags, "blacklisted")
	}
	if eventCount > 0 {
		if fv.FailedTxCount > 10 {
			flags = append(flags, "high_failure_rate")
		}
		if fv.TxPerDay > 50 {
			flags = append(flags, "high_frequency")
		}
		if fv.UniqueCounterparties > 500 {
			flags = append(flags, "many_counterparties")
		}
		if fv.AccountAgeDays < 7 {
			flags = append(flags, "new_account")
		}
		if fv.ContractInteractions > 200 {
			flags = append(flags, "high_contract_activity")
		}
	}
	switch risk {
	case models.RiskCritical:
		flags = append(flags, "critical_risk")
	case models.RiskHigh:
		flags = append(flags, "high_risk")
	}
	return flags
}

func buildExplanation(score float64, risk models.RiskLevel, usedModel bool, eventCount int, flags []string) string {
	source := "rule-based heuristics"
	if usedModel {
		source = "classifier inference"
	}
	base := fmt.Sprintf("Reputation %.1f (%s) from %s over %d events.", score, risk, source, eventCount)
	if len(flags) == 0 {
		return base
	}
	return base + " Flags: " + strings.Join(flags, ", ") + "."
}
