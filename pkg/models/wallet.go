package models

import "math/big"

// EventKind classifies an observed on-chain action.
type EventKind string

const (
	EventTransfer      EventKind = "transfer"
	EventContractCall  EventKind = "contract_call"
	EventTokenTransfer EventKind = "token_transfer"
)

// EventStatus is the execution outcome of the underlying transaction.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailed  EventStatus = "failed"
)

// RiskLevel is the coarse classification derived from a reputation score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ChainCode returns the on-chain uint8 encoding (0=LOW … 3=CRITICAL).
func (r RiskLevel) ChainCode() uint8 {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return 0
}

// RiskLevelFromChain decodes the contract's uint8 risk encoding.
func RiskLevelFromChain(code uint8) RiskLevel {
	switch code {
	case 0:
		return RiskLow
	case 1:
		return RiskMedium
	case 2:
		return RiskHigh
	case 3:
		return RiskCritical
	}
	return RiskLow
}

// ParseRiskLevel validates a caller-supplied risk level string.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch RiskLevel(s) {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return RiskLevel(s), true
	}
	return "", false
}

// WalletEvent is one observed on-chain action involving a monitored wallet.
// Created by the ingester, buffered by the coordinator, consumed by scoring.
// Never mutated after creation.
type WalletEvent struct {
	Kind            EventKind   `json:"kind"`
	Hash            string      `json:"hash"` // 32-byte tx hash, 0x hex
	From            string      `json:"from"`
	To              string      `json:"to,omitempty"`
	Value           *big.Int    `json:"value"` // native value in wei
	BlockNumber     uint64      `json:"blockNumber"`
	Timestamp       int64       `json:"timestamp"` // milliseconds since epoch, UTC
	GasPrice        *big.Int    `json:"gasPrice,omitempty"`
	GasUsed         uint64      `json:"gasUsed"`
	Status          EventStatus `json:"status"`
	Input           string      `json:"input,omitempty"` // calldata, 0x hex (may be "0x")
	ContractAddress string      `json:"contractAddress,omitempty"`
	TokenSymbol     string      `json:"tokenSymbol,omitempty"`
	TokenValue      *big.Int    `json:"tokenValue,omitempty"`
	MethodSelector  string      `json:"methodSelector,omitempty"` // first 4 bytes of calldata, 0x hex
	Nonce           uint64      `json:"nonce"`
	LogIndex        uint        `json:"logIndex"`
	Position        int         `json:"position,omitempty"` // informational only, not an ordering key
}

// Involves reports whether the event touches the given canonical address.
func (e *WalletEvent) Involves(wallet string) bool {
	return e.From == wallet || e.To == wallet
}

// InputByteLen returns the calldata length in bytes for a 0x-hex input string.
func (e *WalletEvent) InputByteLen() int {
	if len(e.Input) <= 2 {
		return 0
	}
	return (len(e.Input) - 2) / 2
}

// NormalizeMillis converts a timestamp that looks like unix seconds into
// milliseconds. Anything already at millisecond magnitude passes through.
func NormalizeMillis(ts int64) int64 {
	if ts > 0 && ts < 1_000_000_000_000 {
		return ts * 1000
	}
	return ts
}

// MonitorConfig controls which activity the ingester captures for a wallet.
type MonitorConfig struct {
	IncludeNativeTransfers bool   `json:"includeNativeTransfers"`
	IncludeTokenTransfers  bool   `json:"includeTokenTransfers"`
	IncludeInternal        bool   `json:"includeInternal"`
	StartBlock             uint64 `json:"startBlock,omitempty"`
}

// DefaultMonitorConfig captures native and token transfers, skips internal calls.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		IncludeNativeTransfers: true,
		IncludeTokenTransfers:  true,
		IncludeInternal:        false,
	}
}

// WalletMonitor is the process-local state for one actively monitored wallet.
type WalletMonitor struct {
	Address      string         `json:"address"` // checksummed display form
	StartedAt    int64          `json:"startedAt"`    // ms
	LastActivity int64          `json:"lastActivity"` // ms
	EventCount   uint64         `json:"eventCount"`
	LastScore    *ScoringResult `json:"lastScore,omitempty"`
	Active       bool           `json:"active"`
	Config       MonitorConfig  `json:"config"`
}

// FeatureVector is the fixed-length tuple of real-valued features derived
// deterministically from a wallet's event history plus an optional balance.
type FeatureVector struct {
	TxCount               float64 `json:"txCount"`
	TxPerDay              float64 `json:"txPerDay"`
	AvgValue              float64 `json:"avgValue"` // native units
	MinValue              float64 `json:"minValue"`
	MaxValue              float64 `json:"maxValue"`
	AccountAgeDays        float64 `json:"accountAgeDays"`
	DaysSinceLastTx       float64 `json:"daysSinceLastTx"`
	ActiveDays            float64 `json:"activeDays"`
	UniqueCounterparties  float64 `json:"uniqueCounterparties"`
	ContractInteractions  float64 `json:"contractInteractions"`
	FailedTxCount         float64 `json:"failedTxCount"`
	GasUsagePattern       float64 `json:"gasUsagePattern"` // gas-used variability, 0-1
	TotalVolume           float64 `json:"totalVolume"`     // native units
	Balance               float64 `json:"balance"`         // native units
	AvgGasPrice           float64 `json:"avgGasPrice"`     // gwei
	ValueConcentration    float64 `json:"valueConcentration"`  // 0-1
	TimeDistribution      float64 `json:"timeDistribution"`    // hour-of-day entropy, 0-1
	ActivityConsistency   float64 `json:"activityConsistency"` // 0-1
	ClusteringCoefficient float64 `json:"clusteringCoefficient"`
	PageRank              float64 `json:"pageRank"`
}

// Get returns a feature by its model-side name. Unknown names yield 0,
// matching scikit-learn exports where absent columns default to zero.
func (f *FeatureVector) Get(name string) float64 {
	switch name {
	case "tx_count":
		return f.TxCount
	case "tx_per_day":
		return f.TxPerDay
	case "avg_value":
		return f.AvgValue
	case "min_value":
		return f.MinValue
	case "max_value":
		return f.MaxValue
	case "account_age_days":
		return f.AccountAgeDays
	case "days_since_last_tx":
		return f.DaysSinceLastTx
	case "active_days":
		return f.ActiveDays
	case "unique_counterparties":
		return f.UniqueCounterparties
	case "contract_interactions":
		return f.ContractInteractions
	case "failed_tx_count":
		return f.FailedTxCount
	case "gas_usage_pattern":
		return f.GasUsagePattern
	case "total_volume":
		return f.TotalVolume
	case "balance":
		return f.Balance
	case "avg_gas_price":
		return f.AvgGasPrice
	case "value_concentration":
		return f.ValueConcentration
	case "time_distribution":
		return f.TimeDistribution
	case "activity_consistency":
		return f.ActivityConsistency
	case "clustering_coefficient":
		return f.ClusteringCoefficient
	case "page_rank":
		return f.PageRank
	}
	return 0
}

// DefaultFeatureOrder is the model input order used when FEATURES_PATH is absent.
var DefaultFeatureOrder = []string{
	"tx_count", "tx_per_day", "avg_value", "min_value", "max_value",
	"account_age_days", "days_since_last_tx", "active_days",
	"unique_counterparties", "contract_interactions", "failed_tx_count",
	"gas_usage_pattern", "total_volume", "balance", "avg_gas_price",
	"value_concentration", "time_distribution", "activity_consistency",
	"clustering_coefficient", "page_rank",
}

// ScoringResult is the scored verdict for a wallet at a point in time.
type ScoringResult struct {
	Wallet          string        `json:"wallet"`
	ReputationScore float64       `json:"reputationScore"` // 0-100, higher is safer
	RiskLevel       RiskLevel     `json:"riskLevel"`
	Confidence      float64       `json:"confidence"` // 0-1
	Features        FeatureVector `json:"features"`
	ComputedAt      int64         `json:"computedAt"` // unix seconds
	EventCount      int           `json:"eventCount"`
	Flags           []string      `json:"flags"`
	Explanation     string        `json:"explanation"`
}

// WalletFlag is the on-chain record of a critical classification.
type WalletFlag struct {
	Wallet          string    `json:"wallet"`
	IsFlagged       bool      `json:"isFlagged"`
	RiskLevel       RiskLevel `json:"riskLevel"`
	ReputationScore uint64    `json:"reputationScore"`
	FlaggedAt       int64     `json:"flaggedAt"` // unix seconds, contract clock
	ExpiresAt       int64     `json:"expiresAt"`
	FlaggedBy       string    `json:"flaggedBy"`
	Reason          string    `json:"reason"`
	TxHash          string    `json:"txHash,omitempty"`
}

// ActiveAt reports whether the flag is set and not yet expired at the given
// unix-seconds instant.
func (f *WalletFlag) ActiveAt(now int64) bool {
	return f.IsFlagged && (f.ExpiresAt == 0 || now <= f.ExpiresAt)
}
