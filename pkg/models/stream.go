package models

// StreamVersion is stamped on every frame sent to downstream clients.
const StreamVersion = "1.0.0"

// MessageType enumerates the frames of the downstream client protocol.
type MessageType string

const (
	MsgSubscribe        MessageType = "subscribe"
	MsgUnsubscribe      MessageType = "unsubscribe"
	MsgHeartbeat        MessageType = "heartbeat"
	MsgScoreUpdate      MessageType = "score_update"
	MsgTransactionAlert MessageType = "transaction_alert"
	MsgWalletFlagged    MessageType = "wallet_flagged"
	MsgError            MessageType = "error"
)

// StreamMessage is the envelope for every frame on the client channel.
type StreamMessage struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"` // ms
	Version   string      `json:"version"`
	Data      any         `json:"data"`
}

// ClientFrame is the inbound shape for subscribe/unsubscribe/ping control
// messages. Unknown fields are ignored so older dashboards keep working.
type ClientFrame struct {
	Type MessageType `json:"type"`
	Data struct {
		Wallet    string `json:"wallet"`
		SessionID string `json:"sessionId"`
	} `json:"data"`
}

// SubscribeAck confirms a subscription request.
type SubscribeAck struct {
	Wallet     string `json:"wallet"`
	SessionID  string `json:"sessionId,omitempty"`
	Subscribed bool   `json:"subscribed"`
	Message    string `json:"message"`
}

// UnsubscribeAck confirms an unsubscription request, reporting whether the
// wallet was actually subscribed.
type UnsubscribeAck struct {
	Wallet       string `json:"wallet"`
	SessionID    string `json:"sessionId,omitempty"`
	Unsubscribed bool   `json:"unsubscribed"`
	Message      string `json:"message"`
}

// HeartbeatData carries periodic liveness info to every connection.
type HeartbeatData struct {
	ServerTime        int64       `json:"serverTime"` // ms
	ActiveConnections int         `json:"activeConnections"`
	MemoryUsage       MemoryStats `json:"memoryUsage"`
}

// MemoryStats is the coarse runtime snapshot included in heartbeats.
type MemoryStats struct {
	HeapAllocMB   float64 `json:"heapAllocMb"`
	HeapSysMB     float64 `json:"heapSysMb"`
	NumGoroutines int     `json:"numGoroutines"`
}

// ScoreUpdateData announces a (re)computed score for a wallet.
type ScoreUpdateData struct {
	Wallet        string         `json:"wallet"`
	Score         *ScoringResult `json:"score"`
	PreviousScore *float64       `json:"previousScore,omitempty"`
}

// TransactionAlertData announces a newly observed event on a wallet.
type TransactionAlertData struct {
	Wallet      string       `json:"wallet"`
	Transaction *WalletEvent `json:"transaction"`
	RiskLevel   RiskLevel    `json:"riskLevel"`
	ScoreImpact float64      `json:"scoreImpact"`
}

// WalletFlaggedData announces a successful on-chain flag write.
type WalletFlaggedData struct {
	Wallet         string    `json:"wallet"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	Score          float64   `json:"score"`
	ContractTxHash string    `json:"contractTxHash,omitempty"`
	FlaggedAt      int64     `json:"flaggedAt"` // ms
}

// ErrorData is the recoverable/fatal error frame sent to a single connection.
type ErrorData struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Details     string `json:"details,omitempty"`
	Recoverable bool   `json:"recoverable"`
}
