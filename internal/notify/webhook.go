package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chainpulse/reputation-engine/pkg/models"
)

const (
	deliveryTimeout = 5 * time.Second
	deliveryRetries = 3
	walletCooldown  = 5 * time.Minute
)

// FlagAlert is the webhook payload announcing an on-chain flag. The format
// suits Slack/Discord-style incoming webhooks and SIEM collectors alike.
type FlagAlert struct {
	Wallet    string           `json:"wallet"`
	RiskLevel models.RiskLevel `json:"riskLevel"`
	Score     float64          `json:"score"`
	TxHash    string           `json:"txHash,omitempty"`
	FlaggedAt int64            `json:"flaggedAt"` // ms
}

// Notifier pushes flag alerts to a single configured webhook endpoint.
// Delivery is fire-and-forget: failures are logged, never propagated, and a
// per-wallet cooldown suppresses duplicate alerts during flap.
type Notifier struct {
	log        logrus.FieldLogger
	url        string
	httpClient *http.Client
	retryDelay time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

func New(log *logrus.Logger, url string) *Notifier {
	return &Notifier{
		log:        log.WithField("component", "notifier"),
		url:        url,
		httpClient: &http.Client{Timeout: deliveryTimeout},
		retryDelay: time.Second,
		lastSent:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// WalletFlagged queues an alert for async delivery. A nil notifier is a
// no-op so callers need not special-case an unconfigured webhook.
func (n *Notifier) WalletFlagged(alert FlagAlert) {
	if n == nil || n.url == "" {
		return
	}

	n.mu.Lock()
	now := n.now()
	if last, ok := n.lastSent[alert.Wallet]; ok && now.Sub(last) < walletCooldown {
		n.mu.Unlock()
		n.log.WithField("wallet", alert.Wallet).Debug("webhook suppressed by cooldown")
		return
	}
	n.lastSent[alert.Wallet] = now
	n.mu.Unlock()

	if alert.FlaggedAt == 0 {
		alert.FlaggedAt = now.UnixMilli()
	}
	go n.deliver(alert)
}

func (n *Notifier) deliver(alert FlagAlert) {
	defer func() {
		if r := recover(); r != nil {
			n.log.WithField("panic", r).Error("webhook delivery crashed")
		}
	}()

	payload, err := json.Marshal(alert)
	if err != nil {
		n.log.WithError(err).Error("failed to marshal webhook payload")
		return
	}

	for attempt := 1; attempt <= deliveryRetries; attempt++ {
		err = n.post(payload)
		if err == nil {
			n.log.WithFields(logrus.Fields{
				"wallet": alert.Wallet,
				"risk":   alert.RiskLevel,
			}).Info("flag alert delivered")
			return
		}
		n.log.WithError(err).WithFields(logrus.Fields{
			"wallet":  alert.Wallet,
			"attempt": attempt,
		}).Warn("webhook delivery failed")
		if attempt < deliveryRetries {
			time.Sleep(n.retryDelay * time.Duration(attempt))
		}
	}
	n.log.WithField("wallet", alert.Wallet).Error("flag alert dropped after retries")
}

func (n *Notifier) post(payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
