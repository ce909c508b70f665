package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type subscribeRequest struct {
	Wallet              string `json:"wallet"`
	SessionID           string `json:"sessionId"`
	IncludeTransactions *bool  `json:"includeTransactions"`
}

type unsubscribeRequest struct {
	Wallet    string `json:"wallet"`
	SessionID string `json:"sessionId"`
}

type batchScoreRequest struct {
	Wallets []string `json:"wallets"`
}

type flagRequest struct {
	RiskLevel       string  `json:"riskLevel"`
	ReputationScore float64 `json:"reputationScore"`
	Reason          string  `json:"reason"`
}

// POST /api/v1/wallets/subscribe
// Starts monitoring a wallet. includeTransactions=false narrows the capture
// to contract interactions only.
func (h *APIHandler) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	respond(c, h.wallets.Subscribe(c.Request.Context(), req.Wallet, req.SessionID, req.IncludeTransactions))
}

// DELETE /api/v1/wallets/unsubscribe
func (h *APIHandler) handleUnsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	respond(c, h.wallets.Unsubscribe(req.Wallet, req.SessionID))
}

// GET /api/v1/wallets/:address/score?refresh=true
// Serves the cached score unless refresh forces a recomputation.
func (h *APIHandler) handleGetScore(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))
	respond(c, h.wallets.GetScore(c.Request.Context(), c.Param("address"), refresh))
}

// POST /api/v1/wallets/batch-score
func (h *APIHandler) handleBatchScore(c *gin.Context) {
	var req batchScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	respond(c, h.wallets.BatchScore(c.Request.Context(), req.Wallets))
}

// GET /api/v1/wallets/:address/flag-status
func (h *APIHandler) handleFlagStatus(c *gin.Context) {
	respond(c, h.wallets.FlagStatus(c.Request.Context(), c.Param("address")))
}

// POST /api/v1/wallets/:address/flag
// Manual on-chain flag. Requires a configured registry with a signer.
func (h *APIHandler) handleFlag(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"wallet":    c.Param("address"),
		"riskLevel": req.RiskLevel,
		"caller":    c.ClientIP(),
	}).Info("manual flag requested")
	respond(c, h.wallets.Flag(c.Request.Context(), c.Param("address"), req.RiskLevel, req.ReputationScore, req.Reason))
}

// GET /api/v1/wallets/active
func (h *APIHandler) handleActive(c *gin.Context) {
	respond(c, h.wallets.Active())
}
