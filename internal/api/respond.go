package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chainpulse/reputation-engine/internal/monitor"
	"github.com/chainpulse/reputation-engine/pkg/models"
)

// envelope is the uniform REST response shape. Failures carry the structured
// error in data and the human-readable message in error, so clients can
// branch on data.code without parsing text.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp"`
}

func respond(c *gin.Context, res monitor.Result) {
	if res.Success {
		c.JSON(http.StatusOK, envelope{
			Success:   true,
			Data:      res.Data,
			RequestID: requestID(c),
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}
	errData := res.Err
	if errData == nil {
		errData = &models.ErrorData{Code: "INTERNAL_ERROR", Message: "operation failed"}
	}
	c.JSON(statusFor(errData.Code), envelope{
		Success:   false,
		Error:     errData.Message,
		Data:      errData,
		RequestID: requestID(c),
		Timestamp: time.Now().UnixMilli(),
	})
}

// fail writes a failure envelope directly, for errors raised by the HTTP
// layer itself rather than the monitor façade.
func fail(c *gin.Context, status int, code, message, details string, recoverable bool) {
	c.AbortWithStatusJSON(status, envelope{
		Success: false,
		Error:   message,
		Data: &models.ErrorData{
			Code:        code,
			Message:     message,
			Details:     details,
			Recoverable: recoverable,
		},
		RequestID: requestID(c),
		Timestamp: time.Now().UnixMilli(),
	})
}

// bindError maps a JSON binding failure to the envelope. Bodies rejected by
// the size limiter surface here as *http.MaxBytesError.
func bindError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		fail(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE",
			fmt.Sprintf("request body exceeds the limit of %d bytes", tooLarge.Limit), "", false)
		return
	}
	fail(c, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON", err.Error(), false)
}

// statusFor translates façade error codes into HTTP semantics: caller
// mistakes are 400s, missing collaborators 503, upstream chain trouble 502.
func statusFor(code string) int {
	switch code {
	case "INVALID_ADDRESS", "INVALID_RISK_LEVEL", "INVALID_SCORE", "INVALID_REASON",
		"EMPTY_BATCH", "BATCH_TOO_LARGE", "INVALID_BODY":
		return http.StatusBadRequest
	case "NOT_CONFIGURED":
		return http.StatusServiceUnavailable
	case "CHAIN_ERROR", "FLAG_FAILED":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
