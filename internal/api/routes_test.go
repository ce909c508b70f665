package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/reputation-engine/internal/config"
	"github.com/chainpulse/reputation-engine/internal/monitor"
	"github.com/chainpulse/reputation-engine/pkg/models"
)

const testWallet = "0xC188d7E186682502B0177bEbE427828e8F5daf50"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
	os.Exit(m.Run())
}

// --- Stubs ---

type stubService struct {
	subscribeRes   monitor.Result
	unsubscribeRes monitor.Result
	scoreRes       monitor.Result
	batchRes       monitor.Result
	flagRes        monitor.Result
	statusRes      monitor.Result
	activeRes      monitor.Result

	wallet  string
	session string
	include *bool
	refresh bool
	wallets []string
	level   string
	score   float64
	reason  string
}

func (s *stubService) Subscribe(_ context.Context, wallet, sessionID string, includeTx *bool) monitor.Result {
	s.wallet, s.session, s.include = wallet, sessionID, includeTx
	return s.subscribeRes
}

func (s *stubService) Unsubscribe(wallet, sessionID string) monitor.Result {
	s.wallet, s.session = wallet, sessionID
	return s.unsubscribeRes
}

func (s *stubService) GetScore(_ context.Context, wallet string, refresh bool) monitor.Result {
	s.wallet, s.refresh = wallet, refresh
	return s.scoreRes
}

func (s *stubService) BatchScore(_ context.Context, wallets []string) monitor.Result {
	s.wallets = wallets
	return s.batchRes
}

func (s *stubService) Flag(_ context.Context, wallet, level string, score float64, reason string) monitor.Result {
	s.wallet, s.level, s.score, s.reason = wallet, level, score, reason
	return s.flagRes
}

func (s *stubService) FlagStatus(_ context.Context, wallet string) monitor.Result {
	s.wallet = wallet
	return s.statusRes
}

func (s *stubService) Active() monitor.Result { return s.activeRes }

type stubChain struct {
	head uint64
	err  error
}

func (s *stubChain) BlockNumber(context.Context) (uint64, error) { return s.head, s.err }
func (s *stubChain) ChainID() *big.Int                           { return big.NewInt(50312) }

type stubRegistry struct {
	canWrite bool
	count    uint64
	countErr error
}

func (s *stubRegistry) Address() string { return "0x00000000000000000000000000000000000000Aa" }
func (s *stubRegistry) CanWrite() bool  { return s.canWrite }
func (s *stubRegistry) ActiveCount(context.Context) (uint64, error) {
	return s.count, s.countErr
}

type stubHub struct {
	conns  int
	served bool
}

func (s *stubHub) ServeWS(w http.ResponseWriter, _ *http.Request) {
	s.served = true
	w.WriteHeader(http.StatusOK)
}

func (s *stubHub) ActiveConnections() int { return s.conns }

type stubStats struct{ stats monitor.Stats }

func (s *stubStats) Snapshot() monitor.Stats { return s.stats }

// --- Harness ---

func testConfig() *config.Config {
	return &config.Config{
		Port:          3001,
		CORSOrigins:   "*",
		RateLimitMax:  1000,
		BodySizeLimit: 1 << 20,
		NodeEnv:       "test",
	}
}

func newTestRouter(cfg *config.Config, svc walletService, opts ...func(*APIHandler)) *gin.Engine {
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := &APIHandler{
		log:     log.WithField("component", "api"),
		wallets: svc,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return newRouter(cfg, h)
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func doRaw(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type recordedEnvelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	RequestID string          `json:"requestId"`
	Timestamp int64           `json:"timestamp"`
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) recordedEnvelope {
	t.Helper()
	var env recordedEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	return env
}

func decodeErrData(t *testing.T, env recordedEnvelope) models.ErrorData {
	t.Helper()
	var ed models.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &ed))
	return ed
}

// --- Wallet endpoints ---

func TestSubscribeEndpoint(t *testing.T) {
	svc := &stubService{subscribeRes: monitor.Result{Success: true, Data: monitor.SubscribeData{
		Wallet:     strings.ToLower(testWallet),
		Monitoring: true,
		Message:    "monitoring started",
	}}}
	r := newTestRouter(testConfig(), svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/wallets/subscribe", gin.H{
		"wallet":              testWallet,
		"sessionId":           "sess-1",
		"includeTransactions": false,
	})

	require.Equal(t, http.StatusOK, w.Code)
	env := decodeBody(t, w)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)
	assert.NotZero(t, env.Timestamp)

	var data monitor.SubscribeData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.True(t, data.Monitoring)

	assert.Equal(t, testWallet, svc.wallet)
	assert.Equal(t, "sess-1", svc.session)
	require.NotNil(t, svc.include)
	assert.False(t, *svc.include)
}

func TestSubscribeEndpoint_OmittedCaptureFlag(t *testing.T) {
	svc := &stubService{subscribeRes: monitor.Result{Success: true}}
	r := newTestRouter(testConfig(), svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/wallets/subscribe", gin.H{"wallet": testWallet})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, svc.include, "absent includeTransactions must stay nil")
}

func TestSubscribeEndpoint_MalformedBody(t *testing.T) {
	svc := &stubService{}
	r := newTestRouter(testConfig(), svc)

	w := doRaw(t, r, http.MethodPost, "/api/v1/wallets/subscribe", "{not json")

	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeBody(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, "INVALID_BODY", decodeErrData(t, env).Code)
}

func TestSubscribeEndpoint_FacadeFailure(t *testing.T) {
	svc := &stubService{subscribeRes: monitor.Result{Success: false, Err: &models.ErrorData{
		Code:    "INVALID_ADDRESS",
		Message: "invalid wallet address",
	}}}
	r := newTestRouter(testConfig(), svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/wallets/subscribe", gin.H{"wallet": "bogus"})

	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeBody(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, "invalid wallet address", env.Error)
	assert.Equal(t, "INVALID_ADDRESS", decodeErrData(t, env).Code)
}

func TestUnsubscribeEndpoint(t *testing.T) {
	svc := &stubService{unsubscribeRes: monitor.Result{Success: true, Data: monitor.UnsubscribeData{
		Wallet:  strings.ToLower(testWallet),
		Stopped: true,
		Message: "monitoring stopped",
	}}}
	r := newTestRouter(testConfig(), svc)

	w := doJSON(t, r, http.MethodDelete, "/api/v1/wallets/unsubscribe", gin.H{
		"wallet":    testWallet,
		"sessionId": "sess-1",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testWallet, svc.wallet)
	assert.Equal(t, "sess-1", svc.session)
}

func TestGetScoreEndpoint(t *testing.T) {
	svc := &stubService{scoreRes: monitor.Result{Success: true}}
	r := newTestRouter(testConfig(), svc)

	w := doJSON(t, r, http.MethodGet, "/api/v1/wallets/"+testWallet+"/score?refresh=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testWallet, svc.wallet)
	assert.True(t, svc.refresh)

	w = doJSON(t, r, http.MethodGet, "/api/v1/wallets/"+testWallet+"/score", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, svc.refresh, "refresh defaults to false")
}

func TestBatchScoreEndpoint(t *testing.T) {
	svc := &stubService{batchRes: monitor.Result{Success: true, Data: monitor.BatchScoreData{Requested: 2}}}
	r := newTestRouter(testConfig(), svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/wallets/batch-score", gin.H{
		"wallets": []string{testWallet, "0x0000000000000000000000000000000000000001"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, svc.wallets, 2)
}

func TestBatchScoreEndpoint_TooLarge(t *testing.T) {
	svc := &stubService{batchRes: monitor.Result{Success: false, Err: &models.ErrorData{
		Code:    "BATCH_TOO_LARGE",
		Message: "batch of 51 exceeds the limit of 50",
	}}}
	r := newTestRouter(testConfig(), svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/wallets/batch-score", gin.H{"wallets": []string{testWallet}})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BATCH_TOO_LARGE", decodeErrData(t, decodeBody(t, w)).Code)
}

func TestFlagEndpoint(t *testing.T) {
	svc := &stubService{flagRes: monitor.Result{Success: true}}
	r := newTestRouter(testConfig(), svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/wallets/"+testWallet+"/flag", gin.H{
		"riskLevel":       "CRITICAL",
		"reputationScore": 12.5,
		"reason":          "confirmed exploit drain",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testWallet, svc.wallet)
	assert.Equal(t, "CRITICAL", svc.level)
	assert.InDelta(t, 12.5, svc.score, 1e-9)
	assert.Equal(t, "confirmed exploit drain", svc.reason)
}

func TestFlagEndpoint_RegistryNotConfigured(t *testing.T) {
	svc := &stubService{flagRes: monitor.Result{Success: false, Err: &models.ErrorData{
		Code:        "NOT_CONFIGURED",
		Message:     "flag registry not configured",
		Recoverable: false,
	}}}
	r := newTestRouter(testConfig(), svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/wallets/"+testWallet+"/flag", gin.H{
		"riskLevel":       "HIGH",
		"reputationScore": 40,
		"reason":          "manual review",
	})

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "NOT_CONFIGURED", decodeErrData(t, decodeBody(t, w)).Code)
}

func TestFlagStatusEndpoint_ChainErrorMapsToBadGateway(t *testing.T) {
	svc := &stubService{statusRes: monitor.Result{Success: false, Err: &models.ErrorData{
		Code:        "CHAIN_ERROR",
		Message:     "flag status lookup failed",
		Recoverable: true,
	}}}
	r := newTestRouter(testConfig(), svc)

	w := doJSON(t, r, http.MethodGet, "/api/v1/wallets/"+testWallet+"/flag-status", nil)

	require.Equal(t, http.StatusBadGateway, w.Code)
	env := decodeBody(t, w)
	ed := decodeErrData(t, env)
	assert.Equal(t, "CHAIN_ERROR", ed.Code)
	assert.True(t, ed.Recoverable)
}

func TestActiveEndpoint(t *testing.T) {
	svc := &stubService{activeRes: monitor.Result{Success: true, Data: monitor.ActiveData{
		Count:   2,
		Wallets: []string{"0xaaaa", "0xbbbb"},
	}}}
	r := newTestRouter(testConfig(), svc)

	w := doJSON(t, r, http.MethodGet, "/api/v1/wallets/active", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var data monitor.ActiveData
	require.NoError(t, json.Unmarshal(decodeBody(t, w).Data, &data))
	assert.Equal(t, 2, data.Count)
}

// --- Health ---

func TestHealthEndpoint_Operational(t *testing.T) {
	hubStub := &stubHub{conns: 3}
	r := newTestRouter(testConfig(), &stubService{}, func(h *APIHandler) {
		h.chain = &stubChain{head: 1234567}
		h.registry = &stubRegistry{canWrite: true, count: 7}
		h.hub = hubStub
		h.stats = &stubStats{stats: monitor.Stats{ActiveMonitors: 2, TotalEvents: 40}}
	})

	w := doJSON(t, r, http.MethodGet, "/api/v1/system/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "operational", body["status"])

	chainInfo := body["chain"].(map[string]any)
	assert.Equal(t, true, chainInfo["connected"])
	assert.Equal(t, float64(1234567), chainInfo["blockNumber"])
	assert.Equal(t, float64(50312), chainInfo["chainId"])

	registryInfo := body["registry"].(map[string]any)
	assert.Equal(t, true, registryInfo["configured"])
	assert.Equal(t, true, registryInfo["canWrite"])
	assert.Equal(t, float64(7), registryInfo["activeFlaggedCount"])

	caps := body["capabilities"].(map[string]any)
	assert.Equal(t, true, caps["onchainFlagging"])

	ws := body["websocket"].(map[string]any)
	assert.Equal(t, float64(3), ws["activeConnections"])

	mon := body["monitoring"].(map[string]any)
	assert.Equal(t, float64(2), mon["activeMonitors"])
}

func TestHealthEndpoint_DegradedChain(t *testing.T) {
	r := newTestRouter(testConfig(), &stubService{}, func(h *APIHandler) {
		h.chain = &stubChain{err: errors.New("rpc down")}
	})

	w := doJSON(t, r, http.MethodGet, "/api/v1/system/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])

	chainInfo := body["chain"].(map[string]any)
	assert.Equal(t, false, chainInfo["connected"])
	assert.Contains(t, chainInfo["error"], "rpc down")

	registryInfo := body["registry"].(map[string]any)
	assert.Equal(t, false, registryInfo["configured"])

	caps := body["capabilities"].(map[string]any)
	assert.Equal(t, false, caps["onchainFlagging"])
}

// --- Stream upgrade ---

func TestStreamEndpoint(t *testing.T) {
	hubStub := &stubHub{}
	r := newTestRouter(testConfig(), &stubService{}, func(h *APIHandler) { h.hub = hubStub })

	w := doJSON(t, r, http.MethodGet, "/ws", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, hubStub.served)
}

func TestStreamEndpoint_NoHub(t *testing.T) {
	r := newTestRouter(testConfig(), &stubService{})

	w := doJSON(t, r, http.MethodGet, "/ws", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "NOT_CONFIGURED", decodeErrData(t, decodeBody(t, w)).Code)
}

// --- Middleware ---

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	svc := &stubService{activeRes: monitor.Result{Success: true}}
	r := newTestRouter(testConfig(), svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets/active", nil)
	req.Header.Set(requestIDHeader, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
	assert.Equal(t, "req-42", decodeBody(t, w).RequestID)

	w = doJSON(t, r, http.MethodGet, "/api/v1/wallets/active", nil)
	generated := decodeBody(t, w).RequestID
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, w.Header().Get(requestIDHeader))
}

func TestCORS_WildcardAndAllowList(t *testing.T) {
	svc := &stubService{activeRes: monitor.Result{Success: true}}

	r := newTestRouter(testConfig(), svc)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets/active", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	cfg := testConfig()
	cfg.CORSOrigins = "https://app.example.com, https://staging.example.com"
	r = newTestRouter(cfg, svc)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/wallets/active", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/wallets/active", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	r := newTestRouter(testConfig(), &stubService{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/wallets/subscribe", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestBodyLimitRejectsOversized(t *testing.T) {
	cfg := testConfig()
	cfg.BodySizeLimit = 64
	r := newTestRouter(cfg, &stubService{})

	w := doJSON(t, r, http.MethodPost, "/api/v1/wallets/subscribe", gin.H{
		"wallet": testWallet,
		"reason": strings.Repeat("x", 256),
	})

	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "BODY_TOO_LARGE", decodeErrData(t, decodeBody(t, w)).Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMax = 2
	svc := &stubService{activeRes: monitor.Result{Success: true}}
	r := newTestRouter(cfg, svc)

	for i := 0; i < 2; i++ {
		w := doJSON(t, r, http.MethodGet, "/api/v1/wallets/active", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d inside the budget", i+1)
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/wallets/active", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeErrData(t, decodeBody(t, w)).Code)

	// The upgrade endpoint does not share the REST budget.
	w = doJSON(t, r, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusForMapping(t *testing.T) {
	cases := map[string]int{
		"INVALID_ADDRESS":    http.StatusBadRequest,
		"INVALID_RISK_LEVEL": http.StatusBadRequest,
		"INVALID_SCORE":      http.StatusBadRequest,
		"INVALID_REASON":     http.StatusBadRequest,
		"EMPTY_BATCH":        http.StatusBadRequest,
		"BATCH_TOO_LARGE":    http.StatusBadRequest,
		"NOT_CONFIGURED":     http.StatusServiceUnavailable,
		"CHAIN_ERROR":        http.StatusBadGateway,
		"FLAG_FAILED":        http.StatusBadGateway,
		"SOMETHING_ELSE":     http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), "code %s", code)
	}
}
