package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chainpulse/reputation-engine/internal/codec"
	"github.com/chainpulse/reputation-engine/pkg/models"
)

const (
	// HeartbeatInterval is the cadence of the liveness broadcast sent to
	// every connection.
	HeartbeatInterval = 30 * time.Second

	// ConnectionTimeout is the idle cutoff after which the reaper closes
	// a connection.
	ConnectionTimeout = 300 * time.Second

	reaperInterval = 60 * time.Second
	writeWait      = 5 * time.Second
	sendBuffer     = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced at the HTTP layer
	},
}

// Hub owns the table of live client connections and fans domain messages out
// to the connections subscribed to each wallet. Delivery is best-effort:
// a failing or slow connection is dropped without affecting the others.
type Hub struct {
	log logrus.FieldLogger

	mu      sync.RWMutex
	clients map[*Client]bool

	// onSubscribe fires after a client subscription is acknowledged, so the
	// coordinator can begin monitoring the wallet. onUnsubscribe fires when
	// the last connection watching a wallet drops it. Both run on their own
	// goroutine; neither blocks the read pump.
	onSubscribe   func(wallet, sessionID string)
	onUnsubscribe func(wallet string)

	now func() time.Time
}

func New(log *logrus.Logger) *Hub {
	return &Hub{
		log:     log.WithField("component", "hub"),
		clients: make(map[*Client]bool),
		now:     time.Now,
	}
}

// SetSubscribeHook installs the coordinator callback invoked when a client
// subscribes to a wallet. Must be called before Run.
func (h *Hub) SetSubscribeHook(fn func(wallet, sessionID string)) {
	h.onSubscribe = fn
}

// SetUnsubscribeHook installs the callback invoked when the last client
// watching a wallet unsubscribes. Must be called before Run.
func (h *Hub) SetUnsubscribeHook(fn func(wallet string)) {
	h.onUnsubscribe = fn
}

// Run drives the heartbeat and idle-reaper tickers until ctx is cancelled,
// then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()
	reaper := time.NewTicker(reaperInterval)
	defer reaper.Stop()

	h.log.Info("broadcast hub running")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.log.Info("broadcast hub stopped")
			return
		case <-heartbeat.C:
			h.broadcastHeartbeat()
		case <-reaper.C:
			h.reapIdle()
		}
	}
}

// ServeWS upgrades an HTTP request into a hub connection. Exposed for the
// gin route, which calls it with the raw writer and request.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := h.accept(conn)

	// Protocol-level pings refresh the idle clock alongside JSON traffic.
	conn.SetPingHandler(func(appData string) error {
		client.touch(h.now())
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		client.touch(h.now())
		return nil
	})
}

// accept registers a transport, sends the welcome heartbeat, and starts the
// connection's read and write pumps.
func (h *Hub) accept(sock socket) *Client {
	client := newClient(uuid.NewString(), sock, h.now())

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"connection": client.id,
		"total":      total,
	}).Info("client connected")

	go h.writePump(client)
	go h.readPump(client)

	h.sendTo(client, models.MsgHeartbeat, h.heartbeatData())
	return client
}

// remove drops a client from the table and closes it. Idempotent; callable
// from the read pump, the write pump, and the reaper.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, present := h.clients[client]
	if present {
		delete(h.clients, client)
	}
	total := len(h.clients)
	h.mu.Unlock()

	client.close()
	if present {
		h.log.WithFields(logrus.Fields{
			"connection": client.id,
			"total":      total,
			"lifetime":   client.lifetime(h.now()).String(),
		}).Info("client disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ActiveConnections reports the size of the connection table.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount reports how many connections watch the given canonical
// wallet address.
func (h *Hub) SubscriberCount(wallet string) int {
	canonical := codec.MustNormalize(wallet)
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.subscribedTo(canonical) {
			n++
		}
	}
	return n
}

// --- Pumps ---

func (h *Hub) writePump(client *Client) {
	defer h.recoverPump(client, "write pump")
	for {
		select {
		case <-client.done:
			return
		case frame := <-client.send:
			_ = client.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.WithError(err).WithField("connection", client.id).Debug("write failed")
				h.remove(client)
				return
			}
		}
	}
}

// recoverPump logs a pump panic and drops the connection it served, keeping
// the rest of the table alive.
func (h *Hub) recoverPump(client *Client, pump string) {
	if r := recover(); r != nil {
		h.log.WithFields(logrus.Fields{
			"connection": client.id,
			"panic":      r,
		}).Error(pump + " crashed")
		h.remove(client)
	}
}

func (h *Hub) readPump(client *Client) {
	defer h.remove(client)
	defer h.recoverPump(client, "read pump")
	for {
		_, data, err := client.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("connection", client.id).Warn("read error")
			}
			return
		}
		now := h.now()
		client.touch(now)

		if !client.window.allow(now) {
			h.sendError(client, "RATE_LIMIT_EXCEEDED", "message rate limit exceeded", "", true)
			continue
		}
		h.handleFrame(client, data)
	}
}

// --- Inbound control frames ---

func (h *Hub) handleFrame(client *Client, data []byte) {
	var frame models.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.sendError(client, "INVALID_MESSAGE", "frame is not valid JSON", err.Error(), true)
		return
	}

	switch frame.Type {
	case models.MsgSubscribe:
		h.handleSubscribe(client, frame.Data.Wallet, frame.Data.SessionID)
	case models.MsgUnsubscribe:
		h.handleUnsubscribe(client, frame.Data.Wallet, frame.Data.SessionID)
	case "ping":
		// Liveness probe: answer with a single-connection heartbeat.
		h.sendTo(client, models.MsgHeartbeat, h.heartbeatData())
	default:
		h.sendError(client, "UNKNOWN_MESSAGE_TYPE", "unsupported message type: "+string(frame.Type), "", true)
	}
}

func (h *Hub) handleSubscribe(client *Client, wallet, sessionID string) {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		h.sendError(client, "INVALID_ADDRESS", "invalid wallet address", wallet, true)
		return
	}
	client.setSession(sessionID)

	added, full := client.subscribe(canonical)
	if full {
		h.sendError(client, "SUBSCRIPTION_LIMIT",
			"subscription limit reached", "", true)
		return
	}

	msg := "subscribed to wallet"
	if !added {
		msg = "already subscribed to wallet"
	}
	h.sendTo(client, models.MsgSubscribe, models.SubscribeAck{
		Wallet:     canonical,
		SessionID:  client.session(),
		Subscribed: true,
		Message:    msg,
	})

	if added && h.onSubscribe != nil {
		h.runHook("subscribe", func() { h.onSubscribe(canonical, sessionID) })
	}
}

func (h *Hub) handleUnsubscribe(client *Client, wallet, sessionID string) {
	canonical, err := codec.Normalize(wallet)
	if err != nil {
		h.sendError(client, "INVALID_ADDRESS", "invalid wallet address", wallet, true)
		return
	}

	removed := client.unsubscribe(canonical)
	msg := "unsubscribed from wallet"
	if !removed {
		msg = "was not subscribed to wallet"
	}
	h.sendTo(client, models.MsgUnsubscribe, models.UnsubscribeAck{
		Wallet:       canonical,
		SessionID:    sessionID,
		Unsubscribed: removed,
		Message:      msg,
	})

	if removed && h.onUnsubscribe != nil && h.SubscriberCount(canonical) == 0 {
		h.runHook("unsubscribe", func() { h.onUnsubscribe(canonical) })
	}
}

// runHook runs a coordinator callback on its own goroutine so it cannot block
// the read pump, and confines any panic in it to a log line.
func (h *Hub) runHook(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.log.WithFields(logrus.Fields{
					"hook":  name,
					"panic": r,
				}).Error("hook crashed")
			}
		}()
		fn()
	}()
}

// --- Background tasks ---

func (h *Hub) broadcastHeartbeat() {
	frame, err := envelope(models.MsgHeartbeat, h.heartbeatData())
	if err != nil {
		return
	}
	for _, c := range h.snapshot() {
		h.deliver(c, frame)
	}
}

func (h *Hub) heartbeatData() models.HeartbeatData {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return models.HeartbeatData{
		ServerTime:        h.now().UnixMilli(),
		ActiveConnections: h.ActiveConnections(),
		MemoryUsage: models.MemoryStats{
			HeapAllocMB:   float64(mem.HeapAlloc) / (1 << 20),
			HeapSysMB:     float64(mem.HeapSys) / (1 << 20),
			NumGoroutines: runtime.NumGoroutine(),
		},
	}
}

func (h *Hub) reapIdle() {
	now := h.now()
	for _, c := range h.snapshot() {
		if c.idleSince(now) > ConnectionTimeout {
			h.log.WithFields(logrus.Fields{
				"connection": c.id,
				"idle":       c.idleSince(now).String(),
			}).Info("closing idle connection")
			h.remove(c)
		}
	}
}

// --- Fanout ---

// BroadcastScoreUpdate delivers a freshly computed score to every connection
// subscribed to the wallet.
func (h *Hub) BroadcastScoreUpdate(wallet string, score *models.ScoringResult, previous *float64) {
	h.routeToSubscribers(wallet, models.MsgScoreUpdate, models.ScoreUpdateData{
		Wallet:        codec.MustNormalize(wallet),
		Score:         score,
		PreviousScore: previous,
	})
}

// BroadcastTransactionAlert delivers a newly observed event. Timestamps that
// arrive in unix seconds are widened to milliseconds on the way out.
func (h *Hub) BroadcastTransactionAlert(wallet string, event *models.WalletEvent, risk models.RiskLevel, scoreImpact float64) {
	if event != nil && event.Timestamp != models.NormalizeMillis(event.Timestamp) {
		clone := *event
		clone.Timestamp = models.NormalizeMillis(event.Timestamp)
		event = &clone
	}
	h.routeToSubscribers(wallet, models.MsgTransactionAlert, models.TransactionAlertData{
		Wallet:      codec.MustNormalize(wallet),
		Transaction: event,
		RiskLevel:   risk,
		ScoreImpact: scoreImpact,
	})
}

// BroadcastWalletFlagged announces a successful on-chain flag write.
func (h *Hub) BroadcastWalletFlagged(wallet string, risk models.RiskLevel, score float64, txHash string) {
	h.routeToSubscribers(wallet, models.MsgWalletFlagged, models.WalletFlaggedData{
		Wallet:         codec.MustNormalize(wallet),
		RiskLevel:      risk,
		Score:          score,
		ContractTxHash: txHash,
		FlaggedAt:      h.now().UnixMilli(),
	})
}

func (h *Hub) routeToSubscribers(wallet string, msgType models.MessageType, data any) {
	canonical := codec.MustNormalize(wallet)
	frame, err := envelope(msgType, data)
	if err != nil {
		h.log.WithError(err).WithField("type", msgType).Error("marshal broadcast frame")
		return
	}

	delivered := 0
	for _, c := range h.snapshot() {
		if !c.subscribedTo(canonical) {
			continue
		}
		h.deliver(c, frame)
		delivered++
	}
	if delivered > 0 {
		h.log.WithFields(logrus.Fields{
			"type":      msgType,
			"wallet":    canonical,
			"delivered": delivered,
		}).Debug("broadcast routed")
	}
}

// snapshot copies the connection table so fanout never iterates under the
// write lock; concurrent joins and leaves cannot invalidate the pass.
func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// deliver enqueues a frame for the client's writer pump. A full buffer means
// the client cannot keep up; it is dropped rather than allowed to stall the
// fanout.
func (h *Hub) deliver(client *Client, frame []byte) {
	select {
	case <-client.done:
	case client.send <- frame:
	default:
		h.log.WithField("connection", client.id).Warn("send buffer full, dropping slow client")
		h.remove(client)
	}
}

func (h *Hub) sendTo(client *Client, msgType models.MessageType, data any) {
	frame, err := envelope(msgType, data)
	if err != nil {
		h.log.WithError(err).WithField("type", msgType).Error("marshal frame")
		return
	}
	h.deliver(client, frame)
}

func (h *Hub) sendError(client *Client, code, message, details string, recoverable bool) {
	h.sendTo(client, models.MsgError, models.ErrorData{
		Code:        code,
		Message:     message,
		Details:     details,
		Recoverable: recoverable,
	})
}

func envelope(msgType models.MessageType, data any) ([]byte, error) {
	return json.Marshal(models.StreamMessage{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Version:   models.StreamVersion,
		Data:      data,
	})
}
