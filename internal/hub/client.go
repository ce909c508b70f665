package hub

import (
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Per-connection limits. A connection may watch at most MaxSubsPerConn
// wallets and send at most MaxMessagesPerWindow frames per rate window.
const (
	MaxSubsPerConn       = 50
	MaxMessagesPerWindow = 100
	RateWindow           = 60 * time.Second
)

// Client is the state for one live downstream connection. The hub owns the
// connection table; the client owns nothing beyond its own subscription set
// and counters.
type Client struct {
	id   string
	sock socket

	// Outbound frames flow through send to a single writer pump, which
	// preserves per-connection ordering. done tears both pumps down.
	send chan []byte
	done chan struct{}
	once sync.Once

	subs mapset.Set[string] // canonical lowercase wallet addresses

	sessionMu sync.Mutex
	sessionID string

	connectedAt  int64 // ms
	lastActivity atomic.Int64

	window messageWindow
}

// socket is the transport surface the hub needs. *websocket.Conn satisfies
// it; tests substitute an in-memory fake.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

func newClient(id string, sock socket, now time.Time) *Client {
	c := &Client{
		id:          id,
		sock:        sock,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		subs:        mapset.NewSet[string](),
		connectedAt: now.UnixMilli(),
	}
	c.lastActivity.Store(now.UnixMilli())
	return c
}

// ID returns the opaque connection id.
func (c *Client) ID() string {
	return c.id
}

// touch refreshes the idle clock.
func (c *Client) touch(now time.Time) {
	c.lastActivity.Store(now.UnixMilli())
}

func (c *Client) idleSince(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-c.lastActivity.Load()) * time.Millisecond
}

func (c *Client) lifetime(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-c.connectedAt) * time.Millisecond
}

// close shuts the transport and stops both pumps. Safe to call from the
// reader, the writer, and the reaper; only the first call acts.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

func (c *Client) setSession(id string) {
	if id == "" {
		return
	}
	c.sessionMu.Lock()
	c.sessionID = id
	c.sessionMu.Unlock()
}

func (c *Client) session() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// subscribe adds a canonical wallet to the connection's set. The second
// return reports whether the set was already at capacity.
func (c *Client) subscribe(wallet string) (added bool, full bool) {
	if c.subs.Contains(wallet) {
		return false, false
	}
	if c.subs.Cardinality() >= MaxSubsPerConn {
		return false, true
	}
	c.subs.Add(wallet)
	return true, false
}

// unsubscribe removes a wallet, reporting whether it was present.
func (c *Client) unsubscribe(wallet string) bool {
	if !c.subs.Contains(wallet) {
		return false
	}
	c.subs.Remove(wallet)
	return true
}

func (c *Client) subscribedTo(wallet string) bool {
	return c.subs.Contains(wallet)
}

// messageWindow is the inbound rate limiter: a rolling counter that resets
// once its deadline passes. The Nth message within the window is accepted
// while N <= MaxMessagesPerWindow; the next one is rejected.
type messageWindow struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

func (w *messageWindow) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(RateWindow)
	}
	w.count++
	return w.count <= MaxMessagesPerWindow
}
