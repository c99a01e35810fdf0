package exchange

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"arbcore/internal/degradation"
	"arbcore/internal/normalize"
	"arbcore/pkg/types"
)

const (
	kalshiWSPath        = "/trade-api/v2/ws"
	kalshiOrderbookPath = "/trade-api/v2/markets/%s/orderbook"
	kalshiPingInterval  = 30 * time.Second
	kalshiPongTimeout   = 10 * time.Second
	kalshiDialTimeout   = 10 * time.Second
	kalshiMaxReconnect  = 30 * time.Second
)

// kalshiBookState is the connector-owned local representation of one
// contract's order book, reconstructed from snapshot+delta frames. Never
// mutated outside this file.
type kalshiBookState struct {
	lastSeq uint64
	yes     map[int64]int64 // price cents -> quantity
	no      map[int64]int64
}

// KalshiConnector implements Connector for Kalshi's elections CLOB.
// Auth signs timestamp||method||path with RSA-PSS/SHA-256.
type KalshiConnector struct {
	keyID      string
	privKey    *rsa.PrivateKey
	baseURL    string
	wsURL      string
	http       *resty.Client
	rl         *RateLimiter
	logger     *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	mu            sync.Mutex
	books         map[string]*kalshiBookState
	subscribed    map[string]bool
	callback      UpdateCallback
	cmdSeq        int

	healthMu sync.RWMutex
	health   types.VenueHealth

	backoff              *Backoff
	maxReconnectAttempts int
	deg                  *degradation.Manager
}

// NewKalshiConnector parses privateKeyPEM (RSA, PKCS1 or PKCS8) and
// constructs a connector bound to baseURL/wsURL. maxReconnectAttempts
// bounds the reconnect loop; once exceeded the connector escalates to
// degradation instead of retrying forever (<=0 falls back to a sane
// default rather than retrying unbounded).
func NewKalshiConnector(keyID, privateKeyPEM, baseURL, wsURL string, maxReconnectAttempts int, logger *slog.Logger) (*KalshiConnector, error) {
	key, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, NewError(types.Kalshi, KindCredentialDerivationFailed, "parse kalshi private key", err)
	}
	if maxReconnectAttempts <= 0 {
		maxReconnectAttempts = 10
	}

	return &KalshiConnector{
		keyID:   keyID,
		privKey: key,
		baseURL: baseURL,
		wsURL:   wsURL,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}),
		rl:                   NewRateLimiter(150, 50, 10*time.Second),
		logger:               logger.With("component", "exchange.kalshi"),
		books:                make(map[string]*kalshiBookState),
		subscribed:           make(map[string]bool),
		health:               types.VenueHealth{VenueID: types.Kalshi, Status: types.HealthDisconnected},
		backoff:              NewBackoff(1*time.Second, kalshiMaxReconnect),
		maxReconnectAttempts: maxReconnectAttempts,
	}, nil
}

// SetDegradationManager wires deg so connector-observed auth failures,
// sequence gaps, and reconnect exhaustion can drive venue degradation.
// Must be called before Connect to take effect on the first session.
func (c *KalshiConnector) SetDegradationManager(deg *degradation.Manager) {
	c.deg = deg
}

func parseRSAPrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return key, nil
}

// signHeaders signs timestamp||method||path with RSA-PSS/SHA-256 and
// returns the three Kalshi auth headers.
func (c *KalshiConnector) signHeaders(method, path string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := ts + method + path
	digest := sha256.Sum256([]byte(msg))

	sig, err := rsa.SignPSS(rand.Reader, c.privKey, 0, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       c.keyID,
		"KALSHI-ACCESS-SIGNATURE": base64.StdEncoding.EncodeToString(sig),
		"KALSHI-ACCESS-TIMESTAMP": ts,
	}, nil
}

func (c *KalshiConnector) PlatformID() types.VenueID { return types.Kalshi }

func (c *KalshiConnector) SetUpdateCallback(cb UpdateCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
}

func (c *KalshiConnector) FeeSchedule() types.FeeSchedule {
	return types.FeeSchedule{
		MakerFeePct:    decimal.Zero,
		TakerFeePct:    decimal.NewFromFloat(1.0),
		GasEstimateUSD: decimal.Zero,
		Description:    "Kalshi taker fee, no gas cost (centrally cleared)",
	}
}

func (c *KalshiConnector) Health() types.VenueHealth {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.health
}

func (c *KalshiConnector) setHealth(status types.HealthStatus, latencyMs *float64) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.health.Status = status
	c.health.LastHeartbeat = time.Now().UTC()
	if latencyMs != nil {
		c.health.LatencyMs = append(c.health.LatencyMs, *latencyMs)
		if len(c.health.LatencyMs) > 100 {
			c.health.LatencyMs = c.health.LatencyMs[len(c.health.LatencyMs)-100:]
		}
	}
}

// --- REST ------------------------------------------------------------------

type kalshiOrderbookResponse struct {
	Orderbook struct {
		Yes [][2]int64 `json:"yes"`
		No  [][2]int64 `json:"no"`
	} `json:"orderbook"`
}

// FetchOrderBook performs GET /trade-api/v2/markets/{ticker}/orderbook.
func (c *KalshiConnector) FetchOrderBook(ctx context.Context, contractID string) (types.NormalizedOrderBook, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return types.NormalizedOrderBook{}, NewError(types.Kalshi, KindTransport, "rate limit wait", err)
	}

	path := fmt.Sprintf(kalshiOrderbookPath, contractID)
	headers, err := c.signHeaders("GET", path)
	if err != nil {
		c.degradeOnAuthFailure(ctx)
		return types.NormalizedOrderBook{}, NewError(types.Kalshi, KindUnauthorized, "sign request", err)
	}

	start := time.Now()
	var result kalshiOrderbookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		c.setHealth(types.HealthDegraded, nil)
		return types.NormalizedOrderBook{}, NewError(types.Kalshi, KindTransport, "fetch order book", err)
	}
	latency := float64(time.Since(start).Milliseconds())
	if resp.StatusCode() == 404 {
		return types.NormalizedOrderBook{}, NewError(types.Kalshi, KindMarketNotFound, contractID, nil)
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		c.degradeOnAuthFailure(ctx)
		return types.NormalizedOrderBook{}, NewError(types.Kalshi, KindUnauthorized, fmt.Sprintf("status %d", resp.StatusCode()), nil)
	}
	if resp.StatusCode() == 429 {
		return types.NormalizedOrderBook{}, NewError(types.Kalshi, KindRateLimited, contractID, nil)
	}
	if resp.StatusCode() >= 400 {
		return types.NormalizedOrderBook{}, NewError(types.Kalshi, KindInvalidRequest, fmt.Sprintf("status %d", resp.StatusCode()), nil)
	}

	c.setHealth(types.HealthHealthy, &latency)
	if c.deg != nil {
		c.deg.DeactivateProtocol(ctx, types.Kalshi)
	}

	return normalize.Kalshi(contractID, result.Orderbook.Yes, result.Orderbook.No, nil)
}

// degradeOnAuthFailure immediately degrades the venue on an auth/credential
// failure: unlike protocol and staleness failures, these are never
// retried into a rolling-window count before activating.
func (c *KalshiConnector) degradeOnAuthFailure(ctx context.Context) {
	if c.deg != nil {
		c.deg.ActivateProtocol(ctx, types.Kalshi, "auth_failure")
	}
}

// --- WS ----------------------------------------------------------------

type kalshiWSCommand struct {
	ID     int                  `json:"id"`
	Cmd    string               `json:"cmd"`
	Params kalshiSubscribeParams `json:"params"`
}

type kalshiSubscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

type kalshiWSEnvelope struct {
	ID   int             `json:"id"`
	Type string          `json:"type"`
	SID  int             `json:"sid"`
	Seq  uint64          `json:"seq"`
	Msg  json.RawMessage `json:"msg"`
}

type kalshiSnapshotMsg struct {
	MarketTicker string     `json:"market_ticker"`
	Yes          [][2]int64 `json:"yes"`
	No           [][2]int64 `json:"no"`
}

type kalshiDeltaMsg struct {
	MarketTicker string `json:"market_ticker"`
	Price        int64  `json:"price"`
	Delta        int64  `json:"delta"`
	Side         string `json:"side"`
}

// Connect dials the Kalshi WS endpoint with signed auth headers.
func (c *KalshiConnector) Connect(ctx context.Context) error {
	headers, err := c.signHeaders("GET", kalshiWSPath)
	if err != nil {
		c.degradeOnAuthFailure(ctx)
		return NewError(types.Kalshi, KindUnauthorized, "sign ws dial", err)
	}
	httpHeaders := make(map[string][]string, len(headers))
	for k, v := range headers {
		httpHeaders[k] = []string{v}
	}

	dialCtx, cancel := context.WithTimeout(ctx, kalshiDialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.wsURL, httpHeaders)
	if err != nil {
		c.setHealth(types.HealthDisconnected, nil)
		return NewError(types.Kalshi, KindTransport, "dial ws", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadDeadline(time.Now().Add(kalshiPingInterval + kalshiPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(kalshiPingInterval + kalshiPongTimeout))
		return nil
	})

	c.backoff.Reset()
	c.setHealth(types.HealthHealthy, nil)
	if c.deg != nil {
		c.deg.DeactivateProtocol(ctx, types.Kalshi)
	}

	go c.pingLoop(ctx)
	go c.readLoop(ctx)

	return nil
}

func (c *KalshiConnector) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	c.setHealth(types.HealthDisconnected, nil)
	return err
}

func (c *KalshiConnector) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(kalshiPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(kalshiPongTimeout)); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// Subscribe requests the orderbook_delta channel for contractID.
func (c *KalshiConnector) Subscribe(ctx context.Context, contractID string) error {
	if err := c.rl.Write.Wait(ctx); err != nil {
		return NewError(types.Kalshi, KindTransport, "rate limit wait", err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return NewError(types.Kalshi, KindNotConnected, "subscribe before connect", nil)
	}

	c.mu.Lock()
	c.cmdSeq++
	id := c.cmdSeq
	c.mu.Unlock()

	cmd := kalshiWSCommand{
		ID:  id,
		Cmd: "subscribe",
		Params: kalshiSubscribeParams{
			Channels:      []string{"orderbook_delta"},
			MarketTickers: []string{contractID},
		},
	}

	c.connMu.Lock()
	err := conn.WriteJSON(cmd)
	c.connMu.Unlock()
	if err != nil {
		return NewError(types.Kalshi, KindTransport, "send subscribe", err)
	}

	c.mu.Lock()
	c.subscribed[contractID] = true
	c.mu.Unlock()
	return nil
}

func (c *KalshiConnector) readLoop(ctx context.Context) {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("ws read failed", "error", err)
			c.setHealth(types.HealthDisconnected, nil)
			go c.reconnect(ctx)
			return
		}

		var env kalshiWSEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed ws frame", "error", err)
			continue
		}

		switch env.Type {
		case "orderbook_snapshot":
			c.handleSnapshot(ctx, env)
		case "orderbook_delta":
			c.handleDelta(ctx, env)
		}
	}
}

func (c *KalshiConnector) handleSnapshot(ctx context.Context, env kalshiWSEnvelope) {
	var msg kalshiSnapshotMsg
	if err := json.Unmarshal(env.Msg, &msg); err != nil {
		c.logger.Warn("malformed snapshot", "error", err)
		return
	}

	state := &kalshiBookState{lastSeq: env.Seq, yes: map[int64]int64{}, no: map[int64]int64{}}
	for _, lvl := range msg.Yes {
		state.yes[lvl[0]] = lvl[1]
	}
	for _, lvl := range msg.No {
		state.no[lvl[0]] = lvl[1]
	}

	c.mu.Lock()
	c.books[msg.MarketTicker] = state
	cb := c.callback
	c.mu.Unlock()

	c.emit(ctx, cb, msg.MarketTicker, state)
}

func (c *KalshiConnector) handleDelta(ctx context.Context, env kalshiWSEnvelope) {
	var msg kalshiDeltaMsg
	if err := json.Unmarshal(env.Msg, &msg); err != nil {
		c.logger.Warn("malformed delta", "error", err)
		return
	}

	c.mu.Lock()
	state, ok := c.books[msg.MarketTicker]
	if !ok {
		c.mu.Unlock()
		return // no snapshot seen yet; drop until a fresh snapshot arrives
	}
	if env.Seq != state.lastSeq+1 {
		// sequence gap: discard local state and resubscribe
		delete(c.books, msg.MarketTicker)
		c.mu.Unlock()
		c.logger.Warn("sequence gap, resubscribing", "contract", msg.MarketTicker, "got_seq", env.Seq, "want_seq", state.lastSeq+1)
		if c.deg != nil {
			c.deg.RecordProtocolResyncFailure(ctx, types.Kalshi)
		}
		_ = c.Subscribe(ctx, msg.MarketTicker)
		return
	}

	side := state.yes
	if msg.Side == "no" {
		side = state.no
	}
	side[msg.Price] += msg.Delta
	if side[msg.Price] <= 0 {
		delete(side, msg.Price)
	}
	state.lastSeq = env.Seq
	cb := c.callback
	c.mu.Unlock()

	c.emit(ctx, cb, msg.MarketTicker, state)
}

func (c *KalshiConnector) emit(ctx context.Context, cb UpdateCallback, contractID string, state *kalshiBookState) {
	if cb == nil {
		return
	}
	yes := toLevelSlice(state.yes)
	no := toLevelSlice(state.no)
	book, err := normalize.Kalshi(contractID, yes, no, &state.lastSeq)
	if err != nil {
		c.logger.Warn("normalize failed", "error", err)
		return
	}
	cb(ctx, book)
}

func toLevelSlice(m map[int64]int64) [][2]int64 {
	out := make([][2]int64, 0, len(m))
	for price, qty := range m {
		out = append(out, [2]int64{price, qty})
	}
	return out
}

func (c *KalshiConnector) reconnect(ctx context.Context) {
	c.mu.Lock()
	c.books = make(map[string]*kalshiBookState)
	tickers := make([]string, 0, len(c.subscribed))
	for t := range c.subscribed {
		tickers = append(tickers, t)
	}
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff.Next()):
		}

		if err := c.Connect(ctx); err != nil {
			attempt := c.backoff.Attempt()
			c.logger.Warn("reconnect failed", "error", err, "attempt", attempt)
			if attempt >= c.maxReconnectAttempts {
				c.logger.Error("reconnect attempts exhausted, escalating", "attempts", attempt)
				if c.deg != nil {
					c.deg.ActivateProtocol(ctx, types.Kalshi, "reconnect_exhausted")
				}
				return
			}
			continue
		}
		for _, t := range tickers {
			if err := c.Subscribe(ctx, t); err != nil {
				c.logger.Warn("resubscribe failed", "contract", t, "error", err)
			}
		}
		return
	}
}
