package exchange

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"arbcore/internal/degradation"
	"arbcore/internal/normalize"
	"arbcore/pkg/types"
)

const (
	polymarketDialTimeout   = 10 * time.Second
	polymarketMaxReconnect  = 30 * time.Second
	polymarketStaleWindow   = 30 * time.Second
)

// PolymarketCredentials holds the L2 API credentials derived from the EOA
// key at startup (or pre-supplied via config).
type PolymarketCredentials struct {
	ApiKey     string
	Secret     string
	Passphrase string
}

func (c PolymarketCredentials) empty() bool {
	return c.ApiKey == "" || c.Secret == "" || c.Passphrase == ""
}

// PolymarketConnector implements Connector for Polymarket's CLOB.
// Auth derives L2 credentials from an EOA private key via EIP-712 L1
// signing at startup.
type PolymarketConnector struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int

	baseURL string
	wsURL   string
	http    *resty.Client
	rl      *RateLimiter
	logger  *slog.Logger

	credMu sync.RWMutex
	creds  PolymarketCredentials

	connMu sync.Mutex
	conn   *websocket.Conn

	mu         sync.Mutex
	books      map[string]*polymarketBookState // by asset id
	subscribed map[string]bool
	callback   UpdateCallback

	healthMu sync.RWMutex
	health   types.VenueHealth

	backoff              *Backoff
	maxReconnectAttempts int
	deg                  *degradation.Manager
}

type polymarketBookState struct {
	snapshotSeen bool
	observedAt   time.Time
}

// NewPolymarketConnector parses privateKeyHex (0x-prefixed or not) and
// constructs a connector bound to baseURL/wsURL. maxReconnectAttempts
// bounds the reconnect loop; once exceeded the connector escalates to
// degradation instead of retrying forever (<=0 falls back to a sane
// default rather than retrying unbounded).
func NewPolymarketConnector(privateKeyHex string, chainID int64, baseURL, wsURL string, maxReconnectAttempts int, preset PolymarketCredentials, logger *slog.Logger) (*PolymarketConnector, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, NewError(types.Polymarket, KindCredentialDerivationFailed, "parse wallet private key", err)
	}
	if maxReconnectAttempts <= 0 {
		maxReconnectAttempts = 10
	}

	return &PolymarketConnector{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(chainID),
		baseURL:    baseURL,
		wsURL:      wsURL,
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
		logger:               logger.With("component", "exchange.polymarket"),
		creds:                preset,
		books:                make(map[string]*polymarketBookState),
		subscribed:           make(map[string]bool),
		health:               types.VenueHealth{VenueID: types.Polymarket, Status: types.HealthDisconnected},
		backoff:              NewBackoff(1*time.Second, polymarketMaxReconnect),
		maxReconnectAttempts: maxReconnectAttempts,
	}, nil
}

// SetDegradationManager wires deg so connector-observed auth failures,
// staleness drops, and reconnect exhaustion can drive venue degradation.
// Must be called before Connect to take effect on the first session.
func (c *PolymarketConnector) SetDegradationManager(deg *degradation.Manager) {
	c.deg = deg
}

// degradeOnAuthFailure immediately degrades the venue on an auth/credential
// failure: unlike staleness failures, these are never retried into a
// rolling-window count before activating.
func (c *PolymarketConnector) degradeOnAuthFailure(ctx context.Context) {
	if c.deg != nil {
		c.deg.ActivateProtocol(ctx, types.Polymarket, "auth_failure")
	}
}

func (c *PolymarketConnector) PlatformID() types.VenueID { return types.Polymarket }

func (c *PolymarketConnector) SetUpdateCallback(cb UpdateCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
}

func (c *PolymarketConnector) FeeSchedule() types.FeeSchedule {
	return types.FeeSchedule{
		MakerFeePct:    decimal.Zero,
		TakerFeePct:    decimal.NewFromFloat(0),
		GasEstimateUSD: decimal.NewFromFloat(0.05),
		Description:    "Polymarket zero protocol fee, Polygon gas estimate",
	}
}

func (c *PolymarketConnector) Health() types.VenueHealth {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.health
}

func (c *PolymarketConnector) setHealth(status types.HealthStatus, latencyMs *float64) {
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

// --- L1/L2 auth ---------------------------------------------------------

// DeriveAPIKey performs L1-signed GET /auth/derive-api-key and stores the
// resulting L2 credentials. Rejects empty derivation results rather than
// silently accepting a partial credential set.
func (c *PolymarketConnector) DeriveAPIKey(ctx context.Context) error {
	nonce := "0"
	headers, err := c.l1Headers(nonce)
	if err != nil {
		c.degradeOnAuthFailure(ctx)
		return NewError(types.Polymarket, KindCredentialDerivationFailed, "sign L1 auth", err)
	}

	var result struct {
		ApiKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return NewError(types.Polymarket, KindTransport, "derive api key", err)
	}
	if resp.StatusCode() >= 400 {
		c.degradeOnAuthFailure(ctx)
		return NewError(types.Polymarket, KindCredentialDerivationFailed, fmt.Sprintf("status %d", resp.StatusCode()), nil)
	}

	derived := PolymarketCredentials{ApiKey: result.ApiKey, Secret: result.Secret, Passphrase: result.Passphrase}
	if derived.empty() {
		c.degradeOnAuthFailure(ctx)
		return NewError(types.Polymarket, KindCredentialDerivationFailed, "derived credentials incomplete", nil)
	}

	c.credMu.Lock()
	c.creds = derived
	c.credMu.Unlock()
	return nil
}

func (c *PolymarketConnector) l1Headers(nonce string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := c.signClobAuth(ts, nonce)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"POLY_ADDRESS":   c.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": ts,
		"POLY_NONCE":     nonce,
	}, nil
}

// signClobAuth builds and signs the EIP-712 ClobAuth typed data.
func (c *PolymarketConnector) signClobAuth(timestamp, nonce string) (string, error) {
	domain := apitypes.TypedDataDomain{
		Name:    "ClobAuthDomain",
		Version: "1",
		ChainId: (*math.HexOrDecimal256)(c.chainID),
	}
	eip712Types := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
		},
		"ClobAuth": {
			{Name: "address", Type: "address"},
			{Name: "timestamp", Type: "string"},
			{Name: "nonce", Type: "uint256"},
			{Name: "message", Type: "string"},
		},
	}
	message := apitypes.TypedDataMessage{
		"address":   c.address.Hex(),
		"timestamp": timestamp,
		"nonce":     nonce,
		"message":   "This message attests that I control the given wallet",
	}
	typedData := apitypes.TypedData{
		Types:       eip712Types,
		PrimaryType: "ClobAuth",
		Domain:      domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// l2Headers builds the HMAC-signed L2 request headers used for
// authenticated (but unsigned-order) REST calls.
func (c *PolymarketConnector) l2Headers(method, path, body string) (map[string]string, error) {
	c.credMu.RLock()
	creds := c.creds
	c.credMu.RUnlock()
	if creds.empty() {
		return nil, NewError(types.Polymarket, KindUnauthorized, "l2 credentials not derived", nil)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := buildHMAC(creds.Secret, ts, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":    c.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    creds.ApiKey,
		"POLY_PASSPHRASE": creds.Passphrase,
	}, nil
}

func buildHMAC(secret, timestamp, method, path, body string) (string, error) {
	var secretBytes []byte
	var err error
	for _, dec := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		secretBytes, err = dec.DecodeString(secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	msg := timestamp + method + path + body
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(msg))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// --- REST ------------------------------------------------------------------

type polymarketBookResponse struct {
	Bids []types.PolymarketBookLevel `json:"bids"`
	Asks []types.PolymarketBookLevel `json:"asks"`
}

// FetchOrderBook performs an unsigned GET /book?token_id=....
func (c *PolymarketConnector) FetchOrderBook(ctx context.Context, contractID string) (types.NormalizedOrderBook, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return types.NormalizedOrderBook{}, NewError(types.Polymarket, KindTransport, "rate limit wait", err)
	}

	start := time.Now()
	var result polymarketBookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", contractID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		c.setHealth(types.HealthDegraded, nil)
		return types.NormalizedOrderBook{}, NewError(types.Polymarket, KindTransport, "fetch order book", err)
	}
	latency := float64(time.Since(start).Milliseconds())
	if resp.StatusCode() == 404 {
		return types.NormalizedOrderBook{}, NewError(types.Polymarket, KindMarketNotFound, contractID, nil)
	}
	if resp.StatusCode() == 429 {
		return types.NormalizedOrderBook{}, NewError(types.Polymarket, KindRateLimited, contractID, nil)
	}
	if resp.StatusCode() >= 400 {
		return types.NormalizedOrderBook{}, NewError(types.Polymarket, KindInvalidRequest, fmt.Sprintf("status %d", resp.StatusCode()), nil)
	}

	c.setHealth(types.HealthHealthy, &latency)
	if c.deg != nil {
		c.deg.DeactivateProtocol(ctx, types.Polymarket)
	}
	return normalize.Polymarket(contractID, result.Bids, result.Asks)
}

// --- WS ----------------------------------------------------------------

type polymarketWSSubscribe struct {
	Auth      struct{} `json:"auth"`
	Type      string   `json:"type"`
	Markets   []string `json:"markets"`
	AssetsIDs []string `json:"assets_ids"`
}

// Connect dials the Polymarket WS endpoint without auth headers (the
// book-read channel requires no signature); the empty auth object is sent
// in each Subscribe frame.
func (c *PolymarketConnector) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, polymarketDialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.wsURL, nil)
	if err != nil {
		c.setHealth(types.HealthDisconnected, nil)
		return NewError(types.Polymarket, KindTransport, "dial ws", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.backoff.Reset()
	c.setHealth(types.HealthHealthy, nil)
	if c.deg != nil {
		c.deg.DeactivateProtocol(ctx, types.Polymarket)
	}

	go c.readLoop(ctx)
	return nil
}

func (c *PolymarketConnector) Disconnect(ctx context.Context) error {
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

func (c *PolymarketConnector) Subscribe(ctx context.Context, contractID string) error {
	if err := c.rl.Write.Wait(ctx); err != nil {
		return NewError(types.Polymarket, KindTransport, "rate limit wait", err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return NewError(types.Polymarket, KindNotConnected, "subscribe before connect", nil)
	}

	msg := polymarketWSSubscribe{Type: "subscribe", AssetsIDs: []string{contractID}}
	c.connMu.Lock()
	err := conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return NewError(types.Polymarket, KindTransport, "send subscribe", err)
	}

	c.mu.Lock()
	c.subscribed[contractID] = true
	c.books[contractID] = &polymarketBookState{}
	c.mu.Unlock()
	return nil
}

func (c *PolymarketConnector) readLoop(ctx context.Context) {
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

		var peek struct {
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal(data, &peek); err != nil {
			c.logger.Warn("malformed ws frame", "error", err)
			continue
		}

		switch peek.EventType {
		case "book":
			c.handleBook(ctx, data)
		case "price_change":
			c.handlePriceChange(ctx, data)
		}
	}
}

type polymarketBookFrame struct {
	AssetID string                      `json:"asset_id"`
	Bids    []types.PolymarketBookLevel `json:"bids"`
	Asks    []types.PolymarketBookLevel `json:"asks"`
}

func (c *PolymarketConnector) handleBook(ctx context.Context, data []byte) {
	var frame polymarketBookFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("malformed book frame", "error", err)
		return
	}

	book, err := normalize.Polymarket(frame.AssetID, frame.Bids, frame.Asks)
	if err != nil {
		c.logger.Warn("normalize book failed", "error", err)
		return
	}

	c.mu.Lock()
	c.books[frame.AssetID] = &polymarketBookState{snapshotSeen: true, observedAt: book.ObservedAt}
	cb := c.callback
	c.mu.Unlock()

	if cb != nil {
		cb(ctx, book)
	}
}

type polymarketPriceChangeFrame struct {
	Changes []struct {
		AssetID string `json:"asset_id"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
	} `json:"changes"`
}

func (c *PolymarketConnector) handlePriceChange(ctx context.Context, data []byte) {
	var frame polymarketPriceChangeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("malformed price_change frame", "error", err)
		return
	}

	for _, ch := range frame.Changes {
		c.mu.Lock()
		state, ok := c.books[ch.AssetID]
		c.mu.Unlock()
		if !ok || !state.snapshotSeen {
			continue // no snapshot seen yet; drop until a full book arrives
		}
		if time.Since(state.observedAt) > polymarketStaleWindow {
			c.logger.Warn("stale polymarket book dropped", "asset", ch.AssetID, "staleness", time.Since(state.observedAt))
			if c.deg != nil {
				c.deg.RecordStalenessFailure(ctx, types.Polymarket)
			}
			continue
		}

		bids := []types.PolymarketBookLevel{{Price: ch.BestBid, Size: "1"}}
		asks := []types.PolymarketBookLevel{{Price: ch.BestAsk, Size: "1"}}
		book, err := normalize.Polymarket(ch.AssetID, bids, asks)
		if err != nil {
			c.logger.Warn("normalize price_change failed", "error", err)
			continue
		}

		c.mu.Lock()
		state.observedAt = book.ObservedAt
		cb := c.callback
		c.mu.Unlock()
		if cb != nil {
			cb(ctx, book)
		}
	}
}

func (c *PolymarketConnector) reconnect(ctx context.Context) {
	c.mu.Lock()
	c.books = make(map[string]*polymarketBookState)
	assets := make([]string, 0, len(c.subscribed))
	for a := range c.subscribed {
		assets = append(assets, a)
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
					c.deg.ActivateProtocol(ctx, types.Polymarket, "reconnect_exhausted")
				}
				return
			}
			continue
		}
		for _, a := range assets {
			if err := c.Subscribe(ctx, a); err != nil {
				c.logger.Warn("resubscribe failed", "asset", a, "error", err)
			}
		}
		return
	}
}
