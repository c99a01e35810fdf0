package exchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"arbcore/internal/degradation"
	"arbcore/internal/eventbus"
	"arbcore/pkg/types"
)

func testPolymarketConnector(t *testing.T) *PolymarketConnector {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewPolymarketConnector(hexKey, 137, "https://clob.polymarket.com", "wss://example.com/ws", 10, PolymarketCredentials{}, logger)
	if err != nil {
		t.Fatalf("NewPolymarketConnector: %v", err)
	}
	return c
}

func TestPolymarketSignClobAuthProducesSignature(t *testing.T) {
	t.Parallel()

	c := testPolymarketConnector(t)
	sig, err := c.signClobAuth("1700000000", "0")
	if err != nil {
		t.Fatalf("signClobAuth: %v", err)
	}
	if len(sig) != 2+130 { // "0x" + 65 bytes hex
		t.Errorf("signature length = %d, want %d", len(sig), 132)
	}
}

func TestBuildHMACAcceptsMultipleBase64Variants(t *testing.T) {
	t.Parallel()

	raw := []byte("super-secret-value-1234567890ab")
	encodings := []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding}

	for _, enc := range encodings {
		secret := enc.EncodeToString(raw)
		sig, err := buildHMAC(secret, "1700000000", "GET", "/book", "")
		if err != nil {
			t.Errorf("buildHMAC with %v-encoded secret: %v", enc, err)
		}
		if sig == "" {
			t.Errorf("empty signature for encoding %v", enc)
		}
	}
}

func TestBuildHMACDeterministic(t *testing.T) {
	t.Parallel()

	secret := base64.StdEncoding.EncodeToString([]byte("deterministic-secret-bytes-here"))
	sig1, err := buildHMAC(secret, "1700000000", "GET", "/book", "")
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	sig2, err := buildHMAC(secret, "1700000000", "GET", "/book", "")
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	if sig1 != sig2 {
		t.Error("expected deterministic HMAC signature for identical inputs")
	}
}

func TestPolymarketCredentialsEmpty(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		creds PolymarketCredentials
		want  bool
	}{
		{"all empty", PolymarketCredentials{}, true},
		{"missing passphrase", PolymarketCredentials{ApiKey: "a", Secret: "b"}, true},
		{"complete", PolymarketCredentials{ApiKey: "a", Secret: "b", Passphrase: "c"}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.creds.empty(); got != tc.want {
				t.Errorf("empty() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHandlePriceChangeStaleBookRecordsStalenessFailure(t *testing.T) {
	t.Parallel()

	c := testPolymarketConnector(t)
	deg := degradation.New(degradation.Config{
		ThresholdMultiplier: 1.5,
		StalenessThreshold:  2,
		StalenessWindow:     time.Minute,
	}, eventbus.New())
	c.SetDegradationManager(deg)

	assetID := "0xasset"
	staleFrame := func() []byte {
		c.books[assetID] = &polymarketBookState{snapshotSeen: true, observedAt: time.Now().Add(-time.Hour)}
		data, _ := json.Marshal(polymarketPriceChangeFrame{Changes: []struct {
			AssetID string `json:"asset_id"`
			BestBid string `json:"best_bid"`
			BestAsk string `json:"best_ask"`
		}{{AssetID: assetID, BestBid: "0.40", BestAsk: "0.42"}}})
		return data
	}

	c.handlePriceChange(context.Background(), staleFrame())
	if deg.IsDegraded(types.Polymarket) {
		t.Fatal("expected healthy after a single stale drop")
	}

	c.handlePriceChange(context.Background(), staleFrame())
	if !deg.IsDegraded(types.Polymarket) {
		t.Fatal("expected degraded after repeated stale drops reach the staleness threshold")
	}
}
