package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chaingate/rpc-gateway/internal/caip"
)

// BinanceConfig carries the Binance Connect merchant credentials.
type BinanceConfig struct {
	MerchantCode string
	APIKey       string
	APISecret    string
	// APIHost and PayHost override the production hosts in tests.
	APIHost string
	PayHost string
}

// Binance is the Binance Connect onramp adapter.
type Binance struct {
	cfg    BinanceConfig
	caller *caller
}

// NewBinance builds the adapter.
func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.APIHost == "" {
		cfg.APIHost = "https://sandbox.bifinitypay.com"
	}
	if cfg.PayHost == "" {
		cfg.PayHost = "https://www.binancecnt.com"
	}
	return &Binance{cfg: cfg, caller: newCaller("binance")}
}

func (b *Binance) ID() string   { return "binance" }
func (b *Binance) Name() string { return "Binance Connect" }

// Binance Connect settles native coins and a set of tokens on EVM and
// BNB chains.
func (b *Binance) IsAssetSupported(asset caip.AssetID) bool {
	if asset.Chain.Namespace != caip.NamespaceEIP155 {
		return false
	}
	return asset.Namespace == "slip44" || asset.Namespace == "erc20" || asset.Namespace == "bep20"
}

// BuyURL builds the hosted pre-connect URL carrying the merchant code
// and the session id as the external order id.
func (b *Binance) BuyURL(_ context.Context, params BuyParams) (string, error) {
	if !b.IsAssetSupported(params.Asset) {
		return "", fmt.Errorf("%w: %s", ErrAssetNotSupported, params.Asset)
	}
	q := url.Values{}
	q.Set("merchantCode", b.cfg.MerchantCode)
	q.Set("cryptoAddress", params.Recipient)
	q.Set("cryptoNetwork", params.Asset.Chain.String())
	q.Set("externalOrderId", params.SessionID)
	if params.Amount != "" {
		q.Set("cryptoAmount", params.Amount)
	}
	return b.cfg.PayHost + "/en/pre-connect?" + q.Encode(), nil
}

type binanceOrderQuery struct {
	ExternalOrderID string `json:"externalOrderId"`
	MerchantCode    string `json:"merchantCode"`
}

type binanceOrderResponse struct {
	Status string `json:"status"`
	Data   struct {
		OrderStatus string `json:"orderStatus"`
		TxHash      string `json:"hash"`
	} `json:"data"`
}

// BuyStatus queries the order details endpoint with the HMAC-signed
// merchant headers Binance Connect requires.
func (b *Binance) BuyStatus(ctx context.Context, sessionID string) (StatusResult, error) {
	payload, err := json.Marshal(binanceOrderQuery{
		ExternalOrderID: sessionID,
		MerchantCode:    b.cfg.MerchantCode,
	})
	if err != nil {
		return StatusResult{}, fmt.Errorf("binance status: encode: %w", err)
	}

	resp, err := b.caller.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			b.cfg.APIHost+"/gateway-api/v1/public/open-api/connect/query-order-details",
			bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		ts := fmt.Sprintf("%d", time.Now().UnixMilli())
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("merchantCode", b.cfg.MerchantCode)
		req.Header.Set("timestamp", ts)
		req.Header.Set("x-api-key", b.cfg.APIKey)
		req.Header.Set("x-api-signature", b.sign(ts, payload))
		return req, nil
	})
	if err != nil {
		return StatusResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusResult{}, fmt.Errorf("binance status: unexpected http %d", resp.StatusCode)
	}
	var out binanceOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StatusResult{}, fmt.Errorf("binance status: decode: %w", err)
	}

	switch out.Data.OrderStatus {
	case "SUCCESS":
		return StatusResult{Status: StatusSuccess, TxHash: out.Data.TxHash}, nil
	case "FAIL", "REFUND":
		return StatusResult{Status: StatusFailed, TxHash: out.Data.TxHash}, nil
	case "PROCESS", "PENDING":
		return StatusResult{Status: StatusInProgress}, nil
	}
	return StatusResult{Status: StatusUnknown}, nil
}

func (b *Binance) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(b.cfg.APISecret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
