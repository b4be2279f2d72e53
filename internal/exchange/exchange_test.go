package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaingate/rpc-gateway/internal/caip"
)

var (
	ethNative = caip.MustAssetID("eip155:1/slip44:60")
	usdc      = caip.MustAssetID("eip155:1/erc20:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	solNative = caip.MustAssetID("solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp/slip44:501")
	btcNative = caip.MustAssetID("bip122:000000000019d6689c085ae165831e93/slip44:0")
)

func TestByID(t *testing.T) {
	te := NewTestExchange()
	cb := NewCoinbase(CoinbaseConfig{AppID: "app"})
	m := ByID([]Exchange{te, cb})
	assert.Same(t, te, m["test-exchange"].(*TestExchange))
	assert.Equal(t, "coinbase", m["coinbase"].ID())
}

func TestCoinbaseAssetSupport(t *testing.T) {
	cb := NewCoinbase(CoinbaseConfig{AppID: "app"})
	assert.True(t, cb.IsAssetSupported(ethNative))
	assert.True(t, cb.IsAssetSupported(usdc))
	assert.True(t, cb.IsAssetSupported(solNative))
	assert.False(t, cb.IsAssetSupported(btcNative))
}

func TestCoinbaseBuyURL(t *testing.T) {
	cb := NewCoinbase(CoinbaseConfig{AppID: "my-app"})
	raw, err := cb.BuyURL(context.Background(), BuyParams{
		ProjectID: "P",
		Asset:     ethNative,
		Amount:    "0.5",
		Recipient: "0xrecipient",
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "pay.coinbase.com", u.Host)
	q := u.Query()
	assert.Equal(t, "my-app", q.Get("appId"))
	assert.Equal(t, "sess-1", q.Get("partnerUserId"))
	assert.Equal(t, "0.5", q.Get("presetCryptoAmount"))

	_, err = cb.BuyURL(context.Background(), BuyParams{Asset: btcNative, SessionID: "s"})
	assert.ErrorIs(t, err, ErrAssetNotSupported)
}

func TestCoinbaseBuyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "my-app", r.Header.Get("CBPAY-APP-ID"))
		switch r.URL.Path {
		case "/api/v1/buy/user/sess-ok/transactions":
			w.Write([]byte(`{"transactions":[{"status":"ONRAMP_TRANSACTION_STATUS_SUCCESS","tx_hash":"0xabc"}]}`))
		case "/api/v1/buy/user/sess-fail/transactions":
			w.Write([]byte(`{"transactions":[{"status":"ONRAMP_TRANSACTION_STATUS_FAILED","tx_hash":""}]}`))
		case "/api/v1/buy/user/sess-progress/transactions":
			w.Write([]byte(`{"transactions":[{"status":"ONRAMP_TRANSACTION_STATUS_IN_PROGRESS"}]}`))
		case "/api/v1/buy/user/sess-empty/transactions":
			w.Write([]byte(`{"transactions":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	cb := NewCoinbase(CoinbaseConfig{AppID: "my-app", APIHost: srv.URL})
	ctx := context.Background()

	res, err := cb.BuyStatus(ctx, "sess-ok")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "0xabc", res.TxHash)

	res, err = cb.BuyStatus(ctx, "sess-fail")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	res, err = cb.BuyStatus(ctx, "sess-progress")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, res.Status)

	res, err = cb.BuyStatus(ctx, "sess-empty")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status)

	res, err = cb.BuyStatus(ctx, "sess-missing")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status)
}

func TestBinanceBuyURL(t *testing.T) {
	b := NewBinance(BinanceConfig{MerchantCode: "merch"})
	raw, err := b.BuyURL(context.Background(), BuyParams{
		Asset:     ethNative,
		Recipient: "0xrecipient",
		Amount:    "1.25",
		SessionID: "sess-9",
	})
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "www.binancecnt.com", u.Host)
	q := u.Query()
	assert.Equal(t, "merch", q.Get("merchantCode"))
	assert.Equal(t, "sess-9", q.Get("externalOrderId"))
	assert.Equal(t, "eip155:1", q.Get("cryptoNetwork"))
	assert.Equal(t, "1.25", q.Get("cryptoAmount"))

	_, err = b.BuyURL(context.Background(), BuyParams{Asset: solNative, SessionID: "s"})
	assert.ErrorIs(t, err, ErrAssetNotSupported)
}

func TestBinanceBuyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "merch", r.Header.Get("merchantCode"))
		assert.NotEmpty(t, r.Header.Get("x-api-signature"))
		assert.NotEmpty(t, r.Header.Get("timestamp"))
		w.Write([]byte(`{"status":"SUCCESS","data":{"orderStatus":"SUCCESS","hash":"0xdef"}}`))
	}))
	t.Cleanup(srv.Close)

	b := NewBinance(BinanceConfig{MerchantCode: "merch", APIKey: "k", APISecret: "s", APIHost: srv.URL})
	res, err := b.BuyStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "0xdef", res.TxHash)
}

func TestBinanceStatusMapping(t *testing.T) {
	status := "PROCESS"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"SUCCESS","data":{"orderStatus":"` + status + `"}}`))
	}))
	t.Cleanup(srv.Close)
	b := NewBinance(BinanceConfig{MerchantCode: "m", APIHost: srv.URL})

	res, err := b.BuyStatus(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, res.Status)

	status = "FAIL"
	res, err = b.BuyStatus(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	status = "SOMETHING_ELSE"
	res, err = b.BuyStatus(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status)
}

func TestBinanceAssetSupport(t *testing.T) {
	b := NewBinance(BinanceConfig{})
	assert.True(t, b.IsAssetSupported(ethNative))
	assert.True(t, b.IsAssetSupported(usdc))
	assert.False(t, b.IsAssetSupported(solNative))
	assert.False(t, b.IsAssetSupported(btcNative))
}

func TestTestExchange(t *testing.T) {
	te := NewTestExchange()
	ctx := context.Background()

	res, err := te.BuyStatus(ctx, "success-abc")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "0xabc", res.TxHash)

	res, err = te.BuyStatus(ctx, "failed-x")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	res, err = te.BuyStatus(ctx, "progress-x")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, res.Status)

	res, err = te.BuyStatus(ctx, "whatever")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status)

	te.SetStatus("pinned", StatusResult{Status: StatusFailed})
	res, err = te.BuyStatus(ctx, "pinned")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	u, err := te.BuyURL(ctx, BuyParams{SessionID: "s1"})
	require.NoError(t, err)
	assert.Contains(t, u, "sessionId=s1")
	assert.True(t, te.IsAssetSupported(btcNative))
}

func TestBuyStatusTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, StatusUnknown.Terminal())
}
