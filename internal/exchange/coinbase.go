package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/chaingate/rpc-gateway/internal/caip"
)

// CoinbaseConfig carries the Coinbase Pay credentials.
type CoinbaseConfig struct {
	AppID string
	// APIHost and PayHost override the production hosts in tests.
	APIHost string
	PayHost string
}

// Coinbase is the Coinbase Pay onramp adapter.
type Coinbase struct {
	cfg    CoinbaseConfig
	caller *caller
}

// NewCoinbase builds the adapter.
func NewCoinbase(cfg CoinbaseConfig) *Coinbase {
	if cfg.APIHost == "" {
		cfg.APIHost = "https://pay.coinbase.com"
	}
	if cfg.PayHost == "" {
		cfg.PayHost = "https://pay.coinbase.com"
	}
	return &Coinbase{cfg: cfg, caller: newCaller("coinbase")}
}

func (c *Coinbase) ID() string   { return "coinbase" }
func (c *Coinbase) Name() string { return "Coinbase Pay" }

// coinbaseAssets maps supported CAIP-19 shapes: native coins via slip44
// and a handful of stablecoin contracts on EVM chains.
func (c *Coinbase) IsAssetSupported(asset caip.AssetID) bool {
	switch asset.Chain.Namespace {
	case caip.NamespaceEIP155:
		return asset.Namespace == "slip44" || asset.Namespace == "erc20"
	case "solana":
		return asset.Namespace == "slip44" || asset.Namespace == "token"
	}
	return false
}

// BuyURL builds the hosted onramp URL; the session id rides along as
// the partner user id so status polls can find the transactions.
func (c *Coinbase) BuyURL(_ context.Context, params BuyParams) (string, error) {
	if !c.IsAssetSupported(params.Asset) {
		return "", fmt.Errorf("%w: %s", ErrAssetNotSupported, params.Asset)
	}
	q := url.Values{}
	q.Set("appId", c.cfg.AppID)
	q.Set("partnerUserId", params.SessionID)
	q.Set("destinationWallets", fmt.Sprintf(`[{"address":%q,"assets":[%q]}]`, params.Recipient, params.Asset.Reference))
	if params.Amount != "" {
		q.Set("presetCryptoAmount", params.Amount)
	}
	return c.cfg.PayHost + "/buy/select-asset?" + q.Encode(), nil
}

type coinbaseTxList struct {
	Transactions []struct {
		Status string `json:"status"`
		TxHash string `json:"tx_hash"`
	} `json:"transactions"`
}

// BuyStatus polls the transaction list for the session's partner user
// id and maps the newest entry.
func (c *Coinbase) BuyStatus(ctx context.Context, sessionID string) (StatusResult, error) {
	resp, err := c.caller.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/api/v1/buy/user/%s/transactions", c.cfg.APIHost, url.PathEscape(sessionID)), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("CBPAY-APP-ID", c.cfg.AppID)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return StatusResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return StatusResult{Status: StatusUnknown}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return StatusResult{}, fmt.Errorf("coinbase status: unexpected http %d", resp.StatusCode)
	}

	var list coinbaseTxList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return StatusResult{}, fmt.Errorf("coinbase status: decode: %w", err)
	}
	if len(list.Transactions) == 0 {
		return StatusResult{Status: StatusUnknown}, nil
	}

	newest := list.Transactions[0]
	switch newest.Status {
	case "ONRAMP_TRANSACTION_STATUS_SUCCESS":
		return StatusResult{Status: StatusSuccess, TxHash: newest.TxHash}, nil
	case "ONRAMP_TRANSACTION_STATUS_FAILED":
		return StatusResult{Status: StatusFailed, TxHash: newest.TxHash}, nil
	case "ONRAMP_TRANSACTION_STATUS_IN_PROGRESS":
		return StatusResult{Status: StatusInProgress}, nil
	}
	return StatusResult{Status: StatusUnknown}, nil
}
