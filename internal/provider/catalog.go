package provider

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/chaingate/rpc-gateway/internal/caip"
)

// Vendor URL tables. These are data, not logic: each builder substitutes
// the vendor credential into its URL scheme for the chains it serves.

var (
	chainEthereum = caip.MustChainID("eip155:1")
	chainOptimism = caip.MustChainID("eip155:10")
	chainBSC      = caip.MustChainID("eip155:56")
	chainPolygon  = caip.MustChainID("eip155:137")
	chainBase     = caip.MustChainID("eip155:8453")
	chainArbitrum = caip.MustChainID("eip155:42161")
	chainSepolia  = caip.MustChainID("eip155:11155111")
	chainSolana   = caip.MustChainID("solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp")
	chainNear     = caip.MustChainID("near:mainnet")
)

var infuraSubdomains = map[caip.ChainID]string{
	chainEthereum: "mainnet",
	chainOptimism: "optimism-mainnet",
	chainPolygon:  "polygon-mainnet",
	chainBase:     "base-mainnet",
	chainArbitrum: "arbitrum-mainnet",
	chainSepolia:  "sepolia",
}

// Infura builds the Infura provider from a project id.
func Infura(projectID string, client *http.Client) *Provider {
	httpURLs := make(map[caip.ChainID]string, len(infuraSubdomains))
	wsURLs := make(map[caip.ChainID]string, len(infuraSubdomains))
	for chain, sub := range infuraSubdomains {
		httpURLs[chain] = fmt.Sprintf("https://%s.infura.io/v3/%s", sub, projectID)
		wsURLs[chain] = fmt.Sprintf("wss://%s.infura.io/ws/v3/%s", sub, projectID)
	}
	return NewProvider(KindInfura, "Infura", httpURLs, wsURLs, client)
}

var poktNetworks = map[caip.ChainID]string{
	chainEthereum: "eth-mainnet",
	chainBSC:      "bsc-mainnet",
	chainPolygon:  "poly-mainnet",
	chainArbitrum: "arbitrum-one",
	chainSolana:   "solana-mainnet",
}

// Pokt builds the Pocket Network provider from a portal project id.
func Pokt(projectID string, client *http.Client) *Provider {
	httpURLs := make(map[caip.ChainID]string, len(poktNetworks))
	for chain, network := range poktNetworks {
		httpURLs[chain] = fmt.Sprintf("https://%s.gateway.pokt.network/v1/lb/%s", network, projectID)
	}
	return NewProvider(KindPokt, "Pocket Network", httpURLs, nil, client)
}

var quicknodeHosts = map[caip.ChainID]string{
	chainEthereum: "ethereum-mainnet",
	chainBSC:      "bsc-mainnet",
	chainBase:     "base-mainnet",
	chainSolana:   "solana-mainnet",
}

// Quicknode builds the QuickNode provider from an API token.
func Quicknode(apiToken string, client *http.Client) *Provider {
	httpURLs := make(map[caip.ChainID]string, len(quicknodeHosts))
	wsURLs := make(map[caip.ChainID]string, len(quicknodeHosts))
	for chain, host := range quicknodeHosts {
		httpURLs[chain] = fmt.Sprintf("https://%s.quiknode.pro/%s/", host, apiToken)
		wsURLs[chain] = fmt.Sprintf("wss://%s.quiknode.pro/%s/", host, apiToken)
	}
	return NewProvider(KindQuicknode, "QuickNode", httpURLs, wsURLs, client)
}

var allnodesHosts = map[caip.ChainID]string{
	chainEthereum: "eth.allnodes.me",
	chainBSC:      "bsc.allnodes.me",
	chainNear:     "near.allnodes.me",
}

// Allnodes builds the Allnodes provider from an API key.
func Allnodes(apiKey string, client *http.Client) *Provider {
	httpURLs := make(map[caip.ChainID]string, len(allnodesHosts))
	for chain, host := range allnodesHosts {
		httpURLs[chain] = fmt.Sprintf("https://%s/rpc/%s", host, apiKey)
	}
	return NewProvider(KindAllnodes, "Allnodes", httpURLs, nil, client)
}

// GetBlock builds the GetBlock provider from per-chain access tokens,
// keyed by CAIP-2 string as supplied in the environment JSON.
func GetBlock(accessTokens map[string]string, client *http.Client) (*Provider, error) {
	httpURLs := make(map[caip.ChainID]string, len(accessTokens))
	for chainStr, token := range accessTokens {
		chain, err := caip.ParseChainID(chainStr)
		if err != nil {
			return nil, fmt.Errorf("getblock access token chain: %w", err)
		}
		httpURLs[chain] = fmt.Sprintf("https://go.getblock.io/%s/", token)
	}
	return NewProvider(KindGetBlock, "GetBlock", httpURLs, nil, client), nil
}

// GenericEntry is one operator-supplied endpoint.
type GenericEntry struct {
	ChainID string `json:"chainId"`
	HTTPURL string `json:"httpUrl"`
	WSURL   string `json:"wsUrl,omitempty"`
	Name    string `json:"name,omitempty"`
}

// ParseGenericProviders decodes the generic provider JSON table and
// builds one provider per entry with a kind derived from (chain, url).
func ParseGenericProviders(raw string, client *http.Client) ([]*Provider, error) {
	var entries []GenericEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("generic providers json: %w", err)
	}
	out := make([]*Provider, 0, len(entries))
	for _, e := range entries {
		chain, err := caip.ParseChainID(e.ChainID)
		if err != nil {
			return nil, fmt.Errorf("generic provider chain: %w", err)
		}
		if e.HTTPURL == "" {
			return nil, fmt.Errorf("generic provider for %s: missing httpUrl", e.ChainID)
		}
		name := e.Name
		if name == "" {
			name = "generic " + e.ChainID
		}
		var ws map[caip.ChainID]string
		if e.WSURL != "" {
			ws = map[caip.ChainID]string{chain: e.WSURL}
		}
		out = append(out, NewProvider(
			GenericKind(chain, e.HTTPURL),
			name,
			map[caip.ChainID]string{chain: e.HTTPURL},
			ws,
			client,
		))
	}
	return out, nil
}
