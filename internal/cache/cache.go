// Package cache short-circuits a small closed set of deterministic
// JSON-RPC methods so they never reach an upstream provider.
package cache

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/chaingate/rpc-gateway/internal/caip"
	"github.com/chaingate/rpc-gateway/internal/rpc"
)

// MethodChainID is the only required cacheable method.
const MethodChainID = "eth_chainId"

const defaultSize = 256

// Cache computes and memoizes canned responses per (method, chain).
// Lookups never fail; a miss simply means the request goes upstream.
type Cache struct {
	results *lru.Cache
}

// New builds the cache. size ≤ 0 uses the default.
func New(size int) (*Cache, error) {
	if size <= 0 {
		size = defaultSize
	}
	results, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("response cache: %w", err)
	}
	return &Cache{results: results}, nil
}

// Lookup returns a canned response for the request if the method is
// cacheable on this chain. The response carries the caller's id.
func (c *Cache) Lookup(chain caip.ChainID, req *rpc.Request) (rpc.Response, bool) {
	result, ok := c.result(chain, req.Method)
	if !ok {
		return rpc.Response{}, false
	}
	return rpc.NewResult(req.ID, result), true
}

func (c *Cache) result(chain caip.ChainID, method string) (json.RawMessage, bool) {
	key := method + "|" + chain.String()
	if v, ok := c.results.Get(key); ok {
		return v.(json.RawMessage), true
	}
	result, ok := compute(chain, method)
	if !ok {
		return nil, false
	}
	c.results.Add(key, result)
	return result, true
}

// compute derives the canned result locally. Only eth_chainId on an
// eip155 chain qualifies: the chain reference as a lowercase hex
// quantity.
func compute(chain caip.ChainID, method string) (json.RawMessage, bool) {
	if method != MethodChainID || !chain.IsEIP155() {
		return nil, false
	}
	n, err := chain.EVMChainID()
	if err != nil {
		return nil, false
	}
	return json.RawMessage(fmt.Sprintf(`"0x%x"`, n)), true
}
