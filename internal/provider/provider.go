// Package provider owns the set of upstream RPC vendors, the per-chain
// index over them, and the static vendor catalog.
package provider

import (
	"net"
	"net/http"
	"time"

	"github.com/chaingate/rpc-gateway/internal/caip"
)

// Provider is one configured upstream vendor instance. Endpoint URLs
// are fully resolved at construction (credentials substituted); the
// proxy core treats them as opaque.
type Provider struct {
	Kind Kind
	Name string

	// httpURLs and wsURLs are the chains the provider serves, keyed by
	// chain. wsURLs is a subset of httpURLs.
	httpURLs map[caip.ChainID]string
	wsURLs   map[caip.ChainID]string

	// Client is shared by every request forwarded to this provider.
	Client *http.Client
}

// NewProvider builds a provider instance. wsURLs may be nil.
func NewProvider(kind Kind, name string, httpURLs, wsURLs map[caip.ChainID]string, client *http.Client) *Provider {
	if client == nil {
		client = NewHTTPClient()
	}
	if wsURLs == nil {
		wsURLs = map[caip.ChainID]string{}
	}
	return &Provider{Kind: kind, Name: name, httpURLs: httpURLs, wsURLs: wsURLs, Client: client}
}

// Supports reports whether the provider serves the chain over HTTP.
func (p *Provider) Supports(chain caip.ChainID) bool {
	_, ok := p.httpURLs[chain]
	return ok
}

// SupportsWS reports whether the provider serves the chain over WebSocket.
func (p *Provider) SupportsWS(chain caip.ChainID) bool {
	_, ok := p.wsURLs[chain]
	return ok
}

// Endpoint returns the HTTP endpoint for the chain.
func (p *Provider) Endpoint(chain caip.ChainID) (string, bool) {
	u, ok := p.httpURLs[chain]
	return u, ok
}

// WSEndpoint returns the WebSocket endpoint for the chain.
func (p *Provider) WSEndpoint(chain caip.ChainID) (string, bool) {
	u, ok := p.wsURLs[chain]
	return u, ok
}

// Chains returns every chain the provider serves over HTTP.
func (p *Provider) Chains() []caip.ChainID {
	out := make([]caip.ChainID, 0, len(p.httpURLs))
	for c := range p.httpURLs {
		out = append(out, c)
	}
	return out
}

// WSChains returns every chain the provider serves over WebSocket.
func (p *Provider) WSChains() []caip.ChainID {
	out := make([]caip.ChainID, 0, len(p.wsURLs))
	for c := range p.wsURLs {
		out = append(out, c)
	}
	return out
}

// NewHTTPClient builds the tuned transport shared by provider calls.
// Connection pools are reused across requests; the per-attempt timeout
// is enforced by the proxy engine via context, not here.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
