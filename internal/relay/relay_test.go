package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chaingate/rpc-gateway/internal/analytics"
	"github.com/chaingate/rpc-gateway/internal/caip"
	"github.com/chaingate/rpc-gateway/internal/gate"
	"github.com/chaingate/rpc-gateway/internal/provider"
	"github.com/chaingate/rpc-gateway/internal/selector"
)

var eth = caip.MustChainID("eip155:1")

type staticWeights map[provider.Kind]int

func (s staticWeights) Weight(_ caip.ChainID, kind provider.Kind) int { return s[kind] }

// newUpstreamWS serves a WebSocket endpoint that answers a subscribe
// request with a subscription id followed by scripted head frames.
func newUpstreamWS(t *testing.T, heads []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, _, err = conn.ReadMessage()
		if err != nil {
			return
		}
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub1"}`)))
		for _, h := range heads {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(h)))
		}
		// Hold the connection until the peer goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRelayHarness(t *testing.T, wsURL string) (*Relay, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	p := provider.NewProvider(provider.KindInfura, "infura",
		map[caip.ChainID]string{eth: "http://unused.invalid"},
		map[caip.ChainID]string{eth: wsURL}, nil)
	reg, err := provider.NewRegistry([]*provider.Provider{p}, logger)
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	sel := selector.New(reg, staticWeights{provider.KindInfura: 100}, 3)
	g := gate.New(gate.NewStaticProjects([]*gate.Project{{ID: "P"}}), false, logger)
	sink := analytics.New(analytics.NopFlusher(), 64, promReg, logger)

	r := New(sel, g, sink, promReg, logger)
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := r.Proxy(w, req, eth, req.URL.Query().Get("projectId")); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
	}))
	t.Cleanup(front.Close)
	return r, front
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestRelayForwardsFramesInOrder(t *testing.T) {
	heads := []string{
		`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xsub1","result":{"number":"0x1"}}}`,
		`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xsub1","result":{"number":"0x2"}}}`,
		`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xsub1","result":{"number":"0x3"}}}`,
	}
	upstream := newUpstreamWS(t, heads)
	_, front := newRelayHarness(t, wsURL(upstream.URL))

	client, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"?projectId=P", nil)
	require.NoError(t, err)
	defer client.Close()

	sub := `{"jsonrpc":"2.0","id":1,"method":"eth_subscribe","params":["newHeads"]}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(sub)))

	expected := append([]string{`{"jsonrpc":"2.0","id":1,"result":"0xsub1"}`}, heads...)
	for i, want := range expected {
		client.SetReadDeadline(time.Now().Add(3 * time.Second))
		msgType, payload, err := client.ReadMessage()
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, websocket.TextMessage, msgType)
		// Identical bytes, same order.
		assert.Equal(t, want, string(payload), "frame %d", i)
	}
}

func TestRelayClosesUpstreamWhenClientLeaves(t *testing.T) {
	upstreamClosed := make(chan struct{})
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(upstreamClosed)
				return
			}
		}
	}))
	t.Cleanup(upstream.Close)

	_, front := newRelayHarness(t, wsURL(upstream.URL))
	client, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"?projectId=P", nil)
	require.NoError(t, err)
	client.Close()

	select {
	case <-upstreamClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream not closed after client left")
	}
}

func TestRelayClosesClientWhenUpstreamLeaves(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// Upstream drops the pair immediately; the relay must tear the
		// client side down rather than leave it half-open.
		conn.Close()
	}))
	t.Cleanup(upstream.Close)

	_, front := newRelayHarness(t, wsURL(upstream.URL))
	client, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"?projectId=P", nil)
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = client.ReadMessage()
	require.Error(t, err, "client read must fail once upstream is gone")
}

func TestRelayRejectsUnknownProject(t *testing.T) {
	upstream := newUpstreamWS(t, nil)
	_, front := newRelayHarness(t, wsURL(upstream.URL))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"?projectId=unknown", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
}

func TestRelayDialFailure(t *testing.T) {
	_, front := newRelayHarness(t, "ws://127.0.0.1:1/nope")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"?projectId=P", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
