// Package relay upgrades client connections and bidirectionally
// forwards WebSocket frames to one upstream provider.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaingate/rpc-gateway/internal/analytics"
	"github.com/chaingate/rpc-gateway/internal/caip"
	"github.com/chaingate/rpc-gateway/internal/gate"
	"github.com/chaingate/rpc-gateway/internal/provider"
	"github.com/chaingate/rpc-gateway/internal/selector"
)

// ErrNoWSProvider is returned when no WebSocket-capable provider serves
// the chain.
var ErrNoWSProvider = errors.New("no websocket provider for chain")

// DialError wraps an upstream dial failure so the HTTP surface can
// reject the upgrade with a transport error.
type DialError struct {
	Provider provider.Kind
	Err      error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial upstream ws via %s: %v", e.Provider, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

const (
	dialTimeout  = 5 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Relay owns the upgrade path and the two unidirectional pumps.
type Relay struct {
	selector *selector.Selector
	gate     *gate.Gate
	sink     *analytics.Sink
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	logger   *zap.Logger

	active prometheus.Gauge
	frames *prometheus.CounterVec
}

// New wires the relay.
func New(sel *selector.Selector, g *gate.Gate, sink *analytics.Sink,
	promReg prometheus.Registerer, logger *zap.Logger) *Relay {
	if promReg == nil {
		promReg = prometheus.DefaultRegisterer
	}
	return &Relay{
		selector: sel,
		gate:     g,
		sink:     sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy belongs to the project registry, not here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
		logger: logger,
		active: promauto.With(promReg).NewGauge(prometheus.GaugeOpts{
			Name: "rpc_proxy_ws_active_connections",
			Help: "Active relayed WebSocket connections",
		}),
		frames: promauto.With(promReg).NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_proxy_ws_frames_total",
			Help: "Relayed WebSocket frames by direction",
		}, []string{"direction"}),
	}
}

// Proxy validates access, picks one WS-capable provider, dials it and,
// only then, upgrades the client connection. There is no re-pairing: the
// connection lives and dies with the chosen provider.
func (r *Relay) Proxy(w http.ResponseWriter, req *http.Request, chain caip.ChainID, projectID string) error {
	if _, err := r.gate.Allow(req.Context(), projectID, chain); err != nil {
		return err
	}

	candidates := r.selector.CandidatesWS(chain, nil)
	if len(candidates) == 0 {
		return ErrNoWSProvider
	}
	chosen := candidates[0]
	endpoint, ok := chosen.WSEndpoint(chain)
	if !ok {
		return ErrNoWSProvider
	}

	upstream, _, err := r.dialer.DialContext(req.Context(), endpoint, nil)
	if err != nil {
		return &DialError{Provider: chosen.Kind, Err: err}
	}

	client, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		upstream.Close()
		// Upgrade already wrote the HTTP error.
		return nil
	}

	r.active.Inc()
	r.sink.Record(analytics.Event{
		Type:      analytics.EventWSConnection,
		ProjectID: projectID,
		Chain:     chain.String(),
		Provider:  chosen.Kind.String(),
	})
	r.logger.Debug("ws relay established",
		zap.String("chain", chain.String()),
		zap.String("provider", chosen.Kind.String()))

	go r.supervise(client, upstream, chain, chosen.Kind)
	return nil
}

// supervise runs both pumps and tears the pair down when either
// direction ends.
func (r *Relay) supervise(client, upstream *websocket.Conn, chain caip.ChainID, kind provider.Kind) {
	defer r.active.Dec()
	defer client.Close()
	defer upstream.Close()

	group, ctx := errgroup.WithContext(context.Background())
	group.Go(func() error { return r.pump(client, upstream, "client_to_upstream") })
	group.Go(func() error { return r.pump(upstream, client, "upstream_to_client") })
	group.Go(func() error { return r.keepalive(ctx, client, upstream) })
	// The first pump to exit cancels ctx; closing both conns here
	// unblocks the surviving pump's ReadMessage so the pair tears down
	// immediately instead of waiting for the peer to send.
	group.Go(func() error {
		<-ctx.Done()
		client.Close()
		upstream.Close()
		return nil
	})

	if err := group.Wait(); err != nil && !isExpectedClose(err) {
		r.logger.Debug("ws relay closed",
			zap.String("chain", chain.String()),
			zap.String("provider", kind.String()),
			zap.Error(err))
	}
}

// pump forwards frames one-to-one from src to dst. Data and close
// frames translate directly; ping/pong are forwarded via control
// handlers. The next read waits for the previous write to be accepted,
// so a slow consumer stalls its own direction without buffering.
func (r *Relay) pump(src, dst *websocket.Conn, direction string) error {
	src.SetPingHandler(func(appData string) error {
		return dst.WriteControl(websocket.PingMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	src.SetPongHandler(func(appData string) error {
		return dst.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	src.SetCloseHandler(func(code int, text string) error {
		msg := websocket.FormatCloseMessage(code, text)
		dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		return nil
	})

	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(msgType, payload); err != nil {
			return err
		}
		r.frames.WithLabelValues(direction).Inc()
	}
}

// keepalive pings both sides every pingInterval; idle connections have
// no ceiling.
func (r *Relay) keepalive(ctx context.Context, client, upstream *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := client.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
			if err := upstream.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		}
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
