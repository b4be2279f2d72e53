// Package server is the gateway's HTTP surface: the JSON-RPC unary and
// WebSocket endpoints, the exchange buy flow, and the operational
// endpoints. Handlers translate sentinel errors from the cores into
// status codes; no business logic lives here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chaingate/rpc-gateway/internal/caip"
	"github.com/chaingate/rpc-gateway/internal/gate"
	"github.com/chaingate/rpc-gateway/internal/ledger"
	"github.com/chaingate/rpc-gateway/internal/provider"
	"github.com/chaingate/rpc-gateway/internal/proxy"
	"github.com/chaingate/rpc-gateway/internal/relay"
)

// maxRequestBody bounds inbound JSON-RPC bodies.
const maxRequestBody = 10 << 20

// Server wires the routes. ExchangeAPI may be nil when no ledger is
// configured; the exchange routes are then not registered.
type Server struct {
	engine   *proxy.Engine
	relay    *relay.Relay
	registry *provider.Registry
	exchange *ExchangeAPI
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   *mux.Router
}

// New builds the server and its route table.
func New(engine *proxy.Engine, r *relay.Relay, registry *provider.Registry,
	exchangeAPI *ExchangeAPI, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		engine:   engine,
		relay:    r,
		registry: registry,
		exchange: exchangeAPI,
		gatherer: gatherer,
		logger:   logger,
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1", s.handleRPC).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.router.HandleFunc("/supported-chains", s.handleSupportedChains).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if s.exchange != nil {
		s.router.HandleFunc("/v1/exchange/buy", s.exchange.handleBuy).Methods(http.MethodPost)
		s.router.HandleFunc("/v1/exchange/buy/status", s.exchange.handleBuyStatus).Methods(http.MethodGet)
	}
}

// Handler exposes the router for the http.Server in cmd.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	chain, err := caip.ParseChainID(r.URL.Query().Get("chainId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	projectID := r.URL.Query().Get("projectId")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body unreadable or too large")
		return
	}

	res, err := s.engine.Proxy(r.Context(), chain, projectID, body)
	if err != nil {
		s.writeProxyError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}

// writeProxyError maps engine sentinels onto the HTTP surface.
func (s *Server) writeProxyError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *proxy.InvalidRequestError
	var exhausted *proxy.FailoverExhausted
	switch {
	case errors.Is(err, provider.ErrChainNotConfigured):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.Is(err, gate.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, gate.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &exhausted):
		s.writeExhausted(w, exhausted)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		s.logger.Error("proxy request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeExhausted reports a burned failover chain. The last upstream body
// rides along on a plain 502 so callers can see what the node said.
func (s *Server) writeExhausted(w http.ResponseWriter, e *proxy.FailoverExhausted) {
	switch {
	case e.Throttled:
		writeError(w, http.StatusTooManyRequests, e.Error())
	case e.TimedOut:
		writeError(w, http.StatusGatewayTimeout, e.Error())
	case len(e.LastBody) > 0:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write(e.LastBody)
	default:
		writeError(w, http.StatusBadGateway, e.Error())
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	chain, err := caip.ParseChainID(r.URL.Query().Get("chainId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	projectID := r.URL.Query().Get("projectId")

	if err := s.relay.Proxy(w, r, chain, projectID); err != nil {
		var dial *relay.DialError
		switch {
		case errors.Is(err, gate.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, gate.ErrQuotaExceeded):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, relay.ErrNoWSProvider):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &dial):
			writeError(w, http.StatusBadGateway, dial.Error())
		default:
			s.logger.Error("ws upgrade failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}

// handleSupportedChains returns a flat JSON array of CAIP-2 strings.
// The default is the HTTP union; ?transport=ws narrows it to the
// WebSocket-capable subset without changing the shape.
func (s *Server) handleSupportedChains(w http.ResponseWriter, r *http.Request) {
	chains := s.registry.Chains()
	if r.URL.Query().Get("transport") == "ws" {
		chains = s.registry.WSChains()
	}
	out := make([]string, 0, len(chains))
	for _, c := range chains {
		out = append(out, c.String())
	}
	writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	Status   string `json:"status"`
	Chains   int    `json:"chains"`
	WSChains int    `json:"wsChains"`
	Exchange bool   `json:"exchange"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Chains:   len(s.registry.Chains()),
		WSChains: len(s.registry.WSChains()),
		Exchange: s.exchange != nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLedgerError maps ledger sentinels onto the HTTP surface.
func writeLedgerError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, ledger.ErrDuplicateID):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrTerminalConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		return false
	}
	return true
}
