package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/chaingate/rpc-gateway/internal/caip"
	"github.com/chaingate/rpc-gateway/internal/exchange"
	"github.com/chaingate/rpc-gateway/internal/gate"
	"github.com/chaingate/rpc-gateway/internal/ledger"
)

// failureReasonProvider mirrors the reconciler's terminal failure
// reason so both writers persist the same literal.
const failureReasonProvider = "provider_failed"

// BuyLedger is the ledger surface the exchange handlers use.
type BuyLedger interface {
	InsertNew(ctx context.Context, tx *ledger.Transaction) error
	Get(ctx context.Context, id string) (*ledger.Transaction, error)
	UpdateStatus(ctx context.Context, id string, status ledger.Status, txHash, failureReason string) error
}

// ExchangeAPI serves the interactive buy flow: session creation and
// status polling. The reconciler settles whatever sessions the client
// never polls to completion.
type ExchangeAPI struct {
	ledger    BuyLedger
	exchanges map[string]exchange.Exchange
	gate      *gate.Gate
	logger    *zap.Logger
}

// NewExchangeAPI wires the handlers.
func NewExchangeAPI(l BuyLedger, exchanges map[string]exchange.Exchange,
	g *gate.Gate, logger *zap.Logger) *ExchangeAPI {
	return &ExchangeAPI{ledger: l, exchanges: exchanges, gate: g, logger: logger}
}

type buyRequest struct {
	ExchangeID string `json:"exchangeId"`
	ProjectID  string `json:"projectId"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Recipient  string `json:"recipient"`
	SessionID  string `json:"sessionId,omitempty"`
}

type buyResponse struct {
	SessionID  string `json:"sessionId"`
	ExchangeID string `json:"exchangeId"`
	PayURL     string `json:"payUrl"`
}

func (a *ExchangeAPI) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid buy request body")
		return
	}

	ex, ok := a.exchanges[req.ExchangeID]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown exchange id")
		return
	}
	asset, err := caip.ParseAssetID(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := a.gate.Allow(r.Context(), req.ProjectID, asset.Chain); err != nil {
		if errors.Is(err, gate.ErrQuotaExceeded) {
			writeError(w, http.StatusForbidden, err.Error())
		} else {
			writeError(w, http.StatusUnauthorized, err.Error())
		}
		return
	}

	if req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "recipient is required")
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = newSessionID()
	}

	payURL, err := ex.BuyURL(r.Context(), exchange.BuyParams{
		ProjectID: req.ProjectID,
		Asset:     asset,
		Amount:    req.Amount,
		Recipient: req.Recipient,
		SessionID: sessionID,
	})
	if err != nil {
		if errors.Is(err, exchange.ErrAssetNotSupported) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("buy url build failed", zap.String("exchange_id", req.ExchangeID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "exchange unavailable")
		return
	}

	err = a.ledger.InsertNew(r.Context(), &ledger.Transaction{
		ID:         sessionID,
		ExchangeID: ex.ID(),
		ProjectID:  req.ProjectID,
		Asset:      asset.String(),
		Amount:     req.Amount,
		Recipient:  req.Recipient,
		PayURL:     payURL,
	})
	if err != nil {
		if !writeLedgerError(w, err) {
			a.logger.Error("buy session insert failed", zap.String("session_id", sessionID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, buyResponse{
		SessionID:  sessionID,
		ExchangeID: ex.ID(),
		PayURL:     payURL,
	})
}

type buyStatusResponse struct {
	SessionID     string `json:"sessionId"`
	Status        string `json:"status"`
	TxHash        string `json:"txHash,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

// handleBuyStatus reads the ledger row and, while the row is still
// pending, does one interactive poll of the owning exchange. A terminal
// answer is written back immediately instead of waiting for the next
// reconciler pass.
func (a *ExchangeAPI) handleBuyStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	tx, err := a.ledger.Get(r.Context(), sessionID)
	if err != nil {
		if !writeLedgerError(w, err) {
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	if tx.Status.Terminal() {
		writeJSON(w, http.StatusOK, statusResponse(tx))
		return
	}

	ex, ok := a.exchanges[tx.ExchangeID]
	if !ok {
		// Orphaned row; report what the ledger knows.
		writeJSON(w, http.StatusOK, statusResponse(tx))
		return
	}
	res, err := ex.BuyStatus(r.Context(), sessionID)
	if err != nil {
		a.logger.Warn("interactive status poll failed",
			zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusOK, statusResponse(tx))
		return
	}

	switch res.Status {
	case exchange.StatusSuccess:
		a.settle(r.Context(), tx, ledger.StatusSucceeded, res.TxHash, "")
	case exchange.StatusFailed:
		a.settle(r.Context(), tx, ledger.StatusFailed, res.TxHash, failureReasonProvider)
	}
	writeJSON(w, http.StatusOK, statusResponse(tx))
}

func (a *ExchangeAPI) settle(ctx context.Context, tx *ledger.Transaction, status ledger.Status, txHash, reason string) {
	if err := a.ledger.UpdateStatus(ctx, tx.ID, status, txHash, reason); err != nil {
		if !errors.Is(err, ledger.ErrTerminalConflict) {
			a.logger.Error("interactive write-back failed",
				zap.String("session_id", tx.ID), zap.Error(err))
		}
		return
	}
	tx.Status = status
	if txHash != "" {
		tx.TxHash = txHash
	}
	tx.FailureReason = reason
}

func statusResponse(tx *ledger.Transaction) buyStatusResponse {
	return buyStatusResponse{
		SessionID:     tx.ID,
		Status:        string(tx.Status),
		TxHash:        tx.TxHash,
		FailureReason: tx.FailureReason,
	}
}

func newSessionID() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
