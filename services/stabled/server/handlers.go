package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"stablecore/core/async"
	"stablecore/native/stable"
	"stablecore/services/stabled/storage"
)

type expectedPayload struct {
	Multiplier string `json:"multiplier"`
	Slippage   string `json:"slippage"`
	Decimals   uint8  `json:"decimals"`
}

func (p *expectedPayload) rate() (*stable.ExpectedRate, error) {
	if p == nil {
		return nil, nil
	}
	multiplier, err := parseUnits(p.Multiplier)
	if err != nil {
		return nil, err
	}
	slippage, err := parseOptionalUnits(p.Slippage)
	if err != nil {
		return nil, err
	}
	return &stable.ExpectedRate{Multiplier: multiplier, Slippage: slippage, Decimals: p.Decimals}, nil
}

type settlementPayload struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	// PaymentRef names the base asset payment backing a buy.
	PaymentRef string           `json:"payment_ref"`
	Expected   *expectedPayload `json:"expected"`
}

func (s *Server) decodeSettlement(w http.ResponseWriter, r *http.Request) (string, stable.SettlementRequest, bool) {
	caller, _ := CallerFromContext(r.Context())
	var payload settlementPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return "", stable.SettlementRequest{}, false
	}
	amount, err := parseUnits(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", stable.SettlementRequest{}, false
	}
	expected, err := payload.Expected.rate()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected: "+err.Error())
		return "", stable.SettlementRequest{}, false
	}
	req := stable.SettlementRequest{
		Account:    caller,
		Recipient:  strings.TrimSpace(payload.Recipient),
		Amount:     amount,
		Expected:   expected,
		PaymentRef: strings.TrimSpace(payload.PaymentRef),
	}
	return caller, req, true
}

// handleBuy mints stable tokens for the base asset payment, named by
// payment_ref, that the caller has already made through the payment gateway.
func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	caller, req, ok := s.decodeSettlement(w, r)
	if !ok {
		return
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = caller
	}
	s.settle(w, r, storage.KindBuy, caller, recipient, req.Amount, stable.TokenDecimals,
		func(ctx context.Context) (*async.Promise[*big.Int], error) {
			return s.engine.Buy(ctx, req)
		})
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	caller, req, ok := s.decodeSettlement(w, r)
	if !ok {
		return
	}
	req.Recipient = ""
	s.settle(w, r, storage.KindSell, caller, caller, req.Amount, s.cfg.BaseDecimals,
		func(ctx context.Context) (*async.Promise[*big.Int], error) {
			return s.engine.Sell(ctx, req)
		})
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var payload struct {
		Amount  string `json:"amount"`
		Deposit string `json:"deposit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	whole, err := parseUnits(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	deposit, err := parseOptionalUnits(payload.Deposit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := stable.LiquidityTransferRequest{WholeAmount: whole, DepositAttached: deposit}
	s.settle(w, r, storage.KindLiquidity, caller, "", whole, 0,
		func(ctx context.Context) (*async.Promise[*big.Int], error) {
			return s.engine.ProvideLiquidity(ctx, caller, req)
		})
}

// settle journals the request, issues the chain and waits for it up to the
// configured bound. The journal entry is completed by the chain itself, so a
// 202 response can be polled through /v1/settlements/{id}.
func (s *Server) settle(w http.ResponseWriter, r *http.Request, kind storage.SettlementKind, account, recipient string, amount *big.Int, resultDecimals uint8, issue func(context.Context) (*async.Promise[*big.Int], error)) {
	ctx := r.Context()
	entry, err := s.journal.CreateSettlement(ctx, kind, account, recipient, amount)
	if err != nil {
		s.logger.ErrorContext(ctx, "journal settlement", "kind", kind, "error", err)
		writeError(w, http.StatusInternalServerError, "settlement journal unavailable")
		return
	}
	promise, err := issue(ctx)
	if err != nil {
		if jerr := s.journal.CompleteSettlement(context.WithoutCancel(ctx), entry.ID, nil, err); jerr != nil {
			s.logger.WarnContext(ctx, "complete settlement", "id", entry.ID, "error", jerr)
		}
		s.writeEngineError(w, r, err)
		return
	}
	done := async.Finally(ctx, promise, func(ctx context.Context, result *big.Int, err error) (*big.Int, error) {
		if jerr := s.journal.CompleteSettlement(ctx, entry.ID, result, err); jerr != nil {
			s.logger.WarnContext(ctx, "complete settlement", "id", entry.ID, "error", jerr)
		}
		return result, err
	})

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.SettlementWait)
	defer cancel()
	_, _ = done.Await(waitCtx)
	if !done.Settled() {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"settlement_id": entry.ID,
			"status":        string(storage.StatusPending),
		})
		return
	}
	result, err := done.Result()
	if err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.ErrorContext(ctx, "settlement failed", "id", entry.ID, "kind", kind, "error", err)
		}
		writeJSON(w, status, map[string]string{
			"settlement_id": entry.ID,
			"status":        string(storage.StatusFailed),
			"reason":        stable.Reason(err),
			"error":         err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"settlement_id":  entry.ID,
		"status":         string(storage.StatusSettled),
		"result":         unitsString(result),
		"result_display": formatUnits(result, resultDecimals),
	})
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	entry, err := s.journal.Settlement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrSettlementNotFound) {
			writeError(w, http.StatusNotFound, "settlement not found")
			return
		}
		s.writeEngineError(w, r, err)
		return
	}
	if entry.Account != caller {
		writeError(w, http.StatusNotFound, "settlement not found")
		return
	}
	response := map[string]any{
		"settlement_id": entry.ID,
		"kind":          entry.Kind,
		"account":       entry.Account,
		"recipient":     entry.Recipient,
		"amount":        unitsString(entry.Amount),
		"status":        entry.Status,
		"created_at":    entry.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":    entry.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if entry.Result != nil {
		response["result"] = entry.Result.String()
	}
	if entry.Reason != "" {
		response["reason"] = entry.Reason
		response["error"] = entry.Error
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	waitCtx, cancel := context.WithTimeout(r.Context(), s.cfg.SettlementWait)
	defer cancel()
	rate, err := s.engine.Cache().Get(r.Context()).Await(waitCtx)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset_id":    s.engine.Cache().AssetID(),
		"multiplier":  rate.Multiplier.String(),
		"decimals":    strconv.Itoa(int(rate.Decimals)),
		"observed_at": rate.ObservedAt.UTC().Format(time.RFC3339),
		"expires_at":  rate.ExpiresAt().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSpread(w http.ResponseWriter, r *http.Request) {
	amount := new(big.Int)
	if raw := r.URL.Query().Get("amount"); raw != "" {
		parsed, err := parseOptionalUnits(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		amount = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"spread": s.engine.Spread(amount),
		"policy": s.engine.SpreadPolicy().String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":   s.engine.Status().String(),
		"symbol":   s.engine.Symbol(),
		"decimals": s.engine.Decimals(),
		"spread":   s.engine.SpreadPolicy().String(),
		"pool_id":  s.engine.StablePoolID(),
	}
	if rate, ok := s.engine.CachedRate(); ok {
		response["rate_expires_at"] = rate.ExpiresAt().UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.engine.TotalSupply(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"total_supply": supply.String(),
		"display":      formatUnits(supply, s.engine.Decimals()),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	balance, err := s.engine.BalanceOf(r.Context(), account)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": account,
		"balance": balance.String(),
		"display": formatUnits(balance, s.engine.Decimals()),
	})
}

func (s *Server) handleBlacklistStatus(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	status, err := s.engine.BlacklistStatus(account)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account, "status": status.String()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("type"))
	rendered := s.recorder.Rendered()
	out := make([]any, 0, len(rendered))
	for _, evt := range rendered {
		if filter != "" && evt.Type != filter {
			continue
		}
		out = append(out, evt)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleSetFixedSpread(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var payload struct {
		Spread uint64 `json:"spread"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := s.engine.SetFixedSpread(r.Context(), caller, payload.Spread); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"policy": s.engine.SpreadPolicy().String()})
}

func (s *Server) handleSetAdaptiveSpread(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	if err := s.engine.SetAdaptiveSpread(r.Context(), caller); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"policy": s.engine.SpreadPolicy().String()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	if err := s.engine.Pause(r.Context(), caller); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": s.engine.Status().String()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	if err := s.engine.Resume(r.Context(), caller); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": s.engine.Status().String()})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	s.updateBlacklist(w, r, s.engine.AddToBlacklist)
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	s.updateBlacklist(w, r, s.engine.RemoveFromBlacklist)
}

func (s *Server) updateBlacklist(w http.ResponseWriter, r *http.Request, update func(ctx context.Context, caller, account string) error) {
	caller, _ := CallerFromContext(r.Context())
	account := chi.URLParam(r, "account")
	if err := update(r.Context(), caller, account); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.handleBlacklistStatus(w, r)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	account := chi.URLParam(r, "account")
	destroyed, err := s.engine.DestroyBlackFunds(r.Context(), caller, account)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account, "destroyed": destroyed.String()})
}

func (s *Server) handleExtendGuardians(w http.ResponseWriter, r *http.Request) {
	s.updateGuardians(w, r, s.engine.ExtendGuardians)
}

func (s *Server) handleRemoveGuardians(w http.ResponseWriter, r *http.Request) {
	s.updateGuardians(w, r, s.engine.RemoveGuardians)
}

func (s *Server) updateGuardians(w http.ResponseWriter, r *http.Request, update func(ctx context.Context, caller string, accounts []string) error) {
	caller, _ := CallerFromContext(r.Context())
	var payload struct {
		Accounts []string `json:"accounts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Accounts) == 0 {
		writeError(w, http.StatusBadRequest, "accounts required")
		return
	}
	if err := update(r.Context(), caller, payload.Accounts); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
