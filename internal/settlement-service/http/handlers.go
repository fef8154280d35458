package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/coin-settlement/internal/deposit"
	"github.com/radieske/coin-settlement/internal/ledger"
	"github.com/radieske/coin-settlement/internal/settlement"
	"github.com/radieske/coin-settlement/internal/settlement-service/dto"
)

// walletAction despacha as ações no formato do provedor
func (s *Server) walletAction(w http.ResponseWriter, r *http.Request) {
	var req dto.ActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Action {
	case "getBalance":
		s.getBalance(w, r)
	case "checkAddress":
		s.checkAddress(w, r, req)
	case "send":
		s.send(w, r, req)
	case "getFaucetList":
		s.faucetList(w, r, req)
	default:
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Status: http.StatusBadRequest, Message: "unknown action"})
	}
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.withdrawals.Balance(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.BalanceResponse{
		Status:           http.StatusOK,
		Message:          "OK",
		Currency:         s.withdrawals.Currency(),
		Balance:          fmtAmount(b.Available()),
		EarnedBalance:    fmtAmount(b.Earned),
		DepositedBalance: fmtAmount(b.Deposited),
		TotalWithdrawn:   fmtAmount(b.TotalWithdrawn),
	})
}

func (s *Server) checkAddress(w http.ResponseWriter, r *http.Request, req dto.ActionRequest) {
	ok, err := s.withdrawals.CheckAddress(r.Context(), req.Address, req.Currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, dto.CheckAddressResponse{Status: http.StatusOK, Message: "address is not linked to a provider account", Valid: false})
		return
	}
	writeJSON(w, http.StatusOK, dto.CheckAddressResponse{Status: http.StatusOK, Message: "address is valid", Valid: true})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, req dto.ActionRequest) {
	res, err := s.withdrawals.Withdraw(r.Context(), settlement.WithdrawRequest{
		UserID:   userID(r),
		ClientIP: clientIP(r, s.opts.TrustProxyHeaders),
		Address:  req.Address,
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	switch res.Outcome {
	case settlement.OutcomeFailed:
		status = http.StatusBadGateway
	case settlement.OutcomeProcessing:
		status = http.StatusAccepted
	}
	writeJSON(w, status, dto.SendResponse{
		Status:           status,
		Message:          res.Message,
		State:            string(res.Outcome),
		EntryID:          res.Entry.ID,
		PayoutID:         res.ProviderTxID,
		Amount:           fmtAmount(res.Entry.Amount),
		Currency:         res.Entry.Currency,
		Balance:          fmtAmount(res.Balance.Available()),
		EarnedBalance:    fmtAmount(res.Balance.Earned),
		DepositedBalance: fmtAmount(res.Balance.Deposited),
	})
}

func (s *Server) faucetList(w http.ResponseWriter, r *http.Request, req dto.ActionRequest) {
	faucets, err := s.withdrawals.FaucetList(r.Context(), req.Currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.FaucetListResponse{Status: http.StatusOK, Message: "OK", Faucets: faucets})
}

func depositResponse(status int, msg string, d ledger.PendingDeposit) dto.DepositResponse {
	return dto.DepositResponse{
		Status:            status,
		Message:           msg,
		ID:                d.ID,
		Amount:            fmtAmount(d.Amount),
		Currency:          d.Currency,
		VerificationCode:  d.VerificationCode,
		Recipient:         d.RecipientOfRecord,
		State:             string(d.Status),
		ExternalReference: d.ExternalReference,
		CreatedAt:         d.CreatedAt,
		ExpiresAt:         d.ExpiresAt,
	}
}

func (s *Server) createDeposit(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateDepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.deposits.CreateRequest(r.Context(), userID(r), req.Amount, req.Currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, depositResponse(http.StatusCreated, "send the amount with the verification code as memo", d))
}

// getDeposit só mostra pedidos do próprio usuário
func (s *Server) getDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := s.deposits.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if d.UserID != userID(r) {
		s.writeError(w, r, ledger.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, depositResponse(http.StatusOK, "OK", d))
}

// parseCallback aceita o IPN em form-urlencoded (formato do provedor) ou JSON
func parseCallback(w http.ResponseWriter, r *http.Request) (dto.CallbackRequest, bool) {
	var req dto.CallbackRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, false
		}
		return req, true
	}
	if err := r.ParseForm(); err != nil {
		return req, false
	}
	req.TransactionID = r.PostForm.Get("transaction_id")
	req.PayoutID = r.PostForm.Get("payout_id")
	req.Currency = r.PostForm.Get("currency")
	req.Custom = r.PostForm.Get("custom")
	req.Memo = r.PostForm.Get("memo")
	req.From = r.PostForm.Get("from")
	req.Token = r.PostForm.Get("token")
	req.Action = r.PostForm.Get("action")
	if raw := strings.TrimSpace(r.PostForm.Get("amount")); raw != "" {
		amt, err := decimal.NewFromString(raw)
		if err != nil {
			return req, false
		}
		req.Amount = amt
	}
	return req, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// depositCallback é o caminho push. Decisões finais respondem 200 para o provedor não reenviar;
// só falha de armazenamento devolve 5xx e provoca nova entrega.
func (s *Server) depositCallback(w http.ResponseWriter, r *http.Request) {
	req, ok := parseCallback(w, r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Status: http.StatusBadRequest, Message: "malformed callback"})
		return
	}
	if req.Action == "check-pending" {
		if s.opts.OperatorToken == "" || !tokenEqual(r.Header.Get("X-Operator-Token"), s.opts.OperatorToken) {
			writeJSON(w, http.StatusUnauthorized, dto.ErrorResponse{Status: http.StatusUnauthorized, Message: "invalid operator token"})
			return
		}
		s.checkPending(w, r)
		return
	}
	// sem segredo configurado o caminho push fica fechado; só o pull credita
	if s.opts.CallbackSecret == "" {
		writeJSON(w, http.StatusForbidden, dto.ErrorResponse{Status: http.StatusForbidden, Message: "deposit callbacks disabled"})
		return
	}
	if !tokenEqual(req.Token, s.opts.CallbackSecret) {
		s.log.Warn("callback with invalid token", zap.String("client_ip", clientIP(r, s.opts.TrustProxyHeaders)))
		writeJSON(w, http.StatusUnauthorized, dto.ErrorResponse{Status: http.StatusUnauthorized, Message: "invalid callback token"})
		return
	}

	res, err := s.deposits.HandleCallback(r.Context(), deposit.Notification{
		ProviderTxID: firstNonEmpty(req.TransactionID, req.PayoutID),
		Memo:         firstNonEmpty(req.Custom, req.Memo),
		Amount:       req.Amount,
		Currency:     req.Currency,
		From:         req.From,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msg := res.Message
	if msg == "" {
		msg = string(res.Outcome)
	}
	writeJSON(w, http.StatusOK, dto.CallbackResponse{Status: http.StatusOK, Message: msg, Outcome: string(res.Outcome)})
}

// checkPending dispara uma passada do caminho pull e a varredura de expiração
func (s *Server) checkPending(w http.ResponseWriter, r *http.Request) {
	expired, err := s.deposits.ExpireStale(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.deposits.Poll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.PollResponse{
		Status:     http.StatusOK,
		Message:    "OK",
		Pending:    report.Pending,
		Completed:  report.Completed,
		Duplicates: report.Duplicates,
		Mismatched: report.Mismatched,
		Unmatched:  report.Unmatched,
		Expired:    expired,
	})
}

func (s *Server) reconcileWithdrawals(w http.ResponseWriter, r *http.Request) {
	report, err := s.withdrawals.ReconcilePending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ReconcileResponse{
		Status:       http.StatusOK,
		Message:      "OK",
		Scanned:      report.Scanned,
		Completed:    report.Completed,
		StillPending: report.StillPending,
		Escalated:    report.Escalated,
		EscalatedIDs: report.EscalatedIDs,
	})
}

func (s *Server) resolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req dto.ResolveWithdrawalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, b, err := s.withdrawals.ResolveWithdrawal(r.Context(), chi.URLParam(r, "id"), settlement.Resolution{
		Action:       settlement.ResolveAction(req.Action),
		ProviderTxID: req.ProviderTxID,
		Note:         req.Note,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.EntryResponse{
		Status:           http.StatusOK,
		Message:          "OK",
		EntryID:          e.ID,
		State:            string(e.Status),
		PayoutID:         e.ExternalReference,
		Balance:          fmtAmount(b.Available()),
		EarnedBalance:    fmtAmount(b.Earned),
		DepositedBalance: fmtAmount(b.Deposited),
	})
}

func (s *Server) rejectDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := s.deposits.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depositResponse(http.StatusOK, "deposit request rejected", d))
}

func (s *Server) providerBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.withdrawals.ProviderBalance(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ProviderBalanceResponse{
		Status:   http.StatusOK,
		Message:  "OK",
		Currency: s.withdrawals.Currency(),
		Balance:  fmtAmount(bal),
	})
}
