package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/coin-settlement/internal/deposit"
	"github.com/radieske/coin-settlement/internal/identity"
	"github.com/radieske/coin-settlement/internal/ledger"
	"github.com/radieske/coin-settlement/internal/provider"
	"github.com/radieske/coin-settlement/internal/ratelimit"
	"github.com/radieske/coin-settlement/internal/settlement"
	"github.com/radieske/coin-settlement/internal/settlement-service/dto"
	"github.com/radieske/coin-settlement/internal/shared/clock"
)

// Withdrawals define as operações de saque usadas pelo handler HTTP
type Withdrawals interface {
	Withdraw(ctx context.Context, req settlement.WithdrawRequest) (settlement.WithdrawResult, error)
	Balance(ctx context.Context, userID string) (ledger.Balance, error)
	CheckAddress(ctx context.Context, address, currency string) (bool, error)
	FaucetList(ctx context.Context, currency string) ([]provider.Faucet, error)
	ProviderBalance(ctx context.Context) (decimal.Decimal, error)
	ReconcilePending(ctx context.Context) (settlement.ReconcileReport, error)
	ResolveWithdrawal(ctx context.Context, entryID string, r settlement.Resolution) (ledger.Entry, ledger.Balance, error)
	Currency() string
}

// Deposits define as operações de depósito usadas pelo handler HTTP
type Deposits interface {
	CreateRequest(ctx context.Context, userID string, amount decimal.Decimal, currency string) (ledger.PendingDeposit, error)
	GetRequest(ctx context.Context, id string) (ledger.PendingDeposit, error)
	HandleCallback(ctx context.Context, n deposit.Notification) (deposit.Result, error)
	Poll(ctx context.Context) (deposit.PollReport, error)
	ExpireStale(ctx context.Context) (int64, error)
	Reject(ctx context.Context, id string) (ledger.PendingDeposit, error)
}

type Limiter interface {
	Allow(ctx context.Context, clientIP string, rule ratelimit.Rule) ratelimit.Decision
}

type Options struct {
	GeneralRule       ratelimit.Rule
	OperatorToken     string
	CallbackSecret    string
	TrustProxyHeaders bool
}

const maxBodyBytes = 64 << 10

// Server expõe a API pública de carteira/depósitos e as rotas de operador
type Server struct {
	log         *zap.Logger
	withdrawals Withdrawals
	deposits    Deposits
	auth        *identity.Resolver
	limiter     Limiter
	clock       clock.Clock
	opts        Options
}

// NewServer instancia o servidor HTTP do settlement
func NewServer(log *zap.Logger, w Withdrawals, d Deposits, auth *identity.Resolver, lim Limiter, clk clock.Clock, opts Options) *Server {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Server{log: log, withdrawals: w, deposits: d, auth: auth, limiter: lim, clock: clk, opts: opts}
}

// Router retorna o roteador com todas as rotas
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimit) // limite geral por IP em toda rota

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/api/wallet/action", s.walletAction)
		r.Post("/api/deposits", s.createDeposit)
		r.Get("/api/deposits/{id}", s.getDeposit)
	})

	// IPN do provedor: autenticado pelo token compartilhado, não por bearer
	r.Post("/api/deposits/callback", s.depositCallback)

	r.Group(func(r chi.Router) {
		r.Use(s.operatorOnly)
		r.Post("/api/deposits/check-pending", s.checkPending)
		r.Post("/internal/withdrawals/reconcile", s.reconcileWithdrawals)
		r.Post("/internal/withdrawals/{id}/resolve", s.resolveWithdrawal)
		r.Post("/internal/deposits/{id}/reject", s.rejectDeposit)
		r.Get("/internal/provider/balance", s.providerBalance)
	})
	return r
}

// clientIP só confia em cabeçalhos de proxy quando configurado
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
		if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
			return xr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.limiter.Allow(r.Context(), clientIP(r, s.opts.TrustProxyHeaders), s.opts.GeneralRule)
		if !d.Allowed {
			retry := d.RetryAfterSeconds(s.clock.Now())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, dto.ErrorResponse{
				Status:     http.StatusTooManyRequests,
				Message:    "too many requests",
				RetryAfter: retry,
			})
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		next.ServeHTTP(w, r)
	})
}

// operatorOnly exige o token de operador; sem token configurado as rotas ficam fechadas
func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.OperatorToken == "" {
			writeJSON(w, http.StatusForbidden, dto.ErrorResponse{Status: http.StatusForbidden, Message: "operator routes disabled"})
			return
		}
		if !tokenEqual(r.Header.Get("X-Operator-Token"), s.opts.OperatorToken) {
			writeJSON(w, http.StatusUnauthorized, dto.ErrorResponse{Status: http.StatusUnauthorized, Message: "invalid operator token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// writeJSON serializa a resposta em JSON e define o status HTTP
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Status: http.StatusBadRequest, Message: "bad json"})
		return false
	}
	return true
}

// writeError traduz erros de domínio em status HTTP num único lugar
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		sie *settlement.InputError
		die *deposit.InputError
		rle *settlement.RateLimitError
		dle *ledger.DailyLimitError
	)
	switch {
	case errors.As(err, &sie):
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Status: http.StatusBadRequest, Message: sie.Error()})
	case errors.As(err, &die):
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Status: http.StatusBadRequest, Message: die.Error()})
	case errors.As(err, &rle):
		retry := int(math.Ceil(rle.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, dto.ErrorResponse{Status: http.StatusTooManyRequests, Message: rle.Error(), RetryAfter: retry})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeJSON(w, http.StatusPaymentRequired, dto.ErrorResponse{Status: http.StatusPaymentRequired, Message: "insufficient balance"})
	case errors.As(err, &dle):
		writeJSON(w, http.StatusForbidden, dto.ErrorResponse{Status: http.StatusForbidden, Message: dle.Error(), Remaining: dle.Remaining.StringFixed(4)})
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Status: http.StatusNotFound, Message: "not found"})
	case errors.Is(err, ledger.ErrInvalidStatus), errors.Is(err, ledger.ErrDuplicateReference), errors.Is(err, ledger.ErrDepositNotPending):
		writeJSON(w, http.StatusConflict, dto.ErrorResponse{Status: http.StatusConflict, Message: err.Error()})
	case errors.Is(err, provider.ErrIndeterminate), errors.Is(err, context.DeadlineExceeded), errors.Is(err, settlement.ErrWithdrawalsDisabled):
		s.log.Warn("upstream unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, dto.ErrorResponse{Status: http.StatusServiceUnavailable, Message: "service temporarily unavailable"})
	default:
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, dto.ErrorResponse{Status: http.StatusInternalServerError, Message: "internal error"})
	}
}

func userID(r *http.Request) string {
	id, _ := identity.UserIDFromContext(r.Context())
	return id
}

func fmtAmount(d decimal.Decimal) string { return d.StringFixed(provider.MinorDigits) }
