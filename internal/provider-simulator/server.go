package simulator

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/coin-settlement/internal/provider"
	sdto "github.com/radieske/coin-settlement/internal/provider-simulator/dto"
)

const dateLayout = "2006-01-02 15:04:05"

// Catálogo fixo devolvido por /faucetlist
var faucetCatalog = []sdto.Faucet{
	{Name: "Doge Drip", URL: "https://drip.example.com", Currency: "DOGE", Reward: "0.05"},
	{Name: "Shiba Tap", URL: "https://tap.example.com", Currency: "DOGE", Reward: "0.02"},
	{Name: "Sat Rain", URL: "https://rain.example.com", Currency: "BTC", Reward: "0.00000010"},
}

type Config struct {
	APIKey          string
	Recipient       string // conta da plataforma que recebe os depósitos
	CallbackURL     string
	CallbackSecret  string
	SuccessRatio    int // % de payouts aceitos
	StartingBalance int64
}

// Server simula um provedor compatível com a API v1 do FaucetPay
// Guarda saldo e histórico em memória
type Server struct {
	log *zap.Logger
	cfg Config

	mu       sync.Mutex
	balances map[string]int64
	history  []sdto.Transfer
	seq      int64

	http *http.Client
	now  func() time.Time
	roll func() int

	payouts   *prometheus.CounterVec
	callbacks *prometheus.CounterVec
}

func New(log *zap.Logger, cfg Config, reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		log:      log,
		cfg:      cfg,
		balances: make(map[string]int64),
		seq:      1000,
		http:     &http.Client{Timeout: 5 * time.Second},
		now:      func() time.Time { return time.Now().UTC() },
		roll:     func() int { return rand.Intn(100) },
		payouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_simulator_payouts_total",
			Help: "Payouts processados pelo simulador por resultado",
		}, []string{"result"}),
		callbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_simulator_callbacks_total",
			Help: "Callbacks IPN disparados por resultado",
		}, []string{"result"}),
	}
}

// Router retorna as rotas compatíveis com /api/v1 e a rota auxiliar de simulação
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/checkaddress", s.checkAddress)
		r.Post("/getbalance", s.getBalance)
		r.Post("/send", s.send)
		r.Post("/payouts", s.listPayouts)
		r.Post("/faucetlist", s.faucetList)
	})
	r.Post("/simulate/deposit", s.simulateDeposit)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// authorized valida a api_key do formulário; responde 401 no corpo como o provedor real
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, sdto.Envelope{Status: http.StatusBadRequest, Message: "bad form"})
		return false
	}
	if s.cfg.APIKey != "" && r.PostForm.Get("api_key") != s.cfg.APIKey {
		writeJSON(w, http.StatusOK, sdto.Envelope{Status: sdto.StatusUnauthorized, Message: "Invalid API Key"})
		return false
	}
	return true
}

// validAddress aceita e-mail ou endereço alfanumérico; prefixo "bad" simula conta inexistente
func validAddress(addr string) bool {
	if len(addr) < 3 || strings.ContainsAny(addr, " \t\n") {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(addr), "bad")
}

func (s *Server) checkAddress(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	addr := r.PostForm.Get("address")
	if !validAddress(addr) {
		writeJSON(w, http.StatusOK, sdto.Envelope{Status: sdto.StatusInvalidAddress, Message: "The address does not belong to any user."})
		return
	}
	writeJSON(w, http.StatusOK, sdto.CheckAddressResp{
		Envelope:       sdto.Envelope{Status: sdto.StatusOK, Message: "Address Exists"},
		PayoutUserHash: fmt.Sprintf("%x", len(addr)*7919),
	})
}

func (s *Server) balanceOf(currency string) int64 {
	b, ok := s.balances[currency]
	if !ok {
		b = s.cfg.StartingBalance
		s.balances[currency] = b
	}
	return b
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	currency := strings.ToUpper(r.PostForm.Get("currency"))
	s.mu.Lock()
	bal := s.balanceOf(currency)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, sdto.BalanceResp{
		Envelope:       sdto.Envelope{Status: sdto.StatusOK, Message: "OK"},
		Currency:       currency,
		Balance:        strconv.FormatInt(bal, 10),
		BalanceDecimal: provider.FromMinor(bal).StringFixed(provider.MinorDigits),
	})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	to := r.PostForm.Get("to")
	currency := strings.ToUpper(r.PostForm.Get("currency"))
	amount, err := strconv.ParseInt(r.PostForm.Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		writeJSON(w, http.StatusOK, sdto.Envelope{Status: http.StatusBadRequest, Message: "Invalid amount"})
		return
	}
	if !validAddress(to) {
		s.payouts.WithLabelValues("invalid_address").Inc()
		writeJSON(w, http.StatusOK, sdto.Envelope{Status: sdto.StatusInvalidAddress, Message: "The address does not belong to any user."})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.balanceOf(currency)
	if bal < amount {
		s.payouts.WithLabelValues("no_funds").Inc()
		writeJSON(w, http.StatusOK, sdto.Envelope{Status: sdto.StatusNoFunds, Message: "Not enough funds."})
		return
	}
	if s.roll() >= s.cfg.SuccessRatio {
		s.payouts.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusOK, sdto.Envelope{Status: sdto.StatusRejected, Message: "Payout rejected by provider"})
		return
	}

	s.seq++
	s.balances[currency] = bal - amount
	t := sdto.Transfer{
		ID:       s.seq,
		To:       to,
		Amount:   strconv.FormatInt(amount, 10),
		Currency: currency,
		Date:     s.now().Format(dateLayout),
	}
	s.history = append(s.history, t)
	s.payouts.WithLabelValues("sent").Inc()
	s.log.Info("payout sent", zap.Int64("payout_id", t.ID), zap.String("to", to), zap.Int64("amount", amount))

	writeJSON(w, http.StatusOK, sdto.SendResp{
		Envelope:       sdto.Envelope{Status: sdto.StatusOK, Message: "OK"},
		PayoutID:       t.ID,
		PayoutUserHash: fmt.Sprintf("%x", len(to)*7919),
		Balance:        strconv.FormatInt(s.balances[currency], 10),
	})
}

// listPayouts devolve o histórico mais recente primeiro
func (s *Server) listPayouts(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	count, _ := strconv.Atoi(r.PostForm.Get("count"))
	if count <= 0 || count > 1000 {
		count = 100
	}
	currency := strings.ToUpper(r.PostForm.Get("currency"))

	s.mu.Lock()
	out := make([]sdto.Transfer, 0, count)
	for i := len(s.history) - 1; i >= 0 && len(out) < count; i-- {
		t := s.history[i]
		if currency != "" && t.Currency != currency {
			continue
		}
		out = append(out, t)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, sdto.PayoutsResp{
		Envelope: sdto.Envelope{Status: sdto.StatusOK, Message: "OK"},
		Rewards:  out,
	})
}

func (s *Server) faucetList(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	currency := strings.ToUpper(r.PostForm.Get("currency"))
	out := make([]sdto.Faucet, 0, len(faucetCatalog))
	for _, f := range faucetCatalog {
		if currency == "" || f.Currency == currency {
			out = append(out, f)
		}
	}
	writeJSON(w, http.StatusOK, sdto.FaucetListResp{
		Envelope: sdto.Envelope{Status: sdto.StatusOK, Message: "OK"},
		Faucets:  out,
	})
}

// simulateDeposit registra uma transferência recebida pela plataforma e dispara o IPN
func (s *Server) simulateDeposit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req sdto.SimulateDepositReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
		return
	}
	minor, err := provider.ToMinor(amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	currency := strings.ToUpper(req.Currency)

	s.mu.Lock()
	s.seq++
	t := sdto.Transfer{
		ID:       s.seq,
		To:       s.cfg.Recipient,
		From:     req.From,
		Memo:     req.Memo,
		Amount:   strconv.FormatInt(minor, 10),
		Currency: currency,
		Date:     s.now().Format(dateLayout),
	}
	s.balances[currency] = s.balanceOf(currency) + minor
	s.history = append(s.history, t)
	s.mu.Unlock()

	resp := sdto.SimulateDepositResp{Transfer: t}
	if !req.SkipCallback && s.cfg.CallbackURL != "" {
		code, err := s.fireCallback(r, t)
		resp.CallbackStatus = code
		if err != nil {
			resp.CallbackError = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// fireCallback envia o IPN form-encoded para a plataforma
func (s *Server) fireCallback(r *http.Request, t sdto.Transfer) (int, error) {
	minor, _ := strconv.ParseInt(t.Amount, 10, 64)
	form := url.Values{}
	form.Set("transaction_id", strconv.FormatInt(t.ID, 10))
	form.Set("amount", provider.FromMinor(minor).String())
	form.Set("currency", t.Currency)
	form.Set("custom", t.Memo)
	form.Set("from", t.From)
	if s.cfg.CallbackSecret != "" {
		form.Set("token", s.cfg.CallbackSecret)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.cfg.CallbackURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := s.http.Do(req)
	if err != nil {
		s.callbacks.WithLabelValues("error").Inc()
		s.log.Warn("ipn callback failed", zap.Int64("transfer_id", t.ID), zap.Error(err))
		return 0, err
	}
	defer res.Body.Close()
	s.callbacks.WithLabelValues(strconv.Itoa(res.StatusCode)).Inc()
	s.log.Info("ipn callback delivered", zap.Int64("transfer_id", t.ID), zap.Int("status", res.StatusCode))
	return res.StatusCode, nil
}
