package ratelimit

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/coin-settlement/internal/shared/clock"
	"github.com/radieske/coin-settlement/internal/shared/metrics"
)

// Key identifica uma janela: origem de rede + endpoint lógico (sem relação com o usuário)
type Key struct {
	ClientIP string
	Endpoint string
}

// Window é o estado persistido de uma janela fixa
type Window struct {
	Start time.Time
	Count int
}

// Store aplica uma requisição à janela da chave de forma atômica.
// Retorna a janela resultante e se a requisição foi aceita.
// Janela ausente ou expirada é reiniciada com contagem 1; cheia, é negada sem incrementar.
type Store interface {
	Hit(ctx context.Context, key Key, max int, window time.Duration, now time.Time) (Window, bool, error)
}

// Rule descreve um limite nomeado (ex.: geral, saque)
type Rule struct {
	Endpoint    string
	MaxRequests int
	Window      time.Duration
}

type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter retorna quanto falta para a janela reiniciar; zero se permitido
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// RetryAfterSeconds arredonda para cima, no formato do header Retry-After
func (d Decision) RetryAfterSeconds(now time.Time) int {
	return int(math.Ceil(d.RetryAfter(now).Seconds()))
}

// Limiter é o rate limiter de janela fixa
// Falha aberta: se o store estiver indisponível a requisição passa e a falha é logada
type Limiter struct {
	store   Store
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

func New(store Store, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Limiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{store: store, clock: clk, log: log, metrics: m, timeout: time.Second}
}

// Allow aplica uma regra nomeada
func (l *Limiter) Allow(ctx context.Context, clientIP string, rule Rule) Decision {
	return l.Check(ctx, clientIP, rule.Endpoint, rule.MaxRequests, rule.Window)
}

// Check conta a requisição na janela (clientIP, endpoint)
func (l *Limiter) Check(ctx context.Context, clientIP, endpoint string, maxRequests int, window time.Duration) Decision {
	now := l.clock.Now()
	if maxRequests <= 0 || window <= 0 {
		return Decision{Allowed: true, Remaining: math.MaxInt32, ResetAt: now}
	}

	key := Key{ClientIP: normalizeIP(clientIP), Endpoint: endpoint}

	hctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	win, allowed, err := l.store.Hit(hctx, key, maxRequests, window, now)
	if err != nil {
		l.log.Error("rate limit store unavailable, failing open",
			zap.String("endpoint", endpoint),
			zap.String("client_ip", key.ClientIP),
			zap.Error(err),
		)
		l.metrics.ObserveRateLimitFault(endpoint)
		return Decision{Allowed: true, Remaining: maxRequests - 1, ResetAt: now.Add(window)}
	}

	remaining := maxRequests - win.Count
	if remaining < 0 {
		remaining = 0
	}
	l.metrics.ObserveRateLimit(endpoint, allowed)
	if !allowed {
		l.log.Info("rate limit exceeded",
			zap.String("endpoint", endpoint),
			zap.String("client_ip", key.ClientIP),
			zap.Int("count", win.Count),
		)
	}
	return Decision{Allowed: allowed, Remaining: remaining, ResetAt: win.Start.Add(window)}
}

// IP vazio ainda é limitado, num balde compartilhado
func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return "unknown"
	}
	return ip
}
