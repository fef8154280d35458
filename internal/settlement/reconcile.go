package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/coin-settlement/internal/ledger"
	"github.com/radieske/coin-settlement/internal/provider"
	"github.com/radieske/coin-settlement/pkg/contracts/events"
)

// payoutSkew tolera relógios diferentes entre plataforma e provedor
const payoutSkew = time.Minute

// ReconcileReport resume uma passada sobre os saques presos em pending
type ReconcileReport struct {
	Scanned      int      `json:"scanned"`
	Completed    int      `json:"completed"`
	StillPending int      `json:"still_pending"`
	Escalated    int      `json:"escalated"`
	EscalatedIDs []string `json:"escalated_ids,omitempty"`
}

// ReconcilePending cruza saques pending mais velhos que ReconcileAfter com o histórico do provedor.
// Casamento: mesmo destino, mesmo valor em unidades mínimas, payout não anterior à entrada.
// Sem casamento nunca há estorno automático; passado EscalateAfter o saque é escalado ao operador.
func (s *Service) ReconcilePending(ctx context.Context) (ReconcileReport, error) {
	now := s.clock.Now()
	var report ReconcileReport

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	stuck, err := s.store.ListPendingWithdrawals(sctx, now.Add(-s.cfg.ReconcileAfter), s.cfg.ReconcileBatch)
	cancel()
	if err != nil {
		return report, fmt.Errorf("list pending withdrawals: %w", err)
	}
	report.Scanned = len(stuck)
	s.metrics.SetPendingWithdrawals(len(stuck))
	if len(stuck) == 0 {
		return report, nil
	}

	pctx, pcancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	payouts, fetchErr := s.provider.RecentPayouts(pctx, s.cfg.PayoutScanCount)
	pcancel()
	if fetchErr != nil {
		s.log.Warn("could not fetch provider history, matching skipped", zap.Error(fetchErr))
	}

	used := make(map[string]bool)
	for _, e := range stuck {
		if fetchErr == nil && s.matchPayout(ctx, e, payouts, used) {
			report.Completed++
			continue
		}
		if now.Sub(e.CreatedAt) >= s.cfg.EscalateAfter {
			s.escalate(ctx, e, now)
			report.Escalated++
			report.EscalatedIDs = append(report.EscalatedIDs, e.ID)
			continue
		}
		report.StillPending++
	}

	s.metrics.ObserveReconcile("completed", report.Completed)
	s.metrics.ObserveReconcile("pending", report.StillPending)
	s.metrics.ObserveReconcile("escalated", report.Escalated)
	s.log.Info("withdrawal reconciliation pass",
		zap.Int("scanned", report.Scanned),
		zap.Int("completed", report.Completed),
		zap.Int("still_pending", report.StillPending),
		zap.Int("escalated", report.Escalated),
	)
	if fetchErr != nil {
		return report, fmt.Errorf("recent payouts: %w", fetchErr)
	}
	return report, nil
}

// matchPayout tenta liquidar a entrada com um payout ainda não vinculado
func (s *Service) matchPayout(ctx context.Context, e ledger.Entry, payouts []provider.Payout, used map[string]bool) bool {
	minor, err := provider.ToMinor(e.Amount)
	if err != nil {
		return false
	}
	for _, p := range payouts {
		if used[p.ProviderTxID] || p.ProviderTxID == "" {
			continue
		}
		if !strings.EqualFold(p.To, e.CounterpartyAddress) || p.AmountMinor != minor {
			continue
		}
		if p.Currency != "" && !strings.EqualFold(p.Currency, e.Currency) {
			continue
		}
		if !p.CreatedAt.IsZero() && p.CreatedAt.Before(e.CreatedAt.Add(-payoutSkew)) {
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		done, _, err := s.store.CompleteWithdrawal(sctx, e.ID, p.ProviderTxID, s.clock.Now())
		cancel()
		if errors.Is(err, ledger.ErrDuplicateReference) {
			// payout já liquidou outro saque
			used[p.ProviderTxID] = true
			continue
		}
		if err != nil {
			s.log.Error("reconcile complete failed", zap.String("entry_id", e.ID), zap.Error(err))
			return false
		}
		used[p.ProviderTxID] = true
		s.log.Info("stuck withdrawal matched provider payout",
			zap.String("entry_id", e.ID),
			zap.String("user_id", e.UserID),
			zap.String("provider_tx_id", p.ProviderTxID),
		)
		s.publish(ctx, done, events.WithdrawalCompleted, p.ProviderTxID, "matched provider history")
		return true
	}
	return false
}

// escalate é reemitido a cada passada até um operador resolver a entrada
func (s *Service) escalate(ctx context.Context, e ledger.Entry, now time.Time) {
	s.log.Warn("withdrawal pending beyond escalation threshold, operator action required",
		zap.String("entry_id", e.ID),
		zap.String("user_id", e.UserID),
		zap.String("amount", e.Amount.String()),
		zap.String("address", e.CounterpartyAddress),
		zap.Duration("age", now.Sub(e.CreatedAt)),
	)
	s.publish(ctx, e, events.WithdrawalEscalated, "", "no matching provider payout")
}

type ResolveAction string

const (
	ResolveComplete ResolveAction = "complete"
	ResolveRefund   ResolveAction = "refund"
)

type Resolution struct {
	Action       ResolveAction
	ProviderTxID string
	Note         string
}

// ResolveWithdrawal é a ação manual do operador sobre um saque pending
func (s *Service) ResolveWithdrawal(ctx context.Context, entryID string, r Resolution) (ledger.Entry, ledger.Balance, error) {
	now := s.clock.Now()
	sctx, cancel := detached(ctx, s.cfg.StoreTimeout)
	defer cancel()

	switch r.Action {
	case ResolveComplete:
		if strings.TrimSpace(r.ProviderTxID) == "" {
			return ledger.Entry{}, ledger.Balance{}, inputErr("provider_tx_id", "required to complete a withdrawal")
		}
		e, bal, err := s.store.CompleteWithdrawal(sctx, entryID, strings.TrimSpace(r.ProviderTxID), now)
		if err != nil {
			return ledger.Entry{}, ledger.Balance{}, err
		}
		s.log.Info("withdrawal completed by operator", zap.String("entry_id", e.ID), zap.String("provider_tx_id", e.ExternalReference))
		s.metrics.ObserveReconcile("operator_completed", 1)
		s.publish(ctx, e, events.WithdrawalCompleted, e.ExternalReference, r.Note)
		return e, bal, nil

	case ResolveRefund:
		msg := "refunded by operator"
		if r.Note != "" {
			msg += ": " + r.Note
		}
		e, bal, err := s.store.FailWithdrawal(sctx, entryID, msg, now)
		if err != nil {
			return ledger.Entry{}, ledger.Balance{}, err
		}
		s.log.Info("withdrawal refunded by operator", zap.String("entry_id", e.ID), zap.String("user_id", e.UserID))
		s.metrics.ObserveReconcile("operator_refunded", 1)
		s.publish(ctx, e, events.WithdrawalFailed, "", msg)
		return e, bal, nil

	default:
		return ledger.Entry{}, ledger.Balance{}, inputErr("action", fmt.Sprintf("unknown action %q", r.Action))
	}
}
