package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	skafka "github.com/radieske/coin-settlement/internal/shared/kafka"
	"github.com/radieske/coin-settlement/pkg/contracts/events"
)

// KafkaPublisher publica os eventos de liquidação; a chave é o userId para manter a ordem por usuário
type KafkaPublisher struct {
	Withdrawals *kafka.Writer
	Deposits    *kafka.Writer
}

func NewKafkaPublisher(withdrawals, deposits *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{Withdrawals: withdrawals, Deposits: deposits}
}

func (p *KafkaPublisher) PublishWithdrawal(ctx context.Context, e events.WithdrawalSettled) error {
	if e.Ts.IsZero() {
		e.Ts = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return skafka.WriteJSON(ctx, p.Withdrawals, e.UserID, b)
}

func (p *KafkaPublisher) PublishDeposit(ctx context.Context, e events.DepositSettled) error {
	if e.Ts.IsZero() {
		e.Ts = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return skafka.WriteJSON(ctx, p.Deposits, e.UserID, b)
}

// Close fecha os writers
func (p *KafkaPublisher) Close() error {
	err := p.Withdrawals.Close()
	if derr := p.Deposits.Close(); err == nil {
		err = derr
	}
	return err
}
