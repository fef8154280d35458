package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	skafka "github.com/radieske/coin-settlement/internal/shared/kafka"
	"github.com/radieske/coin-settlement/pkg/contracts/events"
)

// Roda contra um broker real apenas quando KAFKA_TEST_BROKERS está definido
func TestPublishWithdrawalRoundTrip(t *testing.T) {
	brokers := os.Getenv("KAFKA_TEST_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_TEST_BROKERS not set")
	}
	topic := fmt.Sprintf("settlement_withdrawals_test_%d", time.Now().UnixNano())
	pub := NewKafkaPublisher(skafka.NewWriter(brokers, topic), skafka.NewWriter(brokers, topic+"_deposits"))
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	want := events.WithdrawalSettled{
		Type:         events.WithdrawalCompleted,
		EntryID:      "e-1",
		UserID:       "u-1",
		Amount:       "5",
		Currency:     "DOGE",
		Status:       "completed",
		ProviderTxID: "p-1",
	}
	// o tópico é criado automaticamente na primeira escrita; pode falhar até o líder subir
	var err error
	for i := 0; i < 10; i++ {
		if err = pub.PublishWithdrawal(ctx, want); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   strings.Split(brokers, ","),
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer r.Close()

	msg, err := r.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Key) != "u-1" {
		t.Fatalf("expected key u-1, got %q", msg.Key)
	}
	var got events.WithdrawalSettled
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.EntryID != want.EntryID || got.Type != want.Type || got.Ts.IsZero() {
		t.Fatalf("unexpected event %+v", got)
	}
}
