package task

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "wallets-quickstart/internal/errors"
)

func TestTaskIDOfPrefersMessageID(t *testing.T) {
	if got := taskIDOf(amqp.Delivery{MessageId: "task-1", Body: []byte("ignored")}); got != "task-1" {
		t.Fatalf("expected message id, got %q", got)
	}
	if got := taskIDOf(amqp.Delivery{Body: []byte(" task-2\n")}); got != "task-2" {
		t.Fatalf("expected trimmed body, got %q", got)
	}
}

func TestRabbitMQQueueValidation(t *testing.T) {
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	var q *RabbitMQQueue
	if err := q.Publish(context.Background(), "task-1"); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("nil queue publish should fail with initialization error, got %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("closing a nil queue should be a no-op: %v", err)
	}
}
