package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// exchangeName is the topic exchange all job snapshots flow through; the
// routing key is the channel name, so consumers bind sync_job.* or a single
// job's channels.
const exchangeName = "driftsync.progress"

// AMQPBroker publishes snapshots through a topic exchange, for deployments
// that already run RabbitMQ instead of redis.
type AMQPBroker struct {
	conn *amqp.Connection

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPBroker dials the broker, opens a publishing channel and declares the
// progress exchange.
func NewAMQPBroker(url string) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("progress: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("progress: open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("progress: declare exchange %s: %w", exchangeName, err)
	}
	return &AMQPBroker{conn: conn, ch: ch}, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.Publish(exchangeName, channel, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
	}
	return b.conn.Close()
}
