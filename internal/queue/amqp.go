package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// AMQPQueue publishes persistent messages to a durable queue and consumes
// them with manual acknowledgement.
type AMQPQueue struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	subCh    *amqp.Channel
	name     string
	pubMu    sync.Mutex
	msgs     <-chan amqp.Delivery
	subOnce  sync.Once
	subErr   error
	closed   chan struct{}
	closeOne sync.Once
}

func DialAMQP(url, name string, prefetch int) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	subCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if _, err := pubCh.QueueDeclare(name, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := subCh.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &AMQPQueue{
		conn:   conn,
		pubCh:  pubCh,
		subCh:  subCh,
		name:   name,
		closed: make(chan struct{}),
	}, nil
}

func (q *AMQPQueue) Enqueue(_ context.Context, taskID string) error {
	body, err := json.Marshal(taskPayload{TaskID: taskID})
	if err != nil {
		return err
	}
	// amqp channels are not safe for concurrent publishes
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pubCh.Publish("", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    taskID,
		Body:         body,
	})
}

func (q *AMQPQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	q.subOnce.Do(func() {
		q.msgs, q.subErr = q.subCh.Consume(q.name, "", false, false, false, false, nil)
	})
	if q.subErr != nil {
		return nil, fmt.Errorf("consume: %w", q.subErr)
	}
	for {
		select {
		case m, ok := <-q.msgs:
			if !ok {
				return nil, ErrClosed
			}
			var p taskPayload
			if err := json.Unmarshal(m.Body, &p); err != nil || p.TaskID == "" {
				// poison message; drop it
				_ = m.Reject(false)
				continue
			}
			return newDelivery(p.TaskID,
				func() error { return m.Ack(false) },
				func(error) error { return m.Nack(false, true) },
			), nil
		case <-q.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *AMQPQueue) Close() error {
	var err error
	q.closeOne.Do(func() {
		close(q.closed)
		err = q.conn.Close()
	})
	return err
}
