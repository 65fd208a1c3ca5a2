package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Dequeue once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue carries task ids from intake to workers with at-least-once delivery.
// A delivery that is neither acked nor nacked before the process dies is
// redelivered by backends that support it.
type Queue interface {
	Enqueue(ctx context.Context, taskID string) error
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery is one handed-out task id. Exactly one of Ack or Nack takes effect.
type Delivery struct {
	TaskID string

	once sync.Once
	ack  func() error
	nack func(reason error) error
}

func newDelivery(taskID string, ack func() error, nack func(error) error) *Delivery {
	return &Delivery{TaskID: taskID, ack: ack, nack: nack}
}

// Ack marks the delivery as handled.
func (d *Delivery) Ack() error {
	var err error
	d.once.Do(func() {
		if d.ack != nil {
			err = d.ack()
		}
	})
	return err
}

// Nack hands the delivery back for redelivery.
func (d *Delivery) Nack(reason error) error {
	var err error
	d.once.Do(func() {
		if d.nack != nil {
			err = d.nack(reason)
		}
	})
	return err
}
