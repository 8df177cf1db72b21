// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/streadway/amqp"

	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// Handler processes one delivery. The returned error decides the fate of the
// message: nil acknowledges, ErrTransient retries up to the cap then
// dead-letters, ErrCancelled requeues, anything else acknowledges after
// logging (the handler already recorded the failure on the job).
type Handler func(ctx context.Context, d amqp.Delivery) error

// republisher is the slice of the AMQP channel settle needs to schedule a
// retry.
type republisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ConsumerPool runs n consumers against one queue, each on its own channel
// with prefetch 1. Message handling is sequential per channel; the pool gives
// cross-message parallelism.
type ConsumerPool struct {
	broker   *Broker
	queue    string
	size     int
	retryMax int
	handler  Handler

	wg sync.WaitGroup
}

// NewConsumerPool builds a pool; Start actually begins consuming.
func NewConsumerPool(b *Broker, queue string, size, retryMax int, handler Handler) *ConsumerPool {
	if size < 1 {
		size = 1
	}
	return &ConsumerPool{
		broker:   b,
		queue:    queue,
		size:     size,
		retryMax: retryMax,
		handler:  handler,
	}
}

// Start launches the consumers. They stop when ctx is cancelled; Wait blocks
// until every in-flight message is settled.
func (p *ConsumerPool) Start(ctx context.Context) error {
	for i := 0; i < p.size; i++ {
		ch, err := p.broker.Channel()
		if err != nil {
			return err
		}
		if err := ch.Qos(1, 0, false); err != nil {
			ch.Close()
			return err
		}
		deliveries, err := ch.Consume(p.queue, "", false, false, false, false, nil)
		if err != nil {
			ch.Close()
			return err
		}
		p.wg.Add(1)
		go p.run(ctx, ch, deliveries)
	}
	log.Infof("started %d consumers on queue %s", p.size, p.queue)
	return nil
}

// Wait blocks until all consumers have exited.
func (p *ConsumerPool) Wait() {
	p.wg.Wait()
}

func (p *ConsumerPool) run(ctx context.Context, ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	defer p.wg.Done()
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			p.settle(ctx, ch, d)
		}
	}
}

// settle runs the handler and acknowledges or redelivers per the error kind.
func (p *ConsumerPool) settle(ctx context.Context, ch republisher, d amqp.Delivery) {
	err := p.handler(ctx, d)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Errorf("unable to ack message on %s: %v", p.queue, ackErr) //nolint:errcheck
		}

	case errors.Is(err, model.ErrCancelled):
		// Shutdown in flight; requeue so the next boot resumes the work.
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Errorf("unable to requeue message on %s: %v", p.queue, nackErr) //nolint:errcheck
		}

	case errors.Is(err, model.ErrTransient):
		p.retry(ch, d, err)

	default:
		// Validation, not-found and corruption are not retryable. The handler
		// already recorded the failure where it matters.
		log.Warnf("dropping message on %s after terminal error: %v", p.queue, err) //nolint:errcheck
		if ackErr := d.Ack(false); ackErr != nil {
			log.Errorf("unable to ack message on %s: %v", p.queue, ackErr) //nolint:errcheck
		}
	}
}

// retry republishes with an incremented retry-count header until the cap,
// then rejects without requeue so the DLX routes the message to the DLQ.
func (p *ConsumerPool) retry(ch republisher, d amqp.Delivery, cause error) {
	count := RetryCount(d.Headers)
	if count >= p.retryMax {
		log.Warnf("message on %s exceeded %d retries, dead-lettering: %v", p.queue, p.retryMax, cause) //nolint:errcheck
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Errorf("unable to dead-letter message on %s: %v", p.queue, nackErr) //nolint:errcheck
		}
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[messages.HeaderRetryCount] = int32(count + 1)

	err := ch.Publish(ExchangeName, p.queue, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		// Could not republish; leave the original for redelivery instead.
		log.Errorf("unable to republish retry on %s: %v", p.queue, err) //nolint:errcheck
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Errorf("unable to requeue message on %s: %v", p.queue, nackErr) //nolint:errcheck
		}
		return
	}
	log.Debugf("retry %d/%d scheduled on %s: %v", count+1, p.retryMax, p.queue, cause)
	if ackErr := d.Ack(false); ackErr != nil {
		log.Errorf("unable to ack retried message on %s: %v", p.queue, ackErr) //nolint:errcheck
	}
}

// RetryCount reads the retry-count header, tolerating the integer widths
// different brokers hand back.
func RetryCount(headers amqp.Table) int {
	v, ok := headers[messages.HeaderRetryCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
