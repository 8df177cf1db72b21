// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package broker owns the AMQP topology of the ingestion pipeline: one topic
// exchange, one durable queue per stage (queue name equals routing key), and
// a single dead-letter queue fed by TTL expiry and exhausted retries.
package broker

import (
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// ExchangeName is the single topic exchange all pipeline traffic rides on.
const ExchangeName = "imageviewer.exchange"

// DLQName is the dead-letter sink queue.
const DLQName = "dlq"

const dialMaxElapsed = 30 * time.Second

// Broker wraps the shared connection handle. Channels are cheap; each
// consumer and publisher opens its own.
type Broker struct {
	conn *amqp.Connection
}

// Connect dials the broker with exponential backoff.
func Connect(uri string) (*Broker, error) {
	var conn *amqp.Connection
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = dialMaxElapsed
	err := backoff.Retry(func() error {
		var err error
		conn, err = amqp.Dial(uri)
		if err != nil {
			log.Debugf("broker dial failed, retrying: %v", err)
		}
		return err
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to broker: %v: %w", err, model.ErrTransient)
	}
	return &Broker{conn: conn}, nil
}

// Channel opens a new channel on the shared connection.
func (b *Broker) Channel() (*amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("unable to open channel: %v: %w", err, model.ErrTransient)
	}
	return ch, nil
}

// Close shuts the connection down.
func (b *Broker) Close() error {
	return b.conn.Close()
}

// DeclareTopology declares the exchange, the five stage queues and the DLQ.
// Safe to call from every role at startup; declarations are idempotent.
func (b *Broker) DeclareTopology(messageTTLMs int) error {
	ch, err := b.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("unable to declare exchange: %v: %w", err, model.ErrTransient)
	}

	stageArgs := amqp.Table{
		"x-message-ttl":             int32(messageTTLMs),
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": DLQName,
	}
	for _, queue := range messages.QueueNames {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, stageArgs); err != nil {
			return fmt.Errorf("unable to declare queue %s: %v: %w", queue, err, model.ErrTransient)
		}
		if err := ch.QueueBind(queue, queue, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("unable to bind queue %s: %v: %w", queue, err, model.ErrTransient)
		}
	}

	if _, err := ch.QueueDeclare(DLQName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("unable to declare dlq: %v: %w", err, model.ErrTransient)
	}
	if err := ch.QueueBind(DLQName, DLQName, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("unable to bind dlq: %v: %w", err, model.ErrTransient)
	}

	log.Infof("broker topology declared: exchange=%s queues=%v ttl=%dms", ExchangeName, messages.QueueNames, messageTTLMs)
	return nil
}
