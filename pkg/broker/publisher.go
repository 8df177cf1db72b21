// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
)

// Publisher sends stage messages to the exchange. The routing key always
// equals the MessageType header, so a message lands in exactly one queue.
type Publisher struct {
	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher opens a dedicated channel for publishing.
func NewPublisher(b *Broker) (*Publisher, error) {
	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

// Publish marshals msg and sends it with the given message type.
func (p *Publisher) Publish(msgType string, msg interface{}) error {
	body, err := messages.Encode(msg)
	if err != nil {
		return fmt.Errorf("unable to encode %s message: %v: %w", msgType, err, model.ErrValidation)
	}
	return p.PublishRaw(msgType, body, amqp.Table{})
}

// PublishRaw sends a pre-encoded body. extraHeaders are merged over the
// standard ones; DLQ recovery uses this to preserve original headers.
func (p *Publisher) PublishRaw(msgType string, body []byte, extraHeaders amqp.Table) error {
	headers := amqp.Table{}
	for k, v := range extraHeaders {
		headers[k] = v
	}
	headers[messages.HeaderMessageType] = msgType

	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Publish(ExchangeName, msgType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("unable to publish %s message: %v: %w", msgType, err, model.ErrTransient)
	}
	return nil
}

// Close releases the channel.
func (p *Publisher) Close() error {
	return p.ch.Close()
}
