// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package broker

import (
	"fmt"

	"github.com/streadway/amqp"

	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// originalQueues maps the MessageType header back to the queue the message
// was born on. Recovery trusts this table and nothing else.
var originalQueues = map[string]string{
	messages.TypeLibraryScan:    messages.TypeLibraryScan,
	messages.TypeCollectionScan: messages.TypeCollectionScan,
	messages.TypeImageProcess:   messages.TypeImageProcess,
	messages.TypeThumbnailGen:   messages.TypeThumbnailGen,
	messages.TypeCacheGen:       messages.TypeCacheGen,
}

// OriginalQueueFor resolves the home queue for a MessageType header value.
func OriginalQueueFor(msgType string) (string, bool) {
	q, ok := originalQueues[msgType]
	return q, ok
}

// RecoveryStats reports one DLQ drain.
type RecoveryStats struct {
	Republished map[string]int `json:"republished"`
	Unknown     int            `json:"unknown"`
}

// dlqChannel is the slice of the AMQP channel the drain uses.
type dlqChannel interface {
	QueueInspect(name string) (amqp.Queue, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RecoverDLQ drains the dead-letter queue once, republishing every message to
// its original queue with the redelivery marker set. Messages without a valid
// MessageType header are left in place and counted. Safe to run on every
// worker boot: all downstream handlers are idempotent.
func (b *Broker) RecoverDLQ() (RecoveryStats, error) {
	ch, err := b.Channel()
	if err != nil {
		return RecoveryStats{Republished: map[string]int{}}, err
	}
	defer ch.Close()
	return drainDLQ(ch)
}

func drainDLQ(ch dlqChannel) (RecoveryStats, error) {
	stats := RecoveryStats{Republished: map[string]int{}}

	state, err := ch.QueueInspect(DLQName)
	if err != nil {
		return stats, fmt.Errorf("unable to inspect dlq: %v: %w", err, model.ErrTransient)
	}
	if state.Messages == 0 {
		return stats, nil
	}
	log.Infof("dlq recovery: draining %d messages", state.Messages)

	// Messages without a routable type are held unacked for the whole drain,
	// so each is fetched at most once and the messages queued behind them
	// still get their turn. They go back to the queue afterwards.
	var unknowns []amqp.Delivery
	for i := 0; i < state.Messages; i++ {
		d, ok, err := ch.Get(DLQName, false)
		if err != nil {
			return stats, fmt.Errorf("unable to get from dlq: %v: %w", err, model.ErrTransient)
		}
		if !ok {
			break
		}

		msgType, _ := d.Headers[messages.HeaderMessageType].(string)
		queue, known := OriginalQueueFor(msgType)
		if !known {
			stats.Unknown++
			unknowns = append(unknowns, d)
			continue
		}

		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers[messages.HeaderRedeliveredFromDLQ] = true

		err = ch.Publish(ExchangeName, queue, false, false, amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         d.Body,
		})
		if err != nil {
			// Leave the message for the next drain; anything still held
			// unacked goes back when the channel closes.
			if nackErr := d.Nack(false, true); nackErr != nil {
				return stats, fmt.Errorf("unable to requeue dlq message: %v: %w", nackErr, model.ErrTransient)
			}
			return stats, fmt.Errorf("unable to republish dlq message to %s: %v: %w", queue, err, model.ErrTransient)
		}
		if err := d.Ack(false); err != nil {
			return stats, fmt.Errorf("unable to ack dlq message: %v: %w", err, model.ErrTransient)
		}
		stats.Republished[queue]++
	}

	for i := range unknowns {
		if err := unknowns[i].Nack(false, true); err != nil {
			return stats, fmt.Errorf("unable to requeue unknown dlq message: %v: %w", err, model.ErrTransient)
		}
	}

	if stats.Unknown > 0 {
		log.Warnf("dlq recovery: %d messages without a valid MessageType header left in place", stats.Unknown) //nolint:errcheck
	}
	for queue, n := range stats.Republished {
		log.Infof("dlq recovery: republished %d messages to %s", n, queue)
	}
	return stats, nil
}
