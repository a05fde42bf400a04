// Package queue serves classify requests over RabbitMQ using the
// request/reply pattern: results go to the delivery's ReplyTo queue with
// the same CorrelationId.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/redrot-api/internal/classifier"
	"github.com/Brownie44l1/redrot-api/internal/model"
)

// Reply is the message body published back to the requester. Exactly one
// of Result and Error is set.
type Reply struct {
	Result *model.PredictionResponse `json:"result,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

type Worker struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queue      string
	classifier *classifier.Service
	log        logrus.FieldLogger
}

func Dial(url, queue string, svc *classifier.Service, logger logrus.FieldLogger) (*Worker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = channel.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	// one image at a time per worker
	if err := channel.Qos(1, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &Worker{
		conn:       conn,
		channel:    channel,
		queue:      queue,
		classifier: svc,
		log:        logger.WithField("queue", queue),
	}, nil
}

// Run consumes until ctx is done or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.channel.ConsumeWithContext(ctx,
		w.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", w.queue, err)
	}
	w.log.Info("Queue worker started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", w.queue)
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	log := w.log.WithField("correlation_id", d.CorrelationId)
	body := w.process(ctx, d.CorrelationId, d.Body)

	if d.ReplyTo != "" {
		err := w.channel.PublishWithContext(ctx,
			"",        // exchange
			d.ReplyTo, // routing key
			false,     // mandatory
			false,     // immediate
			amqp.Publishing{
				ContentType:   "application/json",
				CorrelationId: d.CorrelationId,
				Body:          body,
			})
		if err != nil {
			log.WithError(err).Error("Failed to publish reply")
		}
	} else {
		log.Warn("Request has no reply queue, result dropped")
	}

	// failures are terminal, never requeue
	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("Failed to ack delivery")
	}
}

// process turns one request body into a reply body.
func (w *Worker) process(ctx context.Context, id string, body []byte) []byte {
	var reply Reply

	var req model.DataURLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		reply.Error = "invalid JSON"
	} else if res, err := w.classifier.ClassifyDataURL(ctx, id, req); err != nil {
		w.log.WithError(err).WithField("correlation_id", id).Warn("Classification failed")
		reply.Error = err.Error()
	} else {
		reply.Result = res
	}

	out, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"error":"failed to encode reply"}`)
	}
	return out
}

func (w *Worker) Close() {
	if w.channel != nil {
		w.channel.Close()
	}
	if w.conn != nil {
		w.conn.Close()
	}
}
