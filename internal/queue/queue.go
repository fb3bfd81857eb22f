// Package queue owns the RabbitMQ topology and the research job consumer.
// Each submitted case travels as one durable message; failed jobs park on a
// TTL retry queue that dead-letters back to the main queue, and give up to
// the DLQ after bounded redelivery.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/veska-bio/loom/internal/util"
	"github.com/veska-bio/loom/pkg/logger"
)

var log = logger.Tagged("Queue")

const (
	// ResearchQueue carries one message per submitted case.
	ResearchQueue = "research_queue"

	// retryDelay is how long a failed job waits on the retry queue before
	// it dead-letters back to the main queue.
	retryDelay = 10 * time.Second
)

// RetryQueue names the TTL holding queue for a main queue.
func RetryQueue(name string) string {
	return name + "_retry"
}

// DLQ names the dead-letter queue for a main queue.
func DLQ(name string) string {
	return name + "_dlq"
}

// Init dials RabbitMQ from RABBITMQ_* environment variables.
func Init() (*amqp091.Connection, error) {
	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		util.GetEnv("RABBITMQ_USER"),
		util.GetEnv("RABBITMQ_PASSWORD"),
		util.GetEnv("RABBITMQ_HOST"),
		util.GetEnv("RABBITMQ_PORT"),
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// SetupQueues declares the research queue with its retry and dead-letter
// companions. Declarations are idempotent, so both daemons call this at
// boot.
func SetupQueues(ch *amqp091.Channel) error {
	_, err := ch.QueueDeclare(
		ResearchQueue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", ResearchQueue, err)
	}

	_, err = ch.QueueDeclare(
		DLQ(ResearchQueue),
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", DLQ(ResearchQueue), err)
	}

	_, err = ch.QueueDeclare(
		RetryQueue(ResearchQueue),
		true,
		false,
		false,
		false,
		amqp091.Table{
			"x-message-ttl":             int32(retryDelay.Milliseconds()),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": ResearchQueue,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", RetryQueue(ResearchQueue), err)
	}

	return nil
}

// PublishFIFO publishes a persistent message directly to the named queue.
func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte) error {
	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	return ch.Publish(
		"",
		q.Name,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         data,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// PublishResearchJob enqueues a case for the worker daemon.
func PublishResearchJob(ch *amqp091.Channel, msg ResearchJobMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal research job: %w", err)
	}
	if err := PublishFIFO(ch, ResearchQueue, data); err != nil {
		return fmt.Errorf("failed to publish research job: %w", err)
	}

	log.Info("research job queued", "case", msg.CaseID, "directions", len(msg.Directions))
	return nil
}

// maxDeliveries bounds redelivery. Interrupted cases resume from their
// checkpoint, so a handful of attempts is enough before an operator should
// look at the message.
const maxDeliveries = 5

// HandleFailure routes a failed delivery to the retry queue, or to the DLQ
// once its redelivery budget is spent. The message is always settled.
func HandleFailure(ch *amqp091.Channel, msg amqp091.Delivery, queueName string) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	if retries >= maxDeliveries {
		dlqName := DLQ(queueName)
		log.Warn("delivery budget spent, parking message", "queue", queueName, "dlq", dlqName)
		err := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp091.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if err != nil {
			log.Error("failed to publish to DLQ", "dlq", dlqName, "error", err)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	headers := msg.Headers
	if headers == nil {
		headers = amqp091.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	retryName := RetryQueue(queueName)
	err := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if err != nil {
		log.Error("failed to publish to retry queue", "queue", retryName, "error", err)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
