// Package queue wires the consolidation worker to RabbitMQ: topology setup,
// batch publishing and message handling with retry and dead-letter queues.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/threatgraph/consolidator/internal/util"
	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rabbitmq/amqp091-go"
)

// ConsolidateQueue carries chunk-extraction batches into the worker.
const ConsolidateQueue = "consolidate_queue"

// ConsolidateMessage is the wire format of one queued batch: the chunk jobs
// of a single document, tagged with an opaque batch id for log correlation.
type ConsolidateMessage struct {
	BatchID string            `json:"batch_id"`
	Jobs    []common.ChunkJob `json:"jobs"`
}

func Init() *amqp091.Connection {
	user := util.GetEnv("RABBITMQ_USER")
	pass := util.GetEnv("RABBITMQ_PASSWORD")
	host := util.GetEnv("RABBITMQ_HOST")
	port := util.GetEnv("RABBITMQ_PORT")

	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		user,
		pass,
		host,
		port,
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

// SetupQueues declares each queue together with its retry queue (messages
// parked there dead-letter back after a TTL) and its dead-letter queue for
// messages that exhausted their retries.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			logger.Fatal("QueueDeclare failed", "queue", name, "err", err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			logger.Fatal("QueueDeclare failed", "queue", dlqName, "err", err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(10000),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			logger.Fatal("QueueDeclare failed", "queue", retryName, "err", err)
		}
	}

	return nil
}

// PublishBatch enqueues one batch of chunk jobs. An empty batch id is filled
// with a fresh opaque id; the id used is returned for correlation.
func PublishBatch(ch *amqp091.Channel, queueName string, msg ConsolidateMessage) (string, error) {
	if msg.BatchID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return "", err
		}
		msg.BatchID = id
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return "", err
	}

	err = ch.Publish(
		"",
		q.Name,
		false,
		false,
		amqp091.Publishing{
			ContentType:   "application/json",
			CorrelationId: msg.BatchID,
			Body:          body,
			DeliveryMode:  amqp091.Persistent,
			Timestamp:     time.Now(),
		},
	)
	if err != nil {
		return "", err
	}

	return msg.BatchID, nil
}
