package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/strideclub/coach/backend/server/notifications/email"
	storage "github.com/strideclub/coach/backend/storage/cache"
	"github.com/streadway/amqp"
)

// globalCount drives the round-robin assignment of producers to messages.
var globalCount int

// EmailProducerFactory creates EmailProducer instances.
type EmailProducerFactory struct{}

// EmailConsumerFactory creates EmailConsumer instances. It carries the
// cache used to deduplicate deliveries.
type EmailConsumerFactory struct {
	Cache storage.CacheInterface
}

// EmailProducer publishes enrollment confirmation messages.
type EmailProducer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   *amqp.Queue
}

// EmailConsumer consumes enrollment confirmation messages and sends the
// mail, using the cache to make delivery idempotent across requeues.
type EmailConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   *amqp.Queue
	cache   storage.CacheInterface
}

// EmailMessage is an enrollment confirmation to be mailed. Id is the
// enrollment id, which doubles as the dedup key: a replayed enrollment
// request publishes at most one new message, and the consumer-side cache
// swallows broker redeliveries.
type EmailMessage struct {
	Id              string `json:"id"`
	To              string `json:"to"`
	RoutineName     string `json:"routine_name"`
	StartDate       string `json:"start_date"`
	HabitsScheduled int    `json:"habits_scheduled"`
}

// CreateProducer instantiates a new EmailProducer bound to the given
// connection, channel and queue.
func (f *EmailProducerFactory) CreateProducer(conn *amqp.Connection, ch *amqp.Channel, queue *amqp.Queue) (Producer, error) {
	return &EmailProducer{
		conn:    conn,
		channel: ch,
		queue:   queue,
	}, nil
}

// CreateConsumer instantiates a new EmailConsumer bound to the given
// connection, channel and queue, sharing the factory's dedup cache.
func (f *EmailConsumerFactory) CreateConsumer(conn *amqp.Connection, ch *amqp.Channel, queue *amqp.Queue) (Consumer, error) {
	return &EmailConsumer{
		conn:    conn,
		channel: ch,
		queue:   queue,
		cache:   f.Cache,
	}, nil
}

// Publish sends a message body to the queue.
func (ep *EmailProducer) Publish(body []byte) error {
	err := ep.channel.Publish(
		"",            // exchange
		ep.queue.Name, // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish a message: %w", err)
	}

	return nil
}

// Consume sets up a consumer on the queue and launches a worker goroutine
// that reads messages, skips ones already marked processed in the cache,
// and sends the confirmation mail for the rest. Transient failures are
// nacked back onto the queue.
func (ec *EmailConsumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	msgs, err := ec.channel.Consume(
		ec.queue.Name,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case d, ok := <-msgs:

				if !ok {
					return
				}

				message := &EmailMessage{}
				if err := json.Unmarshal(d.Body, message); err != nil {
					log.Printf("failed to unmarshal email message: %v", err)
					d.Nack(false, true) // requeue the message in case of transient error.
					continue
				}

				// Fetch processed state from cache
				processed, err := ec.cache.Get(ctx, "email_"+message.Id)
				if err != nil {
					// Ignore cache misses, handle other errors
					if err.Error() != "key does not exist" {
						log.Printf("error checking cache: %v", err)
						d.Nack(false, true) // requeue the message in case of transient error.
						continue
					}
				}

				if processed != nil {
					d.Ack(false)
					continue
				}

				// The message has not been processed; send the confirmation.
				if err := email.SendEnrollmentConfirmation(message.To, message.RoutineName, message.StartDate, message.HabitsScheduled); err != nil {
					log.Printf("failed to send email: %v", err)
					d.Nack(false, true) // requeue the message in case of transient error.
				} else {
					d.Ack(false)
					if err := ec.cache.Set(ctx, "email_"+message.Id, true); err != nil {
						log.Printf("failed to set key in cache: %v", err)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return msgs, nil
}

// BuildEmailQueue initializes the queue for enrollment confirmation mail
// with the requested number of producers and consumers, all sharing the
// given dedup cache.
func BuildEmailQueue(rabbitMQURL string, numProducers int, numConsumers int, emailCache storage.CacheInterface) *Queue {

	// Producer factories
	prodFactories := make([]ProducerFactory, numProducers)
	for i := 0; i < numProducers; i++ {
		prodFactories[i] = &EmailProducerFactory{}
	}

	// Consumer factories
	consFactories := make([]ConsumerFactory, numConsumers)
	for i := 0; i < numConsumers; i++ {
		consFactories[i] = &EmailConsumerFactory{Cache: emailCache}
	}

	// Initialize the queue
	queue := InitQueue(rabbitMQURL, "enrollmentEmails", prodFactories, consFactories)
	return queue
}

// InitEmailCache initializes the cache used to deduplicate confirmation
// emails.
func InitEmailCache(url string) storage.CacheInterface {
	c, err := storage.NewCache(url)
	if err != nil {
		log.Fatalf("Error connecting to cache: %v", err)
	}
	return c
}

// ProcessEmail serializes an email message and publishes it onto the queue
// using one of the producers in round-robin order.
func ProcessEmail(emailMsg *EmailMessage, emailQueue *Queue) error {

	body, err := json.Marshal(emailMsg)
	if err != nil {
		return errors.New("failed to marshal email message: " + err.Error())
	}

	producerCount := len(emailQueue.Producers)
	if producerCount == 0 {
		return errors.New("no producers available")
	}

	producer := emailQueue.Producers[globalCount%producerCount]
	globalCount++

	if err := producer.Publish(body); err != nil {
		return errors.New("failed to publish email message: " + err.Error())
	}

	return nil
}
