// Package jobs hands notification payloads to the job infrastructure over
// kafka. The dispatcher's contract ends at enqueue: workers consuming these
// topics own templating, delivery and retry.
package jobs

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const writeTimeout = 3 * time.Second

// KafkaQueue writes one kafka message per job. The writer runs in async mode
// so Enqueue returns after handing the message to the writer's internal queue;
// broker round trips and retries happen off the caller's path.
type KafkaQueue struct {
	writer     *kafka.Writer
	errCounter prometheus.Counter
}

func NewKafkaQueue(brokers []string, topic string, enablePrometheus bool) *KafkaQueue {
	q := &KafkaQueue{}
	q.writer = &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		Completion: func(messages []kafka.Message, err error) {
			if err == nil {
				return
			}
			// async writes surface their failures here, after internal retries
			logger.Error().Err(err).Str("topic", topic).Int("msgs", len(messages)).Msg("kafka write failed")
			if q.errCounter != nil {
				q.errCounter.Add(float64(len(messages)))
			}
		},
	}
	if enablePrometheus {
		q.errCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "receiptsync",
			Subsystem:   "jobs",
			Name:        "num_write_failures",
			Help:        "Number of job payloads kafka failed to accept",
			ConstLabels: prometheus.Labels{"topic": topic},
		})
		prometheus.MustRegister(q.errCounter)
	}
	return q
}

// Enqueue writes one job. jobType becomes the message key so all jobs of a
// kind land on the same partition and are consumed in order.
func (q *KafkaQueue) Enqueue(ctx context.Context, jobType string, payload []byte) error {
	ctx2, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return q.writer.WriteMessages(ctx2, kafka.Message{
		Key:   []byte(jobType),
		Value: payload,
	})
}

func (q *KafkaQueue) Close() error {
	if q.errCounter != nil {
		prometheus.Unregister(q.errCounter)
	}
	return q.writer.Close()
}
