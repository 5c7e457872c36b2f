package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"collabengine/internal/backoff"
)

// ErrSinkClosed is returned by Record after Close.
var ErrSinkClosed = errors.New("analytics sink closed")

// KafkaOptions tunes the Kafka dispatcher.
type KafkaOptions struct {
	QueueSize int
	Workers   int
	MaxRetry  int
	Backoff   backoff.Policy
}

// DefaultKafkaOptions mirrors the sizing used for document-op events.
func DefaultKafkaOptions() KafkaOptions {
	return KafkaOptions{
		QueueSize: 10_000,
		Workers:   4,
		MaxRetry:  3,
		Backoff:   backoff.Policy{Base: 50 * time.Millisecond, Max: time.Second, Multiplier: 2},
	}
}

// KafkaSink queues metrics locally and sends them from worker goroutines
// with bounded retries. Record only enqueues; when Kafka stalls the queue
// absorbs the backlog, and metrics are dropped once retries run out.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	opts     KafkaOptions
	logger   *zap.Logger

	mu     sync.RWMutex
	queue  chan Metric
	closed bool
	wg     sync.WaitGroup
}

// NewKafkaSink starts the workers. The sink owns producer and closes it.
func NewKafkaSink(producer sarama.SyncProducer, topic string, opts KafkaOptions, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	k := &KafkaSink{
		producer: producer,
		topic:    topic,
		queue:    make(chan Metric, opts.QueueSize),
		opts:     opts,
		logger:   logger.Named("kafka"),
	}
	for i := 0; i < opts.Workers; i++ {
		k.wg.Add(1)
		go k.workerLoop(i)
	}
	return k
}

// NewKafkaProducer builds the sync producer used by the sink.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}

// Record implements Sink. It waits for queue space until ctx ends.
func (k *KafkaSink) Record(ctx context.Context, m Metric) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrSinkClosed
	}
	select {
	case k.queue <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KafkaSink) workerLoop(workerID int) {
	defer k.wg.Done()
	for m := range k.queue {
		k.sendWithRetry(workerID, m)
	}
}

func (k *KafkaSink) sendWithRetry(workerID int, m Metric) {
	for attempt := 0; attempt <= k.opts.MaxRetry; attempt++ {
		err := k.sendOnce(m)
		if err == nil {
			return
		}
		if attempt == k.opts.MaxRetry {
			k.logger.Warn("kafka send failed, dropping metric",
				zap.String("metric", m.Name),
				zap.String("session_id", m.SessionID),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}
		time.Sleep(k.opts.Backoff.Delay(attempt, 0.5))
	}
}

func (k *KafkaSink) sendOnce(m Metric) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(m.SessionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = k.producer.SendMessage(msg)
	return err
}

// Close stops accepting metrics, lets the workers finish the queue and
// closes the producer.
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()

	k.wg.Wait()
	return k.producer.Close()
}
