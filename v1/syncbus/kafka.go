package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc   sarama.PartitionConsumer
	subs []*subscriber
}

// KafkaBus implements Bus using a Kafka backend. Each key maps to a topic
// named by Topic; events are produced to and consumed from partition 0, which
// keeps them ordered.
type KafkaBus struct {
	client    sarama.Client
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. A nil
// cfg uses sarama defaults.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
		pending:  make(map[string]struct{}),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	pk := pendingKey(key, ev)
	b.mu.Lock()
	if _, ok := b.pending[pk]; ok {
		b.mu.Unlock()
		return nil // deduplicate
	}
	b.pending[pk] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, pk)
		b.mu.Unlock()
	}()

	msg := &sarama.ProducerMessage{
		Topic:     Topic(key),
		Partition: 0,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. Only events produced after the call
// are delivered.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newSubscriber()
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(Topic(key), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			s.close()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[key] = sub
		go b.dispatch(sub)
	}
	sub.subs = append(sub.subs, s)
	b.mu.Unlock()

	unsubscribeOnDone(ctx, b, key, s.ch)
	return s.ch, nil
}

func (b *KafkaBus) dispatch(sub *kafkaSubscription) {
	for msg := range sub.pc.Messages() {
		ev, ok := decodeEvent(msg.Value)
		if !ok {
			continue
		}
		b.mu.Lock()
		b.delivered.Add(fanout(sub.subs, ev))
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	sub.subs = removeSub(sub.subs, ch)
	if len(sub.subs) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	for key, sub := range b.subs {
		for _, s := range sub.subs {
			s.close()
		}
		delete(b.subs, key)
	}
	b.mu.Unlock()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	return b.client.Close()
}
