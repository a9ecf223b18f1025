package feed

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

const kafkaTopicPrefix = "latch-changes-"

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan struct{}
}

// KafkaFeed implements Feed using a Kafka backend. Each namespace maps to
// its own topic.
type KafkaFeed struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published uint64
	delivered uint64
}

// NewKafkaFeed creates a new KafkaFeed connecting to the given brokers.
func NewKafkaFeed(brokers []string, cfg *sarama.Config) (*KafkaFeed, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
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
	return &KafkaFeed{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// Publish implements Feed.Publish.
func (f *KafkaFeed) Publish(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: kafkaTopicPrefix + namespace, Value: sarama.StringEncoder("1")}
	if _, _, err := f.producer.SendMessage(msg); err != nil {
		return err
	}
	atomic.AddUint64(&f.published, 1)
	return nil
}

// Subscribe implements Feed.Subscribe.
func (f *KafkaFeed) Subscribe(ctx context.Context, namespace string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	sub := f.subs[namespace]
	if sub == nil {
		pc, err := f.consumer.ConsumePartition(kafkaTopicPrefix+namespace, 0, sarama.OffsetNewest)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		f.subs[namespace] = sub
		go f.dispatch(sub, namespace)
	}
	sub.chans = append(sub.chans, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = f.Unsubscribe(context.Background(), namespace, ch)
	}()
	return ch, nil
}

// dispatch fans consumed messages out to all channels of a subscription.
func (f *KafkaFeed) dispatch(sub *kafkaSubscription, namespace string) {
	for range sub.pc.Messages() {
		f.mu.Lock()
		cur := f.subs[namespace]
		if cur == nil {
			f.mu.Unlock()
			return
		}
		chans := append([]chan struct{}(nil), cur.chans...)
		f.mu.Unlock()
		for _, c := range chans {
			select {
			case c <- struct{}{}:
				atomic.AddUint64(&f.delivered, 1)
			default:
			}
		}
	}
}

// Unsubscribe implements Feed.Unsubscribe.
func (f *KafkaFeed) Unsubscribe(ctx context.Context, namespace string, ch chan struct{}) error {
	f.mu.Lock()
	sub := f.subs[namespace]
	if sub == nil {
		f.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(f.subs, namespace)
		f.mu.Unlock()
		return sub.pc.Close()
	}
	f.mu.Unlock()
	return nil
}

// Close shuts down the producer and consumer.
func (f *KafkaFeed) Close() {
	f.mu.Lock()
	for ns, sub := range f.subs {
		_ = sub.pc.Close()
		delete(f.subs, ns)
	}
	f.mu.Unlock()
	_ = f.producer.Close()
	_ = f.consumer.Close()
}

// Metrics returns current metrics for the feed.
func (f *KafkaFeed) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&f.published),
		Delivered: atomic.LoadUint64(&f.delivered),
	}
}
