// Package events publishes dataset refresh notifications to Kafka.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// Refreshed is published after a freshly computed payload was committed.
type Refreshed struct {
	Dataset    string    `json:"dataset"`
	Key        string    `json:"key"`
	Bytes      int       `json:"bytes"`
	Chunks     int       `json:"chunks,omitempty"`
	Features   int       `json:"features,omitempty"`
	ProducedAt time.Time `json:"produced_at"`
}

type Publisher interface {
	// Publish never blocks the request path; events are dropped when the
	// queue is full.
	Publish(ev Refreshed)
	Close() error
}

type Nop struct{}

func (Nop) Publish(Refreshed) {}
func (Nop) Close() error      { return nil }

// Config returns the producer config used for refresh events.
func Config() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	return cfg
}

type Kafka struct {
	topic   string
	events  chan Refreshed
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
	errsWG  sync.WaitGroup
	dropped int64
	closed  bool
	mu      sync.Mutex
}

func NewKafka(brokers []string, topic string, queueSize int, log *slog.Logger) (*Kafka, error) {
	prod, err := sarama.NewAsyncProducer(brokers, Config())
	if err != nil {
		return nil, fmt.Errorf("events: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer starts a publisher on an existing producer, which it takes
// ownership of.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Kafka {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Kafka{
		topic:   topic,
		events:  make(chan Refreshed, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("events: marshal failed", "error", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Dataset),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	p.errsWG.Add(1)
	go func() {
		defer p.errsWG.Done()
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("events: producer error", "error", err)
			}
		}
	}()

	return p
}

func (p *Kafka) Publish(ev Refreshed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.dropped++
		return
	}
	select {
	case p.events <- ev:
	default:
		p.dropped++
	}
}

// Dropped reports events discarded because the queue was full.
func (p *Kafka) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Kafka) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	<-p.stopped

	err := p.prod.Close()
	p.errsWG.Wait()
	if err != nil {
		return fmt.Errorf("events: close producer: %w", err)
	}
	return nil
}
