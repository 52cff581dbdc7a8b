// Package eventsink forwards event bus traffic to Kafka as structured
// CloudEvents.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"docconv/internal/eventbus"
	logx "docconv/pkg/logx"
)

const contentType = "application/cloudevents+json; charset=UTF-8"

type Config struct {
	Brokers []string
	Topic   string
	Source  string
}

// Sink publishes every event it receives. Delivery failures are logged and
// counted; they never block the producer of the event.
type Sink struct {
	cfg      Config
	log      logx.Logger
	producer sarama.SyncProducer
	warn     *logx.Throttle

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New connects a synchronous producer to cfg.Brokers.
func New(cfg Config, log logx.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("eventsink: no brokers")
	}
	sc := sarama.NewConfig()
	sc.ClientID = "docconv"
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("eventsink: connect %s: %w", strings.Join(cfg.Brokers, ","), err)
	}
	return NewWithProducer(p, cfg, log), nil
}

func NewWithProducer(p sarama.SyncProducer, cfg Config, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Topic == "" {
		cfg.Topic = "docconv.tasks"
	}
	if cfg.Source == "" {
		cfg.Source = "docconv"
	}
	return &Sink{cfg: cfg, log: log, producer: p, warn: logx.NewThrottle(30*time.Second, 3)}
}

// Run forwards events until ctx is done or events is closed.
func (s *Sink) Run(ctx context.Context, events <-chan eventbus.Event) error {
	s.log.Info("event sink started", logx.String("topic", s.cfg.Topic), logx.String("brokers", strings.Join(s.cfg.Brokers, ",")))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Send(e); err != nil {
				s.warn.Warn(s.log, "event delivery failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

// Send publishes one event, keyed by its Key() when the payload has one.
func (s *Sink) Send(e eventbus.Event) error {
	b, err := s.encode(e)
	if err != nil {
		s.failed.Add(1)
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:   s.cfg.Topic,
		Value:   sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{{Key: []byte("content-type"), Value: []byte(contentType)}},
	}
	if k, ok := e.Data.(interface{ Key() string }); ok && k.Key() != "" {
		msg.Key = sarama.StringEncoder(k.Key())
	}
	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		s.failed.Add(1)
		return err
	}
	s.sent.Add(1)
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("event delivered", logx.String("type", e.Type), logx.Int("partition", int(partition)), logx.Int64("offset", offset))
	}
	return nil
}

func (s *Sink) encode(e eventbus.Event) ([]byte, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(uuid.NewString())
	ce.SetSource(s.cfg.Source)
	ce.SetType("docconv." + e.Type)
	ce.SetTime(e.Time)
	if k, ok := e.Data.(interface{ Key() string }); ok {
		ce.SetSubject(k.Key())
	}
	if err := ce.SetData(cloudevents.ApplicationJSON, e.Data); err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	if err := ce.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event %s: %w", e.Type, err)
	}
	return json.Marshal(ce)
}

// Counters returns delivered and failed totals.
func (s *Sink) Counters() (sent, failed uint64) {
	return s.sent.Load(), s.failed.Load()
}

func (s *Sink) Close() error {
	return s.producer.Close()
}
