package summary

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/harunnryd/callguide/pkg/logging"
)

type KafkaConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Brokers   []string      `mapstructure:"brokers"`
	Topic     string        `mapstructure:"topic"`
	Principal string        `mapstructure:"principal"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes summaries keyed by call id. Without brokers it only
// logs.
type KafkaPublisher struct {
	writer    messageWriter
	topic     string
	principal string
	logger    *slog.Logger
}

func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	logger = logging.NewComponentLogger(logger, "summary_kafka")
	p := &KafkaPublisher{topic: cfg.Topic, principal: cfg.Principal, logger: logger}
	if p.topic == "" {
		p.topic = "call-summaries"
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info("kafka disabled, using log-only mode")
		return p
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &kafka.Dialer{Timeout: timeout, DualStack: true}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        p.topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: timeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	logger.Info("kafka publisher initialized", "brokers", cfg.Brokers, "topic", p.topic)
	return p
}

func (p *KafkaPublisher) Enabled() bool { return p.writer != nil }

func (p *KafkaPublisher) Publish(ctx context.Context, s CallSummary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if p.writer == nil {
		p.logger.Debug("summary publish skipped", "topic", p.topic, "call_id", s.CallID, "bytes", len(payload))
		return nil
	}
	msg := kafka.Message{
		Key:   []byte(s.CallID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("call.summary")},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("kafka write failed", "topic", p.topic, "call_id", s.CallID, "error", err)
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
