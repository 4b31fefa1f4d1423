// Package events publishes small JSON lifecycle events to Kafka on capture
// and index completion, so a fleet can trigger downstream retention sweeps
// or indexing jobs without polling the snapshot directory itself.
package events

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kurtbrose/objex/pkg/metrics"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"github.com/xdg-go/scram"
)

// Config configures the Kafka lifecycle-event publisher.
type Config struct {
	Enabled bool          `yaml:"enabled"`
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout"`

	SASLEnabled   bool   `yaml:"sasl_enabled"`
	SASLUser      string `yaml:"sasl_user"`
	SASLPassword  string `yaml:"sasl_password"`
	SASLMechanism string `yaml:"sasl_mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
}

// Kind names the lifecycle moment an Event reports.
type Kind string

const (
	KindCaptureComplete  Kind = "capture-complete"
	KindAnalysisComplete Kind = "analysis-complete"
)

// Event is the JSON payload published to the configured topic.
type Event struct {
	Kind      Kind      `json:"kind"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	NodeCount int64     `json:"node_count"`
}

// Publisher publishes Events to Kafka. A disabled Publisher's Publish calls
// are no-ops, so callers don't need to branch on Config.Enabled themselves.
type Publisher struct {
	config   Config
	logger   *logrus.Logger
	producer sarama.AsyncProducer
	done     chan struct{}
}

// New constructs a Publisher. When config.Enabled is false, no Kafka
// connection is attempted and Close is a no-op.
func New(config Config, logger *logrus.Logger) (*Publisher, error) {
	if !config.Enabled {
		return &Publisher{config: config, logger: logger}, nil
	}
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("events: no brokers configured")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("events: no topic configured")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal

	if config.Timeout > 0 {
		saramaConfig.Net.DialTimeout = config.Timeout
		saramaConfig.Net.ReadTimeout = config.Timeout
		saramaConfig.Net.WriteTimeout = config.Timeout
	}

	if config.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUser
		saramaConfig.Net.SASL.Password = config.SASLPassword

		switch strings.ToUpper(config.SASLMechanism) {
		case "SCRAM-SHA-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: scramSHA256}
			}
		case "SCRAM-SHA-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: scramSHA512}
			}
		default:
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	producer, err := sarama.NewAsyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("events: failed to create producer: %w", err)
	}

	p := &Publisher{config: config, logger: logger, producer: producer, done: make(chan struct{})}
	go p.handleResponses()

	logger.WithFields(logrus.Fields{"brokers": config.Brokers, "topic": config.Topic}).Info("events: publisher started")
	return p, nil
}

func (p *Publisher) handleResponses() {
	defer close(p.done)
	for {
		select {
		case success, ok := <-p.producer.Successes():
			if !ok {
				return
			}
			p.logger.WithFields(logrus.Fields{"topic": success.Topic, "partition": success.Partition, "offset": success.Offset}).
				Debug("events: lifecycle event delivered")
		case err, ok := <-p.producer.Errors():
			if !ok {
				return
			}
			p.logger.WithError(err.Err).Warn("events: failed to publish lifecycle event")
		}
	}
}

// Publish sends one lifecycle event. Publishing never blocks the caller on
// broker acknowledgement and a disabled or failing publisher never returns
// an error — publish failures are logged, not propagated, since no capture
// or index operation should fail because Kafka is unreachable.
func (p *Publisher) Publish(event Event) {
	if !p.config.Enabled {
		return
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Warn("events: failed to marshal lifecycle event")
		metrics.RecordEventPublished(string(event.Kind), "marshal_error")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(event.Kind),
		Value: sarama.ByteEncoder(value),
	}

	select {
	case p.producer.Input() <- msg:
		metrics.RecordEventPublished(string(event.Kind), "queued")
	default:
		p.logger.Warn("events: producer input full, dropping lifecycle event")
		metrics.RecordEventPublished(string(event.Kind), "dropped")
	}
}

// Close shuts down the underlying Kafka producer, if one was started.
func (p *Publisher) Close() error {
	if !p.config.Enabled || p.producer == nil {
		return nil
	}
	err := p.producer.Close()
	<-p.done
	return err
}

var (
	scramSHA256 scram.HashGeneratorFcn = sha256.New
	scramSHA512 scram.HashGeneratorFcn = sha512.New
)

// xdgSCRAMClient adapts github.com/xdg-go/scram to sarama.SCRAMClient.
type xdgSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (x *xdgSCRAMClient) Begin(userName, password, authzID string) (err error) {
	x.Client, err = x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

func (x *xdgSCRAMClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

func (x *xdgSCRAMClient) Done() bool {
	return x.ClientConversation.Done()
}
