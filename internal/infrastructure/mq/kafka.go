// Package mq bootstraps the best-effort external-notification producer
// (spec section 1 non-goal: not exactly-once). It is only ever driven by the
// outbox sender job, never called synchronously from the transfer path.
package mq

import (
	"log"

	"p2pwallet/internal/config"

	"github.com/IBM/sarama"
)

// Producer is the narrow surface the outbox sender needs, so tests can fake
// it without a live broker.
type Producer interface {
	SendMessage(topic, key, value string) error
	Close() error
}

type saramaProducer struct {
	client sarama.SyncProducer
}

func InitKafka(cfg *config.KafkaConfig) Producer {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Fatalf("mq: failed to create kafka producer: %v", err)
	}

	log.Println("mq: kafka producer ready")
	return &saramaProducer{client: producer}
}

func (p *saramaProducer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	_, _, err := p.client.SendMessage(msg)
	return err
}

func (p *saramaProducer) Close() error {
	return p.client.Close()
}
