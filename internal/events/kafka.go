package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"stevedore/internal/common"
)

// KafkaPublisher 把生命周期事件转发到 Kafka
type KafkaPublisher struct {
	writer       *kafka.Writer
	writeTimeout time.Duration
	cancel       func()
	stopped      chan struct{}
	logger       *zap.Logger
}

// NewKafkaPublisher 创建 Kafka 事件发布器并开始消费总线事件
func NewKafkaPublisher(config common.KafkaConfig, bus *Bus) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.Brokers...),
		Topic:    config.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	ch, cancel := bus.Subscribe()
	kp := &KafkaPublisher{
		writer:       writer,
		writeTimeout: writeTimeout,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		logger:       common.ComponentLogger("kafka-publisher"),
	}

	go kp.forward(ch)
	return kp
}

func (kp *KafkaPublisher) forward(ch <-chan common.ServiceEvent) {
	defer close(kp.stopped)

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			kp.logger.Error("Failed to encode event", zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), kp.writeTimeout)
		err = kp.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(event.Service),
			Value: payload,
		})
		cancel()
		if err != nil {
			kp.logger.Error("Failed to publish event to kafka",
				zap.String("service", event.Service),
				zap.String("type", event.Type),
				zap.Error(err))
		}
	}
}

// Close 停止转发并关闭 Kafka 连接
func (kp *KafkaPublisher) Close() error {
	kp.cancel()
	<-kp.stopped
	return kp.writer.Close()
}
