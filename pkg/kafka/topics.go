package kafka

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"

	"example.com/stars-ledger/pkg/logger"
)

// TopicSpec — параметры создаваемого топика.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// DefaultTopics — топики, которые нужны леджеру и нотификатору.
func DefaultTopics() []TopicSpec {
	return []TopicSpec{
		{Name: TopicBalanceProcess, Partitions: 6, ReplicationFactor: 1},
		{Name: TopicBalanceUpdated, Partitions: 6, ReplicationFactor: 1},
		{Name: TopicBalanceUpdateFailed, Partitions: 3, ReplicationFactor: 1},
		{Name: TopicDLQ, Partitions: 1, ReplicationFactor: 1},
	}
}

// EnsureTopics создаёт топики через контроллер кластера.
// Уже существующие топики не считаются ошибкой.
func EnsureTopics(brokers []string, topics []TopicSpec) error {
	if len(brokers) == 0 {
		return errors.New("не указаны брокеры Kafka")
	}

	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("подключение к Kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("получение контроллера Kafka: %w", err)
	}

	ctrlConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("подключение к контроллеру Kafka: %w", err)
	}
	defer ctrlConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             t.Name,
			NumPartitions:     t.Partitions,
			ReplicationFactor: t.ReplicationFactor,
		})
	}

	if err := ctrlConn.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("создание топиков: %w", err)
	}

	logger.Info().Int("count", len(topics)).Msg("Топики Kafka проверены")
	return nil
}
