package eventbus

import (
	"errors"
	"fmt"
	"strconv"

	"booking-saga/internal/common/configs"

	"github.com/IBM/sarama"
)

// TopicSpecs returns the topic definitions for every queue and its dead-letter twin
func TopicSpecs(queues []string, partitions, replication int) map[string]*sarama.TopicDetail {
	if partitions <= 0 {
		partitions = 1
	}
	if replication <= 0 {
		replication = 1
	}

	retention := strconv.Itoa(configs.DeadLetterMessageTTLMs)
	specs := make(map[string]*sarama.TopicDetail, len(queues)*2)
	for _, q := range queues {
		specs[q] = &sarama.TopicDetail{
			NumPartitions:     int32(partitions),
			ReplicationFactor: int16(replication),
		}
		specs[configs.DeadLetterQueue(q)] = &sarama.TopicDetail{
			NumPartitions:     1,
			ReplicationFactor: int16(replication),
			ConfigEntries: map[string]*string{
				"retention.ms": &retention,
			},
		}
	}
	return specs
}

// EnsureTopics creates the missing queue and dead-letter topics
func EnsureTopics(cfg configs.KafkaConfig, queues []string) error {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_5_0_0

	admin, err := sarama.NewClusterAdmin(cfg.Brokers, saramaCfg)
	if err != nil {
		return fmt.Errorf("failed to connect kafka admin: %w", err)
	}
	defer admin.Close()

	existing, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("failed to list topics: %w", err)
	}

	for name, detail := range TopicSpecs(queues, cfg.Partitions, cfg.Replication) {
		if _, ok := existing[name]; ok {
			continue
		}
		if err := admin.CreateTopic(name, detail, false); err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return fmt.Errorf("failed to create topic %s: %w", name, err)
		}
	}
	return nil
}
