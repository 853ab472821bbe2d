package eventbus

import (
	"fmt"
	"hash/fnv"

	"github.com/segmentio/kafka-go"
)

// KeyBalancer sends every message with the same key to the same partition,
// so all events of one saga are consumed in publish order.
type KeyBalancer struct{}

func (KeyBalancer) Balance(msg kafka.Message, partitions ...int) int {
	if len(partitions) == 0 {
		return 0
	}
	if len(msg.Key) == 0 {
		return partitions[0]
	}
	return partitions[hashKey(string(msg.Key))%uint32(len(partitions))]
}

// PartitionFor returns the partition a key lands on for a topic with numPartitions
func PartitionFor(key string, numPartitions int) (int, error) {
	if numPartitions <= 0 {
		return 0, fmt.Errorf("invalid number of partitions: %d", numPartitions)
	}
	return int(hashKey(key) % uint32(numPartitions)), nil
}

func hashKey(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
