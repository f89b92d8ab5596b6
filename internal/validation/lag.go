package validation

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/cartograph-io/cartographer/internal/outbox"
)

// LagChecker reports how many published finding events the validation group
// has not consumed yet. The graph builder requires zero lag before declaring
// the pipeline quiescent: an event sitting in Kafka is a verdict that does
// not exist yet.
type LagChecker struct {
	client *kafka.Client
	topic  string
	group  string
}

// NewLagChecker creates a LagChecker for the findings topic.
func NewLagChecker(brokers []string) (*LagChecker, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}

	return &LagChecker{
		client: &kafka.Client{Addr: kafka.TCP(brokers...)},
		topic:  outbox.TopicFindings,
		group:  GroupID,
	}, nil
}

// Lag returns the total unconsumed events across all partitions of the
// findings topic. A group that never committed a partition is charged the
// partition's full retained range.
func (c *LagChecker) Lag(ctx context.Context) (int64, error) {
	metadata, err := c.client.Metadata(ctx, &kafka.MetadataRequest{
		Topics: []string{c.topic},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read topic metadata: %w", err)
	}

	var partitions []int

	for _, topic := range metadata.Topics {
		if topic.Name != c.topic {
			continue
		}

		for _, partition := range topic.Partitions {
			partitions = append(partitions, partition.ID)
		}
	}

	if len(partitions) == 0 {
		// Topic not created yet means nothing was ever published.
		return 0, nil
	}

	offsetRequests := make([]kafka.OffsetRequest, 0, len(partitions))
	for _, partition := range partitions {
		offsetRequests = append(offsetRequests,
			kafka.FirstOffsetOf(partition), kafka.LastOffsetOf(partition))
	}

	listed, err := c.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{c.topic: offsetRequests},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list topic offsets: %w", err)
	}

	committed, err := c.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: c.group,
		Topics:  map[string][]int{c.topic: partitions},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch group offsets: %w", err)
	}

	committedByPartition := make(map[int]int64, len(partitions))

	for _, partition := range committed.Topics[c.topic] {
		if partition.Error != nil {
			return 0, fmt.Errorf("failed to fetch offset for partition %d: %w",
				partition.Partition, partition.Error)
		}

		committedByPartition[partition.Partition] = partition.CommittedOffset
	}

	var lag int64

	for _, partition := range listed.Topics[c.topic] {
		if partition.Error != nil {
			return 0, fmt.Errorf("failed to list offsets for partition %d: %w",
				partition.Partition, partition.Error)
		}

		consumed, ok := committedByPartition[partition.Partition]
		if !ok || consumed < 0 {
			// Never committed: everything retained is unconsumed.
			consumed = partition.FirstOffset
		}

		if behind := partition.LastOffset - consumed; behind > 0 {
			lag += behind
		}
	}

	return lag, nil
}
