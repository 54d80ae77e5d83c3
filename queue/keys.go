package queue

import "fmt"

// DefaultGroupName is the consumer-group name a queue uses when the
// caller doesn't pick one: "<queue>-consumers", shared across a
// priority queue's sibling streams.
func DefaultGroupName(queueName string) string {
	return fmt.Sprintf("%s-consumers", queueName)
}

// StreamKey is the main (no-priority) stream for queueName.
func StreamKey(queueName string) string {
	return fmt.Sprintf("queue:%s", queueName)
}

// PriorityStreamKey is the priority-tier stream for queueName at level
// priority (0-9).
func PriorityStreamKey(queueName string, priority int) string {
	return fmt.Sprintf("queue:%s:priority:%d", queueName, priority)
}

// DelayedSetKey is the sorted set holding queueName's delayed entries,
// scored by executeAt.
func DelayedSetKey(queueName string) string {
	return fmt.Sprintf("queue:%s:delayed", queueName)
}

// DLQStreamKey is the dead-letter stream for queueName.
func DLQStreamKey(queueName string) string {
	return fmt.Sprintf("queue:%s:dlq", queueName)
}

// PriorityTiers lists the stream suffixes a priority-enabled queue
// maintains, 0 (lowest) through 9 (highest).
func PriorityTiers() []int {
	tiers := make([]int, 10)
	for i := range tiers {
		tiers[i] = i
	}
	return tiers
}
