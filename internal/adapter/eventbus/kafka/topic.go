// Package kafka implements the C3 event bus (domain.EventBus) over Kafka
// using franz-go: one topic per evaluation lifecycle channel, at-least-once
// delivery with manual offset commits.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/evalplane/evalplane/internal/domain"
)

// topicFor maps an event kind to its Kafka topic name. Kinds use ':' as a
// namespace separator (e.g. "evaluation:submitted"); topics use '.' since
// some brokers reject ':' in topic names.
func topicFor(kind domain.EventKind) string {
	return strings.ReplaceAll(string(kind), ":", ".")
}

// allTopics returns the Kafka topic for every known event kind.
func allTopics() []string {
	kinds := []domain.EventKind{
		domain.EventSubmitted, domain.EventQueued, domain.EventProvisioning,
		domain.EventRunning, domain.EventCompleted, domain.EventFailed,
		domain.EventTimeout, domain.EventCancelled, domain.EventDLQ,
	}
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = topicFor(k)
	}
	return out
}

// ensureTopics creates any of the given topics that do not already exist,
// tolerating "already exists" so concurrent producers/consumers racing to
// create the same topic never fail startup.
func ensureTopics(ctx context.Context, client *kgo.Client, topics []string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	for _, topic := range topics {
		t := kmsg.NewCreateTopicsRequestTopic()
		t.Topic = topic
		t.NumPartitions = partitions
		t.ReplicationFactor = replicationFactor
		req.Topics = append(req.Topics, t)
	}
	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	ctResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, t := range ctResp.Topics {
		if t.ErrorCode != 0 && t.ErrorMessage != nil && !strings.Contains(*t.ErrorMessage, "already exists") {
			slog.Warn("topic creation reported an error", slog.String("topic", t.Topic), slog.Any("error_code", t.ErrorCode))
		}
	}
	return nil
}
