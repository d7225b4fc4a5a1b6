// Package changelog handles the durable write-ahead log backing each state
// store: one compacted topic per store, one changelog partition per store
// partition.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
)

// TopicFor returns the changelog topic name for a store.
func TopicFor(appID, store string) string {
	return fmt.Sprintf("%s-%s-changelog", appID, store)
}

// EnsureTopic creates the changelog topic if it does not exist. Changelog
// topics are compacted so the latest value per key survives cleanup and
// replay stays bounded. A positive retention additionally ages out segments,
// for stores whose keys are naturally bounded in time.
func EnsureTopic(ctx context.Context, admin *kadm.Client, topic string, partitions int32, replicationFactor int16, retention time.Duration) error {
	policy := "compact"
	configs := map[string]*string{
		"cleanup.policy": &policy,
	}
	if retention > 0 {
		policy = "compact,delete"
		ms := strconv.FormatInt(retention.Milliseconds(), 10)
		configs["retention.ms"] = &ms
	}

	_, err := admin.CreateTopic(ctx, partitions, replicationFactor, configs, topic)
	if err != nil {
		if errors.Is(err, kerr.TopicAlreadyExists) {
			return nil
		}
		return fmt.Errorf("create changelog topic %s: %w", topic, err)
	}
	return nil
}
