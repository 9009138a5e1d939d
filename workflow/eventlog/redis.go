package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisLog stores each run's events in a Redis list (RPUSH keeps append
// order). A set indexes the known run IDs.
type RedisLog struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisLog wraps an existing client. An empty prefix means "agentrun:".
func NewRedisLog(client redis.UniversalClient, keyPrefix string) *RedisLog {
	if keyPrefix == "" {
		keyPrefix = "agentrun:"
	}
	return &RedisLog{client: client, keyPrefix: keyPrefix}
}

func (l *RedisLog) eventsKey(runID string) string {
	return l.keyPrefix + "events:" + runID
}

func (l *RedisLog) runsKey() string {
	return l.keyPrefix + "runs"
}

// Append implements Log.
func (l *RedisLog) Append(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, l.eventsKey(ev.RunID), data)
	pipe.SAdd(ctx, l.runsKey(), ev.RunID)
	_, err = pipe.Exec(ctx)
	return err
}

// Read implements Reader.
func (l *RedisLog) Read(ctx context.Context, runID string) ([]Event, error) {
	raw, err := l.client.LRange(ctx, l.eventsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read events of %s: %w", runID, err)
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode event of %s: %w", runID, err)
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Runs lists every run ID with events.
func (l *RedisLog) Runs(ctx context.Context) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.runsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
