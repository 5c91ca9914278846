package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"botpipe/internal/model"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// minIdle before a pending entry owned by a dead consumer is claimed.
	claimMinIdle = time.Minute
	// how often Receive scans for claimable entries.
	claimInterval = 30 * time.Second
)

// Streams is the durable backend: an append-only Redis Stream read through
// a named consumer group. Un-acked entries are eligible for redelivery to
// this or another consumer after a crash.
type Streams struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	log      *zap.Logger

	mu        sync.Mutex
	lastClaim time.Time
}

// NewStreams creates the group if needed and returns a backend bound to a
// unique consumer identity. Concurrent instances race to create the group
// at startup, so an already-existing group is success, not an error.
func NewStreams(rdb *redis.Client, stream, group string, log *zap.Logger) (*Streams, error) {
	err := rdb.XGroupCreateMkStream(context.Background(), stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "botpipe"
	}
	consumer := fmt.Sprintf("%s-%s", host, ulid.Make().String())

	log.Info("Stream queue ready",
		zap.String("stream", stream),
		zap.String("group", group),
		zap.String("consumer", consumer),
	)

	return &Streams{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		log:      log,
	}, nil
}

func (s *Streams) Enqueue(ctx context.Context, job model.Job) (string, error) {
	if job.ID == "" {
		job.ID = NewJobID()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	args := redis.XAddArgs{
		Stream: s.stream,
		ID:     "*",
		Values: map[string]interface{}{
			"job": string(payload),
		},
	}
	entryID, err := s.rdb.XAdd(ctx, &args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add to stream: %w", err)
	}

	s.log.Debug("Enqueued job",
		zap.String("job_id", job.ID),
		zap.String("entry_id", entryID),
		zap.Int64("conversation_id", job.ConversationID),
	)
	return job.ID, nil
}

func (s *Streams) Receive(ctx context.Context, batch int, block time.Duration) ([]Delivery, error) {
	if batch <= 0 {
		batch = 1
	}

	// Adopt entries stranded by crashed consumers before reading new ones.
	s.mu.Lock()
	due := time.Since(s.lastClaim) >= claimInterval
	if due {
		s.lastClaim = time.Now()
	}
	s.mu.Unlock()
	if due {
		if claimed := s.claimStale(ctx, batch); len(claimed) > 0 {
			return claimed, nil
		}
	}

	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    int64(batch),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read group: %w", err)
	}

	var deliveries []Delivery
	for _, str := range streams {
		deliveries = append(deliveries, s.decode(ctx, str.Messages)...)
	}
	return deliveries, nil
}

// claimStale takes over pending entries whose consumer has been idle past
// claimMinIdle, so a job that crashed its consumer before ack is retried
// here instead of sitting in another consumer's pending list forever.
func (s *Streams) claimStale(ctx context.Context, batch int) []Delivery {
	msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    int64(batch),
	}).Result()
	if err != nil && err != redis.Nil {
		s.log.Warn("Failed to claim stale entries", zap.Error(err))
		return nil
	}
	if len(msgs) > 0 {
		s.log.Info("Claimed stale entries for redelivery", zap.Int("count", len(msgs)))
	}
	return s.decode(ctx, msgs)
}

func (s *Streams) decode(ctx context.Context, msgs []redis.XMessage) []Delivery {
	var deliveries []Delivery
	for _, msg := range msgs {
		raw, ok := msg.Values["job"].(string)
		if !ok {
			// Malformed entry: ack it away rather than redelivering poison.
			s.log.Warn("Dropping entry without job payload", zap.String("entry_id", msg.ID))
			_ = s.rdb.XAck(ctx, s.stream, s.group, msg.ID).Err()
			continue
		}

		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.log.Warn("Dropping undecodable entry", zap.String("entry_id", msg.ID), zap.Error(err))
			_ = s.rdb.XAck(ctx, s.stream, s.group, msg.ID).Err()
			continue
		}

		deliveries = append(deliveries, Delivery{Handle: msg.ID, Job: job})
	}
	return deliveries
}

func (s *Streams) Ack(ctx context.Context, handle string) error {
	if err := s.rdb.XAck(ctx, s.stream, s.group, handle).Err(); err != nil {
		return fmt.Errorf("failed to ack entry: %w", err)
	}
	return nil
}

// Close removes this consumer identity from the group. Callers must stop
// consuming first: deleting a consumer discards its pending entries, which
// is only safe once everything received has been acked.
func (s *Streams) Close() error {
	return s.rdb.XGroupDelConsumer(context.Background(), s.stream, s.group, s.consumer).Err()
}
