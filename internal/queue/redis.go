// Package queue implements the durable job queue on Redis lists.
//
// Delivery is at-least-once: Dequeue atomically moves an entry from the
// pending list onto a processing list and stamps a lease key with a TTL.
// Ack removes the entry and its lease. ReclaimExpired walks the processing
// list and pushes entries whose lease key has expired back onto the pending
// list, so work leased by a crashed worker resurfaces.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixelmuse/genqueue/internal/domain"
)

const (
	pendingKey    = "genqueue:jobs:pending"
	processingKey = "genqueue:jobs:processing"
	leasePrefix   = "genqueue:jobs:lease:"
)

// RedisQueue implements domain.Queue.
type RedisQueue struct {
	client   *redis.Client
	leaseTTL time.Duration
}

// NewRedisQueue wraps an established Redis client.
func NewRedisQueue(client *redis.Client, leaseTTL time.Duration) *RedisQueue {
	if leaseTTL <= 0 {
		leaseTTL = time.Minute
	}
	return &RedisQueue{client: client, leaseTTL: leaseTTL}
}

// Enqueue appends the job id to the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	entry := domain.QueueEntry{JobID: jobID, EnqueuedAt: time.Now().UTC()}
	payload, err := encodeEntry(&entry)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to wait for the next entry, moving it onto the
// processing list and taking a lease on it.
func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*domain.QueueEntry, error) {
	payload, err := q.client.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrQueueEmpty
		}
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}

	entry, err := decodeEntry(payload)
	if err != nil {
		// Unparseable entries never complete; drop them instead of
		// letting them bounce between the lists forever.
		_ = q.client.LRem(ctx, processingKey, 1, payload).Err()
		return nil, err
	}

	if err := q.client.Set(ctx, leasePrefix+entry.JobID, payload, q.leaseTTL).Err(); err != nil {
		return nil, fmt.Errorf("queue lease: %w", err)
	}
	return entry, nil
}

// Ack releases the lease and removes the entry from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, entry *domain.QueueEntry) error {
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, payload)
	pipe.Del(ctx, leasePrefix+entry.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue ack: %w", err)
	}
	return nil
}

// ReclaimExpired requeues processing entries whose lease lapsed without an
// ack and reports how many were recovered. Reclaimed entries re-enter at the
// tail, so ordering under crashes is not strict FIFO.
func (q *RedisQueue) ReclaimExpired(ctx context.Context) (int, error) {
	payloads, err := q.client.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue reclaim scan: %w", err)
	}

	reclaimed := 0
	for _, payload := range payloads {
		entry, err := decodeEntry(payload)
		if err != nil {
			_ = q.client.LRem(ctx, processingKey, 1, payload).Err()
			continue
		}
		held, err := q.client.Exists(ctx, leasePrefix+entry.JobID).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("queue reclaim lease check: %w", err)
		}
		if held > 0 {
			continue
		}
		// Lease expired. LRem guards against a concurrent sweeper: only
		// the caller that actually removed the entry requeues it.
		removed, err := q.client.LRem(ctx, processingKey, 1, payload).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("queue reclaim remove: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, pendingKey, payload).Err(); err != nil {
			return reclaimed, fmt.Errorf("queue reclaim requeue: %w", err)
		}
		reclaimed++
	}
	return reclaimed, nil
}

func encodeEntry(entry *domain.QueueEntry) ([]byte, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("queue encode entry: %w", err)
	}
	return payload, nil
}

func decodeEntry(payload string) (*domain.QueueEntry, error) {
	var entry domain.QueueEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return nil, fmt.Errorf("queue decode entry: %w", err)
	}
	if entry.JobID == "" {
		return nil, fmt.Errorf("queue decode entry: missing job_id")
	}
	return &entry, nil
}

var _ domain.Queue = (*RedisQueue)(nil)
