package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pixelmuse/genqueue/internal/domain"
)

func newTestQueue(t *testing.T, leaseTTL time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client, leaseTTL), srv
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, srv := newTestQueue(t, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entry, err := q.Dequeue(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if entry.JobID != "job-1" {
		t.Fatalf("job_id = %q, want job-1", entry.JobID)
	}
	if !srv.Exists(leasePrefix + "job-1") {
		t.Fatalf("lease key not set on dequeue")
	}
	if held, _ := srv.List(processingKey); len(held) != 1 {
		t.Fatalf("processing list = %v, want one entry", held)
	}

	if err := q.Ack(ctx, entry); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if srv.Exists(leasePrefix + "job-1") {
		t.Fatalf("lease key survived ack")
	}
	if held, _ := srv.List(processingKey); len(held) != 0 {
		t.Fatalf("processing list after ack = %v, want empty", held)
	}
}

func TestDequeueEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	_, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, domain.ErrQueueEmpty) {
		t.Fatalf("err = %v, want ErrQueueEmpty", err)
	}
}

func TestReclaimRequeuesExpiredLease(t *testing.T) {
	q, srv := newTestQueue(t, 50*time.Millisecond)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entry, err := q.Dequeue(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Lease still held: nothing to reclaim.
	if n, err := q.ReclaimExpired(ctx); err != nil || n != 0 {
		t.Fatalf("reclaim with live lease = (%d, %v), want (0, nil)", n, err)
	}

	srv.FastForward(100 * time.Millisecond)
	n, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	if held, _ := srv.List(processingKey); len(held) != 0 {
		t.Fatalf("processing list after reclaim = %v, want empty", held)
	}

	again, err := q.Dequeue(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("redelivery dequeue: %v", err)
	}
	if again.JobID != entry.JobID || !again.EnqueuedAt.Equal(entry.EnqueuedAt) {
		t.Fatalf("redelivered entry = %+v, want %+v", again, entry)
	}
}

func TestReclaimDropsUnparseablePayload(t *testing.T) {
	q, srv := newTestQueue(t, time.Minute)

	if _, err := srv.Lpush(processingKey, "not json"); err != nil {
		t.Fatalf("seed processing list: %v", err)
	}
	n, err := q.ReclaimExpired(context.Background())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed = %d, want 0", n)
	}
	if held, _ := srv.List(processingKey); len(held) != 0 {
		t.Fatalf("poison entry not dropped: %v", held)
	}
	if srv.Exists(pendingKey) {
		t.Fatalf("poison entry requeued")
	}
}

// stealEntry removes the processing entry right before the reclaim LRem runs,
// standing in for a second sweeper winning that race.
type stealEntry struct {
	srv  *miniredis.Miniredis
	once sync.Once
}

func (h *stealEntry) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *stealEntry) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "lrem" {
			h.once.Do(func() { h.srv.Del(processingKey) })
		}
		return next(ctx, cmd)
	}
}

func (h *stealEntry) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestReclaimLosingSweeperDoesNotRequeue(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	client.AddHook(&stealEntry{srv: srv})
	q := NewRedisQueue(client, time.Minute)

	// Leaseless processing entry, as left behind by a crashed worker.
	payload, err := encodeEntry(&domain.QueueEntry{JobID: "job-1", EnqueuedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := srv.Lpush(processingKey, string(payload)); err != nil {
		t.Fatalf("seed processing list: %v", err)
	}

	n, err := q.ReclaimExpired(context.Background())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed = %d, want 0 when another sweeper removed the entry", n)
	}
	if srv.Exists(pendingKey) {
		t.Fatalf("entry requeued despite losing the removal race")
	}
}

func TestEntryCodecRoundTrip(t *testing.T) {
	entry := &domain.QueueEntry{
		JobID:      "2b4a4c48-5c1f-4a9e-9a3a-1f2e3d4c5b6a",
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := encodeEntry(entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeEntry(string(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.JobID != entry.JobID {
		t.Fatalf("job_id = %q, want %q", decoded.JobID, entry.JobID)
	}
	if !decoded.EnqueuedAt.Equal(entry.EnqueuedAt) {
		t.Fatalf("enqueued_at = %s, want %s", decoded.EnqueuedAt, entry.EnqueuedAt)
	}
}

func TestEntryCodecIsStable(t *testing.T) {
	// Ack matches entries by payload bytes, so a decode→encode round trip
	// must reproduce the exact wire form.
	entry := &domain.QueueEntry{JobID: "job-1", EnqueuedAt: time.Now().UTC()}
	first, err := encodeEntry(entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeEntry(string(first))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	second, err := encodeEntry(decoded)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("payload not stable:\n%s\n%s", first, second)
	}
}

func TestDecodeEntryRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "job-123"},
		{"missing job id", `{"enqueued_at":"2026-01-01T00:00:00Z"}`},
		{"empty job id", `{"job_id":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeEntry(tt.payload); err == nil {
				t.Fatalf("expected error for %q", tt.payload)
			}
		})
	}
}

func TestNewRedisQueueDefaultsLease(t *testing.T) {
	q := NewRedisQueue(nil, 0)
	if q.leaseTTL != time.Minute {
		t.Fatalf("lease ttl = %s, want 1m default", q.leaseTTL)
	}
}
