package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"airbnb/scraper/internal/config"
	"airbnb/scraper/internal/domain/task"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Every state change of a task is a single script so the stream, the
// pending list and the outstanding counter never disagree.
var (
	// KEYS: dedupe, stream, outstanding. ARGV: ttl ms, task type, task data.
	enqueueScript = redis.NewScript(`
local ok
if tonumber(ARGV[1]) > 0 then
	ok = redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1])
else
	ok = redis.call('SET', KEYS[1], '1', 'NX')
end
if not ok then
	return 0
end
redis.call('XADD', KEYS[2], '*', 'task_type', ARGV[2], 'task_data', ARGV[3], 'attempt', '0')
redis.call('INCR', KEYS[3])
return 1
`)

	// KEYS: stream, outstanding. ARGV: group, id.
	ackScript = redis.NewScript(`
if redis.call('XACK', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('DECR', KEYS[2])
return 1
`)

	// KEYS: stream, delayed set. ARGV: group, id, task type, task data,
	// next attempt, ready-at unix ms (0 for immediately).
	requeueScript = redis.NewScript(`
if redis.call('XACK', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
if tonumber(ARGV[6]) > 0 then
	redis.call('ZADD', KEYS[2], ARGV[6], ARGV[5] .. ':' .. ARGV[4])
else
	redis.call('XADD', KEYS[1], '*', 'task_type', ARGV[3], 'task_data', ARGV[4], 'attempt', ARGV[5])
end
return 1
`)

	// KEYS: stream, failed stream, outstanding. ARGV: group, id, task type,
	// task data, attempt, reason.
	markFailedScript = redis.NewScript(`
if redis.call('XACK', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('XADD', KEYS[2], '*', 'task_type', ARGV[3], 'task_data', ARGV[4], 'attempt', ARGV[5], 'reason', ARGV[6])
redis.call('DECR', KEYS[3])
return 1
`)

	// KEYS: delayed set, stream. ARGV: now unix ms, task type, batch size.
	promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, member in ipairs(due) do
	local sep = string.find(member, ':', 1, true)
	redis.call('XADD', KEYS[2], '*', 'task_type', ARGV[2], 'task_data', string.sub(member, sep + 1), 'attempt', string.sub(member, 1, sep - 1))
	redis.call('ZREM', KEYS[1], member)
end
return #due
`)
)

type RedisQueue struct {
	redisClient  *redis.Client
	keyPrefix    string
	streamPrefix string
	groupName    string
	dedupeTTL    time.Duration
	block        time.Duration
	now          func() time.Time
}

func NewRedisQueue(ctx context.Context, redisClient *redis.Client, cfg config.RedisConfig, runID string) (*RedisQueue, error) {
	keyPrefix := fmt.Sprintf("airbnb:%s:", runID)
	q := &RedisQueue{
		redisClient:  redisClient,
		keyPrefix:    keyPrefix,
		streamPrefix: keyPrefix + "stream:",
		groupName:    cfg.ConsumerGroup,
		dedupeTTL:    cfg.DedupeTTL,
		block:        5 * time.Second,
		now:          time.Now,
	}

	// Ensure all streams and consumer groups exist before workers start
	if err := q.EnsureStreamsExist(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure streams exist: %w", err)
	}

	return q, nil
}

func (q *RedisQueue) streamName(taskType string) string {
	return q.streamPrefix + taskType
}

func (q *RedisQueue) delayedKey(taskType string) string {
	return q.keyPrefix + "delayed:" + taskType
}

func (q *RedisQueue) outstandingKey() string {
	return q.keyPrefix + "outstanding"
}

func (q *RedisQueue) CreateGroup(ctx context.Context, stream, group string) error {
	err := q.redisClient.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		log.Infof("Group %s already exists for stream %s", group, stream)
		return nil
	}
	return err
}

// EnsureStreamsExist creates all required streams and consumer groups upfront
func (q *RedisQueue) EnsureStreamsExist(ctx context.Context) error {
	log.Info("🔧 Creating Redis streams and consumer groups...")

	for _, taskType := range task.Types {
		streamName := q.streamName(taskType)
		if err := q.CreateGroup(ctx, streamName, q.groupName); err != nil {
			return fmt.Errorf("failed to create consumer group for %s: %w", taskType, err)
		}
		log.Infof("✅ Stream %s and consumer group %s ready", streamName, q.groupName)
	}

	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, t task.Task) (bool, error) {
	taskType := t.TaskType()
	streamName := q.streamName(taskType)

	taskValue, err := t.TaskValue()
	if err != nil {
		return false, fmt.Errorf("failed to serialize task: %w", err)
	}

	keys := []string{q.keyPrefix + "dedupe:" + t.TaskKey(), streamName, q.outstandingKey()}
	added, err := enqueueScript.Run(ctx, q.redisClient, keys, q.dedupeTTL.Milliseconds(), taskType, string(taskValue)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to add task to Redis stream %s: %w", streamName, err)
	}
	if added == 0 {
		log.Debugf("Task %s already queued, skipping", t.TaskKey())
		return false, nil
	}

	log.Debugf("Added task %s to stream %s", t.TaskKey(), streamName)
	return true, nil
}

// promote moves requeued tasks whose delay has passed back onto the stream.
func (q *RedisQueue) promote(ctx context.Context, taskType string) error {
	keys := []string{q.delayedKey(taskType), q.streamName(taskType)}
	if err := promoteScript.Run(ctx, q.redisClient, keys, q.now().UnixMilli(), taskType, 100).Err(); err != nil {
		return fmt.Errorf("failed to promote delayed %s tasks: %w", taskType, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, consumer, taskType string) (*Delivery, error) {
	if err := q.promote(ctx, taskType); err != nil {
		return nil, err
	}

	streamName := q.streamName(taskType)
	result, err := q.redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.groupName,
		Consumer: consumer,
		Streams:  []string{streamName, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // No new messages
		}
		return nil, fmt.Errorf("failed to read from Redis stream %s: %w", streamName, err)
	}

	if len(result) == 0 || len(result[0].Messages) == 0 {
		return nil, nil // No new messages
	}

	return toDelivery(result[0].Messages[0])
}

// Ack, Requeue and MarkFailed are no-ops for a delivery that is no longer
// pending, e.g. one already settled by a reclaiming consumer.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	keys := []string{q.streamName(d.TaskType), q.outstandingKey()}
	if err := ackScript.Run(ctx, q.redisClient, keys, q.groupName, d.ID).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", d.ID, err)
	}
	return nil
}

func (q *RedisQueue) Requeue(ctx context.Context, d *Delivery, delay time.Duration) error {
	var readyAt int64
	if delay > 0 {
		readyAt = q.now().Add(delay).UnixMilli()
	}

	keys := []string{q.streamName(d.TaskType), q.delayedKey(d.TaskType)}
	err := requeueScript.Run(ctx, q.redisClient, keys,
		q.groupName, d.ID, d.TaskType, string(d.Data), d.Attempt+1, readyAt).Err()
	if err != nil {
		return fmt.Errorf("failed to requeue message %s: %w", d.ID, err)
	}
	return nil
}

func (q *RedisQueue) MarkFailed(ctx context.Context, d *Delivery, reason string) error {
	keys := []string{q.streamName(d.TaskType), q.streamPrefix + "failed", q.outstandingKey()}
	err := markFailedScript.Run(ctx, q.redisClient, keys,
		q.groupName, d.ID, d.TaskType, string(d.Data), d.Attempt, reason).Err()
	if err != nil {
		return fmt.Errorf("failed to mark message %s as failed: %w", d.ID, err)
	}
	return nil
}

func (q *RedisQueue) Reclaim(ctx context.Context, consumer, taskType string, minIdle time.Duration) ([]*Delivery, error) {
	streamName := q.streamName(taskType)
	messages, _, err := q.redisClient.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamName,
		Group:    q.groupName,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()

	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim messages from Redis stream %s: %w", streamName, err)
	}

	deliveries := make([]*Delivery, 0, len(messages))
	for _, msg := range messages {
		d, err := toDelivery(msg)
		if err != nil {
			// It can never be decoded, so drop it instead of claiming it forever.
			log.Errorf("❌ Dropping malformed message %s in %s: %v", msg.ID, streamName, err)
			if ackErr := q.redisClient.XAck(ctx, streamName, q.groupName, msg.ID).Err(); ackErr != nil {
				log.Errorf("❌ Failed to ack malformed message %s: %v", msg.ID, ackErr)
			}
			continue
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

func (q *RedisQueue) Outstanding(ctx context.Context) (int64, error) {
	n, err := q.redisClient.Get(ctx, q.outstandingKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read outstanding counter: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Close() error {
	if q.redisClient != nil {
		return q.redisClient.Close()
	}
	return nil
}

func toDelivery(msg redis.XMessage) (*Delivery, error) {
	taskType, ok := msg.Values["task_type"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid task type in message %s", msg.ID)
	}

	taskData, ok := msg.Values["task_data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid task data in message %s", msg.ID)
	}

	attempt := 0
	if raw, ok := msg.Values["attempt"].(string); ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid attempt in message %s: %w", msg.ID, err)
		}
		attempt = n
	}

	return &Delivery{
		ID:       msg.ID,
		TaskType: taskType,
		Data:     []byte(taskData),
		Attempt:  attempt,
	}, nil
}
