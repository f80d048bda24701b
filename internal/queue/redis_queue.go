package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"media-reconciler/internal/models"
)

// Item is one enrichment task reference on the queue.
type Item struct {
	Stage    models.Stage
	EntityID string
}

func (i Item) member() string {
	return string(i.Stage) + "|" + i.EntityID
}

func parseMember(m string) (Item, bool) {
	stage, id, ok := strings.Cut(m, "|")
	if !ok {
		return Item{}, false
	}
	return Item{Stage: models.Stage(stage), EntityID: id}, true
}

// RedisQueue keeps per-stage ready lists and one in-flight lease set in Redis. A queued
// set per stage keeps an entity from being queued twice.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	inflightKey   string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		prefix:        "enrich:",
		inflightKey:   "enrich:inflight",
		dlqKey:        "enrich:dlq",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey(stage models.Stage) string {
	return fmt.Sprintf("%sready:%s", q.prefix, stage)
}

func (q *RedisQueue) queuedKey(stage models.Stage) string {
	return fmt.Sprintf("%squeued:%s", q.prefix, stage)
}

// Enqueue appends the entity to the stage's ready list unless it is already waiting there.
func (q *RedisQueue) Enqueue(ctx context.Context, stage models.Stage, entityID string) (bool, error) {
	n, err := enqueueScript.Run(ctx, q.client, []string{q.queuedKey(stage), q.readyKey(stage)}, entityID).Int64()
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %w", stage, entityID, err)
	}
	return n == 1, nil
}

// DequeueWithLease pops from the first non-empty stage in order and leases the item until
// the visibility timeout. ok is false when every list is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, stages []models.Stage) (Item, bool, error) {
	if len(stages) == 0 {
		return Item{}, false, nil
	}
	keys := make([]string, 0, len(stages)*2+1)
	for _, s := range stages {
		keys = append(keys, q.readyKey(s), q.queuedKey(s))
	}
	keys = append(keys, q.inflightKey)
	args := make([]any, 0, len(stages)+1)
	args = append(args, time.Now().Add(q.visibilityTTL).UnixMilli())
	for _, s := range stages {
		args = append(args, string(s))
	}

	res, err := dequeueScript.Run(ctx, q.client, keys, args...).Result()
	if err == redis.Nil {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	member, ok := res.(string)
	if !ok {
		return Item{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	item, ok := parseMember(member)
	if !ok {
		return Item{}, false, fmt.Errorf("malformed queue member %q", member)
	}
	return item, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight item.
func (q *RedisQueue) ExtendLease(ctx context.Context, item Item, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: item.member(),
	}).Err()
}

// Ack removes an item from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, item Item) error {
	return q.client.ZRem(ctx, q.inflightKey, item.member()).Err()
}

// Requeue returns a leased item to the back of its ready list.
func (q *RedisQueue) Requeue(ctx context.Context, item Item) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, item.member())
	pipe.SAdd(ctx, q.queuedKey(item.Stage), item.EntityID)
	pipe.RPush(ctx, q.readyKey(item.Stage), item.EntityID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]Item, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	items := make([]Item, 0, len(members))
	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.inflightKey, m)
		item, ok := parseMember(m)
		if !ok {
			continue
		}
		pipe.SAdd(ctx, q.queuedKey(item.Stage), item.EntityID)
		pipe.RPush(ctx, q.readyKey(item.Stage), item.EntityID)
		items = append(items, item)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

// Purge drops every ready and in-flight item of a stage. It returns how many ready items
// were dropped.
func (q *RedisQueue) Purge(ctx context.Context, stage models.Stage) (int64, error) {
	depth, err := q.client.LLen(ctx, q.readyKey(stage)).Result()
	if err != nil {
		return 0, err
	}
	inflight, err := q.client.ZRange(ctx, q.inflightKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.readyKey(stage), q.queuedKey(stage))
	for _, m := range inflight {
		if item, ok := parseMember(m); ok && item.Stage == stage {
			pipe.ZRem(ctx, q.inflightKey, m)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return depth, nil
}

// DLQPush records an item that exhausted its attempts for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, item Item) error {
	return q.client.RPush(ctx, q.dlqKey, item.member()).Err()
}

// DLQPeek reads the oldest dead-lettered items.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]Item, error) {
	members, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(members))
	for _, m := range members {
		if item, ok := parseMember(m); ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// Depth returns the ready length of one stage.
func (q *RedisQueue) Depth(ctx context.Context, stage models.Stage) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(stage)).Result()
}

// InFlight returns the number of leased items across stages.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// KEYS: ready1, queued1, ready2, queued2, ..., inflight
// ARGV: deadline, stage1, stage2, ...
var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,(#KEYS-1)/2 do
  local id = redis.call('LPOP', KEYS[2*i-1])
  if id then
    redis.call('SREM', KEYS[2*i], id)
    local member = ARGV[i+1] .. '|' .. id
    redis.call('ZADD', inflight, ARGV[1], member)
    return member
  end
end
return nil
`)
