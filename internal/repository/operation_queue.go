package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gamehub-go/internal/model"
	"sync"

	"github.com/go-redis/redis/v8"
)

// ErrCorruptOperation 队首元素无法解码。
var ErrCorruptOperation = errors.New("corrupt pending operation")

// OperationQueue 是离线持久化操作的 FIFO 队列。只有队首操作成功后才会出队。
// 无法写入的操作转入死信列表，不再阻塞后面的操作。
type OperationQueue interface {
	Push(ctx context.Context, op model.PendingOperation) error
	Peek(ctx context.Context) (*model.PendingOperation, error)
	// ReplaceHead 覆盖队首元素，用于记录重试次数。
	ReplaceHead(ctx context.Context, op model.PendingOperation) error
	Pop(ctx context.Context) error
	Len(ctx context.Context) (int64, error)
	// List 按出队顺序返回队列中所有可解码的操作。
	List(ctx context.Context) ([]model.PendingOperation, error)
	// DeadLetterHead 把队首元素原样移入死信列表。
	DeadLetterHead(ctx context.Context) error
	DeadLetters(ctx context.Context) (int64, error)
}

type redisOperationQueue struct {
	rdb     *redis.Client
	key     string
	deadKey string
}

// NewRedisOperationQueue 创建基于 Redis list 的队列，进程重启后队列不会丢失。死信列表的 key 为 key + ":dead"。
func NewRedisOperationQueue(rdb *redis.Client, key string) OperationQueue {
	return &redisOperationQueue{rdb: rdb, key: key, deadKey: key + ":dead"}
}

func (q *redisOperationQueue) Push(ctx context.Context, op model.PendingOperation) error {
	b, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal pending operation: %w", err)
	}
	return q.rdb.RPush(ctx, q.key, b).Err()
}

func (q *redisOperationQueue) Peek(ctx context.Context) (*model.PendingOperation, error) {
	raw, err := q.rdb.LIndex(ctx, q.key, 0).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to peek operation queue: %w", err)
	}
	var op model.PendingOperation
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptOperation, err)
	}
	return &op, nil
}

func (q *redisOperationQueue) ReplaceHead(ctx context.Context, op model.PendingOperation) error {
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return q.rdb.LSet(ctx, q.key, 0, b).Err()
}

func (q *redisOperationQueue) Pop(ctx context.Context) error {
	err := q.rdb.LPop(ctx, q.key).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

func (q *redisOperationQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

func (q *redisOperationQueue) List(ctx context.Context) ([]model.PendingOperation, error) {
	raws, err := q.rdb.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read operation queue: %w", err)
	}
	ops := make([]model.PendingOperation, 0, len(raws))
	for _, raw := range raws {
		var op model.PendingOperation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (q *redisOperationQueue) DeadLetterHead(ctx context.Context) error {
	err := q.rdb.LMove(ctx, q.key, q.deadKey, "LEFT", "RIGHT").Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

func (q *redisOperationQueue) DeadLetters(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.deadKey).Result()
}

// MemoryOperationQueue 是进程内实现，Redis 未配置时使用，也用于测试。
type MemoryOperationQueue struct {
	mu   sync.Mutex
	ops  []model.PendingOperation
	dead []model.PendingOperation
}

// NewMemoryOperationQueue 创建进程内队列。
func NewMemoryOperationQueue() *MemoryOperationQueue {
	return &MemoryOperationQueue{}
}

func (q *MemoryOperationQueue) Push(_ context.Context, op model.PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	return nil
}

func (q *MemoryOperationQueue) Peek(_ context.Context) (*model.PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return nil, nil
	}
	op := q.ops[0]
	return &op, nil
}

func (q *MemoryOperationQueue) ReplaceHead(_ context.Context, op model.PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return fmt.Errorf("operation queue is empty")
	}
	q.ops[0] = op
	return nil
}

func (q *MemoryOperationQueue) Pop(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) > 0 {
		q.ops = q.ops[1:]
	}
	return nil
}

func (q *MemoryOperationQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ops)), nil
}

func (q *MemoryOperationQueue) List(_ context.Context) ([]model.PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.PendingOperation(nil), q.ops...), nil
}

func (q *MemoryOperationQueue) DeadLetterHead(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) > 0 {
		q.dead = append(q.dead, q.ops[0])
		q.ops = q.ops[1:]
	}
	return nil
}

func (q *MemoryOperationQueue) DeadLetters(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.dead)), nil
}
