// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gamehub-go/internal/config"
	"gamehub-go/pkg/log"
	"gamehub-go/pkg/tasks"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// maxAttempts 是单个任务失败后允许的最大重试次数，超过后提交 offset 放弃。
const maxAttempts = 3

// TaskProcessor 处理一条子标签页生成任务。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.SubTabPopulationTask) error
}

// Producer 发送子标签页生成任务。
type Producer interface {
	ProduceSubTabTask(ctx context.Context, task tasks.SubTabPopulationTask) error
}

type writerProducer struct {
	writer *kafka.Writer
}

// NewProducer 创建 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		// 发送在聊天请求路径上，不等待攒批
		BatchTimeout: 10 * time.Millisecond,
	}
	log.Info("Kafka 生产者初始化成功")
	return &writerProducer{writer: w}
}

// ProduceSubTabTask 发送一个任务到 Kafka，使用会话 ID 作为 key 保证同一标签页的任务有序。
func (p *writerProducer) ProduceSubTabTask(ctx context.Context, task tasks.SubTabPopulationTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.ConversationID),
		Value: taskBytes,
	})
}

// messageReader 是消费循环用到的 kafka.Reader 子集。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// AttemptCounter 记录任务的失败次数，进程重启后依然有效。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string)
}

type redisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter 用 Redis 计数，计数键 24 小时后过期。
func NewRedisCounter(rdb *redis.Client) AttemptCounter {
	return redisCounter{rdb: rdb}
}

func (c redisCounter) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return n, nil
}

func (c redisCounter) Reset(ctx context.Context, key string) {
	_ = c.rdb.Del(ctx, key).Err()
}

type consumer struct {
	reader    messageReader
	processor TaskProcessor
	counter   AttemptCounter

	// 重试与重连的退避起点，逐次翻倍
	backoff    time.Duration
	maxBackoff time.Duration
}

// StartConsumer 启动消费者循环，直到 ctx 被取消。失败次数通过 Redis 计数。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	c := &consumer{reader: r, processor: processor, counter: NewRedisCounter(rdb), backoff: time.Second, maxBackoff: 30 * time.Second}
	c.run(ctx)
	log.Info("Kafka 消费者已停止")
}

// run 拉取并处理消息。拉取失败时退避后重试，不退出循环。
func (c *consumer) run(ctx context.Context) {
	wait := c.backoff
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Warnf("从 Kafka 读取消息失败，%s 后重试: %v", wait, err)
			if !sleep(ctx, wait) {
				return
			}
			wait = c.next(wait)
			continue
		}
		wait = c.backoff
		c.handle(ctx, m)
	}
}

// handle 在提交 offset 之前就地重试，直到成功或累计失败达到 maxAttempts。
func (c *consumer) handle(ctx context.Context, m kafka.Message) {
	var task tasks.SubTabPopulationTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 格式错误的消息直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.ConversationID)
	wait := c.backoff
	for local := int64(1); ; local++ {
		err := c.processor.Process(ctx, task)
		if err == nil {
			log.Infof("子标签页生成完成: conversation=%s", task.ConversationID)
			if c.counter != nil {
				c.counter.Reset(ctx, attemptsKey)
			}
			c.commit(ctx, m)
			return
		}
		log.Errorf("子标签页生成失败: conversation=%s, attempt=%d, error: %v", task.ConversationID, local, err)

		attempts := local
		if c.counter != nil {
			if n, incErr := c.counter.Incr(ctx, attemptsKey); incErr == nil && n > attempts {
				attempts = n
			}
		}
		if attempts >= maxAttempts {
			log.Errorf("子标签页任务多次失败(>=%d)，放弃: conversation=%s", maxAttempts, task.ConversationID)
			if c.counter != nil {
				c.counter.Reset(ctx, attemptsKey)
			}
			c.commit(ctx, m)
			return
		}
		// 退出时不提交，重启后由 Kafka 重投
		if !sleep(ctx, wait) {
			return
		}
		wait = c.next(wait)
	}
}

func (c *consumer) next(wait time.Duration) time.Duration {
	wait *= 2
	if c.maxBackoff > 0 && wait > c.maxBackoff {
		wait = c.maxBackoff
	}
	return wait
}

func (c *consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
