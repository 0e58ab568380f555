// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/tasks"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete service implementation.
type TaskProcessor interface {
	ProcessTask(ctx context.Context, task tasks.ProcessPendingTask) error
}

// Producer 发送待处理任务到 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}}
}

// PublishProcessTask 发送一个处理任务到 Kafka。
func (p *Producer) PublishProcessTask(ctx context.Context, task tasks.ProcessPendingTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(task.FolderID), Value: taskBytes})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// messageReader 是 Consumer 用到的 kafka.Reader 方法。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Config() kafka.ReaderConfig
	Close() error
}

// Consumer 消费处理任务。失败的任务在本进程内按退避重试，
// 达到 maxAttempts 后提交 offset 放弃；失败次数记录在 Redis 中，重启后继续累计。
type Consumer struct {
	reader      messageReader
	rdb         *redis.Client
	maxAttempts int64
	retryBase   time.Duration
}

// NewConsumer 创建一个 Kafka 消费者。rdb 为 nil 时失败次数只在进程内计数。
func NewConsumer(cfg config.KafkaConfig, rdb *redis.Client) *Consumer {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  []string{cfg.Brokers},
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
		}),
		rdb:         rdb,
		maxAttempts: maxAttempts,
		retryBase:   2 * time.Second,
	}
}

// Run 循环读取消息直到 ctx 被取消。
func (c *Consumer) Run(ctx context.Context, processor TaskProcessor) {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.reader.Config().Topic)
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				log.Info("Kafka 消费者收到停止信号，退出")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}
		c.handle(ctx, m, processor)
	}
}

// handle 处理一条消息。消费者组内 FetchMessage 不会重新投递未提交的消息，
// 所以失败在这里原地重试，直到成功、次数用尽或 ctx 取消。
// ctx 取消时不提交 offset，重启后从这条消息继续。
func (c *Consumer) handle(ctx context.Context, m kafka.Message, processor TaskProcessor) {
	var task tasks.ProcessPendingTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.TaskID)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxInterval = 30 * time.Second
	var local int64
	for {
		err := processor.ProcessTask(ctx, task)
		if err == nil {
			log.Infof("任务处理成功: TaskID=%s", task.TaskID)
			if c.rdb != nil {
				_ = c.rdb.Del(ctx, attemptsKey).Err()
			}
			c.commit(ctx, m)
			return
		}
		if ctx.Err() != nil {
			log.Warnf("处理任务时收到停止信号，保留 offset: TaskID=%s", task.TaskID)
			return
		}

		local++
		attempts := c.recordFailure(ctx, attemptsKey, local)
		log.Errorf("处理任务失败: TaskID=%s, 第 %d/%d 次, Error: %v", task.TaskID, attempts, c.maxAttempts, err)
		if attempts >= c.maxAttempts {
			log.Errorf("任务多次失败(>=%d)，提交 offset 终止重试: TaskID=%s", c.maxAttempts, task.TaskID)
			c.commit(ctx, m)
			return
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// recordFailure 返回该任务累计的失败次数。Redis 不可用时退回进程内计数。
func (c *Consumer) recordFailure(ctx context.Context, key string, local int64) int64 {
	if c.rdb == nil {
		return local
	}
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		log.Warnf("记录任务失败次数失败, 使用进程内计数: key=%s, error: %v", key, err)
		return local
	}
	_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
	if n < local {
		return local
	}
	return n
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
