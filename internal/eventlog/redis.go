// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// streamKey 默认流名；全部 topic 共用一条流，topic 作为消息字段
	streamKey = "tasko:events"
	// streamMaxLen 默认 XAdd MAXLEN ~，近似截断
	streamMaxLen = 65536

	readCount = 16
	readBlock = 2 * time.Second
)

// RedisLog Redis Streams 实现
type RedisLog struct {
	client *redis.Client
	stream string
	maxLen int64
}

// RedisConfig 连接参数
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Stream   string `yaml:"stream" mapstructure:"stream"`
	MaxLen   int64  `yaml:"max_len" mapstructure:"max_len"`
}

// NewRedisLog 建连并 ping；失败时关闭 client
func NewRedisLog(ctx context.Context, cfg RedisConfig) (*RedisLog, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	l := NewRedisLogFromClient(client)
	if cfg.Stream != "" {
		l.stream = cfg.Stream
	}
	if cfg.MaxLen > 0 {
		l.maxLen = cfg.MaxLen
	}
	return l, nil
}

// NewRedisLogFromClient 复用现成 client（测试用 miniredis 注入）
func NewRedisLogFromClient(client *redis.Client) *RedisLog {
	return &RedisLog{client: client, stream: streamKey, maxLen: streamMaxLen}
}

func (l *RedisLog) Publish(ctx context.Context, ev Event) (string, error) {
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}
	payloadJSON := "null"
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
		payloadJSON = string(b)
	}
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]any{
			"topic":        ev.Topic,
			"payload":      payloadJSON,
			"published_at": ev.PublishedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (l *RedisLog) Subscribe(ctx context.Context, group, consumer string, topics []string, h Handler) error {
	// 组不存在则从流尾建组；已存在的 BUSYGROUP 直接忽略
	err := l.client.XGroupCreateMkStream(ctx, l.stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{l.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				ev, decodeErr := decodeMessage(msg)
				if decodeErr != nil {
					// 坏消息直接 ack 出队，避免卡住整个组
					l.client.XAck(ctx, l.stream, group, msg.ID)
					continue
				}
				if !topicMatch(topics, ev.Topic) {
					l.client.XAck(ctx, l.stream, group, msg.ID)
					continue
				}
				if err := h(ctx, ev); err != nil {
					// 不 ack，留在 pending 列表等待重投
					continue
				}
				l.client.XAck(ctx, l.stream, group, msg.ID)
			}
		}
	}
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}

func decodeMessage(msg redis.XMessage) (Event, error) {
	ev := Event{ID: msg.ID}
	topic, ok := msg.Values["topic"].(string)
	if !ok || topic == "" {
		return ev, errors.New("message missing topic")
	}
	ev.Topic = topic
	if raw, ok := msg.Values["payload"].(string); ok && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
			return ev, fmt.Errorf("decode payload: %w", err)
		}
	}
	if raw, ok := msg.Values["published_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ev.PublishedAt = t
		}
	}
	return ev, nil
}
