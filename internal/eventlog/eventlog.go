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

// Package eventlog 事件日志的薄适配层：生命周期事件与 agent 自定义 topic
// 的发布/订阅。Redis Streams 为生产后端，内存实现供测试与单机。
// 持久审计镜像（events 表）由 Archive 负责，发布路径先落表再进流。
package eventlog

import (
	"context"
	"regexp"
	"time"
)

// 生命周期 topic
const (
	TopicTaskCreated    = "task.created"
	TopicTaskPaused     = "task.paused"
	TopicTaskResumed    = "task.resumed"
	TopicTaskSnoozed    = "task.snoozed"
	TopicTaskArchived   = "task.archived"
	TopicCircuitTripped = "task.circuit_tripped"
	TopicRunStarted     = "run.started"
	TopicRunSucceeded   = "run.succeeded"
	TopicRunFailed      = "run.failed"
	TopicRunDead        = "run.dead"
	TopicRunCanceled    = "run.canceled"
)

var topicPattern = regexp.MustCompile(`^[a-z0-9_.:-]{1,128}$`)

// ValidTopic agent 自定义 topic 的合法性
func ValidTopic(topic string) bool {
	return topicPattern.MatchString(topic)
}

// Event 一条已发布事件
type Event struct {
	ID          string         `json:"id"`
	Topic       string         `json:"topic"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
}

// Handler 消费回调；返回错误时该消息不 ack
type Handler func(ctx context.Context, ev Event) error

// Log 事件传输。Subscribe 为阻塞消费循环，ctx 取消后返回；
// 同一 group 内每条事件只投给一个 consumer。
type Log interface {
	// Publish 发布事件并返回其 id；PublishedAt 为零值时由实现补当前时间
	Publish(ctx context.Context, ev Event) (string, error)
	// Subscribe 以 group/consumer 身份消费；topics 为空表示全部
	Subscribe(ctx context.Context, group, consumer string, topics []string, h Handler) error
	Close() error
}

// topicMatch topics 过滤；空列表放行一切
func topicMatch(topics []string, topic string) bool {
	if len(topics) == 0 {
		return true
	}
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}
