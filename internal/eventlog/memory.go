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
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryGroupBuffer = 256

// memoryLog 内存实现：每个 group 一条共享 channel，组内成员竞争消费，
// 组间各得一份。仅投递订阅之后发布的事件。
type memoryLog struct {
	mu     sync.Mutex
	groups map[string]chan Event
	closed bool
}

// NewMemoryLog 创建内存事件日志
func NewMemoryLog() Log {
	return &memoryLog{groups: make(map[string]chan Event)}
}

func (l *memoryLog) Publish(ctx context.Context, ev Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.groups {
		select {
		case ch <- ev:
		default:
			// 组积压满则丢弃；内存实现只服务测试与单机
		}
	}
	return ev.ID, nil
}

func (l *memoryLog) Subscribe(ctx context.Context, group, consumer string, topics []string, h Handler) error {
	l.mu.Lock()
	ch, ok := l.groups[group]
	if !ok {
		ch = make(chan Event, memoryGroupBuffer)
		l.groups[group] = ch
	}
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			if !topicMatch(topics, ev.Topic) {
				continue
			}
			if err := h(ctx, ev); err != nil {
				// 内存后端无重投；记录职责在 handler
				continue
			}
		}
	}
}

func (l *memoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
