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
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Archive 事件的持久审计镜像。发布路径先 Append 再进流，
// 流截断后历史仍可回放/审计。
type Archive interface {
	Append(ctx context.Context, ev Event) error
	// ListByTopic 按发布时间倒序
	ListByTopic(ctx context.Context, topic string, limit int) ([]Event, error)
}

// memoryArchive 内存镜像
type memoryArchive struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryArchive 创建内存审计镜像
func NewMemoryArchive() Archive {
	return &memoryArchive{}
}

func (a *memoryArchive) Append(ctx context.Context, ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}
	a.events = append(a.events, ev)
	return nil
}

func (a *memoryArchive) ListByTopic(ctx context.Context, topic string, limit int) ([]Event, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Event
	for i := len(a.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if a.events[i].Topic == topic {
			out = append(out, a.events[i])
		}
	}
	return out, nil
}

// pgArchive events 表实现
type pgArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive 基于共享连接池创建审计镜像
func NewPostgresArchive(pool *pgxpool.Pool) Archive {
	return &pgArchive{pool: pool}
}

func (a *pgArchive) Append(ctx context.Context, ev Event) error {
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}
	var payloadJSON any
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payloadJSON = b
	}
	_, err := a.pool.Exec(ctx,
		`INSERT INTO events (topic, payload, published_at) VALUES ($1, $2, $3)`,
		ev.Topic, payloadJSON, ev.PublishedAt)
	return err
}

func (a *pgArchive) ListByTopic(ctx context.Context, topic string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.pool.Query(ctx, `
		SELECT id, topic, payload, published_at FROM events
		WHERE topic = $1 ORDER BY published_at DESC LIMIT $2`, topic, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var id int64
		var payloadJSON []byte
		if err := rows.Scan(&id, &ev.Topic, &payloadJSON, &ev.PublishedAt); err != nil {
			return nil, err
		}
		ev.ID = fmt.Sprintf("%d", id)
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
