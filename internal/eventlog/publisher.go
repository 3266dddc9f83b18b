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
	"fmt"
	"time"

	"task-orchestrator/pkg/metrics"
)

// Publisher 统一发布入口：先写 archive（持久审计表）再上 stream。
// archive 写入失败则整次发布失败，避免出现流里有、表里无的事件。
type Publisher struct {
	Log     Log
	Archive Archive
}

// Publish 发布事件并返回流消息 ID
func (p *Publisher) Publish(ctx context.Context, ev Event) (string, error) {
	if !ValidTopic(ev.Topic) {
		return "", fmt.Errorf("invalid topic %q", ev.Topic)
	}
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}
	if p.Archive != nil {
		if err := p.Archive.Append(ctx, ev); err != nil {
			return "", fmt.Errorf("archive event: %w", err)
		}
	}
	id, err := p.Log.Publish(ctx, ev)
	if err != nil {
		return "", err
	}
	metrics.EventsPublishedTotal.WithLabelValues(ev.Topic).Inc()
	return id, nil
}
