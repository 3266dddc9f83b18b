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

package run

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound 指定 id 的 run 不存在
var ErrNotFound = errors.New("run: not found")

const defaultListLimit = 50

// Store run 历史存储
type Store interface {
	// Begin 写入 running 状态的记录；ID 为空时分配 uuid
	Begin(ctx context.Context, r *Run) error
	// Finish 落终态：status/finished_at/error/vars_digest/steps
	Finish(ctx context.Context, r *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// ListByTask 按 started_at 倒序
	ListByTask(ctx context.Context, taskID string, limit, offset int) ([]*Run, error)
	// DeleteOlderThan 删除 started_at 早于 cutoff 的记录，单次最多 limit 条；
	// 返回删除条数，供保留期 GC 分批调用
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

func normalizeBegin(r *Run, now time.Time) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	r.Error = boundError(r.Error)
}
