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

package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound 指定 id 的任务不存在
	ErrNotFound = errors.New("task: not found")
	// ErrNameTaken 同名非 archived 任务已存在
	ErrNameTaken = errors.New("task: name already in use")
)

// ListFilter 列表过滤；零值字段不过滤
type ListFilter struct {
	Status  Status
	AgentID string
	Limit   int // <=0 时取 100
	Offset  int
}

const defaultListLimit = 100

// Store 任务存储。双实现：内存（测试/单机）与 PostgreSQL。
// 游标推进（AdvanceCursor）按旧值条件更新，配合 duework 的 dedupe key
// 使多个 scheduler 并发 tick 幂等。
type Store interface {
	// Create 持久化新任务；ID 为空时分配 uuid。
	// 同名非 archived 任务已存在时返回 ErrNameTaken。
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	GetByName(ctx context.Context, name string) (*Task, error)
	List(ctx context.Context, filter ListFilter) ([]*Task, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	// SetNextFire 直接写游标：snooze 与 resume 重算路径
	SetNextFire(ctx context.Context, id string, next *time.Time) error
	// SelectDue 取 status=active 且 next_fire<=now 的任务，
	// 按 next_fire ASC, priority DESC, id ASC 排序，最多 limit 条
	SelectDue(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	// AdvanceCursor 仅当当前 next_fire 等于 oldNextFire 时推进游标并记录
	// lastFired；被其他 scheduler 抢先时返回 false。nextFire 为 nil 表示调度耗尽，
	// lastFired 零值表示本 tick 未点火（skip_all），last_fired 保持不变。
	AdvanceCursor(ctx context.Context, id string, oldNextFire time.Time, nextFire *time.Time, lastFired time.Time) (bool, error)
	// RecordDeadStreak 成功时清零（reset=true），dead 时加一；返回新值供熔断判断
	RecordDeadStreak(ctx context.Context, id string, reset bool) (int, error)
}

// normalizeNew 补齐新任务的默认字段，两个实现共用
func normalizeNew(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.CatchupPolicy == "" {
		t.CatchupPolicy = CatchupFireLatestOnly
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}
