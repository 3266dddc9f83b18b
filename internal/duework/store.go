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

package duework

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoWork 当前无可租约的待执行项
	ErrNoWork = errors.New("duework: no work available")
	// ErrLeaseLost 调用者不再持有该项的租约
	ErrLeaseLost = errors.New("duework: lease lost")
	// ErrDuplicate 去重键已存在，本次触发已入队过
	ErrDuplicate = errors.New("duework: duplicate dedupe key")
	// ErrNotFound 指定 id 不存在
	ErrNotFound = errors.New("duework: not found")
	// ErrConflict 目标已处于终态
	ErrConflict = errors.New("duework: item is terminal")
)

// Store 待执行项存储与租约协议。
//
// 可见性规则：(status=pending AND not_before<=now) OR
// (status=leased AND lease_expires<now)，选取顺序 priority DESC,
// fire_time ASC, id ASC。过期租约由 Acquire 直接重新获取，
// 重投不依赖后台清扫。
type Store interface {
	// Enqueue 入队；同 dedupe_key 已存在时返回 ErrDuplicate
	Enqueue(ctx context.Context, w *DueWork) error
	// Acquire 原子获取一条可见项并上租约（attempt 加一）；无可用项返回 ErrNoWork
	Acquire(ctx context.Context, workerID string, visibility time.Duration, now time.Time) (*DueWork, error)
	// Heartbeat 续租；非当前持有者返回 ErrLeaseLost
	Heartbeat(ctx context.Context, id, workerID string, visibility time.Duration, now time.Time) error
	MarkSucceeded(ctx context.Context, id, workerID string) error
	// ReleaseForRetry 回到 pending 并设置退避门 notBefore
	ReleaseForRetry(ctx context.Context, id, workerID string, notBefore time.Time) error
	MarkDead(ctx context.Context, id, workerID, reason string) error

	// RequestCancel 置取消标志；终态项返回 ErrConflict
	RequestCancel(ctx context.Context, id string) error
	// CancelRequested 供执行器在 step 边界与超时处轮询
	CancelRequested(ctx context.Context, id string) (bool, error)

	Get(ctx context.Context, id string) (*DueWork, error)
	// ReclaimExpired 将过期 leased 行清回 pending；返回处理条数。
	// 仅为队列观测与指标服务，正确性不依赖它。
	ReclaimExpired(ctx context.Context, now time.Time, limit int) (int, error)
	// MarkTaskDead 将某任务所有可被获取的项标记 dead（归档清理路径）
	MarkTaskDead(ctx context.Context, taskID, reason string, now time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	PendingBacklog(ctx context.Context, taskID string) (int, error)
}

// normalizeNew 补齐入队默认字段，两个实现共用
func normalizeNew(w *DueWork, now time.Time) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = StatusPending
	}
	if w.NotBefore.IsZero() {
		w.NotBefore = w.FireTime
	}
	if w.Trigger == "" {
		w.Trigger = TriggerSchedule
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
}

// eligible 可见性判定
func eligible(w *DueWork, now time.Time) bool {
	switch w.Status {
	case StatusPending:
		return !w.NotBefore.After(now)
	case StatusLeased:
		return w.LeaseExpires != nil && w.LeaseExpires.Before(now)
	default:
		return false
	}
}
