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

// Package duework 管理触发产生的待执行项与其租约协议。
// 每个触发时刻一行；worker 以可见性租约竞争获取，崩溃后由租约过期自动重投。
package duework

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status 队列状态机：pending → leased → {pending, succeeded, dead}。
// failed 保留给 run 记录观察口径，队列自身重投时回到 pending。
type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Terminal 是否终态
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDead
}

// Trigger 入队来源
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerEvent    Trigger = "event"
	TriggerCatchup  Trigger = "catchup"
)

// RunNowPriority run_now 入队使用的优先级，高于任何任务可配置的值
const RunNowPriority = 1 << 30

// DueWork 一次触发的待执行项
type DueWork struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	TaskVersion int       `json:"task_version"`
	FireTime    time.Time `json:"fire_time"`
	Priority    int       `json:"priority"`
	DedupeKey   string    `json:"dedupe_key"`
	Status      Status    `json:"status"`

	// Attempt 每次租约获取时加一；worker 崩溃不回退，计入 max_attempts
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	// NotBefore 退避门：pending 行在此之前不可被租约选中
	NotBefore    time.Time  `json:"not_before"`
	LeaseOwner   *string    `json:"lease_owner,omitempty"`
	LeaseExpires *time.Time `json:"lease_expires,omitempty"`

	CancelRequested bool           `json:"cancel_requested"`
	Trigger         Trigger        `json:"trigger"`
	Payload         map[string]any `json:"payload,omitempty"`
	Reason          string         `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleKey 调度触发的去重键；同一任务同一触发时刻全局唯一
func ScheduleKey(taskID string, fireTime time.Time) string {
	return "task:" + taskID + ":" + strconv.FormatInt(fireTime.Unix(), 10)
}

// ManualKey run_now 去重键；每次调用都取新 uuid，不与历史冲突
func ManualKey() string {
	return "manual:" + uuid.New().String()
}

// EventKey 事件触发去重键；同一事件对同一任务只入队一次
func EventKey(taskID, topic, eventID string) string {
	return fmt.Sprintf("event:%s:%s:%s", taskID, topic, eventID)
}

// Clone 深拷贝，供内存存储读写隔离
func (w *DueWork) Clone() *DueWork {
	c := *w
	if w.LeaseOwner != nil {
		o := *w.LeaseOwner
		c.LeaseOwner = &o
	}
	if w.LeaseExpires != nil {
		e := *w.LeaseExpires
		c.LeaseExpires = &e
	}
	if w.Payload != nil {
		c.Payload = make(map[string]any, len(w.Payload))
		for k, v := range w.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}
