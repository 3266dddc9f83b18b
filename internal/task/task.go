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

// Package task 定义任务模型与任务存储（内存 / PostgreSQL 双实现）。
// 任务是持久的调度定义；每次触发产出 duework 行，由 worker 租约执行。
package task

import (
	"time"

	"task-orchestrator/internal/pipeline"
	"task-orchestrator/internal/schedule"
	"task-orchestrator/pkg/backoff"
)

// Status 任务生命周期状态。active ⇄ paused → archived；archived 为终态，不做物理删除。
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// CatchupPolicy 调度器停机期间错过的触发如何补偿
type CatchupPolicy string

const (
	// CatchupFireAllMissed 为每个错过的时刻各入队一条 duework（受 tick 补偿上限约束）
	CatchupFireAllMissed CatchupPolicy = "fire_all_missed"
	// CatchupFireLatestOnly 只补最近一次错过的时刻（默认）
	CatchupFireLatestOnly CatchupPolicy = "fire_latest_only"
	// CatchupSkipAll 跳过全部错过的时刻，直接推进到下一次
	CatchupSkipAll CatchupPolicy = "skip_all"
)

// BackoffSpec 任务级重试退避参数，覆盖进程配置默认值。
// 时长为 "1s" 形式的字符串；零值字段沿用默认。
type BackoffSpec struct {
	BaseDelay string   `json:"base_delay,omitempty"`
	MaxDelay  string   `json:"max_delay,omitempty"`
	Jitter    *float64 `json:"jitter,omitempty"`
}

// Policy 将 BackoffSpec 合并到默认退避策略上
func (b *BackoffSpec) Policy(def backoff.Policy) backoff.Policy {
	p := def
	if b == nil {
		return p
	}
	if d, err := time.ParseDuration(b.BaseDelay); err == nil && d > 0 {
		p.BaseDelay = d
	}
	if d, err := time.ParseDuration(b.MaxDelay); err == nil && d > 0 {
		p.MaxDelay = d
	}
	if b.Jitter != nil && *b.Jitter >= 0 {
		p.Jitter = *b.Jitter
	}
	return p
}

// CircuitSpec 熔断配置：连续 dead 项达到 Threshold 时 worker 将任务转为 paused。
// Threshold 为 0 或整个结构缺省表示不启用。
type CircuitSpec struct {
	Threshold int `json:"threshold"`
}

// Task 持久任务定义
type Task struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	Status        Status         `json:"status"`
	Schedule      schedule.Spec  `json:"schedule"`
	Pipeline      pipeline.Spec  `json:"pipeline"`
	Params        map[string]any `json:"params,omitempty"`
	Priority      int            `json:"priority"`
	Version       int            `json:"version"`
	CatchupPolicy CatchupPolicy  `json:"catchup_policy"`
	MaxAttempts   int            `json:"max_attempts,omitempty"`
	Backoff       *BackoffSpec   `json:"backoff,omitempty"`
	Circuit       *CircuitSpec   `json:"circuit,omitempty"`

	// NextFire 调度游标：下一次应当触发的 UTC 时刻。
	// event/manual 任务及已耗尽的调度为 nil。
	NextFire  *time.Time `json:"next_fire,omitempty"`
	LastFired *time.Time `json:"last_fired,omitempty"`

	// DeadStreak 连续 dead 的 duework 计数，熔断输入；成功清零，取消不动。
	DeadStreak int `json:"dead_streak"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CircuitThreshold 返回熔断阈值；未启用返回 0
func (t *Task) CircuitThreshold() int {
	if t.Circuit == nil {
		return 0
	}
	return t.Circuit.Threshold
}

// Clone 深拷贝（指针时间字段、params、pipeline steps 均独立），供内存存储读写隔离
func (t *Task) Clone() *Task {
	c := *t
	if t.NextFire != nil {
		nf := *t.NextFire
		c.NextFire = &nf
	}
	if t.LastFired != nil {
		lf := *t.LastFired
		c.LastFired = &lf
	}
	if t.Params != nil {
		c.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.Pipeline.Steps != nil {
		c.Pipeline.Steps = make([]pipeline.Step, len(t.Pipeline.Steps))
		copy(c.Pipeline.Steps, t.Pipeline.Steps)
	}
	if t.Backoff != nil {
		b := *t.Backoff
		c.Backoff = &b
	}
	if t.Circuit != nil {
		cs := *t.Circuit
		c.Circuit = &cs
	}
	return &c
}
