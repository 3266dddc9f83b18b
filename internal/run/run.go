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

// Package run 记录每次执行尝试的结果。run 记录错误类别，
// 队列命运由 duework 行表达：一条 failed run 之后可以跟成功的重试。
package run

import (
	"time"

	"task-orchestrator/internal/pipeline"
)

// Status 执行尝试的结果类别
type Status string

const (
	StatusRunning Status = "running"
	// StatusSucceeded 全部 step 成功或跳过
	StatusSucceeded Status = "succeeded"
	// StatusFailed 可重试错误；队列侧可能还有后续尝试
	StatusFailed Status = "failed"
	// StatusDead 永久错误，本项不再重试
	StatusDead Status = "dead"
	// StatusCanceled 协作取消；不计入熔断
	StatusCanceled Status = "canceled"
)

// maxErrorLen run.error 存储上限；超出截断
const maxErrorLen = 2048

// Run 一次执行尝试。同一 duework 项的多次 run 按 attempt 全序。
type Run struct {
	ID         string                `json:"id"`
	TaskID     string                `json:"task_id"`
	DueWorkID  string                `json:"due_work_id"`
	Attempt    int                   `json:"attempt"`
	Status     Status                `json:"status"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Error      string                `json:"error,omitempty"`
	VarsDigest string                `json:"vars_digest,omitempty"`
	Steps      []pipeline.StepResult `json:"steps,omitempty"`
}

// Clone 深拷贝，供内存存储读写隔离
func (r *Run) Clone() *Run {
	c := *r
	if r.FinishedAt != nil {
		f := *r.FinishedAt
		c.FinishedAt = &f
	}
	if r.Steps != nil {
		c.Steps = make([]pipeline.StepResult, len(r.Steps))
		copy(c.Steps, r.Steps)
	}
	return &c
}

// boundError 截断超长错误文本
func boundError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
