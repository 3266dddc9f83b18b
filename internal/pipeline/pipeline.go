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

// Package pipeline 定义声明式 pipeline 的结构与顺序执行引擎。
// pipeline 是一串 tool 调用：每步渲染 with 模板、校验输入输出 schema、
// 按条件跳过、按策略重试，步骤输出绑定为后续步骤可引用的变量。
package pipeline

import (
	"time"

	"task-orchestrator/pkg/backoff"
)

// Spec 声明式 pipeline：按序执行的 step 序列
type Spec struct {
	Steps []Step `json:"steps"`
}

// Step 单个 step 定义
type Step struct {
	ID      string         `json:"id"`
	Uses    string         `json:"uses"`              // tool 地址，形如 namespace.name
	With    map[string]any `json:"with,omitempty"`    // 输入对象，字符串值可内嵌 ${...} 模板
	If      string         `json:"if,omitempty"`      // jq 谓词，空表示总是执行
	SaveAs  string         `json:"save_as,omitempty"` // 输出绑定变量名，默认 step id
	Timeout string         `json:"timeout,omitempty"` // 单次调用超时，如 "30s"
	Retry   *RetrySpec     `json:"retry,omitempty"`
}

// BindName 输出绑定的变量名；save_as 为空时回落到 step id
func (s *Step) BindName() string {
	if s.SaveAs != "" {
		return s.SaveAs
	}
	return s.ID
}

// RetrySpec step 级重试策略；未设置的字段继承 task/全局默认
type RetrySpec struct {
	MaxAttempts int      `json:"max_attempts,omitempty"`
	BaseDelay   string   `json:"base_delay,omitempty"`
	MaxDelay    string   `json:"max_delay,omitempty"`
	Jitter      *float64 `json:"jitter,omitempty"`
}

// Policy 合并默认值，返回实际生效的退避参数与调用次数上限。
// r 为 nil 时原样返回默认值。
func (r *RetrySpec) Policy(def backoff.Policy, defAttempts int) (backoff.Policy, int) {
	p, attempts := def, defAttempts
	if r == nil {
		return p, attempts
	}
	if r.MaxAttempts > 0 {
		attempts = r.MaxAttempts
	}
	if d, err := time.ParseDuration(r.BaseDelay); err == nil && d > 0 {
		p.BaseDelay = d
	}
	if d, err := time.ParseDuration(r.MaxDelay); err == nil && d > 0 {
		p.MaxDelay = d
	}
	if r.Jitter != nil && *r.Jitter >= 0 {
		p.Jitter = *r.Jitter
	}
	return p, attempts
}

// StepStatus step 执行结果状态
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped" // if 谓词为 false，未绑定变量
)

// StepResult 单 step 的执行记录，随 run 持久化。
// 输出本体只存在于运行期变量环境，记录中仅保留截断摘要。
type StepResult struct {
	StepID       string     `json:"step_id"`
	Status       StepStatus `json:"status"`
	Attempts     int        `json:"attempts,omitempty"` // 实际调用次数，含首次
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
	InputDigest  string     `json:"input_digest,omitempty"`
	OutputDigest string     `json:"output_digest,omitempty"`
	Error        string     `json:"error,omitempty"`
}
