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

package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// FailureType step 失败分类，决定 run 与 due-work 的终态走向
type FailureType string

const (
	FailureRetryable FailureType = "retryable" // 瞬时故障，按策略重试
	FailurePermanent FailureType = "permanent" // 确定性失败，重试无意义
	FailureCanceled  FailureType = "canceled"  // 协作取消，不重试
)

// Sentinel errors for tools to mark failure kind; the executor classifies by these.
var (
	ErrRetryable = errors.New("retryable")
	ErrPermanent = errors.New("permanent")
	ErrCanceled  = errors.New("canceled")
)

// StepFailure wraps an error with a FailureType for classification; StepID is the step that failed.
type StepFailure struct {
	Type   FailureType
	Inner  error
	StepID string
}

func (e *StepFailure) Error() string {
	if e.Inner != nil {
		return e.Inner.Error()
	}
	return string(e.Type)
}

func (e *StepFailure) Unwrap() error { return e.Inner }

// Permanent 构造确定性失败：模板解析、schema 校验、谓词求值等错误不可重试
func Permanent(stepID, format string, args ...any) *StepFailure {
	return &StepFailure{Type: FailurePermanent, StepID: stepID, Inner: fmt.Errorf(format, args...)}
}

// Retryable 构造可重试失败
func Retryable(stepID string, err error) *StepFailure {
	return &StepFailure{Type: FailureRetryable, StepID: stepID, Inner: err}
}

// Classify maps err to (FailureType, reason)。未分类的 tool 错误默认按可重试
// 处理（网络抖动、上游超载等多为瞬时故障）；step 超时同样可重试。
func Classify(err error) (FailureType, string) {
	if err == nil {
		return "", ""
	}
	reason := err.Error()
	var sf *StepFailure
	if errors.As(err, &sf) {
		return sf.Type, reason
	}
	if errors.Is(err, ErrCanceled) {
		return FailureCanceled, reason
	}
	if errors.Is(err, ErrPermanent) {
		return FailurePermanent, reason
	}
	if errors.Is(err, ErrRetryable) {
		return FailureRetryable, reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureRetryable, "step timeout: " + reason
	}
	return FailureRetryable, reason
}
