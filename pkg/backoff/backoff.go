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

// Package backoff 实现指数退避：queue 层重投与 step 层重试共用同一公式
// delay = min(max_delay, base*2^(attempt-1))，再乘以 (1 ± jitter) 内的随机因子。
package backoff

import (
	"math/rand"
	"time"
)

// 公式默认值（task 未覆盖时由配置层填入）
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 300 * time.Second
	DefaultJitter      = 0.2
	DefaultMaxAttempts = 5
)

// Policy 退避参数。零值字段按默认值处理
type Policy struct {
	BaseDelay time.Duration `json:"base_delay,omitempty"`
	MaxDelay  time.Duration `json:"max_delay,omitempty"`
	Jitter    float64       `json:"jitter,omitempty"`
}

// Default 全默认参数的 Policy
func Default() Policy {
	return Policy{
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
		Jitter:    DefaultJitter,
	}
}

// Delay 第 attempt 次失败后的等待时长，attempt 从 1 计
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64)
}

// DelayWithRand 使用 r 作为随机源，测试用
func (p Policy) DelayWithRand(attempt int, r *rand.Rand) time.Duration {
	return p.delay(attempt, r.Float64)
}

func (p Policy) delay(attempt int, randFloat func() float64) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}
	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		// 溢出或越过上限即封顶
		if d >= max || d <= 0 {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	if jitter > 0 {
		factor := 1 + (randFloat()*2-1)*jitter
		d = time.Duration(float64(d) * factor)
		if d < 0 {
			d = 0
		}
	}
	return d
}
