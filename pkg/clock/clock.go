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

// Package clock 提供时钟抽象：调度游标、租约判定、退避计算统一经由 Clock
// 取当前时间，测试中注入 Fake 即可推演任意时间线，不依赖真实计时器。
package clock

import (
	"sync"
	"time"
)

// Clock 当前时间来源
type Clock interface {
	Now() time.Time
}

// Real 系统时钟
type Real struct{}

// NewReal 创建系统时钟
func NewReal() *Real {
	return &Real{}
}

func (*Real) Now() time.Time {
	return time.Now()
}

// Fake 可手动推进的测试时钟
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake 创建测试时钟，起点为 start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance 将时钟向前推进 d，返回推进后的时间
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set 直接设定当前时间
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
