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

package tool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// LimitConfig 单个工具的限流配置
type LimitConfig struct {
	QPS           float64 `yaml:"qps"`            // 每秒请求数限制
	MaxConcurrent int     `yaml:"max_concurrent"` // 最大并发数
	Burst         int     `yaml:"burst"`          // 令牌桶容量（可选，默认为 QPS）
}

// RateLimiter 工具维度的限流器，支持 QPS + 并发控制
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*toolLimiter // tool address -> limiter
	defaults *LimitConfig
}

type toolLimiter struct {
	rateLimiter *rate.Limiter // QPS 限流器
	semaphore   chan struct{} // 并发控制
	config      LimitConfig
}

// NewRateLimiter 创建工具限流器；defaults 为 nil 时使用内置默认值
func NewRateLimiter(configs map[string]LimitConfig, defaults *LimitConfig) *RateLimiter {
	if defaults == nil {
		defaults = &LimitConfig{
			QPS:           100, // 默认每秒 100 次
			MaxConcurrent: 10,  // 默认最大并发 10
			Burst:         100,
		}
	}

	rl := &RateLimiter{
		limiters: make(map[string]*toolLimiter),
		defaults: defaults,
	}
	for address, cfg := range configs {
		rl.add(address, cfg)
	}
	return rl
}

func (l *RateLimiter) add(address string, cfg LimitConfig) {
	if cfg.Burst == 0 {
		cfg.Burst = int(cfg.QPS)
	}

	tl := &toolLimiter{config: cfg}
	if cfg.QPS > 0 {
		tl.rateLimiter = rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst)
	}
	if cfg.MaxConcurrent > 0 {
		tl.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}

	l.mu.Lock()
	l.limiters[address] = tl
	l.mu.Unlock()
}

// Wait 等待获取执行许可（阻塞直到可以执行）；成功后必须配对调用 Release
func (l *RateLimiter) Wait(ctx context.Context, address string) error {
	l.mu.RLock()
	tl, ok := l.limiters[address]
	l.mu.RUnlock()

	if !ok {
		// 未配置的工具使用默认配置
		l.add(address, *l.defaults)
		l.mu.RLock()
		tl = l.limiters[address]
		l.mu.RUnlock()
	}

	// QPS 限流
	if tl.rateLimiter != nil {
		if err := tl.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait failed: %w", err)
		}
	}

	// 并发限流（acquire semaphore）
	if tl.semaphore != nil {
		select {
		case tl.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Release 释放并发 slot（在工具执行完成后调用）
func (l *RateLimiter) Release(address string) {
	l.mu.RLock()
	tl, ok := l.limiters[address]
	l.mu.RUnlock()

	if ok && tl.semaphore != nil {
		select {
		case <-tl.semaphore:
		default:
			// semaphore 已空，无需释放
		}
	}
}
