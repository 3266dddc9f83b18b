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

package worker

import (
	"context"
	"errors"
	"time"

	"task-orchestrator/internal/duework"
	"task-orchestrator/pkg/clock"
	"task-orchestrator/pkg/log"
)

// HeartbeatRunner 在独立循环中定期续租，与执行循环解耦；执行卡住时
// 心跳仍在推后 lease_expires，执行结束后循环随 run context 退出。
// 续租确认租约易主（ErrLeaseLost / ErrNotFound）时调用 onLost，
// 由调用方取消 run context 让执行器尽快停手。
type HeartbeatRunner struct {
	queue      duework.Store
	workerID   string
	visibility time.Duration
	interval   time.Duration
	clk        clock.Clock
	logger     *log.Logger
}

// NewHeartbeatRunner 创建心跳运行器；interval 应显著小于 visibility（如 1/3）
func NewHeartbeatRunner(queue duework.Store, workerID string, visibility, interval time.Duration, clk clock.Clock, logger *log.Logger) *HeartbeatRunner {
	if interval <= 0 {
		interval = visibility / 3
	}
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &HeartbeatRunner{
		queue:      queue,
		workerID:   workerID,
		visibility: visibility,
		interval:   interval,
		clk:        clk,
		logger:     logger,
	}
}

// Run 周期续租直到 ctx 结束。瞬时存储故障只告警不中断，
// 租约在剩余可见性窗口内仍有效，下个周期重试。
func (h *HeartbeatRunner) Run(ctx context.Context, itemID string, onLost func()) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.queue.Heartbeat(ctx, itemID, h.workerID, h.visibility, h.clk.Now().UTC())
			if err == nil {
				continue
			}
			if errors.Is(err, duework.ErrLeaseLost) || errors.Is(err, duework.ErrNotFound) {
				h.logger.Warn("租约已易主，中断执行", "due_work_id", itemID, "worker_id", h.workerID)
				if onLost != nil {
					onLost()
				}
				return
			}
			if ctx.Err() == nil {
				h.logger.Warn("心跳续租失败", "due_work_id", itemID, "error", err)
			}
		}
	}
}
