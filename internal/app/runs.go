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

package app

import (
	"context"

	"task-orchestrator/internal/run"
)

// ListRuns 任务的运行历史，started_at 倒序
func (s *Service) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*run.Run, error) {
	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.runs.ListByTask(ctx, taskID, limit, offset)
}

// GetRun 读单条运行记录
func (s *Service) GetRun(ctx context.Context, id string) (*run.Run, error) {
	return s.runs.Get(ctx, id)
}

// CancelRun 对运行中的 run 置协作取消标志。worker 在 step 边界观察标志并以
// canceled 终态收尾，不重试。run 对应的队列项已终态时返回 duework.ErrConflict
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if err := s.queue.RequestCancel(ctx, r.DueWorkID); err != nil {
		return err
	}
	s.logger.Info("取消请求已登记", "run_id", r.ID, "due_work_id", r.DueWorkID)
	return nil
}
