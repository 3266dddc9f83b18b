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

package run

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryStore 创建内存 run 存储
func NewMemoryStore() Store {
	return &memoryStore{runs: make(map[string]*Run)}
}

func (s *memoryStore) Begin(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	normalizeBegin(r, time.Now().UTC())
	s.runs[r.ID] = r.Clone()
	return nil
}

func (s *memoryStore) Finish(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[r.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Status = r.Status
	if r.FinishedAt != nil {
		f := *r.FinishedAt
		stored.FinishedAt = &f
	}
	stored.Error = boundError(r.Error)
	stored.VarsDigest = r.VarsDigest
	if r.Steps != nil {
		stored.Steps = r.Clone().Steps
	}
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *memoryStore) ListByTask(ctx context.Context, taskID string, limit, offset int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*Run
	for _, r := range s.runs {
		if r.TaskID == taskID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].Attempt > all[j].Attempt
	})
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*Run, len(all))
	for i, r := range all {
		out[i] = r.Clone()
	}
	return out, nil
}

func (s *memoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, r := range s.runs {
		if limit > 0 && count >= limit {
			break
		}
		if r.StartedAt.Before(cutoff) {
			delete(s.runs, id)
			count++
		}
	}
	return count, nil
}
