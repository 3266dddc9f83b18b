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

package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore 内存实现：读写均走 Clone 隔离
type memoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建内存任务存储
func NewMemoryStore() Store {
	return &memoryStore{tasks: make(map[string]*Task)}
}

func (s *memoryStore) Create(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing.Name == t.Name && existing.Status != StatusArchived {
			return ErrNameTaken
		}
	}
	normalizeNew(t, time.Now().UTC())
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *memoryStore) GetByName(ctx context.Context, name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.Name == name && t.Status != StatusArchived {
			return t.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*Task
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && t.AgentID != filter.AgentID {
			continue
		}
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if filter.Offset >= len(all) {
		return nil, nil
	}
	all = all[filter.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*Task, len(all))
	for i, t := range all {
		out[i] = t.Clone()
	}
	return out, nil
}

func (s *memoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) SetNextFire(ctx context.Context, id string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if next != nil {
		n := next.UTC()
		t.NextFire = &n
	} else {
		t.NextFire = nil
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) SelectDue(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*Task
	for _, t := range s.tasks {
		if t.Status != StatusActive || t.NextFire == nil {
			continue
		}
		if t.NextFire.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextFire.Equal(*due[j].NextFire) {
			return due[i].NextFire.Before(*due[j].NextFire)
		}
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*Task, len(due))
	for i, t := range due {
		out[i] = t.Clone()
	}
	return out, nil
}

func (s *memoryStore) AdvanceCursor(ctx context.Context, id string, oldNextFire time.Time, nextFire *time.Time, lastFired time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.NextFire == nil || !t.NextFire.Equal(oldNextFire) {
		return false, nil
	}
	if nextFire != nil {
		n := nextFire.UTC()
		t.NextFire = &n
	} else {
		t.NextFire = nil
	}
	if !lastFired.IsZero() {
		lf := lastFired.UTC()
		t.LastFired = &lf
	}
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *memoryStore) RecordDeadStreak(ctx context.Context, id string, reset bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, ErrNotFound
	}
	if reset {
		t.DeadStreak = 0
	} else {
		t.DeadStreak++
	}
	t.UpdatedAt = time.Now().UTC()
	return t.DeadStreak, nil
}
