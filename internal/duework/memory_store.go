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

package duework

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore 内存实现；单把互斥锁即可保证租约获取的原子性
type memoryStore struct {
	mu     sync.Mutex
	items  map[string]*DueWork
	dedupe map[string]string // dedupe_key -> id
}

// NewMemoryStore 创建内存待执行项存储
func NewMemoryStore() Store {
	return &memoryStore{
		items:  make(map[string]*DueWork),
		dedupe: make(map[string]string),
	}
}

func (s *memoryStore) Enqueue(ctx context.Context, w *DueWork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dedupe[w.DedupeKey]; exists {
		return ErrDuplicate
	}
	normalizeNew(w, time.Now().UTC())
	s.items[w.ID] = w.Clone()
	s.dedupe[w.DedupeKey] = w.ID
	return nil
}

func (s *memoryStore) Acquire(ctx context.Context, workerID string, visibility time.Duration, now time.Time) (*DueWork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*DueWork
	for _, w := range s.items {
		if eligible(w, now) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoWork
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if !candidates[i].FireTime.Equal(candidates[j].FireTime) {
			return candidates[i].FireTime.Before(candidates[j].FireTime)
		}
		return candidates[i].ID < candidates[j].ID
	})
	w := candidates[0]
	w.Status = StatusLeased
	owner := workerID
	expires := now.Add(visibility)
	w.LeaseOwner = &owner
	w.LeaseExpires = &expires
	w.Attempt++
	w.UpdatedAt = now
	return w.Clone(), nil
}

func (s *memoryStore) Heartbeat(ctx context.Context, id, workerID string, visibility time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.leased(id, workerID)
	if err != nil {
		return err
	}
	expires := now.Add(visibility)
	w.LeaseExpires = &expires
	w.UpdatedAt = now
	return nil
}

func (s *memoryStore) MarkSucceeded(ctx context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.leased(id, workerID)
	if err != nil {
		return err
	}
	w.Status = StatusSucceeded
	w.LeaseOwner = nil
	w.LeaseExpires = nil
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) ReleaseForRetry(ctx context.Context, id, workerID string, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.leased(id, workerID)
	if err != nil {
		return err
	}
	w.Status = StatusPending
	w.NotBefore = notBefore.UTC()
	w.LeaseOwner = nil
	w.LeaseExpires = nil
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) MarkDead(ctx context.Context, id, workerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.leased(id, workerID)
	if err != nil {
		return err
	}
	w.Status = StatusDead
	w.Reason = reason
	w.LeaseOwner = nil
	w.LeaseExpires = nil
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// leased 校验目标存在、处于 leased 且由 workerID 持有
func (s *memoryStore) leased(id, workerID string) (*DueWork, error) {
	w, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if w.Status != StatusLeased || w.LeaseOwner == nil || *w.LeaseOwner != workerID {
		return nil, ErrLeaseLost
	}
	return w, nil
}

func (s *memoryStore) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status.Terminal() {
		return ErrConflict
	}
	w.CancelRequested = true
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.items[id]
	if !ok {
		return false, ErrNotFound
	}
	return w.CancelRequested, nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*DueWork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

func (s *memoryStore) ReclaimExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.items {
		if limit > 0 && count >= limit {
			break
		}
		if w.Status == StatusLeased && w.LeaseExpires != nil && w.LeaseExpires.Before(now) {
			w.Status = StatusPending
			w.LeaseOwner = nil
			w.LeaseExpires = nil
			w.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) MarkTaskDead(ctx context.Context, taskID, reason string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.items {
		if w.TaskID != taskID || !eligible(w, now) {
			continue
		}
		w.Status = StatusDead
		w.Reason = reason
		w.LeaseOwner = nil
		w.LeaseExpires = nil
		w.UpdatedAt = now
		count++
	}
	return count, nil
}

func (s *memoryStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, w := range s.items {
		counts[string(w.Status)]++
	}
	return counts, nil
}

func (s *memoryStore) PendingBacklog(ctx context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.items {
		if w.TaskID == taskID && w.Status == StatusPending {
			count++
		}
	}
	return count, nil
}
