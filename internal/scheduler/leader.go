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

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaderStore 单活 scheduler 的租约存储。持有者每 tick 续期；
// 租约过期后任何实例都可接管。
type LeaderStore interface {
	// TryAcquireLeader 尝试取得或续期领导权。owner 已持有、或当前租约
	// 已过期时成功；否则返回 false（standby）。
	TryAcquireLeader(ctx context.Context, owner string, ttl time.Duration, now time.Time) (bool, error)
}

type memoryLeaderStore struct {
	mu      sync.Mutex
	owner   string
	expires time.Time
}

// NewMemoryLeaderStore 创建内存 LeaderStore（测试/单机）
func NewMemoryLeaderStore() LeaderStore {
	return &memoryLeaderStore{}
}

func (s *memoryLeaderStore) TryAcquireLeader(_ context.Context, owner string, ttl time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != "" && s.owner != owner && now.Before(s.expires) {
		return false, nil
	}
	s.owner = owner
	s.expires = now.Add(ttl)
	return true, nil
}

type pgLeaderStore struct {
	pool *pgxpool.Pool
}

// NewPostgresLeaderStore 创建 PostgreSQL LeaderStore（scheduler_leader 单行表）
func NewPostgresLeaderStore(pool *pgxpool.Pool) LeaderStore {
	return &pgLeaderStore{pool: pool}
}

func (s *pgLeaderStore) TryAcquireLeader(ctx context.Context, owner string, ttl time.Duration, now time.Time) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_leader (singleton, owner, expires_at)
		VALUES (1, $1, $2)
		ON CONFLICT (singleton) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE scheduler_leader.owner = excluded.owner OR scheduler_leader.expires_at < $3`,
		owner, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}
