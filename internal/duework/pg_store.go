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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dueWorkColumns = `id, task_id, task_version, fire_time, priority, dedupe_key,
	status, attempt, max_attempts, not_before, lease_owner, lease_expires,
	cancel_requested, trigger, payload, reason, created_at, updated_at`

// pgStore PostgreSQL 实现。租约获取用单条 CTE 语句完成
// 「选出可见行 + 上锁 + 置租约」，依赖 FOR UPDATE SKIP LOCKED
// 保证多 worker 互斥，无需显式事务。
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 基于共享连接池创建待执行项存储
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Enqueue(ctx context.Context, w *DueWork) error {
	normalizeNew(w, time.Now().UTC())
	var payloadJSON any
	if w.Payload != nil {
		b, err := json.Marshal(w.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payloadJSON = b
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO due_work (`+dueWorkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		w.ID, w.TaskID, w.TaskVersion, w.FireTime, w.Priority, w.DedupeKey,
		string(w.Status), w.Attempt, w.MaxAttempts, w.NotBefore, w.LeaseOwner, w.LeaseExpires,
		w.CancelRequested, string(w.Trigger), payloadJSON, w.Reason, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *pgStore) Acquire(ctx context.Context, workerID string, visibility time.Duration, now time.Time) (*DueWork, error) {
	row := s.pool.QueryRow(ctx, `
		WITH sel AS (
			SELECT id FROM due_work
			WHERE (status = 'pending' AND not_before <= $3)
			   OR (status = 'leased' AND lease_expires < $3)
			ORDER BY priority DESC, fire_time ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE due_work
		SET status = 'leased', lease_owner = $1, lease_expires = $2,
		    attempt = attempt + 1, updated_at = $3
		FROM sel WHERE due_work.id = sel.id
		RETURNING due_work.id, due_work.task_id, due_work.task_version, due_work.fire_time,
		          due_work.priority, due_work.dedupe_key, due_work.status, due_work.attempt,
		          due_work.max_attempts, due_work.not_before, due_work.lease_owner,
		          due_work.lease_expires, due_work.cancel_requested, due_work.trigger,
		          due_work.payload, due_work.reason, due_work.created_at, due_work.updated_at`,
		workerID, now.Add(visibility), now)
	w, err := scanDueWork(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoWork
		}
		return nil, err
	}
	return w, nil
}

func (s *pgStore) Heartbeat(ctx context.Context, id, workerID string, visibility time.Duration, now time.Time) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE due_work SET lease_expires = $3, updated_at = $4
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2`,
		id, workerID, now.Add(visibility), now)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *pgStore) MarkSucceeded(ctx context.Context, id, workerID string) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE due_work
		SET status = 'succeeded', lease_owner = NULL, lease_expires = NULL, updated_at = now()
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2`,
		id, workerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *pgStore) ReleaseForRetry(ctx context.Context, id, workerID string, notBefore time.Time) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE due_work
		SET status = 'pending', not_before = $3, lease_owner = NULL, lease_expires = NULL, updated_at = now()
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2`,
		id, workerID, notBefore)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *pgStore) MarkDead(ctx context.Context, id, workerID, reason string) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE due_work
		SET status = 'dead', reason = $3, lease_owner = NULL, lease_expires = NULL, updated_at = now()
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2`,
		id, workerID, reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *pgStore) RequestCancel(ctx context.Context, id string) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE due_work SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'leased')`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var one int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM due_work WHERE id = $1`, id).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *pgStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM due_work WHERE id = $1`, id).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return requested, nil
}

func (s *pgStore) Get(ctx context.Context, id string) (*DueWork, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+dueWorkColumns+` FROM due_work WHERE id = $1`, id)
	w, err := scanDueWork(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func (s *pgStore) ReclaimExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	cmd, err := s.pool.Exec(ctx, `
		WITH sel AS (
			SELECT id FROM due_work
			WHERE status = 'leased' AND lease_expires < $1
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE due_work
		SET status = 'pending', lease_owner = NULL, lease_expires = NULL, updated_at = $1
		FROM sel WHERE due_work.id = sel.id`,
		now, limit)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (s *pgStore) MarkTaskDead(ctx context.Context, taskID, reason string, now time.Time) (int, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE due_work
		SET status = 'dead', reason = $2, lease_owner = NULL, lease_expires = NULL, updated_at = $3
		WHERE task_id = $1
		  AND (status = 'pending' OR (status = 'leased' AND lease_expires < $3))`,
		taskID, reason, now)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (s *pgStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM due_work GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = int(n)
	}
	return counts, rows.Err()
}

func (s *pgStore) PendingBacklog(ctx context.Context, taskID string) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM due_work WHERE task_id = $1 AND status = 'pending'`, taskID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanDueWork(row pgx.Row) (*DueWork, error) {
	var w DueWork
	var status, trigger string
	var payloadJSON []byte
	err := row.Scan(
		&w.ID, &w.TaskID, &w.TaskVersion, &w.FireTime, &w.Priority, &w.DedupeKey,
		&status, &w.Attempt, &w.MaxAttempts, &w.NotBefore, &w.LeaseOwner, &w.LeaseExpires,
		&w.CancelRequested, &trigger, &payloadJSON, &w.Reason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Status = Status(status)
	w.Trigger = Trigger(trigger)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &w.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &w, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
