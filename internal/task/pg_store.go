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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"task-orchestrator/internal/schedule"
)

const taskColumns = `id, name, description, agent_id, status,
	schedule_kind, schedule_expr, schedule_tz, pipeline, params,
	priority, version, catchup_policy, max_attempts, backoff, circuit,
	next_fire, last_fired, dead_streak, created_at, updated_at`

// pgStore PostgreSQL 实现；pipeline/params/backoff/circuit 存 jsonb，
// 调度拆为 kind/expr/tz 三列以便按 kind 查询（event 触发路径）
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 基于共享连接池创建任务存储；建表见 internal/storage
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Create(ctx context.Context, t *Task) error {
	normalizeNew(t, time.Now().UTC())
	pipelineJSON, err := json.Marshal(t.Pipeline)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	paramsJSON, err := jsonOrNull(t.Params != nil, t.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	backoffJSON, err := jsonOrNull(t.Backoff != nil, t.Backoff)
	if err != nil {
		return fmt.Errorf("marshal backoff: %w", err)
	}
	circuitJSON, err := jsonOrNull(t.Circuit != nil, t.Circuit)
	if err != nil {
		return fmt.Errorf("marshal circuit: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		t.ID, t.Name, t.Description, t.AgentID, string(t.Status),
		string(t.Schedule.Kind), t.Schedule.Expr, t.Schedule.TZ, pipelineJSON, paramsJSON,
		t.Priority, t.Version, string(t.CatchupPolicy), t.MaxAttempts, backoffJSON, circuitJSON,
		t.NextFire, t.LastFired, t.DeadStreak, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNameTaken
		}
		return err
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *pgStore) GetByName(ctx context.Context, name string) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE name = $1 AND status <> 'archived' LIMIT 1`, name)
	t, err := scanTask(row)
	if err != nil {
		if errNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *pgStore) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d`, len(args))
	args = append(args, filter.Offset)
	q += fmt.Sprintf(` OFFSET $%d`, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *pgStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) SetNextFire(ctx context.Context, id string, next *time.Time) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE tasks SET next_fire = $2, updated_at = now() WHERE id = $1`, id, next)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) SelectDue(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'active' AND next_fire IS NOT NULL AND next_fire <= $1
		ORDER BY next_fire ASC, priority DESC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *pgStore) AdvanceCursor(ctx context.Context, id string, oldNextFire time.Time, nextFire *time.Time, lastFired time.Time) (bool, error) {
	// lastFired 零值表示本 tick 没有点火（skip_all），last_fired 原样保留
	var fired *time.Time
	if !lastFired.IsZero() {
		fired = &lastFired
	}
	cmd, err := s.pool.Exec(ctx, `
		UPDATE tasks SET next_fire = $3, last_fired = COALESCE($4, last_fired), updated_at = now()
		WHERE id = $1 AND next_fire = $2`,
		id, oldNextFire, nextFire, fired)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (s *pgStore) RecordDeadStreak(ctx context.Context, id string, reset bool) (int, error) {
	var streak int
	err := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET dead_streak = CASE WHEN $2 THEN 0 ELSE dead_streak + 1 END, updated_at = now()
		WHERE id = $1
		RETURNING dead_streak`, id, reset).Scan(&streak)
	if err != nil {
		if errNoRows(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return streak, nil
}

func scanTasks(rows pgx.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var status, kind, catchup string
	var pipelineJSON, paramsJSON, backoffJSON, circuitJSON []byte
	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.AgentID, &status,
		&kind, &t.Schedule.Expr, &t.Schedule.TZ, &pipelineJSON, &paramsJSON,
		&t.Priority, &t.Version, &catchup, &t.MaxAttempts, &backoffJSON, &circuitJSON,
		&t.NextFire, &t.LastFired, &t.DeadStreak, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Schedule.Kind = schedule.Kind(kind)
	t.CatchupPolicy = CatchupPolicy(catchup)
	if len(pipelineJSON) > 0 {
		if err := json.Unmarshal(pipelineJSON, &t.Pipeline); err != nil {
			return nil, fmt.Errorf("unmarshal pipeline: %w", err)
		}
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(backoffJSON) > 0 {
		t.Backoff = &BackoffSpec{}
		if err := json.Unmarshal(backoffJSON, t.Backoff); err != nil {
			return nil, fmt.Errorf("unmarshal backoff: %w", err)
		}
	}
	if len(circuitJSON) > 0 {
		t.Circuit = &CircuitSpec{}
		if err := json.Unmarshal(circuitJSON, t.Circuit); err != nil {
			return nil, fmt.Errorf("unmarshal circuit: %w", err)
		}
	}
	return &t, nil
}

// jsonOrNull present=false 时返回 SQL NULL，避免 jsonb 列收到空串
func jsonOrNull(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func errNoRows(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}
