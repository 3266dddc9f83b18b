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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const runColumns = `id, task_id, due_work_id, attempt, status,
	started_at, finished_at, error, vars_digest, steps`

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 基于共享连接池创建 run 存储
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Begin(ctx context.Context, r *Run) error {
	normalizeBegin(r, time.Now().UTC())
	stepsJSON, err := marshalSteps(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.TaskID, r.DueWorkID, r.Attempt, string(r.Status),
		r.StartedAt, r.FinishedAt, r.Error, r.VarsDigest, stepsJSON)
	return err
}

func (s *pgStore) Finish(ctx context.Context, r *Run) error {
	stepsJSON, err := marshalSteps(r)
	if err != nil {
		return err
	}
	cmd, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, finished_at = $3, error = $4, vars_digest = $5, steps = $6
		WHERE id = $1`,
		r.ID, string(r.Status), r.FinishedAt, boundError(r.Error), r.VarsDigest, stepsJSON)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *pgStore) ListByTask(ctx context.Context, taskID string, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE task_id = $1
		ORDER BY started_at DESC, attempt DESC
		LIMIT $2 OFFSET $3`, taskID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	cmd, err := s.pool.Exec(ctx, `
		DELETE FROM runs
		WHERE id IN (SELECT id FROM runs WHERE started_at < $1 LIMIT $2)`,
		cutoff, limit)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func marshalSteps(r *Run) ([]byte, error) {
	if r.Steps == nil {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(r.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	return b, nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	var status string
	var stepsJSON []byte
	err := row.Scan(
		&r.ID, &r.TaskID, &r.DueWorkID, &r.Attempt, &status,
		&r.StartedAt, &r.FinishedAt, &r.Error, &r.VarsDigest, &stepsJSON)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &r.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return &r, nil
}
