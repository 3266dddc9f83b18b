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

// Package storage 提供 PostgreSQL 连接池构建与建表。
// 各 store 共享同一个 pool；建表由 devops migrate 或测试助手执行，服务进程假定表已存在。
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool 解析 DSN、建池并 ping；失败时关闭已建的池
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// schemaStatements 按序执行；全部幂等
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id             uuid PRIMARY KEY,
		name           text NOT NULL,
		description    text NOT NULL DEFAULT '',
		agent_id       text NOT NULL DEFAULT '',
		status         text NOT NULL,
		schedule_kind  text NOT NULL,
		schedule_expr  text NOT NULL DEFAULT '',
		schedule_tz    text NOT NULL DEFAULT '',
		pipeline       jsonb NOT NULL,
		params         jsonb,
		priority       int NOT NULL DEFAULT 0,
		version        int NOT NULL DEFAULT 1,
		catchup_policy text NOT NULL,
		max_attempts   int NOT NULL DEFAULT 0,
		backoff        jsonb,
		circuit        jsonb,
		next_fire      timestamptz,
		last_fired     timestamptz,
		dead_streak    int NOT NULL DEFAULT 0,
		created_at     timestamptz NOT NULL,
		updated_at     timestamptz NOT NULL
	)`,
	// 活跃任务名唯一；archived 释放名字
	`CREATE UNIQUE INDEX IF NOT EXISTS tasks_live_name_idx
		ON tasks (name) WHERE status <> 'archived'`,
	`CREATE INDEX IF NOT EXISTS tasks_due_idx
		ON tasks (status, next_fire)`,

	`CREATE TABLE IF NOT EXISTS due_work (
		id               uuid PRIMARY KEY,
		task_id          uuid NOT NULL REFERENCES tasks (id),
		task_version     int NOT NULL,
		fire_time        timestamptz NOT NULL,
		priority         int NOT NULL DEFAULT 0,
		dedupe_key       text NOT NULL UNIQUE,
		status           text NOT NULL,
		attempt          int NOT NULL DEFAULT 0,
		max_attempts     int NOT NULL,
		not_before       timestamptz NOT NULL,
		lease_owner      text,
		lease_expires    timestamptz,
		cancel_requested boolean NOT NULL DEFAULT FALSE,
		trigger          text NOT NULL,
		payload          jsonb,
		reason           text NOT NULL DEFAULT '',
		created_at       timestamptz NOT NULL,
		updated_at       timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS due_work_visible_idx
		ON due_work (status, not_before, priority DESC, fire_time)`,
	`CREATE INDEX IF NOT EXISTS due_work_task_idx
		ON due_work (task_id, status)`,

	`CREATE TABLE IF NOT EXISTS runs (
		id          uuid PRIMARY KEY,
		task_id     uuid NOT NULL,
		due_work_id uuid NOT NULL,
		attempt     int NOT NULL,
		status      text NOT NULL,
		started_at  timestamptz NOT NULL,
		finished_at timestamptz,
		error       text NOT NULL DEFAULT '',
		vars_digest text NOT NULL DEFAULT '',
		steps       jsonb NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS runs_task_idx
		ON runs (task_id, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS scheduler_leader (
		singleton  int PRIMARY KEY DEFAULT 1 CHECK (singleton = 1),
		owner      text NOT NULL,
		expires_at timestamptz NOT NULL
	)`,

	// Redis 流的持久镜像，API publish 路径先写这里再 XAdd
	`CREATE TABLE IF NOT EXISTS events (
		id           bigserial PRIMARY KEY,
		topic        text NOT NULL,
		payload      jsonb,
		published_at timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_topic_idx
		ON events (topic, published_at DESC)`,
}

// EnsureSchema 应用全部 DDL；可重复执行
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
