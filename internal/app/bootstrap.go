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
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"task-orchestrator/internal/duework"
	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/run"
	"task-orchestrator/internal/storage"
	"task-orchestrator/internal/task"
	"task-orchestrator/pkg/config"
	"task-orchestrator/pkg/log"
	"task-orchestrator/pkg/secrets"
)

// Bootstrap 统一初始化：api / scheduler / worker 三进程复用，避免在 cmd 内装配存储
type Bootstrap struct {
	Config    *config.Config
	Logger    *log.Logger
	Pool      *pgxpool.Pool // store.type=postgres 时非 nil
	Tasks     task.Store
	Queue     duework.Store
	Runs      run.Store
	EventLog  eventlog.Log
	Archive   eventlog.Archive
	Publisher *eventlog.Publisher
	Secrets   secrets.Store
}

// NewBootstrap 根据配置创建 Bootstrap（日志/存储/事件日志/secret）
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	b := &Bootstrap{Config: cfg, Logger: logger}

	if cfg != nil && cfg.Store.Type == "postgres" && cfg.Store.DSN != "" {
		pool, err := storage.NewPool(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("初始化 postgres 失败: %w", err)
		}
		b.Pool = pool
		b.Tasks = task.NewPostgresStore(pool)
		b.Queue = duework.NewPostgresStore(pool)
		b.Runs = run.NewPostgresStore(pool)
		b.Archive = eventlog.NewPostgresArchive(pool)
		logger.Info("持久层使用 PostgreSQL 后端")
	} else {
		b.Tasks = task.NewMemoryStore()
		b.Queue = duework.NewMemoryStore()
		b.Runs = run.NewMemoryStore()
		b.Archive = eventlog.NewMemoryArchive()
		logger.Info("持久层使用内存后端（仅供开发与测试，重启即失）")
	}

	if cfg != nil && cfg.EventLog.Type == "redis" {
		rl, err := eventlog.NewRedisLog(ctx, eventlog.RedisConfig{
			Addr:     cfg.EventLog.Addr,
			Password: cfg.EventLog.Password,
			DB:       cfg.EventLog.DB,
			Stream:   cfg.EventLog.Stream,
			MaxLen:   cfg.EventLog.MaxLen,
		})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("初始化 redis 事件日志失败: %w", err)
		}
		b.EventLog = rl
		logger.Info("事件日志使用 Redis Streams 后端", "addr", cfg.EventLog.Addr)
	} else {
		b.EventLog = eventlog.NewMemoryLog()
	}
	b.Publisher = &eventlog.Publisher{Log: b.EventLog, Archive: b.Archive}

	secCfg := secrets.Config{}
	if cfg != nil {
		secCfg.Provider = cfg.Secrets.Provider
		if cfg.Secrets.Provider == "vault" {
			secCfg.Config = map[string]string{
				"address":     cfg.Secrets.Vault.Address,
				"token":       cfg.Secrets.Vault.Token,
				"path_prefix": cfg.Secrets.Vault.PathPrefix,
			}
		}
	}
	sec, err := secrets.NewStore(secCfg)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("初始化 secret 存储失败: %w", err)
	}
	b.Secrets = sec

	return b, nil
}

// Close 释放连接类资源；对部分初始化的 Bootstrap 调用也安全
func (b *Bootstrap) Close() {
	if b.EventLog != nil {
		_ = b.EventLog.Close()
	}
	if b.Pool != nil {
		b.Pool.Close()
	}
}
