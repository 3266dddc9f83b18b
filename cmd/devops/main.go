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

// devops 运维入口：migrate 对 postgres 存储建表（幂等），queue 输出
// due-work 队列各状态计数。
// 使用：go run ./cmd/devops migrate [config]；go run ./cmd/devops queue [config]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"task-orchestrator/internal/app"
	"task-orchestrator/internal/storage"
	"task-orchestrator/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfgPath := "configs/api.yaml"
	if len(os.Args) > 2 {
		cfgPath = os.Args[2]
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx := context.Background()
	switch os.Args[1] {
	case "migrate":
		runMigrate(ctx, cfg)
	case "queue":
		runQueue(ctx, cfg)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: devops <command> [config]")
	fmt.Println("  migrate [config] - 建表（store.type=postgres，幂等）")
	fmt.Println("  queue [config]   - 输出 due-work 队列各状态计数")
	fmt.Println("config 默认 configs/api.yaml")
}

func runMigrate(ctx context.Context, cfg *config.Config) {
	if cfg.Store.Type != "postgres" || cfg.Store.DSN == "" {
		log.Fatalf("migrate 需要 store.type=postgres 且 dsn 非空")
	}
	pool, err := storage.NewPool(ctx, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("连接 postgres 失败: %v", err)
	}
	defer pool.Close()
	if err := storage.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("建表失败: %v", err)
	}
	fmt.Println("schema 已就绪")
}

func runQueue(ctx context.Context, cfg *config.Config) {
	bootstrap, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer bootstrap.Close()

	counts, err := bootstrap.Queue.CountByStatus(ctx)
	if err != nil {
		log.Fatalf("查询队列失败: %v", err)
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Printf("%s\t%d\n", s, counts[s])
	}
}
