// Copyright 2026 fanjia1024
// Secret resolution for pipeline tool arguments

package secrets

import (
	"context"
	"fmt"
)

// Store 按 key 解析 secret。pipeline 步骤参数里的 {"$secret": "KEY"}
// 在 Worker 端 invoke 前通过 Get 解析，明文不落 task 定义也不落 run 记录
type Store interface {
	// Get 读取 secret 明文；不存在时返回错误
	Get(ctx context.Context, key string) (string, error)

	// Set 写入 secret（env/k8s 后端仅进程内生效）
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error

	// List 列出带前缀的 secret key
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config Store 构造配置，由进程配置层装配
type Config struct {
	Provider string            // env | memory | vault | k8s
	Config   map[string]string // 后端专属参数
}

// NewStore 按 provider 创建 Store；空 provider 默认 env
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "", "env":
		return NewEnvStore(), nil
	case "memory":
		return NewMemoryStore(), nil
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.Config["address"],
			Token:      config.Config["token"],
			PathPrefix: config.Config["path_prefix"],
		})
	case "k8s":
		return NewK8sStore(K8sConfig{
			MountPath: config.Config["mount_path"],
		})
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}
