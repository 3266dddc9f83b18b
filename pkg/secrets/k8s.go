// Copyright 2026 fanjia1024
// Kubernetes mounted-Secret backend

package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// K8sConfig 挂载卷配置
type K8sConfig struct {
	// MountPath 是 Secret volume 的挂载目录，每个 key 一个文件。
	// 默认 /etc/secrets
	MountPath string
}

// k8sStore 把挂载目录下的文件当 secret：Get 每次直接读文件，
// projected volume 轮换后无需重启即生效。挂载卷只读，Set/Delete
// 只作用于进程内 overlay（测试用）
type k8sStore struct {
	mountPath string
	mu        sync.RWMutex
	overlay   map[string]string
}

// NewK8sStore 创建挂载卷后端；目录不存在视为不在 K8s 环境
func NewK8sStore(config K8sConfig) (Store, error) {
	mountPath := config.MountPath
	if mountPath == "" {
		mountPath = "/etc/secrets"
	}
	if _, err := os.Stat(mountPath); err != nil {
		return nil, fmt.Errorf("secret mount %s: %w", mountPath, err)
	}
	return &k8sStore{
		mountPath: mountPath,
		overlay:   make(map[string]string),
	}, nil
}

func (k *k8sStore) Get(ctx context.Context, key string) (string, error) {
	k.mu.RLock()
	if val, ok := k.overlay[key]; ok {
		k.mu.RUnlock()
		return val, nil
	}
	k.mu.RUnlock()

	// 防目录穿越：key 不允许引用挂载点之外的文件
	name := filepath.Base(key)
	if name != key || key == "." || key == ".." {
		return "", fmt.Errorf("secret %s: invalid key", key)
	}
	data, err := os.ReadFile(filepath.Join(k.mountPath, name))
	if err != nil {
		return "", fmt.Errorf("secret %s: not found", key)
	}
	// 手工创建的 Secret 常带结尾换行
	return strings.TrimRight(string(data), "\n"), nil
}

func (k *k8sStore) Set(ctx context.Context, key string, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.overlay[key] = value
	return nil
}

func (k *k8sStore) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.overlay, key)
	return nil
}

func (k *k8sStore) List(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})

	k.mu.RLock()
	for key := range k.overlay {
		if strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}
	k.mu.RUnlock()

	entries, err := os.ReadDir(k.mountPath)
	if err != nil {
		return nil, fmt.Errorf("list secret mount: %w", err)
	}
	for _, e := range entries {
		// projected volume 的 ..data 符号链接目录跳过
		if e.IsDir() || strings.HasPrefix(e.Name(), "..") {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			seen[e.Name()] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
