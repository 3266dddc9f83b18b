// Copyright 2026 fanjia1024
// HashiCorp Vault secret backend

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 连接配置
type VaultConfig struct {
	Address    string // 如 http://vault:8200，空则 DefaultConfig
	Token      string
	PathPrefix string // secret 路径前缀，默认 "secret"
}

// vaultStore 每次 Get 都读 Vault，不做本地缓存：secret 轮换后
// 下一次工具调用立即拿到新值
type vaultStore struct {
	client     *vault.Client
	pathPrefix string
}

// NewVaultStore 创建 Vault 后端并探活
func NewVaultStore(config VaultConfig) (Store, error) {
	cfg := vault.DefaultConfig()
	if config.Address != "" {
		cfg.Address = config.Address
	}

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}

	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("vault health check: %w", err)
	}

	prefix := config.PathPrefix
	if prefix == "" {
		prefix = "secret"
	}
	return &vaultStore{client: client, pathPrefix: prefix}, nil
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path(key))
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", key, err)
	}
	if secret == nil {
		return "", fmt.Errorf("secret %s: not found", key)
	}

	// 约定 data 里的 "value" 字段存明文；没有则取第一个字符串字段
	if s, ok := secret.Data["value"].(string); ok {
		return s, nil
	}
	for _, val := range secret.Data {
		if s, ok := val.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("secret %s: no string value", key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	data := map[string]interface{}{"value": value}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.path(key), data); err != nil {
		return fmt.Errorf("write secret %s: %w", key, err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.path(key)); err != nil {
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	searchPath := v.pathPrefix
	if prefix != "" {
		searchPath = v.path(prefix)
	}
	secret, err := v.client.Logical().ListWithContext(ctx, searchPath)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	if secret == nil {
		return nil, nil
	}

	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var keys []string
	for _, k := range raw {
		if s, ok := k.(string); ok {
			if prefix != "" && !strings.HasPrefix(s, prefix) {
				s = prefix + "/" + s
			}
			keys = append(keys, s)
		}
	}
	return keys, nil
}

func (v *vaultStore) path(key string) string {
	return v.pathPrefix + "/" + key
}
