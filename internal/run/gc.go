// Copyright 2026 fanjia1024
// Run history retention (TTL GC)

package run

import (
	"context"
	"fmt"
	"time"
)

// GCConfig run 历史保留配置
type GCConfig struct {
	Enable      bool          `yaml:"enable" mapstructure:"enable"`
	TTLDays     int           `yaml:"ttl_days" mapstructure:"ttl_days"`
	RunInterval time.Duration `yaml:"run_interval" mapstructure:"run_interval"`
	BatchSize   int           `yaml:"batch_size" mapstructure:"batch_size"`
}

// DefaultGCConfig 默认保留 90 天，每 24h 清一次，默认关闭
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Enable:      false,
		TTLDays:     90,
		RunInterval: 24 * time.Hour,
		BatchSize:   1000,
	}
}

// GC 分批删除超过保留期的 run 记录；批量小于 BatchSize 即认为清完
func GC(ctx context.Context, store Store, config GCConfig) error {
	if !config.Enable {
		return nil
	}
	ttlDays := config.TTLDays
	if ttlDays <= 0 {
		ttlDays = 90
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -ttlDays)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := store.DeleteOlderThan(ctx, cutoff, batchSize)
		if err != nil {
			return fmt.Errorf("delete expired runs: %w", err)
		}
		if n < batchSize {
			return nil
		}
	}
}
