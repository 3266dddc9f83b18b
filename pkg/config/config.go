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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体（api / scheduler / worker 共用，按进程加载对应 yaml）
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	EventLog   EventLogConfig   `mapstructure:"eventlog"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Defaults   DefaultsConfig   `mapstructure:"defaults"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Host    string     `mapstructure:"host"`
	Port    int        `mapstructure:"port"`
	Timeout string     `mapstructure:"timeout"`
	CORS    CORSConfig `mapstructure:"cors"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// StoreConfig 持久层配置（task / due_work / run / leader 同库）
type StoreConfig struct {
	Type     string `mapstructure:"type"` // memory | postgres
	DSN      string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
	PoolSize int    `mapstructure:"pool_size"`
}

// EventLogConfig 事件日志配置
type EventLogConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	Stream   string `mapstructure:"stream"`  // 流名，空则默认 tasko:events
	MaxLen   int64  `mapstructure:"max_len"` // XADD MAXLEN ~，<=0 默认 65536
}

// SchedulerConfig tick 循环配置
type SchedulerConfig struct {
	TickInterval   string `mapstructure:"tick_interval"`    // 如 "1s"，带 ±10% 抖动
	TickBatchLimit int    `mapstructure:"tick_batch_limit"` // 单 tick 取 task 上限，<=0 默认 512
	TickCatchupCap int    `mapstructure:"tick_catchup_cap"` // fire_all_missed 单 task 单 tick 补发上限，<=0 默认 64
	LeaderTTL      string `mapstructure:"leader_ttl"`       // leader 租约时长，空则默认 3 倍 tick
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	ID                  string   `mapstructure:"id"` // 空则 hostname+随机后缀
	Concurrency         int      `mapstructure:"concurrency"`
	PollInterval        string   `mapstructure:"poll_interval"`
	LeaseHeartbeatRatio float64  `mapstructure:"lease_heartbeat_ratio"` // 心跳间隔 = visibility*ratio，<=0 默认 1/3
	ReclaimInterval     string   `mapstructure:"reclaim_interval"`
	ShutdownGrace       string   `mapstructure:"shutdown_grace"`
	GC                  GCConfig `mapstructure:"gc"`
}

// GCConfig run 历史保留配置
type GCConfig struct {
	Enable     bool   `mapstructure:"enable"`
	RunTTLDays int    `mapstructure:"run_ttl_days"`
	Interval   string `mapstructure:"interval"`
	BatchSize  int    `mapstructure:"batch_size"`
}

// DefaultsConfig 任务级默认值（task 未覆盖时生效）
type DefaultsConfig struct {
	Visibility  string  `mapstructure:"visibility"`   // 租约可见性超时，默认 60s
	MaxAttempts int     `mapstructure:"max_attempts"` // 默认 5
	BaseDelay   string  `mapstructure:"base_delay"`   // 默认 1s
	MaxDelay    string  `mapstructure:"max_delay"`    // 默认 300s
	Jitter      float64 `mapstructure:"jitter"`       // 默认 0.2
	StepTimeout string  `mapstructure:"step_timeout"` // 默认 30s
}

// SecretsConfig secret 后端配置
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // env | memory | vault | k8s
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig HashiCorp Vault 配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// RateLimitsConfig 限流配置（按 tool 维度）
type RateLimitsConfig struct {
	Tools map[string]ToolRateLimitConfig `mapstructure:"tools"`
}

// ToolRateLimitConfig 单个 Tool 的限流配置
type ToolRateLimitConfig struct {
	QPS           float64 `mapstructure:"qps"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	Burst         int     `mapstructure:"burst"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// replaceEnvVars 替换配置中 ${VAR} 形式的环境变量（连接串、密码、token）
func replaceEnvVars(config *Config) {
	config.Store.DSN = expandEnv(config.Store.DSN)
	config.EventLog.Password = expandEnv(config.EventLog.Password)
	config.Secrets.Vault.Token = expandEnv(config.Secrets.Vault.Token)
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	envVar := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadSchedulerConfig 加载 Scheduler 配置（configs/scheduler.yaml）
func LoadSchedulerConfig() (*Config, error) {
	return LoadConfig("configs/scheduler.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// Duration 解析时长字符串，无效或空时返回 defaultVal
func Duration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
