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

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Events     EventsConfig     `mapstructure:"events"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Audit      AuditConfig      `mapstructure:"audit"`
	SigCache   SigCacheConfig   `mapstructure:"sigcache"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	RateLimit    bool `mapstructure:"rate_limit"`
	RateLimitRPS int  `mapstructure:"rate_limit_rps"`
}

// QueueConfig 任务队列与调度配置
type QueueConfig struct {
	// MaxConcurrentGlobal 全局并发上限（同时 running），<=0 使用默认 2
	MaxConcurrentGlobal int `mapstructure:"max_concurrent_global"`
	// MaxQueuedPerProject 单项目排队上限，<=0 表示不限制
	MaxQueuedPerProject int `mapstructure:"max_queued_per_project"`
	// MaxQueuedGlobal 全局排队上限，<=0 表示不限制
	MaxQueuedGlobal int `mapstructure:"max_queued_global"`
	// DefaultTimeout 任务默认执行超时，如 "60s"
	DefaultTimeout string `mapstructure:"default_timeout"`
	// BackgroundAging 后台任务等待超过此时长后优先级视同 interactive，如 "15s"
	BackgroundAging string `mapstructure:"background_aging"`
	// InteractiveBurst 存在就绪后台任务时，连续派发 interactive 的上限，<=0 使用默认 3
	InteractiveBurst int `mapstructure:"interactive_burst"`
	// StopDrain Stop 时等待运行中任务收尾的时长，如 "2s"
	StopDrain string `mapstructure:"stop_drain"`
	// SnapshotPath 持久化快照路径，空则默认 "orchestrator-jobs.json"
	SnapshotPath string      `mapstructure:"snapshot_path"`
	Store        StoreConfig `mapstructure:"store"`
}

// StoreConfig 快照存储后端配置
type StoreConfig struct {
	Type string `mapstructure:"type"` // file | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// EventsConfig 扩展事件运行时配置
type EventsConfig struct {
	// Dir 扩展模块目录，空则不从磁盘加载
	Dir string `mapstructure:"dir"`
	// TrustMode 扩展信任模式：disabled | warn | enforced；空则默认 enforced
	TrustMode string `mapstructure:"trust_mode"`
	// DefaultHandlerTimeout 单个 handler 超时，如 "30s"
	DefaultHandlerTimeout string `mapstructure:"default_handler_timeout"`
	// HostVersion 宿主版本号，供 manifest 兼容性校验；空则默认 "1.0.0"
	HostVersion string `mapstructure:"host_version"`
}

// RuntimeConfig 子进程运行时配置
type RuntimeConfig struct {
	// Command 子进程启动命令，如 "codex"
	Command string `mapstructure:"command"`
	// Args 启动参数，如 ["app-server"]
	Args []string `mapstructure:"args"`
	// Dir 子进程工作目录，空则继承当前目录
	Dir string `mapstructure:"dir"`
	// DataDir 子进程数据目录，Start 时确保存在
	DataDir string `mapstructure:"data_dir"`
	// RequestTimeout 单个 RPC 请求超时，如 "120s"
	RequestTimeout string `mapstructure:"request_timeout"`
	// StopGrace SIGTERM 后等待退出的时长，超时升级 SIGKILL，如 "3s"
	StopGrace string `mapstructure:"stop_grace"`
	// LogFile 子进程 stderr 与协议日志落盘路径，空则不落盘
	LogFile string `mapstructure:"log_file"`
	// EnvSecrets 注入子进程的环境变量 → secret key 映射，
	// 值从 secrets provider 解析
	EnvSecrets map[string]string `mapstructure:"env_secrets"`
}

// SecretsConfig Secret 存储配置
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // memory | env | vault
	Config   map[string]string `mapstructure:"config"`
}

// AuditConfig 扩展审计存储配置
type AuditConfig struct {
	// Path 审计文件路径，空则默认 "agent-extension-audit.json"
	Path string `mapstructure:"path"`
	// ArchiveDSN 非空时启用 Postgres 归档镜像（insert-only，尽力而为）
	ArchiveDSN string `mapstructure:"archive_dsn"`
}

// SigCacheConfig 事件签名缓存配置（重放抑制）
type SigCacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	// TTL 签名保留时长，如 "10m"
	TTL string `mapstructure:"ttl"`
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
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)

	return &config, nil
}

// replaceEnvVars 替换配置中 ${VAR} 形式的环境变量引用
func replaceEnvVars(config *Config) {
	config.Queue.Store.DSN = expandEnv(config.Queue.Store.DSN)
	config.Audit.ArchiveDSN = expandEnv(config.Audit.ArchiveDSN)
	config.SigCache.Addr = expandEnv(config.SigCache.Addr)
	config.SigCache.Password = expandEnv(config.SigCache.Password)
	config.Monitoring.Tracing.ExportEndpoint = expandEnv(config.Monitoring.Tracing.ExportEndpoint)
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
			return val
		}
	}
	return s
}

// LoadAPIConfig 加载 API 配置（仅 configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}
