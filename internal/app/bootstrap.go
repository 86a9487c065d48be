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
	"time"

	"agent-orchestrator/internal/orchestrator/audit"
	"agent-orchestrator/internal/orchestrator/events"
	"agent-orchestrator/internal/orchestrator/queue"
	"agent-orchestrator/internal/orchestrator/sigcache"
	"agent-orchestrator/internal/orchestrator/supervisor"
	"agent-orchestrator/pkg/config"
	"agent-orchestrator/pkg/log"
	"agent-orchestrator/pkg/secrets"
	"agent-orchestrator/pkg/utils"
)

// 队列调度默认值，配置缺省时生效
const (
	defaultBackgroundAging  = 15 * time.Second
	defaultInteractiveBurst = 3
	defaultStopDrain        = 2 * time.Second
	defaultSigCacheTTL      = 10 * time.Minute
)

// Bootstrap 统一初始化：供 api 与 cli 复用，避免在 cmd 内写装配逻辑
type Bootstrap struct {
	Config     *config.Config
	Logger     *log.Logger
	Queue      *queue.Queue
	Events     *events.Runtime
	Tools      *events.Tools
	Supervisor *supervisor.Supervisor
	Audit      *audit.Store
	SigCache   sigcache.Store
	SigTTL     time.Duration
	Hooks      *OrchestratorHooks
}

// NewBootstrap 根据配置装配全部编排组件。
// 装配序：logger → snapshot store → hooks → queue → supervisor →
// events runtime → audit → sigcache，最后 Bind 闭合 hooks 环。
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
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
	if cfg == nil {
		cfg = &config.Config{}
	}

	store, err := newSnapshotStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	hooks := NewOrchestratorHooks(logger)
	q := queue.New(queue.Options{
		GlobalConcurrency:   cfg.Queue.MaxConcurrentGlobal,
		MaxGlobal:           cfg.Queue.MaxQueuedGlobal,
		MaxPerProject:       cfg.Queue.MaxQueuedPerProject,
		DefaultTimeout:      utils.ParseDurationOr(cfg.Queue.DefaultTimeout, 60*time.Second),
		BackgroundAging:     utils.ParseDurationOr(cfg.Queue.BackgroundAging, defaultBackgroundAging),
		MaxInteractiveBurst: utils.DefaultInt(cfg.Queue.InteractiveBurst, defaultInteractiveBurst),
		StopDrain:           utils.ParseDurationOr(cfg.Queue.StopDrain, defaultStopDrain),
	}, store, hooks, logger)

	sup, err := newSupervisor(cfg, logger)
	if err != nil {
		return nil, err
	}

	rt := newEventsRuntime(cfg, logger)
	tools := &events.Tools{EnqueueJob: q.Enqueue, Logger: logger}
	hooks.Bind(rt, tools, sup)

	auditStore := audit.NewStore(cfg.Audit.Path, logger)
	if cfg.Audit.ArchiveDSN != "" {
		archive, err := audit.NewPGArchive(context.Background(), cfg.Audit.ArchiveDSN)
		if err != nil {
			return nil, fmt.Errorf("初始化审计归档失败: %w", err)
		}
		auditStore.SetArchive(archive)
	}

	sigStore, err := sigcache.NewStore(cfg.SigCache)
	if err != nil {
		return nil, fmt.Errorf("初始化签名缓存失败: %w", err)
	}

	return &Bootstrap{
		Config:     cfg,
		Logger:     logger,
		Queue:      q,
		Events:     rt,
		Tools:      tools,
		Supervisor: sup,
		Audit:      auditStore,
		SigCache:   sigStore,
		SigTTL:     utils.ParseDurationOr(cfg.SigCache.TTL, defaultSigCacheTTL),
		Hooks:      hooks,
	}, nil
}

// newSnapshotStore 按配置创建队列快照后端：file（缺省）| postgres
func newSnapshotStore(cfg *config.Config, logger *log.Logger) (queue.SnapshotStore, error) {
	switch cfg.Queue.Store.Type {
	case "", "file":
		return queue.NewFileStore(cfg.Queue.SnapshotPath, logger), nil
	case "postgres":
		if cfg.Queue.Store.DSN == "" {
			return nil, fmt.Errorf("queue.store.type=postgres 需要 dsn")
		}
		pg, err := queue.NewPGStore(context.Background(), cfg.Queue.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("初始化快照存储(postgres)失败: %w", err)
		}
		logger.Info("队列快照使用 PostgreSQL 后端")
		return pg, nil
	default:
		return nil, fmt.Errorf("unsupported snapshot store type: %s", cfg.Queue.Store.Type)
	}
}

// newSupervisor 装配子进程 supervisor；未配置 command 时返回 nil。
// env_secrets 声明的环境变量从 secrets provider 解析后注入子进程。
func newSupervisor(cfg *config.Config, logger *log.Logger) (*supervisor.Supervisor, error) {
	if cfg.Runtime.Command == "" {
		return nil, nil
	}
	var env []string
	if len(cfg.Runtime.EnvSecrets) > 0 {
		secretStore, err := secrets.NewStore(secrets.Config{
			Provider: cfg.Secrets.Provider,
			Config:   cfg.Secrets.Config,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 secrets 失败: %w", err)
		}
		for envName, key := range cfg.Runtime.EnvSecrets {
			val, err := secretStore.Get(context.Background(), key)
			if err != nil {
				return nil, fmt.Errorf("解析 secret %s 失败: %w", key, err)
			}
			env = append(env, envName+"="+val)
		}
	}
	return supervisor.New(supervisor.Config{
		Command:        cfg.Runtime.Command,
		Args:           cfg.Runtime.Args,
		Env:            env,
		Dir:            cfg.Runtime.Dir,
		DataDir:        cfg.Runtime.DataDir,
		LogFile:        cfg.Runtime.LogFile,
		RequestTimeout: utils.ParseDurationOr(cfg.Runtime.RequestTimeout, 0),
		StopGrace:      utils.ParseDurationOr(cfg.Runtime.StopGrace, 0),
	}, logger), nil
}

// newEventsRuntime 装配扩展事件运行时。配置了目录时从磁盘扫描清单，
// 否则使用进程内注册的 StaticProvider。
func newEventsRuntime(cfg *config.Config, logger *log.Logger) *events.Runtime {
	var provider events.ModuleProvider
	if cfg.Events.Dir != "" {
		provider = events.NewDirProvider([]events.SourceRoot{
			{Path: cfg.Events.Dir, Kind: events.SourceConfiguredRoot},
		})
	} else {
		provider = events.NewStaticProvider()
	}
	hostVersion := utils.CoalesceString(cfg.Events.HostVersion, "1.0.0")
	return events.New(events.Options{
		TrustMode: events.TrustMode(utils.CoalesceString(cfg.Events.TrustMode, string(events.TrustEnforced))),
		Runtime: events.RuntimeInfo{
			CoreVersion:    hostVersion,
			ProfileID:      "default",
			ProfileVersion: hostVersion,
		},
		DefaultHandlerTimeout: utils.ParseDurationOr(cfg.Events.DefaultHandlerTimeout, 0),
	}, provider, logger)
}
